package dialog

import "errors"

// Ошибки пакета dialog.
var (
	// ErrDialogNotFound indicates a lookup for an unknown dialog
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrDialogExists indicates an attempt to register a duplicate dialog key
	ErrDialogExists = errors.New("dialog already exists")

	// ErrDialogTerminated indicates an operation on a terminated dialog
	ErrDialogTerminated = errors.New("dialog is terminated")

	// ErrDialogLimitExceeded indicates the manager refused a new dialog at admission
	ErrDialogLimitExceeded = errors.New("dialog limit exceeded")

	// ErrInvalidState indicates an illegal dialog state transition
	ErrInvalidState = errors.New("invalid dialog state for operation")

	// ErrNotRecovering indicates a recovery operation outside the Recovering state
	ErrNotRecovering = errors.New("dialog is not in recovering state")

	// ErrNoRemoteAddr indicates a recovery probe without a known remote address
	ErrNoRemoteAddr = errors.New("no last known remote address")

	// ErrMissingTag indicates a dialog confirmation without both tags
	ErrMissingTag = errors.New("dialog tags are not established")

	// ErrNoRemoteTarget indicates an in-dialog request without a remote target URI
	ErrNoRemoteTarget = errors.New("no remote target URI")

	// ErrRecoveryExhausted indicates all recovery probe attempts failed
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)
