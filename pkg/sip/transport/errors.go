package transport

import "errors"

var (
	// ErrTransportClosed is returned when sending through a closed transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrSendFailed is returned when the underlying send operation fails
	ErrSendFailed = errors.New("transport send failed")

	// ErrInvalidAddress is returned for unparseable destination addresses
	ErrInvalidAddress = errors.New("invalid destination address")
)
