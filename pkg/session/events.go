package session

import (
	"time"
)

// Виды SDP-событий.
const (
	SdpKindLocalOffer      = "local_sdp_offer"
	SdpKindRemoteAnswer    = "remote_sdp_answer"
	SdpKindUpdate          = "sdp_update"
	SdpKindFinalNegotiated = "final_negotiated_sdp"
)

// SessionEvent — событие жизненного цикла сессии. События неизменяемы
// после публикации и доставляются каждому подписчику шины.
type SessionEvent interface {
	// SessionID возвращает идентификатор сессии. Пустая строка для событий
	// без привязки к сессии.
	SessionID() string
	// EventType возвращает строковый тип события для логов и маршрутизации.
	EventType() string
}

type baseEvent struct {
	Session string
}

func (e baseEvent) SessionID() string { return e.Session }

// SessionCreated — сессия создана с начальным состоянием.
type SessionCreated struct {
	baseEvent
	State CallState
}

func (SessionCreated) EventType() string { return "session_created" }

// StateChanged — прикладное состояние сессии изменилось.
type StateChanged struct {
	baseEvent
	OldState CallState
	NewState CallState
	Reason   string
}

func (StateChanged) EventType() string { return "state_changed" }

// DialogCreated — для сессии создан SIP-диалог.
type DialogCreated struct {
	baseEvent
	DialogID string
}

func (DialogCreated) EventType() string { return "dialog_created" }

// DialogUpdated — состояние диалога сессии изменилось.
type DialogUpdated struct {
	baseEvent
	DialogID    string
	DialogState string
}

func (DialogUpdated) EventType() string { return "dialog_updated" }

// MediaStarted — медиа-сессия запущена.
type MediaStarted struct {
	baseEvent
}

func (MediaStarted) EventType() string { return "media_started" }

// MediaStopped — медиа-сессия остановлена.
type MediaStopped struct {
	baseEvent
}

func (MediaStopped) EventType() string { return "media_stopped" }

// DTMFReceived — принят DTMF-символ.
type DTMFReceived struct {
	baseEvent
	Digit    rune
	Duration time.Duration
}

func (DTMFReceived) EventType() string { return "dtmf_received" }

// SdpEvent — SDP-событие одного из видов SdpKind*.
type SdpEvent struct {
	baseEvent
	Kind string
	SDP  []byte
}

func (SdpEvent) EventType() string { return "sdp_event" }

// MediaUpdate — запрос обновления медиа-параметров, обычно по re-INVITE.
// Offer может быть nil, если обновление не несёт нового предложения.
type MediaUpdate struct {
	baseEvent
	Offer []byte
}

func (MediaUpdate) EventType() string { return "media_update" }

// RecoveryStarted — начат цикл восстановления диалога сессии.
type RecoveryStarted struct {
	baseEvent
	DialogID string
	Reason   string
}

func (RecoveryStarted) EventType() string { return "recovery_started" }

// RecoveryCompleted — цикл восстановления завершён.
type RecoveryCompleted struct {
	baseEvent
	DialogID string
	Success  bool
}

func (RecoveryCompleted) EventType() string { return "recovery_completed" }

// SessionTerminated — сессия завершена.
type SessionTerminated struct {
	baseEvent
	Reason string
}

func (SessionTerminated) EventType() string { return "session_terminated" }

// TransactionCreated — транзакционный слой создал транзакцию для сессии.
type TransactionCreated struct {
	baseEvent
	TransactionID string
	Method        string
}

func (TransactionCreated) EventType() string { return "transaction_created" }

// TransactionCompleted — транзакция сессии завершилась.
type TransactionCompleted struct {
	baseEvent
	TransactionID string
	Method        string
	Success       bool
}

func (TransactionCompleted) EventType() string { return "transaction_completed" }

// ErrorEvent — ошибка, связанная с сессией или со стеком в целом.
type ErrorEvent struct {
	baseEvent
	Err error
}

func (ErrorEvent) EventType() string { return "error" }

// CustomEvent — произвольное прикладное событие с именем и непрозрачной
// нагрузкой. Стек таких событий не публикует, это точка расширения для
// подписчиков шины.
type CustomEvent struct {
	baseEvent
	Name    string
	Payload any
}

func (CustomEvent) EventType() string { return "custom" }

// NewSessionCreated создаёт событие создания сессии.
func NewSessionCreated(sessionID string, state CallState) SessionCreated {
	return SessionCreated{baseEvent{sessionID}, state}
}

// NewStateChanged создаёт событие смены состояния.
func NewStateChanged(sessionID string, oldState, newState CallState, reason string) StateChanged {
	return StateChanged{baseEvent{sessionID}, oldState, newState, reason}
}

// NewSessionTerminated создаёт событие завершения сессии.
func NewSessionTerminated(sessionID, reason string) SessionTerminated {
	return SessionTerminated{baseEvent{sessionID}, reason}
}

// NewDialogCreated создаёт событие создания диалога.
func NewDialogCreated(sessionID, dialogID string) DialogCreated {
	return DialogCreated{baseEvent{sessionID}, dialogID}
}

// NewDialogUpdated создаёт событие смены состояния диалога.
func NewDialogUpdated(sessionID, dialogID, dialogState string) DialogUpdated {
	return DialogUpdated{baseEvent{sessionID}, dialogID, dialogState}
}

// NewMediaStarted создаёт событие запуска медиа.
func NewMediaStarted(sessionID string) MediaStarted {
	return MediaStarted{baseEvent{sessionID}}
}

// NewMediaStopped создаёт событие остановки медиа.
func NewMediaStopped(sessionID string) MediaStopped {
	return MediaStopped{baseEvent{sessionID}}
}

// NewDTMFReceived создаёт событие приёма DTMF.
func NewDTMFReceived(sessionID string, digit rune, duration time.Duration) DTMFReceived {
	return DTMFReceived{baseEvent{sessionID}, digit, duration}
}

// NewSdpEvent создаёт SDP-событие одного из видов SdpKind*.
func NewSdpEvent(sessionID, kind string, sdp []byte) SdpEvent {
	return SdpEvent{baseEvent{sessionID}, kind, sdp}
}

// NewMediaUpdate создаёт событие обновления медиа-параметров.
func NewMediaUpdate(sessionID string, offer []byte) MediaUpdate {
	return MediaUpdate{baseEvent{sessionID}, offer}
}

// NewRecoveryStarted создаёт событие начала восстановления.
func NewRecoveryStarted(sessionID, dialogID, reason string) RecoveryStarted {
	return RecoveryStarted{baseEvent{sessionID}, dialogID, reason}
}

// NewRecoveryCompleted создаёт событие завершения восстановления.
func NewRecoveryCompleted(sessionID, dialogID string, success bool) RecoveryCompleted {
	return RecoveryCompleted{baseEvent{sessionID}, dialogID, success}
}

// NewTransactionCreated создаёт событие создания транзакции.
func NewTransactionCreated(sessionID, transactionID, method string) TransactionCreated {
	return TransactionCreated{baseEvent{sessionID}, transactionID, method}
}

// NewTransactionCompleted создаёт событие завершения транзакции.
func NewTransactionCompleted(sessionID, transactionID, method string, success bool) TransactionCompleted {
	return TransactionCompleted{baseEvent{sessionID}, transactionID, method, success}
}

// NewErrorEvent создаёт событие ошибки. SessionID может быть пустым.
func NewErrorEvent(sessionID string, err error) ErrorEvent {
	return ErrorEvent{baseEvent{sessionID}, err}
}

// NewCustomEvent создаёт произвольное прикладное событие.
func NewCustomEvent(sessionID, name string, payload any) CustomEvent {
	return CustomEvent{baseEvent{sessionID}, name, payload}
}
