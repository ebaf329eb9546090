// Package transaction реализует транзакционный слой SIP согласно RFC 3261 §17:
// четыре конечных автомата (клиентский/серверный, INVITE/non-INVITE),
// таймеры A-K и менеджер, сопоставляющий входящие сообщения транзакциям.
package transaction

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Transaction представляет SIP транзакцию
type Transaction interface {
	// Идентификация
	ID() string
	Key() TransactionKey
	IsClient() bool
	IsServer() bool

	// Состояние
	State() TransactionState
	IsCompleted() bool
	IsTerminated() bool

	// Сообщения
	Request() *sip.Request
	LastResponse() *sip.Response

	// Операции (для серверных транзакций)
	SendResponse(resp *sip.Response) error

	// Операции (для клиентских INVITE транзакций)
	Cancel() error

	// Обработка сообщений
	HandleRequest(req *sip.Request) error
	HandleResponse(resp *sip.Response) error

	// События
	OnStateChange(handler StateChangeHandler)
	OnResponse(handler ResponseHandler)
	OnTimeout(handler TimeoutHandler)
	OnTransportError(handler TransportErrorHandler)

	// Terminate переводит транзакцию в Terminated и останавливает таймеры
	Terminate()

	// Контекст
	Context() context.Context
}

// TransactionKey уникальный ключ транзакции.
// Branch + метод + роль: клиентская и серверная транзакции с одинаковым
// branch не пересекаются.
type TransactionKey struct {
	Branch   string            // Via branch
	Method   sip.RequestMethod // метод запроса (для ответов - из CSeq)
	IsServer bool              // true = серверная транзакция
}

// TransactionState состояния транзакции
type TransactionState int

const (
	// Клиентские состояния
	TransactionCalling TransactionState = iota
	TransactionProceeding
	TransactionCompleted
	TransactionTerminated

	// Серверные состояния
	TransactionTrying
	TransactionConfirmed
)

// String возвращает строковое представление состояния
func (s TransactionState) String() string {
	switch s {
	case TransactionCalling:
		return "Calling"
	case TransactionProceeding:
		return "Proceeding"
	case TransactionCompleted:
		return "Completed"
	case TransactionTerminated:
		return "Terminated"
	case TransactionTrying:
		return "Trying"
	case TransactionConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// TransactionTimers таймеры транзакций
type TransactionTimers struct {
	T1 time.Duration // RTT estimate (default 500ms)
	T2 time.Duration // Max retransmit interval (default 4s)
	T4 time.Duration // Max message lifetime in network (default 5s)

	TimerA time.Duration // INVITE request retransmit
	TimerB time.Duration // INVITE transaction timeout
	TimerD time.Duration // Wait for response retransmits (client INVITE)
	TimerE time.Duration // Non-INVITE request retransmit
	TimerF time.Duration // Non-INVITE transaction timeout
	TimerG time.Duration // INVITE response retransmit
	TimerH time.Duration // Wait for ACK
	TimerI time.Duration // Wait for ACK retransmits
	TimerJ time.Duration // Wait for request retransmits (server non-INVITE)
	TimerK time.Duration // Wait for response retransmits (client non-INVITE)
}

// DefaultTimers возвращает таймеры по умолчанию согласно RFC 3261
func DefaultTimers() TransactionTimers {
	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second
	t4 := 5 * time.Second

	return TransactionTimers{
		T1: t1,
		T2: t2,
		T4: t4,

		TimerA: t1,               // Initially T1
		TimerB: 64 * t1,          // 64*T1
		TimerD: 32 * time.Second, // >= 32s for UDP, 0 for others
		TimerE: t1,               // Initially T1
		TimerF: 64 * t1,          // 64*T1
		TimerG: t1,               // Initially T1
		TimerH: 64 * t1,          // 64*T1
		TimerI: t4,               // T4 for UDP, 0 for others
		TimerJ: 64 * t1,          // 64*T1 for UDP, 0 for others
		TimerK: t4,               // T4 for UDP, 0 for others
	}
}

// TransactionStats статистика транзакционного слоя
type TransactionStats struct {
	// Счетчики транзакций
	ClientTransactions     uint64
	ServerTransactions     uint64
	ActiveTransactions     uint64
	CompletedTransactions  uint64
	TerminatedTransactions uint64
	TimedOutTransactions   uint64

	// Счетчики сообщений
	RequestsSent      uint64
	RequestsReceived  uint64
	ResponsesReceived uint64

	// Ретрансмиссии и мусор
	DuplicateRequests uint64
	OrphanResponses   uint64

	// Ошибки
	TransportErrors uint64
	InvalidMessages uint64
}

// Обработчики событий транзакций
type StateChangeHandler func(tx Transaction, oldState, newState TransactionState)
type ResponseHandler func(tx Transaction, resp *sip.Response)
type TimeoutHandler func(tx Transaction, timer TimerID)
type TransportErrorHandler func(tx Transaction, err error)
type RequestHandler func(tx Transaction, req *sip.Request)
type TransactionHandler func(tx Transaction)

// TransactionTransport — транспорт с точки зрения транзакции.
// transport.Transport реализует этот интерфейс напрямую.
type TransactionTransport interface {
	Send(msg sip.Message, addr string) error
	IsReliable() bool
}

// TransactionError типизированная ошибка транзакции
type TransactionError struct {
	Transaction string
	Operation   string
	State       TransactionState
	Err         error
}

func (e *TransactionError) Error() string {
	return "transaction " + e.Transaction + " in state " + e.State.String() +
		": " + e.Operation + ": " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// NewTransactionError создает новую ошибку транзакции
func NewTransactionError(tx string, op string, state TransactionState, err error) error {
	return &TransactionError{
		Transaction: tx,
		Operation:   op,
		State:       state,
		Err:         err,
	}
}
