// Package client содержит клиентские транзакции RFC 3261 §17.1.
package client

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// BaseTransaction базовая реализация клиентской транзакции
type BaseTransaction struct {
	// Идентификация
	id  string
	key transaction.TransactionKey

	// Конкретная машина, которую видят обработчики. Заполняется
	// конструктором до запуска транзакции.
	self transaction.Transaction

	// Состояние
	mu    sync.RWMutex
	state transaction.TransactionState

	// Сообщения
	request      *sip.Request
	lastResponse *sip.Response

	// Адрес назначения, зафиксирован при создании транзакции
	dest string

	// Таймеры
	timerManager *transaction.TimerManager
	timers       transaction.TransactionTimers

	// Транспорт
	transport transaction.TransactionTransport
	reliable  bool

	// Обработчики
	stateChangeHandlers    []transaction.StateChangeHandler
	responseHandlers       []transaction.ResponseHandler
	timeoutHandlers        []transaction.TimeoutHandler
	transportErrorHandlers []transaction.TransportErrorHandler

	// Контекст
	ctx    context.Context
	cancel context.CancelFunc

	// Флаг для предотвращения многократной отправки CANCEL
	cancelSent bool
}

// NewBaseTransaction создает базовую клиентскую транзакцию
func NewBaseTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	dest string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) *BaseTransaction {
	ctx, cancel := context.WithCancel(context.Background())

	// Корректируем таймеры для надежного транспорта
	if tp.IsReliable() {
		timers = timers.AdjustForReliableTransport()
	}

	return &BaseTransaction{
		id:           id,
		key:          key,
		state:        transaction.TransactionCalling,
		request:      request,
		dest:         dest,
		timerManager: transaction.NewTimerManager(),
		timers:       timers,
		transport:    tp,
		reliable:     tp.IsReliable(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ID возвращает идентификатор транзакции
func (t *BaseTransaction) ID() string {
	return t.id
}

// Key возвращает ключ транзакции
func (t *BaseTransaction) Key() transaction.TransactionKey {
	return t.key
}

// IsClient возвращает true для клиентской транзакции
func (t *BaseTransaction) IsClient() bool {
	return true
}

// IsServer возвращает false для клиентской транзакции
func (t *BaseTransaction) IsServer() bool {
	return false
}

// State возвращает текущее состояние транзакции
func (t *BaseTransaction) State() transaction.TransactionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsCompleted проверяет, завершена ли транзакция
func (t *BaseTransaction) IsCompleted() bool {
	return t.State() == transaction.TransactionCompleted
}

// IsTerminated проверяет, терминирована ли транзакция
func (t *BaseTransaction) IsTerminated() bool {
	return t.State() == transaction.TransactionTerminated
}

// Request возвращает запрос транзакции
func (t *BaseTransaction) Request() *sip.Request {
	return t.request
}

// LastResponse возвращает последний полученный ответ
func (t *BaseTransaction) LastResponse() *sip.Response {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResponse
}

// Destination возвращает адрес назначения транзакции
func (t *BaseTransaction) Destination() string {
	return t.dest
}

// SendResponse возвращает ошибку для клиентской транзакции
func (t *BaseTransaction) SendResponse(resp *sip.Response) error {
	return transaction.NewTransactionError(t.id, "send response", t.State(),
		transaction.ErrInvalidState)
}

// sendRequest отправляет запрос на адрес назначения транзакции
func (t *BaseTransaction) sendRequest(req *sip.Request) error {
	return t.transport.Send(req, t.dest)
}

// Cancel отправляет CANCEL для INVITE транзакции в состоянии Proceeding
// напрямую через транспорт. Повторный вызов - no-op. Сама INVITE
// транзакция продолжает ждать финального ответа. Менеджерский
// CancelTransaction предпочтительнее: он ведет CANCEL как отдельную
// non-INVITE транзакцию с ретрансмиссиями.
func (t *BaseTransaction) Cancel() error {
	t.mu.Lock()

	if t.cancelSent {
		t.mu.Unlock()
		return nil
	}

	if t.state != transaction.TransactionProceeding {
		state := t.state
		t.mu.Unlock()
		return transaction.NewTransactionError(t.id, "cancel", state,
			transaction.ErrCannotCancel)
	}

	if t.request.Method != sip.INVITE {
		t.mu.Unlock()
		return transaction.NewTransactionError(t.id, "cancel", t.State(),
			transaction.ErrCannotCancel)
	}

	t.cancelSent = true
	t.mu.Unlock()

	cancelReq, err := transaction.BuildCANCEL(t.request)
	if err != nil {
		return err
	}

	if err := t.sendRequest(cancelReq); err != nil {
		t.mu.Lock()
		t.cancelSent = false
		t.mu.Unlock()
		return err
	}

	return nil
}

// OnStateChange регистрирует обработчик изменения состояния
func (t *BaseTransaction) OnStateChange(handler transaction.StateChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateChangeHandlers = append(t.stateChangeHandlers, handler)
}

// OnResponse регистрирует обработчик ответов
func (t *BaseTransaction) OnResponse(handler transaction.ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseHandlers = append(t.responseHandlers, handler)
}

// OnTimeout регистрирует обработчик таймаутов
func (t *BaseTransaction) OnTimeout(handler transaction.TimeoutHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeoutHandlers = append(t.timeoutHandlers, handler)
}

// OnTransportError регистрирует обработчик транспортных ошибок
func (t *BaseTransaction) OnTransportError(handler transaction.TransportErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transportErrorHandlers = append(t.transportErrorHandlers, handler)
}

// Context возвращает контекст транзакции
func (t *BaseTransaction) Context() context.Context {
	return t.ctx
}

// HandleRequest обрабатывает запрос (для клиентской транзакции это ошибка)
func (t *BaseTransaction) HandleRequest(req *sip.Request) error {
	return transaction.NewTransactionError(t.id, "handle request", t.State(),
		transaction.ErrInvalidRequest)
}

// handleResponse выполняет общие проверки и сохраняет ответ.
// Конкретные машины вызывают этот метод из своих HandleResponse.
func (t *BaseTransaction) handleResponse(resp *sip.Response) error {
	// Проверяем CSeq: ответ должен соответствовать запросу транзакции
	reqCSeq := t.request.CSeq()
	respCSeq := resp.CSeq()
	if reqCSeq == nil || respCSeq == nil ||
		reqCSeq.SeqNo != respCSeq.SeqNo || reqCSeq.MethodName != respCSeq.MethodName {
		return transaction.NewTransactionError(t.id, "handle response", t.State(),
			transaction.ErrInvalidResponse)
	}

	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()

	return nil
}

// Terminate завершает транзакцию
func (t *BaseTransaction) Terminate() {
	t.changeState(transaction.TransactionTerminated)
	t.timerManager.StopAll()
	t.cancel()
}

// changeState изменяет состояние транзакции
func (t *BaseTransaction) changeState(newState transaction.TransactionState) {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState {
		t.mu.Unlock()
		return
	}
	t.state = newState
	t.mu.Unlock()

	t.notifyStateChangeHandlers(oldState, newState)
}

// notifyStateChangeHandlers уведомляет обработчики об изменении состояния
func (t *BaseTransaction) notifyStateChangeHandlers(oldState, newState transaction.TransactionState) {
	t.mu.RLock()
	handlers := make([]transaction.StateChangeHandler, len(t.stateChangeHandlers))
	copy(handlers, t.stateChangeHandlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(t.self, oldState, newState)
	}
}

// notifyResponseHandlers уведомляет обработчики о полученном ответе
func (t *BaseTransaction) notifyResponseHandlers(resp *sip.Response) {
	t.mu.RLock()
	handlers := make([]transaction.ResponseHandler, len(t.responseHandlers))
	copy(handlers, t.responseHandlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(t.self, resp)
	}
}

// notifyTimeoutHandlers уведомляет обработчики о таймауте
func (t *BaseTransaction) notifyTimeoutHandlers(timer transaction.TimerID) {
	t.mu.RLock()
	handlers := make([]transaction.TimeoutHandler, len(t.timeoutHandlers))
	copy(handlers, t.timeoutHandlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(t.self, timer)
	}
}

// notifyTransportErrorHandlers уведомляет обработчики о транспортной ошибке
func (t *BaseTransaction) notifyTransportErrorHandlers(err error) {
	t.mu.RLock()
	handlers := make([]transaction.TransportErrorHandler, len(t.transportErrorHandlers))
	copy(handlers, t.transportErrorHandlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(t.self, err)
	}
}

// startTimer взводит таймер с длительностью из набора таймеров транзакции
func (t *BaseTransaction) startTimer(id transaction.TimerID, callback func()) {
	duration := t.timers.GetTimerDuration(id)
	if duration > 0 {
		t.timerManager.Start(id, duration, callback)
	}
}

// stopTimer останавливает таймер
func (t *BaseTransaction) stopTimer(id transaction.TimerID) {
	t.timerManager.Stop(id)
}
