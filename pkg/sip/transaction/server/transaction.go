// Package server содержит серверные транзакции RFC 3261 §17.2.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// BaseTransaction базовая реализация серверной транзакции
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

	// Адрес источника запроса - туда уходят ответы
	source string

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
}

// NewBaseTransaction создает базовую серверную транзакцию
func NewBaseTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	source string,
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
		state:        transaction.TransactionTrying,
		request:      request,
		source:       source,
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

// IsClient возвращает false для серверной транзакции
func (t *BaseTransaction) IsClient() bool {
	return false
}

// IsServer возвращает true для серверной транзакции
func (t *BaseTransaction) IsServer() bool {
	return true
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

// LastResponse возвращает последний отправленный ответ
func (t *BaseTransaction) LastResponse() *sip.Response {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResponse
}

// Source возвращает адрес источника запроса
func (t *BaseTransaction) Source() string {
	return t.source
}

// Cancel возвращает ошибку для серверной транзакции
func (t *BaseTransaction) Cancel() error {
	return transaction.NewTransactionError(t.id, "cancel", t.State(),
		transaction.ErrCannotCancel)
}

// sendResponse сохраняет ответ и отправляет его источнику запроса.
// responseDestination учитывает received/rport параметры Via.
func (t *BaseTransaction) sendResponse(resp *sip.Response) error {
	// Ответ должен соответствовать запросу транзакции
	reqCSeq := t.request.CSeq()
	respCSeq := resp.CSeq()
	if reqCSeq == nil || respCSeq == nil || reqCSeq.SeqNo != respCSeq.SeqNo {
		return transaction.NewTransactionError(t.id, "send response", t.State(),
			transaction.ErrInvalidResponse)
	}

	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()

	return t.transport.Send(resp, t.responseDestination())
}

// responseDestination вычисляет адрес для отправки ответа:
// received/rport из Via запроса, иначе адрес источника.
func (t *BaseTransaction) responseDestination() string {
	via := t.request.Via()
	if via != nil {
		host := via.Host
		port := via.Port
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			fmt.Sscanf(rport, "%d", &port)
		}
		if host != "" && port != 0 {
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return t.source
}

// replayLastResponse повторяет последний отправленный ответ на
// ретрансмиссию запроса. Если ответа еще нет, ретрансмиссия игнорируется.
func (t *BaseTransaction) replayLastResponse() error {
	lastResp := t.LastResponse()
	if lastResp == nil {
		return nil
	}
	return t.transport.Send(lastResp, t.responseDestination())
}

// OnStateChange регистрирует обработчик изменения состояния
func (t *BaseTransaction) OnStateChange(handler transaction.StateChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateChangeHandlers = append(t.stateChangeHandlers, handler)
}

// OnResponse регистрирует обработчик отправленных ответов
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

// HandleResponse обрабатывает ответ (для серверной транзакции это ошибка)
func (t *BaseTransaction) HandleResponse(resp *sip.Response) error {
	return transaction.NewTransactionError(t.id, "handle response", t.State(),
		transaction.ErrInvalidResponse)
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

// notifyResponseHandlers уведомляет обработчики об отправленном ответе
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
