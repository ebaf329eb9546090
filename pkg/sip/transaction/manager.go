package transaction

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transport"
)

// TransactionCreator интерфейс для создания транзакций.
// Разрывает циклический импорт между менеджером и пакетами client/server.
type TransactionCreator interface {
	CreateClientInviteTransaction(id string, key TransactionKey, request *sip.Request, dest string, tp TransactionTransport, timers TransactionTimers) Transaction
	CreateClientNonInviteTransaction(id string, key TransactionKey, request *sip.Request, dest string, tp TransactionTransport, timers TransactionTimers) Transaction
	CreateServerInviteTransaction(id string, key TransactionKey, request *sip.Request, source string, tp TransactionTransport, timers TransactionTimers) Transaction
	CreateServerNonInviteTransaction(id string, key TransactionKey, request *sip.Request, source string, tp TransactionTransport, timers TransactionTimers) Transaction
}

// ackHandler реализуется серверной INVITE транзакцией
type ackHandler interface {
	HandleACK(ack *sip.Request) error
}

// destinationHolder реализуется клиентскими транзакциями
type destinationHolder interface {
	Destination() string
}

// Manager сопоставляет входящие сообщения транзакциям и создает новые.
// Гарантирует не более одной живой транзакции на ключ.
type Manager struct {
	// Хранилище транзакций
	store *Store

	// Транспортный слой
	transport transport.Transport

	// Таймеры
	timers TransactionTimers

	// Фабрика транзакций
	creator TransactionCreator

	// Обработчики
	mu                 sync.RWMutex
	requestHandlers    []RequestHandler
	responseHandlers   []ResponseHandler
	createdHandlers    []TransactionHandler
	terminatedHandlers []TransactionHandler

	// Статистика
	stats TransactionStats

	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager создает новый менеджер транзакций и подписывает его
// на входящие сообщения транспорта.
func NewManager(tp transport.Transport, creator TransactionCreator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:     NewStore(),
		transport: tp,
		timers:    DefaultTimers(),
		creator:   creator,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}

	tp.OnMessage(func(msg sip.Message, src string) {
		m.HandleMessage(msg, src)
	})

	return m
}

// SetTimers устанавливает таймеры для создаваемых транзакций
func (m *Manager) SetTimers(timers TransactionTimers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = timers
}

// getTimers возвращает текущий набор таймеров
func (m *Manager) getTimers() TransactionTimers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timers
}

// SendRequest создает клиентскую транзакцию для запроса и запускает ее.
// В верхний Via подставляется свежий branch; адрес назначения фиксируется
// на все время жизни транзакции. ACK сюда не попадает: ACK для 2xx
// отправляется диалоговым слоем напрямую через транспорт.
func (m *Manager) SendRequest(req *sip.Request, dest string) (Transaction, error) {
	if req == nil || req.Method == sip.ACK {
		return nil, ErrInvalidRequest
	}

	resolved, err := transport.ResolveAddr(dest)
	if err != nil {
		return nil, err
	}

	m.ensureVia(req)

	key, err := ClientKey(req)
	if err != nil {
		return nil, err
	}

	if _, ok := m.store.Get(key); ok {
		return nil, ErrTransactionExists
	}

	id := GenerateTransactionID()
	timers := m.getTimers()

	var tx Transaction
	if req.Method == sip.INVITE {
		tx = m.creator.CreateClientInviteTransaction(id, key, req, resolved, m.transport, timers)
	} else {
		tx = m.creator.CreateClientNonInviteTransaction(id, key, req, resolved, m.transport, timers)
	}

	if err := m.registerTransaction(tx); err != nil {
		tx.Terminate()
		return nil, err
	}

	m.incrementStat(&m.stats.ClientTransactions)
	m.incrementStat(&m.stats.RequestsSent)
	m.notifyCreatedHandlers(tx)

	return tx, nil
}

// CancelTransaction отменяет клиентскую INVITE транзакцию: строит CANCEL
// и отправляет его как отдельную non-INVITE транзакцию на тот же адрес.
func (m *Manager) CancelTransaction(key TransactionKey) (Transaction, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return nil, ErrTransactionNotFound
	}

	if !tx.IsClient() || tx.Request().Method != sip.INVITE {
		return nil, ErrCannotCancel
	}
	if tx.State() != TransactionProceeding {
		return nil, NewTransactionError(tx.ID(), "cancel", tx.State(), ErrCannotCancel)
	}

	cancelReq, err := BuildCANCEL(tx.Request())
	if err != nil {
		return nil, err
	}

	dest := ""
	if dh, ok := tx.(destinationHolder); ok {
		dest = dh.Destination()
	}

	return m.SendRequest(cancelReq, dest)
}

// FindTransaction находит транзакцию по ключу
func (m *Manager) FindTransaction(key TransactionKey) (Transaction, bool) {
	return m.store.Get(key)
}

// HandleMessage обрабатывает входящее сообщение от транспортного слоя.
// Запрос матчится в серверную транзакцию (или создает новую), ответ -
// в клиентскую; осиротевший ответ отбрасывается с диагностикой.
func (m *Manager) HandleMessage(msg sip.Message, src string) {
	switch v := msg.(type) {
	case *sip.Request:
		m.handleRequest(v, src)
	case *sip.Response:
		m.handleResponse(v, src)
	default:
		m.incrementStat(&m.stats.InvalidMessages)
	}
}

// handleRequest обрабатывает входящий запрос
func (m *Manager) handleRequest(req *sip.Request, src string) {
	m.incrementStat(&m.stats.RequestsReceived)

	key, err := KeyFromRequest(req)
	if err != nil {
		m.incrementStat(&m.stats.InvalidMessages)
		m.log.Debug("запрос без валидного транзакционного ключа отброшен",
			slog.String("method", string(req.Method)),
			slog.String("src", src),
			slog.String("error", err.Error()))
		return
	}

	if tx, ok := m.store.Get(key); ok {
		if req.Method == sip.ACK {
			if ah, isInvite := tx.(ackHandler); isInvite {
				if err := ah.HandleACK(req); err != nil {
					m.log.Debug("ACK отвергнут транзакцией",
						slog.String("key", key.String()),
						slog.String("error", err.Error()))
				}
				return
			}
		}

		// Ретрансмиссия: транзакция повторяет последний ответ
		m.incrementStat(&m.stats.DuplicateRequests)
		if err := tx.HandleRequest(req); err != nil {
			m.log.Debug("ретрансмиссия запроса отвергнута",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		}
		return
	}

	if req.Method == sip.ACK {
		// ACK для 2xx не порождает транзакцию - отдаем диалоговому слою
		m.notifyRequestHandlers(nil, req)
		return
	}

	tx, err := m.createServerTransaction(req, src, key)
	if err != nil {
		m.log.Warn("не удалось создать серверную транзакцию",
			slog.String("method", string(req.Method)),
			slog.String("src", src),
			slog.String("error", err.Error()))
		return
	}

	m.notifyRequestHandlers(tx, req)
}

// createServerTransaction создает серверную транзакцию для нового запроса
func (m *Manager) createServerTransaction(req *sip.Request, src string, key TransactionKey) (Transaction, error) {
	id := GenerateTransactionID()
	timers := m.getTimers()

	var tx Transaction
	if req.Method == sip.INVITE {
		tx = m.creator.CreateServerInviteTransaction(id, key, req, src, m.transport, timers)
	} else {
		tx = m.creator.CreateServerNonInviteTransaction(id, key, req, src, m.transport, timers)
	}

	if err := m.registerTransaction(tx); err != nil {
		tx.Terminate()
		return nil, err
	}

	m.incrementStat(&m.stats.ServerTransactions)
	m.notifyCreatedHandlers(tx)

	return tx, nil
}

// handleResponse обрабатывает входящий ответ
func (m *Manager) handleResponse(resp *sip.Response, src string) {
	m.incrementStat(&m.stats.ResponsesReceived)

	key, err := KeyFromResponse(resp)
	if err != nil {
		m.incrementStat(&m.stats.InvalidMessages)
		m.log.Debug("ответ без валидного транзакционного ключа отброшен",
			slog.String("src", src),
			slog.String("error", err.Error()))
		return
	}

	tx, ok := m.store.Get(key)
	if !ok {
		// Осиротевший ответ: транзакция уже удалена или не существовала
		m.incrementStat(&m.stats.OrphanResponses)
		m.log.Debug("осиротевший ответ отброшен",
			slog.String("key", key.String()),
			slog.Int("status", int(resp.StatusCode)),
			slog.String("src", src))
		return
	}

	if err := tx.HandleResponse(resp); err != nil {
		m.log.Debug("ответ отвергнут транзакцией",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
		return
	}

	m.notifyResponseHandlers(tx, resp)
}

// registerTransaction добавляет транзакцию в хранилище и подписывается
// на ее терминацию. Удаление из хранилища происходит только после того,
// как автомат сам дошел до Terminated - то есть после таймеров
// поглощения D/I/J/K, поздние ретрансмиссии не плодят дубликатов.
func (m *Manager) registerTransaction(tx Transaction) error {
	if err := m.store.Add(tx); err != nil {
		return err
	}

	m.incrementStat(&m.stats.ActiveTransactions)

	tx.OnStateChange(func(tx Transaction, oldState, newState TransactionState) {
		switch {
		case newState == TransactionTerminated:
			m.store.Remove(tx.Key())
			m.decrementStat(&m.stats.ActiveTransactions)
			m.incrementStat(&m.stats.TerminatedTransactions)
			m.notifyTerminatedHandlers(tx)
		case newState == TransactionCompleted && oldState != TransactionCompleted:
			m.incrementStat(&m.stats.CompletedTransactions)
		}
	})

	tx.OnTimeout(func(tx Transaction, timer TimerID) {
		m.incrementStat(&m.stats.TimedOutTransactions)
	})

	tx.OnTransportError(func(tx Transaction, err error) {
		m.incrementStat(&m.stats.TransportErrors)
	})

	return nil
}

// ensureVia добавляет верхний Via со свежим branch, если его нет.
// Существующий branch сохраняется: CANCEL обязан нести branch
// отменяемого INVITE (RFC 3261 §9.1).
func (m *Manager) ensureVia(req *sip.Request) {
	branch := GenerateBranch()

	if via := req.Via(); via != nil {
		if existing, ok := via.Params.Get("branch"); ok && existing != "" {
			return
		}
		via.Params = via.Params.Add("branch", branch)
		return
	}

	host, portStr, err := net.SplitHostPort(m.transport.LocalAddr())
	port := 5060
	if err == nil {
		if p, perr := strconv.Atoi(portStr); perr == nil {
			port = p
		}
	} else {
		host = m.transport.LocalAddr()
	}

	transportName := "UDP"
	if m.transport.IsReliable() {
		transportName = "TCP"
	}

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transportName,
		Host:            host,
		Port:            port,
		Params:          sip.NewParams().Add("branch", branch),
	}
	req.PrependHeader(via)
}

// OnRequest регистрирует обработчик новых запросов.
// Для ACK к 2xx транзакция в обработчике равна nil.
func (m *Manager) OnRequest(handler RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHandlers = append(m.requestHandlers, handler)
}

// OnResponse регистрирует обработчик ответов
func (m *Manager) OnResponse(handler ResponseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseHandlers = append(m.responseHandlers, handler)
}

// OnTransactionCreated регистрирует обработчик создания транзакций
func (m *Manager) OnTransactionCreated(handler TransactionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdHandlers = append(m.createdHandlers, handler)
}

// OnTransactionTerminated регистрирует обработчик терминации транзакций
func (m *Manager) OnTransactionTerminated(handler TransactionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminatedHandlers = append(m.terminatedHandlers, handler)
}

// Stats возвращает снимок статистики менеджера
func (m *Manager) Stats() TransactionStats {
	return TransactionStats{
		ClientTransactions:     atomic.LoadUint64(&m.stats.ClientTransactions),
		ServerTransactions:     atomic.LoadUint64(&m.stats.ServerTransactions),
		ActiveTransactions:     atomic.LoadUint64(&m.stats.ActiveTransactions),
		CompletedTransactions:  atomic.LoadUint64(&m.stats.CompletedTransactions),
		TerminatedTransactions: atomic.LoadUint64(&m.stats.TerminatedTransactions),
		TimedOutTransactions:   atomic.LoadUint64(&m.stats.TimedOutTransactions),
		RequestsSent:           atomic.LoadUint64(&m.stats.RequestsSent),
		RequestsReceived:       atomic.LoadUint64(&m.stats.RequestsReceived),
		ResponsesReceived:      atomic.LoadUint64(&m.stats.ResponsesReceived),
		DuplicateRequests:      atomic.LoadUint64(&m.stats.DuplicateRequests),
		OrphanResponses:        atomic.LoadUint64(&m.stats.OrphanResponses),
		TransportErrors:        atomic.LoadUint64(&m.stats.TransportErrors),
		InvalidMessages:        atomic.LoadUint64(&m.stats.InvalidMessages),
	}
}

// ActiveCount возвращает количество живых транзакций
func (m *Manager) ActiveCount() int {
	return m.store.Count()
}

// Close останавливает менеджер: терминирует живые транзакции
// и закрывает хранилище.
func (m *Manager) Close() error {
	m.cancel()

	for _, tx := range m.store.GetAll() {
		tx.Terminate()
	}

	return m.store.Close()
}

// notifyRequestHandlers уведомляет обработчики о запросе
func (m *Manager) notifyRequestHandlers(tx Transaction, req *sip.Request) {
	m.mu.RLock()
	handlers := make([]RequestHandler, len(m.requestHandlers))
	copy(handlers, m.requestHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx, req)
	}
}

// notifyResponseHandlers уведомляет обработчики об ответе
func (m *Manager) notifyResponseHandlers(tx Transaction, resp *sip.Response) {
	m.mu.RLock()
	handlers := make([]ResponseHandler, len(m.responseHandlers))
	copy(handlers, m.responseHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx, resp)
	}
}

// notifyCreatedHandlers уведомляет обработчики о создании транзакции
func (m *Manager) notifyCreatedHandlers(tx Transaction) {
	m.mu.RLock()
	handlers := make([]TransactionHandler, len(m.createdHandlers))
	copy(handlers, m.createdHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx)
	}
}

// notifyTerminatedHandlers уведомляет обработчики о терминации транзакции
func (m *Manager) notifyTerminatedHandlers(tx Transaction) {
	m.mu.RLock()
	handlers := make([]TransactionHandler, len(m.terminatedHandlers))
	copy(handlers, m.terminatedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx)
	}
}

// incrementStat атомарно увеличивает счетчик
func (m *Manager) incrementStat(stat *uint64) {
	atomic.AddUint64(stat, 1)
}

// decrementStat атомарно уменьшает счетчик
func (m *Manager) decrementStat(stat *uint64) {
	atomic.AddUint64(stat, ^uint64(0)) // -1 в беззнаковой арифметике
}
