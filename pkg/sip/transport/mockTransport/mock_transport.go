// Package mockTransport содержит in-memory реализацию transport.Transport
// для юнит-тестов сигнального ядра. Сообщения доставляются между
// зарегистрированными транспортами через общий Registry без сети.
package mockTransport

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transport"
)

// Registry связывает mock транспорты по адресам и маршрутизирует
// сообщения между ними.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]*MockTransport
}

// NewRegistry создает новый реестр mock транспортов.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*MockTransport),
	}
}

// CreateTransport создает и регистрирует mock транспорт с указанным адресом.
func (r *Registry) CreateTransport(addr string, reliable bool) *MockTransport {
	t := &MockTransport{
		localAddr: addr,
		registry:  r,
		reliable:  reliable,
	}

	r.mu.Lock()
	r.transports[addr] = t
	r.mu.Unlock()

	return t
}

// remove удаляет транспорт из реестра при закрытии.
func (r *Registry) remove(addr string) {
	r.mu.Lock()
	delete(r.transports, addr)
	r.mu.Unlock()
}

// deliver доставляет сообщение транспорту, зарегистрированному на dst.
// Сообщение от незарегистрированного адресата молча теряется -
// тесты используют это для имитации недоступного пира.
func (r *Registry) deliver(msg sip.Message, src, dst string) {
	r.mu.RLock()
	target, ok := r.transports[dst]
	r.mu.RUnlock()

	if !ok {
		return
	}

	target.receive(msg, src)
}

// MockTransport реализует transport.Transport поверх Registry.
type MockTransport struct {
	localAddr string
	registry  *Registry
	reliable  bool

	mu       sync.RWMutex
	handlers []transport.MessageHandler
	closed   bool

	// failSend включает имитацию сбоя отправки
	failSend atomic.Bool

	// sentCount счетчик успешно отправленных сообщений
	sentCount atomic.Int64
}

var _ transport.Transport = (*MockTransport)(nil)

// LocalAddr возвращает адрес, под которым транспорт зарегистрирован.
func (m *MockTransport) LocalAddr() string {
	return m.localAddr
}

// Send доставляет сообщение транспорту на адресе addr через реестр.
func (m *MockTransport) Send(msg sip.Message, addr string) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return transport.ErrTransportClosed
	}

	if m.failSend.Load() {
		return transport.ErrSendFailed
	}

	m.sentCount.Add(1)
	m.registry.deliver(msg, m.localAddr, addr)
	return nil
}

// OnMessage регистрирует обработчик входящих сообщений.
func (m *MockTransport) OnMessage(handler transport.MessageHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// IsReliable возвращает флаг надежности, заданный при создании.
func (m *MockTransport) IsReliable() bool {
	return m.reliable
}

// Close закрывает транспорт и удаляет его из реестра.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.ErrTransportClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.registry.remove(m.localAddr)
	return nil
}

// IsClosed проверяет, закрыт ли транспорт.
func (m *MockTransport) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SetFailSend включает или выключает имитацию сбоя отправки.
func (m *MockTransport) SetFailSend(fail bool) {
	m.failSend.Store(fail)
}

// SentCount возвращает количество успешно отправленных сообщений.
// Тесты ретрансмиссий считают по нему повторные отправки.
func (m *MockTransport) SentCount() int64 {
	return m.sentCount.Load()
}

// receive вручает сообщение всем зарегистрированным обработчикам.
// Вызывается синхронно из Send отправителя - тесты получают
// детерминированный порядок доставки.
func (m *MockTransport) receive(msg sip.Message, src string) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	handlers := make([]transport.MessageHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(msg, src)
	}
}
