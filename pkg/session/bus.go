package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer - ёмкость буфера подписчика по умолчанию
const DefaultSubscriberBuffer = 64

// Subscription — подписка на шину событий. Канал C закрывается при отписке
// или закрытии шины.
type Subscription struct {
	C chan SessionEvent

	id      uint64
	dropped atomic.Uint64
}

// Dropped возвращает число событий, вытесненных из буфера этой подписки.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// BusStats — счётчики шины событий.
type BusStats struct {
	Published     uint64
	Dropped       uint64
	Subscribers   int
}

// EventBus — широковещательная шина типизированных событий сессий.
// Публикация никогда не блокирует: при переполнении буфера подписчика
// вытесняется самое старое событие, потеря учитывается счётчиком.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64

	log *slog.Logger
}

// NewEventBus создаёт шину событий.
func NewEventBus(log *slog.Logger) *EventBus {
	if log == nil {
		log = slog.Default()
	}
	return &EventBus{
		subscribers: make(map[uint64]*Subscription),
		log:         log,
	}
}

// Subscribe создаёт подписку с буфером bufferSize событий.
// Неположительный размер заменяется значением по умолчанию.
func (b *EventBus) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:  make(chan SessionEvent, bufferSize),
		id: b.nextID,
	}
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe снимает подписку и закрывает её канал.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.C)
}

// Publish рассылает событие всем подписчикам. Никогда не блокирует:
// при заполненном буфере подписчика самое старое событие вытесняется.
func (b *EventBus) Publish(event SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.C <- event:
			continue
		default:
		}

		// Буфер полон: вытесняем старейшее событие и пробуем ещё раз
		select {
		case <-sub.C:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.C <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount возвращает число активных подписчиков.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats возвращает счётчики шины.
func (b *EventBus) Stats() BusStats {
	b.mu.RLock()
	subscribers := len(b.subscribers)
	b.mu.RUnlock()
	return BusStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Close закрывает шину и каналы всех подписчиков.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.C)
	}
}
