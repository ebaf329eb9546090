package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Response retransmit absorb
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // ACK receipt timeout
	TimerI TimerID = "I" // ACK retransmit absorb
	TimerJ TimerID = "J" // Request retransmit absorb
	TimerK TimerID = "K" // Response retransmit absorb
)

// GetTimerDuration возвращает длительность таймера из набора таймеров
func (t TransactionTimers) GetTimerDuration(id TimerID) time.Duration {
	switch id {
	case TimerA:
		return t.TimerA
	case TimerB:
		return t.TimerB
	case TimerD:
		return t.TimerD
	case TimerE:
		return t.TimerE
	case TimerF:
		return t.TimerF
	case TimerG:
		return t.TimerG
	case TimerH:
		return t.TimerH
	case TimerI:
		return t.TimerI
	case TimerJ:
		return t.TimerJ
	case TimerK:
		return t.TimerK
	default:
		return 0
	}
}

// AdjustForReliableTransport корректирует таймеры для надежного транспорта.
// Ретрансмиссии и поглощение дубликатов не нужны поверх TCP/TLS.
func (t TransactionTimers) AdjustForReliableTransport() TransactionTimers {
	adjusted := t
	adjusted.TimerA = 0
	adjusted.TimerD = 0
	adjusted.TimerE = 0
	adjusted.TimerG = 0
	adjusted.TimerI = 0
	adjusted.TimerJ = 0
	adjusted.TimerK = 0
	return adjusted
}

// GetNextRetransmitInterval вычисляет следующий интервал ретрансмиссии
// согласно RFC 3261 (удваивается до T2)
func GetNextRetransmitInterval(current time.Duration, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// TimerManager управляет активными таймерами одной транзакции.
// Потокобезопасен: таймеры взводятся из горутины транзакции,
// а срабатывают в горутинах time.AfterFunc.
type TimerManager struct {
	mu     sync.Mutex
	timers map[TimerID]*time.Timer
}

// NewTimerManager создает новый менеджер таймеров
func NewTimerManager() *TimerManager {
	return &TimerManager{
		timers: make(map[TimerID]*time.Timer),
	}
}

// Start взводит таймер, заменяя существующий с тем же ID.
// Нулевая длительность означает отключенный таймер.
func (tm *TimerManager) Start(id TimerID, duration time.Duration, callback func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.timers[id]; ok {
		existing.Stop()
		delete(tm.timers, id)
	}

	if duration <= 0 {
		return
	}

	tm.timers[id] = time.AfterFunc(duration, callback)
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	timer, ok := tm.timers[id]
	if !ok {
		return false
	}
	stopped := timer.Stop()
	delete(tm.timers, id)
	return stopped
}

// StopAll останавливает все таймеры
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, timer := range tm.timers {
		timer.Stop()
		delete(tm.timers, id)
	}
}

// Reset перезапускает таймер с новой длительностью
func (tm *TimerManager) Reset(id TimerID, duration time.Duration) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	timer, ok := tm.timers[id]
	if !ok {
		return false
	}
	return timer.Reset(duration)
}

// IsActive проверяет, взведен ли таймер
func (tm *TimerManager) IsActive(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	_, ok := tm.timers[id]
	return ok
}
