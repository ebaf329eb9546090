package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTimers(t *testing.T) {
	timers := DefaultTimers()

	assert.Equal(t, 500*time.Millisecond, timers.T1)
	assert.Equal(t, 4*time.Second, timers.T2)
	assert.Equal(t, 5*time.Second, timers.T4)
	assert.Equal(t, timers.T1, timers.TimerA)
	assert.Equal(t, 64*timers.T1, timers.TimerB)
}

// TestAdjustForReliableTransport проверяет, что для надежного транспорта
// обнуляются ретрансмиссионные и поглощающие таймеры
func TestAdjustForReliableTransport(t *testing.T) {
	timers := DefaultTimers().AdjustForReliableTransport()

	assert.Zero(t, timers.TimerA)
	assert.Zero(t, timers.TimerD)
	assert.Zero(t, timers.TimerE)
	assert.Zero(t, timers.TimerG)
	assert.Zero(t, timers.TimerI)
	assert.Zero(t, timers.TimerJ)
	assert.Zero(t, timers.TimerK)

	// Таймауты остаются
	assert.NotZero(t, timers.TimerB)
	assert.NotZero(t, timers.TimerF)
	assert.NotZero(t, timers.TimerH)
}

// TestGetNextRetransmitInterval проверяет удвоение интервала с потолком T2
func TestGetNextRetransmitInterval(t *testing.T) {
	t2 := 4 * time.Second

	interval := 500 * time.Millisecond
	interval = GetNextRetransmitInterval(interval, t2)
	assert.Equal(t, time.Second, interval)

	interval = GetNextRetransmitInterval(interval, t2)
	assert.Equal(t, 2*time.Second, interval)

	interval = GetNextRetransmitInterval(interval, t2)
	assert.Equal(t, 4*time.Second, interval)

	// Потолок достигнут
	interval = GetNextRetransmitInterval(interval, t2)
	assert.Equal(t, 4*time.Second, interval)
}

func TestTimerManager(t *testing.T) {
	tm := NewTimerManager()
	defer tm.StopAll()

	fired := make(chan TimerID, 1)
	tm.Start(TimerA, 10*time.Millisecond, func() {
		fired <- TimerA
	})

	assert.True(t, tm.IsActive(TimerA))

	select {
	case id := <-fired:
		assert.Equal(t, TimerA, id)
	case <-time.After(time.Second):
		t.Fatal("таймер не сработал")
	}
}

func TestTimerManagerStop(t *testing.T) {
	tm := NewTimerManager()
	defer tm.StopAll()

	fired := make(chan struct{}, 1)
	tm.Start(TimerB, 20*time.Millisecond, func() {
		fired <- struct{}{}
	})
	tm.Stop(TimerB)

	select {
	case <-fired:
		t.Fatal("остановленный таймер сработал")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, tm.IsActive(TimerB))
}
