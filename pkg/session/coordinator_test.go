package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMedia фиксирует команды медиа-слою
type recordingMedia struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newRecordingMedia() *recordingMedia {
	return &recordingMedia{fail: map[string]error{}}
}

func (r *recordingMedia) record(op, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+sessionID)
	return r.fail[op]
}

func (r *recordingMedia) Start(_ context.Context, id string) error  { return r.record("start", id) }
func (r *recordingMedia) Stop(_ context.Context, id string) error   { return r.record("stop", id) }
func (r *recordingMedia) Hold(_ context.Context, id string) error   { return r.record("hold", id) }
func (r *recordingMedia) Resume(_ context.Context, id string) error { return r.record("resume", id) }
func (r *recordingMedia) GenerateOffer(_ context.Context, id string) ([]byte, error) {
	if err := r.record("offer", id); err != nil {
		return nil, err
	}
	return []byte("offer-sdp"), nil
}
func (r *recordingMedia) GenerateAnswer(_ context.Context, id string, _ []byte) ([]byte, error) {
	if err := r.record("answer", id); err != nil {
		return nil, err
	}
	return []byte("answer-sdp"), nil
}
func (r *recordingMedia) ApplyRemoteSDP(_ context.Context, id string, _ []byte) error {
	return r.record("apply", id)
}

func (r *recordingMedia) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingMedia) setFail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *recordingMedia) count(op string) int {
	n := 0
	for _, c := range r.snapshot() {
		if len(c) > len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T) (*Coordinator, *recordingMedia, *EventBus) {
	t.Helper()
	bus := NewEventBus(nil)
	media := newRecordingMedia()
	coord := NewCoordinator(bus, media, nil)
	coord.Start()
	t.Cleanup(func() {
		coord.Close()
		bus.Close()
	})
	return coord, media, bus
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

// TestCoordinatorStartsMediaOnActive проверяет запуск медиа при переходе
// Ringing -> Active
func TestCoordinatorStartsMediaOnActive(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateRinging)
	require.NoError(t, err)

	// До ответа медиа не трогаем
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, media.count("start"))

	require.NoError(t, coord.Transition("call-1", StateActive, "200 OK"))
	waitFor(t, func() bool { return media.count("start") == 1 }, "медиа не запущена")

	assert.Equal(t, 1, coord.ActiveSessions())
}

// TestCoordinatorDefensiveStartOnActiveCreation проверяет нештатный путь:
// сессия создана сразу в Active
func TestCoordinatorDefensiveStartOnActiveCreation(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateActive)
	require.NoError(t, err)

	waitFor(t, func() bool { return media.count("start") == 1 }, "защитный запуск не выполнен")
}

func TestCoordinatorHoldResume(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateInitiating)
	require.NoError(t, err)
	require.NoError(t, coord.Transition("call-1", StateActive, ""))
	waitFor(t, func() bool { return media.count("start") == 1 }, "медиа не запущена")

	require.NoError(t, coord.Transition("call-1", StateOnHold, "hold"))
	waitFor(t, func() bool { return media.count("hold") == 1 }, "медиа не на паузе")

	require.NoError(t, coord.Transition("call-1", StateActive, "resume"))
	waitFor(t, func() bool { return media.count("resume") == 1 }, "медиа не возобновлена")
}

// TestCoordinatorIdempotentStop проверяет идемпотентность остановки медиа:
// повторное завершение не приводит к повторному stop
func TestCoordinatorIdempotentStop(t *testing.T) {
	coord, media, bus := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateRinging)
	require.NoError(t, err)
	require.NoError(t, coord.Transition("call-1", StateActive, ""))
	waitFor(t, func() bool { return media.count("start") == 1 }, "медиа не запущена")

	require.NoError(t, coord.TerminateSession("call-1", "BYE"))
	waitFor(t, func() bool { return media.count("stop") == 1 }, "медиа не остановлена")

	// Повторное завершение и дублирующее событие не приводят ко второму stop
	require.NoError(t, coord.TerminateSession("call-1", "BYE again"))
	bus.Publish(NewSessionTerminated("call-1", "duplicate"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, media.count("stop"))
	assert.Zero(t, coord.ActiveSessions())
}

func TestCoordinatorInvalidTransition(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateRinging)
	require.NoError(t, err)

	err = coord.Transition("call-1", StateOnHold, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, coord.TerminateSession("call-1", "bye"))
	err = coord.Transition("call-1", StateActive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCoordinatorFailedStopsMedia(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateInitiating)
	require.NoError(t, err)
	require.NoError(t, coord.Transition("call-1", StateActive, ""))
	waitFor(t, func() bool { return media.count("start") == 1 }, "медиа не запущена")

	require.NoError(t, coord.FailSession("call-1", "transport error"))
	waitFor(t, func() bool { return media.count("stop") == 1 }, "медиа не остановлена при сбое")

	s, _ := coord.Session("call-1")
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, "transport error", s.FailReason())
}

// TestCoordinatorAppliesRemoteSDP проверяет применение SDP-событий
func TestCoordinatorAppliesRemoteSDP(t *testing.T) {
	coord, media, bus := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateActive)
	require.NoError(t, err)

	bus.Publish(NewSdpEvent("call-1", SdpKindRemoteAnswer, []byte("sdp")))
	waitFor(t, func() bool { return media.count("apply") == 1 }, "SDP не применено")

	// Локальные SDP-события медиа-слою не транслируются
	bus.Publish(NewSdpEvent("call-1", SdpKindLocalOffer, []byte("sdp")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, media.count("apply"))
}

// TestCoordinatorMediaUpdateGeneratesAnswer проверяет обработку re-INVITE
// с новым предложением
func TestCoordinatorMediaUpdateGeneratesAnswer(t *testing.T) {
	coord, media, bus := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateActive)
	require.NoError(t, err)

	answers := make(chan SdpEvent, 1)
	sub := bus.Subscribe(16)
	go func() {
		for event := range sub.C {
			if sdpEvent, ok := event.(SdpEvent); ok && sdpEvent.Kind == SdpKindLocalAnswer {
				answers <- sdpEvent
				return
			}
		}
	}()

	bus.Publish(NewMediaUpdate("call-1", []byte("new-offer")))

	select {
	case answer := <-answers:
		assert.Equal(t, []byte("answer-sdp"), answer.SDP)
	case <-time.After(time.Second):
		t.Fatal("SDP-ответ не опубликован")
	}
	assert.Equal(t, 1, media.count("answer"))
}

// TestCoordinatorErrorStopsMediaDefensively проверяет остановку медиа
// по событию ошибки
func TestCoordinatorErrorStopsMediaDefensively(t *testing.T) {
	coord, media, bus := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateActive)
	require.NoError(t, err)
	waitFor(t, func() bool { return media.count("start") == 1 }, "медиа не запущена")

	bus.Publish(NewErrorEvent("call-1", errors.New("rtp timeout")))
	waitFor(t, func() bool { return media.count("stop") == 1 }, "медиа не остановлена по ошибке")
}

// TestCoordinatorSurvivesMediaFailure проверяет, что сбой медиа-слоя
// не роняет цикл обработки
func TestCoordinatorSurvivesMediaFailure(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)
	media.setFail("start", errors.New("no ports available"))

	_, err := coord.CreateSession("call-1", StateRinging)
	require.NoError(t, err)
	require.NoError(t, coord.Transition("call-1", StateActive, ""))
	waitFor(t, func() bool { return media.count("start") == 1 }, "команда start не отправлена")

	// Цикл жив: следующая сессия обрабатывается
	media.setFail("start", nil)
	_, err = coord.CreateSession("call-2", StateActive)
	require.NoError(t, err)
	waitFor(t, func() bool { return media.count("start") == 2 }, "цикл обработки умер")
}

func TestCoordinatorDuplicateSession(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.CreateSession("call-1", StateRinging)
	require.NoError(t, err)

	_, err = coord.CreateSession("call-1", StateRinging)
	assert.ErrorIs(t, err, ErrSessionExists)
}

// TestCoordinatorConcurrentCreation проверяет, что конкурентное создание
// сессий не даёт ни дубликатов, ни лишних активных сессий
func TestCoordinatorConcurrentCreation(t *testing.T) {
	coord, media, _ := newTestCoordinator(t)

	const workers = 50
	var wg sync.WaitGroup
	created := make(chan string, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", n)
			// Каждый идентификатор создаётся дважды, выживает ровно один
			if _, err := coord.CreateSession(id, StateRinging); err == nil {
				created <- id
			}
			if _, err := coord.CreateSession(id, StateRinging); err == nil {
				created <- id
			}
		}(i)
	}
	wg.Wait()
	close(created)

	seen := map[string]bool{}
	for id := range created {
		assert.False(t, seen[id], "дубликат сессии %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
	assert.Equal(t, workers, coord.SessionCount())

	for id := range seen {
		require.NoError(t, coord.Transition(id, StateActive, ""))
	}
	waitFor(t, func() bool { return media.count("start") == workers },
		"медиа запущена не для всех сессий")
	assert.Equal(t, workers, coord.ActiveSessions())
}

// TestCoordinatorPrunesTerminatedSessions проверяет, что завершённые сессии
// покидают таблицу после окна хранения, а до его истечения ещё читаются
func TestCoordinatorPrunesTerminatedSessions(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	coord.SetSessionRetention(50 * time.Millisecond)

	_, err := coord.CreateSession("call-prune", StateRinging)
	require.NoError(t, err)
	require.NoError(t, coord.Transition("call-prune", StateFailed, "busy"))

	// Внутри окна хранения итоговое состояние ещё доступно
	s, ok := coord.Session("call-prune")
	require.True(t, ok)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, "busy", s.FailReason())

	waitFor(t, func() bool { return coord.SessionCount() == 0 }, "сессия не удалена из таблицы")
}

// TestCoordinatorRetentionSparesLiveSession проверяет, что отложенное
// удаление не трогает сессию вне терминального состояния
func TestCoordinatorRetentionSparesLiveSession(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	coord.SetSessionRetention(10 * time.Millisecond)

	_, err := coord.CreateSession("call-reuse", StateRinging)
	require.NoError(t, err)
	coord.scheduleRemoval("call-reuse")

	time.Sleep(50 * time.Millisecond)
	s, ok := coord.Session("call-reuse")
	require.True(t, ok)
	assert.Equal(t, StateRinging, s.State())
}
