package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Ошибки координатора.
var (
	// ErrSessionNotFound indicates a lookup for an unknown session
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates an attempt to create a duplicate session
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition indicates an illegal call state transition
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// SdpKindLocalAnswer - локальный SDP-ответ, построенный по удалённому
// предложению. Доставка ответа удалённой стороне - задача диалогового слоя.
const SdpKindLocalAnswer = "local_sdp_answer"

// DefaultSessionRetention - окно хранения завершённой сессии в таблице.
// Опоздавшие читатели в этом окне ещё видят итоговое состояние и причину.
const DefaultSessionRetention = 30 * time.Second

// Session — одна сессия вызова с прикладным состоянием.
type Session struct {
	mu          sync.RWMutex
	id          string
	state       CallState
	failReason  string
	dialogID    string
	mediaActive bool
	createdAt   time.Time
}

// ID возвращает идентификатор сессии.
func (s *Session) ID() string {
	return s.id
}

// State возвращает текущее прикладное состояние.
func (s *Session) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FailReason возвращает причину отказа для состояния Failed.
func (s *Session) FailReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failReason
}

// DialogID возвращает идентификатор связанного диалога.
func (s *Session) DialogID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogID
}

// CreatedAt возвращает время создания сессии.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Coordinator — единственный владелец прикладных состояний вызовов.
// Подписывается на шину событий и транслирует сигнальные переходы в команды
// медиа-слою. Сигнальный и медиа-слой никогда не расходятся во мнении о том,
// активен ли вызов: все медиа-команды проходят через цикл координатора.
type Coordinator struct {
	bus   *EventBus
	media MediaSession

	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration

	sub    *Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewCoordinator создаёт координатор сессий. Медиа-слой может быть nil,
// тогда используется заглушка.
func NewCoordinator(bus *EventBus, media MediaSession, log *slog.Logger) *Coordinator {
	if media == nil {
		media = NopMediaSession{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		bus:       bus,
		media:     media,
		sessions:  make(map[string]*Session),
		retention: DefaultSessionRetention,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
}

// Start подписывает координатор на шину и запускает цикл обработки событий.
func (c *Coordinator) Start() {
	c.sub = c.bus.Subscribe(DefaultSubscriberBuffer)
	c.wg.Add(1)
	go c.eventLoop()
}

// Close останавливает цикл обработки и останавливает медиа живых сессий.
func (c *Coordinator) Close() {
	c.cancel()
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
	}
	c.wg.Wait()

	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()
	for _, s := range sessions {
		if !s.State().IsTerminal() {
			c.stopMedia(s.ID())
		}
	}
}

// CreateSession создаёт сессию в начальном состоянии и публикует
// SessionCreated. Создание сразу в Active - нештатный путь, медиа
// запускается защитно в цикле обработки.
func (c *Coordinator) CreateSession(sessionID string, initial CallState) (*Session, error) {
	s := &Session{
		id:        sessionID,
		state:     initial,
		createdAt: time.Now(),
	}

	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrSessionExists, "session %s", sessionID)
	}
	c.sessions[sessionID] = s
	c.mu.Unlock()

	c.bus.Publish(NewSessionCreated(sessionID, initial))
	return s, nil
}

// Session возвращает сессию по идентификатору.
func (c *Coordinator) Session(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// BindDialog связывает сессию с диалогом и публикует DialogCreated.
func (c *Coordinator) BindDialog(sessionID, dialogID string) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	s.mu.Lock()
	s.dialogID = dialogID
	s.mu.Unlock()

	c.bus.Publish(NewDialogCreated(sessionID, dialogID))
	return nil
}

// SessionByDialog возвращает сессию, связанную с диалогом.
func (c *Coordinator) SessionByDialog(dialogID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.DialogID() == dialogID {
			return s, true
		}
	}
	return nil, false
}

// Transition переводит сессию в новое прикладное состояние. Единственная
// точка смены CallState во всём стеке. Нелегальный переход возвращает
// ошибку без побочных эффектов.
func (c *Coordinator) Transition(sessionID string, target CallState, reason string) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}

	s.mu.Lock()
	current := s.state
	if !current.CanTransitionTo(target) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", current, target)
	}
	s.state = target
	if target == StateFailed {
		s.failReason = reason
	}
	s.mu.Unlock()

	c.bus.Publish(NewStateChanged(sessionID, current, target, reason))

	if target == StateTerminated || target == StateFailed {
		c.bus.Publish(NewSessionTerminated(sessionID, reason))
	}
	return nil
}

// TerminateSession штатно завершает сессию. Повторное завершение безопасно.
func (c *Coordinator) TerminateSession(sessionID, reason string) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	if s.State().IsTerminal() {
		return nil
	}
	return c.Transition(sessionID, StateTerminated, reason)
}

// FailSession завершает сессию с ошибкой.
func (c *Coordinator) FailSession(sessionID, reason string) error {
	s, ok := c.Session(sessionID)
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	}
	if s.State().IsTerminal() {
		return nil
	}
	return c.Transition(sessionID, StateFailed, reason)
}

// ActiveSessions возвращает число сессий в состоянии Active.
func (c *Coordinator) ActiveSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, s := range c.sessions {
		if s.State() == StateActive {
			count++
		}
	}
	return count
}

// SessionCount возвращает общее число сессий в таблице.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// eventLoop — цикл обработки событий. Ошибки медиа-слоя логируются и
// никогда не роняют цикл.
func (c *Coordinator) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.handleEvent(event)
		}
	}
}

func (c *Coordinator) handleEvent(event SessionEvent) {
	switch e := event.(type) {
	case SessionCreated:
		if e.State == StateActive {
			// Нештатный путь: сессия создана сразу активной
			c.startMedia(e.SessionID())
		}

	case StateChanged:
		c.handleStateChanged(e)

	case SessionTerminated:
		c.stopMedia(e.SessionID())

	case SdpEvent:
		switch e.Kind {
		case SdpKindRemoteAnswer, SdpKindUpdate, SdpKindFinalNegotiated:
			if err := c.media.ApplyRemoteSDP(c.ctx, e.SessionID(), e.SDP); err != nil {
				c.log.Warn("не удалось применить удалённое SDP",
					slog.String("session_id", e.SessionID()),
					slog.String("kind", e.Kind),
					slog.String("error", err.Error()))
			}
		}

	case MediaUpdate:
		c.handleMediaUpdate(e)

	case ErrorEvent:
		if e.SessionID() != "" {
			// Останавливаем медиа из предосторожности
			c.stopMedia(e.SessionID())
		}
	}
}

func (c *Coordinator) handleStateChanged(e StateChanged) {
	sessionID := e.SessionID()
	switch {
	case e.NewState == StateActive && (e.OldState == StateRinging || e.OldState == StateInitiating):
		c.startMedia(sessionID)
	case e.NewState == StateOnHold && e.OldState == StateActive:
		if err := c.media.Hold(c.ctx, sessionID); err != nil {
			c.log.Warn("не удалось поставить медиа на паузу",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	case e.NewState == StateActive && e.OldState == StateOnHold:
		if err := c.media.Resume(c.ctx, sessionID); err != nil {
			c.log.Warn("не удалось снять медиа с паузы",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	case e.NewState.IsTerminal():
		c.stopMedia(sessionID)
		c.scheduleRemoval(sessionID)
	}
}

// SetSessionRetention настраивает окно хранения завершённых сессий.
func (c *Coordinator) SetSessionRetention(d time.Duration) {
	c.mu.Lock()
	c.retention = d
	c.mu.Unlock()
}

// scheduleRemoval удаляет завершённую сессию из таблицы после окна хранения.
// Сессия, пересозданная с тем же идентификатором, не затрагивается: удаление
// выполняется только для терминального состояния.
func (c *Coordinator) scheduleRemoval(sessionID string) {
	c.mu.RLock()
	retention := c.retention
	c.mu.RUnlock()

	time.AfterFunc(retention, func() {
		c.mu.Lock()
		if s, ok := c.sessions[sessionID]; ok && s.State().IsTerminal() {
			delete(c.sessions, sessionID)
		}
		c.mu.Unlock()
	})
}

func (c *Coordinator) handleMediaUpdate(e MediaUpdate) {
	sessionID := e.SessionID()
	if len(e.Offer) == 0 {
		return
	}
	answer, err := c.media.GenerateAnswer(c.ctx, sessionID, e.Offer)
	if err != nil {
		c.log.Warn("не удалось построить SDP-ответ",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	// Доставка ответа удалённой стороне - задача диалогового слоя
	c.bus.Publish(NewSdpEvent(sessionID, SdpKindLocalAnswer, answer))
}

// startMedia запускает медиа сессии. Повторный запуск не является ошибкой.
func (c *Coordinator) startMedia(sessionID string) {
	s, ok := c.Session(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	already := s.mediaActive
	s.mediaActive = true
	s.mu.Unlock()
	if already {
		return
	}

	if err := c.media.Start(c.ctx, sessionID); err != nil {
		c.log.Warn("не удалось запустить медиа",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	c.bus.Publish(NewMediaStarted(sessionID))
}

// stopMedia останавливает медиа сессии. Идемпотентна: повторная остановка
// и остановка незапущенной медиа не являются ошибками.
func (c *Coordinator) stopMedia(sessionID string) {
	s, ok := c.Session(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	wasActive := s.mediaActive
	s.mediaActive = false
	s.mu.Unlock()
	if !wasActive {
		return
	}

	if err := c.media.Stop(c.ctx, sessionID); err != nil {
		c.log.Warn("не удалось остановить медиа",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	c.bus.Publish(NewMediaStopped(sessionID))
}
