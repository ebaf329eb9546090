// Package dialog реализует диалоговый слой SIP: долгоживущую идентичность вызова
// (Call-ID, теги, маршрутный набор, счётчики CSeq), конечный автомат состояний диалога
// и восстановление после потери связи с удалённой стороной через OPTIONS-зондирование.
package dialog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// DialogState — состояние диалога.
type DialogState string

func (s DialogState) String() string {
	return string(s)
}

const (
	// Early - диалог создан предварительным ответом с To-тегом, финального 2xx ещё нет
	Early DialogState = "Early"
	// Confirmed - диалог подтверждён финальным 2xx, оба тега установлены
	Confirmed DialogState = "Confirmed"
	// Recovering - зафиксирован сбой доставки, идёт зондирование удалённой стороны
	Recovering DialogState = "Recovering"
	// Terminated - диалог завершён, терминальное состояние
	Terminated DialogState = "Terminated"
)

// Role — роль стороны в диалоге.
type Role string

const (
	// RoleUAC - инициатор диалога (отправил исходный INVITE)
	RoleUAC Role = "UAC"
	// RoleUAS - принимающая сторона
	RoleUAS Role = "UAS"
)

// StateChangeHandler вызывается после каждого перехода состояния диалога.
type StateChangeHandler func(d *Dialog, oldState, newState DialogState)

// Dialog хранит персистентную SIP-идентичность одного вызова поверх
// множества транзакций. Все переходы состояний проходят через конечный автомат,
// нелегальные переходы отклоняются.
type Dialog struct {
	fsm   *fsm.FSM
	fsmMu sync.Mutex

	id string

	mu        sync.RWMutex
	callID    string
	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri

	remoteTarget sip.Uri
	routeSet     []sip.Uri

	isInitiator bool

	// localSeq монотонно растёт, инкремент ровно один раз на новый запрос в диалоге
	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	sdp *NegotiationContext

	lastKnownRemoteAddr string
	lastSuccessfulTime  time.Time
	createdAt           time.Time

	// Учёт восстановления
	recoveryAttempts uint32
	recoveryReason   string
	recoveredAt      time.Time
	terminateReason  string

	stateChangeHandlers []StateChangeHandler
	handlersMu          sync.RWMutex

	log *slog.Logger
}

// DialogConfig — параметры создания диалога.
type DialogConfig struct {
	CallID    string
	LocalTag  string
	RemoteTag string
	LocalURI  sip.Uri
	RemoteURI sip.Uri
	Role      Role
	LocalSeq  uint32
	Logger    *slog.Logger
}

// NewDialog создаёт диалог в состоянии Early.
func NewDialog(cfg DialogConfig) *Dialog {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Dialog{
		id:          GenerateDialogID(),
		callID:      cfg.CallID,
		localTag:    cfg.LocalTag,
		remoteTag:   cfg.RemoteTag,
		localURI:    cfg.LocalURI,
		remoteURI:   cfg.RemoteURI,
		isInitiator: cfg.Role == RoleUAC,
		sdp:         NewNegotiationContext(),
		createdAt:   time.Now(),
		log:         log,
	}
	d.localSeq.Store(cfg.LocalSeq)
	d.initFSM()
	return d
}

func formEventName(src, dst DialogState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
FSM диалога:

[Early] → [Confirmed] → [Recovering] → [Confirmed | Terminated]
[Early] → [Recovering]
[Early | Confirmed] → [Terminated]

Recovering достижимо только из Early и Confirmed. Из Recovering диалог
либо возвращается в Confirmed (успешное зондирование), либо завершается.
Terminated - терминальное состояние без исходящих переходов.
*/
func (d *Dialog) initFSM() {
	d.fsm = fsm.NewFSM(
		string(Early),
		fsm.Events{
			{Name: formEventName(Early, Confirmed), Src: []string{string(Early)}, Dst: string(Confirmed)},
			{Name: formEventName(Early, Recovering), Src: []string{string(Early)}, Dst: string(Recovering)},
			{Name: formEventName(Confirmed, Recovering), Src: []string{string(Confirmed)}, Dst: string(Recovering)},
			{Name: formEventName(Recovering, Confirmed), Src: []string{string(Recovering)}, Dst: string(Confirmed)},
			{Name: formEventName(Recovering, Terminated), Src: []string{string(Recovering)}, Dst: string(Terminated)},
			{Name: formEventName(Early, Terminated), Src: []string{string(Early)}, Dst: string(Terminated)},
			{Name: formEventName(Confirmed, Terminated), Src: []string{string(Confirmed)}, Dst: string(Terminated)},
		}, fsm.Callbacks{
			"after_event": d.afterStateChange,
		})
}

func (d *Dialog) afterStateChange(_ context.Context, e *fsm.Event) {
	d.handlersMu.RLock()
	handlers := make([]StateChangeHandler, len(d.stateChangeHandlers))
	copy(handlers, d.stateChangeHandlers)
	d.handlersMu.RUnlock()

	for _, h := range handlers {
		h(d, DialogState(e.Src), DialogState(e.Dst))
	}
}

// setState выполняет переход конечного автомата. Нелегальный переход возвращает ошибку.
func (d *Dialog) setState(target DialogState) error {
	d.fsmMu.Lock()
	defer d.fsmMu.Unlock()
	current := DialogState(d.fsm.Current())
	if current == target {
		return nil
	}
	return d.fsm.Event(context.TODO(), formEventName(current, target))
}

// ID возвращает процессно-уникальный идентификатор диалога.
func (d *Dialog) ID() string {
	return d.id
}

// State возвращает текущее состояние диалога.
func (d *Dialog) State() DialogState {
	d.fsmMu.Lock()
	defer d.fsmMu.Unlock()
	return DialogState(d.fsm.Current())
}

// Key возвращает идентичность диалога по RFC 3261.
func (d *Dialog) Key() DialogKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DialogKey{CallID: d.callID, LocalTag: d.localTag, RemoteTag: d.remoteTag}
}

// CallID возвращает Call-ID диалога.
func (d *Dialog) CallID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// LocalTag возвращает локальный тег.
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удалённый тег. Пустая строка, пока диалог в ранней фазе без тега.
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// SetRemoteTag устанавливает удалённый тег, полученный из ответа или запроса.
func (d *Dialog) SetRemoteTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTag = tag
}

// IsInitiator сообщает, является ли локальная сторона инициатором диалога.
func (d *Dialog) IsInitiator() bool {
	return d.isInitiator
}

// LocalURI возвращает локальный URI диалога.
func (d *Dialog) LocalURI() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localURI
}

// RemoteURI возвращает URI удалённой стороны.
func (d *Dialog) RemoteURI() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteURI
}

// RemoteTarget возвращает текущий Contact удалённой стороны.
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// SetRemoteTarget обновляет целевой URI из заголовка Contact.
func (d *Dialog) SetRemoteTarget(uri sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = uri
}

// RouteSet возвращает копию маршрутного набора.
func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	routes := make([]sip.Uri, len(d.routeSet))
	copy(routes, d.routeSet)
	return routes
}

// SetRouteSet фиксирует маршрутный набор диалога. Устанавливается один раз
// при установлении диалога и далее не меняется.
func (d *Dialog) SetRouteSet(routes []sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = make([]sip.Uri, len(routes))
	copy(d.routeSet, routes)
}

// NextLocalCSeq атомарно инкрементирует локальный счётчик CSeq и возвращает
// новое значение. Каждый новый запрос внутри диалога получает ровно один инкремент.
func (d *Dialog) NextLocalCSeq() uint32 {
	return d.localSeq.Add(1)
}

// LocalCSeq возвращает текущее значение локального CSeq без инкремента.
func (d *Dialog) LocalCSeq() uint32 {
	return d.localSeq.Load()
}

// RemoteCSeq возвращает последнее принятое значение CSeq удалённой стороны.
func (d *Dialog) RemoteCSeq() uint32 {
	return d.remoteSeq.Load()
}

// UpdateRemoteCSeq фиксирует CSeq входящего запроса внутри диалога.
func (d *Dialog) UpdateRemoteCSeq(seq uint32) {
	d.remoteSeq.Store(seq)
}

// SDP возвращает контекст SDP-переговоров диалога.
func (d *Dialog) SDP() *NegotiationContext {
	return d.sdp
}

// LastKnownRemoteAddr возвращает последний адрес, с которого удалённая сторона
// была достижима. Пустая строка, если адрес неизвестен.
func (d *Dialog) LastKnownRemoteAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastKnownRemoteAddr
}

// SetLastKnownRemoteAddr обновляет адрес удалённой стороны и время последней
// успешной транзакции.
func (d *Dialog) SetLastKnownRemoteAddr(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastKnownRemoteAddr = addr
	d.lastSuccessfulTime = time.Now()
}

// LastSuccessfulTransactionTime возвращает время последней успешной транзакции.
func (d *Dialog) LastSuccessfulTransactionTime() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSuccessfulTime
}

// CreatedAt возвращает время создания диалога.
func (d *Dialog) CreatedAt() time.Time {
	return d.createdAt
}

// Confirm переводит диалог Early → Confirmed по финальному 2xx.
// Подтверждённый диалог обязан иметь оба тега.
func (d *Dialog) Confirm() error {
	d.mu.RLock()
	hasTags := d.localTag != "" && d.remoteTag != ""
	d.mu.RUnlock()

	if !hasTags {
		return errors.Wrap(ErrMissingTag, "cannot confirm dialog")
	}
	if err := d.setState(Confirmed); err != nil {
		return errors.Wrapf(ErrInvalidState, "confirm from %s", d.State())
	}
	d.mu.Lock()
	d.lastSuccessfulTime = time.Now()
	d.mu.Unlock()
	return nil
}

// BeginRecovery переводит диалог в Recovering. Легально только из Confirmed
// или Early; из любого другого состояния возвращает false без побочных эффектов.
func (d *Dialog) BeginRecovery(reason string) bool {
	state := d.State()
	if state != Confirmed && state != Early {
		return false
	}
	if err := d.setState(Recovering); err != nil {
		return false
	}
	d.mu.Lock()
	d.recoveryReason = reason
	d.recoveryAttempts = 0
	d.mu.Unlock()

	d.log.Info("диалог переведён в режим восстановления",
		slog.String("dialog_id", d.id),
		slog.String("reason", reason))
	return true
}

// CompleteRecovery возвращает диалог Recovering → Confirmed после успешного
// зондирования. Из любого другого состояния возвращает false.
func (d *Dialog) CompleteRecovery() bool {
	if d.State() != Recovering {
		return false
	}
	if err := d.setState(Confirmed); err != nil {
		return false
	}
	now := time.Now()
	d.mu.Lock()
	d.recoveryReason = ""
	d.recoveredAt = now
	d.lastSuccessfulTime = now
	d.mu.Unlock()

	d.log.Info("восстановление диалога завершено", slog.String("dialog_id", d.id))
	return true
}

// AbandonRecovery завершает диалог после исчерпания попыток восстановления.
// Легально только из Recovering.
func (d *Dialog) AbandonRecovery(reason string) bool {
	if d.State() != Recovering {
		return false
	}
	// Причина выставляется до перехода: обработчики завершения читают
	// ее синхронно из колбэка FSM
	d.mu.Lock()
	d.terminateReason = reason
	d.mu.Unlock()
	if err := d.setState(Terminated); err != nil {
		return false
	}

	d.log.Warn("восстановление диалога прекращено",
		slog.String("dialog_id", d.id),
		slog.String("reason", reason))
	return true
}

// Terminate завершает диалог из любого состояния. Повторный вызов на
// завершённом диалоге безопасен.
func (d *Dialog) Terminate(reason string) error {
	if d.State() == Terminated {
		return nil
	}
	// Причина выставляется до перехода: обработчики завершения читают
	// ее синхронно из колбэка FSM
	d.mu.Lock()
	d.terminateReason = reason
	d.mu.Unlock()
	if err := d.setState(Terminated); err != nil {
		return errors.Wrapf(ErrInvalidState, "terminate from %s", d.State())
	}
	return nil
}

// TerminateReason возвращает причину завершения диалога.
func (d *Dialog) TerminateReason() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.terminateReason
}

// RecoveryAttempts возвращает число попыток зондирования в текущем цикле восстановления.
func (d *Dialog) RecoveryAttempts() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recoveryAttempts
}

func (d *Dialog) incrementRecoveryAttempts() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recoveryAttempts++
	return d.recoveryAttempts
}

// RecoveryReason возвращает причину текущего цикла восстановления.
func (d *Dialog) RecoveryReason() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recoveryReason
}

// RecoveredAt возвращает время последнего успешного восстановления.
// Нулевое время, если восстановлений не было.
func (d *Dialog) RecoveredAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recoveredAt
}

// OnStateChange регистрирует обработчик переходов состояния.
func (d *Dialog) OnStateChange(h StateChangeHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.stateChangeHandlers = append(d.stateChangeHandlers, h)
}
