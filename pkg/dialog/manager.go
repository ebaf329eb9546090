package dialog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// DefaultMaxDialogs - предел одновременных диалогов по умолчанию
const DefaultMaxDialogs = 10000

// DialogHandler вызывается при создании или завершении диалога.
type DialogHandler func(d *Dialog)

// ManagerConfig — параметры менеджера диалогов.
type ManagerConfig struct {
	// MaxDialogs - предел одновременных диалогов, проверяется при создании
	MaxDialogs int
	// Recovery - параметры восстановления диалогов
	Recovery RecoveryConfig
	Logger   *slog.Logger
}

// ManagerStats — счётчики менеджера диалогов.
type ManagerStats struct {
	ActiveDialogs       int
	DialogsCreated      uint64
	DialogsTerminated   uint64
	RecoveriesStarted   uint64
	RecoveriesCompleted uint64
	RecoveriesAbandoned uint64
}

// Manager владеет таблицей живых диалогов: создаёт диалоги по входящим и
// исходящим INVITE, сопоставляет внутридиалоговые сообщения по ключу
// (Call-ID + теги), ведёт восстановление и каскадное завершение.
type Manager struct {
	dialogs *ShardedDialogMap

	byIDMu sync.RWMutex
	byID   map[string]*Dialog

	config ManagerConfig
	sender RequestSender

	handlersMu         sync.RWMutex
	createdHandlers    []DialogHandler
	stateHandlers      []StateChangeHandler
	terminatedHandlers []DialogHandler

	dialogsCreated      uint64
	dialogsTerminated   uint64
	recoveriesStarted   uint64
	recoveriesCompleted uint64
	recoveriesAbandoned uint64

	log *slog.Logger
}

// NewManager создаёт менеджер диалогов.
func NewManager(config ManagerConfig) *Manager {
	if config.MaxDialogs <= 0 {
		config.MaxDialogs = DefaultMaxDialogs
	}
	if config.Recovery.MaxAttempts == 0 {
		config.Recovery = DefaultRecoveryConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		dialogs: NewShardedDialogMap(),
		byID:    make(map[string]*Dialog),
		config:  config,
		log:     config.Logger,
	}
}

// SetRequestSender подключает транзакционный слой для отправки
// восстановительных зондов. Вызывается один раз при сборке стека.
func (m *Manager) SetRequestSender(sender RequestSender) {
	m.sender = sender
}

// CreateDialogUAC создаёт диалог по исходящему INVITE. Диалог регистрируется
// с незавершённым ключом, удалённый тег придёт с первым ответом.
func (m *Manager) CreateDialogUAC(invite *sip.Request) (*Dialog, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, errors.New("UAC dialog requires an INVITE request")
	}
	if err := m.admit(); err != nil {
		return nil, err
	}

	from := invite.From()
	to := invite.To()
	cseq := invite.CSeq()
	if from == nil || to == nil || invite.CallID() == nil || cseq == nil {
		return nil, errors.New("INVITE is missing dialog-forming headers")
	}

	localTag, _ := from.Params.Get("tag")
	if localTag == "" {
		return nil, errors.Wrap(ErrMissingTag, "outgoing INVITE has no From tag")
	}

	d := NewDialog(DialogConfig{
		CallID:   invite.CallID().Value(),
		LocalTag: localTag,
		LocalURI: from.Address,
		RemoteURI: to.Address,
		Role:     RoleUAC,
		LocalSeq: cseq.SeqNo,
		Logger:   m.log,
	})
	d.SetRemoteTarget(invite.Recipient)

	if err := m.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateDialogUAS создаёт диалог по входящему INVITE. Локальный тег
// генерируется, ключ диалога сразу полный.
func (m *Manager) CreateDialogUAS(invite *sip.Request, src string) (*Dialog, error) {
	if invite == nil || invite.Method != sip.INVITE {
		return nil, errors.New("UAS dialog requires an INVITE request")
	}
	if err := m.admit(); err != nil {
		return nil, err
	}

	from := invite.From()
	to := invite.To()
	cseq := invite.CSeq()
	if from == nil || to == nil || invite.CallID() == nil || cseq == nil {
		return nil, errors.New("INVITE is missing dialog-forming headers")
	}

	remoteTag, _ := from.Params.Get("tag")
	if remoteTag == "" {
		return nil, errors.Wrap(ErrMissingTag, "incoming INVITE has no From tag")
	}

	d := NewDialog(DialogConfig{
		CallID:    invite.CallID().Value(),
		LocalTag:  GenerateTag(),
		RemoteTag: remoteTag,
		LocalURI:  to.Address,
		RemoteURI: from.Address,
		Role:      RoleUAS,
		Logger:    m.log,
	})
	d.UpdateRemoteCSeq(cseq.SeqNo)
	if contact := invite.Contact(); contact != nil {
		d.SetRemoteTarget(contact.Address)
	}
	d.SetRouteSet(recordRouteSet(invite, false))
	if src != "" {
		d.SetLastKnownRemoteAddr(src)
	}

	if err := m.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateFromResponse обновляет UAC-диалог по ответу на исходный INVITE:
// фиксирует удалённый тег, Contact и маршрутный набор; 2xx подтверждает
// диалог, финальный отказ завершает его.
func (m *Manager) UpdateFromResponse(d *Dialog, resp *sip.Response, src string) error {
	if resp == nil {
		return errors.New("nil response")
	}

	status := int(resp.StatusCode)

	if to := resp.To(); to != nil && to.Params != nil {
		if toTag, _ := to.Params.Get("tag"); toTag != "" && d.RemoteTag() == "" {
			m.rekey(d, toTag)
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.SetRemoteTarget(contact.Address)
	}
	if src != "" {
		d.SetLastKnownRemoteAddr(src)
	}

	switch {
	case status >= 100 && status < 200:
		// Ранний диалог, состояние не меняется
		return nil
	case status >= 200 && status < 300:
		// Маршрутный набор UAC строится из Record-Route в обратном порядке
		if routes := recordRouteSet(resp, true); len(routes) > 0 {
			d.SetRouteSet(routes)
		}
		return d.Confirm()
	default:
		return d.Terminate("call rejected")
	}
}

// HandleRequest сопоставляет входящий внутридиалоговый запрос с диалогом,
// обновляет удалённый CSeq и адрес. BYE завершает диалог.
func (m *Manager) HandleRequest(req *sip.Request, src string) (*Dialog, error) {
	key, err := keyFromIncomingRequest(req)
	if err != nil {
		return nil, err
	}

	d, ok := m.FindDialog(key)
	if !ok {
		return nil, errors.Wrapf(ErrDialogNotFound, "key %s", key)
	}

	if cseq := req.CSeq(); cseq != nil {
		d.UpdateRemoteCSeq(cseq.SeqNo)
	}
	if src != "" {
		d.SetLastKnownRemoteAddr(src)
	}
	if contact := req.Contact(); contact != nil {
		// re-INVITE может обновить целевой URI
		d.SetRemoteTarget(contact.Address)
	}

	if req.Method == sip.BYE {
		if err := d.Terminate("remote BYE"); err != nil {
			return d, err
		}
	}
	return d, nil
}

// HandleResponse сопоставляет входящий ответ с диалогом по ключу
// (локальный тег из From, удалённый из To). Ответы на исходный INVITE
// проходят через UpdateFromResponse, остальные только обновляют адрес.
func (m *Manager) HandleResponse(resp *sip.Response, src string) (*Dialog, error) {
	key, err := keyFromIncomingResponse(resp)
	if err != nil {
		return nil, err
	}

	d, ok := m.FindDialog(key)
	if !ok {
		return nil, errors.Wrapf(ErrDialogNotFound, "key %s", key)
	}

	if cseq := resp.CSeq(); cseq != nil && cseq.MethodName == sip.INVITE {
		return d, m.UpdateFromResponse(d, resp, src)
	}

	if src != "" {
		d.SetLastKnownRemoteAddr(src)
	}
	return d, nil
}

// FindDialog ищет диалог по точному ключу, затем по незавершённому ключу
// без удалённого тега (ранняя фаза UAC).
func (m *Manager) FindDialog(key DialogKey) (*Dialog, bool) {
	if d, ok := m.dialogs.Get(key); ok {
		return d, true
	}
	if key.RemoteTag != "" {
		early := DialogKey{CallID: key.CallID, LocalTag: key.LocalTag}
		if d, ok := m.dialogs.Get(early); ok {
			return d, true
		}
	}
	return nil, false
}

// DialogByID возвращает диалог по его процессно-уникальному идентификатору.
func (m *Manager) DialogByID(id string) (*Dialog, bool) {
	m.byIDMu.RLock()
	defer m.byIDMu.RUnlock()
	d, ok := m.byID[id]
	return d, ok
}

// RecoverDialog выполняет полный цикл восстановления диалога: переводит его
// в Recovering и зондирует до успеха или исчерпания попыток. Блокирует до
// завершения цикла.
func (m *Manager) RecoverDialog(ctx context.Context, d *Dialog, reason string) error {
	if m.sender == nil {
		return errors.New("request sender is not configured")
	}
	if !NeedsRecovery(d, m.config.Recovery.CooldownPeriod) {
		return errors.Wrapf(ErrInvalidState, "dialog %s does not need recovery", d.ID())
	}
	if !d.BeginRecovery(reason) {
		return errors.Wrapf(ErrInvalidState, "cannot begin recovery from %s", d.State())
	}
	atomic.AddUint64(&m.recoveriesStarted, 1)

	prober := NewRecoveryProber(m.sender, m.config.Recovery, m.log)
	err := prober.Probe(ctx, d)
	switch {
	case err == nil:
		atomic.AddUint64(&m.recoveriesCompleted, 1)
	case errors.Is(err, ErrRecoveryExhausted):
		atomic.AddUint64(&m.recoveriesAbandoned, 1)
	}
	return err
}

// TerminateDialog завершает диалог по ключу.
func (m *Manager) TerminateDialog(key DialogKey, reason string) error {
	d, ok := m.FindDialog(key)
	if !ok {
		return errors.Wrapf(ErrDialogNotFound, "key %s", key)
	}
	return d.Terminate(reason)
}

// TerminateAll завершает все живые диалоги. Ошибки отдельных диалогов
// не прерывают каскад.
func (m *Manager) TerminateAll(reason string) {
	var all []*Dialog
	m.dialogs.ForEach(func(_ DialogKey, d *Dialog) bool {
		all = append(all, d)
		return true
	})
	for _, d := range all {
		if err := d.Terminate(reason); err != nil {
			m.log.Debug("ошибка завершения диалога",
				slog.String("dialog_id", d.ID()),
				slog.String("error", err.Error()))
		}
	}
}

// Count возвращает число живых диалогов.
func (m *Manager) Count() int {
	return m.dialogs.Count()
}

// Stats возвращает счётчики менеджера.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		ActiveDialogs:       m.dialogs.Count(),
		DialogsCreated:      atomic.LoadUint64(&m.dialogsCreated),
		DialogsTerminated:   atomic.LoadUint64(&m.dialogsTerminated),
		RecoveriesStarted:   atomic.LoadUint64(&m.recoveriesStarted),
		RecoveriesCompleted: atomic.LoadUint64(&m.recoveriesCompleted),
		RecoveriesAbandoned: atomic.LoadUint64(&m.recoveriesAbandoned),
	}
}

// OnDialogCreated регистрирует обработчик создания диалогов.
func (m *Manager) OnDialogCreated(h DialogHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.createdHandlers = append(m.createdHandlers, h)
}

// OnDialogStateChange регистрирует обработчик переходов состояния диалогов.
func (m *Manager) OnDialogStateChange(h StateChangeHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, h)
}

// OnDialogTerminated регистрирует обработчик завершения диалогов.
func (m *Manager) OnDialogTerminated(h DialogHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.terminatedHandlers = append(m.terminatedHandlers, h)
}

// Close завершает все диалоги и очищает таблицу.
func (m *Manager) Close() {
	m.TerminateAll("manager closed")
	m.dialogs.Clear()
	m.byIDMu.Lock()
	m.byID = make(map[string]*Dialog)
	m.byIDMu.Unlock()
}

func (m *Manager) admit() error {
	if m.dialogs.Count() >= m.config.MaxDialogs {
		return errors.Wrapf(ErrDialogLimitExceeded, "limit %d", m.config.MaxDialogs)
	}
	return nil
}

func (m *Manager) register(d *Dialog) error {
	key := d.Key()
	if !m.dialogs.SetIfAbsent(key, d) {
		return errors.Wrapf(ErrDialogExists, "key %s", key)
	}
	m.byIDMu.Lock()
	m.byID[d.ID()] = d
	m.byIDMu.Unlock()

	d.OnStateChange(m.onDialogStateChange)
	atomic.AddUint64(&m.dialogsCreated, 1)

	m.log.Debug("диалог зарегистрирован",
		slog.String("dialog_id", d.ID()),
		slog.String("key", key.String()))

	m.handlersMu.RLock()
	handlers := make([]DialogHandler, len(m.createdHandlers))
	copy(handlers, m.createdHandlers)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(d)
	}
	return nil
}

// rekey переносит UAC-диалог с незавершённого ключа на полный после
// получения удалённого тега.
func (m *Manager) rekey(d *Dialog, remoteTag string) {
	oldKey := d.Key()
	d.SetRemoteTag(remoteTag)
	newKey := d.Key()

	// Сначала новый ключ, потом удаление старого: конкурентный FindDialog
	// в любой момент видит хотя бы один из ключей
	m.dialogs.Set(newKey, d)
	m.dialogs.Delete(oldKey)
}

func (m *Manager) onDialogStateChange(d *Dialog, oldState, newState DialogState) {
	m.handlersMu.RLock()
	stateHandlers := make([]StateChangeHandler, len(m.stateHandlers))
	copy(stateHandlers, m.stateHandlers)
	terminatedHandlers := make([]DialogHandler, len(m.terminatedHandlers))
	copy(terminatedHandlers, m.terminatedHandlers)
	m.handlersMu.RUnlock()

	for _, h := range stateHandlers {
		h(d, oldState, newState)
	}

	if newState == Terminated {
		m.unregister(d)
		atomic.AddUint64(&m.dialogsTerminated, 1)
		for _, h := range terminatedHandlers {
			h(d)
		}
	}
}

func (m *Manager) unregister(d *Dialog) {
	key := d.Key()
	if !m.dialogs.Delete(key) {
		// Диалог мог остаться под ранним ключом без удалённого тега
		m.dialogs.Delete(DialogKey{CallID: key.CallID, LocalTag: key.LocalTag})
	}
	m.byIDMu.Lock()
	delete(m.byID, d.ID())
	m.byIDMu.Unlock()
}

// keyFromIncomingRequest строит ключ диалога из входящего запроса:
// локальный тег берётся из To, удалённый из From.
func keyFromIncomingRequest(req *sip.Request) (DialogKey, error) {
	if req == nil || req.CallID() == nil || req.From() == nil || req.To() == nil {
		return DialogKey{}, errors.New("request is missing dialog headers")
	}
	fromTag, _ := req.From().Params.Get("tag")
	toTag, _ := req.To().Params.Get("tag")
	if fromTag == "" {
		return DialogKey{}, errors.Wrap(ErrMissingTag, "incoming request has no From tag")
	}
	return DialogKey{
		CallID:    req.CallID().Value(),
		LocalTag:  toTag,
		RemoteTag: fromTag,
	}, nil
}

// keyFromIncomingResponse строит ключ диалога из входящего ответа:
// локальный тег берётся из From, удалённый из To.
func keyFromIncomingResponse(resp *sip.Response) (DialogKey, error) {
	if resp == nil || resp.CallID() == nil || resp.From() == nil || resp.To() == nil {
		return DialogKey{}, errors.New("response is missing dialog headers")
	}
	fromTag, _ := resp.From().Params.Get("tag")
	toTag, _ := resp.To().Params.Get("tag")
	if fromTag == "" {
		return DialogKey{}, errors.Wrap(ErrMissingTag, "incoming response has no From tag")
	}
	return DialogKey{
		CallID:    resp.CallID().Value(),
		LocalTag:  fromTag,
		RemoteTag: toTag,
	}, nil
}

// recordRouteSet извлекает маршрутный набор из заголовков Record-Route.
// UAC обращает порядок, UAS сохраняет как есть.
func recordRouteSet(msg sip.Message, reverse bool) []sip.Uri {
	headers := msg.GetHeaders("Record-Route")
	var routes []sip.Uri
	for _, h := range headers {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}
