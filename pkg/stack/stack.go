// Package stack собирает сигнальное ядро в единый стек: транспорт,
// транзакционный и диалоговый слои, шину событий и координатор сессий.
// Стек владеет маршрутизацией сообщений между слоями; прикладному коду
// остаются исходящие вызовы и обработчик входящих.
package stack

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/softswitch/pkg/dialog"
	"github.com/arzzra/softswitch/pkg/session"
	"github.com/arzzra/softswitch/pkg/sip/auth"
	"github.com/arzzra/softswitch/pkg/sip/transaction"
	"github.com/arzzra/softswitch/pkg/sip/transaction/creator"
	"github.com/arzzra/softswitch/pkg/sip/transport"
)

var (
	// ErrStackClosed is returned after Close
	ErrStackClosed = errors.New("stack is closed")

	// ErrNoTransport is returned when Config has no transport
	ErrNoTransport = errors.New("transport is required")

	// ErrNoContact is returned when Config has no local contact URI
	ErrNoContact = errors.New("local contact URI is required")
)

// Config — конфигурация стека. Transport и Contact обязательны.
type Config struct {
	// Transport внешний транспортный коллаборатор, стек им не владеет
	Transport transport.Transport

	// Contact локальный URI, используется в From и Contact исходящих запросов
	Contact sip.Uri

	// Credentials для автоматического ответа на 401/407 челленджи.
	// Nil отключает аутентификацию.
	Credentials *auth.Credentials

	// Media медиа-коллаборатор координатора сессий, nil - заглушка
	Media session.MediaSession

	// Timers переопределяет транзакционные таймеры, nil - RFC 3261 умолчания
	Timers *transaction.TransactionTimers

	// MaxDialogs лимит одновременных диалогов, 0 - умолчание менеджера
	MaxDialogs int

	// Recovery параметры восстановления диалогов, нулевое значение - умолчания
	Recovery dialog.RecoveryConfig

	// Metrics реестр Prometheus для метрик диалогового слоя, nil - без метрик
	Metrics prometheus.Registerer

	Logger *slog.Logger
}

// Stack — собранное сигнальное ядро одной стороны.
type Stack struct {
	config       Config
	tp           transport.Transport
	transactions *transaction.Manager
	dialogs      *dialog.Manager
	bus          *session.EventBus
	coordinator  *session.Coordinator
	log          *slog.Logger

	mu              sync.RWMutex
	calls           map[string]*Call         // по идентификатору диалога
	pendingIncoming map[string]*IncomingCall // по Call-ID до финального ответа
	pendingReinvite map[string]transaction.Transaction
	authRetried     map[string]bool
	incomingHandler func(*IncomingCall)
	closed          bool

	sub *session.Subscription
	wg  sync.WaitGroup
}

// New собирает стек из конфигурации. Слои связываются здесь и только здесь.
func New(cfg Config) (*Stack, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Contact.Host == "" {
		return nil, ErrNoContact
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	txm := transaction.NewManager(cfg.Transport, creator.NewDefaultCreator(), log)
	if cfg.Timers != nil {
		txm.SetTimers(*cfg.Timers)
	}

	dm := dialog.NewManager(dialog.ManagerConfig{
		MaxDialogs: cfg.MaxDialogs,
		Recovery:   cfg.Recovery,
		Logger:     log,
	})
	dm.SetRequestSender(txm)

	bus := session.NewEventBus(log)
	coord := session.NewCoordinator(bus, cfg.Media, log)

	s := &Stack{
		config:          cfg,
		tp:              cfg.Transport,
		transactions:    txm,
		dialogs:         dm,
		bus:             bus,
		coordinator:     coord,
		log:             log,
		calls:           make(map[string]*Call),
		pendingIncoming: make(map[string]*IncomingCall),
		pendingReinvite: make(map[string]transaction.Transaction),
		authRetried:     make(map[string]bool),
	}

	dm.OnDialogTerminated(s.onDialogTerminated)
	dm.OnDialogStateChange(s.onDialogStateChange)
	txm.OnRequest(s.onRequest)
	txm.OnResponse(s.onResponse)
	txm.OnTransactionCreated(s.onTransactionCreated)
	txm.OnTransactionTerminated(s.onTransactionTerminated)

	if cfg.Metrics != nil {
		cfg.Metrics.MustRegister(dialog.NewCollector(dm))
	}

	return s, nil
}

// Start запускает координатор сессий и цикл доставки SDP-ответов.
func (s *Stack) Start() {
	s.coordinator.Start()
	s.sub = s.bus.Subscribe(session.DefaultSubscriberBuffer)
	s.wg.Add(1)
	go s.answerLoop()
}

// Close завершает все диалоги и останавливает слои. Транспорт не закрывается:
// стек им не владеет.
func (s *Stack) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.dialogs.Close()
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.wg.Wait()
	s.coordinator.Close()
	s.bus.Close()
	if err := s.transactions.Close(); err != nil {
		s.log.Debug("ошибка закрытия транзакционного слоя",
			slog.String("error", err.Error()))
	}
}

// Bus возвращает шину событий для прикладных подписчиков.
func (s *Stack) Bus() *session.EventBus {
	return s.bus
}

// Dialogs возвращает диалоговый менеджер.
func (s *Stack) Dialogs() *dialog.Manager {
	return s.dialogs
}

// Transactions возвращает транзакционный менеджер.
func (s *Stack) Transactions() *transaction.Manager {
	return s.transactions
}

// Sessions возвращает координатор сессий.
func (s *Stack) Sessions() *session.Coordinator {
	return s.coordinator
}

// CallByID возвращает живой вызов по идентификатору.
func (s *Stack) CallByID(id string) (*Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	return c, ok
}

// OnIncomingCall регистрирует обработчик входящих вызовов. Без обработчика
// входящие INVITE отклоняются с 486.
func (s *Stack) OnIncomingCall(h func(*IncomingCall)) {
	s.mu.Lock()
	s.incomingHandler = h
	s.mu.Unlock()
}

// answerLoop доставляет локальные SDP-ответы координатора в висящие
// re-INVITE транзакции.
func (s *Stack) answerLoop() {
	defer s.wg.Done()
	for event := range s.sub.C {
		sdpEvent, ok := event.(session.SdpEvent)
		if !ok || sdpEvent.Kind != session.SdpKindLocalAnswer {
			continue
		}
		s.deliverReinviteAnswer(sdpEvent.SessionID(), sdpEvent.SDP)
	}
}

func (s *Stack) deliverReinviteAnswer(dialogID string, answer []byte) {
	s.mu.Lock()
	tx, ok := s.pendingReinvite[dialogID]
	delete(s.pendingReinvite, dialogID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if d, found := s.dialogs.DialogByID(dialogID); found {
		if err := d.SDP().SetLocalAnswer(answer); err != nil {
			s.log.Debug("SDP-ответ вне последовательности переговоров",
				slog.String("dialog_id", dialogID),
				slog.String("error", err.Error()))
		}
	}

	resp := sip.NewResponseFromRequest(tx.Request(), 200, "OK", answer)
	resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.SendResponse(resp); err != nil {
		s.log.Warn("не удалось ответить на re-INVITE",
			slog.String("dialog_id", dialogID),
			slog.String("error", err.Error()))
	}
}

// onRequest маршрутизирует входящие запросы транзакционного слоя.
func (s *Stack) onRequest(tx transaction.Transaction, req *sip.Request) {
	switch req.Method {
	case sip.INVITE:
		if tx == nil {
			return
		}
		if toTag(req.To()) == "" {
			s.handleNewInvite(tx, req)
		} else {
			s.handleReinvite(tx, req)
		}

	case sip.ACK:
		// ACK на 2xx приходит вне транзакции
		d, err := s.dialogs.HandleRequest(req, sourceFromVia(req))
		if err != nil {
			s.log.Debug("ACK без диалога отброшен", slog.String("error", err.Error()))
			return
		}
		s.transitionTolerant(d.ID(), session.StateActive, "ACK received")

	case sip.BYE:
		if tx == nil {
			return
		}
		_, err := s.dialogs.HandleRequest(req, sourceFromVia(req))
		if err != nil {
			s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
			return
		}
		s.respond(tx, req, 200, "OK")

	case sip.CANCEL:
		if tx == nil {
			return
		}
		s.handleCancel(tx, req)

	case sip.OPTIONS:
		// Keepalive и восстановительные зонды удалённой стороны
		if tx == nil {
			return
		}
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
		if err := tx.SendResponse(resp); err != nil {
			s.log.Debug("не удалось ответить на OPTIONS", slog.String("error", err.Error()))
		}

	case sip.INFO:
		if tx == nil {
			return
		}
		s.handleInfo(tx, req)

	default:
		if tx != nil {
			s.respond(tx, req, 405, "Method Not Allowed")
		}
	}
}

func (s *Stack) handleNewInvite(tx transaction.Transaction, req *sip.Request) {
	s.mu.RLock()
	handler := s.incomingHandler
	closed := s.closed
	s.mu.RUnlock()

	if closed || handler == nil {
		s.respond(tx, req, 486, "Busy Here")
		return
	}

	d, err := s.dialogs.CreateDialogUAS(req, sourceFromVia(req))
	if err != nil {
		s.log.Warn("не удалось создать UAS диалог",
			slog.String("error", err.Error()))
		s.respond(tx, req, 500, "Server Internal Error")
		return
	}

	if _, err := s.coordinator.CreateSession(d.ID(), session.StateRinging); err != nil {
		s.log.Warn("не удалось создать сессию",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
		s.respond(tx, req, 500, "Server Internal Error")
		_ = d.Terminate("session creation failed")
		return
	}
	if err := s.coordinator.BindDialog(d.ID(), d.ID()); err != nil {
		s.log.Debug("не удалось связать сессию с диалогом",
			slog.String("error", err.Error()))
	}

	if offer := req.Body(); len(offer) > 0 {
		if err := d.SDP().SetRemoteOffer(offer); err != nil {
			s.log.Debug("SDP предложение отвергнуто",
				slog.String("dialog_id", d.ID()),
				slog.String("error", err.Error()))
		}
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	ringing.To().Params = ringing.To().Params.Add("tag", d.LocalTag())
	if err := tx.SendResponse(ringing); err != nil {
		s.log.Debug("не удалось отправить 180",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
	}

	ic := &IncomingCall{stack: s, dialog: d, tx: tx, invite: req}
	s.mu.Lock()
	s.pendingIncoming[d.CallID()] = ic
	s.mu.Unlock()

	go handler(ic)
}

func (s *Stack) handleReinvite(tx transaction.Transaction, req *sip.Request) {
	d, err := s.dialogs.HandleRequest(req, sourceFromVia(req))
	if err != nil {
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	offer := req.Body()
	if len(offer) == 0 {
		// re-INVITE без предложения: повторяем текущее локальное SDP
		resp := sip.NewResponseFromRequest(req, 200, "OK", d.SDP().LocalSDP())
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		if err := tx.SendResponse(resp); err != nil {
			s.log.Debug("не удалось ответить на re-INVITE",
				slog.String("error", err.Error()))
		}
		return
	}

	if err := d.SDP().SetRemoteOffer(offer); err != nil {
		s.log.Debug("SDP предложение вне последовательности переговоров",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.pendingReinvite[d.ID()] = tx
	s.mu.Unlock()

	// Ответ построит медиа-слой через координатор, доставит answerLoop
	s.bus.Publish(session.NewMediaUpdate(d.ID(), offer))
}

func (s *Stack) handleCancel(tx transaction.Transaction, req *sip.Request) {
	s.respond(tx, req, 200, "OK")

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	s.mu.Lock()
	ic, ok := s.pendingIncoming[callID]
	delete(s.pendingIncoming, callID)
	s.mu.Unlock()
	if !ok {
		return
	}

	// 487 на висящий INVITE через его серверную транзакцию
	key, err := transaction.KeyFromRequest(req)
	if err == nil {
		inviteKey := transaction.TransactionKey{
			Branch:   key.Branch,
			Method:   sip.INVITE,
			IsServer: true,
		}
		if inviteTx, found := s.transactions.FindTransaction(inviteKey); found {
			resp := sip.NewResponseFromRequest(inviteTx.Request(), 487, "Request Terminated", nil)
			resp.To().Params = resp.To().Params.Add("tag", ic.dialog.LocalTag())
			if err := inviteTx.SendResponse(resp); err != nil {
				s.log.Debug("не удалось ответить 487 на INVITE",
					slog.String("error", err.Error()))
			}
		}
	}

	if err := ic.dialog.Terminate("cancelled"); err != nil {
		s.log.Debug("ошибка завершения отменённого диалога",
			slog.String("error", err.Error()))
	}
}

func (s *Stack) handleInfo(tx transaction.Transaction, req *sip.Request) {
	d, err := s.dialogs.HandleRequest(req, sourceFromVia(req))
	if err != nil {
		s.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}

	if ct := req.GetHeader("Content-Type"); ct != nil && ct.Value() == dtmfContentType {
		if digit, duration, ok := parseDTMFRelay(req.Body()); ok {
			s.bus.Publish(session.NewDTMFReceived(d.ID(), digit, duration))
		}
	}
	s.respond(tx, req, 200, "OK")
}

// onResponse маршрутизирует входящие ответы в диалоговый слой.
func (s *Stack) onResponse(tx transaction.Transaction, resp *sip.Response) {
	cseq := resp.CSeq()
	if cseq == nil || cseq.MethodName != sip.INVITE {
		return
	}
	status := int(resp.StatusCode)

	if (status == 401 || status == 407) && s.config.Credentials != nil && tx != nil {
		if s.retryWithAuth(tx, resp) {
			return
		}
	}

	d, err := s.dialogs.HandleResponse(resp, "")
	if err != nil {
		s.log.Debug("ответ без диалога отброшен",
			slog.Int("status", status),
			slog.String("error", err.Error()))
		return
	}

	switch {
	case status < 200:
		if status >= 180 {
			s.transitionTolerant(d.ID(), session.StateRinging, resp.Reason)
		}
	case status < 300:
		if body := resp.Body(); len(body) > 0 {
			if err := d.SDP().SetRemoteAnswer(body); err != nil {
				s.log.Debug("SDP-ответ вне последовательности переговоров",
					slog.String("dialog_id", d.ID()),
					slog.String("error", err.Error()))
			}
			s.bus.Publish(session.NewSdpEvent(d.ID(), session.SdpKindRemoteAnswer, body))
		}
		s.transitionTolerant(d.ID(), session.StateActive, resp.Reason)
		s.sendAck(d)
	default:
		// HandleResponse уже завершил диалог, каскад доведёт сессию
	}
}

// retryWithAuth повторяет INVITE с авторизационным заголовком. Повтор
// делается не более одного раза на диалог.
func (s *Stack) retryWithAuth(tx transaction.Transaction, resp *sip.Response) bool {
	req := tx.Request()
	if req == nil || req.CallID() == nil {
		return false
	}
	key := dialog.DialogKey{
		CallID:   req.CallID().Value(),
		LocalTag: fromTag(req.From()),
	}
	d, ok := s.dialogs.FindDialog(key)
	if !ok {
		return false
	}

	s.mu.Lock()
	retried := s.authRetried[d.ID()]
	s.authRetried[d.ID()] = true
	s.mu.Unlock()
	if retried {
		return false
	}

	retry, err := auth.RetryWithAuth(req, resp, *s.config.Credentials)
	if err != nil {
		s.log.Warn("не удалось построить авторизованный повтор",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
		return false
	}

	// Счётчик CSeq диалога двигается вместе с повтором
	d.NextLocalCSeq()

	if _, err := s.transactions.SendRequest(retry, d.LastKnownRemoteAddr()); err != nil {
		s.log.Warn("не удалось отправить авторизованный повтор",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Stack) sendAck(d *dialog.Dialog) {
	ack, err := d.BuildACK()
	if err != nil {
		s.log.Warn("не удалось построить ACK",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
		return
	}
	if err := s.tp.Send(ack, d.LastKnownRemoteAddr()); err != nil {
		s.log.Warn("не удалось отправить ACK",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
	}
}

// onDialogTerminated доводит завершение диалога до сессии и чистит таблицы.
func (s *Stack) onDialogTerminated(d *dialog.Dialog) {
	s.mu.Lock()
	delete(s.calls, d.ID())
	delete(s.pendingReinvite, d.ID())
	delete(s.authRetried, d.ID())
	delete(s.pendingIncoming, d.CallID())
	s.mu.Unlock()

	reason := d.TerminateReason()
	var err error
	if reason == "call rejected" {
		err = s.coordinator.FailSession(d.ID(), reason)
	} else {
		err = s.coordinator.TerminateSession(d.ID(), reason)
	}
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.log.Debug("ошибка завершения сессии",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
	}
}

// onDialogStateChange транслирует переходы диалога в шину событий.
// Идентификатор сессии совпадает с идентификатором диалога.
func (s *Stack) onDialogStateChange(d *dialog.Dialog, _, newState dialog.DialogState) {
	s.bus.Publish(session.NewDialogUpdated(d.ID(), d.ID(), newState.String()))
}

// onTransactionCreated транслирует создание транзакции в шину событий.
func (s *Stack) onTransactionCreated(tx transaction.Transaction) {
	req := tx.Request()
	if req == nil {
		return
	}
	s.bus.Publish(session.NewTransactionCreated(s.sessionIDFor(tx), tx.ID(), string(req.Method)))
}

// onTransactionTerminated транслирует исход транзакции в шину событий.
// Успехом считается финальный ответ класса 1xx-2xx.
func (s *Stack) onTransactionTerminated(tx transaction.Transaction) {
	req := tx.Request()
	if req == nil {
		return
	}
	last := tx.LastResponse()
	success := last != nil && int(last.StatusCode) < 300
	s.bus.Publish(session.NewTransactionCompleted(s.sessionIDFor(tx), tx.ID(), string(req.Method), success))
}

// sessionIDFor находит сессию транзакции по диалоговой идентичности её
// запроса. Пустая строка - транзакция вне диалога.
func (s *Stack) sessionIDFor(tx transaction.Transaction) string {
	req := tx.Request()
	if req == nil || req.CallID() == nil {
		return ""
	}
	local, remote := fromTag(req.From()), toTag(req.To())
	if tx.IsServer() {
		local, remote = remote, local
	}
	key := dialog.DialogKey{CallID: req.CallID().Value(), LocalTag: local, RemoteTag: remote}
	if d, ok := s.dialogs.FindDialog(key); ok {
		return d.ID()
	}
	return ""
}

// monitorForRecovery запускает восстановление диалога, когда транзакция
// завершается таймаутом или транспортной ошибкой.
func (s *Stack) monitorForRecovery(d *dialog.Dialog, tx transaction.Transaction) {
	tx.OnTimeout(func(_ transaction.Transaction, _ transaction.TimerID) {
		s.recoverDialog(d, "transaction timeout")
	})
	tx.OnTransportError(func(_ transaction.Transaction, _ error) {
		s.recoverDialog(d, "transport error")
	})
	// Транзакция могла завершиться ошибкой до регистрации обработчиков
	if tx.IsTerminated() && tx.LastResponse() == nil {
		s.recoverDialog(d, "transport error")
	}
}

// recoverDialog выполняет цикл восстановления в фоне и публикует события
// начала и исхода.
func (s *Stack) recoverDialog(d *dialog.Dialog, reason string) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	if !dialog.NeedsRecovery(d, s.config.Recovery.CooldownPeriod) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bus.Publish(session.NewRecoveryStarted(d.ID(), d.ID(), reason))
		err := s.dialogs.RecoverDialog(context.Background(), d, reason)
		if errors.Is(err, dialog.ErrInvalidState) {
			// Восстановление уже идёт или стало ненужным
			return
		}
		s.bus.Publish(session.NewRecoveryCompleted(d.ID(), d.ID(), err == nil))
	}()
}

// transitionTolerant выполняет переход сессии, молча пропуская повторные
// и уже невозможные переходы (ретрансмиссии провизорных ответов).
func (s *Stack) transitionTolerant(sessionID string, target session.CallState, reason string) {
	err := s.coordinator.Transition(sessionID, target, reason)
	if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		s.log.Debug("переход сессии не выполнен",
			slog.String("session_id", sessionID),
			slog.String("target", target.String()),
			slog.String("error", err.Error()))
	}
}

func (s *Stack) respond(tx transaction.Transaction, req *sip.Request, status int, reason string) {
	resp := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.SendResponse(resp); err != nil {
		s.log.Debug("не удалось отправить ответ",
			slog.Int("status", status),
			slog.String("method", string(req.Method)),
			slog.String("error", err.Error()))
	}
}

func fromTag(h *sip.FromHeader) string {
	if h == nil || h.Params == nil {
		return ""
	}
	tag, _ := h.Params.Get("tag")
	return tag
}

func toTag(h *sip.ToHeader) string {
	if h == nil || h.Params == nil {
		return ""
	}
	tag, _ := h.Params.Get("tag")
	return tag
}

// sourceFromVia извлекает адрес отправителя из верхнего Via (sent-by).
func sourceFromVia(req *sip.Request) string {
	via := req.Via()
	if via == nil || via.Host == "" {
		return ""
	}
	port := via.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(via.Host, strconv.Itoa(port))
}
