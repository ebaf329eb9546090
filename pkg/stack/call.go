package stack

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/softswitch/pkg/dialog"
	"github.com/arzzra/softswitch/pkg/session"
	"github.com/arzzra/softswitch/pkg/sip/transaction"
	"github.com/arzzra/softswitch/pkg/sip/transport"
)

const dtmfContentType = "application/dtmf-relay"

// Call — исходящий или принятый вызов. Идентификатор вызова совпадает
// с идентификатором диалога и сессии.
type Call struct {
	stack  *Stack
	dialog *dialog.Dialog

	// inviteTx транзакция исходного INVITE, нужна для CANCEL ранней фазы
	inviteTx transaction.Transaction
}

// ID возвращает идентификатор вызова.
func (c *Call) ID() string {
	return c.dialog.ID()
}

// Dialog возвращает диалог вызова.
func (c *Call) Dialog() *dialog.Dialog {
	return c.dialog
}

// State возвращает прикладное состояние вызова.
func (c *Call) State() session.CallState {
	if s, ok := c.stack.coordinator.Session(c.dialog.ID()); ok {
		return s.State()
	}
	return session.StateTerminated
}

// PlaceCall отправляет INVITE и возвращает вызов. Адрес назначения dest
// (host:port) при пустом значении выводится из URI получателя.
func (s *Stack) PlaceCall(to sip.Uri, dest string, sdpOffer []byte) (*Call, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStackClosed
	}

	if dest == "" {
		addr := to.Host
		if to.Port != 0 {
			addr = fmt.Sprintf("%s:%d", to.Host, to.Port)
		}
		resolved, err := transport.ResolveAddr(addr)
		if err != nil {
			return nil, errors.Wrap(err, "resolving destination")
		}
		dest = resolved
	}

	invite := s.buildInvite(to, sdpOffer)

	d, err := s.dialogs.CreateDialogUAC(invite)
	if err != nil {
		return nil, errors.Wrap(err, "creating UAC dialog")
	}
	d.SetLastKnownRemoteAddr(dest)

	if len(sdpOffer) > 0 {
		if err := d.SDP().SetLocalOffer(sdpOffer); err != nil {
			s.log.Debug("SDP предложение отвергнуто контекстом переговоров",
				slog.String("dialog_id", d.ID()),
				slog.String("error", err.Error()))
		}
	}

	if _, err := s.coordinator.CreateSession(d.ID(), session.StateInitiating); err != nil {
		_ = d.Terminate("session creation failed")
		return nil, errors.Wrap(err, "creating session")
	}
	if err := s.coordinator.BindDialog(d.ID(), d.ID()); err != nil {
		s.log.Debug("не удалось связать сессию с диалогом",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
	}

	tx, err := s.transactions.SendRequest(invite, dest)
	if err != nil {
		_ = d.Terminate("send failed")
		return nil, errors.Wrap(err, "sending INVITE")
	}

	s.monitorForRecovery(d, tx)

	call := &Call{stack: s, dialog: d, inviteTx: tx}
	s.mu.Lock()
	s.calls[d.ID()] = call
	s.mu.Unlock()
	return call, nil
}

func (s *Stack) buildInvite(to sip.Uri, sdpOffer []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, to)

	invite.AppendHeader(&sip.FromHeader{
		Address: s.config.Contact,
		Params:  sip.NewParams().Add("tag", dialog.GenerateTag()),
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: to,
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: s.config.Contact})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	if len(sdpOffer) > 0 {
		invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	invite.SetBody(sdpOffer)
	return invite
}

// Hangup завершает вызов: BYE для подтверждённого диалога, CANCEL для раннего.
func (c *Call) Hangup() error {
	switch c.dialog.State() {
	case dialog.Confirmed:
		bye, err := c.dialog.BuildBYE()
		if err != nil {
			return errors.Wrap(err, "building BYE")
		}
		if _, err := c.stack.transactions.SendRequest(bye, c.dialog.LastKnownRemoteAddr()); err != nil {
			return errors.Wrap(err, "sending BYE")
		}
		return c.dialog.Terminate("local BYE")

	case dialog.Early:
		if c.inviteTx != nil {
			// CANCEL живет как отдельная non-INVITE транзакция с branch
			// отменяемого INVITE
			if _, err := c.stack.transactions.CancelTransaction(c.inviteTx.Key()); err != nil {
				c.stack.log.Debug("не удалось отменить INVITE",
					slog.String("dialog_id", c.dialog.ID()),
					slog.String("error", err.Error()))
			}
		}
		return c.dialog.Terminate("cancelled")

	default:
		return nil
	}
}

// SendDTMF отправляет DTMF-символ внутри диалога через INFO.
func (c *Call) SendDTMF(digit rune, duration time.Duration) error {
	body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, duration.Milliseconds())
	req, err := c.dialog.BuildINFO(dtmfContentType, []byte(body))
	if err != nil {
		return errors.Wrap(err, "building INFO")
	}
	tx, err := c.stack.transactions.SendRequest(req, c.dialog.LastKnownRemoteAddr())
	if err != nil {
		return errors.Wrap(err, "sending INFO")
	}
	c.stack.monitorForRecovery(c.dialog, tx)
	return nil
}

// IncomingCall — входящий вызов в ожидании решения приложения.
// 180 Ringing уже отправлен стеком.
type IncomingCall struct {
	stack  *Stack
	dialog *dialog.Dialog
	tx     interface {
		SendResponse(resp *sip.Response) error
	}
	invite *sip.Request
}

// ID возвращает идентификатор вызова.
func (ic *IncomingCall) ID() string {
	return ic.dialog.ID()
}

// From возвращает URI вызывающей стороны.
func (ic *IncomingCall) From() sip.Uri {
	if from := ic.invite.From(); from != nil {
		return from.Address
	}
	return sip.Uri{}
}

// RemoteSDP возвращает SDP-предложение вызывающей стороны.
func (ic *IncomingCall) RemoteSDP() []byte {
	return ic.dialog.SDP().RemoteSDP()
}

// Accept отвечает 200 OK с SDP-ответом и подтверждает диалог.
// Сессия становится активной после ACK вызывающей стороны.
func (ic *IncomingCall) Accept(sdpAnswer []byte) (*Call, error) {
	resp := sip.NewResponseFromRequest(ic.invite, 200, "OK", sdpAnswer)
	resp.To().Params = resp.To().Params.Add("tag", ic.dialog.LocalTag())
	resp.AppendHeader(&sip.ContactHeader{Address: ic.stack.config.Contact})
	if len(sdpAnswer) > 0 {
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	if err := ic.tx.SendResponse(resp); err != nil {
		return nil, errors.Wrap(err, "sending 200 OK")
	}

	if len(sdpAnswer) > 0 {
		if err := ic.dialog.SDP().SetLocalAnswer(sdpAnswer); err != nil {
			ic.stack.log.Debug("SDP-ответ вне последовательности переговоров",
				slog.String("dialog_id", ic.dialog.ID()),
				slog.String("error", err.Error()))
		}
	}

	if err := ic.dialog.Confirm(); err != nil {
		return nil, errors.Wrap(err, "confirming dialog")
	}

	call := &Call{stack: ic.stack, dialog: ic.dialog}
	ic.stack.mu.Lock()
	delete(ic.stack.pendingIncoming, ic.dialog.CallID())
	ic.stack.calls[ic.dialog.ID()] = call
	ic.stack.mu.Unlock()
	return call, nil
}

// Reject отклоняет вызов финальным отказом.
func (ic *IncomingCall) Reject(status int, reason string) error {
	resp := sip.NewResponseFromRequest(ic.invite, status, reason, nil)
	resp.To().Params = resp.To().Params.Add("tag", ic.dialog.LocalTag())
	if err := ic.tx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "sending rejection")
	}

	ic.stack.mu.Lock()
	delete(ic.stack.pendingIncoming, ic.dialog.CallID())
	ic.stack.mu.Unlock()
	return ic.dialog.Terminate("call rejected")
}

// parseDTMFRelay разбирает тело application/dtmf-relay: строки
// Signal=<digit> и Duration=<ms>.
func parseDTMFRelay(body []byte) (rune, time.Duration, bool) {
	var digit rune
	duration := 160 * time.Millisecond
	found := false

	for _, line := range strings.Split(string(body), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "signal":
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			digit = rune(value[0])
			found = true
		case "duration":
			if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && ms > 0 {
				duration = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return digit, duration, found
}
