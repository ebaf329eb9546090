package server

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// NonInviteTransaction представляет non-INVITE server transaction
// (RFC 3261 §17.2.2): Trying -> Proceeding -> Completed -> Terminated.
type NonInviteTransaction struct {
	*BaseTransaction
}

// NewNonInviteTransaction создает новую non-INVITE server transaction.
// Начальное состояние Trying уже установлено в BaseTransaction.
func NewNonInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	source string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) *NonInviteTransaction {
	nist := &NonInviteTransaction{
		BaseTransaction: NewBaseTransaction(id, key, request, source, tp, timers),
	}
	nist.self = nist
	return nist
}

// SendResponse отправляет ответ и продвигает автомат
func (t *NonInviteTransaction) SendResponse(resp *sip.Response) error {
	state := t.State()
	statusCode := int(resp.StatusCode)

	switch state {
	case transaction.TransactionTrying, transaction.TransactionProceeding:
		return t.sendResponseActive(resp, statusCode, state)

	case transaction.TransactionCompleted:
		// В Completed допустима только ретрансмиссия финального ответа
		last := t.LastResponse()
		if last != nil && int(last.StatusCode) == statusCode {
			return t.sendResponse(resp)
		}
		return transaction.NewTransactionError(t.id, "send response", state,
			transaction.ErrInvalidState)

	default:
		return transaction.NewTransactionError(t.id, "send response", state,
			transaction.ErrInvalidState)
	}
}

// sendResponseActive отправляет ответ из состояний Trying и Proceeding
func (t *NonInviteTransaction) sendResponseActive(resp *sip.Response, statusCode int, state transaction.TransactionState) error {
	if err := t.sendResponse(resp); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return err
	}

	switch {
	case statusCode >= 100 && statusCode <= 199:
		if state == transaction.TransactionTrying {
			t.changeState(transaction.TransactionProceeding)
		}
		t.notifyResponseHandlers(resp)
		return nil

	case statusCode >= 200 && statusCode <= 699:
		t.changeState(transaction.TransactionCompleted)

		t.notifyResponseHandlers(resp)

		// Timer J поглощает ретрансмиссии запроса (unreliable)
		if !t.reliable && t.timers.TimerJ > 0 {
			t.startTimer(transaction.TimerJ, t.handleTimerJ)
		} else {
			t.Terminate()
		}
		return nil
	}

	return transaction.NewTransactionError(t.id, "send response", state,
		transaction.ErrInvalidResponse)
}

// handleTimerJ обрабатывает срабатывание таймера J
func (t *NonInviteTransaction) handleTimerJ() {
	if t.State() == transaction.TransactionCompleted {
		t.Terminate()
	}
}

// HandleRequest обрабатывает ретрансмиссию запроса:
// последний отправленный ответ повторяется
func (t *NonInviteTransaction) HandleRequest(req *sip.Request) error {
	if req.Method != t.request.Method {
		return transaction.NewTransactionError(t.id, "handle request", t.State(),
			transaction.ErrInvalidRequest)
	}

	if err := t.replayLastResponse(); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return err
	}
	return nil
}
