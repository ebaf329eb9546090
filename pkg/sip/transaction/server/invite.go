package server

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// InviteTransaction представляет INVITE server transaction (RFC 3261 §17.2.1).
//
// Proceeding -> Completed (финальный не-2xx) -> Confirmed (ACK) -> Terminated.
// 2xx терминирует транзакцию сразу: его надежность обеспечивает диалоговый слой.
type InviteTransaction struct {
	*BaseTransaction

	// Для ретрансмиссий финального ответа
	retransmitCount   int
	currentRetransmit time.Duration
}

// NewInviteTransaction создает новую INVITE server transaction
func NewInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	source string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) *InviteTransaction {
	ist := &InviteTransaction{
		BaseTransaction:   NewBaseTransaction(id, key, request, source, tp, timers),
		currentRetransmit: timers.TimerG,
	}

	// INVITE серверная транзакция начинает в Proceeding
	ist.state = transaction.TransactionProceeding
	ist.self = ist

	return ist
}

// SendResponse отправляет ответ и продвигает автомат
func (t *InviteTransaction) SendResponse(resp *sip.Response) error {
	state := t.State()
	statusCode := int(resp.StatusCode)

	switch state {
	case transaction.TransactionProceeding:
		return t.sendResponseInProceeding(resp, statusCode)

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

// sendResponseInProceeding отправляет ответ из состояния Proceeding
func (t *InviteTransaction) sendResponseInProceeding(resp *sip.Response, statusCode int) error {
	switch {
	case statusCode >= 100 && statusCode <= 199:
		// Провизорные ответы не меняют состояние
		if err := t.sendResponse(resp); err != nil {
			t.notifyTransportErrorHandlers(err)
			t.Terminate()
			return err
		}
		t.notifyResponseHandlers(resp)
		return nil

	case statusCode >= 200 && statusCode <= 299:
		if err := t.sendResponse(resp); err != nil {
			t.notifyTransportErrorHandlers(err)
			t.Terminate()
			return err
		}
		t.notifyResponseHandlers(resp)
		t.Terminate()
		return nil

	case statusCode >= 300 && statusCode <= 699:
		// Автомат продвигается до отправки: ACK на финальный ответ
		// может прийти раньше, чем транспорт вернет управление
		t.changeState(transaction.TransactionCompleted)

		// Timer G - ретрансмиссия финального ответа (unreliable)
		if !t.reliable && t.timers.TimerG > 0 {
			t.startTimer(transaction.TimerG, t.handleTimerG)
		}

		// Timer H - таймаут ожидания ACK
		t.startTimer(transaction.TimerH, t.handleTimerH)

		if err := t.sendResponse(resp); err != nil {
			t.notifyTransportErrorHandlers(err)
			t.Terminate()
			return err
		}
		t.notifyResponseHandlers(resp)
		return nil
	}

	return transaction.NewTransactionError(t.id, "send response", t.State(),
		transaction.ErrInvalidResponse)
}

// handleTimerG обрабатывает срабатывание таймера G (ретрансмиссия ответа)
func (t *InviteTransaction) handleTimerG() {
	if t.State() != transaction.TransactionCompleted {
		return
	}

	if err := t.replayLastResponse(); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return
	}

	t.retransmitCount++

	t.currentRetransmit = transaction.GetNextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	t.timerManager.Reset(transaction.TimerG, t.currentRetransmit)
}

// handleTimerH обрабатывает срабатывание таймера H: ACK так и не пришел
func (t *InviteTransaction) handleTimerH() {
	if t.State() == transaction.TransactionCompleted {
		t.notifyTimeoutHandlers(transaction.TimerH)
		t.Terminate()
	}
}

// HandleACK обрабатывает получение ACK
func (t *InviteTransaction) HandleACK(ack *sip.Request) error {
	if ack.Method != sip.ACK {
		return transaction.NewTransactionError(t.id, "handle ACK", t.State(),
			transaction.ErrInvalidRequest)
	}

	switch t.State() {
	case transaction.TransactionCompleted:
		t.changeState(transaction.TransactionConfirmed)
		t.stopTimer(transaction.TimerG)
		t.stopTimer(transaction.TimerH)

		// Timer I поглощает ретрансмиссии ACK (unreliable)
		if !t.reliable && t.timers.TimerI > 0 {
			t.startTimer(transaction.TimerI, t.handleTimerI)
		} else {
			t.Terminate()
		}
		return nil

	case transaction.TransactionConfirmed:
		// Дубликаты ACK поглощаются
		return nil

	default:
		return transaction.NewTransactionError(t.id, "handle ACK", t.State(),
			transaction.ErrInvalidState)
	}
}

// handleTimerI обрабатывает срабатывание таймера I
func (t *InviteTransaction) handleTimerI() {
	if t.State() == transaction.TransactionConfirmed {
		t.Terminate()
	}
}

// HandleRequest обрабатывает ретрансмиссию INVITE:
// последний отправленный ответ повторяется
func (t *InviteTransaction) HandleRequest(req *sip.Request) error {
	if req.Method == sip.ACK {
		return t.HandleACK(req)
	}

	if req.Method != sip.INVITE {
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
