package client

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// NonInviteTransaction представляет non-INVITE client transaction
// (RFC 3261 §17.1.2): Trying -> Proceeding -> Completed -> Terminated.
type NonInviteTransaction struct {
	*BaseTransaction

	// Для ретрансмиссий
	retransmitCount   int
	currentRetransmit time.Duration
}

// NewNonInviteTransaction создает новую non-INVITE client transaction
// и запускает ее: запрос отправляется, взводятся таймеры E и F.
func NewNonInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	dest string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) *NonInviteTransaction {
	nict := &NonInviteTransaction{
		BaseTransaction:   NewBaseTransaction(id, key, request, dest, tp, timers),
		currentRetransmit: timers.TimerE,
	}

	// Non-INVITE клиентская транзакция начинает в Trying
	nict.state = transaction.TransactionTrying
	nict.self = nict

	go nict.start()

	return nict
}

// start отправляет начальный запрос и взводит таймеры состояния Trying
func (t *NonInviteTransaction) start() {
	if err := t.sendRequest(t.request); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return
	}

	// Timer E - ретрансмиссия запроса (только для unreliable транспорта)
	if !t.reliable && t.timers.TimerE > 0 {
		t.startTimer(transaction.TimerE, t.handleTimerE)
	}

	// Timer F - таймаут транзакции
	t.startTimer(transaction.TimerF, t.handleTimerF)
}

// handleTimerE обрабатывает срабатывание таймера E (ретрансмиссия)
func (t *NonInviteTransaction) handleTimerE() {
	state := t.State()
	if state != transaction.TransactionTrying && state != transaction.TransactionProceeding {
		return
	}

	if err := t.sendRequest(t.request); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return
	}

	t.retransmitCount++

	if state == transaction.TransactionTrying {
		// В Trying интервал удваивается до T2
		t.currentRetransmit = transaction.GetNextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	} else {
		// В Proceeding ретрансмиссия идет с постоянным интервалом T2
		t.currentRetransmit = t.timers.T2
	}

	t.timerManager.Reset(transaction.TimerE, t.currentRetransmit)
}

// handleTimerF обрабатывает срабатывание таймера F (таймаут)
func (t *NonInviteTransaction) handleTimerF() {
	state := t.State()
	if state == transaction.TransactionTrying || state == transaction.TransactionProceeding {
		t.notifyTimeoutHandlers(transaction.TimerF)
		t.Terminate()
	}
}

// HandleResponse обрабатывает входящий ответ
func (t *NonInviteTransaction) HandleResponse(resp *sip.Response) error {
	if err := t.handleResponse(resp); err != nil {
		return err
	}

	statusCode := int(resp.StatusCode)
	state := t.State()

	switch state {
	case transaction.TransactionTrying, transaction.TransactionProceeding:
		return t.handleResponseActive(resp, statusCode, state)
	case transaction.TransactionCompleted, transaction.TransactionTerminated:
		// Ретрансмиссии финального ответа поглощаются
		return nil
	default:
		return transaction.NewTransactionError(t.id, "handle response", state,
			transaction.ErrInvalidState)
	}
}

// handleResponseActive обрабатывает ответ в состояниях Trying и Proceeding
func (t *NonInviteTransaction) handleResponseActive(resp *sip.Response, statusCode int, state transaction.TransactionState) error {
	switch {
	case statusCode >= 100 && statusCode <= 199:
		if state == transaction.TransactionTrying {
			t.changeState(transaction.TransactionProceeding)
		}
		t.notifyResponseHandlers(resp)
		return nil

	case statusCode >= 200 && statusCode <= 699:
		// Финальный ответ - Completed, Timer K поглощает дубликаты
		t.changeState(transaction.TransactionCompleted)
		t.stopTimer(transaction.TimerE)
		t.stopTimer(transaction.TimerF)

		t.notifyResponseHandlers(resp)

		if !t.reliable && t.timers.TimerK > 0 {
			t.startTimer(transaction.TimerK, t.handleTimerK)
		} else {
			// Для надежного транспорта Timer K = 0
			t.Terminate()
		}
		return nil
	}

	return transaction.NewTransactionError(t.id, "handle response", state,
		transaction.ErrInvalidResponse)
}

// handleTimerK обрабатывает срабатывание таймера K
func (t *NonInviteTransaction) handleTimerK() {
	if t.State() == transaction.TransactionCompleted {
		t.Terminate()
	}
}

// Cancel возвращает ошибку: non-INVITE транзакции не отменяются
func (t *NonInviteTransaction) Cancel() error {
	return transaction.NewTransactionError(t.id, "cancel", t.State(),
		transaction.ErrCannotCancel)
}
