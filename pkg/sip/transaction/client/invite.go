package client

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
)

// InviteTransaction представляет INVITE client transaction (RFC 3261 §17.1.1).
//
// Calling -> Proceeding -> Completed -> Terminated, с прямыми переходами
// Calling -> Terminated по таймауту (Timer B), транспортной ошибке и 2xx.
type InviteTransaction struct {
	*BaseTransaction

	// Для ретрансмиссий
	retransmitCount   int
	currentRetransmit time.Duration
}

// NewInviteTransaction создает новую INVITE client transaction
// и запускает ее: запрос отправляется, взводятся таймеры A и B.
func NewInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	dest string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) *InviteTransaction {
	ict := &InviteTransaction{
		BaseTransaction:   NewBaseTransaction(id, key, request, dest, tp, timers),
		currentRetransmit: timers.TimerA,
	}
	ict.self = ict

	go ict.start()

	return ict
}

// start отправляет начальный запрос и взводит таймеры состояния Calling
func (t *InviteTransaction) start() {
	if err := t.sendRequest(t.request); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return
	}

	// Timer A - ретрансмиссия запроса (только для unreliable транспорта)
	if !t.reliable && t.timers.TimerA > 0 {
		t.startTimer(transaction.TimerA, t.handleTimerA)
	}

	// Timer B - таймаут транзакции
	t.startTimer(transaction.TimerB, t.handleTimerB)
}

// handleTimerA обрабатывает срабатывание таймера A (ретрансмиссия)
func (t *InviteTransaction) handleTimerA() {
	if t.State() != transaction.TransactionCalling {
		return
	}

	if err := t.sendRequest(t.request); err != nil {
		t.notifyTransportErrorHandlers(err)
		t.Terminate()
		return
	}

	t.retransmitCount++

	// Удваиваем интервал до T2 и перевзводим таймер
	t.currentRetransmit = transaction.GetNextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	t.timerManager.Reset(transaction.TimerA, t.currentRetransmit)
}

// handleTimerB обрабатывает срабатывание таймера B (таймаут)
func (t *InviteTransaction) handleTimerB() {
	if t.State() != transaction.TransactionCalling {
		return
	}

	t.notifyTimeoutHandlers(transaction.TimerB)
	t.Terminate()
}

// HandleResponse обрабатывает входящий ответ
func (t *InviteTransaction) HandleResponse(resp *sip.Response) error {
	if err := t.handleResponse(resp); err != nil {
		return err
	}

	statusCode := int(resp.StatusCode)
	state := t.State()

	switch state {
	case transaction.TransactionCalling, transaction.TransactionProceeding:
		return t.handleResponseActive(resp, statusCode, state)
	case transaction.TransactionCompleted:
		return t.handleResponseInCompleted(resp, statusCode)
	case transaction.TransactionTerminated:
		// Поздний ответ после терминации - игнорируем
		return nil
	default:
		return transaction.NewTransactionError(t.id, "handle response", state,
			transaction.ErrInvalidState)
	}
}

// handleResponseActive обрабатывает ответ в состояниях Calling и Proceeding
func (t *InviteTransaction) handleResponseActive(resp *sip.Response, statusCode int, state transaction.TransactionState) error {
	switch {
	case statusCode >= 100 && statusCode <= 199:
		if state == transaction.TransactionCalling {
			// 1xx - переходим в Proceeding, гасим ретрансмиссии и таймаут
			t.changeState(transaction.TransactionProceeding)
			t.stopTimer(transaction.TimerA)
			t.stopTimer(transaction.TimerB)
		}
		t.notifyResponseHandlers(resp)
		return nil

	case statusCode >= 200 && statusCode <= 299:
		// 2xx - транзакция сразу терминируется; ACK для 2xx
		// отправляет диалоговый слой, не транзакция
		t.notifyResponseHandlers(resp)
		t.Terminate()
		return nil

	case statusCode >= 300 && statusCode <= 699:
		// Не-2xx финальный ответ - Completed, автоматический ACK, Timer D
		t.changeState(transaction.TransactionCompleted)
		t.stopTimer(transaction.TimerA)
		t.stopTimer(transaction.TimerB)

		if err := t.sendACK(resp); err != nil {
			t.notifyTransportErrorHandlers(err)
			t.Terminate()
			return err
		}

		t.startTimer(transaction.TimerD, t.handleTimerD)
		if t.timers.TimerD <= 0 {
			// Надежный транспорт: поглощать нечего
			t.notifyResponseHandlers(resp)
			t.Terminate()
			return nil
		}

		t.notifyResponseHandlers(resp)
		return nil
	}

	return transaction.NewTransactionError(t.id, "handle response", state,
		transaction.ErrInvalidResponse)
}

// handleResponseInCompleted поглощает ретрансмиссии финального ответа,
// повторяя ACK
func (t *InviteTransaction) handleResponseInCompleted(resp *sip.Response, statusCode int) error {
	if statusCode >= 300 && statusCode <= 699 {
		if err := t.sendACK(resp); err != nil {
			t.notifyTransportErrorHandlers(err)
			t.Terminate()
			return err
		}
	}
	return nil
}

// handleTimerD обрабатывает срабатывание таймера D
func (t *InviteTransaction) handleTimerD() {
	if t.State() == transaction.TransactionCompleted {
		t.Terminate()
	}
}

// sendACK строит и отправляет ACK для не-2xx финального ответа
func (t *InviteTransaction) sendACK(resp *sip.Response) error {
	ack, err := transaction.BuildACKForNon2xx(t.request, resp)
	if err != nil {
		return err
	}
	return t.sendRequest(ack)
}
