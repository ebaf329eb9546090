package transaction_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
	"github.com/arzzra/softswitch/pkg/sip/transaction/creator"
	"github.com/arzzra/softswitch/pkg/sip/transport/mockTransport"
)

// shortTimers — ужатые таймеры для быстрых тестов
func shortTimers() transaction.TransactionTimers {
	t1 := 20 * time.Millisecond
	return transaction.TransactionTimers{
		T1: t1,
		T2: 4 * t1,
		T4: 2 * t1,

		TimerA: t1,
		TimerB: 16 * t1,
		TimerD: 5 * t1,
		TimerE: t1,
		TimerF: 16 * t1,
		TimerG: t1,
		TimerH: 16 * t1,
		TimerI: 2 * t1,
		TimerJ: 4 * t1,
		TimerK: 2 * t1,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStack(t *testing.T, reg *mockTransport.Registry, addr string) (*transaction.Manager, *mockTransport.MockTransport) {
	t.Helper()
	tp := reg.CreateTransport(addr, false)
	m := transaction.NewManager(tp, creator.NewDefaultCreator(), quietLogger())
	m.SetTimers(shortTimers())
	t.Cleanup(func() { _ = m.Close() })
	return m, tp
}

// newOutgoingRequest строит запрос без Via: branch подставит менеджер
func newOutgoingRequest(method sip.RequestMethod, callID string) *sip.Request {
	recipient := sip.Uri{User: "bob", Host: "10.0.0.2", Port: 5060}
	req := sip.NewRequest(method, recipient)

	from := &sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "10.0.0.1"},
		Params:  sip.NewParams().Add("tag", "alice-tag"),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "10.0.0.2"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetBody(nil)
	return req
}

// TestNonInviteEndToEnd проверяет полный цикл non-INVITE транзакции:
// запрос, финальный ответ, поглощение по Timer K и удаление из таблицы
func TestNonInviteEndToEnd(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")
	mB, _ := newStack(t, reg, "10.0.0.2:5060")

	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil || req.Method != sip.OPTIONS {
			return
		}
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		require.NoError(t, tx.SendResponse(resp))
	})

	req := newOutgoingRequest(sip.OPTIONS, "nict-e2e@test")
	tx, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)
	assert.True(t, tx.IsClient())

	require.Eventually(t, func() bool {
		resp := tx.LastResponse()
		return resp != nil && int(resp.StatusCode) == 200
	}, time.Second, 5*time.Millisecond, "клиент не получил финальный ответ")

	// После Timer K транзакция терминируется и покидает таблицу
	require.Eventually(t, func() bool {
		return tx.IsTerminated() && mA.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	stats := mA.Stats()
	assert.GreaterOrEqual(t, stats.ResponsesReceived, uint64(1))
	assert.Zero(t, stats.OrphanResponses)
}

// TestInviteRejectedWithAutoACK проверяет, что не-2xx финальный ответ
// порождает автоматический ACK, а серверная транзакция доходит до Confirmed
func TestInviteRejectedWithAutoACK(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, tpA := newStack(t, reg, "10.0.0.1:5060")
	mB, _ := newStack(t, reg, "10.0.0.2:5060")

	serverTxCh := make(chan transaction.Transaction, 1)
	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil || req.Method != sip.INVITE {
			return
		}
		serverTxCh <- tx
		resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		resp.To().Params = resp.To().Params.Add("tag", "bob-tag")
		require.NoError(t, tx.SendResponse(resp))
	})

	req := newOutgoingRequest(sip.INVITE, "ict-reject@test")
	clientTx, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp := clientTx.LastResponse()
		return resp != nil && int(resp.StatusCode) == 486
	}, time.Second, 5*time.Millisecond)

	var serverTx transaction.Transaction
	select {
	case serverTx = <-serverTxCh:
	case <-time.After(time.Second):
		t.Fatal("серверная транзакция не создана")
	}

	// ACK доводит серверную транзакцию до Confirmed, затем Timer I терминирует
	require.Eventually(t, func() bool {
		state := serverTx.State()
		return state == transaction.TransactionConfirmed ||
			state == transaction.TransactionTerminated
	}, time.Second, 5*time.Millisecond, "ACK не дошел до серверной транзакции")

	// Клиент отправил как минимум INVITE и ACK
	assert.GreaterOrEqual(t, tpA.SentCount(), int64(2))

	require.Eventually(t, func() bool {
		return mA.ActiveCount() == 0 && mB.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}

// TestInvite2xxTerminatesImmediately проверяет, что 2xx сразу терминирует
// клиентскую INVITE транзакцию без ACK на транзакционном уровне
func TestInvite2xxTerminatesImmediately(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")
	mB, _ := newStack(t, reg, "10.0.0.2:5060")

	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil || req.Method != sip.INVITE {
			return
		}
		ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
		require.NoError(t, tx.SendResponse(ringing))

		ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
		ok.To().Params = ok.To().Params.Add("tag", "bob-tag")
		require.NoError(t, tx.SendResponse(ok))
	})

	responses := make(chan int, 4)
	mA.OnResponse(func(tx transaction.Transaction, resp *sip.Response) {
		responses <- int(resp.StatusCode)
	})

	req := newOutgoingRequest(sip.INVITE, "ict-2xx@test")
	clientTx, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return clientTx.IsTerminated()
	}, time.Second, 5*time.Millisecond)

	resp := clientTx.LastResponse()
	require.NotNil(t, resp)
	assert.Equal(t, 200, int(resp.StatusCode))

	// Получены и 1xx, и 2xx
	got := map[int]bool{}
	for len(responses) > 0 {
		got[<-responses] = true
	}
	assert.True(t, got[180], "1xx не доставлен подписчикам")
	assert.True(t, got[200], "2xx не доставлен подписчикам")
}

// TestInviteTimeoutWithRetransmissions проверяет Timer A (ретрансмиссии)
// и Timer B (таймаут) при молчащей удаленной стороне
func TestInviteTimeoutWithRetransmissions(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, tpA := newStack(t, reg, "10.0.0.1:5060")

	timeouts := make(chan transaction.TimerID, 1)
	req := newOutgoingRequest(sip.INVITE, "ict-timeout@test")

	// Адрес не зарегистрирован в реестре: запросы уходят в никуда
	tx, err := mA.SendRequest(req, "10.0.0.99:5060")
	require.NoError(t, err)

	tx.OnTimeout(func(_ transaction.Transaction, timer transaction.TimerID) {
		select {
		case timeouts <- timer:
		default:
		}
	})

	require.Eventually(t, func() bool {
		return tx.IsTerminated()
	}, 2*time.Second, 10*time.Millisecond, "транзакция не терминировалась по таймауту")

	select {
	case timer := <-timeouts:
		assert.Equal(t, transaction.TimerB, timer)
	case <-time.After(time.Second):
		t.Fatal("обработчик таймаута не вызван")
	}

	// Timer A успел сделать хотя бы одну ретрансмиссию
	assert.GreaterOrEqual(t, tpA.SentCount(), int64(2))

	stats := mA.Stats()
	assert.Equal(t, uint64(1), stats.TimedOutTransactions)
}

// TestOrphanResponseDropped проверяет, что ответ без матчащейся транзакции
// отбрасывается с учетом в статистике, не создавая транзакцию
func TestOrphanResponseDropped(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")

	req := newOutgoingRequest(sip.OPTIONS, "orphan@test")
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-unknown"),
	}
	req.PrependHeader(via)
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)

	mA.HandleMessage(resp, "10.0.0.2:5060")

	assert.Equal(t, uint64(1), mA.Stats().OrphanResponses)
	assert.Zero(t, mA.ActiveCount())
}

// TestServerReplaysFinalResponse проверяет поглощение ретрансмиссии запроса:
// повторный запрос не создает вторую транзакцию, последний ответ повторяется
func TestServerReplaysFinalResponse(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mB, tpB := newStack(t, reg, "10.0.0.2:5060")

	// Сырой транспорт без менеджера имитирует ретрансмиссии клиента
	tpRaw := reg.CreateTransport("10.0.0.9:5060", false)

	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil {
			return
		}
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = tx.SendResponse(resp)
	})

	req := newOutgoingRequest(sip.OPTIONS, "replay@test")
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.9",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-replay1"),
	}
	req.PrependHeader(via)

	require.NoError(t, tpRaw.Send(req, "10.0.0.2:5060"))
	require.Eventually(t, func() bool {
		return tpB.SentCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Ретрансмиссия того же запроса
	require.NoError(t, tpRaw.Send(req, "10.0.0.2:5060"))
	require.Eventually(t, func() bool {
		return tpB.SentCount() == 2
	}, time.Second, 5*time.Millisecond, "финальный ответ не повторен")

	assert.Equal(t, uint64(1), mB.Stats().DuplicateRequests)
	assert.LessOrEqual(t, mB.ActiveCount(), 1)
}

// TestHandlersReceiveConcreteTransaction проверяет, что обработчикам
// транзакции передается конкретная машина состояний, а не встроенная база
func TestHandlersReceiveConcreteTransaction(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")
	mB, _ := newStack(t, reg, "10.0.0.2:5060")

	serverTxCh := make(chan transaction.Transaction, 1)
	serverInner := make(chan transaction.Transaction, 8)
	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil || req.Method != sip.INVITE {
			return
		}
		tx.OnStateChange(func(inner transaction.Transaction, _, _ transaction.TransactionState) {
			select {
			case serverInner <- inner:
			default:
			}
		})
		serverTxCh <- tx
		resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		resp.To().Params = resp.To().Params.Add("tag", "bob-tag")
		require.NoError(t, tx.SendResponse(resp))
	})

	clientInner := make(chan transaction.Transaction, 8)
	req := newOutgoingRequest(sip.INVITE, "concrete-tx@test")
	clientTx, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)
	clientTx.OnStateChange(func(inner transaction.Transaction, _, _ transaction.TransactionState) {
		select {
		case clientInner <- inner:
		default:
		}
	})

	var serverTx transaction.Transaction
	select {
	case serverTx = <-serverTxCh:
	case <-time.After(time.Second):
		t.Fatal("серверная транзакция не создана")
	}

	select {
	case inner := <-serverInner:
		assert.Same(t, serverTx, inner)
		_, ok := inner.(interface{ HandleACK(*sip.Request) error })
		assert.True(t, ok, "обработчику передана не серверная INVITE машина")
	case <-time.After(time.Second):
		t.Fatal("серверный обработчик состояния не вызван")
	}

	select {
	case inner := <-clientInner:
		assert.Same(t, clientTx, inner)
	case <-time.After(time.Second):
		t.Fatal("клиентский обработчик состояния не вызван")
	}
}

// TestFastACKAbsorbedWithoutRetransmit проверяет, что ACK, пришедший сразу
// за финальным ответом, принимается сервером без цикла ретрансмиссий
func TestFastACKAbsorbedWithoutRetransmit(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")
	mB, tpB := newStack(t, reg, "10.0.0.2:5060")

	serverTxCh := make(chan transaction.Transaction, 1)
	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil || req.Method != sip.INVITE {
			return
		}
		serverTxCh <- tx
		resp := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		resp.To().Params = resp.To().Params.Add("tag", "bob-tag")
		require.NoError(t, tx.SendResponse(resp))
	})

	req := newOutgoingRequest(sip.INVITE, "fast-ack@test")
	_, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)

	var serverTx transaction.Transaction
	select {
	case serverTx = <-serverTxCh:
	case <-time.After(time.Second):
		t.Fatal("серверная транзакция не создана")
	}

	// Loopback доставляет автоматический ACK синхронно, еще до возврата
	// из SendResponse: сервер обязан принять его из Completed
	require.Eventually(t, func() bool {
		state := serverTx.State()
		return state == transaction.TransactionConfirmed ||
			state == transaction.TransactionTerminated
	}, time.Second, 5*time.Millisecond, "быстрый ACK не принят")

	// Финальный ответ ушел ровно один раз: Timer G не понадобился
	time.Sleep(4 * shortTimers().TimerG)
	assert.Equal(t, int64(1), tpB.SentCount())
}

// TestCancelCarriesInviteBranch проверяет, что CANCEL через менеджер несет
// branch отменяемого INVITE и живет отдельной non-INVITE транзакцией
func TestCancelCarriesInviteBranch(t *testing.T) {
	reg := mockTransport.NewRegistry()
	mA, _ := newStack(t, reg, "10.0.0.1:5060")
	mB, _ := newStack(t, reg, "10.0.0.2:5060")

	inviteBranchCh := make(chan string, 1)
	cancelBranchCh := make(chan string, 1)
	mB.OnRequest(func(tx transaction.Transaction, req *sip.Request) {
		if tx == nil {
			return
		}
		branch := ""
		if via := req.Via(); via != nil {
			branch, _ = via.Params.Get("branch")
		}
		switch req.Method {
		case sip.INVITE:
			inviteBranchCh <- branch
			ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
			require.NoError(t, tx.SendResponse(ringing))
		case sip.CANCEL:
			cancelBranchCh <- branch
			resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
			require.NoError(t, tx.SendResponse(resp))
		}
	})

	req := newOutgoingRequest(sip.INVITE, "cancel-branch@test")
	inviteTx, err := mA.SendRequest(req, "10.0.0.2:5060")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return inviteTx.State() == transaction.TransactionProceeding
	}, time.Second, 5*time.Millisecond, "INVITE не дошел до Proceeding")

	cancelTx, err := mA.CancelTransaction(inviteTx.Key())
	require.NoError(t, err)
	assert.NotEqual(t, inviteTx.Key(), cancelTx.Key())
	assert.True(t, cancelTx.IsClient())

	var inviteBranch, cancelBranch string
	select {
	case inviteBranch = <-inviteBranchCh:
	case <-time.After(time.Second):
		t.Fatal("INVITE не доставлен")
	}
	select {
	case cancelBranch = <-cancelBranchCh:
	case <-time.After(time.Second):
		t.Fatal("CANCEL не доставлен")
	}

	require.NotEmpty(t, inviteBranch)
	assert.Equal(t, inviteBranch, cancelBranch, "CANCEL несет чужой branch")
}
