package mockTransport

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softswitch/pkg/sip/transport"
)

func newTestMessage() *sip.Request {
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{User: "bob", Host: "10.0.0.2"})
	cid := sip.CallIDHeader("mock@test")
	req.AppendHeader(&cid)
	req.SetBody(nil)
	return req
}

func TestMockDelivery(t *testing.T) {
	reg := NewRegistry()
	a := reg.CreateTransport("10.0.0.1:5060", false)
	b := reg.CreateTransport("10.0.0.2:5060", false)

	received := make(chan string, 1)
	b.OnMessage(func(_ sip.Message, src string) {
		received <- src
	})

	require.NoError(t, a.Send(newTestMessage(), "10.0.0.2:5060"))

	select {
	case src := <-received:
		assert.Equal(t, "10.0.0.1:5060", src)
	default:
		t.Fatal("сообщение не доставлено")
	}
	assert.Equal(t, int64(1), a.SentCount())
}

func TestMockUnknownDestination(t *testing.T) {
	reg := NewRegistry()
	a := reg.CreateTransport("10.0.0.1:5060", false)

	// Незарегистрированный адресат: сообщение молча теряется
	require.NoError(t, a.Send(newTestMessage(), "10.0.0.99:5060"))
	assert.Equal(t, int64(1), a.SentCount())
}

func TestMockFailSend(t *testing.T) {
	reg := NewRegistry()
	a := reg.CreateTransport("10.0.0.1:5060", false)

	a.SetFailSend(true)
	err := a.Send(newTestMessage(), "10.0.0.2:5060")
	assert.ErrorIs(t, err, transport.ErrSendFailed)
	assert.Zero(t, a.SentCount())

	a.SetFailSend(false)
	assert.NoError(t, a.Send(newTestMessage(), "10.0.0.2:5060"))
}

func TestMockClose(t *testing.T) {
	reg := NewRegistry()
	a := reg.CreateTransport("10.0.0.1:5060", false)
	b := reg.CreateTransport("10.0.0.2:5060", false)

	require.NoError(t, b.Close())
	assert.True(t, b.IsClosed())

	// Закрытый транспорт выпал из реестра, доставка в него невозможна
	delivered := false
	b.OnMessage(func(_ sip.Message, _ string) { delivered = true })
	require.NoError(t, a.Send(newTestMessage(), "10.0.0.2:5060"))
	assert.False(t, delivered)

	err := b.Send(newTestMessage(), "10.0.0.1:5060")
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
	assert.ErrorIs(t, b.Close(), transport.ErrTransportClosed)
}

func TestMockReliableFlag(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.CreateTransport("10.0.0.1:5060", false).IsReliable())
	assert.True(t, reg.CreateTransport("10.0.0.1:5061", true).IsReliable())
}
