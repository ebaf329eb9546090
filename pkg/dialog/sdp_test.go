package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

const testAnswer = "v=0\r\n" +
	"o=bob 2890844527 2890844527 IN IP4 192.168.1.100\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"t=0 0\r\n" +
	"m=audio 3456 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestNegotiationOfferAnswer(t *testing.T) {
	n := NewNegotiationContext()
	assert.Equal(t, NegotiationIdle, n.State())

	require.NoError(t, n.SetLocalOffer([]byte(testOffer)))
	assert.Equal(t, OfferSent, n.State())

	require.NoError(t, n.SetRemoteAnswer([]byte(testAnswer)))
	assert.Equal(t, NegotiationComplete, n.State())

	host, port, err := n.RemoteMediaEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", host)
	assert.Equal(t, 3456, port)

	addr, err := n.RemoteMediaAddr()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100:3456", addr)
}

func TestNegotiationRemoteOfferLocalAnswer(t *testing.T) {
	n := NewNegotiationContext()

	require.NoError(t, n.SetRemoteOffer([]byte(testAnswer)))
	assert.Equal(t, OfferReceived, n.State())

	require.NoError(t, n.SetLocalAnswer([]byte(testOffer)))
	assert.Equal(t, NegotiationComplete, n.State())
}

func TestNegotiationOutOfSequence(t *testing.T) {
	n := NewNegotiationContext()

	// Ответ до предложения
	err := n.SetRemoteAnswer([]byte(testAnswer))
	assert.ErrorIs(t, err, ErrNegotiationState)

	require.NoError(t, n.SetLocalOffer([]byte(testOffer)))

	// Второе предложение во время ожидания ответа
	err = n.SetLocalOffer([]byte(testOffer))
	assert.ErrorIs(t, err, ErrNegotiationState)
}

// TestNegotiationRenegotiation проверяет повторные переговоры после Complete
func TestNegotiationRenegotiation(t *testing.T) {
	n := NewNegotiationContext()
	require.NoError(t, n.SetLocalOffer([]byte(testOffer)))
	require.NoError(t, n.SetRemoteAnswer([]byte(testAnswer)))

	// re-INVITE: новое предложение поверх завершенных переговоров
	require.NoError(t, n.SetLocalOffer([]byte(testOffer)))
	assert.Equal(t, OfferSent, n.State())
}

func TestNegotiationRejectsGarbage(t *testing.T) {
	n := NewNegotiationContext()
	err := n.SetLocalOffer([]byte("not an sdp"))
	assert.Error(t, err)
	assert.Equal(t, NegotiationIdle, n.State())
}

func TestNegotiationReset(t *testing.T) {
	n := NewNegotiationContext()
	require.NoError(t, n.SetLocalOffer([]byte(testOffer)))

	n.Reset()
	assert.Equal(t, NegotiationIdle, n.State())
	assert.Nil(t, n.LocalSDP())
	assert.Nil(t, n.RemoteSDP())
}
