package auth

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegisterRequest() *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: "sip.example.com"})

	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "sip.example.com"},
		Params:  sip.NewParams().Add("tag", "reg-tag"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "alice", Host: "sip.example.com"},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader("register@test")
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.SetBody(nil)
	return req
}

func newChallenge(req *sip.Request, statusCode int, header, value string) *sip.Response {
	reason := "Unauthorized"
	if statusCode == 407 {
		reason = "Proxy Authentication Required"
	}
	resp := sip.NewResponseFromRequest(req, statusCode, reason, nil)
	resp.AppendHeader(sip.NewHeader(header, value))
	return resp
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TestBuildAuthorizationComputesDigest проверяет вычисление digest ответа
// на челлендж без qop (RFC 2617 схема)
func TestBuildAuthorizationComputesDigest(t *testing.T) {
	req := newRegisterRequest()
	resp := newChallenge(req, 401, "WWW-Authenticate",
		`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)

	creds := Credentials{Username: "alice", Password: "secret"}
	header, value, err := BuildAuthorization(req, resp, creds)
	require.NoError(t, err)
	assert.Equal(t, "Authorization", header)

	parsed, err := digest.ParseCredentials(value)
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.Username)
	assert.Equal(t, "sip.example.com", parsed.Realm)
	assert.Equal(t, "abc123", parsed.Nonce)
	assert.Equal(t, req.Recipient.String(), parsed.URI)

	ha1 := md5hex("alice:sip.example.com:secret")
	ha2 := md5hex("REGISTER:" + req.Recipient.String())
	assert.Equal(t, md5hex(ha1+":abc123:"+ha2), parsed.Response)
}

func TestBuildAuthorizationProxyChallenge(t *testing.T) {
	req := newRegisterRequest()
	resp := newChallenge(req, 407, "Proxy-Authenticate",
		`Digest realm="proxy.example.com", nonce="xyz789", algorithm=MD5`)

	header, _, err := BuildAuthorization(req, resp, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "Proxy-Authorization", header)
}

func TestBuildAuthorizationAuthUsername(t *testing.T) {
	req := newRegisterRequest()
	resp := newChallenge(req, 401, "WWW-Authenticate",
		`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)

	// Провайдер с отдельным auth id
	creds := Credentials{Username: "+79990001122", AuthUsername: "user77", Password: "secret"}
	_, value, err := BuildAuthorization(req, resp, creds)
	require.NoError(t, err)

	parsed, err := digest.ParseCredentials(value)
	require.NoError(t, err)
	assert.Equal(t, "user77", parsed.Username)
}

func TestBuildAuthorizationRejectsNonChallenge(t *testing.T) {
	req := newRegisterRequest()

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_, _, err := BuildAuthorization(req, resp, Credentials{Username: "alice"})
	assert.ErrorIs(t, err, ErrNotChallenge)

	// 401 без заголовка челленджа
	bare := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	_, _, err = BuildAuthorization(req, bare, Credentials{Username: "alice"})
	assert.ErrorIs(t, err, ErrMissingChallenge)
}

// TestRetryWithAuth проверяет построение повторного запроса: авторизационный
// заголовок добавлен, CSeq инкрементирован, исходный запрос не тронут
func TestRetryWithAuth(t *testing.T) {
	req := newRegisterRequest()
	resp := newChallenge(req, 401, "WWW-Authenticate",
		`Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)

	retry, err := RetryWithAuth(req, resp, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	require.NotNil(t, retry.GetHeader("Authorization"))
	require.NotNil(t, retry.CSeq())
	assert.Equal(t, uint32(2), retry.CSeq().SeqNo)

	// Исходный запрос остался прежним
	assert.Equal(t, uint32(1), req.CSeq().SeqNo)
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestRetryWithAuthReplacesStaleHeader(t *testing.T) {
	req := newRegisterRequest()
	req.AppendHeader(sip.NewHeader("Authorization", `Digest username="stale"`))
	resp := newChallenge(req, 401, "WWW-Authenticate",
		`Digest realm="sip.example.com", nonce="fresh", algorithm=MD5`)

	retry, err := RetryWithAuth(req, resp, Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	headers := retry.GetHeaders("Authorization")
	require.Len(t, headers, 1)
	assert.Contains(t, headers[0].Value(), `nonce="fresh"`)
}
