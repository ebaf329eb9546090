// Package auth реализует digest аутентификацию клиентских запросов
// (RFC 3261 §22): обработку 401/407 и построение повторного запроса
// с Authorization/Proxy-Authorization заголовком.
package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	// ErrNotChallenge is returned when response is not a 401/407 challenge
	ErrNotChallenge = errors.New("response is not an authentication challenge")

	// ErrMissingChallenge is returned when challenge header is absent
	ErrMissingChallenge = errors.New("missing authentication challenge header")

	// ErrMissingCSeq is returned when request has no CSeq to increment
	ErrMissingCSeq = errors.New("request has no CSeq header")
)

// Credentials учетные данные для digest аутентификации
type Credentials struct {
	Username string
	Password string

	// AuthUsername используется вместо Username, если задан
	// (у некоторых провайдеров auth id отличается от номера)
	AuthUsername string
}

func (c Credentials) authUser() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	return c.Username
}

// challengeHeaderNames возвращает имена заголовков челленджа и ответа
// на него в зависимости от кода: 401 - WWW-Authenticate/Authorization,
// 407 - Proxy-Authenticate/Proxy-Authorization.
func challengeHeaderNames(statusCode int) (string, string, error) {
	switch statusCode {
	case 401:
		return "WWW-Authenticate", "Authorization", nil
	case 407:
		return "Proxy-Authenticate", "Proxy-Authorization", nil
	default:
		return "", "", ErrNotChallenge
	}
}

// BuildAuthorization вычисляет значение авторизационного заголовка для
// повторной отправки запроса req после челленджа resp.
// Возвращает имя заголовка и его значение.
func BuildAuthorization(req *sip.Request, resp *sip.Response, creds Credentials) (string, string, error) {
	chalHeader, authzHeader, err := challengeHeaderNames(int(resp.StatusCode))
	if err != nil {
		return "", "", err
	}

	hdr := resp.GetHeader(chalHeader)
	if hdr == nil {
		return "", "", fmt.Errorf("%w: %s", ErrMissingChallenge, chalHeader)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", "", fmt.Errorf("parsing challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: creds.authUser(),
		Password: creds.Password,
	})
	if err != nil {
		return "", "", fmt.Errorf("computing digest: %w", err)
	}

	return authzHeader, cred.String(), nil
}

// RetryWithAuth строит повторный запрос по челленджу: клон исходного
// запроса с авторизационным заголовком и инкрементированным CSeq.
// Branch в Via обновляет транзакционный слой при отправке.
func RetryWithAuth(req *sip.Request, resp *sip.Response, creds Credentials) (*sip.Request, error) {
	authzHeader, value, err := BuildAuthorization(req, resp, creds)
	if err != nil {
		return nil, err
	}

	authReq := req.Clone()

	// Старый авторизационный заголовок не должен дублироваться
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, value))

	cseq := authReq.CSeq()
	if cseq == nil {
		return nil, ErrMissingCSeq
	}
	cseq.SeqNo++

	return authReq, nil
}
