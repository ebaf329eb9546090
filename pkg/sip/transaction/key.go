package transaction

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// magicCookie обязательный префикс branch параметра согласно RFC 3261 §8.1.1.7
const magicCookie = "z9hG4bK"

// KeyFromRequest строит серверный ключ транзакции по входящему запросу.
// Branch берется из верхнего Via; ACK отображается на ключ INVITE
// транзакции (RFC 3261 §17.2.3: ACK для не-2xx матчится в ту же
// серверную INVITE транзакцию).
func KeyFromRequest(req *sip.Request) (TransactionKey, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return TransactionKey{}, err
	}

	method := req.Method
	if method == sip.ACK {
		method = sip.INVITE
	}

	return TransactionKey{
		Branch:   branch,
		Method:   method,
		IsServer: true,
	}, nil
}

// KeyFromResponse строит клиентский ключ транзакции по входящему ответу.
// Метод берется из CSeq - это метод исходного запроса, а не ответа.
func KeyFromResponse(resp *sip.Response) (TransactionKey, error) {
	branch, err := topViaBranch(resp)
	if err != nil {
		return TransactionKey{}, err
	}

	cseq := resp.CSeq()
	if cseq == nil {
		return TransactionKey{}, ErrMissingCSeq
	}

	return TransactionKey{
		Branch:   branch,
		Method:   cseq.MethodName,
		IsServer: false,
	}, nil
}

// ClientKey строит клиентский ключ для исходящего запроса.
// В отличие от KeyFromRequest метод не отображается: исходящий ACK
// не порождает собственной транзакции и сюда не попадает.
func ClientKey(req *sip.Request) (TransactionKey, error) {
	branch, err := topViaBranch(req)
	if err != nil {
		return TransactionKey{}, err
	}

	return TransactionKey{
		Branch:   branch,
		Method:   req.Method,
		IsServer: false,
	}, nil
}

// MatchingKey строит ключ для поиска транзакции по входящему сообщению:
// для запроса - серверный, для ответа - клиентский.
func MatchingKey(msg sip.Message) (TransactionKey, error) {
	switch m := msg.(type) {
	case *sip.Request:
		return KeyFromRequest(m)
	case *sip.Response:
		return KeyFromResponse(m)
	default:
		return TransactionKey{}, ErrInvalidRequest
	}
}

// topViaBranch извлекает branch из верхнего Via заголовка
func topViaBranch(msg sip.Message) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", ErrMissingVia
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", ErrMissingBranch
	}

	if !strings.HasPrefix(branch, magicCookie) {
		return "", ErrInvalidBranch
	}

	return branch, nil
}

// GenerateBranch генерирует новый RFC 3261 branch параметр
func GenerateBranch() string {
	return sip.GenerateBranch()
}

// String возвращает строковое представление ключа транзакции
func (k TransactionKey) String() string {
	role := "client"
	if k.IsServer {
		role = "server"
	}
	return fmt.Sprintf("%s|%s|%s", k.Branch, k.Method, role)
}

// Validate проверяет валидность ключа транзакции
func (k TransactionKey) Validate() error {
	if k.Branch == "" {
		return ErrMissingBranch
	}
	if !strings.HasPrefix(k.Branch, magicCookie) {
		return ErrInvalidBranch
	}
	if k.Method == "" {
		return ErrInvalidRequest
	}
	return nil
}
