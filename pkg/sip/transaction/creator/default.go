// Package creator связывает менеджер транзакций с конкретными
// реализациями автоматов, разрывая циклический импорт.
package creator

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
	"github.com/arzzra/softswitch/pkg/sip/transaction/client"
	"github.com/arzzra/softswitch/pkg/sip/transaction/server"
)

// DefaultCreator реализует TransactionCreator стандартными автоматами
type DefaultCreator struct{}

// NewDefaultCreator создает новый создатель транзакций по умолчанию
func NewDefaultCreator() transaction.TransactionCreator {
	return &DefaultCreator{}
}

// CreateClientInviteTransaction создает INVITE клиентскую транзакцию
func (c *DefaultCreator) CreateClientInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	dest string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) transaction.Transaction {
	return client.NewInviteTransaction(id, key, request, dest, tp, timers)
}

// CreateClientNonInviteTransaction создает non-INVITE клиентскую транзакцию
func (c *DefaultCreator) CreateClientNonInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	dest string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) transaction.Transaction {
	return client.NewNonInviteTransaction(id, key, request, dest, tp, timers)
}

// CreateServerInviteTransaction создает INVITE серверную транзакцию
func (c *DefaultCreator) CreateServerInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	source string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) transaction.Transaction {
	return server.NewInviteTransaction(id, key, request, source, tp, timers)
}

// CreateServerNonInviteTransaction создает non-INVITE серверную транзакцию
func (c *DefaultCreator) CreateServerNonInviteTransaction(
	id string,
	key transaction.TransactionKey,
	request *sip.Request,
	source string,
	tp transaction.TransactionTransport,
	timers transaction.TransactionTimers,
) transaction.Transaction {
	return server.NewNonInviteTransaction(id, key, request, source, tp, timers)
}
