package transaction

import "github.com/google/uuid"

// GenerateTransactionID генерирует уникальный ID транзакции
func GenerateTransactionID() string {
	return uuid.NewString()
}
