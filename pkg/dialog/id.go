package dialog

import (
	"strings"

	"github.com/google/uuid"
)

// DialogKey — идентичность диалога по RFC 3261: Call-ID плюс локальный и удалённый теги.
// Удалённый тег может быть пустым, пока диалог находится в ранней фазе.
type DialogKey struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String возвращает строковое представление ключа в формате "callID:localTag:remoteTag".
// Пустой удалённый тег отображается как "pending".
func (k DialogKey) String() string {
	builder := strings.Builder{}
	builder.WriteString(k.CallID)
	builder.WriteString(":")
	builder.WriteString(k.LocalTag)
	builder.WriteString(":")
	if k.RemoteTag == "" {
		builder.WriteString("pending")
	} else {
		builder.WriteString(k.RemoteTag)
	}
	return builder.String()
}

// IsComplete сообщает, установлены ли все три компонента ключа.
func (k DialogKey) IsComplete() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

// GenerateDialogID генерирует процессно-уникальный идентификатор диалога.
func GenerateDialogID() string {
	return uuid.NewString()
}

// GenerateTag генерирует новый локальный тег для заголовков From/To.
func GenerateTag() string {
	return uuid.NewString()[:8]
}
