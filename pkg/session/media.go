package session

import "context"

// MediaSession — узкий интерфейс медиа-слоя, через который координатор
// управляет жизненным циклом медиа вызова. Реализация обязана быть
// идемпотентной: повторный Stop остановленной сессии и повторный Start
// запущенной не являются ошибками.
type MediaSession interface {
	// Start запускает медиа-сессию вызова.
	Start(ctx context.Context, sessionID string) error

	// Stop останавливает медиа-сессию и освобождает её ресурсы.
	Stop(ctx context.Context, sessionID string) error

	// Hold ставит медиа-сессию на паузу.
	Hold(ctx context.Context, sessionID string) error

	// Resume снимает медиа-сессию с паузы.
	Resume(ctx context.Context, sessionID string) error

	// GenerateOffer строит локальное SDP-предложение для вызова.
	GenerateOffer(ctx context.Context, sessionID string) ([]byte, error)

	// GenerateAnswer строит SDP-ответ на удалённое предложение.
	GenerateAnswer(ctx context.Context, sessionID string, offer []byte) ([]byte, error)

	// ApplyRemoteSDP применяет SDP удалённой стороны к медиа-сессии.
	ApplyRemoteSDP(ctx context.Context, sessionID string, sdp []byte) error
}

// NopMediaSession — заглушка медиа-слоя для сигнальных сценариев без медиа.
type NopMediaSession struct{}

func (NopMediaSession) Start(context.Context, string) error  { return nil }
func (NopMediaSession) Stop(context.Context, string) error   { return nil }
func (NopMediaSession) Hold(context.Context, string) error   { return nil }
func (NopMediaSession) Resume(context.Context, string) error { return nil }
func (NopMediaSession) GenerateOffer(context.Context, string) ([]byte, error) {
	return nil, nil
}
func (NopMediaSession) GenerateAnswer(context.Context, string, []byte) ([]byte, error) {
	return nil, nil
}
func (NopMediaSession) ApplyRemoteSDP(context.Context, string, []byte) error {
	return nil
}

var _ MediaSession = (*NopMediaSession)(nil)
