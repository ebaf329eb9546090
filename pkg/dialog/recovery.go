package dialog

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/softswitch/pkg/sip/transaction"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Параметры восстановления по умолчанию.
const (
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryCooldown    = 5 * time.Second
	DefaultInitialRetryDelay   = 500 * time.Millisecond
	DefaultMaxRetryDelay       = 5 * time.Second
	DefaultProbeTimeout        = 3 * time.Second
)

// RecoveryConfig — параметры цикла восстановления диалога.
type RecoveryConfig struct {
	// MaxAttempts - максимальное число OPTIONS-зондов до прекращения восстановления
	MaxAttempts uint32
	// CooldownPeriod - окно после успешного восстановления, в течение которого
	// новое восстановление не начинается
	CooldownPeriod time.Duration
	// InitialRetryDelay - задержка перед повторным зондом, удваивается с каждой попыткой
	InitialRetryDelay time.Duration
	// MaxRetryDelay - верхняя граница задержки между зондами
	MaxRetryDelay time.Duration
	// ProbeTimeout - время ожидания ответа на один зонд
	ProbeTimeout time.Duration
}

// DefaultRecoveryConfig возвращает конфигурацию восстановления по умолчанию.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:       DefaultMaxRecoveryAttempts,
		CooldownPeriod:    DefaultRecoveryCooldown,
		InitialRetryDelay: DefaultInitialRetryDelay,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		ProbeTimeout:      DefaultProbeTimeout,
	}
}

// NeedsRecovery сообщает, следует ли начинать восстановление диалога.
// Истина только когда выполнены все условия: состояние Confirmed или Early,
// известен адрес удалённой стороны и с момента последнего успешного
// восстановления прошло не меньше cooldown.
func NeedsRecovery(d *Dialog, cooldown time.Duration) bool {
	state := d.State()
	if state != Confirmed && state != Early {
		return false
	}
	if d.LastKnownRemoteAddr() == "" {
		return false
	}
	if recoveredAt := d.RecoveredAt(); !recoveredAt.IsZero() && time.Since(recoveredAt) < cooldown {
		return false
	}
	return true
}

// CreateRecoveryOptionsRequest строит OPTIONS-зонд с идентичностью диалога.
// CSeq зонда не трогает персистентный счётчик диалога. Заголовок Via со свежим
// branch добавляет транзакционный слой при отправке. Возвращает запрос и адрес
// назначения (последний известный адрес удалённой стороны).
func (d *Dialog) CreateRecoveryOptionsRequest() (*sip.Request, string, error) {
	if d.State() != Recovering {
		return nil, "", errors.Wrap(ErrNotRecovering, "cannot build recovery probe")
	}

	d.mu.RLock()
	addr := d.lastKnownRemoteAddr
	target := d.remoteTarget
	localURI := d.localURI
	remoteURI := d.remoteURI
	localTag := d.localTag
	remoteTag := d.remoteTag
	callID := d.callID
	d.mu.RUnlock()

	if addr == "" {
		return nil, "", errors.Wrap(ErrNoRemoteAddr, "cannot build recovery probe")
	}
	if target.Host == "" {
		target = remoteURI
	}

	req := sip.NewRequest(sip.OPTIONS, target)

	from := &sip.FromHeader{
		Address: localURI,
		Params:  sip.NewParams().Add("tag", localTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: remoteURI,
		Params:  sip.NewParams(),
	}
	if remoteTag != "" {
		to.Params = to.Params.Add("tag", remoteTag)
	}
	req.AppendHeader(to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetBody(nil)
	return req, addr, nil
}

// RequestSender отправляет запрос через транзакционный слой.
// Реализуется менеджером транзакций.
type RequestSender interface {
	SendRequest(req *sip.Request, dest string) (transaction.Transaction, error)
}

// RecoveryProber выполняет цикл зондирования диалога в состоянии Recovering:
// ограниченное число OPTIONS-зондов с растущей задержкой. Любой ответ
// удалённой стороны считается признаком жизни и завершает восстановление.
type RecoveryProber struct {
	sender RequestSender
	config RecoveryConfig
	log    *slog.Logger
}

// NewRecoveryProber создаёт зондировщик восстановления.
func NewRecoveryProber(sender RequestSender, config RecoveryConfig, log *slog.Logger) *RecoveryProber {
	if log == nil {
		log = slog.Default()
	}
	if config.MaxAttempts == 0 {
		config = DefaultRecoveryConfig()
	}
	return &RecoveryProber{
		sender: sender,
		config: config,
		log:    log,
	}
}

// Probe выполняет цикл восстановления диалога до успеха или исчерпания попыток.
// При успехе диалог возвращается в Confirmed, при исчерпании попыток завершается.
// Блокирует до завершения цикла или отмены контекста.
func (p *RecoveryProber) Probe(ctx context.Context, d *Dialog) error {
	delay := p.config.InitialRetryDelay

	for d.RecoveryAttempts() < p.config.MaxAttempts {
		attempt := d.incrementRecoveryAttempts()

		alive, err := p.sendProbe(ctx, d)
		if err != nil {
			return err
		}
		if alive {
			d.CompleteRecovery()
			return nil
		}

		p.log.Debug("зонд восстановления без ответа",
			slog.String("dialog_id", d.ID()),
			slog.Uint64("attempt", uint64(attempt)))

		if attempt >= p.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.config.MaxRetryDelay {
			delay = p.config.MaxRetryDelay
		}
	}

	d.AbandonRecovery("recovery attempts exhausted")
	return ErrRecoveryExhausted
}

// sendProbe отправляет один OPTIONS-зонд и ждёт исхода транзакции.
func (p *RecoveryProber) sendProbe(ctx context.Context, d *Dialog) (bool, error) {
	req, dest, err := d.CreateRecoveryOptionsRequest()
	if err != nil {
		return false, err
	}

	tx, err := p.sender.SendRequest(req, dest)
	if err != nil {
		// Сбой отправки равносилен отсутствию ответа, попытка засчитана
		p.log.Debug("не удалось отправить зонд восстановления",
			slog.String("dialog_id", d.ID()),
			slog.String("error", err.Error()))
		return false, nil
	}

	responded := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)

	tx.OnResponse(func(_ transaction.Transaction, _ *sip.Response) {
		select {
		case responded <- struct{}{}:
		default:
		}
	})
	tx.OnTimeout(func(_ transaction.Transaction, _ transaction.TimerID) {
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	tx.OnTransportError(func(_ transaction.Transaction, _ error) {
		select {
		case failed <- struct{}{}:
		default:
		}
	})

	// Синхронный транспорт мог доставить ответ или завершить транзакцию
	// до регистрации обработчиков. Уже случившийся исход засчитывается здесь.
	if tx.LastResponse() != nil {
		return true, nil
	}
	if tx.IsTerminated() {
		return false, nil
	}

	select {
	case <-responded:
		return true, nil
	case <-failed:
		return false, nil
	case <-time.After(p.config.ProbeTimeout):
		tx.Terminate()
		return false, nil
	case <-ctx.Done():
		tx.Terminate()
		return false, ctx.Err()
	}
}
