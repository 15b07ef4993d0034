package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/mail"
	"relaymail/backend/internal/monitoring"
)

// RelayResolver 将中继地址解析为主邮箱
type RelayResolver interface {
	Resolve(ctx context.Context, relayAddress string) (string, error)
}

// ForwardRecorder 记录转发统计
type ForwardRecorder interface {
	RecordForward(ctx context.Context, relayAddress string) error
}

// Composer 组装外发邮件
type Composer interface {
	Compose(primary, relayAddress string, msg *domain.ParsedMessage) (*domain.OutboundMessage, error)
}

// Forwarder 单条入站邮件的转发流水线
type Forwarder struct {
	fetcher  mail.Fetcher
	resolver RelayResolver
	composer Composer
	sender   mail.Sender
	recorder ForwardRecorder
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewForwarder 创建转发流水线，recorder 与 metrics 可为 nil
func NewForwarder(fetcher mail.Fetcher, resolver RelayResolver, composer Composer, sender mail.Sender, recorder ForwardRecorder, metrics *monitoring.Metrics, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		fetcher:  fetcher,
		resolver: resolver,
		composer: composer,
		sender:   sender,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("forwarder"),
	}
}

// Forward 取回对象存储中的原始邮件并转发
func (f *Forwarder) Forward(ctx context.Context, event domain.InboundEvent) domain.ForwardResult {
	started := time.Now()
	result := domain.ForwardResult{Event: event}

	key, err := mail.DecodeObjectKey(event.Key)
	if err != nil {
		return f.finish(failed(result, domain.OutcomeFailed, err), started)
	}

	var raw []byte
	err = f.stage("fetch", func() error {
		var ferr error
		raw, ferr = f.fetcher.Fetch(ctx, event.Bucket, key)
		return ferr
	})
	if err != nil {
		return f.finish(failed(result, domain.OutcomeFailed, fmt.Errorf("fetch %s/%s: %w", event.Bucket, key, err)), started)
	}

	return f.finish(f.deliver(ctx, result, raw, ""), started)
}

// ForwardTo 按信封收件人转发原始邮件，供 SMTP 入口使用
//
// 密送等情况下信封收件人不出现在邮件头中，以信封为准。
func (f *Forwarder) ForwardTo(ctx context.Context, raw []byte, relayAddress string) domain.ForwardResult {
	started := time.Now()
	return f.finish(f.deliver(ctx, domain.ForwardResult{}, raw, domain.NormalizeEmail(relayAddress)), started)
}

func (f *Forwarder) deliver(ctx context.Context, result domain.ForwardResult, raw []byte, envelope string) domain.ForwardResult {
	var parsed *domain.ParsedMessage
	err := f.stage("parse", func() error {
		var perr error
		parsed, perr = mail.ParseFor(raw, envelope)
		return perr
	})
	if err != nil {
		return failed(result, domain.OutcomeFailed, fmt.Errorf("parse: %w", err))
	}
	result.RelayAddress = parsed.Recipient

	var primary string
	err = f.stage("resolve", func() error {
		var rerr error
		primary, rerr = f.resolver.Resolve(ctx, parsed.Recipient)
		return rerr
	})
	if err != nil {
		return failed(result, domain.OutcomeFailed, fmt.Errorf("resolve %s: %w", parsed.Recipient, err))
	}

	var out *domain.OutboundMessage
	err = f.stage("compose", func() error {
		var cerr error
		out, cerr = f.composer.Compose(primary, parsed.Recipient, parsed)
		return cerr
	})
	if err != nil {
		return failed(result, domain.OutcomeDeliveryFailed, fmt.Errorf("compose: %w", err))
	}

	err = f.stage("send", func() error {
		return f.sender.Send(ctx, out)
	})
	if err != nil {
		return failed(result, domain.OutcomeDeliveryFailed, fmt.Errorf("send: %w", err))
	}

	if f.recorder != nil {
		if err := f.recorder.RecordForward(ctx, parsed.Recipient); err != nil {
			f.logger.Warn("failed to record forward", zap.String("relay", parsed.Recipient), zap.Error(err))
		}
	}
	result.Outcome = domain.OutcomeForwarded
	return result
}

func failed(result domain.ForwardResult, outcome domain.ForwardOutcome, err error) domain.ForwardResult {
	result.Outcome = outcome
	result.Err = err
	return result
}

func (f *Forwarder) stage(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	if f.metrics != nil {
		f.metrics.ObserveStage(name, time.Since(started))
	}
	return err
}

func (f *Forwarder) finish(result domain.ForwardResult, started time.Time) domain.ForwardResult {
	result.Duration = time.Since(started)
	if f.metrics != nil {
		f.metrics.RecordForward(string(result.Outcome))
	}

	fields := []zap.Field{
		zap.String("bucket", result.Event.Bucket),
		zap.String("key", result.Event.Key),
		zap.String("relay", result.RelayAddress),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", result.Duration),
	}
	switch result.Outcome {
	case domain.OutcomeForwarded:
		f.logger.Info("mail forwarded", fields...)
	case domain.OutcomeDeliveryFailed:
		f.logger.Error("mail delivery failed, not retrying", append(fields, zap.Error(result.Err))...)
	default:
		f.logger.Warn("mail processing failed, leaving for redelivery", append(fields, zap.Error(result.Err))...)
	}
	return result
}
