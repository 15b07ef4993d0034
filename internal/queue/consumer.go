package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// 队列消息处理结果，用作指标标签
const (
	ResultAcked     = "acked"
	ResultRetained  = "retained"
	ResultMalformed = "malformed"
	ResultEmpty     = "empty"
)

// EventForwarder 处理单条对象引用
type EventForwarder interface {
	Forward(ctx context.Context, event domain.InboundEvent) domain.ForwardResult
}

// BatchResult 一次轮询的汇总
type BatchResult struct {
	Received  int
	Acked     int
	Retained  int
	Malformed int
	Empty     int
	Forwarded int
	Err       error // 接收失败时非空
}

// Consumer 从队列拉取通知并分发给转发流水线
type Consumer struct {
	queue       Queue
	forwarder   EventForwarder
	concurrency int
	metrics     *monitoring.Metrics
	logger      *zap.Logger
}

// NewConsumer 创建队列消费者
func NewConsumer(queue Queue, forwarder EventForwarder, concurrency int, metrics *monitoring.Metrics, logger *zap.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Consumer{
		queue:       queue,
		forwarder:   forwarder,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.Named("queue"),
	}
}

// PollOnce 接收一批消息并并发处理
//
// 单条消息失败不会影响同批其他消息。只有全部对象引用都允许确认时才删除消息，
// 其余消息等可见性超时后由队列重投。
func (c *Consumer) PollOnce(ctx context.Context) BatchResult {
	deliveries, err := c.queue.Receive(ctx)
	if err != nil {
		c.logger.Error("failed to receive queue messages", zap.Error(err))
		return BatchResult{Err: err}
	}

	batch := BatchResult{Received: len(deliveries)}
	if len(deliveries) == 0 {
		return batch
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, d := range deliveries {
		d := d
		g.Go(func() error {
			result, forwarded := c.handle(gctx, d)
			mu.Lock()
			defer mu.Unlock()
			batch.Forwarded += forwarded
			switch result {
			case ResultAcked:
				batch.Acked++
			case ResultMalformed:
				batch.Malformed++
			case ResultEmpty:
				batch.Empty++
			default:
				batch.Retained++
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("queue batch processed",
		zap.Int("received", batch.Received),
		zap.Int("acked", batch.Acked),
		zap.Int("retained", batch.Retained),
		zap.Int("malformed", batch.Malformed),
		zap.Int("empty", batch.Empty),
	)
	return batch
}

func (c *Consumer) handle(ctx context.Context, d Delivery) (string, int) {
	log := c.logger.With(zap.String("message_id", d.ID))

	events, err := UnwrapNotification(d.Body)
	switch {
	case err != nil:
		log.Warn("malformed queue message, deleting", zap.Error(err))
		return c.ack(ctx, log, d, ResultMalformed), 0
	case len(events) == 0:
		log.Warn("queue message has no records, deleting")
		return c.ack(ctx, log, d, ResultEmpty), 0
	}

	results := make([]domain.ForwardResult, len(events))
	var g errgroup.Group
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			results[i] = c.forwarder.Forward(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	forwarded := 0
	ackable := true
	for _, r := range results {
		if r.Outcome == domain.OutcomeForwarded {
			forwarded++
		}
		if !r.Acknowledge() {
			ackable = false
		}
	}
	if !ackable {
		c.record(ResultRetained)
		return ResultRetained, forwarded
	}
	return c.ack(ctx, log, d, ResultAcked), forwarded
}

// ack 删除消息，删除失败时消息会被重投，按保留计
func (c *Consumer) ack(ctx context.Context, log *zap.Logger, d Delivery, result string) string {
	if err := c.queue.Delete(ctx, d.ReceiptHandle); err != nil {
		log.Error("failed to delete queue message", zap.Error(err))
		result = ResultRetained
	}
	c.record(result)
	return result
}

func (c *Consumer) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordQueueMessage(result)
	}
}
