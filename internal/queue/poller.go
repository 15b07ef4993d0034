package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"relaymail/backend/internal/monitoring"
)

// Poller 按计划触发队列轮询，同一时刻最多一次轮询在执行
type Poller struct {
	cron     *cron.Cron
	consumer *Consumer
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller 创建轮询器，schedule 使用 cron 表达式或 "@every 30s"
func NewPoller(consumer *Consumer, schedule string, metrics *monitoring.Metrics, logger *zap.Logger) (*Poller, error) {
	p := &Poller{
		consumer: consumer,
		metrics:  metrics,
		logger:   logger.Named("poller"),
	}
	cl := cronLogger{logger: p.logger, metrics: metrics}
	p.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := p.cron.AddFunc(schedule, p.Tick); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start 启动计划任务并立即执行一次轮询
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Tick()
	}()
	p.logger.Info("queue poller started")
}

// Tick 执行一次轮询，上一次尚未结束时直接跳过
func (p *Poller) Tick() {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped()
		return
	}
	defer p.running.Store(false)

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	p.consumer.PollOnce(ctx)
}

// Stop 停止计划任务，并等待进行中的轮询结束或 ctx 到期
func (p *Poller) Stop(ctx context.Context) error {
	cronDone := p.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info("queue poller stopped")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return ctx.Err()
	}
}

func (p *Poller) skipped() {
	p.logger.Debug("previous poll still running, skipping tick")
	if p.metrics != nil {
		p.metrics.RecordPollSkipped()
	}
}

// cronLogger 把 cron 日志接到 zap，并统计被 SkipIfStillRunning 丢弃的触发
type cronLogger struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" && l.metrics != nil {
		l.metrics.RecordPollSkipped()
	}
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
