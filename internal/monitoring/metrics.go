package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 缓存查询结果标签
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 转发管道指标
	ForwardTotal       *prometheus.CounterVec
	QueueMessagesTotal *prometheus.CounterVec
	PollSkippedTotal   prometheus.Counter
	PipelineDuration   *prometheus.HistogramVec

	// 缓存与认证指标
	RelayCacheTotal  *prometheus.CounterVec
	AuthRefreshTotal *prometheus.CounterVec
	RateLimitBlocks  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 创建监控指标并注册到给定注册表
//
// 传入 nil 时注册到 Prometheus 默认注册表。测试中应传入 prometheus.NewRegistry()，
// 避免重复注册。
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		ForwardTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_forward_total",
				Help: "Inbound mail forwarding attempts by outcome",
			},
			[]string{"outcome"},
		),

		QueueMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_queue_messages_total",
				Help: "Queue deliveries by handling result",
			},
			[]string{"result"},
		),

		PollSkippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_poll_skipped_total",
				Help: "Poll ticks dropped because the previous tick was still running",
			},
		),

		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_pipeline_duration_seconds",
				Help:    "Forwarding pipeline stage duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"stage"},
		),

		RelayCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_relay_cache_total",
				Help: "Relay resolution cache lookups by result",
			},
			[]string{"result"},
		),

		AuthRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_auth_refresh_total",
				Help: "Lazy access token renewals by result",
			},
			[]string{"result"},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordForward 记录一次转发结果
func (m *Metrics) RecordForward(outcome string) {
	m.ForwardTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueMessage 记录一条队列消息的处理结果
func (m *Metrics) RecordQueueMessage(result string) {
	m.QueueMessagesTotal.WithLabelValues(result).Inc()
}

// RecordPollSkipped 记录被丢弃的轮询周期
func (m *Metrics) RecordPollSkipped() {
	m.PollSkippedTotal.Inc()
}

// ObserveStage 记录管道阶段耗时
func (m *Metrics) ObserveStage(stage string, duration time.Duration) {
	m.PipelineDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRelayCache 记录缓存查询结果
func (m *Metrics) RecordRelayCache(result string) {
	m.RelayCacheTotal.WithLabelValues(result).Inc()
}

// RecordAuthRefresh 记录令牌续期结果
func (m *Metrics) RecordAuthRefresh(result string) {
	m.AuthRefreshTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(route string) {
	m.RateLimitBlocks.WithLabelValues(route).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
