package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// checkTimeout 单项依赖检查的超时时间
const checkTimeout = 3 * time.Second

// Pinger 可被健康检查探测的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 将函数适配为 Pinger
type PingFunc func(ctx context.Context) error

// Ping 调用函数本身
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker 健康检查器
//
// 存活检查只确认进程可以响应；就绪检查探测数据库与 Redis，
// 依赖不可用时返回 503，负载均衡会暂时摘除实例。
type Checker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(logger *zap.Logger) *Checker {
	hc := &Checker{
		health: healthcheck.NewHandler(),
		logger: logger.Named("health"),
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddReadiness 注册一个就绪检查
func (hc *Checker) AddReadiness(name string, dep Pinger) {
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := dep.Ping(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}, checkTimeout))
}

// LiveHandler 存活检查处理器
func (hc *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 就绪检查处理器
func (hc *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}
