package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaymail/backend/internal/monitoring"
)

// RateResult 一次限流判定的结果
type RateResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter 按键限流
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateResult, error)
}

// RedisRateLimiter 基于 redis_rate 的分布式限流，多实例共享额度
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisRateLimiter 创建每分钟 perMinute 次的 Redis 限流器
func NewRedisRateLimiter(rdb *goredis.Client, prefix string, perMinute int) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.PerMinute(perMinute),
		prefix:  prefix,
	}
}

// Allow 消耗一次额度
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (RateResult, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		return RateResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	return RateResult{
		Allowed:    res.Allowed > 0,
		Limit:      res.Limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// MemoryRateLimiter 进程内限流，用于未配置 Redis 的单实例部署
type MemoryRateLimiter struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *rate.Limiter]
	perMinute int
}

// NewMemoryRateLimiter 创建进程内限流器，最多跟踪 size 个键
func NewMemoryRateLimiter(perMinute, size int) *MemoryRateLimiter {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		panic(err)
	}
	return &MemoryRateLimiter{cache: cache, perMinute: perMinute}
}

// Allow 消耗一次额度
func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (RateResult, error) {
	l.mu.Lock()
	rl, ok := l.cache.Get(key)
	if !ok {
		rl = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.cache.Add(key, rl)
	}
	l.mu.Unlock()

	now := time.Now()
	r := rl.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return RateResult{Limit: l.perMinute, RetryAfter: delay}, nil
	}
	return RateResult{Allowed: true, Limit: l.perMinute, Remaining: int(rl.TokensAt(now))}, nil
}

// Fingerprint 以客户端 IP 与请求头特征的 xxhash 作为限流键
func Fingerprint(c *gin.Context) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.ClientIP())
	_, _ = h.WriteString(c.GetHeader("User-Agent"))
	_, _ = h.WriteString(c.GetHeader("Accept-Language"))
	return strconv.FormatUint(h.Sum64(), 10)
}

// RateLimit 限流中间件，route 用于区分额度和指标
//
// 限流后端不可用时放行请求并记录错误。
func RateLimit(limiter RateLimiter, route string, metrics *monitoring.Metrics, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ratelimit")

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		res, err := limiter.Allow(ctx, route+":"+Fingerprint(c))
		if err != nil {
			log.Error("rate limit check failed", zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if metrics != nil {
				metrics.RecordRateLimitBlock(route)
			}
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second)/time.Second)))
			abort(c, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}
