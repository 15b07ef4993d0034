// Package httptransport 提供 REST API 的路由与处理器。
package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
)

// maxBodyBytes API 请求体上限
const maxBodyBytes = 64 * 1024

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	AuthService  *service.AuthService
	RelayService *service.RelayService
	UserService  *service.UserService
	Guard        middleware.Authenticator
	CodeLimiter  middleware.RateLimiter // 验证码请求限流
	CodeExpiry   time.Duration
	Metrics      *monitoring.Metrics
	Health       *health.Checker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(mon.PanicRecovery())
	router.Use(mon.HTTPMetrics())
	router.Use(mon.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(maxBodyBytes))

	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			middleware.NewAccessTokenHeader,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.CodeExpiry, deps.Logger)
	relayHandler := NewRelayHandler(deps.RelayService, deps.Logger)
	userHandler := NewUserHandler(deps.UserService, deps.Logger)
	requireAuth := middleware.AuthGuard(deps.Guard, deps.Logger)

	// 健康检查与指标
	router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
	router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.POST("/code", middleware.RateLimit(deps.CodeLimiter, "auth_code", deps.Metrics, deps.Logger), authHandler.RequestCode)
		authGroup.POST("/verify", authHandler.Verify)
		authGroup.POST("/logout", requireAuth, authHandler.Logout)

		v1.GET("/me", requireAuth, authHandler.Me)

		users := v1.Group("/users")
		users.GET("/exists/:email", middleware.RateLimit(deps.CodeLimiter, "user_exists", deps.Metrics, deps.Logger), userHandler.Exists)
		users.POST("/deactivate", requireAuth, userHandler.Deactivate)
		users.DELETE("", requireAuth, userHandler.Delete)
		users.POST("/change-username", requireAuth, middleware.RateLimit(deps.CodeLimiter, "username_change", deps.Metrics, deps.Logger), userHandler.RequestUsernameChange)
		users.POST("/verify-username-change", requireAuth, userHandler.VerifyUsernameChange)

		relays := v1.Group("/relay-emails", requireAuth)
		relays.GET("", relayHandler.List)
		relays.POST("", relayHandler.Create)
		relays.POST("/custom", relayHandler.CreateCustom)
		relays.PATCH("/:id/description", relayHandler.UpdateDescription)
		relays.PATCH("/:id/active", relayHandler.UpdateActive)
		relays.DELETE("/:id", relayHandler.Delete)
	}

	return router
}
