package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/auth"
	"relaymail/backend/internal/domain"
)

// NewAccessTokenHeader 惰性续期后返回新访问令牌的响应头
const NewAccessTokenHeader = "X-New-Access-Token"

// gin 上下文中的键
const (
	ContextUserID      = "userID"
	ContextRole        = "role"
	ContextTier        = "tier"
	ContextAccessToken = "accessToken"
)

// Authenticator 校验访问令牌
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.Principal, error)
}

// AuthGuard 要求 Bearer 令牌认证
//
// 令牌过期但会话仍在时，Guard 换发新令牌，这里通过 X-New-Access-Token 返回给客户端，
// 后续处理使用新令牌。
func AuthGuard(guard Authenticator, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("auth")

	return func(c *gin.Context) {
		token := BearerToken(c)
		principal, err := guard.Authenticate(c.Request.Context(), token)
		if err != nil {
			if domain.IsKind(err, domain.KindAuth) {
				log.Debug("authentication rejected", zap.Error(err), zap.String("ip", c.ClientIP()))
				abort(c, http.StatusUnauthorized, authMessage(err))
				return
			}
			log.Error("authentication failed", zap.Error(err))
			abort(c, http.StatusInternalServerError, "Internal server error")
			return
		}

		if principal.RenewedAccessToken != "" {
			c.Header(NewAccessTokenHeader, principal.RenewedAccessToken)
			token = principal.RenewedAccessToken
		}

		c.Set(ContextUserID, principal.UserID)
		c.Set(ContextRole, principal.Role)
		c.Set(ContextTier, principal.Tier)
		c.Set(ContextAccessToken, token)
		c.Next()
	}
}

// BearerToken 从 Authorization 头提取令牌
func BearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserID 返回已认证用户的 ID，未认证时为空
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// AccessToken 返回本次请求最终使用的访问令牌
func AccessToken(c *gin.Context) string {
	return c.GetString(ContextAccessToken)
}

func authMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Msg
	}
	return "Unauthorized"
}
