// Package auth 管理登录会话与验证码。
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"relaymail/backend/internal/auth/jwt"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// 认证错误，消息直接返回给客户端
var (
	ErrTokenMissing   = domain.NewError(domain.KindAuth, "Access token is required")
	ErrSessionRevoked = domain.NewError(domain.KindAuth, "Session not found")
	ErrSessionExpired = domain.NewError(domain.KindAuth, "Session expired. Please login again.")
	ErrInvalidToken   = jwt.ErrInvalidToken
)

// 续期结果，用作指标标签
const (
	refreshRenewed = "renewed"
	refreshExpired  = "expired"
	refreshDisabled = "disabled"
	refreshFailed   = "failed"
)

// UserLookup 续期时读取账户当前状态
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// Principal 已认证的调用方
type Principal struct {
	UserID string
	Role   domain.UserRole
	Tier   domain.UserTier
	// RenewedAccessToken 本次请求触发惰性续期时的新访问令牌
	RenewedAccessToken string
}

// Guard 校验访问令牌，过期且会话仍在时惰性续期
type Guard struct {
	tokens   *jwt.Manager
	sessions storage.SessionStore
	users    UserLookup
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewGuard 创建认证守卫
func NewGuard(tokens *jwt.Manager, sessions storage.SessionStore, users UserLookup, metrics *monitoring.Metrics, logger *zap.Logger) *Guard {
	return &Guard{
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		metrics:  metrics,
		logger:   logger.Named("auth"),
	}
}

// Issue 签发新令牌对并登记会话
func (g *Guard) Issue(ctx context.Context, user *domain.User) (*jwt.TokenPair, error) {
	pair, err := g.tokens.GenerateTokenPair(user.ID, string(user.Role), string(user.Tier))
	if err != nil {
		return nil, err
	}
	if err := g.sessions.SaveSession(ctx, pair.AccessToken, pair.RefreshToken, g.tokens.RefreshExpiry()); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return pair, nil
}

// Revoke 删除会话，之后该访问令牌无法再续期
func (g *Guard) Revoke(ctx context.Context, accessToken string) error {
	return g.sessions.DeleteSession(ctx, accessToken)
}

// Authenticate 校验访问令牌
//
// 令牌有效时还要求会话存在；令牌仅因过期失效且会话存在时换发新令牌对，
// 旧会话被原子替换，新访问令牌放在 Principal.RenewedAccessToken 中。
// 续期时重新读取账户，已停用或已删除的账户不再续期。
func (g *Guard) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	if accessToken == "" {
		return nil, ErrTokenMissing
	}

	claims, err := g.tokens.ValidateToken(accessToken)
	switch {
	case err == nil:
		if _, err := g.sessions.GetSession(ctx, accessToken); err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				return nil, ErrSessionRevoked
			}
			return nil, fmt.Errorf("lookup session: %w", err)
		}
		return principalOf(claims), nil
	case errors.Is(err, jwt.ErrExpiredToken):
		return g.renew(ctx, accessToken)
	default:
		return nil, ErrInvalidToken
	}
}

func (g *Guard) renew(ctx context.Context, expired string) (*Principal, error) {
	if _, err := g.sessions.GetSession(ctx, expired); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			g.record(refreshExpired)
			return nil, ErrSessionExpired
		}
		g.record(refreshFailed)
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	claims, err := g.tokens.DecodeExpired(expired)
	if err != nil {
		g.record(refreshFailed)
		return nil, ErrInvalidToken
	}

	user, err := g.users.GetUserByID(ctx, claims.UserID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		g.record(refreshFailed)
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil || !user.IsActive() {
		g.record(refreshDisabled)
		if err := g.sessions.DeleteSession(ctx, expired); err != nil {
			g.logger.Warn("failed to drop session of disabled account", zap.String("user_id", claims.UserID), zap.Error(err))
		}
		return nil, domain.ErrAccountDisabled
	}

	pair, err := g.tokens.GenerateTokenPair(user.ID, string(user.Role), string(user.Tier))
	if err != nil {
		g.record(refreshFailed)
		return nil, err
	}

	// 并发请求只有一个能替换成功，其余视为会话已过期
	err = g.sessions.ReplaceSession(ctx, expired, pair.AccessToken, pair.RefreshToken, g.tokens.RefreshExpiry())
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			g.record(refreshExpired)
			return nil, ErrSessionExpired
		}
		g.record(refreshFailed)
		return nil, fmt.Errorf("replace session: %w", err)
	}

	g.record(refreshRenewed)
	g.logger.Info("access token renewed", zap.String("user_id", user.ID))

	return &Principal{
		UserID:             user.ID,
		Role:               user.Role,
		Tier:               user.Tier,
		RenewedAccessToken: pair.AccessToken,
	}, nil
}

func (g *Guard) record(result string) {
	if g.metrics != nil {
		g.metrics.RecordAuthRefresh(result)
	}
}

func principalOf(c *jwt.Claims) *Principal {
	return &Principal{
		UserID: c.UserID,
		Role:   domain.UserRole(c.Role),
		Tier:   domain.UserTier(c.Tier),
	}
}
