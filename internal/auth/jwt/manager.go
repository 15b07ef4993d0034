package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"relaymail/backend/internal/domain"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = domain.NewError(domain.KindAuth, "Invalid access token")
	// ErrExpiredToken 令牌已过期，签名有效
	ErrExpiredToken = domain.NewError(domain.KindAuth, "token expired")
)

// Claims JWT 自定义声明
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Tier   string `json:"tier"`
	jwt.RegisteredClaims
}

// TokenPair 访问令牌和刷新令牌对
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // 秒
}

// Manager JWT 管理器
type Manager struct {
	secret        []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
}

// NewManager 创建 JWT 管理器
func NewManager(secret, issuer string, accessExpiry, refreshExpiry time.Duration) *Manager {
	return &Manager{
		secret:        []byte(secret),
		issuer:        issuer,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		now:           time.Now,
	}
}

// SetClock 替换时间源，测试用
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// RefreshExpiry 刷新令牌有效期，同时作为服务端会话的 TTL
func (m *Manager) RefreshExpiry() time.Duration {
	return m.refreshExpiry
}

// GenerateTokenPair 生成访问令牌和刷新令牌对
func (m *Manager) GenerateTokenPair(userID, role, tier string) (*TokenPair, error) {
	now := m.now()

	access, err := m.sign(userID, role, tier, now, m.accessExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := m.sign(userID, role, tier, now, m.refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessExpiry.Seconds()),
	}, nil
}

// ID 保证同一秒内签发的令牌也互不相同，会话以访问令牌为键
func (m *Manager) sign(userID, role, tier string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   role,
		Tier:   tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken 验证令牌并返回声明
//
// 仅当签名有效且唯一的失败原因是过期时返回 ErrExpiredToken，其余一律 ErrInvalidToken。
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			if _, derr := m.DecodeExpired(tokenString); derr == nil {
				return nil, ErrExpiredToken
			}
		}
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DecodeExpired 校验签名但忽略过期时间，用于惰性续期
func (m *Manager) DecodeExpired(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Issuer != m.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
