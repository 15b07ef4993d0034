package storage

import (
	"context"
	"errors"
	"time"

	"relaymail/backend/internal/domain"
)

var (
	// ErrCacheMiss 缓存中不存在该键
	ErrCacheMiss = errors.New("cache miss")
	// ErrSessionNotFound 会话不存在或已过期
	ErrSessionNotFound = errors.New("session not found")
	// ErrCodeNotFound 验证码不存在或已过期
	ErrCodeNotFound = errors.New("verification code not found")
	// ErrPendingChangeNotFound 没有待确认的邮箱变更
	ErrPendingChangeNotFound = errors.New("pending username change not found")
)

// AliasRepository 定义中继别名的持久化操作。
//
// 软删除的别名不出现在任何查询结果中，但其地址仍然占用唯一约束。
type AliasRepository interface {
	CreateAlias(ctx context.Context, alias *domain.RelayAlias) error // 地址冲突返回 domain.ErrAddressTaken
	GetAlias(ctx context.Context, id string) (*domain.RelayAlias, error)
	GetActiveAliasByAddress(ctx context.Context, address string) (*domain.RelayAlias, error)
	AddressExists(ctx context.Context, address string) (bool, error) // 包含已软删除的地址
	CountAliasesByOwner(ctx context.Context, ownerID string) (int64, error)
	ListAliasesByOwner(ctx context.Context, ownerID string) ([]domain.RelayAlias, error)
	UpdateAlias(ctx context.Context, alias *domain.RelayAlias) error
	SoftDeleteAlias(ctx context.Context, id string) error
	IncrementForward(ctx context.Context, address string, at time.Time) error
}

// UserRepository 定义用户的持久化操作。
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsernameHash(ctx context.Context, hash string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error // 用户名哈希冲突返回 domain.ErrUserExists
}

// Store 聚合持久化存储需要实现的全部接口
type Store interface {
	AliasRepository
	UserRepository
	Health(ctx context.Context) error
	Close() error
}

// RelayCache 中继地址到主邮箱密文的映射缓存，条目没有过期时间
type RelayCache interface {
	GetRelay(ctx context.Context, address string) (*domain.RelayCacheEntry, error) // 未命中返回 ErrCacheMiss
	SetRelay(ctx context.Context, address string, entry domain.RelayCacheEntry) error
	DeleteRelay(ctx context.Context, address string) error
}

// SessionStore 保存 accessToken -> refreshToken 的服务端会话
type SessionStore interface {
	SaveSession(ctx context.Context, accessToken, refreshToken string, ttl time.Duration) error
	GetSession(ctx context.Context, accessToken string) (string, error) // 不存在返回 ErrSessionNotFound
	// ReplaceSession 原子地删除旧会话并写入新会话；旧会话已不存在时返回 ErrSessionNotFound
	ReplaceSession(ctx context.Context, oldAccessToken, accessToken, refreshToken string, ttl time.Duration) error
	DeleteSession(ctx context.Context, accessToken string) error
}

// CodeStore 保存登录验证码及失败次数，键为用户名哈希
type CodeStore interface {
	SaveCode(ctx context.Context, usernameHash, code string, ttl time.Duration) error
	GetCode(ctx context.Context, usernameHash string) (string, error) // 不存在返回 ErrCodeNotFound
	DeleteCode(ctx context.Context, usernameHash string) error
	GetAttempts(ctx context.Context, usernameHash string) (int, error)
	IncrementAttempts(ctx context.Context, usernameHash string, ttl time.Duration) (int, error)
	ResetAttempts(ctx context.Context, usernameHash string) error
}

// UsernameChangeStore 保存待确认的新登录邮箱密文，键为用户 ID
type UsernameChangeStore interface {
	SavePendingUsername(ctx context.Context, userID, encryptedUsername string, ttl time.Duration) error
	GetPendingUsername(ctx context.Context, userID string) (string, error) // 不存在返回 ErrPendingChangeNotFound
	DeletePendingUsername(ctx context.Context, userID string) error
}

// Cache 聚合基于键值存储的全部接口
type Cache interface {
	RelayCache
	SessionStore
	CodeStore
	UsernameChangeStore
	Ping(ctx context.Context) error
}
