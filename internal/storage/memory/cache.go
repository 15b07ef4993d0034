package memory

import (
	"context"
	"sync"
	"time"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

type expiringValue struct {
	value     string
	count     int
	expiresAt time.Time // 零值表示永不过期
}

func (v expiringValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// Cache 内存版键值缓存，实现 storage.Cache，主要用于开发和测试。
type Cache struct {
	mu       sync.Mutex
	relays   map[string]domain.RelayCacheEntry
	sessions map[string]expiringValue
	codes    map[string]expiringValue
	attempts map[string]expiringValue
	pending  map[string]expiringValue

	now func() time.Time
}

// NewCache 创建内存缓存
func NewCache() *Cache {
	return &Cache{
		relays:   make(map[string]domain.RelayCacheEntry),
		sessions: make(map[string]expiringValue),
		codes:    make(map[string]expiringValue),
		attempts: make(map[string]expiringValue),
		pending:  make(map[string]expiringValue),
		now:      time.Now,
	}
}

// SetClock 替换时间源，便于测试过期逻辑
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *Cache) lookup(m map[string]expiringValue, key string) (expiringValue, bool) {
	v, ok := m[key]
	if !ok {
		return v, false
	}
	if v.expired(c.now()) {
		delete(m, key)
		return v, false
	}
	return v, true
}

// ========== 中继地址缓存 ==========

// GetRelay 获取中继地址缓存条目
func (c *Cache) GetRelay(_ context.Context, address string) (*domain.RelayCacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.relays[address]
	if !ok {
		return nil, storage.ErrCacheMiss
	}
	return &entry, nil
}

// SetRelay 写入中继地址缓存条目（永不过期）
func (c *Cache) SetRelay(_ context.Context, address string, entry domain.RelayCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays[address] = entry
	return nil
}

// DeleteRelay 删除中继地址缓存条目
func (c *Cache) DeleteRelay(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relays, address)
	return nil
}

// FlushRelays 清空全部中继地址缓存
func (c *Cache) FlushRelays() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays = make(map[string]domain.RelayCacheEntry)
}

// ========== 会话 ==========

// SaveSession 保存会话
func (c *Cache) SaveSession(_ context.Context, accessToken, refreshToken string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[accessToken] = expiringValue{value: refreshToken, expiresAt: c.deadline(ttl)}
	return nil
}

// GetSession 获取会话对应的刷新令牌
func (c *Cache) GetSession(_ context.Context, accessToken string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookup(c.sessions, accessToken)
	if !ok {
		return "", storage.ErrSessionNotFound
	}
	return v.value, nil
}

// ReplaceSession 删除旧会话并写入新会话
func (c *Cache) ReplaceSession(_ context.Context, oldAccessToken, accessToken, refreshToken string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lookup(c.sessions, oldAccessToken); !ok {
		return storage.ErrSessionNotFound
	}
	delete(c.sessions, oldAccessToken)
	c.sessions[accessToken] = expiringValue{value: refreshToken, expiresAt: c.deadline(ttl)}
	return nil
}

// DeleteSession 删除会话
func (c *Cache) DeleteSession(_ context.Context, accessToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, accessToken)
	return nil
}

// ========== 验证码 ==========

// SaveCode 保存验证码
func (c *Cache) SaveCode(_ context.Context, usernameHash, code string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[usernameHash] = expiringValue{value: code, expiresAt: c.deadline(ttl)}
	return nil
}

// GetCode 获取验证码
func (c *Cache) GetCode(_ context.Context, usernameHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookup(c.codes, usernameHash)
	if !ok {
		return "", storage.ErrCodeNotFound
	}
	return v.value, nil
}

// DeleteCode 删除验证码
func (c *Cache) DeleteCode(_ context.Context, usernameHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.codes, usernameHash)
	return nil
}

// GetAttempts 获取失败次数
func (c *Cache) GetAttempts(_ context.Context, usernameHash string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookup(c.attempts, usernameHash)
	if !ok {
		return 0, nil
	}
	return v.count, nil
}

// IncrementAttempts 失败次数加一并刷新过期时间
func (c *Cache) IncrementAttempts(_ context.Context, usernameHash string, ttl time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookup(c.attempts, usernameHash)
	if !ok {
		v = expiringValue{}
	}
	v.count++
	v.expiresAt = c.deadline(ttl)
	c.attempts[usernameHash] = v
	return v.count, nil
}

// ResetAttempts 清零失败次数
func (c *Cache) ResetAttempts(_ context.Context, usernameHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, usernameHash)
	return nil
}

// ========== 邮箱变更 ==========

// SavePendingUsername 保存待确认的新邮箱密文，覆盖之前的请求
func (c *Cache) SavePendingUsername(_ context.Context, userID, encryptedUsername string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[userID] = expiringValue{value: encryptedUsername, expiresAt: c.deadline(ttl)}
	return nil
}

// GetPendingUsername 获取待确认的新邮箱密文
func (c *Cache) GetPendingUsername(_ context.Context, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookup(c.pending, userID)
	if !ok {
		return "", storage.ErrPendingChangeNotFound
	}
	return v.value, nil
}

// DeletePendingUsername 删除待确认的邮箱变更
func (c *Cache) DeletePendingUsername(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, userID)
	return nil
}

// Ping 内存缓存始终可用
func (c *Cache) Ping(context.Context) error {
	return nil
}
