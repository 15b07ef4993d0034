package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"relaymail/backend/internal/domain"
)

// Store 使用内存保存用户与中继别名，主要用于开发验证和测试。
type Store struct {
	mu        sync.RWMutex
	aliases   map[string]*domain.RelayAlias // aliasID -> alias
	byAddress map[string]string             // relayAddress -> aliasID（含软删除）
	users     map[string]*domain.User       // userID -> user
	byHash    map[string]string             // usernameHash -> userID

	reads int64 // GetActiveAliasByAddress 调用次数，测试用
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		aliases:   make(map[string]*domain.RelayAlias),
		byAddress: make(map[string]string),
		users:     make(map[string]*domain.User),
		byHash:    make(map[string]string),
	}
}

// ========== Alias Repository ==========

// CreateAlias 保存新别名，地址冲突返回 domain.ErrAddressTaken
func (s *Store) CreateAlias(_ context.Context, alias *domain.RelayAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byAddress[alias.RelayAddress]; exists {
		return domain.ErrAddressTaken
	}

	now := time.Now().UTC()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	alias.UpdatedAt = now

	clone := *alias
	s.aliases[alias.ID] = &clone
	s.byAddress[alias.RelayAddress] = alias.ID
	return nil
}

// GetAlias 根据 ID 获取未删除的别名
func (s *Store) GetAlias(_ context.Context, id string) (*domain.RelayAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.aliases[id]
	if !ok || alias.DeletedAt.Valid {
		return nil, domain.ErrAliasNotFound
	}
	clone := *alias
	return &clone, nil
}

// GetActiveAliasByAddress 根据地址获取处于启用状态的别名
func (s *Store) GetActiveAliasByAddress(_ context.Context, address string) (*domain.RelayAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	id, ok := s.byAddress[address]
	if !ok {
		return nil, domain.ErrAliasNotFound
	}
	alias := s.aliases[id]
	if !alias.Resolvable() {
		return nil, domain.ErrAliasNotFound
	}
	clone := *alias
	return &clone, nil
}

// AddressExists 检查地址是否被占用（含软删除）
func (s *Store) AddressExists(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddress[address]
	return ok, nil
}

// CountAliasesByOwner 统计用户未删除的别名数量
func (s *Store) CountAliasesByOwner(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, alias := range s.aliases {
		if alias.OwnerID == ownerID && !alias.DeletedAt.Valid {
			count++
		}
	}
	return count, nil
}

// ListAliasesByOwner 列出用户未删除的别名，按创建时间倒序
func (s *Store) ListAliasesByOwner(_ context.Context, ownerID string) ([]domain.RelayAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RelayAlias, 0)
	for _, alias := range s.aliases {
		if alias.OwnerID == ownerID && !alias.DeletedAt.Valid {
			out = append(out, *alias)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateAlias 更新别名的可变字段
func (s *Store) UpdateAlias(_ context.Context, alias *domain.RelayAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.aliases[alias.ID]
	if !ok || existing.DeletedAt.Valid {
		return domain.ErrAliasNotFound
	}

	existing.Description = alias.Description
	existing.IsActive = alias.IsActive
	existing.PausedAt = alias.PausedAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// SoftDeleteAlias 软删除别名，地址继续保留
func (s *Store) SoftDeleteAlias(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok || alias.DeletedAt.Valid {
		return domain.ErrAliasNotFound
	}
	alias.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
	return nil
}

// IncrementForward 增加转发计数并记录最近转发时间
func (s *Store) IncrementForward(_ context.Context, address string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[address]
	if !ok {
		return domain.ErrAliasNotFound
	}
	alias := s.aliases[id]
	alias.ForwardCount++
	t := at.UTC()
	alias.LastForwardedAt = &t
	return nil
}

// AliasReads 返回按地址查询启用别名的次数
func (s *Store) AliasReads() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

// ========== User Repository ==========

// CreateUser 创建用户，用户名哈希冲突返回 domain.ErrUserExists
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[user.UsernameHash]; exists {
		return domain.ErrUserExists
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	clone := *user
	s.users[user.ID] = &clone
	s.byHash[user.UsernameHash] = user.ID
	return nil
}

// GetUserByID 根据 ID 获取用户
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

// GetUserByUsernameHash 根据用户名哈希获取用户
func (s *Store) GetUserByUsernameHash(_ context.Context, hash string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	clone := *s.users[id]
	return &clone, nil
}

// UpdateUser 更新用户信息，用户名哈希变化时同步索引
func (s *Store) UpdateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if user.UsernameHash != existing.UsernameHash {
		if _, taken := s.byHash[user.UsernameHash]; taken {
			return domain.ErrUserExists
		}
		delete(s.byHash, existing.UsernameHash)
		s.byHash[user.UsernameHash] = user.ID
	}

	user.UpdatedAt = time.Now().UTC()
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}
