package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

const (
	localPartLength   = 16
	localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxAllocAttempts  = 10
)

// LocalPartGenerator 生成随机本地部分
type LocalPartGenerator func() (string, error)

// RandomLocalPart 使用 crypto/rand 生成 16 位 [a-z0-9] 本地部分
func RandomLocalPart() (string, error) {
	size := big.NewInt(int64(len(localPartAlphabet)))
	buf := make([]byte, localPartLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = localPartAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Registry 管理中继别名的生命周期
//
// 所有让别名失效的操作（暂停、删除）都会在返回前同步清除缓存条目。
type Registry struct {
	aliases  storage.AliasRepository
	resolver *Resolver
	cipher   Cipher
	domain   string
	generate LocalPartGenerator
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry 创建别名注册表
func NewRegistry(aliases storage.AliasRepository, resolver *Resolver, cipher Cipher, relayDomain string, logger *zap.Logger) *Registry {
	return &Registry{
		aliases:  aliases,
		resolver: resolver,
		cipher:   cipher,
		domain:   relayDomain,
		generate: RandomLocalPart,
		logger:   logger.Named("relay_registry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetGenerator 替换本地部分生成器
func (r *Registry) SetGenerator(gen LocalPartGenerator) {
	r.generate = gen
}

// Allocate 为用户分配一个随机中继地址
func (r *Registry) Allocate(ctx context.Context, owner *domain.User) (*domain.RelayAlias, error) {
	if err := r.checkQuota(ctx, owner); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		localPart, err := r.generate()
		if err != nil {
			return nil, fmt.Errorf("generate local part: %w", err)
		}
		address := localPart + "@" + r.domain

		exists, err := r.aliases.AddressExists(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("check address: %w", err)
		}
		if exists {
			continue
		}

		alias, err := r.create(ctx, owner, address)
		if errors.Is(err, domain.ErrAddressTaken) {
			// 并发分配撞上同一个地址
			continue
		}
		return alias, err
	}

	r.logger.Error("relay address allocation exhausted", zap.String("owner", owner.ID))
	return nil, domain.ErrAddressExhausted
}

// ClaimCustom 为用户认领指定本地部分的中继地址
func (r *Registry) ClaimCustom(ctx context.Context, owner *domain.User, localPart string) (*domain.RelayAlias, error) {
	localPart, err := domain.ValidateRelayLocalPart(localPart)
	if err != nil {
		return nil, err
	}
	address := localPart + "@" + r.domain

	exists, err := r.aliases.AddressExists(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("check address: %w", err)
	}
	if exists {
		return nil, domain.ErrAddressTaken
	}
	return r.create(ctx, owner, address)
}

func (r *Registry) create(ctx context.Context, owner *domain.User, address string) (*domain.RelayAlias, error) {
	now := r.now()
	alias := &domain.RelayAlias{
		ID:           uuid.NewString(),
		OwnerID:      owner.ID,
		PrimaryEmail: owner.Username,
		RelayAddress: address,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.aliases.CreateAlias(ctx, alias); err != nil {
		return nil, err
	}

	if err := r.resolver.Warm(ctx, alias); err != nil {
		// 预热失败不影响创建，首次解析时会回填
		r.logger.Warn("warm relay cache failed", zap.String("address", address), zap.Error(err))
	}

	r.logger.Info("relay alias created", zap.String("id", alias.ID), zap.String("owner", owner.ID))
	return alias, nil
}

func (r *Registry) checkQuota(ctx context.Context, owner *domain.User) error {
	quota := domain.DefaultQuotas(owner.Tier)
	count, err := r.aliases.CountAliasesByOwner(ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("count aliases: %w", err)
	}
	if !quota.Allows(count) {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// SetActive 启用或暂停别名，重复调用是幂等的
func (r *Registry) SetActive(ctx context.Context, id, ownerID string, active bool) (*domain.RelayAlias, error) {
	alias, err := r.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if alias.IsActive != active {
		alias.IsActive = active
		if active {
			alias.PausedAt = nil
		} else {
			now := r.now()
			alias.PausedAt = &now
		}
		if err := r.aliases.UpdateAlias(ctx, alias); err != nil {
			return nil, fmt.Errorf("update alias: %w", err)
		}
	}

	if active {
		if err := r.resolver.Warm(ctx, alias); err != nil {
			r.logger.Warn("warm relay cache failed", zap.String("address", alias.RelayAddress), zap.Error(err))
		}
		return alias, nil
	}

	// 暂停后必须保证不再解析，缓存清除失败要返回给调用方
	if err := r.resolver.Evict(ctx, alias.RelayAddress); err != nil {
		return nil, fmt.Errorf("evict relay cache: %w", err)
	}
	return alias, nil
}

// SetDescription 更新别名备注
func (r *Registry) SetDescription(ctx context.Context, id, ownerID, description string) (*domain.RelayAlias, error) {
	description, err := domain.ValidateDescription(description)
	if err != nil {
		return nil, err
	}

	alias, err := r.owned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	alias.Description = description
	if err := r.aliases.UpdateAlias(ctx, alias); err != nil {
		return nil, fmt.Errorf("update alias: %w", err)
	}

	if err := r.resolver.Warm(ctx, alias); err != nil {
		r.logger.Warn("refresh relay cache note failed", zap.String("address", alias.RelayAddress), zap.Error(err))
	}
	return alias, nil
}

// Remove 软删除别名并同步清除缓存，地址不会被再次分配
func (r *Registry) Remove(ctx context.Context, id, ownerID string) error {
	alias, err := r.owned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if err := r.aliases.SoftDeleteAlias(ctx, alias.ID); err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	if err := r.resolver.Evict(ctx, alias.RelayAddress); err != nil {
		return fmt.Errorf("evict relay cache: %w", err)
	}

	r.logger.Info("relay alias removed", zap.String("id", alias.ID), zap.String("owner", ownerID))
	return nil
}

// RemoveAll 删除用户的全部别名并清除缓存，返回删除数量
func (r *Registry) RemoveAll(ctx context.Context, ownerID string) (int, error) {
	aliases, err := r.aliases.ListAliasesByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list aliases: %w", err)
	}
	for _, alias := range aliases {
		if err := r.aliases.SoftDeleteAlias(ctx, alias.ID); err != nil {
			return 0, fmt.Errorf("delete alias %s: %w", alias.ID, err)
		}
		if err := r.resolver.Evict(ctx, alias.RelayAddress); err != nil {
			return 0, fmt.Errorf("evict relay cache: %w", err)
		}
	}
	if len(aliases) > 0 {
		r.logger.Info("relay aliases removed", zap.String("owner", ownerID), zap.Int("count", len(aliases)))
	}
	return len(aliases), nil
}

// List 列出用户未删除的别名，最新的在前
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.RelayAlias, error) {
	return r.aliases.ListAliasesByOwner(ctx, ownerID)
}

// RecordForward 记录一次成功转发
func (r *Registry) RecordForward(ctx context.Context, relayAddress string) error {
	return r.aliases.IncrementForward(ctx, domain.NormalizeEmail(relayAddress), r.now())
}

// PrimaryAddress 解密别名对应的主邮箱
func (r *Registry) PrimaryAddress(alias *domain.RelayAlias) (string, error) {
	return r.cipher.Decrypt(alias.PrimaryEmail)
}

// owned 获取属于 ownerID 的别名，他人的别名同样视为不存在
func (r *Registry) owned(ctx context.Context, id, ownerID string) (*domain.RelayAlias, error) {
	alias, err := r.aliases.GetAlias(ctx, id)
	if err != nil {
		return nil, err
	}
	if alias.OwnerID != ownerID {
		return nil, domain.ErrAliasNotFound
	}
	return alias, nil
}
