// Package relay 管理中继地址的分配、状态变更与解析。
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// Cipher 主邮箱密文的加解密能力
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// ActiveAliasLookup 按地址查询启用中的别名
type ActiveAliasLookup interface {
	GetActiveAliasByAddress(ctx context.Context, address string) (*domain.RelayAlias, error)
}

// Resolver 以旁路缓存方式把中继地址解析为主邮箱明文
//
// 缓存只保存密文，没有过期时间；它是持久化存储的派生索引，
// 可以随时清空，下次访问时自动回填。不缓存未命中结果。
type Resolver struct {
	cache   storage.RelayCache
	aliases ActiveAliasLookup
	cipher  Cipher
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewResolver 创建解析器，metrics 可以为 nil
func NewResolver(cache storage.RelayCache, aliases ActiveAliasLookup, cipher Cipher, metrics *monitoring.Metrics, logger *zap.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		aliases: aliases,
		cipher:  cipher,
		metrics: metrics,
		logger:  logger.Named("relay_resolver"),
	}
}

// Resolve 返回中继地址对应的主邮箱明文
//
// 地址不存在、已暂停或已删除时返回 domain.ErrRelayNotFound。
func (r *Resolver) Resolve(ctx context.Context, relayAddress string) (string, error) {
	address := domain.NormalizeEmail(relayAddress)

	entry, err := r.cache.GetRelay(ctx, address)
	switch {
	case err == nil:
		r.record(monitoring.CacheHit)
		return r.decrypt(entry.To)
	case errors.Is(err, storage.ErrCacheMiss):
		r.record(monitoring.CacheMiss)
	default:
		// 缓存不可用时回退到持久化存储
		r.record(monitoring.CacheError)
		r.logger.Warn("relay cache read failed", zap.String("address", address), zap.Error(err))
	}

	alias, err := r.aliases.GetActiveAliasByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, domain.ErrAliasNotFound) {
			return "", domain.ErrRelayNotFound
		}
		return "", fmt.Errorf("load relay alias: %w", err)
	}

	if err := r.Warm(ctx, alias); err != nil {
		r.logger.Warn("relay cache write failed", zap.String("address", address), zap.Error(err))
	}
	return r.decrypt(alias.PrimaryEmail)
}

// Warm 将启用中的别名写入缓存，非启用别名会被忽略
func (r *Resolver) Warm(ctx context.Context, alias *domain.RelayAlias) error {
	if !alias.Resolvable() {
		return nil
	}
	return r.cache.SetRelay(ctx, alias.RelayAddress, domain.RelayCacheEntry{
		To:   alias.PrimaryEmail,
		Note: alias.Description,
	})
}

// Evict 删除中继地址的缓存条目
func (r *Resolver) Evict(ctx context.Context, relayAddress string) error {
	return r.cache.DeleteRelay(ctx, domain.NormalizeEmail(relayAddress))
}

func (r *Resolver) decrypt(ciphertext string) (string, error) {
	plain, err := r.cipher.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt primary email: %w", err)
	}
	return plain, nil
}

func (r *Resolver) record(result string) {
	if r.metrics != nil {
		r.metrics.RecordRelayCache(result)
	}
}
