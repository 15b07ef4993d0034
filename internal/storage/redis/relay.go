package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

func relayKey(address string) string {
	return fmt.Sprintf("primary:mail:%s", address)
}

// GetRelay 获取中继地址缓存条目
func (c *Client) GetRelay(ctx context.Context, address string) (*domain.RelayCacheEntry, error) {
	data, err := c.rdb.Get(ctx, relayKey(address)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrCacheMiss
		}
		return nil, err
	}

	var entry domain.RelayCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode relay cache entry: %w", err)
	}
	if entry.To == "" {
		return nil, storage.ErrCacheMiss
	}
	return &entry, nil
}

// SetRelay 写入中继地址缓存条目，不设置过期时间
func (c *Client) SetRelay(ctx context.Context, address string, entry domain.RelayCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, relayKey(address), data, 0).Err()
}

// DeleteRelay 删除中继地址缓存条目
func (c *Client) DeleteRelay(ctx context.Context, address string) error {
	return c.rdb.Del(ctx, relayKey(address)).Err()
}
