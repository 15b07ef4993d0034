package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/storage"
)

func usernameChangeKey(userID string) string {
	return fmt.Sprintf("username:change:%s", userID)
}

// SavePendingUsername 保存待确认的新邮箱密文
func (c *Client) SavePendingUsername(ctx context.Context, userID, encryptedUsername string, ttl time.Duration) error {
	return c.rdb.Set(ctx, usernameChangeKey(userID), encryptedUsername, ttl).Err()
}

// GetPendingUsername 获取待确认的新邮箱密文
func (c *Client) GetPendingUsername(ctx context.Context, userID string) (string, error) {
	v, err := c.rdb.Get(ctx, usernameChangeKey(userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", storage.ErrPendingChangeNotFound
		}
		return "", err
	}
	return v, nil
}

// DeletePendingUsername 删除待确认的邮箱变更
func (c *Client) DeletePendingUsername(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, usernameChangeKey(userID)).Err()
}
