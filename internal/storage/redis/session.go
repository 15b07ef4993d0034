package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/storage"
)

func sessionKey(accessToken string) string {
	return fmt.Sprintf("auth:refresh:token:%s", accessToken)
}

// replaceSessionScript 仅在旧会话仍存在时删除旧键并写入新键，并发刷新只有一个能成功
var replaceSessionScript = goredis.NewScript(`
if redis.call("DEL", KEYS[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
return 1
`)

// SaveSession 保存会话
func (c *Client) SaveSession(ctx context.Context, accessToken, refreshToken string, ttl time.Duration) error {
	return c.rdb.Set(ctx, sessionKey(accessToken), refreshToken, ttl).Err()
}

// GetSession 获取会话对应的刷新令牌
func (c *Client) GetSession(ctx context.Context, accessToken string) (string, error) {
	refresh, err := c.rdb.Get(ctx, sessionKey(accessToken)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", storage.ErrSessionNotFound
		}
		return "", err
	}
	return refresh, nil
}

// ReplaceSession 原子地替换会话
func (c *Client) ReplaceSession(ctx context.Context, oldAccessToken, accessToken, refreshToken string, ttl time.Duration) error {
	replaced, err := replaceSessionScript.Run(ctx, c.rdb,
		[]string{sessionKey(oldAccessToken), sessionKey(accessToken)},
		refreshToken, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if replaced == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// DeleteSession 删除会话
func (c *Client) DeleteSession(ctx context.Context, accessToken string) error {
	return c.rdb.Del(ctx, sessionKey(accessToken)).Err()
}
