package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"relaymail/backend/internal/storage"
)

func codeKey(usernameHash string) string {
	return fmt.Sprintf("verification:code:%s", usernameHash)
}

func attemptsKey(usernameHash string) string {
	return fmt.Sprintf("verification:attempts:%s", usernameHash)
}

// SaveCode 保存验证码
func (c *Client) SaveCode(ctx context.Context, usernameHash, code string, ttl time.Duration) error {
	return c.rdb.Set(ctx, codeKey(usernameHash), code, ttl).Err()
}

// GetCode 获取验证码
func (c *Client) GetCode(ctx context.Context, usernameHash string) (string, error) {
	code, err := c.rdb.Get(ctx, codeKey(usernameHash)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", storage.ErrCodeNotFound
		}
		return "", err
	}
	return code, nil
}

// DeleteCode 删除验证码
func (c *Client) DeleteCode(ctx context.Context, usernameHash string) error {
	return c.rdb.Del(ctx, codeKey(usernameHash)).Err()
}

// GetAttempts 获取验证失败次数
func (c *Client) GetAttempts(ctx context.Context, usernameHash string) (int, error) {
	n, err := c.rdb.Get(ctx, attemptsKey(usernameHash)).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// IncrementAttempts 失败次数加一并刷新过期时间
func (c *Client) IncrementAttempts(ctx context.Context, usernameHash string, ttl time.Duration) (int, error) {
	key := attemptsKey(usernameHash)

	var incr *goredis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// ResetAttempts 清零验证失败次数
func (c *Client) ResetAttempts(ctx context.Context, usernameHash string) error {
	return c.rdb.Del(ctx, attemptsKey(usernameHash)).Err()
}
