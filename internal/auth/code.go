package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage"
)

// 验证码错误
var (
	ErrTooManyAttempts = domain.NewError(domain.KindRateLimited, "Too many failed attempts. Please request a new code.")
	ErrCodeExpired     = domain.NewError(domain.KindValidation, "Verification code not found or expired. Please request a new code.")
	ErrCodeMismatch    = domain.NewError(domain.KindAuth, "Invalid verification code")
)

const codeDigits = 6

// CodeLimiter 签发并校验一次性登录验证码，限制失败次数
type CodeLimiter struct {
	codes       storage.CodeStore
	expiry      time.Duration
	maxAttempts int
}

// NewCodeLimiter 创建验证码限制器
func NewCodeLimiter(codes storage.CodeStore, expiry time.Duration, maxAttempts int) *CodeLimiter {
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &CodeLimiter{codes: codes, expiry: expiry, maxAttempts: maxAttempts}
}

// Expiry 验证码有效期
func (l *CodeLimiter) Expiry() time.Duration {
	return l.expiry
}

// Issue 生成新验证码，覆盖旧码并清零失败次数
func (l *CodeLimiter) Issue(ctx context.Context, usernameHash string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	if err := l.codes.SaveCode(ctx, usernameHash, code, l.expiry); err != nil {
		return "", fmt.Errorf("save code: %w", err)
	}
	if err := l.codes.ResetAttempts(ctx, usernameHash); err != nil {
		return "", fmt.Errorf("reset attempts: %w", err)
	}
	return code, nil
}

// Verify 校验验证码，成功后验证码失效
func (l *CodeLimiter) Verify(ctx context.Context, usernameHash, code string) error {
	attempts, err := l.codes.GetAttempts(ctx, usernameHash)
	if err != nil {
		return fmt.Errorf("get attempts: %w", err)
	}
	if attempts >= l.maxAttempts {
		return ErrTooManyAttempts
	}

	stored, err := l.codes.GetCode(ctx, usernameHash)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			return ErrCodeExpired
		}
		return fmt.Errorf("get code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		if _, err := l.codes.IncrementAttempts(ctx, usernameHash, l.expiry); err != nil {
			return fmt.Errorf("increment attempts: %w", err)
		}
		return ErrCodeMismatch
	}

	if err := l.codes.DeleteCode(ctx, usernameHash); err != nil {
		return fmt.Errorf("delete code: %w", err)
	}
	if err := l.codes.ResetAttempts(ctx, usernameHash); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()+100000), nil
}
