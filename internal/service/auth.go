// Package service 编排登录与中继地址管理的业务流程。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/auth"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/protection"
	"relaymail/backend/internal/relay"
	"relaymail/backend/internal/storage"
)

// CodeNotifier 发送验证码与欢迎邮件
type CodeNotifier interface {
	SendCode(ctx context.Context, to, code string, isNewUser bool) error
	SendWelcome(ctx context.Context, to string) error
}

// LoginResult 验证码登录结果
type LoginResult struct {
	AccessToken string       `json:"accessToken"`
	ExpiresIn   int64        `json:"expiresIn"`
	IsNewUser   bool         `json:"isNewUser"`
	User        *domain.User `json:"user"`
}

// Profile 当前用户资料
type Profile struct {
	*domain.User
	Email string       `json:"email"`
	Quota domain.Quota `json:"quota"`
}

// AuthService 无密码登录流程：发送验证码、校验并签发会话
type AuthService struct {
	users    storage.UserRepository
	cipher   relay.Cipher
	codes    *auth.CodeLimiter
	guard    *auth.Guard
	notifier CodeNotifier
	logger   *zap.Logger
}

// NewAuthService 创建认证业务服务
func NewAuthService(users storage.UserRepository, cipher relay.Cipher, codes *auth.CodeLimiter, guard *auth.Guard, notifier CodeNotifier, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:    users,
		cipher:   cipher,
		codes:    codes,
		guard:    guard,
		notifier: notifier,
		logger:   logger.Named("auth_service"),
	}
}

// RequestCode 向邮箱发送登录验证码，返回是否为新用户
func (s *AuthService) RequestCode(ctx context.Context, email string) (bool, error) {
	email, err := domain.ValidateEmail(email)
	if err != nil {
		return false, err
	}
	hash := protection.Hash(email)

	user, err := s.lookup(ctx, hash)
	if err != nil {
		return false, err
	}
	if user != nil && !user.IsActive() {
		return false, domain.ErrAccountDisabled
	}
	isNewUser := user == nil

	code, err := s.codes.Issue(ctx, hash)
	if err != nil {
		return false, err
	}
	if err := s.notifier.SendCode(ctx, email, code, isNewUser); err != nil {
		return false, fmt.Errorf("deliver verification code: %w", err)
	}
	return isNewUser, nil
}

// VerifyCode 校验验证码并登录，首次登录时创建账户
func (s *AuthService) VerifyCode(ctx context.Context, email, code string) (*LoginResult, error) {
	email, err := domain.ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	hash := protection.Hash(email)

	user, err := s.lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	if user != nil && !user.IsActive() {
		return nil, domain.ErrAccountDisabled
	}

	if err := s.codes.Verify(ctx, hash, code); err != nil {
		return nil, err
	}

	isNewUser := user == nil
	if isNewUser {
		if user, err = s.register(ctx, email, hash); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}

	pair, err := s.guard.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", zap.String("user_id", user.ID), zap.Bool("new_user", isNewUser))
	return &LoginResult{
		AccessToken: pair.AccessToken,
		ExpiresIn:   pair.ExpiresIn,
		IsNewUser:   isNewUser,
		User:        user,
	}, nil
}

// Logout 注销会话
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	return s.guard.Revoke(ctx, accessToken)
}

// Profile 返回用户资料及解密后的登录邮箱
func (s *AuthService) Profile(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	email, err := s.cipher.Decrypt(user.Username)
	if err != nil {
		return nil, fmt.Errorf("decrypt login email: %w", err)
	}
	return &Profile{User: user, Email: email, Quota: domain.DefaultQuotas(user.Tier)}, nil
}

func (s *AuthService) lookup(ctx context.Context, hash string) (*domain.User, error) {
	user, err := s.users.GetUserByUsernameHash(ctx, hash)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, nil
	}
	return user, err
}

func (s *AuthService) register(ctx context.Context, email, hash string) (*domain.User, error) {
	ciphertext, err := s.cipher.Encrypt(email)
	if err != nil {
		return nil, fmt.Errorf("encrypt login email: %w", err)
	}

	now := time.Now()
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     ciphertext,
		UsernameHash: hash,
		Role:         domain.RoleUser,
		Status:       domain.StatusActive,
		Tier:         domain.TierFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		// 并发首次登录时另一请求已建号
		if errors.Is(err, domain.ErrUserExists) {
			return s.users.GetUserByUsernameHash(ctx, hash)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.notifier.SendWelcome(ctx, email); err != nil {
		s.logger.Warn("failed to send welcome mail", zap.String("user_id", user.ID), zap.Error(err))
	}
	return user, nil
}
