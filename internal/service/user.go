package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/auth"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/protection"
	"relaymail/backend/internal/relay"
	"relaymail/backend/internal/storage"
)

// UserService 账户生命周期：停用、删除、查询邮箱是否已注册、更换登录邮箱
type UserService struct {
	users    storage.UserRepository
	cipher   relay.Cipher
	codes    *auth.CodeLimiter
	pending  storage.UsernameChangeStore
	guard    *auth.Guard
	registry *relay.Registry
	notifier CodeNotifier
	logger   *zap.Logger
}

// NewUserService 创建账户服务
func NewUserService(
	users storage.UserRepository,
	cipher relay.Cipher,
	codes *auth.CodeLimiter,
	pending storage.UsernameChangeStore,
	guard *auth.Guard,
	registry *relay.Registry,
	notifier CodeNotifier,
	logger *zap.Logger,
) *UserService {
	return &UserService{
		users:    users,
		cipher:   cipher,
		codes:    codes,
		pending:  pending,
		guard:    guard,
		registry: registry,
		notifier: notifier,
		logger:   logger.Named("user_service"),
	}
}

// changeCodeKey 邮箱变更验证码与登录验证码分开计数
func changeCodeKey(userID string) string {
	return "username-change:" + userID
}

// Exists 判断邮箱是否已注册
func (s *UserService) Exists(ctx context.Context, email string) (bool, error) {
	email, err := domain.ValidateEmail(email)
	if err != nil {
		return false, err
	}
	_, err = s.users.GetUserByUsernameHash(ctx, protection.Hash(email))
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Deactivate 停用账户并注销当前会话
//
// 停用后无法登录，其他设备上的会话在访问令牌过期后不再续期。别名保持原状。
func (s *UserService) Deactivate(ctx context.Context, userID, accessToken string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Status == domain.StatusDeleted {
		return domain.ErrUserNotFound
	}

	now := time.Now()
	user.Status = domain.StatusDeactivated
	user.DeactivatedAt = &now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if err := s.guard.Revoke(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.Info("user deactivated", zap.String("user_id", userID))
	return nil
}

// Delete 删除账户
//
// 账户行保留为墓碑：密文邮箱清空，哈希改写为与 ID 绑定的值，
// 同一邮箱之后可以重新注册。名下别名全部删除并停止转发。
func (s *UserService) Delete(ctx context.Context, userID, accessToken string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Status == domain.StatusDeleted {
		return domain.ErrUserNotFound
	}

	removed, err := s.registry.RemoveAll(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	user.Status = domain.StatusDeleted
	user.DeletedAt = &now
	user.Username = ""
	user.UsernameHash = protection.Hash("deleted:" + user.ID)
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if err := s.pending.DeletePendingUsername(ctx, userID); err != nil {
		s.logger.Warn("failed to drop pending username change", zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.guard.Revoke(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.logger.Info("user deleted", zap.String("user_id", userID), zap.Int("relay_aliases", removed))
	return nil
}

// RequestUsernameChange 向新邮箱发送验证码，确认前登录邮箱不变
func (s *UserService) RequestUsernameChange(ctx context.Context, userID, newEmail string) error {
	newEmail, err := domain.ValidateEmail(newEmail)
	if err != nil {
		return err
	}
	user, err := s.active(ctx, userID)
	if err != nil {
		return err
	}

	hash := protection.Hash(newEmail)
	if hash == user.UsernameHash {
		return domain.ErrSameEmail
	}
	if err := s.ensureFree(ctx, hash); err != nil {
		return err
	}

	ciphertext, err := s.cipher.Encrypt(newEmail)
	if err != nil {
		return fmt.Errorf("encrypt new email: %w", err)
	}
	code, err := s.codes.Issue(ctx, changeCodeKey(userID))
	if err != nil {
		return err
	}
	if err := s.pending.SavePendingUsername(ctx, userID, ciphertext, s.codes.Expiry()); err != nil {
		return fmt.Errorf("save pending username: %w", err)
	}
	if err := s.notifier.SendCode(ctx, newEmail, code, false); err != nil {
		return fmt.Errorf("deliver verification code: %w", err)
	}
	return nil
}

// VerifyUsernameChange 校验验证码并更换登录邮箱
func (s *UserService) VerifyUsernameChange(ctx context.Context, userID, code string) error {
	user, err := s.active(ctx, userID)
	if err != nil {
		return err
	}

	ciphertext, err := s.pending.GetPendingUsername(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrPendingChangeNotFound) {
			return auth.ErrCodeExpired
		}
		return fmt.Errorf("get pending username: %w", err)
	}
	if err := s.codes.Verify(ctx, changeCodeKey(userID), code); err != nil {
		return err
	}

	newEmail, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt new email: %w", err)
	}
	hash := protection.Hash(newEmail)

	// 请求与确认之间邮箱可能已被他人注册
	if err := s.ensureFree(ctx, hash); err != nil {
		s.dropPending(ctx, userID)
		return err
	}

	user.Username = ciphertext
	user.UsernameHash = hash
	if err := s.users.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			s.dropPending(ctx, userID)
			return domain.ErrEmailInUse
		}
		return fmt.Errorf("update username: %w", err)
	}
	s.dropPending(ctx, userID)

	s.logger.Info("username changed", zap.String("user_id", userID))
	return nil
}

func (s *UserService) active(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, domain.ErrAccountDisabled
	}
	return user, nil
}

func (s *UserService) ensureFree(ctx context.Context, hash string) error {
	_, err := s.users.GetUserByUsernameHash(ctx, hash)
	switch {
	case err == nil:
		return domain.ErrEmailInUse
	case errors.Is(err, domain.ErrUserNotFound):
		return nil
	default:
		return err
	}
}

func (s *UserService) dropPending(ctx context.Context, userID string) {
	if err := s.pending.DeletePendingUsername(ctx, userID); err != nil {
		s.logger.Warn("failed to drop pending username change", zap.String("user_id", userID), zap.Error(err))
	}
}
