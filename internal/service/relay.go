package service

import (
	"context"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/relay"
	"relaymail/backend/internal/storage"
)

// RelayView 返回给所有者的中继地址视图，含解密后的主邮箱
type RelayView struct {
	domain.RelayAlias
	PrimaryEmail string `json:"primaryEmail"`
}

// RelayService 面向 HTTP 层的中继地址管理
type RelayService struct {
	users    storage.UserRepository
	registry *relay.Registry
	logger   *zap.Logger
}

// NewRelayService 创建中继地址业务服务
func NewRelayService(users storage.UserRepository, registry *relay.Registry, logger *zap.Logger) *RelayService {
	return &RelayService{users: users, registry: registry, logger: logger.Named("relay_service")}
}

// Create 为用户随机分配一个中继地址
func (s *RelayService) Create(ctx context.Context, userID string) (*RelayView, error) {
	owner, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	alias, err := s.registry.Allocate(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.view(alias), nil
}

// CreateCustom 以指定本地部分创建中继地址，仅管理员可用
func (s *RelayService) CreateCustom(ctx context.Context, userID, localPart string) (*RelayView, error) {
	owner, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !owner.IsAdmin() {
		return nil, domain.ErrPermissionDenied
	}
	alias, err := s.registry.ClaimCustom(ctx, owner, localPart)
	if err != nil {
		return nil, err
	}
	return s.view(alias), nil
}

// List 列出用户的中继地址
func (s *RelayService) List(ctx context.Context, userID string) ([]RelayView, error) {
	aliases, err := s.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]RelayView, 0, len(aliases))
	for i := range aliases {
		views = append(views, *s.view(&aliases[i]))
	}
	return views, nil
}

// SetActive 启用或暂停转发
func (s *RelayService) SetActive(ctx context.Context, userID, id string, active bool) (*RelayView, error) {
	alias, err := s.registry.SetActive(ctx, id, userID, active)
	if err != nil {
		return nil, err
	}
	return s.view(alias), nil
}

// SetDescription 修改备注
func (s *RelayService) SetDescription(ctx context.Context, userID, id, description string) (*RelayView, error) {
	alias, err := s.registry.SetDescription(ctx, id, userID, description)
	if err != nil {
		return nil, err
	}
	return s.view(alias), nil
}

// Delete 删除中继地址
func (s *RelayService) Delete(ctx context.Context, userID, id string) error {
	return s.registry.Remove(ctx, id, userID)
}

func (s *RelayService) activeUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, domain.ErrAccountDisabled
	}
	return user, nil
}

// view 解密失败时主邮箱留空，不影响列表其余字段
func (s *RelayService) view(alias *domain.RelayAlias) *RelayView {
	primary, err := s.registry.PrimaryAddress(alias)
	if err != nil {
		s.logger.Warn("failed to decrypt primary email", zap.String("id", alias.ID), zap.Error(err))
	}
	return &RelayView{RelayAlias: *alias, PrimaryEmail: primary}
}
