package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
)

// Store 基于 GORM 的持久化存储，支持 PostgreSQL 与 MySQL
type Store struct {
	db *gorm.DB
}

// Open 根据数据库配置选择方言并创建存储实例
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var (
		dialector gorm.Dialector
		err       error
	)
	switch cfg.Type {
	case "postgres":
		dialector, err = postgresDialector(cfg.DSN)
	case "mysql":
		dialector, err = mysqlDialector(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	store, err := NewStoreWithDialector(dialector)
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return store, nil
}

// postgresDialector 通过 pgx stdlib 打开连接，DSN 解析失败时尽早报错
func postgresDialector(dsn string) (gorm.Dialector, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	return postgres.New(postgres.Config{Conn: stdlib.OpenDB(*connConfig)}), nil
}

// mysqlDialector 解析 MySQL DSN，并强制 parseTime 以便正确扫描时间字段
func mysqlDialector(dsn string) (gorm.Dialector, error) {
	dsnConfig, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	dsnConfig.ParseTime = true
	dsnConfig.Loc = time.UTC
	return gormmysql.Open(dsnConfig.FormatDSN()), nil
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.User{},
		&domain.RelayAlias{},
	)
}

// ========== Alias Repository ==========

// CreateAlias 保存新别名
func (s *Store) CreateAlias(ctx context.Context, alias *domain.RelayAlias) error {
	err := s.db.WithContext(ctx).Create(alias).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAddressTaken
	}
	return err
}

// GetAlias 根据 ID 获取未删除的别名
func (s *Store) GetAlias(ctx context.Context, id string) (*domain.RelayAlias, error) {
	var alias domain.RelayAlias
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// GetActiveAliasByAddress 根据地址获取处于启用状态的别名
func (s *Store) GetActiveAliasByAddress(ctx context.Context, address string) (*domain.RelayAlias, error) {
	var alias domain.RelayAlias
	err := s.db.WithContext(ctx).
		Where("relay_address = ? AND is_active = ?", address, true).
		First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// AddressExists 检查地址是否被占用，已软删除的地址同样视为占用
func (s *Store) AddressExists(ctx context.Context, address string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().
		Model(&domain.RelayAlias{}).
		Where("relay_address = ?", address).
		Count(&count).Error
	return count > 0, err
}

// CountAliasesByOwner 统计用户未删除的别名数量
func (s *Store) CountAliasesByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.RelayAlias{}).
		Where("owner_id = ?", ownerID).
		Count(&count).Error
	return count, err
}

// ListAliasesByOwner 列出用户未删除的别名
func (s *Store) ListAliasesByOwner(ctx context.Context, ownerID string) ([]domain.RelayAlias, error) {
	var aliases []domain.RelayAlias
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&aliases).Error
	return aliases, err
}

// UpdateAlias 更新别名的可变字段
func (s *Store) UpdateAlias(ctx context.Context, alias *domain.RelayAlias) error {
	result := s.db.WithContext(ctx).
		Model(&domain.RelayAlias{}).
		Where("id = ?", alias.ID).
		Updates(map[string]interface{}{
			"description": alias.Description,
			"is_active":   alias.IsActive,
			"paused_at":   alias.PausedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAliasNotFound
	}
	return nil
}

// SoftDeleteAlias 软删除别名（写入 deleted_at）
func (s *Store) SoftDeleteAlias(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.RelayAlias{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAliasNotFound
	}
	return nil
}

// IncrementForward 增加转发计数并记录最近转发时间
func (s *Store) IncrementForward(ctx context.Context, address string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&domain.RelayAlias{}).
		Where("relay_address = ?", address).
		Updates(map[string]interface{}{
			"forward_count":     gorm.Expr("forward_count + ?", 1),
			"last_forwarded_at": at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAliasNotFound
	}
	return nil
}

// ========== User Repository ==========

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	err := s.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrUserExists
	}
	return err
}

// GetUserByID 根据 ID 获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

// GetUserByUsernameHash 根据用户名哈希获取用户
func (s *Store) GetUserByUsernameHash(ctx context.Context, hash string) (*domain.User, error) {
	return s.findUser(ctx, "username_hash = ?", hash)
}

func (s *Store) findUser(ctx context.Context, query string, arg interface{}) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateUser 更新用户信息
func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	err := s.db.WithContext(ctx).Save(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrUserExists
	}
	return err
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
