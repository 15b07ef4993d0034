package domain

import "time"

// UserTier 订阅等级
type UserTier string

const (
	TierFree    UserTier = "FREE"
	TierPremium UserTier = "PREMIUM"
)

// UserRole 用户角色
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// UserStatus 账户状态
type UserStatus string

const (
	StatusActive      UserStatus = "ACTIVE"
	StatusDeactivated UserStatus = "DEACTIVATED"
	StatusDeleted     UserStatus = "DELETED"
)

// User 表示通过验证码登录的用户
//
// 登录邮箱从不以明文保存：UsernameHash 用于等值查找，
// Username 保存可逆密文，仅用于发信和向本人展示。
type User struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username      string     `json:"-" gorm:"type:varchar(255);not null"`
	UsernameHash  string     `json:"-" gorm:"type:char(64);uniqueIndex;not null"`
	Role          UserRole   `json:"role" gorm:"type:varchar(20);default:'USER'"`
	Status        UserStatus `json:"status" gorm:"type:varchar(20);default:'ACTIVE';index"`
	Tier          UserTier   `json:"tier" gorm:"type:varchar(20);default:'FREE'"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	DeletedAt     *time.Time `json:"-" gorm:"index"`
}

// IsAdmin 判断用户是否为管理员
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsActive 判断账户是否可登录
func (u *User) IsActive() bool {
	return u.Status == "" || u.Status == StatusActive
}

// Quota 用户配额
type Quota struct {
	MaxRelayAliases int `json:"maxRelayAliases"` // -1 表示无限制
}

// DefaultQuotas 返回不同等级的默认配额
func DefaultQuotas(tier UserTier) Quota {
	switch tier {
	case TierPremium:
		return Quota{MaxRelayAliases: -1}
	default: // TierFree
		return Quota{MaxRelayAliases: 3}
	}
}

// Allows 判断在已有 count 个别名时是否还能再创建
func (q Quota) Allows(count int64) bool {
	return q.MaxRelayAliases < 0 || count < int64(q.MaxRelayAliases)
}
