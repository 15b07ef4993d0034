package domain

import (
	"time"

	"gorm.io/gorm"
)

// RelayAlias 表示一个中继邮箱地址。
// 所有发送到 RelayAddress 的邮件都会转发到所有者的主邮箱，主邮箱只以密文形式保存。
type RelayAlias struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID         string         `json:"-" gorm:"type:varchar(36);index;not null"`
	PrimaryEmail    string         `json:"-" gorm:"type:varchar(512);not null"` // 主邮箱密文
	RelayAddress    string         `json:"relayEmail" gorm:"type:varchar(255);uniqueIndex;not null"`
	Description     string         `json:"description" gorm:"type:varchar(80)"`
	IsActive        bool           `json:"isActive" gorm:"not null;default:true"`
	ForwardCount    int64          `json:"forwardCount" gorm:"not null;default:0"`
	LastForwardedAt *time.Time     `json:"lastForwardedAt,omitempty"`
	PausedAt        *time.Time     `json:"pausedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// Resolvable 判断别名当前是否可以接收转发
func (a *RelayAlias) Resolvable() bool {
	return a.IsActive && !a.DeletedAt.Valid
}

// RelayCacheEntry 中继地址缓存条目，To 为主邮箱密文
type RelayCacheEntry struct {
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}
