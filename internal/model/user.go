package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleAdmin      = "ADMIN"
	RoleUser       = "USER"
)

const (
	UserStatusActive    = "ACTIVE"
	UserStatusInactive  = "INACTIVE"
	UserStatusSuspended = "SUSPENDED"
)

// SystemOperatorID 外部/系统操作方，由它发起的流水会向体系内注入新余额
const SystemOperatorID int64 = 0

// User 用户表
// Balance 只是缓存值，真实余额永远由 account_flow 推导
type User struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Role      string          `gorm:"type:varchar(20);not null" json:"role"`
	ParentID  *int64          `gorm:"index" json:"parent_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Status    string          `gorm:"type:varchar(20);not null;default:ACTIVE" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// IsChildOf 判断是否为 parentID 的直属下级
func (u *User) IsChildOf(parentID int64) bool {
	return u.ParentID != nil && *u.ParentID == parentID
}
