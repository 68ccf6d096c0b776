package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CardStatusActive   = "ACTIVE"
	CardStatusFrozen   = "FROZEN"
	CardStatusReleased = "RELEASED"
	CardStatusExpired  = "EXPIRED"
	CardStatusLocked   = "LOCKED"
	CardStatusPending  = "PENDING"
)

// VirtualCard 虚拟卡
// Balance 为展示用缓存，锁定金额以 operation_log + card_transaction 实时计算
type VirtualCard struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CardID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"card_id"` // 渠道方卡ID
	CardNo    string          `gorm:"type:varchar(32);not null" json:"card_no"`
	CVV       string          `gorm:"type:varchar(8)" json:"-"`
	ExpDate   string          `gorm:"type:varchar(8)" json:"exp_date"`
	Currency  string          `gorm:"type:varchar(8);not null" json:"currency"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Status    string          `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedBy int64           `gorm:"index;not null" json:"created_by"`
	Remark    string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VirtualCard) TableName() string {
	return "virtual_card"
}
