package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 卡操作类型，括号内为金额符号
const (
	OpCreateCard = "CREATE_CARD" // +
	OpDeleteCard = "DELETE_CARD" // -
	OpRecharge   = "RECHARGE"    // +
	OpWithdraw   = "WITHDRAW"    // -
	OpFreeze     = "FREEZE"      // 0
	OpUnfreeze   = "UNFREEZE"    // 0
)

// OperationLog 卡操作日志，只追加
// 同一张卡的 amount 之和 = 累计划入卡内的资金（不含消费）
type OperationLog struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CardID        string          `gorm:"type:varchar(64);index;not null" json:"card_id"`
	CardNo        string          `gorm:"type:varchar(32)" json:"card_no"`
	OperationType string          `gorm:"type:varchar(20);not null" json:"operation_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(8)" json:"currency"`
	OperatorID    int64           `gorm:"index;not null" json:"operator_id"`
	OperatorName  string          `gorm:"type:varchar(64)" json:"operator_name"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (OperationLog) TableName() string {
	return "operation_log"
}
