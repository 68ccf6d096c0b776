package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	FlowTypeRecharge = "RECHARGE"
	FlowTypeWithdraw = "WITHDRAW"
)

// 流水业务类型
const (
	BusinessTypeAdminOperation = "ADMIN_OPERATION"
	BusinessTypeTransfer       = "USER_TRANSFER"
	BusinessTypeCardRelease    = "CARD_RELEASE"
	BusinessTypeAutoWithdrawal = "AUTO_WITHDRAWAL"
)

// BalanceFlowTypes 参与余额计算的流水类型
var BalanceFlowTypes = []string{FlowTypeRecharge, FlowTypeWithdraw}

// AccountFlow 资金流水表
//
// 只追加，不修改，不删除。
// 一条流水同时影响两个人：target 增加 amount，operator 减少 amount。
// RECHARGE 金额为正，WITHDRAW 金额为负，符号只在 Ledger 写入时归一化。
type AccountFlow struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OperatorID    int64           `gorm:"index;not null" json:"operator_id"`
	TargetUserID  int64           `gorm:"index;not null" json:"target_user_id"`
	OperationType string          `gorm:"type:varchar(20);not null" json:"operation_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(8);not null" json:"currency"`
	Description   string          `gorm:"type:varchar(256)" json:"description"`
	BusinessType  string          `gorm:"type:varchar(32);index" json:"business_type"`
	BusinessID    string          `gorm:"type:varchar(64);index" json:"business_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountFlow) TableName() string {
	return "account_flow"
}
