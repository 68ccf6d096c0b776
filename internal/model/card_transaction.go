package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxnTypeAuth       = "AUTH"
	TxnTypeAuthCancel = "AUTH_CANCEL"
	TxnTypeSettlement = "SETTLEMENT"
	TxnTypeRefund     = "REFUND"
	TxnTypeCancel     = "CANCEL"
)

const (
	TxnStatusFailed  = "0"
	TxnStatusSuccess = "1"
)

// 撤销授权后的自动出金状态，空串表示未触发
const (
	WithdrawalStatusNone       = ""
	WithdrawalStatusPending    = "PENDING"
	WithdrawalStatusProcessing = "PROCESSING"
	WithdrawalStatusSuccess    = "SUCCESS"
	WithdrawalStatusFailed     = "FAILED"
)

// CardTransaction 卡交易表
//
// 一笔渠道交易一行，授权与清算合并在同一行上。
// TxnID 全局唯一，是 webhook 与批量同步两条入口的幂等边界。
// FinalAmt 是合并后的权威金额：消费为正，退款为负。
type CardTransaction struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	CardID      string `gorm:"type:varchar(64);index;not null" json:"card_id"`
	UserID      int64  `gorm:"index;not null" json:"user_id"`
	Username    string `gorm:"type:varchar(64)" json:"username"`
	TxnID       string `gorm:"type:varchar(64);uniqueIndex;not null" json:"txn_id"`
	OriginTxnID string `gorm:"type:varchar(64)" json:"origin_txn_id"`
	AuthTxnID   string `gorm:"type:varchar(64);index" json:"auth_txn_id"`
	SettleTxnID string `gorm:"type:varchar(64);index" json:"settle_txn_id"`
	TxnType     string `gorm:"type:varchar(20);index;not null" json:"txn_type"`
	TxnStatus   string `gorm:"type:varchar(2);not null" json:"txn_status"`

	AuthTxnAmt    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"auth_txn_amt"`
	AuthTxnCcy    string          `gorm:"type:varchar(8)" json:"auth_txn_ccy"`
	AuthBillAmt   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"auth_bill_amt"`
	AuthBillCcy   string          `gorm:"type:varchar(8)" json:"auth_bill_ccy"`
	SettleBillAmt decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"settle_bill_amt"`
	SettleBillCcy string          `gorm:"type:varchar(8)" json:"settle_bill_ccy"`
	FinalAmt      decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"final_amt"`
	FinalCcy      string          `gorm:"type:varchar(8)" json:"final_ccy"`

	MerchantName    string    `gorm:"type:varchar(128)" json:"merchant_name"`
	MerchantCountry string    `gorm:"type:varchar(8)" json:"merchant_country"`
	MCC             string    `gorm:"type:varchar(8)" json:"mcc"`
	AuthCode        string    `gorm:"type:varchar(16)" json:"auth_code"`
	DeclineReason   string    `gorm:"type:varchar(256)" json:"decline_reason"`
	TxnTime         time.Time `gorm:"index" json:"txn_time"`
	ClearingDate    string    `gorm:"type:varchar(16)" json:"clearing_date"`
	IsSettled       bool      `gorm:"not null;default:false" json:"is_settled"`

	WithdrawalStatus string `gorm:"type:varchar(20);index" json:"withdrawal_status"`

	// 原始回调报文，仅用于审计，业务逻辑不读取
	RawCallbackData string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CardTransaction) TableName() string {
	return "card_transaction"
}

// CountsAsConsumption 是否计入消费：成功且不是撤销授权
func (t *CardTransaction) CountsAsConsumption() bool {
	return t.TxnStatus == TxnStatusSuccess && t.TxnType != TxnTypeAuthCancel
}

// IsSuccessfulCancel 成功的撤销授权，需要自动出金
func (t *CardTransaction) IsSuccessfulCancel() bool {
	return t.TxnType == TxnTypeAuthCancel && t.TxnStatus == TxnStatusSuccess
}
