package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrProvider 渠道调用失败：网络错误、非 2xx、业务码非 0、响应结构不符
var ErrProvider = errors.New("PROVIDER_ERROR")

// APIError 渠道返回的业务错误
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider code=%d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return ErrProvider }

// Client 发卡渠道接口
type Client interface {
	CreateCard(ctx context.Context, req CreateCardRequest) (*CreateCardResult, error)
	RechargeCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error)
	WithdrawCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error)
	ReleaseCard(ctx context.Context, cardID, requestID string) (*ReleaseResult, error)
	FreezeCard(ctx context.Context, cardID string) (*CardStatusResult, error)
	ActivateCard(ctx context.Context, cardID string) (*CardStatusResult, error)
	GetAuthList(ctx context.Context, q ListQuery) (*AuthPage, error)
	GetSettleList(ctx context.Context, q ListQuery) (*SettlePage, error)
}

type CreateCardRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ExpDate     string          `json:"exp_date,omitempty"`
	ProductCode string          `json:"product_code,omitempty"`
	RequestID   string          `json:"request_id"`
}

type CreateCardResult struct {
	CardID  string          `json:"card_id"`
	CardNo  string          `json:"card_no"`
	CVV     string          `json:"cvv"`
	ExpDate string          `json:"exp_date"`
	CardBal decimal.Decimal `json:"card_bal"`
	CurID   string          `json:"cur_id"`
}

type BalanceResult struct {
	Amount  decimal.Decimal `json:"amount"`
	CardBal decimal.Decimal `json:"card_bal"`
	CurID   string          `json:"cur_id"`
}

type ReleaseResult struct {
	ReleaseBal decimal.Decimal `json:"release_bal"`
}

type CardStatusResult struct {
	CardID string `json:"card_id"`
	Status string `json:"status"`
}

// ListQuery 日期格式 2006-01-02，Page 从 1 开始
type ListQuery struct {
	DateStart string `json:"date_start"`
	DateEnd   string `json:"date_end"`
	Page      int    `json:"page"`
	CardID    string `json:"card_id,omitempty"`
}

// AuthRecord 授权记录，webhook 报文与批量列表共用
type AuthRecord struct {
	CardID          string          `json:"card_id"`
	TxnID           string          `json:"txn_id"`
	OriginTxnID     string          `json:"origin_txn_id"`
	TxnType         string          `json:"txn_type"`
	TxnStatus       string          `json:"txn_status"`
	TxnAmt          decimal.Decimal `json:"txn_amt"`
	TxnCcy          string          `json:"txn_ccy"`
	BillAmt         decimal.Decimal `json:"bill_amt"`
	BillCcy         string          `json:"bill_ccy"`
	MerchantName    string          `json:"merchant_name"`
	MerchantCountry string          `json:"merchant_country"`
	MCC             string          `json:"mcc"`
	AuthCode        string          `json:"auth_code"`
	DeclineReason   string          `json:"decline_reason"`
	TxnTime         string          `json:"txn_time"`
}

// SettleRecord 清算记录，AuthTxnID 指向被清算的授权
type SettleRecord struct {
	CardID          string          `json:"card_id"`
	TxnID           string          `json:"txn_id"`
	AuthTxnID       string          `json:"auth_txn_id"`
	OriginTxnID     string          `json:"origin_txn_id"`
	TxnType         string          `json:"txn_type"`
	TxnStatus       string          `json:"txn_status"`
	TxnAmt          decimal.Decimal `json:"txn_amt"`
	TxnCcy          string          `json:"txn_ccy"`
	BillAmt         decimal.Decimal `json:"bill_amt"`
	BillCcy         string          `json:"bill_ccy"`
	MerchantName    string          `json:"merchant_name"`
	MerchantCountry string          `json:"merchant_country"`
	MCC             string          `json:"mcc"`
	AuthCode        string          `json:"auth_code"`
	TxnTime         string          `json:"txn_time"`
	ClearingDate    string          `json:"clearing_date"`
}

type AuthPage struct {
	Items      []AuthRecord
	TotalCount int
}

type SettlePage struct {
	Items      []SettleRecord
	TotalCount int
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime 解析渠道时间，空串返回零值
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析交易时间 %q", s)
}
