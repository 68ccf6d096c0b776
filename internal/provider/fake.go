package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Fake 内存版渠道，单元测试与本地联调用。
// 卡余额在内存里维护，*Err 字段非空时对应接口直接返回该错误。
type Fake struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	status   map[string]string
	seq      int64

	AuthPages   [][]AuthRecord
	SettlePages [][]SettleRecord

	CreateErr   error
	RechargeErr error
	WithdrawErr error
	ReleaseErr  error
	ListErr     error

	// WithdrawHook 在扣款前调用，可用来模拟慢响应
	WithdrawHook func(ctx context.Context) error

	WithdrawCalls int64
	RechargeCalls int64
	Queries       []ListQuery
}

func NewFake() *Fake {
	return &Fake{
		balances: make(map[string]decimal.Decimal),
		status:   make(map[string]string),
	}
}

// SetBalance 直接设置卡余额
func (f *Fake) SetBalance(cardID string, bal decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[cardID] = bal
}

func (f *Fake) Balance(cardID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[cardID]
}

func (f *Fake) CreateCard(ctx context.Context, req CreateCardRequest) (*CreateCardResult, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	cardID := fmt.Sprintf("card-%d", f.seq)
	f.balances[cardID] = req.Amount
	f.status[cardID] = "ACTIVE"
	return &CreateCardResult{
		CardID:  cardID,
		CardNo:  fmt.Sprintf("4000000000%06d", f.seq),
		CVV:     "123",
		ExpDate: req.ExpDate,
		CardBal: req.Amount,
		CurID:   req.Currency,
	}, nil
}

func (f *Fake) RechargeCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error) {
	atomic.AddInt64(&f.RechargeCalls, 1)
	if f.RechargeErr != nil {
		return nil, f.RechargeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[cardID].Add(amount)
	f.balances[cardID] = bal
	return &BalanceResult{Amount: amount, CardBal: bal}, nil
}

func (f *Fake) WithdrawCard(ctx context.Context, cardID string, amount decimal.Decimal, requestID string) (*BalanceResult, error) {
	atomic.AddInt64(&f.WithdrawCalls, 1)
	if f.WithdrawHook != nil {
		if err := f.WithdrawHook(ctx); err != nil {
			return nil, err
		}
	}
	if f.WithdrawErr != nil {
		return nil, f.WithdrawErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[cardID]
	if bal.LessThan(amount) {
		return nil, &APIError{Code: 4001, Message: "card balance not enough"}
	}
	bal = bal.Sub(amount)
	f.balances[cardID] = bal
	return &BalanceResult{Amount: amount, CardBal: bal}, nil
}

func (f *Fake) ReleaseCard(ctx context.Context, cardID, requestID string) (*ReleaseResult, error) {
	if f.ReleaseErr != nil {
		return nil, f.ReleaseErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[cardID]
	f.balances[cardID] = decimal.Zero
	f.status[cardID] = "RELEASED"
	return &ReleaseResult{ReleaseBal: bal}, nil
}

func (f *Fake) FreezeCard(ctx context.Context, cardID string) (*CardStatusResult, error) {
	return f.setStatus(cardID, "FROZEN"), nil
}

func (f *Fake) ActivateCard(ctx context.Context, cardID string) (*CardStatusResult, error) {
	return f.setStatus(cardID, "ACTIVE"), nil
}

func (f *Fake) setStatus(cardID, status string) *CardStatusResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[cardID] = status
	return &CardStatusResult{CardID: cardID, Status: status}
}

// GetAuthList 第 n 页返回 AuthPages[n-1]，越界返回空页
func (f *Fake) GetAuthList(ctx context.Context, q ListQuery) (*AuthPage, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)
	page := &AuthPage{}
	if q.Page >= 1 && q.Page <= len(f.AuthPages) {
		page.Items = f.AuthPages[q.Page-1]
	}
	for _, p := range f.AuthPages {
		page.TotalCount += len(p)
	}
	return page, nil
}

func (f *Fake) GetSettleList(ctx context.Context, q ListQuery) (*SettlePage, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)
	page := &SettlePage{}
	if q.Page >= 1 && q.Page <= len(f.SettlePages) {
		page.Items = f.SettlePages[q.Page-1]
	}
	for _, p := range f.SettlePages {
		page.TotalCount += len(p)
	}
	return page, nil
}

var _ Client = (*Fake)(nil)
