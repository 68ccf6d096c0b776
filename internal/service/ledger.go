package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/model"
	"cardledger/internal/repository"

	"github.com/shopspring/decimal"
)

const defaultCurrency = "USD"

// Locker 按 key 串行化，返回的 release 必须调用
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// FlowInput 金额传绝对值，正负号由 OperationType 决定
type FlowInput struct {
	OperatorID    int64
	TargetUserID  int64
	OperationType string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	BusinessType  string
	BusinessID    string
}

// LedgerService 账户流水账本
//
// 用户余额 = Σ(作为 target 的流水) − Σ(作为 operator 的流水)。
// 流水只追加不修改，users.balance 只是缓存，每次写流水后重算。
type LedgerService struct {
	store     repository.Store
	locker    Locker
	projector *BalanceProjector
	log       *slog.Logger
}

func NewLedgerService(store repository.Store, locker Locker, projector *BalanceProjector, log *slog.Logger) *LedgerService {
	return &LedgerService{
		store:     store,
		locker:    locker,
		projector: projector,
		log:       log,
	}
}

// RecordFlow 单独事务写一条流水
func (s *LedgerService) RecordFlow(ctx context.Context, in FlowInput) (*model.AccountFlow, error) {
	var flow *model.AccountFlow
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		var err error
		flow, err = recordFlow(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (s *LedgerService) ComputeBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return computeLedgerBalance(ctx, s.store, userID)
}

// Recharge 管理员给下级充值
//
// SUPER_ADMIN 是资金的发行方，不做余额校验；ADMIN 从自己的可用余额里划出。
func (s *LedgerService) Recharge(ctx context.Context, actor *model.User, targetID int64, amount decimal.Decimal, description string) (*model.AccountFlow, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	target, err := s.authorize(ctx, actor, targetID, ActionRecharge)
	if err != nil {
		return nil, err
	}
	gated := actor.Role != model.RoleSuperAdmin

	release, err := s.lockUsers(ctx, actor.ID, target.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	var flow *model.AccountFlow
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if gated {
			if _, err := tx.GetUserForUpdate(ctx, actor.ID); err != nil {
				return err
			}
			if err := s.projector.ensureAvailable(ctx, tx, actor.ID, amount, "admin_recharge"); err != nil {
				return err
			}
		}
		var err error
		flow, err = recordFlow(ctx, tx, FlowInput{
			OperatorID:    actor.ID,
			TargetUserID:  target.ID,
			OperationType: model.FlowTypeRecharge,
			Amount:        amount,
			Description:   description,
			BusinessType:  model.BusinessTypeAdminOperation,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("充值成功", "operator_id", actor.ID, "user_id", target.ID, "amount", amount.StringFixed(2))
	return flow, nil
}

// Withdraw 管理员从下级扣回，资金回到操作人
func (s *LedgerService) Withdraw(ctx context.Context, actor *model.User, targetID int64, amount decimal.Decimal, description string) (*model.AccountFlow, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	target, err := s.authorize(ctx, actor, targetID, ActionWithdraw)
	if err != nil {
		return nil, err
	}

	release, err := s.lockUsers(ctx, actor.ID, target.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	var flow *model.AccountFlow
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.GetUserForUpdate(ctx, target.ID); err != nil {
			return err
		}
		if err := s.projector.ensureAvailable(ctx, tx, target.ID, amount, "admin_withdraw"); err != nil {
			return err
		}
		var err error
		flow, err = recordFlow(ctx, tx, FlowInput{
			OperatorID:    actor.ID,
			TargetUserID:  target.ID,
			OperationType: model.FlowTypeWithdraw,
			Amount:        amount,
			Description:   description,
			BusinessType:  model.BusinessTypeAdminOperation,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("扣款成功", "operator_id", actor.ID, "user_id", target.ID, "amount", amount.StringFixed(2))
	return flow, nil
}

// Transfer 用户间转账，从 actor 的可用余额划出
func (s *LedgerService) Transfer(ctx context.Context, actor *model.User, targetID int64, amount decimal.Decimal, description string) (*model.AccountFlow, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	target, err := s.authorize(ctx, actor, targetID, ActionTransfer)
	if err != nil {
		return nil, err
	}
	if target.Status == model.UserStatusInactive {
		return nil, ErrUserInactive
	}

	release, err := s.lockUsers(ctx, actor.ID, target.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	var flow *model.AccountFlow
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.GetUserForUpdate(ctx, actor.ID); err != nil {
			return err
		}
		if err := s.projector.ensureAvailable(ctx, tx, actor.ID, amount, "transfer"); err != nil {
			return err
		}
		var err error
		flow, err = recordFlow(ctx, tx, FlowInput{
			OperatorID:    actor.ID,
			TargetUserID:  target.ID,
			OperationType: model.FlowTypeRecharge,
			Amount:        amount,
			Description:   description,
			BusinessType:  model.BusinessTypeTransfer,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("转账成功", "from_user_id", actor.ID, "to_user_id", target.ID, "amount", amount.StringFixed(2))
	return flow, nil
}

type FlowPage struct {
	Items    []*model.AccountFlow `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

func (s *LedgerService) ListFlows(ctx context.Context, actor *model.User, userID int64, page, pageSize int) (*FlowPage, error) {
	if _, err := s.authorize(ctx, actor, userID, ActionView); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	items, total, err := s.store.ListFlowsByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &FlowPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *LedgerService) authorize(ctx context.Context, actor *model.User, targetID int64, action Action) (*model.User, error) {
	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !CanOperateOn(actor, target, action) {
		return nil, ErrForbidden
	}
	return target, nil
}

// lockUsers 按用户ID升序加锁，避免互相转账时死锁
func (s *LedgerService) lockUsers(ctx context.Context, ids ...int64) (func(), error) {
	return lockUserKeys(ctx, s.locker, ids...)
}

func lockUserKeys(ctx context.Context, locker Locker, ids ...int64) (func(), error) {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id == model.SystemOperatorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	releases := make([]func(), 0, len(uniq))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range uniq {
		release, err := locker.Acquire(ctx, lock.BalanceKey(id))
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// recordFlow 在调用方事务内写流水并刷新缓存余额，是唯一处理金额符号的地方
func recordFlow(ctx context.Context, tx repository.Store, in FlowInput) (*model.AccountFlow, error) {
	amount := in.Amount.Abs()
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	switch in.OperationType {
	case model.FlowTypeRecharge:
	case model.FlowTypeWithdraw:
		amount = amount.Neg()
	default:
		return nil, fmt.Errorf("未知的流水类型: %s", in.OperationType)
	}
	if (in.OperationType == model.FlowTypeRecharge) != amount.IsPositive() {
		return nil, fmt.Errorf("流水金额符号错误: type=%s amount=%s", in.OperationType, amount)
	}

	if _, err := tx.GetUserForUpdate(ctx, in.TargetUserID); err != nil {
		return nil, err
	}
	operatorIsUser := in.OperatorID != model.SystemOperatorID && in.OperatorID != in.TargetUserID
	if operatorIsUser {
		if _, err := tx.GetUserForUpdate(ctx, in.OperatorID); err != nil {
			return nil, err
		}
	}

	currency := in.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	flow := &model.AccountFlow{
		OperatorID:    in.OperatorID,
		TargetUserID:  in.TargetUserID,
		OperationType: in.OperationType,
		Amount:        amount,
		Currency:      currency,
		Description:   in.Description,
		BusinessType:  in.BusinessType,
		BusinessID:    in.BusinessID,
	}
	if err := tx.CreateAccountFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("写入流水失败: %w", err)
	}

	if err := refreshCachedBalance(ctx, tx, in.TargetUserID); err != nil {
		return nil, err
	}
	if operatorIsUser {
		if err := refreshCachedBalance(ctx, tx, in.OperatorID); err != nil {
			return nil, err
		}
	}
	return flow, nil
}

func refreshCachedBalance(ctx context.Context, tx repository.Store, userID int64) error {
	balance, err := computeLedgerBalance(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := tx.UpdateUserBalance(ctx, userID, balance); err != nil {
		return fmt.Errorf("更新缓存余额失败: %w", err)
	}
	return nil
}

func computeLedgerBalance(ctx context.Context, st repository.Store, userID int64) (decimal.Decimal, error) {
	in, err := st.SumFlowsByTarget(ctx, userID, model.BalanceFlowTypes)
	if err != nil {
		return decimal.Zero, fmt.Errorf("汇总入账流水失败: %w", err)
	}
	out, err := st.SumFlowsByOperator(ctx, userID, model.BalanceFlowTypes)
	if err != nil {
		return decimal.Zero, fmt.Errorf("汇总出账流水失败: %w", err)
	}
	return in.Sub(out), nil
}
