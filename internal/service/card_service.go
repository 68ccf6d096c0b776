package service

import (
	"context"
	"fmt"
	"log/slog"

	"cardledger/internal/config"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/repository"
	"cardledger/pkg/idgen"

	"github.com/shopspring/decimal"
)

type CreateCardInput struct {
	OwnerID  int64
	Amount   decimal.Decimal
	Currency string
	ExpDate  string
	Remark   string
}

type ReleaseResult struct {
	Card       *model.VirtualCard `json:"card"`
	ReleaseBal decimal.Decimal    `json:"release_bal"`
}

// CardService 虚拟卡资金操作
//
// 每个操作先调渠道，成功后在一个事务里写卡操作日志并同步缓存余额。
// 开卡与充卡从用户可用余额里划出，需要先过余额校验。
type CardService struct {
	store     repository.Store
	provider  provider.Client
	locker    Locker
	projector *BalanceProjector
	cfg       config.ProviderConfig
	log       *slog.Logger
}

func NewCardService(store repository.Store, client provider.Client, locker Locker, projector *BalanceProjector, cfg config.ProviderConfig, log *slog.Logger) *CardService {
	return &CardService{
		store:     store,
		provider:  client,
		locker:    locker,
		projector: projector,
		cfg:       cfg,
		log:       log,
	}
}

func (s *CardService) CreateCard(ctx context.Context, actor *model.User, in CreateCardInput) (*model.VirtualCard, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	ownerID := in.OwnerID
	if ownerID == 0 {
		ownerID = actor.ID
	}
	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !CanOperateOn(actor, owner, ActionManageCard) {
		return nil, ErrForbidden
	}
	if owner.Status == model.UserStatusInactive {
		return nil, ErrUserInactive
	}
	currency := in.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	release, err := lockUserKeys(ctx, s.locker, owner.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.projector.ensureAvailable(ctx, s.store, owner.ID, in.Amount, "create_card"); err != nil {
		return nil, err
	}

	res, err := s.provider.CreateCard(ctx, provider.CreateCardRequest{
		Amount:      in.Amount,
		Currency:    currency,
		ExpDate:     in.ExpDate,
		ProductCode: s.cfg.ProductCode,
		RequestID:   idgen.RequestID(idgen.PrefixCreateCard),
	})
	if err != nil {
		return nil, fmt.Errorf("渠道开卡失败: %w", err)
	}

	card := &model.VirtualCard{
		CardID:    res.CardID,
		CardNo:    res.CardNo,
		CVV:       res.CVV,
		ExpDate:   res.ExpDate,
		Currency:  currency,
		Balance:   res.CardBal,
		Status:    model.CardStatusActive,
		CreatedBy: owner.ID,
		Remark:    in.Remark,
	}
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateCard(ctx, card); err != nil {
			return err
		}
		return tx.CreateOperationLog(ctx, s.opLog(card, actor, model.OpCreateCard, in.Amount, "开卡"))
	})
	if err != nil {
		s.log.Error("渠道已开卡但落库失败", "card_id", res.CardID, "user_id", owner.ID, "error", err)
		return nil, err
	}

	s.log.Info("开卡成功", "card_id", card.CardID, "user_id", owner.ID, "amount", in.Amount.StringFixed(2))
	return card, nil
}

func (s *CardService) RechargeCard(ctx context.Context, actor *model.User, cardID string, amount decimal.Decimal) (*model.VirtualCard, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	card, owner, err := s.authorizeCard(ctx, actor, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != model.CardStatusActive {
		return nil, ErrCardStatusInvalid
	}

	release, err := lockUserKeys(ctx, s.locker, owner.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.projector.ensureAvailable(ctx, s.store, owner.ID, amount, "recharge_card"); err != nil {
		return nil, err
	}

	res, err := s.provider.RechargeCard(ctx, card.CardID, amount, idgen.RequestID(idgen.PrefixRecharge))
	if err != nil {
		return nil, fmt.Errorf("渠道充值失败: %w", err)
	}
	if err := s.commit(ctx, card, actor, model.OpRecharge, amount, res.CardBal, "卡充值"); err != nil {
		return nil, err
	}

	s.log.Info("卡充值成功", "card_id", card.CardID, "user_id", owner.ID, "amount", amount.StringFixed(2))
	return card, nil
}

// WithdrawCard 卡内余额退回用户
func (s *CardService) WithdrawCard(ctx context.Context, actor *model.User, cardID string, amount decimal.Decimal) (*model.VirtualCard, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	card, owner, err := s.authorizeCard(ctx, actor, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == model.CardStatusReleased {
		return nil, ErrCardStatusInvalid
	}

	release, err := s.locker.Acquire(ctx, lock.CardKey(card.CardID))
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.provider.WithdrawCard(ctx, card.CardID, amount, idgen.RequestID(idgen.PrefixWithdraw))
	if err != nil {
		return nil, fmt.Errorf("渠道提现失败: %w", err)
	}
	if err := s.commit(ctx, card, actor, model.OpWithdraw, amount.Neg(), res.CardBal, "卡提现"); err != nil {
		return nil, err
	}

	s.log.Info("卡提现成功", "card_id", card.CardID, "user_id", owner.ID, "amount", amount.StringFixed(2))
	return card, nil
}

// ReleaseCard 注销卡，渠道退回的余额记 DELETE_CARD 负向日志，
// 另写一条自转流水留痕（operator = target，不影响余额）
func (s *CardService) ReleaseCard(ctx context.Context, actor *model.User, cardID string) (*ReleaseResult, error) {
	card, owner, err := s.authorizeCard(ctx, actor, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == model.CardStatusReleased {
		return nil, ErrCardStatusInvalid
	}

	release, err := s.locker.Acquire(ctx, lock.CardKey(card.CardID))
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.provider.ReleaseCard(ctx, card.CardID, idgen.RequestID(idgen.PrefixRelease))
	if err != nil {
		return nil, fmt.Errorf("渠道销卡失败: %w", err)
	}
	releaseBal := res.ReleaseBal.Abs()

	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateCardStatus(ctx, card.CardID, model.CardStatusReleased); err != nil {
			return err
		}
		if err := tx.SetCardBalance(ctx, card.CardID, decimal.Zero); err != nil {
			return err
		}
		if err := tx.CreateOperationLog(ctx, s.opLog(card, actor, model.OpDeleteCard, releaseBal.Neg(), "销卡")); err != nil {
			return err
		}
		if releaseBal.IsZero() {
			return nil
		}
		_, err := recordFlow(ctx, tx, FlowInput{
			OperatorID:    owner.ID,
			TargetUserID:  owner.ID,
			OperationType: model.FlowTypeRecharge,
			Amount:        releaseBal,
			Currency:      card.Currency,
			Description:   fmt.Sprintf("销卡余额退回 %s", card.CardID),
			BusinessType:  model.BusinessTypeCardRelease,
			BusinessID:    card.CardID,
		})
		return err
	})
	if err != nil {
		s.log.Error("渠道已销卡但落库失败", "card_id", card.CardID, "error", err)
		return nil, err
	}

	card.Status = model.CardStatusReleased
	card.Balance = decimal.Zero
	s.log.Info("销卡成功", "card_id", card.CardID, "user_id", owner.ID, "release_bal", releaseBal.StringFixed(2))
	return &ReleaseResult{Card: card, ReleaseBal: releaseBal}, nil
}

// ToggleFreeze ACTIVE ↔ FROZEN
func (s *CardService) ToggleFreeze(ctx context.Context, actor *model.User, cardID string) (*model.VirtualCard, error) {
	card, _, err := s.authorizeCard(ctx, actor, cardID)
	if err != nil {
		return nil, err
	}

	var (
		next string
		op   string
	)
	switch card.Status {
	case model.CardStatusActive:
		if _, err := s.provider.FreezeCard(ctx, card.CardID); err != nil {
			return nil, fmt.Errorf("渠道冻结失败: %w", err)
		}
		next, op = model.CardStatusFrozen, model.OpFreeze
	case model.CardStatusFrozen:
		if _, err := s.provider.ActivateCard(ctx, card.CardID); err != nil {
			return nil, fmt.Errorf("渠道解冻失败: %w", err)
		}
		next, op = model.CardStatusActive, model.OpUnfreeze
	default:
		return nil, ErrCardStatusInvalid
	}

	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateCardStatus(ctx, card.CardID, next); err != nil {
			return err
		}
		return tx.CreateOperationLog(ctx, s.opLog(card, actor, op, decimal.Zero, op))
	})
	if err != nil {
		return nil, err
	}
	card.Status = next
	return card, nil
}

func (s *CardService) authorizeCard(ctx context.Context, actor *model.User, cardID string) (*model.VirtualCard, *model.User, error) {
	card, err := s.store.GetCardByCardID(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.store.GetUser(ctx, card.CreatedBy)
	if err != nil {
		return nil, nil, err
	}
	if !CanOperateOn(actor, owner, ActionManageCard) {
		return nil, nil, ErrForbidden
	}
	return card, owner, nil
}

// commit 写操作日志并以渠道返回的余额为准
func (s *CardService) commit(ctx context.Context, card *model.VirtualCard, actor *model.User, op string, amount, cardBal decimal.Decimal, desc string) error {
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateOperationLog(ctx, s.opLog(card, actor, op, amount, desc)); err != nil {
			return err
		}
		return tx.SetCardBalance(ctx, card.CardID, cardBal)
	})
	if err != nil {
		s.log.Error("渠道操作成功但落库失败", "card_id", card.CardID, "operation", op, "error", err)
		return err
	}
	card.Balance = cardBal
	return nil
}

func (s *CardService) opLog(card *model.VirtualCard, actor *model.User, op string, amount decimal.Decimal, desc string) *model.OperationLog {
	return &model.OperationLog{
		CardID:        card.CardID,
		CardNo:        card.CardNo,
		OperationType: op,
		Amount:        amount,
		Currency:      card.Currency,
		OperatorID:    actor.ID,
		OperatorName:  actor.Username,
		Description:   desc,
	}
}
