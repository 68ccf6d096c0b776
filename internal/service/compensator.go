package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/metrics"
	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/repository"
	"cardledger/pkg/idgen"

	"github.com/shopspring/decimal"
)

// WithdrawalResult 人工处理结果
type WithdrawalResult struct {
	TxnID            string          `json:"txn_id"`
	WithdrawalStatus string          `json:"withdrawal_status"`
	TxnType          string          `json:"txn_type"`
	Amount           decimal.Decimal `json:"amount"`
	AlreadyWithdrawn bool            `json:"already_withdrawn,omitempty"`
}

// Compensator 撤销授权后的自动出金与人工补救
//
// 出金状态流转：'' / PENDING → PROCESSING → SUCCESS | FAILED。
// PROCESSING 在行锁内写入，同一笔撤销并发投递只会调用一次渠道；
// 渠道调用结束前由 defer 兜底，任何失败路径都落到 FAILED。
type Compensator struct {
	store    repository.Store
	provider provider.Client
	locker   Locker
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewCompensator(store repository.Store, client provider.Client, locker Locker, timeout time.Duration, m *metrics.Metrics, log *slog.Logger) *Compensator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Compensator{
		store:    store,
		provider: client,
		locker:   locker,
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
}

// AutoWithdraw 消费出金任务。渠道失败只落 FAILED 不返回错误，
// 失败的交易留给人工重试，不自动重放。
func (c *Compensator) AutoWithdraw(ctx context.Context, txnID string) error {
	release, err := c.locker.Acquire(ctx, lock.WithdrawalKey(txnID))
	if err != nil {
		return err
	}
	defer release()

	var (
		txn     *model.CardTransaction
		claimed bool
	)
	err = c.store.Transaction(ctx, func(tx repository.Store) error {
		t, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if !t.IsSuccessfulCancel() {
			return ErrNotCompensable
		}
		switch t.WithdrawalStatus {
		case model.WithdrawalStatusNone, model.WithdrawalStatusPending:
		default:
			txn = t
			return nil
		}
		if err := tx.UpdateWithdrawalStatus(ctx, txnID, model.WithdrawalStatusProcessing); err != nil {
			return err
		}
		t.WithdrawalStatus = model.WithdrawalStatusProcessing
		txn, claimed = t, true
		return nil
	})
	if err != nil {
		c.metrics.ObserveCompensation("auto", "error")
		return err
	}
	if !claimed {
		c.log.Info("自动出金已处理，跳过", "txn_id", txnID, "withdrawal_status", txn.WithdrawalStatus)
		c.metrics.ObserveCompensation("auto", "skipped")
		return nil
	}

	if _, err := c.executeWithdrawal(ctx, txn); err != nil {
		c.log.Error("自动出金失败", "txn_id", txnID, "card_id", txn.CardID,
			"amount", txn.FinalAmt.Abs().StringFixed(2), "error", err)
		c.metrics.ObserveCompensation("auto", "failed")
		return nil
	}
	c.metrics.ObserveCompensation("auto", "success")
	return nil
}

// RetryWithdrawal 人工重试出金
func (c *Compensator) RetryWithdrawal(ctx context.Context, txnID string) (*WithdrawalResult, error) {
	release, err := c.locker.Acquire(ctx, lock.WithdrawalKey(txnID))
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		txn  *model.CardTransaction
		done bool
	)
	err = c.store.Transaction(ctx, func(tx repository.Store) error {
		t, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if !t.IsSuccessfulCancel() {
			return ErrNotCompensable
		}
		switch t.WithdrawalStatus {
		case model.WithdrawalStatusSuccess:
			txn, done = t, true
			return nil
		case model.WithdrawalStatusProcessing:
			return ErrWithdrawalInProgress
		}
		if err := tx.UpdateWithdrawalStatus(ctx, txnID, model.WithdrawalStatusPending); err != nil {
			return err
		}
		t.WithdrawalStatus = model.WithdrawalStatusPending
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done {
		c.metrics.ObserveCompensation("retry", "already_withdrawn")
		return resultOf(txn, true), nil
	}

	if _, err := c.executeWithdrawal(ctx, txn); err != nil {
		c.metrics.ObserveCompensation("retry", "failed")
		c.log.Error("重试出金失败", "txn_id", txnID, "card_id", txn.CardID, "error", err)
		return nil, err
	}
	c.metrics.ObserveCompensation("retry", "success")
	txn.WithdrawalStatus = model.WithdrawalStatusSuccess
	return resultOf(txn, false), nil
}

// CompensationRecharge 无法出金时（如卡已注销）改为给卡充值，交易改写为 CANCEL
func (c *Compensator) CompensationRecharge(ctx context.Context, txnID string) (*WithdrawalResult, error) {
	release, err := c.locker.Acquire(ctx, lock.WithdrawalKey(txnID))
	if err != nil {
		return nil, err
	}
	defer release()

	txn, err := c.remediable(ctx, txnID)
	if err != nil {
		return nil, err
	}
	amount := txn.FinalAmt.Abs()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err := c.provider.RechargeCard(callCtx, txn.CardID, amount, idgen.RequestID(idgen.PrefixRecharge))
	cancel()
	if err != nil {
		c.metrics.ObserveCompensation("compensation_recharge", "failed")
		c.log.Error("补偿充值失败", "txn_id", txnID, "card_id", txn.CardID, "error", err)
		return nil, fmt.Errorf("补偿充值失败: %w", err)
	}

	err = c.store.Transaction(ctx, func(tx repository.Store) error {
		t, err := c.squareTxn(ctx, tx, txnID)
		if err != nil {
			return err
		}
		txn = t
		if err := tx.CreateOperationLog(ctx, &model.OperationLog{
			CardID:        t.CardID,
			OperationType: model.OpRecharge,
			Amount:        amount,
			Currency:      t.FinalCcy,
			OperatorID:    t.UserID,
			Description:   fmt.Sprintf("撤销授权补偿充值 %s", txnID),
		}); err != nil {
			return err
		}
		return c.syncCardBalance(ctx, tx, t.CardID, res.CardBal)
	})
	if err != nil {
		c.log.Error("补偿充值已到账但落库失败", "txn_id", txnID, "card_id", txn.CardID, "error", err)
		return nil, err
	}

	c.metrics.ObserveCompensation("compensation_recharge", "success")
	c.log.Info("补偿充值成功", "txn_id", txnID, "card_id", txn.CardID, "amount", amount.StringFixed(2))
	return resultOf(txn, false), nil
}

// FreePass 放行：不调渠道，直接把交易标记为已平账
func (c *Compensator) FreePass(ctx context.Context, txnID string) (*WithdrawalResult, error) {
	release, err := c.locker.Acquire(ctx, lock.WithdrawalKey(txnID))
	if err != nil {
		return nil, err
	}
	defer release()

	var txn *model.CardTransaction
	err = c.store.Transaction(ctx, func(tx repository.Store) error {
		var err error
		txn, err = c.squareTxn(ctx, tx, txnID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.metrics.ObserveCompensation("free_pass", "success")
	c.log.Info("交易放行", "txn_id", txnID, "card_id", txn.CardID)
	return resultOf(txn, false), nil
}

// executeWithdrawal 调渠道出金并落结果，调用前状态已是 PROCESSING 或 PENDING
func (c *Compensator) executeWithdrawal(ctx context.Context, txn *model.CardTransaction) (res *provider.BalanceResult, err error) {
	resolved := false
	defer func() {
		if resolved {
			return
		}
		// 请求 ctx 可能已取消，兜底写入不受影响
		bg := context.WithoutCancel(ctx)
		if uerr := c.store.UpdateWithdrawalStatus(bg, txn.TxnID, model.WithdrawalStatusFailed); uerr != nil {
			c.log.Error("出金状态置为 FAILED 失败", "txn_id", txn.TxnID, "error", uerr)
		}
	}()

	amount := txn.FinalAmt.Abs()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	res, err = c.provider.WithdrawCard(callCtx, txn.CardID, amount, idgen.RequestID(idgen.PrefixWithdraw))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("渠道出金失败: %w", err)
	}

	err = c.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateWithdrawalStatus(ctx, txn.TxnID, model.WithdrawalStatusSuccess); err != nil {
			return err
		}
		if err := tx.CreateOperationLog(ctx, &model.OperationLog{
			CardID:        txn.CardID,
			OperationType: model.OpWithdraw,
			Amount:        amount.Neg(),
			Currency:      txn.FinalCcy,
			OperatorID:    txn.UserID,
			Description:   fmt.Sprintf("撤销授权自动出金 %s", txn.TxnID),
		}); err != nil {
			return err
		}
		if err := c.syncCardBalance(ctx, tx, txn.CardID, res.CardBal); err != nil {
			return err
		}
		// 自转流水只做审计，不影响余额
		_, err := recordFlow(ctx, tx, FlowInput{
			OperatorID:    txn.UserID,
			TargetUserID:  txn.UserID,
			OperationType: model.FlowTypeRecharge,
			Amount:        amount,
			Currency:      txn.FinalCcy,
			Description:   fmt.Sprintf("撤销授权出金回账 %s", txn.TxnID),
			BusinessType:  model.BusinessTypeAutoWithdrawal,
			BusinessID:    txn.TxnID,
		})
		return err
	})
	if err != nil {
		c.log.Error("渠道已出金但落库失败", "txn_id", txn.TxnID, "card_id", txn.CardID, "error", err)
		return nil, err
	}

	resolved = true
	c.log.Info("出金成功", "txn_id", txn.TxnID, "card_id", txn.CardID,
		"amount", amount.StringFixed(2), "card_bal", res.CardBal.StringFixed(2))
	return res, nil
}

func (c *Compensator) remediable(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	txn, err := c.store.GetTransactionByTxnID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := checkRemediable(txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func checkRemediable(txn *model.CardTransaction) error {
	if !txn.IsSuccessfulCancel() || txn.WithdrawalStatus == model.WithdrawalStatusSuccess {
		return ErrNotCompensable
	}
	if txn.WithdrawalStatus == model.WithdrawalStatusProcessing {
		return ErrWithdrawalInProgress
	}
	return nil
}

// squareTxn 行锁内改写为 CANCEL 并标记平账
func (c *Compensator) squareTxn(ctx context.Context, tx repository.Store, txnID string) (*model.CardTransaction, error) {
	t, err := tx.GetTransactionForUpdate(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if err := checkRemediable(t); err != nil {
		return nil, err
	}
	t.TxnType = model.TxnTypeCancel
	t.TxnTime = time.Now()
	t.WithdrawalStatus = model.WithdrawalStatusSuccess
	if err := tx.SaveCardTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// syncCardBalance 卡不在本地时跳过
func (c *Compensator) syncCardBalance(ctx context.Context, tx repository.Store, cardID string, bal decimal.Decimal) error {
	err := tx.SetCardBalance(ctx, cardID, bal)
	if errors.Is(err, repository.ErrCardNotFound) {
		return nil
	}
	return err
}

func resultOf(txn *model.CardTransaction, already bool) *WithdrawalResult {
	return &WithdrawalResult{
		TxnID:            txn.TxnID,
		WithdrawalStatus: txn.WithdrawalStatus,
		TxnType:          txn.TxnType,
		Amount:           txn.FinalAmt.Abs(),
		AlreadyWithdrawn: already,
	}
}
