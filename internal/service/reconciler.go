package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/metrics"
	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/repository"

	"github.com/shopspring/decimal"
)

const (
	OutcomeInserted = "inserted"
	OutcomeMerged   = "merged"
	OutcomeCovered  = "covered"
)

// SyncStats 批量入库统计
type SyncStats struct {
	Total    int `json:"total"`
	Inserted int `json:"inserted"`
	Merged   int `json:"merged"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

func (s *SyncStats) Add(o SyncStats) {
	s.Total += o.Total
	s.Inserted += o.Inserted
	s.Merged += o.Merged
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// TransactionEvent 交易入库事件，发往下游
type TransactionEvent struct {
	TxnID      string          `json:"txn_id"`
	CardID     string          `json:"card_id"`
	UserID     int64           `json:"user_id"`
	TxnType    string          `json:"txn_type"`
	TxnStatus  string          `json:"txn_status"`
	FinalAmt   decimal.Decimal `json:"final_amt"`
	FinalCcy   string          `json:"final_ccy"`
	IsSettled  bool            `json:"is_settled"`
	Outcome    string          `json:"outcome"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// WithdrawalTask 自动出金指令
type WithdrawalTask struct {
	TxnID    string          `json:"txn_id"`
	CardID   string          `json:"card_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Reconciler 卡交易对账
//
// 授权与清算两条入口，webhook 和批量同步共用。txn_id 唯一索引保证幂等，
// 清算按 auth_txn_id 合并到授权行上并补差额。撤销授权成功时在同一事务里
// 写发件箱，由消费者异步出金，回调方不等待出金结果。
type Reconciler struct {
	store   repository.Store
	topics  config.KafkaTopicConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewReconciler(store repository.Store, topics config.KafkaTopicConfig, m *metrics.Metrics, log *slog.Logger) *Reconciler {
	return &Reconciler{store: store, topics: topics, metrics: m, log: log}
}

// IngestAuthorization 写入授权 / 撤销授权
func (r *Reconciler) IngestAuthorization(ctx context.Context, rec provider.AuthRecord, raw string) (*model.CardTransaction, error) {
	if rec.TxnID == "" || rec.CardID == "" {
		return nil, fmt.Errorf("%w: txn_id 与 card_id 必填", ErrInvalidTransaction)
	}
	if rec.TxnType != model.TxnTypeAuth && rec.TxnType != model.TxnTypeAuthCancel {
		return nil, fmt.Errorf("%w: 授权类型非法 %q", ErrInvalidTransaction, rec.TxnType)
	}
	if rec.TxnStatus != model.TxnStatusSuccess && rec.TxnStatus != model.TxnStatusFailed {
		return nil, fmt.Errorf("%w: 交易状态非法 %q", ErrInvalidTransaction, rec.TxnStatus)
	}
	txnTime, err := provider.ParseTime(rec.TxnTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	var (
		txn     *model.CardTransaction
		covered *model.CardTransaction
	)
	err = r.store.Transaction(ctx, func(tx repository.Store) error {
		// 先锁卡行，同卡的授权与清算入库串行；卡状态不拦截，注销后仍可能收到撤销与清算
		card, user, err := r.resolveOwner(ctx, tx, rec.CardID)
		if err != nil {
			return err
		}
		exists, err := tx.TransactionExists(ctx, rec.TxnID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateTransaction
		}

		// 清算先到时已按清算金额扣过卡，授权只补登记不再扣
		if rec.TxnType == model.TxnTypeAuth {
			settle, err := tx.FindSettlementByAuthTxnID(ctx, rec.TxnID)
			switch {
			case err == nil:
				covered = settle
			case !errors.Is(err, repository.ErrTransactionNotFound):
				return err
			}
		}

		finalAmt, finalCcy := billedAmount(rec.BillAmt, rec.BillCcy, rec.TxnAmt, rec.TxnCcy)
		txn = &model.CardTransaction{
			CardID:          card.CardID,
			UserID:          user.ID,
			Username:        user.Username,
			TxnID:           rec.TxnID,
			OriginTxnID:     rec.OriginTxnID,
			TxnType:         rec.TxnType,
			TxnStatus:       rec.TxnStatus,
			AuthTxnAmt:      rec.TxnAmt,
			AuthTxnCcy:      rec.TxnCcy,
			AuthBillAmt:     rec.BillAmt,
			AuthBillCcy:     rec.BillCcy,
			FinalAmt:        finalAmt,
			FinalCcy:        finalCcy,
			MerchantName:    rec.MerchantName,
			MerchantCountry: rec.MerchantCountry,
			MCC:             rec.MCC,
			AuthCode:        rec.AuthCode,
			DeclineReason:   rec.DeclineReason,
			TxnTime:         txnTime,
			RawCallbackData: raw,
		}
		if rec.TxnType == model.TxnTypeAuth {
			txn.AuthTxnID = rec.TxnID
		} else {
			txn.AuthTxnID = rec.OriginTxnID
		}
		if txn.IsSuccessfulCancel() {
			txn.WithdrawalStatus = model.WithdrawalStatusPending
		}
		if covered != nil {
			return r.attachLateAuth(ctx, tx, txn, covered)
		}
		if err := tx.CreateCardTransaction(ctx, txn); err != nil {
			return err
		}

		if txn.TxnType == model.TxnTypeAuth && txn.TxnStatus == model.TxnStatusSuccess && finalAmt.IsPositive() {
			if err := r.adjustCard(ctx, tx, card, finalAmt.Neg(), finalCcy, txn.TxnID); err != nil {
				return err
			}
		}

		if err := r.enqueueEvent(ctx, tx, txn, OutcomeInserted); err != nil {
			return err
		}
		if txn.IsSuccessfulCancel() {
			return r.enqueueWithdrawal(ctx, tx, txn)
		}
		return nil
	})
	if err != nil {
		r.observe("auth", err, "")
		return nil, err
	}

	outcome := OutcomeInserted
	if covered != nil {
		outcome = OutcomeCovered
	}
	r.observe("auth", nil, outcome)
	r.log.Info("授权入库",
		"txn_id", txn.TxnID,
		"outcome", outcome,
		"card_id", txn.CardID,
		"user_id", txn.UserID,
		"txn_type", txn.TxnType,
		"txn_status", txn.TxnStatus,
		"amount", txn.FinalAmt.StringFixed(2),
	)
	return txn, nil
}

// IngestSettlement 写入清算 / 退款，能匹配到授权时合并，否则独立入库
func (r *Reconciler) IngestSettlement(ctx context.Context, rec provider.SettleRecord, raw string) (*model.CardTransaction, string, error) {
	if rec.TxnID == "" || rec.CardID == "" {
		return nil, "", fmt.Errorf("%w: txn_id 与 card_id 必填", ErrInvalidTransaction)
	}
	if rec.TxnType != model.TxnTypeSettlement && rec.TxnType != model.TxnTypeRefund {
		return nil, "", fmt.Errorf("%w: 清算类型非法 %q", ErrInvalidTransaction, rec.TxnType)
	}
	status := rec.TxnStatus
	if status == "" {
		status = model.TxnStatusSuccess
	}
	txnTime, err := provider.ParseTime(rec.TxnTime)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	amount, ccy := billedAmount(rec.BillAmt, rec.BillCcy, rec.TxnAmt, rec.TxnCcy)
	// 清算扣款为正，退款为负
	effect := amount
	if rec.TxnType == model.TxnTypeRefund {
		effect = amount.Neg()
	}

	var (
		txn     *model.CardTransaction
		outcome string
	)
	err = r.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.GetCardForUpdate(ctx, rec.CardID); err != nil {
			return err
		}
		exists, err := tx.TransactionExists(ctx, rec.TxnID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateTransaction
		}

		if rec.AuthTxnID != "" {
			auth, err := tx.GetTransactionForUpdate(ctx, rec.AuthTxnID)
			switch {
			case err == nil:
				txn, err = r.mergeSettlement(ctx, tx, auth, rec, status, effect, ccy, raw)
				if err != nil {
					return err
				}
				outcome = OutcomeMerged
				return r.enqueueEvent(ctx, tx, txn, outcome)
			case !errors.Is(err, repository.ErrTransactionNotFound):
				return err
			}
		}

		card, user, err := r.resolveOwner(ctx, tx, rec.CardID)
		if err != nil {
			return err
		}
		txn = &model.CardTransaction{
			CardID:          card.CardID,
			UserID:          user.ID,
			Username:        user.Username,
			TxnID:           rec.TxnID,
			OriginTxnID:     rec.OriginTxnID,
			AuthTxnID:       rec.AuthTxnID,
			SettleTxnID:     rec.TxnID,
			TxnType:         rec.TxnType,
			TxnStatus:       status,
			SettleBillAmt:   rec.BillAmt,
			SettleBillCcy:   rec.BillCcy,
			FinalAmt:        effect,
			FinalCcy:        ccy,
			MerchantName:    rec.MerchantName,
			MerchantCountry: rec.MerchantCountry,
			MCC:             rec.MCC,
			AuthCode:        rec.AuthCode,
			TxnTime:         txnTime,
			ClearingDate:    rec.ClearingDate,
			IsSettled:       true,
			RawCallbackData: raw,
		}
		if err := tx.CreateCardTransaction(ctx, txn); err != nil {
			return err
		}
		if status == model.TxnStatusSuccess && !effect.IsZero() {
			if err := r.adjustCard(ctx, tx, card, effect.Neg(), ccy, txn.TxnID); err != nil {
				return err
			}
		}
		outcome = OutcomeInserted
		return r.enqueueEvent(ctx, tx, txn, outcome)
	})
	if err != nil {
		r.observe("settle", err, "")
		return nil, "", err
	}

	r.observe("settle", nil, outcome)
	r.log.Info("清算入库",
		"txn_id", rec.TxnID,
		"auth_txn_id", rec.AuthTxnID,
		"card_id", txn.CardID,
		"user_id", txn.UserID,
		"outcome", outcome,
		"amount", txn.FinalAmt.StringFixed(2),
	)
	return txn, outcome, nil
}

// mergeSettlement 清算合并到授权行，卡余额补上授权扣款与清算金额的差
func (r *Reconciler) mergeSettlement(ctx context.Context, tx repository.Store, auth *model.CardTransaction, rec provider.SettleRecord, status string, effect decimal.Decimal, ccy, raw string) (*model.CardTransaction, error) {
	if auth.IsSettled {
		return nil, ErrAlreadySettled
	}
	card, err := tx.GetCardByCardID(ctx, auth.CardID)
	if err != nil {
		return nil, err
	}

	// held 为授权冻结金额，applied 为其中实际扣过卡余额的部分
	held, applied := decimal.Zero, decimal.Zero
	if auth.TxnType == model.TxnTypeAuth && auth.TxnStatus == model.TxnStatusSuccess && auth.FinalAmt.IsPositive() {
		held = auth.FinalAmt
		if auth.FinalCcy == card.Currency {
			applied = held
		}
	}

	finalAmt, finalCcy, settled := effect, ccy, decimal.Zero
	if rec.TxnType == model.TxnTypeRefund {
		// 退款只冲抵授权金额，合并后按剩余消费记，卡余额最多回到授权前
		finalAmt, finalCcy = held, auth.FinalCcy
		if status == model.TxnStatusSuccess && (held.IsZero() || auth.FinalCcy == ccy) {
			finalAmt = decimal.Max(decimal.Zero, held.Sub(effect.Abs()))
		}
		if finalCcy == "" {
			finalCcy = ccy
		}
		settled = finalAmt
	} else if status == model.TxnStatusSuccess {
		settled = effect
	}

	auth.SettleTxnID = rec.TxnID
	auth.SettleBillAmt = rec.BillAmt
	auth.SettleBillCcy = rec.BillCcy
	auth.FinalAmt = finalAmt
	auth.FinalCcy = finalCcy
	auth.ClearingDate = rec.ClearingDate
	auth.IsSettled = true
	if err := tx.SaveCardTransaction(ctx, auth); err != nil {
		return nil, fmt.Errorf("合并清算失败: %w", err)
	}

	if delta := applied.Sub(settled); !delta.IsZero() {
		if err := r.adjustCard(ctx, tx, card, delta, finalCcy, rec.TxnID); err != nil {
			return nil, err
		}
	}
	r.log.Debug("清算合并", "auth_txn_id", auth.TxnID, "settle_txn_id", rec.TxnID,
		"applied", applied.StringFixed(2), "settled", settled.StringFixed(2))
	return auth, nil
}

// attachLateAuth 授权晚于清算到达：授权字段补到清算行上，授权行按零金额登记，
// 保留原始报文并占住 txn_id，重放时按重复处理
func (r *Reconciler) attachLateAuth(ctx context.Context, tx repository.Store, txn, settle *model.CardTransaction) error {
	settle.AuthTxnAmt = txn.AuthTxnAmt
	settle.AuthTxnCcy = txn.AuthTxnCcy
	settle.AuthBillAmt = txn.AuthBillAmt
	settle.AuthBillCcy = txn.AuthBillCcy
	if settle.AuthCode == "" {
		settle.AuthCode = txn.AuthCode
	}
	if err := tx.SaveCardTransaction(ctx, settle); err != nil {
		return fmt.Errorf("补登授权失败: %w", err)
	}

	txn.SettleTxnID = settle.TxnID
	txn.IsSettled = true
	txn.FinalAmt = decimal.Zero
	if err := tx.CreateCardTransaction(ctx, txn); err != nil {
		return err
	}
	r.log.Info("授权晚于清算，已补登", "txn_id", txn.TxnID, "settle_txn_id", settle.TxnID,
		"auth_amount", txn.AuthBillAmt.StringFixed(2))
	return r.enqueueEvent(ctx, tx, txn, OutcomeCovered)
}

// ProcessAuthList 批量授权，重复计为跳过，单条失败不影响其它
func (r *Reconciler) ProcessAuthList(ctx context.Context, items []provider.AuthRecord) SyncStats {
	var stats SyncStats
	for _, item := range items {
		stats.Total++
		raw, _ := json.Marshal(item)
		txn, err := r.IngestAuthorization(ctx, item, string(raw))
		outcome := OutcomeInserted
		if txn != nil && txn.IsSettled {
			// 补登到已有清算上，计入合并
			outcome = OutcomeMerged
		}
		r.count(&stats, err, outcome, item.TxnID)
	}
	return stats
}

func (r *Reconciler) ProcessSettleList(ctx context.Context, items []provider.SettleRecord) SyncStats {
	var stats SyncStats
	for _, item := range items {
		stats.Total++
		raw, _ := json.Marshal(item)
		_, outcome, err := r.IngestSettlement(ctx, item, string(raw))
		r.count(&stats, err, outcome, item.TxnID)
	}
	return stats
}

func (r *Reconciler) count(stats *SyncStats, err error, outcome, txnID string) {
	switch {
	case err == nil && outcome == OutcomeMerged:
		stats.Merged++
	case err == nil:
		stats.Inserted++
	case errors.Is(err, ErrDuplicateTransaction), errors.Is(err, ErrAlreadySettled):
		stats.Skipped++
	default:
		stats.Errors++
		r.log.Error("批量入库失败", "txn_id", txnID, "error", err)
	}
}

func (r *Reconciler) resolveOwner(ctx context.Context, tx repository.Store, cardID string) (*model.VirtualCard, *model.User, error) {
	card, err := tx.GetCardForUpdate(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	user, err := tx.GetUser(ctx, card.CreatedBy)
	if err != nil {
		return nil, nil, err
	}
	if user.Status == model.UserStatusInactive {
		return nil, nil, ErrUserInactive
	}
	return card, user, nil
}

// adjustCard 币种与卡币种不一致时不动余额，只记日志
func (r *Reconciler) adjustCard(ctx context.Context, tx repository.Store, card *model.VirtualCard, delta decimal.Decimal, ccy, txnID string) error {
	if ccy != "" && card.Currency != "" && ccy != card.Currency {
		r.log.Warn("交易币种与卡币种不一致，跳过余额变动",
			"txn_id", txnID, "card_id", card.CardID, "txn_ccy", ccy, "card_ccy", card.Currency)
		return nil
	}
	if err := tx.AdjustCardBalance(ctx, card.CardID, delta); err != nil {
		return fmt.Errorf("更新卡余额失败: %w", err)
	}
	return nil
}

func (r *Reconciler) enqueueEvent(ctx context.Context, tx repository.Store, txn *model.CardTransaction, outcome string) error {
	if r.topics.TransactionEvent == "" {
		return nil
	}
	payload, err := json.Marshal(TransactionEvent{
		TxnID:      txn.TxnID,
		CardID:     txn.CardID,
		UserID:     txn.UserID,
		TxnType:    txn.TxnType,
		TxnStatus:  txn.TxnStatus,
		FinalAmt:   txn.FinalAmt,
		FinalCcy:   txn.FinalCcy,
		IsSettled:  txn.IsSettled,
		Outcome:    outcome,
		OccurredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return tx.CreateOutbox(ctx, &model.OutboxMessage{
		MessageKey: txn.TxnID,
		Topic:      r.topics.TransactionEvent,
		Payload:    string(payload),
	})
}

func (r *Reconciler) enqueueWithdrawal(ctx context.Context, tx repository.Store, txn *model.CardTransaction) error {
	payload, err := json.Marshal(WithdrawalTask{
		TxnID:    txn.TxnID,
		CardID:   txn.CardID,
		Amount:   txn.FinalAmt.Abs(),
		Currency: txn.FinalCcy,
	})
	if err != nil {
		return err
	}
	if err := tx.CreateOutbox(ctx, &model.OutboxMessage{
		MessageKey: txn.TxnID,
		Topic:      r.topics.AutoWithdrawal,
		Payload:    string(payload),
	}); err != nil {
		return fmt.Errorf("写入出金任务失败: %w", err)
	}
	return nil
}

func (r *Reconciler) observe(kind string, err error, outcome string) {
	switch {
	case err == nil:
		r.metrics.ObserveIngest(kind, outcome)
	case errors.Is(err, ErrDuplicateTransaction):
		r.metrics.ObserveIngest(kind, "duplicate")
	case errors.Is(err, ErrAlreadySettled):
		r.metrics.ObserveIngest(kind, "already_settled")
	default:
		r.metrics.ObserveIngest(kind, "error")
	}
}

// billedAmount 以入账币种金额为准，缺失时退回交易币种
func billedAmount(billAmt decimal.Decimal, billCcy string, txnAmt decimal.Decimal, txnCcy string) (decimal.Decimal, string) {
	if !billAmt.IsZero() || billCcy != "" {
		return billAmt.Abs(), billCcy
	}
	return txnAmt.Abs(), txnCcy
}
