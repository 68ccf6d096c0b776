package job

import (
	"context"
	"log/slog"
	"time"

	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/model"
	"cardledger/internal/repository"
)

// WithdrawalTimeoutJob 处理卡在 PROCESSING 的出金
//
// 进程在渠道调用与落库之间崩溃时，defer 兜底不会执行，交易会停在 PROCESSING，
// 人工重试也被拒绝。超过阈值仍未结束的置为 FAILED，交给人工重试。
type WithdrawalTimeoutJob struct {
	store      repository.Store
	locker     TryLocker
	staleAfter time.Duration
	log        *slog.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewWithdrawalTimeoutJob(store repository.Store, locker TryLocker, staleAfter time.Duration, log *slog.Logger) *WithdrawalTimeoutJob {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &WithdrawalTimeoutJob{
		store:      store,
		locker:     locker,
		staleAfter: staleAfter,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
	}
}

func (j *WithdrawalTimeoutJob) Start(ctx context.Context) {
	j.log.Info("[WithdrawalTimeoutJob] 出金超时任务启动", "stale_after", j.staleAfter.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[WithdrawalTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[WithdrawalTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.failStaleWithdrawals(ctx)
		}
	}
}

func (j *WithdrawalTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *WithdrawalTimeoutJob) failStaleWithdrawals(ctx context.Context) int {
	before := time.Now().Add(-j.staleAfter)
	txns, err := j.store.ListStaleWithdrawals(ctx, model.WithdrawalStatusProcessing, before, j.batchSize)
	if err != nil {
		j.log.Error("[WithdrawalTimeoutJob] 查询超时出金失败", "error", err)
		return 0
	}
	if len(txns) == 0 {
		return 0
	}

	j.log.Warn("[WithdrawalTimeoutJob] 发现超时出金", "count", len(txns))

	failed := 0
	for _, txn := range txns {
		if j.failOne(ctx, txn.TxnID, before) {
			failed++
		}
	}
	j.log.Info("[WithdrawalTimeoutJob] 本次处理超时出金", "failed", failed)
	return failed
}

// failOne 持有出金锁时说明仍在执行，跳过
func (j *WithdrawalTimeoutJob) failOne(ctx context.Context, txnID string, before time.Time) bool {
	if j.locker != nil {
		release, ok, err := j.locker.TryAcquire(ctx, lock.WithdrawalKey(txnID))
		if err != nil || !ok {
			return false
		}
		defer release()
	}

	changed := false
	err := j.store.Transaction(ctx, func(tx repository.Store) error {
		t, err := tx.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if t.WithdrawalStatus != model.WithdrawalStatusProcessing || !t.UpdatedAt.Before(before) {
			return nil
		}
		changed = true
		return tx.UpdateWithdrawalStatus(ctx, txnID, model.WithdrawalStatusFailed)
	})
	if err != nil {
		j.log.Error("[WithdrawalTimeoutJob] 标记出金失败出错", "txn_id", txnID, "error", err)
		return false
	}
	if changed {
		j.log.Warn("[WithdrawalTimeoutJob] 出金超时，已置为 FAILED", "txn_id", txnID)
	}
	return changed
}
