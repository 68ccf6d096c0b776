package job

import (
	"context"
	"testing"
	"time"

	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/logging"
	"cardledger/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func seedWithdrawal(t *testing.T, env *jobEnv, txnID, status string) {
	t.Helper()
	if err := env.store.CreateCardTransaction(context.Background(), &model.CardTransaction{
		CardID: "C1", UserID: 1, TxnID: txnID, TxnType: model.TxnTypeAuthCancel,
		TxnStatus: model.TxnStatusSuccess, FinalAmt: dec("5"), FinalCcy: "USD", WithdrawalStatus: status,
	}); err != nil {
		t.Fatalf("seed txn: %v", err)
	}
}

func TestWithdrawalTimeoutJob_FailsStaleProcessing(t *testing.T) {
	env := newJobEnv(t)
	ctx := context.Background()
	seedWithdrawal(t, env, "X1", model.WithdrawalStatusProcessing)
	seedWithdrawal(t, env, "X2", model.WithdrawalStatusPending)
	seedWithdrawal(t, env, "X3", model.WithdrawalStatusSuccess)
	time.Sleep(5 * time.Millisecond)

	j := NewWithdrawalTimeoutJob(env.store, nil, time.Millisecond, logging.Discard())
	if n := j.failStaleWithdrawals(ctx); n != 1 {
		t.Fatalf("expected 1 failed, got %d", n)
	}

	want := map[string]string{
		"X1": model.WithdrawalStatusFailed,
		"X2": model.WithdrawalStatusPending,
		"X3": model.WithdrawalStatusSuccess,
	}
	for id, status := range want {
		txn, err := env.store.GetTransactionByTxnID(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if txn.WithdrawalStatus != status {
			t.Fatalf("%s: expected %s, got %s", id, status, txn.WithdrawalStatus)
		}
	}
}

func TestWithdrawalTimeoutJob_SkipsFreshAndLocked(t *testing.T) {
	env := newJobEnv(t)
	ctx := context.Background()
	seedWithdrawal(t, env, "X1", model.WithdrawalStatusProcessing)

	fresh := NewWithdrawalTimeoutJob(env.store, nil, time.Hour, logging.Discard())
	if n := fresh.failStaleWithdrawals(ctx); n != 0 {
		t.Fatalf("fresh withdrawal failed: %d", n)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewLocker(client, time.Minute)
	release, ok, err := locker.TryAcquire(ctx, lock.WithdrawalKey("X1"))
	if err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}
	defer release()

	time.Sleep(5 * time.Millisecond)
	locked := NewWithdrawalTimeoutJob(env.store, locker, time.Millisecond, logging.Discard())
	if n := locked.failStaleWithdrawals(ctx); n != 0 {
		t.Fatalf("in-flight withdrawal failed: %d", n)
	}
}
