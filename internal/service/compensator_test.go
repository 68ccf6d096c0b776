package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cardledger/internal/logging"
	"cardledger/internal/model"
	"cardledger/internal/provider"
)

// seedCancel 卡 C1 余额 20，入一笔 5 元的撤销授权
func seedCancel(t *testing.T, env *testEnv) {
	t.Helper()
	env.seedCard(t, "C1", env.alice, "20")
	if _, err := env.reconciler.IngestAuthorization(context.Background(),
		authRecord("X1", "C1", model.TxnTypeAuthCancel, "5"), "{}"); err != nil {
		t.Fatalf("ingest cancel: %v", err)
	}
}

func TestCompensator_AutoWithdrawSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)

	if err := env.compensator.AutoWithdraw(ctx, "X1"); err != nil {
		t.Fatalf("auto withdraw: %v", err)
	}
	txn := env.txn(t, "X1")
	if txn.WithdrawalStatus != model.WithdrawalStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", txn.WithdrawalStatus)
	}
	assertDec(t, "provider balance", env.provider.Balance("C1"), "15")
	if got := cardBalance(t, env, "C1"); got != "15.00" {
		t.Fatalf("card balance not synced: %s", got)
	}
	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "card locked", d.CardLocked, "15")
	assertDec(t, "consumption", d.TotalConsumption, "0")

	// 已成功的交易再次投递不调渠道
	if err := env.compensator.AutoWithdraw(ctx, "X1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := atomic.LoadInt64(&env.provider.WithdrawCalls); n != 1 {
		t.Fatalf("expected 1 provider call, got %d", n)
	}
}

func TestCompensator_ConcurrentDeliveryWithdrawsOnce(t *testing.T) {
	env := newTestEnv(t)
	seedCancel(t, env)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.compensator.AutoWithdraw(context.Background(), "X1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("auto withdraw: %v", err)
		}
	}
	if n := atomic.LoadInt64(&env.provider.WithdrawCalls); n != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", n)
	}
	assertDec(t, "provider balance", env.provider.Balance("C1"), "15")
}

func TestCompensator_ProviderFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)
	env.provider.WithdrawErr = &provider.APIError{Code: 5000, Message: "card released"}

	if err := env.compensator.AutoWithdraw(ctx, "X1"); err != nil {
		t.Fatalf("failure should be absorbed: %v", err)
	}
	if got := env.txn(t, "X1").WithdrawalStatus; got != model.WithdrawalStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}

	// FAILED 不会被自动重放
	env.provider.WithdrawErr = nil
	if err := env.compensator.AutoWithdraw(ctx, "X1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := atomic.LoadInt64(&env.provider.WithdrawCalls); n != 1 {
		t.Fatalf("failed withdrawal replayed: %d calls", n)
	}
}

func TestCompensator_ProviderTimeoutMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	seedCancel(t, env)
	env.provider.WithdrawHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := NewCompensator(env.store, env.provider, env.locker, 20*time.Millisecond, nil, logging.Discard())

	start := time.Now()
	if err := c.AutoWithdraw(context.Background(), "X1"); err != nil {
		t.Fatalf("auto withdraw: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("provider timeout not enforced")
	}
	if got := env.txn(t, "X1").WithdrawalStatus; got != model.WithdrawalStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
}

func TestCompensator_AutoWithdrawRejectsNonCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")
	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", "C1", model.TxnTypeAuth, "5"), "{}"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := env.compensator.AutoWithdraw(ctx, "A1"); !errors.Is(err, ErrNotCompensable) {
		t.Fatalf("expected not compensable, got %v", err)
	}
	if err := env.compensator.AutoWithdraw(ctx, "NOPE"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompensator_RetryWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)
	env.provider.WithdrawErr = errors.New("boom")
	_ = env.compensator.AutoWithdraw(ctx, "X1")

	if _, err := env.compensator.RetryWithdrawal(ctx, "X1"); err == nil {
		t.Fatal("retry should surface provider error")
	}
	if got := env.txn(t, "X1").WithdrawalStatus; got != model.WithdrawalStatusFailed {
		t.Fatalf("expected FAILED after failed retry, got %s", got)
	}

	env.provider.WithdrawErr = nil
	res, err := env.compensator.RetryWithdrawal(ctx, "X1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.WithdrawalStatus != model.WithdrawalStatusSuccess || res.AlreadyWithdrawn {
		t.Fatalf("unexpected result: %+v", res)
	}
	assertDec(t, "amount", res.Amount, "5")

	res, err = env.compensator.RetryWithdrawal(ctx, "X1")
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if !res.AlreadyWithdrawn {
		t.Fatalf("expected already withdrawn: %+v", res)
	}
	if n := atomic.LoadInt64(&env.provider.WithdrawCalls); n != 3 {
		t.Fatalf("expected 3 provider calls, got %d", n)
	}
}

func TestCompensator_RetryWhileProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)
	if err := env.store.UpdateWithdrawalStatus(ctx, "X1", model.WithdrawalStatusProcessing); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.compensator.RetryWithdrawal(ctx, "X1"); !errors.Is(err, ErrWithdrawalInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
	if _, err := env.compensator.FreePass(ctx, "X1"); !errors.Is(err, ErrWithdrawalInProgress) {
		t.Fatalf("free pass: expected in progress, got %v", err)
	}
}

func TestCompensator_CompensationRecharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)
	env.provider.WithdrawErr = errors.New("card frozen at provider")
	_ = env.compensator.AutoWithdraw(ctx, "X1")

	res, err := env.compensator.CompensationRecharge(ctx, "X1")
	if err != nil {
		t.Fatalf("compensation recharge: %v", err)
	}
	if res.TxnType != model.TxnTypeCancel || res.WithdrawalStatus != model.WithdrawalStatusSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	txn := env.txn(t, "X1")
	if txn.TxnType != model.TxnTypeCancel || txn.WithdrawalStatus != model.WithdrawalStatusSuccess {
		t.Fatalf("txn not squared: %+v", txn)
	}
	assertDec(t, "provider balance", env.provider.Balance("C1"), "25")
	if got := cardBalance(t, env, "C1"); got != "25.00" {
		t.Fatalf("card balance not synced: %s", got)
	}
	assertDec(t, "card locked", env.dashboard(t, env.alice.ID).CardLocked, "20")

	if _, err := env.compensator.CompensationRecharge(ctx, "X1"); !errors.Is(err, ErrNotCompensable) {
		t.Fatalf("second compensation: expected not compensable, got %v", err)
	}
	if n := atomic.LoadInt64(&env.provider.RechargeCalls); n != 1 {
		t.Fatalf("expected 1 recharge call, got %d", n)
	}
}

func TestCompensator_CompensationRechargeProviderError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)
	env.provider.RechargeErr = &provider.APIError{Code: 4004, Message: "card not found"}

	if _, err := env.compensator.CompensationRecharge(ctx, "X1"); !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	txn := env.txn(t, "X1")
	if txn.TxnType != model.TxnTypeAuthCancel || txn.WithdrawalStatus != model.WithdrawalStatusPending {
		t.Fatalf("txn changed after provider error: %+v", txn)
	}
}

func TestCompensator_FreePass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedCancel(t, env)

	res, err := env.compensator.FreePass(ctx, "X1")
	if err != nil {
		t.Fatalf("free pass: %v", err)
	}
	if res.TxnType != model.TxnTypeCancel || res.WithdrawalStatus != model.WithdrawalStatusSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	if atomic.LoadInt64(&env.provider.WithdrawCalls) != 0 || atomic.LoadInt64(&env.provider.RechargeCalls) != 0 {
		t.Fatal("free pass must not call the provider")
	}
	if _, err := env.compensator.FreePass(ctx, "X1"); !errors.Is(err, ErrNotCompensable) {
		t.Fatalf("second free pass: expected not compensable, got %v", err)
	}
}
