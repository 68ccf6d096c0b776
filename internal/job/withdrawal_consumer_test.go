package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cardledger/internal/logging"
	"cardledger/internal/model"
	"cardledger/internal/service"

	"github.com/IBM/sarama"
)

type fakeWithdrawer struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (f *fakeWithdrawer) AutoWithdraw(ctx context.Context, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, txnID)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func newTestConsumer(w Withdrawer) *WithdrawalConsumer {
	c := NewWithdrawalConsumer(nil, testTopics.AutoWithdrawal, w, logging.Discard())
	c.retryBackoff = 0
	return c
}

func message(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: testTopics.AutoWithdrawal, Key: []byte("X1"), Value: []byte(value)}
}

func TestWithdrawalConsumer_DispatchesTask(t *testing.T) {
	w := &fakeWithdrawer{}
	c := newTestConsumer(w)

	if !c.handleMessage(context.Background(), message(`{"txn_id":"X1","card_id":"C1","amount":"5","currency":"USD"}`)) {
		t.Fatal("message should be marked")
	}
	if len(w.calls) != 1 || w.calls[0] != "X1" {
		t.Fatalf("unexpected calls: %v", w.calls)
	}
}

func TestWithdrawalConsumer_DropsMalformed(t *testing.T) {
	w := &fakeWithdrawer{}
	c := newTestConsumer(w)

	for _, v := range []string{"not json", `{"card_id":"C1"}`} {
		if !c.handleMessage(context.Background(), message(v)) {
			t.Fatalf("malformed message %q should be marked", v)
		}
	}
	if len(w.calls) != 0 {
		t.Fatalf("malformed message dispatched: %v", w.calls)
	}
}

func TestWithdrawalConsumer_RetriesTransientErrors(t *testing.T) {
	w := &fakeWithdrawer{errs: []error{errors.New("lock busy"), errors.New("lock busy")}}
	c := newTestConsumer(w)

	if !c.handleMessage(context.Background(), message(`{"txn_id":"X1"}`)) {
		t.Fatal("message should be marked after success")
	}
	if len(w.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(w.calls))
	}

	w = &fakeWithdrawer{errs: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}}
	c = newTestConsumer(w)
	if !c.handleMessage(context.Background(), message(`{"txn_id":"X1"}`)) {
		t.Fatal("exhausted retries should still mark")
	}
	if len(w.calls) != c.maxAttempts {
		t.Fatalf("expected %d attempts, got %d", c.maxAttempts, len(w.calls))
	}
}

func TestWithdrawalConsumer_PermanentErrorsNotRetried(t *testing.T) {
	for _, perm := range []error{service.ErrNotCompensable, service.ErrTransactionNotFound} {
		w := &fakeWithdrawer{errs: []error{perm}}
		c := newTestConsumer(w)
		if !c.handleMessage(context.Background(), message(`{"txn_id":"X1"}`)) {
			t.Fatalf("%v: should be marked", perm)
		}
		if len(w.calls) != 1 {
			t.Fatalf("%v: expected 1 attempt, got %d", perm, len(w.calls))
		}
	}
}

func TestWithdrawalConsumer_CancelledContextLeavesOffset(t *testing.T) {
	w := &fakeWithdrawer{errs: []error{context.Canceled}}
	c := newTestConsumer(w)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.handleMessage(ctx, message(`{"txn_id":"X1"}`)) {
		t.Fatal("offset should not be marked when shutting down")
	}
}

func TestWithdrawalConsumer_EndToEndWithCompensator(t *testing.T) {
	env := newJobEnv(t)
	ctx := context.Background()
	rec := auth("X1", "5")
	rec.TxnType = model.TxnTypeAuthCancel
	if _, err := env.reconciler.IngestAuthorization(ctx, rec, "{}"); err != nil {
		t.Fatalf("ingest cancel: %v", err)
	}
	pending, _ := env.store.GetPendingMessages(ctx, 10)
	var payload []byte
	for _, m := range pending {
		if m.Topic == testTopics.AutoWithdrawal {
			payload = []byte(m.Payload)
		}
	}
	if payload == nil {
		t.Fatal("withdrawal task not in outbox")
	}

	env.provider.SetBalance("C1", dec("100"))
	comp := service.NewCompensator(env.store, env.provider, noopLocker{}, 0, nil, logging.Discard())
	c := newTestConsumer(comp)
	if !c.handleMessage(ctx, &sarama.ConsumerMessage{Value: payload}) {
		t.Fatal("message not marked")
	}
	txn, _ := env.store.GetTransactionByTxnID(ctx, "X1")
	if txn.WithdrawalStatus != model.WithdrawalStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", txn.WithdrawalStatus)
	}
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string) (func(), error) { return func() {}, nil }
