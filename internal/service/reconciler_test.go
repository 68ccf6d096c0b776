package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cardledger/internal/model"
	"cardledger/internal/provider"
)

func cardBalance(t *testing.T, env *testEnv, cardID string) string {
	t.Helper()
	card, err := env.store.GetCardByCardID(context.Background(), cardID)
	if err != nil {
		t.Fatalf("get card %s: %v", cardID, err)
	}
	return card.Balance.StringFixed(2)
}

func TestReconciler_AuthorizationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	rec := authRecord("A1", "C1", model.TxnTypeAuth, "10")
	txn, err := env.reconciler.IngestAuthorization(ctx, rec, `{"txn_id":"A1"}`)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if txn.UserID != env.alice.ID || txn.Username != "alice" {
		t.Fatalf("owner not resolved: %+v", txn)
	}
	if txn.AuthTxnID != "A1" || txn.IsSettled {
		t.Fatalf("unexpected auth row: %+v", txn)
	}
	if _, err := env.reconciler.IngestAuthorization(ctx, rec, "{}"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if got := cardBalance(t, env, "C1"); got != "10.00" {
		t.Fatalf("card debited more than once: %s", got)
	}
	if got := env.txn(t, "A1").RawCallbackData; got != `{"txn_id":"A1"}` {
		t.Fatalf("raw payload not kept: %q", got)
	}
}

func TestReconciler_SettlementMergesIntoAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", "C1", model.TxnTypeAuth, "10"), "{}"); err != nil {
		t.Fatalf("auth: %v", err)
	}
	txn, outcome, err := env.reconciler.IngestSettlement(ctx, settleRecord("S1", "A1", "C1", model.TxnTypeSettlement, "8.50"), "{}")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", outcome)
	}
	if txn.TxnID != "A1" || txn.SettleTxnID != "S1" || !txn.IsSettled {
		t.Fatalf("merge fields wrong: %+v", txn)
	}
	assertDec(t, "final amount", txn.FinalAmt, "8.50")
	// 授权扣 10，清算 8.50，差额 1.50 退回卡上
	if got := cardBalance(t, env, "C1"); got != "11.50" {
		t.Fatalf("card balance: expected 11.50, got %s", got)
	}

	if _, _, err := env.reconciler.IngestSettlement(ctx, settleRecord("S1", "A1", "C1", model.TxnTypeSettlement, "8.50"), "{}"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("replayed settlement: expected duplicate, got %v", err)
	}
	if _, _, err := env.reconciler.IngestSettlement(ctx, settleRecord("S2", "A1", "C1", model.TxnTypeSettlement, "8.50"), "{}"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settlement: expected already settled, got %v", err)
	}
	if got := cardBalance(t, env, "C1"); got != "11.50" {
		t.Fatalf("card balance moved on rejected settlement: %s", got)
	}
	assertDec(t, "consumption", env.dashboard(t, env.alice.ID).TotalConsumption, "8.50")
}

func TestReconciler_StandaloneRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	rec := settleRecord("R1", "UNKNOWN", "C1", model.TxnTypeRefund, "3")
	rec.TxnStatus = ""
	txn, outcome, err := env.reconciler.IngestSettlement(ctx, rec, "{}")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Fatalf("expected inserted, got %s", outcome)
	}
	if txn.SettleTxnID != "R1" || !txn.IsSettled || txn.TxnStatus != model.TxnStatusSuccess {
		t.Fatalf("standalone row wrong: %+v", txn)
	}
	assertDec(t, "final amount", txn.FinalAmt, "-3")
	if got := cardBalance(t, env, "C1"); got != "23.00" {
		t.Fatalf("refund not credited to card: %s", got)
	}
	assertDec(t, "consumption", env.dashboard(t, env.alice.ID).TotalConsumption, "3")
}

func TestReconciler_CurrencyMismatchLeavesCardBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	rec := authRecord("A1", "C1", model.TxnTypeAuth, "5")
	rec.BillCcy = "EUR"
	txn, err := env.reconciler.IngestAuthorization(ctx, rec, "{}")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if txn.FinalCcy != "EUR" {
		t.Fatalf("expected EUR, got %s", txn.FinalCcy)
	}
	if got := cardBalance(t, env, "C1"); got != "20.00" {
		t.Fatalf("card balance should be untouched: %s", got)
	}
}

func TestReconciler_BillAmountPreferred(t *testing.T) {
	env := newTestEnv(t)
	env.seedCard(t, "C1", env.alice, "20")

	rec := authRecord("A1", "C1", model.TxnTypeAuth, "0")
	rec.TxnAmt, rec.TxnCcy = dec("100"), "JPY"
	rec.BillAmt, rec.BillCcy = dec("0.70"), "USD"
	txn, err := env.reconciler.IngestAuthorization(context.Background(), rec, "{}")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	assertDec(t, "final amount", txn.FinalAmt, "0.70")
	if txn.FinalCcy != "USD" {
		t.Fatalf("expected USD, got %s", txn.FinalCcy)
	}
}

func TestReconciler_CancelEnqueuesWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	rec := authRecord("X1", "C1", model.TxnTypeAuthCancel, "5")
	rec.OriginTxnID = "A1"
	txn, err := env.reconciler.IngestAuthorization(ctx, rec, "{}")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if txn.WithdrawalStatus != model.WithdrawalStatusPending || txn.AuthTxnID != "A1" {
		t.Fatalf("cancel row wrong: %+v", txn)
	}
	if got := cardBalance(t, env, "C1"); got != "20.00" {
		t.Fatalf("cancel must not touch card balance: %s", got)
	}

	msgs, err := env.store.GetPendingMessages(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var task *WithdrawalTask
	topics := map[string]int{}
	for _, m := range msgs {
		topics[m.Topic]++
		if m.MessageKey != "X1" {
			t.Fatalf("unexpected key %s", m.MessageKey)
		}
		if m.Topic == testTopics.AutoWithdrawal {
			task = &WithdrawalTask{}
			if err := json.Unmarshal([]byte(m.Payload), task); err != nil {
				t.Fatalf("decode task: %v", err)
			}
		}
	}
	if topics[testTopics.TransactionEvent] != 1 || topics[testTopics.AutoWithdrawal] != 1 {
		t.Fatalf("unexpected outbox topics: %v", topics)
	}
	if task.TxnID != "X1" || task.CardID != "C1" || !task.Amount.Equal(dec("5")) {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestReconciler_FailedCancelNotEnqueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	rec := authRecord("X1", "C1", model.TxnTypeAuthCancel, "5")
	rec.TxnStatus = model.TxnStatusFailed
	txn, err := env.reconciler.IngestAuthorization(ctx, rec, "{}")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if txn.WithdrawalStatus != model.WithdrawalStatusNone {
		t.Fatalf("failed cancel should not trigger withdrawal: %q", txn.WithdrawalStatus)
	}
	msgs, _ := env.store.GetPendingMessages(ctx, 10)
	for _, m := range msgs {
		if m.Topic == testTopics.AutoWithdrawal {
			t.Fatal("withdrawal task enqueued for failed cancel")
		}
	}
}

func TestReconciler_OwnerStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inactive := &model.User{Username: "gone", Role: model.RoleUser, ParentID: &env.admin.ID, Status: model.UserStatusInactive}
	suspended := &model.User{Username: "paused", Role: model.RoleUser, ParentID: &env.admin.ID, Status: model.UserStatusSuspended}
	for _, u := range []*model.User{inactive, suspended} {
		if err := env.store.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	env.seedCard(t, "CI", inactive, "10")
	env.seedCard(t, "CS", suspended, "10")

	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", "CI", model.TxnTypeAuth, "1"), "{}"); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected user inactive, got %v", err)
	}
	if _, err := env.store.GetTransactionByTxnID(ctx, "A1"); err == nil {
		t.Fatal("row written for inactive owner")
	}
	// 暂停的用户照常入账，消费已经在渠道侧发生
	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A2", "CS", model.TxnTypeAuth, "1"), "{}"); err != nil {
		t.Fatalf("suspended owner: %v", err)
	}
}

func TestReconciler_RejectsMalformedRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	badStatus := authRecord("A1", "C1", model.TxnTypeAuth, "1")
	badStatus.TxnStatus = "9"
	badType := authRecord("A2", "C1", model.TxnTypeSettlement, "1")
	noID := authRecord("", "C1", model.TxnTypeAuth, "1")
	for _, rec := range []provider.AuthRecord{badStatus, badType, noID} {
		if _, err := env.reconciler.IngestAuthorization(ctx, rec, "{}"); !errors.Is(err, ErrInvalidTransaction) {
			t.Fatalf("record %+v: expected invalid, got %v", rec, err)
		}
	}
	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A3", "NOPE", model.TxnTypeAuth, "1"), "{}"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected card not found, got %v", err)
	}
	if _, _, err := env.reconciler.IngestSettlement(ctx, settleRecord("S1", "", "C1", model.TxnTypeAuth, "1"), "{}"); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected invalid settlement type, got %v", err)
	}
}

func TestReconciler_ProcessListsCountReplaysAsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "50")

	auths := []provider.AuthRecord{
		authRecord("A1", "C1", model.TxnTypeAuth, "10"),
		authRecord("A2", "C1", model.TxnTypeAuth, "5"),
		authRecord("A3", "MISSING", model.TxnTypeAuth, "5"),
	}
	stats := env.reconciler.ProcessAuthList(ctx, auths)
	if stats.Total != 3 || stats.Inserted != 2 || stats.Errors != 1 {
		t.Fatalf("first pass: %+v", stats)
	}

	settles := []provider.SettleRecord{
		settleRecord("S1", "A1", "C1", model.TxnTypeSettlement, "10"),
		settleRecord("S2", "", "C1", model.TxnTypeSettlement, "2"),
	}
	stats = env.reconciler.ProcessSettleList(ctx, settles)
	if stats.Merged != 1 || stats.Inserted != 1 {
		t.Fatalf("settle pass: %+v", stats)
	}

	replay := env.reconciler.ProcessAuthList(ctx, auths[:2])
	replay.Add(env.reconciler.ProcessSettleList(ctx, settles))
	if replay.Total != 4 || replay.Skipped != 4 {
		t.Fatalf("replay should skip everything: %+v", replay)
	}
	if got := cardBalance(t, env, "C1"); got != "33.00" {
		t.Fatalf("card balance after replay: %s", got)
	}
}

func TestReconciler_LateAuthorizationAttachesToSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "20")

	_, outcome, err := env.reconciler.IngestSettlement(ctx, settleRecord("S1", "A1", "C1", model.TxnTypeSettlement, "10"), "{}")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Fatalf("expected standalone settlement, got %s", outcome)
	}
	if got := cardBalance(t, env, "C1"); got != "10.00" {
		t.Fatalf("card after settlement: %s", got)
	}

	rec := authRecord("A1", "C1", model.TxnTypeAuth, "10")
	rec.AuthCode = "123456"
	txn, err := env.reconciler.IngestAuthorization(ctx, rec, `{"txn_id":"A1"}`)
	if err != nil {
		t.Fatalf("late auth: %v", err)
	}
	if !txn.IsSettled || txn.SettleTxnID != "S1" {
		t.Fatalf("late auth not linked to settlement: %+v", txn)
	}
	assertDec(t, "late auth final amount", txn.FinalAmt, "0")
	if got := cardBalance(t, env, "C1"); got != "10.00" {
		t.Fatalf("late auth debited the card again: %s", got)
	}

	settle := env.txn(t, "S1")
	assertDec(t, "attached auth amount", settle.AuthBillAmt, "10")
	if settle.AuthCode != "123456" {
		t.Fatalf("auth code not attached: %q", settle.AuthCode)
	}

	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "consumption", d.TotalConsumption, "10")
	assertDec(t, "card locked", d.CardLocked, "10")

	if _, err := env.reconciler.IngestAuthorization(ctx, rec, "{}"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("replayed late auth: expected duplicate, got %v", err)
	}
	if _, _, err := env.reconciler.IngestSettlement(ctx, settleRecord("S2", "A1", "C1", model.TxnTypeSettlement, "10"), "{}"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settlement: expected already settled, got %v", err)
	}
	if got := cardBalance(t, env, "C1"); got != "10.00" {
		t.Fatalf("card moved on replay: %s", got)
	}
}

func TestReconciler_SettleBeforeAuthInBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedCard(t, "C1", env.alice, "50")

	stats := env.reconciler.ProcessSettleList(ctx, []provider.SettleRecord{
		settleRecord("S1", "A1", "C1", model.TxnTypeSettlement, "10"),
	})
	stats.Add(env.reconciler.ProcessAuthList(ctx, []provider.AuthRecord{
		authRecord("A1", "C1", model.TxnTypeAuth, "10"),
		authRecord("A2", "C1", model.TxnTypeAuth, "5"),
	}))
	if stats.Total != 3 || stats.Inserted != 2 || stats.Merged != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := cardBalance(t, env, "C1"); got != "35.00" {
		t.Fatalf("card balance: expected 35.00, got %s", got)
	}
	assertDec(t, "consumption", env.dashboard(t, env.alice.ID).TotalConsumption, "15")
}

func TestReconciler_RefundMergeRestoresAuthorizedAmountOnly(t *testing.T) {
	cases := []struct {
		name     string
		refund   string
		finalAmt string
		cardBal  string
		consumed string
	}{
		{"full", "10", "0", "20.00", "0"},
		{"partial", "3", "7", "13.00", "7"},
		{"over", "12", "0", "20.00", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.seedCard(t, "C1", env.alice, "20")

			if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", "C1", model.TxnTypeAuth, "10"), "{}"); err != nil {
				t.Fatalf("auth: %v", err)
			}
			txn, outcome, err := env.reconciler.IngestSettlement(ctx, settleRecord("R1", "A1", "C1", model.TxnTypeRefund, tc.refund), "{}")
			if err != nil {
				t.Fatalf("refund: %v", err)
			}
			if outcome != OutcomeMerged || txn.TxnID != "A1" || txn.SettleTxnID != "R1" {
				t.Fatalf("refund not merged: %s %+v", outcome, txn)
			}
			assertDec(t, "final amount", txn.FinalAmt, tc.finalAmt)
			if got := cardBalance(t, env, "C1"); got != tc.cardBal {
				t.Fatalf("card balance: expected %s, got %s", tc.cardBal, got)
			}
			d := env.dashboard(t, env.alice.ID)
			assertDec(t, "consumption", d.TotalConsumption, tc.consumed)
			assertDec(t, "card locked", d.CardLocked, tc.cardBal)
		})
	}
}
