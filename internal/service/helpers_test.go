package service

import (
	"context"
	"testing"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/logging"
	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

var testTopics = config.KafkaTopicConfig{
	TransactionEvent: "card.transaction.event",
	AutoWithdrawal:   "card.auto.withdrawal",
}

type testEnv struct {
	store       *repository.MemoryStore
	provider    *provider.Fake
	locker      *lock.Locker
	projector   *BalanceProjector
	ledger      *LedgerService
	reconciler  *Reconciler
	compensator *Compensator
	cards       *CardService

	root  *model.User
	admin *model.User
	alice *model.User
	bob   *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logging.Discard()
	store := repository.NewMemoryStore()
	fake := provider.NewFake()
	locker := lock.NewLocker(client, 5*time.Second)
	projector := NewBalanceProjector(store, nil, log)

	env := &testEnv{
		store:       store,
		provider:    fake,
		locker:      locker,
		projector:   projector,
		ledger:      NewLedgerService(store, locker, projector, log),
		reconciler:  NewReconciler(store, testTopics, nil, log),
		compensator: NewCompensator(store, fake, locker, time.Second, nil, log),
		cards:       NewCardService(store, fake, locker, projector, config.ProviderConfig{Currency: "USD"}, log),
	}

	ctx := context.Background()
	env.root = env.mustUser(t, ctx, "root", model.RoleSuperAdmin, nil)
	env.admin = env.mustUser(t, ctx, "admin", model.RoleAdmin, &env.root.ID)
	env.alice = env.mustUser(t, ctx, "alice", model.RoleUser, &env.admin.ID)
	env.bob = env.mustUser(t, ctx, "bob", model.RoleUser, &env.admin.ID)
	return env
}

func (e *testEnv) mustUser(t *testing.T, ctx context.Context, name, role string, parent *int64) *model.User {
	t.Helper()
	u := &model.User{Username: name, Role: role, ParentID: parent, Status: model.UserStatusActive}
	if err := e.store.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

// fund 系统注资
func (e *testEnv) fund(t *testing.T, userID int64, amount string) {
	t.Helper()
	_, err := e.ledger.RecordFlow(context.Background(), FlowInput{
		OperatorID:    model.SystemOperatorID,
		TargetUserID:  userID,
		OperationType: model.FlowTypeRecharge,
		Amount:        dec(amount),
	})
	if err != nil {
		t.Fatalf("fund user %d: %v", userID, err)
	}
}

func (e *testEnv) dashboard(t *testing.T, userID int64) *DashboardData {
	t.Helper()
	d, err := e.projector.GetDashboardData(context.Background(), userID)
	if err != nil {
		t.Fatalf("dashboard %d: %v", userID, err)
	}
	return d
}

func (e *testEnv) txn(t *testing.T, txnID string) *model.CardTransaction {
	t.Helper()
	txn, err := e.store.GetTransactionByTxnID(context.Background(), txnID)
	if err != nil {
		t.Fatalf("get txn %s: %v", txnID, err)
	}
	return txn
}

// seedCard 直接落一张卡和开卡日志，不走渠道
func (e *testEnv) seedCard(t *testing.T, cardID string, owner *model.User, amount string) {
	t.Helper()
	ctx := context.Background()
	card := &model.VirtualCard{CardID: cardID, CardNo: "4000" + cardID, Currency: "USD",
		Balance: dec(amount), Status: model.CardStatusActive, CreatedBy: owner.ID}
	if err := e.store.CreateCard(ctx, card); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	if err := e.store.CreateOperationLog(ctx, &model.OperationLog{CardID: cardID,
		OperationType: model.OpCreateCard, Amount: dec(amount), Currency: "USD", OperatorID: owner.ID}); err != nil {
		t.Fatalf("seed op log: %v", err)
	}
	e.provider.SetBalance(cardID, dec(amount))
}

func authRecord(txnID, cardID, txnType, amount string) provider.AuthRecord {
	return provider.AuthRecord{
		CardID:    cardID,
		TxnID:     txnID,
		TxnType:   txnType,
		TxnStatus: model.TxnStatusSuccess,
		TxnAmt:    dec(amount),
		TxnCcy:    "USD",
		BillAmt:   dec(amount),
		BillCcy:   "USD",
		TxnTime:   "2024-05-01 10:00:00",
	}
}

func settleRecord(txnID, authTxnID, cardID, txnType, amount string) provider.SettleRecord {
	return provider.SettleRecord{
		CardID:    cardID,
		TxnID:     txnID,
		AuthTxnID: authTxnID,
		TxnType:   txnType,
		TxnStatus: model.TxnStatusSuccess,
		TxnAmt:    dec(amount),
		TxnCcy:    "USD",
		BillAmt:   dec(amount),
		BillCcy:   "USD",
		TxnTime:   "2024-05-02 03:00:00",
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: expected %s, got %s", name, want, got.String())
	}
}
