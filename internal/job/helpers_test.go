package job

import (
	"context"
	"testing"

	"cardledger/internal/config"
	"cardledger/internal/logging"
	"cardledger/internal/model"
	"cardledger/internal/provider"
	"cardledger/internal/repository"
	"cardledger/internal/service"

	"github.com/shopspring/decimal"
)

var testTopics = config.KafkaTopicConfig{
	TransactionEvent: "card.transaction.event",
	AutoWithdrawal:   "card.auto.withdrawal",
}

type jobEnv struct {
	store      *repository.MemoryStore
	provider   *provider.Fake
	reconciler *service.Reconciler
}

// newJobEnv 一个用户一张卡 C1，卡余额 100
func newJobEnv(t *testing.T) *jobEnv {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	env := &jobEnv{
		store:      store,
		provider:   provider.NewFake(),
		reconciler: service.NewReconciler(store, testTopics, nil, logging.Discard()),
	}

	user := &model.User{Username: "alice", Role: model.RoleUser}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	card := &model.VirtualCard{CardID: "C1", CardNo: "4000C1", Currency: "USD",
		Balance: decimal.NewFromInt(100), Status: model.CardStatusActive, CreatedBy: user.ID}
	if err := store.CreateCard(ctx, card); err != nil {
		t.Fatalf("create card: %v", err)
	}
	return env
}

func auth(txnID, amount string) provider.AuthRecord {
	return provider.AuthRecord{
		CardID: "C1", TxnID: txnID, TxnType: model.TxnTypeAuth, TxnStatus: model.TxnStatusSuccess,
		BillAmt: decimal.RequireFromString(amount), BillCcy: "USD", TxnTime: "2024-05-01 10:00:00",
	}
}

func settle(txnID, amount string) provider.SettleRecord {
	return provider.SettleRecord{
		CardID: "C1", TxnID: txnID, TxnType: model.TxnTypeSettlement, TxnStatus: model.TxnStatusSuccess,
		BillAmt: decimal.RequireFromString(amount), BillCcy: "USD", TxnTime: "2024-05-02 03:00:00",
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
