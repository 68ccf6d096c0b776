package service

import (
	"context"
	"testing"

	"cardledger/internal/model"
)

// 发行方给用户注资，用户开卡消费，授权被撤销后资金自动回到可用余额
func TestScenario_CancelledAuthorizationReturnsFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.ledger.Recharge(ctx, env.root, env.alice.ID, dec("50"), "initial float"); err != nil {
		t.Fatalf("recharge: %v", err)
	}
	rootBal, err := env.ledger.ComputeBalance(ctx, env.root.ID)
	if err != nil {
		t.Fatalf("root balance: %v", err)
	}
	assertDec(t, "issuer balance", rootBal, "-50")

	card, err := env.cards.CreateCard(ctx, env.alice, CreateCardInput{Amount: dec("20")})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	assertDec(t, "available after card", env.dashboard(t, env.alice.ID).AvailableAmount, "30")

	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", card.CardID, model.TxnTypeAuth, "5"), "{}"); err != nil {
		t.Fatalf("auth: %v", err)
	}
	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "consumption after auth", d.TotalConsumption, "5")
	assertDec(t, "card locked after auth", d.CardLocked, "15")
	assertDec(t, "available after auth", d.AvailableAmount, "30")

	cancel := authRecord("X1", card.CardID, model.TxnTypeAuthCancel, "5")
	cancel.OriginTxnID = "A1"
	if _, err := env.reconciler.IngestAuthorization(ctx, cancel, "{}"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertDec(t, "available before withdrawal", env.dashboard(t, env.alice.ID).AvailableAmount, "30")

	if err := env.compensator.AutoWithdraw(ctx, "X1"); err != nil {
		t.Fatalf("auto withdraw: %v", err)
	}
	d = env.dashboard(t, env.alice.ID)
	assertDec(t, "card locked after withdrawal", d.CardLocked, "10")
	assertDec(t, "available after withdrawal", d.AvailableAmount, "35")
	assertDec(t, "provider card balance", env.provider.Balance(card.CardID), "15")

	ledgerBal, err := env.ledger.ComputeBalance(ctx, env.alice.ID)
	if err != nil {
		t.Fatalf("alice balance: %v", err)
	}
	assertDec(t, "ledger balance", ledgerBal, "50")
}
