package service

import (
	"context"
	"errors"
	"testing"

	"cardledger/internal/model"
	"cardledger/internal/provider"
)

func TestProjector_AvailableFormula(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.alice.ID, "100")
	env.seedCard(t, "C1", env.alice, "50")

	if _, err := env.reconciler.IngestAuthorization(ctx, authRecord("A1", "C1", model.TxnTypeAuth, "30"), "{}"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "total recharge", d.TotalRecharge, "100")
	assertDec(t, "total consumption", d.TotalConsumption, "30")
	assertDec(t, "card locked", d.CardLocked, "20")
	assertDec(t, "available", d.AvailableAmount, "50")
}

func TestProjector_CardLockedClampedAtZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.alice.ID, "100")
	env.seedCard(t, "C2", env.alice, "10")

	// 清算金额超过卡内拨付，cardLocked 不为负
	if _, _, err := env.reconciler.IngestSettlement(ctx, settleRecord("S1", "", "C2", model.TxnTypeSettlement, "25"), "{}"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "card locked", d.CardLocked, "0")
	assertDec(t, "available", d.AvailableAmount, "75")
}

func TestProjector_IgnoresCancelsFailuresAndReleasedCards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.alice.ID, "100")
	env.seedCard(t, "C1", env.alice, "40")

	failed := authRecord("F1", "C1", model.TxnTypeAuth, "7")
	failed.TxnStatus = model.TxnStatusFailed
	for _, rec := range []provider.AuthRecord{failed, authRecord("X1", "C1", model.TxnTypeAuthCancel, "9")} {
		if _, err := env.reconciler.IngestAuthorization(ctx, rec, "{}"); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	d := env.dashboard(t, env.alice.ID)
	assertDec(t, "consumption", d.TotalConsumption, "0")
	assertDec(t, "card locked", d.CardLocked, "40")
	assertDec(t, "available", d.AvailableAmount, "60")

	if err := env.store.UpdateCardStatus(ctx, "C1", model.CardStatusReleased); err != nil {
		t.Fatalf("release: %v", err)
	}
	d = env.dashboard(t, env.alice.ID)
	assertDec(t, "card locked after release", d.CardLocked, "0")
}

func TestProjector_EnsureAvailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, env.alice.ID, "20")

	if err := env.projector.EnsureAvailable(ctx, env.alice.ID, dec("20")); err != nil {
		t.Fatalf("exact amount should pass: %v", err)
	}
	if err := env.projector.EnsureAvailable(ctx, env.alice.ID, dec("20.01")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient, got %v", err)
	}
	if _, err := env.projector.GetDashboardData(ctx, 404); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}
