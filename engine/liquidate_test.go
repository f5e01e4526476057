package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

// crashPrice drops ETH far enough that an existing borrow breaches the
// borrow-threshold solvency line.
func setupUnderwater(t *testing.T, f *fixture) uint64 {
	t.Helper()
	f.supplyPool(t, units(10_000, 6))
	f.prices["ETH"] = units(1_000, 8)

	id := f.openPosition(t, "alice", "ETH", false)
	f.supply(t, "alice", id, "ETH", units(2, 18)) // $2000 value, $1600 credit
	if err := f.engine.Borrow(context.Background(), "alice", id, units(1_500, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	f.prices["ETH"] = units(800, 8) // credit limit falls to $1280 < $1500 debt
	return id
}

func TestLiquidateSeizesEverything(t *testing.T) {
	f := newFixture(t)
	id := setupUnderwater(t, f)

	eligible, err := f.engine.IsLiquidatable(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("is liquidatable: %v", err)
	}
	if !eligible {
		t.Fatal("underwater position should be liquidatable")
	}

	debt, err := f.engine.DebtWithInterest("alice", id)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	// CrossA carries an 8% liquidation bonus.
	wantDue := new(big.Int).Mul(debt, big.NewInt(1_080_000))
	wantDue.Quo(wantDue, wadInt)

	zusdBefore := f.ledger.BalanceOf(baseToken, "liq")
	ethBefore := f.ledger.BalanceOf("ETH", "liq")

	paid, err := f.engine.Liquidate(context.Background(), "liq", "alice", id)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if paid.Cmp(wantDue) != 0 {
		t.Fatalf("paid %s, want %s", paid, wantDue)
	}

	if got := f.ledger.BalanceOf(baseToken, "liq"); new(big.Int).Sub(zusdBefore, got).Cmp(wantDue) != 0 {
		t.Fatalf("liquidator base balance delta wrong: %s -> %s", zusdBefore, got)
	}
	if got := f.ledger.BalanceOf("ETH", "liq"); new(big.Int).Sub(got, ethBefore).Cmp(units(2, 18)) != 0 {
		t.Fatalf("liquidator did not receive full collateral: %s -> %s", ethBefore, got)
	}

	summary, err := f.engine.Summary(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Status != "liquidated" {
		t.Fatalf("status = %s, want liquidated", summary.Status)
	}
	if summary.DebtPrincipal.Sign() != 0 || len(summary.Collateral) != 0 {
		t.Fatalf("liquidated position not cleared: debt=%s collateral=%v", summary.DebtPrincipal, summary.Collateral)
	}
	if snap := f.engine.Snapshot(); snap.TotalBorrow.Sign() != 0 {
		t.Fatalf("totalBorrow = %s after liquidation, want 0", snap.TotalBorrow)
	}
	if got := f.engine.TotalCollateral("ETH"); got.Sign() != 0 {
		t.Fatalf("global ETH total = %s after liquidation, want 0", got)
	}

	// Terminal: no second liquidation, no further borrows.
	if _, err := f.engine.Liquidate(context.Background(), "liq", "alice", id); !errors.Is(err, ErrPositionNotActive) {
		t.Fatalf("got %v, want ErrPositionNotActive", err)
	}
	if err := f.engine.Borrow(context.Background(), "alice", id, units(1, 6)); !errors.Is(err, ErrPositionNotActive) {
		t.Fatalf("got %v, want ErrPositionNotActive", err)
	}
}

func TestLiquidateHealthyPosition(t *testing.T) {
	f := newFixture(t)
	f.supplyPool(t, units(10_000, 6))

	id := f.openPosition(t, "alice", "ETH", false)
	f.supply(t, "alice", id, "ETH", units(2, 18))
	if err := f.engine.Borrow(context.Background(), "alice", id, units(100, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Liquidate(context.Background(), "liq", "alice", id); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("got %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidatorGovernanceThreshold(t *testing.T) {
	f := newFixture(t)
	id := setupUnderwater(t, f)

	if err := f.engine.UpdateLiquidatorThreshold(admin, units(50, 6)); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if _, err := f.engine.Liquidate(context.Background(), "liq", "alice", id); !errors.Is(err, ErrLiquidatorThreshold) {
		t.Fatalf("got %v, want ErrLiquidatorThreshold", err)
	}

	if err := f.ledger.Mint(govToken, "liq", units(50, 6)); err != nil {
		t.Fatalf("mint gov: %v", err)
	}
	if _, err := f.engine.Liquidate(context.Background(), "liq", "alice", id); err != nil {
		t.Fatalf("liquidate with threshold met: %v", err)
	}
}

func TestLiquidateRollsBackWhenPaymentFails(t *testing.T) {
	f := newFixture(t)
	id := setupUnderwater(t, f)

	// "pauper" cannot cover debt plus bonus; the whole operation must leave
	// the ledger and the position untouched.
	before := f.engine.Snapshot()
	if _, err := f.engine.Liquidate(context.Background(), "pauper", "alice", id); err == nil {
		t.Fatal("liquidation by unfunded caller should fail")
	}
	after := f.engine.Snapshot()
	if after.TotalBorrow.Cmp(before.TotalBorrow) != 0 {
		t.Fatalf("totalBorrow changed on failed liquidation: %s -> %s", before.TotalBorrow, after.TotalBorrow)
	}
	summary, err := f.engine.Summary(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Status != "active" {
		t.Fatalf("status = %s after failed liquidation, want active", summary.Status)
	}
	if got := summary.Collateral["ETH"]; got == nil || got.Cmp(units(2, 18)) != 0 {
		t.Fatalf("collateral = %v after failed liquidation, want 2 ETH", got)
	}
}
