package bank

import (
	"math/big"
	"testing"
)

func TestTransferMovesBalances(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Mint("USDC", "alice", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer("USDC", "alice", "bob", big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := ledger.BalanceOf("USDC", "alice"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected sender balance: %s", got)
	}
	if got := ledger.BalanceOf("USDC", "bob"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected recipient balance: %s", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Mint("USDC", "alice", big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer("USDC", "alice", "bob", big.NewInt(101)); err != ErrInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := ledger.BalanceOf("USDC", "alice"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failed transfer must not touch balances: %s", got)
	}
}

func TestTransferValidation(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Transfer("", "alice", "bob", big.NewInt(1)); err != ErrInvalidAccount {
		t.Fatalf("expected invalid account, got %v", err)
	}
	if err := ledger.Transfer("USDC", "alice", "bob", big.NewInt(0)); err != ErrInvalidAmount {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := ledger.Transfer("USDC", "alice", "bob", nil); err != ErrInvalidAmount {
		t.Fatalf("expected invalid amount on nil, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Mint("USDC", "alice", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	snap := ledger.Snapshot()

	if err := ledger.Transfer("USDC", "alice", "bob", big.NewInt(500)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Mint("GOV", "carol", big.NewInt(42)); err != nil {
		t.Fatalf("mint gov: %v", err)
	}

	ledger.Restore(snap)
	if got := ledger.BalanceOf("USDC", "alice"); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("restore lost sender balance: %s", got)
	}
	if got := ledger.BalanceOf("USDC", "bob"); got.Sign() != 0 {
		t.Fatalf("restore kept recipient balance: %s", got)
	}
	if got := ledger.BalanceOf("GOV", "carol"); got.Sign() != 0 {
		t.Fatalf("restore kept minted balance: %s", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ledger := NewLedger()
	if err := ledger.Mint("USDC", "alice", big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	snap := ledger.Snapshot()
	if err := ledger.Transfer("USDC", "alice", "bob", big.NewInt(10)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	ledger.Restore(snap)
	ledger.Restore(snap) // restoring twice must be safe
	if got := ledger.BalanceOf("USDC", "alice"); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("snapshot mutated by later activity: %s", got)
	}
}
