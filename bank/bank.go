// Package bank models the token-transfer collaborator consumed by the lending
// engine. The engine treats transfers as external effects: every mutating
// operation snapshots the bank up front and restores the snapshot when the
// operation fails, so balance movements commit all-or-nothing alongside
// ledger state.
package bank

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

var (
	// ErrInvalidAmount is returned for nil, zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("bank: amount must be positive")
	// ErrInsufficientBalance is returned when the source balance cannot cover
	// the transfer.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAccount is returned for blank token or account identifiers.
	ErrInvalidAccount = errors.New("bank: token and accounts must be non-empty")
)

// Snapshot is an opaque handle to a point-in-time balance set.
type Snapshot interface{}

// Bank exposes the transfer surface the engine depends on.
type Bank interface {
	BalanceOf(token, account string) *big.Int
	Transfer(token, from, to string, amount *big.Int) error
	Snapshot() Snapshot
	Restore(snapshot Snapshot)
}

// Ledger is an in-memory Bank used by the daemon bootstrap and the test
// suites. Balances are keyed by token then account.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]*big.Int
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]map[string]*big.Int)}
}

func key(s string) string { return strings.TrimSpace(s) }

// Mint credits freshly created units to an account. Used for bootstrap and
// tests; a production deployment would adapt a real settlement backend.
func (l *Ledger) Mint(token, account string, amount *big.Int) error {
	token, account = key(token), key(account)
	if token == "" || account == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, account, amount)
	return nil
}

// BalanceOf returns a copy of the account balance for the token.
func (l *Ledger) BalanceOf(token, account string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if accounts, ok := l.balances[key(token)]; ok {
		if bal, ok := accounts[key(account)]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

// Transfer moves units between accounts, failing without any effect when the
// source balance is insufficient.
func (l *Ledger) Transfer(token, from, to string, amount *big.Int) error {
	token, from, to = key(token), key(from), key(to)
	if token == "" || from == "" || to == "" {
		return ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := l.balances[token]
	bal, ok := accounts[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	accounts[from] = new(big.Int).Sub(bal, amount)
	l.credit(token, to, amount)
	return nil
}

func (l *Ledger) credit(token, account string, amount *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[string]*big.Int)
		l.balances[token] = accounts
	}
	current, ok := accounts[account]
	if !ok {
		current = big.NewInt(0)
	}
	accounts[account] = new(big.Int).Add(current, amount)
}

// Snapshot captures a deep copy of every balance.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	copied := make(map[string]map[string]*big.Int, len(l.balances))
	for token, accounts := range l.balances {
		inner := make(map[string]*big.Int, len(accounts))
		for account, bal := range accounts {
			inner[account] = new(big.Int).Set(bal)
		}
		copied[token] = inner
	}
	return copied
}

// Restore replaces all balances with a previously captured snapshot.
func (l *Ledger) Restore(snapshot Snapshot) {
	copied, ok := snapshot.(map[string]map[string]*big.Int)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := make(map[string]map[string]*big.Int, len(copied))
	for token, accounts := range copied {
		inner := make(map[string]*big.Int, len(accounts))
		for account, bal := range accounts {
			inner[account] = new(big.Int).Set(bal)
		}
		restored[token] = inner
	}
	l.balances = restored
}
