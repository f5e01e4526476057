package engine

import (
	"context"
	"math/big"
)

// supplierPoolLocked values the suppliers' claim on the pool. When pooled
// value covers principal plus the full protocol target, the target's share is
// carved out for the treasury; below that line suppliers keep everything.
func (e *Engine) supplierPoolLocked() *big.Int {
	supplied := e.totalSuppliedLiquidity
	if supplied.Sign() == 0 {
		return big.NewInt(0)
	}
	pooled := e.pooledValueLocked()

	fee := new(big.Int).Mul(supplied, e.params.BaseProfitTarget)
	fee.Quo(fee, wadInt)
	threshold := new(big.Int).Add(supplied, fee)
	if pooled.Cmp(threshold) < 0 {
		return pooled
	}
	claim := new(big.Int).Mul(pooled, supplied)
	return claim.Quo(claim, threshold)
}

// SupplyLiquidity deposits base tokens into the pool and mints shares against
// the suppliers' current claim. Returns the shares minted.
func (e *Engine) SupplyLiquidity(supplier string, amount *big.Int) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()
	if e.pauses.Supply {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	var shares *big.Int
	if e.totalSupplyShares.Sign() == 0 {
		shares = new(big.Int).Set(amount)
	} else {
		pool := e.supplierPoolLocked()
		if pool.Sign() == 0 {
			shares = new(big.Int).Set(amount)
		} else {
			shares = new(big.Int).Mul(amount, e.totalSupplyShares)
			shares.Quo(shares, pool)
		}
	}
	if shares.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	if err := e.bank.Transfer(e.params.BaseToken, supplier, e.params.ModuleAccount, amount); err != nil {
		return nil, err
	}
	e.totalSuppliedLiquidity.Add(e.totalSuppliedLiquidity, amount)
	e.totalSupplyShares.Add(e.totalSupplyShares, shares)
	held, ok := e.supplyShares[supplier]
	if !ok {
		held = big.NewInt(0)
		e.supplyShares[supplier] = held
	}
	held.Add(held, shares)

	e.logger.Info("liquidity supplied",
		"supplier", supplier, "amount", amount.String(), "shares", shares.String())
	return shares, nil
}

// ExchangeShares burns supply shares for the matching slice of the suppliers'
// pool, skimming the treasury's proportional cut when the protocol target is
// met. Returns the base tokens paid to the supplier.
func (e *Engine) ExchangeShares(supplier string, shares *big.Int) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	held, ok := e.supplyShares[supplier]
	if !ok || e.totalSupplyShares.Sign() == 0 || held.Cmp(shares) < 0 {
		return nil, ErrNoLiquidityShares
	}

	supplierPool := e.supplierPoolLocked()
	payout := new(big.Int).Mul(shares, supplierPool)
	payout.Quo(payout, e.totalSupplyShares)

	pooled := e.pooledValueLocked()
	treasuryCut := new(big.Int).Sub(pooled, supplierPool)
	if treasuryCut.Sign() > 0 {
		treasuryCut.Mul(treasuryCut, shares)
		treasuryCut.Quo(treasuryCut, e.totalSupplyShares)
	} else {
		treasuryCut.SetInt64(0)
	}

	idle := e.bank.BalanceOf(e.params.BaseToken, e.params.ModuleAccount)
	owed := new(big.Int).Add(payout, treasuryCut)
	if idle.Cmp(owed) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	principal := new(big.Int).Mul(shares, e.totalSuppliedLiquidity)
	principal.Quo(principal, e.totalSupplyShares)

	snapshot := e.bank.Snapshot()
	if err := e.bank.Transfer(e.params.BaseToken, e.params.ModuleAccount, supplier, payout); err != nil {
		return nil, err
	}
	if treasuryCut.Sign() > 0 {
		if err := e.bank.Transfer(e.params.BaseToken, e.params.ModuleAccount, e.params.TreasuryAccount, treasuryCut); err != nil {
			e.bank.Restore(snapshot)
			return nil, err
		}
	}

	e.totalSupplyShares.Sub(e.totalSupplyShares, shares)
	held.Sub(held, shares)
	if held.Sign() == 0 {
		delete(e.supplyShares, supplier)
	}
	e.totalSuppliedLiquidity.Sub(e.totalSuppliedLiquidity, principal)
	e.withdrawnLiquidity.Add(e.withdrawnLiquidity, payout)
	if interest := new(big.Int).Sub(payout, principal); interest.Sign() > 0 {
		e.totalAccruedSupplierInterest.Add(e.totalAccruedSupplierInterest, interest)
	}

	e.logger.Info("shares exchanged",
		"supplier", supplier, "shares", shares.String(), "payout", payout.String())
	return payout, nil
}

// FlashLoan lends idle base tokens to the receiver for the duration of one
// callback. The engine's lock is released while the callback runs and the
// entered latch rejects any reentrant engine call; once control returns the
// module account must hold at least its starting balance plus the fee, or the
// whole operation is rolled back. Returns the fee charged.
func (e *Engine) FlashLoan(ctx context.Context, initiator string, receiver FlashLoanReceiver, token string, amount *big.Int, params []byte) (fee *big.Int, err error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordFlashLoan(err)
		}
	}()
	if e.pauses.FlashLoan {
		return nil, ErrPaused
	}
	if receiver == nil || amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if token != e.params.BaseToken {
		return nil, ErrInvalidFlashLoanToken
	}

	start := e.bank.BalanceOf(e.params.BaseToken, e.params.ModuleAccount)
	if start.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(e.params.FlashLoanFeeBps))
	fee.Quo(fee, big.NewInt(10_000))

	snapshot := e.bank.Snapshot()
	if err := e.bank.Transfer(e.params.BaseToken, e.params.ModuleAccount, initiator, amount); err != nil {
		return nil, err
	}

	terms := FlashLoanTerms{
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Fee:       new(big.Int).Set(fee),
		Initiator: initiator,
		Params:    params,
	}

	// The callback window is hostile: drop the mutex so the receiver can move
	// funds, but keep the latch up so every engine entry point refuses service
	// until the loan settles.
	e.entered = true
	e.mu.Unlock()
	ok, callbackErr := receiver.ExecuteOperation(ctx, terms)
	e.mu.Lock()
	e.entered = false

	if callbackErr != nil {
		e.bank.Restore(snapshot)
		return nil, callbackErr
	}
	if !ok {
		e.bank.Restore(snapshot)
		return nil, ErrFlashLoanNotRepaid
	}
	end := e.bank.BalanceOf(e.params.BaseToken, e.params.ModuleAccount)
	required := new(big.Int).Add(start, fee)
	if end.Cmp(required) < 0 {
		e.bank.Restore(snapshot)
		return nil, ErrFlashLoanNotRepaid
	}

	e.totalFlashLoanFees.Add(e.totalFlashLoanFees, fee)
	e.logger.Info("flash loan settled",
		"initiator", initiator, "amount", amount.String(), "fee", fee.String())
	return fee, nil
}
