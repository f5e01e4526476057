package engine

import (
	"context"
	"math/big"
)

// recognizeLocked records the interest accrued between the position's stored
// principal and its freshly computed debt. Call only after every transfer in
// the operation has succeeded, so failed operations leave the counters alone.
func (e *Engine) recognizeLocked(p *Position, debt *big.Int) {
	delta := new(big.Int).Sub(debt, p.DebtAmount)
	if delta.Sign() > 0 {
		e.totalAccruedBorrowerInterest.Add(e.totalAccruedBorrowerInterest, delta)
	}
}

// settleLocked installs a new principal on the position and mirrors the delta
// into totalBorrow, so totalBorrow stays the exact sum of position principals.
func (e *Engine) settleLocked(p *Position, newPrincipal *big.Int) {
	delta := new(big.Int).Sub(newPrincipal, p.DebtAmount)
	e.totalBorrow.Add(e.totalBorrow, delta)
	p.DebtAmount = new(big.Int).Set(newPrincipal)
	p.LastAccrual = e.now()
}

// Borrow draws base tokens against the position's collateral. Accrued interest
// is capitalized into the principal at the moment of borrowing.
func (e *Engine) Borrow(ctx context.Context, user string, id uint64, amount *big.Int) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if e.pauses.Borrow {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.activePosition(user, id)
	if err != nil {
		return err
	}

	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return err
	}
	newDebt := new(big.Int).Add(debt, amount)

	// Settlement capitalizes accrued interest into the principal ledger, so
	// the liquidity projection must count that delta alongside the new draw or
	// totalBorrow could land past totalSuppliedLiquidity.
	projected := new(big.Int).Add(e.totalBorrow, new(big.Int).Sub(debt, p.DebtAmount))
	projected.Add(projected, amount)
	if projected.Cmp(e.totalSuppliedLiquidity) > 0 {
		return ErrInsufficientLiquidity
	}

	if p.IsIsolated {
		if p.collateral.amount(p.IsolationAsset).Sign() == 0 {
			return ErrNoIsolatedCollateral
		}
		cfg, err := e.registry.Get(p.IsolationAsset)
		if err != nil {
			return err
		}
		if cfg.IsolationDebtCap != nil && cfg.IsolationDebtCap.Sign() > 0 &&
			newDebt.Cmp(cfg.IsolationDebtCap) > 0 {
			return ErrIsolationDebtCapExceeded
		}
	}

	limit, err := e.creditLimitLocked(ctx, p)
	if err != nil {
		return err
	}
	if newDebt.Cmp(limit) > 0 {
		return ErrExceedsCreditLimit
	}

	if err := e.bank.Transfer(e.params.BaseToken, e.params.ModuleAccount, user, amount); err != nil {
		return err
	}
	e.recognizeLocked(p, debt)
	e.settleLocked(p, newDebt)

	e.logger.Info("borrow",
		"user", user, "position", id, "amount", amount.String(), "debt", newDebt.String())
	return nil
}

// Repay pulls base tokens from the user against the position's debt. Payments
// are capped at debt-with-interest and settle interest before principal; any
// unpaid interest is capitalized. Returns the amount actually taken.
func (e *Engine) Repay(user string, id uint64, amount *big.Int) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()
	if e.pauses.Repay {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p, err := e.activePosition(user, id)
	if err != nil {
		return nil, err
	}

	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	payment := new(big.Int).Set(amount)
	if payment.Cmp(debt) > 0 {
		payment.Set(debt)
	}
	newPrincipal := new(big.Int).Sub(debt, payment)

	// A payment smaller than the accrued interest capitalizes the shortfall
	// into the principal ledger. Refuse it when that would push totalBorrow
	// past totalSuppliedLiquidity; covering the accrued interest always works.
	capitalized := new(big.Int).Sub(newPrincipal, p.DebtAmount)
	if capitalized.Sign() > 0 {
		projected := new(big.Int).Add(e.totalBorrow, capitalized)
		if projected.Cmp(e.totalSuppliedLiquidity) > 0 {
			return nil, ErrInsufficientLiquidity
		}
	}

	if err := e.bank.Transfer(e.params.BaseToken, user, e.params.ModuleAccount, payment); err != nil {
		return nil, err
	}
	e.recognizeLocked(p, debt)
	e.settleLocked(p, newPrincipal)

	e.logger.Info("repay",
		"user", user, "position", id, "paid", payment.String(), "remaining", p.DebtAmount.String())
	return payment, nil
}

// ExitPosition repays the position's full debt from the user, returns every
// collateral asset, and closes the position. All transfers commit together or
// not at all.
func (e *Engine) ExitPosition(user string, id uint64) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	p, err := e.activePosition(user, id)
	if err != nil {
		return err
	}

	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return err
	}

	snapshot := e.bank.Snapshot()
	if debt.Sign() > 0 {
		if err := e.bank.Transfer(e.params.BaseToken, user, e.params.ModuleAccount, debt); err != nil {
			return err
		}
	}
	assets := p.collateral.list()
	for _, asset := range assets {
		balance := p.collateral.amount(asset)
		if err := e.bank.Transfer(asset, e.params.ModuleAccount, user, balance); err != nil {
			e.bank.Restore(snapshot)
			return err
		}
	}

	e.recognizeLocked(p, debt)
	e.settleLocked(p, big.NewInt(0))
	for _, asset := range assets {
		balance := p.collateral.amount(asset)
		e.addCollateralTotals(asset, new(big.Int).Neg(balance))
		p.collateral.setAmount(asset, big.NewInt(0))
	}
	p.Status = StatusClosed

	e.logger.Info("position closed",
		"user", user, "position", id, "repaid", debt.String())
	return nil
}
