package engine

import (
	"context"
	"math/big"
)

// isLiquidatableLocked applies the solvency test: debt with interest at or
// above the borrow-threshold credit limit. The boundary is inclusive and the
// line is deliberately the same one that gates borrowing.
func (e *Engine) isLiquidatableLocked(ctx context.Context, p *Position) (bool, error) {
	if p.Status != StatusActive || p.DebtAmount.Sign() == 0 {
		return false, nil
	}
	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return false, err
	}
	limit, err := e.creditLimitLocked(ctx, p)
	if err != nil {
		return false, err
	}
	return debt.Cmp(limit) >= 0, nil
}

// IsLiquidatable reports whether a position can be liquidated right now.
func (e *Engine) IsLiquidatable(ctx context.Context, user string, id uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return false, err
	}
	return e.isLiquidatableLocked(ctx, p)
}

// Liquidate settles an insolvent position in one shot: the caller pays debt
// with interest plus the tier's liquidation bonus and receives every unit of
// the position's collateral. Returns the amount the liquidator paid.
func (e *Engine) Liquidate(ctx context.Context, caller, user string, id uint64) (*big.Int, error) {
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.unlock()
	if e.pauses.Liquidate {
		return nil, ErrPaused
	}
	p, err := e.activePosition(user, id)
	if err != nil {
		return nil, err
	}

	if e.params.LiquidatorThreshold.Sign() > 0 {
		held := e.bank.BalanceOf(e.params.GovToken, caller)
		if held.Cmp(e.params.LiquidatorThreshold) < 0 {
			return nil, ErrLiquidatorThreshold
		}
	}

	eligible, err := e.isLiquidatableLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, ErrNotLiquidatable
	}

	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return nil, err
	}
	tier, err := e.positionTierLocked(p)
	if err != nil {
		return nil, err
	}
	tierParams, err := e.registry.TierParams(tier)
	if err != nil {
		return nil, err
	}
	totalDue := new(big.Int).Add(wadInt, tierParams.LiquidationBonus)
	totalDue.Mul(totalDue, debt)
	totalDue.Quo(totalDue, wadInt)

	snapshot := e.bank.Snapshot()
	if err := e.bank.Transfer(e.params.BaseToken, caller, e.params.ModuleAccount, totalDue); err != nil {
		return nil, err
	}
	assets := p.collateral.list()
	for _, asset := range assets {
		balance := p.collateral.amount(asset)
		if err := e.bank.Transfer(asset, e.params.ModuleAccount, caller, balance); err != nil {
			e.bank.Restore(snapshot)
			return nil, err
		}
	}

	e.recognizeLocked(p, debt)
	e.settleLocked(p, big.NewInt(0))
	for _, asset := range assets {
		balance := p.collateral.amount(asset)
		e.addCollateralTotals(asset, new(big.Int).Neg(balance))
		p.collateral.setAmount(asset, big.NewInt(0))
	}
	p.IsIsolated = false
	p.IsolationAsset = ""
	p.Status = StatusLiquidated

	if e.metrics != nil {
		e.metrics.RecordLiquidation()
	}
	e.logger.Info("position liquidated",
		"caller", caller, "user", user, "position", id,
		"debt", debt.String(), "paid", totalDue.String())
	return totalDue, nil
}
