package engine

import (
	"context"
	"math/big"

	"lendcore/registry"
)

// SupplyCollateral pulls collateral from the user into the module account and
// credits the position. Isolated positions only accept their isolation asset;
// isolated-tier assets only enter isolated positions.
func (e *Engine) SupplyCollateral(user string, id uint64, asset string, amount *big.Int) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if e.pauses.Supply {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.activePosition(user, id)
	if err != nil {
		return err
	}
	cfg, err := e.registry.Get(asset)
	if err != nil {
		return err
	}
	if !cfg.Active {
		return ErrAssetNotActive
	}
	asset = cfg.Symbol

	if cfg.Tier == registry.TierIsolated && !p.IsIsolated {
		return ErrIsolatedTierViolation
	}
	if p.IsIsolated && asset != p.IsolationAsset {
		return ErrIsolationAssetMismatch
	}
	if !p.IsIsolated && !p.collateral.contains(asset) && p.collateral.len() >= maxPositionAssets {
		return ErrTooManyAssets
	}
	if cfg.MaxSupplyThreshold != nil && cfg.MaxSupplyThreshold.Sign() > 0 {
		current, ok := e.totalCollateral[asset]
		if !ok {
			current = big.NewInt(0)
		}
		if new(big.Int).Add(current, amount).Cmp(cfg.MaxSupplyThreshold) > 0 {
			return ErrSupplyCapExceeded
		}
	}

	if err := e.bank.Transfer(asset, user, e.params.ModuleAccount, amount); err != nil {
		return err
	}
	balance := p.collateral.amount(asset)
	p.collateral.setAmount(asset, balance.Add(balance, amount))
	e.addCollateralTotals(asset, amount)

	e.logger.Info("collateral supplied",
		"user", user, "position", id, "asset", asset, "amount", amount.String())
	return nil
}

// WithdrawCollateral returns collateral to the user, provided the remainder
// still covers the position's debt with interest. The decrement happens first
// and is rolled back on any failure, so no partial state ever commits.
func (e *Engine) WithdrawCollateral(ctx context.Context, user string, id uint64, asset string, amount *big.Int) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p, err := e.activePosition(user, id)
	if err != nil {
		return err
	}
	cfg, err := e.registry.Get(asset)
	if err != nil {
		return err
	}
	asset = cfg.Symbol

	balance := p.collateral.amount(asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}

	remaining := new(big.Int).Sub(balance, amount)
	p.collateral.setAmount(asset, remaining)
	revert := func() { p.collateral.setAmount(asset, balance) }

	if p.DebtAmount.Sign() > 0 {
		debt, err := e.debtWithInterestLocked(p, e.now())
		if err != nil {
			revert()
			return err
		}
		limit, err := e.creditLimitLocked(ctx, p)
		if err != nil {
			revert()
			return err
		}
		if limit.Cmp(debt) < 0 {
			revert()
			return ErrWithdrawalBreachesLimit
		}
	}

	if err := e.bank.Transfer(asset, e.params.ModuleAccount, user, amount); err != nil {
		revert()
		return err
	}
	e.addCollateralTotals(asset, new(big.Int).Neg(amount))

	e.logger.Info("collateral withdrawn",
		"user", user, "position", id, "asset", asset, "amount", amount.String())
	return nil
}
