package engine

import (
	"math/big"
	"time"

	"lendcore/fpmath"
	"lendcore/registry"
)

// Rate-model helpers. Everything in this file assumes e.mu is held; values are
// derived lazily from the aggregate counters rather than stored.

// utilizationLocked returns totalBorrow/totalSuppliedLiquidity wad-scaled,
// zero when either side is empty.
func (e *Engine) utilizationLocked() *big.Int {
	if e.totalBorrow.Sign() == 0 || e.totalSuppliedLiquidity.Sign() == 0 {
		return big.NewInt(0)
	}
	util := new(big.Int).Mul(e.totalBorrow, wadInt)
	return util.Quo(util, e.totalSuppliedLiquidity)
}

// pooledValueLocked values the supply side: idle base tokens sitting in the
// module account plus principal currently out on loan.
func (e *Engine) pooledValueLocked() *big.Int {
	idle := e.bank.BalanceOf(e.params.BaseToken, e.params.ModuleAccount)
	return new(big.Int).Add(idle, e.totalBorrow)
}

// supplyRateLocked derives the wad-scaled annual rate implied for suppliers by
// the pooled value. The protocol take is all-or-nothing: it applies only when
// pooled value covers supplied principal plus the full target.
func (e *Engine) supplyRateLocked() *big.Int {
	supplied := e.totalSuppliedLiquidity
	if supplied.Sign() == 0 {
		return big.NewInt(0)
	}
	pooled := e.pooledValueLocked()

	fee := new(big.Int).Mul(supplied, e.params.BaseProfitTarget)
	fee.Quo(fee, wadInt)
	threshold := new(big.Int).Add(supplied, fee)
	if pooled.Cmp(threshold) < 0 {
		fee.SetInt64(0)
	}

	denom := new(big.Int).Add(supplied, fee)
	rate := new(big.Int).Mul(pooled, wadInt)
	rate.Quo(rate, denom)
	rate.Sub(rate, wadInt)
	if rate.Sign() < 0 {
		rate.SetInt64(0)
	}
	return rate
}

// borrowRateLocked prices borrowing for one tier: the larger of break-even
// plus the protocol take and the governed base rate, with a utilization-scaled
// tier premium on top.
func (e *Engine) borrowRateLocked(tier registry.Tier) (*big.Int, error) {
	util := e.utilizationLocked()
	if util.Sign() == 0 {
		return new(big.Int).Set(e.params.BaseBorrowRate), nil
	}

	supplyInterest := new(big.Int).Mul(e.totalSuppliedLiquidity, e.supplyRateLocked())
	supplyInterest.Quo(supplyInterest, wadInt)
	breakEven, err := fpmath.BreakEvenRate(e.totalBorrow, supplyInterest)
	if err != nil {
		return nil, err
	}

	rate := new(big.Int).Add(breakEven, e.params.BaseProfitTarget)
	if rate.Cmp(e.params.BaseBorrowRate) < 0 {
		rate.Set(e.params.BaseBorrowRate)
	}

	params, err := e.registry.TierParams(tier)
	if err != nil {
		return nil, err
	}
	premium := new(big.Int).Mul(params.BorrowRate, util)
	premium.Quo(premium, wadInt)
	return rate.Add(rate, premium), nil
}

// positionTierLocked selects the tier that prices a position's debt: the
// isolation asset's tier for isolated positions, otherwise the riskiest tier
// present among its collateral.
func (e *Engine) positionTierLocked(p *Position) (registry.Tier, error) {
	if p.IsIsolated {
		cfg, err := e.registry.Get(p.IsolationAsset)
		if err != nil {
			return registry.TierStable, err
		}
		return cfg.Tier, nil
	}
	highest := registry.TierStable
	for _, asset := range p.collateral.list() {
		cfg, err := e.registry.Get(asset)
		if err != nil {
			return registry.TierStable, err
		}
		if cfg.Tier > highest {
			highest = cfg.Tier
		}
	}
	return highest, nil
}

// debtWithInterestLocked compounds the recorded principal at the position's
// tier rate from LastAccrual up to the given instant.
func (e *Engine) debtWithInterestLocked(p *Position, at time.Time) (*big.Int, error) {
	if p.DebtAmount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	tier, err := e.positionTierLocked(p)
	if err != nil {
		return nil, err
	}
	rateWad, err := e.borrowRateLocked(tier)
	if err != nil {
		return nil, err
	}
	perSecond, err := fpmath.AnnualRateToRayPerSecond(rateWad)
	if err != nil {
		return nil, err
	}
	elapsed := at.Sub(p.LastAccrual)
	if elapsed <= 0 {
		return new(big.Int).Set(p.DebtAmount), nil
	}
	return fpmath.AccrueCompound(p.DebtAmount, perSecond, uint64(elapsed/time.Second))
}

// Utilization reports the current wad-scaled pool utilization.
func (e *Engine) Utilization() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.utilizationLocked()
}

// SupplyRate reports the current wad-scaled annual supplier rate.
func (e *Engine) SupplyRate() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.supplyRateLocked()
}

// BorrowRate reports the current wad-scaled annual borrow rate for a tier.
func (e *Engine) BorrowRate(tier registry.Tier) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.borrowRateLocked(tier)
}

// DebtWithInterest reports a position's principal plus accrued interest as of
// now without mutating state.
func (e *Engine) DebtWithInterest(user string, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	return e.debtWithInterestLocked(p, e.now())
}

// HighestTier reports the tier pricing a position's debt.
func (e *Engine) HighestTier(user string, id uint64) (registry.Tier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return registry.TierStable, err
	}
	return e.positionTierLocked(p)
}
