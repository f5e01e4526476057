package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"lendcore/registry"
)

// maxUint256 is the "no debt" health factor sentinel.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func pow10(dec uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
}

// assetValueLocked prices one collateral holding, weighted by a
// parts-per-thousand threshold and normalised to the wad scale:
// amount·price·threshold·Wad / (1000·10^assetDec·10^oracleDec).
func (e *Engine) assetValueLocked(ctx context.Context, symbol string, amount *big.Int, thresholdMille uint64) (*big.Int, error) {
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	cfg, err := e.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	price, err := e.prices.Price(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("lending engine: price %s: %w", cfg.Symbol, err)
	}
	value := new(big.Int).Mul(amount, price)
	value.Mul(value, new(big.Int).SetUint64(thresholdMille))
	value.Mul(value, wadInt)
	denom := new(big.Int).Mul(big.NewInt(1000), pow10(cfg.Decimals))
	denom.Mul(denom, pow10(cfg.OracleDecimals))
	return value.Quo(value, denom), nil
}

// positionValueLocked sums weighted values across the position's collateral.
// The weight selector picks which per-asset threshold applies.
func (e *Engine) positionValueLocked(ctx context.Context, p *Position, weight func(cfg *registry.Asset) uint64) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range p.collateral.list() {
		cfg, err := e.registry.Get(asset)
		if err != nil {
			return nil, err
		}
		value, err := e.assetValueLocked(ctx, asset, p.collateral.amount(asset), weight(cfg))
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// creditLimitLocked is the borrow-threshold-weighted valuation that gates
// borrowing and withdrawal.
func (e *Engine) creditLimitLocked(ctx context.Context, p *Position) (*big.Int, error) {
	return e.positionValueLocked(ctx, p, func(cfg *registry.Asset) uint64 { return cfg.BorrowThreshold })
}

// collateralValueLocked is the raw valuation with no threshold factor.
func (e *Engine) collateralValueLocked(ctx context.Context, p *Position) (*big.Int, error) {
	return e.positionValueLocked(ctx, p, func(*registry.Asset) uint64 { return 1000 })
}

// liquidationValueLocked weights collateral by liquidation thresholds. Used
// by the health factor, not by the liquidation trigger.
func (e *Engine) liquidationValueLocked(ctx context.Context, p *Position) (*big.Int, error) {
	return e.positionValueLocked(ctx, p, func(cfg *registry.Asset) uint64 { return cfg.LiquidationThreshold })
}

// CreditLimit reports the wad-scaled borrow capacity of a position.
func (e *Engine) CreditLimit(ctx context.Context, user string, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	return e.creditLimitLocked(ctx, p)
}

// CollateralValue reports the unweighted wad-scaled collateral valuation.
func (e *Engine) CollateralValue(ctx context.Context, user string, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	return e.collateralValueLocked(ctx, p)
}

// HealthFactor reports liquidation-threshold-weighted collateral over debt,
// wad-scaled. Zero debt yields the 2^256-1 sentinel.
func (e *Engine) HealthFactor(ctx context.Context, user string, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(big.Int).Set(maxUint256), nil
	}
	value, err := e.liquidationValueLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	hf := new(big.Int).Mul(value, wadInt)
	return hf.Quo(hf, debt), nil
}

// Snapshot reports the aggregate protocol counters and derived rates.
func (e *Engine) Snapshot() ProtocolSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ProtocolSnapshot{
		TotalBorrow:                  new(big.Int).Set(e.totalBorrow),
		TotalSuppliedLiquidity:       new(big.Int).Set(e.totalSuppliedLiquidity),
		TotalSupplyShares:            new(big.Int).Set(e.totalSupplyShares),
		TotalAccruedBorrowerInterest: new(big.Int).Set(e.totalAccruedBorrowerInterest),
		TotalAccruedSupplierInterest: new(big.Int).Set(e.totalAccruedSupplierInterest),
		WithdrawnLiquidity:           new(big.Int).Set(e.withdrawnLiquidity),
		TotalFlashLoanFees:           new(big.Int).Set(e.totalFlashLoanFees),
		Utilization:                  e.utilizationLocked(),
		SupplyRate:                   e.supplyRateLocked(),
		BaseBorrowRate:               new(big.Int).Set(e.params.BaseBorrowRate),
		FlashLoanFeeBps:              e.params.FlashLoanFeeBps,
	}
}

// TotalCollateral reports the global collateral held for one asset.
func (e *Engine) TotalCollateral(asset string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if total, ok := e.totalCollateral[asset]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// AssetTVL returns the asset's total value locked. It is maintained in
// lockstep with TotalCollateral and must always agree with it and with the
// sum of per-position balances.
func (e *Engine) AssetTVL(asset string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if total, ok := e.assetTVL[asset]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// Summary builds the full read-model view of one position.
func (e *Engine) Summary(ctx context.Context, user string, id uint64) (*PositionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	debt, err := e.debtWithInterestLocked(p, e.now())
	if err != nil {
		return nil, err
	}
	limit, err := e.creditLimitLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	value, err := e.collateralValueLocked(ctx, p)
	if err != nil {
		return nil, err
	}
	hf := new(big.Int).Set(maxUint256)
	if debt.Sign() > 0 {
		liqValue, err := e.liquidationValueLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		hf.Mul(liqValue, wadInt)
		hf.Quo(hf, debt)
	}
	collateral := make(map[string]*big.Int)
	for _, asset := range p.collateral.list() {
		collateral[asset] = p.collateral.amount(asset)
	}
	return &PositionSummary{
		Owner:            p.Owner,
		ID:               p.ID,
		Status:           p.Status.String(),
		IsIsolated:       p.IsIsolated,
		IsolationAsset:   p.IsolationAsset,
		DebtPrincipal:    new(big.Int).Set(p.DebtAmount),
		DebtWithInterest: debt,
		CreditLimit:      limit,
		CollateralValue:  value,
		HealthFactor:     hf,
		Collateral:       collateral,
	}, nil
}

// State is the portable JSON form of the engine's mutable state. Version
// gates schema evolution; loaders must reject versions they do not know.
type State struct {
	Version                      int                  `json:"version"`
	Positions                    []PositionState      `json:"positions"`
	TotalBorrow                  *big.Int             `json:"totalBorrow"`
	TotalSuppliedLiquidity       *big.Int             `json:"totalSuppliedLiquidity"`
	TotalAccruedBorrowerInterest *big.Int             `json:"totalAccruedBorrowerInterest"`
	TotalAccruedSupplierInterest *big.Int             `json:"totalAccruedSupplierInterest"`
	WithdrawnLiquidity           *big.Int             `json:"withdrawnLiquidity"`
	TotalFlashLoanFees           *big.Int             `json:"totalFlashLoanFees"`
	TotalCollateral              map[string]*big.Int  `json:"totalCollateral"`
	TotalSupplyShares            *big.Int             `json:"totalSupplyShares"`
	SupplyShares                 map[string]*big.Int  `json:"supplyShares"`
}

// PositionState is the portable form of one position.
type PositionState struct {
	Owner          string              `json:"owner"`
	ID             uint64              `json:"id"`
	IsIsolated     bool                `json:"isIsolated"`
	IsolationAsset string              `json:"isolationAsset,omitempty"`
	Status         uint8               `json:"status"`
	DebtAmount     *big.Int            `json:"debtAmount"`
	LastAccrual    time.Time           `json:"lastAccrual"`
	Collateral     map[string]*big.Int `json:"collateral"`
}

// StateVersion is the current export schema version.
const StateVersion = 1

// ErrStateVersion rejects snapshots written by an unknown schema.
var ErrStateVersion = fmt.Errorf("lending engine: unsupported state version")

// ExportState captures the engine's mutable state for persistence.
func (e *Engine) ExportState() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := &State{
		Version:                      StateVersion,
		TotalBorrow:                  new(big.Int).Set(e.totalBorrow),
		TotalSuppliedLiquidity:       new(big.Int).Set(e.totalSuppliedLiquidity),
		TotalAccruedBorrowerInterest: new(big.Int).Set(e.totalAccruedBorrowerInterest),
		TotalAccruedSupplierInterest: new(big.Int).Set(e.totalAccruedSupplierInterest),
		WithdrawnLiquidity:           new(big.Int).Set(e.withdrawnLiquidity),
		TotalFlashLoanFees:           new(big.Int).Set(e.totalFlashLoanFees),
		TotalCollateral:              make(map[string]*big.Int, len(e.totalCollateral)),
		TotalSupplyShares:            new(big.Int).Set(e.totalSupplyShares),
		SupplyShares:                 make(map[string]*big.Int, len(e.supplyShares)),
	}
	for asset, total := range e.totalCollateral {
		st.TotalCollateral[asset] = new(big.Int).Set(total)
	}
	for supplier, shares := range e.supplyShares {
		st.SupplyShares[supplier] = new(big.Int).Set(shares)
	}
	for _, list := range e.positions {
		for _, p := range list {
			collateral := make(map[string]*big.Int)
			for _, asset := range p.collateral.list() {
				collateral[asset] = p.collateral.amount(asset)
			}
			st.Positions = append(st.Positions, PositionState{
				Owner:          p.Owner,
				ID:             p.ID,
				IsIsolated:     p.IsIsolated,
				IsolationAsset: p.IsolationAsset,
				Status:         uint8(p.Status),
				DebtAmount:     new(big.Int).Set(p.DebtAmount),
				LastAccrual:    p.LastAccrual,
				Collateral:     collateral,
			})
		}
	}
	return st
}

// ImportState replaces the engine's mutable state from a snapshot. Positions
// must arrive with contiguous per-user IDs; gaps mean a corrupt snapshot.
func (e *Engine) ImportState(st *State) error {
	if st == nil || st.Version != StateVersion {
		return ErrStateVersion
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make(map[string][]*Position)
	for _, ps := range st.Positions {
		p := &Position{
			Owner:          ps.Owner,
			ID:             ps.ID,
			IsIsolated:     ps.IsIsolated,
			IsolationAsset: ps.IsolationAsset,
			Status:         PositionStatus(ps.Status),
			DebtAmount:     big.NewInt(0),
			LastAccrual:    ps.LastAccrual,
			collateral:     newCollateralList(),
		}
		if ps.DebtAmount != nil {
			p.DebtAmount.Set(ps.DebtAmount)
		}
		for asset, amount := range ps.Collateral {
			if amount != nil {
				p.collateral.setAmount(asset, amount)
			}
		}
		if ps.ID != uint64(len(positions[ps.Owner])) {
			return fmt.Errorf("lending engine: non-contiguous position id %d for %s", ps.ID, ps.Owner)
		}
		positions[ps.Owner] = append(positions[ps.Owner], p)
	}

	setOrZero := func(dst **big.Int, src *big.Int) {
		if src != nil {
			*dst = new(big.Int).Set(src)
			return
		}
		*dst = big.NewInt(0)
	}

	e.positions = positions
	setOrZero(&e.totalBorrow, st.TotalBorrow)
	setOrZero(&e.totalSuppliedLiquidity, st.TotalSuppliedLiquidity)
	setOrZero(&e.totalAccruedBorrowerInterest, st.TotalAccruedBorrowerInterest)
	setOrZero(&e.totalAccruedSupplierInterest, st.TotalAccruedSupplierInterest)
	setOrZero(&e.withdrawnLiquidity, st.WithdrawnLiquidity)
	setOrZero(&e.totalFlashLoanFees, st.TotalFlashLoanFees)
	setOrZero(&e.totalSupplyShares, st.TotalSupplyShares)
	e.totalCollateral = make(map[string]*big.Int)
	e.assetTVL = make(map[string]*big.Int)
	for asset, total := range st.TotalCollateral {
		if total == nil {
			continue
		}
		e.totalCollateral[asset] = new(big.Int).Set(total)
		e.assetTVL[asset] = new(big.Int).Set(total)
	}
	e.supplyShares = make(map[string]*big.Int)
	for supplier, shares := range st.SupplyShares {
		if shares != nil {
			e.supplyShares[supplier] = new(big.Int).Set(shares)
		}
	}
	return nil
}
