// Package registry holds the per-asset collateral configuration and the
// tier-level rate and bonus tables consumed by the lending engine. The
// registry is pure lookup: mutation happens only through governance
// operations and assets are never deleted, only deactivated.
package registry

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"

	"lendcore/policy"
)

// Tier classifies collateral risk. Ordering matters: a numerically higher
// tier is riskier and drives rate premiums and liquidation bonuses.
type Tier uint8

const (
	TierStable Tier = iota
	TierCrossA
	TierCrossB
	TierIsolated
)

// String renders the tier name.
func (t Tier) String() string {
	switch t {
	case TierStable:
		return "stable"
	case TierCrossA:
		return "cross-a"
	case TierCrossB:
		return "cross-b"
	case TierIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// ParseTier resolves a configuration string into a tier value.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "stable":
		return TierStable, nil
	case "cross-a", "crossa":
		return TierCrossA, nil
	case "cross-b", "crossb":
		return TierCrossB, nil
	case "isolated":
		return TierIsolated, nil
	default:
		return TierStable, ErrUnknownTier
	}
}

// Threshold bounds are expressed in parts-per-thousand of collateral value.
const (
	maxBorrowThresholdMille      = 900
	maxLiquidationThresholdMille = 990

	// maxTierRateWad caps tier borrow rates at 25% annual (wad scaled).
	maxTierRateWad = 250_000
	// maxTierBonusWad caps liquidation bonuses at 20% (wad scaled).
	maxTierBonusWad = 200_000
)

var (
	ErrAssetNotListed       = errors.New("registry: asset not listed")
	ErrAssetSymbolRequired  = errors.New("registry: asset symbol required")
	ErrThresholdOrder       = errors.New("registry: liquidation threshold below borrow threshold")
	ErrThresholdOutOfBounds = errors.New("registry: threshold out of bounds")
	ErrTierRateOutOfBounds  = errors.New("registry: tier rate exceeds 25% cap")
	ErrTierBonusOutOfBounds = errors.New("registry: tier bonus exceeds 20% cap")
	ErrUnknownTier          = errors.New("registry: unknown tier")
)

// Asset is the full collateral configuration for one asset symbol.
type Asset struct {
	Symbol               string
	Active               bool
	Decimals             uint8
	OracleDecimals       uint8
	BorrowThreshold      uint64 // parts-per-thousand of value usable as credit
	LiquidationThreshold uint64 // parts-per-thousand solvency line
	MaxSupplyThreshold   *big.Int
	IsolationDebtCap     *big.Int
	Tier                 Tier
}

// Clone returns a deep copy so callers cannot mutate stored configuration.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	if a.MaxSupplyThreshold != nil {
		clone.MaxSupplyThreshold = new(big.Int).Set(a.MaxSupplyThreshold)
	}
	if a.IsolationDebtCap != nil {
		clone.IsolationDebtCap = new(big.Int).Set(a.IsolationDebtCap)
	}
	return &clone
}

// TierParams holds the wad-scaled base borrow rate and liquidation bonus for
// one tier.
type TierParams struct {
	BorrowRate       *big.Int
	LiquidationBonus *big.Int
}

// Clone returns a deep copy of the tier parameters.
func (p TierParams) Clone() TierParams {
	clone := TierParams{}
	if p.BorrowRate != nil {
		clone.BorrowRate = new(big.Int).Set(p.BorrowRate)
	}
	if p.LiquidationBonus != nil {
		clone.LiquidationBonus = new(big.Int).Set(p.LiquidationBonus)
	}
	return clone
}

// Registry is the authoritative asset and tier configuration store.
type Registry struct {
	mu     sync.RWMutex
	pol    policy.Policy
	assets map[string]*Asset
	tiers  map[Tier]TierParams
}

// New constructs a registry with sensible default tier tables. Governance
// mutations are gated by the supplied policy.
func New(pol policy.Policy) *Registry {
	r := &Registry{
		pol:    pol,
		assets: make(map[string]*Asset),
		tiers:  make(map[Tier]TierParams),
	}
	r.tiers[TierStable] = TierParams{BorrowRate: big.NewInt(50_000), LiquidationBonus: big.NewInt(50_000)}
	r.tiers[TierCrossA] = TierParams{BorrowRate: big.NewInt(80_000), LiquidationBonus: big.NewInt(80_000)}
	r.tiers[TierCrossB] = TierParams{BorrowRate: big.NewInt(120_000), LiquidationBonus: big.NewInt(100_000)}
	r.tiers[TierIsolated] = TierParams{BorrowRate: big.NewInt(150_000), LiquidationBonus: big.NewInt(150_000)}
	return r
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func validateAsset(asset *Asset) error {
	if asset == nil || normalizeSymbol(asset.Symbol) == "" {
		return ErrAssetSymbolRequired
	}
	if asset.BorrowThreshold > maxBorrowThresholdMille ||
		asset.LiquidationThreshold > maxLiquidationThresholdMille {
		return ErrThresholdOutOfBounds
	}
	if asset.LiquidationThreshold < asset.BorrowThreshold {
		return ErrThresholdOrder
	}
	if asset.Tier > TierIsolated {
		return ErrUnknownTier
	}
	return nil
}

// UpdateAsset upserts the full configuration for an asset symbol.
func (r *Registry) UpdateAsset(actor string, asset *Asset) error {
	if err := policy.Require(r.pol, actor, policy.CapManageAssets); err != nil {
		return err
	}
	if err := validateAsset(asset); err != nil {
		return err
	}
	stored := asset.Clone()
	stored.Symbol = normalizeSymbol(asset.Symbol)
	if stored.MaxSupplyThreshold == nil {
		stored.MaxSupplyThreshold = big.NewInt(0)
	}
	if stored.IsolationDebtCap == nil {
		stored.IsolationDebtCap = big.NewInt(0)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[stored.Symbol] = stored
	return nil
}

// UpdateAssetTier mutates only the tier field of a listed asset.
func (r *Registry) UpdateAssetTier(actor, symbol string, tier Tier) error {
	if err := policy.Require(r.pol, actor, policy.CapManageAssets); err != nil {
		return err
	}
	if tier > TierIsolated {
		return ErrUnknownTier
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[normalizeSymbol(symbol)]
	if !ok {
		return ErrAssetNotListed
	}
	asset.Tier = tier
	return nil
}

// UpdateTierParams replaces the rate table entry for one tier after bounds
// checks: rate at most 25%, bonus at most 20%.
func (r *Registry) UpdateTierParams(actor string, tier Tier, params TierParams) error {
	if err := policy.Require(r.pol, actor, policy.CapManageAssets); err != nil {
		return err
	}
	if tier > TierIsolated {
		return ErrUnknownTier
	}
	if params.BorrowRate == nil || params.BorrowRate.Sign() < 0 ||
		params.BorrowRate.Cmp(big.NewInt(maxTierRateWad)) > 0 {
		return ErrTierRateOutOfBounds
	}
	if params.LiquidationBonus == nil || params.LiquidationBonus.Sign() < 0 ||
		params.LiquidationBonus.Cmp(big.NewInt(maxTierBonusWad)) > 0 {
		return ErrTierBonusOutOfBounds
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[tier] = params.Clone()
	return nil
}

// Get returns a copy of the asset configuration.
func (r *Registry) Get(symbol string) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[normalizeSymbol(symbol)]
	if !ok {
		return nil, ErrAssetNotListed
	}
	return asset.Clone(), nil
}

// List returns every listed asset sorted by symbol.
func (r *Registry) List() []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		out = append(out, asset.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TierParams returns a copy of the parameters for the tier.
func (r *Registry) TierParams(tier Tier) (TierParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	params, ok := r.tiers[tier]
	if !ok {
		return TierParams{}, ErrUnknownTier
	}
	return params.Clone(), nil
}
