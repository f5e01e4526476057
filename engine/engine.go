// Package engine owns position and protocol state for the lending core. All
// mutation paths funnel through the Engine: collateral bookkeeping, borrowing,
// interest accrual, liquidity shares, flash loans and liquidations. Every
// public operation executes as one atomic unit: the token bank is snapshotted
// up front and restored on any failure, so partial effects never commit.
package engine

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lendcore/bank"
	"lendcore/policy"
	"lendcore/registry"
)

var wadInt = big.NewInt(1_000_000)

// PriceSource resolves a trusted valuation for an asset. Failures mean
// "cannot determine value right now" and propagate to the caller unchanged.
type PriceSource interface {
	Price(ctx context.Context, asset string) (*big.Int, error)
}

// Params bundles the engine-level economic configuration.
type Params struct {
	// BaseToken is the borrow/supply asset symbol.
	BaseToken string
	// GovToken is the governance token checked for liquidator eligibility.
	GovToken string
	// ModuleAccount holds pooled liquidity and seized flows.
	ModuleAccount string
	// TreasuryAccount receives protocol fee shares.
	TreasuryAccount string
	// BaseBorrowRate is the wad-scaled floor for borrow pricing.
	BaseBorrowRate *big.Int
	// BaseProfitTarget is the wad-scaled protocol take.
	BaseProfitTarget *big.Int
	// FlashLoanFeeBps is the flash-loan fee in basis points.
	FlashLoanFeeBps uint64
	// LiquidatorThreshold is the governance token balance required to call
	// liquidate.
	LiquidatorThreshold *big.Int
}

// Engine is the authoritative mutator of position and protocol state.
type Engine struct {
	mu      sync.Mutex
	entered bool

	registry *registry.Registry
	prices   PriceSource
	bank     bank.Bank
	pol      policy.Policy
	logger   *slog.Logger
	now      func() time.Time

	params  Params
	pauses  ActionPauses
	metrics Metrics

	positions map[string][]*Position

	totalBorrow                  *big.Int
	totalSuppliedLiquidity       *big.Int
	totalAccruedBorrowerInterest *big.Int
	totalAccruedSupplierInterest *big.Int
	withdrawnLiquidity           *big.Int
	totalFlashLoanFees           *big.Int
	totalCollateral              map[string]*big.Int
	assetTVL                     map[string]*big.Int

	totalSupplyShares *big.Int
	supplyShares      map[string]*big.Int
}

// Metrics receives settlement signals for flash loans and liquidations.
type Metrics interface {
	RecordFlashLoan(err error)
	RecordLiquidation()
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an engine wired to its collaborators.
func New(reg *registry.Registry, prices PriceSource, bk bank.Bank, pol policy.Policy, params Params, opts ...Option) *Engine {
	if params.BaseBorrowRate == nil {
		params.BaseBorrowRate = big.NewInt(60_000) // 6% annual
	}
	if params.BaseProfitTarget == nil {
		params.BaseProfitTarget = big.NewInt(10_000) // 1% annual
	}
	if params.LiquidatorThreshold == nil {
		params.LiquidatorThreshold = big.NewInt(0)
	}
	e := &Engine{
		registry:                     reg,
		prices:                       prices,
		bank:                         bk,
		pol:                          pol,
		logger:                       slog.Default(),
		now:                          time.Now,
		params:                       params,
		positions:                    make(map[string][]*Position),
		totalBorrow:                  big.NewInt(0),
		totalSuppliedLiquidity:       big.NewInt(0),
		totalAccruedBorrowerInterest: big.NewInt(0),
		totalAccruedSupplierInterest: big.NewInt(0),
		withdrawnLiquidity:           big.NewInt(0),
		totalFlashLoanFees:           big.NewInt(0),
		totalCollateral:              make(map[string]*big.Int),
		assetTVL:                     make(map[string]*big.Int),
		totalSupplyShares:            big.NewInt(0),
		supplyShares:                 make(map[string]*big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// lock serializes an operation and rejects calls arriving from within the
// flash-loan callback window.
func (e *Engine) lock() error {
	e.mu.Lock()
	if e.entered {
		e.mu.Unlock()
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) unlock() { e.mu.Unlock() }

// position resolves a (user, id) pair. IDs are indexes into the per-user
// append-only array.
func (e *Engine) position(user string, id uint64) (*Position, error) {
	list, ok := e.positions[user]
	if !ok || id >= uint64(len(list)) {
		return nil, ErrPositionNotFound
	}
	return list[id], nil
}

func (e *Engine) activePosition(user string, id uint64) (*Position, error) {
	p, err := e.position(user, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, ErrPositionNotActive
	}
	return p, nil
}

// CreatePosition appends a new active position for the user. The asset seeds
// the isolation binding for isolated positions and must be listed and active
// either way.
func (e *Engine) CreatePosition(user, asset string, isolated bool) (uint64, error) {
	if err := e.lock(); err != nil {
		return 0, err
	}
	defer e.unlock()

	cfg, err := e.registry.Get(asset)
	if err != nil {
		return 0, err
	}
	if !cfg.Active {
		return 0, ErrAssetNotActive
	}
	p := &Position{
		Owner:       user,
		ID:          uint64(len(e.positions[user])),
		IsIsolated:  isolated,
		Status:      StatusActive,
		DebtAmount:  big.NewInt(0),
		LastAccrual: e.now(),
		collateral:  newCollateralList(),
	}
	if isolated {
		p.IsolationAsset = cfg.Symbol
	}
	e.positions[user] = append(e.positions[user], p)
	return p.ID, nil
}

// PositionCount returns the number of positions ever created for the user.
func (e *Engine) PositionCount(user string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions[user])
}

// SetPauses installs the per-flow halt switches.
func (e *Engine) SetPauses(actor string, pauses ActionPauses) error {
	if err := policy.Require(e.pol, actor, policy.CapPause); err != nil {
		return err
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	e.pauses = pauses
	return nil
}

// UpdateFlashLoanFee sets the flash-loan fee, capped at 100 basis points.
func (e *Engine) UpdateFlashLoanFee(actor string, bps uint64) error {
	if err := policy.Require(e.pol, actor, policy.CapManageParams); err != nil {
		return err
	}
	if bps > 100 {
		return ErrFeeOutOfBounds
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	e.params.FlashLoanFeeBps = bps
	return nil
}

// UpdateBaseBorrowRate sets the wad-scaled borrow rate floor, bounded to
// [0.5%, 25%] annual.
func (e *Engine) UpdateBaseBorrowRate(actor string, rateWad *big.Int) error {
	if err := policy.Require(e.pol, actor, policy.CapManageParams); err != nil {
		return err
	}
	if rateWad == nil || rateWad.Cmp(big.NewInt(5_000)) < 0 || rateWad.Cmp(big.NewInt(250_000)) > 0 {
		return ErrRateOutOfBounds
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	e.params.BaseBorrowRate = new(big.Int).Set(rateWad)
	return nil
}

// UpdateBaseProfitTarget sets the wad-scaled protocol take, bounded to
// [0.25%, 25%] annual.
func (e *Engine) UpdateBaseProfitTarget(actor string, targetWad *big.Int) error {
	if err := policy.Require(e.pol, actor, policy.CapManageParams); err != nil {
		return err
	}
	if targetWad == nil || targetWad.Cmp(big.NewInt(2_500)) < 0 || targetWad.Cmp(big.NewInt(250_000)) > 0 {
		return ErrRateOutOfBounds
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	e.params.BaseProfitTarget = new(big.Int).Set(targetWad)
	return nil
}

// UpdateLiquidatorThreshold sets the governance token balance required to
// liquidate.
func (e *Engine) UpdateLiquidatorThreshold(actor string, amount *big.Int) error {
	if err := policy.Require(e.pol, actor, policy.CapManageParams); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidThreshold
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.unlock()
	e.params.LiquidatorThreshold = new(big.Int).Set(amount)
	return nil
}

// addCollateralTotals adjusts the global per-asset accounting by the signed
// delta, keeping totalCollateral and assetTVL in lockstep.
func (e *Engine) addCollateralTotals(asset string, delta *big.Int) {
	for _, table := range []map[string]*big.Int{e.totalCollateral, e.assetTVL} {
		current, ok := table[asset]
		if !ok {
			current = big.NewInt(0)
		}
		table[asset] = new(big.Int).Add(current, delta)
	}
}
