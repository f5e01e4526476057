package engine

import (
	"context"
	"math/big"
	"time"
)

// PositionStatus tracks the lifecycle of a borrowing position. Active is the
// only state that accepts mutations; Liquidated and Closed are terminal.
type PositionStatus uint8

const (
	StatusActive PositionStatus = iota
	StatusLiquidated
	StatusClosed
)

// String renders the status name.
func (s PositionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusLiquidated:
		return "liquidated"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxPositionAssets caps the distinct collateral types a cross-collateral
// position may hold.
const maxPositionAssets = 20

// collateralList is a dense asset array plus a reverse index from asset to
// slot, so removal is a swap-and-pop that keeps the index consistent.
type collateralList struct {
	assets  []string
	index   map[string]int
	amounts map[string]*big.Int
}

func newCollateralList() *collateralList {
	return &collateralList{
		index:   make(map[string]int),
		amounts: make(map[string]*big.Int),
	}
}

func (l *collateralList) amount(asset string) *big.Int {
	if bal, ok := l.amounts[asset]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (l *collateralList) contains(asset string) bool {
	_, ok := l.index[asset]
	return ok
}

func (l *collateralList) len() int { return len(l.assets) }

func (l *collateralList) list() []string {
	return append([]string{}, l.assets...)
}

// setAmount stores the new balance and maintains the listed-iff-nonzero
// invariant: assets enter the dense array when they become nonzero and leave
// it via swap-and-pop when they reach zero.
func (l *collateralList) setAmount(asset string, amount *big.Int) {
	if amount.Sign() > 0 {
		if !l.contains(asset) {
			l.index[asset] = len(l.assets)
			l.assets = append(l.assets, asset)
		}
		l.amounts[asset] = new(big.Int).Set(amount)
		return
	}
	delete(l.amounts, asset)
	slot, ok := l.index[asset]
	if !ok {
		return
	}
	last := len(l.assets) - 1
	if slot != last {
		moved := l.assets[last]
		l.assets[slot] = moved
		l.index[moved] = slot
	}
	l.assets = l.assets[:last]
	delete(l.index, asset)
}

func (l *collateralList) clone() *collateralList {
	clone := newCollateralList()
	clone.assets = append([]string{}, l.assets...)
	for asset, slot := range l.index {
		clone.index[asset] = slot
	}
	for asset, bal := range l.amounts {
		clone.amounts[asset] = new(big.Int).Set(bal)
	}
	return clone
}

// Position is one borrowing container owned by a (user, id) pair. DebtAmount
// is the principal at LastAccrual; interest on top is always derived lazily.
type Position struct {
	Owner          string
	ID             uint64
	IsIsolated     bool
	IsolationAsset string
	Status         PositionStatus
	DebtAmount     *big.Int
	LastAccrual    time.Time
	collateral     *collateralList
}

// CollateralAssets lists the position's nonzero collateral assets in slot
// order.
func (p *Position) CollateralAssets() []string { return p.collateral.list() }

// CollateralAmount returns the position's balance for one asset.
func (p *Position) CollateralAmount(asset string) *big.Int { return p.collateral.amount(asset) }

// ActionPauses exposes fine-grained switches for halting individual flows.
type ActionPauses struct {
	Supply    bool
	Borrow    bool
	Repay     bool
	Liquidate bool
	FlashLoan bool
}

// PositionSummary is the read-model view of a position.
type PositionSummary struct {
	Owner            string         `json:"owner"`
	ID               uint64         `json:"id"`
	Status           string         `json:"status"`
	IsIsolated       bool           `json:"isIsolated"`
	IsolationAsset   string         `json:"isolationAsset,omitempty"`
	DebtPrincipal    *big.Int       `json:"debtPrincipal"`
	DebtWithInterest *big.Int       `json:"debtWithInterest"`
	CreditLimit      *big.Int       `json:"creditLimit"`
	CollateralValue  *big.Int       `json:"collateralValue"`
	HealthFactor     *big.Int       `json:"healthFactor"`
	Collateral       map[string]*big.Int `json:"collateral"`
}

// ProtocolSnapshot is the aggregate protocol read model.
type ProtocolSnapshot struct {
	TotalBorrow                  *big.Int `json:"totalBorrow"`
	TotalSuppliedLiquidity       *big.Int `json:"totalSuppliedLiquidity"`
	TotalSupplyShares            *big.Int `json:"totalSupplyShares"`
	TotalAccruedBorrowerInterest *big.Int `json:"totalAccruedBorrowerInterest"`
	TotalAccruedSupplierInterest *big.Int `json:"totalAccruedSupplierInterest"`
	WithdrawnLiquidity           *big.Int `json:"withdrawnLiquidity"`
	TotalFlashLoanFees           *big.Int `json:"totalFlashLoanFees"`
	Utilization                  *big.Int `json:"utilization"`
	SupplyRate                   *big.Int `json:"supplyRate"`
	BaseBorrowRate               *big.Int `json:"baseBorrowRate"`
	FlashLoanFeeBps              uint64   `json:"flashLoanFeeBps"`
}

// FlashLoanReceiver is the external callback invoked during a flash loan. The
// implementation must return the principal plus fee to the engine's module
// account before returning, and report success.
type FlashLoanReceiver interface {
	ExecuteOperation(ctx context.Context, terms FlashLoanTerms) (bool, error)
}

// FlashLoanTerms carries the loan terms handed to the receiver.
type FlashLoanTerms struct {
	Token     string
	Amount    *big.Int
	Fee       *big.Int
	Initiator string
	Params    []byte
}
