package engine

import "errors"

var (
	// Configuration errors.
	ErrInvalidAmount    = errors.New("lending engine: amount must be positive")
	ErrAssetNotActive   = errors.New("lending engine: asset not active")
	ErrFeeOutOfBounds   = errors.New("lending engine: fee outside policy bounds")
	ErrRateOutOfBounds  = errors.New("lending engine: rate outside policy bounds")
	ErrInvalidThreshold = errors.New("lending engine: threshold must be non-negative")

	// Solvency errors.
	ErrExceedsCreditLimit       = errors.New("lending engine: amount exceeds credit limit")
	ErrWithdrawalBreachesLimit  = errors.New("lending engine: withdrawal would breach credit limit")
	ErrIsolationDebtCapExceeded = errors.New("lending engine: isolation debt cap exceeded")
	ErrInsufficientLiquidity    = errors.New("lending engine: insufficient protocol liquidity")
	ErrSupplyCapExceeded        = errors.New("lending engine: asset supply cap exceeded")

	// State errors.
	ErrPositionNotFound       = errors.New("lending engine: position not found")
	ErrPositionNotActive      = errors.New("lending engine: position not active")
	ErrTooManyAssets          = errors.New("lending engine: position asset limit reached")
	ErrIsolationAssetMismatch = errors.New("lending engine: asset does not match isolation asset")
	ErrIsolatedTierViolation  = errors.New("lending engine: isolated-tier asset requires an isolated position")
	ErrNoIsolatedCollateral   = errors.New("lending engine: isolated position has no collateral")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral balance")
	ErrNoDebtToRepay          = errors.New("lending engine: no outstanding debt to repay")
	ErrNoLiquidityShares      = errors.New("lending engine: no supply shares outstanding")

	// Liquidation authorization errors.
	ErrNotLiquidatable     = errors.New("lending engine: position not eligible for liquidation")
	ErrLiquidatorThreshold = errors.New("lending engine: liquidator below governance token threshold")

	// Flow control errors.
	ErrReentrantCall         = errors.New("lending engine: reentrant call rejected")
	ErrPaused                = errors.New("lending engine: operation paused")
	ErrInvalidFlashLoanToken = errors.New("lending engine: flash loans limited to the base token")
	ErrFlashLoanNotRepaid    = errors.New("lending engine: flash loan not repaid with fee")
)
