package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lendcore/engine"
	"lendcore/gateway/middleware"
	"lendcore/observability"
	"lendcore/oracle"
	"lendcore/policy"
	"lendcore/registry"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// LendingRoutes binds HTTP handlers to the lending engine and oracle. The
// feed catalog maps names accepted by the add-source endpoint to price feeds
// configured at startup.
type LendingRoutes struct {
	engine  *engine.Engine
	oracle  *oracle.Aggregator
	reg     *registry.Registry
	feeds   map[string]oracle.PriceFeed
	metrics *observability.EngineMetrics
}

func NewLendingRoutes(eng *engine.Engine, agg *oracle.Aggregator, reg *registry.Registry, feeds map[string]oracle.PriceFeed) *LendingRoutes {
	return &LendingRoutes{
		engine:  eng,
		oracle:  agg,
		reg:     reg,
		feeds:   feeds,
		metrics: observability.Engine(),
	}
}

// Mount registers the user-facing endpoints.
func (lr *LendingRoutes) Mount(r chi.Router) {
	r.Post("/positions", lr.createPosition)
	r.Post("/positions/get", lr.getPosition)
	r.Post("/positions/exit", lr.exitPosition)
	r.Post("/collateral/supply", lr.supplyCollateral)
	r.Post("/collateral/withdraw", lr.withdrawCollateral)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/liquidate", lr.liquidate)
	r.Post("/liquidity/supply", lr.supplyLiquidity)
	r.Post("/liquidity/exchange", lr.exchangeShares)
	r.Get("/protocol", lr.protocolSnapshot)
	r.Post("/prices/get", lr.getPrice)
	r.Get("/assets", lr.listAssets)
}

// MountGovernance registers the governance endpoints.
func (lr *LendingRoutes) MountGovernance(r chi.Router) {
	r.Post("/pauses", lr.setPauses)
	r.Post("/flash-fee", lr.updateFlashFee)
	r.Post("/borrow-rate", lr.updateBorrowRate)
	r.Post("/profit-target", lr.updateProfitTarget)
	r.Post("/liquidator-threshold", lr.updateLiquidatorThreshold)
	r.Post("/assets", lr.updateAsset)
	r.Post("/tiers", lr.updateTier)
	r.Post("/oracle/sources", lr.addOracleSource)
	r.Post("/oracle/sources/remove", lr.removeOracleSource)
	r.Post("/oracle/primary", lr.setPrimarySource)
	r.Post("/oracle/reset", lr.resetBreaker)
}

func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

// statusFor maps engine error classes onto HTTP statuses: not-found to 404,
// authorization to 403, validation to 400, solvency and state conflicts to
// 409, pauses to 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrPositionNotFound),
		errors.Is(err, registry.ErrAssetNotListed),
		errors.Is(err, oracle.ErrAssetUnknown):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrNotAuthorized),
		errors.Is(err, engine.ErrLiquidatorThreshold):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrFeeOutOfBounds),
		errors.Is(err, engine.ErrRateOutOfBounds),
		errors.Is(err, engine.ErrInvalidThreshold),
		errors.Is(err, engine.ErrInvalidFlashLoanToken):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, engine.ErrAssetNotActive),
		errors.Is(err, engine.ErrExceedsCreditLimit),
		errors.Is(err, engine.ErrWithdrawalBreachesLimit),
		errors.Is(err, engine.ErrIsolationDebtCapExceeded),
		errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrSupplyCapExceeded),
		errors.Is(err, engine.ErrPositionNotActive),
		errors.Is(err, engine.ErrTooManyAssets),
		errors.Is(err, engine.ErrIsolationAssetMismatch),
		errors.Is(err, engine.ErrIsolatedTierViolation),
		errors.Is(err, engine.ErrNoIsolatedCollateral),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrNoDebtToRepay),
		errors.Is(err, engine.ErrNoLiquidityShares),
		errors.Is(err, engine.ErrNotLiquidatable),
		errors.Is(err, oracle.ErrCircuitBreakerActive),
		errors.Is(err, oracle.ErrNotEnoughSources):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// actor resolves the governance actor: the authenticated token subject wins,
// a request field backs it up for deployments running with auth disabled.
func actor(r *http.Request, fallback string) string {
	if subject, ok := r.Context().Value(middleware.ContextKeySubject).(string); ok && subject != "" {
		return subject
	}
	return fallback
}

func (lr *LendingRoutes) observe(op string, start time.Time, err error) {
	lr.metrics.Observe(op, err, time.Since(start))
}

func (lr *LendingRoutes) createPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Asset    string `json:"asset"`
		Isolated bool   `json:"isolated"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	id, err := lr.engine.CreatePosition(req.User, req.Asset, req.Isolated)
	lr.observe("create_position", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (lr *LendingRoutes) getPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
		ID   uint64 `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	summary, err := lr.engine.Summary(r.Context(), req.User, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (lr *LendingRoutes) exitPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
		ID   uint64 `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err := lr.engine.ExitPosition(req.User, req.ID)
	lr.observe("exit_position", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type collateralRequest struct {
	User   string `json:"user"`
	ID     uint64 `json:"id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (lr *LendingRoutes) supplyCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = lr.engine.SupplyCollateral(req.User, req.ID, req.Asset, amount)
	lr.observe("supply_collateral", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "supplied"})
}

func (lr *LendingRoutes) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = lr.engine.WithdrawCollateral(r.Context(), req.User, req.ID, req.Asset, amount)
	lr.observe("withdraw_collateral", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

type debtRequest struct {
	User   string `json:"user"`
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

func (lr *LendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = lr.engine.Borrow(r.Context(), req.User, req.ID, amount)
	lr.observe("borrow", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "borrowed"})
}

func (lr *LendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	var req debtRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	paid, err := lr.engine.Repay(req.User, req.ID, amount)
	lr.observe("repay", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

func (lr *LendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		User   string `json:"user"`
		ID     uint64 `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	paid, err := lr.engine.Liquidate(r.Context(), req.Caller, req.User, req.ID)
	lr.observe("liquidate", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

func (lr *LendingRoutes) supplyLiquidity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Supplier string `json:"supplier"`
		Amount   string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	shares, err := lr.engine.SupplyLiquidity(req.Supplier, amount)
	lr.observe("supply_liquidity", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (lr *LendingRoutes) exchangeShares(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Supplier string `json:"supplier"`
		Shares   string `json:"shares"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	amount, err := lr.engine.ExchangeShares(req.Supplier, shares)
	lr.observe("exchange_shares", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (lr *LendingRoutes) protocolSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lr.engine.Snapshot())
}

func (lr *LendingRoutes) getPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset string `json:"asset"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := lr.oracle.Price(r.Context(), req.Asset)
	observability.Oracle().ObserveQuery(req.Asset, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": price.String()})
}

func (lr *LendingRoutes) listAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lr.reg.List())
}

func (lr *LendingRoutes) setPauses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor     string `json:"actor,omitempty"`
		Supply    bool   `json:"supply"`
		Borrow    bool   `json:"borrow"`
		Repay     bool   `json:"repay"`
		Liquidate bool   `json:"liquidate"`
		FlashLoan bool   `json:"flashLoan"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	err := lr.engine.SetPauses(actor(r, req.Actor), engine.ActionPauses{
		Supply:    req.Supply,
		Borrow:    req.Borrow,
		Repay:     req.Repay,
		Liquidate: req.Liquidate,
		FlashLoan: req.FlashLoan,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) updateFlashFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor,omitempty"`
		Bps   uint64 `json:"bps"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.engine.UpdateFlashLoanFee(actor(r, req.Actor), req.Bps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type rateRequest struct {
	Actor string `json:"actor,omitempty"`
	Rate  string `json:"rate"`
}

func (lr *LendingRoutes) updateBorrowRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	rate, err := parseAmount("rate", req.Rate)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.engine.UpdateBaseBorrowRate(actor(r, req.Actor), rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) updateProfitTarget(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	rate, err := parseAmount("rate", req.Rate)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.engine.UpdateBaseProfitTarget(actor(r, req.Actor), rate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) updateLiquidatorThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor,omitempty"`
		Amount string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.engine.UpdateLiquidatorThreshold(actor(r, req.Actor), amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) updateAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor                string `json:"actor,omitempty"`
		Symbol               string `json:"symbol"`
		Active               bool   `json:"active"`
		Decimals             uint8  `json:"decimals"`
		OracleDecimals       uint8  `json:"oracleDecimals"`
		BorrowThreshold      uint64 `json:"borrowThreshold"`
		LiquidationThreshold uint64 `json:"liquidationThreshold"`
		MaxSupplyThreshold   string `json:"maxSupplyThreshold,omitempty"`
		IsolationDebtCap     string `json:"isolationDebtCap,omitempty"`
		Tier                 string `json:"tier"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	tier, err := registry.ParseTier(req.Tier)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	asset := &registry.Asset{
		Symbol:               req.Symbol,
		Active:               req.Active,
		Decimals:             req.Decimals,
		OracleDecimals:       req.OracleDecimals,
		BorrowThreshold:      req.BorrowThreshold,
		LiquidationThreshold: req.LiquidationThreshold,
		Tier:                 tier,
	}
	if req.MaxSupplyThreshold != "" {
		if asset.MaxSupplyThreshold, err = parseAmount("maxSupplyThreshold", req.MaxSupplyThreshold); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	if req.IsolationDebtCap != "" {
		if asset.IsolationDebtCap, err = parseAmount("isolationDebtCap", req.IsolationDebtCap); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	if err := lr.reg.UpdateAsset(actor(r, req.Actor), asset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) updateTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor            string `json:"actor,omitempty"`
		Tier             string `json:"tier"`
		BorrowRate       string `json:"borrowRate"`
		LiquidationBonus string `json:"liquidationBonus"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	tier, err := registry.ParseTier(req.Tier)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	rate, err := parseAmount("borrowRate", req.BorrowRate)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	bonus, err := parseAmount("liquidationBonus", req.LiquidationBonus)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	err = lr.reg.UpdateTierParams(actor(r, req.Actor), tier, registry.TierParams{
		BorrowRate:       rate,
		LiquidationBonus: bonus,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type oracleSourceRequest struct {
	Actor  string `json:"actor,omitempty"`
	Asset  string `json:"asset"`
	Source string `json:"source"`
}

func (lr *LendingRoutes) addOracleSource(w http.ResponseWriter, r *http.Request) {
	var req oracleSourceRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	feed, ok := lr.feeds[req.Source]
	if !ok {
		writeBadRequest(w, fmt.Errorf("unknown feed %q", req.Source))
		return
	}
	if err := lr.oracle.AddSource(actor(r, req.Actor), req.Asset, req.Source, feed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (lr *LendingRoutes) removeOracleSource(w http.ResponseWriter, r *http.Request) {
	var req oracleSourceRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.oracle.RemoveSource(actor(r, req.Actor), req.Asset, req.Source); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (lr *LendingRoutes) setPrimarySource(w http.ResponseWriter, r *http.Request) {
	var req oracleSourceRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.oracle.SetPrimary(actor(r, req.Actor), req.Asset, req.Source); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (lr *LendingRoutes) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor,omitempty"`
		Asset string `json:"asset"`
	}
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := lr.oracle.ResetCircuitBreaker(actor(r, req.Actor), req.Asset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
