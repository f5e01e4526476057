// Package oracle aggregates multiple price feeds per asset into a single
// trusted valuation. Each source is validated independently for positivity,
// round completeness, freshness and volatility; the surviving prices are
// combined with a median so that no single feed can steer the result. A
// per-asset circuit breaker latches on large sudden deviations and only a
// manual reset clears it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"lendcore/policy"
)

var (
	ErrAssetUnknown         = errors.New("oracle: no sources registered for asset")
	ErrSourceExists         = errors.New("oracle: source already registered for asset")
	ErrSourceNotFound       = errors.New("oracle: source not registered for asset")
	ErrCircuitBreakerActive = errors.New("oracle: circuit breaker active")
	ErrNotEnoughSources     = errors.New("oracle: not enough valid sources")
	ErrInvalidPrice         = errors.New("oracle: invalid price")
	ErrStaleRound           = errors.New("oracle: stale round")
	ErrTimeout              = errors.New("oracle: price update outside freshness window")
	ErrVolatileHigh         = errors.New("oracle: volatility too high")
	ErrLargeDeviation       = errors.New("oracle: deviation from cached price too large")
)

// RoundData is one observation from a price feed.
type RoundData struct {
	RoundID         uint64
	Answer          *big.Int
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// PriceFeed is the external feed contract consumed per source.
type PriceFeed interface {
	LatestRound(ctx context.Context) (RoundData, error)
	Round(ctx context.Context, id uint64) (RoundData, error)
}

// Recorder persists raw samples and accepted medians for auditing. All
// recorder failures are logged, never fatal to the price query.
type Recorder interface {
	RecordSample(ctx context.Context, asset, source string, price *big.Int, observedAt time.Time) error
	RecordMedian(ctx context.Context, asset string, price *big.Int, validCount int, observedAt time.Time) error
}

// Metrics receives per-source rejection and breaker state signals.
type Metrics interface {
	RecordSourceError(asset, source, reason string)
	SetBreaker(asset string, active bool)
}

// Config carries the validation thresholds shared by every asset unless a
// per-asset override is installed.
type Config struct {
	// FreshnessThreshold bounds the age of an acceptable round.
	FreshnessThreshold time.Duration
	// VolatilityWindow is the tighter age bound applied when the price moved
	// more than VolatilityPct since the previous round.
	VolatilityWindow time.Duration
	// VolatilityPct is the percent move that triggers the tighter window.
	VolatilityPct uint64
	// CircuitBreakerPct is the percent deviation from the cached price that
	// trips the breaker.
	CircuitBreakerPct uint64
	// MinimumSources is the global minimum valid source count.
	MinimumSources int
}

// DefaultConfig mirrors the production guardrails: 8h freshness, 1h window
// for moves of 20% or more, 50% breaker, single source permitted.
func DefaultConfig() Config {
	return Config{
		FreshnessThreshold: 8 * time.Hour,
		VolatilityWindow:   time.Hour,
		VolatilityPct:      20,
		CircuitBreakerPct:  50,
		MinimumSources:     1,
	}
}

type source struct {
	name string
	feed PriceFeed
}

type assetState struct {
	sources    []source
	primary    string
	minSources int // zero means use the global default
	broken     bool
	lastPrice  *big.Int
	lastAt     time.Time
}

// Aggregator owns the per-asset source sets and cached valuations.
type Aggregator struct {
	mu       sync.Mutex
	cfg      Config
	pol      policy.Policy
	logger   *slog.Logger
	recorder Recorder
	metrics  Metrics
	now      func() time.Time
	assets   map[string]*assetState
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder installs a sample recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New constructs an aggregator. Source management is gated by the policy.
func New(cfg Config, pol policy.Policy, opts ...Option) *Aggregator {
	if cfg.FreshnessThreshold <= 0 {
		cfg.FreshnessThreshold = DefaultConfig().FreshnessThreshold
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = DefaultConfig().VolatilityWindow
	}
	if cfg.VolatilityPct == 0 {
		cfg.VolatilityPct = DefaultConfig().VolatilityPct
	}
	if cfg.CircuitBreakerPct == 0 {
		cfg.CircuitBreakerPct = DefaultConfig().CircuitBreakerPct
	}
	if cfg.MinimumSources <= 0 {
		cfg.MinimumSources = 1
	}
	agg := &Aggregator{
		cfg:    cfg,
		pol:    pol,
		logger: slog.Default(),
		now:    time.Now,
		assets: make(map[string]*assetState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	return agg
}

func normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func (a *Aggregator) state(asset string) *assetState {
	st, ok := a.assets[normalize(asset)]
	if !ok {
		st = &assetState{}
		a.assets[normalize(asset)] = st
	}
	return st
}

// AddSource registers a feed under the source name. The first source added
// for an asset becomes the primary.
func (a *Aggregator) AddSource(actor, asset, name string, feed PriceFeed) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || feed == nil {
		return ErrSourceNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(asset)
	for _, s := range st.sources {
		if s.name == name {
			return ErrSourceExists
		}
	}
	st.sources = append(st.sources, source{name: name, feed: feed})
	if st.primary == "" {
		st.primary = name
	}
	return nil
}

// RemoveSource drops a feed. When the removed source was primary the first
// remaining source takes over. Dropping below the minimum source requirement
// is logged as a warning but not fatal.
func (a *Aggregator) RemoveSource(actor, asset, name string) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.assets[normalize(asset)]
	if !ok {
		return ErrSourceNotFound
	}
	idx := -1
	for i, s := range st.sources {
		if s.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSourceNotFound
	}
	st.sources = append(st.sources[:idx], st.sources[idx+1:]...)
	if st.primary == name {
		st.primary = ""
		if len(st.sources) > 0 {
			st.primary = st.sources[0].name
		}
	}
	if len(st.sources) < a.minimumFor(st) {
		a.logger.Warn("oracle source count below minimum",
			"asset", normalize(asset),
			"remaining", len(st.sources),
			"minimum", a.minimumFor(st))
	}
	return nil
}

// SetPrimary designates the fallback source consulted when the valid set is
// too small for a median.
func (a *Aggregator) SetPrimary(actor, asset, name string) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.assets[normalize(asset)]
	if !ok {
		return ErrSourceNotFound
	}
	for _, s := range st.sources {
		if s.name == name {
			st.primary = name
			return nil
		}
	}
	return ErrSourceNotFound
}

// SetMinimumSources installs a per-asset override of the global minimum.
func (a *Aggregator) SetMinimumSources(actor, asset string, minimum int) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	if minimum < 0 {
		minimum = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(asset).minSources = minimum
	return nil
}

// TripCircuitBreaker latches the asset into the broken state.
func (a *Aggregator) TripCircuitBreaker(actor, asset string) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(asset).broken = true
	a.setBreakerMetric(asset, true)
	return nil
}

// ResetCircuitBreaker clears the broken state. This is the only way out of
// the broken state.
func (a *Aggregator) ResetCircuitBreaker(actor, asset string) error {
	if err := policy.Require(a.pol, actor, policy.CapManageOracles); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.assets[normalize(asset)]
	if !ok {
		return ErrAssetUnknown
	}
	st.broken = false
	a.setBreakerMetric(asset, false)
	return nil
}

// BreakerActive reports whether the asset is in the broken state.
func (a *Aggregator) BreakerActive(asset string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.assets[normalize(asset)]
	return ok && st.broken
}

func (a *Aggregator) minimumFor(st *assetState) int {
	if st.minSources > 0 {
		return st.minSources
	}
	return a.cfg.MinimumSources
}

// validate runs the per-source checks and returns the feed's current answer.
func (a *Aggregator) validate(ctx context.Context, now time.Time, src source) (*big.Int, error) {
	latest, err := src.feed.LatestRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: source %s: %v", ErrInvalidPrice, src.name, err)
	}
	if latest.Answer == nil || latest.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: source %s answer %v", ErrInvalidPrice, src.name, latest.Answer)
	}
	if latest.AnsweredInRound < latest.RoundID {
		return nil, fmt.Errorf("%w: source %s round %d answered in %d",
			ErrStaleRound, src.name, latest.RoundID, latest.AnsweredInRound)
	}
	age := now.Sub(latest.UpdatedAt)
	if age > a.cfg.FreshnessThreshold {
		return nil, fmt.Errorf("%w: source %s age %s limit %s",
			ErrTimeout, src.name, age, a.cfg.FreshnessThreshold)
	}
	if latest.RoundID > 1 {
		prev, err := src.feed.Round(ctx, latest.RoundID-1)
		if err == nil && prev.Answer != nil && prev.Answer.Sign() > 0 {
			change := percentChange(latest.Answer, prev.Answer)
			if change >= a.cfg.VolatilityPct && age >= a.cfg.VolatilityWindow {
				return nil, fmt.Errorf("%w: source %s moved %d%% with age %s",
					ErrVolatileHigh, src.name, change, age)
			}
		}
	}
	return new(big.Int).Set(latest.Answer), nil
}

// Price returns the trusted valuation for the asset in the feed's native
// decimal precision.
func (a *Aggregator) Price(ctx context.Context, asset string) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.assets[normalize(asset)]
	if !ok || len(st.sources) == 0 {
		return nil, ErrAssetUnknown
	}
	if st.broken {
		return nil, fmt.Errorf("%w: asset %s", ErrCircuitBreakerActive, normalize(asset))
	}
	minimum := a.minimumFor(st)
	if len(st.sources) < minimum {
		return nil, fmt.Errorf("%w: asset %s has %d of %d",
			ErrNotEnoughSources, normalize(asset), len(st.sources), minimum)
	}
	now := a.now()

	if len(st.sources) == 1 {
		price, err := a.validate(ctx, now, st.sources[0])
		if err != nil {
			a.recordSourceError(asset, st.sources[0].name, err)
			return nil, err
		}
		a.recordSample(ctx, asset, st.sources[0].name, price, now)
		return a.acceptPrice(ctx, st, normalize(asset), price, 1, now)
	}

	valid := make([]*big.Int, 0, len(st.sources))
	var primaryPrice *big.Int
	for _, src := range st.sources {
		price, err := a.validate(ctx, now, src)
		if err != nil {
			a.logger.Warn("oracle source rejected", "asset", normalize(asset), "source", src.name, "err", err)
			a.recordSourceError(asset, src.name, err)
			continue
		}
		a.recordSample(ctx, asset, src.name, price, now)
		valid = append(valid, price)
		if src.name == st.primary {
			primaryPrice = price
		}
	}

	if len(valid) < minimum {
		// Fallback tier one: the primary source alone, when it validated.
		if primaryPrice != nil {
			a.logger.Warn("oracle falling back to primary source", "asset", normalize(asset))
			return a.acceptPrice(ctx, st, normalize(asset), primaryPrice, 1, now)
		}
		// Fallback tier two: the cached valid price inside its freshness window.
		if st.lastPrice != nil && now.Sub(st.lastAt) <= a.cfg.FreshnessThreshold {
			a.logger.Warn("oracle falling back to cached price", "asset", normalize(asset))
			return new(big.Int).Set(st.lastPrice), nil
		}
		return nil, fmt.Errorf("%w: asset %s has %d valid of %d",
			ErrNotEnoughSources, normalize(asset), len(valid), minimum)
	}

	median := computeMedian(valid)
	return a.acceptPrice(ctx, st, normalize(asset), median, len(valid), now)
}

// acceptPrice applies the circuit-breaker deviation check and caches the
// accepted value.
func (a *Aggregator) acceptPrice(ctx context.Context, st *assetState, asset string, price *big.Int, validCount int, now time.Time) (*big.Int, error) {
	if st.lastPrice != nil && st.lastPrice.Sign() > 0 {
		deviation := percentChange(price, st.lastPrice)
		if deviation >= a.cfg.CircuitBreakerPct {
			st.broken = true
			a.setBreakerMetric(asset, true)
			a.logger.Error("oracle circuit breaker tripped",
				"asset", asset, "deviation_pct", deviation, "candidate", price.String(), "cached", st.lastPrice.String())
			return nil, fmt.Errorf("%w: asset %s moved %d%%", ErrLargeDeviation, asset, deviation)
		}
	}
	st.lastPrice = new(big.Int).Set(price)
	st.lastAt = now
	if a.recorder != nil {
		if err := a.recorder.RecordMedian(ctx, asset, price, validCount, now); err != nil {
			a.logger.Warn("oracle median record failed", "asset", asset, "err", err)
		}
	}
	return new(big.Int).Set(price), nil
}

func (a *Aggregator) recordSample(ctx context.Context, asset, source string, price *big.Int, now time.Time) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.RecordSample(ctx, normalize(asset), source, price, now); err != nil {
		a.logger.Warn("oracle sample record failed", "asset", normalize(asset), "source", source, "err", err)
	}
}

func (a *Aggregator) setBreakerMetric(asset string, active bool) {
	if a.metrics != nil {
		a.metrics.SetBreaker(normalize(asset), active)
	}
}

func (a *Aggregator) recordSourceError(asset, source string, err error) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordSourceError(normalize(asset), source, rejectionReason(err))
}

// rejectionReason folds a validation error onto its sentinel class.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleRound):
		return "stale_round"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrVolatileHigh):
		return "volatility"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	default:
		return "unspecified"
	}
}

// computeMedian sorts the valid prices and returns the middle value, or the
// average of the two middle values for an even count.
func computeMedian(prices []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}

// percentChange returns |current-reference| * 100 / reference, floored.
func percentChange(current, reference *big.Int) uint64 {
	if reference == nil || reference.Sign() == 0 || current == nil {
		return 0
	}
	diff := new(big.Int).Sub(current, reference)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100))
	diff.Quo(diff, reference)
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}
