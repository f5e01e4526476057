package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lendcore/policy"
)

type fakeFeed struct {
	rounds map[uint64]RoundData
	latest uint64
	err    error
}

func (f *fakeFeed) LatestRound(context.Context) (RoundData, error) {
	if f.err != nil {
		return RoundData{}, f.err
	}
	return f.rounds[f.latest], nil
}

func (f *fakeFeed) Round(_ context.Context, id uint64) (RoundData, error) {
	round, ok := f.rounds[id]
	if !ok {
		return RoundData{}, errors.New("no such round")
	}
	return round, nil
}

func feedWithPrice(price int64, updatedAt time.Time) *fakeFeed {
	return &fakeFeed{
		latest: 1,
		rounds: map[uint64]RoundData{
			1: {RoundID: 1, Answer: big.NewInt(price), UpdatedAt: updatedAt, AnsweredInRound: 1},
		},
	}
}

func newAggregator(now time.Time, opts ...Option) *Aggregator {
	opts = append(opts, WithClock(func() time.Time { return now }))
	return New(DefaultConfig(), policy.AllowAll{}, opts...)
}

func TestAddSourceDuplicateAndPrimary(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	feed := feedWithPrice(100, now)
	if err := agg.AddSource("gov", "WETH", "alpha", feed); err != nil {
		t.Fatalf("add source: %v", err)
	}
	if err := agg.AddSource("gov", "WETH", "alpha", feed); err != ErrSourceExists {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	// First registered source becomes primary; SetPrimary on unknown fails.
	if err := agg.SetPrimary("gov", "WETH", "missing"); err != ErrSourceNotFound {
		t.Fatalf("expected source not found, got %v", err)
	}
	if err := agg.AddSource("gov", "WETH", "beta", feedWithPrice(101, now)); err != nil {
		t.Fatalf("add second source: %v", err)
	}
	if err := agg.SetPrimary("gov", "WETH", "beta"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
}

func TestRemoveSourceReassignsPrimary(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	if err := agg.AddSource("gov", "WETH", "alpha", feedWithPrice(100, now)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.AddSource("gov", "WETH", "beta", feedWithPrice(101, now)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.RemoveSource("gov", "WETH", "alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := agg.RemoveSource("gov", "WETH", "alpha"); err != ErrSourceNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	// beta is now primary and the sole source; the query must still work.
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}
}

func TestPriceSingleSourceValidation(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		feed *fakeFeed
		want error
	}{
		{
			name: "zero answer",
			feed: &fakeFeed{latest: 1, rounds: map[uint64]RoundData{
				1: {RoundID: 1, Answer: big.NewInt(0), UpdatedAt: now, AnsweredInRound: 1},
			}},
			want: ErrInvalidPrice,
		},
		{
			name: "incomplete round",
			feed: &fakeFeed{latest: 2, rounds: map[uint64]RoundData{
				2: {RoundID: 2, Answer: big.NewInt(100), UpdatedAt: now, AnsweredInRound: 1},
			}},
			want: ErrStaleRound,
		},
		{
			name: "outside freshness window",
			feed: feedWithPrice(100, now.Add(-9*time.Hour)),
			want: ErrTimeout,
		},
		{
			name: "feed failure",
			feed: &fakeFeed{err: errors.New("boom")},
			want: ErrInvalidPrice,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agg := newAggregator(now)
			if err := agg.AddSource("gov", "WETH", "alpha", tc.feed); err != nil {
				t.Fatalf("add: %v", err)
			}
			if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVolatilityGuardTwoTierWindow(t *testing.T) {
	t0 := time.Now()
	mkFeed := func(age time.Duration) *fakeFeed {
		return &fakeFeed{
			latest: 2,
			rounds: map[uint64]RoundData{
				1: {RoundID: 1, Answer: big.NewInt(100_00000000), UpdatedAt: t0.Add(-2 * time.Hour), AnsweredInRound: 1},
				2: {RoundID: 2, Answer: big.NewInt(125_00000000), UpdatedAt: t0.Add(-age), AnsweredInRound: 2},
			},
		}
	}

	// 25% move, 30 minutes old: inside the volatility window, accepted.
	agg := newAggregator(t0)
	if err := agg.AddSource("gov", "WETH", "alpha", mkFeed(30*time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price within volatility window: %v", err)
	}
	if price.Cmp(big.NewInt(125_00000000)) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}

	// Same 25% move but 90 minutes old: rejected as volatile.
	agg = newAggregator(t0)
	if err := agg.AddSource("gov", "WETH", "alpha", mkFeed(90*time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, ErrVolatileHigh) {
		t.Fatalf("expected volatility error, got %v", err)
	}
}

func TestMedianAcrossSources(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	for name, price := range map[string]int64{"a": 100, "b": 102, "c": 98} {
		if err := agg.AddSource("gov", "WETH", name, feedWithPrice(price, now)); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected median: %s", price)
	}

	// A failing fourth source is excluded, not fatal.
	if err := agg.AddSource("gov", "WETH", "d", &fakeFeed{err: errors.New("down")}); err != nil {
		t.Fatalf("add failing source: %v", err)
	}
	price, err = agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price with failing source: %v", err)
	}
	if price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("median changed with excluded source: %s", price)
	}
}

func TestMedianEvenCountAveragesMiddle(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	for name, price := range map[string]int64{"a": 90, "b": 100, "c": 110, "d": 120} {
		if err := agg.AddSource("gov", "WETH", name, feedWithPrice(price, now)); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("unexpected even median: %s", price)
	}
}

func TestMedianOrderIndependent(t *testing.T) {
	now := time.Now()
	prices := []int64{104, 97, 101, 99, 103}
	orders := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}
	var want *big.Int
	for _, order := range orders {
		agg := newAggregator(now)
		for i, idx := range order {
			name := string(rune('a' + i))
			if err := agg.AddSource("gov", "WETH", name, feedWithPrice(prices[idx], now)); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		price, err := agg.Price(context.Background(), "WETH")
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if want == nil {
			want = price
			continue
		}
		if price.Cmp(want) != 0 {
			t.Fatalf("median depends on source order: %s vs %s", price, want)
		}
	}
	if want.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("unexpected median: %s", want)
	}
}

func TestFallbackToPrimaryThenCache(t *testing.T) {
	now := time.Now()
	broken := &fakeFeed{err: errors.New("down")}
	healthy := feedWithPrice(100, now)

	agg := newAggregator(now)
	if err := agg.AddSource("gov", "WETH", "alpha", healthy); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.AddSource("gov", "WETH", "beta", broken); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.SetMinimumSources("gov", "WETH", 2); err != nil {
		t.Fatalf("set minimum: %v", err)
	}

	// alpha is primary and validates, so it carries the query alone.
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("primary fallback: %v", err)
	}
	if price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected fallback price: %s", price)
	}

	// Now the primary fails too: the cached price is still fresh and serves.
	healthy.err = errors.New("down")
	price, err = agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("cache fallback: %v", err)
	}
	if price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected cached price: %s", price)
	}
}

func TestFallbackExhaustedFailsNotEnoughSources(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	if err := agg.AddSource("gov", "WETH", "alpha", &fakeFeed{err: errors.New("down")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.AddSource("gov", "WETH", "beta", &fakeFeed{err: errors.New("down")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, ErrNotEnoughSources) {
		t.Fatalf("expected not enough sources, got %v", err)
	}
}

func TestCircuitBreakerLatchesOnLargeDeviation(t *testing.T) {
	now := time.Now()
	feed := feedWithPrice(100, now)
	agg := newAggregator(now)
	if err := agg.AddSource("gov", "WETH", "alpha", feed); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := agg.Price(context.Background(), "WETH"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// 60% jump versus the cached price trips the breaker.
	feed.rounds[1] = RoundData{RoundID: 1, Answer: big.NewInt(160), UpdatedAt: now, AnsweredInRound: 1}
	if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, ErrLargeDeviation) {
		t.Fatalf("expected large deviation, got %v", err)
	}
	if !agg.BreakerActive("WETH") {
		t.Fatalf("breaker must latch")
	}
	if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, ErrCircuitBreakerActive) {
		t.Fatalf("expected breaker active, got %v", err)
	}

	// Only a manual reset clears it. The cached price was not overwritten by
	// the rejected candidate, so the next accepted price is checked against
	// the old cache again.
	if err := agg.ResetCircuitBreaker("gov", "WETH"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	feed.rounds[1] = RoundData{RoundID: 1, Answer: big.NewInt(110), UpdatedAt: now, AnsweredInRound: 1}
	price, err := agg.Price(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("price after reset: %v", err)
	}
	if price.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("unexpected price after reset: %s", price)
	}
}

func TestManualTrip(t *testing.T) {
	now := time.Now()
	agg := newAggregator(now)
	if err := agg.AddSource("gov", "WETH", "alpha", feedWithPrice(100, now)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := agg.TripCircuitBreaker("gov", "WETH"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if _, err := agg.Price(context.Background(), "WETH"); !errors.Is(err, ErrCircuitBreakerActive) {
		t.Fatalf("expected breaker active, got %v", err)
	}
}

func TestPolicyGatesSourceManagement(t *testing.T) {
	table := policy.NewRoleTable()
	agg := New(DefaultConfig(), table)
	err := agg.AddSource("mallory", "WETH", "alpha", feedWithPrice(1, time.Now()))
	if err != policy.ErrNotAuthorized {
		t.Fatalf("expected authorization failure, got %v", err)
	}
}
