package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendcore/engine"
)

func TestPriceStoreRoundTrip(t *testing.T) {
	store, err := OpenPriceStore(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, store.RecordSample(ctx, "ETH", "chainlink", big.NewInt(200_000_000_000), base))
	require.NoError(t, store.RecordSample(ctx, "ETH", "band", big.NewInt(201_000_000_000), base.Add(time.Minute)))
	require.NoError(t, store.RecordSample(ctx, "WBTC", "chainlink", big.NewInt(6_000_000_000_000), base))

	samples, err := store.RecentSamples(ctx, "ETH", 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, "band", samples[0].Source)
	require.Equal(t, big.NewInt(201_000_000_000), samples[0].Price)
	require.Equal(t, base.Add(time.Minute), samples[0].ObservedAt)

	_, err = store.LatestMedian(ctx, "ETH")
	require.ErrorIs(t, err, ErrNoMedian)

	require.NoError(t, store.RecordMedian(ctx, "ETH", big.NewInt(200_500_000_000), 2, base.Add(2*time.Minute)))
	median, err := store.LatestMedian(ctx, "ETH")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(200_500_000_000), median.Price)
	require.Equal(t, 2, median.ValidCount)
}

func TestStateStoreRoundTrip(t *testing.T) {
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load()
	require.ErrorIs(t, err, ErrNoState)

	st := &engine.State{
		Version:                      engine.StateVersion,
		TotalBorrow:                  big.NewInt(1_000_000),
		TotalSuppliedLiquidity:       big.NewInt(5_000_000),
		TotalAccruedBorrowerInterest: big.NewInt(0),
		TotalAccruedSupplierInterest: big.NewInt(0),
		WithdrawnLiquidity:           big.NewInt(0),
		TotalFlashLoanFees:           big.NewInt(0),
		TotalCollateral:              map[string]*big.Int{"ETH": big.NewInt(42)},
		TotalSupplyShares:            big.NewInt(5_000_000),
		SupplyShares:                 map[string]*big.Int{"lp": big.NewInt(5_000_000)},
		Positions: []engine.PositionState{{
			Owner:       "alice",
			ID:          0,
			DebtAmount:  big.NewInt(1_000_000),
			LastAccrual: time.Unix(1_700_000_000, 0).UTC(),
			Collateral:  map[string]*big.Int{"ETH": big.NewInt(42)},
		}},
	}
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, st.Version, loaded.Version)
	require.Equal(t, st.TotalBorrow, loaded.TotalBorrow)
	require.Len(t, loaded.Positions, 1)
	require.Equal(t, "alice", loaded.Positions[0].Owner)
	require.Equal(t, big.NewInt(42), loaded.Positions[0].Collateral["ETH"])
}
