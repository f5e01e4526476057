package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendcore/registry"
)

const sampleConfig = `
Environment = "test"

[Logging]
Service = "lendcored"

[Engine]
BaseToken = "ZUSD"
GovToken = "LGOV"
BaseBorrowRate = 70000
BaseProfitTarget = 12000
FlashLoanFeeBps = 9
LiquidatorThreshold = "50000000"

[Oracle]
FreshnessThreshold = "4h"
VolatilityWindow = "30m"
VolatilityPct = 15
CircuitBreakerPct = 40
MinimumSources = 2

[Gateway]
ListenAddress = ":9090"
AuthEnabled = true
AuthSecret = "test-secret"

[Gateway.RateLimits.lending]
RequestsPerMinute = 120
Burst = 10

[Storage]
PriceDBPath = "prices.db"
StateDBPath = "state.db"

[[Assets]]
Symbol = "ETH"
Active = true
Decimals = 18
OracleDecimals = 8
BorrowThreshold = 800
LiquidationThreshold = 850
Tier = "cross-a"

[[Tiers]]
Name = "cross-a"
BorrowRate = 80000
LiquidationBonus = 80000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesAndConverts(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	params, err := cfg.EngineParams()
	require.NoError(t, err)
	require.Equal(t, "ZUSD", params.BaseToken)
	require.Equal(t, int64(70_000), params.BaseBorrowRate.Int64())
	require.Equal(t, int64(50_000_000), params.LiquidatorThreshold.Int64())
	require.Equal(t, "lending/module", params.ModuleAccount) // defaulted

	oracleCfg := cfg.OracleConfig()
	require.Equal(t, 4*time.Hour, oracleCfg.FreshnessThreshold)
	require.Equal(t, 30*time.Minute, oracleCfg.VolatilityWindow)
	require.Equal(t, 2, oracleCfg.MinimumSources)

	require.Len(t, cfg.Assets, 1)
	asset, err := cfg.Assets[0].Asset()
	require.NoError(t, err)
	require.Equal(t, registry.TierCrossA, asset.Tier)
	require.Equal(t, uint64(800), asset.BorrowThreshold)

	tier, tierParams, err := cfg.Tiers[0].Params()
	require.NoError(t, err)
	require.Equal(t, registry.TierCrossA, tier)
	require.Equal(t, int64(80_000), tierParams.BorrowRate.Int64())
}

func TestLoadRejectsOutOfBounds(t *testing.T) {
	cases := map[string]string{
		"missing base token": `
[Engine]
BaseBorrowRate = 60000
`,
		"borrow rate too low": `
[Engine]
BaseToken = "ZUSD"
BaseBorrowRate = 100
`,
		"flash fee above cap": `
[Engine]
BaseToken = "ZUSD"
FlashLoanFeeBps = 101
`,
		"auth without secret": `
[Engine]
BaseToken = "ZUSD"

[Gateway]
AuthEnabled = true
`,
		"bad tier name": `
[Engine]
BaseToken = "ZUSD"

[[Tiers]]
Name = "platinum"
BorrowRate = 1000
`,
		"source references unknown feed": `
[Engine]
BaseToken = "ZUSD"

[[Oracle.Sources]]
Asset = "ETH"
Feed = "nowhere"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
