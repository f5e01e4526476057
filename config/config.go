// Package config loads the lendcored TOML configuration, applies defaults and
// validates bounds before anything downstream consumes it.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"lendcore/engine"
	"lendcore/oracle"
	"lendcore/registry"
)

type Config struct {
	Environment string `toml:"Environment"`

	Logging LoggingConfig `toml:"Logging"`
	Engine  EngineConfig  `toml:"Engine"`
	Oracle  OracleConfig  `toml:"Oracle"`
	Gateway GatewayConfig `toml:"Gateway"`
	Storage StorageConfig `toml:"Storage"`

	Assets []AssetConfig `toml:"Assets"`
	Tiers  []TierConfig  `toml:"Tiers"`
}

type LoggingConfig struct {
	Service    string `toml:"Service"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type EngineConfig struct {
	BaseToken           string `toml:"BaseToken"`
	GovToken            string `toml:"GovToken"`
	ModuleAccount       string `toml:"ModuleAccount"`
	TreasuryAccount     string `toml:"TreasuryAccount"`
	BaseBorrowRate      int64  `toml:"BaseBorrowRate"`
	BaseProfitTarget    int64  `toml:"BaseProfitTarget"`
	FlashLoanFeeBps     uint64 `toml:"FlashLoanFeeBps"`
	LiquidatorThreshold string `toml:"LiquidatorThreshold"`
}

type OracleConfig struct {
	FreshnessThreshold string         `toml:"FreshnessThreshold"`
	VolatilityWindow   string         `toml:"VolatilityWindow"`
	VolatilityPct      uint64         `toml:"VolatilityPct"`
	CircuitBreakerPct  uint64         `toml:"CircuitBreakerPct"`
	MinimumSources     int            `toml:"MinimumSources"`
	Feeds              []FeedConfig   `toml:"Feeds"`
	Sources            []SourceConfig `toml:"Sources"`
}

// FeedConfig names one upstream price endpoint usable as an oracle source.
type FeedConfig struct {
	Name string `toml:"Name"`
	URL  string `toml:"URL"`
}

// SourceConfig binds a configured feed to an asset at startup.
type SourceConfig struct {
	Asset   string `toml:"Asset"`
	Feed    string `toml:"Feed"`
	Primary bool   `toml:"Primary"`
}

type GatewayConfig struct {
	ListenAddress string               `toml:"ListenAddress"`
	AuthEnabled   bool                 `toml:"AuthEnabled"`
	AuthSecret    string               `toml:"AuthSecret"`
	Issuer        string               `toml:"Issuer"`
	Audience      string               `toml:"Audience"`
	RateLimits    map[string]RateLimit `toml:"RateLimits"`
}

type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

type StorageConfig struct {
	PriceDBPath string `toml:"PriceDBPath"`
	StateDBPath string `toml:"StateDBPath"`
}

type AssetConfig struct {
	Symbol               string `toml:"Symbol"`
	Active               bool   `toml:"Active"`
	Decimals             uint8  `toml:"Decimals"`
	OracleDecimals       uint8  `toml:"OracleDecimals"`
	BorrowThreshold      uint64 `toml:"BorrowThreshold"`
	LiquidationThreshold uint64 `toml:"LiquidationThreshold"`
	MaxSupplyThreshold   string `toml:"MaxSupplyThreshold"`
	IsolationDebtCap     string `toml:"IsolationDebtCap"`
	Tier                 string `toml:"Tier"`
}

type TierConfig struct {
	Name             string `toml:"Name"`
	BorrowRate       int64  `toml:"BorrowRate"`
	LiquidationBonus int64  `toml:"LiquidationBonus"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.Logging.Service) == "" {
		c.Logging.Service = "lendcored"
	}
	if strings.TrimSpace(c.Engine.ModuleAccount) == "" {
		c.Engine.ModuleAccount = "lending/module"
	}
	if strings.TrimSpace(c.Engine.TreasuryAccount) == "" {
		c.Engine.TreasuryAccount = "lending/treasury"
	}
	if c.Engine.BaseBorrowRate == 0 {
		c.Engine.BaseBorrowRate = 60_000
	}
	if c.Engine.BaseProfitTarget == 0 {
		c.Engine.BaseProfitTarget = 10_000
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		c.Gateway.ListenAddress = ":8681"
	}
	if strings.TrimSpace(c.Storage.PriceDBPath) == "" {
		c.Storage.PriceDBPath = "lendcore-prices.db"
	}
	if strings.TrimSpace(c.Storage.StateDBPath) == "" {
		c.Storage.StateDBPath = "lendcore-state.db"
	}
}

// Validate applies the same bounds the engine and registry enforce so bad
// files fail at startup rather than at first use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.BaseToken) == "" {
		return fmt.Errorf("config: Engine.BaseToken is required")
	}
	if c.Engine.BaseBorrowRate < 5_000 || c.Engine.BaseBorrowRate > 250_000 {
		return fmt.Errorf("config: Engine.BaseBorrowRate %d outside [5000, 250000]", c.Engine.BaseBorrowRate)
	}
	if c.Engine.BaseProfitTarget < 2_500 || c.Engine.BaseProfitTarget > 250_000 {
		return fmt.Errorf("config: Engine.BaseProfitTarget %d outside [2500, 250000]", c.Engine.BaseProfitTarget)
	}
	if c.Engine.FlashLoanFeeBps > 100 {
		return fmt.Errorf("config: Engine.FlashLoanFeeBps %d exceeds 100", c.Engine.FlashLoanFeeBps)
	}
	if _, err := parseAmount(c.Engine.LiquidatorThreshold); err != nil {
		return fmt.Errorf("config: Engine.LiquidatorThreshold: %w", err)
	}
	if c.Gateway.AuthEnabled && strings.TrimSpace(c.Gateway.AuthSecret) == "" {
		return fmt.Errorf("config: Gateway.AuthSecret required when auth is enabled")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"Oracle.FreshnessThreshold", c.Oracle.FreshnessThreshold},
		{"Oracle.VolatilityWindow", c.Oracle.VolatilityWindow},
	} {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
	}
	feedNames := make(map[string]struct{}, len(c.Oracle.Feeds))
	for i, feed := range c.Oracle.Feeds {
		if strings.TrimSpace(feed.Name) == "" || strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("config: Oracle.Feeds[%d]: Name and URL are required", i)
		}
		if _, dup := feedNames[feed.Name]; dup {
			return fmt.Errorf("config: Oracle.Feeds[%d]: duplicate feed %q", i, feed.Name)
		}
		feedNames[feed.Name] = struct{}{}
	}
	for i, source := range c.Oracle.Sources {
		if strings.TrimSpace(source.Asset) == "" {
			return fmt.Errorf("config: Oracle.Sources[%d]: Asset is required", i)
		}
		if _, ok := feedNames[source.Feed]; !ok {
			return fmt.Errorf("config: Oracle.Sources[%d]: unknown feed %q", i, source.Feed)
		}
	}
	for i, asset := range c.Assets {
		if _, err := asset.Asset(); err != nil {
			return fmt.Errorf("config: Assets[%d]: %w", i, err)
		}
	}
	for i, tier := range c.Tiers {
		if _, _, err := tier.Params(); err != nil {
			return fmt.Errorf("config: Tiers[%d]: %w", i, err)
		}
	}
	return nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// EngineParams converts the engine section into engine.Params.
func (c *Config) EngineParams() (engine.Params, error) {
	threshold, err := parseAmount(c.Engine.LiquidatorThreshold)
	if err != nil {
		return engine.Params{}, err
	}
	return engine.Params{
		BaseToken:           c.Engine.BaseToken,
		GovToken:            c.Engine.GovToken,
		ModuleAccount:       c.Engine.ModuleAccount,
		TreasuryAccount:     c.Engine.TreasuryAccount,
		BaseBorrowRate:      big.NewInt(c.Engine.BaseBorrowRate),
		BaseProfitTarget:    big.NewInt(c.Engine.BaseProfitTarget),
		FlashLoanFeeBps:     c.Engine.FlashLoanFeeBps,
		LiquidatorThreshold: threshold,
	}, nil
}

// OracleConfig converts the oracle section into aggregator thresholds,
// falling back to the production defaults for anything unset.
func (c *Config) OracleConfig() oracle.Config {
	out := oracle.DefaultConfig()
	if d, err := time.ParseDuration(c.Oracle.FreshnessThreshold); err == nil && d > 0 {
		out.FreshnessThreshold = d
	}
	if d, err := time.ParseDuration(c.Oracle.VolatilityWindow); err == nil && d > 0 {
		out.VolatilityWindow = d
	}
	if c.Oracle.VolatilityPct > 0 {
		out.VolatilityPct = c.Oracle.VolatilityPct
	}
	if c.Oracle.CircuitBreakerPct > 0 {
		out.CircuitBreakerPct = c.Oracle.CircuitBreakerPct
	}
	if c.Oracle.MinimumSources > 0 {
		out.MinimumSources = c.Oracle.MinimumSources
	}
	return out
}

// Asset converts one asset entry into a registry asset.
func (a AssetConfig) Asset() (*registry.Asset, error) {
	tier, err := registry.ParseTier(a.Tier)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
	}
	maxSupply, err := parseAmount(a.MaxSupplyThreshold)
	if err != nil {
		return nil, fmt.Errorf("asset %s: MaxSupplyThreshold: %w", a.Symbol, err)
	}
	debtCap, err := parseAmount(a.IsolationDebtCap)
	if err != nil {
		return nil, fmt.Errorf("asset %s: IsolationDebtCap: %w", a.Symbol, err)
	}
	return &registry.Asset{
		Symbol:               a.Symbol,
		Active:               a.Active,
		Decimals:             a.Decimals,
		OracleDecimals:       a.OracleDecimals,
		BorrowThreshold:      a.BorrowThreshold,
		LiquidationThreshold: a.LiquidationThreshold,
		MaxSupplyThreshold:   maxSupply,
		IsolationDebtCap:     debtCap,
		Tier:                 tier,
	}, nil
}

// Params converts one tier entry into its tier and registry parameters.
func (t TierConfig) Params() (registry.Tier, registry.TierParams, error) {
	tier, err := registry.ParseTier(t.Name)
	if err != nil {
		return 0, registry.TierParams{}, err
	}
	if t.BorrowRate < 0 || t.LiquidationBonus < 0 {
		return 0, registry.TierParams{}, fmt.Errorf("tier %s: negative rate or bonus", t.Name)
	}
	return tier, registry.TierParams{
		BorrowRate:       big.NewInt(t.BorrowRate),
		LiquidationBonus: big.NewInt(t.LiquidationBonus),
	}, nil
}
