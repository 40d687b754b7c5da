package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.ExchangeProvider)
	assert.False(t, cfg.EnableLiveOMS)
	assert.Equal(t, time.Second, cfg.MarketData.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.MarketData.CacheTTL)
	assert.Equal(t, 0.001, cfg.Triangular.MinProfitRate)
	assert.Equal(t, 0.0004, cfg.CashCarry.SpotFeeRate)
	assert.Equal(t, 3, cfg.CashCarry.FundingHorizon)
	assert.Equal(t, 15*time.Second, cfg.Regime.MaxDataAge)
	assert.Equal(t, 50, cfg.Triangular.FetchConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Decision.AutoOverlayInterval)
	assert.Equal(t, 10*time.Second, cfg.Decision.RoutingCacheTTL)
	assert.Equal(t, time.Minute, cfg.OMS.DedupeTTL)
	assert.Equal(t, 0.0004, cfg.OMS.FeeRate)
	assert.NotEmpty(t, cfg.Pairs)
}

func TestLoadKnobOverrides(t *testing.T) {
	t.Setenv("DECISION_ROUTING_CACHE_TTL_MS", "2500")
	t.Setenv("DECISION_AUTO_OVERLAY_INTERVAL_MS", "750")
	t.Setenv("OMS_DEDUPE_TTL", "120")
	t.Setenv("OMS_FEE_RATE", "0.001")
	t.Setenv("TRIANGULAR_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.Decision.RoutingCacheTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.Decision.AutoOverlayInterval)
	assert.Equal(t, 2*time.Minute, cfg.OMS.DedupeTTL)
	assert.Equal(t, 0.001, cfg.OMS.FeeRate)
	assert.Equal(t, 8, cfg.Triangular.FetchConcurrency)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MARKETDATA_POLL_INTERVAL", "0.5")
	t.Setenv("MARKET_REGIME_MAX_DATA_AGE_MS", "3000")
	t.Setenv("INARBIT_ENABLE_LIVE_OMS", "1")
	t.Setenv("CASHCARRY_CONCURRENCY", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.MarketData.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Regime.MaxDataAge)
	assert.True(t, cfg.EnableLiveOMS)
	assert.Equal(t, 12, cfg.CashCarry.FetchConcurrency)
}

func TestLoadEnvGarbageFallsBack(t *testing.T) {
	t.Setenv("MARKETDATA_MAX_TICKER_SYMBOLS", "not-a-number")
	t.Setenv("TRIANGULAR_MIN_PROFIT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.MarketData.MaxTickerSymbols)
	assert.Equal(t, 0.001, cfg.Triangular.MinProfitRate)
}

func TestLoadPairsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pairs:
  - symbol: BTC/USDT
    is_active: true
    supported_exchanges: [binance]
  - symbol: ETH/BTC
    base: ETH
    quote: BTC
    is_active: false
`), 0o644))

	pairs, err := LoadPairsFile(path)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "BTC", pairs[0].Base, "base derived from symbol")
	assert.Equal(t, "USDT", pairs[0].Quote)
	assert.False(t, pairs[1].IsActive)
}

func TestActiveSymbols(t *testing.T) {
	cfg := &Config{Pairs: []Pair{
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance"}},
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", IsActive: true},
		{Symbol: "XX/USDT", Base: "XX", Quote: "USDT", IsActive: false},
		{Symbol: "SOL/USDT", Base: "SOL", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"okx"}},
	}}

	got := cfg.ActiveSymbols("binance", 0)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, got)

	capped := cfg.ActiveSymbols("binance", 1)
	assert.Equal(t, []string{"BTC/USDT"}, capped)

	usdt := cfg.QuoteSymbols("binance", "USDT")
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, usdt)
}
