package scanner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
)

func cashCarryTestConfig() *config.Config {
	return &config.Config{
		ExchangeProvider: "binance",
		CashCarry: config.CashCarryConfig{
			RefreshInterval:  2 * time.Second,
			MinProfitRate:    0.001,
			SpotFeeRate:      0.0004,
			PerpFeeRate:      0.0004,
			FundingHorizon:   3,
			TTL:              10 * time.Second,
			MaxOpportunity:   50,
			FetchConcurrency: 4,
		},
		Pairs: []config.Pair{
			{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", IsActive: true},
		},
	}
}

func seedCashCarryData(t *testing.T, store kv.Store, symbol string, spotBid, spotAsk, perpBid, perpAsk, fundingRate float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", symbol), map[string]string{
		"bid": fmtFloat(spotBid), "ask": fmtFloat(spotAsk), "last": fmtFloat((spotBid + spotAsk) / 2),
		"volume": "2000000000", "timestamp": fmtInt(time.Now().UnixMilli()),
	}, 0))
	require.NoError(t, store.HSet(ctx, kv.FuturesTickerKey("binance", symbol), map[string]string{
		"bid": fmtFloat(perpBid), "ask": fmtFloat(perpAsk), "timestamp": fmtInt(time.Now().UnixMilli()),
	}, 0))
	require.NoError(t, store.HSet(ctx, kv.FundingKey("binance", symbol), map[string]string{
		"rate": fmtFloat(fundingRate), "timestamp": fmtInt(time.Now().UnixMilli()),
	}, 0))
}

func fmtFloat(f float64) string {
	raw, _ := json.Marshal(f)
	return string(raw)
}

func fmtInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestCashCarryLongSpotShortPerp(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	cfg := cashCarryTestConfig()

	// perp trades 0.3% above spot and funding pays shorts.
	seedCashCarryData(t, store, "BTC/USDT", 49990, 50000, 50150, 50160, 0.0003)

	s := NewCashCarry(store, repo, cfg, "binance")
	require.NoError(t, s.scanOnce(ctx))

	members, err := store.ZRevRangeWithScores(ctx, kv.CashCarryOpportunitiesKey, 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, members)

	var opp CashCarryOpportunity
	require.NoError(t, json.Unmarshal([]byte(members[0].Member), &opp))
	assert.Equal(t, "cashcarry", opp.StrategyType)
	assert.Equal(t, DirectionLongSpotShortPerp, opp.Direction)
	require.NotNil(t, opp.SpotAsk)
	assert.Equal(t, 50000.0, *opp.SpotAsk)
	require.NotNil(t, opp.PerpBid)
	assert.Equal(t, 50150.0, *opp.PerpBid)
	assert.Nil(t, opp.SpotBid, "opposite-direction quotes stay null")
	assert.Nil(t, opp.PerpAsk)

	basis := (50150.0 - 50000.0) / 50000.0
	funding := 0.0003 * 3
	assert.InDelta(t, basis, opp.BasisRate, 1e-12)
	assert.InDelta(t, funding, opp.FundingRate, 1e-12)
	assert.InDelta(t, basis+funding-0.0008, opp.ProfitRate, 1e-12)
}

func TestCashCarryShortSpotLongPerp(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	cfg := cashCarryTestConfig()

	// perp trades below spot and funding pays longs (negative rate).
	seedCashCarryData(t, store, "BTC/USDT", 50000, 50010, 49840, 49850, -0.0004)

	s := NewCashCarry(store, repo, cfg, "binance")
	require.NoError(t, s.scanOnce(ctx))

	members, err := store.ZRevRangeWithScores(ctx, kv.CashCarryOpportunitiesKey, 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, members)

	var opp CashCarryOpportunity
	require.NoError(t, json.Unmarshal([]byte(members[0].Member), &opp))
	assert.Equal(t, DirectionShortSpotLongPerp, opp.Direction)
	require.NotNil(t, opp.SpotBid)
	assert.Equal(t, 50000.0, *opp.SpotBid)
	require.NotNil(t, opp.PerpAsk)
	assert.Equal(t, 49850.0, *opp.PerpAsk)

	basis := (49850.0 - 50000.0) / 50000.0
	funding := -0.0004 * 3
	assert.InDelta(t, -basis-funding-0.0008, opp.ProfitRate, 1e-12)
}

func TestCashCarryRejectsAbsurdBasis(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	cfg := cashCarryTestConfig()

	// perp 50% above spot: stale or broken feed, not free money.
	seedCashCarryData(t, store, "BTC/USDT", 49990, 50000, 75000, 75010, 0.0001)

	s := NewCashCarry(store, repo, cfg, "binance")
	require.NoError(t, s.scanOnce(ctx))

	members, err := store.ZRevRangeWithScores(ctx, kv.CashCarryOpportunitiesKey, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestCashCarryPadsSymbolsFromIndexes(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	cfg := cashCarryTestConfig()

	require.NoError(t, store.SAdd(ctx, kv.SymbolIndexKey("funding", "binance"), []string{
		"ETH/USDT", "SOL/USDT", "ETH/BTC",
	}, 0))
	require.NoError(t, store.SAdd(ctx, kv.SymbolIndexKey("ticker_futures", "binance"), []string{
		"XRP/USDT",
	}, 0))

	s := NewCashCarry(store, repo, cfg, "binance")
	symbols, err := s.scanSymbols(ctx)
	require.NoError(t, err)

	assert.Contains(t, symbols, "BTC/USDT", "configured pair present")
	assert.Contains(t, symbols, "ETH/USDT", "padded from funding index")
	assert.Contains(t, symbols, "XRP/USDT", "padded from futures ticker index")
	assert.NotContains(t, symbols, "ETH/BTC", "non-USDT quotes excluded")
}
