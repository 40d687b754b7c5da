package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
)

func TestBestBidAskSpot(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "BTC/USDT"), map[string]string{
		"bid": "50000", "ask": "50010", "last": "50005", "volume": "1200000000", "timestamp": "1700000000000",
	}, 0))

	bba, err := repo.BestBidAsk(ctx, "binance", "BTC/USDT", exchange.AccountSpot)
	require.NoError(t, err)
	require.NotNil(t, bba.Bid)
	assert.Equal(t, 50000.0, *bba.Bid)
	assert.Equal(t, 50010.0, *bba.Ask)
	assert.Equal(t, int64(1700000000000), *bba.Timestamp)
}

func TestBestBidAskPerpFallsBackToMark(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	// No futures ticker; funding has a mark price.
	require.NoError(t, store.HSet(ctx, kv.FundingKey("binance", "ETH/USDT"), map[string]string{
		"rate": "0.0001", "mark": "3000.5", "index": "3000.1", "timestamp": "1700000000500",
	}, 0))

	bba, err := repo.BestBidAsk(ctx, "binance", "ETH/USDT", exchange.AccountPerp)
	require.NoError(t, err)
	require.NotNil(t, bba.Bid)
	assert.Equal(t, 3000.5, *bba.Bid)
	assert.Equal(t, 3000.5, *bba.Ask)
	assert.Equal(t, 3000.5, *bba.Last)
	assert.Equal(t, int64(1700000000500), *bba.Timestamp)
}

func TestBestBidAskPerpFallsBackToIndexWhenNoMark(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.HSet(ctx, kv.FundingKey("binance", "ETH/USDT"), map[string]string{
		"index": "2999.9",
	}, 0))

	bba, err := repo.BestBidAsk(ctx, "binance", "ETH/USDT", exchange.AccountPerp)
	require.NoError(t, err)
	require.NotNil(t, bba.Bid)
	assert.Equal(t, 2999.9, *bba.Bid)
}

func TestOrderBookTOB(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.ReplaceSortedSet(ctx, kv.OrderBookBidsKey("binance", "BTC/USDT"), []kv.Z{
		{Member: "49999:0.4", Score: 49999},
		{Member: "50000:0.5", Score: 50000},
	}, 0))
	require.NoError(t, store.ReplaceSortedSet(ctx, kv.OrderBookAsksKey("binance", "BTC/USDT"), []kv.Z{
		{Member: "50001:0.7", Score: 50001},
		{Member: "50002:0.1", Score: 50002},
	}, 0))
	require.NoError(t, store.Set(ctx, kv.OrderBookTSKey("binance", "BTC/USDT"), "1700000001000", 0))

	tob, err := repo.OrderBookTOB(ctx, "binance", "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, tob.BestBidPrice)
	assert.Equal(t, 50000.0, *tob.BestBidPrice, "best bid is the highest bid")
	assert.Equal(t, 0.5, *tob.BestBidAmount)
	assert.Equal(t, 50001.0, *tob.BestAskPrice, "best ask is the lowest ask")
	assert.Equal(t, int64(1700000001000), *tob.TimestampMS)
}

func TestOrderBookTOBFallsBackToTicker(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "SOL/USDT"), map[string]string{
		"bid": "150.1", "ask": "150.2", "timestamp": "1700000002000",
	}, 0))

	tob, err := repo.OrderBookTOB(ctx, "binance", "SOL/USDT")
	require.NoError(t, err)
	require.NotNil(t, tob.BestBidPrice)
	assert.Equal(t, 150.1, *tob.BestBidPrice)
	assert.Nil(t, tob.BestBidAmount, "ticker fallback has no depth amounts")
	assert.Equal(t, int64(1700000002000), *tob.TimestampMS)
}

func TestMalformedBookMemberNilsOnlyThatSide(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.ReplaceSortedSet(ctx, kv.OrderBookBidsKey("binance", "BTC/USDT"), []kv.Z{
		{Member: "garbage", Score: 50000},
	}, 0))
	require.NoError(t, store.ReplaceSortedSet(ctx, kv.OrderBookAsksKey("binance", "BTC/USDT"), []kv.Z{
		{Member: "50001:0.7", Score: 50001},
	}, 0))

	tob, err := repo.OrderBookTOB(ctx, "binance", "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, tob.BestBidPrice)
	require.NotNil(t, tob.BestAskPrice)
	assert.Equal(t, 50001.0, *tob.BestAskPrice)
}

func TestRepositoryCacheWindow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	now := time.Unix(1_700_000_000, 0)
	repo.SetClock(func() time.Time { return now })

	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "BTC/USDT"), map[string]string{"bid": "100"}, 0))
	first, err := repo.BestBidAsk(ctx, "binance", "BTC/USDT", exchange.AccountSpot)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *first.Bid)

	// Underlying data changes but the memo window has not elapsed.
	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "BTC/USDT"), map[string]string{"bid": "200"}, 0))
	cached, err := repo.BestBidAsk(ctx, "binance", "BTC/USDT", exchange.AccountSpot)
	require.NoError(t, err)
	assert.Equal(t, 100.0, *cached.Bid, "inside the TTL the memoized value wins")

	now = now.Add(600 * time.Millisecond)
	fresh, err := repo.BestBidAsk(ctx, "binance", "BTC/USDT", exchange.AccountSpot)
	require.NoError(t, err)
	assert.Equal(t, 200.0, *fresh.Bid, "after the TTL the store is re-read")
}

func TestFundingParse(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := NewRepository(store, 500*time.Millisecond, 2000)

	require.NoError(t, store.HSet(ctx, kv.FundingKey("binance", "BTC/USDT"), map[string]string{
		"rate": "0.0003", "next_time": "1700003600000", "timestamp": "1700000000000", "mark": "", "index": "50002",
	}, 0))

	fr, err := repo.Funding(ctx, "binance", "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr.Rate)
	assert.Equal(t, 0.0003, *fr.Rate)
	assert.Equal(t, int64(1700003600000), *fr.NextTime)
	assert.Nil(t, fr.Mark, "empty string parses as absent")
	assert.Equal(t, 50002.0, *fr.Index)
}
