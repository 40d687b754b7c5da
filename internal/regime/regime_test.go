package regime

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
)

func regimeTestConfig() *config.Config {
	return &config.Config{
		ExchangeProvider: "binance",
		Regime: config.RegimeConfig{
			RefreshInterval: 2 * time.Second,
			MinPoints:       5,
			TrendThreshold:  0.01,
			VolHigh:         0.008,
			VolStress:       0.02,
			SpreadStress:    0.004,
			MaxDataAge:      15 * time.Second,
			SymbolLimit:     8,
			WindowSize:      60,
		},
		Pairs: []config.Pair{
			{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", IsActive: true},
		},
	}
}

func newTestDetector() *Detector {
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	return NewDetector(repo, store, regimeTestConfig(), "binance")
}

func seedWindow(d *Detector, symbol string, mids []float64, spreadRate, ageMS float64) {
	w := newWindow(d.cfg.WindowSize)
	for _, mid := range mids {
		w.push(sample{mid: mid, spreadRate: spreadRate, ageMS: ageMS})
	}
	d.windows[symbol] = w
}

// geometric series of mids with a constant log return per step.
func midsWithReturn(start, logReturn float64, n int) []float64 {
	out := make([]float64, n)
	v := start
	for i := range out {
		out[i] = v
		v *= math.Exp(logReturn)
	}
	return out
}

func TestClassifyUnknownWithoutData(t *testing.T) {
	d := newTestDetector()
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Unknown, snap.Regime)
	assert.Zero(t, snap.Symbols)
}

func TestClassifyRange(t *testing.T) {
	d := newTestDetector()
	seedWindow(d, "BTC/USDT", midsWithReturn(50000, 0.0001, 20), 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Range, snap.Regime)
}

func TestClassifyUptrendNeedsVolume(t *testing.T) {
	d := newTestDetector()
	// Strong drift with enough volatility mixed in.
	mids := make([]float64, 0, 20)
	v := 50000.0
	for i := 0; i < 20; i++ {
		ret := 0.012
		if i%2 == 0 {
			ret = 0.03
		}
		mids = append(mids, v)
		v *= math.Exp(ret)
	}
	seedWindow(d, "BTC/USDT", mids, 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Uptrend, snap.Regime)
	assert.Greater(t, snap.AvgReturn, 0.01)
}

func TestClassifyTrendWithoutVolIsRange(t *testing.T) {
	d := newTestDetector()
	// Perfectly smooth drift: zero realized vol, so no trend regime.
	seedWindow(d, "BTC/USDT", midsWithReturn(50000, 0.012, 20), 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Range, snap.Regime)
}

func TestClassifyDowntrend(t *testing.T) {
	d := newTestDetector()
	mids := make([]float64, 0, 20)
	v := 50000.0
	for i := 0; i < 20; i++ {
		ret := -0.012
		if i%2 == 0 {
			ret = -0.03
		}
		mids = append(mids, v)
		v *= math.Exp(ret)
	}
	seedWindow(d, "BTC/USDT", mids, 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Downtrend, snap.Regime)
}

func TestClassifyStressOnVolatility(t *testing.T) {
	d := newTestDetector()
	mids := make([]float64, 0, 20)
	v := 50000.0
	for i := 0; i < 20; i++ {
		ret := 0.03
		if i%2 == 0 {
			ret = -0.03
		}
		mids = append(mids, v)
		v *= math.Exp(ret)
	}
	seedWindow(d, "BTC/USDT", mids, 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Stress, snap.Regime)
}

func TestClassifyStressOnWideSpread(t *testing.T) {
	d := newTestDetector()
	seedWindow(d, "BTC/USDT", midsWithReturn(50000, 0.0001, 20), 0.006, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Stress, snap.Regime)
}

func TestClassifyStressOnStaleData(t *testing.T) {
	d := newTestDetector()
	seedWindow(d, "BTC/USDT", midsWithReturn(50000, 0.0001, 20), 0.0002, 20000)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Stress, snap.Regime)
}

func TestClassifyTooFewPointsIsUnknown(t *testing.T) {
	d := newTestDetector()
	seedWindow(d, "BTC/USDT", midsWithReturn(50000, 0.0001, 3), 0.0002, 500)
	snap := d.classify(time.Now().UnixMilli())
	assert.Equal(t, Unknown, snap.Regime)
}

func TestSnapshotCachesBetweenRefreshes(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	cfg := regimeTestConfig()
	d := NewDetector(repo, store, cfg, "binance")

	now := time.Unix(1_700_000_000, 0)
	d.SetClock(func() time.Time { return now })

	writeTicker := func(bid, ask float64) {
		require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "BTC/USDT"), map[string]string{
			"bid":       strconv.FormatFloat(bid, 'f', -1, 64),
			"ask":       strconv.FormatFloat(ask, 'f', -1, 64),
			"timestamp": strconv.FormatInt(now.UnixMilli(), 10),
		}, 0))
	}
	writeTicker(50000, 50001)

	first, err := d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, Unknown, first.Regime, "one sample is below min points")

	// Within the refresh interval the cached snapshot is served; no new
	// sample lands in the window.
	writeTicker(60000, 60001)
	cached, err := d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.TimestampMS, cached.TimestampMS)
	assert.Len(t, d.windows["BTC/USDT"].ordered(), 1)

	now = now.Add(3 * time.Second)
	_, err = d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, d.windows["BTC/USDT"].ordered(), 2)
}

func TestSnapshotWritesMetricsHash(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	d := NewDetector(repo, store, regimeTestConfig(), "binance")

	require.NoError(t, store.HSet(ctx, kv.TickerKey("binance", "BTC/USDT"), map[string]string{
		"bid": "50000", "ask": "50001", "timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, 0))
	_, err := d.Snapshot(ctx)
	require.NoError(t, err)

	metrics, err := store.HGetAll(ctx, kv.ServiceMetricsKey("market_regime"))
	require.NoError(t, err)
	assert.Equal(t, string(Unknown), metrics["regime"])
	assert.NotEmpty(t, metrics["timestamp_ms"])
}
