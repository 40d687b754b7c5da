// Package regime classifies current market conditions from sampled spot
// quotes. The decision service uses the label to throttle or block
// strategies; sampling is cheap so the detector refreshes inline with a
// cached snapshot and a minimum refresh interval.
package regime

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
)

type Regime string

const (
	Unknown   Regime = "UNKNOWN"
	Range     Regime = "RANGE"
	Uptrend   Regime = "UPTREND"
	Downtrend Regime = "DOWNTREND"
	Stress    Regime = "STRESS"
)

// Snapshot is one classification with the aggregates that produced it.
type Snapshot struct {
	Regime        Regime
	AvgReturn     float64
	AvgVolatility float64
	AvgSpreadRate float64
	AvgDataAgeMS  float64
	Symbols       int
	TimestampMS   int64
}

type sample struct {
	mid        float64
	spreadRate float64
	ageMS      float64
}

// window is a fixed-size ring of samples per symbol.
type window struct {
	samples []sample
	next    int
	filled  bool
}

func newWindow(size int) *window {
	return &window{samples: make([]sample, size)}
}

func (w *window) push(s sample) {
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// ordered returns samples oldest first.
func (w *window) ordered() []sample {
	if !w.filled {
		return w.samples[:w.next]
	}
	out := make([]sample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// Detector samples the configured USDT pairs and classifies the market.
type Detector struct {
	repo       *marketdata.Repository
	store      kv.Store
	cfg        config.RegimeConfig
	appCfg     *config.Config
	exchangeID string

	mu          sync.Mutex
	windows     map[string]*window
	cached      Snapshot
	lastRefresh time.Time
	now         func() time.Time
}

func NewDetector(repo *marketdata.Repository, store kv.Store, appCfg *config.Config, exchangeID string) *Detector {
	return &Detector{
		repo:       repo,
		store:      store,
		cfg:        appCfg.Regime,
		appCfg:     appCfg,
		exchangeID: exchangeID,
		windows:    make(map[string]*window),
		cached:     Snapshot{Regime: Unknown},
		now:        time.Now,
	}
}

// SetClock replaces the refresh clock. Test-only.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Snapshot returns the current classification, resampling at most once per
// refresh interval.
func (d *Detector) Snapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	if !d.lastRefresh.IsZero() && d.now().Sub(d.lastRefresh) < d.cfg.RefreshInterval {
		snap := d.cached
		d.mu.Unlock()
		return snap, nil
	}
	d.mu.Unlock()

	snap, err := d.refresh(ctx)
	if err != nil {
		return Snapshot{Regime: Unknown}, err
	}
	return snap, nil
}

func (d *Detector) sampleSymbols() []string {
	all := d.appCfg.QuoteSymbols(d.exchangeID, "USDT")
	var out []string
	for _, symbol := range all {
		if strings.HasSuffix(symbol, "/USDT") {
			out = append(out, symbol)
		}
		if len(out) >= d.cfg.SymbolLimit {
			break
		}
	}
	return out
}

func (d *Detector) refresh(ctx context.Context) (Snapshot, error) {
	symbols := d.sampleSymbols()
	nowMS := d.now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, symbol := range symbols {
		bba, err := d.repo.BestBidAsk(ctx, d.exchangeID, symbol, exchange.AccountSpot)
		if err != nil {
			return Snapshot{}, err
		}
		if bba.Bid == nil || bba.Ask == nil {
			continue
		}
		mid := (*bba.Bid + *bba.Ask) / 2
		if mid <= 0 {
			continue
		}
		age := math.MaxFloat64
		if bba.Timestamp != nil {
			age = float64(nowMS - *bba.Timestamp)
		}
		w, ok := d.windows[symbol]
		if !ok {
			w = newWindow(d.cfg.WindowSize)
			d.windows[symbol] = w
		}
		w.push(sample{
			mid:        mid,
			spreadRate: (*bba.Ask - *bba.Bid) / mid,
			ageMS:      age,
		})
	}

	snap := d.classify(nowMS)
	d.cached = snap
	d.lastRefresh = d.now()
	d.writeMetrics(ctx, snap)
	return snap, nil
}

func (d *Detector) classify(nowMS int64) Snapshot {
	var (
		sumRet, sumVol, sumSpread, sumAge float64
		counted                           int
	)
	for _, w := range d.windows {
		samples := w.ordered()
		if len(samples) < d.cfg.MinPoints {
			continue
		}
		var rets []float64
		for i := 1; i < len(samples); i++ {
			if samples[i-1].mid > 0 && samples[i].mid > 0 {
				rets = append(rets, math.Log(samples[i].mid/samples[i-1].mid))
			}
		}
		if len(rets) == 0 {
			continue
		}
		mean := 0.0
		for _, r := range rets {
			mean += r
		}
		mean /= float64(len(rets))
		variance := 0.0
		for _, r := range rets {
			variance += (r - mean) * (r - mean)
		}
		vol := math.Sqrt(variance / float64(len(rets)))

		var spread, age float64
		for _, s := range samples {
			spread += s.spreadRate
			age += s.ageMS
		}
		spread /= float64(len(samples))
		age /= float64(len(samples))

		sumRet += mean
		sumVol += vol
		sumSpread += spread
		sumAge += age
		counted++
	}

	snap := Snapshot{Regime: Unknown, Symbols: counted, TimestampMS: nowMS}
	if counted == 0 {
		return snap
	}
	snap.AvgReturn = sumRet / float64(counted)
	snap.AvgVolatility = sumVol / float64(counted)
	snap.AvgSpreadRate = sumSpread / float64(counted)
	snap.AvgDataAgeMS = sumAge / float64(counted)

	switch {
	case snap.AvgDataAgeMS > float64(d.cfg.MaxDataAge.Milliseconds()) || snap.AvgSpreadRate > d.cfg.SpreadStress:
		snap.Regime = Stress
	case snap.AvgVolatility > d.cfg.VolStress:
		snap.Regime = Stress
	case math.Abs(snap.AvgReturn) >= d.cfg.TrendThreshold && snap.AvgVolatility >= d.cfg.VolHigh:
		if snap.AvgReturn > 0 {
			snap.Regime = Uptrend
		} else {
			snap.Regime = Downtrend
		}
	default:
		snap.Regime = Range
	}
	return snap
}

func (d *Detector) writeMetrics(ctx context.Context, snap Snapshot) {
	fields := map[string]string{
		"regime":          string(snap.Regime),
		"avg_return":      fmt.Sprintf("%.6f", snap.AvgReturn),
		"avg_volatility":  fmt.Sprintf("%.6f", snap.AvgVolatility),
		"avg_spread_rate": fmt.Sprintf("%.6f", snap.AvgSpreadRate),
		"avg_data_age_ms": fmt.Sprintf("%.1f", snap.AvgDataAgeMS),
		"symbols":         strconv.Itoa(snap.Symbols),
		"timestamp_ms":    strconv.FormatInt(snap.TimestampMS, 10),
	}
	if err := d.store.HSet(ctx, kv.ServiceMetricsKey("market_regime"), fields, 120*time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to write regime metrics")
	}
}

// Run keeps the snapshot warm so consumers always hit the cached path.
func (d *Detector) Run(ctx context.Context) error {
	log.Info().Str("exchange", d.exchangeID).Dur("interval", d.cfg.RefreshInterval).
		Msg("market regime detector started")
	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Snapshot(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("regime refresh failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
