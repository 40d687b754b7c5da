package decision

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
)

const (
	// Symbols sampled per stream and the cap across both.
	overlaySamplePerStream = 20
	overlaySymbolCap       = 30

	// Ages beyond this are treated as dead feeds and excluded from averages.
	overlayMaxUsableAgeMS = 60000

	// Liquidity score below which a symbol is auto-blacklisted.
	overlayLowLiquidityScore = 0.05
)

// RegimeMetrics echoes the detector aggregates that produced the overlay's
// regime label.
type RegimeMetrics struct {
	AvgReturn     float64 `json:"avg_return"`
	AvgVolatility float64 `json:"avg_volatility"`
	AvgSpreadRate float64 `json:"avg_spread_rate"`
	Symbols       int     `json:"symbols"`
}

// AutoOverlay is the machine-adjusted layer on top of the human constraints.
// It tightens the profit threshold and shrinks exposure when data quality
// degrades or the regime turns hostile.
type AutoOverlay struct {
	TimestampMS        int64           `json:"timestamp_ms"`
	MinProfitRateBoost decimal.Decimal `json:"min_profit_rate_boost"`
	ExposureMultiplier decimal.Decimal `json:"exposure_multiplier"`
	BlacklistSymbols   []string        `json:"blacklist_symbols"`
	AvgDataAgeMS       float64         `json:"avg_data_age_ms"`
	AvgSpreadRate      float64         `json:"avg_spread_rate"`
	Regime             string          `json:"regime"`
	RegimeMetrics      *RegimeMetrics  `json:"regime_metrics,omitempty"`
}

func neutralOverlay(nowMS int64) AutoOverlay {
	return AutoOverlay{
		TimestampMS:        nowMS,
		MinProfitRateBoost: decimal.Zero,
		ExposureMultiplier: decimal.NewFromInt(1),
		BlacklistSymbols:   []string{},
		Regime:             "UNKNOWN",
	}
}

// overlaySymbols samples USDT symbols from the head of both opportunity
// streams. The head is where decisions will come from, so data-quality
// adjustments should be measured there.
func overlaySymbols(triangular, cashcarry []kv.Z) []string {
	seen := make(map[string]struct{})
	var symbols []string
	add := func(symbol string) {
		if !strings.HasSuffix(symbol, "/USDT") {
			return
		}
		if _, ok := seen[symbol]; ok {
			return
		}
		seen[symbol] = struct{}{}
		symbols = append(symbols, symbol)
	}

	for i, z := range triangular {
		if i >= overlaySamplePerStream {
			break
		}
		var opp struct {
			Symbols []string `json:"symbols"`
		}
		if err := json.Unmarshal([]byte(z.Member), &opp); err != nil {
			continue
		}
		for j, symbol := range opp.Symbols {
			if j >= 3 {
				break
			}
			add(symbol)
		}
	}
	for i, z := range cashcarry {
		if i >= overlaySamplePerStream {
			break
		}
		var opp struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal([]byte(z.Member), &opp); err != nil {
			continue
		}
		add(opp.Symbol)
	}

	if len(symbols) > overlaySymbolCap {
		symbols = symbols[:overlaySymbolCap]
	}
	return symbols
}

// refreshAutoOverlay recomputes the overlay at most once per configured
// interval. Called with the service mutex held.
func (s *Service) refreshAutoOverlay(ctx context.Context, triangular, cashcarry []kv.Z) {
	if !s.lastOverlayAt.IsZero() && s.now().Sub(s.lastOverlayAt) < s.cfg.AutoOverlayInterval {
		return
	}
	s.lastOverlayAt = s.now()
	nowMS := s.now().UnixMilli()

	symbols := overlaySymbols(triangular, cashcarry)
	if len(symbols) == 0 {
		s.overlay = neutralOverlay(nowMS)
		return
	}

	var (
		ages, spreads []float64
		blacklist     []string
	)
	for _, symbol := range symbols {
		age := s.symbolDataAgeMS(ctx, symbol, nowMS)
		if age != nil && *age <= overlayMaxUsableAgeMS {
			ages = append(ages, *age)
		}

		bba, err := s.repo.BestBidAsk(ctx, s.exchangeID, symbol, exchange.AccountSpot)
		if err != nil {
			continue
		}
		if bba.Bid != nil && bba.Ask != nil {
			mid := (*bba.Bid + *bba.Ask) / 2
			if mid > 0 {
				spreads = append(spreads, math.Abs(*bba.Ask-*bba.Bid)/mid)
			}
		}
		if bba.Volume != nil && clamp01(*bba.Volume/1e8) < overlayLowLiquidityScore {
			blacklist = append(blacklist, symbol)
		}
	}

	avgAge := mean(ages)
	avgSpread := mean(spreads)

	boost := decimal.Zero
	multiplier := decimal.NewFromInt(1)
	minProfit := s.constraints.MinProfitRate
	maxAge := float64(s.constraints.MaxDataAgeMS)
	maxSpread := s.constraints.MaxSpreadRate.InexactFloat64()

	switch {
	case len(ages) > 0 && avgAge > maxAge:
		boost = boost.Add(minProfit)
		multiplier = dec("0.5")
	case len(ages) > 0 && avgAge > 0.7*maxAge:
		boost = boost.Add(minProfit.Mul(dec("0.5")))
	}
	switch {
	case len(spreads) > 0 && avgSpread > maxSpread:
		boost = boost.Add(minProfit)
		multiplier = decimal.Min(multiplier, dec("0.5"))
	case len(spreads) > 0 && avgSpread > 0.7*maxSpread:
		boost = boost.Add(minProfit.Mul(dec("0.5")))
	}

	regimeLabel := "UNKNOWN"
	var metrics *RegimeMetrics
	if s.detector != nil {
		snap, err := s.detector.Snapshot(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("regime snapshot failed during overlay refresh")
		} else {
			regimeLabel = string(snap.Regime)
			metrics = &RegimeMetrics{
				AvgReturn:     snap.AvgReturn,
				AvgVolatility: snap.AvgVolatility,
				AvgSpreadRate: snap.AvgSpreadRate,
				Symbols:       snap.Symbols,
			}
		}
	}
	switch regimeLabel {
	case "STRESS":
		boost = boost.Add(minProfit)
		multiplier = decimal.Min(multiplier, dec("0.3"))
	case "DOWNTREND":
		boost = boost.Add(minProfit.Mul(dec("0.5")))
		multiplier = decimal.Min(multiplier, dec("0.6"))
	case "UPTREND":
		boost = boost.Add(minProfit.Mul(dec("0.2")))
		multiplier = decimal.Min(multiplier, dec("0.8"))
	}

	sort.Strings(blacklist)
	if blacklist == nil {
		blacklist = []string{}
	}
	s.overlay = AutoOverlay{
		TimestampMS:        nowMS,
		MinProfitRateBoost: boost,
		ExposureMultiplier: multiplier,
		BlacklistSymbols:   blacklist,
		AvgDataAgeMS:       avgAge,
		AvgSpreadRate:      avgSpread,
		Regime:             regimeLabel,
		RegimeMetrics:      metrics,
	}
}

// symbolDataAgeMS prefers the order-book timestamp and falls back to the
// ticker when the book is missing or older than the usable window.
func (s *Service) symbolDataAgeMS(ctx context.Context, symbol string, nowMS int64) *float64 {
	var age *float64
	tob, err := s.repo.OrderBookTOB(ctx, s.exchangeID, symbol)
	if err == nil && tob.TimestampMS != nil {
		a := float64(nowMS - *tob.TimestampMS)
		age = &a
	}
	if age == nil || *age > overlayMaxUsableAgeMS {
		bba, err := s.repo.BestBidAsk(ctx, s.exchangeID, symbol, exchange.AccountSpot)
		if err == nil && bba.Timestamp != nil {
			a := float64(nowMS - *bba.Timestamp)
			age = &a
		}
	}
	return age
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
