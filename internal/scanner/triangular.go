// Package scanner hosts the opportunity scanners. Each scanner runs its own
// refresh loop and atomically replaces one KV opportunity stream that the
// decision service consumes.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
)

// TriangularOpportunity is the stream member shape for triangular cycles.
// Path holds the four currencies of the cycle (first == last), Symbols the
// three pairs traded along it.
type TriangularOpportunity struct {
	StrategyType string   `json:"strategyType"`
	Exchange     string   `json:"exchange"`
	Path         []string `json:"path"`
	Symbols      []string `json:"symbols"`
	ProfitRate   float64  `json:"profitRate"`
	Timestamp    int64    `json:"timestamp"`
}

// seedCrossPairs are cross markets always probed in addition to the
// configured pair list; without crosses there are no triangles.
var seedCrossPairs = []string{
	"ETH/BTC", "SOL/BTC", "BNB/BTC", "XRP/BTC", "DOGE/BTC", "ADA/BTC",
}

// Triangular scans for three-legged cycles through the base currency whose
// multiplied conversion rates beat fees.
type Triangular struct {
	store        kv.Store
	repo         *marketdata.Repository
	cfg          config.TriangularConfig
	appCfg       *config.Config
	exchangeID   string
	baseCurrency string

	lastLogAt    time.Time
	lastOppCount int
}

func NewTriangular(store kv.Store, repo *marketdata.Repository, appCfg *config.Config, exchangeID string) *Triangular {
	return &Triangular{
		store:        store,
		repo:         repo,
		cfg:          appCfg.Triangular,
		appCfg:       appCfg,
		exchangeID:   exchangeID,
		baseCurrency: "USDT",
		lastOppCount: -1,
	}
}

func (s *Triangular) Run(ctx context.Context) error {
	log.Info().Str("exchange", s.exchangeID).Dur("interval", s.cfg.RefreshInterval).
		Msg("triangular scanner started")
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.scanOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("triangular scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type edge struct {
	to     string
	rate   float64
	symbol string
}

func (s *Triangular) scanOnce(ctx context.Context) error {
	start := time.Now()

	symbols := s.scanSymbols()
	graph := make(map[string][]edge)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.FetchConcurrency))
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			base, quote, ok := config.SplitSymbol(symbol)
			if !ok {
				return nil
			}
			// A symbol with no book just contributes no edges; the rest of
			// the cycle still gets scanned.
			tob, err := s.repo.OrderBookTOB(gctx, s.exchangeID, symbol)
			if err != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			// Selling base into quote crosses the bid; buying base with quote
			// lifts the ask.
			if tob.BestBidPrice != nil && *tob.BestBidPrice > 0 {
				graph[base] = append(graph[base], edge{to: quote, rate: *tob.BestBidPrice, symbol: symbol})
			}
			if tob.BestAskPrice != nil && *tob.BestAskPrice > 0 {
				graph[quote] = append(graph[quote], edge{to: base, rate: 1 / *tob.BestAskPrice, symbol: symbol})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	netFee := math.Pow(1-s.cfg.FeeRate, 3)
	nowMS := time.Now().UnixMilli()
	var opps []TriangularOpportunity
	for _, e1 := range graph[s.baseCurrency] {
		for _, e2 := range graph[e1.to] {
			if e2.to == s.baseCurrency || e2.to == e1.to {
				continue
			}
			for _, e3 := range graph[e2.to] {
				if e3.to != s.baseCurrency {
					continue
				}
				profit := e1.rate*e2.rate*e3.rate*netFee - 1
				if profit < s.cfg.MinProfitRate {
					continue
				}
				opps = append(opps, TriangularOpportunity{
					StrategyType: "triangular",
					Exchange:     s.exchangeID,
					Path:         []string{s.baseCurrency, e1.to, e2.to, s.baseCurrency},
					Symbols:      []string{e1.symbol, e2.symbol, e3.symbol},
					ProfitRate:   profit,
					Timestamp:    nowMS,
				})
			}
		}
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].ProfitRate > opps[j].ProfitRate })
	if len(opps) > s.cfg.MaxOpportunity {
		opps = opps[:s.cfg.MaxOpportunity]
	}

	members := make([]kv.Z, 0, len(opps))
	for _, opp := range opps {
		raw, err := json.Marshal(opp)
		if err != nil {
			return fmt.Errorf("failed to encode triangular opportunity: %w", err)
		}
		members = append(members, kv.Z{Member: string(raw), Score: opp.ProfitRate})
	}
	if err := s.store.ReplaceSortedSet(ctx, kv.TriangularOpportunitiesKey, members, s.cfg.TTL); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if time.Since(s.lastLogAt) >= 10*time.Second || s.lastOppCount != len(opps) {
		log.Info().Int("pairs", len(symbols)).Int("opportunities", len(opps)).
			Dur("elapsed", elapsed).Msg("triangular scan complete")
		s.lastLogAt = time.Now()
		s.lastOppCount = len(opps)
	}

	metrics := map[string]string{
		"last_scan_ms":  fmt.Sprintf("%.1f", float64(elapsed.Microseconds())/1000),
		"pairs":         strconv.Itoa(len(symbols)),
		"opportunities": strconv.Itoa(len(opps)),
		"timestamp_ms":  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if err := s.store.HSet(ctx, kv.ServiceMetricsKey("triangular_service"), metrics, 120*time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to write triangular metrics")
	}
	return nil
}

func (s *Triangular) scanSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, symbol := range s.appCfg.ActiveSymbols(s.exchangeID, 0) {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	for _, symbol := range seedCrossPairs {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
