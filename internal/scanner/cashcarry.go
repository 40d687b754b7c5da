package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
)

// Basis beyond this is treated as bad data, not as opportunity.
const maxAbsBasisRate = 0.1

// CashCarryOpportunity is the stream member shape for basis trades. The
// direction-specific quote fields are null on the other direction; spotPrice
// and perpPrice always carry the executable side.
type CashCarryOpportunity struct {
	StrategyType string   `json:"strategyType"`
	Exchange     string   `json:"exchange"`
	Symbol       string   `json:"symbol"`
	Direction    string   `json:"direction"`
	SpotAsk      *float64 `json:"spotAsk"`
	PerpBid      *float64 `json:"perpBid"`
	SpotBid      *float64 `json:"spotBid"`
	PerpAsk      *float64 `json:"perpAsk"`
	SpotPrice    float64  `json:"spotPrice"`
	PerpPrice    float64  `json:"perpPrice"`
	BasisRate    float64  `json:"basisRate"`
	FundingRate  float64  `json:"fundingRate"`
	ProfitRate   float64  `json:"profitRate"`
	Timestamp    int64    `json:"timestamp"`
}

const (
	DirectionLongSpotShortPerp = "long_spot_short_perp"
	DirectionShortSpotLongPerp = "short_spot_long_perp"
)

// CashCarry scans spot/perp pairs for basis + funding carry that clears fees
// in either direction.
type CashCarry struct {
	store         kv.Store
	repo          *marketdata.Repository
	cfg           config.CashCarryConfig
	appCfg        *config.Config
	exchangeID    string
	quoteCurrency string

	lastLogAt    time.Time
	lastOppCount int
}

func NewCashCarry(store kv.Store, repo *marketdata.Repository, appCfg *config.Config, exchangeID string) *CashCarry {
	return &CashCarry{
		store:         store,
		repo:          repo,
		cfg:           appCfg.CashCarry,
		appCfg:        appCfg,
		exchangeID:    exchangeID,
		quoteCurrency: "USDT",
		lastOppCount:  -1,
	}
}

func (s *CashCarry) Run(ctx context.Context) error {
	log.Info().Str("exchange", s.exchangeID).Dur("interval", s.cfg.RefreshInterval).
		Msg("cash-and-carry scanner started")
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.scanOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("cash-and-carry scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type symbolQuotes struct {
	symbol  string
	spot    marketdata.BestBidAsk
	perp    marketdata.BestBidAsk
	funding marketdata.FundingInfo
	tob     marketdata.OrderBookTOB
}

func (s *CashCarry) scanOnce(ctx context.Context) error {
	start := time.Now()

	symbols, err := s.scanSymbols(ctx)
	if err != nil {
		return err
	}

	quotes := make([]symbolQuotes, 0, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.FetchConcurrency))
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			q := symbolQuotes{symbol: symbol}
			var err error
			if q.spot, err = s.repo.BestBidAsk(gctx, s.exchangeID, symbol, exchange.AccountSpot); err != nil {
				return nil
			}
			if q.perp, err = s.repo.BestBidAsk(gctx, s.exchangeID, symbol, exchange.AccountPerp); err != nil {
				return nil
			}
			if q.funding, err = s.repo.Funding(gctx, s.exchangeID, symbol); err != nil {
				return nil
			}
			if q.tob, err = s.repo.OrderBookTOB(gctx, s.exchangeID, symbol); err != nil {
				return nil
			}
			mu.Lock()
			quotes = append(quotes, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	nowMS := time.Now().UnixMilli()
	var opps []CashCarryOpportunity
	for _, q := range quotes {
		opps = append(opps, s.evaluate(q, nowMS)...)
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].ProfitRate > opps[j].ProfitRate })
	if len(opps) > s.cfg.MaxOpportunity {
		opps = opps[:s.cfg.MaxOpportunity]
	}

	members := make([]kv.Z, 0, len(opps))
	for _, opp := range opps {
		raw, err := json.Marshal(opp)
		if err != nil {
			return fmt.Errorf("failed to encode cash-and-carry opportunity: %w", err)
		}
		members = append(members, kv.Z{Member: string(raw), Score: opp.ProfitRate})
	}
	if err := s.store.ReplaceSortedSet(ctx, kv.CashCarryOpportunitiesKey, members, s.cfg.TTL); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if time.Since(s.lastLogAt) >= 10*time.Second || s.lastOppCount != len(opps) {
		log.Info().Int("symbols", len(symbols)).Int("opportunities", len(opps)).
			Dur("elapsed", elapsed).Msg("cash-and-carry scan complete")
		s.lastLogAt = time.Now()
		s.lastOppCount = len(opps)
	}

	metrics := map[string]string{
		"last_scan_ms":  fmt.Sprintf("%.1f", float64(elapsed.Microseconds())/1000),
		"symbols":       strconv.Itoa(len(symbols)),
		"opportunities": strconv.Itoa(len(opps)),
		"timestamp_ms":  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if err := s.store.HSet(ctx, kv.ServiceMetricsKey("cashcarry_service"), metrics, 120*time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to write cash-and-carry metrics")
	}
	return nil
}

// evaluate prices both directions off the executable sides: long-spot pays
// the spot ask and sells the perp bid, short-spot hits the spot bid and pays
// the perp ask.
func (s *CashCarry) evaluate(q symbolQuotes, nowMS int64) []CashCarryOpportunity {
	spotBid := firstOf(q.tob.BestBidPrice, q.spot.Bid, q.spot.Last)
	spotAsk := firstOf(q.tob.BestAskPrice, q.spot.Ask, q.spot.Last)
	perpBid := firstOf(q.perp.Bid, q.perp.Last)
	perpAsk := firstOf(q.perp.Ask, q.perp.Last)

	fundingRate := 0.0
	if q.funding.Rate != nil {
		fundingRate = *q.funding.Rate * float64(s.cfg.FundingHorizon)
	}
	feeCost := s.cfg.SpotFeeRate + s.cfg.PerpFeeRate

	var out []CashCarryOpportunity
	if spotAsk != nil && perpBid != nil && *spotAsk != 0 {
		basis := (*perpBid - *spotAsk) / *spotAsk
		if math.Abs(basis) <= maxAbsBasisRate {
			profit := basis + fundingRate - feeCost
			if profit >= s.cfg.MinProfitRate {
				out = append(out, CashCarryOpportunity{
					StrategyType: "cashcarry",
					Exchange:     s.exchangeID,
					Symbol:       q.symbol,
					Direction:    DirectionLongSpotShortPerp,
					SpotAsk:      spotAsk,
					PerpBid:      perpBid,
					SpotPrice:    *spotAsk,
					PerpPrice:    *perpBid,
					BasisRate:    basis,
					FundingRate:  fundingRate,
					ProfitRate:   profit,
					Timestamp:    nowMS,
				})
			}
		}
	}
	if spotBid != nil && perpAsk != nil && *spotBid != 0 {
		basis := (*perpAsk - *spotBid) / *spotBid
		if math.Abs(basis) <= maxAbsBasisRate {
			profit := -basis - fundingRate - feeCost
			if profit >= s.cfg.MinProfitRate {
				out = append(out, CashCarryOpportunity{
					StrategyType: "cashcarry",
					Exchange:     s.exchangeID,
					Symbol:       q.symbol,
					Direction:    DirectionShortSpotLongPerp,
					SpotBid:      spotBid,
					PerpAsk:      perpAsk,
					SpotPrice:    *spotBid,
					PerpPrice:    *perpAsk,
					BasisRate:    basis,
					FundingRate:  fundingRate,
					ProfitRate:   profit,
					Timestamp:    nowMS,
				})
			}
		}
	}
	return out
}

// scanSymbols starts from the configured USDT pairs and pads the universe
// from the funding and futures-ticker symbol indexes written by the ingestor.
func (s *CashCarry) scanSymbols(ctx context.Context) ([]string, error) {
	symbols := s.appCfg.QuoteSymbols(s.exchangeID, s.quoteCurrency)
	seen := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		seen[symbol] = struct{}{}
	}

	for _, indexKey := range []string{
		kv.SymbolIndexKey("funding", s.exchangeID),
		kv.SymbolIndexKey("ticker_futures", s.exchangeID),
	} {
		if len(symbols) >= 50 {
			break
		}
		indexed, err := s.store.SMembers(ctx, indexKey)
		if err != nil {
			return nil, err
		}
		for _, symbol := range indexed {
			if !strings.HasSuffix(symbol, "/"+s.quoteCurrency) {
				continue
			}
			if _, ok := seen[symbol]; ok {
				continue
			}
			symbols = append(symbols, symbol)
			seen[symbol] = struct{}{}
			if len(symbols) >= 200 {
				return symbols, nil
			}
		}
	}
	return symbols, nil
}

func firstOf(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
