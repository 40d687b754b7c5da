package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/exchange"
)

// Ingestor polls the venue and keeps the KV market-data keys warm. One
// instance serves one exchange.
type Ingestor struct {
	adapter exchange.Adapter
	writer  *Writer
	cfg     config.MarketDataConfig
	appCfg  *config.Config

	exchangeID string

	mu             sync.Mutex
	spotMarkets    []string
	futuresMarkets map[string]struct{}
	lastMetrics    time.Time
}

func NewIngestor(adapter exchange.Adapter, writer *Writer, appCfg *config.Config) *Ingestor {
	return &Ingestor{
		adapter:        adapter,
		writer:         writer,
		cfg:            appCfg.MarketData,
		appCfg:         appCfg,
		exchangeID:     adapter.Name(),
		futuresMarkets: make(map[string]struct{}),
	}
}

// Run blocks until ctx is canceled. Market catalog loading is best-effort:
// a venue that refuses exchangeInfo still gets ticker coverage from the
// configured pair list.
func (in *Ingestor) Run(ctx context.Context) error {
	in.loadMarkets(ctx)

	log.Info().Str("exchange", in.exchangeID).
		Dur("interval", in.cfg.PollInterval).
		Msg("market data ingestor started")

	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := in.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("market data ingest cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (in *Ingestor) loadMarkets(ctx context.Context) {
	spot, err := in.adapter.Markets(ctx, exchange.AccountSpot)
	if err != nil {
		log.Warn().Err(err).Msg("spot market catalog unavailable, continuing without it")
	}
	futures, err := in.adapter.Markets(ctx, exchange.AccountPerp)
	if err != nil {
		log.Warn().Err(err).Msg("futures market catalog unavailable, continuing without it")
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.spotMarkets = spot
	in.futuresMarkets = make(map[string]struct{}, len(futures))
	for _, s := range futures {
		in.futuresMarkets[s] = struct{}{}
	}
}

func (in *Ingestor) runOnce(ctx context.Context) error {
	start := time.Now()

	configSymbols := in.appCfg.ActiveSymbols(in.exchangeID, in.cfg.MaxTickerSymbols)
	spotSymbols := in.spotTickerSymbols(configSymbols)

	spotCount := 0
	if len(spotSymbols) > 0 {
		spotCount = len(spotSymbols)
		tickers := in.fetchSpotTickers(ctx, spotSymbols)
		if len(tickers) > 0 {
			if err := in.writer.WriteSpotTickers(ctx, tickers); err != nil {
				return err
			}
		}

		bookSymbols := configSymbols
		if len(bookSymbols) == 0 {
			bookSymbols = spotSymbols
		}
		if len(bookSymbols) > in.cfg.MaxOrderbookSyms {
			bookSymbols = bookSymbols[:in.cfg.MaxOrderbookSyms]
		}
		in.ingestOrderBooks(ctx, bookSymbols)
	}

	futuresSymbols := in.futuresTickerSymbols(spotSymbols)
	futuresCount := 0
	fundingCount := 0
	if len(futuresSymbols) > 0 {
		futuresCount = len(futuresSymbols)
		tickers := in.fetchFuturesTickers(ctx, futuresSymbols)
		if len(tickers) > 0 {
			if err := in.writer.WriteFuturesTickers(ctx, tickers); err != nil {
				return err
			}
		}

		fundingSymbols := futuresSymbols
		if len(fundingSymbols) > in.cfg.MaxFundingSymbols {
			fundingSymbols = fundingSymbols[:in.cfg.MaxFundingSymbols]
		}
		fundingCount = len(fundingSymbols)
		rates := in.fetchFunding(ctx, fundingSymbols)
		if len(rates) > 0 {
			if err := in.writer.WriteFunding(ctx, rates); err != nil {
				return err
			}
		}
	}

	in.maybeWriteMetrics(ctx, spotCount, futuresCount, fundingCount, time.Since(start))
	return ctx.Err()
}

func (in *Ingestor) spotTickerSymbols(configSymbols []string) []string {
	if !in.cfg.ExpandUSDTMarkets {
		return configSymbols
	}
	in.mu.Lock()
	markets := in.spotMarkets
	in.mu.Unlock()
	if len(markets) == 0 {
		return configSymbols
	}
	var usdt []string
	for _, s := range markets {
		if strings.HasSuffix(s, "/USDT") {
			usdt = append(usdt, s)
		}
	}
	sort.Strings(usdt)
	return mergeSymbolPriority(configSymbols, usdt, in.cfg.MaxTickerSymbols)
}

// fetchSpotTickers tries the batch endpoint first and degrades to bounded
// per-symbol fetches so one bad symbol cannot void the whole cycle.
func (in *Ingestor) fetchSpotTickers(ctx context.Context, symbols []string) map[string]exchange.Ticker {
	tickers, err := in.adapter.FetchTickers(ctx, exchange.AccountSpot, symbols)
	if err == nil && len(tickers) > 0 {
		return tickers
	}
	if err != nil {
		log.Warn().Err(err).Msg("batch ticker fetch failed, degrading to per-symbol fetches")
	}

	out := make(map[string]exchange.Ticker, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.FetchConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			t, err := in.adapter.FetchTicker(gctx, exchange.AccountSpot, symbol)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[symbol] = t
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (in *Ingestor) ingestOrderBooks(ctx context.Context, symbols []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.FetchConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			ob, err := in.adapter.FetchOrderBook(gctx, symbol, in.cfg.OrderbookLimit)
			if err != nil {
				return nil
			}
			if err := in.writer.WriteOrderBook(gctx, symbol, ob, in.cfg.OrderbookLimit); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("failed to write order book")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// futuresTickerSymbols prefers the venue's own perpetual catalog and falls
// back to mapping the spot list when the catalog is unavailable.
func (in *Ingestor) futuresTickerSymbols(spotSymbols []string) []string {
	in.mu.Lock()
	catalog := in.futuresMarkets
	in.mu.Unlock()

	var symbols []string
	if len(catalog) > 0 {
		for s := range catalog {
			if strings.HasSuffix(s, ":USDT") {
				symbols = append(symbols, s)
			}
		}
		sort.Strings(symbols)
	}
	if len(symbols) == 0 {
		for _, s := range spotSymbols {
			if _, ok := catalog[s]; ok {
				symbols = append(symbols, s)
				continue
			}
			if strings.HasSuffix(s, "/USDT") {
				candidate := s + ":USDT"
				if _, ok := catalog[candidate]; ok {
					symbols = append(symbols, candidate)
				} else if len(catalog) == 0 {
					symbols = append(symbols, s)
				}
			}
		}
	}

	var usdt []string
	for _, s := range symbols {
		if strings.Contains(s, "USDT") {
			usdt = append(usdt, s)
		}
	}
	if len(usdt) > in.cfg.MaxFuturesSymbols {
		usdt = usdt[:in.cfg.MaxFuturesSymbols]
	}
	return usdt
}

func (in *Ingestor) fetchFuturesTickers(ctx context.Context, symbols []string) map[string]exchange.Ticker {
	out := make(map[string]exchange.Ticker, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.FetchConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			for _, candidate := range futuresSymbolVariants(symbol) {
				t, err := in.adapter.FetchTicker(gctx, exchange.AccountPerp, candidate)
				if err != nil {
					continue
				}
				mu.Lock()
				out[exchange.NormalizeSymbol(symbol)] = t
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (in *Ingestor) fetchFunding(ctx context.Context, symbols []string) map[string]exchange.FundingRate {
	out := make(map[string]exchange.FundingRate, len(symbols))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.FetchConcurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			for _, candidate := range futuresSymbolVariants(symbol) {
				fr, err := in.adapter.FetchFundingRate(gctx, candidate)
				if err != nil {
					continue
				}
				mu.Lock()
				out[exchange.NormalizeSymbol(symbol)] = fr
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (in *Ingestor) maybeWriteMetrics(ctx context.Context, spot, futures, funding int, elapsed time.Duration) {
	in.mu.Lock()
	if time.Since(in.lastMetrics) < 5*time.Second {
		in.mu.Unlock()
		return
	}
	in.lastMetrics = time.Now()
	in.mu.Unlock()

	err := in.writer.WriteServiceMetrics(ctx, "market_data_service", map[string]string{
		"spot_symbols":    strconv.Itoa(spot),
		"futures_symbols": strconv.Itoa(futures),
		"funding_symbols": strconv.Itoa(funding),
		"last_loop_ms":    fmt.Sprintf("%.1f", float64(elapsed.Microseconds())/1000),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to write ingest metrics")
	}
}

// futuresSymbolVariants yields the symbol spellings tried against the
// futures API, most specific first.
func futuresSymbolVariants(symbol string) []string {
	variants := []string{symbol}
	if normalized := exchange.NormalizeSymbol(symbol); normalized != symbol {
		variants = append(variants, normalized)
	}
	if !strings.Contains(symbol, ":") && strings.HasSuffix(symbol, "/USDT") {
		variants = append(variants, symbol+":USDT")
	}
	return variants
}

func mergeSymbolPriority(primary, fallback []string, limit int) []string {
	seen := make(map[string]struct{}, limit)
	var merged []string
	for _, lists := range [][]string{primary, fallback} {
		for _, s := range lists {
			if _, ok := seen[s]; ok {
				continue
			}
			merged = append(merged, s)
			seen[s] = struct{}{}
			if limit > 0 && len(merged) >= limit {
				return merged
			}
		}
	}
	return merged
}
