package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
)

// Value TTLs. Funding updates every 8h interval, tickers and books go stale
// in seconds.
const (
	spotTickerTTL    = 20 * time.Second
	futuresTickerTTL = 20 * time.Second
	orderBookTTL     = 15 * time.Second
	fundingTTL       = 8 * time.Hour

	staleTickerAge = 15 * time.Second
)

// Writer persists normalized venue snapshots under the shared key layout.
// Both the polling ingestor and the websocket bridge go through it.
type Writer struct {
	store      kv.Store
	exchangeID string
	now        func() time.Time
}

func NewWriter(store kv.Store, exchangeID string) *Writer {
	return &Writer{store: store, exchangeID: exchangeID, now: time.Now}
}

// SetClock replaces the ingest clock. Test-only.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// WriteSpotTickers writes ticker hashes under ticker:{ex}:{sym} and indexes
// the symbols. Tickers with no price at all are skipped.
func (w *Writer) WriteSpotTickers(ctx context.Context, tickers map[string]exchange.Ticker) error {
	return w.writeTickers(ctx, "ticker", tickers, spotTickerTTL)
}

// WriteFuturesTickers writes under ticker_futures:{ex}:{sym}, keyed by the
// normalized symbol so "BTC/USDT:USDT" lands on "BTC/USDT".
func (w *Writer) WriteFuturesTickers(ctx context.Context, tickers map[string]exchange.Ticker) error {
	normalized := make(map[string]exchange.Ticker, len(tickers))
	for symbol, t := range tickers {
		normalized[exchange.NormalizeSymbol(symbol)] = t
	}
	return w.writeTickers(ctx, "ticker_futures", normalized, futuresTickerTTL)
}

func (w *Writer) writeTickers(ctx context.Context, namespace string, tickers map[string]exchange.Ticker, ttl time.Duration) error {
	nowMS := w.now().UnixMilli()
	indexKey := kv.SymbolIndexKey(namespace, w.exchangeID)

	written := 0
	stale := 0
	var maxAge int64
	maxAgeSymbol := ""
	var symbols []string

	for symbol, t := range tickers {
		bid, ask, last := t.Bid, t.Ask, t.Last
		if last != nil {
			if bid == nil {
				bid = last
			}
			if ask == nil {
				ask = last
			}
		}
		if bid == nil && ask == nil && last == nil {
			continue
		}

		exchangeTS := normalizeTimestampMS(t.Timestamp)
		if exchangeTS > 0 {
			if age := nowMS - exchangeTS; age > staleTickerAge.Milliseconds() {
				stale++
				if age > maxAge {
					maxAge = age
					maxAgeSymbol = symbol
				}
			}
		}

		fields := map[string]string{
			"bid":    floatField(bid),
			"ask":    floatField(ask),
			"last":   floatField(last),
			"volume": floatField(t.QuoteVolume),
			// Freshness checks key off the local ingest time; the venue
			// timestamp is kept alongside for diagnostics.
			"timestamp":          strconv.FormatInt(nowMS, 10),
			"exchange_timestamp": intField(exchangeTS),
		}
		key := fmt.Sprintf("%s:%s:%s", namespace, w.exchangeID, symbol)
		if err := w.store.HSet(ctx, key, fields, ttl); err != nil {
			return fmt.Errorf("failed to write ticker %s: %w", symbol, err)
		}
		symbols = append(symbols, symbol)
		written++
	}

	if stale > 0 {
		log.Debug().Int("stale", stale).Int64("max_age_ms", maxAge).
			Str("symbol", maxAgeSymbol).Msg("stale venue tickers ingested")
	}
	if len(symbols) > 0 {
		indexTTL := 6 * ttl
		if indexTTL < time.Minute {
			indexTTL = time.Minute
		}
		if err := w.store.SAdd(ctx, indexKey, symbols, indexTTL); err != nil {
			return fmt.Errorf("failed to index ticker symbols: %w", err)
		}
	}
	return nil
}

// WriteOrderBook replaces the depth snapshot for a symbol.
func (w *Writer) WriteOrderBook(ctx context.Context, symbol string, ob exchange.OrderBook, depth int) error {
	nowMS := strconv.FormatInt(w.now().UnixMilli(), 10)

	bids := make([]kv.Z, 0, depth)
	for i, lvl := range ob.Bids {
		if depth > 0 && i >= depth {
			break
		}
		bids = append(bids, kv.Z{Member: levelMember(lvl), Score: lvl.Price})
	}
	asks := make([]kv.Z, 0, depth)
	for i, lvl := range ob.Asks {
		if depth > 0 && i >= depth {
			break
		}
		asks = append(asks, kv.Z{Member: levelMember(lvl), Score: lvl.Price})
	}

	if err := w.store.ReplaceSortedSet(ctx, kv.OrderBookBidsKey(w.exchangeID, symbol), bids, orderBookTTL); err != nil {
		return fmt.Errorf("failed to write bids %s: %w", symbol, err)
	}
	if err := w.store.ReplaceSortedSet(ctx, kv.OrderBookAsksKey(w.exchangeID, symbol), asks, orderBookTTL); err != nil {
		return fmt.Errorf("failed to write asks %s: %w", symbol, err)
	}
	if err := w.store.Set(ctx, kv.OrderBookTSKey(w.exchangeID, symbol), nowMS, orderBookTTL); err != nil {
		return fmt.Errorf("failed to write order book ts %s: %w", symbol, err)
	}
	indexTTL := 6 * orderBookTTL
	if indexTTL < time.Minute {
		indexTTL = time.Minute
	}
	if err := w.store.SAdd(ctx, kv.SymbolIndexKey("orderbook", w.exchangeID), []string{symbol}, indexTTL); err != nil {
		return fmt.Errorf("failed to index order book symbol %s: %w", symbol, err)
	}
	return nil
}

// WriteFunding writes funding hashes keyed by normalized symbol.
func (w *Writer) WriteFunding(ctx context.Context, rates map[string]exchange.FundingRate) error {
	nowMS := w.now().UnixMilli()
	indexKey := kv.SymbolIndexKey("funding", w.exchangeID)
	var symbols []string

	for symbol, fr := range rates {
		normalized := exchange.NormalizeSymbol(symbol)
		ts := fr.Timestamp
		if ts == 0 {
			ts = nowMS
		}
		fields := map[string]string{
			"rate":      floatField(fr.Rate),
			"next_time": int64PtrField(fr.FundingTimestamp),
			"timestamp": strconv.FormatInt(ts, 10),
			"mark":      floatField(fr.MarkPrice),
			"index":     floatField(fr.IndexPrice),
		}
		if err := w.store.HSet(ctx, kv.FundingKey(w.exchangeID, normalized), fields, fundingTTL); err != nil {
			return fmt.Errorf("failed to write funding %s: %w", normalized, err)
		}
		symbols = append(symbols, normalized)
	}
	if len(symbols) > 0 {
		if err := w.store.SAdd(ctx, indexKey, symbols, 2*fundingTTL); err != nil {
			return fmt.Errorf("failed to index funding symbols: %w", err)
		}
	}
	return nil
}

// WriteServiceMetrics writes a metrics:{service} hash with a 120s TTL.
func (w *Writer) WriteServiceMetrics(ctx context.Context, service string, fields map[string]string) error {
	fields["timestamp_ms"] = strconv.FormatInt(w.now().UnixMilli(), 10)
	return w.store.HSet(ctx, kv.ServiceMetricsKey(service), fields, 120*time.Second)
}

func levelMember(lvl exchange.BookLevel) string {
	return strconv.FormatFloat(lvl.Price, 'f', -1, 64) + ":" + strconv.FormatFloat(lvl.Amount, 'f', -1, 64)
}

func floatField(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func intField(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func int64PtrField(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

// normalizeTimestampMS promotes second-resolution timestamps to ms.
func normalizeTimestampMS(ts int64) int64 {
	if ts == 0 {
		return 0
	}
	if ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}
