// Package marketdata owns both sides of the hot market-data path: the
// ingestor writes normalized venue snapshots into the KV store and the
// repository reads them back with a short in-process memo cache.
package marketdata

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
)

// BestBidAsk is the flattened ticker view. Nil fields mean "no data"; readers
// are expected to fall through to their own defaults.
type BestBidAsk struct {
	Bid       *float64
	Ask       *float64
	Last      *float64
	Volume    *float64
	Timestamp *int64
}

// OrderBookTOB is the top of book taken from the depth snapshot keys.
type OrderBookTOB struct {
	BestBidPrice  *float64
	BestBidAmount *float64
	BestAskPrice  *float64
	BestAskAmount *float64
	TimestampMS   *int64
}

type FundingInfo struct {
	Rate      *float64
	NextTime  *int64
	Timestamp *int64
	Mark      *float64
	Index     *float64
}

type bbaCacheKey struct {
	exchange, symbol string
	account          exchange.AccountType
}

type symCacheKey struct {
	exchange, symbol string
}

type cacheEntry[T any] struct {
	at    time.Time
	value T
}

// Repository reads tickers, book tops and funding with a TTL memo cache in
// front of the KV store. The cache is cleared wholesale when it reaches the
// item cap; entries are tiny and a full rebuild costs one KV round trip each.
type Repository struct {
	store    kv.Store
	ttl      time.Duration
	maxItems int
	now      func() time.Time

	mu      sync.Mutex
	bba     map[bbaCacheKey]cacheEntry[BestBidAsk]
	tob     map[symCacheKey]cacheEntry[OrderBookTOB]
	funding map[symCacheKey]cacheEntry[FundingInfo]
}

func NewRepository(store kv.Store, ttl time.Duration, maxItems int) *Repository {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	if maxItems <= 0 {
		maxItems = 2000
	}
	return &Repository{
		store:    store,
		ttl:      ttl,
		maxItems: maxItems,
		now:      time.Now,
		bba:      make(map[bbaCacheKey]cacheEntry[BestBidAsk]),
		tob:      make(map[symCacheKey]cacheEntry[OrderBookTOB]),
		funding:  make(map[symCacheKey]cacheEntry[FundingInfo]),
	}
}

// SetClock replaces the cache clock. Test-only.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// BestBidAsk reads the spot or perp ticker hash. A perp symbol with no
// ticker at all falls back to the funding mark (then index) price so that
// basis math can still run between funding updates.
func (r *Repository) BestBidAsk(ctx context.Context, exchangeID, symbol string, account exchange.AccountType) (BestBidAsk, error) {
	ck := bbaCacheKey{exchange: exchangeID, symbol: symbol, account: account}
	r.mu.Lock()
	if e, ok := r.bba[ck]; ok && r.now().Sub(e.at) <= r.ttl {
		r.mu.Unlock()
		return e.value, nil
	}
	r.mu.Unlock()

	var data, fundingData map[string]string
	var err error
	if account == exchange.AccountPerp {
		data, err = r.store.HGetAll(ctx, kv.FuturesTickerKey(exchangeID, symbol))
		if err != nil {
			return BestBidAsk{}, err
		}
		fundingData, err = r.store.HGetAll(ctx, kv.FundingKey(exchangeID, symbol))
		if err != nil {
			return BestBidAsk{}, err
		}
	} else {
		data, err = r.store.HGetAll(ctx, kv.TickerKey(exchangeID, symbol))
		if err != nil {
			return BestBidAsk{}, err
		}
	}

	result := BestBidAsk{
		Bid:       parseFloat(data["bid"]),
		Ask:       parseFloat(data["ask"]),
		Last:      parseFloat(data["last"]),
		Volume:    parseFloat(data["volume"]),
		Timestamp: parseInt(data["timestamp"]),
	}

	if account == exchange.AccountPerp && result.Bid == nil && result.Ask == nil && result.Last == nil {
		ref := parseFloat(fundingData["mark"])
		if ref == nil {
			ref = parseFloat(fundingData["index"])
		}
		result.Timestamp = parseInt(fundingData["timestamp"])
		if ref != nil {
			result.Bid = ref
			result.Ask = ref
			result.Last = ref
		}
	}

	r.mu.Lock()
	if len(r.bba) >= r.maxItems {
		r.bba = make(map[bbaCacheKey]cacheEntry[BestBidAsk])
	}
	r.bba[ck] = cacheEntry[BestBidAsk]{at: r.now(), value: result}
	r.mu.Unlock()
	return result, nil
}

// OrderBookTOB reads the top depth level of each side. When both sides are
// missing the spot ticker hash serves as a degraded top of book.
func (r *Repository) OrderBookTOB(ctx context.Context, exchangeID, symbol string) (OrderBookTOB, error) {
	ck := symCacheKey{exchange: exchangeID, symbol: symbol}
	r.mu.Lock()
	if e, ok := r.tob[ck]; ok && r.now().Sub(e.at) <= r.ttl {
		r.mu.Unlock()
		return e.value, nil
	}
	r.mu.Unlock()

	bids, err := r.store.ZRevRangeWithScores(ctx, kv.OrderBookBidsKey(exchangeID, symbol), 0, 0)
	if err != nil {
		return OrderBookTOB{}, err
	}
	asks, err := r.store.ZRangeWithScores(ctx, kv.OrderBookAsksKey(exchangeID, symbol), 0, 0)
	if err != nil {
		return OrderBookTOB{}, err
	}
	ts, _, err := r.store.Get(ctx, kv.OrderBookTSKey(exchangeID, symbol))
	if err != nil {
		return OrderBookTOB{}, err
	}

	var result OrderBookTOB
	if len(bids) > 0 {
		result.BestBidPrice, result.BestBidAmount = parsePriceAmount(bids[0].Member)
	}
	if len(asks) > 0 {
		result.BestAskPrice, result.BestAskAmount = parsePriceAmount(asks[0].Member)
	}
	if result.BestBidPrice == nil && result.BestAskPrice == nil {
		ticker, err := r.store.HGetAll(ctx, kv.TickerKey(exchangeID, symbol))
		if err != nil {
			return OrderBookTOB{}, err
		}
		result.BestBidPrice = parseFloat(ticker["bid"])
		result.BestAskPrice = parseFloat(ticker["ask"])
		if ts == "" {
			ts = ticker["timestamp"]
		}
	}
	result.TimestampMS = parseInt(ts)

	r.mu.Lock()
	if len(r.tob) >= r.maxItems {
		r.tob = make(map[symCacheKey]cacheEntry[OrderBookTOB])
	}
	r.tob[ck] = cacheEntry[OrderBookTOB]{at: r.now(), value: result}
	r.mu.Unlock()
	return result, nil
}

func (r *Repository) Funding(ctx context.Context, exchangeID, symbol string) (FundingInfo, error) {
	ck := symCacheKey{exchange: exchangeID, symbol: symbol}
	r.mu.Lock()
	if e, ok := r.funding[ck]; ok && r.now().Sub(e.at) <= r.ttl {
		r.mu.Unlock()
		return e.value, nil
	}
	r.mu.Unlock()

	data, err := r.store.HGetAll(ctx, kv.FundingKey(exchangeID, symbol))
	if err != nil {
		return FundingInfo{}, err
	}
	result := FundingInfo{
		Rate:      parseFloat(data["rate"]),
		NextTime:  parseInt(data["next_time"]),
		Timestamp: parseInt(data["timestamp"]),
		Mark:      parseFloat(data["mark"]),
		Index:     parseFloat(data["index"]),
	}

	r.mu.Lock()
	if len(r.funding) >= r.maxItems {
		r.funding = make(map[symCacheKey]cacheEntry[FundingInfo])
	}
	r.funding[ck] = cacheEntry[FundingInfo]{at: r.now(), value: result}
	r.mu.Unlock()
	return result, nil
}

// parseFloat returns nil for empty or malformed values; readers treat nil as
// "field absent", never as zero.
func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseInt(s string) *int64 {
	f := parseFloat(s)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

// parsePriceAmount splits a "price:amount" sorted-set member. A malformed
// member nils only the level it came from.
func parsePriceAmount(member string) (*float64, *float64) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	return parseFloat(parts[0]), parseFloat(parts[1])
}
