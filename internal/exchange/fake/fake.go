// Package fake is a scripted in-memory venue for tests: canned market data,
// a deterministic order lifecycle and per-operation error injection.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
)

type Adapter struct {
	mu sync.Mutex

	name    string
	markets map[exchange.AccountType][]string
	tickers map[string]exchange.Ticker
	books   map[string]exchange.OrderBook
	funding map[string]exchange.FundingRate

	orders     map[string]*exchange.OrderResult
	orderSeq   int64
	tradeSeq   int64
	feeRate    decimal.Decimal
	fillOrders bool

	errs map[string]error
}

func New() *Adapter {
	return &Adapter{
		name:       "fake",
		markets:    make(map[exchange.AccountType][]string),
		tickers:    make(map[string]exchange.Ticker),
		books:      make(map[string]exchange.OrderBook),
		funding:    make(map[string]exchange.FundingRate),
		orders:     make(map[string]*exchange.OrderResult),
		feeRate:    decimal.NewFromFloat(0.001),
		fillOrders: false,
		errs:       make(map[string]error),
	}
}

func key(account exchange.AccountType, symbol string) string {
	return string(account) + ":" + exchange.NormalizeSymbol(symbol)
}

func (a *Adapter) Name() string { return a.name }

// SetMarkets scripts the Markets response for an account type.
func (a *Adapter) SetMarkets(account exchange.AccountType, symbols []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markets[account] = symbols
}

func (a *Adapter) SetTicker(account exchange.AccountType, t exchange.Ticker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickers[key(account, t.Symbol)] = t
}

func (a *Adapter) SetOrderBook(ob exchange.OrderBook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.books[ob.Symbol] = ob
}

func (a *Adapter) SetFunding(fr exchange.FundingRate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funding[exchange.NormalizeSymbol(fr.Symbol)] = fr
}

// SetFillOrders controls whether new orders fill immediately or rest as
// "new" until a test advances them. Orders rest by default.
func (a *Adapter) SetFillOrders(fill bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillOrders = fill
}

// FailWith injects an error for an operation name ("create", "fetch",
// "cancel", "tickers", "book", "funding", "markets"); nil clears it.
func (a *Adapter) FailWith(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.errs, op)
		return
	}
	a.errs[op] = err
}

// AdvanceOrder mutates a stored order's status and fill state, appending a
// synthetic trade when filled quantity grows.
func (a *Adapter) AdvanceOrder(exchangeOrderID, status string, filled, avgPrice decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[exchangeOrderID]
	if !ok {
		return
	}
	if filled.GreaterThan(o.FilledQuantity) {
		delta := filled.Sub(o.FilledQuantity)
		a.tradeSeq++
		o.Trades = append(o.Trades, exchange.Trade{
			ID:          strconv.FormatInt(a.tradeSeq, 10),
			Price:       avgPrice,
			Quantity:    delta,
			Fee:         avgPrice.Mul(delta).Mul(a.feeRate),
			FeeCurrency: "USDT",
			Timestamp:   time.Now().UnixMilli(),
		})
	}
	o.Status = status
	o.FilledQuantity = filled
	o.AveragePrice = avgPrice
	o.Cost = avgPrice.Mul(filled)
}

// Orders returns a copy of all orders seen so far, in creation order.
func (a *Adapter) Orders() []exchange.OrderResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]exchange.OrderResult, 0, len(a.orders))
	for i := int64(1); i <= a.orderSeq; i++ {
		if o, ok := a.orders[strconv.FormatInt(i, 10)]; ok {
			out = append(out, *o)
		}
	}
	return out
}

func (a *Adapter) Markets(_ context.Context, account exchange.AccountType) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["markets"]; err != nil {
		return nil, err
	}
	return append([]string(nil), a.markets[account]...), nil
}

func (a *Adapter) FetchTickers(ctx context.Context, account exchange.AccountType, symbols []string) (map[string]exchange.Ticker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["tickers"]; err != nil {
		return nil, err
	}
	out := make(map[string]exchange.Ticker)
	for _, symbol := range symbols {
		if t, ok := a.tickers[key(account, symbol)]; ok {
			out[symbol] = t
		}
	}
	return out, nil
}

func (a *Adapter) FetchTicker(_ context.Context, account exchange.AccountType, symbol string) (exchange.Ticker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["tickers"]; err != nil {
		return exchange.Ticker{}, err
	}
	t, ok := a.tickers[key(account, symbol)]
	if !ok {
		return exchange.Ticker{}, exchange.ErrSymbolNotFound
	}
	return t, nil
}

func (a *Adapter) FetchOrderBook(_ context.Context, symbol string, _ int) (exchange.OrderBook, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["book"]; err != nil {
		return exchange.OrderBook{}, err
	}
	ob, ok := a.books[symbol]
	if !ok {
		return exchange.OrderBook{}, exchange.ErrSymbolNotFound
	}
	return ob, nil
}

func (a *Adapter) FetchFundingRate(_ context.Context, symbol string) (exchange.FundingRate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["funding"]; err != nil {
		return exchange.FundingRate{}, err
	}
	fr, ok := a.funding[exchange.NormalizeSymbol(symbol)]
	if !ok {
		return exchange.FundingRate{}, exchange.ErrSymbolNotFound
	}
	return fr, nil
}

func (a *Adapter) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["create"]; err != nil {
		return exchange.OrderResult{}, err
	}

	price := req.Price
	if price.IsZero() {
		if t, ok := a.tickers[key(req.AccountType, req.Symbol)]; ok {
			ref := t.Last
			if req.Side == exchange.SideBuy && t.Ask != nil {
				ref = t.Ask
			} else if req.Side == exchange.SideSell && t.Bid != nil {
				ref = t.Bid
			}
			if ref != nil {
				price = decimal.NewFromFloat(*ref)
			}
		}
	}
	if price.IsZero() {
		return exchange.OrderResult{}, fmt.Errorf("no price available for %s", req.Symbol)
	}

	a.orderSeq++
	id := strconv.FormatInt(a.orderSeq, 10)
	now := time.Now().UnixMilli()
	order := &exchange.OrderResult{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		AccountType:     req.AccountType,
		Side:            req.Side,
		Type:            req.Type,
		Status:          exchange.StatusNew,
		Price:           price,
		Quantity:        req.Quantity,
		Timestamp:       now,
	}
	if a.fillOrders {
		a.tradeSeq++
		order.Status = exchange.StatusFilled
		order.FilledQuantity = req.Quantity
		order.AveragePrice = price
		order.Cost = price.Mul(req.Quantity)
		order.Trades = []exchange.Trade{{
			ID:          strconv.FormatInt(a.tradeSeq, 10),
			Price:       price,
			Quantity:    req.Quantity,
			Fee:         order.Cost.Mul(a.feeRate),
			FeeCurrency: "USDT",
			Timestamp:   now,
		}}
	}
	a.orders[id] = order
	return *order, nil
}

func (a *Adapter) FetchOrder(_ context.Context, _ exchange.AccountType, _, exchangeOrderID string) (exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["fetch"]; err != nil {
		return exchange.OrderResult{}, err
	}
	o, ok := a.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderResult{}, exchange.ErrOrderNotFound
	}
	return *o, nil
}

func (a *Adapter) CancelOrder(_ context.Context, _ exchange.AccountType, _, exchangeOrderID string) (exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs["cancel"]; err != nil {
		return exchange.OrderResult{}, err
	}
	o, ok := a.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderResult{}, exchange.ErrOrderNotFound
	}
	if !exchange.IsTerminalStatus(o.Status) {
		o.Status = exchange.StatusCanceled
	}
	return *o, nil
}

var _ exchange.Adapter = (*Adapter)(nil)
