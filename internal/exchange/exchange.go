// Package exchange defines the normalized venue contract. Adapters translate
// venue-specific payloads into these types; everything above this package is
// venue-agnostic.
package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// AccountType distinguishes the spot book from USD-margined perpetuals.
type AccountType string

const (
	AccountSpot AccountType = "spot"
	AccountPerp AccountType = "perp"
)

// Order sides and types use the exchange-normalized lowercase spelling.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Normalized order statuses.
const (
	StatusNew             = "new"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "cancelled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrOrderNotFound  = errors.New("order not found")
)

// Ticker is a normalized 24h ticker snapshot. Nil pointer fields mean the
// venue did not report the value.
type Ticker struct {
	Symbol      string
	Bid         *float64
	Ask         *float64
	Last        *float64
	QuoteVolume *float64
	// Timestamp is the venue timestamp in ms, 0 when unknown.
	Timestamp int64
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook is a depth snapshot, bids descending and asks ascending.
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp int64
}

// FundingRate is a perpetual funding snapshot.
type FundingRate struct {
	Symbol           string
	Rate             *float64
	FundingTimestamp *int64
	Timestamp        int64
	MarkPrice        *float64
	IndexPrice       *float64
}

// OrderRequest is a normalized order submission.
type OrderRequest struct {
	Symbol        string
	AccountType   AccountType
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	ReduceOnly    bool
}

// Trade is one execution belonging to an order.
type Trade struct {
	ID          string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Timestamp   int64
}

// OrderResult is the normalized view of an order as last seen at the venue.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	AccountType     AccountType
	Side            string
	Type            string
	Status          string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	AveragePrice    decimal.Decimal
	Cost            decimal.Decimal
	Trades          []Trade
	Timestamp       int64
}

// Adapter is the venue contract used by the ingestor and the OMS.
type Adapter interface {
	Name() string

	// Markets lists tradable symbols for the account type in normalized
	// "BASE/QUOTE" (spot) or "BASE/QUOTE:SETTLE" (perp) form.
	Markets(ctx context.Context, account AccountType) ([]string, error)

	FetchTickers(ctx context.Context, account AccountType, symbols []string) (map[string]Ticker, error)
	FetchTicker(ctx context.Context, account AccountType, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error)
	FetchFundingRate(ctx context.Context, symbol string) (FundingRate, error)

	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	FetchOrder(ctx context.Context, account AccountType, symbol, exchangeOrderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, account AccountType, symbol, exchangeOrderID string) (OrderResult, error)
}

// IsTerminalStatus reports whether an order can no longer change at the venue.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// NormalizeSymbol strips the settlement suffix from a futures symbol, so
// "BTC/USDT:USDT" and "BTC/USDT" address the same instrument upstream.
func NormalizeSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
