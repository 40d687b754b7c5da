// Package binance implements the exchange.Adapter contract against the
// Binance spot and USD-M futures REST APIs.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/inarbit/inarbit/internal/exchange"
)

const (
	spotBaseURL    = "https://api.binance.com"
	futuresBaseURL = "https://fapi.binance.com"

	recvWindowMS = 5000
)

// Adapter talks to Binance REST. Public market data needs no credentials;
// trading calls require an API key pair.
type Adapter struct {
	spot    *resty.Client
	futures *resty.Client
	apiKey  string
	secret  string

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Option mutates the adapter during construction.
type Option func(*Adapter)

// WithBaseURLs overrides the REST endpoints (tests, regional mirrors).
func WithBaseURLs(spotURL, futuresURL string) Option {
	return func(a *Adapter) {
		a.spot.SetBaseURL(spotURL)
		a.futures.SetBaseURL(futuresURL)
	}
}

func New(apiKey, secret string, opts ...Option) *Adapter {
	a := &Adapter{
		spot:    newClient(spotBaseURL),
		futures: newClient(futuresBaseURL),
		apiKey:  apiKey,
		secret:  secret,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "binance",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) client(account exchange.AccountType) *resty.Client {
	if account == exchange.AccountPerp {
		return a.futures
	}
	return a.spot
}

// toVenueSymbol maps "BTC/USDT" or "BTC/USDT:USDT" to "BTCUSDT".
func toVenueSymbol(symbol string) string {
	return strings.ReplaceAll(exchange.NormalizeSymbol(symbol), "/", "")
}

func (a *Adapter) do(ctx context.Context, req *resty.Request, method, path string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire rate limit slot: %w", err)
	}
	body, err := a.breaker.Execute(func() (interface{}, error) {
		resp, err := req.SetContext(ctx).Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("binance %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (a *Adapter) sign(values url.Values) url.Values {
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", strconv.Itoa(recvWindowMS))
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(values.Encode()))
	values.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return values
}

func (a *Adapter) signedRequest(account exchange.AccountType, values url.Values) *resty.Request {
	return a.client(account).R().
		SetHeader("X-MBX-APIKEY", a.apiKey).
		SetQueryParamsFromValues(a.sign(values))
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

func (a *Adapter) Markets(ctx context.Context, account exchange.AccountType) ([]string, error) {
	path := "/api/v3/exchangeInfo"
	if account == exchange.AccountPerp {
		path = "/fapi/v1/exchangeInfo"
	}
	body, err := a.do(ctx, a.client(account).R(), resty.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	var info exchangeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode exchange info: %w", err)
	}
	var out []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if account == exchange.AccountPerp {
			if s.ContractType != "PERPETUAL" {
				continue
			}
			out = append(out, fmt.Sprintf("%s/%s:%s", s.BaseAsset, s.QuoteAsset, s.QuoteAsset))
			continue
		}
		out = append(out, fmt.Sprintf("%s/%s", s.BaseAsset, s.QuoteAsset))
	}
	return out, nil
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	BidPrice    string `json:"bidPrice"`
	AskPrice    string `json:"askPrice"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

func (a *Adapter) FetchTickers(ctx context.Context, account exchange.AccountType, symbols []string) (map[string]exchange.Ticker, error) {
	if account == exchange.AccountPerp {
		// The futures 24h endpoint has no bid/ask, so batch requests walk
		// symbol by symbol through the bookTicker path.
		out := make(map[string]exchange.Ticker, len(symbols))
		for _, symbol := range symbols {
			t, err := a.FetchTicker(ctx, account, symbol)
			if err != nil {
				continue
			}
			out[symbol] = t
		}
		return out, nil
	}

	venueToNormalized := make(map[string]string, len(symbols))
	names := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		venue := toVenueSymbol(symbol)
		venueToNormalized[venue] = symbol
		names = append(names, `"`+venue+`"`)
	}
	req := a.spot.R().SetQueryParam("symbols", "["+strings.Join(names, ",")+"]")
	body, err := a.do(ctx, req, resty.MethodGet, "/api/v3/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tickers: %w", err)
	}
	var raw []ticker24h
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tickers: %w", err)
	}
	out := make(map[string]exchange.Ticker, len(raw))
	for _, t := range raw {
		symbol, ok := venueToNormalized[t.Symbol]
		if !ok {
			continue
		}
		out[symbol] = exchange.Ticker{
			Symbol:      symbol,
			Bid:         parseFloatPtr(t.BidPrice),
			Ask:         parseFloatPtr(t.AskPrice),
			Last:        parseFloatPtr(t.LastPrice),
			QuoteVolume: parseFloatPtr(t.QuoteVolume),
			Timestamp:   t.CloseTime,
		}
	}
	return out, nil
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	Time     int64  `json:"time"`
}

func (a *Adapter) FetchTicker(ctx context.Context, account exchange.AccountType, symbol string) (exchange.Ticker, error) {
	path := "/api/v3/ticker/bookTicker"
	if account == exchange.AccountPerp {
		path = "/fapi/v1/ticker/bookTicker"
	}
	req := a.client(account).R().SetQueryParam("symbol", toVenueSymbol(symbol))
	body, err := a.do(ctx, req, resty.MethodGet, path)
	if err != nil {
		return exchange.Ticker{}, fmt.Errorf("failed to fetch ticker %s: %w", symbol, err)
	}
	var bt bookTicker
	if err := json.Unmarshal(body, &bt); err != nil {
		return exchange.Ticker{}, fmt.Errorf("failed to decode ticker %s: %w", symbol, err)
	}
	t := exchange.Ticker{
		Symbol:    symbol,
		Bid:       parseFloatPtr(bt.BidPrice),
		Ask:       parseFloatPtr(bt.AskPrice),
		Timestamp: bt.Time,
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	return t, nil
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, limit int) (exchange.OrderBook, error) {
	if limit <= 0 {
		limit = 10
	}
	req := a.spot.R().
		SetQueryParam("symbol", toVenueSymbol(symbol)).
		SetQueryParam("limit", strconv.Itoa(limit))
	body, err := a.do(ctx, req, resty.MethodGet, "/api/v3/depth")
	if err != nil {
		return exchange.OrderBook{}, fmt.Errorf("failed to fetch order book %s: %w", symbol, err)
	}
	var raw depthResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return exchange.OrderBook{}, fmt.Errorf("failed to decode order book %s: %w", symbol, err)
	}
	ob := exchange.OrderBook{Symbol: symbol, Timestamp: time.Now().UnixMilli()}
	for _, lvl := range raw.Bids {
		if price, amount, ok := parseLevel(lvl); ok {
			ob.Bids = append(ob.Bids, exchange.BookLevel{Price: price, Amount: amount})
		}
	}
	for _, lvl := range raw.Asks {
		if price, amount, ok := parseLevel(lvl); ok {
			ob.Asks = append(ob.Asks, exchange.BookLevel{Price: price, Amount: amount})
		}
	}
	return ob, nil
}

type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (a *Adapter) FetchFundingRate(ctx context.Context, symbol string) (exchange.FundingRate, error) {
	req := a.futures.R().SetQueryParam("symbol", toVenueSymbol(symbol))
	body, err := a.do(ctx, req, resty.MethodGet, "/fapi/v1/premiumIndex")
	if err != nil {
		return exchange.FundingRate{}, fmt.Errorf("failed to fetch funding rate %s: %w", symbol, err)
	}
	var raw premiumIndexResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return exchange.FundingRate{}, fmt.Errorf("failed to decode funding rate %s: %w", symbol, err)
	}
	fr := exchange.FundingRate{
		Symbol:     symbol,
		Rate:       parseFloatPtr(raw.LastFundingRate),
		Timestamp:  raw.Time,
		MarkPrice:  parseFloatPtr(raw.MarkPrice),
		IndexPrice: parseFloatPtr(raw.IndexPrice),
	}
	if raw.NextFundingTime > 0 {
		next := raw.NextFundingTime
		fr.FundingTimestamp = &next
	}
	return fr, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	CumQuote            string `json:"cumQuote"`
	AvgPrice            string `json:"avgPrice"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		TradeID         int64  `json:"tradeId"`
	} `json:"fills"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	values := url.Values{}
	values.Set("symbol", toVenueSymbol(req.Symbol))
	values.Set("side", strings.ToUpper(req.Side))
	values.Set("type", strings.ToUpper(req.Type))
	values.Set("quantity", req.Quantity.String())
	if req.Type == exchange.TypeLimit {
		values.Set("price", req.Price.String())
		values.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		values.Set("newClientOrderId", req.ClientOrderID)
	}
	path := "/api/v3/order"
	if req.AccountType == exchange.AccountPerp {
		path = "/fapi/v1/order"
		if req.ReduceOnly {
			values.Set("reduceOnly", "true")
		}
	} else {
		values.Set("newOrderRespType", "FULL")
	}
	body, err := a.do(ctx, a.signedRequest(req.AccountType, values), resty.MethodPost, path)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("failed to create order %s %s: %w", req.Side, req.Symbol, err)
	}
	return a.decodeOrder(body, req.Symbol, req.AccountType)
}

func (a *Adapter) FetchOrder(ctx context.Context, account exchange.AccountType, symbol, exchangeOrderID string) (exchange.OrderResult, error) {
	values := url.Values{}
	values.Set("symbol", toVenueSymbol(symbol))
	values.Set("orderId", exchangeOrderID)
	path := "/api/v3/order"
	if account == exchange.AccountPerp {
		path = "/fapi/v1/order"
	}
	body, err := a.do(ctx, a.signedRequest(account, values), resty.MethodGet, path)
	if err != nil {
		if strings.Contains(err.Error(), "-2013") {
			return exchange.OrderResult{}, exchange.ErrOrderNotFound
		}
		return exchange.OrderResult{}, fmt.Errorf("failed to fetch order %s: %w", exchangeOrderID, err)
	}
	result, err := a.decodeOrder(body, symbol, account)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	trades, err := a.fetchOrderTrades(ctx, account, symbol, exchangeOrderID)
	if err != nil {
		log.Warn().Err(err).Str("order", exchangeOrderID).Msg("failed to fetch order trades")
	} else {
		result.Trades = trades
	}
	return result, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, account exchange.AccountType, symbol, exchangeOrderID string) (exchange.OrderResult, error) {
	values := url.Values{}
	values.Set("symbol", toVenueSymbol(symbol))
	values.Set("orderId", exchangeOrderID)
	path := "/api/v3/order"
	if account == exchange.AccountPerp {
		path = "/fapi/v1/order"
	}
	body, err := a.do(ctx, a.signedRequest(account, values), resty.MethodDelete, path)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("failed to cancel order %s: %w", exchangeOrderID, err)
	}
	return a.decodeOrder(body, symbol, account)
}

type userTrade struct {
	ID              int64  `json:"id"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

func (a *Adapter) fetchOrderTrades(ctx context.Context, account exchange.AccountType, symbol, exchangeOrderID string) ([]exchange.Trade, error) {
	values := url.Values{}
	values.Set("symbol", toVenueSymbol(symbol))
	values.Set("orderId", exchangeOrderID)
	path := "/api/v3/myTrades"
	if account == exchange.AccountPerp {
		path = "/fapi/v1/userTrades"
	}
	body, err := a.do(ctx, a.signedRequest(account, values), resty.MethodGet, path)
	if err != nil {
		return nil, err
	}
	var raw []userTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode trades for order %s: %w", exchangeOrderID, err)
	}
	trades := make([]exchange.Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, exchange.Trade{
			ID:          strconv.FormatInt(t.ID, 10),
			Price:       parseDecimal(t.Price),
			Quantity:    parseDecimal(t.Qty),
			Fee:         parseDecimal(t.Commission),
			FeeCurrency: t.CommissionAsset,
			Timestamp:   t.Time,
		})
	}
	return trades, nil
}

func (a *Adapter) decodeOrder(body []byte, symbol string, account exchange.AccountType) (exchange.OrderResult, error) {
	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("failed to decode order response: %w", err)
	}
	result := exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID:   raw.ClientOrderID,
		Symbol:          symbol,
		AccountType:     account,
		Side:            strings.ToLower(raw.Side),
		Type:            strings.ToLower(raw.Type),
		Status:          mapStatus(raw.Status),
		Price:           parseDecimal(raw.Price),
		Quantity:        parseDecimal(raw.OrigQty),
		FilledQuantity:  parseDecimal(raw.ExecutedQty),
		Timestamp:       raw.UpdateTime,
	}
	if result.Timestamp == 0 {
		result.Timestamp = raw.TransactTime
	}
	cost := raw.CummulativeQuoteQty
	if cost == "" {
		cost = raw.CumQuote
	}
	result.Cost = parseDecimal(cost)
	if raw.AvgPrice != "" {
		result.AveragePrice = parseDecimal(raw.AvgPrice)
	} else if result.FilledQuantity.IsPositive() && result.Cost.IsPositive() {
		result.AveragePrice = result.Cost.DivRound(result.FilledQuantity, 12)
	}
	for _, f := range raw.Fills {
		result.Trades = append(result.Trades, exchange.Trade{
			ID:          strconv.FormatInt(f.TradeID, 10),
			Price:       parseDecimal(f.Price),
			Quantity:    parseDecimal(f.Qty),
			Fee:         parseDecimal(f.Commission),
			FeeCurrency: f.CommissionAsset,
			Timestamp:   result.Timestamp,
		})
	}
	return result, nil
}

func mapStatus(status string) string {
	switch status {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartiallyFilled
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	}
	return strings.ToLower(status)
}

func parseFloatPtr(s string) *float64 {
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

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseLevel(lvl [2]string) (price, amount float64, ok bool) {
	price, err := strconv.ParseFloat(lvl[0], 64)
	if err != nil {
		return 0, 0, false
	}
	amount, err = strconv.ParseFloat(lvl[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return price, amount, true
}

var _ exchange.Adapter = (*Adapter)(nil)
