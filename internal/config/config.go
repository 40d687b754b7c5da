// Package config centralizes runtime configuration: environment knobs for
// every service loop plus an optional YAML file for pair/exchange lists.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration assembled from the environment.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	ExchangeProvider string
	BinanceAPIKey    string
	BinanceSecret    string

	EnableLiveOMS bool

	MarketData MarketDataConfig
	Triangular TriangularConfig
	CashCarry  CashCarryConfig
	Regime     RegimeConfig
	Decision   DecisionConfig
	OMS        OMSConfig
	Ops        OpsConfig

	Pairs []Pair
}

// MarketDataConfig tunes the ingestor and the read-side repository.
type MarketDataConfig struct {
	PollInterval       time.Duration
	Stream             bool
	MaxTickerSymbols   int
	ExpandUSDTMarkets  bool
	MaxOrderbookSyms   int
	MaxFuturesSymbols  int
	MaxFundingSymbols  int
	OrderbookLimit     int
	FetchConcurrency   int
	CacheTTL           time.Duration
	CacheMaxItems      int
	SetupRetryInterval time.Duration
}

type TriangularConfig struct {
	RefreshInterval  time.Duration
	MinProfitRate    float64
	FeeRate          float64
	TTL              time.Duration
	MaxOpportunity   int
	FetchConcurrency int
}

type CashCarryConfig struct {
	RefreshInterval  time.Duration
	MinProfitRate    float64
	SpotFeeRate      float64
	PerpFeeRate      float64
	FundingHorizon   int
	TTL              time.Duration
	MaxOpportunity   int
	FetchConcurrency int
}

type RegimeConfig struct {
	RefreshInterval time.Duration
	MinPoints       int
	TrendThreshold  float64
	VolHigh         float64
	VolStress       float64
	SpreadStress    float64
	MaxDataAge      time.Duration
	SymbolLimit     int
	WindowSize      int
}

type DecisionConfig struct {
	RefreshInterval     time.Duration
	AutoOverlayInterval time.Duration
	RoutingCacheTTL     time.Duration
	TTL                 time.Duration
}

type OMSConfig struct {
	DedupeTTL time.Duration
	FeeRate   float64

	PostExecPollEnabled  bool
	PostExecPollAttempts int
	PostExecPollInterval time.Duration

	ReconcileDefaultMaxRounds int
	ReconcileDefaultInterval  time.Duration
	ReconcileDefaultMaxAge    time.Duration
	ReconcileAutoCancel       bool

	FailureCompensateCancel bool
}

// OpsConfig tunes the operational HTTP server (health, status, metrics).
type OpsConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Pair is one tradable instrument from the pairs file.
type Pair struct {
	Symbol             string   `yaml:"symbol"`
	Base               string   `yaml:"base"`
	Quote              string   `yaml:"quote"`
	IsActive           bool     `yaml:"is_active"`
	SupportedExchanges []string `yaml:"supported_exchanges"`
}

type pairsFile struct {
	Pairs []Pair `yaml:"pairs"`
}

// DefaultPairs is the fallback instrument list used when no pairs file is
// configured. The cross pairs at the end feed the triangular scanner.
func DefaultPairs() []Pair {
	return []Pair{
		{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance", "okx", "bybit", "gate"}},
		{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance", "okx", "bybit", "gate"}},
		{Symbol: "BNB/USDT", Base: "BNB", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance"}},
		{Symbol: "SOL/USDT", Base: "SOL", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance", "okx", "bybit"}},
		{Symbol: "XRP/USDT", Base: "XRP", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance", "okx", "bybit", "gate"}},
		{Symbol: "DOGE/USDT", Base: "DOGE", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance", "okx"}},
		{Symbol: "ADA/USDT", Base: "ADA", Quote: "USDT", IsActive: true, SupportedExchanges: []string{"binance"}},
		{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", IsActive: true, SupportedExchanges: []string{"binance"}},
		{Symbol: "SOL/BTC", Base: "SOL", Quote: "BTC", IsActive: true, SupportedExchanges: []string{"binance"}},
		{Symbol: "BNB/BTC", Base: "BNB", Quote: "BTC", IsActive: true, SupportedExchanges: []string{"binance"}},
	}
}

// Load reads the environment and, when INARBIT_PAIRS_FILE points at a YAML
// file, the pair list. Missing values fall back to defaults; a malformed
// pairs file is an error, a missing one is not.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:     envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envString("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		PostgresDSN: envString("POSTGRES_DSN", "postgres://localhost:5432/inarbit?sslmode=disable"),

		ExchangeProvider: strings.ToLower(envString("EXCHANGE_PROVIDER", "binance")),
		BinanceAPIKey:    envString("BINANCE_API_KEY", ""),
		BinanceSecret:    envString("BINANCE_API_SECRET", ""),

		EnableLiveOMS: envBool("INARBIT_ENABLE_LIVE_OMS", false),

		MarketData: MarketDataConfig{
			PollInterval:       envSeconds("MARKETDATA_POLL_INTERVAL", time.Second),
			Stream:             envBool("MARKETDATA_STREAM", false),
			MaxTickerSymbols:   envInt("MARKETDATA_MAX_TICKER_SYMBOLS", 200),
			ExpandUSDTMarkets:  envBool("MARKETDATA_EXPAND_USDT_MARKETS", false),
			MaxOrderbookSyms:   envInt("MARKETDATA_MAX_ORDERBOOK_SYMBOLS", 5),
			MaxFuturesSymbols:  envInt("MARKETDATA_MAX_FUTURES_SYMBOLS", 120),
			MaxFundingSymbols:  envInt("MARKETDATA_MAX_FUNDING_SYMBOLS", 80),
			OrderbookLimit:     envInt("MARKETDATA_ORDERBOOK_LIMIT", 10),
			FetchConcurrency:   envInt("MARKETDATA_FETCH_CONCURRENCY", 10),
			CacheTTL:           envMillis("MARKETDATA_CACHE_TTL_MS", 500*time.Millisecond),
			CacheMaxItems:      envInt("MARKETDATA_CACHE_MAX_ITEMS", 2000),
			SetupRetryInterval: envSeconds("MARKETDATA_SETUP_RETRY_INTERVAL", 5*time.Second),
		},

		Triangular: TriangularConfig{
			RefreshInterval:  envSeconds("TRIANGULAR_REFRESH_INTERVAL", 2*time.Second),
			MinProfitRate:    envFloat("TRIANGULAR_MIN_PROFIT", 0.001),
			FeeRate:          envFloat("TRIANGULAR_FEE_RATE", 0.0004),
			TTL:              10 * time.Second,
			MaxOpportunity:   50,
			FetchConcurrency: envInt("TRIANGULAR_CONCURRENCY", 50),
		},

		CashCarry: CashCarryConfig{
			RefreshInterval:  envSeconds("CASHCARRY_REFRESH_INTERVAL", 2*time.Second),
			MinProfitRate:    envFloat("CASHCARRY_MIN_PROFIT", 0.001),
			SpotFeeRate:      envFloat("CASHCARRY_SPOT_FEE_RATE", 0.0004),
			PerpFeeRate:      envFloat("CASHCARRY_PERP_FEE_RATE", 0.0004),
			FundingHorizon:   envInt("CASHCARRY_FUNDING_HORIZON", 3),
			TTL:              10 * time.Second,
			MaxOpportunity:   50,
			FetchConcurrency: envInt("CASHCARRY_CONCURRENCY", 50),
		},

		Regime: RegimeConfig{
			RefreshInterval: envMillis("MARKET_REGIME_REFRESH_MS", 2000*time.Millisecond),
			MinPoints:       envInt("MARKET_REGIME_MIN_POINTS", 5),
			TrendThreshold:  envFloat("MARKET_REGIME_TREND_THRESHOLD", 0.01),
			VolHigh:         envFloat("MARKET_REGIME_VOL_HIGH", 0.008),
			VolStress:       envFloat("MARKET_REGIME_VOL_STRESS", 0.02),
			SpreadStress:    envFloat("MARKET_REGIME_SPREAD_STRESS", 0.004),
			MaxDataAge:      envMillis("MARKET_REGIME_MAX_DATA_AGE_MS", 15*time.Second),
			SymbolLimit:     envInt("MARKET_REGIME_SYMBOL_LIMIT", 8),
			WindowSize:      envInt("MARKET_REGIME_WINDOW_SIZE", 60),
		},

		Decision: DecisionConfig{
			RefreshInterval:     envSeconds("DECISION_REFRESH_INTERVAL", 2*time.Second),
			AutoOverlayInterval: envMillis("DECISION_AUTO_OVERLAY_INTERVAL_MS", 2000*time.Millisecond),
			RoutingCacheTTL:     envMillis("DECISION_ROUTING_CACHE_TTL_MS", 10*time.Second),
			TTL:                 10 * time.Second,
		},

		OMS: OMSConfig{
			DedupeTTL:                 envSeconds("OMS_DEDUPE_TTL", 60*time.Second),
			FeeRate:                   envFloat("OMS_FEE_RATE", 0.0004),
			PostExecPollEnabled:       envBool("OMS_POST_EXEC_POLL_ENABLED", true),
			PostExecPollAttempts:      envInt("OMS_POST_EXEC_POLL_ATTEMPTS", 3),
			PostExecPollInterval:      envSeconds("OMS_POST_EXEC_POLL_INTERVAL", 2*time.Second),
			ReconcileDefaultMaxRounds: envInt("OMS_RECONCILE_DEFAULT_MAX_ROUNDS", 10),
			ReconcileDefaultInterval:  envSeconds("OMS_RECONCILE_DEFAULT_INTERVAL", 2*time.Second),
			ReconcileDefaultMaxAge:    envSeconds("OMS_RECONCILE_DEFAULT_MAX_AGE", 600*time.Second),
			ReconcileAutoCancel:       envBool("OMS_RECONCILE_AUTO_CANCEL", false),
			FailureCompensateCancel:   envBool("OMS_FAILURE_COMPENSATE_CANCEL_ENABLED", true),
		},

		Ops: OpsConfig{
			Host:           envString("OPS_HTTP_HOST", "127.0.0.1"),
			Port:           envInt("OPS_HTTP_PORT", 8080),
			ReadTimeout:    envSeconds("OPS_HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   envSeconds("OPS_HTTP_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    envSeconds("OPS_HTTP_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: envSeconds("OPS_HTTP_REQUEST_TIMEOUT", 5*time.Second),
		},

		Pairs: DefaultPairs(),
	}

	if path := os.Getenv("INARBIT_PAIRS_FILE"); path != "" {
		pairs, err := LoadPairsFile(path)
		if err != nil {
			return nil, err
		}
		if len(pairs) > 0 {
			cfg.Pairs = pairs
		}
	}
	return cfg, nil
}

// LoadPairsFile parses a YAML pairs file.
func LoadPairsFile(path string) ([]Pair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairs file %s: %w", path, err)
	}
	var pf pairsFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pairs file %s: %w", path, err)
	}
	for i := range pf.Pairs {
		p := &pf.Pairs[i]
		if p.Base == "" || p.Quote == "" {
			base, quote, ok := SplitSymbol(p.Symbol)
			if !ok {
				return nil, fmt.Errorf("pairs file %s: invalid symbol %q", path, p.Symbol)
			}
			p.Base, p.Quote = base, quote
		}
	}
	return pf.Pairs, nil
}

// ActiveSymbols returns the sorted active symbols supported on the exchange,
// capped at limit.
func (c *Config) ActiveSymbols(exchange string, limit int) []string {
	var out []string
	for _, p := range c.Pairs {
		if !p.IsActive {
			continue
		}
		if len(p.SupportedExchanges) > 0 && !contains(p.SupportedExchanges, exchange) {
			continue
		}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// QuoteSymbols returns active symbols quoted in the given currency.
func (c *Config) QuoteSymbols(exchange, quote string) []string {
	var out []string
	for _, p := range c.Pairs {
		if !p.IsActive || p.Quote != quote {
			continue
		}
		if len(p.SupportedExchanges) > 0 && !contains(p.SupportedExchanges, exchange) {
			continue
		}
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// SplitSymbol splits "BTC/USDT" into base and quote.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

// envSeconds parses a float number of seconds.
func envSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// envMillis parses an integer number of milliseconds.
func envMillis(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
