package kv

import "fmt"

// Key layout shared by the ingestor (writer) and every reader. Keeping the
// builders in one place is what makes the layout a contract rather than a
// convention.
const (
	TriangularOpportunitiesKey = "opportunities:triangular"
	CashCarryOpportunitiesKey  = "opportunities:cashcarry"
	LatestDecisionsKey         = "decisions:latest"

	HumanConstraintsKey     = "decision:constraints:human"
	AutoConstraintsKey      = "decision:constraints:auto"
	EffectiveConstraintsKey = "decision:constraints:effective"
)

func TickerKey(exchange, symbol string) string {
	return fmt.Sprintf("ticker:%s:%s", exchange, symbol)
}

func FuturesTickerKey(exchange, symbol string) string {
	return fmt.Sprintf("ticker_futures:%s:%s", exchange, symbol)
}

func FundingKey(exchange, symbol string) string {
	return fmt.Sprintf("funding:%s:%s", exchange, symbol)
}

func OrderBookBidsKey(exchange, symbol string) string {
	return fmt.Sprintf("orderbook:%s:%s:bids", exchange, symbol)
}

func OrderBookAsksKey(exchange, symbol string) string {
	return fmt.Sprintf("orderbook:%s:%s:asks", exchange, symbol)
}

func OrderBookTSKey(exchange, symbol string) string {
	return fmt.Sprintf("orderbook:%s:%s:ts", exchange, symbol)
}

// Symbol index sets record which symbols have live data under a prefix,
// e.g. SymbolIndexKey("ticker", "binance") -> "symbols:ticker:binance".
func SymbolIndexKey(namespace, exchange string) string {
	return fmt.Sprintf("symbols:%s:%s", namespace, exchange)
}

func ServiceMetricsKey(service string) string {
	return fmt.Sprintf("metrics:%s", service)
}

func DedupeKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("oms:dedupe:%s:%s", userID, idempotencyKey)
}

func PlanPnLMarkerKey(mode, planID string) string {
	return fmt.Sprintf("pnl:plan:%s:%s", mode, planID)
}
