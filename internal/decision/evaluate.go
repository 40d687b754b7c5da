package decision

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/scanner"
)

// Every decision sizes to a fixed notional; position sizing beyond the
// per-symbol cap is the OMS's problem, not the decider's.
var baseExposure = decimal.NewFromInt(1000)

// evaluateTriangular runs a triangular stream member through the constraint
// and scoring pipeline. Returns nil when any check rejects it.
func (s *Service) evaluateTriangular(ctx context.Context, member string, score float64) *Decision {
	var opp scanner.TriangularOpportunity
	if err := json.Unmarshal([]byte(member), &opp); err != nil {
		return nil
	}
	if len(opp.Symbols) != 3 {
		return nil
	}

	// The cycle is anchored on the non-USDT cross pair when one exists.
	mainSymbol := opp.Symbols[0]
	for _, symbol := range opp.Symbols {
		if !strings.HasSuffix(symbol, "/USDT") {
			mainSymbol = symbol
			break
		}
	}
	base := baseOf(mainSymbol)
	profit := decimal.NewFromFloat(score)

	if !s.checkSymbolConstraints(base + "/USDT") {
		return nil
	}
	if profit.LessThan(s.effectiveMinProfitRate()) {
		return nil
	}
	exposure := baseExposure
	if exposure.GreaterThan(s.effectiveMaxExposurePerSymbol()) {
		return nil
	}
	confidence := s.confidence(ctx, opp.Symbols, profit)
	if confidence.LessThan(s.constraints.MinConfidence) {
		return nil
	}
	if !s.checkMarketSafety(ctx, base) {
		return nil
	}

	return &Decision{
		StrategyType:       "triangular",
		Exchange:           opp.Exchange,
		Symbol:             mainSymbol,
		Direction:          DirectionTriangular,
		ExpectedProfitRate: profit,
		EstimatedExposure:  exposure,
		RiskScore:          s.riskScore(ctx, base, exposure, profit),
		Confidence:         confidence,
		Timestamp:          s.now().UnixMilli(),
		RawOpportunity:     json.RawMessage(member),
	}
}

// evaluateCashCarry mirrors evaluateTriangular for basis trades, with the
// extra funding-rate safety gate.
func (s *Service) evaluateCashCarry(ctx context.Context, member string, score float64) *Decision {
	var opp scanner.CashCarryOpportunity
	if err := json.Unmarshal([]byte(member), &opp); err != nil {
		return nil
	}
	if opp.Symbol == "" {
		return nil
	}
	direction := opp.Direction
	if direction == "" {
		direction = scanner.DirectionLongSpotShortPerp
	}
	base := baseOf(opp.Symbol)
	profit := decimal.NewFromFloat(score)

	if !s.checkSymbolConstraints(opp.Symbol) {
		return nil
	}
	if profit.LessThan(s.effectiveMinProfitRate()) {
		return nil
	}
	exposure := baseExposure
	if exposure.GreaterThan(s.effectiveMaxExposurePerSymbol()) {
		return nil
	}
	confidence := s.confidence(ctx, []string{opp.Symbol}, profit)
	if confidence.LessThan(s.constraints.MinConfidence) {
		return nil
	}
	if !s.checkMarketSafety(ctx, base) {
		return nil
	}
	if !s.checkFundingSafety(ctx, opp.Symbol) {
		return nil
	}

	return &Decision{
		StrategyType:       "cashcarry",
		Exchange:           opp.Exchange,
		Symbol:             opp.Symbol,
		Direction:          direction,
		ExpectedProfitRate: profit,
		EstimatedExposure:  exposure,
		RiskScore:          s.riskScore(ctx, base, exposure, profit),
		Confidence:         confidence,
		Timestamp:          s.now().UnixMilli(),
		RawOpportunity:     json.RawMessage(member),
	}
}

// checkSymbolConstraints applies the merged blacklist and, when a whitelist
// is set, requires membership in it.
func (s *Service) checkSymbolConstraints(symbol string) bool {
	for _, blocked := range s.constraints.BlacklistSymbols {
		if blocked == symbol {
			return false
		}
	}
	for _, blocked := range s.overlay.BlacklistSymbols {
		if blocked == symbol {
			return false
		}
	}
	if len(s.constraints.WhitelistSymbols) > 0 {
		for _, allowed := range s.constraints.WhitelistSymbols {
			if allowed == symbol {
				return true
			}
		}
		return false
	}
	return true
}

// checkMarketSafety verifies the base currency's USDT market is fresh, tight
// and liquid enough to execute against.
func (s *Service) checkMarketSafety(ctx context.Context, base string) bool {
	symbol := base + "/USDT"
	nowMS := s.now().UnixMilli()
	maxAge := s.constraints.MaxDataAgeMS

	tob, err := s.repo.OrderBookTOB(ctx, s.exchangeID, symbol)
	if err != nil {
		return false
	}
	bba, err := s.repo.BestBidAsk(ctx, s.exchangeID, symbol, exchange.AccountSpot)
	if err != nil {
		return false
	}

	bookFresh := tob.TimestampMS != nil && nowMS-*tob.TimestampMS <= maxAge
	if !bookFresh {
		if bba.Timestamp == nil || nowMS-*bba.Timestamp > maxAge {
			return false
		}
	}

	if bba.Bid != nil && bba.Ask != nil {
		mid := (*bba.Bid + *bba.Ask) / 2
		if mid > 0 {
			spread := math.Abs(*bba.Ask-*bba.Bid) / mid
			if spread > s.constraints.MaxSpreadRate.InexactFloat64() {
				return false
			}
		}
	}
	if bba.Volume != nil {
		if clamp01(*bba.Volume/1e8) < s.constraints.LiquidityScoreMin.InexactFloat64() {
			return false
		}
	}
	return true
}

// checkFundingSafety rejects symbols whose funding rate is extreme enough to
// suggest a broken or about-to-snap market. Missing data passes; the market
// safety check already gated on data quality.
func (s *Service) checkFundingSafety(ctx context.Context, symbol string) bool {
	funding, err := s.repo.Funding(ctx, s.exchangeID, symbol)
	if err != nil || funding.Rate == nil {
		return true
	}
	return math.Abs(*funding.Rate) <= s.constraints.MaxAbsFundingRate.InexactFloat64()
}

// confidence blends data freshness across the involved symbols with the
// profit magnitude. No usable timestamps at all is scored as a flat 0.5.
func (s *Service) confidence(ctx context.Context, symbols []string, profit decimal.Decimal) decimal.Decimal {
	nowMS := s.now().UnixMilli()
	var ages []float64
	for _, symbol := range symbols {
		age := s.symbolDataAgeMS(ctx, symbol, nowMS)
		if age != nil && *age >= 0 && *age <= overlayMaxUsableAgeMS {
			ages = append(ages, *age)
		}
	}
	if len(ages) == 0 {
		return dec("0.5")
	}
	freshness := math.Max(0, 1-mean(ages)/30000)
	profitConfidence := math.Min(1, profit.InexactFloat64()*100)
	return decimal.NewFromFloat(0.7*freshness + 0.3*profitConfidence).Round(2)
}

// riskScore composes spread volatility, liquidity, exposure utilization and
// profit margin into [0, 1]. No price at all is maximum risk.
func (s *Service) riskScore(ctx context.Context, base string, exposure, profit decimal.Decimal) decimal.Decimal {
	bba, err := s.repo.BestBidAsk(ctx, s.exchangeID, base+"/USDT", exchange.AccountSpot)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	mid := firstFloat(bba.Bid, bba.Ask, bba.Last)
	if mid == nil || *mid <= 0 {
		return decimal.NewFromInt(1)
	}

	volatility := (orZero(bba.Ask) - orZero(bba.Bid)) / *mid
	liquidity := clamp01(orZero(bba.Volume) / 1e8)
	exposureFactor := 0.0
	if !s.constraints.MaxExposurePerSymbol.IsZero() {
		exposureFactor = exposure.Div(s.constraints.MaxExposurePerSymbol).InexactFloat64()
	}
	profitFactor := 1 - profit.InexactFloat64()

	risk := 0.4*volatility + 0.3*(1-liquidity) + 0.2*exposureFactor + 0.1*profitFactor
	return decimal.NewFromFloat(clamp01(risk)).Round(4)
}

func baseOf(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}

func firstFloat(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
