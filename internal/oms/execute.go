package oms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/decision"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/persistence"
	"github.com/inarbit/inarbit/internal/scanner"
)

// decisionFetchFloor is how many stream members are always scanned even when
// the caller asks for fewer executions; the head of the stream may contain
// entries for other venues or disabled pairs.
const decisionFetchFloor = 50

// ErrExecutionInFlight is returned for an idempotency key whose first call is
// still running and has not recorded its result yet.
var ErrExecutionInFlight = errors.New("oms: execution with this idempotency key is in flight")

const (
	pendingMarker       = "pending"
	pendingWaitAttempts = 5
	pendingWaitInterval = 20 * time.Millisecond
)

// ExecuteResult reports one executed (or replayed) plan.
type ExecuteResult struct {
	PlanID   string `json:"plan_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy_type"`
	Status   string `json:"status"`
	Replayed bool   `json:"replayed"`
}

// ExecuteLatest executes the first decision from the head of the decision
// stream that matches this venue and the enabled pair set; one call creates at
// most one plan. Live mode additionally requires confirmLive. A non-empty
// dedupeKey makes the call idempotent: a replay returns the plans created by
// the first call instead of executing again.
func (s *Service) ExecuteLatest(ctx context.Context, userID string, limit int, dedupeKey string, confirmLive bool) ([]ExecuteResult, error) {
	if s.mode == persistence.ModeLive && !confirmLive {
		return nil, fmt.Errorf("live execution requires an explicit confirmation")
	}
	if limit <= 0 {
		limit = 1
	}

	var dedupeStoreKey string
	if dedupeKey != "" {
		dedupeStoreKey = kv.DedupeKey(userID, dedupeKey)
		fresh, err := s.store.SetNX(ctx, dedupeStoreKey, pendingMarker, s.cfg.DedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve dedupe key: %w", err)
		}
		if !fresh {
			return s.replayedResults(ctx, dedupeStoreKey)
		}
	}

	if err := s.ensurePaperFunds(ctx, userID); err != nil {
		return nil, err
	}

	fetch := int64(max(decisionFetchFloor, limit))
	members, err := s.store.ZRangeWithScores(ctx, kv.LatestDecisionsKey, 0, fetch-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision stream: %w", err)
	}

	var results []ExecuteResult
	for _, z := range members {
		var d decision.Decision
		if err := json.Unmarshal([]byte(z.Member), &d); err != nil {
			log.Warn().Err(err).Msg("skipping malformed decision")
			continue
		}
		if !s.decisionEligible(d) {
			continue
		}
		result, err := s.executeDecision(ctx, userID, d, z.Member)
		if err != nil {
			log.Error().Err(err).Str("symbol", d.Symbol).Str("strategy", d.StrategyType).
				Msg("decision execution failed")
			continue
		}
		results = append(results, result)
		break
	}

	if dedupeStoreKey != "" {
		raw, err := json.Marshal(results)
		if err == nil {
			if err := s.store.Set(ctx, dedupeStoreKey, string(raw), s.cfg.DedupeTTL); err != nil {
				log.Warn().Err(err).Msg("failed to record dedupe result")
			}
		}
	}
	return results, nil
}

// replayedResults resolves a duplicate call. While the first call is still
// writing its result the key holds the pending marker; wait briefly for it,
// then surface the in-flight state instead of pretending nothing happened.
func (s *Service) replayedResults(ctx context.Context, key string) ([]ExecuteResult, error) {
	for attempt := 0; ; attempt++ {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || raw == "" {
			// Reservation expired without a recorded result.
			return nil, nil
		}
		if raw != pendingMarker {
			var results []ExecuteResult
			if err := json.Unmarshal([]byte(raw), &results); err != nil {
				return nil, fmt.Errorf("failed to decode replayed execution: %w", err)
			}
			for i := range results {
				results[i].Replayed = true
			}
			return results, nil
		}
		if attempt >= pendingWaitAttempts {
			return nil, ErrExecutionInFlight
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pendingWaitInterval):
		}
	}
}

// decisionEligible keeps decisions for this venue whose symbols are all in the
// enabled pair set.
func (s *Service) decisionEligible(d decision.Decision) bool {
	if d.Exchange != "" && d.Exchange != s.exchangeID {
		return false
	}
	symbols, err := decisionSymbols(d)
	if err != nil || len(symbols) == 0 {
		return false
	}
	for _, symbol := range symbols {
		if _, ok := s.enabledSymbols[exchange.NormalizeSymbol(symbol)]; !ok {
			return false
		}
	}
	return true
}

// decisionSymbols lists every instrument a decision would trade.
func decisionSymbols(d decision.Decision) ([]string, error) {
	if d.StrategyType == "triangular" {
		var opp scanner.TriangularOpportunity
		if err := json.Unmarshal(d.RawOpportunity, &opp); err != nil {
			return nil, err
		}
		return opp.Symbols, nil
	}
	if d.Symbol == "" {
		return nil, fmt.Errorf("decision has no symbol")
	}
	return []string{d.Symbol}, nil
}

func (s *Service) executeDecision(ctx context.Context, userID string, d decision.Decision, rawDecision string) (ExecuteResult, error) {
	legs, err := s.buildLegs(ctx, d)
	if err != nil {
		return ExecuteResult{}, err
	}
	legsJSON, err := json.Marshal(legs)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("failed to encode plan legs: %w", err)
	}

	plan := &persistence.Plan{
		ID:           uuid.NewString(),
		UserID:       userID,
		StrategyType: d.StrategyType,
		Symbol:       d.Symbol,
		Direction:    d.Direction,
		Status:       persistence.PlanRunning,
		LegsJSON:     string(legsJSON),
		DecisionJSON: rawDecision,
	}
	if err := s.db.CreatePlan(ctx, s.mode, plan); err != nil {
		return ExecuteResult{}, fmt.Errorf("failed to create plan: %w", err)
	}

	var placed []*persistence.Order
	for i, leg := range legs {
		order := &persistence.Order{
			PlanID:        plan.ID,
			UserID:        userID,
			Exchange:      s.exchangeID,
			Symbol:        leg.Symbol,
			AccountType:   leg.AccountType,
			Side:          leg.Side,
			Type:          leg.Type,
			Status:        exchange.StatusNew,
			Role:          leg.Role,
			ClientOrderID: fmt.Sprintf("%s-%s", plan.ID, leg.Role),
			Quantity:      leg.Quantity,
		}
		if leg.Type != exchange.TypeMarket {
			order.Price = decimalPtr(leg.Price)
		}
		if err := s.db.CreateOrder(ctx, s.mode, order); err != nil {
			return ExecuteResult{}, fmt.Errorf("failed to create order for leg %d: %w", i, err)
		}

		if err := s.placeOrder(ctx, order, leg); err != nil {
			s.failPlan(ctx, plan, placed, fmt.Sprintf("leg %s placement failed: %v", leg.Role, err))
			return ExecuteResult{
				PlanID: plan.ID, Symbol: plan.Symbol, Strategy: plan.StrategyType,
				Status: persistence.PlanFailed,
			}, nil
		}
		placed = append(placed, order)
	}

	s.appendLeg(ctx, plan.ID, persistence.LegExecutionSummary, map[string]any{
		"orders":                      len(placed),
		"status_counts":               placedStatusCounts(placed),
		"suggested_reconcile_request": s.suggestedReconcile(),
	})

	status := persistence.PlanRunning
	if s.mode == persistence.ModePaper {
		// Paper legs fill synchronously; settle immediately.
		if err := s.SettlePlan(ctx, plan.ID); err != nil {
			return ExecuteResult{}, err
		}
		status = persistence.PlanCompleted
	} else if s.cfg.PostExecPollEnabled {
		done := s.pollUntilTerminal(ctx, plan.ID)
		s.appendLeg(ctx, plan.ID, persistence.LegPostExecPollSummary, map[string]any{
			"attempts": s.cfg.PostExecPollAttempts,
			"terminal": done,
		})
		if done {
			if err := s.finalizePlan(ctx, plan.ID); err != nil {
				return ExecuteResult{}, err
			}
			if p, err := s.db.GetPlan(ctx, s.mode, plan.ID); err == nil {
				status = p.Status
			}
		}
	}

	return ExecuteResult{
		PlanID: plan.ID, Symbol: plan.Symbol, Strategy: plan.StrategyType, Status: status,
	}, nil
}

// placeOrder routes one leg to the venue, or fills it locally in paper mode.
func (s *Service) placeOrder(ctx context.Context, order *persistence.Order, leg persistence.PlanLeg) error {
	if s.mode == persistence.ModePaper {
		return s.fillPaperOrder(ctx, order, leg)
	}

	req := exchange.OrderRequest{
		Symbol:        leg.Symbol,
		AccountType:   exchange.AccountType(leg.AccountType),
		Side:          leg.Side,
		Type:          leg.Type,
		Quantity:      leg.Quantity,
		ClientOrderID: safeClientOrderID(order.ClientOrderID),
	}
	if leg.Type != exchange.TypeMarket {
		req.Price = leg.Price
	}

	symbols := []string{leg.Symbol}
	if req.AccountType == exchange.AccountPerp && !strings.Contains(leg.Symbol, ":") {
		symbols = append(symbols, leg.Symbol+":USDT")
	}
	var lastErr error
	for _, symbol := range symbols {
		req.Symbol = symbol
		result, err := s.adapter.CreateOrder(ctx, req)
		if err != nil {
			lastErr = err
			if errors.Is(err, exchange.ErrSymbolNotFound) {
				continue
			}
			return err
		}
		return s.applyOrderResult(ctx, order, result)
	}
	return lastErr
}

// fillPaperOrder fills the order in full at the leg reference price with the
// configured taker fee charged in the quote currency.
func (s *Service) fillPaperOrder(ctx context.Context, order *persistence.Order, leg persistence.PlanLeg) error {
	price := leg.Price
	quantity := leg.Quantity
	notional := price.Mul(quantity)
	fee := notional.Mul(s.feeRate).Round(8)
	quote := quoteOf(leg.Symbol)

	fill := &persistence.Fill{
		OrderID:     order.ID,
		TradeID:     fmt.Sprintf("paper:%d:1", order.ID),
		Price:       price,
		Quantity:    quantity,
		Fee:         fee,
		FeeCurrency: quote,
		Timestamp:   s.now().UTC(),
	}
	if err := s.db.InsertFill(ctx, s.mode, fill); err != nil && !errors.Is(err, persistence.ErrDuplicate) {
		return err
	}

	order.Status = exchange.StatusFilled
	order.ExchangeOrderID = fmt.Sprintf("paper-%d", order.ID)
	order.FilledQuantity = quantity
	avg := price
	order.AvgFillPrice = &avg
	order.Fee = fee
	order.FeeCurrency = quote
	if err := s.db.UpdateOrder(ctx, s.mode, order); err != nil {
		return err
	}
	return s.applyFill(ctx, order, fill)
}

// failPlan marks the plan failed, records a reconcile suggestion on the plan
// and optionally cancels the legs already at the venue so a half-executed
// arbitrage does not leak exposure.
func (s *Service) failPlan(ctx context.Context, plan *persistence.Plan, placed []*persistence.Order, reason string) {
	s.appendLeg(ctx, plan.ID, persistence.LegReconcileSuggestion, map[string]any{
		"error":                       reason,
		"suggested_reconcile_request": s.suggestedReconcile(),
	})
	if s.mode == persistence.ModeLive && s.cfg.FailureCompensateCancel {
		var cancelled []int64
		for _, order := range placed {
			if exchange.IsTerminalStatus(order.Status) {
				continue
			}
			if err := s.CancelOrder(ctx, order.ID); err != nil {
				log.Error().Err(err).Int64("order_id", order.ID).
					Msg("failed to cancel leg while compensating a failed plan")
				continue
			}
			cancelled = append(cancelled, order.ID)
		}
		s.appendLeg(ctx, plan.ID, persistence.LegFailureCompensation, map[string]any{
			"cancelled_order_ids": cancelled,
		})
	}
	if err := s.db.UpdatePlanStatus(ctx, s.mode, plan.ID, persistence.PlanFailed, reason); err != nil {
		log.Error().Err(err).Str("plan_id", plan.ID).Msg("failed to mark plan failed")
	}
}

// appendLeg records a tagged summary on the plan's legs list. Append failures
// are logged, not fatal: the summary is bookkeeping, not execution state.
func (s *Service) appendLeg(ctx context.Context, planID, kind string, summary any) {
	leg := &persistence.PlanLegRecord{Kind: kind, Summary: summary}
	if err := s.db.AppendPlanLeg(ctx, s.mode, planID, leg); err != nil {
		log.Warn().Err(err).Str("plan_id", planID).Str("kind", kind).
			Msg("failed to append plan leg record")
	}
}

// suggestedReconcile is the reconcile request the operator should issue next,
// built from the configured defaults.
func (s *Service) suggestedReconcile() map[string]any {
	return map[string]any{
		"max_rounds":      s.cfg.ReconcileDefaultMaxRounds,
		"sleep_ms":        s.cfg.ReconcileDefaultInterval.Milliseconds(),
		"max_age_seconds": int(s.cfg.ReconcileDefaultMaxAge.Seconds()),
		"auto_cancel":     s.cfg.ReconcileAutoCancel,
	}
}

func placedStatusCounts(placed []*persistence.Order) map[string]int {
	counts := make(map[string]int, len(placed))
	for _, order := range placed {
		counts[order.Status]++
	}
	return counts
}

func statusCounts(orders []persistence.Order) map[string]int {
	counts := make(map[string]int, len(orders))
	for _, order := range orders {
		counts[order.Status]++
	}
	return counts
}

// pollUntilTerminal refreshes the plan's orders until every leg is terminal
// or the attempt budget runs out.
func (s *Service) pollUntilTerminal(ctx context.Context, planID string) bool {
	for attempt := 0; attempt < s.cfg.PostExecPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.cfg.PostExecPollInterval):
			}
		}
		if _, err := s.RefreshPlan(ctx, planID); err != nil {
			log.Warn().Err(err).Str("plan_id", planID).Msg("post-execution refresh failed")
			continue
		}
		orders, err := s.db.ListOrdersByPlan(ctx, s.mode, planID)
		if err != nil {
			continue
		}
		if allTerminal(orders) {
			return true
		}
	}
	return false
}

// buildLegs turns a decision into concrete market orders, pricing each leg
// from the freshest available source for sizing: book top, then ticker, then
// the opportunity snapshot embedded in the decision.
func (s *Service) buildLegs(ctx context.Context, d decision.Decision) ([]persistence.PlanLeg, error) {
	switch d.StrategyType {
	case "cashcarry":
		return s.buildCashCarryLegs(ctx, d)
	case "triangular":
		return s.buildTriangularLegs(ctx, d)
	}
	return nil, fmt.Errorf("unknown strategy type %q", d.StrategyType)
}

func (s *Service) buildCashCarryLegs(ctx context.Context, d decision.Decision) ([]persistence.PlanLeg, error) {
	var opp scanner.CashCarryOpportunity
	if err := json.Unmarshal(d.RawOpportunity, &opp); err != nil {
		return nil, fmt.Errorf("failed to decode cash-and-carry opportunity: %w", err)
	}

	long := d.Direction != scanner.DirectionShortSpotLongPerp
	spotSide, perpSide := exchange.SideBuy, exchange.SideSell
	if !long {
		spotSide, perpSide = exchange.SideSell, exchange.SideBuy
	}

	spotPrice, err := s.legPrice(ctx, d.Symbol, exchange.AccountSpot, spotSide, opp.SpotPrice)
	if err != nil {
		return nil, err
	}
	perpPrice, err := s.legPrice(ctx, d.Symbol, exchange.AccountPerp, perpSide, opp.PerpPrice)
	if err != nil {
		return nil, err
	}
	if spotPrice.IsZero() {
		return nil, fmt.Errorf("no executable spot price for %s", d.Symbol)
	}
	quantity := d.EstimatedExposure.Div(spotPrice).Round(8)
	if quantity.IsZero() {
		return nil, fmt.Errorf("computed zero quantity for %s", d.Symbol)
	}

	// Price on a market leg is the sizing reference, not a limit.
	return []persistence.PlanLeg{
		{Role: "spot", Exchange: s.exchangeID, Symbol: d.Symbol, AccountType: string(exchange.AccountSpot),
			Side: spotSide, Type: exchange.TypeMarket, Price: spotPrice, Quantity: quantity},
		{Role: "perp", Exchange: s.exchangeID, Symbol: d.Symbol, AccountType: string(exchange.AccountPerp),
			Side: perpSide, Type: exchange.TypeMarket, Price: perpPrice, Quantity: quantity},
	}, nil
}

// buildTriangularLegs walks the currency path, propagating the acquired
// amount of each hop into the next leg's quantity.
func (s *Service) buildTriangularLegs(ctx context.Context, d decision.Decision) ([]persistence.PlanLeg, error) {
	var opp scanner.TriangularOpportunity
	if err := json.Unmarshal(d.RawOpportunity, &opp); err != nil {
		return nil, fmt.Errorf("failed to decode triangular opportunity: %w", err)
	}
	if len(opp.Path) != 4 || len(opp.Symbols) != 3 {
		return nil, fmt.Errorf("malformed triangular path for %s", d.Symbol)
	}

	amount := d.EstimatedExposure
	legs := make([]persistence.PlanLeg, 0, 3)
	for i, symbol := range opp.Symbols {
		from, to := opp.Path[i], opp.Path[i+1]
		base, quote := baseQuoteOf(symbol)

		var side string
		switch {
		case from == quote && to == base:
			side = exchange.SideBuy
		case from == base && to == quote:
			side = exchange.SideSell
		default:
			return nil, fmt.Errorf("symbol %s does not connect %s to %s", symbol, from, to)
		}

		price, err := s.legPrice(ctx, symbol, exchange.AccountSpot, side, 0)
		if err != nil {
			return nil, err
		}
		if price.IsZero() {
			return nil, fmt.Errorf("no executable price for %s", symbol)
		}

		var quantity decimal.Decimal
		if side == exchange.SideBuy {
			quantity = amount.Div(price).Round(8)
			amount = quantity
		} else {
			quantity = amount.Round(8)
			amount = quantity.Mul(price)
		}
		if quantity.IsZero() {
			return nil, fmt.Errorf("computed zero quantity for %s", symbol)
		}

		legs = append(legs, persistence.PlanLeg{
			Role: fmt.Sprintf("leg%d", i+1), Exchange: s.exchangeID, Symbol: symbol,
			AccountType: string(exchange.AccountSpot), Side: side, Type: exchange.TypeMarket,
			Price: price, Quantity: quantity,
		})
	}
	return legs, nil
}

// legPrice resolves the reference price for a side: book top first, ticker
// second, the opportunity snapshot last.
func (s *Service) legPrice(ctx context.Context, symbol string, account exchange.AccountType, side string, snapshot float64) (decimal.Decimal, error) {
	if account == exchange.AccountSpot {
		tob, err := s.repo.OrderBookTOB(ctx, s.exchangeID, symbol)
		if err == nil {
			if side == exchange.SideBuy && tob.BestAskPrice != nil {
				return decimal.NewFromFloat(*tob.BestAskPrice), nil
			}
			if side == exchange.SideSell && tob.BestBidPrice != nil {
				return decimal.NewFromFloat(*tob.BestBidPrice), nil
			}
		}
	}
	bba, err := s.repo.BestBidAsk(ctx, s.exchangeID, symbol, account)
	if err == nil {
		var p *float64
		if side == exchange.SideBuy {
			p = firstFloat(bba.Ask, bba.Last)
		} else {
			p = firstFloat(bba.Bid, bba.Last)
		}
		if p != nil && *p > 0 {
			return decimal.NewFromFloat(*p), nil
		}
	}
	if snapshot > 0 {
		return decimal.NewFromFloat(snapshot), nil
	}
	return decimal.Decimal{}, fmt.Errorf("no price source for %s %s", symbol, side)
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func firstFloat(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func baseQuoteOf(symbol string) (string, string) {
	symbol = exchange.NormalizeSymbol(symbol)
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

func quoteOf(symbol string) string {
	_, quote := baseQuoteOf(symbol)
	if quote == "" {
		quote = "USDT"
	}
	return quote
}

func allTerminal(orders []persistence.Order) bool {
	for _, order := range orders {
		if !exchange.IsTerminalStatus(order.Status) {
			return false
		}
	}
	return len(orders) > 0
}
