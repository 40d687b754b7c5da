package oms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/persistence"
)

// pnlMarkerTTL is how long a settlement marker suppresses a duplicate
// settlement; the unique pnl row per plan backstops it after expiry.
const pnlMarkerTTL = time.Hour

// SettlePlan computes the realized PnL for a plan from its fills, writes the
// record and marks the plan completed. Settlement is idempotent: a KV marker
// plus a unique row per plan means concurrent or repeated calls settle once.
func (s *Service) SettlePlan(ctx context.Context, planID string) error {
	plan, err := s.db.GetPlan(ctx, s.mode, planID)
	if err != nil {
		return err
	}

	fresh, err := s.store.SetNX(ctx, kv.PlanPnLMarkerKey(string(s.mode), planID), "settled", pnlMarkerTTL)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	record, err := s.computePnL(ctx, plan)
	if err != nil {
		return err
	}
	if err := s.db.InsertPnL(ctx, s.mode, record); err != nil && !errors.Is(err, persistence.ErrDuplicate) {
		return err
	}
	if err := s.db.UpdatePlanStatus(ctx, s.mode, planID, persistence.PlanCompleted, ""); err != nil {
		return err
	}
	s.appendLeg(ctx, planID, persistence.LegPnLSummary, map[string]any{
		"profit":         record.Profit.String(),
		"profit_rate":    record.ProfitRate.String(),
		"net":            record.Net.String(),
		"fees":           record.Fees.String(),
		"quote_currency": record.QuoteAsset,
	})
	log.Info().Str("plan_id", planID).Str("mode", string(s.mode)).
		Str("profit", record.Profit.String()).Str("rate", record.ProfitRate.String()).
		Msg("plan settled")
	return nil
}

// computePnL folds every fill of the plan into a net quote flow: buys
// subtract their notional, sells add it, fees come off across all legs. The
// profit rate is profit over the total absolute notional turned over. The
// quote currency is reported only when every fill shares one.
func (s *Service) computePnL(ctx context.Context, plan *persistence.Plan) (*persistence.PnLRecord, error) {
	orders, err := s.db.ListOrdersByPlan(ctx, s.mode, plan.ID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("plan %s has no orders to settle", plan.ID)
	}

	var buyNotional, sellNotional, totalNotional, fees decimal.Decimal
	quotes := make(map[string]struct{})
	symbols := make(map[string]struct{})
	for _, order := range orders {
		fills, err := s.db.ListFillsByOrder(ctx, s.mode, order.ID)
		if err != nil {
			return nil, err
		}
		if len(fills) == 0 {
			continue
		}
		_, quote := baseQuoteOf(order.Symbol)
		quotes[quote] = struct{}{}
		symbols[exchange.NormalizeSymbol(order.Symbol)] = struct{}{}
		for _, fill := range fills {
			notional := fill.Price.Mul(fill.Quantity)
			if order.Side == exchange.SideBuy {
				buyNotional = buyNotional.Add(notional)
			} else {
				sellNotional = sellNotional.Add(notional)
			}
			totalNotional = totalNotional.Add(notional)
			fees = fees.Add(fill.Fee)
		}
	}

	net := sellNotional.Sub(buyNotional)
	profit := net.Sub(fees)
	rate := decimal.Zero
	if totalNotional.IsPositive() {
		rate = profit.Div(totalNotional).Round(8)
	}

	var quote string
	if len(quotes) == 1 {
		for q := range quotes {
			quote = q
		}
	}
	var symbol string
	if len(symbols) == 1 {
		for sym := range symbols {
			symbol = sym
		}
	}

	return &persistence.PnLRecord{
		PlanID:       plan.ID,
		UserID:       plan.UserID,
		Symbol:       symbol,
		QuoteAsset:   quote,
		BuyNotional:  buyNotional.Round(8),
		SellNotional: sellNotional.Round(8),
		Fees:         fees.Round(8),
		Net:          net.Round(8),
		Profit:       profit.Round(8),
		ProfitRate:   rate,
	}, nil
}

// PlanPnL returns the settled records for a plan.
func (s *Service) PlanPnL(ctx context.Context, planID string) ([]persistence.PnLRecord, error) {
	return s.db.ListPnLByPlan(ctx, s.mode, planID)
}
