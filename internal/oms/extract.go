package oms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/persistence"
)

// safeClientOrderID passes venue-safe ids through unchanged and derives a
// deterministic replacement otherwise, so a retry reuses the same id.
func safeClientOrderID(id string) string {
	if len(id) > 0 && len(id) <= 32 && isVenueSafe(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "inarbit-" + hex.EncodeToString(sum[:])[:24]
}

func isVenueSafe(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// syntheticTradeID derives a stable trade id for venues that report aggregate
// fill state without per-trade ids. The same order state always hashes to the
// same id, so repeated refreshes insert nothing new.
func syntheticTradeID(exchangeOrderID string, seed map[string]string) string {
	raw, _ := json.Marshal(seed)
	sum := sha256.Sum256(raw)
	return "synthetic:" + exchangeOrderID + ":" + hex.EncodeToString(sum[:])
}

// applyOrderResult folds a venue order snapshot into the durable order: new
// fills are inserted and projected, aggregate fields updated.
func (s *Service) applyOrderResult(ctx context.Context, order *persistence.Order, result exchange.OrderResult) error {
	prevFilled := order.FilledQuantity
	if result.ExchangeOrderID != "" {
		order.ExchangeOrderID = result.ExchangeOrderID
	}
	if result.Status != "" {
		order.Status = result.Status
	}
	if result.FilledQuantity.IsPositive() {
		order.FilledQuantity = result.FilledQuantity
	}

	avg := result.AveragePrice
	if avg.IsZero() && result.FilledQuantity.IsPositive() && result.Cost.IsPositive() {
		avg = result.Cost.Div(result.FilledQuantity)
	}
	if avg.IsPositive() {
		a := avg
		order.AvgFillPrice = &a
	}

	fills := fillsFromResult(order, result, prevFilled)
	var feeTotal decimal.Decimal
	var feeCurrency string
	for i := range fills {
		fill := &fills[i]
		feeTotal = feeTotal.Add(fill.Fee)
		if fill.FeeCurrency != "" {
			feeCurrency = fill.FeeCurrency
		}
		err := s.db.InsertFill(ctx, s.mode, fill)
		if errors.Is(err, persistence.ErrDuplicate) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.applyFill(ctx, order, fill); err != nil {
			return err
		}
	}
	if feeTotal.IsPositive() {
		order.Fee = feeTotal
		order.FeeCurrency = feeCurrency
	}

	return s.db.UpdateOrder(ctx, s.mode, order)
}

// fillsFromResult prefers the venue's trade list. Without one, any filled
// quantity beyond what the order already recorded becomes a single synthetic
// fill at the average price.
func fillsFromResult(order *persistence.Order, result exchange.OrderResult, prevFilled decimal.Decimal) []persistence.Fill {
	if len(result.Trades) > 0 {
		fills := make([]persistence.Fill, 0, len(result.Trades))
		for _, trade := range result.Trades {
			ts := time.UnixMilli(trade.Timestamp).UTC()
			if trade.Timestamp == 0 {
				ts = time.Now().UTC()
			}
			fills = append(fills, persistence.Fill{
				OrderID:     order.ID,
				TradeID:     trade.ID,
				Price:       trade.Price,
				Quantity:    trade.Quantity,
				Fee:         trade.Fee,
				FeeCurrency: trade.FeeCurrency,
				Timestamp:   ts,
			})
		}
		return fills
	}

	delta := result.FilledQuantity.Sub(prevFilled)
	if !delta.IsPositive() {
		return nil
	}
	price := result.AveragePrice
	if price.IsZero() && result.Cost.IsPositive() {
		price = result.Cost.Div(result.FilledQuantity)
	}
	if price.IsZero() {
		price = result.Price
	}
	seed := map[string]string{
		"filled": result.FilledQuantity.String(),
		"price":  price.String(),
		"status": result.Status,
	}
	return []persistence.Fill{{
		OrderID:   order.ID,
		TradeID:   syntheticTradeID(result.ExchangeOrderID, seed),
		Price:     price,
		Quantity:  delta,
		Timestamp: time.Now().UTC(),
	}}
}
