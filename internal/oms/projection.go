package oms

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/persistence"
)

// ensurePaperFunds seeds the paper account's quote balance on first use so
// ledger totals reconcile against a known starting point. Live accounts are
// funded at the venue, not here.
func (s *Service) ensurePaperFunds(ctx context.Context, userID string) error {
	if s.mode != persistence.ModePaper {
		return nil
	}
	entries, err := s.db.ListLedger(ctx, s.mode, userID, 1)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}

	quote := "USDT"
	balance := decimal.NewFromInt(10000)
	if sim, err := s.db.GetSimulationConfig(ctx, userID); err == nil {
		if sim.QuoteCurrency != "" {
			quote = sim.QuoteCurrency
		}
		if sim.InitialBalance.IsPositive() {
			balance = sim.InitialBalance
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	if err := s.db.InsertLedger(ctx, s.mode, &persistence.LedgerEntry{
		UserID: userID, Exchange: s.exchangeID, Currency: quote,
		Delta: balance, Reason: "simulation_credit",
	}); err != nil {
		return err
	}
	return s.adjustBalance(ctx, userID, quote, balance)
}

// applyFill projects one fill onto positions and the balance ledger.
//
// Spot fills move base and quote balances with the fee netted out of
// whichever currency it was charged in; a fee in a third asset gets its own
// ledger entry. Perp fills move the contract position and only the fee
// touches balances.
func (s *Service) applyFill(ctx context.Context, order *persistence.Order, fill *persistence.Fill) error {
	switch order.AccountType {
	case string(exchange.AccountSpot):
		return s.applySpotFill(ctx, order, fill)
	case string(exchange.AccountPerp):
		return s.applyPerpFill(ctx, order, fill)
	}
	return fmt.Errorf("unknown account type %q", order.AccountType)
}

func (s *Service) applySpotFill(ctx context.Context, order *persistence.Order, fill *persistence.Fill) error {
	base, quote := baseQuoteOf(order.Symbol)
	notional := fill.Price.Mul(fill.Quantity)

	var baseDelta, quoteDelta decimal.Decimal
	if order.Side == exchange.SideBuy {
		baseDelta = fill.Quantity
		quoteDelta = notional.Neg()
	} else {
		baseDelta = fill.Quantity.Neg()
		quoteDelta = notional
	}

	feeHandled := false
	if fill.Fee.IsPositive() {
		switch fill.FeeCurrency {
		case base:
			baseDelta = baseDelta.Sub(fill.Fee)
			feeHandled = true
		case quote:
			quoteDelta = quoteDelta.Sub(fill.Fee)
			feeHandled = true
		}
	}

	if err := s.recordDelta(ctx, order, base, baseDelta, "fill"); err != nil {
		return err
	}
	if err := s.recordDelta(ctx, order, quote, quoteDelta, "fill"); err != nil {
		return err
	}
	if fill.Fee.IsPositive() && !feeHandled && fill.FeeCurrency != "" {
		if err := s.recordDelta(ctx, order, fill.FeeCurrency, fill.Fee.Neg(), "fee"); err != nil {
			return err
		}
	}

	// The base holding carries an average entry price; balances do not.
	signed := fill.Quantity
	if order.Side == exchange.SideSell {
		signed = signed.Neg()
	}
	return s.applyPositionDelta(ctx, order.UserID, base, string(exchange.AccountSpot), signed, fill.Price)
}

func (s *Service) applyPerpFill(ctx context.Context, order *persistence.Order, fill *persistence.Fill) error {
	signed := fill.Quantity
	if order.Side == exchange.SideSell {
		signed = signed.Neg()
	}
	instrument := exchange.NormalizeSymbol(order.Symbol)
	if err := s.applyPositionDelta(ctx, order.UserID, instrument, string(exchange.AccountPerp), signed, fill.Price); err != nil {
		return err
	}
	if fill.Fee.IsPositive() && fill.FeeCurrency != "" {
		return s.recordDelta(ctx, order, fill.FeeCurrency, fill.Fee.Neg(), "fee")
	}
	return nil
}

// recordDelta writes a ledger entry and moves the matching balance. Zero
// deltas are skipped so the ledger stays an exact record of movements.
func (s *Service) recordDelta(ctx context.Context, order *persistence.Order, currency string, delta decimal.Decimal, reason string) error {
	if delta.IsZero() || currency == "" {
		return nil
	}
	orderID := order.ID
	if err := s.db.InsertLedger(ctx, s.mode, &persistence.LedgerEntry{
		UserID: order.UserID, Exchange: order.Exchange, Currency: currency,
		Delta: delta, Reason: reason, OrderID: &orderID,
	}); err != nil {
		return err
	}
	return s.adjustBalance(ctx, order.UserID, currency, delta)
}

// adjustBalance moves a currency balance, modeled as a position row with no
// entry price.
func (s *Service) adjustBalance(ctx context.Context, userID, currency string, delta decimal.Decimal) error {
	instrument := "bal:" + currency
	position, err := s.db.GetPosition(ctx, s.mode, userID, s.exchangeID, instrument, "balance")
	if errors.Is(err, persistence.ErrNotFound) {
		position = &persistence.Position{
			UserID: userID, Exchange: s.exchangeID, Instrument: instrument, AccountType: "balance",
		}
	} else if err != nil {
		return err
	}
	position.Quantity = position.Quantity.Add(delta)
	position.AvgEntryPrice = nil
	return s.db.UpsertPosition(ctx, s.mode, position)
}

// applyPositionDelta updates a priced position using the standard entry-price
// laws: a position opened from flat (or flipped through it) takes the fill
// price, adding in the same direction blends a weighted average, reducing
// leaves the average untouched, and a flat position has no average at all.
func (s *Service) applyPositionDelta(ctx context.Context, userID, instrument, accountType string, delta decimal.Decimal, price decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	position, err := s.db.GetPosition(ctx, s.mode, userID, s.exchangeID, instrument, accountType)
	if errors.Is(err, persistence.ErrNotFound) {
		position = &persistence.Position{
			UserID: userID, Exchange: s.exchangeID, Instrument: instrument, AccountType: accountType,
		}
	} else if err != nil {
		return err
	}

	oldQty := position.Quantity
	newQty := oldQty.Add(delta)

	switch {
	case newQty.IsZero():
		position.AvgEntryPrice = nil
	case oldQty.IsZero(), oldQty.Sign() != newQty.Sign():
		p := price
		position.AvgEntryPrice = &p
	case oldQty.Sign() == delta.Sign():
		// Increasing the position: weighted average over the absolute sizes.
		oldAvg := price
		if position.AvgEntryPrice != nil {
			oldAvg = *position.AvgEntryPrice
		}
		totalCost := oldAvg.Mul(oldQty.Abs()).Add(price.Mul(delta.Abs()))
		avg := totalCost.Div(newQty.Abs())
		position.AvgEntryPrice = &avg
	}
	// Reducing without crossing zero keeps the existing average.

	position.Quantity = newQty
	return s.db.UpsertPosition(ctx, s.mode, position)
}

// Positions lists the user's priced positions and balances.
func (s *Service) Positions(ctx context.Context, userID string) ([]persistence.Position, error) {
	return s.db.ListPositions(ctx, s.mode, userID)
}
