package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/kv"
)

// RiskConstraints are the operator-configured guardrails. Decimal fields
// serialize as quoted strings, keeping the stored JSON exact.
type RiskConstraints struct {
	MaxExposurePerSymbol decimal.Decimal `json:"max_exposure_per_symbol"`
	MaxTotalExposure     decimal.Decimal `json:"max_total_exposure"`
	MinProfitRate        decimal.Decimal `json:"min_profit_rate"`
	MaxPositions         int             `json:"max_positions"`
	BlacklistSymbols     []string        `json:"blacklist_symbols"`
	WhitelistSymbols     []string        `json:"whitelist_symbols"`
	MaxDrawdownPerSymbol decimal.Decimal `json:"max_drawdown_per_symbol"`
	LiquidityScoreMin    decimal.Decimal `json:"liquidity_score_min"`
	MaxSpreadRate        decimal.Decimal `json:"max_spread_rate"`
	MaxDataAgeMS         int64           `json:"max_data_age_ms"`
	MinConfidence        decimal.Decimal `json:"min_confidence"`
	MaxAbsFundingRate    decimal.Decimal `json:"max_abs_funding_rate"`
}

func DefaultConstraints() RiskConstraints {
	return RiskConstraints{
		MaxExposurePerSymbol: decimal.NewFromInt(1000),
		MaxTotalExposure:     decimal.NewFromInt(5000),
		MinProfitRate:        decimal.RequireFromString("0.001"),
		MaxPositions:         5,
		BlacklistSymbols:     []string{},
		WhitelistSymbols:     []string{},
		MaxDrawdownPerSymbol: decimal.RequireFromString("0.05"),
		LiquidityScoreMin:    decimal.RequireFromString("0.5"),
		MaxSpreadRate:        decimal.RequireFromString("0.002"),
		MaxDataAgeMS:         15000,
		MinConfidence:        decimal.RequireFromString("0.50"),
		MaxAbsFundingRate:    decimal.RequireFromString("0.02"),
	}
}

// EffectiveConstraints is the merged human + auto view persisted for the OMS
// and for operators to inspect.
type EffectiveConstraints struct {
	Regime               string          `json:"regime"`
	MaxExposurePerSymbol decimal.Decimal `json:"max_exposure_per_symbol"`
	MaxTotalExposure     decimal.Decimal `json:"max_total_exposure"`
	MinProfitRate        decimal.Decimal `json:"min_profit_rate"`
	MaxPositions         int             `json:"max_positions"`
	BlacklistSymbols     []string        `json:"blacklist_symbols"`
	WhitelistSymbols     []string        `json:"whitelist_symbols"`
	MaxDrawdownPerSymbol decimal.Decimal `json:"max_drawdown_per_symbol"`
	LiquidityScoreMin    decimal.Decimal `json:"liquidity_score_min"`
	MaxSpreadRate        decimal.Decimal `json:"max_spread_rate"`
	MaxDataAgeMS         int64           `json:"max_data_age_ms"`
	MinConfidence        decimal.Decimal `json:"min_confidence"`
	MaxAbsFundingRate    decimal.Decimal `json:"max_abs_funding_rate"`
}

// effectiveMinProfitRate is the human threshold plus the overlay boost.
func (s *Service) effectiveMinProfitRate() decimal.Decimal {
	return s.constraints.MinProfitRate.Add(s.overlay.MinProfitRateBoost)
}

// effectiveMaxExposurePerSymbol applies the overlay multiplier, quantized to
// cents.
func (s *Service) effectiveMaxExposurePerSymbol() decimal.Decimal {
	return s.constraints.MaxExposurePerSymbol.Mul(s.overlay.ExposureMultiplier).Round(2)
}

func (s *Service) effectiveSnapshot() EffectiveConstraints {
	blacklist := make(map[string]struct{})
	for _, b := range s.constraints.BlacklistSymbols {
		blacklist[b] = struct{}{}
	}
	for _, b := range s.overlay.BlacklistSymbols {
		blacklist[b] = struct{}{}
	}
	merged := make([]string, 0, len(blacklist))
	for b := range blacklist {
		merged = append(merged, b)
	}
	sort.Strings(merged)

	whitelist := append([]string(nil), s.constraints.WhitelistSymbols...)
	sort.Strings(whitelist)

	return EffectiveConstraints{
		Regime:               s.overlay.Regime,
		MaxExposurePerSymbol: s.effectiveMaxExposurePerSymbol(),
		MaxTotalExposure:     s.constraints.MaxTotalExposure,
		MinProfitRate:        s.effectiveMinProfitRate(),
		MaxPositions:         s.constraints.MaxPositions,
		BlacklistSymbols:     merged,
		WhitelistSymbols:     whitelist,
		MaxDrawdownPerSymbol: s.constraints.MaxDrawdownPerSymbol,
		LiquidityScoreMin:    s.constraints.LiquidityScoreMin,
		MaxSpreadRate:        s.constraints.MaxSpreadRate,
		MaxDataAgeMS:         s.constraints.MaxDataAgeMS,
		MinConfidence:        s.constraints.MinConfidence,
		MaxAbsFundingRate:    s.constraints.MaxAbsFundingRate,
	}
}

// UpdateConstraints replaces the human constraints and persists them so a
// restart picks them back up.
func (s *Service) UpdateConstraints(ctx context.Context, constraints RiskConstraints) error {
	s.mu.Lock()
	s.constraints = constraints
	s.mu.Unlock()

	raw, err := json.Marshal(constraints)
	if err != nil {
		return fmt.Errorf("failed to encode constraints: %w", err)
	}
	if err := s.store.Set(ctx, kv.HumanConstraintsKey, string(raw), 0); err != nil {
		return fmt.Errorf("failed to persist constraints: %w", err)
	}
	return nil
}

// Constraints returns a copy of the current human constraints.
func (s *Service) Constraints() RiskConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

// loadConstraints restores the persisted human constraints, keeping the
// defaults when the key is absent or unreadable.
func (s *Service) loadConstraints(ctx context.Context) {
	raw, ok, err := s.store.Get(ctx, kv.HumanConstraintsKey)
	if err != nil || !ok {
		return
	}
	constraints := DefaultConstraints()
	if err := json.Unmarshal([]byte(raw), &constraints); err != nil {
		return
	}
	s.mu.Lock()
	s.constraints = constraints
	s.mu.Unlock()
}
