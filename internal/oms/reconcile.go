package oms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/persistence"
)

// RefreshStats counts the outcome of a bulk refresh.
type RefreshStats struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RefreshOrder pulls the venue state of one order and folds it in. Terminal
// and paper orders are skipped: neither can change anymore.
func (s *Service) RefreshOrder(ctx context.Context, orderID int64) (bool, error) {
	order, err := s.db.GetOrder(ctx, s.mode, orderID)
	if err != nil {
		return false, err
	}
	if exchange.IsTerminalStatus(order.Status) || s.mode == persistence.ModePaper {
		return false, nil
	}
	if order.ExchangeOrderID == "" {
		return false, fmt.Errorf("order %d has no exchange order id", orderID)
	}

	result, err := s.fetchOrder(ctx, order)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// Venue no longer knows the order: treat as expired so the plan
			// can make progress.
			order.Status = exchange.StatusExpired
			return true, s.db.UpdateOrder(ctx, s.mode, order)
		}
		return false, err
	}
	return true, s.applyOrderResult(ctx, order, result)
}

// fetchOrder tries the stored symbol and, for perps, the settle-suffixed
// variant the venue may have registered the order under.
func (s *Service) fetchOrder(ctx context.Context, order *persistence.Order) (exchange.OrderResult, error) {
	account := exchange.AccountType(order.AccountType)
	symbols := []string{order.Symbol}
	if account == exchange.AccountPerp && !strings.Contains(order.Symbol, ":") {
		symbols = append(symbols, order.Symbol+":USDT")
	}
	var lastErr error
	for _, symbol := range symbols {
		result, err := s.adapter.FetchOrder(ctx, account, symbol, order.ExchangeOrderID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, exchange.ErrSymbolNotFound) {
			break
		}
	}
	return exchange.OrderResult{}, lastErr
}

// RefreshPlan refreshes every order of a plan.
func (s *Service) RefreshPlan(ctx context.Context, planID string) (RefreshStats, error) {
	orders, err := s.db.ListOrdersByPlan(ctx, s.mode, planID)
	if err != nil {
		return RefreshStats{}, err
	}
	stats := RefreshStats{Total: len(orders)}
	for _, order := range orders {
		refreshed, err := s.RefreshOrder(ctx, order.ID)
		switch {
		case err != nil:
			stats.Failed++
			log.Warn().Err(err).Int64("order_id", order.ID).Msg("order refresh failed")
		case refreshed:
			stats.OK++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

// CancelOrder cancels one order at the venue and records the result.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) error {
	order, err := s.db.GetOrder(ctx, s.mode, orderID)
	if err != nil {
		return err
	}
	if exchange.IsTerminalStatus(order.Status) {
		return nil
	}
	if s.mode == persistence.ModePaper {
		order.Status = exchange.StatusCanceled
		return s.db.UpdateOrder(ctx, s.mode, order)
	}
	result, err := s.adapter.CancelOrder(ctx, exchange.AccountType(order.AccountType), order.Symbol, order.ExchangeOrderID)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			order.Status = exchange.StatusExpired
			return s.db.UpdateOrder(ctx, s.mode, order)
		}
		return err
	}
	if result.Status == "" {
		result.Status = exchange.StatusCanceled
	}
	return s.applyOrderResult(ctx, order, result)
}

// ReconcileOptions bound one reconcile pass. Zero numeric values fall back to
// the configured defaults; AutoCancel is decided per call.
type ReconcileOptions struct {
	MaxRounds  int
	Interval   time.Duration
	MaxAge     time.Duration
	AutoCancel bool
}

// Next actions a reconcile pass can recommend.
const (
	ActionNone               = "none"
	ActionReconcileAgain     = "reconcile_again"
	ActionConsiderAutoCancel = "consider_auto_cancel"
	ActionWaitCancel         = "wait_cancel"
	ActionManualInvestigate  = "manual_investigate"
)

// ReconcileReport is the outcome of a reconcile pass.
type ReconcileReport struct {
	PlanID              string         `json:"plan_id"`
	PlanStatus          string         `json:"plan_status"`
	Settled             bool           `json:"settled"`
	Reason              string         `json:"reason,omitempty"`
	Rounds              int            `json:"rounds"`
	Terminal            bool           `json:"terminal"`
	Timeout             bool           `json:"timeout"`
	Exhausted           bool           `json:"max_rounds_exhausted"`
	StatusCounts        map[string]int `json:"status_counts"`
	NextAction          string         `json:"next_action"`
	AutoCancelAttempted bool           `json:"auto_cancel_attempted,omitempty"`
	AutoCancelSucceeded bool           `json:"auto_cancel_succeeded,omitempty"`
	Stats               RefreshStats   `json:"stats"`
}

// ReconcilePlan drives a running plan toward a terminal state. It refreshes
// the legs for up to MaxRounds (stopping early once the plan ages past
// MaxAge), then resolves: cancel what is still open when AutoCancel is set,
// settle when every leg ended without a rejection, otherwise fail the plan
// with a machine-readable reason.
func (s *Service) ReconcilePlan(ctx context.Context, planID string, opts ReconcileOptions) (ReconcileReport, error) {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = s.cfg.ReconcileDefaultMaxRounds
	}
	if opts.Interval <= 0 {
		opts.Interval = s.cfg.ReconcileDefaultInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = s.cfg.ReconcileDefaultMaxAge
	}

	plan, err := s.db.GetPlan(ctx, s.mode, planID)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{PlanID: planID, PlanStatus: plan.Status, NextAction: ActionNone}
	if plan.Status != persistence.PlanRunning {
		report.Terminal = true
		return report, nil
	}

	var orders []persistence.Order
	refresh := func(countRound bool) error {
		stats, err := s.RefreshPlan(ctx, planID)
		if err != nil {
			return err
		}
		report.Stats = stats
		if countRound {
			report.Rounds++
		}
		orders, err = s.db.ListOrdersByPlan(ctx, s.mode, planID)
		return err
	}

	if err := refresh(true); err != nil {
		return report, err
	}
	for !allTerminal(orders) && report.Rounds < opts.MaxRounds {
		if opts.MaxAge > 0 && s.now().Sub(plan.CreatedAt) >= opts.MaxAge {
			report.Timeout = true
			// One last look before acting on the timeout.
			if err := refresh(false); err != nil {
				return report, err
			}
			break
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(opts.Interval):
		}
		if err := refresh(true); err != nil {
			return report, err
		}
	}
	if !allTerminal(orders) && !report.Timeout && report.Rounds >= opts.MaxRounds {
		report.Exhausted = true
		if err := refresh(false); err != nil {
			return report, err
		}
	}

	report.Terminal = allTerminal(orders)
	report.StatusCounts = statusCounts(orders)
	report.NextAction = PreviewNextAction(report.Terminal, opts.AutoCancel, report.Timeout, report.Exhausted, report.StatusCounts)

	var resolveErr error
	switch {
	case opts.AutoCancel && !report.Terminal:
		resolveErr = s.autoCancelPlan(ctx, &report, orders)
	case report.Terminal:
		resolveErr = s.finalizeTerminal(ctx, planID, &report, orders)
	default:
		switch {
		case report.Timeout:
			report.Reason = fmt.Sprintf("timeout (age_seconds=%d, max_age_seconds=%d)",
				int(s.now().Sub(plan.CreatedAt).Seconds()), int(opts.MaxAge.Seconds()))
		case report.Exhausted:
			report.Reason = fmt.Sprintf("max_rounds_exhausted (max_rounds=%d, rounds=%d)", opts.MaxRounds, report.Rounds)
		default:
			report.Reason = fmt.Sprintf("not_terminal (rounds=%d)", report.Rounds)
		}
		report.PlanStatus = persistence.PlanFailed
		resolveErr = s.db.UpdatePlanStatus(ctx, s.mode, planID, persistence.PlanFailed, report.Reason)
	}
	if resolveErr != nil {
		return report, resolveErr
	}

	s.appendLeg(ctx, planID, persistence.LegReconcileSummary, reconcileSummary(&report, opts))
	return report, nil
}

// autoCancelPlan cancels every open leg. Success leaves the plan cancelled;
// a venue refusal fails the plan and hands it to an operator.
func (s *Service) autoCancelPlan(ctx context.Context, report *ReconcileReport, orders []persistence.Order) error {
	report.AutoCancelAttempted = true
	if err := s.cancelOpenOrders(ctx, orders); err != nil {
		report.Reason = fmt.Sprintf("auto_cancel_failed: %v", err)
		report.NextAction = ActionManualInvestigate
		report.PlanStatus = persistence.PlanFailed
		return s.db.UpdatePlanStatus(ctx, s.mode, report.PlanID, persistence.PlanFailed, report.Reason)
	}
	report.AutoCancelSucceeded = true
	if _, err := s.RefreshPlan(ctx, report.PlanID); err != nil {
		log.Warn().Err(err).Str("plan_id", report.PlanID).Msg("refresh after auto-cancel failed")
	}
	if latest, err := s.db.ListOrdersByPlan(ctx, s.mode, report.PlanID); err == nil {
		report.StatusCounts = statusCounts(latest)
	}
	report.NextAction = ActionNone
	report.PlanStatus = persistence.PlanCanceled
	return s.db.UpdatePlanStatus(ctx, s.mode, report.PlanID, persistence.PlanCanceled, "")
}

func (s *Service) cancelOpenOrders(ctx context.Context, orders []persistence.Order) error {
	for _, order := range orders {
		if exchange.IsTerminalStatus(order.Status) {
			continue
		}
		if err := s.CancelOrder(ctx, order.ID); err != nil {
			return err
		}
	}
	return nil
}

// finalizePlan settles or fails a plan whose legs are all terminal.
func (s *Service) finalizePlan(ctx context.Context, planID string) error {
	orders, err := s.db.ListOrdersByPlan(ctx, s.mode, planID)
	if err != nil {
		return err
	}
	report := ReconcileReport{PlanID: planID}
	return s.finalizeTerminal(ctx, planID, &report, orders)
}

// finalizeTerminal resolves a fully-terminal plan: any rejected leg fails it,
// otherwise it settles and completes.
func (s *Service) finalizeTerminal(ctx context.Context, planID string, report *ReconcileReport, orders []persistence.Order) error {
	for _, order := range orders {
		if order.Status == exchange.StatusRejected {
			report.Reason = "rejected"
			report.PlanStatus = persistence.PlanFailed
			return s.db.UpdatePlanStatus(ctx, s.mode, planID, persistence.PlanFailed, report.Reason)
		}
	}
	if err := s.SettlePlan(ctx, planID); err != nil {
		return err
	}
	report.PlanStatus = persistence.PlanCompleted
	report.Settled = true
	return nil
}

// PreviewNextAction is the rule table mapping the flags and final status
// counts of a reconcile pass to the recommended follow-up. Terminal plans need
// nothing; an auto-cancelling pass resolves itself; a pass that timed out or
// ran out of rounds with legs still open suggests cancelling them.
func PreviewNextAction(terminal, autoCancel, timeout, exhausted bool, counts map[string]int) string {
	switch {
	case terminal:
		return ActionNone
	case autoCancel:
		return ActionWaitCancel
	case timeout || exhausted:
		if counts[exchange.StatusNew]+counts[exchange.StatusPartiallyFilled] > 0 {
			return ActionConsiderAutoCancel
		}
		return ActionReconcileAgain
	}
	return ActionReconcileAgain
}

// reconcileSummary is the reconcile_summary record appended to the plan legs.
func reconcileSummary(report *ReconcileReport, opts ReconcileOptions) map[string]any {
	summary := map[string]any{
		"rounds":               report.Rounds,
		"terminal":             report.Terminal,
		"timeout":              report.Timeout,
		"max_rounds_exhausted": report.Exhausted,
		"status_counts":        report.StatusCounts,
		"next_action":          report.NextAction,
		"plan_status":          report.PlanStatus,
		"reconcile_stats": map[string]any{
			"refreshed":             report.Stats.OK,
			"skipped":               report.Stats.Skipped,
			"failed":                report.Stats.Failed,
			"auto_cancel_attempted": report.AutoCancelAttempted,
			"auto_cancel_succeeded": report.AutoCancelSucceeded,
		},
	}
	if report.NextAction == ActionReconcileAgain || report.NextAction == ActionConsiderAutoCancel {
		summary["suggested_request"] = map[string]any{
			"max_rounds":      opts.MaxRounds,
			"sleep_ms":        opts.Interval.Milliseconds(),
			"max_age_seconds": int(opts.MaxAge.Seconds()),
			"auto_cancel":     report.NextAction == ActionConsiderAutoCancel,
		}
	}
	return summary
}
