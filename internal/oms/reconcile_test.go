package oms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/persistence"
	"github.com/inarbit/inarbit/internal/scanner"
)

func executeLivePlan(t *testing.T, fx *omsFixture) string {
	t.Helper()
	// Market orders resolve their fill price from the venue ticker.
	bid, ask := 49990.0, 50000.0
	fx.adapter.SetTicker(exchange.AccountSpot, exchange.Ticker{Symbol: "BTC/USDT", Bid: &bid, Ask: &ask})
	perpBid, perpAsk := 50150.0, 50160.0
	fx.adapter.SetTicker(exchange.AccountPerp, exchange.Ticker{Symbol: "BTC/USDT", Bid: &perpBid, Ask: &perpAsk})

	seedDecision(t, fx.store, ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp))
	results, err := fx.svc.ExecuteLatest(context.Background(), "user-1", 1, "", true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0].PlanID
}

func TestLiveImmediateFillSettlesOnReconcile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)
	fx.adapter.SetFillOrders(true)

	planID := executeLivePlan(t, fx)

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Settled)
	assert.True(t, report.Terminal)
	assert.Equal(t, persistence.PlanCompleted, report.PlanStatus)
	assert.Equal(t, ActionNone, report.NextAction)

	records, err := fx.svc.PlanPnL(ctx, planID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Net.Equal(decimal.NewFromInt(3)), "net %s", records[0].Net)
}

func TestReconcilePicksUpLateFills(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)

	orders, err := fx.db.ListOrdersByPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, order := range orders {
		assert.Equal(t, exchange.StatusNew, order.Status)
	}

	// The venue fills both legs after the fact.
	fx.adapter.AdvanceOrder(orders[0].ExchangeOrderID, exchange.StatusFilled,
		orders[0].Quantity, decimal.NewFromInt(50000))
	fx.adapter.AdvanceOrder(orders[1].ExchangeOrderID, exchange.StatusFilled,
		orders[1].Quantity, decimal.NewFromInt(50150))

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{MaxRounds: 3, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, report.Settled)
	assert.Equal(t, persistence.PlanCompleted, report.PlanStatus)
	assert.Equal(t, ActionNone, report.NextAction)

	refreshed, err := fx.db.GetOrder(ctx, persistence.ModeLive, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, refreshed.Status)
	assert.True(t, refreshed.FilledQuantity.Equal(orders[0].Quantity))
	require.NotNil(t, refreshed.AvgFillPrice)
	assert.True(t, refreshed.AvgFillPrice.Equal(decimal.NewFromInt(50000)))
}

func TestReconcileTimeoutFailsPlanAndSuggestsCancel(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)

	// Venue never fills; two hours pass.
	fx.svc.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{
		MaxRounds: 2, Interval: time.Millisecond, MaxAge: 30 * time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, report.Settled)
	assert.True(t, report.Timeout)
	assert.Equal(t, persistence.PlanFailed, report.PlanStatus)
	assert.Contains(t, report.Reason, "timeout (age_seconds=")
	assert.Contains(t, report.Reason, "max_age_seconds=1800")
	assert.Equal(t, ActionConsiderAutoCancel, report.NextAction, "open legs after a timeout")
	assert.Equal(t, 2, report.StatusCounts[exchange.StatusNew])

	plan, err := fx.db.GetPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)
	assert.Equal(t, persistence.PlanFailed, plan.Status)
	assert.Contains(t, plan.FailReason, "timeout")

	kinds := legKinds(t, fx, planID)
	assert.Contains(t, kinds, persistence.LegReconcileSummary)

	// The plan is terminal now; another pass is a cheap no-op.
	again, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{MaxRounds: 5})
	require.NoError(t, err)
	assert.True(t, again.Terminal)
	assert.Zero(t, again.Rounds)
	assert.Equal(t, ActionNone, again.NextAction)
}

func TestReconcileAutoCancelLeavesPlanCancelled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)
	fx.svc.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{
		MaxRounds: 2, Interval: time.Millisecond, MaxAge: 30 * time.Minute, AutoCancel: true,
	})
	require.NoError(t, err)
	assert.False(t, report.Settled)
	assert.True(t, report.AutoCancelAttempted)
	assert.True(t, report.AutoCancelSucceeded)
	assert.Equal(t, persistence.PlanCanceled, report.PlanStatus)
	assert.Equal(t, ActionNone, report.NextAction)
	assert.Empty(t, report.Reason)
	assert.Equal(t, 2, report.StatusCounts[exchange.StatusCanceled])

	plan, err := fx.db.GetPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)
	assert.Equal(t, persistence.PlanCanceled, plan.Status)

	orders, err := fx.db.ListOrdersByPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)
	for _, order := range orders {
		assert.Equal(t, exchange.StatusCanceled, order.Status)
	}
}

func TestReconcileReportsAutoCancelFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)
	fx.adapter.FailWith("cancel", errors.New("venue rejected the cancel"))

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{
		MaxRounds: 1, Interval: time.Millisecond, AutoCancel: true,
	})
	require.NoError(t, err)
	assert.True(t, report.AutoCancelAttempted)
	assert.False(t, report.AutoCancelSucceeded)
	assert.Contains(t, report.Reason, "auto_cancel_failed: venue rejected the cancel")
	assert.Equal(t, persistence.PlanFailed, report.PlanStatus)
	assert.Equal(t, ActionManualInvestigate, report.NextAction)
}

func TestReconcileExhaustedRoundsFailsPlan(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{
		MaxRounds: 2, Interval: time.Millisecond, MaxAge: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, report.Exhausted)
	assert.Equal(t, "max_rounds_exhausted (max_rounds=2, rounds=2)", report.Reason)
	assert.Equal(t, persistence.PlanFailed, report.PlanStatus)
	assert.Equal(t, ActionConsiderAutoCancel, report.NextAction)

	plan, err := fx.db.GetPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)
	assert.Equal(t, persistence.PlanFailed, plan.Status)
	assert.Equal(t, report.Reason, plan.FailReason)
}

func TestReconcileFailsPlanWithRejectedLeg(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	planID := executeLivePlan(t, fx)
	orders, err := fx.db.ListOrdersByPlan(ctx, persistence.ModeLive, planID)
	require.NoError(t, err)

	fx.adapter.AdvanceOrder(orders[0].ExchangeOrderID, exchange.StatusFilled,
		orders[0].Quantity, decimal.NewFromInt(50000))
	fx.adapter.AdvanceOrder(orders[1].ExchangeOrderID, exchange.StatusRejected,
		decimal.Zero, decimal.Zero)

	report, err := fx.svc.ReconcilePlan(ctx, planID, ReconcileOptions{MaxRounds: 2, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.False(t, report.Settled)
	assert.True(t, report.Terminal)
	assert.Equal(t, persistence.PlanFailed, report.PlanStatus)
	assert.Equal(t, "rejected", report.Reason)
	assert.Equal(t, ActionNone, report.NextAction)
}

func TestPreviewNextAction(t *testing.T) {
	open := map[string]int{exchange.StatusNew: 2}
	partial := map[string]int{exchange.StatusPartiallyFilled: 1}
	done := map[string]int{exchange.StatusFilled: 2}

	assert.Equal(t, ActionNone, PreviewNextAction(true, true, true, true, done))
	assert.Equal(t, ActionWaitCancel, PreviewNextAction(false, true, false, false, open))
	assert.Equal(t, ActionConsiderAutoCancel, PreviewNextAction(false, false, true, false, open))
	assert.Equal(t, ActionConsiderAutoCancel, PreviewNextAction(false, false, false, true, partial))
	assert.Equal(t, ActionReconcileAgain, PreviewNextAction(false, false, true, false, done),
		"nothing left open, so cancelling buys nothing")
	assert.Equal(t, ActionReconcileAgain, PreviewNextAction(false, false, false, false, open))
}
