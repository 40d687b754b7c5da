package oms

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/decision"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/exchange/fake"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
	"github.com/inarbit/inarbit/internal/persistence"
	"github.com/inarbit/inarbit/internal/persistence/memory"
	"github.com/inarbit/inarbit/internal/scanner"
)

func omsTestConfig() *config.Config {
	return &config.Config{
		ExchangeProvider: "fake",
		EnableLiveOMS:    true,
		Pairs: []config.Pair{
			{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", IsActive: true},
			{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT", IsActive: true},
			{Symbol: "ETH/BTC", Base: "ETH", Quote: "BTC", IsActive: true},
		},
		OMS: config.OMSConfig{
			DedupeTTL:                 time.Minute,
			FeeRate:                   0.001,
			PostExecPollEnabled:       false,
			PostExecPollAttempts:      2,
			PostExecPollInterval:      time.Millisecond,
			ReconcileDefaultMaxRounds: 2,
			ReconcileDefaultInterval:  time.Millisecond,
			ReconcileDefaultMaxAge:    time.Minute,
			ReconcileAutoCancel:       true,
			FailureCompensateCancel:   true,
		},
	}
}

type omsFixture struct {
	store   kv.Store
	db      *memory.Store
	adapter *fake.Adapter
	svc     *Service
}

func newFixture(t *testing.T, mode persistence.Mode) *omsFixture {
	return newFixtureWithConfig(t, mode, omsTestConfig())
}

func newFixtureWithConfig(t *testing.T, mode persistence.Mode, cfg *config.Config) *omsFixture {
	t.Helper()
	store := kv.NewMemory()
	db := memory.NewStore()
	adapter := fake.New()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	svc, err := NewService(mode, adapter, db, store, repo, cfg, "fake")
	require.NoError(t, err)
	return &omsFixture{store: store, db: db, adapter: adapter, svc: svc}
}

func seedTicker(t *testing.T, store kv.Store, symbol string, bid, ask float64) {
	t.Helper()
	require.NoError(t, store.HSet(context.Background(), kv.TickerKey("fake", symbol), map[string]string{
		"bid":       strconv.FormatFloat(bid, 'f', -1, 64),
		"ask":       strconv.FormatFloat(ask, 'f', -1, 64),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, 0))
}

func seedDecision(t *testing.T, store kv.Store, decisions ...decision.Decision) {
	t.Helper()
	members := make([]kv.Z, 0, len(decisions))
	for _, d := range decisions {
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		members = append(members, kv.Z{Member: string(raw), Score: d.RiskScore.InexactFloat64()})
	}
	require.NoError(t, store.ReplaceSortedSet(context.Background(), kv.LatestDecisionsKey, members, 0))
}

func ccDecision(symbol, direction string) decision.Decision {
	opp := scanner.CashCarryOpportunity{
		StrategyType: "cashcarry", Exchange: "fake", Symbol: symbol, Direction: direction,
		SpotPrice: 50000, PerpPrice: 50150, BasisRate: 0.003, FundingRate: 0.0009,
		ProfitRate: 0.004, Timestamp: time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(opp)
	weight := decimal.NewFromInt(1)
	return decision.Decision{
		StrategyType:       "cashcarry",
		Exchange:           "fake",
		Symbol:             symbol,
		Direction:          direction,
		ExpectedProfitRate: decimal.NewFromFloat(0.004),
		EstimatedExposure:  decimal.NewFromInt(1000),
		RiskScore:          decimal.NewFromFloat(0.3),
		Confidence:         decimal.NewFromFloat(0.8),
		Timestamp:          time.Now().UnixMilli(),
		RawOpportunity:     raw,
		Regime:             "RANGE",
		RoutingWeight:      &weight,
	}
}

func triDecision() decision.Decision {
	opp := scanner.TriangularOpportunity{
		StrategyType: "triangular", Exchange: "fake",
		Path:       []string{"USDT", "BTC", "ETH", "USDT"},
		Symbols:    []string{"BTC/USDT", "ETH/BTC", "ETH/USDT"},
		ProfitRate: 0.0068, Timestamp: time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(opp)
	weight := decimal.NewFromInt(1)
	return decision.Decision{
		StrategyType:       "triangular",
		Exchange:           "fake",
		Symbol:             "ETH/BTC",
		Direction:          decision.DirectionTriangular,
		ExpectedProfitRate: decimal.NewFromFloat(0.0068),
		EstimatedExposure:  decimal.NewFromInt(1000),
		RiskScore:          decimal.NewFromFloat(0.3),
		Confidence:         decimal.NewFromFloat(0.8),
		Timestamp:          time.Now().UnixMilli(),
		RawOpportunity:     raw,
		Regime:             "RANGE",
		RoutingWeight:      &weight,
	}
}

func position(t *testing.T, fx *omsFixture, userID, instrument, accountType string) *persistence.Position {
	t.Helper()
	p, err := fx.db.GetPosition(context.Background(), fx.svc.Mode(), userID, "fake", instrument, accountType)
	require.NoError(t, err)
	return p
}

// legKinds decodes the plan legs list and returns the kind tags of the
// summary records appended after creation.
func legKinds(t *testing.T, fx *omsFixture, planID string) []string {
	t.Helper()
	plan, err := fx.db.GetPlan(context.Background(), fx.svc.Mode(), planID)
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(plan.LegsJSON), &entries))
	var kinds []string
	for _, entry := range entries {
		if kind, ok := entry["kind"].(string); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func TestPaperCashCarryExecutesAndSettles(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	seedDecision(t, fx.store, ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp))

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "", false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, persistence.PlanCompleted, results[0].Status)

	plan, err := fx.db.GetPlan(ctx, persistence.ModePaper, results[0].PlanID)
	require.NoError(t, err)
	assert.Equal(t, persistence.PlanCompleted, plan.Status)

	orders, err := fx.db.ListOrdersByPlan(ctx, persistence.ModePaper, plan.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, order := range orders {
		assert.Equal(t, exchange.StatusFilled, order.Status)
		assert.Equal(t, exchange.TypeMarket, order.Type)
		assert.Nil(t, order.Price, "a market leg carries no limit price")
	}
	assert.Equal(t, "spot", orders[0].Role)
	assert.Equal(t, exchange.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.02")), "1000 USDT at 50000")
	assert.Equal(t, "perp", orders[1].Role)
	assert.Equal(t, exchange.SideSell, orders[1].Side)

	records, err := fx.svc.PlanPnL(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "USDT", record.QuoteAsset)
	assert.Equal(t, "BTC/USDT", record.Symbol)
	assert.True(t, record.BuyNotional.Equal(decimal.NewFromInt(1000)), "buy %s", record.BuyNotional)
	assert.True(t, record.SellNotional.Equal(decimal.NewFromInt(1003)), "sell %s", record.SellNotional)
	assert.True(t, record.Net.Equal(decimal.NewFromInt(3)))
	assert.True(t, record.Fees.Equal(decimal.RequireFromString("2.003")))
	assert.True(t, record.Profit.Equal(decimal.RequireFromString("0.997")))
	wantRate := decimal.RequireFromString("0.997").Div(decimal.NewFromInt(2003)).Round(8)
	assert.True(t, record.ProfitRate.Equal(wantRate),
		"profit over the 2003 total notional: %s", record.ProfitRate)

	// Positions: long spot base, short perp contract, quote balance drawn down.
	btc := position(t, fx, "user-1", "BTC", "spot")
	assert.True(t, btc.Quantity.Equal(decimal.RequireFromString("0.02")))
	require.NotNil(t, btc.AvgEntryPrice)
	assert.True(t, btc.AvgEntryPrice.Equal(decimal.NewFromInt(50000)))

	perp := position(t, fx, "user-1", "BTC/USDT", "perp")
	assert.True(t, perp.Quantity.Equal(decimal.RequireFromString("-0.02")))
	require.NotNil(t, perp.AvgEntryPrice)
	assert.True(t, perp.AvgEntryPrice.Equal(decimal.NewFromInt(50150)))

	usdt := position(t, fx, "user-1", "bal:USDT", "balance")
	assert.True(t, usdt.Quantity.Equal(decimal.RequireFromString("8997.997")),
		"10000 credit - 1000 notional - 1 spot fee - 1.003 perp fee: %s", usdt.Quantity)

	kinds := legKinds(t, fx, plan.ID)
	assert.Contains(t, kinds, persistence.LegExecutionSummary)
	assert.Contains(t, kinds, persistence.LegPnLSummary)
}

func TestPaperTriangularWalksThePath(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	seedTicker(t, fx.store, "BTC/USDT", 49990, 50000)
	seedTicker(t, fx.store, "ETH/BTC", 0.0499, 0.05)
	seedTicker(t, fx.store, "ETH/USDT", 2520, 2521)
	seedDecision(t, fx.store, triDecision())

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "", false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, persistence.PlanCompleted, results[0].Status)

	orders, err := fx.db.ListOrdersByPlan(ctx, persistence.ModePaper, results[0].PlanID)
	require.NoError(t, err)
	require.Len(t, orders, 3)

	// USDT -> BTC -> ETH -> USDT with amounts propagated hop to hop.
	assert.Equal(t, exchange.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Quantity.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, exchange.SideBuy, orders[1].Side)
	assert.True(t, orders[1].Quantity.Equal(decimal.RequireFromString("0.4")), "0.02 BTC at 0.05")
	assert.Equal(t, exchange.SideSell, orders[2].Side)
	assert.True(t, orders[2].Quantity.Equal(decimal.RequireFromString("0.4")))

	records, err := fx.svc.PlanPnL(ctx, results[0].PlanID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	assert.Empty(t, record.QuoteAsset, "the BTC-quoted cross leg leaves no single quote currency")
	assert.Empty(t, record.Symbol)
	assert.True(t, record.BuyNotional.Equal(decimal.RequireFromString("1000.02")),
		"1000 USDT entry + 0.02 BTC cross: %s", record.BuyNotional)
	assert.True(t, record.SellNotional.Equal(decimal.NewFromInt(1008)), "0.4 ETH at 2520")
	assert.True(t, record.Fees.Equal(decimal.RequireFromString("2.00802")),
		"1 + 0.00002 + 1.008 across all fills: %s", record.Fees)
	assert.True(t, record.Profit.Equal(decimal.RequireFromString("5.97198")), "profit %s", record.Profit)
	wantRate := decimal.RequireFromString("5.97198").Div(decimal.RequireFromString("2008.02")).Round(8)
	assert.True(t, record.ProfitRate.Equal(wantRate), "rate %s", record.ProfitRate)

	// The intermediate currencies net out except the BTC-denominated fee.
	btcBal := position(t, fx, "user-1", "bal:BTC", "balance")
	assert.True(t, btcBal.Quantity.Equal(decimal.RequireFromString("-0.00002")), "btc %s", btcBal.Quantity)
	ethBal := position(t, fx, "user-1", "bal:ETH", "balance")
	assert.True(t, ethBal.Quantity.IsZero())
	usdt := position(t, fx, "user-1", "bal:USDT", "balance")
	assert.True(t, usdt.Quantity.Equal(decimal.RequireFromString("10005.992")), "usdt %s", usdt.Quantity)
}

func TestPaperFeeUsesConfiguredRate(t *testing.T) {
	ctx := context.Background()
	cfg := omsTestConfig()
	cfg.OMS.FeeRate = 0.0004
	fx := newFixtureWithConfig(t, persistence.ModePaper, cfg)

	seedDecision(t, fx.store, ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp))

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "", false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	records, err := fx.svc.PlanPnL(ctx, results[0].PlanID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Fees.Equal(decimal.RequireFromString("0.8012")),
		"4 bps on 2003 total notional: %s", records[0].Fees)
}

func TestExecuteLatestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	seedDecision(t, fx.store, ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp))

	first, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "req-42", false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].Replayed)

	second, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "req-42", false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Replayed)
	assert.Equal(t, first[0].PlanID, second[0].PlanID)

	completed, err := fx.db.ListPlansByStatus(ctx, persistence.ModePaper, persistence.PlanCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1, "the replay must not execute again")
}

func TestExecuteLatestSurfacesInFlightCall(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	// A first call holding the key but not yet done writing its result.
	key := kv.DedupeKey("user-1", "req-9")
	fresh, err := fx.store.SetNX(ctx, key, "pending", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	_, err = fx.svc.ExecuteLatest(ctx, "user-1", 1, "req-9", false)
	require.ErrorIs(t, err, ErrExecutionInFlight)
}

func TestExecuteCreatesOnePlanPerCall(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	seedDecision(t, fx.store,
		ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp),
		ccDecision("ETH/USDT", scanner.DirectionLongSpotShortPerp))

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 5, "", false)
	require.NoError(t, err)
	require.Len(t, results, 1, "only the first matching decision executes")

	completed, err := fx.db.ListPlansByStatus(ctx, persistence.ModePaper, persistence.PlanCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestExecuteFiltersByVenueAndEnabledPairs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	elsewhere := ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp)
	elsewhere.Exchange = "okx"
	disabled := ccDecision("DOGE/USDT", scanner.DirectionLongSpotShortPerp)
	seedDecision(t, fx.store, elsewhere, disabled)

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 5, "", false)
	require.NoError(t, err)
	assert.Empty(t, results, "foreign venues and unlisted pairs are skipped")
}

func TestExecuteSkipsMalformedDecisions(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	require.NoError(t, fx.store.ReplaceSortedSet(ctx, kv.LatestDecisionsKey, []kv.Z{
		{Member: "{not json", Score: 0.1},
	}, 0))

	results, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "", false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLiveExecutionRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModeLive)

	seedDecision(t, fx.store, ccDecision("BTC/USDT", scanner.DirectionLongSpotShortPerp))

	_, err := fx.svc.ExecuteLatest(ctx, "user-1", 1, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation")
}

func TestLiveModeRequiresExplicitEnable(t *testing.T) {
	cfg := omsTestConfig()
	cfg.EnableLiveOMS = false
	store := kv.NewMemory()
	repo := marketdata.NewRepository(store, time.Millisecond, 2000)
	_, err := NewService(persistence.ModeLive, fake.New(), memory.NewStore(), store, repo, cfg, "fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
