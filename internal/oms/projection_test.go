package oms

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarbit/inarbit/internal/persistence"
)

func applyDelta(t *testing.T, fx *omsFixture, qty, price string) *persistence.Position {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.svc.applyPositionDelta(ctx, "user-1", "BTC", "spot",
		decimal.RequireFromString(qty), decimal.RequireFromString(price)))
	return position(t, fx, "user-1", "BTC", "spot")
}

func TestPositionEntryPriceLaws(t *testing.T) {
	fx := newFixture(t, persistence.ModePaper)

	// Opening from flat takes the fill price.
	p := applyDelta(t, fx, "1", "100")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, p.AvgEntryPrice)
	assert.True(t, p.AvgEntryPrice.Equal(decimal.NewFromInt(100)))

	// Adding in the same direction blends a weighted average.
	p = applyDelta(t, fx, "1", "200")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, p.AvgEntryPrice.Equal(decimal.NewFromInt(150)))

	// Reducing leaves the average untouched.
	p = applyDelta(t, fx, "-1", "300")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, p.AvgEntryPrice.Equal(decimal.NewFromInt(150)))

	// Flipping through zero resets the average to the fill price.
	p = applyDelta(t, fx, "-3", "250")
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, p.AvgEntryPrice.Equal(decimal.NewFromInt(250)))

	// Closing flat clears the average entirely.
	p = applyDelta(t, fx, "2", "400")
	assert.True(t, p.Quantity.IsZero())
	assert.Nil(t, p.AvgEntryPrice)
}

func TestPaperFundsSeededOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	fx.db.SeedSimulationConfig(persistence.SimulationConfig{
		UserID: "user-1", QuoteCurrency: "USDT", InitialBalance: decimal.NewFromInt(250),
	})

	require.NoError(t, fx.svc.ensurePaperFunds(ctx, "user-1"))
	require.NoError(t, fx.svc.ensurePaperFunds(ctx, "user-1"))

	usdt := position(t, fx, "user-1", "bal:USDT", "balance")
	assert.True(t, usdt.Quantity.Equal(decimal.NewFromInt(250)), "credited exactly once: %s", usdt.Quantity)

	entries, err := fx.db.ListLedger(ctx, persistence.ModePaper, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "simulation_credit", entries[0].Reason)
}

func TestLedgerSkipsZeroDeltas(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, persistence.ModePaper)

	order := &persistence.Order{ID: 1, UserID: "user-1", Exchange: "fake"}
	require.NoError(t, fx.svc.recordDelta(ctx, order, "USDT", decimal.Zero, "fill"))

	entries, err := fx.db.ListLedger(ctx, persistence.ModePaper, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
