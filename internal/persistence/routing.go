package persistence

import (
	"context"
	"encoding/json"

	"github.com/inarbit/inarbit/internal/decision"
)

// RoutingAdapter exposes strategy_configs rows as a decision.RoutingSource.
// Rows belong to the oldest registered user, matching single-operator
// deployments where that user owns the system configuration.
type RoutingAdapter struct {
	store Store
}

func NewRoutingAdapter(store Store) *RoutingAdapter {
	return &RoutingAdapter{store: store}
}

func (a *RoutingAdapter) StrategyRouting(ctx context.Context) (map[string]decision.Routing, error) {
	userID, err := a.store.OldestUserID(ctx)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return map[string]decision.Routing{}, nil
	}
	rows, err := a.store.ListStrategyConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	table := make(map[string]decision.Routing, len(rows))
	for _, row := range rows {
		routing := decision.Routing{
			AllowShort:  row.AllowShort,
			MaxLeverage: row.MaxLeverage,
			IsEnabled:   row.IsEnabled,
		}
		if row.RegimeWeightsJSON != "" {
			var weights map[string]float64
			if err := json.Unmarshal([]byte(row.RegimeWeightsJSON), &weights); err == nil {
				routing.RegimeWeights = weights
			}
		}
		table[row.StrategyName] = routing
	}
	return table, nil
}
