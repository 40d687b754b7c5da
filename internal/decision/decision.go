// Package decision turns scanner opportunity streams into a ranked, risk-
// scored decision stream. It layers three filters: human risk constraints,
// an automatic overlay derived from live data quality and market regime, and
// per-strategy routing weights.
package decision

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Decision is the stream member shape written to decisions:latest. Decimal
// fields serialize as quoted strings; routingWeight is null until global
// constraints have been applied.
type Decision struct {
	StrategyType       string           `json:"strategyType"`
	Exchange           string           `json:"exchange"`
	Symbol             string           `json:"symbol"`
	Direction          string           `json:"direction"`
	ExpectedProfitRate decimal.Decimal  `json:"expectedProfitRate"`
	EstimatedExposure  decimal.Decimal  `json:"estimatedExposure"`
	RiskScore          decimal.Decimal  `json:"riskScore"`
	Confidence         decimal.Decimal  `json:"confidence"`
	Timestamp          int64            `json:"timestamp"`
	RawOpportunity     json.RawMessage  `json:"rawOpportunity"`
	Regime             string           `json:"regime,omitempty"`
	RoutingWeight      *decimal.Decimal `json:"routingWeight"`
}

// DirectionTriangular marks decisions whose execution is a symbol path, not a
// long/short pair.
const DirectionTriangular = "triangular"
