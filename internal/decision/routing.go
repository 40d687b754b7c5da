package decision

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Routing is the per-strategy gate applied after individual evaluation.
// RegimeWeights scale the risk score: a low weight in a hostile regime pushes
// the strategy down the ranking, zero removes it outright.
type Routing struct {
	AllowShort    bool               `json:"allow_short"`
	MaxLeverage   float64            `json:"max_leverage"`
	RegimeWeights map[string]float64 `json:"regime_weights"`
	IsEnabled     bool               `json:"is_enabled"`
}

func DefaultRouting() Routing {
	return Routing{
		AllowShort:  true,
		MaxLeverage: 1.0,
		RegimeWeights: map[string]float64{
			"RANGE":     1.0,
			"DOWNTREND": 0.6,
			"UPTREND":   0.7,
			"STRESS":    0.2,
		},
		IsEnabled: true,
	}
}

// RoutingSource provides routing keyed by strategy name, typically backed by
// the strategy_configs table.
type RoutingSource interface {
	StrategyRouting(ctx context.Context) (map[string]Routing, error)
}

// refreshRouting reloads the routing table when the cache has aged out.
// Fetch failures keep the previous table. Called with the service mutex held.
func (s *Service) refreshRouting(ctx context.Context) {
	if s.routingSource == nil {
		return
	}
	ttl := s.cfg.RoutingCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if s.routingCache != nil && s.now().Sub(s.routingFetchedAt) < ttl {
		return
	}
	table, err := s.routingSource.StrategyRouting(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("strategy routing refresh failed, keeping cached table")
		return
	}
	s.routingCache = table
	s.routingFetchedAt = s.now()
}

// routingFor resolves the routing for a strategy. Cash-and-carry is stored
// under its historical name funding_rate; a strategy with no row runs on the
// defaults.
func (s *Service) routingFor(strategy string) Routing {
	keys := []string{strategy}
	if strategy == "cashcarry" {
		keys = []string{"funding_rate", strategy}
	}
	for _, key := range keys {
		if r, ok := s.routingCache[key]; ok {
			return normalizeRouting(r)
		}
	}
	return DefaultRouting()
}

// normalizeRouting fills in missing regime weights so a partial row does not
// silently drop every decision in an unlisted regime.
func normalizeRouting(r Routing) Routing {
	defaults := DefaultRouting().RegimeWeights
	if r.RegimeWeights == nil {
		r.RegimeWeights = defaults
		return r
	}
	weights := make(map[string]float64, len(defaults))
	for regime, weight := range defaults {
		weights[regime] = weight
	}
	for regime, weight := range r.RegimeWeights {
		weights[strings.ToUpper(regime)] = weight
	}
	r.RegimeWeights = weights
	return r
}
