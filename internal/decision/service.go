package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
	"github.com/inarbit/inarbit/internal/regime"
)

// maxDecisions caps the stream even if max_positions is raised above it.
const maxDecisions = 50

// Service is the decision engine: it reads both opportunity streams, filters
// and scores each entry, applies per-strategy routing and publishes the
// surviving decisions ranked by risk.
type Service struct {
	store         kv.Store
	repo          *marketdata.Repository
	detector      *regime.Detector
	routingSource RoutingSource
	cfg           config.DecisionConfig
	exchangeID    string

	mu               sync.Mutex
	constraints      RiskConstraints
	overlay          AutoOverlay
	lastOverlayAt    time.Time
	routingCache     map[string]Routing
	routingFetchedAt time.Time
	now              func() time.Time
}

func NewService(store kv.Store, repo *marketdata.Repository, detector *regime.Detector, routing RoutingSource, appCfg *config.Config, exchangeID string) *Service {
	return &Service{
		store:         store,
		repo:          repo,
		detector:      detector,
		routingSource: routing,
		cfg:           appCfg.Decision,
		exchangeID:    exchangeID,
		constraints:   DefaultConstraints(),
		overlay:       neutralOverlay(time.Now().UnixMilli()),
		now:           time.Now,
	}
}

// SetClock replaces the service clock. Test-only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Service) Run(ctx context.Context) error {
	s.loadConstraints(ctx)
	log.Info().Str("exchange", s.exchangeID).Dur("interval", s.cfg.RefreshInterval).
		Msg("decision service started")
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := s.scanOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("decision scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) scanOnce(ctx context.Context) error {
	start := time.Now()

	triangular, err := s.store.ZRevRangeWithScores(ctx, kv.TriangularOpportunitiesKey, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read triangular stream: %w", err)
	}
	cashcarry, err := s.store.ZRevRangeWithScores(ctx, kv.CashCarryOpportunitiesKey, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to read cash-and-carry stream: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshAutoOverlay(ctx, triangular, cashcarry)
	s.refreshRouting(ctx)

	var decisions []Decision
	for _, z := range triangular {
		if d := s.evaluateTriangular(ctx, z.Member, z.Score); d != nil {
			decisions = append(decisions, *d)
		}
	}
	for _, z := range cashcarry {
		if d := s.evaluateCashCarry(ctx, z.Member, z.Score); d != nil {
			decisions = append(decisions, *d)
		}
	}

	decisions = s.applyGlobalConstraints(decisions)
	if err := s.writeDecisions(ctx, decisions); err != nil {
		return err
	}

	elapsed := time.Since(start)
	metrics := map[string]string{
		"last_scan_ms":   fmt.Sprintf("%.1f", float64(elapsed.Microseconds())/1000),
		"decision_count": strconv.Itoa(len(decisions)),
		"timestamp_ms":   strconv.FormatInt(s.now().UnixMilli(), 10),
	}
	if err := s.store.HSet(ctx, kv.ServiceMetricsKey("decision_service"), metrics, 120*time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to write decision metrics")
	}
	return nil
}

// applyGlobalConstraints routes, deduplicates and caps the decision set.
// Routing divides risk by the regime weight, so a down-weighted strategy
// sinks in the ranking before the position cap trims the tail.
func (s *Service) applyGlobalConstraints(decisions []Decision) []Decision {
	regimeLabel := strings.ToUpper(s.overlay.Regime)
	if regimeLabel == "" {
		regimeLabel = "RANGE"
	}

	var routed []Decision
	for _, d := range decisions {
		routing := s.routingFor(d.StrategyType)
		if !routing.IsEnabled {
			continue
		}
		if !routing.AllowShort && strings.Contains(d.Direction, "short") {
			continue
		}
		weight, ok := routing.RegimeWeights[regimeLabel]
		if !ok {
			weight = 1.0
		}
		if weight <= 0 {
			continue
		}
		w := dec(strconv.FormatFloat(weight, 'f', -1, 64))
		d.RoutingWeight = &w
		d.Regime = regimeLabel
		d.RiskScore = d.RiskScore.Div(w).Round(4)
		routed = append(routed, d)
	}

	// One decision per base currency, lowest risk wins.
	best := make(map[string]int)
	var deduped []Decision
	for _, d := range routed {
		base := baseOf(d.Symbol)
		if i, ok := best[base]; ok {
			if d.RiskScore.LessThan(deduped[i].RiskScore) {
				deduped[i] = d
			}
			continue
		}
		best[base] = len(deduped)
		deduped = append(deduped, d)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].RiskScore.LessThan(deduped[j].RiskScore)
	})
	if s.constraints.MaxPositions > 0 && len(deduped) > s.constraints.MaxPositions {
		deduped = deduped[:s.constraints.MaxPositions]
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if !deduped[i].RiskScore.Equal(deduped[j].RiskScore) {
			return deduped[i].RiskScore.LessThan(deduped[j].RiskScore)
		}
		return deduped[i].ExpectedProfitRate.GreaterThan(deduped[j].ExpectedProfitRate)
	})
	return deduped
}

// writeDecisions replaces the decision stream and refreshes the auto and
// effective constraint keys so downstream consumers read one consistent set.
func (s *Service) writeDecisions(ctx context.Context, decisions []Decision) error {
	if len(decisions) > maxDecisions {
		decisions = decisions[:maxDecisions]
	}
	members := make([]kv.Z, 0, len(decisions))
	for _, d := range decisions {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to encode decision: %w", err)
		}
		members = append(members, kv.Z{Member: string(raw), Score: d.RiskScore.InexactFloat64()})
	}
	if err := s.store.ReplaceSortedSet(ctx, kv.LatestDecisionsKey, members, s.cfg.TTL); err != nil {
		return err
	}

	overlayRaw, err := json.Marshal(s.overlay)
	if err != nil {
		return fmt.Errorf("failed to encode auto overlay: %w", err)
	}
	if err := s.store.Set(ctx, kv.AutoConstraintsKey, string(overlayRaw), 0); err != nil {
		return err
	}
	effectiveRaw, err := json.Marshal(s.effectiveSnapshot())
	if err != nil {
		return fmt.Errorf("failed to encode effective constraints: %w", err)
	}
	return s.store.Set(ctx, kv.EffectiveConstraintsKey, string(effectiveRaw), 0)
}
