// Package memory is the in-process persistence store used by tests and by
// paper runs that do not need durability. Semantics mirror the postgres
// store, including duplicate detection on fills and pnl records.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inarbit/inarbit/internal/persistence"
)

type modeState struct {
	plans     map[string]persistence.Plan
	orders    map[int64]persistence.Order
	fills     map[int64][]persistence.Fill
	positions map[string]persistence.Position
	ledger    []persistence.LedgerEntry
	pnl       map[string][]persistence.PnLRecord

	nextOrderID    int64
	nextFillID     int64
	nextPositionID int64
	nextLedgerID   int64
	nextPnLID      int64
}

func newModeState() *modeState {
	return &modeState{
		plans:     make(map[string]persistence.Plan),
		orders:    make(map[int64]persistence.Order),
		fills:     make(map[int64][]persistence.Fill),
		positions: make(map[string]persistence.Position),
		pnl:       make(map[string][]persistence.PnLRecord),
	}
}

type Store struct {
	mu         sync.Mutex
	modes      map[persistence.Mode]*modeState
	strategies []persistence.StrategyConfig
	simulation map[string]persistence.SimulationConfig
	nextID     int64
}

func NewStore() *Store {
	return &Store{
		modes: map[persistence.Mode]*modeState{
			persistence.ModePaper: newModeState(),
			persistence.ModeLive:  newModeState(),
		},
		simulation: make(map[string]persistence.SimulationConfig),
	}
}

func (s *Store) state(mode persistence.Mode) *modeState {
	if st, ok := s.modes[mode]; ok {
		return st
	}
	st := newModeState()
	s.modes[mode] = st
	return st
}

func positionKey(userID, exchange, instrument, accountType string) string {
	return userID + "|" + exchange + "|" + instrument + "|" + accountType
}

func (s *Store) CreatePlan(_ context.Context, mode persistence.Mode, plan *persistence.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	if _, ok := st.plans[plan.ID]; ok {
		return persistence.ErrDuplicate
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	st.plans[plan.ID] = *plan
	return nil
}

func (s *Store) GetPlan(_ context.Context, mode persistence.Mode, planID string) (*persistence.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.state(mode).plans[planID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &plan, nil
}

func (s *Store) UpdatePlanStatus(_ context.Context, mode persistence.Mode, planID, status, failReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	plan, ok := st.plans[planID]
	if !ok {
		return persistence.ErrNotFound
	}
	plan.Status = status
	plan.FailReason = failReason
	plan.UpdatedAt = time.Now().UTC()
	st.plans[planID] = plan
	return nil
}

func (s *Store) ListPlansByStatus(_ context.Context, mode persistence.Mode, status string) ([]persistence.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []persistence.Plan
	for _, plan := range s.state(mode).plans {
		if plan.Status == status {
			plans = append(plans, plan)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans, nil
}

func (s *Store) AppendPlanLeg(_ context.Context, mode persistence.Mode, planID string, leg *persistence.PlanLegRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	plan, ok := st.plans[planID]
	if !ok {
		return persistence.ErrNotFound
	}
	var legs []json.RawMessage
	if plan.LegsJSON != "" {
		if err := json.Unmarshal([]byte(plan.LegsJSON), &legs); err != nil {
			return fmt.Errorf("plan %s has malformed legs: %w", planID, err)
		}
	}
	raw, err := json.Marshal(leg)
	if err != nil {
		return err
	}
	legs = append(legs, raw)
	encoded, err := json.Marshal(legs)
	if err != nil {
		return err
	}
	plan.LegsJSON = string(encoded)
	plan.UpdatedAt = time.Now().UTC()
	st.plans[planID] = plan
	return nil
}

func (s *Store) CreateOrder(_ context.Context, mode persistence.Mode, order *persistence.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	if order.ClientOrderID != "" {
		for id, existing := range st.orders {
			if existing.UserID == order.UserID && existing.ClientOrderID == order.ClientOrderID {
				order.ID = id
				return nil
			}
		}
	}
	st.nextOrderID++
	order.ID = st.nextOrderID
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	st.orders[order.ID] = *order
	return nil
}

func (s *Store) UpdateOrder(_ context.Context, mode persistence.Mode, order *persistence.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	existing, ok := st.orders[order.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	existing.Status = order.Status
	existing.ExchangeOrderID = order.ExchangeOrderID
	existing.FilledQuantity = order.FilledQuantity
	existing.AvgFillPrice = order.AvgFillPrice
	existing.Fee = order.Fee
	existing.FeeCurrency = order.FeeCurrency
	existing.UpdatedAt = time.Now().UTC()
	st.orders[order.ID] = existing
	order.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *Store) GetOrder(_ context.Context, mode persistence.Mode, orderID int64) (*persistence.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.state(mode).orders[orderID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &order, nil
}

func (s *Store) ListOrdersByPlan(_ context.Context, mode persistence.Mode, planID string) ([]persistence.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []persistence.Order
	for _, order := range s.state(mode).orders {
		if order.PlanID == planID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *Store) ListOpenOrders(_ context.Context, mode persistence.Mode) ([]persistence.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []persistence.Order
	for _, order := range s.state(mode).orders {
		if order.Status == "new" || order.Status == "partially_filled" {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (s *Store) InsertFill(_ context.Context, mode persistence.Mode, fill *persistence.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	for _, fills := range st.fills {
		for _, existing := range fills {
			if existing.TradeID == fill.TradeID {
				return persistence.ErrDuplicate
			}
		}
	}
	st.nextFillID++
	fill.ID = st.nextFillID
	st.fills[fill.OrderID] = append(st.fills[fill.OrderID], *fill)
	return nil
}

func (s *Store) ListFillsByOrder(_ context.Context, mode persistence.Mode, orderID int64) ([]persistence.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.Fill(nil), s.state(mode).fills[orderID]...), nil
}

func (s *Store) GetPosition(_ context.Context, mode persistence.Mode, userID, exchange, instrument, accountType string) (*persistence.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.state(mode).positions[positionKey(userID, exchange, instrument, accountType)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &position, nil
}

func (s *Store) UpsertPosition(_ context.Context, mode persistence.Mode, position *persistence.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	key := positionKey(position.UserID, position.Exchange, position.Instrument, position.AccountType)
	if existing, ok := st.positions[key]; ok {
		position.ID = existing.ID
	} else {
		st.nextPositionID++
		position.ID = st.nextPositionID
	}
	position.UpdatedAt = time.Now().UTC()
	st.positions[key] = *position
	return nil
}

func (s *Store) ListPositions(_ context.Context, mode persistence.Mode, userID string) ([]persistence.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var positions []persistence.Position
	for _, position := range s.state(mode).positions {
		if position.UserID == userID {
			positions = append(positions, position)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })
	return positions, nil
}

func (s *Store) InsertLedger(_ context.Context, mode persistence.Mode, entry *persistence.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	st.nextLedgerID++
	entry.ID = st.nextLedgerID
	entry.CreatedAt = time.Now().UTC()
	st.ledger = append(st.ledger, *entry)
	return nil
}

func (s *Store) ListLedger(_ context.Context, mode persistence.Mode, userID string, limit int) ([]persistence.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	st := s.state(mode)
	var entries []persistence.LedgerEntry
	for i := len(st.ledger) - 1; i >= 0 && len(entries) < limit; i-- {
		if st.ledger[i].UserID == userID {
			entries = append(entries, st.ledger[i])
		}
	}
	return entries, nil
}

func (s *Store) InsertPnL(_ context.Context, mode persistence.Mode, record *persistence.PnLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(mode)
	if len(st.pnl[record.PlanID]) > 0 {
		return persistence.ErrDuplicate
	}
	st.nextPnLID++
	record.ID = st.nextPnLID
	record.CreatedAt = time.Now().UTC()
	st.pnl[record.PlanID] = append(st.pnl[record.PlanID], *record)
	return nil
}

func (s *Store) ListPnLByPlan(_ context.Context, mode persistence.Mode, planID string) ([]persistence.PnLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.PnLRecord(nil), s.state(mode).pnl[planID]...), nil
}

// SeedStrategyConfig registers a routing row. Test helper.
func (s *Store) SeedStrategyConfig(config persistence.StrategyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	config.ID = s.nextID
	if config.CreatedAt.IsZero() {
		config.CreatedAt = time.Now().UTC()
	}
	s.strategies = append(s.strategies, config)
}

// SeedSimulationConfig registers a paper account seed. Test helper.
func (s *Store) SeedSimulationConfig(config persistence.SimulationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulation[config.UserID] = config
}

func (s *Store) ListStrategyConfigs(_ context.Context, userID string) ([]persistence.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var configs []persistence.StrategyConfig
	for _, config := range s.strategies {
		if config.UserID == userID {
			configs = append(configs, config)
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].StrategyName < configs[j].StrategyName })
	return configs, nil
}

func (s *Store) OldestUserID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.strategies) == 0 {
		return "", nil
	}
	oldest := s.strategies[0]
	for _, config := range s.strategies[1:] {
		if config.CreatedAt.Before(oldest.CreatedAt) {
			oldest = config
		}
	}
	return oldest.UserID, nil
}

func (s *Store) GetSimulationConfig(_ context.Context, userID string) (*persistence.SimulationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, ok := s.simulation[userID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &config, nil
}

var _ persistence.Store = (*Store)(nil)
