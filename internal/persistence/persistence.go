// Package persistence defines the durable order/position model shared by the
// paper and live execution paths. Each mode owns a parallel table family
// (paper_orders vs live_orders and so on) so a paper run can never pollute
// live accounting.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Table prefixes a base table name with the mode's family.
func (m Mode) Table(base string) string {
	return string(m) + "_" + base
}

var (
	ErrNotFound  = errors.New("persistence: not found")
	ErrDuplicate = errors.New("persistence: duplicate")
)

// Plan statuses.
const (
	PlanRunning   = "running"
	PlanCompleted = "completed"
	PlanFailed    = "failed"
	PlanCanceled  = "cancelled"
)

// PlanLeg is one intended order within a plan, stored as JSON on the plan row.
type PlanLeg struct {
	Role        string          `json:"role"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	AccountType string          `json:"account_type"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// PlanLegRecord is one entry appended to a plan's legs list after creation:
// execution, polling, reconcile, pnl and compensation summaries, tagged by
// Kind.
type PlanLegRecord struct {
	Kind    string `json:"kind"`
	Summary any    `json:"summary"`
}

const (
	LegExecutionSummary    = "execution_summary"
	LegPostExecPollSummary = "post_exec_poll_summary"
	LegReconcileSummary    = "reconcile_summary"
	LegPnLSummary          = "pnl_summary"
	LegFailureCompensation = "failure_compensation"
	LegReconcileSuggestion = "reconcile_suggested_request"
)

type Plan struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	StrategyType string    `db:"strategy_type"`
	Symbol       string    `db:"symbol"`
	Direction    string    `db:"direction"`
	Status       string    `db:"status"`
	LegsJSON     string    `db:"legs_json"`
	DecisionJSON string    `db:"decision_json"`
	FailReason   string    `db:"fail_reason"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type Order struct {
	ID              int64            `db:"id"`
	PlanID          string           `db:"plan_id"`
	UserID          string           `db:"user_id"`
	Exchange        string           `db:"exchange"`
	Symbol          string           `db:"symbol"`
	AccountType     string           `db:"account_type"`
	Side            string           `db:"side"`
	Type            string           `db:"type"`
	Status          string           `db:"status"`
	Role            string           `db:"role"`
	ClientOrderID   string           `db:"client_order_id"`
	ExchangeOrderID string           `db:"exchange_order_id"`
	Price           *decimal.Decimal `db:"price"`
	Quantity        decimal.Decimal  `db:"quantity"`
	FilledQuantity  decimal.Decimal  `db:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `db:"avg_fill_price"`
	Fee             decimal.Decimal  `db:"fee"`
	FeeCurrency     string           `db:"fee_currency"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
}

// Fill is one trade against an order. TradeID is unique across the whole
// fills family so a re-fetch of the same exchange trade inserts nothing.
type Fill struct {
	ID          int64           `db:"id"`
	OrderID     int64           `db:"order_id"`
	TradeID     string          `db:"trade_id"`
	Price       decimal.Decimal `db:"price"`
	Quantity    decimal.Decimal `db:"quantity"`
	Fee         decimal.Decimal `db:"fee"`
	FeeCurrency string          `db:"fee_currency"`
	Timestamp   time.Time       `db:"ts"`
}

// Position tracks net quantity per instrument. For spot the instrument is a
// currency; for perps it is the contract symbol.
type Position struct {
	ID            int64            `db:"id"`
	UserID        string           `db:"user_id"`
	Exchange      string           `db:"exchange"`
	Instrument    string           `db:"instrument"`
	AccountType   string           `db:"account_type"`
	Quantity      decimal.Decimal  `db:"quantity"`
	AvgEntryPrice *decimal.Decimal `db:"avg_entry_price"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

type LedgerEntry struct {
	ID        int64           `db:"id"`
	UserID    string          `db:"user_id"`
	Exchange  string          `db:"exchange"`
	Currency  string          `db:"currency"`
	Delta     decimal.Decimal `db:"delta"`
	Reason    string          `db:"reason"`
	OrderID   *int64          `db:"order_id"`
	CreatedAt time.Time       `db:"created_at"`
}

type PnLRecord struct {
	ID           int64           `db:"id"`
	PlanID       string          `db:"plan_id"`
	UserID       string          `db:"user_id"`
	Symbol       string          `db:"symbol"`
	QuoteAsset   string          `db:"quote_asset"`
	BuyNotional  decimal.Decimal `db:"buy_notional"`
	SellNotional decimal.Decimal `db:"sell_notional"`
	Fees         decimal.Decimal `db:"fees"`
	Net          decimal.Decimal `db:"net"`
	Profit       decimal.Decimal `db:"profit"`
	ProfitRate   decimal.Decimal `db:"profit_rate"`
	CreatedAt    time.Time       `db:"created_at"`
}

// StrategyConfig is one routing row; RegimeWeightsJSON holds the regime to
// weight map.
type StrategyConfig struct {
	ID                int64     `db:"id"`
	UserID            string    `db:"user_id"`
	StrategyName      string    `db:"strategy_name"`
	AllowShort        bool      `db:"allow_short"`
	MaxLeverage       float64   `db:"max_leverage"`
	RegimeWeightsJSON string    `db:"regime_weights_json"`
	IsEnabled         bool      `db:"is_enabled"`
	CreatedAt         time.Time `db:"created_at"`
}

// SimulationConfig seeds the paper account.
type SimulationConfig struct {
	UserID         string          `db:"user_id"`
	QuoteCurrency  string          `db:"quote_currency"`
	InitialBalance decimal.Decimal `db:"initial_balance"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Store is the durable side of the OMS. Every method that takes a Mode
// operates on that mode's table family.
//
// CreateOrder is idempotent on (user_id, client_order_id): creating an order
// whose client id already exists fills in the existing row's id instead of
// inserting a second row. AppendPlanLeg appends one record to the plan's legs
// list.
type Store interface {
	CreatePlan(ctx context.Context, mode Mode, plan *Plan) error
	GetPlan(ctx context.Context, mode Mode, planID string) (*Plan, error)
	UpdatePlanStatus(ctx context.Context, mode Mode, planID, status, failReason string) error
	ListPlansByStatus(ctx context.Context, mode Mode, status string) ([]Plan, error)
	AppendPlanLeg(ctx context.Context, mode Mode, planID string, leg *PlanLegRecord) error

	CreateOrder(ctx context.Context, mode Mode, order *Order) error
	UpdateOrder(ctx context.Context, mode Mode, order *Order) error
	GetOrder(ctx context.Context, mode Mode, orderID int64) (*Order, error)
	ListOrdersByPlan(ctx context.Context, mode Mode, planID string) ([]Order, error)
	ListOpenOrders(ctx context.Context, mode Mode) ([]Order, error)

	InsertFill(ctx context.Context, mode Mode, fill *Fill) error
	ListFillsByOrder(ctx context.Context, mode Mode, orderID int64) ([]Fill, error)

	GetPosition(ctx context.Context, mode Mode, userID, exchange, instrument, accountType string) (*Position, error)
	UpsertPosition(ctx context.Context, mode Mode, position *Position) error
	ListPositions(ctx context.Context, mode Mode, userID string) ([]Position, error)

	InsertLedger(ctx context.Context, mode Mode, entry *LedgerEntry) error
	ListLedger(ctx context.Context, mode Mode, userID string, limit int) ([]LedgerEntry, error)

	InsertPnL(ctx context.Context, mode Mode, record *PnLRecord) error
	ListPnLByPlan(ctx context.Context, mode Mode, planID string) ([]PnLRecord, error)

	ListStrategyConfigs(ctx context.Context, userID string) ([]StrategyConfig, error)
	OldestUserID(ctx context.Context) (string, error)
	GetSimulationConfig(ctx context.Context, userID string) (*SimulationConfig, error)
}
