// Package postgres is the sqlx-backed persistence store. Table names are
// composed from the mode prefix; every query runs under a short timeout so a
// wedged database surfaces as an error instead of a stuck OMS.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/persistence"
)

const queryTimeout = 5 * time.Second

type DB struct {
	db *sqlx.DB
}

func Open(dsn string) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: db}, nil
}

func NewFromDB(db *sqlx.DB) *DB {
	return &DB{db: db}
}

func (d *DB) Close() error {
	return d.db.Close()
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Migrate creates both table families plus the shared configuration tables.
func (d *DB) Migrate(ctx context.Context) error {
	for _, mode := range []persistence.Mode{persistence.ModePaper, persistence.ModeLive} {
		for _, stmt := range familySchema(mode) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration failed for mode %s: %w", mode, err)
			}
		}
	}
	for _, stmt := range sharedSchema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func familySchema(mode persistence.Mode) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			legs_json JSONB NOT NULL DEFAULT '[]'::jsonb,
			decision_json TEXT NOT NULL DEFAULT '{}',
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, mode.Table("execution_plans")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			plan_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			account_type TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			client_order_id TEXT NOT NULL DEFAULT '',
			exchange_order_id TEXT NOT NULL DEFAULT '',
			price NUMERIC,
			quantity NUMERIC NOT NULL,
			filled_quantity NUMERIC NOT NULL DEFAULT 0,
			avg_fill_price NUMERIC,
			fee NUMERIC NOT NULL DEFAULT 0,
			fee_currency TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, mode.Table("orders")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_plan_idx ON %s (plan_id)`,
			mode.Table("orders"), mode.Table("orders")),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_client_idx ON %s (user_id, client_order_id)
			WHERE client_order_id <> ''`,
			mode.Table("orders"), mode.Table("orders")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL,
			trade_id TEXT NOT NULL UNIQUE,
			price NUMERIC NOT NULL,
			quantity NUMERIC NOT NULL,
			fee NUMERIC NOT NULL DEFAULT 0,
			fee_currency TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, mode.Table("fills")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			instrument TEXT NOT NULL,
			account_type TEXT NOT NULL,
			quantity NUMERIC NOT NULL DEFAULT 0,
			avg_entry_price NUMERIC,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, exchange, instrument, account_type)
		)`, mode.Table("positions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			currency TEXT NOT NULL,
			delta NUMERIC NOT NULL,
			reason TEXT NOT NULL,
			order_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, mode.Table("ledger_entries")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			plan_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quote_asset TEXT NOT NULL,
			buy_notional NUMERIC NOT NULL,
			sell_notional NUMERIC NOT NULL,
			fees NUMERIC NOT NULL,
			net NUMERIC NOT NULL,
			profit NUMERIC NOT NULL,
			profit_rate NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, mode.Table("pnl")),
	}
}

var sharedSchema = []string{
	`CREATE TABLE IF NOT EXISTS strategy_configs (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		strategy_name TEXT NOT NULL,
		allow_short BOOLEAN NOT NULL DEFAULT TRUE,
		max_leverage DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		regime_weights_json TEXT NOT NULL DEFAULT '{}',
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, strategy_name)
	)`,
	`CREATE TABLE IF NOT EXISTS simulation_configs (
		user_id TEXT PRIMARY KEY,
		quote_currency TEXT NOT NULL DEFAULT 'USDT',
		initial_balance NUMERIC NOT NULL DEFAULT 10000,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (d *DB) CreatePlan(ctx context.Context, mode persistence.Mode, plan *persistence.Plan) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	query := fmt.Sprintf(`INSERT INTO %s
		(id, user_id, strategy_type, symbol, direction, status, legs_json, decision_json, fail_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, mode.Table("execution_plans"))
	_, err := d.db.ExecContext(ctx, query, plan.ID, plan.UserID, plan.StrategyType, plan.Symbol,
		plan.Direction, plan.Status, plan.LegsJSON, plan.DecisionJSON, plan.FailReason, plan.CreatedAt, plan.UpdatedAt)
	if isUniqueViolation(err) {
		return persistence.ErrDuplicate
	}
	return err
}

func (d *DB) GetPlan(ctx context.Context, mode persistence.Mode, planID string) (*persistence.Plan, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var plan persistence.Plan
	query := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, mode.Table("execution_plans"))
	if err := d.db.GetContext(ctx, &plan, query, planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (d *DB) UpdatePlanStatus(ctx context.Context, mode persistence.Mode, planID, status, failReason string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET status = $2, fail_reason = $3, updated_at = $4 WHERE id = $1`,
		mode.Table("execution_plans"))
	res, err := d.db.ExecContext(ctx, query, planID, status, failReason, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (d *DB) AppendPlanLeg(ctx context.Context, mode persistence.Mode, planID string, leg *persistence.PlanLegRecord) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	raw, err := json.Marshal(leg)
	if err != nil {
		return fmt.Errorf("failed to encode plan leg: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET legs_json = legs_json || $2::jsonb, updated_at = $3 WHERE id = $1`,
		mode.Table("execution_plans"))
	res, err := d.db.ExecContext(ctx, query, planID, string(raw), time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (d *DB) ListPlansByStatus(ctx context.Context, mode persistence.Mode, status string) ([]persistence.Plan, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var plans []persistence.Plan
	query := fmt.Sprintf(`SELECT * FROM %s WHERE status = $1 ORDER BY created_at`, mode.Table("execution_plans"))
	if err := d.db.SelectContext(ctx, &plans, query, status); err != nil {
		return nil, err
	}
	return plans, nil
}

type orderRow struct {
	ID              int64               `db:"id"`
	PlanID          string              `db:"plan_id"`
	UserID          string              `db:"user_id"`
	Exchange        string              `db:"exchange"`
	Symbol          string              `db:"symbol"`
	AccountType     string              `db:"account_type"`
	Side            string              `db:"side"`
	Type            string              `db:"type"`
	Status          string              `db:"status"`
	Role            string              `db:"role"`
	ClientOrderID   string              `db:"client_order_id"`
	ExchangeOrderID string              `db:"exchange_order_id"`
	Price           decimal.NullDecimal `db:"price"`
	Quantity        decimal.Decimal     `db:"quantity"`
	FilledQuantity  decimal.Decimal     `db:"filled_quantity"`
	AvgFillPrice    decimal.NullDecimal `db:"avg_fill_price"`
	Fee             decimal.Decimal     `db:"fee"`
	FeeCurrency     string              `db:"fee_currency"`
	CreatedAt       time.Time           `db:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at"`
}

func (r orderRow) toOrder() persistence.Order {
	order := persistence.Order{
		ID: r.ID, PlanID: r.PlanID, UserID: r.UserID, Exchange: r.Exchange, Symbol: r.Symbol,
		AccountType: r.AccountType, Side: r.Side, Type: r.Type, Status: r.Status, Role: r.Role,
		ClientOrderID: r.ClientOrderID, ExchangeOrderID: r.ExchangeOrderID,
		Quantity: r.Quantity, FilledQuantity: r.FilledQuantity,
		Fee: r.Fee, FeeCurrency: r.FeeCurrency, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.Price.Valid {
		p := r.Price.Decimal
		order.Price = &p
	}
	if r.AvgFillPrice.Valid {
		p := r.AvgFillPrice.Decimal
		order.AvgFillPrice = &p
	}
	return order
}

func nullDecimal(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func (d *DB) CreateOrder(ctx context.Context, mode persistence.Mode, order *persistence.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	query := fmt.Sprintf(`INSERT INTO %s
		(plan_id, user_id, exchange, symbol, account_type, side, type, status, role,
		 client_order_id, exchange_order_id, price, quantity, filled_quantity, avg_fill_price,
		 fee, fee_currency, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id`, mode.Table("orders"))
	err := d.db.QueryRowContext(ctx, query,
		order.PlanID, order.UserID, order.Exchange, order.Symbol, order.AccountType,
		order.Side, order.Type, order.Status, order.Role,
		order.ClientOrderID, order.ExchangeOrderID, nullDecimal(order.Price),
		order.Quantity, order.FilledQuantity, nullDecimal(order.AvgFillPrice),
		order.Fee, order.FeeCurrency, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if isUniqueViolation(err) && order.ClientOrderID != "" {
		// A replayed create resolves to the order placed the first time.
		existing := fmt.Sprintf(`SELECT id FROM %s WHERE user_id = $1 AND client_order_id = $2`,
			mode.Table("orders"))
		return d.db.GetContext(ctx, &order.ID, existing, order.UserID, order.ClientOrderID)
	}
	return err
}

func (d *DB) UpdateOrder(ctx context.Context, mode persistence.Mode, order *persistence.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	order.UpdatedAt = time.Now().UTC()
	query := fmt.Sprintf(`UPDATE %s SET
		status = $2, exchange_order_id = $3, filled_quantity = $4, avg_fill_price = $5,
		fee = $6, fee_currency = $7, updated_at = $8
		WHERE id = $1`, mode.Table("orders"))
	res, err := d.db.ExecContext(ctx, query, order.ID, order.Status, order.ExchangeOrderID,
		order.FilledQuantity, nullDecimal(order.AvgFillPrice), order.Fee, order.FeeCurrency, order.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (d *DB) GetOrder(ctx context.Context, mode persistence.Mode, orderID int64) (*persistence.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row orderRow
	query := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, mode.Table("orders"))
	if err := d.db.GetContext(ctx, &row, query, orderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	order := row.toOrder()
	return &order, nil
}

func (d *DB) ListOrdersByPlan(ctx context.Context, mode persistence.Mode, planID string) ([]persistence.Order, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE plan_id = $1 ORDER BY id`, mode.Table("orders"))
	return d.selectOrders(ctx, query, planID)
}

func (d *DB) ListOpenOrders(ctx context.Context, mode persistence.Mode) ([]persistence.Order, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE status IN ('new', 'partially_filled') ORDER BY id`,
		mode.Table("orders"))
	return d.selectOrders(ctx, query)
}

func (d *DB) selectOrders(ctx context.Context, query string, args ...any) ([]persistence.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var rows []orderRow
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	orders := make([]persistence.Order, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toOrder())
	}
	return orders, nil
}

func (d *DB) InsertFill(ctx context.Context, mode persistence.Mode, fill *persistence.Fill) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (order_id, trade_id, price, quantity, fee, fee_currency, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, mode.Table("fills"))
	err := d.db.QueryRowContext(ctx, query, fill.OrderID, fill.TradeID, fill.Price, fill.Quantity,
		fill.Fee, fill.FeeCurrency, fill.Timestamp).Scan(&fill.ID)
	if isUniqueViolation(err) {
		return persistence.ErrDuplicate
	}
	return err
}

func (d *DB) ListFillsByOrder(ctx context.Context, mode persistence.Mode, orderID int64) ([]persistence.Fill, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var fills []persistence.Fill
	query := fmt.Sprintf(`SELECT * FROM %s WHERE order_id = $1 ORDER BY id`, mode.Table("fills"))
	if err := d.db.SelectContext(ctx, &fills, query, orderID); err != nil {
		return nil, err
	}
	return fills, nil
}

type positionRow struct {
	ID            int64               `db:"id"`
	UserID        string              `db:"user_id"`
	Exchange      string              `db:"exchange"`
	Instrument    string              `db:"instrument"`
	AccountType   string              `db:"account_type"`
	Quantity      decimal.Decimal     `db:"quantity"`
	AvgEntryPrice decimal.NullDecimal `db:"avg_entry_price"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

func (r positionRow) toPosition() persistence.Position {
	position := persistence.Position{
		ID: r.ID, UserID: r.UserID, Exchange: r.Exchange, Instrument: r.Instrument,
		AccountType: r.AccountType, Quantity: r.Quantity, UpdatedAt: r.UpdatedAt,
	}
	if r.AvgEntryPrice.Valid {
		p := r.AvgEntryPrice.Decimal
		position.AvgEntryPrice = &p
	}
	return position
}

func (d *DB) GetPosition(ctx context.Context, mode persistence.Mode, userID, exchange, instrument, accountType string) (*persistence.Position, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var row positionRow
	query := fmt.Sprintf(`SELECT * FROM %s
		WHERE user_id = $1 AND exchange = $2 AND instrument = $3 AND account_type = $4`,
		mode.Table("positions"))
	if err := d.db.GetContext(ctx, &row, query, userID, exchange, instrument, accountType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	position := row.toPosition()
	return &position, nil
}

func (d *DB) UpsertPosition(ctx context.Context, mode persistence.Mode, position *persistence.Position) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	position.UpdatedAt = time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO %s
		(user_id, exchange, instrument, account_type, quantity, avg_entry_price, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id, exchange, instrument, account_type)
		DO UPDATE SET quantity = EXCLUDED.quantity, avg_entry_price = EXCLUDED.avg_entry_price,
			updated_at = EXCLUDED.updated_at
		RETURNING id`, mode.Table("positions"))
	return d.db.QueryRowContext(ctx, query, position.UserID, position.Exchange, position.Instrument,
		position.AccountType, position.Quantity, nullDecimal(position.AvgEntryPrice), position.UpdatedAt,
	).Scan(&position.ID)
}

func (d *DB) ListPositions(ctx context.Context, mode persistence.Mode, userID string) ([]persistence.Position, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var rows []positionRow
	query := fmt.Sprintf(`SELECT * FROM %s WHERE user_id = $1 ORDER BY instrument`, mode.Table("positions"))
	if err := d.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	positions := make([]persistence.Position, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, row.toPosition())
	}
	return positions, nil
}

type ledgerRow struct {
	ID        int64           `db:"id"`
	UserID    string          `db:"user_id"`
	Exchange  string          `db:"exchange"`
	Currency  string          `db:"currency"`
	Delta     decimal.Decimal `db:"delta"`
	Reason    string          `db:"reason"`
	OrderID   sql.NullInt64   `db:"order_id"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r ledgerRow) toEntry() persistence.LedgerEntry {
	entry := persistence.LedgerEntry{
		ID: r.ID, UserID: r.UserID, Exchange: r.Exchange, Currency: r.Currency,
		Delta: r.Delta, Reason: r.Reason, CreatedAt: r.CreatedAt,
	}
	if r.OrderID.Valid {
		id := r.OrderID.Int64
		entry.OrderID = &id
	}
	return entry
}

func (d *DB) InsertLedger(ctx context.Context, mode persistence.Mode, entry *persistence.LedgerEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	entry.CreatedAt = time.Now().UTC()
	var orderID sql.NullInt64
	if entry.OrderID != nil {
		orderID = sql.NullInt64{Int64: *entry.OrderID, Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO %s (user_id, exchange, currency, delta, reason, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`, mode.Table("ledger_entries"))
	return d.db.QueryRowContext(ctx, query, entry.UserID, entry.Exchange, entry.Currency,
		entry.Delta, entry.Reason, orderID, entry.CreatedAt).Scan(&entry.ID)
}

func (d *DB) ListLedger(ctx context.Context, mode persistence.Mode, userID string, limit int) ([]persistence.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}
	var rows []ledgerRow
	query := fmt.Sprintf(`SELECT * FROM %s WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, mode.Table("ledger_entries"))
	if err := d.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, err
	}
	entries := make([]persistence.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

func (d *DB) InsertPnL(ctx context.Context, mode persistence.Mode, record *persistence.PnLRecord) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	record.CreatedAt = time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO %s
		(plan_id, user_id, symbol, quote_asset, buy_notional, sell_notional, fees, net, profit, profit_rate, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`, mode.Table("pnl"))
	err := d.db.QueryRowContext(ctx, query, record.PlanID, record.UserID, record.Symbol, record.QuoteAsset,
		record.BuyNotional, record.SellNotional, record.Fees, record.Net, record.Profit, record.ProfitRate,
		record.CreatedAt).Scan(&record.ID)
	if isUniqueViolation(err) {
		return persistence.ErrDuplicate
	}
	return err
}

func (d *DB) ListPnLByPlan(ctx context.Context, mode persistence.Mode, planID string) ([]persistence.PnLRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var records []persistence.PnLRecord
	query := fmt.Sprintf(`SELECT * FROM %s WHERE plan_id = $1 ORDER BY id`, mode.Table("pnl"))
	if err := d.db.SelectContext(ctx, &records, query, planID); err != nil {
		return nil, err
	}
	return records, nil
}

func (d *DB) ListStrategyConfigs(ctx context.Context, userID string) ([]persistence.StrategyConfig, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var configs []persistence.StrategyConfig
	query := `SELECT * FROM strategy_configs WHERE user_id = $1 ORDER BY strategy_name`
	if err := d.db.SelectContext(ctx, &configs, query, userID); err != nil {
		return nil, err
	}
	return configs, nil
}

// OldestUserID returns the earliest-registered user across strategy configs,
// or empty when none exist.
func (d *DB) OldestUserID(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var userID string
	query := `SELECT user_id FROM strategy_configs ORDER BY created_at, id LIMIT 1`
	if err := d.db.GetContext(ctx, &userID, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return userID, nil
}

func (d *DB) GetSimulationConfig(ctx context.Context, userID string) (*persistence.SimulationConfig, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var config persistence.SimulationConfig
	query := `SELECT * FROM simulation_configs WHERE user_id = $1`
	if err := d.db.GetContext(ctx, &config, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	return &config, nil
}

var _ persistence.Store = (*DB)(nil)
