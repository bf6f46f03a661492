package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Timestamps are stored as unix milliseconds (UTC).
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    asset TEXT NOT NULL,
    bar_sizes TEXT NOT NULL,
    primary_bar_size TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    strategy_config TEXT NOT NULL DEFAULT '{}',
    stop_loss_type TEXT NOT NULL,
    stop_loss_value REAL NOT NULL,
    take_profit_type TEXT NOT NULL,
    take_profit_value REAL NOT NULL,
    crash_recovery_mode TEXT NOT NULL,
    emergency_stop_loss_pct REAL NOT NULL,
    data_retention_bars INTEGER NOT NULL,
    risk_per_trade REAL NOT NULL,
    initial_capital REAL NOT NULL,
    current_capital REAL NOT NULL,
    total_pnl REAL NOT NULL DEFAULT 0,
    total_pnl_pct REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

CREATE TABLE IF NOT EXISTS bars (
    operation_id TEXT NOT NULL,
    bar_size TEXT NOT NULL,
    ts INTEGER NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    indicators TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (operation_id, bar_size, ts)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    broker_order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL,
    stop_loss REAL,
    take_profit REAL,
    status TEXT NOT NULL,
    filled_quantity REAL NOT NULL DEFAULT 0,
    avg_fill_price REAL NOT NULL DEFAULT 0,
    commission REAL NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    filled_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_operation_status ON orders(operation_id, status);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL,
    current_price REAL NOT NULL,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    unrealized_pnl_pct REAL NOT NULL DEFAULT 0,
    stop_loss REAL,
    take_profit REAL,
    opened_at INTEGER NOT NULL,
    closed_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open
    ON positions(operation_id, symbol) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    position_id TEXT NOT NULL,
    order_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    role TEXT NOT NULL,
    position_type TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL NOT NULL,
    commission REAL NOT NULL DEFAULT 0,
    profit REAL,
    profit_pct REAL,
    related_entry_transaction_id TEXT,
    executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_position ON transactions(position_id, role);
CREATE INDEX IF NOT EXISTS idx_transactions_related ON transactions(related_entry_transaction_id);
CREATE INDEX IF NOT EXISTS idx_transactions_operation ON transactions(operation_id, executed_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    operation_id TEXT NOT NULL,
    position_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    position_type TEXT NOT NULL,
    entry_transaction_id TEXT NOT NULL DEFAULT '',
    exit_transaction_id TEXT NOT NULL,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    pnl REAL NOT NULL,
    pnl_pct REAL NOT NULL,
    commission REAL NOT NULL DEFAULT 0,
    entry_time INTEGER NOT NULL,
    exit_time INTEGER NOT NULL,
    duration_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_operation ON trades(operation_id, exit_time);

CREATE TABLE IF NOT EXISTS journal (
    sequence_number INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    operation_id TEXT NOT NULL DEFAULT '',
    action_type TEXT NOT NULL,
    action_data TEXT NOT NULL DEFAULT '{}',
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_operation_ts ON journal(operation_id, timestamp);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "operations", "order_type", "TEXT NOT NULL DEFAULT 'MARKET'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "operations", "last_error", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// requiredTables lists every table the runtime reads or writes.
var requiredTables = []string{"operations", "bars", "orders", "positions", "transactions", "trades", "journal"}

// VerifySchema returns the required tables missing from d.
func VerifySchema(d *Database) ([]string, error) {
	var missing []string
	for _, table := range requiredTables {
		var name string
		err := d.DB.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, table)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inspect table %s: %w", table, err)
		}
	}
	return missing, nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
