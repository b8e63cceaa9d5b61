package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    stop_price REAL NOT NULL,
    tp1_price REAL NOT NULL,
    tp2_price REAL NOT NULL,
    leverage INTEGER NOT NULL,
    margin_usd REAL NOT NULL,
    confidence REAL DEFAULT 0,
    strategy_tag TEXT NOT NULL,
    metadata TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    reject_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    signal_id TEXT,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    strategy_tag TEXT NOT NULL,
    entry_price REAL NOT NULL,
    size REAL NOT NULL,
    remaining_size REAL NOT NULL,
    leverage INTEGER NOT NULL,
    margin_usd REAL NOT NULL,
    stop_price REAL NOT NULL,
    tp1_price REAL NOT NULL,
    tp2_price REAL NOT NULL,
    tp1_filled INTEGER DEFAULT 0,
    tp2_filled INTEGER DEFAULT 0,
    trailing_active INTEGER DEFAULT 0,
    trailing_stop REAL DEFAULT 0,
    unrealized_pnl REAL DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    max_pnl REAL DEFAULT 0,
    min_pnl REAL DEFAULT 0,
    sl_order_id TEXT,
    tp1_order_id TEXT,
    tp2_order_id TEXT,
    manual_intervention INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    strategy_tag TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL DEFAULT 0,
    size REAL NOT NULL,
    leverage INTEGER NOT NULL,
    margin_usd REAL NOT NULL,
    pnl REAL DEFAULT 0,
    pnl_pct REAL DEFAULT 0,
    close_reason TEXT,
    sl_tp_placement_failed INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OPEN',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    FOREIGN KEY(position_id) REFERENCES positions(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);

CREATE TABLE IF NOT EXISTS risk_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    symbol TEXT,
    reason TEXT NOT NULL,
    details TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(event_type);
`

// Migrate applies the schema. Statements are idempotent so running it on
// every start is safe.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
