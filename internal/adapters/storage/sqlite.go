// Package storage implements ports.PersistenceStore over SQLite: the Log
// Service plus the three CoB report tables (PARAMS_HIST, TRADE_LOG,
// TRADES_MTM), keyed by (account, date) with delete-then-insert replace
// semantics.
//
// Grounded on the teacher's adapters/storage/sqlite.go — same single-writer
// SQLite setup (db.SetMaxOpenConns(1), schema-as-const-string, applied on
// open) and transaction shape, re-pointed at this domain's flat report
// tables instead of an upsert-by-key opportunities cache.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kvrao/intraday-engine/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS log_entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_type TEXT     NOT NULL,
    account    TEXT     NOT NULL,
    date       TEXT     NOT NULL,
    keys       TEXT     NOT NULL,
    data       TEXT     NOT NULL,
    logged_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS params_hist (
    account             TEXT NOT NULL,
    date                TEXT NOT NULL,
    idx                 INTEGER NOT NULL,
    scrip               TEXT NOT NULL,
    model               TEXT NOT NULL,
    signal              INTEGER NOT NULL,
    quantity            REAL NOT NULL DEFAULT 0,
    tick                REAL NOT NULL DEFAULT 0,
    sl_pct              REAL NOT NULL DEFAULT 0,
    trail_sl_pct        REAL NOT NULL DEFAULT 0,
    entry_order_id      TEXT,
    sl_order_id         TEXT,
    target_order_id     TEXT,
    entry_price         REAL NOT NULL DEFAULT 0,
    sl_price            REAL NOT NULL DEFAULT 0,
    target_price        REAL NOT NULL DEFAULT 0,
    strength            REAL NOT NULL DEFAULT 0,
    sl_update_cnt       INTEGER NOT NULL DEFAULT 0,
    active              TEXT NOT NULL,
    entry_order_status  TEXT NOT NULL DEFAULT '',
    sl_order_status     TEXT NOT NULL DEFAULT '',
    target_order_status TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account, date, idx)
);

CREATE TABLE IF NOT EXISTS trade_log (
    account     TEXT NOT NULL,
    date        TEXT NOT NULL,
    idx         INTEGER NOT NULL,
    scrip       TEXT NOT NULL,
    model       TEXT NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    exit_price  REAL NOT NULL DEFAULT 0,
    quantity    REAL NOT NULL DEFAULT 0,
    pnl         REAL NOT NULL DEFAULT 0,
    exit_reason TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account, date, idx)
);

CREATE TABLE IF NOT EXISTS trades_mtm (
    account      TEXT NOT NULL,
    date         TEXT NOT NULL,
    idx          INTEGER NOT NULL,
    scrip        TEXT NOT NULL,
    minute       TEXT NOT NULL,
    live_pnl     REAL NOT NULL DEFAULT 0,
    backtest_pnl REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (account, date, idx, minute)
);

CREATE TABLE IF NOT EXISTS ticks (
    account TEXT     NOT NULL,
    scrip   TEXT     NOT NULL,
    ts      DATETIME NOT NULL,
    ltp     REAL     NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_entries_acct_date ON log_entries(account, date);
CREATE INDEX IF NOT EXISTS idx_ticks_scrip_ts ON ticks(scrip, ts);
`

// SQLiteStorage implements ports.PersistenceStore using SQLite (pure Go).
// It also implements ports.TickDataProvider over the recorded ticks table,
// so the same handle serves both the Log Service and the CoB backtest replay.
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ ports.PersistenceStore  = (*SQLiteStorage)(nil)
	_ ports.TickDataProvider  = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) LogEntry(ctx context.Context, entryType string, keys []string, data map[string]any, date, account string) error {
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("storage.LogEntry: marshal keys: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage.LogEntry: marshal data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO log_entries (entry_type, account, date, keys, data, logged_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entryType, account, date, string(keysJSON), string(dataJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.LogEntry: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceParamsHist(ctx context.Context, account, date string, rows []ports.ParamsHistRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceParamsHist: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM params_hist WHERE account = ? AND date = ?`, account, date); err != nil {
		return fmt.Errorf("storage.ReplaceParamsHist: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO params_hist
			(account, date, idx, scrip, model, signal, quantity, tick, sl_pct, trail_sl_pct,
			 entry_order_id, sl_order_id, target_order_id,
			 entry_price, sl_price, target_price, strength, sl_update_cnt, active,
			 entry_order_status, sl_order_status, target_order_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceParamsHist: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			account, date, r.Index, r.Scrip, r.Model, r.Signal, r.Quantity, r.Tick, r.SLPct, r.TrailSLPct,
			r.EntryOrderID, r.SLOrderID, r.TargetOrderID,
			r.EntryPrice, r.SLPrice, r.TargetPrice, r.Strength, r.SLUpdateCnt, r.Active,
			r.EntryOrderStatus, r.SLOrderStatus, r.TargetOrderStatus,
		); err != nil {
			return fmt.Errorf("storage.ReplaceParamsHist: insert row %d: %w", r.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceParamsHist: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceTradeLog(ctx context.Context, account, date string, rows []ports.TradeLogRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceTradeLog: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trade_log WHERE account = ? AND date = ?`, account, date); err != nil {
		return fmt.Errorf("storage.ReplaceTradeLog: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_log (account, date, idx, scrip, model, entry_price, exit_price, quantity, pnl, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceTradeLog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			account, date, r.Index, r.Scrip, r.Model, r.EntryPrice, r.ExitPrice, r.Quantity, r.PnL, r.ExitReason,
		); err != nil {
			return fmt.Errorf("storage.ReplaceTradeLog: insert row %d: %w", r.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceTradeLog: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ReplaceTradesMTM(ctx context.Context, account, date string, rows []ports.TradesMTMRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.ReplaceTradesMTM: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades_mtm WHERE account = ? AND date = ?`, account, date); err != nil {
		return fmt.Errorf("storage.ReplaceTradesMTM: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades_mtm (account, date, idx, scrip, minute, live_pnl, backtest_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.ReplaceTradesMTM: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			account, date, r.Index, r.Scrip, r.Minute, r.LivePnL, r.BacktestPnL,
		); err != nil {
			return fmt.Errorf("storage.ReplaceTradesMTM: insert row %d: %w", r.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ReplaceTradesMTM: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetParamsHist(ctx context.Context, account, date string) ([]ports.ParamsHistRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, scrip, model, signal, quantity, tick, sl_pct, trail_sl_pct,
		       entry_order_id, sl_order_id, target_order_id,
		       entry_price, sl_price, target_price, strength, sl_update_cnt, active,
		       entry_order_status, sl_order_status, target_order_status
		FROM params_hist WHERE account = ? AND date = ? ORDER BY idx
	`, account, date)
	if err != nil {
		return nil, fmt.Errorf("storage.GetParamsHist: query: %w", err)
	}
	defer rows.Close()

	var out []ports.ParamsHistRow
	for rows.Next() {
		var r ports.ParamsHistRow
		var entryID, slID, targetID sql.NullString
		if err := rows.Scan(
			&r.Index, &r.Scrip, &r.Model, &r.Signal, &r.Quantity, &r.Tick, &r.SLPct, &r.TrailSLPct,
			&entryID, &slID, &targetID,
			&r.EntryPrice, &r.SLPrice, &r.TargetPrice, &r.Strength, &r.SLUpdateCnt, &r.Active,
			&r.EntryOrderStatus, &r.SLOrderStatus, &r.TargetOrderStatus,
		); err != nil {
			return nil, fmt.Errorf("storage.GetParamsHist: scan row: %w", err)
		}
		r.Account, r.Date = account, date
		r.EntryOrderID, r.SLOrderID, r.TargetOrderID = entryID.String, slID.String, targetID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) GetTradeLog(ctx context.Context, account, date string) ([]ports.TradeLogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, scrip, model, entry_price, exit_price, quantity, pnl, exit_reason
		FROM trade_log WHERE account = ? AND date = ? ORDER BY idx
	`, account, date)
	if err != nil {
		return nil, fmt.Errorf("storage.GetTradeLog: query: %w", err)
	}
	defer rows.Close()

	var out []ports.TradeLogRow
	for rows.Next() {
		var r ports.TradeLogRow
		if err := rows.Scan(&r.Index, &r.Scrip, &r.Model, &r.EntryPrice, &r.ExitPrice, &r.Quantity, &r.PnL, &r.ExitReason); err != nil {
			return nil, fmt.Errorf("storage.GetTradeLog: scan row: %w", err)
		}
		r.Account, r.Date = account, date
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTick appends one observed quote for scrip, feeding the CoB backtest
// replay's tick history. Best-effort: the live engine never blocks on this.
func (s *SQLiteStorage) RecordTick(ctx context.Context, account, scrip string, ts time.Time, ltp float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticks (account, scrip, ts, ltp) VALUES (?, ?, ?, ?)`,
		account, scrip, ts.UTC(), ltp,
	)
	if err != nil {
		return fmt.Errorf("storage.RecordTick: insert: %w", err)
	}
	return nil
}

// Ticks implements ports.TickDataProvider over the recorded ticks table.
func (s *SQLiteStorage) Ticks(ctx context.Context, scrip string, from, to time.Time) ([]ports.Tick, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, ltp FROM ticks WHERE scrip = ? AND ts >= ? AND ts <= ? ORDER BY ts`,
		scrip, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.Ticks: query: %w", err)
	}
	defer rows.Close()

	var out []ports.Tick
	for rows.Next() {
		var t ports.Tick
		if err := rows.Scan(&t.Time, &t.LTP); err != nil {
			return nil, fmt.Errorf("storage.Ticks: scan row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
