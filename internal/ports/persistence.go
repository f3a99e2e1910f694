package ports

import (
	"context"
	"time"
)

// ParamsHistRow is one snapshot of a position's params at a point in the
// session — the row shape of the PARAMS_HIST table.
type ParamsHistRow struct {
	Account           string
	Date              string
	Index             int
	Scrip             string
	Model             string
	Signal            int
	Quantity          float64
	Tick              float64
	SLPct             float64
	TrailSLPct        float64
	EntryOrderID      string
	SLOrderID         string
	TargetOrderID     string
	EntryPrice        float64
	SLPrice           float64
	TargetPrice       float64
	Strength          float64
	SLUpdateCnt       int
	Active            string
	EntryOrderStatus  string
	SLOrderStatus     string
	TargetOrderStatus string
}

// TradeLogRow is one closed trade's economics — the row shape of TRADE_LOG.
type TradeLogRow struct {
	Account     string
	Date        string
	Index       int
	Scrip       string
	Model       string
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	PnL         float64
	ExitReason  string // SL-HIT, TARGET-HIT, FLATTEN
}

// TradesMTMRow is one mark-to-market accuracy sample from the CoB backtest
// replay — the row shape of TRADES_MTM.
type TradesMTMRow struct {
	Account     string
	Date        string
	Index       int
	Scrip       string
	Minute      string
	LivePnL     float64
	BacktestPnL float64
}

// PersistenceStore is the Log Service + relational schema from spec.md §6:
// a generic log_entry sink plus typed accessors for the three CoB tables,
// each keyed by (account, date) with delete-then-insert replace semantics.
//
// Grounded on the teacher's LiveStorage/Storage split (ports/live_storage.go,
// ports/storage.go), narrowed from the teacher's wide per-order-lifecycle
// surface to this domain's three flat report tables.
type PersistenceStore interface {
	// LogEntry appends one structured log row, independent of the CoB tables.
	LogEntry(ctx context.Context, entryType string, keys []string, data map[string]any, date, account string) error

	// ReplaceParamsHist deletes any existing (account, date) rows and inserts rows.
	ReplaceParamsHist(ctx context.Context, account, date string, rows []ParamsHistRow) error
	// ReplaceTradeLog deletes any existing (account, date) rows and inserts rows.
	ReplaceTradeLog(ctx context.Context, account, date string, rows []TradeLogRow) error
	// ReplaceTradesMTM deletes any existing (account, date) rows and inserts rows.
	ReplaceTradesMTM(ctx context.Context, account, date string, rows []TradesMTMRow) error

	GetParamsHist(ctx context.Context, account, date string) ([]ParamsHistRow, error)
	GetTradeLog(ctx context.Context, account, date string) ([]TradeLogRow, error)

	Close() error
}

// TickDataProvider supplies the recorded quote history the CoB backtest
// replay steps through one minute at a time.
//
// Grounded on the teacher's TradeProvider (ports/trade_provider.go), which
// supplies recorded trade prints to the paper-trading fill simulator; here
// the same "recorded market data by time range" shape feeds the backtest
// reconciler instead.
type TickDataProvider interface {
	// Ticks returns every recorded quote for scrip between from and to,
	// ordered by timestamp ascending.
	Ticks(ctx context.Context, scrip string, from, to time.Time) ([]Tick, error)
}

// TickRecorder is the write side of TickDataProvider: the live engine feeds
// every observed quote through it so the day's tick history is available
// for the CoB backtest replay once the session closes.
type TickRecorder interface {
	RecordTick(ctx context.Context, account, scrip string, ts time.Time, ltp float64) error
}

// Tick is one recorded quote sample used by the backtest replay.
type Tick struct {
	Time time.Time
	LTP  float64
}
