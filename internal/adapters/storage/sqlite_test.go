package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrao/intraday-engine/internal/ports"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine_test.db")
	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage_LogEntryInsertsRow(t *testing.T) {
	s := newTestStorage(t)
	err := s.LogEntry(context.Background(), "PARAMS", []string{"BOD"}, map[string]any{"0": "row"}, "2026-07-30", "ACME")
	assert.NoError(t, err)
}

func TestSQLiteStorage_ReplaceParamsHistIsIdempotentPerAccountDate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rows := []ports.ParamsHistRow{
		{Index: 0, Scrip: "ACME", Model: "m1", Signal: 1, Quantity: 10, Tick: 0.05, SLPct: 0.5, TrailSLPct: 0.2, Active: "Y"},
		{Index: 1, Scrip: "XYZ", Model: "m2", Signal: -1, Active: "N"},
	}
	require.NoError(t, s.ReplaceParamsHist(ctx, "ACME", "2026-07-30", rows))

	got, err := s.GetParamsHist(ctx, "ACME", "2026-07-30")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ACME", got[0].Scrip)
	assert.Equal(t, 10.0, got[0].Quantity)
	assert.InDelta(t, 0.05, got[0].Tick, 1e-9)
	assert.InDelta(t, 0.5, got[0].SLPct, 1e-9)
	assert.InDelta(t, 0.2, got[0].TrailSLPct, 1e-9)

	// Re-replacing with a smaller set must fully supersede the first insert.
	require.NoError(t, s.ReplaceParamsHist(ctx, "ACME", "2026-07-30", rows[:1]))
	got, err = s.GetParamsHist(ctx, "ACME", "2026-07-30")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteStorage_ReplaceTradeLogRoundTrips(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rows := []ports.TradeLogRow{
		{Index: 0, Scrip: "ACME", Model: "m1", EntryPrice: 100, ExitPrice: 110, Quantity: 10, PnL: 100, ExitReason: "TARGET-HIT"},
	}
	require.NoError(t, s.ReplaceTradeLog(ctx, "ACME", "2026-07-30", rows))

	got, err := s.GetTradeLog(ctx, "ACME", "2026-07-30")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].PnL)
	assert.Equal(t, "TARGET-HIT", got[0].ExitReason)
}

func TestSQLiteStorage_ReplaceTradesMTMScopedByAccountDate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceTradesMTM(ctx, "ACME", "2026-07-30", []ports.TradesMTMRow{
		{Index: 0, Scrip: "ACME", Minute: "09:20", LivePnL: 0, BacktestPnL: 1.5},
	}))
	require.NoError(t, s.ReplaceTradesMTM(ctx, "OTHER", "2026-07-30", []ports.TradesMTMRow{
		{Index: 0, Scrip: "XYZ", Minute: "09:20", LivePnL: 0, BacktestPnL: -2.0},
	}))

	// No getter for trades_mtm, so the contract under test — replacing one
	// account/date doesn't disturb another's rows — is checked by querying
	// the table directly after a second same-account replace.
	require.NoError(t, s.ReplaceTradesMTM(ctx, "ACME", "2026-07-30", []ports.TradesMTMRow{
		{Index: 0, Scrip: "ACME", Minute: "09:21", LivePnL: 0, BacktestPnL: 2.0},
	}))

	var otherRows int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades_mtm WHERE account = 'OTHER' AND date = '2026-07-30'`).Scan(&otherRows))
	assert.Equal(t, 1, otherRows)

	var acmeMinute string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT minute FROM trades_mtm WHERE account = 'ACME' AND date = '2026-07-30'`).Scan(&acmeMinute))
	assert.Equal(t, "09:21", acmeMinute)
}

func TestSQLiteStorage_TickRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 30, 9, 20, 0, 0, time.UTC)
	require.NoError(t, s.RecordTick(ctx, "ACME", "ACME", base, 100.0))
	require.NoError(t, s.RecordTick(ctx, "ACME", "ACME", base.Add(time.Minute), 101.5))
	require.NoError(t, s.RecordTick(ctx, "ACME", "XYZ", base, 50.0))

	ticks, err := s.Ticks(ctx, "ACME", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, 100.0, ticks[0].LTP)
	assert.Equal(t, 101.5, ticks[1].LTP)
}

var _ ports.TickDataProvider = (*SQLiteStorage)(nil)
