package alert

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsole_SendWritesSubjectAndBody(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, discardLogger())

	err := c.Send(context.Background(), "Websocket Error! - ACME", "Attempt: 1 Error in websocket timeout")

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Websocket Error! - ACME")
	assert.Contains(t, buf.String(), "Attempt: 1 Error in websocket timeout")
}

func TestConsole_PrintBODRendersEveryRow(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, discardLogger())

	c.PrintBOD([]*domain.Position{
		{Index: 0, Scrip: "ACME", Model: "m1", Signal: domain.SignalBuy, Active: domain.ActiveYes},
		{Index: 1, Scrip: "XYZ", Model: "m2", Signal: domain.SignalSell, Active: domain.ActiveNo},
	})

	out := buf.String()
	assert.Contains(t, out, "ACME")
	assert.Contains(t, out, "XYZ")
	assert.Contains(t, out, "2 positions")
}

func TestConsole_PrintCoBSummarySumsPnL(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf, discardLogger())

	c.PrintCoBSummary([]ports.TradeLogRow{
		{Index: 0, Scrip: "ACME", Model: "m1", EntryPrice: 100, ExitPrice: 110, Quantity: 10, PnL: 100, ExitReason: "TARGET-HIT"},
		{Index: 1, Scrip: "XYZ", Model: "m2", EntryPrice: 200, ExitPrice: 190, Quantity: 5, PnL: -50, ExitReason: "SL-HIT"},
	})

	out := buf.String()
	assert.Contains(t, out, "Total P&L: 50.00")
}
