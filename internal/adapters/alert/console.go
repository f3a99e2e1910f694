// Package alert implements ports.Alerter, plus the BOD/CoB summary table
// rendering; cmd/engine's run-cob prints its CoB summary through it.
//
// Grounded on the teacher's adapters/notify/console.go: same io.Writer-
// wrapping struct and tablewriter.NewWriter/Header/Append/Render sequence,
// re-pointed at position rows and log-style subject/body alerts instead of
// a ranked opportunities table.
package alert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// Console implements ports.Alerter by writing to an io.Writer and, for every
// alert, logging through slog so alerts land in the same structured stream
// as everything else.
type Console struct {
	out    io.Writer
	logger *slog.Logger
}

// NewConsole creates an Alerter that writes to stdout.
func NewConsole(logger *slog.Logger) *Console {
	return &Console{out: os.Stdout, logger: logger}
}

// NewConsoleWriter creates an Alerter for tests.
func NewConsoleWriter(w io.Writer, logger *slog.Logger) *Console {
	return &Console{out: w, logger: logger}
}

var _ ports.Alerter = (*Console)(nil)

func (c *Console) Send(_ context.Context, subject, body string) error {
	fmt.Fprintf(c.out, "[%s] %s\n%s\n", time.Now().Format("15:04:05"), subject, body)
	c.logger.Info("alert sent", "subject", subject)
	return nil
}

// PrintBOD renders the hydrated Position Table right after the day-start
// loader runs, so an operator can eyeball today's book before the websocket
// opens.
func (c *Console) PrintBOD(rows []*domain.Position) {
	fmt.Fprintf(c.out, "\n=== BOD SNAPSHOT — %d positions ===\n", len(rows))
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Scrip", "Model", "Sig", "Active", "Entry", "SL", "Target", "Strength")
	for _, p := range rows {
		table.Append(
			fmt.Sprintf("%d", p.Index),
			p.Scrip,
			p.Model,
			fmt.Sprintf("%d", p.Signal),
			string(p.Active),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.SLPrice),
			fmt.Sprintf("%.2f", p.TargetPrice),
			fmt.Sprintf("%.2f", p.Strength),
		)
	}
	table.Render()
}

// PrintCoBSummary renders the final closed book once the reconciler has
// persisted PARAMS_HIST/TRADE_LOG/TRADES_MTM.
func (c *Console) PrintCoBSummary(rows []ports.TradeLogRow) {
	fmt.Fprintf(c.out, "\n=== CLOSE-OF-BUSINESS — %d trades ===\n", len(rows))
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Scrip", "Model", "Entry", "Exit", "Qty", "PnL", "Reason")
	var totalPnL float64
	for _, r := range rows {
		table.Append(
			fmt.Sprintf("%d", r.Index),
			r.Scrip,
			r.Model,
			fmt.Sprintf("%.2f", r.EntryPrice),
			fmt.Sprintf("%.2f", r.ExitPrice),
			fmt.Sprintf("%.0f", r.Quantity),
			fmt.Sprintf("%.2f", r.PnL),
			r.ExitReason,
		)
		totalPnL += r.PnL
	}
	table.Render()
	fmt.Fprintf(c.out, "  Total P&L: %.2f\n\n", totalPnL)
}
