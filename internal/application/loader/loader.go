// Package loader implements the day-start Loader: it reads the day's
// predicted entries, fetches the broker's live order book, classifies and
// pivots each bracket order's legs back onto its entries-file row, and
// returns a hydrated Position Table ready for the event processor.
//
// Grounded on original_source's exec/utils/ParamBuilder.py load_params:
// same read-entries → fetch-order-book → classify-and-pivot-by-leg →
// left-join-onto-params shape, reimplemented as typed Go instead of pandas
// column surgery. Wired into the application layer the way the teacher's
// cmd/scanner/main.go wires its scanner/executor/storage at startup.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// entriesHeader lists the columns "<account>-Entries.csv" must contain; they
// are looked up by name, in any order.
var entriesHeader = []string{
	"scrip", "symbol", "exchange", "token", "model", "signal",
	"quantity", "tick", "sl_pct", "trail_sl_pct", "target",
}

// Loader builds a hydrated domain.PositionTable at the start of the session.
type Loader struct {
	broker ports.BrokerGateway
	store  ports.PersistenceStore
	logger *slog.Logger
}

// New builds a Loader.
func New(broker ports.BrokerGateway, store ports.PersistenceStore, logger *slog.Logger) *Loader {
	return &Loader{broker: broker, store: store, logger: logger.With("component", "loader")}
}

// Load reads entriesPath, fetches the broker's order book, and returns a
// Position Table with every row either fresh (active=Y, no entry yet) or
// hydrated from an already-working bracket order found in the order book.
func (l *Loader) Load(ctx context.Context, entriesPath, account, date string) (*domain.PositionTable, error) {
	rows, err := readEntries(entriesPath)
	if err != nil {
		return nil, fmt.Errorf("loader.Load: read entries: %w", err)
	}

	table := domain.NewPositionTable()
	for _, p := range rows {
		table.Put(p)
	}

	ob, err := l.broker.GetOrderBook(ctx)
	if err != nil {
		l.logger.Error("loader.Load: order book fetch failed, starting with a flat book", "error", err)
		ob = nil
	}

	l.hydrate(table, ob)

	if l.store != nil {
		if err := l.logBOD(ctx, table, account, date); err != nil {
			l.logger.Warn("loader.Load: BOD log_entry failed", "error", err)
		}
	}

	return table, nil
}

// hydrate pivots classified order-book rows by leg and joins them back onto
// the position at Classify's reported index, reproducing __extract_order_book_params's
// entry/sl/target column split.
func (l *Loader) hydrate(table *domain.PositionTable, ob []ports.OrderBookRow) {
	for _, row := range ob {
		classified := domain.Classify(domain.BrokerMessage{
			Remarks:        row.Remarks,
			OrderRef:       row.OrderRef,
			NativeStatus:   row.Status,
			IsBracketChild: row.IsBracketChild,
			ChildIsSL:      row.ChildIsSL,
			ParentOrderID:  row.ParentOrderNo,
		})
		if classified.Leg == domain.LegUnknown {
			continue
		}
		orderNo := row.OrderNo
		table.Mutate(classified.Index, func(p *domain.Position) {
			applyLeg(p, classified, row, orderNo)
		})
	}

	for _, p := range table.All() {
		if !p.HasEntry() {
			continue
		}
		table.Mutate(p.Index, func(p *domain.Position) {
			if p.EntryOrderStatus == domain.StatusEntryFilled && p.SLOrderStatus == domain.StatusSLArmed && p.TargetOrderStatus == domain.StatusTargetArmed {
				p.Active = domain.ActiveYes
				p.Strength = abs(p.TargetPred - p.EntryPrice)
			} else {
				p.Active = domain.ActiveNo
			}
		})
	}
}

func applyLeg(p *domain.Position, c domain.Classified, row ports.OrderBookRow, orderNo string) {
	switch c.Leg {
	case domain.LegEntry:
		p.EntryOrderID = &orderNo
		p.EntryOrderStatus = c.Status
		p.EntryPrice = row.Price
		p.EntryTS = row.FillTimestamp
	case domain.LegSL:
		p.SLOrderID = &orderNo
		p.SLOrderStatus = c.Status
		p.SLPrice = row.TriggerPrice
		p.SLTS = row.FillTimestamp
	case domain.LegTarget:
		p.TargetOrderID = &orderNo
		p.TargetOrderStatus = c.Status
		p.TargetPrice = row.Price
		p.TargetTS = row.FillTimestamp
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (l *Loader) logBOD(ctx context.Context, table *domain.PositionTable, account, date string) error {
	data := make(map[string]any, len(table.All()))
	for _, p := range table.All() {
		data[strconv.Itoa(p.Index)] = p
	}
	return l.store.LogEntry(ctx, "PARAMS", []string{"BOD"}, data, date, account)
}

func readEntries(path string) ([]*domain.Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, want := range entriesHeader {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("entries file missing required column %q", want)
		}
	}

	var out []*domain.Position
	idx := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", idx, err)
		}
		p, err := parseRow(rec, col, idx)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", idx, err)
		}
		out = append(out, p)
		idx++
	}
	return out, nil
}

func parseRow(rec []string, col map[string]int, idx int) (*domain.Position, error) {
	signal, err := strconv.Atoi(rec[col["signal"]])
	if err != nil {
		return nil, fmt.Errorf("parse signal: %w", err)
	}
	qty, err := strconv.ParseFloat(rec[col["quantity"]], 64)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	tick, err := strconv.ParseFloat(rec[col["tick"]], 64)
	if err != nil {
		return nil, fmt.Errorf("parse tick: %w", err)
	}
	slPct, err := strconv.ParseFloat(rec[col["sl_pct"]], 64)
	if err != nil {
		return nil, fmt.Errorf("parse sl_pct: %w", err)
	}
	trailSLPct, err := strconv.ParseFloat(rec[col["trail_sl_pct"]], 64)
	if err != nil {
		return nil, fmt.Errorf("parse trail_sl_pct: %w", err)
	}
	target, err := strconv.ParseFloat(rec[col["target"]], 64)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}

	return &domain.Position{
		Index:      idx,
		Scrip:      rec[col["scrip"]],
		Symbol:     rec[col["symbol"]],
		Exchange:   rec[col["exchange"]],
		Token:      rec[col["token"]],
		Model:      rec[col["model"]],
		Signal:     domain.Signal(signal),
		Quantity:   qty,
		Tick:       tick,
		SLPct:      slPct,
		TrailSLPct: trailSLPct,
		TargetPred: target,
		Active:     domain.ActiveYes,
	}, nil
}
