// Package cob implements the Close-of-Business Reconciler: the post-flatten
// step that snapshots the day's final Position Table, computes realized
// trade economics from the broker's order book, and replays the session
// minute by minute to measure how well the live SL/target logic tracked the
// market.
//
// Grounded on original_source's exec/service/cob.py CloseOfBusiness class
// (store_orders/store_broker_trades/store_bt_trades), generalized from
// pandas DataFrame persistence to the typed ports.PersistenceStore replace
// calls, and on the teacher's paper.Engine as the model for driving
// adapters/backtest.Replay per position.
package cob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kvrao/intraday-engine/internal/adapters/backtest"
	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// Reconciler runs the three CoB persistence steps against a frozen
// Position Table.
type Reconciler struct {
	store    ports.PersistenceStore
	ticks    ports.TickDataProvider
	broker   ports.BrokerGateway
	alerter  ports.Alerter
	account  string
	date     string
	location *time.Location
	logger   *slog.Logger
}

// New builds a Reconciler. ticks may be nil, in which case Run skips the
// backtest-accuracy step entirely (no recorded tick history to replay).
// broker may also be nil, in which case the trade log falls back to the
// Position Table's own last-known prices instead of the broker's
// authoritative fills.
func New(store ports.PersistenceStore, ticks ports.TickDataProvider, broker ports.BrokerGateway, alerter ports.Alerter, account, date string, location *time.Location, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store: store, ticks: ticks, broker: broker, alerter: alerter,
		account: account, date: date, location: location,
		logger: logger.With("component", "cob", "account", account),
	}
}

// Run persists the params snapshot, the realized trade log, and — when a
// tick provider is configured — the per-minute backtest-accuracy table.
// Every step is independent; a failure in one does not block the others.
func (r *Reconciler) Run(ctx context.Context, table *domain.PositionTable) error {
	positions := table.All()
	if len(positions) == 0 {
		r.logger.Error("no positions to reconcile")
		return nil
	}

	book := r.fetchOrderBook(ctx)

	if err := r.storeParamsHist(ctx, positions); err != nil {
		r.logger.Error("store params hist failed", "error", err)
	}
	if err := r.storeTradeLog(ctx, positions, book); err != nil {
		r.logger.Error("store trade log failed", "error", err)
	}
	if r.ticks != nil {
		if err := r.storeTradesMTM(ctx, positions, book); err != nil {
			r.logger.Error("store trades mtm failed", "error", err)
		}
	}

	if r.alerter != nil {
		subject := fmt.Sprintf("COB Params - %s", r.account)
		if err := r.alerter.Send(ctx, subject, fmt.Sprintf("%d positions reconciled", len(positions))); err != nil {
			r.logger.Warn("COB alert send failed", "error", err)
		}
	}
	return nil
}

// fetchOrderBook pulls the broker's final order book once per CoB run and
// indexes it by order number, so storeTradeLog can join each leg's stored
// order ID onto its official fill/trigger price instead of trusting the
// Position Table's own last-known value. Returns nil (not an error) when no
// broker is configured or the fetch fails — callers fall back silently.
func (r *Reconciler) fetchOrderBook(ctx context.Context) map[string]ports.OrderBookRow {
	if r.broker == nil {
		return nil
	}
	rows, err := r.broker.GetOrderBook(ctx)
	if err != nil {
		r.logger.Warn("fetch order book for authoritative fills failed, falling back to last-known prices", "error", err)
		return nil
	}
	book := make(map[string]ports.OrderBookRow, len(rows))
	for _, row := range rows {
		book[row.OrderNo] = row
	}
	return book
}

func (r *Reconciler) storeParamsHist(ctx context.Context, positions []*domain.Position) error {
	rows := make([]ports.ParamsHistRow, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, ports.ParamsHistRow{
			Account: r.account, Date: r.date, Index: p.Index,
			Scrip: p.Scrip, Model: p.Model, Signal: int(p.Signal),
			Quantity: p.Quantity, Tick: p.Tick, SLPct: p.SLPct, TrailSLPct: p.TrailSLPct,
			EntryOrderID:      derefOr(p.EntryOrderID, ""),
			SLOrderID:         derefOr(p.SLOrderID, ""),
			TargetOrderID:     derefOr(p.TargetOrderID, ""),
			EntryPrice:        p.EntryPrice,
			SLPrice:           p.SLPrice,
			TargetPrice:       p.TargetPrice,
			Strength:          p.Strength,
			SLUpdateCnt:       p.SLUpdateCnt,
			Active:            string(p.Active),
			EntryOrderStatus:  string(p.EntryOrderStatus),
			SLOrderStatus:     string(p.SLOrderStatus),
			TargetOrderStatus: string(p.TargetOrderStatus),
		})
	}
	return r.store.ReplaceParamsHist(ctx, r.account, r.date, rows)
}

// storeTradeLog computes realized P&L for every position that actually hit
// a terminal leg status (SL-HIT, TARGET-HIT, or was closed by flatten). When
// book is non-nil (a broker was configured and its order book fetched
// successfully), the exit price is the broker's own fill/trigger price for
// the stored leg order ID rather than the Position Table's last-known value.
func (r *Reconciler) storeTradeLog(ctx context.Context, positions []*domain.Position, book map[string]ports.OrderBookRow) error {
	rows := make([]ports.TradeLogRow, 0, len(positions))
	for _, p := range positions {
		if p.EntryOrderStatus != domain.StatusEntryFilled && p.EntryOrderStatus != domain.StatusComplete {
			continue
		}
		exitPrice, reason, ok := exitForPosition(p, book)
		if !ok {
			continue
		}
		pnl := p.Quantity * float64(p.Signal) * (exitPrice - p.EntryPrice)
		rows = append(rows, ports.TradeLogRow{
			Account: r.account, Date: r.date, Index: p.Index,
			Scrip: p.Scrip, Model: p.Model,
			EntryPrice: p.EntryPrice, ExitPrice: exitPrice,
			Quantity: p.Quantity, PnL: pnl, ExitReason: reason,
		})
	}
	return r.store.ReplaceTradeLog(ctx, r.account, r.date, rows)
}

func exitForPosition(p *domain.Position, book map[string]ports.OrderBookRow) (price float64, reason string, ok bool) {
	switch {
	case p.TargetOrderStatus == domain.StatusTargetHit:
		return authoritativeExitPrice(book, p.TargetOrderID, p.TargetPrice), "TARGET-HIT", true
	case p.SLOrderStatus == domain.StatusSLHit:
		return authoritativeExitPrice(book, p.SLOrderID, p.SLPrice), "SL-HIT", true
	case p.TargetOrderStatus == domain.StatusCanceled || p.SLOrderStatus == domain.StatusCanceled:
		return flattenExitPrice(book, p), "FLATTEN", true
	}
	return 0, "", false
}

// authoritativeExitPrice joins orderID onto the broker's final order book:
// the original_source's __store_broker_trades fetches api_get_order_book()
// for exactly this reason, rather than trusting whatever price the live
// engine last observed on the order-update feed.
func authoritativeExitPrice(book map[string]ports.OrderBookRow, orderID *string, fallback float64) float64 {
	if book == nil || orderID == nil {
		return fallback
	}
	row, ok := book[*orderID]
	if !ok || row.Price == 0 {
		return fallback
	}
	return row.Price
}

// flattenExitPrice looks for the market square-off order CloseBracketOrder
// produces at flatten time — it carries the entry leg's order number as its
// parent — and uses its fill price; falls back to the position's last-known
// sl_price when no broker is configured or the square-off order can't be found.
func flattenExitPrice(book map[string]ports.OrderBookRow, p *domain.Position) float64 {
	if book != nil && p.EntryOrderID != nil {
		for _, row := range book {
			if row.ParentOrderNo == *p.EntryOrderID && row.Status == "COMPLETE" && row.Price != 0 {
				return row.Price
			}
		}
	}
	return p.SLPrice
}

func (r *Reconciler) storeTradesMTM(ctx context.Context, positions []*domain.Position, book map[string]ports.OrderBookRow) error {
	sessionStart, sessionEnd, err := r.sessionBounds()
	if err != nil {
		return err
	}

	var rows []ports.TradesMTMRow
	for _, p := range positions {
		results, err := backtest.Replay(ctx, r.ticks, p, sessionStart, sessionEnd)
		if err != nil {
			r.logger.Error("backtest replay failed", "scrip", p.Scrip, "index", p.Index, "error", err)
			continue
		}
		for _, res := range results {
			rows = append(rows, ports.TradesMTMRow{
				Account: r.account, Date: r.date, Index: p.Index,
				Scrip: p.Scrip, Minute: res.Minute.Format("15:04"),
				LivePnL:     livePnLAt(p, book),
				BacktestPnL: res.PnL,
			})
		}
	}
	return r.store.ReplaceTradesMTM(ctx, r.account, r.date, rows)
}

// livePnLAt reports the position's final realized P&L, the same value for
// every replayed minute, or 0 when no exit price is found for it — the live
// engine doesn't retain a per-minute P&L history of its own to compare
// against.
func livePnLAt(p *domain.Position, book map[string]ports.OrderBookRow) float64 {
	price, _, ok := exitForPosition(p, book)
	if !ok {
		return 0
	}
	return p.Quantity * float64(p.Signal) * (price - p.EntryPrice)
}

func (r *Reconciler) sessionBounds() (time.Time, time.Time, error) {
	loc := r.location
	if loc == nil {
		loc = time.UTC
	}
	d, err := time.ParseInLocation("2006-01-02", r.date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("cob.sessionBounds: parse date %q: %w", r.date, err)
	}
	start := time.Date(d.Year(), d.Month(), d.Day(), 9, 15, 0, 0, loc)
	end := time.Date(d.Year(), d.Month(), d.Day(), 15, 30, 0, 0, loc)
	return start, end, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// RebuildTable reconstructs a frozen Position Table from a day's stored
// PARAMS_HIST snapshot — what the standalone run-cob CLI verb needs to
// re-run Run against an already-closed session with no live engine in
// front of it, the same recovery path the original run-cob.py's
// CloseOfBusiness(params=...) took a ready-made DataFrame for.
func RebuildTable(rows []ports.ParamsHistRow) *domain.PositionTable {
	table := domain.NewPositionTable()
	for _, r := range rows {
		table.Put(&domain.Position{
			Index:             r.Index,
			Scrip:             r.Scrip,
			Model:             r.Model,
			Signal:            domain.Signal(r.Signal),
			Quantity:          r.Quantity,
			Tick:              r.Tick,
			SLPct:             r.SLPct,
			TrailSLPct:        r.TrailSLPct,
			EntryOrderID:      nonEmptyPtr(r.EntryOrderID),
			SLOrderID:         nonEmptyPtr(r.SLOrderID),
			TargetOrderID:     nonEmptyPtr(r.TargetOrderID),
			EntryPrice:        r.EntryPrice,
			SLPrice:           r.SLPrice,
			TargetPrice:       r.TargetPrice,
			Strength:          r.Strength,
			SLUpdateCnt:       r.SLUpdateCnt,
			Active:            domain.Active(r.Active),
			EntryOrderStatus:  domain.LegStatus(r.EntryOrderStatus),
			SLOrderStatus:     domain.LegStatus(r.SLOrderStatus),
			TargetOrderStatus: domain.LegStatus(r.TargetOrderStatus),
		})
	}
	table.Freeze()
	return table
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
