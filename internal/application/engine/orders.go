package engine

import (
	"context"
	"time"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// handleQuote implements on_quote from spec.md §4.4: entry-leg placement for
// candidates that haven't been placed yet, and trailing-SL updates for
// positions already holding a live SL leg. Every quote for a token in the
// table is recorded once, whatever state its positions are in.
func (e *Engine) handleQuote(ctx context.Context, q ports.QuoteEvent) {
	if rows := e.table.Where(func(p *domain.Position) bool { return p.Token == q.Token }); len(rows) > 0 {
		e.recordTick(ctx, rows[0].Scrip, q)
	}
	for _, p := range e.table.ByToken(q.Token) {
		e.tryEntry(ctx, p, q.LTP)
	}
	for _, p := range e.table.BySLPending(q.Token) {
		e.tryTrailSL(ctx, p, q.LTP)
	}
}

// recordTick feeds the optional tick recorder without blocking the writer
// goroutine on a slow store — a dropped sample here only narrows the CoB
// backtest replay's resolution, it never affects live order decisions.
func (e *Engine) recordTick(ctx context.Context, scrip string, q ports.QuoteEvent) {
	if e.ticks == nil {
		return
	}
	go func() {
		if err := e.ticks.RecordTick(ctx, e.account, scrip, time.Unix(q.Time, 0), q.LTP); err != nil {
			e.logger.Debug("record tick failed", "scrip", scrip, "error", err)
		}
	}()
}

func (e *Engine) tryEntry(ctx context.Context, p *domain.Position, ltp float64) {
	strength := domain.SignalStrength(p.Signal, p.TargetPred, ltp)
	if strength <= 0 {
		e.table.Mutate(p.Index, func(p *domain.Position) {
			p.Active = domain.ActiveNo
			p.EntryOrderStatus = domain.StatusInvalid
		})
		return
	}
	e.table.Mutate(p.Index, func(p *domain.Position) { p.Strength = strength })
	e.placeBracket(ctx, p, ltp)
}

// placeBracket places a native bracket order: market entry, an SL child at
// calc_sl distance, and a target child at calc_target distance, both
// expressed as ranges (offsets) from entry rather than absolute prices.
func (e *Engine) placeBracket(ctx context.Context, p *domain.Position, ltp float64) {
	placeholder := "-1"
	// Set the placeholder before the call returns so a second tick for the
	// same token can't race this position into a duplicate placement —
	// the broker round-trip below may take long enough for more quotes to
	// arrive on this same token.
	e.table.Mutate(p.Index, func(p *domain.Position) { p.EntryOrderID = &placeholder })

	sl := domain.CalcSL(ltp, p.Signal, p.SLPct, p.Tick)
	slRange := absf(ltp - sl)
	target := domain.CalcTarget(p.TargetPred, ltp, p.Direction(), p.Strength)
	targetRange := absf(target - ltp)

	remarks := domain.BuildRemarks(domain.LegEntry, p.Model, p.Scrip, p.Index)
	req := ports.PlaceOrderRequest{
		Side:            p.Direction(),
		Product:         ports.ProductBracket,
		Exchange:        p.Exchange,
		Symbol:          p.Symbol,
		Quantity:        p.Quantity,
		PriceType:       ports.PriceMarket,
		Retention:       "DAY",
		Remarks:         remarks,
		OrderRef:        domain.OrderRef(e.account, p.Model, p.Scrip, "", p.Index),
		BookLossRange:   slRange,
		BookProfitRange: targetRange,
	}

	placed, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		e.logger.Error("place bracket failed", "scrip", p.Scrip, "index", p.Index, "error", err)
		return
	}
	if placed == nil {
		// Gateway-null response: per spec.md §4.4, log and abort — the
		// placeholder set above stays in place so the next tick for this
		// token does not retry placement.
		e.logger.Error("broker returned no order number for bracket placement", "scrip", p.Scrip, "index", p.Index)
		return
	}
	e.logger.Info("bracket placed", "scrip", p.Scrip, "index", p.Index, "order_no", placed.OrderNo, "sl_range", slRange, "target_range", targetRange)
	mtxOrdersPlaced.WithLabelValues(p.Direction()).Inc()
}

func (e *Engine) tryTrailSL(ctx context.Context, p *domain.Position, ltp float64) {
	newSL, moved := domain.GetNewSL(p, ltp)
	if !moved {
		return
	}
	if p.SLOrderID == nil {
		return
	}
	err := e.broker.ModifyOrder(ctx, ports.ModifyOrderRequest{
		OrderNo:         *p.SLOrderID,
		Exchange:        p.Exchange,
		Symbol:          p.Symbol,
		NewQuantity:     p.Quantity,
		NewPriceType:    ports.PriceSLMarket,
		NewTriggerPrice: newSL,
	})
	if err != nil {
		e.logger.Error("SL modify failed", "scrip", p.Scrip, "index", p.Index, "error", err)
		return
	}
	// Optimistic update: the authoritative sl_price is reconciled when the
	// order-update for this modify arrives as a TRIGGER_PENDING event.
	e.table.Mutate(p.Index, func(p *domain.Position) { p.SLPrice = newSL })
	mtxSLUpdates.Inc()
}

// handleOrderUpdate implements on_order_update's transition table from
// spec.md §4.4: classify, locate by index, and apply the effect for this
// leg/status pair. Every mutation here is idempotent on repeated delivery
// of the same terminal event because a terminal leg status is only ever
// written once, going from non-terminal to terminal.
func (e *Engine) handleOrderUpdate(ctx context.Context, u ports.OrderUpdateEvent) {
	c := domain.Classify(domain.BrokerMessage{
		Remarks:       u.Remarks,
		OrderRef:      u.OrderRef,
		NativeStatus:  u.Status,
		ParentOrderID: u.ParentOrderNo,
	})
	if c.Leg == domain.LegUnknown {
		e.logger.Debug("skipping order update with no usable leg tag", "order_no", u.OrderNo)
		return
	}

	p := e.table.Get(c.Index)
	if p == nil {
		e.logger.Debug("order update for unknown position index", "index", c.Index, "order_no", u.OrderNo)
		return
	}

	switch c.Leg {
	case domain.LegEntry:
		e.applyEntryUpdate(ctx, c.Index, u, c.Status)
	case domain.LegSL:
		e.applySLUpdate(ctx, c.Index, u, c.Status)
	case domain.LegTarget:
		e.applyTargetUpdate(ctx, c.Index, u, c.Status)
	}
}

func (e *Engine) applyEntryUpdate(_ context.Context, idx int, u ports.OrderUpdateEvent, status domain.LegStatus) {
	orderNo := u.OrderNo
	e.table.Mutate(idx, func(p *domain.Position) {
		p.EntryOrderID = &orderNo
		p.EntryOrderStatus = status
		p.EntryTS = u.Timestamp
		p.EntryPrice = u.FillPrice
		if status == domain.StatusRejected {
			p.Active = domain.ActiveNo
		}
	})
}

func (e *Engine) applyTargetUpdate(ctx context.Context, idx int, u ports.OrderUpdateEvent, status domain.LegStatus) {
	orderNo := u.OrderNo
	var alreadyClosed bool
	e.table.Mutate(idx, func(p *domain.Position) {
		if p.Active == domain.ActiveNo && status == domain.StatusTargetHit {
			// Tie-break (spec.md §4.4): an SL-HIT for this position already
			// landed and closed it; this TARGET-HIT is observed and ignored.
			alreadyClosed = true
			return
		}
		p.TargetOrderID = &orderNo
		p.TargetOrderStatus = status
		p.TargetTS = u.Timestamp
		p.TargetPrice = u.FillPrice
		if status == domain.StatusTargetHit {
			p.Active = domain.ActiveNo
		}
	})
	if alreadyClosed || status != domain.StatusTargetHit {
		return
	}
	p := e.table.Get(idx)
	if p != nil && p.SLOrderID != nil {
		if err := e.broker.CancelOrder(ctx, *p.SLOrderID); err != nil {
			e.logger.Error("cancel SL leg after target hit failed", "index", idx, "error", err)
			return
		}
		e.table.Mutate(idx, func(p *domain.Position) { p.SLOrderStatus = domain.StatusCanceled })
	}
	mtxExitsTotal.WithLabelValues("TARGET-HIT").Inc()
}

func (e *Engine) applySLUpdate(ctx context.Context, idx int, u ports.OrderUpdateEvent, status domain.LegStatus) {
	orderNo := u.OrderNo
	var alreadyClosed bool
	e.table.Mutate(idx, func(p *domain.Position) {
		if p.Active == domain.ActiveNo && status == domain.StatusSLHit {
			alreadyClosed = true
			return
		}
		p.SLOrderID = &orderNo
		p.SLOrderStatus = status
		p.SLTS = u.Timestamp
		switch status {
		case domain.StatusSLHit:
			// Terminal fill: the broker's fill_price is the authoritative exit.
			p.SLPrice = u.FillPrice
			p.Active = domain.ActiveNo
		case domain.StatusSLArmed:
			// An arming ack may or may not carry a trigger price; a zero here
			// just means the broker echoed none, so keep tryTrailSL's
			// optimistic value rather than clobbering it with 0.
			if u.TriggerPrice != 0 {
				p.SLPrice = u.TriggerPrice
			}
			p.SLUpdateCnt++
		}
	})
	if alreadyClosed {
		return
	}

	switch status {
	case domain.StatusSLHit:
		p := e.table.Get(idx)
		if p != nil && p.TargetOrderID != nil {
			if err := e.broker.CancelOrder(ctx, *p.TargetOrderID); err != nil {
				e.logger.Error("cancel target leg after SL hit failed", "index", idx, "error", err)
				return
			}
			e.table.Mutate(idx, func(p *domain.Position) { p.TargetOrderStatus = domain.StatusCanceled })
		}
		mtxExitsTotal.WithLabelValues("SL-HIT").Inc()
	case domain.StatusSLArmed:
		rejected, reason, err := e.broker.IsSLUpdateRejected(ctx, orderNo)
		if err != nil {
			e.logger.Warn("SL rejection probe failed", "index", idx, "error", err)
			return
		}
		if rejected {
			e.logger.Warn("SL modify rejected by broker", "index", idx, "reason", reason)
			e.table.Mutate(idx, func(p *domain.Position) { p.Active = domain.ActiveSLLocked })
		}
	}
}

// handleFlatten implements the 15:15 cutoff from spec.md §4.5: unsubscribe,
// convert every active row's SL to a market exit and cancel its target,
// mark it closed, then freeze the table for the CoB reconciler.
func (e *Engine) handleFlatten(ctx context.Context) {
	instruments := e.table.Instruments()
	if err := e.broker.Unsubscribe(ctx, instruments); err != nil {
		e.logger.Warn("unsubscribe at flatten failed", "error", err)
	}

	for _, p := range e.table.All() {
		if p.Active != domain.ActiveYes && p.Active != domain.ActiveSLLocked {
			continue
		}
		e.flattenOne(ctx, p)
	}

	e.table.Freeze()
}

func (e *Engine) flattenOne(ctx context.Context, p *domain.Position) {
	if p.EntryOrderID == nil || *p.EntryOrderID == "-1" {
		// Never actually filled — nothing live to close.
		e.table.Mutate(p.Index, func(p *domain.Position) { p.Active = domain.ActiveNo })
		return
	}
	if err := e.broker.CloseBracketOrder(ctx, *p.EntryOrderID); err != nil {
		e.logger.Error("flatten: close bracket failed", "index", p.Index, "error", err)
	}
	e.table.Mutate(p.Index, func(p *domain.Position) {
		p.Active = domain.ActiveNo
		p.TargetOrderStatus = domain.StatusCanceled
	})
	mtxExitsTotal.WithLabelValues("FLATTEN").Inc()
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
