// Package engine implements the Event Processor: the single-writer state
// machine that owns the Position Table for the lifetime of the websocket
// session. Quote ticks, order updates, and the two wall-clock control
// messages (ALERT, FLATTEN) are all serialized onto one inbound queue; a
// single goroutine drains it and is the only thing that ever mutates a
// Position. Broker callbacks and the session clock are producers only.
//
// Grounded on the teacher's live.Engine (application/engine/live/engine.go):
// same "single struct owns all per-cycle state, one designated method is the
// whole program's heartbeat" shape, generalized from a polling RunOnce cycle
// to a channel-driven dispatch loop because this domain reacts to a push
// feed instead of polling on an interval. The transition table itself is
// grounded on original_source's engine.py event_handler_* functions.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kvrao/intraday-engine/internal/domain"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// queueDepth bounds the inbound event queue. spec.md §5 calls for an
// "unbounded FIFO queue"; in practice the broker's per-account event rate
// is low (tens per second peak, per spec.md §5) so a generously sized
// buffered channel absorbs any realistic burst without the complexity of a
// dynamically growing queue.
const queueDepth = 4096

// Engine owns the Position Table and drives every lifecycle transition.
type Engine struct {
	table   *domain.PositionTable
	broker  ports.BrokerGateway
	store   ports.PersistenceStore
	alerter ports.Alerter
	logger  *slog.Logger
	account string

	events         chan event
	reconnectCount int
	ticks          ports.TickRecorder
}

// New builds an Engine around an already-hydrated Position Table.
func New(table *domain.PositionTable, broker ports.BrokerGateway, store ports.PersistenceStore, alerter ports.Alerter, account string, logger *slog.Logger) *Engine {
	return &Engine{
		table:   table,
		broker:  broker,
		store:   store,
		alerter: alerter,
		account: account,
		logger:  logger.With("component", "engine"),
		events:  make(chan event, queueDepth),
	}
}

// Table exposes the Position Table for the session runner's 09:30 snapshot
// and the CoB reconciler — both read-only callers once the engine itself is
// the table's writer.
func (e *Engine) Table() *domain.PositionTable { return e.table }

// SetTickRecorder wires an optional sink every observed quote is recorded
// through, feeding the CoB backtest replay's tick history. Without one,
// handleQuote's decision logic is unaffected — only the recording is skipped.
func (e *Engine) SetTickRecorder(r ports.TickRecorder) { e.ticks = r }

// Run drains the event queue until ctx is cancelled. It is the engine's
// only mutator of the Position Table — call it from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.dispatch(ctx, ev)
			mtxActivePositions.Set(float64(len(e.table.Active())))
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case eventQuote:
		e.handleQuote(ctx, ev.quote)
	case eventOrderUpdate:
		e.handleOrderUpdate(ctx, ev.update)
	case eventOpen:
		e.handleOpen(ctx)
	case eventError:
		e.handleError(ctx, ev.err)
	case eventAlert:
		e.handleAlert(ctx)
	case eventFlatten:
		e.handleFlatten(ctx)
	}
}

// OnQuote is the websocket callback registered as ports.WebSocketCallbacks.OnQuote.
// It only enqueues — all decision logic lives in handleQuote on the writer goroutine.
func (e *Engine) OnQuote(q ports.QuoteEvent) { e.events <- event{kind: eventQuote, quote: q} }

// OnOrderUpdate is the websocket callback for ports.WebSocketCallbacks.OnOrderUpdate.
func (e *Engine) OnOrderUpdate(u ports.OrderUpdateEvent) {
	e.events <- event{kind: eventOrderUpdate, update: u}
}

// OnOpen is the websocket callback for ports.WebSocketCallbacks.OnOpen.
func (e *Engine) OnOpen() { e.events <- event{kind: eventOpen} }

// OnError is the websocket callback for ports.WebSocketCallbacks.OnError.
func (e *Engine) OnError(err error) { e.events <- event{kind: eventError, err: err} }

// Alert enqueues the 09:30 control message; it blocks until the writer has
// processed it so the session runner can rely on the snapshot being taken
// before it moves on.
func (e *Engine) Alert(ctx context.Context) {
	e.sendControl(ctx, eventAlert)
}

// Flatten enqueues the 15:15 control message and blocks until it has been
// fully processed — every active row has been closed and the table frozen —
// before returning, so the caller can safely hand off to the CoB reconciler.
func (e *Engine) Flatten(ctx context.Context) {
	e.sendControl(ctx, eventFlatten)
}

func (e *Engine) sendControl(ctx context.Context, kind eventKind) {
	done := make(chan struct{})
	select {
	case e.events <- event{kind: kind, done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) handleOpen(ctx context.Context) {
	instruments := e.table.Instruments()
	e.logger.Info("subscribing", "instruments", instruments)
	if err := e.broker.Subscribe(ctx, instruments); err != nil {
		e.logger.Error("subscribe failed", "error", err)
	}
	if err := e.broker.SubscribeOrders(ctx); err != nil {
		e.logger.Error("subscribe orders failed", "error", err)
	}
}

func (e *Engine) handleError(ctx context.Context, cause error) {
	e.reconnectCount++
	mtxWebsocketReconnects.Inc()
	e.logger.Error("websocket error", "error", cause, "reconnect_count", e.reconnectCount)
	if e.alerter != nil {
		msg := fmt.Sprintf("Attempt: %d Error in websocket %v", e.reconnectCount, cause)
		if err := e.alerter.Send(ctx, fmt.Sprintf("Websocket Error! - %s", e.account), msg); err != nil {
			e.logger.Warn("alert send failed", "error", err)
		}
	}
	instruments := e.table.Instruments()
	if err := e.broker.Unsubscribe(ctx, instruments); err != nil {
		e.logger.Warn("unsubscribe during error recovery failed", "error", err)
	}
	// The Position Table is untouched — per spec.md §4.4, on_error only
	// logs, alerts and unsubscribes; reconnection itself is the broker
	// adapter's concern (StartWebSocket's own backoff loop).
}

func (e *Engine) handleAlert(ctx context.Context) {
	if e.store == nil {
		return
	}
	data := make(map[string]any, 8)
	for _, p := range e.table.All() {
		data[fmt.Sprintf("%d", p.Index)] = p
	}
	if err := e.store.LogEntry(ctx, "PARAMS", []string{"Post-BOD"}, data, "", e.account); err != nil {
		e.logger.Warn("post-BOD log_entry failed", "error", err)
	}
	if e.alerter != nil {
		if err := e.alerter.Send(ctx, "BOD Params", fmt.Sprintf("%d positions", len(e.table.All()))); err != nil {
			e.logger.Warn("BOD alert send failed", "error", err)
		}
	}
}
