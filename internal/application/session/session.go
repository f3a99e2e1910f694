// Package session implements the Session Runner: the day's wall-clock
// schedule that ties the Loader, the Event Processor, and the CoB
// Reconciler together into one run — login, load, stream, alert at 09:30,
// flatten at 15:15, hand off.
//
// Grounded on the teacher's cmd/scanner/main.go runPaper (time.Ticker +
// context.Done select loop with a graceful-shutdown path) generalized from
// a fixed scan interval to two wall-clock trigger times evaluated against
// an IANA exchange timezone, and on original_source's engine.py start(),
// whose datetime.now(IST).time() busy-wait this reimplements with a ticker
// instead of time.sleep(1).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kvrao/intraday-engine/internal/application/engine"
	"github.com/kvrao/intraday-engine/internal/application/loader"
	"github.com/kvrao/intraday-engine/internal/ports"
)

// pollInterval governs how often the wall-clock schedule is checked. A
// 1-second tick matches the teacher's busy-wait cadence closely enough for
// 09:30/15:15 triggers without spinning.
const pollInterval = time.Second

// Schedule carries the two daily wall-clock cutoffs in the exchange's
// timezone.
type Schedule struct {
	Location   *time.Location
	AlertTime  time.Time // time-of-day component only; date is ignored
	FlattenTime time.Time
}

// NewSchedule builds a Schedule from config-supplied HH:MM wall-clock times
// in the given location.
func NewSchedule(loc *time.Location, alertHHMM, flattenHHMM string) (Schedule, error) {
	alert, err := time.Parse("15:04", alertHHMM)
	if err != nil {
		return Schedule{}, fmt.Errorf("session.NewSchedule: parse alert time %q: %w", alertHHMM, err)
	}
	flatten, err := time.Parse("15:04", flattenHHMM)
	if err != nil {
		return Schedule{}, fmt.Errorf("session.NewSchedule: parse flatten time %q: %w", flattenHHMM, err)
	}
	return Schedule{Location: loc, AlertTime: alert, FlattenTime: flatten}, nil
}

// Runner drives one account's trading day end to end.
type Runner struct {
	broker      ports.BrokerGateway
	store       ports.PersistenceStore
	alerter     ports.Alerter
	loader      *loader.Loader
	account     string
	date        string
	entriesPath string
	schedule    Schedule
	logger      *slog.Logger
}

// New builds a Runner for one account/date.
func New(broker ports.BrokerGateway, store ports.PersistenceStore, alerter ports.Alerter, account, date, entriesPath string, schedule Schedule, logger *slog.Logger) *Runner {
	return &Runner{
		broker:      broker,
		store:       store,
		alerter:     alerter,
		loader:      loader.New(broker, store, logger),
		account:     account,
		date:        date,
		entriesPath: entriesPath,
		schedule:    schedule,
		logger:      logger.With("component", "session", "account", account),
	}
}

// Run executes the full day: login, load, stream until 15:15, flatten.
// It returns the engine so the caller (cmd/engine) can hand the frozen
// Position Table to the CoB reconciler. ctx cancellation (SIGINT/SIGTERM)
// triggers the same flatten-and-freeze path as reaching the 15:15 cutoff.
func (r *Runner) Run(ctx context.Context) (*engine.Engine, error) {
	if err := r.broker.Login(ctx); err != nil {
		return nil, fmt.Errorf("session.Run: login: %w", err)
	}
	r.logger.Info("logged in")

	table, err := r.loader.Load(ctx, r.entriesPath, r.account, r.date)
	if err != nil {
		return nil, fmt.Errorf("session.Run: load: %w", err)
	}
	if len(table.All()) == 0 {
		return nil, fmt.Errorf("session.Run: no entries loaded for %s/%s", r.account, r.date)
	}
	if len(table.Active()) == 0 {
		r.logger.Warn("no active entries for today, nothing to trade")
		return engine.New(table, r.broker, r.store, r.alerter, r.account, r.logger), nil
	}

	e := engine.New(table, r.broker, r.store, r.alerter, r.account, r.logger)
	if recorder, ok := r.store.(ports.TickRecorder); ok {
		e.SetTickRecorder(recorder)
	}
	// The engine loop runs on its own context so that a cancelled ctx still
	// leaves a writer to process the final FLATTEN below.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	go e.Run(engineCtx)

	cb := ports.WebSocketCallbacks{
		OnQuote:       e.OnQuote,
		OnOpen:        e.OnOpen,
		OnError:       e.OnError,
		OnOrderUpdate: e.OnOrderUpdate,
	}
	feedDone := make(chan error, 1)
	go func() { feedDone <- r.broker.StartWebSocket(ctx, cb) }()

	if err := r.waitForCutoff(ctx, e); err != nil {
		return e, err
	}

	e.Flatten(engineCtx)
	r.logger.Info("flattened, session closed")

	select {
	case err := <-feedDone:
		if err != nil {
			r.logger.Warn("websocket feed exited with error after flatten", "error", err)
		}
	case <-time.After(2 * time.Second):
	}

	return e, nil
}

// waitForCutoff blocks until the 15:15 flatten time or ctx cancellation,
// firing the one-shot 09:30 alert exactly once in between.
func (r *Runner) waitForCutoff(ctx context.Context, e *engine.Engine) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	alertPending := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().In(r.schedule.Location)
			if alertPending && !now.Before(dateAt(now, r.schedule.AlertTime)) {
				e.Alert(ctx)
				alertPending = false
			}
			if !now.Before(dateAt(now, r.schedule.FlattenTime)) {
				return nil
			}
		}
	}
}

// dateAt combines today's date (from now) with a time.Time's hour/minute,
// since Schedule.AlertTime/FlattenTime only carry a time-of-day component.
func dateAt(now, clock time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
}
