// Command engine runs one account's trading day: run-engine drives the
// live session end to end (login, load, stream, flatten); run-cob <date>
// re-runs the close-of-business reconciliation against an already-closed
// day, for recovery or a delayed re-run.
//
// Grounded on the teacher's cmd/scanner/main.go: flag-parsed config path,
// setupLogger identical in shape, signal.NotifyContext graceful shutdown,
// and a background metrics HTTP server modeled on chidi150c-coinbase's
// main.go promhttp.Handler() wiring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvrao/intraday-engine/config"
	"github.com/kvrao/intraday-engine/internal/adapters/alert"
	"github.com/kvrao/intraday-engine/internal/adapters/broker"
	"github.com/kvrao/intraday-engine/internal/adapters/storage"
	"github.com/kvrao/intraday-engine/internal/application/cob"
	"github.com/kvrao/intraday-engine/internal/application/session"
	"github.com/kvrao/intraday-engine/internal/ports"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: engine run-engine [flags] | engine run-cob [flags] <date>")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run-engine":
		runEngine(os.Args[2:])
	case "run-cob":
		runCOB(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runEngine(args []string) {
	fs := flag.NewFlagSet("run-engine", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config file")
	verbose := fs.Bool("verbose", false, "set log level to debug")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *verbose)
	logger := setupLogger(cfg.Log)
	stopMetrics := startMetricsServer(cfg.Metrics.Port, logger)
	defer stopMetrics()

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid account timezone", "error", err)
		os.Exit(1)
	}
	schedule, err := session.NewSchedule(loc, cfg.Account.AlertTime, cfg.Account.FlattenTime)
	if err != nil {
		logger.Error("invalid session schedule", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	client := broker.NewClient(broker.Config{
		BaseURL:    cfg.API.BaseURL,
		WSURL:      cfg.API.WSURL,
		AccountID:  cfg.Account.ID,
		Password:   cfg.API.Password,
		TOTPSecret: cfg.API.TOTPSecret,
	}, logger)

	notifier := alert.NewConsole(logger)

	date := time.Now().In(loc).Format("2006-01-02")
	runner := session.New(client, store, notifier, cfg.Account.ID, date, cfg.Account.EntriesPath, schedule, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("engine starting", "account", cfg.Account.ID, "date", date)
	e, err := runner.Run(ctx)
	if err != nil {
		logger.Error("session exited with error", "error", err)
		os.Exit(1)
	}
	if e == nil {
		logger.Info("engine stopped, nothing to reconcile")
		return
	}

	reconciler := cob.New(store, store, client, notifier, cfg.Account.ID, date, loc, logger)
	if err := reconciler.Run(context.Background(), e.Table()); err != nil {
		logger.Error("CoB reconciliation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("engine stopped cleanly")
}

// runCOB re-runs the close-of-business reconciler standalone against an
// already-closed day: it rebuilds the Position Table from the stored
// PARAMS_HIST snapshot (see cob.RebuildTable) rather than requiring a live
// engine in front of it, logs into the broker so Reconciler.Run can join the
// trade log onto the broker's authoritative order book, and re-persists
// PARAMS_HIST / TRADE_LOG / TRADES_MTM exactly as the end-of-session path
// does. Grounded on original_source's run-cob.py, which re-runs the same
// CloseOfBusiness pipeline for recovery or a delayed re-run.
func runCOB(args []string) {
	fs := flag.NewFlagSet("run-cob", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config file")
	verbose := fs.Bool("verbose", false, "set log level to debug")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: engine run-cob [flags] <date YYYY-MM-DD>")
		os.Exit(2)
	}
	date := fs.Arg(0)

	cfg := loadConfig(*configPath, *verbose)
	logger := setupLogger(cfg.Log)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid account timezone", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	rows, err := store.GetParamsHist(ctx, cfg.Account.ID, date)
	if err != nil {
		logger.Error("failed to reload params hist", "error", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		logger.Error("no params hist found for this account/date, nothing to reconcile", "account", cfg.Account.ID, "date", date)
		os.Exit(1)
	}
	logger.Info("found stored params", "account", cfg.Account.ID, "date", date, "rows", len(rows))
	table := cob.RebuildTable(rows)

	client := broker.NewClient(broker.Config{
		BaseURL:    cfg.API.BaseURL,
		WSURL:      cfg.API.WSURL,
		AccountID:  cfg.Account.ID,
		Password:   cfg.API.Password,
		TOTPSecret: cfg.API.TOTPSecret,
	}, logger)
	if err := client.Login(ctx); err != nil {
		logger.Error("broker login failed, reconciling with last-known prices only", "error", err)
		client = nil
	}

	notifier := alert.NewConsole(logger)
	reconciler := cob.New(store, store, brokerOrNil(client), notifier, cfg.Account.ID, date, loc, logger)
	if err := reconciler.Run(ctx, table); err != nil {
		logger.Error("CoB re-run failed", "error", err)
		os.Exit(1)
	}

	tradeLog, err := store.GetTradeLog(ctx, cfg.Account.ID, date)
	if err != nil {
		logger.Error("failed to reload trade log for summary", "error", err)
		os.Exit(1)
	}
	notifier.PrintCoBSummary(tradeLog)
	logger.Info("CoB re-run complete")
}

// brokerOrNil lets the nil-out-on-login-failure above produce a genuine nil
// ports.BrokerGateway instead of a non-nil interface wrapping a nil *Client,
// which would make cob.Reconciler's broker != nil check pass and then panic
// on the first call.
func brokerOrNil(client *broker.Client) ports.BrokerGateway {
	if client == nil {
		return nil
	}
	return client
}

func loadConfig(path string, verbose bool) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", path)
		os.Exit(1)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func startMetricsServer(port int, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		logger.Info("serving metrics", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
