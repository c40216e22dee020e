// Command equilibrium solves a multi-period market equilibrium scenario and
// stores the per-period results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/equilibrium/internal/api"
	"github.com/talgya/equilibrium/internal/config"
	"github.com/talgya/equilibrium/internal/engine"
	"github.com/talgya/equilibrium/internal/metrics"
	"github.com/talgya/equilibrium/internal/persistence"
	"github.com/talgya/equilibrium/internal/scenario"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults when empty)")
	dbPath := flag.String("db", "", "results database path (overrides storage.path)")
	serve := flag.Bool("serve", false, "keep serving the HTTP API after the run finishes")
	flag.Parse()

	if err := run(*configPath, *dbPath, *serve); err != nil {
		slog.Error("equilibrium failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	format := cfg.Format
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
			format = "text"
		}
	}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func run(configPath, dbPath string, serve bool) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stdout))
	slog.Info("configuration loaded", "summary", cfg.Summary())

	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.Storage.Path)

	// ── Scenario and simulation ───────────────────────────────────────
	econ := scenario.Generate(*cfg)
	collector, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	sim, err := engine.NewSimulation(cfg, econ, collector)
	if err != nil {
		return err
	}
	if err := db.SaveRun(sim.RunID, cfg); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	eng := engine.NewEngine()
	eng.OnPeriod = func(r engine.PeriodReport) error {
		return db.SavePeriod(sim.RunID, r)
	}
	eng.OnDone = func(s engine.RunSummary) {
		if err := db.FinishRun(s); err != nil {
			slog.Error("failed to store run summary", "run_id", s.RunID, "error", err)
		}
	}

	// ── HTTP API (optional) ───────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled || serve {
		srv := &api.Server{
			Sim:            sim,
			Eng:            eng,
			DB:             db,
			Metrics:        collector,
			Port:           cfg.API.Port,
			DumpsPerMinute: cfg.API.DumpsPerMinute,
		}
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}

	var summary engine.RunSummary
	g.Go(func() error {
		var err error
		summary, err = eng.Run(gctx, sim)
		if err != nil {
			return err
		}
		printSummary(os.Stderr, summary)
		if !serve {
			stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if summary.Periods < sim.Model.Periods {
		slog.Warn("run interrupted", "run_id", sim.RunID, "solved", summary.Periods, "periods", sim.Model.Periods)
	}
	return nil
}

func printSummary(w io.Writer, s engine.RunSummary) {
	fmt.Fprintf(w, "run %s: %d/%d periods converged, %s evaluations, %d calibration warnings, %s\n",
		s.RunID, s.Converged, s.Periods, humanize.Comma(int64(s.Evaluations)), s.Warnings,
		s.Duration.Round(time.Millisecond))
}
