package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Quorum-Labs/warden/pkg/autopilot"
	"github.com/Quorum-Labs/warden/pkg/config"
	"github.com/Quorum-Labs/warden/pkg/executor"
	"github.com/Quorum-Labs/warden/pkg/ledger"
	"github.com/Quorum-Labs/warden/pkg/logging"
	"github.com/Quorum-Labs/warden/pkg/observability"
	"github.com/Quorum-Labs/warden/pkg/policy"
	"github.com/Quorum-Labs/warden/pkg/registry"
)

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	log := logging.Init(cfg.LogLevel, cfg.ConsoleLog)

	pol, err := policy.LoadFile(cfg.PolicyPath)
	if err != nil {
		fmt.Fprintln(stderr, "warden: policy:", err)
		return 1
	}
	log.Info().Str("policy", pol.Name).Str("hash", pol.Hash()).Msg("policy loaded")

	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aud, err := ledger.New(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	// Refuse to run over a tampered chain.
	check, err := aud.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	if !check.Valid {
		fmt.Fprintf(stderr, "warden: audit chain broken at position %d; refusing to start\n", check.FirstBreak)
		return 1
	}

	store, err := autopilot.NewStateStore(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	prompts, err := ledger.NewPromptStore(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	injector := newTmuxInjector()
	notifier := logNotifier{log: log}
	tracker := newOutputTracker()
	runner := executor.New(injector, notifier, tracker, log).
		WithLedger(aud).
		WithMetrics(metrics)

	engine, err := autopilot.New(ctx, autopilot.Config{
		Policy:               pol,
		Ledger:               aud,
		Store:                store,
		Prompts:              prompts,
		Executor:             runner,
		Notifier:             notifier,
		Metrics:              metrics,
		AutoRepliesPerMinute: cfg.AutoRepliesPerMinute,
		Logger:               log,
	})
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	reg := registry.New(cfg.BindingTTL)
	reg.StartSweeper(ctx, cfg.SweepInterval)

	log.Info().
		Str("state", string(engine.State())).
		Str("mode", string(pol.AutonomyMode)).
		Msg("warden running; waiting for adapters")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	fmt.Fprintln(stdout, "warden stopped")
	return 0
}
