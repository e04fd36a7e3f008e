package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Quorum-Labs/warden/pkg/autopilot"
	"github.com/Quorum-Labs/warden/pkg/config"
	"github.com/Quorum-Labs/warden/pkg/ledger"
)

func verifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "verify a single session instead of the full chain")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	aud, err := ledger.New(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	var res ledger.VerifyResult
	if *session != "" {
		res, err = aud.VerifySession(ctx, *session)
	} else {
		res, err = aud.VerifyChain(ctx)
	}
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func historyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "maximum transitions to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	db, err := openDB(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	store, err := autopilot.NewStateStore(ctx, db)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	hist, err := store.History(ctx, *limit)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	for _, rec := range hist {
		fmt.Fprintf(stdout, "%s  %s -> %s  (%s)\n",
			rec.Timestamp.Format("2006-01-02 15:04:05"), rec.From, rec.To, rec.TriggeredBy)
	}
	return 0
}
