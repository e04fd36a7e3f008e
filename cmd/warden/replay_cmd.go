package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Quorum-Labs/warden/pkg/config"
	"github.com/Quorum-Labs/warden/pkg/ledger"
	"github.com/Quorum-Labs/warden/pkg/policy"
	"github.com/Quorum-Labs/warden/pkg/replay"
)

func replayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	session := fs.String("session", "", "session ID to replay (required)")
	policyPath := fs.String("policy", "", "policy file (defaults to the configured policy)")
	comparePath := fs.String("compare", "", "second policy file; output a diff instead of a report")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *session == "" {
		fmt.Fprintln(stderr, "warden: replay: -session is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	if *policyPath == "" {
		*policyPath = cfg.PolicyPath
	}
	pol, err := policy.LoadFile(*policyPath)
	if err != nil {
		fmt.Fprintln(stderr, "warden: policy:", err)
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

	snap, err := replay.LoadSnapshot(ctx, aud, *session)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	engine := replay.NewEngine()
	report, err := engine.Replay(snap, pol)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	if *comparePath == "" {
		out, err := report.Bytes()
		if err != nil {
			fmt.Fprintln(stderr, "warden:", err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	}

	other, err := policy.LoadFile(*comparePath)
	if err != nil {
		fmt.Fprintln(stderr, "warden: policy:", err)
		return 1
	}
	after, err := engine.Replay(snap, other)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	diff, err := replay.Compare(report, after)
	if err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(diff); err != nil {
		fmt.Fprintln(stderr, "warden:", err)
		return 1
	}
	return 0
}

func validatePolicyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-policy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: warden validate-policy <file>")
		return 2
	}

	pol, err := policy.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, "warden: invalid policy:", err)
		return 1
	}
	fmt.Fprintf(stdout, "policy %q ok: %d rules, mode %s, hash %s\n",
		pol.Name, len(pol.Rules), pol.AutonomyMode, pol.Hash())
	return 0
}
