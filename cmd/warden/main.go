package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Quorum-Labs/warden/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; the entrypoint is kept testable.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "verify":
		return verifyCmd(args[2:], stdout, stderr)
	case "replay":
		return replayCmd(args[2:], stdout, stderr)
	case "validate-policy":
		return validatePolicyCmd(args[2:], stdout, stderr)
	case "history":
		return historyCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "warden: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: warden <command> [flags]

Commands:
  run              supervise sessions under the loaded policy
  verify           verify audit chain integrity
  replay           re-evaluate a finished session under a policy
  validate-policy  load and validate a policy document
  history          show kill-switch transition history`)
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
