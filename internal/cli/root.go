// Package cli implements the memledger CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/memledger/memledger/internal/manager"
	"github.com/spf13/cobra"
)

var (
	dbPath    string
	actorFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memledger",
	Short: "Event-sourced tiered memory for AI agents",
	Long:  "An event-sourced memory ledger: every write is an immutable event, tiers are rebuildable views, and history is time-travelable. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMLEDGER_DB or ~/.memledger/memledger.db)")
	RootCmd.PersistentFlags().StringVarP(&actorFlag, "actor", "a", "cli", "Acting identity recorded in the audit trail")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("MEMLEDGER_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memledger", "memledger.db")
}

func openManager() (*manager.Manager, error) {
	return manager.New(manager.Options{DBPath: getDBPath()})
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
