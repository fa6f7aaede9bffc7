// tillsync is the synchronization engine for point-of-sale
// installations: a central server that ledgers every change, and a
// desktop agent that spools local changes up and pulls remote versions
// down.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tillsync",
	Short: "Offline-first sync engine for point-of-sale installations",
	Long: `tillsync keeps desktop point-of-sale installations and the central
server converged. Every change is a new immutable version in a
per-tenant ledger; deliveries fan out through a retry-budgeted queue
and clients acknowledge batches to advance their cursors.

Run "tillsync serve" on the server and "tillsync agent" next to each
POS installation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ./tillsync.yaml)")
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openStore opens the configured database and ensures the schema
// exists.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
