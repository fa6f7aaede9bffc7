package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/export"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/queue"
)

// adminEngine opens the local database for server-side administration.
func adminEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(st, engine.Config{
		Queue: queue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			ItemTTL:     cfg.Queue.ItemTTL,
		},
	})
	return eng, func() { st.Close() }, nil
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Create a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		policy, _ := cmd.Flags().GetString("policy")
		maxClients, _ := cmd.Flags().GetInt("max-clients")

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		tenant, err := eng.CreateTenant(ctx, args[0], name, model.ConflictPolicy(policy), maxClients)
		if err != nil {
			return err
		}
		fmt.Printf("Created tenant %s (policy %s)\n", tenant.ID, tenant.DefaultPolicy)
		return nil
	},
}

var tenantPurgeCmd = &cobra.Command{
	Use:   "purge <tenant-id>",
	Short: "Permanently delete a tenant and all of its sync state",
	Long: `Delete a tenant's clients, cursors, queue items, conflicts, and entire
ledger history in one transaction. This cannot be undone; pass --force
to confirm.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("refusing to purge tenant %s without --force", args[0])
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.PurgeTenant(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Purged tenant %s\n", args[0])
		return nil
	},
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and requeue dead-lettered deliveries",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list --tenant <tenant-id>",
	Short: "List dead-lettered queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		items, err := eng.Queue().DeadLetters(ctx, tenantID, limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No dead-lettered items")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLIENT\tTABLE\tRECORD\tVERSION\tATTEMPTS\tCODE\tERROR")
		for _, item := range items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				item.ID, item.ClientID, item.Table, item.RecordID,
				item.Version, item.Attempts, item.ErrorCode, item.ErrorMsg)
		}
		return w.Flush()
	},
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue <item-id>",
	Short: "Put a dead-lettered item back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid item id %q", args[0])
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.Queue().Requeue(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Requeued item %d\n", id)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export --tenant <tenant-id> <file>",
	Short: "Export a tenant's ledger to a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := export.ExportFile(ctx, eng.Store(), tenantID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d entries to %s\n", result.Entries, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import --tenant <tenant-id> <file>",
	Short: "Replay a JSONL ledger export into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := export.ImportFile(ctx, eng.Store(), tenantID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d entries (%d skipped)\n", result.Entries, result.Skipped)
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
		}
		return nil
	},
}

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Review and resolve parked manual conflicts",
}

var conflictListCmd = &cobra.Command{
	Use:   "list --tenant <tenant-id>",
	Short: "List open conflicts awaiting resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		conflicts, err := eng.Store().OpenConflicts(ctx, tenantID)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No open conflicts")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTABLE\tRECORD\tCLIENT\tBASE\tSERVER\tDETECTED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
				c.ID, c.Table, c.RecordID, c.ClientID,
				c.BaseVersion, c.ServerVersion, c.DetectedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a parked conflict in favor of one side",
	Long: `Resolve a manual conflict. With --keep-client the client's rejected
payload is appended as a new superseding version; with --keep-server
the record simply returns to the synced state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepClient, _ := cmd.Flags().GetBool("keep-client")
		keepServer, _ := cmd.Flags().GetBool("keep-server")
		if keepClient == keepServer {
			return fmt.Errorf("pass exactly one of --keep-client or --keep-server")
		}

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.ResolveManualConflict(ctx, id, keepClient); err != nil {
			return err
		}
		side := "server"
		if keepClient {
			side = "client"
		}
		fmt.Printf("Resolved conflict %d in favor of the %s\n", id, side)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status --tenant <tenant-id>",
	Short: "Show queue statistics for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := eng.Queue().Stats(ctx, tenantID)
		if err != nil {
			return err
		}
		clients, err := eng.Store().ListClients(ctx, tenantID)
		if err != nil {
			return err
		}

		fmt.Printf("Tenant %s\n", tenantID)
		fmt.Printf("  Clients: %d\n", len(clients))
		for _, c := range clients {
			last := "never"
			if c.LastSeenAt != nil {
				last = c.LastSeenAt.Format(time.RFC3339)
			}
			fmt.Printf("    %s  %s  last seen %s\n", c.ID, c.Status, last)
		}
		fmt.Println("  Queue:")
		for _, status := range []string{"pending", "sent", "confirmed", "failed", "dead-lettered"} {
			if n, ok := stats[status]; ok {
				fmt.Printf("    %-14s %d\n", status, n)
			}
		}
		return nil
	},
}

func init() {
	tenantCreateCmd.Flags().String("name", "", "Human-readable tenant name")
	tenantCreateCmd.Flags().String("policy", "", "Default conflict policy (server-wins, client-wins, last-write-wins, manual)")
	tenantCreateCmd.Flags().Int("max-clients", 0, "Client cap (0 = unlimited)")
	tenantPurgeCmd.Flags().Bool("force", false, "Confirm permanent deletion")
	tenantCmd.AddCommand(tenantCreateCmd, tenantPurgeCmd)

	deadletterListCmd.Flags().String("tenant", "", "Tenant ID")
	deadletterListCmd.Flags().Int("limit", 50, "Maximum items to list")
	deadletterRequeueCmd.Flags().String("tenant", "", "Tenant ID")
	deadletterCmd.AddCommand(deadletterListCmd, deadletterRequeueCmd)

	conflictListCmd.Flags().String("tenant", "", "Tenant ID")
	conflictResolveCmd.Flags().Bool("keep-client", false, "Append the client's payload as a new version")
	conflictResolveCmd.Flags().Bool("keep-server", false, "Keep the server's version")
	conflictCmd.AddCommand(conflictListCmd, conflictResolveCmd)

	exportCmd.Flags().String("tenant", "", "Tenant ID")
	importCmd.Flags().String("tenant", "", "Tenant ID")
	statusCmd.Flags().String("tenant", "", "Tenant ID")

	rootCmd.AddCommand(tenantCmd, deadletterCmd, conflictCmd, exportCmd, importCmd, statusCmd)
}
