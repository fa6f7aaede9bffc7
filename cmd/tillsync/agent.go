package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/model"
	"github.com/tillsync/tillsync/internal/spool"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the desktop-side sync agent",
	Long: `Run the agent next to a POS installation. The agent watches the spool
directory for change files written by the POS application, pushes them
to the sync server in batches, and pulls remote versions down.

Spool layout:
  spool/<table>/*.json   changes waiting to be pushed
  spool/applied/         changes accepted by the server
  spool/rejects/         refused changes, with a .reason file alongside
  spool/inbox/<table>/   versions pulled from other installations

Example usage:
  tillsync agent
  tillsync agent --spool /var/lib/pos/spool`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("spool"); dir != "" {
			cfg.Agent.SpoolDir = dir
		}
		if cfg.Agent.TenantID == "" || cfg.Agent.ClientID == "" {
			return fmt.Errorf("agent.tenant_id and agent.client_id must be configured; run \"tillsync client register\" first")
		}

		logger, logCloser := config.NewLogger(cfg.Log, "[agent] ")
		defer logCloser.Close()

		api := spool.NewClient(cfg.Agent.ServerURL, cfg.Agent.TenantID, cfg.Agent.ClientID)
		agent, err := spool.New(api, &spool.Config{
			SpoolDir:     cfg.Agent.SpoolDir,
			PushInterval: cfg.Agent.PushInterval,
			PullInterval: cfg.Agent.PullInterval,
			Logger:       logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Agent syncing %s against %s\n", cfg.Agent.SpoolDir, cfg.Agent.ServerURL)
		fmt.Println("Press Ctrl+C to stop...")

		return agent.Start(ctx)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage registered POS installations",
}

var clientRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this installation with the sync server",
	Long: `Register a new installation for a tenant. The server assigns a client
ID; put it in the agent.client_id config key.

Example usage:
  tillsync client register --tenant shop-42 --user alex
  tillsync client register --tenant shop-42 --user alex --interval 2m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tenantID, _ := cmd.Flags().GetString("tenant")
		userID, _ := cmd.Flags().GetString("user")
		intervalStr, _ := cmd.Flags().GetString("interval")
		if tenantID == "" || userID == "" {
			return fmt.Errorf("--tenant and --user are required")
		}

		var interval time.Duration
		if intervalStr != "" {
			interval, err = time.ParseDuration(intervalStr)
			if err != nil {
				return fmt.Errorf("invalid --interval: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, err := spool.Register(ctx, cfg.Agent.ServerURL, tenantID, userID, interval)
		if err != nil {
			return err
		}

		fmt.Printf("Registered client %s for tenant %s\n", client.ID, client.TenantID)
		fmt.Printf("Add to tillsync.yaml:\n\nagent:\n  tenant_id: %s\n  client_id: %s\n", client.TenantID, client.ID)
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list --tenant <tenant-id>",
	Short: "List a tenant's registered installations",
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

		clients, err := eng.Store().ListClients(ctx, tenantID)
		if err != nil {
			return err
		}
		if len(clients) == 0 {
			fmt.Println("No registered clients")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tSTATUS\tLAST SEEN")
		for _, c := range clients {
			last := "never"
			if c.LastSeenAt != nil {
				last = c.LastSeenAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.UserID, c.Status, last)
		}
		return w.Flush()
	},
}

var clientSetStatusCmd = &cobra.Command{
	Use:   "set-status <client-id> <active|suspended|revoked>",
	Short: "Change an installation's lifecycle status",
	Long: `Suspend, revoke, or reactivate an installation. Suspending or revoking
dead-letters the client's pending deliveries; revocation also frees its
slot against the tenant's client cap.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.ClientStatus(args[1])

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.Registry().SetStatus(ctx, args[0], status); err != nil {
			return err
		}
		fmt.Printf("Client %s is now %s\n", args[0], status)
		return nil
	},
}

var clientReadOnlyCmd = &cobra.Command{
	Use:   "set-readonly <client-id> <on|off>",
	Short: "Mark an installation read-only",
	Long: `A read-only installation keeps pulling remote versions but any push it
attempts is refused. Useful for reporting terminals and decommissioned
tills that should stay current without writing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var readOnly bool
		switch args[1] {
		case "on":
			readOnly = true
		case "off":
			readOnly = false
		default:
			return fmt.Errorf("second argument must be on or off, got %q", args[1])
		}

		ctx := context.Background()
		eng, closeFn, err := adminEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := eng.Registry().SetReadOnly(ctx, args[0], readOnly); err != nil {
			return err
		}
		fmt.Printf("Client %s read-only: %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	agentCmd.Flags().String("spool", "", "Spool directory (overrides config)")

	clientRegisterCmd.Flags().String("tenant", "", "Tenant ID to register under")
	clientRegisterCmd.Flags().String("user", "", "User operating this installation")
	clientRegisterCmd.Flags().String("interval", "", "Requested sync interval (e.g. 2m)")

	clientListCmd.Flags().String("tenant", "", "Tenant ID")

	clientCmd.AddCommand(clientRegisterCmd, clientListCmd, clientSetStatusCmd, clientReadOnlyCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(clientCmd)
}
