package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/engine"
	"github.com/tillsync/tillsync/internal/queue"
	"github.com/tillsync/tillsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the central sync server",
	Long: `Run the sync server: the REST API desktop agents push to and pull
from, plus a WebSocket alert feed for operators.

Example usage:
  tillsync serve                 # Listen on the configured port
  tillsync serve --port 9000     # Override the port

Operators can connect a WebSocket client to ws://host:port/ws to watch
dead-letter, integrity, and conflict events in real time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		logger, logCloser := config.NewLogger(cfg.Log, "[tillsync] ")
		defer logCloser.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := engine.New(st, engine.Config{
			Queue: queue.Config{
				MaxAttempts: cfg.Queue.MaxAttempts,
				ItemTTL:     cfg.Queue.ItemTTL,
				Logger:      logger,
			},
			Logger: logger,
		})

		srv := server.New(eng, &server.Config{
			Port:   cfg.Server.Port,
			Logger: logger,
		})
		// Route engine alerts into the websocket feed.
		eng.SetAlerter(srv)

		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Sync server listening on http://localhost:%d\n", cfg.Server.Port)
		fmt.Printf("Alert feed: ws://localhost:%d/ws\n", cfg.Server.Port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
