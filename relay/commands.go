package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mesmerverse/agency-relay/router"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		natsURL string
		dbPath  string
		devMode bool
		admin   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags override the file
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if natsURL != "" {
				cfg.NATS.URL = natsURL
				cfg.NATS.Enabled = true
			}
			if dbPath != "" {
				cfg.Storage.Driver = DriverSQLite
				cfg.Storage.Path = dbPath
			}
			if cmd.Flags().Changed("dev-mode") {
				cfg.DevMode = devMode
			}
			if cmd.Flags().Changed("admin") {
				cfg.Admin.Enabled = admin
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.Log.Level = level
			}

			if err := setupLogging(cfg.Log.Level, cfg.DevMode); err != nil {
				return err
			}

			log.Info().
				Str("version", Version).
				Str("config", configPath).
				Bool("dev_mode", cfg.DevMode).
				Msg("Agency relay starting")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
					cancel()
				case <-ctx.Done():
				}
			}()

			rl, err := NewRelay(ctx, cfg)
			if err != nil {
				return err
			}

			if err := rl.Run(ctx); err != nil {
				return err
			}

			log.Info().Msg("Relay shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL, enables NATS ingress (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().BoolVar(&devMode, "dev-mode", false, "Console logging")
	cmd.Flags().BoolVar(&admin, "admin", false, "Enable the admin API")
	return cmd
}

func newRoutesCmd() *cobra.Command {
	var (
		baseURL    string
		outputJSON bool
	)
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route tables of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchSnapshot(cmd.Context(), baseURL)
			if err != nil {
				return err
			}
			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Relay base URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func fetchSnapshot(ctx context.Context, baseURL string) (router.Snapshot, error) {
	var snap router.Snapshot

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/admin/", nil)
	if err != nil {
		return snap, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return snap, fmt.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func printSnapshot(w io.Writer, snap router.Snapshot) {
	_, _ = fmt.Fprintf(w, "agent routes: %d\n", len(snap.AgentRoutes))
	for _, id := range snap.AgentRoutes {
		_, _ = fmt.Fprintf(w, "  %s\n", id)
	}
	_, _ = fmt.Fprintf(w, "connection routes: %d\n", len(snap.ConnectionRoutes))
	for _, id := range snap.ConnectionRoutes {
		_, _ = fmt.Fprintf(w, "  %s\n", id)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "version: %s\n", Version)
			return err
		},
	}
}
