// Package main implements the agency relay service. It accepts forward
// envelopes over HTTP and NATS and dispatches them through the router to
// the forward agent, the agents it created, and their pairwise
// connections.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Agency forward relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "/etc/agency-relay/relay.yaml", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides config)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRoutesCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// setupLogging configures the global logger.
func setupLogging(level string, devMode bool) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
