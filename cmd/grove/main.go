// Command grove inspects a grove database: sessions, trees, branches, and
// full-text search over persisted events.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	grove "github.com/grovekit/grove"
	"github.com/grovekit/grove/config"
	"github.com/grovekit/grove/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	dbPath     string
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           "grove",
		Short:         "Inspect event-sourced agent sessions",
		Version:       grove.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (default from config)")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSessionsCmd(opts),
		newTreeCmd(opts),
		newBranchesCmd(opts),
		newSearchCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

// openGrove opens the database per the CLI flags.
func openGrove(opts *cliOptions) (*grove.Grove, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := logging.New(&logging.Config{
		Level:  logging.ParseLevel(opts.logLevel),
		Format: "text",
		Output: os.Stderr,
	})
	return grove.New(opts.dbPath, func(o *grove.Options) {
		o.Config = cfg
		o.Logger = logger
	})
}
