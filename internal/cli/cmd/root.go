// Package cmd provides the Cobra commands for sharedkit.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KevinZhao/shared/internal/config"
)

type app struct {
	configFile string
	cfg        *config.Config
}

// NewRootCommand builds the sharedkit command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "sharedkit",
		Short: "Exercise the shared cache, deduplicator and retry helpers",
		Long: `sharedkit drives the shared library against a real endpoint.

Configuration comes from built-in defaults, an optional sharedkit.{toml,yaml,json}
file (or --config) and SHARED_* environment variables, e.g.
SHARED_CACHE_MAX_SIZE=100 or SHARED_RETRY_STRATEGY=decorrelated.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "version", "completion":
				return nil
			}

			loader := config.NewLoader(a.configFile)
			v := loader.Viper()
			for key, flag := range map[string]string{
				"logging.level":       "log-level",
				"logging.format":      "log-format",
				"cache.single_flight": "single-flight",
			} {
				if f := cmd.Flags().Lookup(flag); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return fmt.Errorf("bind --%s: %w", flag, err)
					}
				}
			}

			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./sharedkit.{toml,yaml,json})")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error, disabled")
	pf.String("log-format", "console", "log format: console or json")

	root.AddCommand(newFetchCommand(a), newVersionCommand())
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
