package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-bus/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-endpoint",
		Short: "Host a mmate message endpoint",
		Long: `mmate-endpoint runs one message endpoint: it receives from the endpoint's input
queue, applies subscription requests, delivers deferred messages and exposes metrics.`,
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mmate.toml", "Path to the endpoint configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the endpoint until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			logger := f.Logger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := newHost(ctx, f, logger)
			if err != nil {
				return err
			}

			logger.Info("endpoint starting",
				"endpoint", f.Endpoint.Name,
				"transport", f.Transport.Kind,
				"persistence", f.Persistence.Kind,
				"version", version,
			)
			return h.run(ctx)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print it with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(f)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-endpoint %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
	return rootCmd
}
