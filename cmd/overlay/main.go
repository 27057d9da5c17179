package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chadiek/avatar-overlay/internal/config"
	"github.com/chadiek/avatar-overlay/internal/logging"
)

type rootOptions struct {
	envFile  string
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "overlay",
		Short:         "Voice-driven desktop character backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New(logging.Options{Level: opts.logLevel, Pretty: opts.pretty})
			cfg, err := config.Load(opts.envFile, log)
			if err != nil {
				return err
			}
			// flags win over the environment only when given
			level := cfg.Log.Level
			if cmd.Flags().Changed("log-level") {
				level = opts.logLevel
			}
			pretty := cfg.Log.Pretty
			if cmd.Flags().Changed("pretty") {
				pretty = opts.pretty
			}
			log = logging.New(logging.Options{Level: level, Pretty: pretty})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", true, "human-readable console logs instead of JSON")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log := logging.New(logging.Options{Pretty: true})
		log.Error().Err(err).Msg("overlay exited")
		os.Exit(1)
	}
}
