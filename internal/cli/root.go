package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CharlieGPA40/QuDAP-sub002/internal/app"
	"github.com/CharlieGPA40/QuDAP-sub002/internal/config"
)

// Execute runs the fmrpipe command line.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:          "fmrpipe",
		Short:        "FMR data reduction and curve fitting",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	open := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		app.SetLogLevel(cfg.LogLevel)
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		return app.New(ctx, cfg)
	}

	cmd.AddCommand(runCmd(open), kittelCmd(open))
	return cmd
}

type opener func(ctx context.Context) (*app.App, error)
