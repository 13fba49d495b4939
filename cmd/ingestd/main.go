package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/upb/sdp-ingestion/config"
	"github.com/upb/sdp-ingestion/internal/observability"
	"go.uber.org/zap"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand
type rootOptions struct {
	envFiles []string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Tokenized batch ingestion service",
		Long: `ingestd accepts tokenized customer batches per tenant, scores them
and serves the results together with an audit trail of every operation.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env file(s) to load before reading the environment (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(tokenCmd(opts))

	return cmd
}

// load reads the configuration and builds the logger
func (o *rootOptions) load(ctx context.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.New(ctx, o.envFiles...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// setFlags lists the flags given on the command line, for startup logs
func setFlags(fs *pflag.FlagSet) []string {
	var set []string
	fs.Visit(func(f *pflag.Flag) {
		if f.Value.Type() == "bool" {
			set = append(set, "--"+f.Name)
			return
		}
		set = append(set, "--"+f.Name+"="+f.Value.String())
	})
	return set
}
