package main

import (
	"github.com/spf13/cobra"
	"github.com/upb/sdp-ingestion/app"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema",
		Long: `Create the batch, record, result and audit tables if they do not exist.
When AUDIT_DATABASE_URL is set the audit table is created there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return app.Migrate(cmd.Context(), cfg, logger)
		},
	}
}
