package cli

import (
	"github.com/spf13/cobra"

	"github.com/abilian/abilian-core/internal/db/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := openServices(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Migrate(ctx); err != nil {
				return err
			}
			version, err := migrations.Version(ctx, svc.DB)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]any{"schema_version": version})
				return nil
			}
			okLabel.Fprintf(cmd.OutOrStdout(), "database at schema version %d\n", version)
			return nil
		},
	}
}
