package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/abilian/abilian-core/internal/config"
)

func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads [command]",
		Short: "Upload directory commands",
	}
	var olderThan string
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove stalled uploads",
		Long: `Remove uploads older than file_uploads.delete_stalled_after, or than
--older-than when given. The worker does the same every hour.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := openServices(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close()

			age := svc.Config.DeleteStalledAfter()
			if olderThan != "" {
				if age, err = config.ParseDuration(olderThan); err != nil {
					return err
				}
			}
			n, err := svc.Uploads.ClearStalled(ctx, age)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]any{"removed": n, "older_than": age.String()})
				return nil
			}
			okLabel.Fprintf(cmd.OutOrStdout(), "%d stalled uploads removed (older than %s)\n", n, age.Round(time.Second))
			return nil
		},
	}
	clean.Flags().StringVar(&olderThan, "older-than", "", "Age above which an upload is stalled (1h, 2d)")
	cmd.AddCommand(clean)
	return cmd
}
