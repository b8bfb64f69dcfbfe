package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/abilian/abilian-core/internal/indexing"
)

func newReindexCmd() *cobra.Command {
	var opts indexing.ReindexOptions
	cmd := &cobra.Command{
		Use:   "reindex [flags]",
		Short: "Rebuild a full-text index from the database",
		Long: `Rebuild a full-text index from the database. Every indexed type is
reloaded and its documents replaced. A type that fails is reported and
skipped.

Examples:
  # Rebuild the default index, dropping documents of unknown types
  abilian reindex --clear

  # Rebuild only documents, committing as it goes
  abilian reindex --type app.Document --progressive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := openServices(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Indexing.Reindex(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), res)
				return nil
			}
			printReindexResult(cmd, res)
			if len(res.Failed) > 0 {
				return ErrAlreadyHandled
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Index, "index", indexing.DefaultIndex, "Index to rebuild")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "Restrict the rebuild to these entity types")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "Remove every document of the index first")
	cmd.Flags().BoolVar(&opts.Progressive, "progressive", false, "Commit after each type and each batch")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Entities loaded per batch")
	return cmd
}

func printReindexResult(cmd *cobra.Command, res *indexing.ReindexResult) {
	types := make([]string, 0, len(res.ByType))
	for t := range res.ByType {
		types = append(types, t)
	}
	sort.Strings(types)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDOCUMENTS")
	for _, t := range types {
		fmt.Fprintf(w, "%s\t%d\n", t, res.ByType[t])
	}
	w.Flush()
	for _, t := range res.Failed {
		errorLabel.Fprintf(cmd.ErrOrStderr(), "failed: %s\n", t)
	}
	okLabel.Fprintf(cmd.OutOrStdout(), "%d documents indexed\n", res.Documents)
}
