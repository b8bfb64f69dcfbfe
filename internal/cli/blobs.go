package cli

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/abilian/abilian-core/internal/blob"
	"github.com/abilian/abilian-core/internal/common/uuid"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

const (
	problemMissing  = "missing"
	problemMismatch = "md5 mismatch"
	problemOrphan   = "orphan file"
)

type blobProblem struct {
	ID      int64  `json:"id,omitempty"`
	UUID    string `json:"uuid"`
	Problem string `json:"problem"`
	Detail  string `json:"detail,omitempty"`
}

type verifyReport struct {
	Checked  int           `json:"checked"`
	Problems []blobProblem `json:"problems"`
}

func newBlobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blobs [command]",
		Short: "Blob store commands",
	}
	var orphans bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check that every blob has its file and that the file matches its md5",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := openServices(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer svc.Close()
			s := svc.NewSession()
			defer s.Close(ctx)

			report, err := verifyBlobs(ctx, s, svc.Repository, orphans)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), report)
			} else {
				printVerifyReport(cmd, report)
			}
			if len(report.Problems) > 0 {
				return ErrAlreadyHandled
			}
			return nil
		},
	}
	verify.Flags().BoolVar(&orphans, "orphans", false, "Also report files no blob refers to")
	cmd.AddCommand(verify)
	return cmd
}

// verifyBlobs reads every blob row and checks its file in repo.
func verifyBlobs(ctx context.Context, s *dbsession.Session, repo *blob.Repository, orphans bool) (*verifyReport, error) {
	report := &verifyReport{Problems: []blobProblem{}}
	known := map[string]bool{}
	err := blob.Each(ctx, s, func(b *blob.Blob) error {
		report.Checked++
		known[b.UUID.String()] = true
		want := b.MD5()
		path, ok := repo.Get(b.UUID)
		if !ok {
			if want != "" {
				report.Problems = append(report.Problems, blobProblem{ID: b.ID, UUID: b.UUID.String(), Problem: problemMissing})
			}
			return nil
		}
		got, err := fileMD5(path)
		if err != nil {
			return err
		}
		if want != "" && got != want {
			report.Problems = append(report.Problems, blobProblem{
				ID: b.ID, UUID: b.UUID.String(), Problem: problemMismatch,
				Detail: fmt.Sprintf("expected %s, found %s", want, got),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if orphans {
		err := repo.Walk(func(id uuid.UUID, path string) error {
			if !known[id.String()] {
				report.Problems = append(report.Problems, blobProblem{UUID: id.String(), Problem: problemOrphan, Detail: path})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func printVerifyReport(cmd *cobra.Command, report *verifyReport) {
	out := cmd.OutOrStdout()
	if len(report.Problems) == 0 {
		okLabel.Fprintf(out, "%d blobs checked, no problem found\n", report.Checked)
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tPROBLEM\tDETAIL")
	for _, p := range report.Problems {
		id := "-"
		if p.ID != 0 {
			id = fmt.Sprintf("%d", p.ID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, p.UUID, p.Problem, p.Detail)
	}
	w.Flush()
	errorLabel.Fprintf(out, "%d blobs checked, %d problems\n", report.Checked, len(report.Problems))
}
