package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/repository"
)

var (
	dirInclude []string
	dirExclude []string
	dirMaxSize int64
)

func init() {
	submitDirCmd.Flags().StringVar(&docTenantID, "tenant", "", "Tenant identifier (required)")
	_ = submitDirCmd.MarkFlagRequired("tenant")
	submitDirCmd.Flags().StringSliceVar(&dirInclude, "include", nil, "Only submit files matching these globs")
	submitDirCmd.Flags().StringSliceVar(&dirExclude, "exclude", nil, "Extra globs to skip, added to .ragignore/.gitignore patterns")
	submitDirCmd.Flags().Int64Var(&dirMaxSize, "max-file-size", repository.DefaultMaxFileSize, "Skip files larger than this many bytes")
	rootCmd.AddCommand(submitDirCmd)
}

var submitDirCmd = &cobra.Command{
	Use:   "submit-dir <directory>",
	Short: "Submit every supported file in a directory tree",
	Long: `Walk a directory and submit each PDF, CSV, text, markdown and JSON
file for ingestion. Patterns in .ragignore and .gitignore at the root are
honored; without either, VCS and dependency directories are skipped.

Examples:
  ragctl submit-dir --tenant acme ./handbook
  ragctl submit-dir --tenant acme --include '*.md' --exclude 'drafts/**' ./docs`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmitDir,
}

func runSubmitDir(cmd *cobra.Command, args []string) error {
	c := newClient()
	submit := repository.SubmitterFunc(func(ctx context.Context, tenantID, fileName string, data []byte) (string, error) {
		resp, err := c.Submit(ctx, tenantID, fileName, data)
		if err != nil {
			return "", err
		}
		return resp.DocumentID, nil
	})

	res, err := repository.NewService(submit, nil).Index(cmd.Context(), args[0], repository.IndexOptions{
		TenantID:        docTenantID,
		IncludePatterns: dirInclude,
		ExcludePatterns: dirExclude,
		MaxFileSize:     dirMaxSize,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, res)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, f := range res.Submitted {
		fmt.Fprintf(w, "%s\t%s\n", f.DocumentID, f.Path)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(w, "FAILED\t%s\t%s\n", f.Path, f.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %d, skipped %d, failed %d\n", len(res.Submitted), res.Skipped, len(res.Failed))
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d files failed", len(res.Failed))
	}
	return nil
}
