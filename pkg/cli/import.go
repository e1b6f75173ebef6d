package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	Input     string
	Delimiter string
}

// ImportResult is the output of the import command.
type ImportResult struct {
	Imported      int `json:"imported"`
	Suspicious    int `json:"suspicious"`
	Unscored      int `json:"unscored"`
	MalformedRows int `json:"malformed_rows"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a posting CSV export into the posting database",
		Long: `Load a posting CSV export into the posting database. Each posting is scored
against the persisted models on the way in; tenants without a model are stored
unscored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "posting CSV file")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", ";", "CSV field delimiter")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runImport(ctx context.Context, rootOpts *RootOptions, opts *ImportOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, rootOpts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.restore(ctx, false); err != nil {
		return err
	}

	postings, malformed, err := readPostingCSV(opts.Input, opts.Delimiter, a.logger)
	if err != nil {
		return err
	}

	result := ImportResult{MalformedRows: malformed}
	for _, p := range postings {
		p.IsSuspicious = nil
		stored, err := a.intake.Submit(ctx, p)
		if err != nil {
			formatter(rootOpts, cmd).Failure(err, result)
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to import posting %d", p.ID), err)
		}
		result.Imported++
		switch {
		case stored.IsSuspicious == nil:
			result.Unscored++
		case *stored.IsSuspicious:
			result.Suspicious++
		}
	}

	return formatter(rootOpts, cmd).Success(fmt.Sprintf("Imported %d postings (%d suspicious, %d unscored, %d malformed rows)",
		result.Imported, result.Suspicious, result.Unscored, result.MalformedRows), result)
}
