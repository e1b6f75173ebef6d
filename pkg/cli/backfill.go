package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Re-score every stored posting against the persisted models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runBackfill(ctx context.Context, rootOpts *RootOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, rootOpts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.restore(ctx, true); err != nil {
		return err
	}

	postings, err := a.repo.ListPostings(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list postings", err)
	}
	result, err := a.evaluator.Backfill(ctx, postings, a.repo)
	if err != nil {
		return WrapExitError(ExitFailure, "backfill failed", err)
	}

	return formatter(rootOpts, cmd).Success(fmt.Sprintf("Evaluated %d postings: %d flags changed, %d skipped",
		result.Evaluated, result.Updated, len(result.Skipped)), result)
}
