package cli

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	lgio "github.com/hed1ad/ledgerguard/pkg/io"
	postingcsv "github.com/hed1ad/ledgerguard/pkg/io/csv"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/trainer"
)

// TrainOptions holds flags for the train command.
type TrainOptions struct {
	Input     string
	Delimiter string
}

// TrainResult is the output of an offline training run.
type TrainResult struct {
	trainer.Summary
	Postings      int `json:"postings"`
	MalformedRows int `json:"malformed_rows"`
	Models        int `json:"models"`
}

// NewTrainCommand creates the train command.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit models from a posting CSV export and write the artifact",
		Long: `Fit one scaler and isolation forest per tenant from a posting CSV export and
replace the persisted artifact with the result. The posting database is not used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "posting CSV file")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", ";", "CSV field delimiter")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runTrain(ctx context.Context, rootOpts *RootOptions, opts *TrainOptions, cmd *cobra.Command) error {
	a, err := newApp(ctx, rootOpts, false)
	if err != nil {
		return err
	}
	defer a.Close()
	out := formatter(rootOpts, cmd)

	postings, malformed, err := readPostingCSV(opts.Input, opts.Delimiter, a.logger)
	if err != nil {
		return err
	}

	pairs, summary, err := a.trainer.Train(ctx, posting.GroupByTenant(postings))
	if err != nil {
		return WrapExitError(ExitFailure, "training failed", err)
	}
	snap := a.store.Replace(pairs)

	result := TrainResult{
		Summary:       summary,
		Postings:      len(postings),
		MalformedRows: malformed,
		Models:        snap.Len(),
	}
	if err := a.artifacts.Save(ctx, snap); err != nil {
		out.Failure(err, result)
		return WrapExitError(ExitFailure, "failed to persist models", err)
	}

	return out.Success(fmt.Sprintf("Trained %d tenant models from %d postings (%d skipped, %d rows dropped)",
		snap.Len(), len(postings), len(summary.Skipped), summary.DroppedRows), result)
}

// readPostingCSV reads every parseable row. Malformed rows are logged and
// counted rather than failing the command.
func readPostingCSV(path, delimiter string, logger *zap.Logger) ([]posting.Posting, int, error) {
	comma, size := utf8.DecodeRuneInString(delimiter)
	if size == 0 || size != len(delimiter) {
		return nil, 0, WrapExitError(ExitCommandError, "invalid delimiter", fmt.Errorf("%q is not a single character", delimiter))
	}

	reader, err := postingcsv.NewReader(path, postingcsv.WithComma(comma))
	if err != nil {
		return nil, 0, WrapExitError(ExitCommandError, "failed to open posting CSV", err)
	}
	defer reader.Close()

	postings, err := reader.Read()
	var parseErrs *lgio.ParseErrors
	switch {
	case errors.As(err, &parseErrs):
		logger.Warn("Skipped malformed CSV rows",
			zap.String("input", path),
			zap.Int("rows", len(parseErrs.Rows)),
			zap.Error(parseErrs))
		return postings, len(parseErrs.Rows), nil
	case err != nil:
		return nil, 0, WrapExitError(ExitCommandError, "failed to read posting CSV", err)
	}
	return postings, 0, nil
}
