package cli

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	Tenant  int64
	Account int64
	Amount  string
}

// EvaluateResult is the output of the evaluate command.
type EvaluateResult struct {
	TenantID            posting.TenantID `json:"tenant_id"`
	AccountHandleNumber int64            `json:"account_handle_number"`
	Amount              decimal.Decimal  `json:"amount"`
	Suspicious          bool             `json:"suspicious"`
	Score               float64          `json:"score"`
	Threshold           float64          `json:"threshold"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a single posting against the persisted models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), rootOpts, opts, cmd)
		},
	}

	cmd.Flags().Int64VarP(&opts.Tenant, "tenant", "t", 0, "tenant id")
	cmd.Flags().Int64VarP(&opts.Account, "account", "a", 0, "account handle number")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "posting amount, e.g. -5000000.00")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runEvaluate(ctx context.Context, rootOpts *RootOptions, opts *EvaluateOptions, cmd *cobra.Command) error {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flag", fmt.Errorf("--amount: %w", err))
	}

	a, err := newApp(ctx, rootOpts, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.restore(ctx, true); err != nil {
		return err
	}

	tenant := posting.TenantID(opts.Tenant)
	score, err := a.evaluator.Score(tenant, posting.Posting{
		TenantID:            tenant,
		AccountHandleNumber: opts.Account,
		Amount:              amount,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "evaluation failed", err)
	}

	verdict := "normal"
	if score.IsAnomaly {
		verdict = "SUSPICIOUS"
	}
	return formatter(rootOpts, cmd).Success(fmt.Sprintf("Posting is %s for tenant %s", verdict, tenant), EvaluateResult{
		TenantID:            tenant,
		AccountHandleNumber: opts.Account,
		Amount:              amount,
		Suspicious:          score.IsAnomaly,
		Score:               score.Value,
		Threshold:           score.Threshold,
	})
}
