package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
)

// RetrainOptions holds flags for the retrain command.
type RetrainOptions struct {
	Tenant int64
}

// NewRetrainCommand creates the retrain command.
func NewRetrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetrainOptions{}

	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Retrain models from the posting database",
		Long: `Retrain every tenant, or a single tenant with --tenant, from the posting
database and persist the resulting models. A single-tenant retrain merges into
the persisted models, so the artifact must be readable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tenant *posting.TenantID
			if cmd.Flags().Changed("tenant") {
				if opts.Tenant <= 0 {
					return WrapExitError(ExitCommandError, "invalid flag", fmt.Errorf("--tenant must be positive, got %d", opts.Tenant))
				}
				id := posting.TenantID(opts.Tenant)
				tenant = &id
			}
			return runRetrain(cmd.Context(), rootOpts, tenant, cmd)
		},
	}

	cmd.Flags().Int64VarP(&opts.Tenant, "tenant", "t", 0, "retrain only this tenant")

	return cmd
}

func runRetrain(ctx context.Context, rootOpts *RootOptions, tenant *posting.TenantID, cmd *cobra.Command) error {
	a, err := newApp(ctx, rootOpts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	out := formatter(rootOpts, cmd)

	if err := a.restore(ctx, tenant != nil); err != nil {
		return err
	}

	if a.cfg.Retrain.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Retrain.Timeout)
		defer cancel()
	}

	result, err := a.orchestrator.Retrain(ctx, tenant)
	switch {
	case errors.Is(err, retrain.ErrPersist):
		out.Failure(err, result)
		return WrapExitError(ExitFailure, "models trained but not persisted", err)
	case err != nil:
		return WrapExitError(ExitFailure, "retrain failed", err)
	case !result.Retrained && tenant != nil:
		return out.Success(fmt.Sprintf("Tenant %s has no usable postings; models unchanged", *tenant), result)
	}
	return out.Success(fmt.Sprintf("Retrained %d tenants (%d skipped); %d models live",
		result.TenantsProcessed, len(result.TenantsSkipped), result.StoreSize), result)
}
