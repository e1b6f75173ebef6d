// Package intake stores new postings with their suspicion flag.
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/evaluator"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

// ErrInvalidPosting reports a posting that can not be stored as given.
var ErrInvalidPosting = errors.New("invalid posting")

// Intake evaluates a posting against the live model and then persists it.
type Intake struct {
	evaluator *evaluator.Evaluator
	writer    repository.PostingWriter
	logger    *zap.Logger
}

// New creates an intake.
func New(e *evaluator.Evaluator, w repository.PostingWriter, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{evaluator: e, writer: w, logger: logger}
}

// Submit scores p and stores it. A tenant without a model stores the posting
// with an unknown flag. A posting whose features are invalid is rejected and
// not stored.
func (in *Intake) Submit(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	if p.TenantID <= 0 {
		return posting.Posting{}, fmt.Errorf("%w: tenant id must be positive, got %d", ErrInvalidPosting, p.TenantID)
	}

	suspicious, err := in.evaluator.Evaluate(p.TenantID, p.AccountHandleNumber, p.Amount)
	switch {
	case errors.Is(err, modelstore.ErrModelNotFound):
		in.logger.Info("No model for tenant, storing posting unscored",
			zap.Stringer("tenant_id", p.TenantID))
		p.IsSuspicious = nil
	case err != nil:
		return posting.Posting{}, err
	default:
		p.IsSuspicious = posting.Flag(suspicious)
	}

	stored, err := in.writer.CreatePosting(ctx, p)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("store posting: %w", err)
	}

	if stored.IsSuspicious != nil && *stored.IsSuspicious {
		in.logger.Warn("Suspicious posting stored",
			zap.Int64("posting_id", stored.ID),
			zap.Stringer("tenant_id", stored.TenantID),
			zap.Int64("account_handle_number", stored.AccountHandleNumber),
			zap.String("amount", stored.Amount.String()))
	}
	return stored, nil
}
