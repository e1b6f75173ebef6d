package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

type fakeSubmitter struct {
	err       error
	submitted []posting.Posting
}

func (f *fakeSubmitter) Submit(_ context.Context, p posting.Posting) (posting.Posting, error) {
	if f.err != nil {
		return posting.Posting{}, f.err
	}
	p.ID = int64(len(f.submitted) + 1)
	f.submitted = append(f.submitted, p)
	return p, nil
}

const validBody = `{"tenant_id": 4, "account_handle_number": 1001, "amount": "-50000.00",
	"date": "2025-02-14", "currency": "DKK", "description": "Faktura"}`

func TestHandleDelivery(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		want   Disposition
		stored bool
	}{
		{name: "valid", body: validBody, want: Ack, stored: true},
		{name: "numeric amount", body: `{"tenant_id": 4, "account_handle_number": 1001, "amount": 12.5, "date": "14-02-2025"}`, want: Ack, stored: true},
		{name: "not json", body: `posting`, want: Reject},
		{name: "unknown field", body: `{"tenant_id": 4, "company": "acme"}`, want: Reject},
		{name: "bad date", body: `{"tenant_id": 4, "account_handle_number": 1001, "amount": 1, "date": "yesterday"}`, want: Reject},
		{name: "invalid features", body: validBody, err: &features.ValidationError{Field: features.Amount, Reason: "not a finite number"}, want: Reject},
		{name: "invalid posting", body: validBody, err: intake.ErrInvalidPosting, want: Reject},
		{name: "storage down", body: validBody, err: errors.New("connection refused"), want: Requeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.err}
			h := NewHandler(sub, nil, zap.NewNop())

			got := h.HandleDelivery(context.Background(), []byte(tt.body))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.stored, len(sub.submitted) == 1)
		})
	}
}

func TestMessageConversion(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(sub, nil, nil)
	require.Equal(t, Ack, h.HandleDelivery(context.Background(), []byte(validBody)))

	p := sub.submitted[0]
	assert.Equal(t, posting.TenantID(4), p.TenantID)
	assert.Equal(t, int64(1001), p.AccountHandleNumber)
	assert.Equal(t, "-50000", p.Amount.String())
	assert.Equal(t, "2025-02-14", p.Date.Format("2006-01-02"))
	assert.Nil(t, p.IsSuspicious)
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "requeue", Requeue.String())
}
