// Package repository defines the posting and tenant collaborators the engine
// consumes, with in-memory, SQLite and PostgreSQL implementations.
package repository

import (
	"context"
	"errors"

	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// ErrNotFound is returned when a posting or tenant does not exist.
var ErrNotFound = errors.New("not found")

// FlagUpdate sets a posting's derived is_suspicious flag.
type FlagUpdate struct {
	PostingID    int64
	IsSuspicious *bool
}

// PostingReader loads postings for training and backfill.
type PostingReader interface {
	// PostingsForTenant returns one tenant's postings ordered by id.
	PostingsForTenant(ctx context.Context, tenant posting.TenantID) ([]posting.Posting, error)

	// PostingsByTenant returns every posting grouped by tenant.
	PostingsByTenant(ctx context.Context) (map[posting.TenantID][]posting.Posting, error)

	// ListPostings returns every posting ordered by id.
	ListPostings(ctx context.Context) ([]posting.Posting, error)
}

// FlagWriter persists evaluation results.
type FlagWriter interface {
	// UpdateSuspicious applies updates and returns how many rows actually changed.
	UpdateSuspicious(ctx context.Context, updates []FlagUpdate) (int, error)
}

// PostingWriter stores new postings.
type PostingWriter interface {
	// CreatePosting inserts p and returns it with its assigned id.
	CreatePosting(ctx context.Context, p posting.Posting) (posting.Posting, error)
}

// PostingRepository is everything the engine needs from posting storage.
type PostingRepository interface {
	PostingReader
	FlagWriter
	PostingWriter
}

// TenantRegistry enumerates known tenants.
type TenantRegistry interface {
	TenantIDs(ctx context.Context) ([]posting.TenantID, error)
}

// Repository is a posting repository that is also the tenant registry.
type Repository interface {
	PostingRepository
	TenantRegistry
	Close() error
}
