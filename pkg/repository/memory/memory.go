// Package memory is an in-process posting repository used by tests and the demo.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

// Repository keeps postings in a map guarded by a RWMutex.
type Repository struct {
	mu       sync.RWMutex
	postings map[int64]posting.Posting
	tenants  map[posting.TenantID]struct{}
	nextID   int64
}

var _ repository.Repository = (*Repository)(nil)

// New returns a repository seeded with postings. Postings without an id get one.
func New(seed ...posting.Posting) *Repository {
	r := &Repository{
		postings: make(map[int64]posting.Posting, len(seed)),
		tenants:  make(map[posting.TenantID]struct{}),
	}
	for _, p := range seed {
		r.insert(p)
	}
	return r
}

// AddTenant registers a tenant that may have no postings yet.
func (r *Repository) AddTenant(id posting.TenantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[id] = struct{}{}
}

func (r *Repository) insert(p posting.Posting) posting.Posting {
	if p.ID == 0 {
		r.nextID++
		p.ID = r.nextID
	} else if p.ID > r.nextID {
		r.nextID = p.ID
	}
	r.postings[p.ID] = p
	r.tenants[p.TenantID] = struct{}{}
	return p
}

// Get returns a single posting.
func (r *Repository) Get(id int64) (posting.Posting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.postings[id]
	return p, ok
}

// PostingsForTenant implements repository.PostingReader.
func (r *Repository) PostingsForTenant(ctx context.Context, tenant posting.TenantID) ([]posting.Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []posting.Posting
	for _, p := range r.postings {
		if p.TenantID == tenant {
			out = append(out, p)
		}
	}
	sortByID(out)
	return out, nil
}

// PostingsByTenant implements repository.PostingReader.
func (r *Repository) PostingsByTenant(ctx context.Context) (map[posting.TenantID][]posting.Posting, error) {
	all, err := r.ListPostings(ctx)
	if err != nil {
		return nil, err
	}
	return posting.GroupByTenant(all), nil
}

// ListPostings implements repository.PostingReader.
func (r *Repository) ListPostings(ctx context.Context) ([]posting.Posting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]posting.Posting, 0, len(r.postings))
	for _, p := range r.postings {
		out = append(out, p)
	}
	sortByID(out)
	return out, nil
}

// UpdateSuspicious implements repository.FlagWriter.
func (r *Repository) UpdateSuspicious(ctx context.Context, updates []repository.FlagUpdate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, u := range updates {
		p, ok := r.postings[u.PostingID]
		if !ok || sameFlag(p.IsSuspicious, u.IsSuspicious) {
			continue
		}
		if u.IsSuspicious == nil {
			p.IsSuspicious = nil
		} else {
			p.IsSuspicious = posting.Flag(*u.IsSuspicious)
		}
		r.postings[u.PostingID] = p
		changed++
	}
	return changed, nil
}

// CreatePosting implements repository.PostingWriter.
func (r *Repository) CreatePosting(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	if err := ctx.Err(); err != nil {
		return posting.Posting{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = 0
	return r.insert(p), nil
}

// TenantIDs implements repository.TenantRegistry.
func (r *Repository) TenantIDs(ctx context.Context) ([]posting.TenantID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]posting.TenantID, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

func sortByID(ps []posting.Posting) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func sameFlag(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
