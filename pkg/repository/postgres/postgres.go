// Package postgres stores postings in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

//go:embed schema.sql
var schemaSQL string

// Repository implements repository.Repository for PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ repository.Repository = (*Repository)(nil)

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL posting repository",
		zap.String("host", config.ConnConfig.Host),
		zap.String("database", config.ConnConfig.Database))

	return &Repository{pool: pool, logger: logger}, nil
}

// Close closes the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const selectPostings = `
	SELECT id, company_id, account_handle_number, post_date, post_amount::text,
	       post_currency, post_description, is_suspicious
	FROM postings`

// PostingsForTenant implements repository.PostingReader.
func (r *Repository) PostingsForTenant(ctx context.Context, tenant posting.TenantID) ([]posting.Posting, error) {
	return r.query(ctx, selectPostings+` WHERE company_id = $1 ORDER BY id ASC`, int64(tenant))
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
	return r.query(ctx, selectPostings+` ORDER BY id ASC`)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]posting.Posting, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query postings: %w", err)
	}
	defer rows.Close()

	var out []posting.Posting
	for rows.Next() {
		var (
			p      posting.Posting
			tenant int64
			date   time.Time
			amount string
		)
		if err := rows.Scan(&p.ID, &tenant, &p.AccountHandleNumber, &date, &amount,
			&p.Currency, &p.Description, &p.IsSuspicious); err != nil {
			return nil, fmt.Errorf("failed to scan posting: %w", err)
		}
		p.TenantID = posting.TenantID(tenant)
		p.Date = date
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("posting %d: invalid post_amount %q: %w", p.ID, amount, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate postings: %w", err)
	}
	return out, nil
}

// UpdateSuspicious implements repository.FlagWriter. The updates are sent as one
// batch inside a transaction; unchanged rows are filtered by IS DISTINCT FROM.
func (r *Repository) UpdateSuspicious(ctx context.Context, updates []repository.FlagUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin flag update: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE postings SET is_suspicious = $2
			WHERE id = $1 AND is_suspicious IS DISTINCT FROM $2
		`, u.PostingID, u.IsSuspicious)
	}

	results := tx.SendBatch(ctx, batch)
	changed := 0
	for _, u := range updates {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to update posting %d: %w", u.PostingID, err)
		}
		changed += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to close flag batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit flag update: %w", err)
	}
	return changed, nil
}

// CreatePosting implements repository.PostingWriter. The tenant is registered
// on first use.
func (r *Repository) CreatePosting(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("failed to begin create posting: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO companies (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, int64(p.TenantID)); err != nil {
		return posting.Posting{}, fmt.Errorf("failed to register tenant %s: %w", p.TenantID, err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO postings
		(company_id, account_handle_number, post_date, post_amount, post_currency, post_description, is_suspicious)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		RETURNING id
	`,
		int64(p.TenantID),
		p.AccountHandleNumber,
		p.Date,
		p.Amount.String(),
		p.Currency,
		p.Description,
		p.IsSuspicious,
	).Scan(&p.ID)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("failed to insert posting: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return posting.Posting{}, fmt.Errorf("failed to commit posting: %w", err)
	}
	return p, nil
}

// TenantIDs implements repository.TenantRegistry.
func (r *Repository) TenantIDs(ctx context.Context) ([]posting.TenantID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM companies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var ids []posting.TenantID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		ids = append(ids, posting.TenantID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return ids, nil
}
