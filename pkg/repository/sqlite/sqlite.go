// Package sqlite stores postings in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

//go:embed schema.sql
var schemaSQL string

const dateLayout = "2006-01-02"

// Repository implements repository.Repository on SQLite.
// Uses WAL mode so scoring reads are not blocked by flag updates.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ repository.Repository = (*Repository)(nil)

// Open creates or opens the database at path and applies the schema.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Opened SQLite posting repository", zap.String("path", path))
	return &Repository{db: db, logger: logger}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

const selectPostings = `
	SELECT id, company_id, account_handle_number, post_date, post_amount,
	       post_currency, post_description, is_suspicious
	FROM postings`

// PostingsForTenant implements repository.PostingReader.
func (r *Repository) PostingsForTenant(ctx context.Context, tenant posting.TenantID) ([]posting.Posting, error) {
	return r.query(ctx, selectPostings+` WHERE company_id = ? ORDER BY id ASC`, int64(tenant))
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
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query postings: %w", err)
	}
	defer rows.Close()

	var out []posting.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postings: %w", err)
	}
	return out, nil
}

func scanPosting(rows *sql.Rows) (posting.Posting, error) {
	var (
		p          posting.Posting
		tenant     int64
		date       string
		amount     string
		suspicious sql.NullBool
	)
	if err := rows.Scan(&p.ID, &tenant, &p.AccountHandleNumber, &date, &amount,
		&p.Currency, &p.Description, &suspicious); err != nil {
		return posting.Posting{}, fmt.Errorf("scan posting: %w", err)
	}

	p.TenantID = posting.TenantID(tenant)
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("posting %d: invalid post_date %q: %w", p.ID, date, err)
	}
	p.Date = d
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return posting.Posting{}, fmt.Errorf("posting %d: invalid post_amount %q: %w", p.ID, amount, err)
	}
	if suspicious.Valid {
		p.IsSuspicious = posting.Flag(suspicious.Bool)
	}
	return p, nil
}

// UpdateSuspicious implements repository.FlagWriter. Rows whose flag already
// holds the new value are not touched and not counted.
func (r *Repository) UpdateSuspicious(ctx context.Context, updates []repository.FlagUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin flag update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE postings SET is_suspicious = ?
		WHERE id = ? AND is_suspicious IS NOT ?
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare flag update: %w", err)
	}
	defer stmt.Close()

	changed := 0
	for _, u := range updates {
		flag := nullBool(u.IsSuspicious)
		res, err := stmt.ExecContext(ctx, flag, u.PostingID, flag)
		if err != nil {
			return 0, fmt.Errorf("update posting %d: %w", u.PostingID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("update posting %d: %w", u.PostingID, err)
		}
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit flag update: %w", err)
	}
	return changed, nil
}

// CreatePosting implements repository.PostingWriter. The tenant is registered
// on first use.
func (r *Repository) CreatePosting(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("begin create posting: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO companies (id) VALUES (?)`, int64(p.TenantID)); err != nil {
		return posting.Posting{}, fmt.Errorf("register tenant %s: %w", p.TenantID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO postings
		(company_id, account_handle_number, post_date, post_amount, post_currency, post_description, is_suspicious)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		int64(p.TenantID),
		p.AccountHandleNumber,
		p.Date.Format(dateLayout),
		p.Amount.String(),
		p.Currency,
		p.Description,
		nullBool(p.IsSuspicious),
	)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("insert posting: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return posting.Posting{}, fmt.Errorf("insert posting: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return posting.Posting{}, fmt.Errorf("commit posting: %w", err)
	}

	p.ID = id
	return p, nil
}

// CreateTenant registers a tenant with no postings.
func (r *Repository) CreateTenant(ctx context.Context, id posting.TenantID, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO companies (id, company_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET company_name = excluded.company_name
	`, int64(id), name)
	if err != nil {
		return fmt.Errorf("create tenant %s: %w", id, err)
	}
	return nil
}

// TenantIDs implements repository.TenantRegistry.
func (r *Repository) TenantIDs(ctx context.Context) ([]posting.TenantID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM companies ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var ids []posting.TenantID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		ids = append(ids, posting.TenantID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return ids, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
