// Package csv reads ledger exports: semicolon-separated posting files with a header row.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	lgio "github.com/hed1ad/ledgerguard/pkg/io"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// Column names of a ledger export.
const (
	ColumnID          = "id"
	ColumnTenant      = "company_id"
	ColumnAccount     = "accountHandleNumber"
	ColumnDate        = "postDate"
	ColumnAmount      = "postAmount"
	ColumnCurrency    = "postCurrency"
	ColumnDescription = "postDescription"
)

var requiredColumns = []string{ColumnTenant, ColumnAccount, ColumnAmount}

// Reader reads postings from CSV files.
type Reader struct {
	file    io.Closer
	reader  *csv.Reader
	comma   rune
	columns map[string]int
}

var _ lgio.PostingReader = (*Reader)(nil)

// Option configures a CSV reader.
type Option func(*Reader)

// WithComma sets the field separator. The default is ';'.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.comma = c
	}
}

// NewReader opens filename and reads its header.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := newReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

// NewReaderFrom reads from src, which is not closed by Close.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	return newReader(src, opts...)
}

func newReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{comma: ';'}
	for _, opt := range opts {
		opt(r)
	}

	r.reader = csv.NewReader(src)
	r.reader.Comma = r.comma
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	headers, err := r.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.columns = make(map[string]int, len(headers))
	for i, h := range headers {
		r.columns[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	for _, c := range requiredColumns {
		if _, ok := r.columns[c]; !ok {
			return nil, fmt.Errorf("missing required column %q", c)
		}
	}
	return r, nil
}

// Read returns all parseable postings. Malformed rows are collected into a
// *lgio.ParseErrors returned together with the postings that did parse.
func (r *Reader) Read() ([]posting.Posting, error) {
	var (
		out    []posting.Posting
		failed []lgio.RowError
	)
	for {
		rec, ok := r.next()
		if !ok {
			break
		}
		if rec.Err != nil {
			failed = append(failed, lgio.RowError{Line: rec.Line, Err: rec.Err})
			continue
		}
		out = append(out, rec.Posting)
	}

	if len(failed) > 0 {
		return out, &lgio.ParseErrors{Rows: failed}
	}
	return out, nil
}

// Stream returns a channel of records. Malformed rows arrive as records with Err set.
func (r *Reader) Stream(ctx context.Context) (<-chan lgio.Record, error) {
	out := make(chan lgio.Record, 100)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			rec, ok := r.next()
			if !ok {
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// next returns false at end of input.
func (r *Reader) next() (lgio.Record, bool) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return lgio.Record{}, false
	}
	if err != nil {
		var line int
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			line = perr.Line
		}
		return lgio.Record{Line: line, Err: err}, true
	}

	line, _ := r.reader.FieldPos(0)
	p, err := r.parseRow(record)
	return lgio.Record{Line: line, Posting: p, Err: err}, true
}

func (r *Reader) field(record []string, column string) (string, bool) {
	i, ok := r.columns[column]
	if !ok || i >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[i]), true
}

// parseRow converts a record to a posting.
func (r *Reader) parseRow(record []string) (posting.Posting, error) {
	var p posting.Posting

	tenant, _ := r.field(record, ColumnTenant)
	id, err := strconv.ParseInt(tenant, 10, 64)
	if err != nil {
		return p, fmt.Errorf("%s %q: not an integer", ColumnTenant, tenant)
	}
	p.TenantID = posting.TenantID(id)

	account, _ := r.field(record, ColumnAccount)
	if p.AccountHandleNumber, err = strconv.ParseInt(account, 10, 64); err != nil {
		return p, fmt.Errorf("%s %q: not an integer", ColumnAccount, account)
	}

	amount, _ := r.field(record, ColumnAmount)
	if p.Amount, err = parseAmount(amount); err != nil {
		return p, fmt.Errorf("%s %q: %w", ColumnAmount, amount, err)
	}

	if v, ok := r.field(record, ColumnID); ok && v != "" {
		if p.ID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return p, fmt.Errorf("%s %q: not an integer", ColumnID, v)
		}
	}
	if v, ok := r.field(record, ColumnDate); ok && v != "" {
		if p.Date, err = posting.ParseDate(v); err != nil {
			return p, fmt.Errorf("%s: %w", ColumnDate, err)
		}
	}
	p.Currency, _ = r.field(record, ColumnCurrency)
	p.Description, _ = r.field(record, ColumnDescription)

	return p, nil
}

// parseAmount accepts "1234.56" and, when no '.' is present, a decimal comma "1234,56".
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errors.New("empty")
	}
	if !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return decimal.NewFromString(s)
}
