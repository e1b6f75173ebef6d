// Package io provides bulk posting ingestion from files.
package io

import (
	"context"
	"fmt"
	"strings"

	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// PostingReader is the interface for reading postings from various sources.
type PostingReader interface {
	// Read returns every parseable posting. Rows that fail to parse are
	// reported through a *ParseErrors alongside the postings that did parse.
	Read() ([]posting.Posting, error)

	// Stream returns a channel of records for incremental processing.
	Stream(ctx context.Context) (<-chan Record, error)

	// Close releases resources.
	Close() error
}

// Record is one streamed row: either a posting or the error that row produced.
type Record struct {
	Line    int
	Posting posting.Posting
	Err     error
}

// RowError reports a row that could not be parsed.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseErrors collects the row errors of a Read.
type ParseErrors struct {
	Rows []RowError
}

func (e *ParseErrors) Error() string {
	const shown = 3
	parts := make([]string, 0, shown)
	for i, r := range e.Rows {
		if i == shown {
			break
		}
		parts = append(parts, r.Error())
	}
	msg := fmt.Sprintf("%d malformed rows: %s", len(e.Rows), strings.Join(parts, "; "))
	if len(e.Rows) > shown {
		msg += "; ..."
	}
	return msg
}
