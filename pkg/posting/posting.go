// Package posting defines the ledger records the detection engine trains on and scores.
package posting

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TenantID identifies an organization whose postings and model are isolated from others.
type TenantID int64

// String returns the decimal form used in artifact keys and log fields.
func (t TenantID) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// ParseTenantID parses the decimal form produced by String.
func ParseTenantID(s string) (TenantID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TenantID(id), nil
}

// Posting is a single ledger entry.
type Posting struct {
	ID                  int64           `json:"id"`
	TenantID            TenantID        `json:"tenant_id"`
	AccountHandleNumber int64           `json:"account_handle_number"`
	Amount              decimal.Decimal `json:"amount"`
	Date                time.Time       `json:"date"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description"`

	// IsSuspicious is nil until the posting has been scored against a model.
	IsSuspicious *bool `json:"is_suspicious"`
}

// Flag returns a pointer to v, for filling IsSuspicious.
func Flag(v bool) *bool {
	return &v
}

// GroupByTenant buckets postings by tenant, preserving input order within a bucket.
func GroupByTenant(postings []Posting) map[TenantID][]Posting {
	groups := make(map[TenantID][]Posting)
	for _, p := range postings {
		groups[p.TenantID] = append(groups[p.TenantID], p)
	}
	return groups
}

// Date layouts accepted by ParseDate, in the order they are tried.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"02-01-2006",
}

// ParseDate parses a posting date as ISO date, RFC 3339 timestamp or the
// dd-mm-yyyy form used by ledger exports.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Input is the wire form of a new posting, as submitted over HTTP or the event bus.
type Input struct {
	TenantID            int64           `json:"tenant_id"`
	AccountHandleNumber int64           `json:"account_handle_number"`
	Amount              decimal.Decimal `json:"amount"`
	Date                string          `json:"date"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description"`
}

// Posting converts the input, parsing its date with ParseDate.
func (in Input) Posting() (Posting, error) {
	date, err := ParseDate(in.Date)
	if err != nil {
		return Posting{}, err
	}
	return Posting{
		TenantID:            TenantID(in.TenantID),
		AccountHandleNumber: in.AccountHandleNumber,
		Amount:              in.Amount,
		Date:                date,
		Currency:            in.Currency,
		Description:         in.Description,
	}, nil
}
