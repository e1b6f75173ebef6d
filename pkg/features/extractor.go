// Package features maps raw postings to the numeric vectors the detectors consume.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// Feature names, in vector order.
const (
	AccountHandleNumber = "account_handle_number"
	Amount              = "amount"
)

// Dim is the length of every extracted vector.
const Dim = 2

// ErrFeatureValidation is matched by every ValidationError.
var ErrFeatureValidation = errors.New("feature validation failed")

// ValidationError reports a missing or non-numeric input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feature %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrFeatureValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrFeatureValidation
}

// Extractor converts raw input to a feature vector.
type Extractor interface {
	// Extract converts raw input to feature vector.
	Extract(data any) ([]float64, error)

	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// PostingExtractor produces [account_handle_number, amount].
//
// Accepted inputs are posting.Posting, *posting.Posting and map[string]any as
// decoded from a JSON body; map values may be numbers, json.Number or numeric strings.
type PostingExtractor struct{}

// NewExtractor returns the posting extractor.
func NewExtractor() PostingExtractor {
	return PostingExtractor{}
}

// FeatureNames returns the names of extracted features.
func (PostingExtractor) FeatureNames() []string {
	return []string{AccountHandleNumber, Amount}
}

// Extract converts raw input to feature vector.
func (x PostingExtractor) Extract(data any) ([]float64, error) {
	switch v := data.(type) {
	case posting.Posting:
		return fromPosting(&v)
	case *posting.Posting:
		if v == nil {
			return nil, &ValidationError{Field: AccountHandleNumber, Reason: "missing posting"}
		}
		return fromPosting(v)
	case map[string]any:
		return fromMap(v)
	default:
		return nil, &ValidationError{Field: AccountHandleNumber, Reason: fmt.Sprintf("unsupported input %T", data)}
	}
}

// Vector builds the feature vector for an account/amount pair that is already typed.
func Vector(accountHandleNumber int64, amount float64) ([]float64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, &ValidationError{Field: Amount, Reason: "not a finite number"}
	}
	return []float64{float64(accountHandleNumber), amount}, nil
}

func fromPosting(p *posting.Posting) ([]float64, error) {
	amount, _ := p.Amount.Float64()
	return Vector(p.AccountHandleNumber, amount)
}

func fromMap(m map[string]any) ([]float64, error) {
	account, err := numeric(m, AccountHandleNumber)
	if err != nil {
		return nil, err
	}
	if account != math.Trunc(account) {
		return nil, &ValidationError{Field: AccountHandleNumber, Reason: "not an integer"}
	}
	amount, err := numeric(m, Amount)
	if err != nil {
		return nil, err
	}
	return []float64{account, amount}, nil
}

func numeric(m map[string]any, field string) (float64, error) {
	raw, ok := m[field]
	if !ok || raw == nil {
		return 0, &ValidationError{Field: field, Reason: "missing"}
	}

	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("non-numeric value %q", v.String())}
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("non-numeric value %q", v)}
		}
		f = parsed
	default:
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("non-numeric type %T", raw)}
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Field: field, Reason: "not a finite number"}
	}
	return f, nil
}
