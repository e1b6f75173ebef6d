// Package scaler implements per-feature standardization (zero mean, unit variance).
package scaler

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerateFeature is matched by every DegenerateFeatureError.
var ErrDegenerateFeature = errors.New("degenerate feature")

// DegenerateFeatureError reports a training column whose values are all identical.
type DegenerateFeatureError struct {
	Column int
	Value  float64
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("degenerate feature: column %d has zero variance (all values %g)", e.Column, e.Value)
}

// Is makes errors.Is(err, ErrDegenerateFeature) hold.
func (e *DegenerateFeatureError) Is(target error) bool {
	return target == ErrDegenerateFeature
}

// Scaler holds the fitted per-column mean and population standard deviation.
// A fitted Scaler is immutable.
type Scaler struct {
	mean []float64
	std  []float64
}

// Params is the explicit, serializable form of a Scaler.
type Params struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Fit computes column means and population standard deviations.
// A zero-variance column fails with *DegenerateFeatureError.
func Fit(data [][]float64) (*Scaler, error) {
	s, degenerate, err := fit(data)
	if err != nil {
		return nil, err
	}
	if len(degenerate) > 0 {
		col := degenerate[0]
		return nil, &DegenerateFeatureError{Column: col, Value: s.mean[col]}
	}
	return s, nil
}

// FitClamped is Fit with std 1.0 substituted for zero-variance columns.
// It returns the indices of the clamped columns.
func FitClamped(data [][]float64) (*Scaler, []int, error) {
	s, degenerate, err := fit(data)
	if err != nil {
		return nil, nil, err
	}
	for _, col := range degenerate {
		s.std[col] = 1
	}
	return s, degenerate, nil
}

func fit(data [][]float64) (*Scaler, []int, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("empty training data")
	}
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return nil, nil, errors.New("training data has no features")
	}

	mean := make([]float64, nFeatures)
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}

	std := make([]float64, nFeatures)
	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}

	var degenerate []int
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 || math.IsNaN(std[j]) {
			degenerate = append(degenerate, j)
		}
	}

	return &Scaler{mean: mean, std: std}, degenerate, nil
}

// FromParams rebuilds a Scaler, rejecting non-positive standard deviations.
func FromParams(p Params) (*Scaler, error) {
	if len(p.Mean) == 0 || len(p.Mean) != len(p.Std) {
		return nil, fmt.Errorf("scaler params: mean has %d values, std has %d", len(p.Mean), len(p.Std))
	}
	for j, sd := range p.Std {
		if !(sd > 0) || math.IsInf(sd, 0) {
			return nil, fmt.Errorf("scaler params: std[%d] = %g, must be positive", j, sd)
		}
	}
	return &Scaler{
		mean: append([]float64(nil), p.Mean...),
		std:  append([]float64(nil), p.Std...),
	}, nil
}

// Params returns a copy of the fitted parameters.
func (s *Scaler) Params() Params {
	return Params{
		Mean: append([]float64(nil), s.mean...),
		Std:  append([]float64(nil), s.std...),
	}
}

// Dim returns the number of features the scaler was fitted on.
func (s *Scaler) Dim() int {
	return len(s.mean)
}

// Transform returns (v[i] - mean[i]) / std[i].
func (s *Scaler) Transform(v []float64) ([]float64, error) {
	if len(v) != len(s.mean) {
		return nil, fmt.Errorf("sample has %d features, scaler expects %d", len(v), len(s.mean))
	}
	out := make([]float64, len(v))
	for j, x := range v {
		out[j] = (x - s.mean[j]) / s.std[j]
	}
	return out, nil
}

// TransformAll applies Transform to every row.
func (s *Scaler) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		t, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
