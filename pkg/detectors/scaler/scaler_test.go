package scaler

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name           string
		data           [][]float64
		wantErr        bool
		wantDegenerate bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {3}},
			wantErr: true,
		},
		{
			name:           "single sample is degenerate",
			data:           [][]float64{{1001, -50000}},
			wantErr:        true,
			wantDegenerate: true,
		},
		{
			name:           "constant account column",
			data:           [][]float64{{1001, 1}, {1001, 2}, {1001, 3}},
			wantErr:        true,
			wantDegenerate: true,
		},
		{
			name: "varying columns",
			data: [][]float64{{1001, 1}, {1002, 2}, {1003, 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Fit(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, s)
				assert.Equal(t, tt.wantDegenerate, errors.Is(err, ErrDegenerateFeature))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, s.Dim())
		})
	}
}

func TestFitDegenerateColumn(t *testing.T) {
	_, err := Fit([][]float64{{1, 1001}, {2, 1001}})

	var derr *DegenerateFeatureError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 1, derr.Column)
	assert.Equal(t, 1001.0, derr.Value)
}

func TestFitClamped(t *testing.T) {
	s, clamped, err := FitClamped([][]float64{{1001, 1}, {1001, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, clamped)

	p := s.Params()
	assert.Equal(t, []float64{1001, 2}, p.Mean)
	assert.Equal(t, []float64{1, 1}, p.Std)

	out, err := s.Transform([]float64{1001, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, out)
}

func TestTransformStandardizes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([][]float64, 500)
	for i := range data {
		data[i] = []float64{
			float64(1000 + rng.Intn(50)),
			-50000 + rng.NormFloat64()*4000,
		}
	}

	s, err := Fit(data)
	require.NoError(t, err)

	scaled, err := s.TransformAll(data)
	require.NoError(t, err)

	for col := 0; col < 2; col++ {
		var sum, sq float64
		for _, row := range scaled {
			sum += row[col]
		}
		mean := sum / float64(len(scaled))
		for _, row := range scaled {
			d := row[col] - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(scaled)))

		assert.InDelta(t, 0, mean, 1e-9, "column %d mean", col)
		assert.InDelta(t, 1, std, 1e-9, "column %d std", col)
	}
}

func TestTransformDimensionMismatch(t *testing.T) {
	s, err := Fit([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)

	_, err = s.Transform([]float64{1})
	assert.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {
	s, err := Fit([][]float64{{1, 10}, {2, 20}, {4, 40}})
	require.NoError(t, err)

	restored, err := FromParams(s.Params())
	require.NoError(t, err)

	for _, v := range [][]float64{{3, 30}, {-1, 0}} {
		want, err := s.Transform(v)
		require.NoError(t, err)
		got, err := restored.Transform(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFromParamsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{name: "empty", p: Params{}},
		{name: "length mismatch", p: Params{Mean: []float64{1, 2}, Std: []float64{1}}},
		{name: "zero std", p: Params{Mean: []float64{1, 2}, Std: []float64{1, 0}}},
		{name: "negative std", p: Params{Mean: []float64{1}, Std: []float64{-1}}},
		{name: "nan std", p: Params{Mean: []float64{1}, Std: []float64{math.NaN()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromParams(tt.p)
			assert.Error(t, err)
		})
	}
}
