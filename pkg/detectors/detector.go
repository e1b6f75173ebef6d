// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

// Model is the read-only view of a fitted detector.
//
// Fitted models are immutable, so every method is safe for concurrent use.
type Model interface {
	// Score returns the anomaly score for a single sample.
	// Scores are normalized to (0, 1] where higher values indicate anomalies.
	Score(sample []float64) (float64, error)

	// Predict reports whether the sample's score exceeds the fitted threshold.
	Predict(sample []float64) (bool, error)

	// Threshold returns the score above which a sample is anomalous.
	Threshold() float64
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score in (0, 1].
	Value float64 `json:"score"`
	// Threshold is the decision boundary the score was compared against.
	Threshold float64 `json:"threshold"`
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool `json:"suspicious"`
	// Features contains the raw input features.
	Features []float64 `json:"features,omitempty"`
}

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64 `yaml:"contamination"`
	// Trees is the number of isolation trees per forest.
	Trees int `yaml:"trees"`
	// SampleSize is the subsample drawn for each tree.
	SampleSize int `yaml:"sample_size"`
	// RandomSeed for reproducibility.
	RandomSeed int64 `yaml:"random_seed"`
}

// DefaultConfig returns the training defaults: 5% contamination, 100 trees of 256 samples, seed 42.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.05,
		Trees:         100,
		SampleSize:    256,
		RandomSeed:    42,
	}
}
