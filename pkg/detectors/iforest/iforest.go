// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ledgerguard/pkg/detectors"
)

const eulerGamma = 0.5772156649

// Forest is a fitted isolation forest. It is immutable and safe for concurrent scoring.
type Forest struct {
	trees         []iTree
	nFeatures     int
	sampleSize    int
	maxDepth      int
	contamination float64
	threshold     float64

	// normalizer is c(sampleSize), the expected path length of a random point.
	normalizer float64
}

var _ detectors.Model = (*Forest)(nil)

// iTree stores its nodes flat; nodes[0] is the root.
type iTree struct {
	nodes []node
}

// node is a split when left >= 0, otherwise a leaf.
type node struct {
	feature int
	split   float64
	left    int
	right   int

	// size is the number of training samples that reached this leaf.
	size int
}

type config struct {
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
	workers       int
}

// Option configures forest training.
type Option func(*config)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(c *config) {
		c.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(c *config) {
		c.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(v float64) Option {
	return func(c *config) {
		c.contamination = v
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(c *config) {
		c.seed = seed
	}
}

// WithWorkers bounds how many trees are built concurrently.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// FromConfig translates the shared detector configuration into options.
func FromConfig(cfg detectors.Config) []Option {
	return []Option{
		WithTrees(cfg.Trees),
		WithSampleSize(cfg.SampleSize),
		WithContamination(cfg.Contamination),
		WithSeed(cfg.RandomSeed),
	}
}

// Fit trains an Isolation Forest on the provided data.
//
// Trees are subsampled without replacement. Every tree draws its own seed from
// the master seed before construction starts, so the result is identical for a
// given seed regardless of how many workers build it.
func Fit(data [][]float64, opts ...Option) (*Forest, error) {
	cfg := config{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.05,
		seed:          42,
		workers:       1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(data) == 0 {
		return nil, errors.New("empty training data")
	}
	if cfg.nTrees <= 0 {
		return nil, fmt.Errorf("tree count must be positive, got %d", cfg.nTrees)
	}
	if cfg.sampleSize <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", cfg.sampleSize)
	}
	if !(cfg.contamination > 0 && cfg.contamination <= 0.5) {
		return nil, fmt.Errorf("contamination must be in (0, 0.5], got %g", cfg.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return nil, errors.New("training data has no features")
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d contains a non-finite value", i)
			}
		}
	}

	// Adjust sample size if needed
	sampleSize := cfg.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}

	f := &Forest{
		trees:         make([]iTree, cfg.nTrees),
		nFeatures:     nFeatures,
		sampleSize:    sampleSize,
		maxDepth:      maxDepthFor(sampleSize),
		contamination: cfg.contamination,
		normalizer:    normalizerFor(sampleSize),
	}

	master := rand.New(rand.NewSource(cfg.seed))
	seeds := make([]int64, cfg.nTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	var g errgroup.Group
	if cfg.workers > 0 {
		g.SetLimit(cfg.workers)
	}
	for i := range f.trees {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[i]))
			indices := rng.Perm(nSamples)[:sampleSize]
			sample := make([][]float64, sampleSize)
			for j, idx := range indices {
				sample[j] = data[idx]
			}
			f.trees[i] = f.buildTree(rng, sample)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Set threshold based on contamination
	scores := f.ScoreAll(data)
	f.threshold = percentile(scores, 1-f.contamination)

	return f, nil
}

func (f *Forest) buildTree(rng *rand.Rand, sample [][]float64) iTree {
	t := iTree{nodes: make([]node, 0, 2*len(sample))}
	t.build(rng, sample, f.nFeatures, f.maxDepth, 0)
	return t
}

// build appends the subtree for data and returns its node index.
func (t *iTree) build(rng *rand.Rand, data [][]float64, nFeatures, maxDepth, depth int) int {
	idx := len(t.nodes)
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		t.nodes = append(t.nodes, leaf(n))
		return idx
	}

	// Random feature and split value
	feature := rng.Intn(nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	// If all values are the same, return leaf
	if minVal == maxVal {
		t.nodes = append(t.nodes, leaf(n))
		return idx
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	t.nodes = append(t.nodes, node{feature: feature, split: splitValue})
	left := t.build(rng, leftData, nFeatures, maxDepth, depth+1)
	right := t.build(rng, rightData, nFeatures, maxDepth, depth+1)
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return idx
}

func leaf(size int) node {
	return node{left: -1, right: -1, size: size}
}

// pathLength follows sample from the root and adds c(size) for the leaf it lands in.
func (t *iTree) pathLength(sample []float64) float64 {
	depth := 0
	i := 0
	for {
		n := &t.nodes[i]
		if n.left < 0 {
			return float64(depth) + averagePathLength(float64(n.size))
		}
		if sample[n.feature] < n.split {
			i = n.left
		} else {
			i = n.right
		}
		depth++
	}
}

// Score returns the anomaly score 2^(-E[h(x)] / c(sampleSize)).
func (f *Forest) Score(sample []float64) (float64, error) {
	if err := f.checkSample(sample); err != nil {
		return 0, err
	}
	return f.score(sample), nil
}

func (f *Forest) score(sample []float64) float64 {
	var totalPath float64
	for i := range f.trees {
		totalPath += f.trees[i].pathLength(sample)
	}
	avgPath := totalPath / float64(len(f.trees))

	// Higher score = more anomalous
	return math.Pow(2, -avgPath/f.normalizer)
}

// ScoreAll scores every row. Rows are assumed to be validated training data.
func (f *Forest) ScoreAll(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.score(sample)
	}
	return scores
}

// Predict reports whether the sample's score exceeds the contamination threshold.
func (f *Forest) Predict(sample []float64) (bool, error) {
	s, err := f.Score(sample)
	if err != nil {
		return false, err
	}
	return s > f.threshold, nil
}

// Threshold returns the (1 - contamination) quantile of the training scores.
func (f *Forest) Threshold() float64 {
	return f.threshold
}

// Contamination returns the contamination the forest was fitted with.
func (f *Forest) Contamination() float64 {
	return f.contamination
}

// NumTrees returns the ensemble size.
func (f *Forest) NumTrees() int {
	return len(f.trees)
}

// NumFeatures returns the sample dimensionality the forest was fitted on.
func (f *Forest) NumFeatures() int {
	return f.nFeatures
}

// SampleSize returns the effective per-tree subsample size.
func (f *Forest) SampleSize() int {
	return f.sampleSize
}

func (f *Forest) checkSample(sample []float64) error {
	if len(sample) != f.nFeatures {
		return fmt.Errorf("sample has %d features, forest expects %d", len(sample), f.nFeatures)
	}
	for _, v := range sample {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("sample contains a non-finite value")
		}
	}
	return nil
}

func maxDepthFor(sampleSize int) int {
	return int(math.Ceil(math.Log2(float64(sampleSize))))
}

func normalizerFor(sampleSize int) float64 {
	c := averagePathLength(float64(sampleSize))
	if c == 0 {
		// A single-sample forest isolates nothing; every point scores 1.
		return 1
	}
	return c
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// percentile returns the q-quantile (0..1) of data with linear interpolation.
func percentile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
