package iforest

import (
	"errors"
	"fmt"
	"math"
)

// Params is the explicit, serializable form of a Forest.
// Child indices refer to positions in the owning tree's Nodes; leaves use -1 for both.
type Params struct {
	NFeatures     int          `json:"n_features"`
	SampleSize    int          `json:"sample_size"`
	MaxDepth      int          `json:"max_depth"`
	Contamination float64      `json:"contamination"`
	Threshold     float64      `json:"threshold"`
	Trees         []TreeParams `json:"trees"`
}

// TreeParams lists a tree's nodes in pre-order; Nodes[0] is the root.
type TreeParams struct {
	Nodes []NodeParams `json:"nodes"`
}

// NodeParams is one split or leaf record.
type NodeParams struct {
	Feature int     `json:"feature"`
	Split   float64 `json:"split"`
	Left    int     `json:"left"`
	Right   int     `json:"right"`
	Size    int     `json:"size"`
}

// Params exports the fitted forest.
func (f *Forest) Params() Params {
	trees := make([]TreeParams, len(f.trees))
	for i, t := range f.trees {
		nodes := make([]NodeParams, len(t.nodes))
		for j, n := range t.nodes {
			nodes[j] = NodeParams{
				Feature: n.feature,
				Split:   n.split,
				Left:    n.left,
				Right:   n.right,
				Size:    n.size,
			}
		}
		trees[i] = TreeParams{Nodes: nodes}
	}

	return Params{
		NFeatures:     f.nFeatures,
		SampleSize:    f.sampleSize,
		MaxDepth:      f.maxDepth,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		Trees:         trees,
	}
}

// FromParams rebuilds a Forest, validating the tree structure so that scoring
// can never index out of range or loop.
func FromParams(p Params) (*Forest, error) {
	if p.NFeatures <= 0 {
		return nil, fmt.Errorf("forest params: n_features = %d", p.NFeatures)
	}
	if p.SampleSize <= 0 {
		return nil, fmt.Errorf("forest params: sample_size = %d", p.SampleSize)
	}
	if !(p.Contamination > 0 && p.Contamination <= 0.5) {
		return nil, fmt.Errorf("forest params: contamination = %g", p.Contamination)
	}
	if math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0) {
		return nil, errors.New("forest params: threshold is not finite")
	}
	if len(p.Trees) == 0 {
		return nil, errors.New("forest params: no trees")
	}

	f := &Forest{
		trees:         make([]iTree, len(p.Trees)),
		nFeatures:     p.NFeatures,
		sampleSize:    p.SampleSize,
		maxDepth:      p.MaxDepth,
		contamination: p.Contamination,
		threshold:     p.Threshold,
		normalizer:    normalizerFor(p.SampleSize),
	}

	for i, tp := range p.Trees {
		if len(tp.Nodes) == 0 {
			return nil, fmt.Errorf("forest params: tree %d has no nodes", i)
		}
		nodes := make([]node, len(tp.Nodes))
		for j, np := range tp.Nodes {
			if err := checkNode(np, j, len(tp.Nodes), p.NFeatures); err != nil {
				return nil, fmt.Errorf("forest params: tree %d node %d: %w", i, j, err)
			}
			nodes[j] = node{
				feature: np.Feature,
				split:   np.Split,
				left:    np.Left,
				right:   np.Right,
				size:    np.Size,
			}
		}
		f.trees[i] = iTree{nodes: nodes}
	}

	return f, nil
}

// checkNode requires children to come after their parent, which rules out cycles.
func checkNode(n NodeParams, idx, count, nFeatures int) error {
	if n.Left < 0 || n.Right < 0 {
		if n.Left != -1 || n.Right != -1 {
			return errors.New("leaf must have left = right = -1")
		}
		if n.Size < 0 {
			return fmt.Errorf("negative leaf size %d", n.Size)
		}
		return nil
	}
	if n.Left <= idx || n.Right <= idx || n.Left >= count || n.Right >= count {
		return fmt.Errorf("child index out of range (left %d, right %d)", n.Left, n.Right)
	}
	if n.Feature < 0 || n.Feature >= nFeatures {
		return fmt.Errorf("feature %d out of range", n.Feature)
	}
	if math.IsNaN(n.Split) || math.IsInf(n.Split, 0) {
		return errors.New("split is not finite")
	}
	return nil
}
