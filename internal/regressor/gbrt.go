// Package regressor implements gradient-boosted regression trees with squared
// loss. Models are plain structs so they serialize with encoding/json.
package regressor

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const DefaultLearningRate = 0.1

var (
	ErrEmptySample   = errors.New("empty training sample")
	ErrShapeMismatch = errors.New("feature matrix shape mismatch")
	ErrNotFitted     = errors.New("regressor is not fitted")
	ErrInvalidParams = errors.New("invalid regressor parameters")
)

// Params bounds model capacity. A nil LearningRate means DefaultLearningRate.
type Params struct {
	NEstimators     int      `json:"n_estimators"`
	MaxDepth        int      `json:"max_depth"`
	MinSamplesSplit int      `json:"min_samples_split"`
	LearningRate    *float64 `json:"learning_rate,omitempty"`
}

func (p Params) Clone() Params {
	if p.LearningRate != nil {
		v := *p.LearningRate
		p.LearningRate = &v
	}
	return p
}

func (p Params) learningRate() float64 {
	if p.LearningRate == nil {
		return DefaultLearningRate
	}
	return *p.LearningRate
}

func (p Params) validate() error {
	if p.NEstimators <= 0 || p.MaxDepth <= 0 || p.MinSamplesSplit < 2 {
		return fmt.Errorf("%w: %+v", ErrInvalidParams, p)
	}
	if lr := p.learningRate(); lr <= 0 || lr > 1 {
		return fmt.Errorf("%w: learning rate %v", ErrInvalidParams, lr)
	}
	return nil
}

// Node is a regression tree node. Leaves have Left and Right nil.
type Node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Value     float64 `json:"v,omitempty"`
	Left      *Node   `json:"l,omitempty"`
	Right     *Node   `json:"r,omitempty"`
}

func (n *Node) leaf() bool {
	return n.Left == nil && n.Right == nil
}

func (n *Node) predict(x []float64) float64 {
	for !n.leaf() {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

type GradientBoosting struct {
	Params    Params  `json:"params"`
	Init      float64 `json:"init"`
	NFeatures int     `json:"n_features"`
	Trees     []*Node `json:"trees"`
}

func NewGradientBoosting(p Params) *GradientBoosting {
	return &GradientBoosting{Params: p}
}

// Fit trains on X (rows of equal length) against y.
func (g *GradientBoosting) Fit(X [][]float64, y []float64) error {
	if err := g.Params.validate(); err != nil {
		return err
	}
	if len(X) == 0 {
		return ErrEmptySample
	}
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows, %d targets", ErrShapeMismatch, len(X), len(y))
	}

	width := len(X[0])
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), width)
		}
	}
	if width == 0 {
		return fmt.Errorf("%w: rows have no features", ErrShapeMismatch)
	}

	g.NFeatures = width
	g.Init = mean(y)
	g.Trees = make([]*Node, 0, g.Params.NEstimators)

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = g.Init
	}

	residual := make([]float64, len(y))
	lr := g.Params.learningRate()
	idx := make([]int, len(y))

	for m := 0; m < g.Params.NEstimators; m++ {
		for i := range y {
			residual[i] = y[i] - pred[i]
			idx[i] = i
		}

		b := builder{X: X, r: residual, maxDepth: g.Params.MaxDepth, minSplit: g.Params.MinSamplesSplit}
		tree := b.build(idx, 0)
		for i, row := range X {
			pred[i] += lr * tree.predict(row)
		}
		g.Trees = append(g.Trees, tree)
	}

	return nil
}

func (g *GradientBoosting) Predict(X [][]float64) ([]float64, error) {
	if g.NFeatures == 0 {
		return nil, ErrNotFitted
	}

	out := make([]float64, len(X))
	lr := g.Params.learningRate()
	for i, row := range X {
		if len(row) != g.NFeatures {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), g.NFeatures)
		}
		v := g.Init
		for _, tree := range g.Trees {
			v += lr * tree.predict(row)
		}
		out[i] = v
	}

	return out, nil
}

type builder struct {
	X        [][]float64
	r        []float64
	maxDepth int
	minSplit int
}

func (b *builder) build(idx []int, depth int) *Node {
	node := &Node{Value: b.meanOf(idx)}
	if depth >= b.maxDepth || len(idx) < b.minSplit {
		return node
	}

	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return node
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	node.Feature = feature
	node.Threshold = threshold
	node.Left = b.build(left, depth+1)
	node.Right = b.build(right, depth+1)

	return node
}

// bestSplit scans every feature for the threshold that most reduces the
// squared error of the residuals. Ties keep the first candidate found.
func (b *builder) bestSplit(idx []int) (int, float64, bool) {
	n := float64(len(idx))
	var total, totalSq float64
	for _, i := range idx {
		total += b.r[i]
		totalSq += b.r[i] * b.r[i]
	}
	parentSSE := totalSq - total*total/n

	bestGain := 1e-12
	bestFeature, bestThreshold, found := 0, 0.0, false

	sorted := make([]int, len(idx))
	for f := 0; f < len(b.X[idx[0]]); f++ {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, c int) bool {
			return b.X[sorted[a]][f] < b.X[sorted[c]][f]
		})

		var leftSum, leftSq float64
		for k := 0; k < len(sorted)-1; k++ {
			v := b.r[sorted[k]]
			leftSum += v
			leftSq += v * v

			cur, next := b.X[sorted[k]][f], b.X[sorted[k+1]][f]
			if cur == next {
				continue
			}

			nl := float64(k + 1)
			nr := n - nl
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)

			if gain := parentSSE - sse; gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				found = true
			}
		}
	}

	return bestFeature, bestThreshold, found
}

func (b *builder) meanOf(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var s float64
	for _, i := range idx {
		s += b.r[i]
	}
	return s / float64(len(idx))
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	m := s / float64(len(v))
	if math.IsNaN(m) {
		return 0
	}
	return m
}
