// Package classifier suggests tags for a task description with a pretrained
// text model. The model parts are loaded once and never mutated.
package classifier

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nadmax/estimo/internal/task"
)

// TopN is the maximum number of tags Predict returns.
const TopN = 10

var ErrShape = errors.New("classifier output does not match tag classes")

// Vectorizer turns free text into the network's input features.
type Vectorizer interface {
	Transform(text string) ([]float64, error)
}

// Binarizer names the network's output positions. Position i is tag id i.
type Binarizer interface {
	Classes() []string
}

// Network scores every tag class for an input vector.
type Network interface {
	Predict(input []float64) ([]float64, error)
}

type Classifier struct {
	vectorizer Vectorizer
	binarizer  Binarizer
	network    Network

	tagsOnce sync.Once
	tags     []task.Tag
}

func New(vectorizer Vectorizer, binarizer Binarizer, network Network) *Classifier {
	return &Classifier{
		vectorizer: vectorizer,
		binarizer:  binarizer,
		network:    network,
	}
}

// Predict returns the highest scoring tags for text, best first. Equal
// scores are ordered by ascending tag id.
func (c *Classifier) Predict(text string) ([]task.Tag, error) {
	input, err := c.vectorizer.Transform(text)
	if err != nil {
		return nil, fmt.Errorf("failed to vectorize text: %w", err)
	}

	scores, err := c.network.Predict(input)
	if err != nil {
		return nil, fmt.Errorf("failed to score tags: %w", err)
	}

	classes := c.binarizer.Classes()
	if len(scores) != len(classes) {
		return nil, fmt.Errorf("%w: %d scores for %d classes", ErrShape, len(scores), len(classes))
	}

	best := topK(scores, TopN)
	tags := make([]task.Tag, len(best))
	for i, s := range best {
		probability := s.score
		tags[i] = task.Tag{ID: int64(s.index), Name: classes[s.index], Probability: &probability}
	}

	return tags, nil
}

// TagsList returns every known tag ordered by id. The list is built on first
// use and shared afterwards; callers must not modify it.
func (c *Classifier) TagsList() []task.Tag {
	c.tagsOnce.Do(func() {
		classes := c.binarizer.Classes()
		c.tags = make([]task.Tag, len(classes))
		for i, name := range classes {
			c.tags[i] = task.Tag{ID: int64(i), Name: name}
		}
	})

	return c.tags
}

type scored struct {
	index int
	score float64
}

// worse reports whether a ranks below b.
func worse(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.index > b.index
}

// minHeap keeps the worst retained entry at the root.
type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(scored))
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func topK(scores []float64, k int) []scored {
	h := make(minHeap, 0, k+1)
	for i, s := range scores {
		candidate := scored{index: i, score: s}
		if h.Len() < k {
			heap.Push(&h, candidate)
			continue
		}
		if worse(h[0], candidate) {
			h[0] = candidate
			heap.Fix(&h, 0)
		}
	}

	out := []scored(h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}
