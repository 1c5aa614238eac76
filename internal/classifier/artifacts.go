package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	VectorizerFile = "vectorizer.json"
	BinarizerFile  = "binarizer.json"
	NetworkFile    = "network.json"
)

var ErrArtifact = errors.New("invalid classifier artifact")

// tokenPattern matches words of two or more characters.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// TFIDF is a fitted term-frequency / inverse-document-frequency vectorizer.
type TFIDF struct {
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
	Lowercase  bool           `json:"lowercase"`
	Norm       string         `json:"norm"`
}

func (v *TFIDF) validate() error {
	if len(v.IDF) == 0 {
		return fmt.Errorf("%w: vectorizer has no idf weights", ErrArtifact)
	}
	for term, i := range v.Vocabulary {
		if i < 0 || i >= len(v.IDF) {
			return fmt.Errorf("%w: term %q maps to column %d of %d", ErrArtifact, term, i, len(v.IDF))
		}
	}
	switch v.Norm {
	case "", "l1", "l2":
	default:
		return fmt.Errorf("%w: unknown norm %q", ErrArtifact, v.Norm)
	}
	return nil
}

func (v *TFIDF) Transform(text string) ([]float64, error) {
	if v.Lowercase {
		text = strings.ToLower(text)
	}

	out := make([]float64, len(v.IDF))
	for _, token := range tokenPattern.FindAllString(text, -1) {
		if i, ok := v.Vocabulary[token]; ok {
			out[i]++
		}
	}
	for i := range out {
		out[i] *= v.IDF[i]
	}

	var norm float64
	switch v.Norm {
	case "l2":
		for _, x := range out {
			norm += x * x
		}
		norm = math.Sqrt(norm)
	case "l1":
		for _, x := range out {
			norm += math.Abs(x)
		}
	}
	if norm > 0 {
		for i := range out {
			out[i] /= norm
		}
	}

	return out, nil
}

// LabelSet lists tag names in output order.
type LabelSet struct {
	Labels []string `json:"classes"`
}

func (l *LabelSet) Classes() []string {
	return l.Labels
}

type Layer struct {
	// Weights holds one row of input weights per output unit.
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"`
}

// Dense is a feed-forward network of fully connected layers.
type Dense struct {
	Layers []Layer `json:"layers"`
}

func (n *Dense) validate(inputs, outputs int) error {
	if len(n.Layers) == 0 {
		return fmt.Errorf("%w: network has no layers", ErrArtifact)
	}

	width := inputs
	for li, layer := range n.Layers {
		if len(layer.Weights) == 0 || len(layer.Weights) != len(layer.Biases) {
			return fmt.Errorf("%w: layer %d has %d weight rows and %d biases",
				ErrArtifact, li, len(layer.Weights), len(layer.Biases))
		}
		for _, row := range layer.Weights {
			if len(row) != width {
				return fmt.Errorf("%w: layer %d expects %d inputs, got row of %d",
					ErrArtifact, li, width, len(row))
			}
		}
		switch layer.Activation {
		case "", "linear", "relu", "sigmoid", "softmax":
		default:
			return fmt.Errorf("%w: layer %d has unknown activation %q", ErrArtifact, li, layer.Activation)
		}
		width = len(layer.Weights)
	}
	if width != outputs {
		return fmt.Errorf("%w: network has %d outputs for %d classes", ErrArtifact, width, outputs)
	}
	return nil
}

func (n *Dense) Predict(input []float64) ([]float64, error) {
	x := input
	for li, layer := range n.Layers {
		out := make([]float64, len(layer.Weights))
		for j, row := range layer.Weights {
			if len(row) != len(x) {
				return nil, fmt.Errorf("%w: layer %d expects %d inputs, got %d", ErrShape, li, len(row), len(x))
			}
			sum := layer.Biases[j]
			for i, w := range row {
				sum += w * x[i]
			}
			out[j] = sum
		}
		activate(layer.Activation, out)
		x = out
	}

	return x, nil
}

func activate(name string, v []float64) {
	switch name {
	case "relu":
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case "sigmoid":
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	case "softmax":
		peak := math.Inf(-1)
		for _, x := range v {
			peak = math.Max(peak, x)
		}
		var sum float64
		for i, x := range v {
			v[i] = math.Exp(x - peak)
			sum += v[i]
		}
		for i := range v {
			v[i] /= sum
		}
	}
}

// LoadArtifacts reads vectorizer.json, binarizer.json and network.json from
// dir and checks that their shapes line up.
func LoadArtifacts(dir string) (*Classifier, error) {
	var (
		vectorizer TFIDF
		labels     LabelSet
		network    Dense
	)

	if err := readJSON(filepath.Join(dir, VectorizerFile), &vectorizer); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, BinarizerFile), &labels); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, NetworkFile), &network); err != nil {
		return nil, err
	}

	if err := vectorizer.validate(); err != nil {
		return nil, err
	}
	if len(labels.Labels) == 0 {
		return nil, fmt.Errorf("%w: binarizer has no classes", ErrArtifact)
	}
	if err := network.validate(len(vectorizer.IDF), len(labels.Labels)); err != nil {
		return nil, err
	}

	return New(&vectorizer, &labels, &network), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArtifact, filepath.Base(path), err)
	}
	return nil
}
