package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nadmax/estimo/internal/features"
	"github.com/nadmax/estimo/internal/regressor"
)

// FormatVersion identifies the feature layout and envelope of encoded
// models. Bump it whenever either changes; stored blobs with another version
// are retrained instead of decoded.
const FormatVersion = 1

const algorithmGradientBoosting = "gradient_boosting"

var ErrFormat = errors.New("unsupported model format")

type envelope struct {
	FormatVersion int               `json:"format_version"`
	Algorithm     string            `json:"algorithm"`
	Samples       int               `json:"samples"`
	TagIndex      features.TagIndex `json:"tag_index"`
	Regressor     json.RawMessage   `json:"regressor"`
}

// Encode serializes the regressor and its tag index as one blob.
func Encode(p *Predictor) ([]byte, error) {
	var algorithm string
	switch p.Regressor.(type) {
	case *regressor.GradientBoosting:
		algorithm = algorithmGradientBoosting
	default:
		return nil, fmt.Errorf("%w: regressor %T", ErrFormat, p.Regressor)
	}

	reg, err := json.Marshal(p.Regressor)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal regressor: %w", err)
	}

	index := p.Index
	if index == nil {
		index = features.TagIndex{}
	}

	return json.Marshal(envelope{
		FormatVersion: FormatVersion,
		Algorithm:     algorithm,
		Samples:       p.Samples,
		TagIndex:      index,
		Regressor:     reg,
	})
}

func Decode(blob []byte) (*Predictor, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if env.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, env.FormatVersion)
	}

	var reg Regressor
	switch env.Algorithm {
	case algorithmGradientBoosting:
		gb := &regressor.GradientBoosting{}
		if err := json.Unmarshal(env.Regressor, gb); err != nil {
			return nil, fmt.Errorf("failed to unmarshal regressor: %w", err)
		}
		reg = gb
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrFormat, env.Algorithm)
	}

	index := env.TagIndex
	if index == nil {
		index = features.TagIndex{}
	}

	return &Predictor{Regressor: reg, Index: index, Samples: env.Samples}, nil
}
