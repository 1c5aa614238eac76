package model

import "github.com/nadmax/estimo/internal/regressor"

type tier struct {
	sampleSize int
	params     regressor.Params
}

func rate(v float64) *float64 {
	return &v
}

// tiers is ordered by ascending sample size.
var tiers = []tier{
	{
		sampleSize: 20,
		params:     regressor.Params{NEstimators: 10, MaxDepth: 2, MinSamplesSplit: 2},
	},
	{
		sampleSize: 100,
		params:     regressor.Params{NEstimators: 50, MaxDepth: 4, MinSamplesSplit: 3, LearningRate: rate(0.05)},
	},
	{
		sampleSize: 500,
		params:     regressor.Params{NEstimators: 100, MaxDepth: 5, MinSamplesSplit: 5, LearningRate: rate(0.1)},
	},
}

// ParamsFor returns the parameters of the first tier whose sample size
// exceeds n, or the largest tier when n reaches every threshold.
func ParamsFor(n int) regressor.Params {
	for _, t := range tiers {
		if n < t.sampleSize {
			return t.params.Clone()
		}
	}
	return tiers[len(tiers)-1].params.Clone()
}

// TierName labels the tier chosen for n, for metrics.
func TierName(n int) string {
	switch {
	case n < tiers[0].sampleSize:
		return "small"
	case n < tiers[1].sampleSize:
		return "medium"
	default:
		return "large"
	}
}
