// Package model trains per-user duration models and serializes them together
// with the tag index they were trained under.
package model

import (
	"errors"
	"fmt"

	"github.com/nadmax/estimo/internal/features"
	"github.com/nadmax/estimo/internal/regressor"
	"github.com/nadmax/estimo/internal/task"
)

var ErrTraining = errors.New("model training failed")

// Regressor is the trainable capability behind a Predictor.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(X [][]float64) ([]float64, error)
}

// Predictor is a trained regressor paired with the tag index its feature
// rows were built from. The two are only ever created and stored together.
type Predictor struct {
	Regressor Regressor
	Index     features.TagIndex
	Samples   int
}

// Train fits a model on a user's completed tasks. Rows are
// [planned_time] ++ tag_vector and the target is the actual time.
func Train(tasks []task.Record) (*Predictor, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrTraining, regressor.ErrEmptySample)
	}
	for _, t := range tasks {
		if !t.Completed() {
			return nil, fmt.Errorf("%w: task %d has no actual time", ErrTraining, t.ID)
		}
	}

	index, annotated := features.Compress(tasks)

	X := make([][]float64, len(annotated))
	y := make([]float64, len(annotated))
	for i, a := range annotated {
		X[i] = row(a.Task.PlannedTime, a.Vector)
		y[i] = *a.Task.ActualTime
	}

	reg := regressor.NewGradientBoosting(ParamsFor(len(X)))
	if err := reg.Fit(X, y); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTraining, err)
	}

	return &Predictor{Regressor: reg, Index: index, Samples: len(X)}, nil
}

// Predict estimates the actual time for a planned time and tag set. Tags the
// model was not trained on contribute nothing.
func (p *Predictor) Predict(plannedTime float64, tags []int64) (float64, error) {
	out, err := p.Regressor.Predict([][]float64{row(plannedTime, p.Index.Vector(tags))})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTraining, err)
	}

	return out[0], nil
}

func row(plannedTime float64, tags []float64) []float64 {
	r := make([]float64, 0, 1+len(tags))
	r = append(r, plannedTime)
	return append(r, tags...)
}
