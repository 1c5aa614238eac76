// Package features builds the dense tag encoding used as regression input.
package features

import "github.com/nadmax/estimo/internal/task"

// TagIndex maps a tag id to its position in the compressed tag vector.
type TagIndex map[int64]int

// Annotated pairs a task with its compressed tag vector.
type Annotated struct {
	Task   task.Record
	Vector []float64
}

// Compress assigns every distinct tag id a dense index in traversal order and
// one-hot encodes each task's tags against that index. The same ordered
// input always yields the same index.
func Compress(tasks []task.Record) (TagIndex, []Annotated) {
	index := make(TagIndex)
	for _, t := range tasks {
		for _, tag := range t.Tags {
			if _, ok := index[tag]; !ok {
				index[tag] = len(index)
			}
		}
	}

	annotated := make([]Annotated, len(tasks))
	for i, t := range tasks {
		annotated[i] = Annotated{
			Task:   t,
			Vector: index.Vector(t.Tags),
		}
	}

	return index, annotated
}

// Vector encodes tags against the index. Tags the index has never seen are
// ignored.
func (idx TagIndex) Vector(tags []int64) []float64 {
	v := make([]float64, len(idx))
	for _, tag := range tags {
		if pos, ok := idx[tag]; ok {
			v[pos] = 1.0
		}
	}

	return v
}

func (idx TagIndex) Len() int {
	return len(idx)
}
