package adapt

import "math"

// Range accumulates summary statistics of a series of values.
type Range struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Sum2  float64 `json:"sum2"`
	Count int     `json:"count"`
}

// Update adds v to the range.
func (r *Range) Update(v float64) {
	if r.Count == 0 || v < r.Min {
		r.Min = v
	}
	if r.Count == 0 || v > r.Max {
		r.Max = v
	}
	r.Sum += v
	r.Sum2 += v * v
	r.Count++
}

// Mean returns the average value, or zero for an empty range.
func (r Range) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// Stddev returns the population standard deviation.
func (r Range) Stddev() float64 {
	if r.Count == 0 {
		return 0
	}
	mean := r.Mean()
	v := r.Sum2/float64(r.Count) - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Stats collects per-pass adaptation figures across many passes.
type Stats struct {
	// Removed holds the cells removed by each coarsening.
	Removed Range `json:"removed"`
	// Created holds the cells created by each refinement.
	Created Range `json:"created"`
	// CMax holds the refinement cost left on top of the queue when a pass ended.
	CMax Range `json:"cmax"`
	// NCells holds the cell count at the end of each pass.
	NCells Range `json:"ncells"`
	// CornerRefined counts refinements made by the corner repair sweep.
	CornerRefined int `json:"corner_refined"`
	// CornerCreated counts the cells those refinements created.
	CornerCreated int `json:"corner_created"`
}

// Reset clears every record.
func (s *Stats) Reset() {
	*s = Stats{}
}
