// Package adapt decides, once per simulation step, which leaves of an ftt
// tree to refine and which subtrees to coarsen. Each pass turns the weighted
// cost reported by a list of criteria into a greedy sequence of structural
// edits bounded by global cell-count and cost limits.
package adapt

import (
	"math"

	"amrtree/internal/ftt"
)

// CostFunc returns the refinement cost of a cell. Higher means more in need
// of refinement; negative values favour coarsening.
type CostFunc func(c ftt.CellID) float64

// LevelFunc returns a per-cell level bound.
type LevelFunc func(c ftt.CellID) int

// ConstLevel returns a LevelFunc that ignores the cell.
func ConstLevel(level int) LevelFunc {
	return func(ftt.CellID) int { return level }
}

// Criterion is one adaptation criterion. Only active criteria take part in a
// pass; toggling Active is up to the caller's schedule.
type Criterion struct {
	Name     string
	Cost     CostFunc
	Weight   float64
	MinLevel LevelFunc
	MaxLevel LevelFunc
	MinCells int
	MaxCells int
	CMax     float64
	Active   bool
}

const (
	DefaultMaxLevel = 5
	DefaultWeight   = 1
)

// NewCriterion returns an active criterion with default bounds: weight 1,
// levels 0 to 5, no cell-count limits and a zero cost ceiling.
func NewCriterion(name string, cost CostFunc) *Criterion {
	return &Criterion{
		Name:     name,
		Cost:     cost,
		Weight:   DefaultWeight,
		MinLevel: ConstLevel(0),
		MaxLevel: ConstLevel(DefaultMaxLevel),
		MaxCells: math.MaxInt,
		Active:   true,
	}
}

// limits is the combination of every active criterion.
type limits struct {
	active   []*Criterion
	minCells int
	maxCells int
	cmax     float64
}

func combine(criteria []*Criterion) limits {
	l := limits{maxCells: math.MaxInt}
	for _, c := range criteria {
		if c == nil || !c.Active {
			continue
		}
		l.active = append(l.active, c)
		if c.MaxCells < l.maxCells {
			l.maxCells = c.MaxCells
		}
		if c.MinCells > l.minCells {
			l.minCells = c.MinCells
		}
		l.cmax += c.CMax
	}
	return l
}

func (l limits) minLevel(c ftt.CellID) int {
	level := 0
	for _, cr := range l.active {
		if cr.MinLevel == nil {
			continue
		}
		if v := cr.MinLevel(c); v > level {
			level = v
		}
	}
	return level
}

func (l limits) maxLevel(c ftt.CellID) int {
	level := math.MaxInt
	for _, cr := range l.active {
		if cr.MaxLevel == nil {
			continue
		}
		if v := cr.MaxLevel(c); v < level {
			level = v
		}
	}
	return level
}
