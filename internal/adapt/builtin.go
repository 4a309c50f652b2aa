package adapt

import (
	"math"

	"amrtree/internal/ftt"
)

// FuncCost returns a cost that evaluates f at the centre of each cell.
func FuncCost[T any](tree *ftt.Tree[T], f func(pos ftt.Vector) float64) CostFunc {
	return func(c ftt.CellID) float64 {
		return f(tree.Pos(c))
	}
}

// NotBox returns a cost that forces coarsening of every cell whose centre
// lies inside box and is neutral elsewhere.
func NotBox[T any](tree *ftt.Tree[T], box ftt.Box) CostFunc {
	return func(c ftt.CellID) float64 {
		if box.Contains(tree.Pos(c), tree.Dim()) {
			return -math.MaxFloat64
		}
		return 0
	}
}

// sample returns the value and the centre distance, in units of the size of
// c, of the neighbor of c in direction d. ok is false at the boundary.
func sample[T any](tree *ftt.Tree[T], c ftt.CellID, d ftt.Direction, value func(*T) float64) (v, dist float64, ok bool) {
	n := tree.Neighbor(c, d)
	if n.IsZero() {
		return 0, 0, false
	}
	comp := d.Component()
	dist = math.Abs(tree.Pos(n).Component(comp)-tree.Pos(c).Component(comp)) / tree.Size(c)
	return value(tree.Data(n)), dist, true
}

// Gradient returns a cost equal to the magnitude of the undivided gradient of
// the field read by value. Missing neighbors fall back to the cell's own value.
func Gradient[T any](tree *ftt.Tree[T], value func(*T) float64) CostFunc {
	return func(c ftt.CellID) float64 {
		vc := value(tree.Data(c))
		var sum float64
		for comp := ftt.X; int(comp) < int(tree.Dim()); comp++ {
			right, left := ftt.Direction(2*comp), ftt.Direction(2*comp+1)
			vr, dr, ok := sample(tree, c, right, value)
			if !ok {
				vr, dr = vc, 0
			}
			vl, dl, ok := sample(tree, c, left, value)
			if !ok {
				vl, dl = vc, 0
			}
			if dr+dl == 0 {
				continue
			}
			g := (vr - vl) / (dr + dl)
			sum += g * g
		}
		return math.Sqrt(sum)
	}
}

// Curvature returns a cost equal to the largest undivided second derivative
// of the field read by value along any axis.
func Curvature[T any](tree *ftt.Tree[T], value func(*T) float64) CostFunc {
	return func(c ftt.CellID) float64 {
		vc := value(tree.Data(c))
		var cost float64
		for comp := ftt.X; int(comp) < int(tree.Dim()); comp++ {
			right, left := ftt.Direction(2*comp), ftt.Direction(2*comp+1)
			vr, dr, ok := sample(tree, c, right, value)
			if !ok {
				vr, dr = vc, 1
			}
			vl, dl, ok := sample(tree, c, left, value)
			if !ok {
				vl, dl = vc, 1
			}
			k := math.Abs(2 * ((vr-vc)/dr - (vc-vl)/dl) / (dr + dl))
			if k > cost {
				cost = k
			}
		}
		return cost
	}
}
