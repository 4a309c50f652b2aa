package ftt

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Neighbors returns the face neighbors of c indexed by Direction. Entries are
// NoCell at the domain boundary. A non-leaf only ever has same-level
// neighbors; a leaf may also see a neighbor one level coarser.
func (t *Tree[T]) Neighbors(c CellID) [MaxNeighbors]CellID {
	nd := t.get(c)
	if nd.children >= 0 {
		g := t.groups[nd.children]
		var out [MaxNeighbors]CellID
		for d := 0; d < t.dim.Neighbors(); d++ {
			out[d] = t.liveOrNone(g.neighbors[d])
		}
		return out
	}
	return t.neighborsNotCached(c)
}

// Neighbor returns the face neighbor of c in direction d, or NoCell.
func (t *Tree[T]) Neighbor(c CellID, d Direction) CellID {
	nd := t.get(c)
	if nd.children >= 0 {
		return t.liveOrNone(t.groups[nd.children].neighbors[d])
	}
	return t.neighborNotCached(c, d)
}

func (t *Tree[T]) neighborsNotCached(c CellID) [MaxNeighbors]CellID {
	var out [MaxNeighbors]CellID
	for d := 0; d < t.dim.Neighbors(); d++ {
		out[d] = t.neighborNotCached(c, Direction(d))
	}
	return out
}

func (t *Tree[T]) neighborNotCached(c CellID, d Direction) CellID {
	nd := t.get(c)
	if nd.root != nil {
		return t.liveOrNone(nd.root.neighbors[d])
	}
	g := t.groups[nd.parent]
	nn := t.dim.neighborIndex(d, int(nd.flags&FlagID))
	if nn >= 0 {
		return t.liveOrNone(g.cells[nn])
	}
	n := t.liveOrNone(g.neighbors[d])
	if n.IsZero() {
		return NoCell
	}
	if nb := t.nodes[n.slot]; nb.children >= 0 {
		return t.liveOrNone(t.groups[nb.children].cells[-nn-1])
	}
	return n
}

// NeighborIsSibling reports whether the (possibly absent) neighbor of c in
// direction d would share its parent.
func (t *Tree[T]) NeighborIsSibling(c CellID, d Direction) bool {
	if t.IsRoot(c) {
		return false
	}
	off := t.childOffset(t.ChildIndex(c))
	return off.Component(d.Component())*faceCoords[d].Component(d.Component()) < 0
}

func (t *Tree[T]) cornerPerpendicular(d Direction, j int) []Direction {
	if t.dim == Dim3 {
		return cornerPerpendicular3D[d][j][:]
	}
	return cornerPerpendicular2D[d][j : j+1]
}

// RefineCorner reports whether leaf c has a corner neighbor more than one
// level finer than itself.
func (t *Tree[T]) RefineCorner(c CellID) bool {
	if !t.IsLeaf(c) {
		return false
	}
	nb := t.Neighbors(c)
	for i := 0; i < t.dim.Neighbors(); i++ {
		n := nb[i]
		if n.IsZero() || t.IsLeaf(n) {
			continue
		}
		for j, child := range t.ChildrenInDirection(n, Direction(i).Opposite()) {
			if child.IsZero() {
				continue
			}
			for _, p := range t.cornerPerpendicular(Direction(i), j) {
				if nc := t.Neighbor(child, p); !nc.IsZero() && !t.IsLeaf(nc) {
					return true
				}
			}
		}
	}
	return false
}

// Check validates the neighbor caches of every live cell: cached neighbors
// of non-leaf cells are same-level and symmetric, and a leaf never sees a
// neighbor more than one level coarser. All violations are returned.
func (t *Tree[T]) Check() error {
	var result *multierror.Error
	t.TraverseForest(PreOrder, TraverseAll, -1, func(c CellID) {
		if err := t.checkCell(c); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}

func (t *Tree[T]) checkCell(c CellID) error {
	var result *multierror.Error
	level := t.Level(c)
	leaf := t.IsLeaf(c)
	nb := t.Neighbors(c)
	for i := 0; i < t.dim.Neighbors(); i++ {
		d := Direction(i)
		n := nb[i]
		if n.IsZero() {
			continue
		}
		nl := t.Level(n)
		switch {
		case !leaf && nl != level:
			result = multierror.Append(result, fmt.Errorf("%v level %d: cached %v neighbor %v at level %d", c, level, d, n, nl))
			continue
		case leaf && (nl > level || nl < level-1):
			result = multierror.Append(result, fmt.Errorf("%v level %d: %v neighbor %v at level %d", c, level, d, n, nl))
			continue
		}
		if nl != level {
			continue
		}
		if back := t.Neighbor(n, d.Opposite()); back != c {
			result = multierror.Append(result, fmt.Errorf("%v: %v neighbor %v points back to %v", c, d, n, back))
		}
		if nd := t.nodes[n.slot]; nd.root != nil {
			if back := t.liveOrNone(nd.root.neighbors[d.Opposite()]); back != c && t.IsRoot(c) {
				result = multierror.Append(result, fmt.Errorf("root %v: %v root neighbor %v stores %v", c, d, n, back))
			}
		}
	}
	return result.ErrorOrNil()
}

// CheckBalance reports every leaf whose corner neighbors are more than one
// level finer.
func (t *Tree[T]) CheckBalance() error {
	var result *multierror.Error
	t.TraverseForest(PreOrder, TraverseLeafs, -1, func(c CellID) {
		if t.RefineCorner(c) {
			result = multierror.Append(result, fmt.Errorf("%v at level %d has an over-refined corner neighbor", c, t.Level(c)))
		}
	})
	return result.ErrorOrNil()
}
