package ftt

// Locate returns the deepest cell of root's subtree containing target,
// descending no further than maxDepth (unbounded when negative). Points on a
// cell boundary count as inside; a point on a shared child face goes to the
// child on the negative side. The Z coordinate is ignored in 2-D.
func (t *Tree[T]) Locate(root CellID, target Vector, maxDepth int) (CellID, bool) {
	if !t.Bounds(root).Contains(target, t.dim) {
		return NoCell, false
	}
	c := root
	for !t.IsLeaf(c) && (maxDepth < 0 || t.Level(c) < maxDepth) {
		p := t.Pos(c)
		child := t.groups[t.nodes[c.slot].children].cells[t.childFor(p, target)]
		if !t.Alive(child) {
			return NoCell, false
		}
		c = child
	}
	return c, true
}

// childFor returns the child slot whose quadrant of a cell centred on p
// holds target.
func (t *Tree[T]) childFor(p, target Vector) int {
	for n := 0; n < t.dim.Children(); n++ {
		off := t.childOffset(n)
		if (target.X > p.X) != (off.X > 0) || (target.Y > p.Y) != (off.Y > 0) {
			continue
		}
		if t.dim == Dim3 && (target.Z > p.Z) != (off.Z > 0) {
			continue
		}
		return n
	}
	return 0
}

// LocateForest runs Locate over every root and returns the first hit.
func (t *Tree[T]) LocateForest(target Vector, maxDepth int) (CellID, bool) {
	for _, r := range t.roots {
		if c, ok := t.Locate(r, target, maxDepth); ok {
			return c, true
		}
	}
	return NoCell, false
}
