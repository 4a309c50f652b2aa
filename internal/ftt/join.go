package ftt

// SetNeighbor joins two roots of equal level across direction d of root. Cells
// along the shared face pick up each other as neighbors, and a side that is
// coarser where the other is split gets refined so the level gradient stays
// at most one.
func (t *Tree[T]) SetNeighbor(root, other CellID, d Direction, init InitFunc) {
	t.join(root, other, d, init, false)
}

// SetNeighborMatch joins two roots like SetNeighbor and additionally refines
// both sides until every face across the join is fine-fine.
func (t *Tree[T]) SetNeighborMatch(root, other CellID, d Direction, init InitFunc) {
	t.join(root, other, d, init, true)
}

func (t *Tree[T]) join(root, other CellID, d Direction, init InitFunc, match bool) {
	rn, on := t.get(root), t.get(other)
	if rn.root == nil {
		violation(ErrNotRoot, "join %v", root)
	}
	if on.root == nil {
		violation(ErrNotRoot, "join %v", other)
	}
	if rn.root.level != on.root.level {
		violation(ErrLevelMismatch, "join %v (level %d) and %v (level %d)", root, rn.root.level, other, on.root.level)
	}
	od := d.Opposite()
	if n := t.liveOrNone(rn.root.neighbors[d]); !n.IsZero() {
		violation(ErrNeighborTaken, "join %v %v: already joined to %v", root, d, n)
	}
	if n := t.liveOrNone(on.root.neighbors[od]); !n.IsZero() {
		violation(ErrNeighborTaken, "join %v %v: already joined to %v", other, od, n)
	}

	rn.root.neighbors[d] = other
	t.updateNeighbor(root, d, init, match)
	on.root.neighbors[od] = root
	t.updateNeighbor(other, od, init, match)
}

// updateNeighbor refreshes the caches of c and its descendants along face d
// after the neighborhood across that face changed.
func (t *Tree[T]) updateNeighbor(c CellID, d Direction, init InitFunc, match bool) {
	if !t.IsLeaf(c) {
		n := t.neighborNotCached(c, d)
		if n.IsZero() {
			return
		}
		g := t.groups[t.nodes[c.slot].children]
		if t.Level(n) < g.level {
			t.newGroup(n, true, init)
			n = t.neighborNotCached(c, d)
		} else if match && t.IsLeaf(n) {
			t.newGroup(n, true, init)
		}
		g.neighbors[d] = n
		for _, child := range t.ChildrenInDirection(c, d) {
			if !child.IsZero() {
				t.updateNeighbor(child, d, init, match)
			}
		}
		return
	}
	if !match {
		return
	}
	if n := t.neighborNotCached(c, d); !n.IsZero() && !t.IsLeaf(n) {
		t.newGroup(c, true, init)
		for _, child := range t.ChildrenInDirection(c, d) {
			if !child.IsZero() {
				t.updateNeighbor(child, d, init, match)
			}
		}
	}
}
