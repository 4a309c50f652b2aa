package ftt

// Order selects whether a cell is visited before or after its descendants.
type Order int

const (
	PreOrder Order = iota
	PostOrder
)

// TraverseFlags selects which cells a traversal visits.
type TraverseFlags uint8

const (
	// TraverseAll visits every cell.
	TraverseAll TraverseFlags = 0
	// TraverseLeafs visits leaves only.
	TraverseLeafs TraverseFlags = 1 << 0
	// TraverseNonLeafs visits non-leaf cells only.
	TraverseNonLeafs TraverseFlags = 1 << 1
	// TraverseLevel restricts the visit to cells exactly at maxDepth. Combined
	// with TraverseLeafs it also visits shallower leaves.
	TraverseLevel TraverseFlags = 1 << 2
)

// childSelector returns the child slots to descend into, or nil to stop.
type childSelector func(c CellID) []CellID

type walker[T any] struct {
	t        *Tree[T]
	order    Order
	flags    TraverseFlags
	maxDepth int
	children childSelector
	fn       VisitFunc
}

func (t *Tree[T]) allChildren(c CellID) []CellID {
	nd := t.get(c)
	if nd.children < 0 {
		return nil
	}
	n := t.dim.Children()
	out := make([]CellID, n)
	copy(out, t.groups[nd.children].cells[:n])
	return out
}

// Traverse visits the subtree rooted at root. maxDepth < 0 means unbounded.
//
// fn may mutate the tree. In pre-order, if fn destroys the visited cell the
// walk skips its descendants; children destroyed by a previous callback are
// skipped as well. Post-order callbacks see every descendant already visited.
func (t *Tree[T]) Traverse(root CellID, order Order, flags TraverseFlags, maxDepth int, fn VisitFunc) {
	if maxDepth >= 0 && t.Level(root) > maxDepth {
		return
	}
	w := walker[T]{t: t, order: order, flags: flags, maxDepth: maxDepth, children: t.allChildren, fn: fn}
	w.walk(root)
}

// TraverseForest runs Traverse over every root.
func (t *Tree[T]) TraverseForest(order Order, flags TraverseFlags, maxDepth int, fn VisitFunc) {
	for _, r := range t.Roots() {
		if t.Alive(r) {
			t.Traverse(r, order, flags, maxDepth, fn)
		}
	}
}

// TraverseBoundary visits only the cells of root's subtree that touch its
// face in direction d.
func (t *Tree[T]) TraverseBoundary(root CellID, d Direction, order Order, flags TraverseFlags, maxDepth int, fn VisitFunc) {
	if maxDepth >= 0 && t.Level(root) > maxDepth {
		return
	}
	sel := func(c CellID) []CellID {
		if t.IsLeaf(c) {
			return nil
		}
		return t.ChildrenInDirection(c, d)
	}
	w := walker[T]{t: t, order: order, flags: flags, maxDepth: maxDepth, children: sel, fn: fn}
	w.walk(root)
}

// TraverseBox visits the cells of root's subtree whose extent overlaps box.
func (t *Tree[T]) TraverseBox(root CellID, box Box, order Order, flags TraverseFlags, maxDepth int, fn VisitFunc) {
	if maxDepth >= 0 && t.Level(root) > maxDepth {
		return
	}
	if !t.Bounds(root).overlaps(box, t.dim) {
		return
	}
	sel := func(c CellID) []CellID {
		all := t.allChildren(c)
		out := all[:0]
		for _, child := range all {
			if t.Alive(child) && t.Bounds(child).overlaps(box, t.dim) {
				out = append(out, child)
			}
		}
		return out
	}
	w := walker[T]{t: t, order: order, flags: flags, maxDepth: maxDepth, children: sel, fn: fn}
	w.walk(root)
}

func (w *walker[T]) descend(c CellID) {
	if !w.t.Alive(c) {
		return
	}
	for _, child := range w.children(c) {
		if w.t.Alive(child) {
			w.walk(child)
		}
	}
}

// visitPre calls fn and reports whether c survived the call.
func (w *walker[T]) visitPre(c CellID) bool {
	w.fn(c)
	return w.t.Alive(c)
}

func (w *walker[T]) walk(c CellID) {
	t := w.t
	level := t.Level(c)

	if w.flags&TraverseLevel != 0 {
		w.walkLevel(c, level)
		return
	}
	if w.maxDepth >= 0 && level > w.maxDepth {
		return
	}

	leaf := t.IsLeaf(c)
	switch {
	case w.flags&TraverseLeafs != 0:
		if leaf {
			w.fn(c)
			return
		}
		w.descend(c)
	case w.flags&TraverseNonLeafs != 0:
		if leaf {
			return
		}
		if w.order == PreOrder {
			if w.visitPre(c) && !t.IsLeaf(c) {
				w.descend(c)
			}
			return
		}
		w.descend(c)
		if t.Alive(c) {
			w.fn(c)
		}
	default:
		if w.order == PreOrder {
			if w.visitPre(c) {
				w.descend(c)
			}
			return
		}
		w.descend(c)
		if t.Alive(c) {
			w.fn(c)
		}
	}
}

func (w *walker[T]) walkLevel(c CellID, level int) {
	t := w.t
	leaf := t.IsLeaf(c)
	switch {
	case w.flags&TraverseLeafs != 0:
		if level == w.maxDepth || leaf {
			w.fn(c)
			return
		}
	case w.flags&TraverseNonLeafs != 0:
		if level == w.maxDepth {
			if !leaf {
				w.fn(c)
			}
			return
		}
	default:
		if level == w.maxDepth {
			w.fn(c)
			return
		}
	}
	if !leaf && (w.maxDepth < 0 || level < w.maxDepth) {
		w.descend(c)
	}
}

// Iterator is a materialised traversal. It is safe to mutate the tree while
// iterating; callers must check Alive for cells destroyed since the snapshot.
type Iterator struct {
	cells   []CellID
	current int
}

// NewIterator snapshots the cells Traverse would visit.
func (t *Tree[T]) NewIterator(root CellID, order Order, flags TraverseFlags, maxDepth int) *Iterator {
	it := &Iterator{}
	t.Traverse(root, order, flags, maxDepth, func(c CellID) {
		it.cells = append(it.cells, c)
	})
	return it
}

// Next returns the next cell, or false once the snapshot is exhausted.
func (it *Iterator) Next() (CellID, bool) {
	if it.current >= len(it.cells) {
		return NoCell, false
	}
	c := it.cells[it.current]
	it.current++
	return c, true
}

// Rewind restarts the iteration.
func (it *Iterator) Rewind() {
	it.current = 0
}

// Len returns the number of cells in the snapshot.
func (it *Iterator) Len() int {
	return len(it.cells)
}

// At returns the i-th cell of the snapshot.
func (it *Iterator) At(i int) CellID {
	return it.cells[i]
}
