package ftt

type planState uint8

const (
	planVisiting planState = iota + 1
	planAccepted
)

// coarsenPlan decides a coarsening transaction without touching the tree.
// Cells accepted by the plan are treated as leaves, and their descendants as
// gone, when later decisions look at them.
type coarsenPlan[T any] struct {
	t     *Tree[T]
	pred  CoarsenFunc
	state map[CellID]planState
	order []CellID
}

// Coarsen collapses the subtree of root bottom-up. A cell may become a leaf
// when every child can, pred holds for the cell, and every non-empty
// same-level subtree across its outer faces can be collapsed as well. The
// whole transaction is decided before any edit: when it returns false the
// tree is unchanged. cleanup runs on every discarded child.
//
// For a leaf root the result is pred(root).
func (t *Tree[T]) Coarsen(root CellID, pred CoarsenFunc, cleanup CleanupFunc) bool {
	if t.IsLeaf(root) {
		return pred(root)
	}
	p := &coarsenPlan[T]{t: t, pred: pred, state: make(map[CellID]planState)}
	if !p.plan(root) {
		return false
	}
	for _, c := range p.order {
		t.collapse(c, cleanup)
	}
	return true
}

func (p *coarsenPlan[T]) plan(c CellID) bool {
	if p.state[c] != 0 {
		return true
	}
	p.state[c] = planVisiting
	t := p.t

	for _, child := range t.allChildren(c) {
		if !t.Alive(child) {
			continue
		}
		if t.IsLeaf(child) {
			if !p.pred(child) {
				return false
			}
			continue
		}
		if !p.plan(child) {
			return false
		}
	}
	if !p.pred(c) {
		return false
	}

	for i := 0; i < t.dim.Neighbors(); i++ {
		d := Direction(i)
		for _, child := range t.ChildrenInDirection(c, d) {
			if child.IsZero() {
				continue
			}
			n := t.Neighbor(child, d)
			if n.IsZero() || !p.nonLeaf(n) || !p.hasChildrenFacing(n, d.Opposite()) {
				continue
			}
			if !p.plan(n) {
				return false
			}
		}
	}

	p.state[c] = planAccepted
	p.order = append(p.order, c)
	return true
}

func (p *coarsenPlan[T]) nonLeaf(c CellID) bool {
	if p.t.IsLeaf(c) || p.state[c] == planAccepted {
		return false
	}
	for a := p.t.Parent(c); !a.IsZero(); a = p.t.Parent(a) {
		if p.state[a] == planAccepted {
			return false
		}
	}
	return true
}

func (p *coarsenPlan[T]) hasChildrenFacing(c CellID, d Direction) bool {
	for _, child := range p.t.ChildrenInDirection(c, d) {
		if !child.IsZero() {
			return true
		}
	}
	return false
}

// collapse discards the child-group of c. Its children are leaves by now.
func (t *Tree[T]) collapse(c CellID, cleanup CleanupFunc) {
	if !t.Alive(c) {
		return
	}
	nd := t.nodes[c.slot]
	if nd.children < 0 {
		return
	}
	gi := nd.children
	g := t.groups[gi]
	level := g.level + 1
	removed := 0
	for _, child := range g.cells[:t.dim.Children()] {
		if !t.Alive(child) {
			continue
		}
		if !t.IsLeaf(child) {
			t.collapse(child, cleanup)
		}
		neighbors := t.Neighbors(child)
		if cleanup != nil {
			cleanup(child)
		}
		t.detachNeighbors(child, level, neighbors)
		removed++
	}
	nd.children = -1
	for _, child := range g.cells[:t.dim.Children()] {
		if t.exists(child) {
			t.freeNode(child)
		}
	}
	t.freeGroup(gi)
	t.profiler.recordCoarsen(removed)
}
