package ftt

// newGroup splits the leaf parent. With checkNeighbors set, any face neighbor
// coarser than parent is split first so the new children never sit next to a
// cell two levels coarser.
func (t *Tree[T]) newGroup(parent CellID, checkNeighbors bool, init InitFunc) {
	if !t.IsLeaf(parent) {
		violation(ErrNotLeaf, "refine %v", parent)
	}
	level := t.Level(parent)
	pos := t.Pos(parent)
	neighbors := t.Neighbors(parent)

	if checkNeighbors {
		for d := 0; d < t.dim.Neighbors(); d++ {
			n := neighbors[d]
			if !n.IsZero() && t.Level(n) < level {
				t.newGroup(n, true, init)
				neighbors[d] = t.Neighbor(parent, Direction(d))
			}
		}
	}

	gi := t.allocGroup()
	g := t.groups[gi]
	g.owner = parent
	g.level = level
	g.pos = pos
	g.neighbors = neighbors
	for n := 0; n < t.dim.Children(); n++ {
		g.cells[n] = t.allocNode(Flags(n), gi)
	}
	t.nodes[parent.slot].children = gi
	t.relinkChildren(g)
	t.profiler.recordRefine(t.dim.Children())

	if init != nil {
		for n := 0; n < t.dim.Children(); n++ {
			init(g.cells[n])
		}
	}
}

// relinkChildren points the caches of same-level non-leaf neighbors at the
// freshly created children of g.
func (t *Tree[T]) relinkChildren(g *group) {
	for n := 0; n < t.dim.Children(); n++ {
		c := g.cells[n]
		for d := 0; d < t.dim.Neighbors(); d++ {
			if t.dim.neighborIndex(Direction(d), n) >= 0 {
				continue
			}
			nb := t.neighborNotCached(c, Direction(d))
			if nb.IsZero() || t.Level(nb) != g.level+1 {
				continue
			}
			if nn := t.nodes[nb.slot]; nn.children >= 0 {
				t.groups[nn.children].neighbors[Direction(d).Opposite()] = c
			}
		}
	}
}

// RefineSingle splits leaf c, first splitting any coarser face neighbor.
// init is called on every created cell, including those of split neighbors.
func (t *Tree[T]) RefineSingle(c CellID, init InitFunc) {
	t.newGroup(c, true, init)
}

// Refine recursively splits every leaf of root for which refine holds. New
// children are tested again, so refinement can cascade several levels.
func (t *Tree[T]) Refine(root CellID, refine RefineFunc, init InitFunc) {
	if t.IsLeaf(root) {
		if !refine(root) {
			return
		}
		t.newGroup(root, true, init)
	}
	for _, child := range t.allChildren(root) {
		if t.Alive(child) {
			t.Refine(child, refine, init)
		}
	}
}

// RefineCorners splits every leaf touching a face or a corner of leaf c that
// is coarser than c, recursively repairing their own corners first. It is
// used before RefineSingle so the new children stay level-balanced across
// corners as well as faces.
func (t *Tree[T]) RefineCorners(c CellID, init InitFunc) {
	if !t.IsLeaf(c) {
		violation(ErrNotLeaf, "refine corners of %v", c)
	}
	level := t.Level(c)
	for d := 0; d < t.dim.Neighbors(); d++ {
		n := t.Neighbor(c, Direction(d))
		if !n.IsZero() && t.Level(n) < level {
			t.refineCoarser(n, init)
		}
	}
	nb := t.Neighbors(c)
	for i := 0; i < t.dim.Neighbors(); i++ {
		n := nb[i]
		if n.IsZero() || t.Level(n) != level {
			continue
		}
		for _, p := range t.dim.perpendicularDirections(Direction(i)) {
			if !t.Alive(n) {
				break
			}
			corner := t.Neighbor(n, p)
			if !corner.IsZero() && t.Level(corner) < level {
				t.refineCoarser(corner, init)
			}
		}
	}
}

func (t *Tree[T]) refineCoarser(c CellID, init InitFunc) {
	if !t.IsLeaf(c) {
		return
	}
	t.RefineCorners(c, init)
	if t.Alive(c) && t.IsLeaf(c) {
		t.RefineSingle(c, init)
	}
}

// RepairCorners refines every leaf that has a corner neighbor more than one
// level finer, sweeping from two levels above the deepest cell up to level
// zero so that repairs made at one level are checked at the next. It returns
// the number of leaves refined.
func (t *Tree[T]) RepairCorners(init InitFunc) int {
	refined := 0
	for level := t.ForestDepth() - 2; level >= 0; level-- {
		t.TraverseForest(PreOrder, TraverseLevel, level, func(c CellID) {
			if t.RefineCorner(c) {
				t.RefineSingle(c, init)
				refined++
			}
		})
	}
	return refined
}

// detachNeighbors clears the back-references that same-level neighbors hold
// to c. neighbors must be captured before c changes.
func (t *Tree[T]) detachNeighbors(c CellID, level int, neighbors [MaxNeighbors]CellID) {
	for i := 0; i < t.dim.Neighbors(); i++ {
		n := neighbors[i]
		if n.IsZero() || !t.Alive(n) || t.Level(n) != level {
			continue
		}
		od := Direction(i).Opposite()
		nd := t.nodes[n.slot]
		if nd.root != nil && nd.root.neighbors[od] == c {
			nd.root.neighbors[od] = NoCell
		}
		if nd.children >= 0 {
			g := t.groups[nd.children]
			if g.neighbors[od] == c {
				g.neighbors[od] = NoCell
			}
		}
	}
}

// Destroy removes c and its subtree. cleanup runs on every destroyed cell
// before it is marked. Same-level neighbors drop their references to c, and
// when c was the last live child its parent's child-group is discarded,
// turning the parent back into a leaf.
func (t *Tree[T]) Destroy(c CellID, cleanup CleanupFunc) {
	if !t.Alive(c) {
		return
	}
	neighbors := t.Neighbors(c)
	level := t.Level(c)

	if cleanup != nil {
		cleanup(c)
	}
	nd := t.nodes[c.slot]
	nd.flags |= FlagDestroyed
	t.live--
	t.profiler.recordDestroy(1)

	if nd.children >= 0 {
		t.destroyGroup(nd.children, cleanup)
	}
	t.detachNeighbors(c, level, neighbors)

	if nd.root != nil {
		t.removeRoot(c)
		t.freeNode(c)
		return
	}
	gi := nd.parent
	g := t.groups[gi]
	if !g.allocated || t.nodes[g.owner.slot].children != gi {
		// the group is already being torn down by destroyGroup
		return
	}
	for _, sibling := range g.cells[:t.dim.Children()] {
		if t.Alive(sibling) {
			return
		}
	}
	t.destroyGroup(gi, nil)
}

// destroyGroup detaches a child-group from its owner, destroys the cells it
// holds and releases their slots.
func (t *Tree[T]) destroyGroup(gi int32, cleanup CleanupFunc) {
	g := t.groups[gi]
	t.nodes[g.owner.slot].children = -1
	cells := g.cells
	for _, child := range cells[:t.dim.Children()] {
		t.Destroy(child, cleanup)
	}
	for _, child := range cells[:t.dim.Children()] {
		if t.exists(child) {
			t.freeNode(child)
		}
	}
	t.freeGroup(gi)
}

// DestroyRoot removes a non-leaf root but keeps its children, each of which
// becomes a root of its own. The returned slice is indexed by child slot and
// holds NoCell for destroyed slots.
func (t *Tree[T]) DestroyRoot(root CellID, cleanup CleanupFunc) []CellID {
	nd := t.get(root)
	if nd.root == nil {
		violation(ErrNotRoot, "destroy root %v", root)
	}
	if nd.children < 0 {
		violation(ErrLeaf, "destroy root %v", root)
	}

	if cleanup != nil {
		cleanup(root)
	}
	neighbors := t.Neighbors(root)
	nd.flags |= FlagDestroyed
	t.live--
	t.detachNeighbors(root, nd.root.level, neighbors)

	gi := nd.children
	g := t.groups[gi]
	type promoted struct {
		id        CellID
		pos       Vector
		level     int
		neighbors [MaxNeighbors]CellID
	}
	var plan []promoted
	out := make([]CellID, t.dim.Children())
	for i, child := range g.cells[:t.dim.Children()] {
		if !t.Alive(child) {
			continue
		}
		plan = append(plan, promoted{
			id:        child,
			pos:       t.Pos(child),
			level:     t.Level(child),
			neighbors: t.neighborsNotCached(child),
		})
		out[i] = child
	}
	for _, p := range plan {
		cn := t.nodes[p.id.slot]
		cn.root = &rootInfo{pos: p.pos, level: p.level, neighbors: p.neighbors}
		cn.parent = -1
		cn.flags &^= FlagID
		t.roots = append(t.roots, p.id)
	}
	for _, child := range g.cells[:t.dim.Children()] {
		if t.exists(child) && !t.Alive(child) {
			t.freeNode(child)
		}
	}
	t.freeGroup(gi)
	nd.children = -1
	t.removeRoot(root)
	t.freeNode(root)
	return out
}

// Flatten destroys every cell of root's subtree that does not touch its face
// in direction d, leaving a domain one cell thick in that direction.
func (t *Tree[T]) Flatten(root CellID, d Direction, cleanup CleanupFunc) {
	if t.IsLeaf(root) {
		return
	}
	for _, c := range t.ChildrenInDirection(root, d.Opposite()) {
		if !c.IsZero() {
			t.Destroy(c, cleanup)
		}
	}
	if !t.Alive(root) || t.IsLeaf(root) {
		return
	}
	for _, c := range t.ChildrenInDirection(root, d) {
		if !c.IsZero() {
			t.Flatten(c, d, cleanup)
		}
	}
}
