package ftt

// Copy duplicates the subtree of root as a new detached root with the same
// position and level. Flags are preserved; cp is called for every
// (source, duplicate) pair in pre-order. A nil cp assigns payloads by value.
// The duplicate has no neighbors outside itself.
func (t *Tree[T]) Copy(root CellID, cp CopyFunc) CellID {
	src := t.get(root)
	dup := t.allocNode(0, -1)
	dn := t.nodes[dup.slot]
	dn.root = &rootInfo{pos: t.Pos(root), level: t.Level(root)}
	dn.flags = src.flags &^ (FlagID | FlagDestroyed)
	t.roots = append(t.roots, dup)
	t.copyCell(root, dup, cp)
	return dup
}

func (t *Tree[T]) copyCell(from, to CellID, cp CopyFunc) {
	if cp != nil {
		cp(from, to)
	} else {
		t.nodes[to.slot].data = t.nodes[from.slot].data
	}
	if t.IsLeaf(from) {
		return
	}
	src := t.allChildren(from)
	t.newGroup(to, false, nil)
	dst := t.allChildren(to)
	for i, child := range src {
		if !t.Alive(child) {
			t.destroyCopySlot(dst[i])
			continue
		}
		dn := t.nodes[dst[i].slot]
		dn.flags = dn.flags&FlagID | t.nodes[child.slot].flags&^(FlagID|FlagDestroyed)
		t.copyCell(child, dst[i], cp)
	}
}

// destroyCopySlot marks a duplicate child as destroyed without collapsing
// its group, mirroring a destroyed slot of the source.
func (t *Tree[T]) destroyCopySlot(c CellID) {
	t.nodes[c.slot].flags |= FlagDestroyed
	t.live--
}
