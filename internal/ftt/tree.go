// Package ftt implements a fully threaded quadtree/octree: an arena of cells
// addressed by generation-checked handles, cached face neighbors, traversal,
// and structural mutation that keeps neighboring leaves within one level of
// each other.
//
// A Tree is not safe for concurrent mutation. Read-only operations (queries,
// traversal, Write) may run concurrently as long as no goroutine mutates the
// tree at the same time.
package ftt

import (
	"errors"
	"fmt"
	"math"
)

// Flags is the per-cell flag word.
type Flags uint32

const (
	// FlagID masks the index of a cell inside its child-group.
	FlagID Flags = 7
	// FlagDestroyed marks a child slot whose subtree was destroyed.
	FlagDestroyed Flags = 1 << 3
	// FlagLeaf is only meaningful inside serialized streams.
	FlagLeaf Flags = 1 << 4
	// FlagUser is the bit position of the first caller-owned flag.
	FlagUser = 5
	// FlagPermanent is the first caller-owned flag.
	FlagPermanent Flags = 1 << FlagUser
)

const structuralFlags = FlagID | FlagDestroyed | FlagLeaf

var (
	ErrNotLeaf       = errors.New("cell is not a leaf")
	ErrLeaf          = errors.New("cell is a leaf")
	ErrStaleCell     = errors.New("stale or destroyed cell handle")
	ErrNotRoot       = errors.New("cell is not a root")
	ErrLevelMismatch = errors.New("root levels differ")
	ErrNeighborTaken = errors.New("neighbor slot already set")
	ErrDimension     = errors.New("unsupported dimension")
)

// violation aborts on a broken precondition. These are caller defects, not
// recoverable conditions.
func violation(err error, format string, args ...any) {
	panic(fmt.Errorf("ftt: "+format+": %w", append(args, err)...))
}

// CellID is a handle to a cell. The zero value refers to no cell.
type CellID struct {
	slot uint32
	gen  uint32
}

// NoCell is the absent cell.
var NoCell CellID

// IsZero reports whether c refers to no cell.
func (c CellID) IsZero() bool {
	return c.gen == 0
}

func (c CellID) String() string {
	if c.IsZero() {
		return "cell(none)"
	}
	return fmt.Sprintf("cell(%d#%d)", c.slot, c.gen)
}

type (
	// InitFunc is called on every newly created cell.
	InitFunc func(c CellID)
	// CleanupFunc is called on a cell before it is destroyed.
	CleanupFunc func(c CellID)
	// RefineFunc decides whether a leaf should be split.
	RefineFunc func(c CellID) bool
	// CoarsenFunc decides whether a cell may become a leaf.
	CoarsenFunc func(c CellID) bool
	// CopyFunc copies caller state between a source cell and its copy.
	CopyFunc func(from, to CellID)
	// VisitFunc is called for every visited cell. It may mutate the tree.
	VisitFunc func(c CellID)
)

type rootInfo struct {
	pos       Vector
	level     int
	neighbors [MaxNeighbors]CellID
}

type node[T any] struct {
	gen       uint32
	allocated bool
	flags     Flags
	parent    int32
	children  int32
	root      *rootInfo
	data      T
}

type group struct {
	allocated bool
	owner     CellID
	level     int
	pos       Vector
	neighbors [MaxNeighbors]CellID
	cells     [MaxChildren]CellID
}

// Tree is an arena holding one or more root cells and their descendants.
// T is the per-cell payload owned by each cell.
type Tree[T any] struct {
	dim        Dim
	nodes      []*node[T]
	groups     []*group
	freeNodes  []uint32
	freeGroups []int32
	roots      []CellID
	live       int
	profiler   profilerHook
}

// New returns an empty tree of the given dimension.
func New[T any](dim Dim) *Tree[T] {
	if !dim.valid() {
		violation(ErrDimension, "new tree with dimension %d", int(dim))
	}
	return &Tree[T]{dim: dim}
}

// Dim returns the tree dimension.
func (t *Tree[T]) Dim() Dim {
	return t.dim
}

// Len returns the number of live cells across all roots.
func (t *Tree[T]) Len() int {
	return t.live
}

// Roots returns the live root cells in creation order.
func (t *Tree[T]) Roots() []CellID {
	return append([]CellID(nil), t.roots...)
}

// NewRoot allocates a standalone root cell at level 0 centred on the origin.
func (t *Tree[T]) NewRoot(init InitFunc) CellID {
	c := t.allocNode(0, -1)
	t.nodes[c.slot].root = &rootInfo{}
	t.roots = append(t.roots, c)
	if init != nil {
		init(c)
	}
	return c
}

func (t *Tree[T]) allocNode(flags Flags, parent int32) CellID {
	var slot uint32
	if n := len(t.freeNodes); n > 0 {
		slot = t.freeNodes[n-1]
		t.freeNodes = t.freeNodes[:n-1]
	} else {
		slot = uint32(len(t.nodes))
		t.nodes = append(t.nodes, &node[T]{})
	}
	nd := t.nodes[slot]
	if nd.gen == 0 {
		nd.gen = 1
	}
	nd.allocated = true
	nd.flags = flags
	nd.parent = parent
	nd.children = -1
	nd.root = nil
	t.live++
	return CellID{slot: slot, gen: nd.gen}
}

func (t *Tree[T]) freeNode(c CellID) {
	nd := t.nodes[c.slot]
	if nd.flags&FlagDestroyed == 0 {
		t.live--
	}
	var zero T
	nd.data = zero
	nd.allocated = false
	nd.root = nil
	nd.children = -1
	nd.parent = -1
	nd.gen++
	if nd.gen == math.MaxUint32 {
		nd.gen = 1
	}
	t.freeNodes = append(t.freeNodes, c.slot)
}

func (t *Tree[T]) allocGroup() int32 {
	if n := len(t.freeGroups); n > 0 {
		idx := t.freeGroups[n-1]
		t.freeGroups = t.freeGroups[:n-1]
		*t.groups[idx] = group{allocated: true}
		return idx
	}
	t.groups = append(t.groups, &group{allocated: true})
	return int32(len(t.groups) - 1)
}

func (t *Tree[T]) freeGroup(idx int32) {
	*t.groups[idx] = group{}
	t.freeGroups = append(t.freeGroups, idx)
}

// exists reports whether the handle refers to an allocated slot, destroyed or not.
func (t *Tree[T]) exists(c CellID) bool {
	if c.gen == 0 || int(c.slot) >= len(t.nodes) {
		return false
	}
	nd := t.nodes[c.slot]
	return nd.allocated && nd.gen == c.gen
}

// Alive reports whether c refers to a live, non-destroyed cell.
func (t *Tree[T]) Alive(c CellID) bool {
	return t.exists(c) && t.nodes[c.slot].flags&FlagDestroyed == 0
}

func (t *Tree[T]) get(c CellID) *node[T] {
	if !t.Alive(c) {
		violation(ErrStaleCell, "access %v", c)
	}
	return t.nodes[c.slot]
}

// liveOrNone maps handles that no longer refer to a live cell to NoCell.
func (t *Tree[T]) liveOrNone(c CellID) CellID {
	if t.Alive(c) {
		return c
	}
	return NoCell
}

// Data returns the payload slot of c. The pointer stays valid until c is destroyed.
func (t *Tree[T]) Data(c CellID) *T {
	return &t.get(c).data
}

// Flags returns the flag word of c.
func (t *Tree[T]) Flags(c CellID) Flags {
	return t.get(c).flags
}

// SetUserFlags replaces the caller-owned flag bits of c.
func (t *Tree[T]) SetUserFlags(c CellID, flags Flags) {
	nd := t.get(c)
	nd.flags = nd.flags&structuralFlags | flags&^structuralFlags
}

// IsLeaf reports whether c has no child-group.
func (t *Tree[T]) IsLeaf(c CellID) bool {
	return t.get(c).children < 0
}

// IsRoot reports whether c is the root of a tree.
func (t *Tree[T]) IsRoot(c CellID) bool {
	return t.get(c).root != nil
}

// ChildIndex returns the slot of c inside its parent's child-group.
func (t *Tree[T]) ChildIndex(c CellID) int {
	return int(t.get(c).flags & FlagID)
}

// Parent returns the parent of c, or NoCell for a root.
func (t *Tree[T]) Parent(c CellID) CellID {
	nd := t.get(c)
	if nd.root != nil {
		return NoCell
	}
	return t.groups[nd.parent].owner
}

// Level returns the depth of c below level zero.
func (t *Tree[T]) Level(c CellID) int {
	nd := t.get(c)
	if nd.root != nil {
		return nd.root.level
	}
	return t.groups[nd.parent].level + 1
}

// LevelSize returns the edge length of a cell at the given level.
func LevelSize(level int) float64 {
	return math.Ldexp(1, -level)
}

// Size returns the edge length of c.
func (t *Tree[T]) Size(c CellID) float64 {
	return LevelSize(t.Level(c))
}

// Volume returns the area (2-D) or volume (3-D) of c.
func (t *Tree[T]) Volume(c CellID) float64 {
	s := t.Size(c)
	if t.dim == Dim3 {
		return s * s * s
	}
	return s * s
}

func (t *Tree[T]) childOffset(id int) Vector {
	v := childCoords[id]
	if t.dim == Dim2 {
		v.Z = 0
	}
	return v
}

// Pos returns the centre of c.
func (t *Tree[T]) Pos(c CellID) Vector {
	nd := t.get(c)
	if nd.root != nil {
		return nd.root.pos
	}
	g := t.groups[nd.parent]
	return g.pos.add(t.childOffset(int(nd.flags&FlagID)), LevelSize(g.level+1)/2)
}

// RelativePos returns the centre of a non-root cell relative to its parent
// centre, in units of the parent size.
func (t *Tree[T]) RelativePos(c CellID) Vector {
	if t.IsRoot(c) {
		violation(ErrNotRoot, "relative position of root %v", c)
	}
	return Vector{}.add(t.childOffset(t.ChildIndex(c)), 0.25)
}

// Bounds returns the extent of c.
func (t *Tree[T]) Bounds(c CellID) Box {
	p := t.Pos(c)
	h := t.Size(c) / 2
	b := Box{
		Min: Vector{X: p.X - h, Y: p.Y - h, Z: p.Z - h},
		Max: Vector{X: p.X + h, Y: p.Y + h, Z: p.Z + h},
	}
	if t.dim == Dim2 {
		b.Min.Z, b.Max.Z = p.Z, p.Z
	}
	return b
}

// Children returns the child slots of a non-leaf cell; destroyed slots are NoCell.
func (t *Tree[T]) Children(c CellID) []CellID {
	nd := t.get(c)
	if nd.children < 0 {
		violation(ErrLeaf, "children of %v", c)
	}
	g := t.groups[nd.children]
	out := make([]CellID, t.dim.Children())
	for i := range out {
		out[i] = t.liveOrNone(g.cells[i])
	}
	return out
}

// ChildrenInDirection returns the children of c touching its face in direction d.
func (t *Tree[T]) ChildrenInDirection(c CellID, d Direction) []CellID {
	nd := t.get(c)
	if nd.children < 0 {
		violation(ErrLeaf, "children of %v in direction %v", c, d)
	}
	g := t.groups[nd.children]
	idx := t.dim.childrenInDirection(d)
	out := make([]CellID, len(idx))
	for i, n := range idx {
		out[i] = t.liveOrNone(g.cells[n])
	}
	return out
}

// ChildCorner returns the child of c in the corner defined by one direction
// per axis (two in 2-D, three in 3-D).
func (t *Tree[T]) ChildCorner(c CellID, dirs ...Direction) CellID {
	nd := t.get(c)
	if nd.children < 0 {
		violation(ErrLeaf, "child corner of %v", c)
	}
	if len(dirs) != int(t.dim) {
		panic(fmt.Sprintf("ftt: child corner needs %d directions, got %d", int(t.dim), len(dirs)))
	}
	for n := 0; n < t.dim.Children(); n++ {
		off := t.childOffset(n)
		match := true
		for _, d := range dirs {
			if off.Component(d.Component())*faceCoords[d].Component(d.Component()) <= 0 {
				match = false
				break
			}
		}
		if match {
			return t.liveOrNone(t.groups[nd.children].cells[n])
		}
	}
	panic(fmt.Sprintf("ftt: directions %v do not define a corner", dirs))
}

// Depth returns the deepest level of any cell below root.
func (t *Tree[T]) Depth(root CellID) int {
	depth := t.Level(root)
	nd := t.get(root)
	if nd.children < 0 {
		return depth
	}
	for _, child := range t.groups[nd.children].cells[:t.dim.Children()] {
		if t.Alive(child) {
			if d := t.Depth(child); d > depth {
				depth = d
			}
		}
	}
	return depth
}

// ForestDepth returns the deepest level over every root.
func (t *Tree[T]) ForestDepth() int {
	depth := 0
	for _, r := range t.roots {
		if d := t.Depth(r); d > depth {
			depth = d
		}
	}
	return depth
}

// RelativeLevel returns the level of c relative to its shallowest leaf
// descendant, or zero for a leaf.
func (t *Tree[T]) RelativeLevel(c CellID) int {
	nd := t.get(c)
	if nd.children < 0 {
		return 0
	}
	level := math.MaxInt32
	for _, child := range t.groups[nd.children].cells[:t.dim.Children()] {
		if level == 0 {
			break
		}
		if t.Alive(child) {
			if l := t.RelativeLevel(child); l < level {
				level = l
			}
		}
	}
	return level + 1
}

// SetPos moves a root, and with it every descendant.
func (t *Tree[T]) SetPos(root CellID, pos Vector) {
	nd := t.get(root)
	if nd.root == nil {
		violation(ErrNotRoot, "set position of %v", root)
	}
	nd.root.pos = pos
	t.updateGroups(root)
}

// SetLevel changes the level of a root, and with it every descendant.
func (t *Tree[T]) SetLevel(root CellID, level int) {
	nd := t.get(root)
	if nd.root == nil {
		violation(ErrNotRoot, "set level of %v", root)
	}
	nd.root.level = level
	t.updateGroups(root)
}

func (t *Tree[T]) updateGroups(c CellID) {
	nd := t.get(c)
	if nd.children < 0 {
		return
	}
	g := t.groups[nd.children]
	g.pos = t.Pos(c)
	g.level = t.Level(c)
	for _, child := range g.cells[:t.dim.Children()] {
		if t.Alive(child) {
			t.updateGroups(child)
		}
	}
}

func (t *Tree[T]) removeRoot(c CellID) {
	for i, r := range t.roots {
		if r == c {
			t.roots = append(t.roots[:i], t.roots[i+1:]...)
			return
		}
	}
}
