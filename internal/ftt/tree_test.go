package ftt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Value float64 `cbor:"value"`
}

func uniform(dim Dim, level int) (*Tree[sample], CellID) {
	tree := New[sample](dim)
	root := tree.NewRoot(nil)
	tree.Refine(root, func(c CellID) bool { return tree.Level(c) < level }, nil)
	return tree, root
}

func requireViolation(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, target), "got %v, want %v", err, target)
	}()
	fn()
}

func TestNewRootGeometry(t *testing.T) {
	tree := New[sample](Dim2)
	root := tree.NewRoot(nil)

	assert.Equal(t, 1, tree.Len())
	assert.True(t, tree.IsRoot(root))
	assert.True(t, tree.IsLeaf(root))
	assert.Equal(t, 0, tree.Level(root))
	assert.Equal(t, 1.0, tree.Size(root))
	assert.Equal(t, 1.0, tree.Volume(root))
	assert.Equal(t, Vector{}, tree.Pos(root))
	assert.Equal(t, NoCell, tree.Parent(root))
}

func TestRefineSingleCreatesChildren(t *testing.T) {
	tree := New[sample](Dim2)
	root := tree.NewRoot(nil)
	var created []CellID
	tree.RefineSingle(root, func(c CellID) { created = append(created, c) })

	require.Len(t, created, 4)
	assert.Equal(t, 5, tree.Len())
	assert.False(t, tree.IsLeaf(root))

	children := tree.Children(root)
	assert.Equal(t, created, children)
	assert.Equal(t, Vector{X: -0.25, Y: 0.25}, tree.Pos(children[0]))
	assert.Equal(t, Vector{X: 0.25, Y: -0.25}, tree.Pos(children[3]))
	for i, c := range children {
		assert.Equal(t, i, tree.ChildIndex(c))
		assert.Equal(t, root, tree.Parent(c))
		assert.Equal(t, 1, tree.Level(c))
		assert.Equal(t, 0.25, tree.Volume(c))
	}
	assert.Equal(t, Vector{X: 0.25, Y: 0.25}, tree.RelativePos(children[1]))
	assert.Equal(t, children[1], tree.ChildCorner(root, Right, Top))
	assert.Equal(t, children[2], tree.ChildCorner(root, Left, Bottom))
	assert.Equal(t, []CellID{children[1], children[3]}, tree.ChildrenInDirection(root, Right))
}

func TestOctreeChildren(t *testing.T) {
	tree, root := uniform(Dim3, 1)

	assert.Equal(t, 9, tree.Len())
	assert.Equal(t, 0.125, tree.Volume(tree.Children(root)[0]))
	assert.Len(t, tree.ChildrenInDirection(root, Front), 4)
	assert.Equal(t, Vector{X: 0.25, Y: -0.25, Z: -0.25}, tree.Pos(tree.ChildCorner(root, Right, Bottom, Back)))
	require.NoError(t, tree.Check())
}

func TestRefineCascades(t *testing.T) {
	tree, root := uniform(Dim2, 2)

	assert.Equal(t, 21, tree.Len())
	assert.Equal(t, 2, tree.Depth(root))
	assert.Equal(t, 2, tree.RelativeLevel(root))
	require.NoError(t, tree.Check())
}

func TestRefineSplitsCoarserNeighbors(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	children := tree.Children(root)
	tree.RefineSingle(children[1], nil)
	gc := tree.Children(children[1])[0]

	tree.RefineSingle(gc, nil)

	assert.False(t, tree.IsLeaf(children[0]), "left neighbor two levels coarser must be split")
	assert.True(t, tree.IsLeaf(children[2]))
	assert.Equal(t, 3, tree.Depth(root))
	require.NoError(t, tree.Check())
}

func TestNeighborsOfSiblings(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	children := tree.Children(root)

	assert.Equal(t, children[1], tree.Neighbor(children[0], Right))
	assert.Equal(t, children[2], tree.Neighbor(children[0], Bottom))
	assert.Equal(t, NoCell, tree.Neighbor(children[0], Left))
	assert.Equal(t, NoCell, tree.Neighbor(children[0], Top))
	assert.True(t, tree.NeighborIsSibling(children[0], Right))
	assert.False(t, tree.NeighborIsSibling(children[0], Left))
}

func TestRefinePreconditions(t *testing.T) {
	tree, root := uniform(Dim2, 1)

	requireViolation(t, ErrNotLeaf, func() { tree.RefineSingle(root, nil) })
	requireViolation(t, ErrLeaf, func() { tree.Children(tree.Children(root)[0]) })
	requireViolation(t, ErrNotRoot, func() { tree.SetPos(tree.Children(root)[0], Vector{}) })
	requireViolation(t, ErrDimension, func() { New[sample](Dim(4)) })
}

func TestDestroyLastChildRestoresLeaf(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	children := tree.Children(root)
	var cleaned int

	for i, c := range children {
		tree.Destroy(c, func(CellID) { cleaned++ })
		if i < len(children)-1 {
			assert.False(t, tree.IsLeaf(root))
		}
	}

	assert.Equal(t, 4, cleaned)
	assert.True(t, tree.IsLeaf(root))
	assert.Equal(t, 1, tree.Len())
	for _, c := range children {
		assert.False(t, tree.Alive(c))
	}
	requireViolation(t, ErrStaleCell, func() { tree.Level(children[0]) })
}

func TestDestroyDetachesNeighbors(t *testing.T) {
	tree, root := uniform(Dim2, 2)
	children := tree.Children(root)

	tree.Destroy(children[1], nil)

	assert.Equal(t, NoCell, tree.Neighbor(children[0], Right))
	assert.Equal(t, NoCell, tree.Neighbor(tree.Children(children[0])[1], Right))
	assert.Equal(t, NoCell, tree.Children(root)[1])
	assert.Equal(t, 16, tree.Len())
	require.NoError(t, tree.Check())
}

func TestDestroyRootPromotesChildren(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	children := tree.Children(root)
	positions := make([]Vector, len(children))
	for i, c := range children {
		positions[i] = tree.Pos(c)
	}

	promoted := tree.DestroyRoot(root, nil)

	require.Equal(t, children, promoted)
	assert.False(t, tree.Alive(root))
	assert.ElementsMatch(t, children, tree.Roots())
	assert.Equal(t, 4, tree.Len())
	for i, c := range children {
		assert.True(t, tree.IsRoot(c))
		assert.Equal(t, 1, tree.Level(c))
		assert.Equal(t, positions[i], tree.Pos(c))
	}
	assert.Equal(t, children[1], tree.Neighbor(children[0], Right))
	assert.Equal(t, children[0], tree.Neighbor(children[1], Left))
	require.NoError(t, tree.Check())

	requireViolation(t, ErrLeaf, func() { tree.DestroyRoot(children[0], nil) })
}

func TestFlattenKeepsOneLayer(t *testing.T) {
	tree, root := uniform(Dim2, 2)

	tree.Flatten(root, Bottom, nil)

	var leaves int
	tree.Traverse(root, PreOrder, TraverseLeafs, -1, func(c CellID) {
		leaves++
		assert.InDelta(t, -0.375, tree.Pos(c).Y, 1e-12)
	})
	assert.Equal(t, 4, leaves)
}

func TestSetPosAndLevelMoveDescendants(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	child := tree.Children(root)[1]

	tree.SetPos(root, Vector{X: 1, Y: 1})
	assert.Equal(t, Vector{X: 1.25, Y: 1.25}, tree.Pos(child))

	tree.SetLevel(root, 1)
	assert.Equal(t, 2, tree.Level(child))
	assert.Equal(t, Vector{X: 1.125, Y: 1.125}, tree.Pos(child))
}

func TestUserFlagsSurviveStructuralBits(t *testing.T) {
	tree, root := uniform(Dim2, 1)
	child := tree.Children(root)[3]

	tree.SetUserFlags(child, FlagPermanent|FlagID)

	assert.Equal(t, 3, tree.ChildIndex(child))
	assert.NotZero(t, tree.Flags(child)&FlagPermanent)
}

func TestLocate(t *testing.T) {
	tree, root := uniform(Dim2, 2)

	c, ok := tree.Locate(root, Vector{X: 0.3, Y: 0.3}, -1)
	require.True(t, ok)
	assert.Equal(t, 2, tree.Level(c))
	assert.Equal(t, Vector{X: 0.375, Y: 0.375}, tree.Pos(c))

	c, ok = tree.Locate(root, Vector{X: 0.3, Y: 0.3}, 1)
	require.True(t, ok)
	assert.Equal(t, 1, tree.Level(c))

	_, ok = tree.Locate(root, Vector{X: 0.5, Y: 0.5}, -1)
	assert.True(t, ok, "boundary points are inside")

	_, ok = tree.Locate(root, Vector{X: 0.6, Y: 0}, -1)
	assert.False(t, ok)

	c, ok = tree.LocateForest(Vector{X: -0.4, Y: -0.4}, -1)
	require.True(t, ok)
	assert.Equal(t, Vector{X: -0.375, Y: -0.375}, tree.Pos(c))
}

func TestCopyDuplicatesSubtree(t *testing.T) {
	tree, root := uniform(Dim2, 2)
	tree.Traverse(root, PreOrder, TraverseAll, -1, func(c CellID) {
		tree.Data(c).Value = float64(tree.Level(c))
	})

	dup := tree.Copy(root, nil)

	assert.Equal(t, 42, tree.Len())
	assert.True(t, tree.IsRoot(dup))
	assert.Equal(t, tree.Depth(root), tree.Depth(dup))
	assert.Equal(t, NoCell, tree.Neighbor(dup, Right))
	tree.Traverse(dup, PreOrder, TraverseAll, -1, func(c CellID) {
		assert.Equal(t, float64(tree.Level(c)), tree.Data(c).Value)
	})

	var pairs int
	tree.Copy(tree.Children(root)[0], func(from, to CellID) {
		pairs++
		assert.Equal(t, tree.Level(from), tree.Level(to))
	})
	assert.Equal(t, 5, pairs)
	require.NoError(t, tree.Check())
}

func TestProfilerCountsEdits(t *testing.T) {
	var metrics Metrics
	tree := New[sample](Dim2)
	tree.SetProfiler(metrics.Profiler())
	root := tree.NewRoot(nil)

	tree.RefineSingle(root, nil)
	tree.Destroy(tree.Children(root)[0], nil)
	require.True(t, tree.Coarsen(root, func(CellID) bool { return true }, nil))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Refines)
	assert.Equal(t, int64(4), snap.Created)
	assert.Equal(t, int64(1), snap.Destroyed)
	assert.Equal(t, int64(1), snap.Coarsens)
	assert.Equal(t, int64(3), snap.Removed)

	metrics.Reset()
	assert.Equal(t, MetricsSnapshot{}, metrics.Snapshot())
}
