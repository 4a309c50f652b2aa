package session

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amrtree/internal/adapt"
	"amrtree/internal/config"
	"amrtree/internal/ftt"
	"amrtree/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tree.RootsX = 2
	cfg.Tree.InitialLevel = 2
	cfg.Tracer.Centre = config.Vec{X: 0.1, Y: 0.1}
	cfg.Tracer.Width = 0.08
	cfg.Adapt.Criteria[0].MaxLevel = 5
	cfg.Store.CheckpointEvery = 0
	return cfg
}

type leafState struct {
	Pos   ftt.Vector
	Level int
	Value float64
}

func leaves(s *Session) []leafState {
	var out []leafState
	tree := s.Tree()
	for _, root := range s.Roots() {
		tree.Traverse(root, ftt.PreOrder, ftt.TraverseLeafs, -1, func(c ftt.CellID) {
			out = append(out, leafState{Pos: tree.Pos(c), Level: tree.Level(c), Value: tree.Data(c).Value})
		})
	}
	return out
}

func TestNewBuildsJoinedBlock(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	tree := s.Tree()
	roots := s.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, 42, tree.Len())
	assert.Equal(t, roots[1], tree.Neighbor(roots[0], ftt.Right))
	assert.Equal(t, roots[0], tree.Neighbor(roots[1], ftt.Left))
	assert.Equal(t, []store.Link{{From: 0, To: 1, Dir: ftt.Right}}, s.Links())
	assert.Equal(t, ftt.Vector{X: 1}, tree.Pos(roots[1]))
	assert.NoError(t, tree.Check())

	// Leaves across the join see each other.
	edge := tree.ChildCorner(tree.ChildCorner(roots[0], ftt.Right, ftt.Top), ftt.Right, ftt.Top)
	across := tree.Neighbor(edge, ftt.Right)
	require.False(t, across.IsZero())
	assert.InDelta(t, 1-0.375, tree.Pos(across).X, 1e-12)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Tree.Dim = 5
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewSamplesTracer(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	peak, ok := s.Tree().LocateForest(ftt.Vector{X: 0.1, Y: 0.1}, -1)
	require.True(t, ok)
	far, ok := s.Tree().LocateForest(ftt.Vector{X: 1.4, Y: -0.4}, -1)
	require.True(t, ok)
	assert.Greater(t, s.Tree().Data(peak).Value, 0.1)
	assert.Less(t, s.Tree().Data(far).Value, 1e-6)
}

func TestStepRefinesAroundTracer(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	report, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Adapted)
	assert.Equal(t, int64(1), report.Step)
	assert.Equal(t, s.Tree().Len(), report.Cells)
	assert.Equal(t, uuid.Nil, report.Checkpoint)

	// The gradient vanishes at the flat peak, so refinement lands on the
	// flanks of the tracer rather than on the cell holding its centre.
	flank, ok := s.Tree().LocateForest(ftt.Vector{X: s.Centre().X + 0.25, Y: s.Centre().Y}, -1)
	require.True(t, ok)
	assert.Greater(t, s.Tree().Level(flank), 2)
	near := 0
	for _, l := range leaves(s) {
		if l.Level > 2 && math.Hypot(l.Pos.X-s.Centre().X, l.Pos.Y-s.Centre().Y) < 0.5 {
			near++
		}
	}
	assert.GreaterOrEqual(t, near, 4)
	assert.NoError(t, s.Tree().Check())
	assert.NoError(t, s.Tree().CheckBalance())
	assert.Positive(t, s.Structure().Refines)
	assert.Equal(t, 1, s.Stats().NCells.Count)
}

func TestStepHonoursCriterionPeriod(t *testing.T) {
	cfg := testConfig()
	cfg.Adapt.Criteria[0].Period = 2
	s, err := New(cfg)
	require.NoError(t, err)

	report, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Adapted)
	assert.Equal(t, 42, report.Cells)

	report, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Adapted)
}

func TestStepStopsOnCancelledContext(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), s.StepCount())
}

func TestPeriodicCheckpoints(t *testing.T) {
	cfg := testConfig()
	cfg.Store.CheckpointEvery = 2
	cfg.Run.Steps = 5
	st := store.NewMemoryStore()
	s, err := New(cfg, WithStore(st))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(5), s.StepCount())

	var steps []int64
	require.NoError(t, st.ForEach(func(snap store.Snapshot) bool {
		steps = append(steps, snap.Step)
		assert.Len(t, snap.Roots, 2)
		return true
	}))
	assert.Equal(t, []int64{2, 4}, steps)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	var metrics adapt.PassMetrics
	s, err := New(cfg, WithStore(st), WithRecorder(&metrics))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), metrics.Snapshot().Passes)

	snap, err := s.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.Tree().Len(), snap.Cells)
	assert.Equal(t, int64(3), snap.Step)

	restored, err := Restore(context.Background(), st, snap.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, s.StepCount(), restored.StepCount())
	assert.Equal(t, s.Tree().Len(), restored.Tree().Len())
	assert.Equal(t, s.Links(), restored.Links())
	assert.Equal(t, leaves(s), leaves(restored))
	assert.InDelta(t, s.Centre().X, restored.Centre().X, 1e-12)
	assert.NoError(t, restored.Tree().Check())

	roots := restored.Roots()
	assert.Equal(t, roots[1], restored.Tree().Neighbor(roots[0], ftt.Right))

	// Both sessions continue identically.
	a, err := s.Step(context.Background())
	require.NoError(t, err)
	b, err := restored.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Cells, b.Cells)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	_, err := Restore(context.Background(), store.NewMemoryStore(), uuid.New(), testConfig())
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestOctreeSession(t *testing.T) {
	cfg := testConfig()
	cfg.Tree.Dim = 3
	cfg.Tree.RootsX, cfg.Tree.RootsY, cfg.Tree.RootsZ = 1, 1, 2
	cfg.Tree.InitialLevel = 1
	cfg.Tracer.Centre = config.Vec{X: 0.1, Y: 0.1, Z: 0.4}
	cfg.Adapt.Criteria[0].MaxLevel = 3
	s, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 18, s.Tree().Len())
	assert.Equal(t, []store.Link{{From: 0, To: 1, Dir: ftt.Front}}, s.Links())

	_, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.NoError(t, s.Tree().Check())
	assert.NoError(t, s.Tree().CheckBalance())
}

func TestBuildCriteriaFromConfig(t *testing.T) {
	tree := ftt.New[Cell](ftt.Dim2)
	list := buildCriteria(tree, []config.CriterionConfig{
		{Name: "g", Kind: config.KindGradient, MaxLevel: 4},
		{Name: "box", Kind: config.KindNotBox, Weight: 2, MaxCells: 100, CMax: 0.5, Period: 3,
			Box: &config.BoxConfig{Max: config.Vec{X: 1, Y: 1}}},
	})
	require.Len(t, list, 2)

	g := list[0].criterion
	assert.Equal(t, adapt.DefaultWeight, int(g.Weight))
	assert.Equal(t, 4, g.MaxLevel(ftt.NoCell))
	assert.Greater(t, g.MaxCells, 1<<30)

	box := list[1].criterion
	assert.Equal(t, 2.0, box.Weight)
	assert.Equal(t, 100, box.MaxCells)
	assert.Equal(t, 0.5, box.CMax)
	assert.Equal(t, 3, list[1].period)
}
