// Package session drives an adaptive forest through time: a Gaussian tracer
// is advected across a block of joined roots, the mesh is adapted to it after
// every step and checkpoints are written to a snapshot store.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"amrtree/internal/adapt"
	"amrtree/internal/config"
	"amrtree/internal/ftt"
	"amrtree/internal/store"
)

// ErrSnapshotNotFound is returned by Restore for an unknown snapshot id.
var ErrSnapshotNotFound = errors.New("session: snapshot not found")

// Cell is the payload carried by every tree cell.
type Cell struct {
	Value float64 `cbor:"value" json:"value"`
}

func cellValue(c *Cell) float64 { return c.Value }

type scheduled struct {
	criterion *adapt.Criterion
	period    int
}

type options struct {
	store    store.Store
	logger   zerolog.Logger
	recorder adapt.Recorder
}

// Option configures a Session.
type Option func(*options)

// WithStore sets the store checkpoints are written to.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRecorder sets the recorder that receives adaptation pass reports.
func WithRecorder(r adapt.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// Session owns a forest and the criteria that adapt it.
type Session struct {
	cfg      *config.Config
	tree     *ftt.Tree[Cell]
	roots    []ftt.CellID
	links    []store.Link
	criteria []scheduled
	engine   *adapt.Engine[Cell]
	store    store.Store
	logger   zerolog.Logger
	metrics  ftt.Metrics
	stats    adapt.Stats
	step     int64
	centre   ftt.Vector
}

// StepReport summarises one call to Step.
type StepReport struct {
	Step       int64
	Cells      int
	Adapted    bool
	Elapsed    time.Duration
	Checkpoint uuid.UUID
}

// New builds the root block described by cfg, refines it uniformly to the
// initial level and samples the tracer on it.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s := newSession(cfg, ftt.Dim(cfg.Tree.Dim), opts)

	nx, ny, nz := cfg.Tree.RootsX, cfg.Tree.RootsY, 1
	if s.tree.Dim() == ftt.Dim3 {
		nz = cfg.Tree.RootsZ
	}
	index := func(i, j, k int) int { return i + nx*(j+ny*k) }
	s.roots = make([]ftt.CellID, nx*ny*nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				root := s.tree.NewRoot(nil)
				s.tree.SetPos(root, ftt.Vector{X: float64(i), Y: float64(j), Z: float64(k)})
				s.roots[index(i, j, k)] = root
			}
		}
	}
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				from := index(i, j, k)
				if i+1 < nx {
					s.join(from, index(i+1, j, k), ftt.Right)
				}
				if j+1 < ny {
					s.join(from, index(i, j+1, k), ftt.Top)
				}
				if k+1 < nz {
					s.join(from, index(i, j, k+1), ftt.Front)
				}
			}
		}
	}

	level := cfg.Tree.InitialLevel
	for _, root := range s.roots {
		s.tree.Refine(root, func(c ftt.CellID) bool { return s.tree.Level(c) < level }, nil)
	}
	s.sample()

	s.logger.Info().
		Int("dim", cfg.Tree.Dim).
		Int("roots", len(s.roots)).
		Int("cells", s.tree.Len()).
		Int("criteria", len(s.criteria)).
		Msg("session created")
	return s, nil
}

func newSession(cfg *config.Config, dim ftt.Dim, opts []Option) *Session {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{
		cfg:    cfg,
		tree:   ftt.New[Cell](dim),
		store:  o.store,
		logger: o.logger,
		centre: vec(cfg.Tracer.Centre),
	}
	s.tree.SetProfiler(s.metrics.Profiler())
	s.criteria = buildCriteria(s.tree, cfg.Adapt.Criteria)

	engineOpts := []adapt.Option{
		adapt.WithInit(s.sampleCell),
		adapt.WithCoarseInit(s.restrict),
		adapt.WithLogger(o.logger),
	}
	if o.recorder != nil {
		engineOpts = append(engineOpts, adapt.WithRecorder(o.recorder))
	}
	s.engine = adapt.NewEngine(s.tree, engineOpts...)
	return s
}

func (s *Session) join(from, to int, d ftt.Direction) {
	if s.cfg.Tree.Match {
		s.tree.SetNeighborMatch(s.roots[from], s.roots[to], d, s.sampleCell)
	} else {
		s.tree.SetNeighbor(s.roots[from], s.roots[to], d, s.sampleCell)
	}
	s.links = append(s.links, store.Link{From: from, To: to, Dir: d})
}

func vec(v config.Vec) ftt.Vector {
	return ftt.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

func buildCriteria(tree *ftt.Tree[Cell], list []config.CriterionConfig) []scheduled {
	out := make([]scheduled, 0, len(list))
	for _, cc := range list {
		var cost adapt.CostFunc
		switch cc.Kind {
		case config.KindGradient:
			cost = adapt.Gradient(tree, cellValue)
		case config.KindCurvature:
			cost = adapt.Curvature(tree, cellValue)
		case config.KindNotBox:
			cost = adapt.NotBox(tree, ftt.Box{Min: vec(cc.Box.Min), Max: vec(cc.Box.Max)})
		case config.KindUniform:
			cost = adapt.FuncCost(tree, func(ftt.Vector) float64 { return 1 })
		}
		cr := adapt.NewCriterion(cc.Name, cost)
		if cc.Weight != 0 {
			cr.Weight = cc.Weight
		}
		cr.MinLevel = adapt.ConstLevel(cc.MinLevel)
		cr.MaxLevel = adapt.ConstLevel(cc.MaxLevel)
		cr.MinCells = cc.MinCells
		if cc.MaxCells > 0 {
			cr.MaxCells = cc.MaxCells
		}
		cr.CMax = cc.CMax
		out = append(out, scheduled{criterion: cr, period: cc.Period})
	}
	return out
}

// tracer evaluates the Gaussian tracer at p.
func (s *Session) tracer(p ftt.Vector) float64 {
	dx, dy := p.X-s.centre.X, p.Y-s.centre.Y
	r2 := dx*dx + dy*dy
	if s.tree.Dim() == ftt.Dim3 {
		dz := p.Z - s.centre.Z
		r2 += dz * dz
	}
	w := s.cfg.Tracer.Width
	return s.cfg.Tracer.Amplitude * math.Exp(-r2/(2*w*w))
}

// centreAt returns the tracer centre after step steps.
func (s *Session) centreAt(step int64) ftt.Vector {
	c, v, n := s.cfg.Tracer.Centre, s.cfg.Tracer.Velocity, float64(step)
	return ftt.Vector{X: c.X + v.X*n, Y: c.Y + v.Y*n, Z: c.Z + v.Z*n}
}

func (s *Session) sampleCell(c ftt.CellID) {
	s.tree.Data(c).Value = s.tracer(s.tree.Pos(c))
}

func (s *Session) sample() {
	s.tree.TraverseForest(ftt.PreOrder, ftt.TraverseLeafs, -1, s.sampleCell)
}

// restrict sets a non-leaf cell to the volume average of its children.
func (s *Session) restrict(c ftt.CellID) {
	var sum, vol float64
	for _, child := range s.tree.Children(c) {
		if child.IsZero() {
			continue
		}
		v := s.tree.Volume(child)
		sum += s.tree.Data(child).Value * v
		vol += v
	}
	if vol > 0 {
		s.tree.Data(c).Value = sum / vol
	}
}

// Tree returns the session's forest.
func (s *Session) Tree() *ftt.Tree[Cell] { return s.tree }

// Roots returns the root cells in block order.
func (s *Session) Roots() []ftt.CellID { return append([]ftt.CellID(nil), s.roots...) }

// Links returns the joins between roots.
func (s *Session) Links() []store.Link { return append([]store.Link(nil), s.links...) }

// StepCount returns the number of completed steps.
func (s *Session) StepCount() int64 { return s.step }

// Stats returns the accumulated adaptation statistics.
func (s *Session) Stats() adapt.Stats { return s.stats }

// Structure returns the structural edit counters of the forest.
func (s *Session) Structure() ftt.MetricsSnapshot { return s.metrics.Snapshot() }

// Centre returns the current tracer centre.
func (s *Session) Centre() ftt.Vector { return s.centre }

func (s *Session) activeCriteria() []*adapt.Criterion {
	out := make([]*adapt.Criterion, len(s.criteria))
	for i, sc := range s.criteria {
		sc.criterion.Active = sc.period <= 1 || s.step%int64(sc.period) == 0
		out[i] = sc.criterion
	}
	return out
}

// Step advances the tracer, resamples the leaves, runs one adaptation pass
// and writes a checkpoint when one is due.
func (s *Session) Step(ctx context.Context) (StepReport, error) {
	if err := ctx.Err(); err != nil {
		return StepReport{}, err
	}
	start := time.Now()
	s.step++
	s.centre = s.centreAt(s.step)
	s.sample()

	adapted, err := s.engine.Adapt(s.activeCriteria(), &s.stats)
	if err != nil {
		return StepReport{}, fmt.Errorf("step %d: %w", s.step, err)
	}
	report := StepReport{
		Step:    s.step,
		Cells:   s.tree.Len(),
		Adapted: adapted,
	}

	if every := s.cfg.Store.CheckpointEvery; s.store != nil && every > 0 && s.step%int64(every) == 0 {
		snap, err := s.Checkpoint(ctx)
		if err != nil {
			return report, err
		}
		report.Checkpoint = snap.ID
	}
	report.Elapsed = time.Since(start)
	if budget := s.cfg.Adapt.Budget.Duration(); budget > 0 && report.Elapsed > budget {
		s.logger.Warn().
			Int64("step", s.step).
			Dur("elapsed", report.Elapsed).
			Dur("budget", budget).
			Msg("step exceeded its budget")
	}
	return report, nil
}

// Run performs cfg.Run.Steps steps, stopping early when ctx is cancelled or
// the wall-clock limit is reached.
func (s *Session) Run(ctx context.Context) error {
	if limit := s.cfg.Run.MaxWall.Duration(); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	every := int64(s.cfg.Run.ReportEvery)
	for i := 0; i < s.cfg.Run.Steps; i++ {
		report, err := s.Step(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn().Int64("step", s.step).Msg("wall-clock limit reached")
			return nil
		}
		if err != nil {
			return err
		}
		if every > 0 && report.Step%every == 0 {
			s.logReport(report)
		}
	}
	return nil
}

func (s *Session) logReport(r StepReport) {
	structure := s.metrics.Snapshot()
	ev := s.logger.Info().
		Int64("step", r.Step).
		Int("cells", r.Cells).
		Int("depth", s.tree.ForestDepth()).
		Float64("created_mean", s.stats.Created.Mean()).
		Float64("removed_mean", s.stats.Removed.Mean()).
		Int64("refines", structure.Refines).
		Int64("coarsens", structure.Coarsens).
		Dur("elapsed", r.Elapsed)
	if r.Checkpoint != uuid.Nil {
		ev = ev.Str("checkpoint", r.Checkpoint.String())
	}
	ev.Msg("progress")
}

// Checkpoint serializes every root and, when the session has a store, saves
// the snapshot.
func (s *Session) Checkpoint(ctx context.Context) (store.Snapshot, error) {
	encoded := make([][]byte, len(s.roots))
	g, ctx := errgroup.WithContext(ctx)
	for i, root := range s.roots {
		i, root := i, root
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := s.tree.Write(&buf, root, -1, true); err != nil {
				return fmt.Errorf("encode root %d: %w", i, err)
			}
			encoded[i] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return store.Snapshot{}, fmt.Errorf("checkpoint: %w", err)
	}

	snap := store.Snapshot{
		ID:      uuid.New(),
		Step:    s.step,
		Created: time.Now().UTC(),
		Dim:     int(s.tree.Dim()),
		Cells:   s.tree.Len(),
		Roots:   encoded,
		Links:   s.Links(),
	}
	if s.store != nil {
		if err := s.store.Save(snap); err != nil {
			return store.Snapshot{}, fmt.Errorf("checkpoint: %w", err)
		}
		s.logger.Debug().
			Str("id", snap.ID.String()).
			Int64("step", snap.Step).
			Int("bytes", snap.Size()).
			Msg("checkpoint saved")
	}
	return snap, nil
}

// Restore rebuilds a session from snapshot id in st. cfg supplies the tracer
// and criteria; the forest, its joins and the step count come from the
// snapshot.
func Restore(ctx context.Context, st store.Store, id uuid.UUID, cfg *config.Config, opts ...Option) (*Session, error) {
	snap, ok, err := st.Load(id)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("restore %s: %w", id, ErrSnapshotNotFound)
	}
	return FromSnapshot(ctx, snap, cfg, append([]Option{WithStore(st)}, opts...)...)
}

// FromSnapshot rebuilds a session from an already loaded snapshot.
func FromSnapshot(ctx context.Context, snap store.Snapshot, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: restore needs a config")
	}
	if snap.Dim != 2 && snap.Dim != 3 {
		return nil, fmt.Errorf("restore %s: invalid dimension %d", snap.ID, snap.Dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newSession(cfg, ftt.Dim(snap.Dim), opts)
	s.step = snap.Step
	s.centre = s.centreAt(snap.Step)

	s.roots = make([]ftt.CellID, len(snap.Roots))
	for i, data := range snap.Roots {
		root, err := s.tree.Read(bytes.NewReader(data), true)
		if err != nil {
			return nil, fmt.Errorf("restore %s: root %d: %w", snap.ID, i, err)
		}
		s.roots[i] = root
	}
	for _, l := range snap.Links {
		if l.From < 0 || l.From >= len(s.roots) || l.To < 0 || l.To >= len(s.roots) {
			return nil, fmt.Errorf("restore %s: link %d-%d out of range", snap.ID, l.From, l.To)
		}
		s.tree.SetNeighbor(s.roots[l.From], s.roots[l.To], l.Dir, s.sampleCell)
		s.links = append(s.links, l)
	}
	s.metrics.Reset()

	s.logger.Info().
		Str("id", snap.ID.String()).
		Int64("step", s.step).
		Int("cells", s.tree.Len()).
		Msg("session restored")
	return s, nil
}
