package adapt

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"amrtree/internal/ftt"
)

// ErrNonFiniteCost is returned when a criterion reports NaN or an infinite
// cost. Costs are all computed before the first edit, so the tree is
// unchanged when it is returned.
var ErrNonFiniteCost = errors.New("adapt: criterion returned a non-finite cost")

type options struct {
	init       ftt.InitFunc
	cleanup    ftt.CleanupFunc
	coarseInit func(c ftt.CellID)
	mixed      func(c ftt.CellID) bool
	sink       func(c ftt.CellID, cost float64)
	logger     zerolog.Logger
	recorder   Recorder
}

// Option configures an Engine.
type Option func(*options)

// WithInit sets the payload initializer run on every cell the engine creates.
func WithInit(fn ftt.InitFunc) Option {
	return func(o *options) { o.init = fn }
}

// WithCleanup sets the payload teardown run on every cell the engine removes.
func WithCleanup(fn ftt.CleanupFunc) Option {
	return func(o *options) { o.cleanup = fn }
}

// WithCoarseInit sets a hook run on every non-leaf cell, children first,
// before costs are computed. It is where a caller restricts leaf data onto
// coarser cells.
func WithCoarseInit(fn func(c ftt.CellID)) Option {
	return func(o *options) { o.coarseInit = fn }
}

// WithMixed marks cells cut by solid geometry. Mixed cells are given a zero
// cost and are never refined or coarsened.
func WithMixed(fn func(c ftt.CellID) bool) Option {
	return func(o *options) { o.mixed = fn }
}

// WithCostSink receives the aggregated cost of every cell after aggregation.
func WithCostSink(fn func(c ftt.CellID, cost float64)) Option {
	return func(o *options) { o.sink = fn }
}

// WithLogger sets the logger used for pass summaries.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// Engine runs adaptation passes over a tree.
type Engine[T any] struct {
	tree *ftt.Tree[T]
	opts options
}

// NewEngine returns an engine bound to tree.
func NewEngine[T any](tree *ftt.Tree[T], opts ...Option) *Engine[T] {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[T]{tree: tree, opts: o}
}

// Tree returns the tree the engine adapts.
func (e *Engine[T]) Tree() *ftt.Tree[T] {
	return e.tree
}

type pass[T any] struct {
	e       *Engine[T]
	t       *ftt.Tree[T]
	lim     limits
	cost    map[ftt.CellID]float64
	refine  *cellQueue
	coarsen *cellQueue
	nc      int
	// clim is the cost a cell must stay below to be coarsened.
	clim float64
}

// Adapt runs one adaptation pass with the active members of criteria and
// folds its figures into stats, which may be nil. It reports false when no
// criterion is active.
//
// Leaves are refined most costly first and parents of leaves are coarsened
// least costly first. Coarsening happens while the cheapest candidate costs
// less than the ceiling (the sum of CMax) and the cell count stays at or
// above the combined minimum, or while the count exceeds the combined
// maximum and the candidate is cheaper than the best refinement. Refinement
// is symmetric. A corner repair sweep restores level balance at the end.
func (e *Engine[T]) Adapt(criteria []*Criterion, stats *Stats) (bool, error) {
	lim := combine(criteria)
	if len(lim.active) == 0 {
		return false, nil
	}
	if stats == nil {
		stats = &Stats{}
	}
	start := time.Now()
	t := e.tree
	p := &pass[T]{
		e:       e,
		t:       t,
		lim:     lim,
		cost:    make(map[ftt.CellID]float64, t.Len()),
		refine:  newCellQueue(),
		coarsen: newCellQueue(),
	}

	if e.opts.coarseInit != nil {
		t.TraverseForest(ftt.PostOrder, ftt.TraverseNonLeafs, -1, e.opts.coarseInit)
	}
	if err := p.computeCosts(); err != nil {
		return false, err
	}
	if e.opts.sink != nil {
		t.TraverseForest(ftt.PreOrder, ftt.TraverseAll, -1, func(c ftt.CellID) {
			if p.isMixed(c) {
				e.opts.sink(c, 0)
				return
			}
			e.opts.sink(c, p.cost[c])
		})
	}
	p.fillQueues()

	initial := p.nc
	created, removed := p.run(stats)
	refined, repaired := p.repairCorners()
	stats.CornerRefined += refined
	stats.CornerCreated += repaired

	elapsed := time.Since(start)
	e.opts.logger.Debug().
		Int("cells_before", initial).
		Int("cells_after", t.Len()).
		Int("created", created).
		Int("removed", removed).
		Int("corner_refined", refined).
		Dur("elapsed", elapsed).
		Msg("adaptation pass")
	if e.opts.recorder != nil {
		e.opts.recorder.RecordPass(PassReport{
			Created: created + repaired,
			Removed: removed,
			Cells:   t.Len(),
			Elapsed: elapsed,
		})
	}
	return true, nil
}

func (p *pass[T]) isMixed(c ftt.CellID) bool {
	return p.e.opts.mixed != nil && p.e.opts.mixed(c)
}

func (p *pass[T]) computeCosts() error {
	var err error
	for level := p.t.ForestDepth(); level >= 0 && err == nil; level-- {
		p.t.TraverseForest(ftt.PreOrder, ftt.TraverseLevel, level, func(c ftt.CellID) {
			if err == nil {
				err = p.computeCost(c)
			}
		})
	}
	return err
}

// computeCost sets the cost of c. A non-leaf takes the largest of its own
// cost and those of its children, and lifts the parents of its same-level
// neighbors to at least the largest child cost.
func (p *pass[T]) computeCost(c ftt.CellID) error {
	t := p.t
	p.nc++
	if p.isMixed(c) {
		return nil
	}
	cost, err := p.cellCost(c)
	if err != nil {
		return err
	}
	if t.IsLeaf(c) {
		p.cost[c] = cost
		return nil
	}

	var cmax float64
	for _, child := range t.Children(c) {
		if !child.IsZero() && p.cost[child] > cmax {
			cmax = p.cost[child]
		}
	}
	if cmax > cost {
		cost = cmax
	}
	if cost > p.cost[c] {
		p.cost[c] = cost
	}

	level := t.Level(c)
	for _, n := range t.Neighbors(c) {
		if n.IsZero() || t.Level(n) != level {
			continue
		}
		if parent := t.Parent(n); !parent.IsZero() && cmax > p.cost[parent] {
			p.cost[parent] = cmax
		}
	}
	return nil
}

func (p *pass[T]) cellCost(c ftt.CellID) (float64, error) {
	var cost float64
	for _, cr := range p.lim.active {
		if cr.Cost == nil {
			continue
		}
		v := cr.Cost(c)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %s at %v level %d: %v", ErrNonFiniteCost, cr.Name, p.t.Pos(c), p.t.Level(c), v)
		}
		cost += cr.Weight * v
	}
	return cost, nil
}

func (p *pass[T]) fillQueues() {
	t := p.t
	t.TraverseForest(ftt.PreOrder, ftt.TraverseLeafs, -1, func(c ftt.CellID) {
		if p.isMixed(c) {
			return
		}
		level := t.Level(c)
		if level < p.lim.maxLevel(c) {
			p.refine.add(c, -p.cost[c])
		}
		parent := t.Parent(c)
		if parent.IsZero() || p.isMixed(parent) || p.coarsen.contains(parent) {
			return
		}
		if level > p.lim.minLevel(parent) {
			p.coarsen.add(parent, p.cost[parent])
		}
	})
	p.refine.init()
	p.coarsen.init()
}

// nextRefine pops the most costly leaf still queued.
func (p *pass[T]) nextRefine() (ftt.CellID, float64, bool) {
	for {
		c, key, ok := p.refine.pop()
		if !ok {
			return ftt.NoCell, 0, false
		}
		if p.t.Alive(c) && p.t.IsLeaf(c) {
			return c, -key, true
		}
	}
}

// nextCoarsen pops the cheapest parent whose children are all leaves.
func (p *pass[T]) nextCoarsen() (ftt.CellID, float64, bool) {
	for {
		c, key, ok := p.coarsen.pop()
		if !ok {
			return ftt.NoCell, 0, false
		}
		if p.t.Alive(c) && p.t.Depth(c)-p.t.Level(c) == 1 {
			return c, key, true
		}
	}
}

func (p *pass[T]) run(stats *Stats) (created, removed int) {
	t := p.t
	lim := p.lim
	var cfine, rcost float64

	fine, c, okFine := p.nextCoarsen()
	if okFine {
		cfine = c
	}
	coarse, c, okCoarse := p.nextRefine()
	if okCoarse {
		rcost = c
	}

	for changed := true; changed; {
		changed = false
		if okFine && !t.Alive(fine) {
			fine, c, okFine = p.nextCoarsen()
			if okFine {
				cfine = c
			}
		}
		if okFine && ((cfine < rcost && p.nc > lim.maxCells) || (cfine < lim.cmax && p.nc >= lim.minCells)) {
			n := p.nc
			p.clim = math.Max(rcost, lim.cmax)
			t.Coarsen(fine, p.coarsenable, p.cleanup)
			stats.Removed.Update(float64(n - p.nc))
			removed += n - p.nc
			fine, c, okFine = p.nextCoarsen()
			if okFine {
				cfine = c
			}
			changed = true
		}

		if okCoarse && !(t.Alive(coarse) && t.IsLeaf(coarse)) {
			coarse, c, okCoarse = p.nextRefine()
			if okCoarse {
				rcost = c
			}
		}
		if okCoarse && ((rcost > cfine && p.nc < lim.minCells) || (rcost > lim.cmax && p.nc <= lim.maxCells)) {
			n := p.nc
			t.RefineCorners(coarse, p.init)
			if t.IsLeaf(coarse) {
				t.RefineSingle(coarse, p.init)
			}
			stats.Created.Update(float64(p.nc - n))
			created += p.nc - n
			coarse, c, okCoarse = p.nextRefine()
			if okCoarse {
				rcost = c
			}
			changed = true
		}
	}

	stats.CMax.Update(rcost)
	stats.NCells.Update(float64(p.nc))
	return created, removed
}

func (p *pass[T]) coarsenable(c ftt.CellID) bool {
	if p.isMixed(c) {
		return false
	}
	if p.cost[c] >= p.clim {
		return false
	}
	return p.t.Level(c) >= p.lim.minLevel(c)
}

func (p *pass[T]) init(c ftt.CellID) {
	p.cost[c] = math.MaxFloat64
	p.nc++
	if p.e.opts.init != nil {
		p.e.opts.init(c)
	}
}

func (p *pass[T]) cleanup(c ftt.CellID) {
	p.nc--
	p.refine.remove(c)
	p.coarsen.remove(c)
	delete(p.cost, c)
	if p.e.opts.cleanup != nil {
		p.e.opts.cleanup(c)
	}
}

// repairCorners runs the corner sweep and reports the leaves it refined and
// the cells it created.
func (p *pass[T]) repairCorners() (refined, created int) {
	before := p.t.Len()
	refined = p.t.RepairCorners(p.e.opts.init)
	return refined, p.t.Len() - before
}
