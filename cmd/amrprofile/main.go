package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"amrtree/internal/adapt"
	"amrtree/internal/ftt"
)

type profileJob struct {
	seed  int64
	phase float64
}

type hotspot struct {
	radius float64
	width  float64
	phase  float64
}

func (h hotspot) centre(pass, passes int) ftt.Vector {
	a := h.phase + 2*math.Pi*float64(pass)/float64(passes)
	return ftt.Vector{X: h.radius * math.Cos(a), Y: h.radius * math.Sin(a)}
}

func (h hotspot) cost(centre, p ftt.Vector) float64 {
	dx, dy, dz := p.X-centre.X, p.Y-centre.Y, p.Z-centre.Z
	return math.Exp(-(dx*dx + dy*dy + dz*dz) / (h.width * h.width))
}

func buildTree(dim ftt.Dim, level int, metrics *ftt.Metrics) *ftt.Tree[struct{}] {
	tree := ftt.New[struct{}](dim)
	tree.SetProfiler(metrics.Profiler())
	root := tree.NewRoot(nil)
	tree.Refine(root, func(c ftt.CellID) bool { return tree.Level(c) < level }, nil)
	return tree
}

func main() {
	var (
		trees       = flag.Int("trees", 64, "number of independent trees to adapt")
		concurrency = flag.Int("concurrency", runtime.NumCPU(), "number of concurrent workers")
		dimFlag     = flag.Int("dim", 2, "spatial dimension, 2 or 3")
		initial     = flag.Int("level", 3, "initial uniform refinement level")
		maxLevel    = flag.Int("maxLevel", 7, "maximum refinement level")
		passes      = flag.Int("passes", 32, "adaptation passes per tree")
		cmax        = flag.Float64("cmax", 0.05, "cost threshold")
		maxCells    = flag.Int("maxCells", 0, "cell budget per tree, 0 for unlimited")
		width       = flag.Float64("width", 0.08, "hotspot width")
		check       = flag.Bool("check", true, "validate every tree after its last pass")
		seed        = flag.Int64("seed", 1337, "random seed for hotspot phases")
	)
	flag.Parse()

	if *trees <= 0 {
		fmt.Fprintln(os.Stderr, "trees must be positive")
		os.Exit(1)
	}
	if *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "concurrency must be positive")
		os.Exit(1)
	}
	if *dimFlag != 2 && *dimFlag != 3 {
		fmt.Fprintln(os.Stderr, "dim must be 2 or 3")
		os.Exit(1)
	}
	if *passes <= 0 || *initial < 0 || *maxLevel < *initial {
		fmt.Fprintln(os.Stderr, "passes must be positive and maxLevel at least level")
		os.Exit(1)
	}
	dim := ftt.Dim(*dimFlag)
	cells := math.MaxInt
	if *maxCells > 0 {
		cells = *maxCells
	}

	jobs := make(chan profileJob)
	go func() {
		defer close(jobs)
		rng := rand.New(rand.NewSource(*seed))
		for i := 0; i < *trees; i++ {
			jobs <- profileJob{seed: rng.Int63(), phase: rng.Float64() * 2 * math.Pi}
		}
	}()

	var (
		wg          sync.WaitGroup
		structure   ftt.Metrics
		passMetrics adapt.PassMetrics
		finalCells  atomic.Int64
		maxDepth    atomic.Int64
		corner      atomic.Int64
		failures    atomic.Int64
		errs        atomic.Int64
	)

	worker := func() {
		defer wg.Done()
		for job := range jobs {
			tree := buildTree(dim, *initial, &structure)
			spot := hotspot{radius: 0.25, width: *width, phase: job.phase}
			var centre ftt.Vector
			criterion := adapt.NewCriterion("hotspot", adapt.FuncCost(tree, func(p ftt.Vector) float64 {
				return spot.cost(centre, p)
			}))
			criterion.MaxLevel = adapt.ConstLevel(*maxLevel)
			criterion.CMax = *cmax
			criterion.MaxCells = cells
			engine := adapt.NewEngine(tree, adapt.WithRecorder(&passMetrics))

			var stats adapt.Stats
			for pass := 0; pass < *passes; pass++ {
				centre = spot.centre(pass, *passes)
				if _, err := engine.Adapt([]*adapt.Criterion{criterion}, &stats); err != nil {
					errs.Add(1)
					break
				}
			}
			corner.Add(int64(stats.CornerRefined))
			finalCells.Add(int64(tree.Len()))
			for {
				cur := maxDepth.Load()
				d := int64(tree.ForestDepth())
				if d <= cur || maxDepth.CompareAndSwap(cur, d) {
					break
				}
			}
			if *check {
				if tree.Check() != nil || tree.CheckBalance() != nil {
					failures.Add(1)
				}
			}
		}
	}

	wg.Add(*concurrency)
	for i := 0; i < *concurrency; i++ {
		go worker()
	}

	startWall := time.Now()
	wg.Wait()
	wallDuration := time.Since(startWall)

	p := passMetrics.Snapshot()
	s := structure.Snapshot()
	avgPass := time.Duration(0)
	if p.Passes > 0 {
		avgPass = p.Elapsed / time.Duration(p.Passes)
	}

	fmt.Println("== Adaptation Profile ==")
	fmt.Printf("Dimension: %d\n", *dimFlag)
	fmt.Printf("Trees: %d, passes per tree: %d\n", *trees, *passes)
	fmt.Printf("Levels: initial %d, max %d, deepest reached %d\n", *initial, *maxLevel, maxDepth.Load())
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Passes: %d, errors: %d, failed checks: %d\n", p.Passes, errs.Load(), failures.Load())
	fmt.Printf("Average pass duration: %s\n", avgPass)
	fmt.Printf("Wall clock duration: %s\n", wallDuration)
	fmt.Printf("Cells created: %d, removed: %d\n", p.Created, p.Removed)
	fmt.Printf("Refinements: %d, coarsenings: %d, destroyed: %d\n", s.Refines, s.Coarsens, s.Destroyed)
	fmt.Printf("Corner refinements: %d\n", corner.Load())
	fmt.Printf("Average final cells per tree: %.1f\n", float64(finalCells.Load())/float64(*trees))
}
