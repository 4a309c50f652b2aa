package ftt

// FaceType classifies a face by the cells on either side.
type FaceType int

const (
	// FaceBoundary has no neighbor.
	FaceBoundary FaceType = iota
	// FaceFineCoarse separates a cell from a coarser leaf.
	FaceFineCoarse
	// FaceFineFine separates two cells of the same level.
	FaceFineFine
)

func (ft FaceType) String() string {
	switch ft {
	case FaceBoundary:
		return "boundary"
	case FaceFineCoarse:
		return "fine-coarse"
	default:
		return "fine-fine"
	}
}

// Face is the face of Cell in direction Dir. Neighbor is NoCell on a
// boundary.
type Face struct {
	Cell     CellID
	Neighbor CellID
	Dir      Direction
	Type     FaceType
}

// FaceFunc is called for every visited face.
type FaceFunc func(f Face)

// Face returns the face of c in direction d.
func (t *Tree[T]) Face(c CellID, d Direction) Face {
	f := Face{Cell: c, Neighbor: t.Neighbor(c, d), Dir: d}
	switch {
	case f.Neighbor.IsZero():
		f.Type = FaceBoundary
	case t.Level(f.Neighbor) < t.Level(c):
		f.Type = FaceFineCoarse
	default:
		f.Type = FaceFineFine
	}
	return f
}

// FacePos returns the centre of face f.
func (t *Tree[T]) FacePos(f Face) Vector {
	return t.Pos(f.Cell).add(faceCoords[f.Dir], t.Size(f.Cell)/2)
}

// CornerPos returns the corner of c selected by one direction per axis.
func (t *Tree[T]) CornerPos(c CellID, dirs ...Direction) Vector {
	p := t.Pos(c)
	h := t.Size(c) / 2
	for _, d := range dirs {
		p = p.add(faceCoords[d], h)
	}
	return p
}

type faceWalker[T any] struct {
	t        *Tree[T]
	root     CellID
	flags    TraverseFlags
	maxDepth int
	dirs     []Direction
	boundary bool
	fn       FaceFunc
}

// TraverseFaces visits the faces orthogonal to comp (every face for XYZ) of
// the cells Traverse would visit. A face shared by two visited cells is
// reported once, from the finer side or, between cells of the same level,
// from the cell whose positive face it is. Boundary faces are reported only
// when boundaryFaces is set.
func (t *Tree[T]) TraverseFaces(root CellID, comp Component, order Order, flags TraverseFlags, maxDepth int, boundaryFaces bool, fn FaceFunc) {
	w := &faceWalker[T]{t: t, root: root, flags: flags, maxDepth: maxDepth, boundary: boundaryFaces, fn: fn}
	for d := Direction(0); int(d) < t.dim.Neighbors(); d++ {
		if comp == XYZ || d.Component() == comp {
			w.dirs = append(w.dirs, d)
		}
	}
	t.Traverse(root, order, flags, maxDepth, w.visit)
}

// TraverseBoundaryFaces visits the faces in direction d of the cells of
// root's subtree touching its face d.
func (t *Tree[T]) TraverseBoundaryFaces(root CellID, d Direction, order Order, flags TraverseFlags, maxDepth int, fn FaceFunc) {
	t.TraverseBoundary(root, d, order, flags, maxDepth, func(c CellID) {
		fn(t.Face(c, d))
	})
}

func (w *faceWalker[T]) visit(c CellID) {
	t := w.t
	for _, d := range w.dirs {
		if !t.Alive(c) {
			return
		}
		f := t.Face(c, d)
		if f.Neighbor.IsZero() {
			if w.boundary {
				w.fn(f)
			}
			continue
		}
		if w.skip(c, f) {
			continue
		}
		w.fn(f)
	}
}

func (w *faceWalker[T]) skip(c CellID, f Face) bool {
	t := w.t
	n := f.Neighbor
	if !w.inRoot(n) {
		return false
	}
	if w.flags&TraverseLeafs != 0 && !w.terminal(n) {
		return true
	}
	return t.Level(n) == t.Level(c) && w.inSet(n) && f.Dir%2 == 1
}

func (w *faceWalker[T]) inRoot(c CellID) bool {
	for a := c; !a.IsZero(); a = w.t.Parent(a) {
		if a == w.root {
			return true
		}
	}
	return false
}

func (w *faceWalker[T]) terminal(c CellID) bool {
	return w.t.IsLeaf(c) || (w.maxDepth >= 0 && w.t.Level(c) >= w.maxDepth)
}

func (w *faceWalker[T]) inSet(c CellID) bool {
	t := w.t
	level := t.Level(c)
	if w.maxDepth >= 0 && level > w.maxDepth {
		return false
	}
	atLevel := w.flags&TraverseLevel == 0 || level == w.maxDepth
	switch {
	case w.flags&TraverseLeafs != 0:
		return w.terminal(c)
	case w.flags&TraverseNonLeafs != 0:
		return !t.IsLeaf(c) && atLevel
	default:
		return atLevel
	}
}
