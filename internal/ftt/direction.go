package ftt

import "fmt"

// Dim selects between a quadtree (Dim2) and an octree (Dim3).
type Dim int

const (
	Dim2 Dim = 2
	Dim3 Dim = 3
)

// Children returns the number of child slots in a child-group.
func (d Dim) Children() int {
	if d == Dim3 {
		return 8
	}
	return 4
}

// Neighbors returns the number of face directions.
func (d Dim) Neighbors() int {
	if d == Dim3 {
		return 6
	}
	return 4
}

func (d Dim) valid() bool {
	return d == Dim2 || d == Dim3
}

// Direction names a cell face.
type Direction int

const (
	Right Direction = iota
	Left
	Top
	Bottom
	Front
	Back
)

// MaxNeighbors is the size of neighbor arrays regardless of dimension.
const MaxNeighbors = 6

// MaxChildren is the size of child arrays regardless of dimension.
const MaxChildren = 8

var directionNames = [MaxNeighbors]string{"right", "left", "top", "bottom", "front", "back"}

var opposite = [MaxNeighbors]Direction{Left, Right, Bottom, Top, Back, Front}

func (d Direction) String() string {
	if d < 0 || int(d) >= MaxNeighbors {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// Opposite returns the direction facing d.
func (d Direction) Opposite() Direction {
	return opposite[d]
}

// Component returns the axis the direction is orthogonal to.
func (d Direction) Component() Component {
	return Component(d / 2)
}

// DirectionFromName resolves a direction name such as "left".
func DirectionFromName(name string) (Direction, bool) {
	for i, n := range directionNames {
		if n == name {
			return Direction(i), true
		}
	}
	return 0, false
}

// Component is a coordinate axis.
type Component int

const (
	X Component = iota
	Y
	Z
	XYZ
)

// Vector is a position in the unit-scaled domain.
type Vector struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

// Component returns the coordinate of v along c.
func (v Vector) Component(c Component) float64 {
	switch c {
	case X:
		return v.X
	case Y:
		return v.Y
	default:
		return v.Z
	}
}

func (v Vector) add(o Vector, scale float64) Vector {
	return Vector{X: v.X + o.X*scale, Y: v.Y + o.Y*scale, Z: v.Z + o.Z*scale}
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min Vector
	Max Vector
}

// Contains reports whether p lies inside the box, boundary included.
func (b Box) Contains(p Vector, dim Dim) bool {
	if p.X < b.Min.X || p.X > b.Max.X || p.Y < b.Min.Y || p.Y > b.Max.Y {
		return false
	}
	if dim == Dim3 && (p.Z < b.Min.Z || p.Z > b.Max.Z) {
		return false
	}
	return true
}

func (b Box) overlaps(o Box, dim Dim) bool {
	if b.Max.X < o.Min.X || b.Min.X > o.Max.X || b.Max.Y < o.Min.Y || b.Min.Y > o.Max.Y {
		return false
	}
	if dim == Dim3 && (b.Max.Z < o.Min.Z || b.Min.Z > o.Max.Z) {
		return false
	}
	return true
}

// Child displacement from the group centre, in units of half a child size.
var childCoords = [MaxChildren]Vector{
	{X: -1, Y: 1, Z: 1},
	{X: 1, Y: 1, Z: 1},
	{X: -1, Y: -1, Z: 1},
	{X: 1, Y: -1, Z: 1},
	{X: -1, Y: 1, Z: -1},
	{X: 1, Y: 1, Z: -1},
	{X: -1, Y: -1, Z: -1},
	{X: 1, Y: -1, Z: -1},
}

var faceCoords = [MaxNeighbors]Vector{
	{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
}

// neighborIndex[d][child]: >= 0 is a sibling slot, otherwise -(slot+1) in the
// parent's neighbor in direction d.
var neighborIndex2D = [4][4]int{
	{1, -1, 3, -3},
	{-2, 0, -4, 2},
	{-3, -4, 0, 1},
	{2, 3, -1, -2},
}

var neighborIndex3D = [6][8]int{
	{1, -1, 3, -3, 5, -5, 7, -7},
	{-2, 0, -4, 2, -6, 4, -8, 6},
	{-3, -4, 0, 1, -7, -8, 4, 5},
	{2, 3, -1, -2, 6, 7, -5, -6},
	{-5, -6, -7, -8, 0, 1, 2, 3},
	{4, 5, 6, 7, -1, -2, -3, -4},
}

var directionChildren2D = [4][2]int{
	{1, 3},
	{0, 2},
	{0, 1},
	{2, 3},
}

var directionChildren3D = [6][4]int{
	{1, 3, 5, 7},
	{0, 2, 4, 6},
	{0, 1, 4, 5},
	{2, 3, 6, 7},
	{0, 1, 2, 3},
	{4, 5, 6, 7},
}

// perpendicular directions probed from each facing child when looking for
// over-refined corner neighbors.
var cornerPerpendicular2D = [4][2]Direction{
	{Top, Bottom},
	{Top, Bottom},
	{Left, Right},
	{Left, Right},
}

var cornerPerpendicular3D = [6][4][2]Direction{
	{{Front, Top}, {Front, Bottom}, {Back, Top}, {Back, Bottom}},
	{{Front, Top}, {Front, Bottom}, {Back, Top}, {Back, Bottom}},
	{{Front, Left}, {Front, Right}, {Back, Left}, {Back, Right}},
	{{Front, Left}, {Front, Right}, {Back, Left}, {Back, Right}},
	{{Top, Left}, {Top, Right}, {Bottom, Left}, {Bottom, Right}},
	{{Top, Left}, {Top, Right}, {Bottom, Left}, {Bottom, Right}},
}

func (d Dim) neighborIndex(dir Direction, child int) int {
	if d == Dim3 {
		return neighborIndex3D[dir][child]
	}
	return neighborIndex2D[dir][child]
}

func (d Dim) childrenInDirection(dir Direction) []int {
	if d == Dim3 {
		return directionChildren3D[dir][:]
	}
	return directionChildren2D[dir][:]
}

// perpendicularDirections returns the directions orthogonal to dir.
func (d Dim) perpendicularDirections(dir Direction) []Direction {
	out := make([]Direction, 0, 4)
	for p := Direction(0); int(p) < d.Neighbors(); p++ {
		if p.Component() != dir.Component() {
			out = append(out, p)
		}
	}
	return out
}
