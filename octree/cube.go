package octree

import "fmt"

// Coord is the integer position of a cube among the cubes of its level.
// A cube at level L with coordinate c spans [c, c+1) in units of the
// root size divided by 2^L.
type Coord [3]int

// Type is the classification of a leaf relative to the surface.
type Type uint8

const (
	Unknown Type = iota
	Inside
	Outside
	Data // intersected by the surface.
)

func (t Type) String() string {
	switch t {
	case Unknown:
		return "unknown"
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	case Data:
		return "data"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// TypeMask is a set of cube types. The zero mask selects every type.
type TypeMask uint8

// MaskOf returns the mask selecting the given types.
func MaskOf(types ...Type) TypeMask {
	var m TypeMask
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// Has reports whether the mask selects t.
func (m TypeMask) Has(t Type) bool { return m == 0 || m&(1<<t) != 0 }

// NoProc is the owner of a remote placeholder: a leaf standing for a region
// of the tree held by other ranks whose structure is not known locally.
const NoProc = -1

// Cube is a node of the octree.
type Cube struct {
	coord    Coord
	level    int
	typ      Type
	proc     int
	children []*Cube // nil or 8 cubes in Morton order.
	facets   []int
	edges    []int
	// index in the local leaf list, -1 if not a local leaf.
	index int
}

func (c *Cube) Coord() Coord { return c.coord }
func (c *Cube) Level() int   { return c.level }
func (c *Cube) Type() Type   { return c.typ }

// SetType sets the classification of the cube. It does not modify the
// structure of the tree.
func (c *Cube) SetType(t Type) { c.typ = t }

// Proc returns the rank owning the cube or NoProc for placeholders.
func (c *Cube) Proc() int { return c.proc }

// IsLeaf reports whether the cube has no children.
func (c *Cube) IsLeaf() bool { return c.children == nil }

// Child returns child i in [0,8) or nil for leaves. Child i lies on the
// upper side of the x, y and z axis when bits 0, 1 and 2 of i are set.
func (c *Cube) Child(i int) *Cube {
	if c.children == nil {
		return nil
	}
	return c.children[i]
}

// Facets returns the indices of the surface facets intersecting the cube.
// The slice must not be modified.
func (c *Cube) Facets() []int { return c.facets }

// Edges returns the indices of the feature edges intersecting the cube.
// The slice must not be modified.
func (c *Cube) Edges() []int { return c.edges }

// HasGeometry reports whether surface facets intersect the cube.
func (c *Cube) HasGeometry() bool { return len(c.facets) > 0 }

// Index returns the position of the cube in the local leaf list or -1.
func (c *Cube) Index() int { return c.index }

// Info returns a copy of the transferable state of the cube.
func (c *Cube) Info() CubeInfo {
	return CubeInfo{
		Coord:  c.coord,
		Level:  c.level,
		Type:   c.typ,
		Proc:   c.proc,
		Facets: append([]int(nil), c.facets...),
		Edges:  append([]int(nil), c.edges...),
	}
}

func (c *Cube) String() string {
	return fmt.Sprintf("cube%v@%d(%s, proc %d)", c.coord, c.level, c.typ, c.proc)
}

// CubeInfo is the state of a cube exchanged between ranks.
type CubeInfo struct {
	Coord  Coord
	Level  int
	Type   Type
	Proc   int
	Facets []int
	Edges  []int
}

func childCoord(c Coord, octant int) Coord {
	return Coord{2*c[0] + octant&1, 2*c[1] + octant>>1&1, 2*c[2] + octant>>2&1}
}

// octantOf returns the octant at depth level+1 on the path to the cube
// (c, clevel), clevel > level.
func octantOf(c Coord, clevel, level int) int {
	shift := clevel - level - 1
	return c[0]>>shift&1 | (c[1]>>shift&1)<<1 | (c[2]>>shift&1)<<2
}

// Dir is a face direction of a cube.
type Dir uint8

const (
	XMin Dir = iota
	XMax
	YMin
	YMax
	ZMin
	ZMax
)

// Axis returns 0, 1 or 2 for the x, y and z axis.
func (d Dir) Axis() int { return int(d / 2) }

// Sign returns -1 for lower faces and +1 for upper faces.
func (d Dir) Sign() int {
	if d%2 == 0 {
		return -1
	}
	return 1
}

// Opposite returns the direction facing d.
func (d Dir) Opposite() Dir { return d ^ 1 }
