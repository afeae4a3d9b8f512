// Package octree implements a refinable octree over a triangulated surface
// with the privileged Modifier that changes its structure and distributes
// its leaves across ranks.
package octree

import (
	"math"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/surface"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultTolerance is the relative tolerance by which cube boxes are
// inflated when tested against surface geometry.
const DefaultTolerance = 1e-6

// Octree owns a tree of cubes spanning a root box and the cached list of
// the leaves owned by this rank.
type Octree struct {
	surf    *surface.Surface
	rootBox d3.Box
	root    *Cube
	leaves  []*Cube

	rank        int
	neiProcs    []int
	ranges      []KeyRange // indexed by rank, nil until distributed.
	searchRange float64
	tol         float64
	log         *zap.SugaredLogger
}

// Option configures an Octree.
type Option func(*Octree)

// WithLogger sets the logger of the octree and of its Modifier.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Octree) { o.log = l }
}

// WithTolerance sets the relative inflation of cube boxes in intersection tests.
func WithTolerance(tol float64) Option {
	return func(o *Octree) { o.tol = tol }
}

// WithSearchRange sets the initial half size of proximity queries.
func WithSearchRange(r float64) Option {
	return func(o *Octree) { o.searchRange = r }
}

// WithFeatureEdges sets the surface edges tracked by the cubes. Edge
// indices refer to the surface addressing edge list.
func WithFeatureEdges(edges []int) Option {
	return func(o *Octree) { o.root.edges = edges }
}

// WithRank sets the rank that owns the leaves of a newly built tree.
func WithRank(rank int) Option {
	return func(o *Octree) { o.rank = rank }
}

// New returns a single cube octree spanning root holding the facets of surf
// that intersect it.
func New(surf *surface.Surface, root r3.Box, opts ...Option) (*Octree, error) {
	rb := d3.Box(root)
	size := rb.Size()
	if !(size.X > 0 && size.Y > 0 && size.Z > 0) {
		return nil, errors.Errorf("octree root box must have positive size, got %v", size)
	}
	o := &Octree{
		surf:    surf,
		rootBox: rb,
		root:    &Cube{},
		tol:     DefaultTolerance,
		log:     zap.NewNop().Sugar(),
	}
	o.searchRange = d3.Max(size) / 8
	for _, opt := range opts {
		opt(o)
	}
	o.root.proc = o.rank
	inflated := rb.Inflate(o.tol * d3.Max(size))
	for i := range surf.Facets() {
		if surf.Triangle(i).OverlapsBox(inflated) {
			o.root.facets = append(o.root.facets, i)
		}
	}
	edges := o.root.edges
	o.root.edges = nil
	for _, e := range edges {
		if o.edgeOverlaps(e, inflated) {
			o.root.edges = append(o.root.edges, e)
		}
	}
	o.CreateListOfLeaves()
	return o, nil
}

// Surface returns the surface the tree was built over.
func (o *Octree) Surface() *surface.Surface { return o.surf }

// Root returns the root cube.
func (o *Octree) Root() *Cube { return o.root }

// RootBox returns the box spanned by the root cube.
func (o *Octree) RootBox() r3.Box { return r3.Box(o.rootBox) }

// Rank returns the rank of this part of the tree.
func (o *Octree) Rank() int { return o.rank }

// NeighbourProcs returns the ranks holding leaves adjacent to local leaves.
func (o *Octree) NeighbourProcs() []int { return o.neiProcs }

// Ranges returns the Morton key range of every rank, or nil if the
// tree has not been distributed.
func (o *Octree) Ranges() []KeyRange { return o.ranges }

// SearchRange returns the initial half size of proximity queries.
func (o *Octree) SearchRange() float64 { return o.searchRange }

// Tolerance returns the relative inflation of boxes in intersection tests.
func (o *Octree) Tolerance() float64 { return o.tol }

// IsLocal reports whether c is owned by this rank.
func (o *Octree) IsLocal(c *Cube) bool { return c.proc == o.rank }

// IsGhost reports whether c is a copy of a leaf owned by another rank.
func (o *Octree) IsGhost(c *Cube) bool { return c.proc != o.rank && c.proc != NoProc }

// CubeBox returns the box spanned by c.
func (o *Octree) CubeBox(c *Cube) r3.Box { return r3.Box(o.box(c.coord, c.level)) }

// BoxOf returns the box of the cube at c and level, which need not exist in
// the tree.
func (o *Octree) BoxOf(c Coord, level int) r3.Box { return r3.Box(o.box(c, level)) }

func (o *Octree) box(c Coord, level int) d3.Box {
	size := r3.Scale(math.Ldexp(1, -level), o.rootBox.Size())
	min := r3.Vec{
		X: o.rootBox.Min.X + float64(c[0])*size.X,
		Y: o.rootBox.Min.Y + float64(c[1])*size.Y,
		Z: o.rootBox.Min.Z + float64(c[2])*size.Z,
	}
	return d3.Box{Min: min, Max: r3.Add(min, size)}
}

// CubeSize returns the largest side of cubes at the level.
func (o *Octree) CubeSize(level int) float64 {
	return math.Ldexp(d3.Max(o.rootBox.Size()), -level)
}

// inflated returns the box of c grown by the tree tolerance.
func (o *Octree) inflated(c Coord, level int) d3.Box {
	return o.box(c, level).Inflate(o.tol * o.CubeSize(level))
}

func (o *Octree) edgeOverlaps(e int, b d3.Box) bool {
	edge := o.surf.Addressing().Edges()[e]
	pts := o.surf.Points()
	return d3.SegmentOverlapsBox(pts[edge.Start], pts[edge.End], b)
}

// Leaves returns the cached list of local leaves in Morton order. It is
// only valid after CreateListOfLeaves following the last structural change.
func (o *Octree) Leaves() []*Cube { return o.leaves }

// NumLeaves returns the length of the cached leaf list.
func (o *Octree) NumLeaves() int { return len(o.leaves) }

// CreateListOfLeaves rebuilds the cached list of local leaves by a full
// depth first traversal of the tree. Lists returned by Leaves before the
// call are left untouched.
func (o *Octree) CreateListOfLeaves() {
	o.leaves = make([]*Cube, 0, len(o.leaves))
	o.Walk(func(c *Cube) bool {
		c.index = -1
		if c.IsLeaf() && o.IsLocal(c) {
			c.index = len(o.leaves)
			o.leaves = append(o.leaves, c)
		}
		return true
	})
}

// Walk calls fn for every cube in depth first (Morton) order. Children of
// a cube are skipped when fn returns false.
func (o *Octree) Walk(fn func(c *Cube) bool) {
	var walk func(c *Cube)
	walk = func(c *Cube) {
		if !fn(c) {
			return
		}
		for _, child := range c.children {
			walk(child)
		}
	}
	walk(o.root)
}

// AllLeaves returns every leaf of the tree in Morton order including
// ghosts and placeholders.
func (o *Octree) AllLeaves() []*Cube {
	var leaves []*Cube
	o.Walk(func(c *Cube) bool {
		if c.IsLeaf() {
			leaves = append(leaves, c)
		}
		return true
	})
	return leaves
}

// GhostLeaves returns the leaves copied from other ranks.
func (o *Octree) GhostLeaves() []*Cube {
	var ghosts []*Cube
	o.Walk(func(c *Cube) bool {
		if c.IsLeaf() && o.IsGhost(c) {
			ghosts = append(ghosts, c)
		}
		return true
	})
	return ghosts
}

// FindCubeForPosition returns the leaf containing p or nil if p is outside
// the root box. Cubes contain their lower faces: a point on a face shared
// by two cubes belongs to the upper one, and points on the upper faces of
// the root box belong to the last cube along that axis.
func (o *Octree) FindCubeForPosition(p r3.Vec) *Cube {
	if !o.rootBox.Contains(p) {
		return nil
	}
	c := o.root
	for !c.IsLeaf() {
		mid := o.box(c.coord, c.level).Center()
		octant := 0
		if p.X >= mid.X {
			octant |= 1
		}
		if p.Y >= mid.Y {
			octant |= 2
		}
		if p.Z >= mid.Z {
			octant |= 4
		}
		c = c.children[octant]
	}
	return c
}

// FindCube returns the cube at exactly (c, level) or nil if the tree is
// not refined down to it.
func (o *Octree) FindCube(c Coord, level int) *Cube {
	n := o.descend(c, level)
	if n.level != level {
		return nil
	}
	return n
}

// descend returns the deepest cube on the path from the root to (c, level).
func (o *Octree) descend(c Coord, level int) *Cube {
	n := o.root
	for !n.IsLeaf() && n.level < level {
		n = n.children[octantOf(c, level, n.level)]
	}
	return n
}

// FindLeavesContainedInBox appends to buf every leaf whose box shares a
// point with b. It returns ErrBufferOverflow when buf fills up, in which
// case buf holds the leaves found until then.
func (o *Octree) FindLeavesContainedInBox(b r3.Box, buf *LeafBuffer) error {
	target := d3.Box(b)
	var find func(c *Cube) error
	find = func(c *Cube) error {
		if !o.box(c.coord, c.level).Overlaps(target) {
			return nil
		}
		if c.IsLeaf() {
			return buf.push(c)
		}
		for _, child := range c.children {
			if err := find(child); err != nil {
				return err
			}
		}
		return nil
	}
	return find(o.root)
}

// FindNeighboursOverFace returns the leaves sharing face dir of leaf c.
// The second return value is false if that face lies on the root boundary.
// Neighbours may be coarser, equal or finer than c and may be remote.
func (o *Octree) FindNeighboursOverFace(c *Cube, dir Dir) ([]*Cube, bool) {
	axis := dir.Axis()
	nc := c.coord
	nc[axis] += dir.Sign()
	if nc[axis] < 0 || nc[axis] >= 1<<c.level {
		return nil, false
	}
	n := o.descend(nc, c.level)
	if n.IsLeaf() {
		return []*Cube{n}, true
	}
	var found []*Cube
	collectFace(n, dir.Opposite(), &found)
	return found, true
}

// collectFace appends the leaves of the subtree of c touching face dir of c.
func collectFace(c *Cube, dir Dir, found *[]*Cube) {
	if c.IsLeaf() {
		*found = append(*found, c)
		return
	}
	bit := 1 << dir.Axis()
	for i, child := range c.children {
		upper := i&bit != 0
		if upper == (dir.Sign() > 0) {
			collectFace(child, dir, found)
		}
	}
}

// FindAllNeighbours returns the face neighbours of c over all six faces.
func (o *Octree) FindAllNeighbours(c *Cube) []*Cube {
	var all []*Cube
	for dir := XMin; dir <= ZMax; dir++ {
		nei, _ := o.FindNeighboursOverFace(c, dir)
		all = append(all, nei...)
	}
	return all
}

// OnRootBoundary reports whether face dir of c lies on the root box.
func OnRootBoundary(c *Cube, dir Dir) bool {
	v := c.coord[dir.Axis()]
	if dir.Sign() < 0 {
		return v == 0
	}
	return v == 1<<c.level-1
}

// FindNearestSurfacePoint returns the point of the surface closest to p
// among the facets held by leaves near p, and the index of its facet.
// The search box starts with half size SearchRange and doubles until
// a facet is found. If no leaf holds facets, as on ranks without Data
// leaves, the whole surface is searched. ok is false only for a surface
// without facets.
func (o *Octree) FindNearestSurfacePoint(p r3.Vec) (nearest r3.Vec, facet int, ok bool) {
	rootSize := d3.Max(o.rootBox.Size())
	reach := o.searchRange
	if reach <= 0 {
		reach = rootSize / 8
	}
	seen := make(map[int]struct{})
	best := math.Inf(1)
	for {
		buf := NewLeafBuffer(0)
		query := d3.CenteredBox(p, d3.Elem(2*reach))
		if err := o.FindLeavesContainedInBox(r3.Box(query), buf); err != nil {
			panic(err) // unbounded buffer.
		}
		for _, leaf := range buf.Leaves() {
			for _, f := range leaf.facets {
				if _, dup := seen[f]; dup {
					continue
				}
				seen[f] = struct{}{}
				q := o.surf.Triangle(f).Closest(p)
				if d2 := r3.Norm2(r3.Sub(q, p)); d2 < best {
					best, nearest, facet, ok = d2, q, f, true
				}
			}
		}
		// A facet within reach is the global nearest among tracked facets
		// only if every closer facet is inside the query box.
		if ok && math.Sqrt(best) <= reach {
			return nearest, facet, true
		}
		if query.Contains(o.rootBox.Min) && query.Contains(o.rootBox.Max) {
			if !ok {
				nearest, facet = o.surf.Addressing().NearestFacet(p)
				ok = facet >= 0
			}
			return nearest, facet, ok
		}
		reach *= 2
	}
}

// CheckRegularity returns an error naming the first pair of face adjacent
// leaves whose levels differ by more than one. Placeholders are skipped.
func (o *Octree) CheckRegularity() error {
	for _, leaf := range o.leaves {
		for dir := XMin; dir <= ZMax; dir++ {
			nei, _ := o.FindNeighboursOverFace(leaf, dir)
			for _, n := range nei {
				if n.proc == NoProc {
					continue
				}
				if d := n.level - leaf.level; d > 1 || d < -1 {
					return errors.Errorf("leaves %v and %v violate 2:1 balance", leaf, n)
				}
			}
		}
	}
	return nil
}

// LeafBuffer is a bounded list of leaves filled by box queries.
type LeafBuffer struct {
	leaves   []*Cube
	capacity int
}

// ErrBufferOverflow is returned when a query finds more leaves than fit
// in its LeafBuffer.
var ErrBufferOverflow = errors.New("octree: leaf buffer overflow")

// NewLeafBuffer returns a buffer holding at most capacity leaves.
// A capacity of zero or less is unbounded.
func NewLeafBuffer(capacity int) *LeafBuffer {
	b := &LeafBuffer{capacity: capacity}
	if capacity > 0 {
		b.leaves = make([]*Cube, 0, capacity)
	}
	return b
}

// Leaves returns the leaves in the buffer.
func (b *LeafBuffer) Leaves() []*Cube { return b.leaves }

// Len returns the number of leaves in the buffer.
func (b *LeafBuffer) Len() int { return len(b.leaves) }

// Reset empties the buffer keeping its capacity.
func (b *LeafBuffer) Reset() { b.leaves = b.leaves[:0] }

func (b *LeafBuffer) push(c *Cube) error {
	if b.capacity > 0 && len(b.leaves) == b.capacity {
		return ErrBufferOverflow
	}
	b.leaves = append(b.leaves, c)
	return nil
}
