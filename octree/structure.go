package octree

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Structure is the capability to change the topology of a tree. Its
// mutating methods are unexported so *Octree is the only implementation
// and a Modifier is the only holder.
type Structure interface {
	Leaves() []*Cube
	CreateListOfLeaves()
	FindNeighboursOverFace(c *Cube, dir Dir) ([]*Cube, bool)
	FindCube(c Coord, level int) *Cube
	Rank() int

	octree() *Octree
	logger() *zap.SugaredLogger
	refineCube(c *Cube) error
	placeCube(info CubeInfo) error
	collapseRemote(keepGhosts bool) int
	setCommunication(rank int, ranges []KeyRange, neiProcs []int)
}

var _ Structure = (*Octree)(nil)

func (o *Octree) octree() *Octree             { return o }
func (o *Octree) logger() *zap.SugaredLogger { return o.log }

// refineCube splits leaf c into 8 children that inherit its owner and keep
// the subset of its facets and edges intersecting them.
func (o *Octree) refineCube(c *Cube) error {
	if !c.IsLeaf() {
		return errors.Errorf("cannot refine internal %v", c)
	}
	if c.level >= MaxLevel {
		return errors.Errorf("cannot refine %v beyond level %d", c, MaxLevel)
	}
	c.children = make([]*Cube, 8)
	for i := range c.children {
		child := &Cube{
			coord: childCoord(c.coord, i),
			level: c.level + 1,
			proc:  c.proc,
			index: -1,
		}
		if c.proc == NoProc {
			child.typ = c.typ
		}
		b := o.inflated(child.coord, child.level)
		for _, f := range c.facets {
			if o.surf.Triangle(f).OverlapsBox(b) {
				child.facets = append(child.facets, f)
			}
		}
		for _, e := range c.edges {
			if o.edgeOverlaps(e, b) {
				child.edges = append(child.edges, e)
			}
		}
		c.children[i] = child
	}
	c.facets, c.edges = nil, nil
	c.index = -1
	return nil
}

// placeCube materialises the leaf described by info, refining remote
// leaves above it and collapsing remote cubes below it. Replacing or
// splitting a local leaf is an error.
func (o *Octree) placeCube(info CubeInfo) error {
	if info.Level < 0 || info.Level > MaxLevel {
		return errors.Errorf("cube level %d out of range", info.Level)
	}
	for i, v := range info.Coord {
		if v < 0 || v >= 1<<info.Level {
			return errors.Errorf("cube coordinate %d out of range at level %d: %v", i, info.Level, info.Coord)
		}
	}
	c := o.root
	for c.level < info.Level {
		if c.IsLeaf() {
			if o.IsLocal(c) {
				return errors.Errorf("placing cube %v@%d would split local leaf %v", info.Coord, info.Level, c)
			}
			// A stale ghost split on the way down leaves placeholders.
			c.proc, c.typ = NoProc, Unknown
			c.facets, c.edges = nil, nil
			if err := o.refineCube(c); err != nil {
				return err
			}
		}
		c = c.children[octantOf(info.Coord, info.Level, c.level)]
	}
	if o.hasLocalLeaf(c) {
		return errors.Errorf("placing cube %v@%d would overwrite local leaf", info.Coord, info.Level)
	}
	c.children = nil
	c.typ = info.Type
	c.proc = info.Proc
	c.facets = info.Facets
	c.edges = info.Edges
	c.index = -1
	return nil
}

func (o *Octree) hasLocalLeaf(c *Cube) bool {
	if c.IsLeaf() {
		return o.IsLocal(c)
	}
	for _, child := range c.children {
		if o.hasLocalLeaf(child) {
			return true
		}
	}
	return false
}

// collapseRemote turns ghosts into placeholders unless keepGhosts is set and
// merges every subtree made only of placeholders into one placeholder.
// It returns the number of cubes removed.
func (o *Octree) collapseRemote(keepGhosts bool) int {
	removed := 0
	var collapse func(c *Cube) bool
	collapse = func(c *Cube) bool {
		if c.IsLeaf() {
			if o.IsGhost(c) && !keepGhosts {
				*c = Cube{coord: c.coord, level: c.level, proc: NoProc, index: -1}
			}
			return c.proc == NoProc
		}
		all := true
		for _, child := range c.children {
			if !collapse(child) {
				all = false
			}
		}
		if all {
			removed += len(c.children)
			*c = Cube{coord: c.coord, level: c.level, proc: NoProc, index: -1}
		}
		return all
	}
	collapse(o.root)
	return removed
}

func (o *Octree) setCommunication(rank int, ranges []KeyRange, neiProcs []int) {
	o.rank = rank
	o.ranges = ranges
	o.neiProcs = neiProcs
}
