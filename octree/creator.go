package octree

import (
	"math"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/surface"
	"gonum.org/v1/gonum/spatial/r3"
)

// Settings control the refinement of an octree built by Create.
type Settings struct {
	// MaxCellSize is the size of the uniformly refined cubes. Required.
	MaxCellSize float64
	// BoundaryCellSize is the size of cubes intersected by the surface.
	// Zero means MaxCellSize.
	BoundaryCellSize float64
	// RegionCellSize overrides BoundaryCellSize per surface region name.
	RegionCellSize map[string]float64
	// Objects are boxes refined to their own cell size.
	Objects []ObjectRefinement
	// BoundaryLayers is the number of layers of cubes around the surface
	// refined to the level of the nearest intersected cube.
	BoundaryLayers int
	// HexRefinement refines siblings together.
	HexRefinement bool
	// RootPadding is added around the surface bounds before sizing the root.
	RootPadding float64
	// FeatureAngle in radians selects the surface edges tracked by cubes.
	// Zero disables edge tracking.
	FeatureAngle float64
}

// ObjectRefinement refines the cubes overlapping a box.
type ObjectRefinement struct {
	Name             string
	Box              r3.Box
	CellSize         float64
	AdditionalLayers int
}

// RootBox returns the cube centred on the surface bounds whose size is
// MaxCellSize times the smallest power of two covering the padded bounds,
// and the number of uniform refinements down to MaxCellSize.
func (s Settings) RootBox(bounds r3.Box) (r3.Box, int) {
	bb := d3.Box(bounds)
	extent := d3.Max(bb.Size()) + 2*s.RootPadding
	levels := 0
	if extent > s.MaxCellSize {
		levels = int(math.Ceil(math.Log2(extent/s.MaxCellSize) - 1e-9))
	}
	size := math.Ldexp(s.MaxCellSize, levels)
	return r3.Box(d3.NewBox(bb.Center(), d3.Elem(size))), levels
}

// Create builds an octree over surf refined according to s: uniformly to
// MaxCellSize, then cubes intersected by the surface to their region cell
// size, then object boxes, then boundary layers. Refinement keeps 2:1
// balance. All leaves belong to the rank given by WithRank.
func Create(surf *surface.Surface, s Settings, opts ...Option) (*Octree, error) {
	if !(s.MaxCellSize > 0) {
		return nil, errors.Errorf("maximum cell size must be positive, got %g", s.MaxCellSize)
	}
	if len(surf.Points()) == 0 || len(surf.Facets()) == 0 {
		return nil, errors.New("cannot build octree of an empty surface")
	}
	boundary := s.BoundaryCellSize
	if boundary <= 0 {
		boundary = s.MaxCellSize
	}
	root, levels := s.RootBox(r3.Box(surf.Bounds()))
	if levels > MaxLevel {
		return nil, errors.Errorf("maximum cell size %g needs %d levels, limit is %d", s.MaxCellSize, levels, MaxLevel)
	}
	var features []int
	if s.FeatureAngle > 0 {
		features = surf.Addressing().FeatureEdges(s.FeatureAngle)
	}
	opts = append([]Option{WithFeatureEdges(features), WithSearchRange(boundary)}, opts...)
	o, err := New(surf, root, opts...)
	if err != nil {
		return nil, err
	}
	m := NewModifier(o)
	for l := 0; l < levels; l++ {
		refine := make([]bool, o.NumLeaves())
		for i := range refine {
			refine[i] = true
		}
		if err := m.RefineSelectedBoxes(refine, s.HexRefinement); err != nil {
			return nil, err
		}
	}
	o.log.Infof("uniform refinement to level %d: %d leaves", levels, o.NumLeaves())

	if err := refineBoundary(m, s, boundary); err != nil {
		return nil, err
	}
	for _, obj := range s.Objects {
		if err := refineObject(m, s, obj); err != nil {
			return nil, errors.Wrapf(err, "refining object %q", obj.Name)
		}
	}
	if err := refineBoundaryLayers(m, s); err != nil {
		return nil, err
	}
	o.log.Infof("octree has %d leaves", o.NumLeaves())
	return o, nil
}

// levelFor returns the coarsest level whose cubes are not larger than size.
func (o *Octree) levelFor(size float64) int {
	if size <= 0 {
		return MaxLevel
	}
	l := int(math.Ceil(math.Log2(o.CubeSize(0)/size) - 1e-9))
	return max(0, min(MaxLevel, l))
}

func refineBoundary(m *Modifier, s Settings, boundary float64) error {
	o := m.Octree()
	facets := o.surf.Facets()
	regionLevel := make(map[int]int)
	facetLevel := func(f int) int {
		r := facets[f].Region
		l, ok := regionLevel[r]
		if !ok {
			size := boundary
			if rs, ok := s.RegionCellSize[o.surf.RegionName(r)]; ok && rs > 0 {
				size = rs
			}
			l = o.levelFor(size)
			regionLevel[r] = l
		}
		return l
	}
	for pass := 0; ; pass++ {
		refine := make([]bool, o.NumLeaves())
		n := 0
		for i, leaf := range o.leaves {
			for _, f := range leaf.facets {
				if leaf.level < facetLevel(f) {
					refine[i] = true
					n++
					break
				}
			}
		}
		if n == 0 {
			return nil
		}
		o.log.Debugf("boundary refinement pass %d: %d leaves", pass, n)
		if err := m.RefineSelectedBoxes(refine, s.HexRefinement); err != nil {
			return err
		}
	}
}

func refineObject(m *Modifier, s Settings, obj ObjectRefinement) error {
	o := m.Octree()
	target := o.levelFor(obj.CellSize)
	box := d3.Box(obj.Box)
	for {
		n := o.NumLeaves()
		refine, nLayers, targetLevel := make([]int, n), make([]int, n), make([]int, n)
		seeds := 0
		for i, leaf := range o.leaves {
			if leaf.level < target && o.box(leaf.coord, leaf.level).Overlaps(box) {
				refine[i], nLayers[i], targetLevel[i] = 1, obj.AdditionalLayers, target
				seeds++
			}
		}
		if seeds == 0 {
			return nil
		}
		if obj.AdditionalLayers > 0 {
			m.MarkAdditionalLayersPerBox(refine, nLayers, targetLevel)
		}
		if err := m.RefineSelectedBoxes(toFlags(refine), s.HexRefinement); err != nil {
			return err
		}
	}
}

func refineBoundaryLayers(m *Modifier, s Settings) error {
	if s.BoundaryLayers <= 0 {
		return nil
	}
	o := m.Octree()
	for {
		n := o.NumLeaves()
		refine, nLayers, targetLevel := make([]int, n), make([]int, n), make([]int, n)
		for i, leaf := range o.leaves {
			if leaf.HasGeometry() {
				refine[i], nLayers[i], targetLevel[i] = 1, s.BoundaryLayers, leaf.level
			}
		}
		m.MarkAdditionalLayersPerBox(refine, nLayers, targetLevel)
		flags := make([]bool, n)
		count := 0
		for i, leaf := range o.leaves {
			if refine[i] != 0 && !leaf.HasGeometry() {
				flags[i] = true
				count++
			}
		}
		if count == 0 {
			return nil
		}
		o.log.Debugf("boundary layer refinement: %d leaves", count)
		if err := m.RefineSelectedBoxes(flags, s.HexRefinement); err != nil {
			return err
		}
	}
}

func toFlags(selection []int) []bool {
	flags := make([]bool, len(selection))
	for i, v := range selection {
		flags[i] = v != 0
	}
	return flags
}
