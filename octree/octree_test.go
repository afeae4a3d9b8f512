package octree

import (
	"math"
	"testing"

	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var unitRoot = r3.Box{Max: r3.Vec{X: 1, Y: 1, Z: 1}}

func testSphere(t testing.TB) *surface.Surface {
	s, err := surface.NewSphere(r3.Vec{X: .5, Y: .5, Z: .5}, .3, 8)
	require.NoError(t, err)
	return s
}

var sphereSettings = Settings{
	MaxCellSize:      .25,
	BoundaryCellSize: .0625,
	FeatureAngle:     math.Pi / 4,
}

// uniformTree returns a tree over the unit root refined to level.
func uniformTree(t testing.TB, surf *surface.Surface, level int) (*Octree, *Modifier) {
	o, err := New(surf, unitRoot)
	require.NoError(t, err)
	m := NewModifier(o)
	for l := 0; l < level; l++ {
		refine := make([]bool, o.NumLeaves())
		for i := range refine {
			refine[i] = true
		}
		require.NoError(t, m.RefineSelectedBoxes(refine, false))
	}
	return o, m
}

func TestNewRejectsFlatRoot(t *testing.T) {
	_, err := New(testSphere(t), r3.Box{Max: r3.Vec{X: 1, Y: 1}})
	assert.Error(t, err)
}

func TestFindCubeForPosition(t *testing.T) {
	o, _ := uniformTree(t, testSphere(t), 1)
	for _, test := range []struct {
		p    r3.Vec
		want Coord
	}{
		{r3.Vec{}, Coord{0, 0, 0}},
		{r3.Vec{X: .5, Y: .2, Z: .2}, Coord{1, 0, 0}}, // shared face goes up.
		{r3.Vec{X: .4999, Y: .5, Z: .2}, Coord{0, 1, 0}},
		{r3.Vec{X: 1, Y: 1, Z: 1}, Coord{1, 1, 1}}, // root upper corner.
		{r3.Vec{X: 1, Y: 0, Z: .5}, Coord{1, 0, 1}},
	} {
		c := o.FindCubeForPosition(test.p)
		require.NotNil(t, c, "point %v", test.p)
		assert.Equal(t, test.want, c.Coord(), "point %v", test.p)
		assert.Equal(t, 1, c.Level())
	}
	assert.Nil(t, o.FindCubeForPosition(r3.Vec{X: 1.0001, Y: .5, Z: .5}))
	assert.Nil(t, o.FindCubeForPosition(r3.Vec{X: .5, Y: -1e-12, Z: .5}))
}

func TestCreateListOfLeaves(t *testing.T) {
	o, err := Create(testSphere(t), sphereSettings)
	require.NoError(t, err)
	leaves := o.Leaves()
	require.NotEmpty(t, leaves)
	seen := make(map[*Cube]int)
	for i, leaf := range leaves {
		seen[leaf]++
		assert.Equal(t, i, leaf.Index())
		if i > 0 {
			prev := leaves[i-1]
			require.Less(t, CubeRange(prev.Coord(), prev.Level()).Hi-1, Key(leaf.Coord(), leaf.Level()), "leaves out of Morton order at %d", i)
		}
	}
	nLeaves := 0
	o.Walk(func(c *Cube) bool {
		if c.IsLeaf() {
			nLeaves++
			assert.Equal(t, 1, seen[c], "leaf %v listed %d times", c, seen[c])
		} else {
			assert.Equal(t, -1, c.Index())
		}
		return true
	})
	assert.Equal(t, nLeaves, len(leaves))
	assert.Len(t, o.AllLeaves(), nLeaves)
	assert.Empty(t, o.GhostLeaves())
}

func TestCreateListOfLeavesKeepsOldList(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 1)
	before := o.Leaves()
	snapshot := append([]*Cube(nil), before...)
	refine := make([]bool, o.NumLeaves())
	refine[0] = true
	require.NoError(t, m.RefineSelectedBoxes(refine, false))
	require.Equal(t, 15, o.NumLeaves())
	assert.Equal(t, snapshot, before, "list returned before refinement was overwritten")
}

func TestCubeGeometryLists(t *testing.T) {
	surf := testSphere(t)
	o, err := Create(surf, sphereSettings)
	require.NoError(t, err)
	edges := surf.Addressing().Edges()
	feature := make(map[int]bool)
	for _, e := range surf.Addressing().FeatureEdges(sphereSettings.FeatureAngle) {
		feature[e] = true
	}
	withFacets := 0
	for _, leaf := range o.Leaves() {
		b := o.inflated(leaf.Coord(), leaf.Level())
		var want []int
		for f := range surf.Facets() {
			if surf.Triangle(f).OverlapsBox(b) {
				want = append(want, f)
			}
		}
		assert.Equal(t, want, leaf.Facets(), "leaf %v", leaf)
		if len(want) > 0 {
			withFacets++
			assert.Equal(t, o.levelFor(sphereSettings.BoundaryCellSize), leaf.Level(), "boundary leaf %v", leaf)
		}
		for _, e := range leaf.Edges() {
			assert.True(t, feature[e])
			pts := surf.Points()
			assert.True(t, d3.SegmentOverlapsBox(pts[edges[e].Start], pts[edges[e].End], b))
		}
	}
	assert.NotZero(t, withFacets)
	require.NoError(t, o.CheckRegularity())
}

func TestCreateUnitCube(t *testing.T) {
	box, err := surface.NewBox(unitRoot)
	require.NoError(t, err)
	o, err := Create(box, Settings{MaxCellSize: .5})
	require.NoError(t, err)
	assert.Equal(t, unitRoot, o.RootBox())
	require.Equal(t, 8, o.NumLeaves())
	for i, leaf := range o.Leaves() {
		assert.Equal(t, 1, leaf.Level())
		assert.Equal(t, childCoord(Coord{}, i), leaf.Coord())
		assert.True(t, leaf.HasGeometry(), "leaf %v touches three faces", leaf)
	}
}

func TestRootBox(t *testing.T) {
	s := Settings{MaxCellSize: .125, RootPadding: .25}
	root, levels := s.RootBox(r3.Box{Min: r3.Vec{X: .25, Y: .25, Z: .25}, Max: r3.Vec{X: .75, Y: .75, Z: .75}})
	assert.Equal(t, 3, levels)
	assert.True(t, d3.Box(root).Equals(d3.Box(unitRoot), 1e-12))

	s = Settings{MaxCellSize: 2}
	root, levels = s.RootBox(r3.Box{Max: r3.Vec{X: 1, Y: .5, Z: .1}})
	assert.Equal(t, 0, levels)
	assert.InDelta(t, 2, root.Max.X-root.Min.X, 1e-12)
}

func TestFindLeavesContainedInBox(t *testing.T) {
	o, _ := uniformTree(t, testSphere(t), 2)
	query := r3.Box{Min: r3.Vec{X: .1, Y: .1, Z: .1}, Max: r3.Vec{X: .5, Y: .3, Z: .2}}
	buf := NewLeafBuffer(64)
	require.NoError(t, o.FindLeavesContainedInBox(query, buf))
	// x spans cells 0..2 (0.5 is a shared face), y spans 0..1, z spans 0.
	assert.Equal(t, 3*2*1, buf.Len())
	for _, leaf := range buf.Leaves() {
		assert.True(t, d3.Box(o.CubeBox(leaf)).Overlaps(d3.Box(query)))
	}

	small := NewLeafBuffer(4)
	err := o.FindLeavesContainedInBox(query, small)
	assert.ErrorIs(t, err, ErrBufferOverflow)
	assert.Equal(t, 4, small.Len(), "partial results are kept")
	small.Reset()
	assert.Zero(t, small.Len())
}

func TestFindNeighboursOverFace(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 2)
	refine := make([]bool, o.NumLeaves())
	refine[o.FindCube(Coord{1, 1, 1}, 2).Index()] = true
	require.NoError(t, m.RefineSelectedBoxes(refine, false))

	coarse := o.FindCube(Coord{0, 1, 1}, 2)
	nei, ok := o.FindNeighboursOverFace(coarse, XMax)
	require.True(t, ok)
	var coords []Coord
	for _, n := range nei {
		assert.Equal(t, 3, n.Level())
		coords = append(coords, n.Coord())
	}
	assert.ElementsMatch(t, []Coord{{2, 2, 2}, {2, 3, 2}, {2, 2, 3}, {2, 3, 3}}, coords)

	fine := o.FindCube(Coord{2, 2, 2}, 3)
	nei, ok = o.FindNeighboursOverFace(fine, XMin)
	require.True(t, ok)
	assert.Equal(t, []*Cube{coarse}, nei)

	corner := o.FindCube(Coord{0, 0, 0}, 2)
	nei, ok = o.FindNeighboursOverFace(corner, XMin)
	assert.False(t, ok)
	assert.Empty(t, nei)
	assert.True(t, OnRootBoundary(corner, YMin))
	assert.False(t, OnRootBoundary(corner, ZMax))
	assert.Len(t, o.FindAllNeighbours(corner), 3)
	assert.Len(t, o.FindAllNeighbours(coarse), 4+4)
}

func TestFindNearestSurfacePoint(t *testing.T) {
	surf := testSphere(t)
	o, err := Create(surf, sphereSettings)
	require.NoError(t, err)
	for _, p := range []r3.Vec{
		{X: .5, Y: .5, Z: .95},
		{X: .1, Y: .2, Z: .3},
		{X: .5, Y: .5, Z: .5},
		{X: .55, Y: .45, Z: .79},
	} {
		got, facet, ok := o.FindNearestSurfacePoint(p)
		require.True(t, ok)
		best := math.Inf(1)
		for f := range surf.Facets() {
			q := surf.Triangle(f).Closest(p)
			best = math.Min(best, r3.Norm(r3.Sub(q, p)))
		}
		assert.InDelta(t, best, r3.Norm(r3.Sub(got, p)), 1e-12, "point %v", p)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(surf.Triangle(facet).Closest(p), got)), 1e-12)
	}
}

func TestFindNearestSurfacePointWithoutFacets(t *testing.T) {
	surf := testSphere(t)
	o, err := Create(surf, sphereSettings)
	require.NoError(t, err)
	for _, leaf := range o.Leaves() {
		leaf.SetType(Outside)
	}
	NewModifier(o).ReduceMemoryConsumption()
	p := r3.Vec{X: .1, Y: .9, Z: .4}
	got, facet, ok := o.FindNearestSurfacePoint(p)
	require.True(t, ok)
	want, wantFacet := surf.Addressing().NearestFacet(p)
	assert.Equal(t, wantFacet, facet)
	assert.Equal(t, want, got)
}

func TestTypeMask(t *testing.T) {
	var all TypeMask
	for typ := Unknown; typ <= Data; typ++ {
		assert.True(t, all.Has(typ))
	}
	m := MaskOf(Data, Inside)
	assert.True(t, m.Has(Data))
	assert.True(t, m.Has(Inside))
	assert.False(t, m.Has(Outside))
	assert.Equal(t, "outside", Outside.String())
}

func TestKeyOrder(t *testing.T) {
	assert.Zero(t, Key(Coord{}, 0))
	assert.Equal(t, span(0), CubeRange(Coord{}, 0).Hi)
	prev := Key(Coord{}, 1)
	for i := 1; i < 8; i++ {
		k := Key(childCoord(Coord{}, i), 1)
		assert.Equal(t, prev+span(1), k)
		prev = k
	}
	parent := CubeRange(Coord{1, 0, 1}, 1)
	for i := 0; i < 8; i++ {
		child := CubeRange(childCoord(Coord{1, 0, 1}, i), 2)
		assert.True(t, parent.Overlaps(child))
		assert.True(t, parent.Lo <= child.Lo && child.Hi <= parent.Hi)
	}
	assert.False(t, KeyRange{}.Overlaps(parent))
}

func BenchmarkCreate(b *testing.B) {
	surf := testSphere(b)
	for i := 0; i < b.N; i++ {
		if _, err := Create(surf, sphereSettings); err != nil {
			b.Fatal(err)
		}
	}
}
