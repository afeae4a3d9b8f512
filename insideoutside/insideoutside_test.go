package insideoutside

import (
	"fmt"
	"testing"

	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/octree"
	"github.com/soypat/cfmesh/pstream"
	"github.com/soypat/cfmesh/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func box(t testing.TB, min, max float64) *surface.Surface {
	s, err := surface.NewBox(r3.Box{Min: d3.Elem(min), Max: d3.Elem(max)})
	require.NoError(t, err)
	return s
}

func sphere(t testing.TB) *surface.Surface {
	s, err := surface.NewSphere(r3.Vec{X: .5, Y: .5, Z: .5}, .3, 8)
	require.NoError(t, err)
	return s
}

var (
	paddedSettings = octree.Settings{MaxCellSize: .125, RootPadding: .25}
	sphereSettings = octree.Settings{MaxCellSize: .25, BoundaryCellSize: .0625}
)

func create(t testing.TB, s *surface.Surface, settings octree.Settings) *octree.Octree {
	o, err := octree.Create(s, settings)
	require.NoError(t, err)
	return o
}

func count(o *octree.Octree) map[octree.Type]int {
	n := make(map[octree.Type]int)
	for _, leaf := range o.Leaves() {
		n[leaf.Type()]++
	}
	return n
}

func TestUnitCubeAllData(t *testing.T) {
	o := create(t, box(t, 0, 1), octree.Settings{MaxCellSize: .5})
	require.Equal(t, 8, o.NumLeaves())
	res, err := Classify(o, pstream.Serial())
	require.NoError(t, err, "every leaf touches the surface: nothing to flood")
	assert.Equal(t, &Result{Data: 8}, res)
	assert.Equal(t, map[octree.Type]int{octree.Data: 8}, count(o))
}

func TestPaddedCube(t *testing.T) {
	o := create(t, box(t, .25, .75), paddedSettings)
	require.Equal(t, 512, o.NumLeaves())

	res, err := Classify(o, pstream.Serial(), WithRevisePolicy(ReviseNone))
	require.NoError(t, err)
	assert.Equal(t, 296, res.Outside)
	assert.Equal(t, 208, res.Data)
	assert.Equal(t, 8, res.Inside)
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, 1, res.Seeds)
	assert.Zero(t, res.Revised)

	// The surface lies on leaf faces: Data leaves next to Outside ones only
	// touch it tangentially.
	res, err = Classify(o, pstream.Serial())
	require.NoError(t, err)
	assert.Equal(t, 448, res.Outside)
	assert.Equal(t, 56, res.Data)
	assert.Equal(t, 8, res.Inside)
	assert.Equal(t, 152, res.Revised)
	for _, leaf := range o.Leaves() {
		c := leaf.Coord()
		inShell := true
		for _, v := range c {
			inShell = inShell && v >= 2 && v <= 5
		}
		if leaf.Type() == octree.Data {
			assert.True(t, inShell, "data leaf %v", leaf)
		}
	}
}

func TestNoOutsideSeed(t *testing.T) {
	// The surface coincides with the root box: the interior cannot be
	// reached from outside.
	o := create(t, box(t, 0, 1), octree.Settings{MaxCellSize: .25})
	require.Equal(t, 64, o.NumLeaves())
	_, err := Classify(o, pstream.Serial())
	assert.ErrorIs(t, err, ErrNoOutsideSeed)
}

func TestClassificationOrderIndependent(t *testing.T) {
	surf := sphere(t)
	o := create(t, surf, sphereSettings)
	var reference []octree.Type
	orders := map[string]Order{"fifo": FIFO, "lifo": LIFO}
	for seed := int64(1); seed <= 5; seed++ {
		orders[fmt.Sprintf("shuffled%d", seed)] = Shuffled(seed)
	}
	for name, order := range orders {
		_, err := Classify(o, pstream.Serial(), WithOrder(order))
		require.NoError(t, err)
		types := make([]octree.Type, o.NumLeaves())
		for i, leaf := range o.Leaves() {
			types[i] = leaf.Type()
			require.NotEqual(t, octree.Unknown, leaf.Type(), "%s: leaf %v", name, leaf)
		}
		if reference == nil {
			reference = types
			continue
		}
		assert.Equal(t, reference, types, name)
	}

	n := count(o)
	assert.NotZero(t, n[octree.Inside])
	assert.NotZero(t, n[octree.Outside])
	assert.NotZero(t, n[octree.Data])
	for _, leaf := range o.Leaves() {
		if leaf.Type() != octree.Inside {
			continue
		}
		// The triangulated sphere is inscribed in the exact one.
		for _, v := range d3.Box(o.CubeBox(leaf)).Vertices() {
			assert.Less(t, r3.Norm(r3.Sub(v, r3.Vec{X: .5, Y: .5, Z: .5})), .3, "inside leaf %v", leaf)
		}
	}
}

func TestRevisePolicyKeepsCrossingLeaves(t *testing.T) {
	o := create(t, sphere(t), sphereSettings)
	_, err := Classify(o, pstream.Serial(), WithRevisePolicy(ReviseNone))
	require.NoError(t, err)
	before := make([]octree.Type, o.NumLeaves())
	for i, leaf := range o.Leaves() {
		before[i] = leaf.Type()
	}
	res, err := Classify(o, pstream.Serial(), WithTolerance(1e-2))
	require.NoError(t, err)
	surf := o.Surface()
	for i, leaf := range o.Leaves() {
		if before[i] == leaf.Type() {
			continue
		}
		require.Equal(t, octree.Data, before[i])
		require.Equal(t, octree.Outside, leaf.Type())
		b := d3.Box(o.CubeBox(leaf))
		shrunk := b.Inflate(-1e-2 * d3.Min(b.Size()))
		for _, f := range leaf.Facets() {
			assert.False(t, surf.Triangle(f).OverlapsBox(shrunk), "revised leaf %v is crossed by facet %d", leaf, f)
		}
		res.Revised--
	}
	assert.Zero(t, res.Revised)
}

type leafKey struct {
	c     octree.Coord
	level int
}

func serialTypes(t *testing.T, surf *surface.Surface, settings octree.Settings) map[leafKey]octree.Type {
	o := create(t, surf, settings)
	_, err := Classify(o, pstream.Serial())
	require.NoError(t, err)
	types := make(map[leafKey]octree.Type)
	for _, leaf := range o.Leaves() {
		types[leafKey{leaf.Coord(), leaf.Level()}] = leaf.Type()
	}
	return types
}

func TestParallelMatchesSerial(t *testing.T) {
	for _, test := range []struct {
		name     string
		surf     *surface.Surface
		settings octree.Settings
	}{
		{"sphere", sphere(t), sphereSettings},
		{"padded cube", box(t, .25, .75), paddedSettings},
	} {
		want := serialTypes(t, test.surf, test.settings)
		for _, n := range []int{1, 4} {
			t.Run(fmt.Sprintf("%s/ranks=%d", test.name, n), func(t *testing.T) {
				err := pstream.Run(n, func(c pstream.Comm) error {
					o, err := octree.Create(test.surf, test.settings)
					if err != nil {
						return err
					}
					m := octree.NewModifier(o)
					if err := m.DistributeLeavesToProcessors(c); err != nil {
						return err
					}
					if err := m.LoadDistribution(c, 0); err != nil {
						return err
					}
					if err := m.AddLayerFromNeighbouringProcessors(c); err != nil {
						return err
					}
					if _, err := Classify(o, c, WithOrder(Shuffled(int64(c.Rank())))); err != nil {
						return err
					}
					for _, ghost := range o.GhostLeaves() {
						assert.Equal(t, want[leafKey{ghost.Coord(), ghost.Level()}], ghost.Type(), "ghost %v on rank %d", ghost, c.Rank())
					}
					leaves, err := o.GatherLeaves(c)
					if err != nil {
						return err
					}
					if len(leaves) != len(want) {
						return fmt.Errorf("gathered %d leaves, want %d", len(leaves), len(want))
					}
					for _, leaf := range leaves {
						k := leafKey{leaf.Coord, leaf.Level}
						if want[k] != leaf.Type {
							return fmt.Errorf("rank %d: leaf %v@%d is %v, serial %v", c.Rank(), k.c, k.level, leaf.Type, want[k])
						}
					}
					return nil
				})
				require.NoError(t, err)
			})
		}
	}
}

func TestMissingGhostLayer(t *testing.T) {
	surf := sphere(t)
	err := pstream.Run(2, func(c pstream.Comm) error {
		o, err := octree.Create(surf, sphereSettings)
		if err != nil {
			return err
		}
		if err := octree.NewModifier(o).DistributeLeavesToProcessors(c); err != nil {
			return err
		}
		_, err = Classify(o, c)
		return err
	})
	assert.Error(t, err)
}

func TestShuffledIsDeterministic(t *testing.T) {
	a, b := Shuffled(7), Shuffled(7)
	for n := 1; n < 50; n++ {
		assert.Equal(t, a(n), b(n))
	}
	assert.Zero(t, FIFO(10))
	assert.Equal(t, 9, LIFO(10))
}
