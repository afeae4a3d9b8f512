package octree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// requireBalanced checks every pair of face adjacent leaves directly.
func requireBalanced(t *testing.T, o *Octree) {
	t.Helper()
	for _, leaf := range o.AllLeaves() {
		for dir := XMin; dir <= ZMax; dir++ {
			nei, _ := o.FindNeighboursOverFace(leaf, dir)
			for _, n := range nei {
				d := leaf.Level() - n.Level()
				require.True(t, d >= -1 && d <= 1, "%v and %v differ by %d levels", leaf, n, d)
			}
		}
	}
	require.NoError(t, o.CheckRegularity())
}

func countFlags(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func TestEnsureCorrectRegularity(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 1)
	refine := make([]bool, o.NumLeaves())
	refine[0] = true
	require.NoError(t, m.RefineSelectedBoxes(refine, false))
	require.Equal(t, 15, o.NumLeaves())

	refine = make([]bool, o.NumLeaves())
	inner := o.FindCube(Coord{1, 1, 1}, 2)
	refine[inner.Index()] = true
	added := m.EnsureCorrectRegularity(refine)
	assert.Equal(t, 3, added, "the three coarse face neighbours of the inner corner")
	for _, c := range []Coord{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		assert.True(t, refine[o.FindCube(c, 1).Index()], "cube %v", c)
	}
	assert.Zero(t, m.EnsureCorrectRegularity(refine), "already a fixed point")
}

func TestRefineSelectedBoxesKeepsBalance(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 1)
	// Repeatedly refine the leaf at a corner so that regularity has to
	// cascade through several levels.
	corner := r3.Vec{X: .01, Y: .01, Z: .01}
	for i := 0; i < 5; i++ {
		refine := make([]bool, o.NumLeaves())
		refine[o.FindCubeForPosition(corner).Index()] = true
		require.NoError(t, m.RefineSelectedBoxes(refine, false))
		requireBalanced(t, o)
	}
	assert.Equal(t, 6, o.FindCubeForPosition(corner).Level())

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 4; round++ {
		refine := make([]bool, o.NumLeaves())
		for i := range refine {
			refine[i] = rng.Intn(10) == 0
		}
		require.NoError(t, m.RefineSelectedBoxes(refine, round%2 == 0))
		requireBalanced(t, o)
	}
	assert.Error(t, m.RefineSelectedBoxes(make([]bool, 3), false))
}

func TestEnsureCorrectRegularitySons(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 2)
	refine := make([]bool, o.NumLeaves())
	refine[0] = true
	assert.True(t, m.EnsureCorrectRegularitySons(refine))
	assert.Equal(t, 8, countFlags(refine))
	for i := 0; i < 8; i++ {
		assert.True(t, refine[i], "sibling %d", i)
	}
	assert.False(t, m.EnsureCorrectRegularitySons(refine))

	refine = make([]bool, o.NumLeaves())
	refine[0] = true
	require.NoError(t, m.RefineSelectedBoxes(refine, true))
	assert.Equal(t, 64-8+64, o.NumLeaves())
}

func TestMarkAdditionalLayers(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 2)
	corner := o.FindCube(Coord{}, 2).Index()
	for _, test := range []struct{ layers, want int }{
		{0, 1},
		{1, 4},
		{2, 10}, // cubes with x+y+z <= 2.
		{3, 20},
	} {
		refine := make([]bool, o.NumLeaves())
		refine[corner] = true
		m.MarkAdditionalLayers(refine, test.layers)
		assert.Equal(t, test.want, countFlags(refine), "%d layers", test.layers)
	}
}

func TestMarkAdditionalLayersPerBox(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 2)
	n := o.NumLeaves()
	corner := o.FindCube(Coord{}, 2).Index()
	far := o.FindCube(Coord{3, 3, 3}, 2).Index()
	refine, nLayers, target := make([]int, n), make([]int, n), make([]int, n)
	refine[corner], nLayers[corner], target[corner] = 1, 2, 3
	refine[far], nLayers[far], target[far] = 1, 1, 2
	// The far box targets its own level: its layer selects nothing.
	assert.Equal(t, 10+1, m.MarkAdditionalLayersPerBox(refine, nLayers, target))

	refine, nLayers, target = make([]int, n), make([]int, n), make([]int, n)
	refine[corner], nLayers[corner], target[corner] = 1, 1, 2
	assert.Equal(t, 1, m.MarkAdditionalLayersPerBox(refine, nLayers, target))
}

func TestRefineAtMaxLevelSplitsNothing(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 1)
	deep := o.FindCube(Coord{1, 1, 1}, 1)
	for deep.Level() < MaxLevel {
		require.NoError(t, o.refineCube(deep))
		deep = deep.children[7]
	}
	o.CreateListOfLeaves()
	n := o.NumLeaves()
	first := o.FindCube(Coord{}, 1)
	require.Zero(t, first.Index())

	refine := make([]bool, n)
	refine[first.Index()] = true
	refine[deep.Index()] = true
	require.Error(t, m.refineFlagged(refine))
	assert.Equal(t, n, o.NumLeaves())
	assert.True(t, first.IsLeaf(), "leaf ahead of the failing one was split")
}

func TestRefineTreeForCoordinatesProtectsLocalLeaves(t *testing.T) {
	o, m := uniformTree(t, testSphere(t), 1)
	assert.Error(t, m.RefineTreeForCoordinates(Coord{}, 2, 1, Outside), "splits a local leaf")
	assert.Error(t, m.RefineTreeForCoordinates(Coord{1, 0, 0}, 1, 1, Outside), "replaces a local leaf")
	assert.Error(t, m.RefineTreeForCoordinates(Coord{2, 0, 0}, 1, 1, Outside), "outside the root")
	assert.Error(t, m.RefineTreeForCoordinates(Coord{}, MaxLevel+1, 1, Outside))

	// Turn a leaf into a placeholder and place a ghost below it.
	leaf := o.FindCube(Coord{1, 1, 1}, 1)
	leaf.proc = NoProc
	o.CreateListOfLeaves()
	require.NoError(t, m.RefineTreeForCoordinatesWithGeometry(Coord{3, 3, 3}, 2, 4, Data, []int{1, 2}, nil))
	o.CreateListOfLeaves()
	ghost := o.FindCube(Coord{3, 3, 3}, 2)
	require.NotNil(t, ghost)
	assert.True(t, o.IsGhost(ghost))
	assert.Equal(t, []int{1, 2}, ghost.Facets())
	assert.Equal(t, 7, o.NumLeaves())
	assert.Len(t, o.GhostLeaves(), 1)
	assert.Len(t, o.AllLeaves(), 7+8)

	// Placing the coarser cube again merges the stale structure below it.
	require.NoError(t, m.RefineTreeForCoordinates(Coord{1, 1, 1}, 1, 2, Outside))
	o.CreateListOfLeaves()
	assert.True(t, leaf.IsLeaf())
	assert.Equal(t, 2, leaf.Proc())
	assert.Len(t, o.AllLeaves(), 8)
}

func TestReduceMemoryConsumption(t *testing.T) {
	o, err := Create(testSphere(t), sphereSettings)
	require.NoError(t, err)
	nData := 0
	for _, leaf := range o.Leaves() {
		if leaf.HasGeometry() {
			leaf.SetType(Data)
			nData++
		} else {
			leaf.SetType(Outside)
			leaf.edges = []int{0} // must be dropped too.
		}
	}
	NewModifier(o).ReduceMemoryConsumption()
	for _, leaf := range o.Leaves() {
		if leaf.Type() == Data {
			assert.NotEmpty(t, leaf.Facets())
			nData--
		} else {
			assert.Nil(t, leaf.Facets())
			assert.Nil(t, leaf.Edges())
		}
	}
	assert.Zero(t, nData)
}
