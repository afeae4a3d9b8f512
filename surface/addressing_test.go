package surface

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func unitBox(t testing.TB, opts ...Option) *Surface {
	s, err := NewBox(r3.Box{Max: r3.Vec{X: 1, Y: 1, Z: 1}}, opts...)
	require.NoError(t, err)
	return s
}

// uniquePairs counts distinct undirected vertex pairs over all facets.
func uniquePairs(s *Surface) int {
	pairs := make(map[Edge]struct{})
	for _, f := range s.Facets() {
		for i := 0; i < 3; i++ {
			a, b := f.V[i], f.V[(i+1)%3]
			if a > b {
				a, b = b, a
			}
			pairs[Edge{a, b}] = struct{}{}
		}
	}
	return len(pairs)
}

func TestEdgesDeduplicated(t *testing.T) {
	box := unitBox(t)
	assert.Len(t, box.Addressing().Edges(), 18)
	assert.Equal(t, uniquePairs(box), len(box.Addressing().Edges()))

	const stacks = 7
	sphere, err := NewSphere(r3.Vec{}, 1, stacks)
	require.NoError(t, err)
	edges := sphere.Addressing().Edges()
	assert.Len(t, edges, 6*stacks*(stacks-1))
	assert.Equal(t, uniquePairs(sphere), len(edges))
	for i, e := range edges {
		require.Less(t, e.Start, e.End)
		if i > 0 {
			prev := edges[i-1]
			require.True(t, prev.Start < e.Start || prev.Start == e.Start && prev.End < e.End, "edges not ordered at %d", i)
		}
	}
}

func TestEdgesIndependentOfWorkers(t *testing.T) {
	var reference []Edge
	var referenceFE [][3]int
	for _, workers := range []int{1, 2, 3, 5, 16, 1000} {
		s, err := NewSphere(r3.Vec{X: 1}, 2, 9, WithWorkers(workers))
		require.NoError(t, err)
		edges := s.Addressing().Edges()
		fe := s.Addressing().FacetEdges()
		if reference == nil {
			reference, referenceFE = edges, fe
			continue
		}
		assert.Equal(t, reference, edges, "workers=%d", workers)
		assert.Equal(t, referenceFE, fe, "workers=%d", workers)
		// Idempotent on a second request and after clearing.
		s.Addressing().ClearAddressing()
		assert.Equal(t, reference, s.Addressing().Edges())
	}
}

func TestFacetEdgesRoundTrip(t *testing.T) {
	s, err := NewSphere(r3.Vec{}, 1, 6, WithWorkers(4))
	require.NoError(t, err)
	addr := s.Addressing()
	fe := addr.FacetEdges()
	ef := addr.EdgeFacets()
	edges := addr.Edges()
	for f, slots := range fe {
		v := s.Facets()[f].V
		for i, e := range slots {
			require.GreaterOrEqual(t, e, 0)
			assert.Contains(t, ef[e], f)
			a, b := v[i], v[(i+1)%3]
			if a > b {
				a, b = b, a
			}
			assert.Equal(t, Edge{a, b}, edges[e])
		}
	}
	for e, facets := range ef {
		assert.Len(t, facets, 2, "closed surface edge %d", e)
	}
	pe := addr.PointEdges()
	for e, edge := range edges {
		assert.Contains(t, pe[edge.Start], e)
		assert.Contains(t, pe[edge.End], e)
	}
	ff := addr.FacetFacetsEdges()
	for f, nei := range ff {
		assert.Len(t, nei, 3, "facet %d", f)
		assert.NotContains(t, nei, f)
		for _, n := range nei {
			assert.Contains(t, ff[n], f)
		}
	}
}

func TestCorruptFacet(t *testing.T) {
	_, err := New([]r3.Vec{{}, {X: 1}, {Y: 1}}, []Facet{{V: [3]int{0, 1, 3}}})
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 0, corrupt.Facet)
	assert.Equal(t, 3, corrupt.Vertex)

	s := unitBox(t)
	bad := append([]Facet(nil), s.Facets()...)
	bad[5].V[2] = -1
	require.Error(t, s.SetFacets(bad))
	assert.Len(t, s.Addressing().Edges(), 18, "failed SetFacets must keep old facets")
}

func TestGeometryInvalidation(t *testing.T) {
	s := unitBox(t)
	addr := s.Addressing()
	edges := addr.Edges()
	centres := addr.FacetCentres()
	require.Len(t, centres, 12)
	for i, n := range addr.FacetNormals() {
		c := centres[i]
		// Outward: normal points away from the box center.
		assert.Greater(t, r3.Dot(n, r3.Sub(c, r3.Vec{X: .5, Y: .5, Z: .5})), 0.0)
	}

	moved := make([]r3.Vec, len(s.Points()))
	for i, p := range s.Points() {
		moved[i] = r3.Add(p, r3.Vec{X: 10})
	}
	require.NoError(t, s.MovePoints(moved))
	assert.InDelta(t, 10, addr.FacetCentres()[0].X, 1e-12)
	// Topology survives a pure coordinate change.
	assert.Same(t, &edges[0], &addr.Edges()[0])
	require.Error(t, s.MovePoints(moved[:3]))
}

func TestPointNormalsDegenerate(t *testing.T) {
	// Two coincident facets of opposite orientation cancel out.
	pts := []r3.Vec{{}, {X: 1}, {Y: 1}}
	s, err := New(pts, []Facet{{V: [3]int{0, 1, 2}}, {V: [3]int{0, 2, 1}}})
	require.NoError(t, err)
	for _, n := range s.Addressing().PointNormals() {
		assert.Equal(t, r3.Vec{}, n)
	}
	assert.Len(t, s.Addressing().FeatureEdges(0.5), 3)
}

func TestFeatureEdges(t *testing.T) {
	s := unitBox(t)
	// Box faces are regions: the 12 box edges separate regions, the 6
	// diagonals do not.
	assert.Len(t, s.Addressing().FeatureEdges(3), 12)

	sphere, err := NewSphere(r3.Vec{}, 1, 16)
	require.NoError(t, err)
	assert.Empty(t, sphere.Addressing().FeatureEdges(0.5))
}

func BenchmarkEdges(b *testing.B) {
	s, err := NewSphere(r3.Vec{}, 1, 200)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < b.N; i++ {
		s.Addressing().ClearAddressing()
		s.Addressing().Edges()
	}
}

func TestNearestFacet(t *testing.T) {
	sphere, err := NewSphere(r3.Vec{X: 1, Y: -2, Z: .5}, 1.5, 9)
	require.NoError(t, err)
	addr := sphere.Addressing()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		p := r3.Vec{X: 6*rng.Float64() - 2, Y: 6*rng.Float64() - 5, Z: 6*rng.Float64() - 2.5}
		got, facet := addr.NearestFacet(p)
		best := math.Inf(1)
		for f := range sphere.Facets() {
			best = math.Min(best, r3.Norm(r3.Sub(sphere.Triangle(f).Closest(p), p)))
		}
		require.InDelta(t, best, r3.Norm(r3.Sub(got, p)), 1e-12, "point %v", p)
		assert.Equal(t, got, sphere.Triangle(facet).Closest(p))
	}
	addr.ClearGeometry()
	_, facet := addr.NearestFacet(r3.Vec{X: 1, Y: -2, Z: 3})
	assert.NotEqual(t, -1, facet)

	empty, err := New(nil, nil)
	require.NoError(t, err)
	p, facet := empty.Addressing().NearestFacet(r3.Vec{X: 1})
	assert.Equal(t, -1, facet)
	assert.Equal(t, r3.Vec{X: 1}, p)
}
