package surface

import (
	"math"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// FromSoup builds a connected surface from a triangle soup by merging
// vertices that fall in the same cell of a grid of size vertexTol.
// vertexTol should be of the order of 1/1000th of the size of the smallest
// triangle in the model. If zero it is inferred from the shortest edge.
func FromSoup(soup *Soup, vertexTolOrZero float64, opts ...Option) (*Surface, error) {
	if len(soup.Triangles) == 0 {
		return nil, errors.New("empty triangle soup")
	}
	if len(soup.Regions) != len(soup.Triangles) {
		return nil, errors.Errorf("got %d region tags for %d triangles", len(soup.Regions), len(soup.Triangles))
	}
	bb := d3.EmptyBox()
	minDist2 := math.MaxFloat64
	maxDist2 := -math.MaxFloat64
	for _, tri := range soup.Triangles {
		for j, vert := range tri {
			bb = bb.Include(vert)
			side2 := r3.Norm2(r3.Sub(tri[(j+1)%3], vert))
			if side2 > 0 {
				minDist2 = math.Min(minDist2, side2)
			}
			maxDist2 = math.Max(maxDist2, side2)
		}
	}
	if minDist2 == math.MaxFloat64 {
		return nil, errors.New("all triangles are degenerate")
	}
	tol := vertexTolOrZero
	suggested := math.Sqrt(minDist2) / 256
	if tol > math.Sqrt(maxDist2)/2 {
		return nil, errors.Errorf("vertex tolerance is too large to generate appropiate mesh, suggested tolerance: %g", suggested)
	}
	if tol <= 0 {
		tol = suggested
	}
	if d3.Max(bb.Size())/tol > math.MaxInt64/2 {
		return nil, errors.New("tolerance too small. overflowed int64")
	}
	cache := make(map[[3]int64]int)
	ri := 1 / tol
	var points []r3.Vec
	facets := make([]Facet, 0, len(soup.Triangles))
	for i, tri := range soup.Triangles {
		f := Facet{Region: soup.Regions[i]}
		for j, vert := range tri {
			// Scale vert to be integer in resolution-space.
			v := r3.Scale(ri, r3.Sub(vert, bb.Min))
			vi := [3]int64{int64(math.Round(v.X)), int64(math.Round(v.Y)), int64(math.Round(v.Z))}
			idx, ok := cache[vi]
			if !ok {
				idx = len(points)
				cache[vi] = idx
				points = append(points, vert)
			}
			f.V[j] = idx
		}
		if f.V[0] == f.V[1] || f.V[1] == f.V[2] || f.V[2] == f.V[0] {
			continue // collapsed by welding.
		}
		facets = append(facets, f)
	}
	opts = append([]Option{WithRegions(soup.RegionNames)}, opts...)
	return New(points, facets, opts...)
}
