package surface

import (
	"math"

	"github.com/soypat/cfmesh/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// NewBox returns the closed surface of an axis aligned box with outward facing
// normals. Every face of the box is its own region.
func NewBox(b r3.Box, opts ...Option) (*Surface, error) {
	points := make([]r3.Vec, 8)
	for i := range points {
		points[i] = r3.Vec{X: b.Min.X, Y: b.Min.Y, Z: b.Min.Z}
		if i&1 != 0 {
			points[i].X = b.Max.X
		}
		if i&2 != 0 {
			points[i].Y = b.Max.Y
		}
		if i&4 != 0 {
			points[i].Z = b.Max.Z
		}
	}
	quads := [6][4]int{
		{0, 2, 6, 4}, // -x
		{1, 5, 7, 3}, // +x
		{0, 4, 5, 1}, // -y
		{2, 3, 7, 6}, // +y
		{0, 1, 3, 2}, // -z
		{4, 6, 7, 5}, // +z
	}
	center := d3.Box(b).Center()
	var facets []Facet
	for region, q := range quads {
		facets = append(facets,
			orientOutward(points, center, Facet{V: [3]int{q[0], q[1], q[2]}, Region: region}),
			orientOutward(points, center, Facet{V: [3]int{q[0], q[2], q[3]}, Region: region}),
		)
	}
	opts = append([]Option{WithRegions([]string{"xMin", "xMax", "yMin", "yMax", "zMin", "zMax"})}, opts...)
	return New(points, facets, opts...)
}

// NewSphere returns a closed UV sphere surface with the given number of stacks
// and twice as many slices. stacks must be at least 2.
func NewSphere(center r3.Vec, radius float64, stacks int, opts ...Option) (*Surface, error) {
	if stacks < 2 {
		stacks = 2
	}
	slices := 2 * stacks
	points := []r3.Vec{r3.Add(center, r3.Vec{Z: radius})}
	for i := 1; i < stacks; i++ {
		phi := math.Pi * float64(i) / float64(stacks)
		for j := 0; j < slices; j++ {
			theta := 2 * math.Pi * float64(j) / float64(slices)
			points = append(points, r3.Add(center, r3.Vec{
				X: radius * math.Sin(phi) * math.Cos(theta),
				Y: radius * math.Sin(phi) * math.Sin(theta),
				Z: radius * math.Cos(phi),
			}))
		}
	}
	south := len(points)
	points = append(points, r3.Add(center, r3.Vec{Z: -radius}))
	ring := func(i, j int) int { return 1 + (i-1)*slices + j%slices }
	var facets []Facet
	for j := 0; j < slices; j++ {
		facets = append(facets, orientOutward(points, center, Facet{V: [3]int{0, ring(1, j), ring(1, j+1)}}))
		facets = append(facets, orientOutward(points, center, Facet{V: [3]int{south, ring(stacks-1, j+1), ring(stacks-1, j)}}))
		for i := 1; i < stacks-1; i++ {
			a, b := ring(i, j), ring(i, j+1)
			c, d := ring(i+1, j), ring(i+1, j+1)
			facets = append(facets,
				orientOutward(points, center, Facet{V: [3]int{a, c, d}}),
				orientOutward(points, center, Facet{V: [3]int{a, d, b}}),
			)
		}
	}
	return New(points, facets, opts...)
}

func orientOutward(points []r3.Vec, center r3.Vec, f Facet) Facet {
	tri := d3.Triangle{points[f.V[0]], points[f.V[1]], points[f.V[2]]}
	if r3.Dot(tri.Normal(), r3.Sub(tri.Centroid(), center)) < 0 {
		f.V[1], f.V[2] = f.V[2], f.V[1]
	}
	return f
}
