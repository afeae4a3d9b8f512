// Package surface implements triangulated surfaces and their demand-driven
// topological and geometric addressing.
package surface

import (
	"fmt"
	"runtime"

	"github.com/soypat/cfmesh/internal/d3"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// Facet is a triangle of the surface given by three point indices and
// the index of the region (patch) it belongs to.
type Facet struct {
	V      [3]int
	Region int
}

// Surface is a triangulated surface. Point coordinates and facets are
// only mutable through methods so that cached addressing is invalidated.
type Surface struct {
	points  []r3.Vec
	facets  []Facet
	regions []string
	addr    *Addressing
	log     *zap.SugaredLogger
	workers int
}

// Option configures a Surface.
type Option func(*Surface)

// WithLogger sets the logger used to report degenerate geometry.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Surface) { s.log = l }
}

// WithWorkers sets the number of partitions used when computing addressing.
// Values below 1 are interpreted as one.
func WithWorkers(n int) Option {
	return func(s *Surface) { s.workers = max(1, n) }
}

// WithRegions names the regions referenced by facets.
func WithRegions(names []string) Option {
	return func(s *Surface) { s.regions = names }
}

// CorruptionError reports a facet referencing a point that does not exist.
// It is unrecoverable: the input itself is invalid.
type CorruptionError struct {
	Facet   int
	Vertex  int
	NPoints int
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("facet %d references point %d, surface has %d points", e.Facet, e.Vertex, e.NPoints)
}

// New creates a surface from points and facets. It returns a *CorruptionError
// if any facet references a non-existent point.
func New(points []r3.Vec, facets []Facet, opts ...Option) (*Surface, error) {
	s := &Surface{
		points:  points,
		facets:  facets,
		log:     zap.NewNop().Sugar(),
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	s.addr = newAddressing(s)
	return s, nil
}

// Check validates that every facet vertex is a valid point index.
func (s *Surface) Check() error {
	for i, f := range s.facets {
		for _, v := range f.V {
			if v < 0 || v >= len(s.points) {
				return &CorruptionError{Facet: i, Vertex: v, NPoints: len(s.points)}
			}
		}
	}
	return nil
}

// Points returns the surface points. The returned slice must not be modified.
func (s *Surface) Points() []r3.Vec { return s.points }

// Facets returns the surface facets. The returned slice must not be modified.
func (s *Surface) Facets() []Facet { return s.facets }

// Regions returns the region names. May be shorter than the highest region index.
func (s *Surface) Regions() []string { return s.regions }

// RegionName returns the name of region i, generating one if unnamed.
func (s *Surface) RegionName(i int) string {
	if i >= 0 && i < len(s.regions) && s.regions[i] != "" {
		return s.regions[i]
	}
	return fmt.Sprintf("patch%d", i)
}

// NRegions returns the number of regions referenced by facets or named.
func (s *Surface) NRegions() int {
	n := len(s.regions)
	for _, f := range s.facets {
		n = max(n, f.Region+1)
	}
	return n
}

// Triangle returns the geometry of facet i.
func (s *Surface) Triangle(i int) d3.Triangle {
	f := s.facets[i]
	return d3.Triangle{s.points[f.V[0]], s.points[f.V[1]], s.points[f.V[2]]}
}

// Bounds returns the bounding box of all surface points.
func (s *Surface) Bounds() d3.Box {
	bb := d3.EmptyBox()
	for _, p := range s.points {
		bb = bb.Include(p)
	}
	return bb
}

// Addressing returns the demand-driven addressing of the surface.
func (s *Surface) Addressing() *Addressing { return s.addr }

// MovePoints replaces the point coordinates. The number of points must not change.
// Only geometric addressing is invalidated.
func (s *Surface) MovePoints(points []r3.Vec) error {
	if len(points) != len(s.points) {
		return fmt.Errorf("moving points changes point count from %d to %d", len(s.points), len(points))
	}
	s.points = points
	s.addr.ClearGeometry()
	return nil
}

// SetFacets replaces the facets and invalidates all addressing.
func (s *Surface) SetFacets(facets []Facet) error {
	old := s.facets
	s.facets = facets
	if err := s.Check(); err != nil {
		s.facets = old
		return err
	}
	s.addr.ClearAddressing()
	s.addr.ClearGeometry()
	return nil
}
