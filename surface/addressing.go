package surface

import (
	"math"
	"sort"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// Edge is an undirected surface edge stored with Start <= End.
type Edge struct {
	Start, End int
}

// Addressing holds demand-driven connectivity and geometry of a Surface.
// Every field is computed on first request and cached until cleared.
// Topology (ClearAddressing) and geometry (ClearGeometry) are
// invalidated independently. Accessors are safe for concurrent use.
// Returned slices are shared and must not be modified.
type Addressing struct {
	s *Surface

	// topology group.
	topoMu      sync.Mutex
	pointFacets [][]int
	edges       []Edge
	facetEdges  [][3]int
	edgeFacets  [][]int
	pointEdges  [][]int
	facetFacets [][]int

	// geometry group. Lock order is geomMu then topoMu.
	geomMu       sync.Mutex
	pointNormals []r3.Vec
	facetNormals []r3.Vec
	facetCentres []r3.Vec
	centreTree   *centreTree
}

// degenerateNorm is the length below which averaged normals are considered degenerate.
const degenerateNorm = 1e-12

func newAddressing(s *Surface) *Addressing {
	return &Addressing{s: s}
}

// ClearAddressing frees all topological addressing.
func (a *Addressing) ClearAddressing() {
	a.topoMu.Lock()
	a.pointFacets = nil
	a.edges = nil
	a.facetEdges = nil
	a.edgeFacets = nil
	a.pointEdges = nil
	a.facetFacets = nil
	a.topoMu.Unlock()
}

// ClearGeometry frees normals and centres.
func (a *Addressing) ClearGeometry() {
	a.geomMu.Lock()
	a.pointNormals = nil
	a.facetNormals = nil
	a.facetCentres = nil
	a.centreTree = nil
	a.geomMu.Unlock()
}

// PointFacets returns for every point the facets using it, in increasing order.
func (a *Addressing) PointFacets() [][]int {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	return a.calcPointFacets()
}

// Edges returns the deduplicated undirected edges of the surface.
// Edge indices are ordered by lower endpoint, then by upper endpoint,
// and do not depend on the number of workers.
func (a *Addressing) Edges() []Edge {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	return a.calcEdges()
}

// FacetEdges returns the three edges of every facet. Slot i holds the edge
// between vertices i and i+1. Slots of degenerate facets may hold -1.
func (a *Addressing) FacetEdges() [][3]int {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	return a.calcFacetEdges()
}

// EdgeFacets returns the facets incident to every edge.
func (a *Addressing) EdgeFacets() [][]int {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	return a.calcEdgeFacets()
}

// PointEdges returns the edges incident to every point.
func (a *Addressing) PointEdges() [][]int {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	if a.pointEdges != nil {
		return a.pointEdges
	}
	edges := a.calcEdges()
	pe := make([][]int, len(a.s.points))
	for ie, e := range edges {
		pe[e.Start] = append(pe[e.Start], ie)
		pe[e.End] = append(pe[e.End], ie)
	}
	a.pointEdges = pe
	return pe
}

// FacetFacetsEdges returns for every facet the facets sharing one of its edges.
func (a *Addressing) FacetFacetsEdges() [][]int {
	a.topoMu.Lock()
	defer a.topoMu.Unlock()
	if a.facetFacets != nil {
		return a.facetFacets
	}
	fe := a.calcFacetEdges()
	ef := a.calcEdgeFacets()
	ff := make([][]int, len(fe))
	a.partition(len(fe), func(_, start, end int) error {
		for f := start; f < end; f++ {
			var nei []int
			for _, e := range fe[f] {
				if e < 0 {
					continue
				}
				for _, other := range ef[e] {
					if other != f {
						nei = append(nei, other)
					}
				}
			}
			sort.Ints(nei)
			ff[f] = lo.Uniq(nei)
		}
		return nil
	})
	a.facetFacets = ff
	return ff
}

func (a *Addressing) calcPointFacets() [][]int {
	if a.pointFacets != nil {
		return a.pointFacets
	}
	facets, np := a.s.facets, len(a.s.points)
	count := make([]int, np)
	for i, f := range facets {
		for _, v := range f.V {
			if v < 0 || v >= np {
				panic(&CorruptionError{Facet: i, Vertex: v, NPoints: np})
			}
			count[v]++
		}
	}
	// Single backing array, sliced per point.
	total := 0
	for _, c := range count {
		total += c
	}
	backing := make([]int, 0, total)
	pf := make([][]int, np)
	for p, c := range count {
		pf[p] = backing[len(backing) : len(backing) : len(backing)+c]
		backing = backing[:len(backing)+c]
	}
	for i, f := range facets {
		for j, v := range f.V {
			if j > 0 && f.V[j-1] == v || j == 2 && f.V[0] == v {
				continue // repeated vertex in degenerate facet.
			}
			pf[v] = append(pf[v], i)
		}
	}
	a.pointFacets = pf
	return pf
}

func (a *Addressing) calcEdges() []Edge {
	if a.edges != nil {
		return a.edges
	}
	pf := a.calcPointFacets()
	facets := a.s.facets
	nparts := a.nPartitions(len(pf))
	parts := make([][]Edge, nparts)
	// Count phase: every partition builds its own ordered, deduplicated list.
	a.partition(len(pf), func(part, start, end int) error {
		var local []Edge
		var others []int
		for p := start; p < end; p++ {
			others = others[:0]
			for _, fi := range pf[p] {
				for _, v := range facets[fi].V {
					if v > p {
						others = append(others, v)
					}
				}
			}
			sort.Ints(others)
			for _, o := range lo.Uniq(others) {
				local = append(local, Edge{Start: p, End: o})
			}
		}
		parts[part] = local
		return nil
	})
	// Barrier passed: compute where each partition starts in the global list.
	offsets := make([]int, nparts+1)
	for i, part := range parts {
		offsets[i+1] = offsets[i] + len(part)
	}
	edges := make([]Edge, offsets[nparts])
	a.partition(len(pf), func(part, _, _ int) error {
		copy(edges[offsets[part]:], parts[part])
		return nil
	})
	a.edges = edges
	return edges
}

func (a *Addressing) calcFacetEdges() [][3]int {
	if a.facetEdges != nil {
		return a.facetEdges
	}
	edges := a.calcEdges()
	pf := a.calcPointFacets()
	facets := a.s.facets
	fe := make([][3]int, len(facets))
	for i := range fe {
		fe[i] = [3]int{-1, -1, -1}
	}
	// Every (facet, slot) pair is matched by exactly one edge so
	// partitions never write the same element.
	a.partition(len(edges), func(_, start, end int) error {
		for ie := start; ie < end; ie++ {
			e := edges[ie]
			for _, fi := range pf[e.Start] {
				v := facets[fi].V
				for i := 0; i < 3; i++ {
					s, t := v[i], v[(i+1)%3]
					if s == e.Start && t == e.End || s == e.End && t == e.Start {
						fe[fi][i] = ie
					}
				}
			}
		}
		return nil
	})
	a.facetEdges = fe
	return fe
}

func (a *Addressing) calcEdgeFacets() [][]int {
	if a.edgeFacets != nil {
		return a.edgeFacets
	}
	fe := a.calcFacetEdges()
	ef := make([][]int, len(a.calcEdges()))
	for fi, slots := range fe {
		for _, e := range slots {
			if e >= 0 {
				ef[e] = append(ef[e], fi)
			}
		}
	}
	a.edgeFacets = ef
	return ef
}

// FacetNormals returns the unit normal of every facet. Degenerate facets
// have a zero normal.
func (a *Addressing) FacetNormals() []r3.Vec {
	a.geomMu.Lock()
	defer a.geomMu.Unlock()
	return a.calcFacetNormals()
}

func (a *Addressing) calcFacetNormals() []r3.Vec {
	if a.facetNormals != nil {
		return a.facetNormals
	}
	fn := make([]r3.Vec, len(a.s.facets))
	a.partition(len(fn), func(_, start, end int) error {
		for i := start; i < end; i++ {
			n := a.s.Triangle(i).Normal()
			if norm := r3.Norm(n); norm > degenerateNorm {
				fn[i] = r3.Scale(1/norm, n)
			}
		}
		return nil
	})
	for i, n := range fn {
		if n == (r3.Vec{}) {
			a.s.log.Warnw("degenerate facet normal", "facet", i)
		}
	}
	a.facetNormals = fn
	return fn
}

// FacetCentres returns the centroid of every facet.
func (a *Addressing) FacetCentres() []r3.Vec {
	a.geomMu.Lock()
	defer a.geomMu.Unlock()
	return a.calcFacetCentres()
}

func (a *Addressing) calcFacetCentres() []r3.Vec {
	if a.facetCentres != nil {
		return a.facetCentres
	}
	fc := make([]r3.Vec, len(a.s.facets))
	a.partition(len(fc), func(_, start, end int) error {
		for i := start; i < end; i++ {
			fc[i] = a.s.Triangle(i).Centroid()
		}
		return nil
	})
	a.facetCentres = fc
	return fc
}

// PointNormals returns the area weighted average normal at every point.
// Points where the average vanishes get a zero normal and a warning.
func (a *Addressing) PointNormals() []r3.Vec {
	a.geomMu.Lock()
	defer a.geomMu.Unlock()
	if a.pointNormals != nil {
		return a.pointNormals
	}
	pf := a.PointFacets()
	pn := make([]r3.Vec, len(pf))
	a.partition(len(pn), func(_, start, end int) error {
		for p := start; p < end; p++ {
			var sum r3.Vec
			for _, fi := range pf[p] {
				sum = r3.Add(sum, a.s.Triangle(fi).Normal())
			}
			if norm := r3.Norm(sum); norm > degenerateNorm {
				pn[p] = r3.Scale(1/norm, sum)
			}
		}
		return nil
	})
	for p, n := range pn {
		if n == (r3.Vec{}) && len(pf[p]) > 0 {
			a.s.log.Warnw("degenerate point normal", "point", p, "facets", len(pf[p]))
		}
	}
	a.pointNormals = pn
	return pn
}

// FeatureEdges returns the edges that are open or non-manifold, separate
// facets of different regions or whose facet normals differ by more than
// angle radians.
func (a *Addressing) FeatureEdges(angle float64) []int {
	ef := a.EdgeFacets()
	fn := a.FacetNormals()
	cosTol := math.Cos(angle)
	var feature []int
	for e, facets := range ef {
		if len(facets) != 2 {
			feature = append(feature, e)
			continue
		}
		f0, f1 := facets[0], facets[1]
		if a.s.facets[f0].Region != a.s.facets[f1].Region || r3.Dot(fn[f0], fn[f1]) < cosTol {
			feature = append(feature, e)
		}
	}
	return feature
}

// partition splits [0,n) into contiguous disjoint ranges, one per worker,
// and runs fn concurrently over them. It returns after every fn returned.
func (a *Addressing) partition(n int, fn func(part, start, end int) error) error {
	w := a.nPartitions(n)
	var g errgroup.Group
	for i := 0; i < w; i++ {
		part, start, end := i, i*n/w, (i+1)*n/w
		g.Go(func() error { return fn(part, start, end) })
	}
	return g.Wait()
}

func (a *Addressing) nPartitions(n int) int {
	return max(1, min(a.s.workers, n))
}
