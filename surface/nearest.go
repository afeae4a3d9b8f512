package surface

import (
	"math"

	"github.com/soypat/cfmesh/internal/d3"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// NearestFacet returns the point of the surface closest to p and its facet.
// It returns p and -1 for a surface without facets.
func (a *Addressing) NearestFacet(p r3.Vec) (nearest r3.Vec, facet int) {
	a.geomMu.Lock()
	t := a.calcCentreTree()
	a.geomMu.Unlock()
	if t == nil {
		return p, -1
	}
	q := kdCentre{p: p, facet: -1}
	got, _ := t.tree.Nearest(q)
	facet = got.(kdCentre).facet
	nearest = a.s.Triangle(facet).Closest(p)
	best := r3.Norm2(r3.Sub(nearest, p))
	// Facets closer than the current best have their centre within the
	// best distance plus the largest centre to vertex distance.
	reach := math.Sqrt(best) + t.radius
	keep := kdtree.NewDistKeeper(reach * reach)
	t.tree.NearestSet(keep, q)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		f := cd.Comparable.(kdCentre).facet
		c := a.s.Triangle(f).Closest(p)
		if d2 := r3.Norm2(r3.Sub(c, p)); d2 < best || d2 == best && f < facet {
			best, nearest, facet = d2, c, f
		}
	}
	return nearest, facet
}

// centreTree is a kd-tree of facet centres.
type centreTree struct {
	tree *kdtree.Tree
	// radius is the largest distance from a facet centre to its vertices.
	radius float64
}

func (a *Addressing) calcCentreTree() *centreTree {
	if a.centreTree != nil || len(a.s.facets) == 0 {
		return a.centreTree
	}
	fc := a.calcFacetCentres()
	centres := make(kdCentres, len(fc))
	radius2 := 0.
	for i, c := range fc {
		centres[i] = kdCentre{p: c, facet: i}
		for _, v := range a.s.Triangle(i) {
			radius2 = math.Max(radius2, r3.Norm2(r3.Sub(v, c)))
		}
	}
	a.centreTree = &centreTree{tree: kdtree.New(centres, false), radius: math.Sqrt(radius2)}
	return a.centreTree
}

var _ kdtree.Interface = kdCentres{}

type kdCentres []kdCentre

type kdCentre struct {
	p     r3.Vec
	facet int
}

func (k kdCentres) Index(i int) kdtree.Comparable { return k[i] }

func (k kdCentres) Len() int { return len(k) }

// Pivot partitions the list about the median along d.
func (k kdCentres) Pivot(d kdtree.Dim) int {
	p := kdPlane{dim: d, centres: k}
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (k kdCentres) Slice(start, end int) kdtree.Interface { return k[start:end] }

// Compare returns the signed distance of a from the plane through b
// perpendicular to d.
func (a kdCentre) Compare(b kdtree.Comparable, d kdtree.Dim) float64 {
	return d3.Comp(a.p, int(d)) - d3.Comp(b.(kdCentre).p, int(d))
}

func (a kdCentre) Dims() int { return 3 }

// Distance returns the squared euclidean distance between centres.
func (a kdCentre) Distance(b kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(a.p, b.(kdCentre).p))
}

type kdPlane struct {
	dim     kdtree.Dim
	centres kdCentres
}

func (p kdPlane) Less(i, j int) bool {
	return d3.Comp(p.centres[i].p, int(p.dim)) < d3.Comp(p.centres[j].p, int(p.dim))
}
func (p kdPlane) Swap(i, j int) { p.centres[i], p.centres[j] = p.centres[j], p.centres[i] }
func (p kdPlane) Len() int      { return len(p.centres) }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.centres = p.centres[start:end]
	return p
}
