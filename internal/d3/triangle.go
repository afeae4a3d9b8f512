package d3

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Triangle is a 3d triangle defined by its vertices.
type Triangle [3]r3.Vec

// Normal returns the non-normalized normal of the triangle following
// the right hand rule. Its norm is twice the triangle's area.
func (t Triangle) Normal() r3.Vec {
	return r3.Cross(r3.Sub(t[1], t[0]), r3.Sub(t[2], t[0]))
}

// Centroid returns the mean of the triangle's vertices.
func (t Triangle) Centroid() r3.Vec {
	return r3.Scale(1./3., r3.Add(r3.Add(t[0], t[1]), t[2]))
}

// Bounds returns the bounding box of the triangle.
func (t Triangle) Bounds() Box {
	return Box{Min: Set(t[:]).Min(), Max: Set(t[:]).Max()}
}

// OverlapsBox returns true if the triangle and the closed box b share a point.
// It is the separating axis test by Akenine-Möller.
func (t Triangle) OverlapsBox(b Box) bool {
	c := b.Center()
	h := r3.Scale(0.5, b.Size())
	v := [3]r3.Vec{r3.Sub(t[0], c), r3.Sub(t[1], c), r3.Sub(t[2], c)}
	// Box face normals.
	for i := 0; i < 3; i++ {
		p0, p1, p2 := Comp(v[0], i), Comp(v[1], i), Comp(v[2], i)
		hi := Comp(h, i)
		if math.Min(p0, math.Min(p1, p2)) > hi || math.Max(p0, math.Max(p1, p2)) < -hi {
			return false
		}
	}
	e := [3]r3.Vec{r3.Sub(v[1], v[0]), r3.Sub(v[2], v[1]), r3.Sub(v[0], v[2])}
	axes := [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
	for _, edge := range e {
		for _, u := range axes {
			a := r3.Cross(u, edge)
			if a == (r3.Vec{}) {
				continue
			}
			if separated(a, v, h) {
				return false
			}
		}
	}
	// Triangle plane.
	n := r3.Cross(e[0], e[1])
	return !separated(n, v, h)
}

func separated(axis r3.Vec, v [3]r3.Vec, h r3.Vec) bool {
	p0, p1, p2 := r3.Dot(axis, v[0]), r3.Dot(axis, v[1]), r3.Dot(axis, v[2])
	r := r3.Dot(h, AbsElem(axis))
	return math.Min(p0, math.Min(p1, p2)) > r || math.Max(p0, math.Max(p1, p2)) < -r
}

// Closest returns closest point on the triangle to argument point p.
// Algorithm from Real-Time Collision Detection, Ericson.
func (t Triangle) Closest(p r3.Vec) r3.Vec {
	a, b, c := t[0], t[1], t[2]
	ab, ac, ap := r3.Sub(b, a), r3.Sub(c, a), r3.Sub(p, a)
	d1, d2 := r3.Dot(ab, ap), r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}
	bp := r3.Sub(p, b)
	d3, d4 := r3.Dot(ab, bp), r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}
	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return r3.Add(a, r3.Scale(v, ab))
	}
	cp := r3.Sub(p, c)
	d5, d6 := r3.Dot(ab, cp), r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}
	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return r3.Add(a, r3.Scale(w, ac))
	}
	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return r3.Add(b, r3.Scale(w, r3.Sub(c, b)))
	}
	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// SegmentOverlapsBox returns true if the segment [p, q] intersects the closed box b.
func SegmentOverlapsBox(p, q r3.Vec, b Box) bool {
	d := r3.Sub(q, p)
	tmin, tmax := 0.0, 1.0
	for i := 0; i < 3; i++ {
		pi, di := Comp(p, i), Comp(d, i)
		lo, hi := Comp(b.Min, i), Comp(b.Max, i)
		if di == 0 {
			if pi < lo || pi > hi {
				return false
			}
			continue
		}
		t1, t2 := (lo-pi)/di, (hi-pi)/di
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return false
		}
	}
	return true
}
