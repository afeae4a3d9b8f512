package d3

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestTriangleOverlapsBox(t *testing.T) {
	unit := Box{Max: Elem(1)}
	for _, test := range []struct {
		name string
		tri  Triangle
		want bool
	}{
		{"inside", Triangle{{X: .2, Y: .2, Z: .5}, {X: .8, Y: .2, Z: .5}, {X: .2, Y: .8, Z: .5}}, true},
		{"touching face", Triangle{{X: 1, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 0}, {X: 1, Y: 0, Z: 1}}, true},
		{"far away", Triangle{{X: 3, Y: 3, Z: 3}, {X: 4, Y: 3, Z: 3}, {X: 3, Y: 4, Z: 3}}, false},
		{"spanning", Triangle{{X: -5, Y: -5, Z: .5}, {X: 5, Y: -5, Z: .5}, {X: 0, Y: 5, Z: .5}}, true},
		// Bounding boxes overlap but the plane misses the box corner.
		{"plane misses", Triangle{{X: 1.5, Y: 0, Z: 0}, {X: 0, Y: 1.5, Z: 0}, {X: 0, Y: 0, Z: 1.5}}.translate(Elem(1)), false},
	} {
		got := test.tri.OverlapsBox(unit)
		if got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, got, test.want)
		}
	}
}

func (t Triangle) translate(v r3.Vec) Triangle {
	return Triangle{r3.Add(t[0], v), r3.Add(t[1], v), r3.Add(t[2], v)}
}

func TestTriangleClosest(t *testing.T) {
	tri := Triangle{{}, {X: 1}, {Y: 1}}
	for _, test := range []struct {
		p, want r3.Vec
	}{
		{r3.Vec{X: .25, Y: .25, Z: 3}, r3.Vec{X: .25, Y: .25}},
		{r3.Vec{X: -1, Y: -1}, r3.Vec{}},
		{r3.Vec{X: 2, Y: -1}, r3.Vec{X: 1}},
		{r3.Vec{X: 1, Y: 1}, r3.Vec{X: .5, Y: .5}},
	} {
		got := tri.Closest(test.p)
		if !EqualWithin(got, test.want, 1e-12) {
			t.Errorf("closest to %v: got %v, want %v", test.p, got, test.want)
		}
	}
}

func TestSegmentOverlapsBox(t *testing.T) {
	unit := Box{Max: Elem(1)}
	if !SegmentOverlapsBox(r3.Vec{X: -1, Y: .5, Z: .5}, r3.Vec{X: 2, Y: .5, Z: .5}, unit) {
		t.Error("segment through box must overlap")
	}
	if SegmentOverlapsBox(r3.Vec{X: -1, Y: 2, Z: .5}, r3.Vec{X: 2, Y: 2, Z: .5}, unit) {
		t.Error("segment above box must not overlap")
	}
	if !SegmentOverlapsBox(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: 2, Y: 2, Z: 2}, unit) {
		t.Error("segment touching corner must overlap")
	}
}
