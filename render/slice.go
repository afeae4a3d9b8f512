// Package render draws planar sections of classified octrees.
package render

import (
	"image/color"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/octree"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Slice is the plane normal to Axis (0 for x) at Offset.
type Slice struct {
	Axis   int
	Offset float64
}

var axisNames = [3]string{"x", "y", "z"}

// Colors of leaves per type.
var Colors = map[octree.Type]color.Color{
	octree.Unknown: color.Gray{Y: 0xc0},
	octree.Inside:  color.RGBA{R: 0x4c, G: 0x72, B: 0xb0, A: 0xff},
	octree.Outside: color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff},
	octree.Data:    color.RGBA{R: 0xdd, G: 0x84, B: 0x52, A: 0xff},
}

// plane returns the in-plane axes of s.
func (s Slice) plane() (u, v int) { return (s.Axis + 1) % 3, (s.Axis + 2) % 3 }

func (s Slice) validate(root r3.Box) error {
	if s.Axis < 0 || s.Axis > 2 {
		return errors.Errorf("slice axis must be 0, 1 or 2, got %d", s.Axis)
	}
	lo, hi := d3.Comp(root.Min, s.Axis), d3.Comp(root.Max, s.Axis)
	if s.Offset < lo || s.Offset > hi {
		return errors.Errorf("slice %s=%g outside root box [%g, %g]", axisNames[s.Axis], s.Offset, lo, hi)
	}
	return nil
}

// Section returns the leaves cut by the slice. A plane on a face between
// leaves cuts the upper ones, except at the top of the root box.
func Section(o *octree.Octree, leaves []octree.CubeInfo, s Slice) ([]octree.CubeInfo, error) {
	root := o.RootBox()
	if err := s.validate(root); err != nil {
		return nil, err
	}
	top := s.Offset == d3.Comp(root.Max, s.Axis)
	var cut []octree.CubeInfo
	for _, leaf := range leaves {
		b := o.BoxOf(leaf.Coord, leaf.Level)
		lo, hi := d3.Comp(b.Min, s.Axis), d3.Comp(b.Max, s.Axis)
		if lo <= s.Offset && (s.Offset < hi || top && s.Offset == hi) {
			cut = append(cut, leaf)
		}
	}
	return cut, nil
}

// SurfaceSection returns the segments where the surface of o crosses the
// slice, in plane coordinates.
func SurfaceSection(o *octree.Octree, s Slice) [][2]plotter.XY {
	u, v := s.plane()
	surf := o.Surface()
	var segs [][2]plotter.XY
	for f := range surf.Facets() {
		t := surf.Triangle(f)
		var d [3]float64
		for i := range t {
			d[i] = d3.Comp(t[i], s.Axis) - s.Offset
		}
		var pts []r3.Vec
		for i := range t {
			j := (i + 1) % 3
			switch {
			case d[i] == 0:
				pts = append(pts, t[i])
			case d[i]*d[j] < 0:
				a := d[i] / (d[i] - d[j])
				pts = append(pts, r3.Add(t[i], r3.Scale(a, r3.Sub(t[j], t[i]))))
			}
		}
		if len(pts) != 2 {
			// Misses the plane, touches it at a vertex or lies on it.
			continue
		}
		segs = append(segs, [2]plotter.XY{
			{X: d3.Comp(pts[0], u), Y: d3.Comp(pts[0], v)},
			{X: d3.Comp(pts[1], u), Y: d3.Comp(pts[1], v)},
		})
	}
	return segs
}

// SlicePlot draws the leaves cut by the slice filled by type and the
// section of the surface over them. Leaves are usually the result of
// GatherLeaves so that distributed trees are drawn whole.
func SlicePlot(o *octree.Octree, leaves []octree.CubeInfo, s Slice) (*plot.Plot, error) {
	cut, err := Section(o, leaves, s)
	if err != nil {
		return nil, err
	}
	u, v := s.plane()
	rings := make(map[octree.Type][]plotter.XYer)
	for _, leaf := range cut {
		b := o.BoxOf(leaf.Coord, leaf.Level)
		x0, x1 := d3.Comp(b.Min, u), d3.Comp(b.Max, u)
		y0, y1 := d3.Comp(b.Min, v), d3.Comp(b.Max, v)
		rings[leaf.Type] = append(rings[leaf.Type], plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}})
	}

	p := plot.New()
	p.Title.Text = axisNames[s.Axis] + " = " + strconv.FormatFloat(s.Offset, 'g', 6, 64)
	p.X.Label.Text = axisNames[u]
	p.Y.Label.Text = axisNames[v]
	root := o.RootBox()
	p.X.Min, p.X.Max = d3.Comp(root.Min, u), d3.Comp(root.Max, u)
	p.Y.Min, p.Y.Max = d3.Comp(root.Min, v), d3.Comp(root.Max, v)
	for typ := octree.Unknown; typ <= octree.Data; typ++ {
		if len(rings[typ]) == 0 {
			continue
		}
		poly, err := plotter.NewPolygon(rings[typ]...)
		if err != nil {
			return nil, errors.Wrapf(err, "%s leaves", typ)
		}
		poly.Color = Colors[typ]
		poly.LineStyle.Color = color.Gray{Y: 0x60}
		poly.LineStyle.Width = vg.Points(.25)
		p.Add(poly)
		p.Legend.Add(typ.String(), poly)
	}
	if segs := SurfaceSection(o, s); len(segs) > 0 {
		p.Add(&segments{segs: segs, LineStyle: draw.LineStyle{Color: color.Black, Width: vg.Points(1)}})
	}
	return p, nil
}

// WritePlot encodes p as a square image of the given side in format, one
// of the formats of plot.Plot.WriterTo such as "png" or "svg".
func WritePlot(w io.Writer, p *plot.Plot, side vg.Length, format string) error {
	wt, err := p.WriterTo(side, side, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// segments is a plotter of disjoint line segments.
type segments struct {
	segs [][2]plotter.XY
	draw.LineStyle
}

func (s *segments) Plot(c draw.Canvas, plt *plot.Plot) {
	trX, trY := plt.Transforms(&c)
	for _, seg := range s.segs {
		line := []vg.Point{
			{X: trX(seg[0].X), Y: trY(seg[0].Y)},
			{X: trX(seg[1].X), Y: trY(seg[1].Y)},
		}
		c.StrokeLines(s.LineStyle, c.ClipLinesXY(line)...)
	}
}

func (s *segments) DataRange() (xmin, xmax, ymin, ymax float64) {
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for _, seg := range s.segs {
		for _, p := range seg {
			xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
			ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
		}
	}
	return xmin, xmax, ymin, ymax
}
