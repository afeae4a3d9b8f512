package surface

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"gonum.org/v1/gonum/spatial/r3"
)

// Soup is an unconnected list of triangles as read from a file,
// each tagged with a region index into RegionNames.
type Soup struct {
	Triangles   []d3.Triangle
	Regions     []int
	RegionNames []string
}

// ReadSTLFile reads an ASCII or binary STL file.
func ReadSTLFile(path string) (*Soup, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	soup, err := ReadSTL(fp)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return soup, nil
}

// ReadSTL reads an ASCII or binary STL stream. Every solid of an ASCII
// stream becomes a region. Binary streams contain a single region.
func ReadSTL(r io.Reader) (*Soup, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(512)
	if bytes.HasPrefix(head, []byte("solid")) && bytes.Contains(head, []byte("facet")) {
		return readASCIISTL(br)
	}
	return readBinarySTL(br)
}

func readASCIISTL(r io.Reader) (*Soup, error) {
	scanner := bufio.NewScanner(r)
	soup := &Soup{}
	region := -1
	var vertices []r3.Vec
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			region = len(soup.RegionNames)
			soup.RegionNames = append(soup.RegionNames, strings.Join(fields[1:], " "))
		case "vertex":
			if len(fields) < 4 {
				return nil, errors.Errorf("line %d: short vertex", line)
			}
			var v [3]float64
			for i := range v {
				f, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d", line)
				}
				v[i] = f
			}
			vertices = append(vertices, r3.Vec{X: v[0], Y: v[1], Z: v[2]})
		case "endfacet":
			if len(vertices) != 3 {
				return nil, errors.Errorf("line %d: facet with %d vertices", line, len(vertices))
			}
			if region < 0 {
				region = 0
				soup.RegionNames = append(soup.RegionNames, "")
			}
			soup.Triangles = append(soup.Triangles, d3.Triangle{vertices[0], vertices[1], vertices[2]})
			soup.Regions = append(soup.Regions, region)
			vertices = vertices[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading ASCII STL")
	}
	if len(soup.Triangles) == 0 {
		return nil, errors.New("ASCII STL contains no facets")
	}
	return soup, nil
}

// stlHeader defines the STL file header.
type stlHeader struct {
	_     [80]uint8 // Header
	Count uint32    // Number of triangles
}

// stlTriangle defines the triangle data within an STL file.
type stlTriangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
	_       uint16 // Attribute byte count
}

const stlTriangleSize = 50

func readBinarySTL(r io.Reader) (*Soup, error) {
	var header stlHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, errors.New("encountered EOF while reading STL header")
		}
		return nil, errors.Wrap(err, "STL header read failed")
	}
	if header.Count == 0 {
		return nil, errors.New("STL header indicates 0 triangles present")
	}
	soup := &Soup{
		Triangles:   make([]d3.Triangle, 0, header.Count),
		Regions:     make([]int, 0, header.Count),
		RegionNames: []string{""},
	}
	var (
		buf [stlTriangleSize]byte
		d   stlTriangle
	)
	for i := 0; i < int(header.Count); i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, errors.Wrapf(err, "%d/%d STL triangles read", i, header.Count)
		}
		d.get(buf[:])
		if err := d.validate(); err != nil {
			return nil, errors.Wrapf(err, "STL triangle %d", i)
		}
		soup.Triangles = append(soup.Triangles, d.toTriangle())
		soup.Regions = append(soup.Regions, 0)
	}
	return soup, nil
}

// WriteSTL writes the surface facets to a writer in binary STL format.
func WriteSTL(w io.Writer, s *Surface) error {
	if len(s.facets) == 0 {
		return errors.New("empty surface")
	}
	header := stlHeader{Count: uint32(len(s.facets))}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return err
	}
	var d stlTriangle
	var b [stlTriangleSize]byte
	for i := range s.facets {
		tri := s.Triangle(i)
		n := tri.Normal()
		if norm := r3.Norm(n); norm > 0 {
			n = r3.Scale(1/norm, n)
		}
		d.Normal = to3F32(n)
		d.Vertex1 = to3F32(tri[0])
		d.Vertex2 = to3F32(tri[1])
		d.Vertex3 = to3F32(tri[2])
		d.put(b[:])
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (t stlTriangle) put(b []byte) {
	if len(b) < stlTriangleSize {
		panic("need length 50 to marshal stlTriangle")
	}
	put3F32(b, t.Normal)
	put3F32(b[12:], t.Vertex1)
	put3F32(b[24:], t.Vertex2)
	put3F32(b[36:], t.Vertex3)
	binary.LittleEndian.PutUint16(b[48:], 0)
}

func (t *stlTriangle) get(b []byte) {
	if len(b) < stlTriangleSize {
		panic("need length 50 to unmarshal stlTriangle")
	}
	get3F32(b, &t.Normal)
	get3F32(b[12:], &t.Vertex1)
	get3F32(b[24:], &t.Vertex2)
	get3F32(b[36:], &t.Vertex3)
}

func put3F32(b []byte, f [3]float32) {
	_ = b[11] // early bounds check
	binary.LittleEndian.PutUint32(b, math.Float32bits(f[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(f[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(f[2]))
}

func get3F32(b []byte, f *[3]float32) {
	_ = b[11] // early bounds check
	f[0] = math.Float32frombits(binary.LittleEndian.Uint32(b))
	f[1] = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	f[2] = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
}

func bad3F32(f [3]float32) bool {
	return math32.IsNaN(f[0]) || math32.IsInf(f[0], 0) ||
		math32.IsNaN(f[1]) || math32.IsInf(f[1], 0) ||
		math32.IsNaN(f[2]) || math32.IsInf(f[2], 0)
}

// validate rejects non-finite values. The stored normal is ignored since
// normals are recomputed from the vertices.
func (t stlTriangle) validate() error {
	if bad3F32(t.Normal) {
		return errors.New("inf/NaN STL triangle normal")
	}
	if bad3F32(t.Vertex1) || bad3F32(t.Vertex2) || bad3F32(t.Vertex3) {
		return errors.New("inf/NaN STL triangle vertex")
	}
	return nil
}

func to3F32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

func r3From3F32(f [3]float32) r3.Vec {
	return r3.Vec{X: float64(f[0]), Y: float64(f[1]), Z: float64(f[2])}
}

func (t stlTriangle) toTriangle() d3.Triangle {
	return d3.Triangle{
		r3From3F32(t.Vertex1),
		r3From3F32(t.Vertex2),
		r3From3F32(t.Vertex3),
	}
}
