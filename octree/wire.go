package octree

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Cubes travel between ranks as little endian records:
//
//	coord   3 x int32
//	level   uint8
//	type    uint8
//	proc    int32
//	nFacets uint32, facets nFacets x int32
//	nEdges  uint32, edges  nEdges x int32
//
// A message is a uint32 record count followed by the records.
const cubeHeaderSize = 3*4 + 1 + 1 + 4

// AppendCubes appends the encoding of cubes to b.
func AppendCubes(b []byte, cubes []CubeInfo) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(cubes)))
	for _, c := range cubes {
		b = appendCube(b, c)
	}
	return b
}

func appendCube(b []byte, c CubeInfo) []byte {
	for _, v := range c.Coord {
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(v)))
	}
	b = append(b, uint8(c.Level), uint8(c.Type))
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(c.Proc)))
	b = appendInt32s(b, c.Facets)
	b = appendInt32s(b, c.Edges)
	return b
}

func appendInt32s(b []byte, v []int) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
	for _, x := range v {
		b = binary.LittleEndian.AppendUint32(b, uint32(int32(x)))
	}
	return b
}

// DecodeCubes decodes a message written by AppendCubes.
func DecodeCubes(b []byte) ([]CubeInfo, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) < 4 {
		return nil, errors.New("cube message too short")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(n)*cubeHeaderSize > uint64(len(b)) {
		return nil, errors.Errorf("cube message announces %d cubes in %d bytes", n, len(b))
	}
	cubes := make([]CubeInfo, n)
	for i := range cubes {
		var err error
		b, err = decodeCube(b, &cubes[i])
		if err != nil {
			return nil, errors.Wrapf(err, "cube %d", i)
		}
	}
	if len(b) != 0 {
		return nil, errors.Errorf("%d trailing bytes after cubes", len(b))
	}
	return cubes, nil
}

func decodeCube(b []byte, c *CubeInfo) ([]byte, error) {
	if len(b) < cubeHeaderSize {
		return nil, errors.New("truncated cube header")
	}
	for i := range c.Coord {
		c.Coord[i] = int(int32(binary.LittleEndian.Uint32(b[4*i:])))
	}
	c.Level = int(b[12])
	c.Type = Type(b[13])
	c.Proc = int(int32(binary.LittleEndian.Uint32(b[14:])))
	if c.Type > Data {
		return nil, errors.Errorf("invalid cube type %d", c.Type)
	}
	var err error
	b = b[cubeHeaderSize:]
	if c.Facets, b, err = decodeInt32s(b); err != nil {
		return nil, errors.Wrap(err, "facets")
	}
	if c.Edges, b, err = decodeInt32s(b); err != nil {
		return nil, errors.Wrap(err, "edges")
	}
	return b, nil
}

func decodeInt32s(b []byte) ([]int, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated list length")
	}
	n := uint64(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if 4*n > uint64(len(b)) {
		return nil, nil, errors.Errorf("list of %d elements truncated", n)
	}
	if n == 0 {
		return nil, b, nil
	}
	v := make([]int, n)
	for i := range v {
		v[i] = int(int32(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return v, b[4*n:], nil
}
