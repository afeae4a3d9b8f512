package config

import (
	"math"
	"strings"
	"testing"

	"github.com/soypat/cfmesh/insideoutside"
	"github.com/soypat/cfmesh/octree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestLoad(t *testing.T) {
	s, err := Load("testdata/meshDict.toml")
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, 4, s.Procs)
	assert.Equal(t, 1e-3, s.Tolerance, "default kept")
	policy, err := s.RevisePolicy()
	require.NoError(t, err)
	assert.Equal(t, insideoutside.ReviseNone, policy)

	want := octree.Settings{
		MaxCellSize:      .25,
		BoundaryCellSize: .0625,
		RegionCellSize:   map[string]float64{"inlet": .03125},
		Objects: []octree.ObjectRefinement{{
			Name:             "wake",
			Box:              r3.Box{Min: r3.Vec{X: .5}, Max: r3.Vec{X: 1, Y: .2, Z: .2}},
			CellSize:         .03125,
			AdditionalLayers: 2,
		}},
		BoundaryLayers: 1,
		RootPadding:    .1,
		FeatureAngle:   math.Pi / 6,
	}
	got := s.Octree()
	assert.InDelta(t, want.FeatureAngle, got.FeatureAngle, 1e-15)
	got.FeatureAngle = want.FeatureAngle
	assert.Equal(t, want, got)

	opts, err := s.Classifier()
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = Load("testdata/missing.toml")
	assert.Error(t, err)
}

func TestDecodeDefaults(t *testing.T) {
	s, err := Decode(strings.NewReader("maxCellSize = 1.0\n"))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	want := Default()
	want.MaxCellSize = 1
	assert.Equal(t, want, s)
	assert.Nil(t, s.Octree().RegionCellSize)
	assert.InDelta(t, math.Pi/4, s.Octree().FeatureAngle, 1e-15)
}

func TestDefaultNeedsCellSize(t *testing.T) {
	assert.Error(t, Default().Validate())
}

func TestDecodeRejects(t *testing.T) {
	for _, test := range []struct {
		name, dict string
	}{
		{"missing max cell", "boundaryCellSize = 0.1\n"},
		{"boundary coarser", "maxCellSize = 0.1\nboundaryCellSize = 0.2\n"},
		{"unknown key", "maxCellSize = 1.0\nmaxCelSize = 2.0\n"},
		{"bad policy", "maxCellSize = 1.0\nrevise = \"sometimes\"\n"},
		{"no procs", "maxCellSize = 1.0\nprocs = 0\n"},
		{"tolerance", "maxCellSize = 1.0\ntolerance = 0.5\n"},
		{"angle", "maxCellSize = 1.0\nfeatureAngle = 200.0\n"},
		{"region size", "maxCellSize = 1.0\n[regionCellSize]\nwall = 0.0\n"},
		{"object box", "maxCellSize = 1.0\n[[objectRefinements]]\ncellSize = 0.1\nmin = [1.0, 0.0, 0.0]\nmax = [0.0, 1.0, 1.0]\n"},
		{"object size", "maxCellSize = 1.0\n[[objectRefinements]]\nname = \"a\"\n"},
		{"syntax", "maxCellSize = \n"},
	} {
		s, err := Decode(strings.NewReader(test.dict))
		if err == nil {
			err = s.Validate()
		}
		assert.Error(t, err, test.name)
	}
}
