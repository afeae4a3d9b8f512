// Package config reads the meshing dictionary, a TOML file describing how
// the octree is refined and classified.
//
// A minimal dictionary:
//
//	maxCellSize = 0.25
//	boundaryCellSize = 0.0625
//
//	[regionCellSize]
//	inlet = 0.03125
//
//	[[objectRefinements]]
//	name = "wake"
//	min = [0.5, 0.0, 0.0]
//	max = [1.0, 0.2, 0.2]
//	cellSize = 0.03125
package config

import (
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/insideoutside"
	"github.com/soypat/cfmesh/octree"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultFile is the dictionary looked up when no file is given.
const DefaultFile = "meshDict.toml"

// Settings is the decoded meshing dictionary.
type Settings struct {
	MaxCellSize      float64            `toml:"maxCellSize"`
	BoundaryCellSize float64            `toml:"boundaryCellSize"`
	RegionCellSize   map[string]float64 `toml:"regionCellSize"`
	Objects          []Object           `toml:"objectRefinements"`
	BoundaryLayers   int                `toml:"boundaryLayers"`
	HexRefinement    bool               `toml:"hexRefinement"`
	RootPadding      float64            `toml:"rootPadding"`
	// FeatureAngle is in degrees.
	FeatureAngle float64 `toml:"featureAngle"`
	// VertexTolerance welds STL vertices closer than it. Zero selects a
	// tolerance relative to the surface size.
	VertexTolerance float64 `toml:"vertexTolerance"`

	Procs int `toml:"procs"`
	// Revise is "tangential" or "none".
	Revise string `toml:"revise"`
	// Tolerance is the fraction of a cube used to test tangential contact.
	Tolerance float64 `toml:"tolerance"`
}

// Object is a box refined to its own cell size.
type Object struct {
	Name             string     `toml:"name"`
	Min              [3]float64 `toml:"min"`
	Max              [3]float64 `toml:"max"`
	CellSize         float64    `toml:"cellSize"`
	AdditionalLayers int        `toml:"additionalLayers"`
}

// Default returns the settings used for keys missing from a dictionary.
// MaxCellSize has no default.
func Default() Settings {
	return Settings{
		FeatureAngle: 45,
		Procs:        1,
		Revise:       "tangential",
		Tolerance:    1e-3,
	}
}

// Load reads the dictionary at path over Default. The result is not
// validated so that callers can override settings first.
func Load(path string) (Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "reading %s", path)
	}
	return s, nil
}

// Decode reads a dictionary from r over Default. Unknown keys are an error.
func Decode(r io.Reader) (Settings, error) {
	s := Default()
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return Settings{}, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Settings{}, errors.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return s, nil
}

// Validate reports the first inconsistent setting.
func (s Settings) Validate() error {
	switch {
	case !(s.MaxCellSize > 0):
		return errors.Errorf("maxCellSize must be positive, got %g", s.MaxCellSize)
	case s.BoundaryCellSize < 0:
		return errors.Errorf("boundaryCellSize must not be negative, got %g", s.BoundaryCellSize)
	case s.BoundaryCellSize > s.MaxCellSize:
		return errors.Errorf("boundaryCellSize %g exceeds maxCellSize %g", s.BoundaryCellSize, s.MaxCellSize)
	case s.BoundaryLayers < 0:
		return errors.Errorf("boundaryLayers must not be negative, got %d", s.BoundaryLayers)
	case s.RootPadding < 0:
		return errors.Errorf("rootPadding must not be negative, got %g", s.RootPadding)
	case s.FeatureAngle < 0 || s.FeatureAngle > 180:
		return errors.Errorf("featureAngle must be within [0, 180] degrees, got %g", s.FeatureAngle)
	case s.VertexTolerance < 0:
		return errors.Errorf("vertexTolerance must not be negative, got %g", s.VertexTolerance)
	case s.Procs < 1:
		return errors.Errorf("procs must be at least 1, got %d", s.Procs)
	case !(s.Tolerance >= 0 && s.Tolerance < .5):
		return errors.Errorf("tolerance must be within [0, 0.5), got %g", s.Tolerance)
	}
	if _, err := s.RevisePolicy(); err != nil {
		return err
	}
	for name, size := range s.RegionCellSize {
		if !(size > 0) {
			return errors.Errorf("cell size of region %q must be positive, got %g", name, size)
		}
	}
	for i, obj := range s.Objects {
		name := obj.Name
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		if !(obj.CellSize > 0) {
			return errors.Errorf("object %s: cellSize must be positive, got %g", name, obj.CellSize)
		}
		if obj.AdditionalLayers < 0 {
			return errors.Errorf("object %s: additionalLayers must not be negative", name)
		}
		for k := range obj.Min {
			if obj.Min[k] > obj.Max[k] {
				return errors.Errorf("object %s: min %v exceeds max %v", name, obj.Min, obj.Max)
			}
		}
	}
	return nil
}

// RevisePolicy maps Revise to the classifier policy.
func (s Settings) RevisePolicy() (insideoutside.RevisePolicy, error) {
	switch strings.ToLower(s.Revise) {
	case "", "tangential":
		return insideoutside.ReviseTangential, nil
	case "none":
		return insideoutside.ReviseNone, nil
	}
	return 0, errors.Errorf("unknown revise policy %q", s.Revise)
}

// Octree returns the refinement settings of s.
func (s Settings) Octree() octree.Settings {
	o := octree.Settings{
		MaxCellSize:      s.MaxCellSize,
		BoundaryCellSize: s.BoundaryCellSize,
		BoundaryLayers:   s.BoundaryLayers,
		HexRefinement:    s.HexRefinement,
		RootPadding:      s.RootPadding,
		FeatureAngle:     s.FeatureAngle * math.Pi / 180,
	}
	if len(s.RegionCellSize) > 0 {
		o.RegionCellSize = make(map[string]float64, len(s.RegionCellSize))
		for k, v := range s.RegionCellSize {
			o.RegionCellSize[k] = v
		}
	}
	for _, obj := range s.Objects {
		o.Objects = append(o.Objects, octree.ObjectRefinement{
			Name:             obj.Name,
			Box:              r3.Box{Min: vec(obj.Min), Max: vec(obj.Max)},
			CellSize:         obj.CellSize,
			AdditionalLayers: obj.AdditionalLayers,
		})
	}
	return o
}

// Classifier returns the classification options of s.
func (s Settings) Classifier() ([]insideoutside.Option, error) {
	policy, err := s.RevisePolicy()
	if err != nil {
		return nil, err
	}
	return []insideoutside.Option{
		insideoutside.WithRevisePolicy(policy),
		insideoutside.WithTolerance(s.Tolerance),
	}, nil
}

func vec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }
