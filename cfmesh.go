// Package cfmesh builds octrees over closed triangulated surfaces and
// classifies their leaves as inside, outside or intersected by the
// surface, on one or several ranks.
package cfmesh

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/insideoutside"
	"github.com/soypat/cfmesh/octree"
	"github.com/soypat/cfmesh/pstream"
	"github.com/soypat/cfmesh/surface"
	"go.uber.org/zap"
)

const tagStats = 300

// Option configures Generate.
type Option func(*generator)

type generator struct {
	log       *zap.SugaredLogger
	loadTypes octree.TypeMask
	classify  []insideoutside.Option
	keepGhost bool
}

// WithLogger sets the logger of every phase.
func WithLogger(l *zap.SugaredLogger) Option { return func(g *generator) { g.log = l } }

// WithLoadTypes balances ranks on the number of leaves of the given types
// instead of all leaves. Types are those of the leaves after creation:
// leaves intersected by the surface are Data, the rest Unknown.
func WithLoadTypes(m octree.TypeMask) Option { return func(g *generator) { g.loadTypes = m } }

// WithClassifierOptions passes options to the inside/outside classifier.
func WithClassifierOptions(opts ...insideoutside.Option) Option {
	return func(g *generator) { g.classify = append(g.classify, opts...) }
}

// WithGhostGeometry keeps the facet lists of ghost leaves after
// classification.
func WithGhostGeometry() Option { return func(g *generator) { g.keepGhost = true } }

// Generate builds the octree of surf refined by s and classifies its
// leaves. Every rank of comm calls it with the same surface and settings
// and gets back its part of the tree. It is collective.
func Generate(surf *surface.Surface, s octree.Settings, comm pstream.Comm, opts ...Option) (*octree.Octree, *insideoutside.Result, error) {
	g := &generator{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(g)
	}
	log := g.log.With("rank", comm.Rank())
	if err := surf.Check(); err != nil {
		return nil, nil, err
	}
	o, err := octree.Create(surf, s, octree.WithLogger(log))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating octree")
	}
	m := octree.NewModifier(o)
	if err := m.CheckPatchConsistency(comm, surf.Regions()); err != nil {
		return nil, nil, err
	}
	if comm.Size() > 1 {
		if err := m.DistributeLeavesToProcessors(comm); err != nil {
			return nil, nil, errors.Wrap(err, "distributing leaves")
		}
		for _, leaf := range o.Leaves() {
			if leaf.HasGeometry() {
				leaf.SetType(octree.Data)
			}
		}
		if err := m.LoadDistribution(comm, g.loadTypes); err != nil {
			return nil, nil, errors.Wrap(err, "balancing leaves")
		}
		if err := m.AddLayerFromNeighbouringProcessors(comm); err != nil {
			return nil, nil, errors.Wrap(err, "exchanging ghost layer")
		}
	}
	res, err := insideoutside.Classify(o, comm, append([]insideoutside.Option{insideoutside.WithLogger(log)}, g.classify...)...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "classifying leaves")
	}
	if !g.keepGhost {
		m.ReduceMemoryConsumption()
	}
	return o, res, nil
}

// Stats summarises the leaves of a tree over all ranks.
type Stats struct {
	Leaves   int
	Ghosts   int
	Types    [octree.Data + 1]int // indexed by octree.Type.
	MinLevel int
	MaxLevel int
	Ranks    int
}

// Summarize returns the statistics of the leaves of o on every rank of
// comm. It is collective.
func Summarize(o *octree.Octree, comm pstream.Comm) (Stats, error) {
	minLevel, maxLevel := octree.MaxLevel, 0
	var types [octree.Data + 1]int
	for _, leaf := range o.Leaves() {
		types[leaf.Type()]++
		minLevel = min(minLevel, leaf.Level())
		maxLevel = max(maxLevel, leaf.Level())
	}
	vals := append([]int{o.NumLeaves(), len(o.GhostLeaves()), minLevel, maxLevel}, types[:]...)
	local := pstream.AppendInts(nil, vals...)
	msgs, err := pstream.AllGather(comm, tagStats, local)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{MinLevel: octree.MaxLevel, Ranks: comm.Size()}
	for p, msg := range msgs {
		v, err := pstream.Ints(msg)
		if err != nil || len(v) != 4+len(types) {
			return Stats{}, errors.Errorf("bad statistics from rank %d", p)
		}
		st.Leaves += v[0]
		st.Ghosts += v[1]
		if v[0] > 0 {
			st.MinLevel = min(st.MinLevel, v[2])
			st.MaxLevel = max(st.MaxLevel, v[3])
		}
		for i := range st.Types {
			st.Types[i] += v[4+i]
		}
	}
	if st.Leaves == 0 {
		st.MinLevel = 0
	}
	return st, nil
}

func (st Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d leaves on %d ranks, levels %d to %d", st.Leaves, st.Ranks, st.MinLevel, st.MaxLevel)
	for typ := octree.Unknown; typ <= octree.Data; typ++ {
		if st.Types[typ] > 0 {
			fmt.Fprintf(&b, ", %d %s", st.Types[typ], typ)
		}
	}
	if st.Ghosts > 0 {
		fmt.Fprintf(&b, ", %d ghosts", st.Ghosts)
	}
	return b.String()
}
