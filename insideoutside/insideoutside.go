// Package insideoutside classifies the leaves of an octree as inside,
// outside or intersected by the surface with a frontal flood fill from the
// boundary of the root box.
package insideoutside

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/internal/d3"
	"github.com/soypat/cfmesh/octree"
	"github.com/soypat/cfmesh/pstream"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrNoOutsideSeed is returned when leaves remain to be classified but
// none of them can be reached from the exterior of the root box. The
// surface is most likely not closed or it touches the root box everywhere.
var ErrNoOutsideSeed = errors.New("insideoutside: no outside seed found")

// Message tags of the collective phases.
const (
	tagGroupCounts = 200 + iota
	tagGroupQuery
	tagGroupReply
	tagGroupGraph
	tagTypeQuery
	tagTypeReply
)

// Order picks the index of the next group to visit among n frontier groups.
// The classification does not depend on the order.
type Order func(n int) int

// FIFO visits groups breadth first.
func FIFO(n int) int { return 0 }

// LIFO visits groups depth first.
func LIFO(n int) int { return n - 1 }

// Shuffled visits groups in a random order drawn from seed.
func Shuffled(seed int64) Order {
	rng := rand.New(rand.NewSource(seed))
	return func(n int) int { return rng.Intn(n) }
}

// RevisePolicy selects how Data leaves are revised after outside marking.
type RevisePolicy int

const (
	// ReviseTangential reclassifies Data leaves as Outside when they have
	// an Outside face neighbour and the surface only touches their
	// boundary: no facet intersects the leaf shrunk by the tolerance.
	ReviseTangential RevisePolicy = iota
	// ReviseNone keeps every Data leaf.
	ReviseNone
)

// Option configures a classification.
type Option func(*classifier)

// WithOrder sets the frontier order of the flood fill.
func WithOrder(o Order) Option { return func(c *classifier) { c.order = o } }

// WithRevisePolicy sets the revision of Data leaves.
func WithRevisePolicy(p RevisePolicy) Option { return func(c *classifier) { c.policy = p } }

// WithTolerance sets the fraction of the leaf size by which leaves are
// shrunk when testing for tangential contact.
func WithTolerance(tol float64) Option { return func(c *classifier) { c.tol = tol } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(c *classifier) { c.log = l } }

// Result summarises a classification of the local leaves.
type Result struct {
	Inside, Outside, Data int
	// Revised is the number of Data leaves reclassified as Outside.
	Revised int
	// Groups is the number of groups of non-Data leaves over all ranks
	// and Seeds the number of them touching the root boundary.
	Groups, Seeds int
}

type classifier struct {
	o      *octree.Octree
	comm   pstream.Comm
	order  Order
	policy RevisePolicy
	tol    float64
	log    *zap.SugaredLogger

	// group of every local leaf, -1 for Data leaves. Global ids.
	group []int
	// group of ghost leaves, -1 for Data ghosts.
	ghostGroup map[*octree.Cube]int
	offset     int
	nGroups    int
	exterior   []bool // local groups touching the root boundary.
	links      [][2]int
	groupType  []octree.Type // global.
}

// Classify sets the type of every local and ghost leaf of o to Inside,
// Outside or Data. It is collective over comm. On distributed trees the
// ghost layer must be current.
func Classify(o *octree.Octree, comm pstream.Comm, opts ...Option) (*Result, error) {
	c := &classifier{
		o:      o,
		comm:   comm,
		order:  FIFO,
		policy: ReviseTangential,
		tol:    1e-3,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initialiseBoxes(); err != nil {
		return nil, err
	}
	if err := c.frontalMarking(); err != nil {
		return nil, err
	}
	res := &Result{}
	if err := c.markOutsideCubes(res); err != nil {
		return nil, err
	}
	if err := c.applyGroupTypes(); err != nil {
		return nil, err
	}
	res.Revised = c.reviseDataBoxes()
	c.markInsideCubes()
	if err := c.updateGhostTypes(); err != nil {
		return nil, err
	}
	for _, leaf := range o.Leaves() {
		switch leaf.Type() {
		case octree.Inside:
			res.Inside++
		case octree.Outside:
			res.Outside++
		case octree.Data:
			res.Data++
		}
	}
	c.log.Infof("classified %d leaves: %d inside, %d outside, %d data (%d revised)",
		o.NumLeaves(), res.Inside, res.Outside, res.Data, res.Revised)
	return res, nil
}

// initialiseBoxes marks leaves intersected by the surface as Data and the
// rest Unknown.
func (c *classifier) initialiseBoxes() error {
	for _, leaf := range c.o.Leaves() {
		if err := c.checkNeighbours(leaf); err != nil {
			return err
		}
		initType(leaf)
	}
	for _, ghost := range c.o.GhostLeaves() {
		initType(ghost)
	}
	return nil
}

func initType(leaf *octree.Cube) {
	if leaf.HasGeometry() {
		leaf.SetType(octree.Data)
	} else {
		leaf.SetType(octree.Unknown)
	}
}

func (c *classifier) checkNeighbours(leaf *octree.Cube) error {
	for dir := octree.XMin; dir <= octree.ZMax; dir++ {
		nei, _ := c.o.FindNeighboursOverFace(leaf, dir)
		for _, n := range nei {
			if n.Proc() == octree.NoProc {
				return errors.Errorf("%v has no ghost neighbour over face %d: ghost layer missing", leaf, dir)
			}
		}
	}
	return nil
}

// frontalMarking groups face connected non-Data leaves. Groups of
// different ranks touching across the ghost layer are linked.
func (c *classifier) frontalMarking() error {
	leaves := c.o.Leaves()
	local := make([]int, len(leaves))
	for i := range local {
		local[i] = -1
	}
	nLocal := 0
	var exterior []bool
	for seed, leaf := range leaves {
		if local[seed] >= 0 || leaf.Type() == octree.Data {
			continue
		}
		g := nLocal
		nLocal++
		exterior = append(exterior, false)
		local[seed] = g
		front := []*octree.Cube{leaf}
		for len(front) > 0 {
			cur := front[len(front)-1]
			front = front[:len(front)-1]
			for dir := octree.XMin; dir <= octree.ZMax; dir++ {
				nei, inside := c.o.FindNeighboursOverFace(cur, dir)
				if !inside {
					exterior[g] = true
					continue
				}
				for _, n := range nei {
					if n.Index() < 0 || n.Type() == octree.Data || local[n.Index()] >= 0 {
						continue
					}
					local[n.Index()] = g
					front = append(front, n)
				}
			}
		}
	}

	counts, err := pstream.AllGather(c.comm, tagGroupCounts, pstream.AppendInts(nil, nLocal))
	if err != nil {
		return errors.Wrap(err, "gathering group counts")
	}
	for p, msg := range counts {
		v, err := pstream.Ints(msg)
		if err != nil || len(v) != 1 {
			return errors.Errorf("bad group count from rank %d", p)
		}
		if p < c.comm.Rank() {
			c.offset += v[0]
		}
		c.nGroups += v[0]
	}
	c.group = local
	for i, g := range local {
		if g >= 0 {
			c.group[i] = g + c.offset
		}
	}
	c.exterior = exterior
	if err := c.resolveGhostGroups(); err != nil {
		return err
	}
	// Link local groups with the groups of adjacent ghosts.
	seen := make(map[[2]int]bool)
	for i, leaf := range leaves {
		if c.group[i] < 0 {
			continue
		}
		for dir := octree.XMin; dir <= octree.ZMax; dir++ {
			nei, _ := c.o.FindNeighboursOverFace(leaf, dir)
			for _, n := range nei {
				gg, ok := c.ghostGroup[n]
				if !ok || gg < 0 {
					continue
				}
				link := [2]int{c.group[i], gg}
				if !seen[link] {
					seen[link] = true
					c.links = append(c.links, link)
				}
			}
		}
	}
	c.log.Debugf("rank %d: %d local groups, %d links across ranks", c.comm.Rank(), nLocal, len(c.links))
	return nil
}

// resolveGhostGroups asks the owners of ghost leaves for their groups.
func (c *classifier) resolveGhostGroups() error {
	c.ghostGroup = make(map[*octree.Cube]int)
	replies, ghosts, err := c.queryGhosts(tagGroupQuery, tagGroupReply, func(leaf *octree.Cube) int {
		return c.group[leaf.Index()]
	})
	if err != nil {
		return errors.Wrap(err, "resolving ghost groups")
	}
	for i, ghost := range ghosts {
		c.ghostGroup[ghost] = replies[i]
	}
	return nil
}

// queryGhosts sends the position of every ghost leaf to its owner, which
// answers with answer(leaf) for its local leaf at that position. It returns
// the answers in the order of the returned ghosts.
func (c *classifier) queryGhosts(queryTag, replyTag int, answer func(leaf *octree.Cube) int) ([]int, []*octree.Cube, error) {
	procs := c.o.NeighbourProcs()
	byProc := make(map[int][]*octree.Cube)
	for _, ghost := range c.o.GhostLeaves() {
		byProc[ghost.Proc()] = append(byProc[ghost.Proc()], ghost)
	}
	for _, p := range procs {
		var q []int
		for _, ghost := range byProc[p] {
			cc := ghost.Coord()
			q = append(q, cc[0], cc[1], cc[2], ghost.Level())
		}
		if err := c.comm.Send(p, queryTag, pstream.AppendInts(nil, q...)); err != nil {
			return nil, nil, err
		}
	}
	for _, p := range procs {
		msg, err := c.comm.Recv(p, queryTag)
		if err != nil {
			return nil, nil, err
		}
		q, err := pstream.Ints(msg)
		if err != nil || len(q)%4 != 0 {
			return nil, nil, errors.Errorf("bad ghost query from rank %d", p)
		}
		reply := make([]int, 0, len(q)/4)
		for k := 0; k < len(q); k += 4 {
			leaf := c.o.FindCube(octree.Coord{q[k], q[k+1], q[k+2]}, q[k+3])
			if leaf == nil || leaf.Index() < 0 {
				return nil, nil, errors.Errorf("rank %d holds a ghost of %v@%d which is not a local leaf", p, q[k:k+3], q[k+3])
			}
			reply = append(reply, answer(leaf))
		}
		if err := c.comm.Send(p, replyTag, pstream.AppendInts(nil, reply...)); err != nil {
			return nil, nil, err
		}
	}
	var answers []int
	var ghosts []*octree.Cube
	for _, p := range procs {
		msg, err := c.comm.Recv(p, replyTag)
		if err != nil {
			return nil, nil, err
		}
		reply, err := pstream.Ints(msg)
		if err != nil || len(reply) != len(byProc[p]) {
			return nil, nil, errors.Errorf("bad ghost reply from rank %d", p)
		}
		answers = append(answers, reply...)
		ghosts = append(ghosts, byProc[p]...)
	}
	return answers, ghosts, nil
}

// markOutsideCubes floods Outside from the groups touching the root
// boundary over the global group graph. Every rank computes the same
// result.
func (c *classifier) markOutsideCubes(res *Result) error {
	var msg []byte
	var ext []int
	for g, e := range c.exterior {
		if e {
			ext = append(ext, g+c.offset)
		}
	}
	msg = pstream.AppendInts(msg, ext...)
	flat := make([]int, 0, 2*len(c.links))
	for _, l := range c.links {
		flat = append(flat, l[0], l[1])
	}
	msg = pstream.AppendInts(msg, flat...)
	all, err := pstream.AllGather(c.comm, tagGroupGraph, msg)
	if err != nil {
		return errors.Wrap(err, "gathering group graph")
	}
	graph := simple.NewUndirectedGraph()
	for g := 0; g < c.nGroups; g++ {
		graph.AddNode(simple.Node(g))
	}
	var seeds []int
	for p, msg := range all {
		ext, rest, err := pstream.ReadInts(msg)
		if err != nil {
			return errors.Wrapf(err, "group graph of rank %d", p)
		}
		flat, err := pstream.Ints(rest)
		if err != nil || len(flat)%2 != 0 {
			return errors.Errorf("bad group links from rank %d", p)
		}
		seeds = append(seeds, ext...)
		for k := 0; k < len(flat); k += 2 {
			a, b := flat[k], flat[k+1]
			if a == b || a < 0 || b < 0 || a >= c.nGroups || b >= c.nGroups {
				continue
			}
			graph.SetEdge(graph.NewEdge(simple.Node(a), simple.Node(b)))
		}
	}
	res.Groups, res.Seeds = c.nGroups, len(seeds)
	if c.nGroups > 0 && len(seeds) == 0 {
		return ErrNoOutsideSeed
	}
	c.groupType = make([]octree.Type, c.nGroups)
	front := make([]int64, 0, len(seeds))
	for _, g := range seeds {
		if c.groupType[g] != octree.Outside {
			c.groupType[g] = octree.Outside
			front = append(front, int64(g))
		}
	}
	for len(front) > 0 {
		i := c.order(len(front))
		g := front[i]
		front = append(front[:i], front[i+1:]...)
		nodes := graph.From(g)
		for nodes.Next() {
			n := nodes.Node().ID()
			if c.groupType[n] != octree.Outside {
				c.groupType[n] = octree.Outside
				front = append(front, n)
			}
		}
	}
	return nil
}

// applyGroupTypes copies the type of every group to its local and ghost
// leaves. Groups not reached are still Unknown.
func (c *classifier) applyGroupTypes() error {
	for i, leaf := range c.o.Leaves() {
		if g := c.group[i]; g >= 0 {
			leaf.SetType(c.groupType[g])
		}
	}
	for ghost, g := range c.ghostGroup {
		if g >= c.nGroups {
			return errors.Errorf("ghost %v references group %d of %d", ghost, g, c.nGroups)
		}
		if g >= 0 {
			ghost.SetType(c.groupType[g])
		}
	}
	return nil
}

// reviseDataBoxes reclassifies Data leaves according to the revise policy
// using the types before revision. It returns the number of revised leaves.
func (c *classifier) reviseDataBoxes() int {
	if c.policy == ReviseNone {
		return 0
	}
	leaves := c.o.Leaves()
	surf := c.o.Surface()
	var revise []*octree.Cube
	for _, leaf := range leaves {
		if leaf.Type() != octree.Data || !c.hasOutsideNeighbour(leaf) {
			continue
		}
		box := d3.Box(c.o.CubeBox(leaf))
		shrunk := box.Inflate(-c.tol * d3.Min(box.Size()))
		touches := false
		for _, f := range leaf.Facets() {
			if surf.Triangle(f).OverlapsBox(shrunk) {
				touches = true
				break
			}
		}
		if !touches {
			revise = append(revise, leaf)
		}
	}
	for _, leaf := range revise {
		leaf.SetType(octree.Outside)
	}
	return len(revise)
}

func (c *classifier) hasOutsideNeighbour(leaf *octree.Cube) bool {
	for dir := octree.XMin; dir <= octree.ZMax; dir++ {
		nei, _ := c.o.FindNeighboursOverFace(leaf, dir)
		for _, n := range nei {
			if n.Type() == octree.Outside {
				return true
			}
		}
	}
	return false
}

// markInsideCubes makes every leaf left Unknown Inside.
func (c *classifier) markInsideCubes() {
	for _, leaf := range c.o.Leaves() {
		if leaf.Type() == octree.Unknown {
			leaf.SetType(octree.Inside)
		}
	}
}

// updateGhostTypes fetches the final type of every ghost from its owner.
func (c *classifier) updateGhostTypes() error {
	types, ghosts, err := c.queryGhosts(tagTypeQuery, tagTypeReply, func(leaf *octree.Cube) int {
		return int(leaf.Type())
	})
	if err != nil {
		return errors.Wrap(err, "updating ghost types")
	}
	for i, ghost := range ghosts {
		ghost.SetType(octree.Type(types[i]))
	}
	return nil
}
