package octree

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/soypat/cfmesh/pstream"
	"go.uber.org/multierr"
)

// Message tags of the collective phases.
const (
	tagRanges = 100 + iota
	tagNeighbours
	tagLoadWeights
	tagLoadCubes
	tagGhosts
	tagRefineRequests
	tagRefineChanged
	tagSons
	tagSiblingRequests
	tagPatches
	tagGatherLeaves
)

// ConsistencyError is a fatal mismatch of the distributed tree state
// between ranks.
type ConsistencyError struct {
	Err error // one error per offending rank, combined with multierr.
}

func (e *ConsistencyError) Error() string { return "inconsistent ranks: " + e.Err.Error() }
func (e *ConsistencyError) Unwrap() error { return e.Err }

// CheckPatchConsistency verifies that every rank holds the same patch
// names as rank 0. It is collective.
func (m *Modifier) CheckPatchConsistency(comm pstream.Comm, patches []string) error {
	mine := fmt.Sprintf("%q", patches)
	all, err := pstream.AllGather(comm, tagPatches, []byte(mine))
	if err != nil {
		return err
	}
	var errs error
	for p, theirs := range all {
		if string(theirs) != string(all[0]) {
			errs = multierr.Append(errs, errors.Errorf("rank %d has patches %s, rank 0 has %s", p, theirs, all[0]))
		}
	}
	if errs != nil {
		return &ConsistencyError{Err: errs}
	}
	return nil
}

// DistributeLeavesToProcessors splits the leaves of a tree built
// identically on every rank into contiguous Morton ordered parts, one per
// rank. Leaves of other ranks are merged into placeholders. It is
// collective.
func (m *Modifier) DistributeLeavesToProcessors(comm pstream.Comm) error {
	o := m.s.octree()
	if o.ranges != nil {
		return errors.New("octree is already distributed")
	}
	for _, leaf := range o.AllLeaves() {
		if !o.IsLocal(leaf) {
			return errors.Errorf("distributing a tree with remote leaf %v", leaf)
		}
	}
	leaves := o.leaves
	n, size := len(leaves), comm.Size()
	for p := 0; p < size; p++ {
		for _, leaf := range leaves[p*n/size : (p+1)*n/size] {
			leaf.proc = p
		}
	}
	m.s.setCommunication(comm.Rank(), nil, nil)
	o.collapseRemote(false)
	o.CreateListOfLeaves()
	o.log.Infof("rank %d holds %d of %d leaves", comm.Rank(), len(o.leaves), n)
	return m.UpdateCommunicationPattern(comm)
}

// UpdateCommunicationPattern gathers the Morton key range of every rank
// and recomputes the ranks holding leaves adjacent to local leaves. The
// neighbour relation is symmetric. It is collective.
func (m *Modifier) UpdateCommunicationPattern(comm pstream.Comm) error {
	o := m.s.octree()
	rank := comm.Rank()
	var local KeyRange
	if n := len(o.leaves); n > 0 {
		first, last := o.leaves[0], o.leaves[n-1]
		local = KeyRange{Lo: Key(first.coord, first.level), Hi: CubeRange(last.coord, last.level).Hi}
	}
	msgs, err := pstream.AllGather(comm, tagRanges, pstream.AppendInts(nil, int(local.Lo), int(local.Hi)))
	if err != nil {
		return errors.Wrap(err, "gathering key ranges")
	}
	ranges := make([]KeyRange, len(msgs))
	for p, msg := range msgs {
		v, err := pstream.Ints(msg)
		if err != nil || len(v) != 2 {
			return errors.Errorf("bad key range from rank %d", p)
		}
		ranges[p] = KeyRange{Lo: uint64(v[0]), Hi: uint64(v[1])}
	}
	for p := range ranges {
		for q := p + 1; q < len(ranges); q++ {
			if ranges[p].Overlaps(ranges[q]) {
				return &ConsistencyError{Err: errors.Errorf("key ranges of ranks %d and %d overlap", p, q)}
			}
		}
	}
	nei := make(map[int]bool)
	for _, leaf := range o.leaves {
		for dir := XMin; dir <= ZMax; dir++ {
			for _, p := range ownersAcross(ranges, leaf, dir) {
				if p != rank {
					nei[p] = true
				}
			}
		}
	}
	lists, err := pstream.AllGather(comm, tagNeighbours, pstream.AppendInts(nil, sortedKeys(nei)...))
	if err != nil {
		return errors.Wrap(err, "gathering neighbour ranks")
	}
	for p, msg := range lists {
		theirs, err := pstream.Ints(msg)
		if err != nil {
			return errors.Wrapf(err, "neighbour ranks of rank %d", p)
		}
		for _, q := range theirs {
			if q == rank && p != rank {
				nei[p] = true
			}
		}
	}
	m.s.setCommunication(rank, ranges, sortedKeys(nei))
	return nil
}

// ownersAcross returns the ranks whose key range overlaps the cube of the
// same size as leaf across face dir. Every leaf sharing that face lies in
// or contains that cube.
func ownersAcross(ranges []KeyRange, leaf *Cube, dir Dir) []int {
	nc := leaf.coord
	nc[dir.Axis()] += dir.Sign()
	if nc[dir.Axis()] < 0 || nc[dir.Axis()] >= 1<<leaf.level {
		return nil
	}
	r := CubeRange(nc, leaf.level)
	var owners []int
	for p, pr := range ranges {
		if pr.Overlaps(r) {
			owners = append(owners, p)
		}
	}
	return owners
}

func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// LoadDistribution moves leaves between ranks so that every rank holds a
// contiguous Morton ordered part with an equal share of the leaves whose
// type is selected by usedType. Unselected leaves travel with the
// preceding selected ones. Ghost leaves are dropped. It is collective.
func (m *Modifier) LoadDistribution(comm pstream.Comm, usedType TypeMask) error {
	o := m.s.octree()
	if o.ranges == nil {
		return errors.New("load distribution of an undistributed octree")
	}
	rank, size := comm.Rank(), comm.Size()
	weight := func(c *Cube) int {
		if usedType.Has(c.typ) {
			return 1
		}
		return 0
	}
	myWeight := 0
	for _, leaf := range o.leaves {
		myWeight += weight(leaf)
	}
	msgs, err := pstream.AllGather(comm, tagLoadWeights, pstream.AppendInts(nil, myWeight, len(o.leaves)))
	if err != nil {
		return errors.Wrap(err, "gathering load")
	}
	var total, offset, totalCount, offsetCount int
	for p, msg := range msgs {
		v, err := pstream.Ints(msg)
		if err != nil || len(v) != 2 {
			return errors.Errorf("bad load message from rank %d", p)
		}
		if p < rank {
			offset += v[0]
			offsetCount += v[1]
		}
		total += v[0]
		totalCount += v[1]
	}
	if total == 0 {
		// Nothing selected: balance the leaf count.
		weight = func(*Cube) int { return 1 }
		total, offset = totalCount, offsetCount
	}
	out := make([][]CubeInfo, size)
	moved := 0
	acc := offset
	for _, leaf := range o.leaves {
		dest := min(size-1, acc*size/max(total, 1))
		acc += weight(leaf)
		if dest == rank {
			continue
		}
		info := leaf.Info()
		info.Proc = dest
		out[dest] = append(out[dest], info)
		leaf.proc = dest
		moved++
	}
	bufs := make([][]byte, size)
	for p, cubes := range out {
		if len(cubes) > 0 {
			bufs[p] = AppendCubes(nil, cubes)
		}
	}
	in, err := pstream.Exchange(comm, tagLoadCubes, bufs)
	if err != nil {
		return errors.Wrap(err, "exchanging cubes")
	}
	o.collapseRemote(false)
	received := 0
	for p, msg := range in {
		if p == rank {
			continue
		}
		cubes, err := DecodeCubes(msg)
		if err != nil {
			return errors.Wrapf(err, "cubes from rank %d", p)
		}
		for _, c := range cubes {
			if err := m.RefineTreeForCoordinatesWithGeometry(c.Coord, c.Level, rank, c.Type, c.Facets, c.Edges); err != nil {
				return errors.Wrapf(err, "cube from rank %d", p)
			}
		}
		received += len(cubes)
	}
	o.collapseRemote(false)
	o.CreateListOfLeaves()
	o.log.Infof("rank %d sent %d and received %d leaves, holds %d", rank, moved, received, len(o.leaves))
	return m.UpdateCommunicationPattern(comm)
}

// RefineTreeForCoordinates creates the leaf at (c, level) owned by procNo
// with the given type, splitting remote leaves above it and merging remote
// cubes below it. It fails if a local leaf would be split or replaced.
// The leaf list must be rebuilt afterwards.
func (m *Modifier) RefineTreeForCoordinates(c Coord, level, procNo int, t Type) error {
	return m.RefineTreeForCoordinatesWithGeometry(c, level, procNo, t, nil, nil)
}

// RefineTreeForCoordinatesWithGeometry is RefineTreeForCoordinates for a
// leaf whose intersecting facets and edges are already known.
func (m *Modifier) RefineTreeForCoordinatesWithGeometry(c Coord, level, procNo int, t Type, facets, edges []int) error {
	return m.s.placeCube(CubeInfo{Coord: c, Level: level, Type: t, Proc: procNo, Facets: facets, Edges: edges})
}

// AddLayerFromNeighbouringProcessors replaces the ghost layer by copies of
// every remote leaf sharing a face with a local leaf. It is collective.
func (m *Modifier) AddLayerFromNeighbouringProcessors(comm pstream.Comm) error {
	o := m.s.octree()
	if o.ranges == nil {
		return errors.New("ghost layer of an undistributed octree")
	}
	rank := comm.Rank()
	o.collapseRemote(false)
	o.CreateListOfLeaves()
	out := make(map[int][]CubeInfo)
	for _, leaf := range o.leaves {
		var sent []int
		for dir := XMin; dir <= ZMax; dir++ {
			for _, p := range ownersAcross(o.ranges, leaf, dir) {
				if p == rank || contains(sent, p) {
					continue
				}
				sent = append(sent, p)
				out[p] = append(out[p], leaf.Info())
			}
		}
	}
	bufs := make(map[int][]byte, len(out))
	for p, cubes := range out {
		bufs[p] = AppendCubes(nil, cubes)
	}
	in, err := exchangeNeighbours(comm, tagGhosts, o.neiProcs, bufs)
	if err != nil {
		return errors.Wrap(err, "exchanging ghost layer")
	}
	ghosts := 0
	for _, p := range o.neiProcs {
		cubes, err := DecodeCubes(in[p])
		if err != nil {
			return errors.Wrapf(err, "ghosts from rank %d", p)
		}
		for _, c := range cubes {
			if err := m.RefineTreeForCoordinatesWithGeometry(c.Coord, c.Level, p, c.Type, c.Facets, c.Edges); err != nil {
				return errors.Wrapf(err, "ghost from rank %d", p)
			}
		}
		ghosts += len(cubes)
	}
	o.CreateListOfLeaves()
	o.log.Debugf("rank %d received %d ghost leaves from %d ranks", rank, ghosts, len(o.neiProcs))
	return nil
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// exchangeNeighbours sends out[p] to every rank p of procs and returns what
// each of them sent back. procs must be symmetric between ranks.
func exchangeNeighbours(comm pstream.Comm, tag int, procs []int, out map[int][]byte) (map[int][]byte, error) {
	for _, p := range procs {
		if err := comm.Send(p, tag, out[p]); err != nil {
			return nil, err
		}
	}
	in := make(map[int][]byte, len(procs))
	for _, p := range procs {
		msg, err := comm.Recv(p, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "receiving from rank %d", p)
		}
		in[p] = msg
	}
	return in, nil
}

// ReduceMemoryConsumption drops the facet and edge lists of leaves that are
// not Data or not local and merges subtrees without local or ghost leaves.
func (m *Modifier) ReduceMemoryConsumption() {
	o := m.s.octree()
	freed := 0
	o.Walk(func(c *Cube) bool {
		if c.IsLeaf() && (c.typ != Data || !o.IsLocal(c)) && (c.facets != nil || c.edges != nil) {
			c.facets, c.edges = nil, nil
			freed++
		}
		return true
	})
	removed := o.collapseRemote(true)
	o.CreateListOfLeaves()
	o.log.Debugf("freed geometry of %d leaves, removed %d remote cubes", freed, removed)
}

// EnsureCorrectRegularityParallel is EnsureCorrectRegularity across ranks:
// flags on ghost leaves are forwarded to their owners until no rank
// receives a new flag. The ghost layer must be current. It is collective.
func (m *Modifier) EnsureCorrectRegularityParallel(comm pstream.Comm, refine []bool) (int, error) {
	o := m.s.octree()
	if err := m.checkFlags(len(refine)); err != nil {
		return 0, err
	}
	added := 0
	for iter := 0; ; iter++ {
		added += m.EnsureCorrectRegularity(refine)
		requests := make(map[int][]int)
		for i, leaf := range o.leaves {
			if !refine[i] {
				continue
			}
			for dir := XMin; dir <= ZMax; dir++ {
				nei, _ := o.FindNeighboursOverFace(leaf, dir)
				for _, n := range nei {
					if o.IsGhost(n) && n.level < leaf.level {
						requests[n.proc] = append(requests[n.proc], n.coord[0], n.coord[1], n.coord[2], n.level)
					}
				}
			}
		}
		bufs := make(map[int][]byte, len(requests))
		for p, req := range requests {
			bufs[p] = pstream.AppendInts(nil, req...)
		}
		in, err := exchangeNeighbours(comm, tagRefineRequests, o.neiProcs, bufs)
		if err != nil {
			return added, errors.Wrap(err, "exchanging refinement requests")
		}
		changed := 0
		for _, p := range o.neiProcs {
			if len(in[p]) == 0 {
				continue
			}
			req, err := pstream.Ints(in[p])
			if err != nil || len(req)%4 != 0 {
				return added, errors.Errorf("bad refinement request from rank %d", p)
			}
			for k := 0; k < len(req); k += 4 {
				c := o.FindCube(Coord{req[k], req[k+1], req[k+2]}, req[k+3])
				if c == nil || c.index < 0 {
					return added, errors.Errorf("rank %d requested refinement of %v@%d which is not a local leaf", p, req[k:k+3], req[k+3])
				}
				if !refine[c.index] {
					refine[c.index] = true
					changed++
				}
			}
		}
		added += changed
		global, err := pstream.AllReduce(comm, tagRefineChanged, changed, pstream.Sum)
		if err != nil {
			return added, err
		}
		o.log.Debugf("parallel regularity iteration %d: %d flags received by all ranks", iter, global)
		if global == 0 {
			return added, nil
		}
	}
}

// RefineSelectedBoxesParallel is RefineSelectedBoxes on a distributed tree.
// Regularity is enforced across ranks and the ghost layer is refreshed
// before and after refinement. It is collective. With hexRefinement the
// sibling leaves of a selected leaf are selected on whichever rank owns
// them.
func (m *Modifier) RefineSelectedBoxesParallel(comm pstream.Comm, refine []bool, hexRefinement bool) error {
	if err := m.checkFlags(len(refine)); err != nil {
		return err
	}
	if err := m.AddLayerFromNeighbouringProcessors(comm); err != nil {
		return err
	}
	for {
		if _, err := m.EnsureCorrectRegularityParallel(comm, refine); err != nil {
			return err
		}
		changed := 0
		if hexRefinement {
			if m.EnsureCorrectRegularitySons(refine) {
				changed = 1
			}
			n, err := m.exchangeSiblingFlags(comm, refine)
			if err != nil {
				return err
			}
			changed += n
		}
		global, err := pstream.AllReduce(comm, tagSons, changed, pstream.Max)
		if err != nil {
			return err
		}
		if global == 0 {
			break
		}
	}
	if err := m.refineFlagged(refine); err != nil {
		return err
	}
	return m.AddLayerFromNeighbouringProcessors(comm)
}

// exchangeSiblingFlags asks the owners of the remote siblings of every
// selected leaf to select them too and returns the number of local leaves
// selected on request. It is collective.
func (m *Modifier) exchangeSiblingFlags(comm pstream.Comm, refine []bool) (int, error) {
	o := m.s.octree()
	requests := make([][]int, comm.Size())
	for i, leaf := range o.leaves {
		if !refine[i] || leaf.level == 0 {
			continue
		}
		parent := Coord{leaf.coord[0] >> 1, leaf.coord[1] >> 1, leaf.coord[2] >> 1}
		for oct := 0; oct < 8; oct++ {
			sib := Coord{parent[0]<<1 | oct&1, parent[1]<<1 | oct>>1&1, parent[2]<<1 | oct>>2&1}
			if sib == leaf.coord {
				continue
			}
			if c := o.FindCube(sib, leaf.level); c != nil && c.IsLeaf() && o.IsLocal(c) {
				continue
			}
			r := CubeRange(sib, leaf.level)
			for p, pr := range o.ranges {
				if p != o.rank && pr.Overlaps(r) {
					requests[p] = append(requests[p], sib[0], sib[1], sib[2], leaf.level)
				}
			}
		}
	}
	out := make([][]byte, comm.Size())
	for p, req := range requests {
		out[p] = pstream.AppendInts(nil, req...)
	}
	in, err := pstream.Exchange(comm, tagSiblingRequests, out)
	if err != nil {
		return 0, errors.Wrap(err, "exchanging sibling requests")
	}
	changed := 0
	for p, msg := range in {
		if p == o.rank {
			continue
		}
		req, err := pstream.Ints(msg)
		if err != nil || len(req)%4 != 0 {
			return changed, errors.Errorf("bad sibling request from rank %d", p)
		}
		for k := 0; k < len(req); k += 4 {
			// A sibling refined further on its owner is not part of the group.
			c := o.FindCube(Coord{req[k], req[k+1], req[k+2]}, req[k+3])
			if c == nil || !c.IsLeaf() || c.index < 0 || !o.IsLocal(c) {
				continue
			}
			if !refine[c.index] {
				refine[c.index] = true
				changed++
			}
		}
	}
	return changed, nil
}

// GatherLeaves returns the local leaves of every rank in Morton order. It
// is collective.
func (o *Octree) GatherLeaves(comm pstream.Comm) ([]CubeInfo, error) {
	infos := make([]CubeInfo, len(o.leaves))
	for i, leaf := range o.leaves {
		infos[i] = leaf.Info()
	}
	msgs, err := pstream.AllGather(comm, tagGatherLeaves, AppendCubes(nil, infos))
	if err != nil {
		return nil, err
	}
	var all []CubeInfo
	for p, msg := range msgs {
		cubes, err := DecodeCubes(msg)
		if err != nil {
			return nil, errors.Wrapf(err, "leaves of rank %d", p)
		}
		all = append(all, cubes...)
	}
	return all, nil
}
