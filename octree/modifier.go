package octree

import (
	"github.com/pkg/errors"
)

// Modifier is the only component allowed to change the structure of an
// octree. Refinement flags passed to its methods are indexed like the
// local leaf list of the tree.
type Modifier struct {
	s Structure
}

// NewModifier returns a Modifier of the tree s.
func NewModifier(s Structure) *Modifier {
	return &Modifier{s: s}
}

// Octree returns the tree being modified.
func (m *Modifier) Octree() *Octree { return m.s.octree() }

func (m *Modifier) checkFlags(n int) error {
	if leaves := len(m.s.Leaves()); n != leaves {
		return errors.Errorf("got %d refinement flags for %d leaves", n, leaves)
	}
	return nil
}

// EnsureCorrectRegularity extends the refine selection until refining it
// keeps face adjacent leaves within one level of each other. It returns the
// number of leaves added to the selection. Only local leaves are flagged.
func (m *Modifier) EnsureCorrectRegularity(refine []bool) int {
	leaves := m.s.Leaves()
	var front []int
	for i, r := range refine {
		if r {
			front = append(front, i)
		}
	}
	added := 0
	for iter := 0; len(front) > 0; iter++ {
		var next []int
		for _, i := range front {
			leaf := leaves[i]
			for dir := XMin; dir <= ZMax; dir++ {
				nei, _ := m.s.FindNeighboursOverFace(leaf, dir)
				for _, n := range nei {
					if n.index < 0 || n.level >= leaf.level || refine[n.index] {
						continue
					}
					refine[n.index] = true
					next = append(next, n.index)
				}
			}
		}
		if len(next) > 0 {
			m.s.logger().Debugf("regularity iteration %d flagged %d additional leaves", iter, len(next))
		}
		added += len(next)
		front = next
	}
	return added
}

// EnsureCorrectRegularitySons flags all local sibling leaves of every
// flagged leaf so that each parent is refined all or none. It reports
// whether any flag was added.
func (m *Modifier) EnsureCorrectRegularitySons(refine []bool) bool {
	leaves := m.s.Leaves()
	type parentKey struct {
		c     Coord
		level int
	}
	siblings := make(map[parentKey][]int)
	for i, leaf := range leaves {
		if leaf.level == 0 {
			continue
		}
		k := parentKey{Coord{leaf.coord[0] >> 1, leaf.coord[1] >> 1, leaf.coord[2] >> 1}, leaf.level - 1}
		siblings[k] = append(siblings[k], i)
	}
	changed := false
	for _, group := range siblings {
		selected := false
		for _, i := range group {
			selected = selected || refine[i]
		}
		if !selected {
			continue
		}
		for _, i := range group {
			if !refine[i] {
				refine[i] = true
				changed = true
			}
		}
	}
	return changed
}

// MarkAdditionalLayers extends the refine selection by nLayers hops of
// face adjacency between local leaves.
func (m *Modifier) MarkAdditionalLayers(refine []bool, nLayers int) {
	leaves := m.s.Leaves()
	var front []int
	for i, r := range refine {
		if r {
			front = append(front, i)
		}
	}
	for layer := 0; layer < nLayers && len(front) > 0; layer++ {
		var next []int
		for _, i := range front {
			for dir := XMin; dir <= ZMax; dir++ {
				nei, _ := m.s.FindNeighboursOverFace(leaves[i], dir)
				for _, n := range nei {
					if n.index >= 0 && !refine[n.index] {
						refine[n.index] = true
						next = append(next, n.index)
					}
				}
			}
		}
		front = next
	}
}

// MarkAdditionalLayersPerBox spreads every selected leaf (refine[i] != 0)
// over nLayers[i] hops of face adjacency. Reached leaves coarser than
// targetLevel[i] are selected. Layer counts and target levels propagate
// with their maximum. It returns the number of selected leaves.
func (m *Modifier) MarkAdditionalLayersPerBox(refine, nLayers, targetLevel []int) int {
	leaves := m.s.Leaves()
	remaining := make([]int, len(leaves))
	target := make([]int, len(leaves))
	var queue []int
	for i, r := range refine {
		if r == 0 {
			continue
		}
		remaining[i], target[i] = nLayers[i], targetLevel[i]
		queue = append(queue, i)
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if remaining[i] <= 0 {
			continue
		}
		for dir := XMin; dir <= ZMax; dir++ {
			nei, _ := m.s.FindNeighboursOverFace(leaves[i], dir)
			for _, n := range nei {
				j := n.index
				if j < 0 {
					continue
				}
				improved := false
				if remaining[i]-1 > remaining[j] {
					remaining[j] = remaining[i] - 1
					improved = true
				}
				if target[i] > target[j] {
					target[j] = target[i]
					improved = true
				}
				if leaves[j].level < target[j] && refine[j] == 0 {
					refine[j] = 1
					improved = true
				}
				if improved {
					queue = append(queue, j)
				}
			}
		}
	}
	count := 0
	for _, r := range refine {
		if r != 0 {
			count++
		}
	}
	return count
}

// RefineSelectedBoxes splits every selected local leaf into 8 children.
// The selection is first extended so the refined tree keeps 2:1 balance;
// with hexRefinement siblings are refined together. Children keep the
// facets and edges of their parent that intersect them. The leaf list is
// rebuilt before returning.
func (m *Modifier) RefineSelectedBoxes(refine []bool, hexRefinement bool) error {
	if err := m.checkFlags(len(refine)); err != nil {
		return err
	}
	for {
		m.EnsureCorrectRegularity(refine)
		if !hexRefinement || !m.EnsureCorrectRegularitySons(refine) {
			break
		}
	}
	return m.refineFlagged(refine)
}

// refineFlagged splits every selected leaf. Nothing is split when any
// selected leaf is already at MaxLevel.
func (m *Modifier) refineFlagged(refine []bool) error {
	leaves := m.s.Leaves()
	for i, r := range refine {
		if r && leaves[i].level >= MaxLevel {
			return errors.Errorf("cannot refine %v beyond level %d", leaves[i], MaxLevel)
		}
	}
	n := 0
	for i, r := range refine {
		if !r {
			continue
		}
		if err := m.s.refineCube(leaves[i]); err != nil {
			m.s.CreateListOfLeaves()
			return err
		}
		n++
	}
	m.s.CreateListOfLeaves()
	m.s.logger().Debugf("refined %d leaves, %d local leaves", n, len(m.s.Leaves()))
	return nil
}
