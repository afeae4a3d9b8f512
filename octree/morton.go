package octree

// MaxLevel is the deepest refinement level supported by the tree. Morton
// keys of cubes are computed at this level and fit in 60 bits.
const MaxLevel = 20

// Key returns the Morton (Z order) key of the first finest-level cube
// contained in the cube at (c, level). Keys increase along a depth first
// traversal of the tree.
func Key(c Coord, level int) uint64 {
	shift := MaxLevel - level
	var k uint64
	for b := 0; b < level; b++ {
		k |= uint64(c[0]>>b&1) << (3 * b)
		k |= uint64(c[1]>>b&1) << (3*b + 1)
		k |= uint64(c[2]>>b&1) << (3*b + 2)
	}
	return k << (3 * shift)
}

// span returns the number of finest-level keys covered by a cube of the level.
func span(level int) uint64 { return 1 << (3 * (MaxLevel - level)) }

// KeyRange is the half open interval of Morton keys [Lo, Hi).
type KeyRange struct {
	Lo, Hi uint64
}

// CubeRange returns the key range covered by the cube at (c, level).
func CubeRange(c Coord, level int) KeyRange {
	k := Key(c, level)
	return KeyRange{Lo: k, Hi: k + span(level)}
}

// Empty reports whether the range has no keys.
func (r KeyRange) Empty() bool { return r.Hi <= r.Lo }

// Overlaps reports whether r and o share a key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return !r.Empty() && !o.Empty() && r.Lo < o.Hi && o.Lo < r.Hi
}
