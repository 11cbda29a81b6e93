// Package mmr implements the Merkle Mountain Range primitives required by
// C1: an append-only authenticated sequence exposing both an Accumulator
// view (current peaks + leaf count) and an Archival view (full node
// storage, able to prove or mutate any past leaf).
//
// A range of n leaves decomposes, left to right, into contiguous "mountains"
// whose sizes are the powers of two present in the binary representation of
// n (largest/oldest mountain first). A mountain of height h holds 2^h
// leaves and bags to a single peak digest. Appending one leaf carries
// through the trailing run of 1-bits exactly like incrementing a binary
// counter, which is what makes incremental witness maintenance possible
// without rehashing the whole structure.
package mmr

import (
	"errors"

	"github.com/rawblock/mutaset/internal/digest"
)

// ErrAuthPathInvalid is returned by Verify-adjacent operations when a
// supplied authentication path does not match the claimed leaf/peaks.
var ErrAuthPathInvalid = errors.New("mmr: authentication path does not verify")

// AuthPath is a membership proof for one leaf: the bottom-up sequence of
// sibling digests from the leaf to the top of its mountain. Direction
// (left/right) at each level is derived from the leaf's position, not
// stored, since it is fully determined by LeafIndex and the peak
// decomposition of the leaf count the path is checked against.
type AuthPath struct {
	LeafIndex uint64
	Siblings  []digest.Digest
}

// Clone returns a deep copy of the auth path.
func (p AuthPath) Clone() AuthPath {
	s := make([]digest.Digest, len(p.Siblings))
	copy(s, p.Siblings)
	return AuthPath{LeafIndex: p.LeafIndex, Siblings: s}
}

type mountain struct {
	start  uint64 // index of its first leaf
	height uint   // 2^height leaves
}

// decompose returns the mountains of an MMR holding leafCount leaves,
// ordered left to right (oldest/largest first), matching the order peaks
// are appended to an MMR's peaks slice.
func decompose(leafCount uint64) []mountain {
	if leafCount == 0 {
		return nil
	}
	var heights []uint
	for h := uint(0); (uint64(1) << h) <= leafCount; h++ {
		if leafCount&(uint64(1)<<h) != 0 {
			heights = append(heights, h)
		}
	}
	// heights is ascending; mountains are listed oldest (highest height)
	// first because the earliest-appended leaves form the biggest mountain.
	mountains := make([]mountain, len(heights))
	start := uint64(0)
	for i := len(heights) - 1; i >= 0; i-- {
		h := heights[i]
		mountains[len(heights)-1-i] = mountain{start: start, height: h}
		start += uint64(1) << h
	}
	return mountains
}

// trailingOnes returns the count of consecutive set bits starting at bit 0.
func trailingOnes(v uint64) uint {
	var n uint
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

// mountainForLeaf finds which mountain a given global leaf index belongs to
// under the given leaf count, returning its local (within-mountain) index
// and height.
func mountainForLeaf(leafCount, leafIndex uint64) (localIndex uint64, height uint, ok bool) {
	for _, m := range decompose(leafCount) {
		size := uint64(1) << m.height
		if leafIndex >= m.start && leafIndex < m.start+size {
			return leafIndex - m.start, m.height, true
		}
	}
	return 0, 0, false
}

// peaksByHeight maps each present mountain height to its bagged peak
// digest, derived from a canonical left-to-right Peaks slice.
func peaksByHeight(leafCount uint64, peaks []digest.Digest) map[uint]digest.Digest {
	mountains := decompose(leafCount)
	out := make(map[uint]digest.Digest, len(mountains))
	for i, m := range mountains {
		if i < len(peaks) {
			out[m.height] = peaks[i]
		}
	}
	return out
}

// foldPath applies a sibling path bottom-up starting from leaf, using the
// leaf's local index parity to decide sibling order at each level.
func foldPath(leaf digest.Digest, localIndex uint64, siblings []digest.Digest) digest.Digest {
	cur := leaf
	idx := localIndex
	for _, s := range siblings {
		if idx%2 == 0 {
			cur = digest.HashPair(cur, s)
		} else {
			cur = digest.HashPair(s, cur)
		}
		idx /= 2
	}
	return cur
}

// Accumulator is the lightweight MMR view: current peaks (left to right,
// oldest/largest mountain first) plus leaf count. It never stores leaves,
// so operations that need sibling data (mutation, proof continuation) must
// be supplied an AuthPath by the caller — exactly the external contract
// spec.md §4.1 describes.
type Accumulator struct {
	Peaks     []digest.Digest
	LeafCount uint64
}

// NewAccumulator builds an Accumulator from a full leaf set, used mainly by
// tests and by Archival.Accumulator().
func NewAccumulator(leaves []digest.Digest) Accumulator {
	acc := Accumulator{}
	for _, l := range leaves {
		acc, _ = acc.Append(l)
	}
	return acc
}

// Clone returns a deep copy.
func (a Accumulator) Clone() Accumulator {
	p := make([]digest.Digest, len(a.Peaks))
	copy(p, a.Peaks)
	return Accumulator{Peaks: p, LeafCount: a.LeafCount}
}

// BagPeaks folds the peaks slice into the single digest that uniquely
// commits to the whole sequence (spec.md's bag_peaks invariant).
func BagPeaks(peaks []digest.Digest) digest.Digest {
	if len(peaks) == 0 {
		return digest.Zero
	}
	acc := peaks[len(peaks)-1]
	for i := len(peaks) - 2; i >= 0; i-- {
		acc = digest.HashPair(peaks[i], acc)
	}
	return acc
}

// Commitment returns the digest committing to this accumulator's state.
func (a Accumulator) Commitment() digest.Digest {
	return BagPeaks(a.Peaks)
}

// Append adds a leaf, returning the updated accumulator and the leaf's own
// membership proof, valid immediately after the append.
func (a Accumulator) Append(leaf digest.Digest) (Accumulator, AuthPath) {
	byHeight := peaksByHeight(a.LeafCount, a.Peaks)
	t := trailingOnes(a.LeafCount)

	running := leaf
	siblings := make([]digest.Digest, 0, t)
	for h := uint(0); h < t; h++ {
		siblings = append(siblings, byHeight[h])
		running = digest.HashPair(byHeight[h], running)
	}

	newLeafCount := a.LeafCount + 1
	newMountains := decompose(newLeafCount)
	newPeaks := make([]digest.Digest, len(newMountains))
	// The settle height (t) mountain is always the newly computed one;
	// everything at a strictly lower height was consumed, everything at a
	// strictly higher height is untouched and carries over unchanged.
	for i, m := range newMountains {
		switch {
		case m.height == t:
			newPeaks[i] = running
		case m.height > t:
			newPeaks[i] = byHeight[m.height]
		}
	}

	return Accumulator{Peaks: newPeaks, LeafCount: newLeafCount}, AuthPath{LeafIndex: a.LeafCount, Siblings: siblings}
}

// Verify checks that leaf, at path.LeafIndex, is a member of the MMR
// described by (peaks, leafCount).
func Verify(peaks []digest.Digest, leaf digest.Digest, leafCount uint64, path AuthPath) bool {
	localIndex, height, ok := mountainForLeaf(leafCount, path.LeafIndex)
	if !ok || uint(len(path.Siblings)) != height {
		return false
	}
	byHeight := peaksByHeight(leafCount, peaks)
	want, ok := byHeight[height]
	if !ok {
		return false
	}
	return foldPath(leaf, localIndex, path.Siblings) == want
}

// MutateLeaf recomputes peaks after replacing the leaf at path.LeafIndex
// with newLeaf, given its (pre-mutation) authentication path. Callers must
// separately refresh any other cached witness whose path shares an
// ancestor with the mutated leaf (see UpdateFromLeafMutation).
func MutateLeaf(peaks []digest.Digest, leafCount uint64, path AuthPath, newLeaf digest.Digest) ([]digest.Digest, error) {
	localIndex, height, ok := mountainForLeaf(leafCount, path.LeafIndex)
	if !ok || uint(len(path.Siblings)) != height {
		return nil, ErrAuthPathInvalid
	}
	newPeakDigest := foldPath(newLeaf, localIndex, path.Siblings)
	mountains := decompose(leafCount)
	out := make([]digest.Digest, len(peaks))
	copy(out, peaks)
	for i, m := range mountains {
		if m.height == height {
			out[i] = newPeakDigest
			break
		}
	}
	return out, nil
}

// UpdateFromAppend refreshes a witness's auth path after one more leaf was
// appended to the MMR. If the witness's own mountain gets merged into a
// taller one by the append (the append's carry chain reaches the witness's
// height), one sibling is added per merged level: first the subtree root
// built up from the appended leaf, then each older, taller peak on the
// left that the carry chain absorbs; otherwise the path is unchanged.
func UpdateFromAppend(oldLeafCount uint64, appended digest.Digest, oldPeaks []digest.Digest, path AuthPath) AuthPath {
	hx := uint(len(path.Siblings))
	t := trailingOnes(oldLeafCount)
	if hx >= t {
		return path.Clone()
	}
	byHeight := peaksByHeight(oldLeafCount, oldPeaks)
	running := appended
	for h := uint(0); h < hx; h++ {
		running = digest.HashPair(byHeight[h], running)
	}
	newPath := path.Clone()
	newPath.Siblings = append(newPath.Siblings, running)
	for h := hx + 1; h < t; h++ {
		newPath.Siblings = append(newPath.Siblings, byHeight[h])
	}
	return newPath
}

// UpdateFromLeafMutation refreshes a witness's auth path after a *different*
// leaf elsewhere in the structure was mutated, in case the mutated leaf is
// an ancestor-sibling on this witness's path. otherPath is the mutated
// leaf's own (pre-mutation) auth path and otherNewLeaf is its replacement
// value; both describe the same MMR state as path.
func UpdateFromLeafMutation(path AuthPath, otherPath AuthPath, otherNewLeaf digest.Digest) AuthPath {
	if path.LeafIndex == otherPath.LeafIndex {
		return path.Clone()
	}
	// Find the lowest level at which the two leaves' local traversal
	// diverges; above that level they share ancestors, and the mutated
	// leaf's recomputed subtree root becomes (or replaces) the relevant
	// sibling of path at that shared level.
	out := path.Clone()
	minLen := len(path.Siblings)
	if len(otherPath.Siblings) < minLen {
		minLen = len(otherPath.Siblings)
	}
	// Two leaves are siblings of one another at level L iff their local
	// indices agree on all bits above L and differ at bit L (the classic
	// binary-tree sibling test), and both paths must be within the same
	// mountain (equal total height).
	if len(path.Siblings) != len(otherPath.Siblings) {
		return out
	}
	a, b := path.LeafIndex, otherPath.LeafIndex
	for level := 0; level < minLen; level++ {
		if (a>>uint(level))^(b>>uint(level)) == 1 {
			// They are siblings at this level: recompute the mutated
			// side's local root up to this level and splice it in.
			sub := otherNewLeaf
			idx := b
			for l := 0; l < level; l++ {
				if idx%2 == 0 {
					sub = digest.HashPair(sub, otherPath.Siblings[l])
				} else {
					sub = digest.HashPair(otherPath.Siblings[l], sub)
				}
				idx /= 2
			}
			out.Siblings[level] = sub
			return out
		}
	}
	return out
}

// Archival is a full MMR leaf store: every leaf is retained and internal
// nodes are recomputed from the leaves when needed, so that a membership
// proof can be produced for any leaf index on
// demand, and any leaf can be mutated (with full auth-path recomputation)
// rather than only the most-recently-appended one.
type Archival struct {
	leaves []digest.Digest
}

// NewArchival builds an empty archival MMR.
func NewArchival() *Archival { return &Archival{} }

// LeafCount returns the number of leaves stored.
func (m *Archival) LeafCount() uint64 { return uint64(len(m.leaves)) }

// Leaves exposes the stored leaves (used by persistence layers that need to
// serialize them one at a time).
func (m *Archival) Leaves() []digest.Digest { return m.leaves }

// Peaks returns the current left-to-right peak digests.
func (m *Archival) Peaks() []digest.Digest {
	mountains := decompose(m.LeafCount())
	out := make([]digest.Digest, len(mountains))
	for i, mt := range mountains {
		out[i] = m.bagMountain(mt)
	}
	return out
}

func (m *Archival) bagMountain(mt mountain) digest.Digest {
	size := uint64(1) << mt.height
	level := make([]digest.Digest, size)
	copy(level, m.leaves[mt.start:mt.start+size])
	for len(level) > 1 {
		next := make([]digest.Digest, len(level)/2)
		for i := range next {
			next[i] = digest.HashPair(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// Accumulator returns the lightweight peaks+leafcount view of this store.
func (m *Archival) Accumulator() Accumulator {
	return Accumulator{Peaks: m.Peaks(), LeafCount: m.LeafCount()}
}

// Append adds a leaf to the archival store and returns its membership
// proof against the post-append state.
func (m *Archival) Append(leaf digest.Digest) AuthPath {
	idx := m.LeafCount()
	m.leaves = append(m.leaves, leaf)
	path, err := m.Prove(idx)
	if err != nil {
		// Cannot happen: idx was just appended.
		panic(err)
	}
	return path
}

// Prove produces the membership proof for the leaf at leafIndex against the
// current state.
func (m *Archival) Prove(leafIndex uint64) (AuthPath, error) {
	localIndex, height, ok := mountainForLeaf(m.LeafCount(), leafIndex)
	if !ok {
		return AuthPath{}, errors.New("mmr: leaf index out of range")
	}
	mt, err := m.mountainContaining(leafIndex)
	if err != nil {
		return AuthPath{}, err
	}
	size := uint64(1) << mt.height
	level := make([]digest.Digest, size)
	copy(level, m.leaves[mt.start:mt.start+size])

	siblings := make([]digest.Digest, 0, height)
	idx := localIndex
	for len(level) > 1 {
		sibIdx := idx ^ 1
		siblings = append(siblings, level[sibIdx])
		next := make([]digest.Digest, len(level)/2)
		for i := range next {
			next[i] = digest.HashPair(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}
	return AuthPath{LeafIndex: leafIndex, Siblings: siblings}, nil
}

func (m *Archival) mountainContaining(leafIndex uint64) (mountain, error) {
	for _, mt := range decompose(m.LeafCount()) {
		size := uint64(1) << mt.height
		if leafIndex >= mt.start && leafIndex < mt.start+size {
			return mt, nil
		}
	}
	return mountain{}, errors.New("mmr: leaf index out of range")
}

// MutateLeaf replaces the leaf at leafIndex with newLeaf, recomputing every
// affected internal node, and returns the updated peaks.
func (m *Archival) MutateLeaf(leafIndex uint64, newLeaf digest.Digest) ([]digest.Digest, error) {
	if leafIndex >= m.LeafCount() {
		return nil, errors.New("mmr: leaf index out of range")
	}
	m.leaves[leafIndex] = newLeaf
	return m.Peaks(), nil
}

// Verify is a convenience wrapper calling the package-level Verify against
// this store's current peaks and leaf count.
func (m *Archival) Verify(leaf digest.Digest, path AuthPath) bool {
	return Verify(m.Peaks(), leaf, m.LeafCount(), path)
}
