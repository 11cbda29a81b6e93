// Package mutatorset implements the mutator set kernel (C2): the
// accumulator that lets a node track which outputs exist and which have
// been spent without storing the UTXO set itself. It is built from an
// append-only MMR of addition records (the AOCL) and a sliding-window
// Bloom filter (SWBF) split into a sealed, MMR-backed inactive part and a
// small mutable active window.
package mutatorset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mmr"
)

// Tunable parameters. Values match the recommendations called out in the
// data model: a 30000-bit active window sliding ten leaves at a time,
// backed by 1500-bit chunks, with 45 independent Bloom trials per item.
const (
	ChunkSize  = 1500
	WindowSize = 30000
	BatchSize  = 10
	NumTrials  = 45
)

var (
	// ErrStaleAdditionRecord is returned by Add when the record's AOCL
	// snapshot no longer matches the current accumulator, meaning some
	// other addition or a reorg landed first.
	ErrStaleAdditionRecord = errors.New("mutatorset: addition record snapshot is stale")
	// ErrMissingTargetChunk is returned by Remove when a removal record's
	// bit index falls in the inactive window but carries no matching
	// chunk dictionary entry.
	ErrMissingTargetChunk = errors.New("mutatorset: removal record missing target chunk")
)

// Chunk is a fixed-size bit array; CHUNK_SIZE of the sliding Bloom filter
// that has scrolled out of the active window and been sealed into the
// swbf_inactive MMR.
type Chunk struct {
	bits *bitset.BitSet
}

// NewChunk returns an all-zero chunk.
func NewChunk() Chunk {
	return Chunk{bits: bitset.New(ChunkSize)}
}

// SetBit sets bit i (0 <= i < ChunkSize) in the chunk.
func (c Chunk) SetBit(i uint64) {
	c.bits.Set(uint(i))
}

// GetBit reports whether bit i is set.
func (c Chunk) GetBit(i uint64) bool {
	return c.bits.Test(uint(i))
}

// Clone returns an independent copy of the chunk.
func (c Chunk) Clone() Chunk {
	return Chunk{bits: c.bits.Clone()}
}

// Words exposes the chunk's bit storage as 64-bit words, the shape the
// archival store persists a sealed chunk under.
func (c Chunk) Words() []uint64 {
	return c.bits.Bytes()
}

// ChunkFromWords rebuilds a chunk from the word encoding Words produced.
func ChunkFromWords(words []uint64) Chunk {
	return Chunk{bits: bitset.From(words)}
}

// MarshalJSON renders the chunk as its word encoding, since the
// underlying bitset carries no exported fields of its own.
func (c Chunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Words())
}

// UnmarshalJSON parses the word encoding MarshalJSON produced.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var words []uint64
	if err := json.Unmarshal(data, &words); err != nil {
		return err
	}
	*c = ChunkFromWords(words)
	return nil
}

// Hash commits to the chunk's bit pattern. The original packs bits into
// 63-bit field elements before hashing; here the bitset's own word
// encoding already plays that role, so the digest is taken directly over
// the words.
func (c Chunk) Hash() digest.Digest {
	words := c.bits.Bytes()
	buf := make([]byte, 0, len(words)*8)
	for _, w := range words {
		buf = append(buf,
			byte(w), byte(w>>8), byte(w>>16), byte(w>>24),
			byte(w>>32), byte(w>>40), byte(w>>48), byte(w>>56),
		)
	}
	return digest.H(buf)
}

// ActiveWindow is the mutable tail of the sliding Bloom filter.
type ActiveWindow struct {
	bits *bitset.BitSet
}

// NewActiveWindow returns an all-zero active window of WindowSize bits.
func NewActiveWindow() *ActiveWindow {
	return &ActiveWindow{bits: bitset.New(WindowSize)}
}

// SetBit sets bit i (0 <= i < WindowSize).
func (w *ActiveWindow) SetBit(i uint64) {
	w.bits.Set(uint(i))
}

// GetBit reports whether bit i is set.
func (w *ActiveWindow) GetBit(i uint64) bool {
	return w.bits.Test(uint(i))
}

// Clone returns an independent copy of the window.
func (w *ActiveWindow) Clone() *ActiveWindow {
	return &ActiveWindow{bits: w.bits.Clone()}
}

// ExtractFirstChunk copies out the first ChunkSize bits, the portion that
// seals into swbf_inactive the moment the window slides.
func (w *ActiveWindow) ExtractFirstChunk() Chunk {
	c := NewChunk()
	for i := uint64(0); i < ChunkSize; i++ {
		if w.bits.Test(uint(i)) {
			c.bits.Set(uint(i))
		}
	}
	return c
}

// SetBitIndices enumerates every currently-set bit position, the sparse
// representation the archival store persists the active window under
// (spec.md calls for "a set of 1-bit indices" rather than a dense blob).
func (w *ActiveWindow) SetBitIndices() []uint64 {
	out := make([]uint64, 0)
	for i, ok := w.bits.NextSet(0); ok; i, ok = w.bits.NextSet(i + 1) {
		out = append(out, uint64(i))
	}
	return out
}

// ShiftLeftByChunk slides the window one chunk to the right: bit i takes
// the value previously at i+ChunkSize, and the new tail is zeroed.
func (w *ActiveWindow) ShiftLeftByChunk() {
	shifted := bitset.New(WindowSize)
	for i := uint64(ChunkSize); i < WindowSize; i++ {
		if w.bits.Test(uint(i)) {
			shifted.Set(uint(i - ChunkSize))
		}
	}
	w.bits = shifted
}

// ChunkEntry pairs a sealed chunk with its membership proof in
// swbf_inactive, the unit a removal record or witness carries per
// inactive bit index.
type ChunkEntry struct {
	AuthPath mmr.AuthPath
	Chunk    Chunk
}

// ChunkDictionary maps a chunk index to its (auth path, bits) pair.
type ChunkDictionary map[uint64]ChunkEntry

// Clone performs a deep copy, since both AuthPath and Chunk are mutated
// independently by different witnesses.
func (d ChunkDictionary) Clone() ChunkDictionary {
	out := make(ChunkDictionary, len(d))
	for k, v := range d {
		out[k] = ChunkEntry{AuthPath: v.AuthPath.Clone(), Chunk: v.Chunk.Clone()}
	}
	return out
}

// AdditionRecord commits to a new item without revealing it, plus the
// AOCL snapshot it was computed against so a stale add can be rejected.
type AdditionRecord struct {
	Commitment    digest.Digest
	AoclPeaks     []digest.Digest
	AoclLeafCount uint64
}

// HasMatchingAOCL reports whether the record's snapshot still matches
// the live accumulator's AOCL.
func (ar AdditionRecord) HasMatchingAOCL(aocl mmr.Accumulator) bool {
	if ar.AoclLeafCount != aocl.LeafCount || len(ar.AoclPeaks) != len(aocl.Peaks) {
		return false
	}
	for i := range ar.AoclPeaks {
		if ar.AoclPeaks[i] != aocl.Peaks[i] {
			return false
		}
	}
	return true
}

// RemovalRecord carries everything required to flip the bits associated
// with a spent item, including proofs for whichever bits already live in
// the sealed, inactive part of the filter.
type RemovalRecord struct {
	BitIndices   []uint64
	TargetChunks ChunkDictionary
}

// MembershipProof is the witness a wallet retains for an owned output:
// enough to prove the item is still a member of the set, and to derive a
// RemovalRecord once it is spent.
type MembershipProof struct {
	SenderRandomness digest.Digest
	ReceiverPreimage digest.Digest
	AuthPathAOCL     mmr.AuthPath
	TargetChunks     ChunkDictionary
}

// Clone returns an independent copy.
func (w MembershipProof) Clone() MembershipProof {
	return MembershipProof{
		SenderRandomness: w.SenderRandomness,
		ReceiverPreimage: w.ReceiverPreimage,
		AuthPathAOCL:     w.AuthPathAOCL.Clone(),
		TargetChunks:     w.TargetChunks.Clone(),
	}
}

// Accumulator is the live, unarchived mutator set kernel.
type Accumulator struct {
	AOCL         mmr.Accumulator
	SWBFInactive mmr.Accumulator
	SWBFActive   *ActiveWindow
}

// NewAccumulator returns an empty mutator set.
func NewAccumulator() *Accumulator {
	return &Accumulator{SWBFActive: NewActiveWindow()}
}

func windowSlides(i uint64) bool {
	return i != 0 && i%BatchSize == 0
}

// WindowSlides reports whether adding an item at AOCL leaf index i seals a
// chunk and slides the active window, exported so the archival store can
// decide when a freshly-appended AOCL leaf also produces a new chunk.
func WindowSlides(i uint64) bool {
	return windowSlides(i)
}

func clonePeaks(peaks []digest.Digest) []digest.Digest {
	out := make([]digest.Digest, len(peaks))
	copy(out, peaks)
	return out
}

// commitmentLeaf is the AOCL leaf value for an item: H(item,
// sender_randomness, receiver_digest), where receiver_digest is already
// H(receiver_preimage).
func commitmentLeaf(item, senderRandomness, receiverDigest digest.Digest) digest.Digest {
	return digest.HashVarlen(item, senderRandomness, receiverDigest)
}

// GetIndices derives the NumTrials pseudorandom bit positions an item
// occupies in the sliding Bloom filter once it sits at AOCL leaf index i.
// receiverPreimage is accepted for parity with the operation's published
// signature but, per the derivation rule, does not feed the hash chain:
// only item, sender_randomness and the leaf index do.
func GetIndices(item, senderRandomness, receiverPreimage digest.Digest, aoclIndex uint64) []uint64 {
	_ = receiverPreimage
	batchIndex := aoclIndex / BatchSize
	inner := digest.HashPair(digest.FromUint64(aoclIndex), senderRandomness)
	base := digest.HashPair(item, inner)

	indices := make([]uint64, NumTrials)
	for counter := uint64(0); counter < NumTrials; counter++ {
		seed := digest.HashPair(digest.FromUint64(counter), base)
		indices[counter] = batchIndex*ChunkSize + digest.SampleIndex(seed, WindowSize)
	}
	return indices
}

// Commit produces an addition record for item, to be added to the set
// later via Add. receiverDigest must already equal H(receiver_preimage).
func (ms *Accumulator) Commit(item, senderRandomness, receiverDigest digest.Digest) AdditionRecord {
	return AdditionRecord{
		Commitment:    commitmentLeaf(item, senderRandomness, receiverDigest),
		AoclPeaks:     clonePeaks(ms.AOCL.Peaks),
		AoclLeafCount: ms.AOCL.LeafCount,
	}
}

// Prove builds the membership proof that will become valid the moment
// addition_record is applied via Add. It mutates nothing.
func (ms *Accumulator) Prove(item, senderRandomness, receiverPreimage digest.Digest) MembershipProof {
	receiverDigest := digest.H(receiverPreimage.Bytes())
	leaf := commitmentLeaf(item, senderRandomness, receiverDigest)
	_, authPath := ms.AOCL.Append(leaf)
	return MembershipProof{
		SenderRandomness: senderRandomness,
		ReceiverPreimage: receiverPreimage,
		AuthPathAOCL:     authPath,
		TargetChunks:     make(ChunkDictionary),
	}
}

// Verify reports whether w proves item's current membership in the set.
func (ms *Accumulator) Verify(item digest.Digest, w MembershipProof) bool {
	if w.AuthPathAOCL.LeafIndex >= ms.AOCL.LeafCount {
		return false
	}
	receiverDigest := digest.H(w.ReceiverPreimage.Bytes())
	leaf := commitmentLeaf(item, w.SenderRandomness, receiverDigest)
	if !mmr.Verify(ms.AOCL.Peaks, leaf, ms.AOCL.LeafCount, w.AuthPathAOCL) {
		return false
	}

	currentBatchIndex := (ms.AOCL.LeafCount - 1) / BatchSize
	windowStart := currentBatchIndex * ChunkSize
	windowStop := windowStart + WindowSize
	bitIndices := GetIndices(item, w.SenderRandomness, w.ReceiverPreimage, w.AuthPathAOCL.LeafIndex)

	hasUnsetBits := false
	for _, b := range bitIndices {
		switch {
		case b < windowStart:
			entry, ok := w.TargetChunks[b/ChunkSize]
			if !ok {
				return false
			}
			if !mmr.Verify(ms.SWBFInactive.Peaks, entry.Chunk.Hash(), ms.SWBFInactive.LeafCount, entry.AuthPath) {
				return false
			}
			if !entry.Chunk.GetBit(b % ChunkSize) {
				hasUnsetBits = true
			}
		case b >= windowStop:
			return false
		default:
			if !ms.SWBFActive.GetBit(b - windowStart) {
				hasUnsetBits = true
			}
		}
	}
	return hasUnsetBits
}

// Drop derives the removal record that will retire item from the set
// when passed to Remove. It performs no mutation.
func Drop(item digest.Digest, w MembershipProof) RemovalRecord {
	return RemovalRecord{
		BitIndices:   GetIndices(item, w.SenderRandomness, w.ReceiverPreimage, w.AuthPathAOCL.LeafIndex),
		TargetChunks: w.TargetChunks.Clone(),
	}
}

// AddContext carries the before/after state of an Add call that other
// components need to refresh their own cached witnesses, mirroring the
// update_from_addition step every monitored UTXO must run after a block
// is applied.
type AddContext struct {
	OldAOCLLeafCount uint64
	OldAOCLPeaks     []digest.Digest
	NewAOCLLeafCount uint64

	WindowSlid               bool
	OldSWBFInactiveLeafCount uint64
	OldSWBFInactivePeaks     []digest.Digest
	AppendedChunkDigest      digest.Digest
	NewChunkAuthPath         mmr.AuthPath
	NewChunk                 Chunk
}

// Add applies an addition record to the set, appending its commitment to
// the AOCL and, when the batch boundary is crossed, sealing a chunk of
// the active window into swbf_inactive and sliding the window.
func (ms *Accumulator) Add(ar AdditionRecord) (AddContext, error) {
	if !ar.HasMatchingAOCL(ms.AOCL) {
		return AddContext{}, ErrStaleAdditionRecord
	}

	ctx := AddContext{
		OldAOCLLeafCount: ms.AOCL.LeafCount,
		OldAOCLPeaks:     clonePeaks(ms.AOCL.Peaks),
	}
	itemIndex := ms.AOCL.LeafCount
	newAOCL, _ := ms.AOCL.Append(ar.Commitment)
	ms.AOCL = newAOCL
	ctx.NewAOCLLeafCount = ms.AOCL.LeafCount

	if windowSlides(itemIndex) {
		chunk := ms.SWBFActive.ExtractFirstChunk()
		chunkDigest := chunk.Hash()

		ctx.WindowSlid = true
		ctx.OldSWBFInactiveLeafCount = ms.SWBFInactive.LeafCount
		ctx.OldSWBFInactivePeaks = clonePeaks(ms.SWBFInactive.Peaks)
		ctx.AppendedChunkDigest = chunkDigest
		ctx.NewChunk = chunk

		newSWBFInactive, chunkAuthPath := ms.SWBFInactive.Append(chunkDigest)
		ms.SWBFInactive = newSWBFInactive
		ctx.NewChunkAuthPath = chunkAuthPath

		ms.SWBFActive.ShiftLeftByChunk()
	}

	return ctx, nil
}

// UpdateMembershipProofOnAdd refreshes w so it remains valid after the
// addition described by ctx has been applied to the set w is tracked
// against. item is the item w proves membership of (not stored in the
// witness itself).
func UpdateMembershipProofOnAdd(item digest.Digest, w MembershipProof, ctx AddContext) MembershipProof {
	w = w.Clone()
	w.AuthPathAOCL = mmr.UpdateFromAppend(ctx.OldAOCLLeafCount, commitmentLeaf(item, w.SenderRandomness, digest.H(w.ReceiverPreimage.Bytes())), ctx.OldAOCLPeaks, w.AuthPathAOCL)

	if !ctx.WindowSlid {
		return w
	}

	oldWindowStart := ((ctx.OldAOCLLeafCount - 1) / BatchSize) * ChunkSize
	newWindowStart := ((ctx.NewAOCLLeafCount - 1) / BatchSize) * ChunkSize
	bitIndices := GetIndices(item, w.SenderRandomness, w.ReceiverPreimage, w.AuthPathAOCL.LeafIndex)

	for _, b := range bitIndices {
		ci := b / ChunkSize
		switch {
		case b < oldWindowStart:
			if entry, ok := w.TargetChunks[ci]; ok {
				entry.AuthPath = mmr.UpdateFromAppend(ctx.OldSWBFInactiveLeafCount, ctx.AppendedChunkDigest, ctx.OldSWBFInactivePeaks, entry.AuthPath)
				w.TargetChunks[ci] = entry
			}
		case b >= oldWindowStart && b < newWindowStart:
			if _, exists := w.TargetChunks[ci]; !exists {
				w.TargetChunks[ci] = ChunkEntry{AuthPath: ctx.NewChunkAuthPath.Clone(), Chunk: ctx.NewChunk.Clone()}
			}
		}
	}
	return w
}

// ChunkMutation records one swbf_inactive leaf mutation performed by
// Remove, in application order, so callers can replay
// mmr.UpdateFromLeafMutation against their own cached witnesses.
type ChunkMutation struct {
	ChunkIndex           uint64
	AuthPathBeforeMutate mmr.AuthPath
	NewLeaf              digest.Digest
}

// Remove retires the item described by rr from the set: bits in the
// active window are flipped directly, bits already sealed into
// swbf_inactive are flipped in their chunk and the chunk's leaf is
// mutated in a single batch so every touched chunk's witness remains
// internally consistent with the others.
func (ms *Accumulator) Remove(rr RemovalRecord) ([]ChunkMutation, error) {
	var windowStart uint64
	if ms.AOCL.LeafCount > 0 {
		windowStart = ((ms.AOCL.LeafCount - 1) / BatchSize) * ChunkSize
	}

	touched := rr.TargetChunks.Clone()
	for _, b := range rr.BitIndices {
		if b >= windowStart {
			ms.SWBFActive.SetBit(b - windowStart)
			continue
		}
		ci := b / ChunkSize
		entry, ok := touched[ci]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d", ErrMissingTargetChunk, ci)
		}
		entry.Chunk.SetBit(b % ChunkSize)
		touched[ci] = entry
	}

	keys := make([]uint64, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	paths := make([]mmr.AuthPath, len(keys))
	leaves := make([]digest.Digest, len(keys))
	for i, k := range keys {
		paths[i] = touched[k].AuthPath
		leaves[i] = touched[k].Chunk.Hash()
	}

	mutations := make([]ChunkMutation, 0, len(keys))
	for i := range paths {
		newPeaks, err := mmr.MutateLeaf(ms.SWBFInactive.Peaks, ms.SWBFInactive.LeafCount, paths[i], leaves[i])
		if err != nil {
			return nil, fmt.Errorf("mutatorset: remove chunk %d: %w", keys[i], err)
		}
		mutations = append(mutations, ChunkMutation{
			ChunkIndex:           keys[i],
			AuthPathBeforeMutate: paths[i].Clone(),
			NewLeaf:              leaves[i],
		})
		ms.SWBFInactive.Peaks = newPeaks

		for j := i + 1; j < len(paths); j++ {
			paths[j] = mmr.UpdateFromLeafMutation(paths[j], paths[i], leaves[i])
		}
	}

	return mutations, nil
}

// UpdateMembershipProofOnRemove refreshes w after rr has been applied via
// Remove. Per the invariant in 4.2.6, verify(item, w) holds afterwards
// iff it held before and item is not the one removed by rr.
func UpdateMembershipProofOnRemove(w MembershipProof, rr RemovalRecord, mutations []ChunkMutation) MembershipProof {
	w = w.Clone()

	for _, b := range rr.BitIndices {
		ci := b / ChunkSize
		if entry, ok := w.TargetChunks[ci]; ok {
			entry.Chunk.SetBit(b % ChunkSize)
			w.TargetChunks[ci] = entry
		}
	}

	for _, m := range mutations {
		for idx, entry := range w.TargetChunks {
			if idx == m.ChunkIndex {
				continue
			}
			entry.AuthPath = mmr.UpdateFromLeafMutation(entry.AuthPath, m.AuthPathBeforeMutate, m.NewLeaf)
			w.TargetChunks[idx] = entry
		}
	}

	return w
}
