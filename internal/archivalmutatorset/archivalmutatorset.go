// Package archivalmutatorset implements C3: the persistent analog of the
// mutator set kernel, backed by an ordered byte-map with atomic batch
// writes. It keeps the full leaf history of the AOCL and swbf_inactive
// MMRs in memory (so any past membership proof can be re-derived) and
// flushes pending mutations to the store in a single atomic commit.
package archivalmutatorset

import (
	"encoding/binary"
	"fmt"

	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mmr"
	"github.com/rawblock/mutaset/internal/mutatorset"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

const (
	prefixAOCLLeaf  = 'a'
	prefixSWBFILeaf = 'i'
	prefixChunk     = 'c'
	prefixActiveBit = 'w'
	keySyncLabel    = "m:sync_label"
)

func prefixRange(prefix byte) (lower, upper []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}

// ArchivalMutatorSet is the full-history, disk-backed mutator set.
type ArchivalMutatorSet struct {
	store kvstore.Store

	aocl         *mmr.Archival
	swbfInactive *mmr.Archival
	chunks       map[uint64]mutatorset.Chunk
	activeWindow *mutatorset.ActiveWindow
	syncLabel    digest.Digest

	persistedAOCLCount  uint64
	persistedSWBFICount uint64
	dirtyChunks         map[uint64]bool
	dirtySWBFILeaves    map[uint64]bool
	windowDirty         bool
}

// New returns an empty archival mutator set over store, with no history
// loaded. Use Open to rehydrate from a store that already holds state.
func New(store kvstore.Store) *ArchivalMutatorSet {
	return &ArchivalMutatorSet{
		store:            store,
		aocl:             mmr.NewArchival(),
		swbfInactive:     mmr.NewArchival(),
		chunks:           make(map[uint64]mutatorset.Chunk),
		activeWindow:     mutatorset.NewActiveWindow(),
		dirtyChunks:      make(map[uint64]bool),
		dirtySWBFILeaves: make(map[uint64]bool),
	}
}

// Open rebuilds an ArchivalMutatorSet from everything persisted in store.
func Open(store kvstore.Store) (*ArchivalMutatorSet, error) {
	a := New(store)

	if err := a.loadLeaves(prefixAOCLLeaf, a.aocl); err != nil {
		return nil, fmt.Errorf("archivalmutatorset: load aocl: %w", err)
	}
	if err := a.loadLeaves(prefixSWBFILeaf, a.swbfInactive); err != nil {
		return nil, fmt.Errorf("archivalmutatorset: load swbf_inactive: %w", err)
	}
	if err := a.loadChunks(); err != nil {
		return nil, fmt.Errorf("archivalmutatorset: load chunks: %w", err)
	}
	if err := a.loadActiveWindow(); err != nil {
		return nil, fmt.Errorf("archivalmutatorset: load active window: %w", err)
	}

	label, err := store.Get([]byte(keySyncLabel))
	switch {
	case err == kvstore.ErrNotFound:
		a.syncLabel = digest.Zero
	case err != nil:
		return nil, fmt.Errorf("archivalmutatorset: load sync label: %w", err)
	default:
		d, derr := digest.FromBytes(label)
		if derr != nil {
			return nil, fmt.Errorf("archivalmutatorset: decode sync label: %w", derr)
		}
		a.syncLabel = d
	}

	a.persistedAOCLCount = a.aocl.LeafCount()
	a.persistedSWBFICount = a.swbfInactive.LeafCount()
	return a, nil
}

func (a *ArchivalMutatorSet) loadLeaves(prefix byte, into *mmr.Archival) error {
	lower, upper := prefixRange(prefix)
	it, err := a.store.Iterator(lower, upper)
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		leaf, err := digest.FromBytes(it.Value())
		if err != nil {
			return err
		}
		into.Append(leaf)
	}
	return nil
}

func (a *ArchivalMutatorSet) loadChunks() error {
	lower, upper := prefixRange(prefixChunk)
	it, err := a.store.Iterator(lower, upper)
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		idx, valid := kvstore.DecodeIndexKey(prefixChunk, it.Key())
		if !valid {
			return fmt.Errorf("archivalmutatorset: malformed chunk key %x", it.Key())
		}
		a.chunks[idx] = mutatorset.ChunkFromWords(decodeWords(it.Value()))
	}
	return nil
}

func (a *ArchivalMutatorSet) loadActiveWindow() error {
	lower, upper := prefixRange(prefixActiveBit)
	it, err := a.store.Iterator(lower, upper)
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		idx, valid := kvstore.DecodeIndexKey(prefixActiveBit, it.Key())
		if !valid {
			return fmt.Errorf("archivalmutatorset: malformed active-window key %x", it.Key())
		}
		a.activeWindow.SetBit(idx)
	}
	return nil
}

func encodeWords(words []uint64) []byte {
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.BigEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

func decodeWords(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return out
}

// AOCLAccumulator returns the lightweight AOCL view.
func (a *ArchivalMutatorSet) AOCLAccumulator() mmr.Accumulator {
	return a.aocl.Accumulator()
}

// SWBFInactiveAccumulator returns the lightweight swbf_inactive view.
func (a *ArchivalMutatorSet) SWBFInactiveAccumulator() mmr.Accumulator {
	return a.swbfInactive.Accumulator()
}

// Kernel returns a snapshot of the lightweight mutator-set view (the
// shape Commit/Verify/Prove operate on in the C2 package), built fresh
// from the archival state.
func (a *ArchivalMutatorSet) Kernel() *mutatorset.Accumulator {
	return &mutatorset.Accumulator{
		AOCL:         a.aocl.Accumulator(),
		SWBFInactive: a.swbfInactive.Accumulator(),
		SWBFActive:   a.activeWindow,
	}
}

// SyncLabel reports the block hash this archival state is synchronized
// to.
func (a *ArchivalMutatorSet) SyncLabel() digest.Digest {
	return a.syncLabel
}

// SetSyncLabel records the block hash this state now reflects; it is
// written out on the next Persist.
func (a *ArchivalMutatorSet) SetSyncLabel(d digest.Digest) {
	a.syncLabel = d
}

// Add appends addition_record to the archival AOCL, sealing a chunk and
// sliding the active window when a batch boundary is crossed. It mirrors
// mutatorset.Accumulator.Add but drives the full-history Archival MMRs so
// any past leaf can still be proved afterwards.
func (a *ArchivalMutatorSet) Add(ar mutatorset.AdditionRecord) (mutatorset.AddContext, error) {
	if !ar.HasMatchingAOCL(a.aocl.Accumulator()) {
		return mutatorset.AddContext{}, mutatorset.ErrStaleAdditionRecord
	}

	ctx := mutatorset.AddContext{
		OldAOCLLeafCount: a.aocl.LeafCount(),
		OldAOCLPeaks:     a.aocl.Peaks(),
	}
	itemIndex := a.aocl.LeafCount()
	a.aocl.Append(ar.Commitment)
	ctx.NewAOCLLeafCount = a.aocl.LeafCount()

	if mutatorset.WindowSlides(itemIndex) {
		chunk := a.activeWindow.ExtractFirstChunk()
		chunkDigest := chunk.Hash()

		ctx.WindowSlid = true
		ctx.OldSWBFInactiveLeafCount = a.swbfInactive.LeafCount()
		ctx.OldSWBFInactivePeaks = a.swbfInactive.Peaks()
		ctx.AppendedChunkDigest = chunkDigest
		ctx.NewChunk = chunk

		chunkIndex := a.swbfInactive.LeafCount()
		chunkAuthPath := a.swbfInactive.Append(chunkDigest)
		ctx.NewChunkAuthPath = chunkAuthPath

		a.chunks[chunkIndex] = chunk
		a.dirtyChunks[chunkIndex] = true

		a.activeWindow.ShiftLeftByChunk()
		a.windowDirty = true
	}

	return ctx, nil
}

// Remove retires the item described by rr, mirroring
// mutatorset.Accumulator.Remove against the archival swbf_inactive MMR
// and the persistent chunk map.
func (a *ArchivalMutatorSet) Remove(rr mutatorset.RemovalRecord) ([]mutatorset.ChunkMutation, error) {
	var windowStart uint64
	if a.aocl.LeafCount() > 0 {
		windowStart = ((a.aocl.LeafCount() - 1) / mutatorset.BatchSize) * mutatorset.ChunkSize
	}

	touchedIdx := make([]uint64, 0, len(rr.TargetChunks))
	for _, b := range rr.BitIndices {
		if b >= windowStart {
			a.activeWindow.SetBit(b - windowStart)
			a.windowDirty = true
			continue
		}
		ci := b / mutatorset.ChunkSize
		chunk, ok := a.chunks[ci]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d", mutatorset.ErrMissingTargetChunk, ci)
		}
		chunk.SetBit(b % mutatorset.ChunkSize)
		a.chunks[ci] = chunk
		a.dirtyChunks[ci] = true
		touchedIdx = append(touchedIdx, ci)
	}

	dedup := make(map[uint64]bool, len(touchedIdx))
	keys := make([]uint64, 0, len(touchedIdx))
	for _, k := range touchedIdx {
		if !dedup[k] {
			dedup[k] = true
			keys = append(keys, k)
		}
	}

	paths := make([]mmr.AuthPath, len(keys))
	leaves := make([]digest.Digest, len(keys))
	for i, k := range keys {
		entry, ok := rr.TargetChunks[k]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d", mutatorset.ErrMissingTargetChunk, k)
		}
		paths[i] = entry.AuthPath
		leaves[i] = a.chunks[k].Hash()
	}

	mutations := make([]mutatorset.ChunkMutation, 0, len(keys))
	for i := range paths {
		newPeaks, err := a.swbfInactive.MutateLeaf(paths[i].LeafIndex, leaves[i])
		if err != nil {
			return nil, fmt.Errorf("archivalmutatorset: remove chunk %d: %w", keys[i], err)
		}
		_ = newPeaks
		mutations = append(mutations, mutatorset.ChunkMutation{
			ChunkIndex:           keys[i],
			AuthPathBeforeMutate: paths[i].Clone(),
			NewLeaf:              leaves[i],
		})
		a.dirtySWBFILeaves[keys[i]] = true

		for j := i + 1; j < len(paths); j++ {
			paths[j] = mmr.UpdateFromLeafMutation(paths[j], paths[i], leaves[i])
		}
	}

	return mutations, nil
}

// RestoreMembershipProof recomputes a witness straight from persisted
// data, for wallet recovery. It fails only if aoclIndex or the claimed
// item do not correspond to what is actually stored.
func (a *ArchivalMutatorSet) RestoreMembershipProof(item, senderRandomness, receiverPreimage digest.Digest, aoclIndex uint64) (mutatorset.MembershipProof, error) {
	if aoclIndex >= a.aocl.LeafCount() {
		return mutatorset.MembershipProof{}, fmt.Errorf("archivalmutatorset: aocl index %d out of range (have %d leaves)", aoclIndex, a.aocl.LeafCount())
	}
	receiverDigest := digest.H(receiverPreimage.Bytes())
	authPath, err := a.aocl.Prove(aoclIndex)
	if err != nil {
		return mutatorset.MembershipProof{}, fmt.Errorf("archivalmutatorset: prove aocl leaf %d: %w", aoclIndex, err)
	}
	expectedLeaf := digest.HashVarlen(item, senderRandomness, receiverDigest)
	if a.aocl.Leaves()[aoclIndex] != expectedLeaf {
		return mutatorset.MembershipProof{}, fmt.Errorf("archivalmutatorset: item/randomness do not match the commitment stored at aocl index %d", aoclIndex)
	}

	w := mutatorset.MembershipProof{
		SenderRandomness: senderRandomness,
		ReceiverPreimage: receiverPreimage,
		AuthPathAOCL:     authPath,
		TargetChunks:     make(mutatorset.ChunkDictionary),
	}

	currentBatchIndex := (a.aocl.LeafCount() - 1) / mutatorset.BatchSize
	windowStart := currentBatchIndex * mutatorset.ChunkSize
	for _, b := range mutatorset.GetIndices(item, senderRandomness, receiverPreimage, aoclIndex) {
		if b >= windowStart {
			continue
		}
		ci := b / mutatorset.ChunkSize
		chunk, ok := a.chunks[ci]
		if !ok {
			return mutatorset.MembershipProof{}, fmt.Errorf("archivalmutatorset: missing sealed chunk %d needed to restore witness", ci)
		}
		chunkPath, err := a.swbfInactive.Prove(ci)
		if err != nil {
			return mutatorset.MembershipProof{}, fmt.Errorf("archivalmutatorset: prove chunk %d: %w", ci, err)
		}
		w.TargetChunks[ci] = mutatorset.ChunkEntry{AuthPath: chunkPath, Chunk: chunk.Clone()}
	}

	return w, nil
}

// Persist commits every pending mutation (new AOCL/swbf_inactive leaves,
// touched chunks, the active window, the sync label) to the store in a
// single atomic batch.
func (a *ArchivalMutatorSet) Persist() error {
	batch := a.store.NewBatch()

	for i := a.persistedAOCLCount; i < a.aocl.LeafCount(); i++ {
		if err := batch.Set(kvstore.EncodeIndexKey(prefixAOCLLeaf, i), a.aocl.Leaves()[i].Bytes()); err != nil {
			return fmt.Errorf("archivalmutatorset: persist aocl leaf %d: %w", i, err)
		}
	}
	for i := a.persistedSWBFICount; i < a.swbfInactive.LeafCount(); i++ {
		if err := batch.Set(kvstore.EncodeIndexKey(prefixSWBFILeaf, i), a.swbfInactive.Leaves()[i].Bytes()); err != nil {
			return fmt.Errorf("archivalmutatorset: persist swbf_inactive leaf %d: %w", i, err)
		}
	}
	for i := range a.dirtySWBFILeaves {
		if err := batch.Set(kvstore.EncodeIndexKey(prefixSWBFILeaf, i), a.swbfInactive.Leaves()[i].Bytes()); err != nil {
			return fmt.Errorf("archivalmutatorset: persist mutated swbf_inactive leaf %d: %w", i, err)
		}
	}
	for idx := range a.dirtyChunks {
		chunk := a.chunks[idx]
		if err := batch.Set(kvstore.EncodeIndexKey(prefixChunk, idx), encodeWords(chunk.Words())); err != nil {
			return fmt.Errorf("archivalmutatorset: persist chunk %d: %w", idx, err)
		}
	}
	if a.windowDirty {
		lower, upper := prefixRange(prefixActiveBit)
		it, err := a.store.Iterator(lower, upper)
		if err != nil {
			return fmt.Errorf("archivalmutatorset: scan active window for rewrite: %w", err)
		}
		var stale [][]byte
		for ok := it.First(); ok; ok = it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			stale = append(stale, k)
		}
		it.Close()
		for _, k := range stale {
			if err := batch.Delete(k); err != nil {
				return fmt.Errorf("archivalmutatorset: clear stale active-window bit: %w", err)
			}
		}
		for _, idx := range a.activeWindow.SetBitIndices() {
			if err := batch.Set(kvstore.EncodeIndexKey(prefixActiveBit, idx), []byte{1}); err != nil {
				return fmt.Errorf("archivalmutatorset: persist active-window bit %d: %w", idx, err)
			}
		}
	}
	if err := batch.Set([]byte(keySyncLabel), a.syncLabel.Bytes()); err != nil {
		return fmt.Errorf("archivalmutatorset: persist sync label: %w", err)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("archivalmutatorset: commit: %w", err)
	}

	a.persistedAOCLCount = a.aocl.LeafCount()
	a.persistedSWBFICount = a.swbfInactive.LeafCount()
	a.dirtyChunks = make(map[uint64]bool)
	a.dirtySWBFILeaves = make(map[uint64]bool)
	a.windowDirty = false
	return nil
}
