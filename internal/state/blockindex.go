package state

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

const (
	prefixBlockByHash  = 'k'
	prefixHeightIndex  = 'g'
	prefixPeerStanding = 'p'
	keyTipPointer      = "m:tip"
)

// PeerStanding is the reputation record external interfaces key by IP.
// Sanctioning logic itself lives in the networking layer this engine
// treats as an external collaborator; here it is just a persisted value
// the tip-update flush point commits alongside everything else.
type PeerStanding struct {
	Standing             int64  `json:"standing"`
	LatestSanctionReason string `json:"latestSanctionReason,omitempty"`
}

// BlockIndex is the persistent block_hash -> block_bytes table, a
// height -> block_hash[] secondary index, the tip pointer, and the peer
// standings table, all sharing one underlying ordered byte-map.
type BlockIndex struct {
	store kvstore.Store

	tip           digest.Digest
	peerStandings map[string]PeerStanding
}

// NewBlockIndex returns an empty block index over store.
func NewBlockIndex(store kvstore.Store) *BlockIndex {
	return &BlockIndex{store: store, peerStandings: make(map[string]PeerStanding)}
}

// OpenBlockIndex rebuilds the tip pointer and peer standings table from
// store; blocks themselves are read lazily by hash, never preloaded.
func OpenBlockIndex(store kvstore.Store) (*BlockIndex, error) {
	b := NewBlockIndex(store)

	tip, err := store.Get([]byte(keyTipPointer))
	switch {
	case err == kvstore.ErrNotFound:
		b.tip = digest.Zero
	case err != nil:
		return nil, fmt.Errorf("state: load tip pointer: %w", err)
	default:
		d, derr := digest.FromBytes(tip)
		if derr != nil {
			return nil, fmt.Errorf("state: decode tip pointer: %w", derr)
		}
		b.tip = d
	}

	lower, upper := []byte{prefixPeerStanding}, []byte{prefixPeerStanding + 1}
	it, err := store.Iterator(lower, upper)
	if err != nil {
		return nil, fmt.Errorf("state: iterate peer standings: %w", err)
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		ip := string(it.Key()[1:])
		var ps PeerStanding
		if err := json.Unmarshal(it.Value(), &ps); err != nil {
			return nil, fmt.Errorf("state: decode peer standing for %s: %w", ip, err)
		}
		b.peerStandings[ip] = ps
	}
	return b, nil
}

// PutBlock writes block under its hash and appends it to its height's
// index entry, committed atomically. It does not touch the tip pointer;
// callers call SetTip separately once the block's witness delta and
// mutator set snapshot have been filled in.
func (b *BlockIndex) PutBlock(block bitcoinmodel.Block) error {
	blob, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("state: encode block %s: %w", block.Hash, err)
	}

	var hashes []digest.Digest
	heightKey := kvstore.EncodeIndexKey(prefixHeightIndex, uint64(block.Header.Height))
	existing, err := b.store.Get(heightKey)
	switch {
	case err == kvstore.ErrNotFound:
	case err != nil:
		return fmt.Errorf("state: load height index %d: %w", block.Header.Height, err)
	default:
		if jerr := json.Unmarshal(existing, &hashes); jerr != nil {
			return fmt.Errorf("state: decode height index %d: %w", block.Header.Height, jerr)
		}
	}
	alreadyIndexed := false
	for _, h := range hashes {
		if h == block.Hash {
			alreadyIndexed = true
			break
		}
	}
	if !alreadyIndexed {
		hashes = append(hashes, block.Hash)
	}
	heightBlob, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("state: encode height index %d: %w", block.Header.Height, err)
	}

	batch := b.store.NewBatch()
	if err := batch.Set(blockKey(block.Hash), blob); err != nil {
		return fmt.Errorf("state: persist block %s: %w", block.Hash, err)
	}
	if err := batch.Set(heightKey, heightBlob); err != nil {
		return fmt.Errorf("state: persist height index %d: %w", block.Header.Height, err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("state: commit block %s: %w", block.Hash, err)
	}
	return nil
}

func blockKey(hash digest.Digest) []byte {
	return append([]byte{prefixBlockByHash}, hash.Bytes()...)
}

// BlockByHash implements resync.ChainReader against the persisted index.
func (b *BlockIndex) BlockByHash(hash digest.Digest) (bitcoinmodel.Block, bool, error) {
	blob, err := b.store.Get(blockKey(hash))
	switch {
	case err == kvstore.ErrNotFound:
		return bitcoinmodel.Block{}, false, nil
	case err != nil:
		return bitcoinmodel.Block{}, false, fmt.Errorf("state: load block %s: %w", hash, err)
	}
	var block bitcoinmodel.Block
	if err := json.Unmarshal(blob, &block); err != nil {
		return bitcoinmodel.Block{}, false, fmt.Errorf("state: decode block %s: %w", hash, err)
	}
	return block, true, nil
}

// BlocksAtHeight returns every block hash indexed at height, more than
// one of which may exist transiently during a reorg race.
func (b *BlockIndex) BlocksAtHeight(height int64) ([]digest.Digest, error) {
	blob, err := b.store.Get(kvstore.EncodeIndexKey(prefixHeightIndex, uint64(height)))
	switch {
	case err == kvstore.ErrNotFound:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("state: load height index %d: %w", height, err)
	}
	var hashes []digest.Digest
	if err := json.Unmarshal(blob, &hashes); err != nil {
		return nil, fmt.Errorf("state: decode height index %d: %w", height, err)
	}
	return hashes, nil
}

// Tip reports the current tip pointer.
func (b *BlockIndex) Tip() digest.Digest { return b.tip }

// SetTip records the new tip in memory; it becomes durable on Persist.
func (b *BlockIndex) SetTip(hash digest.Digest) { b.tip = hash }

// PeerStanding returns the standing recorded for ip, if any.
func (b *BlockIndex) PeerStanding(ip string) (PeerStanding, bool) {
	ps, ok := b.peerStandings[ip]
	return ps, ok
}

// SetPeerStanding records ip's standing in memory; it becomes durable on
// Persist.
func (b *BlockIndex) SetPeerStanding(ip string, ps PeerStanding) {
	b.peerStandings[ip] = ps
}

// ClearPeerStanding resets ip's standing, the backing operation for the
// clear_all_standings/clear_standing_by_ip RPCs.
func (b *BlockIndex) ClearPeerStanding(ip string) {
	delete(b.peerStandings, ip)
}

// ClearAllPeerStandings resets every recorded standing.
func (b *BlockIndex) ClearAllPeerStandings() {
	b.peerStandings = make(map[string]PeerStanding)
}

// Persist durably commits the tip pointer and the peer standings table.
// Block bodies are already durable the moment PutBlock returns.
func (b *BlockIndex) Persist() error {
	batch := b.store.NewBatch()
	if err := batch.Set([]byte(keyTipPointer), b.tip.Bytes()); err != nil {
		return fmt.Errorf("state: persist tip pointer: %w", err)
	}
	for ip, ps := range b.peerStandings {
		blob, err := json.Marshal(ps)
		if err != nil {
			return fmt.Errorf("state: encode peer standing for %s: %w", ip, err)
		}
		if err := batch.Set(append([]byte{prefixPeerStanding}, []byte(ip)...), blob); err != nil {
			return fmt.Errorf("state: persist peer standing for %s: %w", ip, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("state: commit block index: %w", err)
	}
	return nil
}
