// Package bitcoinmodel holds the plain data types block/transaction
// application logic is expressed in terms of. Transaction-kernel hashing
// and script evaluation are out of scope here; UTXO identity is carried
// as an opaque digest the mutator set already commits to.
package bitcoinmodel

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mmr"
	"github.com/rawblock/mutaset/internal/mutatorset"
)

// Amount is a value in satoshis, reusing btcutil's arithmetic and
// formatting so logs and the RPC surface render it the same way the
// teacher's Bitcoin-facing code already does.
type Amount = btcutil.Amount

// UTXO is the unit the mutator set tracks membership of. Its identity
// for set purposes is Item, a commitment the caller derived from the
// actual locking script and amount; this package never inspects that
// commitment's preimage.
type UTXO struct {
	Item        digest.Digest `json:"item"`
	Amount      Amount        `json:"amount"`
	LockScript  []byte        `json:"lockScript"`
	ReleaseDate uint64        `json:"releaseDate,omitempty"` // block height before which this output cannot be spent, 0 = none
}

// ExpectedUTXOSource records why a wallet is watching for a given output.
type ExpectedUTXOSource int

const (
	SourceOwnMiner ExpectedUTXOSource = iota
	SourceCLI
	SourceSelf
	SourcePremine
)

func (s ExpectedUTXOSource) String() string {
	switch s {
	case SourceOwnMiner:
		return "own-miner"
	case SourceCLI:
		return "cli"
	case SourceSelf:
		return "self"
	case SourcePremine:
		return "premine"
	default:
		return "unknown"
	}
}

// ExpectedUTXO lets a wallet recognize an incoming output the moment it
// is confirmed, without needing to decrypt an on-chain announcement.
type ExpectedUTXO struct {
	UTXO             UTXO                      `json:"utxo"`
	SenderRandomness digest.Digest             `json:"senderRandomness"`
	ReceiverPreimage digest.Digest             `json:"receiverPreimage"`
	Source           ExpectedUTXOSource        `json:"source"`
	AdditionRecord   mutatorset.AdditionRecord `json:"-"`
}

// BlockRef identifies a block by hash, timestamp and height, the triple
// every confirmed/spent/abandoned marker on a monitored UTXO carries.
type BlockRef struct {
	Hash      digest.Digest `json:"hash"`
	Timestamp int64         `json:"timestamp"`
	Height    int64         `json:"height"`
}

// TransactionKernel is the portion of a transaction relevant to mutator
// set bookkeeping. Signature and fee-bearing kernel hashing live outside
// this engine's scope.
type TransactionKernel struct {
	Inputs  []mutatorset.RemovalRecord  `json:"inputs"`
	Outputs []mutatorset.AdditionRecord `json:"outputs"`
}

// Transaction is a thin wrapper; real fee/proof fields are opaque here.
type Transaction struct {
	Kernel TransactionKernel `json:"kernel"`
}

// BlockHeader carries the parent link needed to walk the chain.
type BlockHeader struct {
	PrevBlockDigest digest.Digest `json:"prevBlockDigest"`
	Timestamp       int64         `json:"timestamp"`
	Height          int64         `json:"height"`
}

// BlockBody carries the single aggregate transaction, the resulting
// mutator set accumulator, and the per-output/per-input witness-update
// recipe C8 records at apply time so C5 can replay forward from any
// ancestor without redoing archival I/O.
type BlockBody struct {
	Transaction           Transaction         `json:"transaction"`
	MutatorSetAccumulator AccumulatorSnapshot `json:"mutatorSetAccumulator"`
	WitnessDelta          WitnessDelta        `json:"witnessDelta"`
}

// WitnessDelta is the forward witness-update recipe for one block: the
// mutator set state transition produced by each output addition, and the
// removal record plus resulting chunk mutations produced by each input,
// in the order they appear in the block's transaction kernel. Recorded
// once by C8 when the block is first applied; replayed by C5 to advance
// a witness across any number of blocks without touching archival state.
type WitnessDelta struct {
	Additions []mutatorset.AddContext       `json:"additions"`
	Removals  []RemovalApplication          `json:"removals"`
}

// RemovalApplication pairs a block input's removal record with the chunk
// mutations it produced, the two pieces §4.2.6's witness update needs.
type RemovalApplication struct {
	Record    mutatorset.RemovalRecord    `json:"record"`
	Mutations []mutatorset.ChunkMutation  `json:"mutations"`
}

// AccumulatorSnapshot is a serializable snapshot of the mutator set
// kernel's lightweight view, the shape stored inside a block. It carries
// the active window's set bit indices (not just the two MMR peak sets)
// so a witness can be fully re-verified against the block it belongs to,
// the sanity check C5's forward walk needs.
type AccumulatorSnapshot struct {
	AOCLPeaks         []digest.Digest `json:"aoclPeaks"`
	AOCLLeafCount     uint64          `json:"aoclLeafCount"`
	SWBFInactivePeaks []digest.Digest `json:"swbfInactivePeaks"`
	SWBFILeafCount    uint64          `json:"swbfILeafCount"`
	ActiveWindowBits  []uint64        `json:"activeWindowBits"`
}

// Accumulator rebuilds the full mutator set kernel view this snapshot
// describes, for verification against a specific block's recorded state.
func (s AccumulatorSnapshot) Accumulator() *mutatorset.Accumulator {
	window := mutatorset.NewActiveWindow()
	for _, bit := range s.ActiveWindowBits {
		window.SetBit(bit)
	}
	return &mutatorset.Accumulator{
		AOCL:         mmr.Accumulator{Peaks: s.AOCLPeaks, LeafCount: s.AOCLLeafCount},
		SWBFInactive: mmr.Accumulator{Peaks: s.SWBFInactivePeaks, LeafCount: s.SWBFILeafCount},
		SWBFActive:   window,
	}
}

// SnapshotOf captures ms's current lightweight state for embedding in a
// block body.
func SnapshotOf(ms *mutatorset.Accumulator) AccumulatorSnapshot {
	return AccumulatorSnapshot{
		AOCLPeaks:         ms.AOCL.Peaks,
		AOCLLeafCount:     ms.AOCL.LeafCount,
		SWBFInactivePeaks: ms.SWBFInactive.Peaks,
		SWBFILeafCount:    ms.SWBFInactive.LeafCount,
		ActiveWindowBits:  ms.SWBFActive.SetBitIndices(),
	}
}

// Block is the externally-defined unit C8 applies to consensus state.
type Block struct {
	Hash   digest.Digest `json:"hash"`
	Header BlockHeader   `json:"header"`
	Body   BlockBody     `json:"body"`
}
