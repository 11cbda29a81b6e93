// Package state implements C8: the tip-update orchestrator that is the
// sole mutator of committed consensus state, and the GlobalState it
// mutates under a single reader-writer lock (spec.md §5's collapsed
// "shared mutable global state" strategy — one RWMutex with a documented
// lock order rather than per-subsystem locks, since every subsystem here
// is already reachable only through this package).
package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rawblock/mutaset/internal/archivalmutatorset"
	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/eventlog"
	"github.com/rawblock/mutaset/internal/jobqueue"
	"github.com/rawblock/mutaset/internal/mining"
	"github.com/rawblock/mutaset/internal/wallet"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

// ErrConsistencyCheckFailed is C8's fatal error class: the tip's declared
// parent is missing, or its hash disagrees with the block's own header.
var ErrConsistencyCheckFailed = errors.New("state: consistency check failed")

// ErrPersistFailure mirrors the C3/C4 persistence error class. The engine
// cannot continue correctly once a flush fails partway; callers are
// expected to treat it as fatal (log and exit), which this package
// deliberately does not do itself so it stays testable without an
// os.Exit escape hatch.
var ErrPersistFailure = errors.New("state: persist failure")

// GlobalState owns every mutable piece of consensus state this engine
// tracks: the archival mutator set (C3), the wallet (C4), the block index
// and peer standings, the mempool's mutator-set view, and the mining
// state machine (C7). All of it is reachable only through this struct,
// guarded by one RWMutex — readers proceed in parallel, writers serialize,
// and set_new_tip is the only method that takes the write half for the
// full duration of a consensus-state mutation.
type GlobalState struct {
	mu sync.RWMutex

	archival *archivalmutatorset.ArchivalMutatorSet
	wallet   *wallet.Store
	blocks   *BlockIndex
	mempool  *TxPool
	mining   *mining.Machine
	jobs     *jobqueue.Queue
	events   *eventlog.EventLog

	latestBlock *bitcoinmodel.Block
}

// SetEventLog attaches the audit sink. It is optional: a GlobalState
// with no event log still functions, it just produces no audit trail.
// Wiring happens after New since the event log dials a separate
// Postgres connection that a caller may want to retry or skip
// independently of the kv store opening cleanly.
func (gs *GlobalState) SetEventLog(events *eventlog.EventLog) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.events = events
}

// AdvanceMining attempts the mining state machine transition and, on
// success, best-effort records it to the audit sink keyed to the
// current tip height. A logging failure never undoes the transition.
func (gs *GlobalState) AdvanceMining(to mining.State) error {
	gs.mu.RLock()
	from := gs.mining.State()
	height := int64(0)
	if gs.latestBlock != nil {
		height = gs.latestBlock.Header.Height
	}
	events := gs.events
	gs.mu.RUnlock()

	if err := gs.mining.TryAdvance(to); err != nil {
		return err
	}
	if events != nil {
		if err := events.LogMiningTransition(context.Background(), from, to, height); err != nil {
			log.Printf("eventlog: mining transition %s->%s not recorded: %v", from, to, err)
		}
	}
	return nil
}

// New opens a GlobalState over a single shared kv store, so the block
// index, archival mutator set and wallet each keep their own key prefix
// but share one underlying ordered byte-map — the precondition for
// FlushDatabases's three Persist calls to land in the same physical
// database, even though each is its own atomic batch (see DESIGN.md for
// why this stops short of one literal cross-table transaction).
func New(store kvstore.Store, roles mining.Roles) (*GlobalState, error) {
	archival, err := archivalmutatorset.Open(store)
	if err != nil {
		return nil, fmt.Errorf("state: open archival mutator set: %w", err)
	}
	wal, err := wallet.OpenStore(store)
	if err != nil {
		return nil, fmt.Errorf("state: open wallet: %w", err)
	}
	blocks, err := OpenBlockIndex(store)
	if err != nil {
		return nil, fmt.Errorf("state: open block index: %w", err)
	}

	gs := &GlobalState{
		archival: archival,
		wallet:   wal,
		blocks:   blocks,
		mempool:  NewTxPool(),
		mining:   mining.New(roles),
		jobs:     jobqueue.New(),
	}

	if tip := blocks.Tip(); tip != digest.Zero {
		blk, ok, berr := blocks.BlockByHash(tip)
		if berr != nil {
			return nil, fmt.Errorf("state: load tip block %s: %w", tip, berr)
		}
		if ok {
			gs.latestBlock = &blk
		}
	}

	return gs, nil
}

// Archival, Wallet, Blocks, Mempool, Mining and Jobs expose the owned
// subsystems for read access and for wiring into the RPC/CLI surface.
// Callers mutating wallet or mining state directly (recognizing a manual
// deposit, pausing the miner) still observe GlobalState's lock ordering
// since those subsystems have their own internal locks; only consensus
// state mutation is required to go through SetNewTip.
func (gs *GlobalState) Archival() *archivalmutatorset.ArchivalMutatorSet { return gs.archival }
func (gs *GlobalState) Wallet() *wallet.Store                            { return gs.wallet }
func (gs *GlobalState) Blocks() *BlockIndex                              { return gs.blocks }
func (gs *GlobalState) Mempool() *TxPool                                 { return gs.mempool }
func (gs *GlobalState) Mining() *mining.Machine                          { return gs.mining }
func (gs *GlobalState) Jobs() *jobqueue.Queue                            { return gs.jobs }

// LatestBlock returns the light-state's cached tip block, the fast read
// path RPCs like tip_digest and block_height use instead of going through
// the block index.
func (gs *GlobalState) LatestBlock() (bitcoinmodel.Block, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	if gs.latestBlock == nil {
		return bitcoinmodel.Block{}, false
	}
	return *gs.latestBlock, true
}

// SetNewTip is the sole mutator of committed consensus state (C8). It
// applies block's removals and additions to the archival mutator set,
// recognizes and retires the wallet's own outputs, advances the mempool's
// view, and flushes every subsystem in one logical commit point.
//
// Precondition validation (the parent-fetch and hash assertion spec.md
// §4.8 lists as steps 4-5) runs before any mutation below, not after, so
// a rejected block leaves every subsystem untouched — this engine has no
// cross-subsystem transaction to roll back, so the only way to honor
// testable property 8 ("a failed set_new_tip leaves sync_label at the
// previous tip") is to fail before mutating. Steps 2 and 6 are
// interleaved, not sequential: recognizing a wallet output needs the
// mutator set state immediately before that specific addition, which
// step 2's own archival.Add calls produce one at a time.
func (gs *GlobalState) SetNewTip(block bitcoinmodel.Block, coinbase *bitcoinmodel.ExpectedUTXO) error {
	enriched, additions, removals, events, err := gs.setNewTipLocked(block, coinbase)
	if err != nil {
		return err
	}

	// Audit trail only, and deliberately run after the write lock above
	// has already been released: it is unbounded network I/O, and the
	// tip update it describes is already fully committed by the time it
	// runs, so there is nothing left for other readers to wait on.
	if events != nil {
		if err := events.LogBlockApplied(context.Background(), enriched.Header.Height, enriched.Hash, enriched.Header.Timestamp, additions, removals); err != nil {
			log.Printf("eventlog: block %s not recorded: %v", enriched.Hash, err)
		}
	}
	return nil
}

// setNewTipLocked performs every consensus-state mutation under the
// write lock and returns what the audit trail needs, without itself
// touching the event log.
func (gs *GlobalState) setNewTipLocked(block bitcoinmodel.Block, coinbase *bitcoinmodel.ExpectedUTXO) (bitcoinmodel.Block, int, int, *eventlog.EventLog, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	var zero bitcoinmodel.Block

	genesis := block.Header.Height == 0
	if !genesis {
		parent, ok, err := gs.blocks.BlockByHash(block.Header.PrevBlockDigest)
		if err != nil {
			return zero, 0, 0, nil, fmt.Errorf("%w: resolve parent %s: %v", ErrConsistencyCheckFailed, block.Header.PrevBlockDigest, err)
		}
		if !ok {
			return zero, 0, 0, nil, fmt.Errorf("%w: missing parent %s", ErrConsistencyCheckFailed, block.Header.PrevBlockDigest)
		}
		if parent.Hash != block.Header.PrevBlockDigest {
			return zero, 0, 0, nil, fmt.Errorf("%w: parent hash %s does not match block's declared prev_block_digest", ErrConsistencyCheckFailed, parent.Hash)
		}
	}

	// Step 3: register the coinbase expectation before any output in this
	// same block is recognized, since the coinbase output it watches for
	// may itself appear among block's own outputs below.
	if coinbase != nil {
		gs.wallet.ExpectUTXO(*coinbase)
	}

	ref := bitcoinmodel.BlockRef{Hash: block.Hash, Timestamp: block.Header.Timestamp, Height: block.Header.Height}
	kernel := block.Body.Transaction.Kernel

	var delta bitcoinmodel.WitnessDelta
	for _, rr := range kernel.Inputs {
		gs.wallet.MarkSpent(ref, rr)
		mutations, err := gs.archival.Remove(rr)
		if err != nil {
			return zero, 0, 0, nil, fmt.Errorf("state: apply block %s removal: %w", block.Hash, err)
		}
		gs.wallet.AdvanceWitnessesOnRemove(block.Hash, rr, mutations)
		delta.Removals = append(delta.Removals, bitcoinmodel.RemovalApplication{Record: rr, Mutations: mutations})
	}

	for _, ar := range kernel.Outputs {
		preAdd := gs.archival.Kernel()
		ctx, err := gs.archival.Add(ar)
		if err != nil {
			return zero, 0, 0, nil, fmt.Errorf("state: apply block %s addition: %w", block.Hash, err)
		}
		gs.wallet.AdvanceWitnessesOnAdd(block.Hash, ctx)
		if _, rerr := gs.wallet.RecognizeOutput(ref, ar, preAdd); rerr != nil {
			return zero, 0, 0, nil, fmt.Errorf("state: recognize output in block %s: %w", block.Hash, rerr)
		}
		delta.Additions = append(delta.Additions, ctx)
	}

	enriched := block
	enriched.Body.WitnessDelta = delta
	enriched.Body.MutatorSetAccumulator = bitcoinmodel.SnapshotOf(gs.archival.Kernel())

	// Step 1 (persist-as-tip), run now that the enriched block carrying
	// its own witness delta exists.
	if err := gs.blocks.PutBlock(enriched); err != nil {
		return zero, 0, 0, nil, fmt.Errorf("state: persist block %s: %w", enriched.Hash, err)
	}
	gs.blocks.SetTip(enriched.Hash)

	// Step 7.
	gs.mempool.UpdateWithBlock(enriched)

	// Step 8.
	gs.latestBlock = &enriched

	// Step 9.
	if err := gs.flushDatabasesLocked(enriched.Hash); err != nil {
		return zero, 0, 0, nil, fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}

	return enriched, len(delta.Additions), len(delta.Removals), gs.events, nil
}

// flushDatabasesLocked commits the archival mutator set, the wallet and
// the block index (with its tip pointer and peer standings) to their
// store. Callers must already hold gs.mu for writing. This is "a single
// logical commit point" in the sense that no reader can observe a partial
// result (the write lock is held throughout), not a single physical
// pebble transaction spanning all three subsystems — each already owns
// its own Persist method with its own internal batch, and splitting that
// apart to share one external batch would mean reworking C3/C4's already
// self-contained persistence layer for a guarantee the write lock already
// provides at the process level. See DESIGN.md.
func (gs *GlobalState) flushDatabasesLocked(newSyncLabel digest.Digest) error {
	gs.archival.SetSyncLabel(newSyncLabel)
	if err := gs.archival.Persist(); err != nil {
		return fmt.Errorf("flush archival mutator set: %w", err)
	}
	gs.wallet.SetSyncLabel(newSyncLabel)
	if err := gs.wallet.Persist(); err != nil {
		return fmt.Errorf("flush wallet: %w", err)
	}
	if err := gs.blocks.Persist(); err != nil {
		return fmt.Errorf("flush block index: %w", err)
	}
	return nil
}

// SubmitTransaction adds tx to the mempool view after checking its inputs
// verify against the current archival mutator set kernel, the minimal
// admission check this engine performs (fee policy and script validation
// are out of scope here).
func (gs *GlobalState) SubmitTransaction(tx *PoolTx) error {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	kernel := gs.archival.Kernel()
	for _, in := range tx.Inputs {
		if !kernel.Verify(in.Item, in.Witness) {
			return fmt.Errorf("state: submit transaction %s: input %s does not verify against the current mutator set", tx.ID, in.Item)
		}
	}
	gs.mempool.Submit(tx)
	return nil
}
