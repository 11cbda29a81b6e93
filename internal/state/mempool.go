package state

import (
	"sync"

	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mutatorset"
)

// PoolInput is one spend a pooled transaction carries: the item identity
// it retires plus the membership proof that lets the pool re-derive its
// removal record and keep it current as blocks are applied.
type PoolInput struct {
	Item    digest.Digest
	Witness mutatorset.MembershipProof
}

// PoolTx is a transaction sitting in the mempool, not yet confirmed.
type PoolTx struct {
	ID      digest.Digest
	Inputs  []PoolInput
	Outputs []mutatorset.AdditionRecord
}

// TxPool is the mempool's view of the mutator set: a set of pending
// transactions whose input witnesses are kept in lockstep with the chain
// tip so a transaction can be included in the next block without
// recomputing its removal records from scratch.
type TxPool struct {
	mu  sync.RWMutex
	txs map[digest.Digest]*PoolTx
}

// NewTxPool returns an empty pool.
func NewTxPool() *TxPool {
	return &TxPool{txs: make(map[digest.Digest]*PoolTx)}
}

// Submit adds tx to the pool, replacing any existing entry with the same
// ID.
func (p *TxPool) Submit(tx *PoolTx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs[tx.ID] = tx
}

// Remove drops tx from the pool, if present.
func (p *TxPool) Remove(id digest.Digest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.txs, id)
}

// Txs returns a snapshot of every pending transaction.
func (p *TxPool) Txs() []*PoolTx {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PoolTx, 0, len(p.txs))
	for _, tx := range p.txs {
		out = append(out, tx)
	}
	return out
}

// Size reports how many transactions are pending.
func (p *TxPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// UpdateWithBlock advances every pooled transaction's input witnesses
// across block's additions and removals, dropping any transaction whose
// inputs now conflict with one of the block's own removals (double spend)
// or whose witness no longer verifies against the block's own recorded
// mutator set state (unmaintainable). Implements spec.md §4.8 step 7.
func (p *TxPool) UpdateWithBlock(block bitcoinmodel.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	accumulator := block.Body.MutatorSetAccumulator.Accumulator()

	for id, tx := range p.txs {
		if p.conflictsWithBlock(tx, block) {
			delete(p.txs, id)
			continue
		}

		unmaintainable := false
		for i, in := range tx.Inputs {
			w := in.Witness
			for _, ctx := range block.Body.WitnessDelta.Additions {
				w = mutatorset.UpdateMembershipProofOnAdd(in.Item, w, ctx)
			}
			for _, removal := range block.Body.WitnessDelta.Removals {
				w = mutatorset.UpdateMembershipProofOnRemove(w, removal.Record, removal.Mutations)
			}
			if !accumulator.Verify(in.Item, w) {
				unmaintainable = true
				break
			}
			tx.Inputs[i].Witness = w
		}
		if unmaintainable {
			delete(p.txs, id)
		}
	}
}

func (p *TxPool) conflictsWithBlock(tx *PoolTx, block bitcoinmodel.Block) bool {
	for _, in := range tx.Inputs {
		derived := mutatorset.GetIndices(in.Item, in.Witness.SenderRandomness, in.Witness.ReceiverPreimage, in.Witness.AuthPathAOCL.LeafIndex)
		for _, removal := range block.Body.WitnessDelta.Removals {
			if sameIndices(derived, removal.Record.BitIndices) {
				return true
			}
		}
	}
	return false
}

func sameIndices(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
