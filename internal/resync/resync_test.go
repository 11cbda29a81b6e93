package resync

import (
	"errors"
	"testing"

	"github.com/rawblock/mutaset/internal/archivalmutatorset"
	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mutatorset"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

type fakeChain map[digest.Digest]bitcoinmodel.Block

func (c fakeChain) BlockByHash(hash digest.Digest) (bitcoinmodel.Block, bool, error) {
	blk, ok := c[hash]
	return blk, ok, nil
}

func mustStore(t *testing.T) kvstore.Store {
	t.Helper()
	s, err := kvstore.OpenMem()
	if err != nil {
		t.Fatalf("kvstore.OpenMem: %v", err)
	}
	return s
}

func mkGenesis() bitcoinmodel.Block {
	return bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(mutatorset.NewAccumulator())},
	}
}

func TestCatchUpStraightChainNoReorg(t *testing.T) {
	store := mustStore(t)
	a := archivalmutatorset.New(store)
	genesis := mkGenesis()

	item := digest.H([]byte("item-a"))
	sender := digest.H([]byte("sender-a"))
	receiverPreimage := digest.H([]byte("recv-a"))
	receiverDigest := digest.H(receiverPreimage.Bytes())

	kernel := a.Kernel()
	initialWitness := kernel.Prove(item, sender, receiverPreimage)
	ar := kernel.Commit(item, sender, receiverDigest)
	ctx1, err := a.Add(ar)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	block1 := bitcoinmodel.Block{
		Hash:   digest.H([]byte("block-1")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: genesis.Hash, Height: 1},
		Body: bitcoinmodel.BlockBody{
			MutatorSetAccumulator: bitcoinmodel.SnapshotOf(a.Kernel()),
			WitnessDelta:          bitcoinmodel.WitnessDelta{Additions: []mutatorset.AddContext{ctx1}},
		},
	}

	filler := a.Kernel().Commit(digest.H([]byte("filler")), digest.H([]byte("fs")), digest.H([]byte("fr")))
	ctx2, err := a.Add(filler)
	if err != nil {
		t.Fatalf("Add filler: %v", err)
	}
	block2 := bitcoinmodel.Block{
		Hash:   digest.H([]byte("block-2")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: block1.Hash, Height: 2},
		Body: bitcoinmodel.BlockBody{
			MutatorSetAccumulator: bitcoinmodel.SnapshotOf(a.Kernel()),
			WitnessDelta:          bitcoinmodel.WitnessDelta{Additions: []mutatorset.AddContext{ctx2}},
		},
	}

	chain := fakeChain{genesis.Hash: genesis, block1.Hash: block1, block2.Hash: block2}

	utxo := UTXORef{Item: item, SenderRandomness: sender, ReceiverPreimage: receiverPreimage, ConfirmedInBlock: block1.Hash}
	res, err := CatchUp(chain, a, utxo, initialWitness, genesis.Hash, block2.Hash)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if !a.Kernel().Verify(item, res.Witness) {
		t.Fatalf("caught-up witness does not verify against current archival state")
	}
}

func TestCatchUpDetectsOrphan(t *testing.T) {
	store := mustStore(t)
	a := archivalmutatorset.New(store)
	genesis := mkGenesis()

	orphanedItem := digest.H([]byte("orphaned-item"))
	blockA1 := bitcoinmodel.Block{
		Hash:   digest.H([]byte("branch-a-1")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: genesis.Hash, Height: 1},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(mutatorset.NewAccumulator())},
	}

	canonicalItem := digest.H([]byte("canonical-item"))
	canonicalSender := digest.H([]byte("canonical-sender"))
	canonicalReceiverDigest := digest.H(digest.H([]byte("canonical-recv")).Bytes())
	ar := a.Kernel().Commit(canonicalItem, canonicalSender, canonicalReceiverDigest)
	if _, err := a.Add(ar); err != nil {
		t.Fatalf("Add canonical: %v", err)
	}
	blockB1 := bitcoinmodel.Block{
		Hash:   digest.H([]byte("branch-b-1")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: genesis.Hash, Height: 1},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(a.Kernel())},
	}

	chain := fakeChain{genesis.Hash: genesis, blockA1.Hash: blockA1, blockB1.Hash: blockB1}

	utxo := UTXORef{Item: orphanedItem, ConfirmedInBlock: blockA1.Hash}
	_, err := CatchUp(chain, a, utxo, mutatorset.MembershipProof{}, blockA1.Hash, blockB1.Hash)
	if !errors.Is(err, ErrOrphaned) {
		t.Fatalf("CatchUp error = %v, want ErrOrphaned", err)
	}
}

func TestCatchUpReorgFallsBackToArchivalRestore(t *testing.T) {
	store := mustStore(t)
	a := archivalmutatorset.New(store)
	genesis := mkGenesis()

	survivorItem := digest.H([]byte("survivor-item"))
	survivorSender := digest.H([]byte("survivor-sender"))
	survivorReceiverPreimage := digest.H([]byte("survivor-recv"))
	survivorReceiverDigest := digest.H(survivorReceiverPreimage.Bytes())

	kernel := a.Kernel()
	survivorIndex := kernel.AOCL.LeafCount
	ar := kernel.Commit(survivorItem, survivorSender, survivorReceiverDigest)
	if _, err := a.Add(ar); err != nil {
		t.Fatalf("Add survivor: %v", err)
	}
	common := bitcoinmodel.Block{
		Hash:   digest.H([]byte("common")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: genesis.Hash, Height: 1},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(a.Kernel())},
	}

	// branch A (never actually committed to archival — represents the
	// side the wallet was following before the reorg).
	branchA := bitcoinmodel.Block{
		Hash:   digest.H([]byte("branch-a")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: common.Hash, Height: 2},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(mutatorset.NewAccumulator())},
	}

	// branch B is canonical: actually applied to the archival store.
	canonicalAR := a.Kernel().Commit(digest.H([]byte("branch-b-item")), digest.H([]byte("bs")), digest.H([]byte("br")))
	if _, err := a.Add(canonicalAR); err != nil {
		t.Fatalf("Add branch-b item: %v", err)
	}
	branchB := bitcoinmodel.Block{
		Hash:   digest.H([]byte("branch-b")),
		Header: bitcoinmodel.BlockHeader{PrevBlockDigest: common.Hash, Height: 2},
		Body:   bitcoinmodel.BlockBody{MutatorSetAccumulator: bitcoinmodel.SnapshotOf(a.Kernel())},
	}

	chain := fakeChain{
		genesis.Hash: genesis,
		common.Hash:  common,
		branchA.Hash: branchA,
		branchB.Hash: branchB,
	}

	utxo := UTXORef{
		Item:             survivorItem,
		SenderRandomness: survivorSender,
		ReceiverPreimage: survivorReceiverPreimage,
		AOCLIndex:        survivorIndex,
		ConfirmedInBlock: common.Hash,
	}
	res, err := CatchUp(chain, a, utxo, mutatorset.MembershipProof{}, branchA.Hash, branchB.Hash)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if !a.Kernel().Verify(survivorItem, res.Witness) {
		t.Fatalf("restored witness does not verify after reorg fallback")
	}
}

func TestFindPathNoCommonAncestor(t *testing.T) {
	orphanRoot := bitcoinmodel.Block{Hash: digest.H([]byte("island")), Header: bitcoinmodel.BlockHeader{Height: 0}}
	genesis := mkGenesis()
	chain := fakeChain{genesis.Hash: genesis, orphanRoot.Hash: orphanRoot}
	_, err := FindPath(chain, genesis.Hash, orphanRoot.Hash)
	if !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("FindPath error = %v, want ErrUnknownBlock", err)
	}
}
