package state

import (
	"errors"
	"testing"

	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mining"
	"github.com/rawblock/mutaset/internal/mutatorset"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

func mustStore(t *testing.T) kvstore.Store {
	t.Helper()
	s, err := kvstore.OpenMem()
	if err != nil {
		t.Fatalf("kvstore.OpenMem: %v", err)
	}
	return s
}

func mustState(t *testing.T, store kvstore.Store) *GlobalState {
	t.Helper()
	gs, err := New(store, mining.Roles{Compose: true, Guess: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gs
}

func itemAt(i int) digest.Digest { return digest.H([]byte{byte(i), byte(i >> 8), 0xa0}) }
func randAt(i int) digest.Digest { return digest.H([]byte{byte(i), byte(i >> 8), 0xb0}) }

// buildAddition commits item against gs's current archival kernel, the
// pre-add snapshot a block's output must be computed against.
func buildAddition(gs *GlobalState, item, sender, receiverPreimage digest.Digest) mutatorset.AdditionRecord {
	receiverDigest := digest.H(receiverPreimage.Bytes())
	return gs.Archival().Kernel().Commit(item, sender, receiverDigest)
}

func TestSetNewTipGenesisRecognizesCoinbase(t *testing.T) {
	gs := mustState(t, mustStore(t))

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	ar := buildAddition(gs, item, sender, receiverPreimage)

	genesis := bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0, Timestamp: 1},
		Body: bitcoinmodel.BlockBody{
			Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{ar}}},
		},
	}
	coinbase := &bitcoinmodel.ExpectedUTXO{
		UTXO:             bitcoinmodel.UTXO{Item: item, Amount: 50},
		SenderRandomness: sender,
		ReceiverPreimage: receiverPreimage,
		Source:           bitcoinmodel.SourceOwnMiner,
		AdditionRecord:   ar,
	}

	if err := gs.SetNewTip(genesis, coinbase); err != nil {
		t.Fatalf("SetNewTip: %v", err)
	}

	if got := gs.Blocks().Tip(); got != genesis.Hash {
		t.Fatalf("tip = %s, want %s", got, genesis.Hash)
	}
	latest, ok := gs.LatestBlock()
	if !ok || latest.Hash != genesis.Hash {
		t.Fatalf("LatestBlock = %+v, %v, want genesis", latest, ok)
	}

	utxos := gs.Wallet().UTXOs()
	if len(utxos) != 1 {
		t.Fatalf("len(UTXOs) = %d, want 1", len(utxos))
	}
	_, witness, ok := utxos[0].LatestWitness()
	if !ok {
		t.Fatalf("recognized utxo has no recorded witness")
	}
	if !gs.Archival().Kernel().Verify(item, witness) {
		t.Fatalf("recognized utxo's witness does not verify")
	}
}

func TestSetNewTipAdvancesExistingWitnessAcrossLaterBlocks(t *testing.T) {
	gs := mustState(t, mustStore(t))

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	ar0 := buildAddition(gs, item, sender, receiverPreimage)

	genesis := bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{ar0}}}},
	}
	coinbase := &bitcoinmodel.ExpectedUTXO{
		UTXO: bitcoinmodel.UTXO{Item: item}, SenderRandomness: sender, ReceiverPreimage: receiverPreimage, AdditionRecord: ar0,
	}
	if err := gs.SetNewTip(genesis, coinbase); err != nil {
		t.Fatalf("SetNewTip(genesis): %v", err)
	}

	// Ten more blocks of unrelated filler additions, crossing a window
	// slide boundary, to exercise the chunk-dictionary growth path of
	// AdvanceWitnessesOnAdd.
	prev := genesis
	for i := 1; i <= 10; i++ {
		filler := buildAddition(gs, itemAt(i), randAt(i), digest.H([]byte{byte(i), 0xc0}))
		blk := bitcoinmodel.Block{
			Hash:   digest.H([]byte{byte(i), 0xff}),
			Header: bitcoinmodel.BlockHeader{Height: int64(i), PrevBlockDigest: prev.Hash},
			Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{filler}}}},
		}
		if err := gs.SetNewTip(blk, nil); err != nil {
			t.Fatalf("SetNewTip(%d): %v", i, err)
		}
		prev = blk
	}

	utxos := gs.Wallet().UTXOs()
	if len(utxos) != 1 {
		t.Fatalf("len(UTXOs) = %d, want 1", len(utxos))
	}
	_, witness, ok := utxos[0].LatestWitness()
	if !ok {
		t.Fatalf("no witness recorded")
	}
	if !gs.Archival().Kernel().Verify(item, witness) {
		t.Fatalf("witness failed to verify after ten blocks of unrelated additions")
	}
}

func TestSetNewTipMarksSpentUTXO(t *testing.T) {
	gs := mustState(t, mustStore(t))

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	ar0 := buildAddition(gs, item, sender, receiverPreimage)

	genesis := bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{ar0}}}},
	}
	coinbase := &bitcoinmodel.ExpectedUTXO{UTXO: bitcoinmodel.UTXO{Item: item}, SenderRandomness: sender, ReceiverPreimage: receiverPreimage, AdditionRecord: ar0}
	if err := gs.SetNewTip(genesis, coinbase); err != nil {
		t.Fatalf("SetNewTip(genesis): %v", err)
	}

	utxos := gs.Wallet().UTXOs()
	_, witness, _ := utxos[0].LatestWitness()
	rr := mutatorset.Drop(item, witness)

	spendBlock := bitcoinmodel.Block{
		Hash:   digest.H([]byte("spend")),
		Header: bitcoinmodel.BlockHeader{Height: 1, PrevBlockDigest: genesis.Hash},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Inputs: []mutatorset.RemovalRecord{rr}}}},
	}
	if err := gs.SetNewTip(spendBlock, nil); err != nil {
		t.Fatalf("SetNewTip(spend): %v", err)
	}

	utxos = gs.Wallet().UTXOs()
	if utxos[0].SpentInBlock == nil || utxos[0].SpentInBlock.Hash != spendBlock.Hash {
		t.Fatalf("utxo not marked spent in %s", spendBlock.Hash)
	}
}

func TestSetNewTipRejectsMissingParent(t *testing.T) {
	gs := mustState(t, mustStore(t))

	orphanHeader := bitcoinmodel.Block{
		Hash:   digest.H([]byte("dangling")),
		Header: bitcoinmodel.BlockHeader{Height: 1, PrevBlockDigest: digest.H([]byte("nonexistent"))},
	}
	err := gs.SetNewTip(orphanHeader, nil)
	if !errors.Is(err, ErrConsistencyCheckFailed) {
		t.Fatalf("SetNewTip = %v, want ErrConsistencyCheckFailed", err)
	}
	if gs.Blocks().Tip() != digest.Zero {
		t.Fatalf("tip advanced despite rejected block")
	}
}

func TestSetNewTipPruneDoubleSpendFromMempool(t *testing.T) {
	gs := mustState(t, mustStore(t))

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	ar0 := buildAddition(gs, item, sender, receiverPreimage)

	genesis := bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{ar0}}}},
	}
	coinbase := &bitcoinmodel.ExpectedUTXO{UTXO: bitcoinmodel.UTXO{Item: item}, SenderRandomness: sender, ReceiverPreimage: receiverPreimage, AdditionRecord: ar0}
	if err := gs.SetNewTip(genesis, coinbase); err != nil {
		t.Fatalf("SetNewTip(genesis): %v", err)
	}

	utxos := gs.Wallet().UTXOs()
	_, witness, _ := utxos[0].LatestWitness()
	rr := mutatorset.Drop(item, witness)

	pending := &PoolTx{ID: digest.H([]byte("tx-a")), Inputs: []PoolInput{{Item: item, Witness: witness}}}
	if err := gs.SubmitTransaction(pending); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	if gs.Mempool().Size() != 1 {
		t.Fatalf("mempool size = %d, want 1", gs.Mempool().Size())
	}

	spendBlock := bitcoinmodel.Block{
		Hash:   digest.H([]byte("spend")),
		Header: bitcoinmodel.BlockHeader{Height: 1, PrevBlockDigest: genesis.Hash},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Inputs: []mutatorset.RemovalRecord{rr}}}},
	}
	if err := gs.SetNewTip(spendBlock, nil); err != nil {
		t.Fatalf("SetNewTip(spend): %v", err)
	}

	if gs.Mempool().Size() != 0 {
		t.Fatalf("mempool size after conflicting block = %d, want 0", gs.Mempool().Size())
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	store := mustStore(t)
	gs := mustState(t, store)

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	ar0 := buildAddition(gs, item, sender, receiverPreimage)

	genesis := bitcoinmodel.Block{
		Hash:   digest.H([]byte("genesis")),
		Header: bitcoinmodel.BlockHeader{Height: 0},
		Body:   bitcoinmodel.BlockBody{Transaction: bitcoinmodel.Transaction{Kernel: bitcoinmodel.TransactionKernel{Outputs: []mutatorset.AdditionRecord{ar0}}}},
	}
	coinbase := &bitcoinmodel.ExpectedUTXO{UTXO: bitcoinmodel.UTXO{Item: item}, SenderRandomness: sender, ReceiverPreimage: receiverPreimage, AdditionRecord: ar0}
	if err := gs.SetNewTip(genesis, coinbase); err != nil {
		t.Fatalf("SetNewTip: %v", err)
	}

	reopened := mustState(t, store)
	if reopened.Blocks().Tip() != genesis.Hash {
		t.Fatalf("tip after reopen = %s, want %s", reopened.Blocks().Tip(), genesis.Hash)
	}
	if reopened.Archival().SyncLabel() != genesis.Hash {
		t.Fatalf("archival sync label after reopen = %s, want %s", reopened.Archival().SyncLabel(), genesis.Hash)
	}
	if reopened.Wallet().SyncLabel() != genesis.Hash {
		t.Fatalf("wallet sync label after reopen = %s, want %s", reopened.Wallet().SyncLabel(), genesis.Hash)
	}
	utxos := reopened.Wallet().UTXOs()
	if len(utxos) != 1 {
		t.Fatalf("len(UTXOs) after reopen = %d, want 1", len(utxos))
	}
	_, witness, ok := utxos[0].LatestWitness()
	if !ok || !reopened.Archival().Kernel().Verify(item, witness) {
		t.Fatalf("recognized utxo's witness does not survive reopen")
	}
	latest, ok := reopened.LatestBlock()
	if !ok || latest.Hash != genesis.Hash {
		t.Fatalf("LatestBlock after reopen = %+v, %v, want genesis", latest, ok)
	}
}

func TestAdvanceMiningWithNoEventLogConfigured(t *testing.T) {
	gs := mustState(t, mustStore(t))

	if gs.Mining().State() != mining.Init {
		t.Fatalf("initial mining state = %s, want init", gs.Mining().State())
	}
	if err := gs.AdvanceMining(mining.AwaitBlockProposal); err != nil {
		t.Fatalf("AdvanceMining: %v", err)
	}
	if gs.Mining().State() != mining.AwaitBlockProposal {
		t.Fatalf("mining state = %s, want await-block-proposal", gs.Mining().State())
	}

	if err := gs.AdvanceMining(mining.Guessing); err == nil {
		t.Fatalf("expected illegal transition await-block-proposal -> guessing to be rejected")
	}
	if gs.Mining().State() != mining.AwaitBlockProposal {
		t.Fatalf("mining state mutated after rejected transition: %s", gs.Mining().State())
	}
}
