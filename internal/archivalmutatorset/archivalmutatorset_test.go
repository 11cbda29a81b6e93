package archivalmutatorset

import (
	"testing"

	"github.com/rawblock/mutaset/internal/digest"
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

func itemAt(i int) digest.Digest { return digest.H([]byte{byte(i), byte(i >> 8), 0x11}) }
func randAt(i int) digest.Digest { return digest.H([]byte{byte(i), byte(i >> 8), 0x22}) }

func TestAddThenVerifyAgainstKernel(t *testing.T) {
	store := mustStore(t)
	a := New(store)

	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("recv-0"))
	receiverDigest := digest.H(receiverPreimage.Bytes())

	kernel := a.Kernel()
	w := kernel.Prove(item, sender, receiverPreimage)
	ar := kernel.Commit(item, sender, receiverDigest)

	ctx, err := a.Add(ar)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	w = mutatorset.UpdateMembershipProofOnAdd(item, w, ctx)

	if !a.Kernel().Verify(item, w) {
		t.Fatalf("witness failed to verify after archival Add")
	}
}

func TestPersistAndReopenPreservesState(t *testing.T) {
	store := mustStore(t)
	a := New(store)

	items := make([]digest.Digest, 0, 15)
	witnesses := make([]mutatorset.MembershipProof, 0, 15)
	for i := 0; i < 15; i++ { // crosses one BatchSize=10 boundary
		item := itemAt(i)
		sender := randAt(i)
		receiverPreimage := digest.H([]byte{byte(i), 0x33})
		receiverDigest := digest.H(receiverPreimage.Bytes())

		kernel := a.Kernel()
		w := kernel.Prove(item, sender, receiverPreimage)
		ar := kernel.Commit(item, sender, receiverDigest)

		ctx, err := a.Add(ar)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		for j := range witnesses {
			witnesses[j] = mutatorset.UpdateMembershipProofOnAdd(items[j], witnesses[j], ctx)
		}
		w = mutatorset.UpdateMembershipProofOnAdd(item, w, ctx)
		items = append(items, item)
		witnesses = append(witnesses, w)
	}

	tip := digest.H([]byte("block-15"))
	a.SetSyncLabel(tip)
	if err := a.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reopened, err := Open(store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.SyncLabel() != tip {
		t.Fatalf("SyncLabel after reopen = %v, want %v", reopened.SyncLabel(), tip)
	}
	if reopened.AOCLAccumulator().LeafCount != a.AOCLAccumulator().LeafCount {
		t.Fatalf("aocl leaf count mismatch after reopen")
	}

	for i := range items {
		if !reopened.Kernel().Verify(items[i], witnesses[i]) {
			t.Errorf("item %d failed to verify against reopened state", i)
		}
	}
}

func TestRestoreMembershipProofMatchesLiveWitness(t *testing.T) {
	store := mustStore(t)
	a := New(store)

	var liveWitness mutatorset.MembershipProof
	var restoreIndex uint64
	item := itemAt(7)
	sender := randAt(7)
	receiverPreimage := digest.H([]byte("recv-7"))
	receiverDigest := digest.H(receiverPreimage.Bytes())

	for i := 0; i < 22; i++ { // crosses two BatchSize boundaries
		var it digest.Digest
		var sr digest.Digest
		var rd digest.Digest
		if i == 7 {
			it, sr, rd = item, sender, receiverDigest
		} else {
			it, sr, rd = itemAt(i), randAt(i), digest.H(digest.H([]byte{byte(i), 0x44}).Bytes())
		}

		kernel := a.Kernel()
		if i == 7 {
			restoreIndex = kernel.AOCL.LeafCount
			liveWitness = kernel.Prove(it, sr, receiverPreimage)
		}
		ar := kernel.Commit(it, sr, rd)
		ctx, err := a.Add(ar)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if i >= 7 {
			liveWitness = mutatorset.UpdateMembershipProofOnAdd(item, liveWitness, ctx)
		}
	}

	restored, err := a.RestoreMembershipProof(item, sender, receiverPreimage, restoreIndex)
	if err != nil {
		t.Fatalf("RestoreMembershipProof: %v", err)
	}
	if !a.Kernel().Verify(item, restored) {
		t.Fatalf("restored witness does not verify")
	}
	if !a.Kernel().Verify(item, liveWitness) {
		t.Fatalf("live witness does not verify")
	}
	if len(restored.AuthPathAOCL.Siblings) != len(liveWitness.AuthPathAOCL.Siblings) {
		t.Fatalf("restored aocl path length = %d, live = %d", len(restored.AuthPathAOCL.Siblings), len(liveWitness.AuthPathAOCL.Siblings))
	}
	for j := range restored.AuthPathAOCL.Siblings {
		if restored.AuthPathAOCL.Siblings[j] != liveWitness.AuthPathAOCL.Siblings[j] {
			t.Fatalf("restored aocl sibling %d differs from live witness", j)
		}
	}
}

func TestAddRejectsStaleSnapshot(t *testing.T) {
	store := mustStore(t)
	a := New(store)

	kernel := a.Kernel()
	ar0 := kernel.Commit(itemAt(0), randAt(0), digest.H([]byte("r0")))

	ar1 := kernel.Commit(itemAt(1), randAt(1), digest.H([]byte("r1")))
	if _, err := a.Add(ar1); err != nil {
		t.Fatalf("Add(ar1): %v", err)
	}

	if _, err := a.Add(ar0); err != mutatorset.ErrStaleAdditionRecord {
		t.Fatalf("Add(ar0) = %v, want ErrStaleAdditionRecord", err)
	}
}
