package mutatorset

import (
	"testing"

	"github.com/rawblock/mutaset/internal/digest"
)

func itemAt(i int) digest.Digest {
	return digest.H([]byte{byte(i), byte(i >> 8), 0xaa})
}

func randAt(i int) digest.Digest {
	return digest.H([]byte{byte(i), byte(i >> 8), 0xbb})
}

func TestProveIsInvalidBeforeAdd(t *testing.T) {
	ms := NewAccumulator()
	item := itemAt(0)
	sender := randAt(0)
	receiverPreimage := digest.H([]byte("r0"))
	receiverDigest := digest.H(receiverPreimage.Bytes())

	w := ms.Prove(item, sender, receiverPreimage)
	if ms.Verify(item, w) {
		t.Fatalf("witness verified before the item was added")
	}

	ar := ms.Commit(item, sender, receiverDigest)
	ctx, err := ms.Add(ar)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	w = UpdateMembershipProofOnAdd(item, w, ctx)
	if !ms.Verify(item, w) {
		t.Fatalf("witness failed to verify immediately after add")
	}
}

func TestStaleAdditionRecordRejected(t *testing.T) {
	ms := NewAccumulator()
	item0 := itemAt(0)
	ar0 := ms.Commit(item0, randAt(0), digest.H([]byte("r0")))

	// A second, unrelated item lands first, invalidating ar0's snapshot.
	item1 := itemAt(1)
	ar1 := ms.Commit(item1, randAt(1), digest.H([]byte("r1")))
	if _, err := ms.Add(ar1); err != nil {
		t.Fatalf("Add(ar1): %v", err)
	}

	if _, err := ms.Add(ar0); err != ErrStaleAdditionRecord {
		t.Fatalf("Add(ar0) = %v, want ErrStaleAdditionRecord", err)
	}
}

// TestWitnessSurvivesManyAdds exercises multiple window slides (BatchSize
// = 10) and checks that every previously added item's witness, refreshed
// after each subsequent Add, still verifies.
func TestWitnessSurvivesManyAdds(t *testing.T) {
	ms := NewAccumulator()
	const n = 37 // crosses three BatchSize boundaries

	items := make([]digest.Digest, 0, n)
	witnesses := make([]MembershipProof, 0, n)

	for i := 0; i < n; i++ {
		item := itemAt(i)
		sender := randAt(i)
		receiverPreimage := digest.H([]byte{byte(i), 0xcc})
		receiverDigest := digest.H(receiverPreimage.Bytes())

		w := ms.Prove(item, sender, receiverPreimage)
		ar := ms.Commit(item, sender, receiverDigest)
		ctx, err := ms.Add(ar)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}

		for j := range witnesses {
			witnesses[j] = UpdateMembershipProofOnAdd(items[j], witnesses[j], ctx)
		}
		w = UpdateMembershipProofOnAdd(item, w, ctx)

		items = append(items, item)
		witnesses = append(witnesses, w)
	}

	for i := 0; i < n; i++ {
		if !ms.Verify(items[i], witnesses[i]) {
			t.Errorf("item %d failed to verify after %d total adds", i, n)
		}
	}
}

// TestRemoveRetiresItemAndPreservesOthers spends one item among several
// and checks that the spent item no longer verifies while the others,
// refreshed via UpdateMembershipProofOnRemove, still do.
func TestRemoveRetiresItemAndPreservesOthers(t *testing.T) {
	ms := NewAccumulator()
	const n = 25 // crosses two BatchSize boundaries so some witnesses carry target_chunks

	items := make([]digest.Digest, 0, n)
	witnesses := make([]MembershipProof, 0, n)
	for i := 0; i < n; i++ {
		item := itemAt(i)
		sender := randAt(i)
		receiverPreimage := digest.H([]byte{byte(i), 0xcc})
		receiverDigest := digest.H(receiverPreimage.Bytes())

		w := ms.Prove(item, sender, receiverPreimage)
		ar := ms.Commit(item, sender, receiverDigest)
		ctx, err := ms.Add(ar)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		for j := range witnesses {
			witnesses[j] = UpdateMembershipProofOnAdd(items[j], witnesses[j], ctx)
		}
		w = UpdateMembershipProofOnAdd(item, w, ctx)
		items = append(items, item)
		witnesses = append(witnesses, w)
	}

	const victim = 12
	rr := Drop(items[victim], witnesses[victim])
	mutations, err := ms.Remove(rr)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}

	for i := range witnesses {
		if i == victim {
			continue
		}
		witnesses[i] = UpdateMembershipProofOnRemove(witnesses[i], rr, mutations)
	}
	witnesses[victim] = UpdateMembershipProofOnRemove(witnesses[victim], rr, mutations)

	if ms.Verify(items[victim], witnesses[victim]) {
		t.Errorf("spent item still verifies as a member")
	}
	for i := range items {
		if i == victim {
			continue
		}
		if !ms.Verify(items[i], witnesses[i]) {
			t.Errorf("item %d lost membership after an unrelated item was removed", i)
		}
	}
}

func TestGetIndicesDeterministicAndWithinBounds(t *testing.T) {
	item := itemAt(1)
	sender := randAt(1)
	receiverPreimage := digest.H([]byte("rp"))

	a := GetIndices(item, sender, receiverPreimage, 42)
	b := GetIndices(item, sender, receiverPreimage, 42)
	if len(a) != NumTrials {
		t.Fatalf("len(indices) = %d, want %d", len(a), NumTrials)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("GetIndices not deterministic at trial %d", i)
		}
	}

	batchIndex := uint64(42) / BatchSize
	lo := batchIndex * ChunkSize
	hi := lo + WindowSize
	for _, idx := range a {
		if idx < lo || idx >= hi {
			t.Errorf("index %d outside expected window [%d,%d)", idx, lo, hi)
		}
	}
}
