package kvstore

import (
	"testing"
)

func openMem(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openMem(t)
	defer s.Close()

	key := []byte("aocl/7")
	if _, err := s.Get(key); err != ErrNotFound {
		t.Fatalf("Get before Set = %v, want ErrNotFound", err)
	}

	if err := s.Set(key, []byte("leaf-value")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "leaf-value" {
		t.Fatalf("Get = %q, want %q", got, "leaf-value")
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(key); err != ErrNotFound {
		t.Fatalf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestBatchCommitIsAtomic(t *testing.T) {
	s := openMem(t)
	defer s.Close()

	b := s.NewBatch()
	if err := b.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("batch Set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("batch Set: %v", err)
	}
	if _, err := s.Get([]byte("a")); err != ErrNotFound {
		t.Fatalf("uncommitted batch visible before Commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for _, want := range [][2]string{{"a", "1"}, {"b", "2"}} {
		got, err := s.Get([]byte(want[0]))
		if err != nil || string(got) != want[1] {
			t.Errorf("Get(%q) = %q, %v; want %q, nil", want[0], got, err, want[1])
		}
	}
}

func TestIteratorAscendingOrder(t *testing.T) {
	s := openMem(t)
	defer s.Close()

	for i := uint64(0); i < 5; i++ {
		if err := s.Set(EncodeIndexKey('a', i), []byte{byte(i)}); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}

	it, err := s.Iterator(EncodeIndexKey('a', 0), EncodeIndexKey('a', 5))
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	defer it.Close()

	var seen []uint64
	for ok := it.First(); ok; ok = it.Next() {
		idx, valid := DecodeIndexKey('a', it.Key())
		if !valid {
			t.Fatalf("DecodeIndexKey(%x) not valid", it.Key())
		}
		seen = append(seen, idx)
	}
	for i, v := range seen {
		if v != uint64(i) {
			t.Fatalf("seen[%d] = %d, want %d (iterator not ascending)", i, v, i)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("len(seen) = %d, want 5", len(seen))
	}
}

func TestEncodeDecodeIndexKeyRoundTrip(t *testing.T) {
	key := EncodeIndexKey('c', 123456)
	idx, ok := DecodeIndexKey('c', key)
	if !ok || idx != 123456 {
		t.Fatalf("DecodeIndexKey roundtrip = (%d, %v), want (123456, true)", idx, ok)
	}
	if _, ok := DecodeIndexKey('x', key); ok {
		t.Fatalf("DecodeIndexKey accepted wrong prefix")
	}
}
