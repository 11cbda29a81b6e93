package digest

import "testing"

func TestHashPairDeterministic(t *testing.T) {
	a := H([]byte("alpha"))
	b := H([]byte("beta"))

	r1 := HashPair(a, b)
	r2 := HashPair(a, b)
	if r1 != r2 {
		t.Fatalf("HashPair not deterministic: %v != %v", r1, r2)
	}

	r3 := HashPair(b, a)
	if r1 == r3 {
		t.Errorf("HashPair(a,b) should differ from HashPair(b,a)")
	}
}

func TestSampleIndexWithinRange(t *testing.T) {
	seed := H([]byte("item-randomness-index"))
	const n = 30000
	for i := uint64(0); i < 200; i++ {
		idx := SampleIndex(HashPair(seed, FromUint64(i)), n)
		if idx >= n {
			t.Fatalf("SampleIndex returned %d, want < %d", idx, n)
		}
	}
}

func TestLessIsTotalOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b Digest
	}{
		{"zero-vs-hash", Zero, H([]byte("x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !Less(tt.a, tt.b) && !Less(tt.b, tt.a) && tt.a != tt.b {
				t.Errorf("neither Less(a,b) nor Less(b,a) nor equal")
			}
		})
	}
}

func TestFromHexRoundTrip(t *testing.T) {
	d := H([]byte("round-trip"))
	s := d.String()
	got, err := FromHex(s)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if got != d {
		t.Errorf("FromHex(%s) = %v, want %v", s, got, d)
	}
}
