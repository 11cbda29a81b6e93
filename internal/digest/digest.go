// Package digest implements the collision-resistant hash primitive (C1)
// every other component in the engine depends on. It commits to a fixed
// 32-byte digest so the rest of the engine never has to reason about
// field arithmetic.
package digest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
)

// Size is the width of a Digest in bytes.
const Size = chainhash.HashSize

// Digest is the fixed-width output of H. Equality and ordering are defined
// lexicographically over the byte representation.
type Digest chainhash.Hash

// Zero is the all-zero digest, used as a placeholder randomness value in
// tests and genesis bootstrapping.
var Zero Digest

// H hashes an arbitrary byte slice to a Digest.
func H(data []byte) Digest {
	return Digest(blake256.Sum256(data))
}

// HashVarlen hashes a variable number of digest-shaped chunks as a single
// message (hash_varlen(slice)).
func HashVarlen(parts ...Digest) Digest {
	buf := make([]byte, 0, Size*len(parts))
	for _, p := range parts {
		buf = append(buf, p[:]...)
	}
	return H(buf)
}

// HashPair hashes two digests together, used pervasively by the MMR and
// mutator set (hash_pair(a,b)).
func HashPair(a, b Digest) Digest {
	buf := make([]byte, 0, 2*Size)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return H(buf)
}

// HashBytesDigest hashes a byte slice followed by a digest's bytes.
func HashBytesDigest(prefix []byte, d Digest) Digest {
	buf := make([]byte, 0, len(prefix)+Size)
	buf = append(buf, prefix...)
	buf = append(buf, d[:]...)
	return H(buf)
}

// FromUint64 encodes an index/counter value as a digest-shaped preimage
// input, mirroring the original's `(index as u128).to_digest()` usage in
// get_indices' counter-mode sampling.
func FromUint64(v uint64) Digest {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return H(buf[:])
}

// Less defines the total order used for Digest (lexicographic on bytes).
func Less(a, b Digest) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Equal reports whether two digests are identical.
func Equal(a, b Digest) bool {
	return a == b
}

// String renders the digest as a hex string, matching chainhash.Hash's
// reversed-byte-order convention used throughout for transaction/block
// IDs.
func (d Digest) String() string {
	return chainhash.Hash(d).String()
}

// Bytes returns a copy of the digest's bytes.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// FromHex parses a hex-encoded digest, matching chainhash's convention.
func FromHex(s string) (Digest, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return Digest{}, err
	}
	return Digest(*h), nil
}

// FromBytes builds a Digest from a 32-byte slice, copying defensively.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	h, err := chainhash.NewHash(b)
	if err != nil {
		return d, err
	}
	return Digest(*h), nil
}

// MustFromBytes is FromBytes but panics on error; used for internal
// derivations where the length is already guaranteed correct.
func MustFromBytes(b []byte) Digest {
	d, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return d
}

// MarshalJSON renders the digest as its hex string, matching the JSON
// shape the rest of the engine's API and persistence layers expect.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromHex(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// HexString is a convenience alias used by log call sites.
func HexString(d Digest) string {
	return hex.EncodeToString(d[:])
}

// SampleIndex reduces pseudorandomness to [0,n) avoiding modulo bias by
// rejection sampling over the largest multiple of n that fits in 64 bits,
// per spec.md's `sample(x, N)` requirement.
func SampleIndex(seed Digest, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	limit := (^uint64(0) / n) * n
	// Derive an arbitrarily long stream of 8-byte candidates from seed by
	// re-hashing with an incrementing counter until one falls under limit.
	counter := uint64(0)
	for {
		candidateSeed := HashPair(seed, FromUint64(counter))
		v := binary.BigEndian.Uint64(candidateSeed[:8])
		if v < limit {
			return v % n
		}
		counter++
	}
}
