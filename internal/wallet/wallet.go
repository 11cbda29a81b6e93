// Package wallet implements C4: a persistent ordered sequence of
// monitored UTXOs, the expected-output pool used to recognize incoming
// funds, and the BIP-39-backed key material a node derives sender
// randomness and receiver preimages from.
package wallet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tyler-smith/go-bip39"

	"github.com/rawblock/mutaset/internal/archivalmutatorset"
	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mutatorset"
	"github.com/rawblock/mutaset/pkg/kvstore"
)

// NMpsPerUTXO bounds how many per-block witnesses a monitored UTXO keeps;
// older entries are evicted in insertion order once the bound is hit.
const NMpsPerUTXO = 3

// DepthThreshold is how many blocks a confirming block must be missing
// from the best chain before its UTXO is declared abandoned.
const DepthThreshold = 10

// MonitoredUTXO is one output the wallet can prove membership of and,
// eventually, spend.
type MonitoredUTXO struct {
	UTXO             bitcoinmodel.UTXO `json:"utxo"`
	SenderRandomness digest.Digest     `json:"senderRandomness"`
	ReceiverPreimage digest.Digest     `json:"receiverPreimage"`
	AOCLIndex        uint64            `json:"aoclIndex"`

	ConfirmedInBlock *bitcoinmodel.BlockRef `json:"confirmedInBlock,omitempty"`
	SpentInBlock     *bitcoinmodel.BlockRef `json:"spentInBlock,omitempty"`
	AbandonedAt      *bitcoinmodel.BlockRef `json:"abandonedAt,omitempty"`

	// KeyIndex records which derivation index produced this output's
	// receiver digest, when the wallet recognized it via its own
	// known-keys cache rather than an externally supplied ExpectedUTXO.
	KeyIndex *uint64 `json:"keyIndex,omitempty"`

	witnessOrder []digest.Digest
	witnesses    map[digest.Digest]mutatorset.MembershipProof
}

type monitoredUTXOWire struct {
	UTXO             bitcoinmodel.UTXO              `json:"utxo"`
	SenderRandomness digest.Digest                  `json:"senderRandomness"`
	ReceiverPreimage digest.Digest                  `json:"receiverPreimage"`
	AOCLIndex        uint64                         `json:"aoclIndex"`
	ConfirmedInBlock *bitcoinmodel.BlockRef         `json:"confirmedInBlock,omitempty"`
	SpentInBlock     *bitcoinmodel.BlockRef         `json:"spentInBlock,omitempty"`
	AbandonedAt      *bitcoinmodel.BlockRef         `json:"abandonedAt,omitempty"`
	KeyIndex         *uint64                        `json:"keyIndex,omitempty"`
	WitnessOrder     []digest.Digest                `json:"witnessOrder"`
	Witnesses        map[digest.Digest]mutatorset.MembershipProof `json:"witnesses"`
}

// MarshalJSON flattens the unexported ring-buffer fields into the wire
// shape so a monitored UTXO round-trips through persistence intact.
func (mu *MonitoredUTXO) MarshalJSON() ([]byte, error) {
	return json.Marshal(monitoredUTXOWire{
		UTXO:             mu.UTXO,
		SenderRandomness: mu.SenderRandomness,
		ReceiverPreimage: mu.ReceiverPreimage,
		AOCLIndex:        mu.AOCLIndex,
		ConfirmedInBlock: mu.ConfirmedInBlock,
		SpentInBlock:     mu.SpentInBlock,
		AbandonedAt:      mu.AbandonedAt,
		KeyIndex:         mu.KeyIndex,
		WitnessOrder:     mu.witnessOrder,
		Witnesses:        mu.witnesses,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (mu *MonitoredUTXO) UnmarshalJSON(data []byte) error {
	var w monitoredUTXOWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	mu.UTXO = w.UTXO
	mu.SenderRandomness = w.SenderRandomness
	mu.ReceiverPreimage = w.ReceiverPreimage
	mu.AOCLIndex = w.AOCLIndex
	mu.ConfirmedInBlock = w.ConfirmedInBlock
	mu.SpentInBlock = w.SpentInBlock
	mu.AbandonedAt = w.AbandonedAt
	mu.KeyIndex = w.KeyIndex
	mu.witnessOrder = w.WitnessOrder
	mu.witnesses = w.Witnesses
	if mu.witnesses == nil {
		mu.witnesses = make(map[digest.Digest]mutatorset.MembershipProof)
	}
	return nil
}

// RecordWitness stores w as the witness synced to blockHash, evicting the
// oldest entry once more than NMpsPerUTXO are retained.
func (mu *MonitoredUTXO) RecordWitness(blockHash digest.Digest, w mutatorset.MembershipProof) {
	if mu.witnesses == nil {
		mu.witnesses = make(map[digest.Digest]mutatorset.MembershipProof)
	}
	if _, exists := mu.witnesses[blockHash]; !exists {
		mu.witnessOrder = append(mu.witnessOrder, blockHash)
		if len(mu.witnessOrder) > NMpsPerUTXO {
			oldest := mu.witnessOrder[0]
			mu.witnessOrder = mu.witnessOrder[1:]
			delete(mu.witnesses, oldest)
		}
	}
	mu.witnesses[blockHash] = w
}

// WitnessSyncedTo returns the witness recorded for blockHash, if any.
func (mu *MonitoredUTXO) WitnessSyncedTo(blockHash digest.Digest) (mutatorset.MembershipProof, bool) {
	w, ok := mu.witnesses[blockHash]
	return w, ok
}

// LatestWitness returns the most recently recorded witness, used as the
// base for incremental updates.
func (mu *MonitoredUTXO) LatestWitness() (digest.Digest, mutatorset.MembershipProof, bool) {
	if len(mu.witnessOrder) == 0 {
		return digest.Digest{}, mutatorset.MembershipProof{}, false
	}
	h := mu.witnessOrder[len(mu.witnessOrder)-1]
	w, ok := mu.witnesses[h]
	return h, w, ok
}

// IsSpentOrAbandoned reports whether this UTXO no longer needs witness
// maintenance.
func (mu *MonitoredUTXO) IsSpentOrAbandoned() bool {
	return mu.SpentInBlock != nil || mu.AbandonedAt != nil
}

// RecoveryRecord is a persisted incoming expectation: enough to
// reconstruct a MonitoredUTXO's witness from archival data alone, without
// having observed the block live.
type RecoveryRecord struct {
	UTXO             bitcoinmodel.UTXO     `json:"utxo"`
	SenderRandomness digest.Digest         `json:"senderRandomness"`
	ReceiverPreimage digest.Digest         `json:"receiverPreimage"`
	AOCLIndex        uint64                `json:"aoclIndex"`
	ConfirmedInBlock bitcoinmodel.BlockRef `json:"confirmedInBlock"`
}

// Store is the persistent ordered sequence of monitored UTXOs plus the
// pending expected-UTXO pool.
type Store struct {
	mu sync.RWMutex

	kv kvstore.Store

	utxos       []*MonitoredUTXO
	byAOCLIndex map[uint64]*MonitoredUTXO
	expected    map[digest.Digest]bitcoinmodel.ExpectedUTXO // keyed by addition-record commitment

	syncLabel digest.Digest

	// keys is the deterministic key source for the wallet's own future
	// outputs (change, coinbase); nextKeyIndex is the next unused
	// derivation index, persisted so restarts never reuse an index.
	// receiverDigestIndex is the known-keys cache: every receiver digest
	// this wallet has derived, mapped back to the index that produced
	// it, so recognize can identify one of its own outputs by lookup
	// instead of re-deriving the whole KeyIterator chain.
	keys                *KeyIterator
	nextKeyIndex        uint64
	receiverDigestIndex map[digest.Digest]uint64

	persistedUTXOCount int
}

const (
	prefixMonitoredUTXO   = 'u'
	prefixExpectedUTXO    = 'x'
	keyWalletSyncLabel    = "m:wallet_sync_label"
	keyWalletNextKeyIndex = "m:wallet_next_key_index"
)

// NewStore returns an empty wallet store over kv.
func NewStore(kv kvstore.Store) *Store {
	return &Store{
		kv:                  kv,
		byAOCLIndex:         make(map[uint64]*MonitoredUTXO),
		expected:            make(map[digest.Digest]bitcoinmodel.ExpectedUTXO),
		receiverDigestIndex: make(map[digest.Digest]uint64),
	}
}

// SetKeySource wires a deterministic key source into the wallet, used to
// derive its own future outputs and to populate the known-keys cache.
// A store with no key source falls back to caller-supplied randomness
// for every output (e.g. a watch-only wallet with no seed).
func (s *Store) SetKeySource(k *KeyIterator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = k
}

// DeriveNextOwnKeys derives the next unused (senderRandomness,
// receiverPreimage) pair from the wallet's key source, advances the
// derivation index (written to the store by the next Persist), and
// records the resulting receiver
// digest in the known-keys cache. ok is false when no key source has
// been set.
func (s *Store) DeriveNextOwnKeys() (index uint64, senderRandomness, receiverPreimage digest.Digest, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return 0, digest.Digest{}, digest.Digest{}, false
	}

	index = s.nextKeyIndex
	receiverPreimage = s.keys.ReceiverPreimageAt(index)
	senderRandomness = s.keys.SenderRandomnessAt(index)
	s.receiverDigestIndex[digest.H(receiverPreimage.Bytes())] = index
	s.nextKeyIndex++
	return index, senderRandomness, receiverPreimage, true
}

// OpenStore rebuilds a wallet store from everything persisted in kv.
func OpenStore(kv kvstore.Store) (*Store, error) {
	s := NewStore(kv)

	lower, upper := []byte{prefixMonitoredUTXO}, []byte{prefixMonitoredUTXO + 1}
	it, err := kv.Iterator(lower, upper)
	if err != nil {
		return nil, fmt.Errorf("wallet: iterate monitored utxos: %w", err)
	}
	for ok := it.First(); ok; ok = it.Next() {
		mu := &MonitoredUTXO{}
		if err := json.Unmarshal(it.Value(), mu); err != nil {
			it.Close()
			return nil, fmt.Errorf("wallet: decode monitored utxo: %w", err)
		}
		s.utxos = append(s.utxos, mu)
		s.byAOCLIndex[mu.AOCLIndex] = mu
	}
	it.Close()
	s.persistedUTXOCount = len(s.utxos)

	lower, upper = []byte{prefixExpectedUTXO}, []byte{prefixExpectedUTXO + 1}
	it, err = kv.Iterator(lower, upper)
	if err != nil {
		return nil, fmt.Errorf("wallet: iterate expected utxos: %w", err)
	}
	for ok := it.First(); ok; ok = it.Next() {
		var exp bitcoinmodel.ExpectedUTXO
		if err := json.Unmarshal(it.Value(), &exp); err != nil {
			it.Close()
			return nil, fmt.Errorf("wallet: decode expected utxo: %w", err)
		}
		s.expected[exp.AdditionRecord.Commitment] = exp
	}
	it.Close()

	label, err := kv.Get([]byte(keyWalletSyncLabel))
	switch {
	case err == kvstore.ErrNotFound:
		s.syncLabel = digest.Zero
	case err != nil:
		return nil, fmt.Errorf("wallet: load sync label: %w", err)
	default:
		d, derr := digest.FromBytes(label)
		if derr != nil {
			return nil, fmt.Errorf("wallet: decode sync label: %w", derr)
		}
		s.syncLabel = d
	}

	idxBytes, err := kv.Get([]byte(keyWalletNextKeyIndex))
	switch {
	case err == kvstore.ErrNotFound:
		s.nextKeyIndex = 0
	case err != nil:
		return nil, fmt.Errorf("wallet: load next key index: %w", err)
	default:
		if len(idxBytes) != 8 {
			return nil, fmt.Errorf("wallet: decode next key index: want 8 bytes, got %d", len(idxBytes))
		}
		s.nextKeyIndex = binary.BigEndian.Uint64(idxBytes)
	}

	return s, nil
}

// ExpectUTXO registers an incoming output to watch for.
func (s *Store) ExpectUTXO(exp bitcoinmodel.ExpectedUTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[exp.AdditionRecord.Commitment] = exp
}

// UTXOs returns a snapshot of every monitored UTXO.
func (s *Store) UTXOs() []*MonitoredUTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MonitoredUTXO, len(s.utxos))
	copy(out, s.utxos)
	return out
}

// SyncLabel reports the block hash the wallet is synchronized to.
func (s *Store) SyncLabel() digest.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncLabel
}

// SetSyncLabel records the block hash this wallet now reflects.
func (s *Store) SetSyncLabel(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLabel = d
}

// RecognizeOutput checks whether ar matches a pending expectation and, if
// so, proves and records a new MonitoredUTXO. ms must reflect the mutator
// set state immediately before ar is applied, since that is the state
// Prove needs to compute a witness valid the instant ar is added. It
// returns nil, nil when ar matches nothing the wallet is watching for.
func (s *Store) RecognizeOutput(ref bitcoinmodel.BlockRef, ar mutatorset.AdditionRecord, ms *mutatorset.Accumulator) (*MonitoredUTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expected[ar.Commitment]
	if !ok {
		return nil, nil
	}
	delete(s.expected, ar.Commitment)

	witness := ms.Prove(exp.UTXO.Item, exp.SenderRandomness, exp.ReceiverPreimage)
	mu := &MonitoredUTXO{
		UTXO:             exp.UTXO,
		SenderRandomness: exp.SenderRandomness,
		ReceiverPreimage: exp.ReceiverPreimage,
		AOCLIndex:        ms.AOCL.LeafCount,
		ConfirmedInBlock: &ref,
		witnesses:        make(map[digest.Digest]mutatorset.MembershipProof),
	}
	mu.RecordWitness(ref.Hash, witness)

	// Test the candidate receiver digest against the known-keys cache
	// instead of re-deriving it from the KeyIterator chain: if this
	// output came from one of the wallet's own derived keys, tag it
	// with the index that produced it.
	if idx, ok := s.receiverDigestIndex[digest.H(exp.ReceiverPreimage.Bytes())]; ok {
		mu.KeyIndex = &idx
	}

	s.utxos = append(s.utxos, mu)
	s.byAOCLIndex[mu.AOCLIndex] = mu
	return mu, nil
}

// AdvanceWitnessesOnAdd refreshes every unspent monitored UTXO's latest
// witness after ctx's addition has been applied, recording the result
// under newBlockHash.
func (s *Store) AdvanceWitnessesOnAdd(newBlockHash digest.Digest, ctx mutatorset.AddContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mu := range s.utxos {
		if mu.IsSpentOrAbandoned() {
			continue
		}
		_, latest, ok := mu.LatestWitness()
		if !ok {
			continue
		}
		updated := mutatorset.UpdateMembershipProofOnAdd(mu.UTXO.Item, latest, ctx)
		mu.RecordWitness(newBlockHash, updated)
	}
}

// MarkSpent flags the monitored UTXO whose derived bit indices match rr
// as spent in ref, and returns it (nil if rr does not belong to any
// monitored UTXO).
func (s *Store) MarkSpent(ref bitcoinmodel.BlockRef, rr mutatorset.RemovalRecord) *MonitoredUTXO {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mu := range s.utxos {
		if mu.IsSpentOrAbandoned() {
			continue
		}
		_, latest, ok := mu.LatestWitness()
		if !ok {
			continue
		}
		derived := mutatorset.GetIndices(mu.UTXO.Item, latest.SenderRandomness, latest.ReceiverPreimage, latest.AuthPathAOCL.LeafIndex)
		if sameIndices(derived, rr.BitIndices) {
			mu.SpentInBlock = &ref
			return mu
		}
	}
	return nil
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

// AdvanceWitnessesOnRemove refreshes every unspent monitored UTXO's
// latest witness after rr has been applied, recording the result under
// newBlockHash.
func (s *Store) AdvanceWitnessesOnRemove(newBlockHash digest.Digest, rr mutatorset.RemovalRecord, mutations []mutatorset.ChunkMutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mu := range s.utxos {
		if mu.IsSpentOrAbandoned() {
			continue
		}
		_, latest, ok := mu.LatestWitness()
		if !ok {
			continue
		}
		updated := mutatorset.UpdateMembershipProofOnRemove(latest, rr, mutations)
		mu.RecordWitness(newBlockHash, updated)
	}
}

// MarkAbandoned records that mu's confirming block fell off the best
// chain and was never reconfirmed within DepthThreshold blocks.
func (s *Store) MarkAbandoned(mu *MonitoredUTXO, ref bitcoinmodel.BlockRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu.AbandonedAt = &ref
}

// MinBlockDepthForPruning is the number of blocks an abandoned UTXO must
// stay abandoned before prune_abandoned_monitored_utxos drops it for
// good, giving a reorg a window to reconfirm it first.
const MinBlockDepthForPruning = 10

// PruneAbandoned drops every monitored UTXO abandoned at least
// MinBlockDepthForPruning blocks before currentHeight, and reports how
// many were removed.
func (s *Store) PruneAbandoned(currentHeight int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.utxos[:0]
	pruned := 0
	for _, mu := range s.utxos {
		if mu.AbandonedAt != nil && currentHeight-mu.AbandonedAt.Height >= MinBlockDepthForPruning {
			delete(s.byAOCLIndex, mu.AOCLIndex)
			pruned++
			continue
		}
		kept = append(kept, mu)
	}
	s.utxos = kept
	return pruned
}

// RestoreFromRecoveryData reinserts any monitored UTXO described by
// records whose AOCL index is not already tracked, recomputing its
// witness straight from archival data.
func (s *Store) RestoreFromRecoveryData(archival *archivalmutatorset.ArchivalMutatorSet, records []RecoveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if _, exists := s.byAOCLIndex[rec.AOCLIndex]; exists {
			continue
		}
		witness, err := archival.RestoreMembershipProof(rec.UTXO.Item, rec.SenderRandomness, rec.ReceiverPreimage, rec.AOCLIndex)
		if err != nil {
			return fmt.Errorf("wallet: restore aocl index %d: %w", rec.AOCLIndex, err)
		}
		mu := &MonitoredUTXO{
			UTXO:             rec.UTXO,
			SenderRandomness: rec.SenderRandomness,
			ReceiverPreimage: rec.ReceiverPreimage,
			AOCLIndex:        rec.AOCLIndex,
			ConfirmedInBlock: &rec.ConfirmedInBlock,
			witnesses:        make(map[digest.Digest]mutatorset.MembershipProof),
		}
		mu.RecordWitness(rec.ConfirmedInBlock.Hash, witness)
		s.utxos = append(s.utxos, mu)
		s.byAOCLIndex[rec.AOCLIndex] = mu
	}
	return nil
}

// Persist commits every monitored UTXO and pending expectation to the
// store in a single atomic batch.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.kv.NewBatch()
	for i, mu := range s.utxos {
		blob, err := json.Marshal(mu)
		if err != nil {
			return fmt.Errorf("wallet: encode monitored utxo %d: %w", i, err)
		}
		if err := batch.Set(kvstore.EncodeIndexKey(prefixMonitoredUTXO, uint64(i)), blob); err != nil {
			return fmt.Errorf("wallet: persist monitored utxo %d: %w", i, err)
		}
	}
	idx := uint64(0)
	for _, exp := range s.expected {
		blob, err := json.Marshal(exp)
		if err != nil {
			return fmt.Errorf("wallet: encode expected utxo: %w", err)
		}
		if err := batch.Set(kvstore.EncodeIndexKey(prefixExpectedUTXO, idx), blob); err != nil {
			return fmt.Errorf("wallet: persist expected utxo: %w", err)
		}
		idx++
	}
	if err := batch.Set([]byte(keyWalletSyncLabel), s.syncLabel.Bytes()); err != nil {
		return fmt.Errorf("wallet: persist sync label: %w", err)
	}
	nextKeyIndexBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nextKeyIndexBytes, s.nextKeyIndex)
	if err := batch.Set([]byte(keyWalletNextKeyIndex), nextKeyIndexBytes); err != nil {
		return fmt.Errorf("wallet: persist next key index: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("wallet: commit: %w", err)
	}
	s.persistedUTXOCount = len(s.utxos)
	return nil
}

// GenerateMnemonic returns a fresh 24-word BIP-39 mnemonic and its
// underlying entropy.
func GenerateMnemonic() (mnemonic string, entropy []byte, err error) {
	entropy, err = bip39.NewEntropy(256)
	if err != nil {
		return "", nil, fmt.Errorf("wallet: generate entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("wallet: derive mnemonic: %w", err)
	}
	return mnemonic, entropy, nil
}

// SeedFromMnemonic derives the 64-byte BIP-39 seed for mnemonic.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}

// SecretFileName is the conventional filename a node and walletctl agree
// on for the on-disk mnemonic secret.
const SecretFileName = "wallet.json"

// SecretFile is the on-disk shape of a wallet's seed material, shared
// between walletctl (which writes it) and a running node (which reads it
// to wire up its own KeyIterator at startup).
type SecretFile struct {
	Mnemonic string `json:"mnemonic"`
}

// LoadSecretFile reads and decodes the secret file at path.
func LoadSecretFile(path string) (*SecretFile, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SecretFile
	if err := json.Unmarshal(blob, &sf); err != nil {
		return nil, fmt.Errorf("wallet: decode secret file: %w", err)
	}
	return &sf, nil
}

// SaveSecretFile encodes sf and writes it to path, creating its parent
// directory if needed.
func SaveSecretFile(path string, sf SecretFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("wallet: create wallet directory: %w", err)
	}
	blob, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("wallet: encode secret file: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("wallet: write secret file: %w", err)
	}
	return nil
}

// KeyIterator derives an unbounded stream of deterministic receiver
// preimages and sender-randomness values from a wallet seed, so recovery
// never needs anything beyond the mnemonic and an index.
type KeyIterator struct {
	root digest.Digest
}

// NewKeyIterator builds a key iterator rooted at seed (the BIP-39 seed
// bytes).
func NewKeyIterator(seed []byte) *KeyIterator {
	return &KeyIterator{root: digest.H(seed)}
}

// ReceiverPreimageAt derives the receiver preimage for key index i.
func (k *KeyIterator) ReceiverPreimageAt(i uint64) digest.Digest {
	return digest.HashVarlen(k.root, digest.H([]byte("receiver-preimage")), digest.FromUint64(i))
}

// SenderRandomnessAt derives the sender randomness a node uses when
// constructing its own outputs at key index i (used for change outputs
// and coinbase).
func (k *KeyIterator) SenderRandomnessAt(i uint64) digest.Digest {
	return digest.HashVarlen(k.root, digest.H([]byte("sender-randomness")), digest.FromUint64(i))
}
