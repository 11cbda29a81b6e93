package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"

	"github.com/rawblock/mutaset/internal/bitcoinmodel"
	"github.com/rawblock/mutaset/internal/digest"
	"github.com/rawblock/mutaset/internal/mutatorset"
	"github.com/rawblock/mutaset/internal/state"
	"github.com/rawblock/mutaset/internal/wallet"
)

// ErrInsufficientFunds is spec.md §7's InsufficientFunds error kind:
// surfaced to the caller, no state mutated.
var ErrInsufficientFunds = errors.New("api: insufficient funds")

// WalletService is the gorilla/rpc JSON-RPC 2.0 service exposing the
// wallet's state-mutating calls (send, send_to_many, claim_utxo). Every
// method follows the gorilla/rpc convention of
// (*http.Request, *Args, *Reply) error.
type WalletService struct {
	state *state.GlobalState
}

// NewWalletService returns a service bound to gs.
func NewWalletService(gs *state.GlobalState) *WalletService {
	return &WalletService{state: gs}
}

// Recipient is one payment leg of a send or send_to_many call. Item
// identity for the new output is derived from LockScript and Amount,
// since this engine treats UTXO identity as an opaque caller-supplied
// commitment and never inspects script semantics itself.
type Recipient struct {
	LockScript []byte              `json:"lockScript"`
	Amount     bitcoinmodel.Amount `json:"amount"`
}

// SendArgs is the single-recipient form of SendToManyArgs.
type SendArgs struct {
	LockScript []byte              `json:"lockScript"`
	Amount     bitcoinmodel.Amount `json:"amount"`
}

// SendReply carries the submitted pool transaction's ID.
type SendReply struct {
	TxID string `json:"txId"`
}

// Send builds and submits a transaction paying Amount to LockScript,
// selecting inputs from the wallet's own unspent monitored UTXOs.
func (s *WalletService) Send(r *http.Request, args *SendArgs, reply *SendReply) error {
	return s.sendTo(r, []Recipient{{LockScript: args.LockScript, Amount: args.Amount}}, reply)
}

// SendToManyArgs pays every listed recipient in a single transaction.
type SendToManyArgs struct {
	Recipients []Recipient `json:"recipients"`
}

// SendToMany is Send generalized to multiple outputs.
func (s *WalletService) SendToMany(r *http.Request, args *SendToManyArgs, reply *SendReply) error {
	return s.sendTo(r, args.Recipients, reply)
}

func (s *WalletService) sendTo(_ *http.Request, recipients []Recipient, reply *SendReply) error {
	var target bitcoinmodel.Amount
	for _, rcpt := range recipients {
		target += rcpt.Amount
	}

	selected, total := selectCoins(s.state.Wallet().UTXOs(), target)
	if total < target {
		return ErrInsufficientFunds
	}

	kernel := s.state.Archival().Kernel()

	inputs := make([]state.PoolInput, 0, len(selected))
	for _, mu := range selected {
		_, witness, ok := mu.LatestWitness()
		if !ok {
			return fmt.Errorf("api: monitored utxo %s has no recorded witness", mu.UTXO.Item)
		}
		inputs = append(inputs, state.PoolInput{Item: mu.UTXO.Item, Witness: witness})
	}

	outputs := make([]mutatorset.AdditionRecord, 0, len(recipients)+1)
	commitments := make([]digest.Digest, 0, len(recipients)+1)
	for _, rcpt := range recipients {
		ar, err := commitOutput(kernel, rcpt.LockScript, rcpt.Amount, bitcoinmodel.SourceCLI, nil)
		if err != nil {
			return err
		}
		outputs = append(outputs, ar)
		commitments = append(commitments, ar.Commitment)
	}

	if change := total - target; change > 0 && len(selected) > 0 {
		ar, err := commitOutput(kernel, selected[0].UTXO.LockScript, change, bitcoinmodel.SourceSelf, s.state.Wallet())
		if err != nil {
			return err
		}
		outputs = append(outputs, ar)
		commitments = append(commitments, ar.Commitment)
	}

	itemIdentities := make([]digest.Digest, 0, len(inputs))
	for _, in := range inputs {
		itemIdentities = append(itemIdentities, in.Item)
	}
	txID := digest.HashVarlen(append(itemIdentities, commitments...)...)

	tx := &state.PoolTx{ID: txID, Inputs: inputs, Outputs: outputs}
	if err := s.state.SubmitTransaction(tx); err != nil {
		return fmt.Errorf("api: submit transaction: %w", err)
	}

	reply.TxID = txID.String()
	return nil
}

// commitOutput derives an opaque item identity from lockScript and
// amount, derives sender randomness and a receiver preimage, and commits
// the resulting output against kernel. When wlt is non-nil (a change
// output returning to this wallet), the keys come from wlt's own
// deterministic KeyIterator when one is configured, so a restored wallet
// can reconstruct them from the seed alone instead of needing a backup
// of every nonce it ever generated; otherwise (or for a payment to an
// external recipient) fresh randomness is used. Either way, when wlt is
// non-nil the output is registered as expected so a later set_new_tip
// recognizes and tracks it.
func commitOutput(kernel *mutatorset.Accumulator, lockScript []byte, amount bitcoinmodel.Amount, source bitcoinmodel.ExpectedUTXOSource, wlt *wallet.Store) (mutatorset.AdditionRecord, error) {
	item := digest.HashPair(digest.H(lockScript), digest.FromUint64(uint64(amount)))

	var senderRandomness, receiverPreimage digest.Digest
	var derived bool
	if wlt != nil {
		_, senderRandomness, receiverPreimage, derived = wlt.DeriveNextOwnKeys()
	}
	if !derived {
		var err error
		senderRandomness, err = randomDigest()
		if err != nil {
			return mutatorset.AdditionRecord{}, err
		}
		receiverPreimage, err = randomDigest()
		if err != nil {
			return mutatorset.AdditionRecord{}, err
		}
	}
	receiverDigest := digest.H(receiverPreimage.Bytes())

	ar := kernel.Commit(item, senderRandomness, receiverDigest)

	if wlt != nil {
		wlt.ExpectUTXO(bitcoinmodel.ExpectedUTXO{
			UTXO:             bitcoinmodel.UTXO{Item: item, Amount: amount, LockScript: lockScript},
			SenderRandomness: senderRandomness,
			ReceiverPreimage: receiverPreimage,
			Source:           source,
			AdditionRecord:   ar,
		})
	}
	return ar, nil
}

func selectCoins(utxos []*wallet.MonitoredUTXO, target bitcoinmodel.Amount) ([]*wallet.MonitoredUTXO, bitcoinmodel.Amount) {
	var selected []*wallet.MonitoredUTXO
	var total bitcoinmodel.Amount
	for _, mu := range utxos {
		if mu.IsSpentOrAbandoned() {
			continue
		}
		if total >= target {
			break
		}
		selected = append(selected, mu)
		total += mu.UTXO.Amount
	}
	return selected, total
}

func randomDigest() (digest.Digest, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return digest.Digest{}, fmt.Errorf("api: generate randomness: %w", err)
	}
	return digest.FromBytes(buf)
}

// ClaimUTXOArgs registers an externally known output (for example, a
// premine allocation) that the wallet did not itself create but whose
// identity and key material it already knows, so a later set_new_tip
// recognizes it the same way it recognizes change or mined outputs.
type ClaimUTXOArgs struct {
	LockScript       []byte              `json:"lockScript"`
	Amount           bitcoinmodel.Amount `json:"amount"`
	SenderRandomness digest.Digest       `json:"senderRandomness"`
	ReceiverPreimage digest.Digest       `json:"receiverPreimage"`
}

// ClaimUTXOReply reports the commitment the wallet is now watching for.
type ClaimUTXOReply struct {
	Commitment string `json:"commitment"`
}

// ClaimUTXO registers args as an expected output without requiring the
// current mutator set kernel state, since the commitment it watches for
// does not depend on AOCL position (only on item, sender randomness, and
// the receiver digest).
func (s *WalletService) ClaimUTXO(r *http.Request, args *ClaimUTXOArgs, reply *ClaimUTXOReply) error {
	item := digest.HashPair(digest.H(args.LockScript), digest.FromUint64(uint64(args.Amount)))
	receiverDigest := digest.H(args.ReceiverPreimage.Bytes())
	commitment := digest.HashVarlen(item, args.SenderRandomness, receiverDigest)

	s.state.Wallet().ExpectUTXO(bitcoinmodel.ExpectedUTXO{
		UTXO:             bitcoinmodel.UTXO{Item: item, Amount: args.Amount, LockScript: args.LockScript},
		SenderRandomness: args.SenderRandomness,
		ReceiverPreimage: args.ReceiverPreimage,
		Source:           bitcoinmodel.SourceCLI,
		AdditionRecord:   mutatorset.AdditionRecord{Commitment: commitment},
	})

	reply.Commitment = commitment.String()
	return nil
}
