// Package verify implements the block and transaction verifier: given an
// overlay, a PoW target, and a candidate block or transaction, it decides
// accept/reject and, on accept, leaves the overlay holding the staged
// diff. It never inspects contract call data itself — that is the
// contract runtime's job — and never decides which fork a block belongs
// to — that is the fork manager's job.
package verify

import (
	"fmt"
	"math/big"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/contractrt"
	"github.com/veilchain/veil-core/internal/log"
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/zk"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// Verifier orchestrates the contract runtime, the ZK verifier, and PoW/fee
// rules against an overlay. It holds no mutable state of its own; all
// state lives in the overlay and PoW module the caller supplies.
type Verifier struct {
	Registry *contractrt.Registry
	ZK       zk.Verifier
	Fees     config.FeePolicy
}

// New creates a Verifier over the given contract registry and ZK
// verifier, applying fees.
func New(registry *contractrt.Registry, zkVerifier zk.Verifier, fees config.FeePolicy) *Verifier {
	return &Verifier{Registry: registry, ZK: zkVerifier, Fees: fees}
}

// RewardSchedule computes the block reward due to the producer
// transaction at a given height. Out of scope contracts decide how the
// reward is paid out; this layer only needs the amount to check the
// producer tx's declared fee/reward call against it. A simple constant
// schedule; halving or other emission curves are a contract-level policy
// this core does not enforce beyond providing the expected amount.
func RewardSchedule(height uint32) uint64 {
	const baseReward = 50_000_000
	return baseReward
}

// VerifyBlock runs the full block-level state machine described in spec
// §4.3: structural checks, PoW, producer tx, user txs in order, merkle
// root, state root. On success ov holds the staged diff for the whole
// block and the returned BlockDifficulty record is ready for
// pow.Module.AppendDifficulty. On any failure ov is purged and the error
// describes what failed.
func (v *Verifier) VerifyBlock(ov *overlay.Overlay, module *pow.Module, prevDifficulty pow.BlockDifficulty, candidate, parent *block.Block, verifyFees bool) (pow.BlockDifficulty, error) {
	bd, err := v.verifyBlockInner(ov, module, prevDifficulty, candidate, parent, verifyFees)
	if err != nil {
		ov.PurgeNewTrees()
		log.Verifier.Warn().Err(err).Uint32("height", candidate.Header.Height).Msg("block rejected")
		return pow.BlockDifficulty{}, err
	}
	return bd, nil
}

func (v *Verifier) verifyBlockInner(ov *overlay.Overlay, module *pow.Module, prevDifficulty pow.BlockDifficulty, candidate, parent *block.Block, verifyFees bool) (pow.BlockDifficulty, error) {
	if err := structuralChecks(candidate, parent); err != nil {
		return pow.BlockDifficulty{}, err
	}

	target, difficulty, err := module.NextMineTargetAndDifficulty()
	if err != nil {
		return pow.BlockDifficulty{}, err
	}
	if err := pow.VerifyHeaderNonce(candidate.Header, target); err != nil {
		return pow.BlockDifficulty{}, err
	}

	if len(candidate.Transactions) == 0 {
		return pow.BlockDifficulty{}, ErrEmptyBlock
	}

	var failures []TxFailure

	producerTx := candidate.Transactions[0]
	if err := v.verifyProducerTx(ov, producerTx, candidate.Header.Height); err != nil {
		failures = append(failures, TxFailure{Index: 0, Err: err})
	}

	seen := make(map[types.Hash]bool, len(candidate.Transactions))
	for i, t := range candidate.Transactions[1:] {
		idx := i + 1
		h := t.Hash()
		if seen[h] {
			failures = append(failures, TxFailure{Index: idx, Err: ErrDuplicateTx})
			continue
		}
		seen[h] = true
		if err := v.verifyUserTx(ov, t, verifyFees); err != nil {
			failures = append(failures, TxFailure{Index: idx, Err: err})
		}
	}

	if len(failures) > 0 {
		return pow.BlockDifficulty{}, &TxVerifyFailed{ErroneousTxs: failures}
	}

	txHashes := make([]types.Hash, len(candidate.Transactions))
	for i, t := range candidate.Transactions {
		txHashes[i] = t.Hash()
	}
	merkleRoot := block.ComputeMerkleRoot(txHashes)
	if merkleRoot != candidate.Header.MerkleRoot {
		return pow.BlockDifficulty{}, ErrMerkleRootMismatch
	}

	stateRoot, err := computeStateRoot(ov)
	if err != nil {
		return pow.BlockDifficulty{}, fmt.Errorf("compute state root: %w", err)
	}
	if stateRoot != candidate.Header.StateRoot {
		return pow.BlockDifficulty{}, ErrStateRootMismatch
	}

	headerHash := candidate.Header.Hash()
	hashInt := new(big.Int).SetBytes(headerHash[:])
	targetDistSq := pow.DistanceSq(target, hashInt)
	hashDistSq := pow.DistanceToZeroSq(hashInt)

	bd := pow.NextBlockDifficulty(module, headerHash, candidate.Header.Timestamp, candidate.Header.Height, difficulty, prevDifficulty, hashDistSq, targetDistSq)
	return bd, nil
}

// VerifyCheckpointBlock runs trust-mode verification for checkpoint
// ingestion (validator.AddCheckpointBlocks): structural checks, PoW
// nonce, call execution (so ov ends up holding the same state diff a
// full verification would have produced), and the merkle root — but
// skips ZK proof and signature verification, since a checkpoint's blocks
// are assumed to come from an already-trusted source; for the same
// reason it does not recompute and compare the state root the way
// VerifyBlock does.
func (v *Verifier) VerifyCheckpointBlock(ov *overlay.Overlay, module *pow.Module, prevDifficulty pow.BlockDifficulty, candidate, parent *block.Block) (pow.BlockDifficulty, error) {
	bd, err := v.verifyCheckpointInner(ov, module, prevDifficulty, candidate, parent)
	if err != nil {
		ov.PurgeNewTrees()
		log.Verifier.Warn().Err(err).Uint32("height", candidate.Header.Height).Msg("checkpoint block rejected")
		return pow.BlockDifficulty{}, err
	}
	return bd, nil
}

func (v *Verifier) verifyCheckpointInner(ov *overlay.Overlay, module *pow.Module, prevDifficulty pow.BlockDifficulty, candidate, parent *block.Block) (pow.BlockDifficulty, error) {
	if err := structuralChecks(candidate, parent); err != nil {
		return pow.BlockDifficulty{}, err
	}

	target, difficulty, err := module.NextMineTargetAndDifficulty()
	if err != nil {
		return pow.BlockDifficulty{}, err
	}
	if err := pow.VerifyHeaderNonce(candidate.Header, target); err != nil {
		return pow.BlockDifficulty{}, err
	}

	seen := make(map[types.Hash]bool, len(candidate.Transactions))
	for i, t := range candidate.Transactions {
		h := t.Hash()
		if seen[h] {
			return pow.BlockDifficulty{}, fmt.Errorf("checkpoint tx %d: %w", i, ErrDuplicateTx)
		}
		seen[h] = true
		if err := t.Validate(); err != nil {
			return pow.BlockDifficulty{}, fmt.Errorf("checkpoint tx %d: %w", i, err)
		}
		if _, _, err := v.executeCalls(ov, t); err != nil {
			return pow.BlockDifficulty{}, fmt.Errorf("checkpoint tx %d: %w", i, err)
		}
	}

	txHashes := make([]types.Hash, len(candidate.Transactions))
	for i, t := range candidate.Transactions {
		txHashes[i] = t.Hash()
	}
	merkleRoot := block.ComputeMerkleRoot(txHashes)
	if merkleRoot != candidate.Header.MerkleRoot {
		return pow.BlockDifficulty{}, ErrMerkleRootMismatch
	}

	headerHash := candidate.Header.Hash()
	hashInt := new(big.Int).SetBytes(headerHash[:])
	targetDistSq := pow.DistanceSq(target, hashInt)
	hashDistSq := pow.DistanceToZeroSq(hashInt)

	return pow.NextBlockDifficulty(module, headerHash, candidate.Header.Timestamp, candidate.Header.Height, difficulty, prevDifficulty, hashDistSq, targetDistSq), nil
}

// structuralChecks enforces height linkage, timestamp monotonicity, and
// previous-hash continuity against parent.
func structuralChecks(candidate, parent *block.Block) error {
	if candidate.Header.Height != parent.Header.Height+1 {
		return ErrBadHeightLinkage
	}
	if candidate.Header.Timestamp <= parent.Header.Timestamp {
		return ErrBadTimestamp
	}
	if candidate.Header.Previous != parent.Hash() {
		return ErrBadPreviousHash
	}
	if len(candidate.Transactions) == 0 {
		return ErrEmptyBlock
	}
	return nil
}

// verifyProducerTx verifies the block's reward/fee-collection transaction
// with no fee requirement; its declared reward call must match the
// reward schedule for this height. The call DAG is validated, the calls
// are executed and the signatures are checked as for a user transaction;
// its ZK proofs are not verified.
func (v *Verifier) verifyProducerTx(ov *overlay.Overlay, t *tx.Transaction, height uint32) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, _, err := v.executeCalls(ov, t); err != nil {
		return err
	}
	if err := v.verifySignatures(t); err != nil {
		return err
	}
	rewardCall := t.Calls[t.FeeCallIndex()]
	declared := declaredFee(rewardCall.Data)
	if declared != RewardSchedule(height) {
		return ErrBadProducerReward
	}
	return nil
}

// verifyUserTx runs the full state machine for one user transaction:
// Parsed -> ProofsOK -> CallsExecuted -> SignaturesOK -> FeeOK ->
// Accepted. A failure before CallsExecuted leaves ov untouched; a failure
// at or after it leaves the writes of the calls already executed staged
// in ov (VerifyBlock purges ov whenever any transaction fails).
func (v *Verifier) verifyUserTx(ov *overlay.Overlay, t *tx.Transaction, verifyFees bool) error {
	_, err := v.VerifyTx(ov, t, verifyFees)
	return err
}

// VerifyTx trial-verifies t standalone, outside any block context:
// Parsed -> ProofsOK -> CallsExecuted -> SignaturesOK -> FeeOK. Used by
// the validator façade for append_tx's fork-by-fork trial verification
// and calculate_fee, where there is no candidate block to structurally
// check against a parent. Returns the total gas t's calls consumed so
// callers that need compute_fee's input don't have to re-execute.
func (v *Verifier) VerifyTx(ov *overlay.Overlay, t *tx.Transaction, verifyFees bool) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	if err := v.verifyProofs(t); err != nil {
		return 0, err
	}

	totalGas, _, err := v.executeCalls(ov, t)
	if err != nil {
		return 0, err
	}

	if err := v.verifySignatures(t); err != nil {
		return 0, err
	}

	if verifyFees {
		if err := v.verifyFee(t, totalGas); err != nil {
			return 0, err
		}
	}

	return totalGas, nil
}

// verifyProofs checks every call's ZK proof against its contract's
// verifying key before any execution happens, matching the state
// machine's ProofsOK stage preceding CallsExecuted.
func (v *Verifier) verifyProofs(t *tx.Transaction) error {
	vks := make([]zk.VerifyingKey, len(t.Calls))
	proofs := make([]zk.Proof, len(t.Calls))
	publics := make([]zk.PublicInputs, len(t.Calls))

	for i, c := range t.Calls {
		vk, err := v.Registry.VerifyingKeyFor(c)
		if err != nil {
			return err
		}
		vks[i] = vk
		proofs[i] = t.Proofs[i]
		public, err := zk.FieldElementsFromBytes(c.Data)
		if err != nil {
			return err
		}
		publics[i] = public
	}

	if err := zk.VerifyAll(v.ZK, vks, proofs, publics); err != nil {
		return ErrInvalidProof
	}
	return nil
}

// executeCalls runs every call in the transaction's declared order
// (already a valid topological order per tx.Validate's DAG check)
// against ov, staging each call's diff and summing gas.
func (v *Verifier) executeCalls(ov *overlay.Overlay, t *tx.Transaction) (totalGas uint64, results []contractrt.Result, err error) {
	results = make([]contractrt.Result, len(t.Calls))
	for i, c := range t.Calls {
		res, execErr := v.Registry.Exec(c, ov)
		if execErr != nil {
			return 0, nil, errWithCode(execErr)
		}
		ov.ApplyDiff(res.Diff)
		totalGas += res.Gas
		results[i] = res
	}
	return totalGas, results, nil
}

// verifySignatures checks every declared signature over the transaction
// digest. The signer key recovery/lookup is a contract-runtime concern
// (signatures authenticate against keys the contract state holds); this
// layer verifies structurally-well-formed signatures are present and
// checks them with the generic Schnorr verifier used elsewhere in this
// module: each signature must be a 64-byte Schnorr signature followed by
// the signer's 33-byte compressed public key.
func (v *Verifier) verifySignatures(t *tx.Transaction) error {
	digest := t.Hash()
	for _, sig := range t.Signatures {
		if len(sig) < 64+33 {
			return ErrInvalidSignature
		}
		pubKey := sig[64:]
		rawSig := sig[:64]
		if !crypto.VerifySignature(digest[:], rawSig, pubKey) {
			return ErrInvalidSignature
		}
	}
	return nil
}

// verifyFee computes the required fee from total gas and checks the fee
// call's declared fee meets it. The fee call is, by convention, the last
// call; its Data's trailing 8 bytes (little-endian) encode the declared
// fee amount.
func (v *Verifier) verifyFee(t *tx.Transaction, totalGas uint64) error {
	required := v.Fees.ComputeFee(totalGas)
	feeCall := t.Calls[t.FeeCallIndex()]
	declared := declaredFee(feeCall.Data)
	if declared < required {
		return ErrInsufficientFee
	}
	return nil
}

func declaredFee(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	tail := data[len(data)-8:]
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(tail[i]) << (8 * i)
	}
	return v
}

func errWithCode(err error) error {
	return &ContractError{Cause: err}
}

// ContractError wraps a contract runtime execution failure, preserving
// the runtime's own error as Cause.
type ContractError struct {
	Cause error
}

func (e *ContractError) Error() string {
	return ErrContractError.Error() + ": " + e.Cause.Error()
}

func (e *ContractError) Unwrap() error {
	return e.Cause
}
