package verify

import (
	"math/big"
	"testing"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/contractrt"
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/storage"
	"github.com/veilchain/veil-core/internal/zk"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// noopRuntime is a stub contract runtime: every call succeeds with the
// stub's fixed gas cost and no writes, so tests can exercise the verifier's orchestration
// without a real wasm engine.
type noopRuntime struct {
	gas uint64
}

func (r noopRuntime) Exec(c tx.Call, ov *overlay.Overlay) (contractrt.Result, error) {
	return contractrt.Result{Gas: r.gas}, nil
}

func (r noopRuntime) VerifyingKeys() map[uint16]zk.VerifyingKey {
	return map[uint16]zk.VerifyingKey{0: {ID: "noop"}}
}

type acceptAllZK struct{}

func (acceptAllZK) Verify(zk.VerifyingKey, zk.Proof, zk.PublicInputs) (bool, error) {
	return true, nil
}

func newTestVerifier(t *testing.T) (*Verifier, types.ContractID) {
	t.Helper()
	var cid types.ContractID
	cid[0] = 1
	reg := contractrt.NewRegistry()
	if err := reg.Register(cid, noopRuntime{gas: 10}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	reg.Seal()
	return New(reg, acceptAllZK{}, config.FeePolicy{BaseFee: 1, GasPrice: 1}), cid
}

func signedTx(t *testing.T, cid types.ContractID) *tx.Transaction {
	t.Helper()
	return signedTxWithAmount(t, cid, 1000)
}

// producerTx builds a reward-collection transaction whose declared amount
// matches RewardSchedule, the shape VerifyBlock expects for a block's
// first transaction.
func producerTx(t *testing.T, cid types.ContractID, height uint32) *tx.Transaction {
	t.Helper()
	return signedTxWithAmount(t, cid, RewardSchedule(height))
}

func signedTxWithAmount(t *testing.T, cid types.ContractID, amount uint64) *tx.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	data := make([]byte, 8)
	for i := 0; i < 8; i++ {
		data[i] = byte(amount >> (8 * i))
	}
	b := tx.NewBuilder()
	_, b = b.AddCall(cid, 0, data)
	b.AddProof(0, []byte("proof"))
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	built := b.Build()
	// Append the raw signature's public key so verifySignatures can
	// recover it (the Schnorr verifier here expects sig||pubkey).
	sig := built.Signatures[0]
	built.Signatures[0] = append(sig, key.PublicKey()...)
	return built
}

func testBlock(t *testing.T, height uint32, previous types.Hash, timestamp uint64, nonce uint64, cid types.ContractID) *block.Block {
	t.Helper()
	return testBlockWithUserTxs(t, height, previous, timestamp, nonce, cid, 0)
}

func testBlockWithUserTxs(t *testing.T, height uint32, previous types.Hash, timestamp uint64, nonce uint64, cid types.ContractID, numUserTxs int) *block.Block {
	t.Helper()
	producer := producerTx(t, cid, height)
	txs := []*tx.Transaction{producer}
	for i := 0; i < numUserTxs; i++ {
		txs = append(txs, signedTx(t, cid))
	}
	hashes := make([]types.Hash, len(txs))
	for i, tr := range txs {
		hashes[i] = tr.Hash()
	}
	h := &block.Header{
		Version:    block.CurrentVersion,
		Previous:   previous,
		Height:     height,
		Timestamp:  timestamp,
		Nonce:      nonce,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
	}
	return block.NewBlock(h, txs)
}

// TestVerifyBlock_InvalidNonce checks that a block whose header hash
// exceeds the current target is rejected with no fork/overlay mutation.
func TestVerifyBlock_InvalidNonce(t *testing.T) {
	v, cid := newTestVerifier(t)

	genesis := testBlock(t, 0, types.Hash{}, 1000, 0, cid)
	candidate := testBlock(t, 1, genesis.Hash(), 1001, 0, cid)

	// An astronomically high fixed difficulty makes virtually every
	// candidate hash exceed the target, deterministically triggering
	// InvalidNonce without a mining search.
	hugeDifficulty := new(big.Int).Lsh(big.NewInt(1), 250)
	module := pow.New(90, hugeDifficulty, 0)

	base := storage.NewMemory()
	ov := overlay.New(base)

	mark := ov.Snapshot()
	_, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true)
	if err == nil {
		t.Fatal("expected InvalidNonce rejection, got nil error")
	}
	if len(ov.Diff(mark).Writes) != 0 {
		t.Error("overlay must be left clean after a rejected block")
	}
}

func TestVerifyBlock_Accept(t *testing.T) {
	v, cid := newTestVerifier(t)

	genesis := testBlockWithUserTxs(t, 0, types.Hash{}, 1000, 0, cid, 0)
	candidate := testBlockWithUserTxs(t, 1, genesis.Hash(), 1001, 0, cid, 1)

	// difficulty 1 -> target is maxHash, every hash satisfies PoW.
	module := pow.New(90, big.NewInt(1), 0)

	base := storage.NewMemory()
	ov := overlay.New(base)

	bd, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true)
	if err != nil {
		t.Fatalf("VerifyBlock() error: %v", err)
	}
	if bd.Height != 1 {
		t.Errorf("BlockDifficulty.Height = %d, want 1", bd.Height)
	}
	if bd.CumulativeDifficulty.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("CumulativeDifficulty = %s, want 1", bd.CumulativeDifficulty)
	}
}

func TestVerifyBlock_BadHeightLinkage(t *testing.T) {
	v, cid := newTestVerifier(t)
	genesis := testBlock(t, 0, types.Hash{}, 1000, 0, cid)
	candidate := testBlock(t, 5, genesis.Hash(), 1001, 0, cid) // wrong height

	module := pow.New(90, big.NewInt(1), 0)
	base := storage.NewMemory()
	ov := overlay.New(base)

	if _, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true); err != ErrBadHeightLinkage {
		t.Errorf("error = %v, want ErrBadHeightLinkage", err)
	}
}

func TestVerifyBlock_InsufficientFee(t *testing.T) {
	v, cid := newTestVerifier(t)
	v.Fees = config.FeePolicy{BaseFee: 1_000_000, GasPrice: 1} // required fee far exceeds declared 1000

	genesis := testBlockWithUserTxs(t, 0, types.Hash{}, 1000, 0, cid, 0)
	candidate := testBlockWithUserTxs(t, 1, genesis.Hash(), 1001, 0, cid, 1)

	module := pow.New(90, big.NewInt(1), 0)
	base := storage.NewMemory()
	ov := overlay.New(base)

	_, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true)
	if err == nil {
		t.Fatal("expected verification failure for insufficient fee")
	}
}

func TestVerifyBlock_StateRootMismatch(t *testing.T) {
	v, cid := newTestVerifier(t)

	genesis := testBlockWithUserTxs(t, 0, types.Hash{}, 1000, 0, cid, 0)
	candidate := testBlockWithUserTxs(t, 1, genesis.Hash(), 1001, 0, cid, 0)
	candidate.Header.StateRoot[0] = 0xFF // the runtime in this test stages no writes, so the true root is zero

	module := pow.New(90, big.NewInt(1), 0)
	base := storage.NewMemory()
	ov := overlay.New(base)

	mark := ov.Snapshot()
	_, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true)
	if err != ErrStateRootMismatch {
		t.Errorf("error = %v, want ErrStateRootMismatch", err)
	}
	if len(ov.Diff(mark).Writes) != 0 {
		t.Error("overlay must be left clean after a rejected block")
	}
}

func TestVerifyBlock_BadProducerReward(t *testing.T) {
	v, cid := newTestVerifier(t)

	genesis := testBlockWithUserTxs(t, 0, types.Hash{}, 1000, 0, cid, 0)
	// Build a block whose producer tx under-declares its reward.
	badProducer := signedTxWithAmount(t, cid, 1)
	hashes := []types.Hash{badProducer.Hash()}
	h := &block.Header{
		Version:    block.CurrentVersion,
		Previous:   genesis.Hash(),
		Height:     1,
		Timestamp:  1001,
		Nonce:      0,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
	}
	candidate := block.NewBlock(h, []*tx.Transaction{badProducer})

	module := pow.New(90, big.NewInt(1), 0)
	base := storage.NewMemory()
	ov := overlay.New(base)

	_, err := v.VerifyBlock(ov, module, pow.BlockDifficulty{}, candidate, genesis, true)
	if err == nil {
		t.Fatal("expected verification failure for bad producer reward")
	}
}
