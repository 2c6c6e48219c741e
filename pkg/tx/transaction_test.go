package tx

import (
	"testing"

	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

func feeOnlyTx() *Transaction {
	return &Transaction{
		Calls:      []Call{{ContractID: types.Hash{0x01}, FunctionCode: 1, Data: []byte("fee")}},
		Proofs:     [][]byte{[]byte("proof0")},
		Signatures: [][]byte{[]byte("sig0")},
	}
}

func TestTransaction_Hash_Deterministic(t *testing.T) {
	txn := feeOnlyTx()
	h1 := txn.Hash()
	h2 := txn.Hash()
	if h1 != h2 {
		t.Error("Hash() should be deterministic")
	}
	if h1.IsZero() {
		t.Error("Hash() should not be zero")
	}
}

func TestTransaction_Hash_ChangesWithContent(t *testing.T) {
	t1 := feeOnlyTx()
	t2 := feeOnlyTx()
	t2.Calls[0].Data = []byte("different")

	if t1.Hash() == t2.Hash() {
		t.Error("different transactions should have different hashes")
	}
}

func TestTransaction_Hash_StableAcrossSigning(t *testing.T) {
	txn := feeOnlyTx()
	h1 := txn.Hash()

	txn.Signatures[0] = []byte("a totally different signature")
	txn.Signatures = append(txn.Signatures, []byte("a second signature"))
	h2 := txn.Hash()
	if h1 != h2 {
		t.Error("Hash() must stay stable as signatures are attached or changed, so a signer always signs the transaction's final identity")
	}
}

func TestTransaction_Validate_NoCalls(t *testing.T) {
	txn := &Transaction{}
	if err := txn.Validate(); err == nil {
		t.Fatal("expected error for empty call list")
	}
}

func TestTransaction_Validate_ProofCountMismatch(t *testing.T) {
	txn := feeOnlyTx()
	txn.Proofs = nil
	if err := txn.Validate(); err == nil {
		t.Fatal("expected proof count mismatch error")
	}
}

func TestTransaction_Validate_NoSignatures(t *testing.T) {
	txn := feeOnlyTx()
	txn.Signatures = nil
	if err := txn.Validate(); err == nil {
		t.Fatal("expected no-signatures error")
	}
}

func TestTransaction_Validate_DAGMustReferenceEarlierCalls(t *testing.T) {
	txn := &Transaction{
		Calls: []Call{
			{ContractID: types.Hash{0x01}, ParentIndices: []uint32{1}}, // forward reference
			{ContractID: types.Hash{0x02}},
		},
		Proofs:     [][]byte{[]byte("p0"), []byte("p1")},
		Signatures: [][]byte{[]byte("s0")},
	}
	if err := txn.Validate(); err == nil {
		t.Fatal("expected acyclic-DAG violation")
	}
}

func TestTransaction_Validate_ValidDAG(t *testing.T) {
	txn := &Transaction{
		Calls: []Call{
			{ContractID: types.Hash{0x01}},
			{ContractID: types.Hash{0x02}, ParentIndices: []uint32{0}},
			{ContractID: types.Hash{0x03}, ParentIndices: []uint32{0, 1}}, // fee call
		},
		Proofs:     [][]byte{[]byte("p0"), []byte("p1"), []byte("p2")},
		Signatures: [][]byte{[]byte("s0")},
	}
	if err := txn.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if txn.FeeCallIndex() != 2 {
		t.Errorf("FeeCallIndex() = %d, want 2", txn.FeeCallIndex())
	}
}

func TestBuilder_BuildAndSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	b := NewBuilder()
	idx, b := b.AddCall(types.Hash{0xAA}, 7, []byte("payload"))
	b = b.AddProof(idx, []byte("proof"))
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	transaction := b.Build()
	if err := transaction.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
	if !crypto.VerifySignature(func() []byte { h := transaction.Hash(); return h[:] }(), transaction.Signatures[0], key.PublicKey()) {
		t.Error("signature should verify against the transaction digest")
	}
}
