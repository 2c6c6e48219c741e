package tx

import (
	"fmt"

	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

// Builder constructs transactions incrementally. It exists for tests and
// for tooling that assembles transactions outside the wallet (which is
// out of scope here); it does not know how to produce ZK proofs, so
// callers must attach those with AddProof.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{}}
}

// AddCall appends a call to the transaction, returning its index for use
// as a ParentIndices entry in subsequent calls.
func (b *Builder) AddCall(contractID types.ContractID, functionCode uint16, data []byte, parents ...uint32) (int, *Builder) {
	b.tx.Calls = append(b.tx.Calls, Call{
		ContractID:    contractID,
		FunctionCode:  functionCode,
		Data:          data,
		ParentIndices: parents,
	})
	return len(b.tx.Calls) - 1, b
}

// AddProof attaches the ZK proof for the call at the given index. Proofs
// must be supplied for every call before the transaction validates.
func (b *Builder) AddProof(callIndex int, proof []byte) *Builder {
	for len(b.tx.Proofs) <= callIndex {
		b.tx.Proofs = append(b.tx.Proofs, nil)
	}
	b.tx.Proofs[callIndex] = proof
	return b
}

// Sign signs the transaction digest with the given key and appends the
// signature to the signature vector.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signatures = append(b.tx.Signatures, sig)
	return nil
}

// Build returns the constructed transaction. Does NOT validate; call
// tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
