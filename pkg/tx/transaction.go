// Package tx defines the transaction and call-DAG types and their
// structural validation. A transaction is an opaque bundle of
// zero-knowledge contract calls: this package never interprets call data,
// it only enforces the shape invariants needed before the verifier can
// hand calls to the contract runtime.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

// Call is one node of the intra-transaction call DAG.
type Call struct {
	ContractID types.ContractID `json:"contract_id"`
	// FunctionCode selects the entry point within the contract; the
	// runtime, not this package, interprets it.
	FunctionCode uint16 `json:"function_code"`
	// Data is opaque call data handed to the contract runtime verbatim.
	Data []byte `json:"data"`
	// ParentIndices names the calls within the same transaction that this
	// call depends on. Every index must be strictly less than this call's
	// own index, which both makes the DAG trivially acyclic and fixes
	// Calls' slice order as a valid topological order.
	ParentIndices []uint32 `json:"parent_indices"`
}

// callJSON hex-encodes Data for readability.
type callJSON struct {
	ContractID    types.ContractID `json:"contract_id"`
	FunctionCode  uint16           `json:"function_code"`
	Data          string           `json:"data"`
	ParentIndices []uint32         `json:"parent_indices"`
}

func (c Call) MarshalJSON() ([]byte, error) {
	return json.Marshal(callJSON{
		ContractID:    c.ContractID,
		FunctionCode:  c.FunctionCode,
		Data:          hex.EncodeToString(c.Data),
		ParentIndices: c.ParentIndices,
	})
}

func (c *Call) UnmarshalJSON(data []byte) error {
	var j callJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	b, err := hex.DecodeString(j.Data)
	if err != nil {
		return err
	}
	c.ContractID = j.ContractID
	c.FunctionCode = j.FunctionCode
	c.Data = b
	c.ParentIndices = j.ParentIndices
	return nil
}

// Transaction is an ordered sequence of calls plus a parallel sequence of
// ZK proofs (one per call) and signatures over the transaction digest.
// The last call is, by convention, the fee call: it has no children and
// its declared fee is checked against the verifier's gas-derived
// required fee.
type Transaction struct {
	Calls      []Call   `json:"calls"`
	Proofs     [][]byte `json:"proofs"`
	Signatures [][]byte `json:"signatures"`
}

type txJSON struct {
	Calls      []Call   `json:"calls"`
	Proofs     []string `json:"proofs"`
	Signatures []string `json:"signatures"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	j := txJSON{Calls: t.Calls}
	for _, p := range t.Proofs {
		j.Proofs = append(j.Proofs, hex.EncodeToString(p))
	}
	for _, s := range t.Signatures {
		j.Signatures = append(j.Signatures, hex.EncodeToString(s))
	}
	return json.Marshal(j)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.Calls = j.Calls
	t.Proofs = nil
	for _, p := range j.Proofs {
		b, err := hex.DecodeString(p)
		if err != nil {
			return err
		}
		t.Proofs = append(t.Proofs, b)
	}
	t.Signatures = nil
	for _, s := range j.Signatures {
		b, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		t.Signatures = append(t.Signatures, b)
	}
	return nil
}

// Structural validation errors.
var (
	ErrNoCalls            = errors.New("transaction has no calls")
	ErrProofCountMismatch = errors.New("proof count does not match call count")
	ErrNoSignatures       = errors.New("transaction has no signatures")
	ErrCallDAGNotAcyclic  = errors.New("call parent index does not precede the call")
)

// FeeCallIndex returns the index of the fee call: the last call.
func (t *Transaction) FeeCallIndex() int {
	return len(t.Calls) - 1
}

// Hash computes the transaction ID: BLAKE3 over the canonical signing
// bytes. Signatures are excluded so the hash is stable across signing.
func (t *Transaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical digest input: len(calls), calls[],
// len(proofs), proofs[]. Signatures are deliberately excluded so the
// digest a signer signs, and the transaction hash derived from it, never
// change as signatures are attached — a transaction's identity is fixed
// the moment its calls and proofs are fixed.
// Per-call layout: contract_id(32) | function_code(2) | len(data)(4) |
// data | len(parent_indices)(4) | parent_indices[](4 each).
func (t *Transaction) SigningBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Calls)))
	for _, c := range t.Calls {
		buf = append(buf, c.ContractID[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, c.FunctionCode)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Data)))
		buf = append(buf, c.Data...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.ParentIndices)))
		for _, p := range c.ParentIndices {
			buf = binary.LittleEndian.AppendUint32(buf, p)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Proofs)))
	for _, p := range t.Proofs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}

	return buf
}

// Validate checks the transaction's structural shape: at least one call,
// one proof per call, at least one signature, and an acyclic call DAG
// (every parent index must reference an earlier call, which also fixes
// Calls' slice order as a valid topological order rooted at call 0 and
// terminating at the fee call).
func (t *Transaction) Validate() error {
	if len(t.Calls) == 0 {
		return ErrNoCalls
	}
	if len(t.Proofs) != len(t.Calls) {
		return fmt.Errorf("%w: %d calls, %d proofs", ErrProofCountMismatch, len(t.Calls), len(t.Proofs))
	}
	if len(t.Signatures) == 0 {
		return ErrNoSignatures
	}
	for i, c := range t.Calls {
		for _, p := range c.ParentIndices {
			if int(p) >= i {
				return fmt.Errorf("%w: call %d references parent %d", ErrCallDAGNotAcyclic, i, p)
			}
		}
	}
	return nil
}
