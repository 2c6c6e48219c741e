// Package zk declares the external ZK-proof verification boundary. The
// prover and circuits themselves live outside this module; this package
// defines the wire shape a verifying key, proof, and public-input vector
// take, and the verifier function signature the block/tx verifier calls.
package zk

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ErrVerificationFailed reports a proof that did not verify against its
// public inputs and verifying key.
var ErrVerificationFailed = errors.New("zk: proof verification failed")

// PublicInputs is the vector of field elements a proof is checked
// against, in the representation a gnark-backed verifying key expects.
type PublicInputs []fr.Element

// VerifyingKey identifies which external key a proof must be checked
// against. The key material itself is opaque here (owned by the prover
// toolchain); this module only needs a stable identifier to pass to the
// external Verifier.
type VerifyingKey struct {
	ID   string
	Data []byte
}

// Proof is an opaque SNARK proof blob, deserialized from a transaction
// call's proof bytes.
type Proof []byte

// Verifier is the external verification collaborator: given a verifying
// key, a proof, and public inputs, report whether the proof is valid.
// Implementations wrap whatever proving system's verifier is selected
// (out of scope here); this interface is all the block/tx verifier
// depends on.
type Verifier interface {
	Verify(vk VerifyingKey, proof Proof, public PublicInputs) (bool, error)
}

// RejectAllVerifier always reports proofs as invalid. Useful as a safe
// default before a real verifier is wired in, and in tests that only
// exercise the non-proof-checking paths.
type RejectAllVerifier struct{}

func (RejectAllVerifier) Verify(VerifyingKey, Proof, PublicInputs) (bool, error) {
	return false, nil
}

// FieldElementsFromBytes decodes a flat byte slice into a public-input
// vector, reading one field element's canonical byte width at a time.
// Returns an error if the input is not a whole multiple of that width.
func FieldElementsFromBytes(data []byte) (PublicInputs, error) {
	var zero fr.Element
	width := len(zero.Bytes())
	if len(data)%width != 0 {
		return nil, fmt.Errorf("zk: public input bytes (%d) not a multiple of field element width (%d)", len(data), width)
	}
	out := make(PublicInputs, 0, len(data)/width)
	for i := 0; i < len(data); i += width {
		var e fr.Element
		e.SetBytes(data[i : i+width])
		out = append(out, e)
	}
	return out, nil
}

// VerifyAll runs verifier against every (vk, proof, public) triple,
// short-circuiting on the first failure. Returns ErrVerificationFailed
// (wrapped with the failing index) rather than a bare false so callers
// can distinguish "a proof failed" from "the verifier itself errored".
func VerifyAll(verifier Verifier, vks []VerifyingKey, proofs []Proof, publics []PublicInputs) error {
	if len(vks) != len(proofs) || len(proofs) != len(publics) {
		return fmt.Errorf("zk: mismatched verification vectors: %d vks, %d proofs, %d public-input sets", len(vks), len(proofs), len(publics))
	}
	for i := range proofs {
		ok, err := verifier.Verify(vks[i], proofs[i], publics[i])
		if err != nil {
			return fmt.Errorf("zk: verifier error at call %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("%w: call %d", ErrVerificationFailed, i)
		}
	}
	return nil
}
