package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

// Header contains block metadata.
//
// Invariants (enforced by the verifier, not by the type itself):
// Height == previous block's Height + 1 for all non-genesis blocks;
// Timestamp strictly greater than the parent's; StateRoot equals the
// contracts-state monotree root after applying this block.
type Header struct {
	Version           uint32     `json:"version"`
	Previous          types.Hash `json:"previous"`
	Height            uint32     `json:"height"`
	Timestamp         uint64     `json:"timestamp"`
	Nonce             uint64     `json:"nonce"`
	MerkleRoot        types.Hash `json:"merkle_root"`
	StateRoot         types.Hash `json:"state_root"`
	ProducerSignature []byte     `json:"producer_signature,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded signature.
type headerJSON struct {
	Version           uint32     `json:"version"`
	Previous          types.Hash `json:"previous"`
	Height            uint32     `json:"height"`
	Timestamp         uint64     `json:"timestamp"`
	Nonce             uint64     `json:"nonce"`
	MerkleRoot        types.Hash `json:"merkle_root"`
	StateRoot         types.Hash `json:"state_root"`
	ProducerSignature string     `json:"producer_signature,omitempty"`
}

// MarshalJSON encodes the header with a hex-encoded producer signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:    h.Version,
		Previous:   h.Previous,
		Height:     h.Height,
		Timestamp:  h.Timestamp,
		Nonce:      h.Nonce,
		MerkleRoot: h.MerkleRoot,
		StateRoot:  h.StateRoot,
	}
	if h.ProducerSignature != nil {
		j.ProducerSignature = hex.EncodeToString(h.ProducerSignature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded producer signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Previous = j.Previous
	h.Height = j.Height
	h.Timestamp = j.Timestamp
	h.Nonce = j.Nonce
	h.MerkleRoot = j.MerkleRoot
	h.StateRoot = j.StateRoot
	if j.ProducerSignature != "" {
		b, err := hex.DecodeString(j.ProducerSignature)
		if err != nil {
			return err
		}
		h.ProducerSignature = b
	}
	return nil
}

// Hash computes the block header hash. Excludes ProducerSignature so the
// hash is stable for signing and is what PoW nonce search targets.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes hashed for PoW and signing.
// Format: version(4) | previous(32) | height(4) | timestamp(8) | nonce(8) |
// merkle_root(32) | state_root(32).
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 120)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.Previous[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	return buf
}
