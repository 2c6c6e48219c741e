package verify

import (
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/crypto"
	"github.com/veilchain/veil-core/pkg/types"
)

// contractStatePrefix is the storage namespace contract runtimes write
// into (contracts.state.<cid>); the monotree root is computed over
// everything under it.
var contractStatePrefix = []byte("cs")

// computeStateRoot folds every contract-state key/value pair currently
// visible through ov into a single root, reusing the block package's
// pairwise merkle fold over per-entry leaf hashes. Deterministic in key
// order (ForEach walks lexicographically), so any two validators applying
// the same block's diffs compute the same root.
func computeStateRoot(ov *overlay.Overlay) (types.Hash, error) {
	var leaves []types.Hash
	err := ov.ForEach(contractStatePrefix, func(key, value []byte) error {
		buf := make([]byte, 0, len(key)+len(value))
		buf = append(buf, key...)
		buf = append(buf, value...)
		leaves = append(leaves, crypto.Hash(buf))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return block.ComputeMerkleRoot(leaves), nil
}
