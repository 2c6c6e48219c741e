// Package blockchain persists the confirmed chain: blocks by height and
// hash, the difficulty table, inverse diffs for rewind, and the pending/
// confirmed transaction indices.
package blockchain

import "encoding/binary"

// Key prefixes, two ASCII bytes each.
const (
	prefixBlockByHeight = "bh"
	prefixBlockByHash   = "bb"
	prefixInverseDiff   = "bi"
	prefixTxConfirmed   = "tc"
	prefixTxPending     = "tp"
	prefixTxHistory     = "th"
)

const (
	keyTip      = "s/tip"
	keyCumDiff  = "s/cumdiff"
)

func heightKey(prefix string, height uint32) []byte {
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], height)
	return key
}

func hashKey(prefix string, hash [32]byte) []byte {
	key := make([]byte, len(prefix)+32)
	copy(key, prefix)
	copy(key[len(prefix):], hash[:])
	return key
}

func blockByHeightKey(height uint32) []byte { return heightKey(prefixBlockByHeight, height) }
func blockByHashKey(hash [32]byte) []byte   { return hashKey(prefixBlockByHash, hash) }
func inverseDiffKey(height uint32) []byte   { return heightKey(prefixInverseDiff, height) }
func txConfirmedKey(hash [32]byte) []byte   { return hashKey(prefixTxConfirmed, hash) }
func txPendingKey(hash [32]byte) []byte     { return hashKey(prefixTxPending, hash) }
func txHistoryKey(hash [32]byte) []byte     { return hashKey(prefixTxHistory, hash) }
