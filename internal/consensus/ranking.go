package consensus

import (
	"math/big"

	"github.com/veilchain/veil-core/internal/fork"
)

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// outranks reports whether a strictly outranks b under the composite key:
// largest cumulative difficulty, then smallest targets rank, then
// smallest hashes rank, then lexicographically smallest leaf hash (the
// unconditional final tiebreak).
func outranks(a, b *fork.Fork) bool {
	ad, bd := a.CumulativeDifficulty(), b.CumulativeDifficulty()

	aCum := zeroIfNil(ad.CumulativeDifficulty)
	bCum := zeroIfNil(bd.CumulativeDifficulty)
	if cmp := aCum.Cmp(bCum); cmp != 0 {
		return cmp > 0
	}

	aTargets := zeroIfNil(ad.Ranks.TargetsRank)
	bTargets := zeroIfNil(bd.Ranks.TargetsRank)
	if cmp := aTargets.Cmp(bTargets); cmp != 0 {
		return cmp < 0
	}

	aHashes := zeroIfNil(ad.Ranks.HashesRank)
	bHashes := zeroIfNil(bd.Ranks.HashesRank)
	if cmp := aHashes.Cmp(bHashes); cmp != 0 {
		return cmp < 0
	}

	return a.LeafHash().Less(b.LeafHash())
}

// leadingFork returns the index of the fork that outranks every other
// fork under the composite key, or -1 if forks is empty. Ties beyond the
// final tiebreak cannot occur since Hash.Less is a strict total order and
// no two distinct forks share a leaf hash.
func leadingFork(forks []*fork.Fork) int {
	if len(forks) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(forks); i++ {
		if outranks(forks[i], forks[best]) {
			best = i
		}
	}
	return best
}
