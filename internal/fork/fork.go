// Package fork implements one candidate branch of the chain: its own
// overlay, its own PoW module clone, its pending proposals and their
// diffs, and a mempool of transactions known valid against it.
package fork

import (
	"errors"
	"fmt"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/types"
)

// ErrParentMismatch reports an attempt to extend a fork with a proposal
// whose declared parent is not the fork's current leaf.
var ErrParentMismatch = errors.New("fork: proposal parent does not match fork leaf")

// Fork holds one candidate branch extending the confirmed tip.
//
// Invariants: len(Proposals) == len(Diffs) == len(Difficulties);
// Diffs[i] applied to the overlay state just before Proposals[i] produces
// the state just after; Module accumulates exactly the difficulty
// entries for Proposals.
type Fork struct {
	RootHeight   uint32
	RootHash     types.Hash
	Overlay      *overlay.Overlay
	Module       *pow.Module
	Proposals    []*block.Block
	ProposalHashes []types.Hash
	Diffs        []overlay.Diff
	Difficulties []pow.BlockDifficulty
	Mempool      map[types.Hash]struct{}
}

// New creates a root fork off the confirmed tip identified by
// (rootHeight, rootHash), sharing the given base overlay and PoW module
// clone.
func New(rootHeight uint32, rootHash types.Hash, base *overlay.Overlay, module *pow.Module) *Fork {
	return &Fork{
		RootHeight: rootHeight,
		RootHash:   rootHash,
		Overlay:    base,
		Module:     module,
		Mempool:    make(map[types.Hash]struct{}),
	}
}

// FullClone deep-copies the fork, including a copy-on-write clone of its
// overlay (cheap until mutated — the clone's write set starts as a copy
// of the parent's but subsequent writes diverge independently) and a
// clone of its PoW module.
func (f *Fork) FullClone() *Fork {
	clone := &Fork{
		RootHeight:     f.RootHeight,
		RootHash:       f.RootHash,
		Overlay:        f.Overlay.Clone(),
		Module:         f.Module.Clone(),
		Proposals:      append([]*block.Block(nil), f.Proposals...),
		ProposalHashes: append([]types.Hash(nil), f.ProposalHashes...),
		Diffs:          append([]overlay.Diff(nil), f.Diffs...),
		Difficulties:   append([]pow.BlockDifficulty(nil), f.Difficulties...),
		Mempool:        make(map[types.Hash]struct{}, len(f.Mempool)),
	}
	for h := range f.Mempool {
		clone.Mempool[h] = struct{}{}
	}
	return clone
}

// LeafHeight returns the height of the fork's most recently extended
// block: the confirmed tip's height plus the number of proposals.
func (f *Fork) LeafHeight() uint32 {
	return f.RootHeight + uint32(len(f.Proposals))
}

// GetNextBlockHeight returns the height a new proposal extending this
// fork must carry.
func (f *Fork) GetNextBlockHeight() uint32 {
	return f.LeafHeight() + 1
}

// LeafHash returns the hash of the fork's current leaf: the last
// proposal's hash, or the root hash if the fork has no proposals yet.
func (f *Fork) LeafHash() types.Hash {
	if len(f.ProposalHashes) == 0 {
		return f.RootHash
	}
	return f.ProposalHashes[len(f.ProposalHashes)-1]
}

// Extend appends a verified proposal and its staged diff to the fork.
// Precondition: proposal.Header.Previous must equal the fork's current
// leaf hash; callers must have already verified the block against a
// clone of this fork's overlay and obtained diff/bd from that
// verification.
func (f *Fork) Extend(proposal *block.Block, diff overlay.Diff, bd pow.BlockDifficulty) error {
	if proposal.Header.Previous != f.LeafHash() {
		return fmt.Errorf("%w: leaf=%s proposal.previous=%s", ErrParentMismatch, f.LeafHash(), proposal.Header.Previous)
	}
	f.Proposals = append(f.Proposals, proposal)
	f.ProposalHashes = append(f.ProposalHashes, proposal.Hash())
	f.Diffs = append(f.Diffs, diff)
	f.Difficulties = append(f.Difficulties, bd)
	f.Module.Append(bd.Timestamp, bd.Difficulty)
	return nil
}

// CumulativeDifficulty returns the fork's total accumulated difficulty
// over its proposals, read from the last difficulty entry. A fork with no
// proposals returns the zero BlockDifficulty (nil fields); the confirmed
// root's cumulative value is not included.
func (f *Fork) CumulativeDifficulty() pow.BlockDifficulty {
	if len(f.Difficulties) == 0 {
		return pow.BlockDifficulty{}
	}
	return f.Difficulties[len(f.Difficulties)-1]
}

// MarkMempool records txHash as valid against this fork's overlay state.
func (f *Fork) MarkMempool(txHash types.Hash) {
	f.Mempool[txHash] = struct{}{}
}

// UnmarkMempool removes txHash, e.g. once it has been confirmed and no
// longer needs tracking as pending.
func (f *Fork) UnmarkMempool(txHash types.Hash) {
	delete(f.Mempool, txHash)
}

// HasMempoolTx reports whether txHash is known valid against this fork.
func (f *Fork) HasMempoolTx(txHash types.Hash) bool {
	_, ok := f.Mempool[txHash]
	return ok
}
