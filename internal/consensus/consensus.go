// Package consensus implements the fork manager: the set of candidate
// forks extending the confirmed tip, the append lock serializing all
// state-mutating entry points, the composite ranking key, and the
// threshold-based promotion of a leading fork's excess proposals into
// the confirmed chain.
package consensus

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/veilchain/veil-core/internal/blockchain"
	"github.com/veilchain/veil-core/internal/fork"
	"github.com/veilchain/veil-core/internal/log"
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/verify"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/types"
)

// Consensus coordinates concurrent proposal arrivals, ranks forks, and
// promotes blocks into the confirmed chain. One process-wide append lock
// serializes AppendProposal, Confirmation, ResetToHeight,
// RebuildBlockDifficulties, and AddCheckpointBlocks.
type Consensus struct {
	ConfirmationThreshold uint64

	appendLock sync.Mutex
	forksMu    sync.RWMutex

	chain    *blockchain.Blockchain
	verifier *verify.Verifier
	module   *pow.Module // canonical confirmed module, advanced only at confirmation
	forks    []*fork.Fork
}

// New creates a Consensus rooted at the confirmed chain's current tip.
func New(threshold uint64, chain *blockchain.Blockchain, verifier *verify.Verifier, module *pow.Module) (*Consensus, error) {
	c := &Consensus{
		ConfirmationThreshold: threshold,
		chain:                 chain,
		verifier:              verifier,
		module:                module,
	}
	if err := c.seedRootFork(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consensus) seedRootFork() error {
	height, hash, err := c.chain.GetTip()
	if err != nil && err != blockchain.ErrNoTip {
		return err
	}
	root := fork.New(height, hash, overlay.New(c.chain.Base()), c.module.Clone())
	c.forks = []*fork.Fork{root}
	return nil
}

// Forks returns a read-only snapshot of the current fork set, for
// diagnostics and metrics. Callers must not mutate the returned forks.
func (c *Consensus) Forks() []*fork.Fork {
	c.forksMu.RLock()
	defer c.forksMu.RUnlock()
	out := make([]*fork.Fork, len(c.forks))
	copy(out, c.forks)
	return out
}

// AppendProposal verifies proposal against the fork whose leaf (or
// interior, for a new branch) it extends, and on success commits the
// resulting diff into that fork (never into the base store). Runs under
// the append lock.
func (c *Consensus) AppendProposal(proposal *block.Block, verifyFees bool) error {
	c.appendLock.Lock()
	defer c.appendLock.Unlock()

	c.forksMu.Lock()
	defer c.forksMu.Unlock()

	target, parentFork, branchFrom, err := c.resolveParent(proposal.Header.Previous)
	if err != nil {
		return err
	}

	working := target
	isNewBranch := target == nil
	if isNewBranch {
		branched, err := c.branchFork(parentFork, branchFrom)
		if err != nil {
			return err
		}
		working = branched
	}

	trial := working.FullClone()

	var parentBlock *block.Block
	if len(trial.Proposals) > 0 {
		parentBlock = trial.Proposals[len(trial.Proposals)-1]
	} else {
		parentBlock, err = c.chain.GetBlockByHash(trial.RootHash)
		if err != nil {
			return fmt.Errorf("consensus: load fork root block: %w", err)
		}
	}

	marker := trial.Overlay.Snapshot()
	prevDifficulty := trial.CumulativeDifficulty()
	bd, err := c.verifier.VerifyBlock(trial.Overlay, trial.Module, prevDifficulty, proposal, parentBlock, verifyFees)
	if err != nil {
		log.Consensus.Warn().Err(err).Msg("proposal rejected")
		return fmt.Errorf("%w: %v", ErrBlockIsInvalid, err)
	}

	diff := trial.Overlay.Diff(marker)
	if err := working.Extend(proposal, diff, bd); err != nil {
		return err
	}
	working.Overlay.ApplyDiff(diff)

	if isNewBranch {
		c.forks = append(c.forks, working)
	}
	return nil
}

// resolveParent finds the fork proposal.Previous extends. If it matches
// an existing fork's leaf exactly, it is returned as matchedFork and the
// caller extends it in place. Otherwise matchedFork is nil and the
// caller must branch: branchIdx is the index (within the returned
// fork's Proposals, inclusive) to replay, or -1 to branch at the fork's
// root before any proposals. Enforces the confirmation_threshold-1
// branch depth limit.
func (c *Consensus) resolveParent(previous types.Hash) (matchedFork *fork.Fork, _ *fork.Fork, branchIdx int, err error) {
	for _, f := range c.forks {
		if f.LeafHash() == previous {
			return f, nil, -1, nil
		}
	}

	for _, f := range c.forks {
		if f.RootHash == previous {
			depth := len(f.Proposals)
			if uint64(depth) > c.ConfirmationThreshold-1 {
				return nil, nil, 0, ErrForkDepthExceeded
			}
			return nil, f, -1, nil
		}
		for i, h := range f.ProposalHashes {
			if h != previous {
				continue
			}
			depth := len(f.Proposals) - (i + 1)
			if uint64(depth) > c.ConfirmationThreshold-1 {
				return nil, nil, 0, ErrForkDepthExceeded
			}
			return nil, f, i, nil
		}
	}

	return nil, nil, 0, ErrNoMatchingFork
}

// branchFork creates a new fork sharing parent's history up to and
// including proposal index upTo, replaying the corresponding diffs onto
// a fresh overlay over the confirmed base store.
func (c *Consensus) branchFork(parent *fork.Fork, upTo int) (*fork.Fork, error) {
	branch := fork.New(parent.RootHeight, parent.RootHash, overlay.New(c.chain.Base()), c.module.Clone())
	for i := 0; i <= upTo; i++ {
		if err := branch.Extend(parent.Proposals[i], parent.Diffs[i], parent.Difficulties[i]); err != nil {
			return nil, fmt.Errorf("consensus: replay branch history: %w", err)
		}
		branch.Overlay.ApplyDiff(parent.Diffs[i])
	}
	return branch, nil
}

// Confirmation scans forks for the leading one; if it is confirmable
// (≥ threshold+1 proposals and it strictly outranks every rival), its
// first "excess" proposals are applied to the confirmed chain and the fork
// set is replaced by a single fork rooted at the new tip that carries the
// leader's remaining, unconfirmed proposals; every other fork is dropped.
// Returns the promoted blocks, or ErrNoConfirmableFork.
func (c *Consensus) Confirmation() ([]*block.Block, error) {
	c.appendLock.Lock()
	defer c.appendLock.Unlock()

	c.forksMu.Lock()
	defer c.forksMu.Unlock()

	idx := leadingFork(c.forks)
	if idx < 0 {
		return nil, ErrNoConfirmableFork
	}
	leader := c.forks[idx]

	threshold := c.ConfirmationThreshold
	if uint64(len(leader.Proposals)) < threshold+1 {
		return nil, ErrNoConfirmableFork
	}
	for i, f := range c.forks {
		if i == idx {
			continue
		}
		if !outranks(leader, f) {
			return nil, ErrNoConfirmableFork
		}
	}

	excess := int(uint64(len(leader.Proposals)) - threshold)
	promoted := make([]*block.Block, 0, excess)
	confirmedHashes := make([]types.Hash, 0, excess)

	for i := 0; i < excess; i++ {
		height := leader.RootHeight + uint32(i) + 1
		if c.chain.HasBlock(leader.ProposalHashes[i]) {
			return nil, fmt.Errorf("%w: height %d", ErrHeightAlreadyConfirmed, height)
		}

		blk := leader.Proposals[i]
		diff := leader.Diffs[i]
		bd := leader.Difficulties[i]

		ov := overlay.New(c.chain.Base())
		inverse, err := ov.Inverse(diff)
		if err != nil {
			return nil, fmt.Errorf("consensus: compute inverse diff: %w", err)
		}
		if err := c.chain.PutInverseDiff(height, inverse); err != nil {
			return nil, fmt.Errorf("consensus: persist inverse diff: %w", err)
		}

		ov.ApplyDiff(diff)
		if err := c.module.AppendDifficulty(ov, bd); err != nil {
			return nil, fmt.Errorf("consensus: advance pow module: %w", err)
		}
		if err := ov.Apply(); err != nil {
			return nil, fmt.Errorf("consensus: commit confirmed diff: %w", err)
		}

		if err := c.chain.PutBlock(height, blk); err != nil {
			return nil, fmt.Errorf("consensus: persist confirmed block: %w", err)
		}
		if err := c.chain.SetTip(height, leader.ProposalHashes[i]); err != nil {
			return nil, fmt.Errorf("consensus: set tip: %w", err)
		}
		if err := c.chain.PutCumulativeDifficulty(c.module.CumulativeDifficulty()); err != nil {
			return nil, fmt.Errorf("consensus: persist cumulative difficulty: %w", err)
		}

		for _, t := range blk.Transactions {
			txHash := t.Hash()
			if err := c.chain.MarkTxConfirmed(txHash, height); err != nil {
				return nil, fmt.Errorf("consensus: mark tx confirmed: %w", err)
			}
			_ = c.chain.DeletePendingTx(txHash)
		}

		promoted = append(promoted, blk)
		confirmedHashes = append(confirmedHashes, leader.ProposalHashes[i])

		log.Consensus.Info().Uint32("height", height).Str("hash", leader.ProposalHashes[i].String()).Msg("block confirmed")
	}

	newTipHeight := leader.RootHeight + uint32(excess)
	newTipHash := confirmedHashes[len(confirmedHashes)-1]
	c.resetForksLocked(newTipHeight, newTipHash)

	// Carry the leader's unconfirmed proposals over onto the fork rooted at
	// the new tip.
	root := c.forks[0]
	for i := excess; i < len(leader.Proposals); i++ {
		if err := root.Extend(leader.Proposals[i], leader.Diffs[i], leader.Difficulties[i]); err != nil {
			return nil, fmt.Errorf("consensus: carry over unconfirmed proposal: %w", err)
		}
		root.Overlay.ApplyDiff(leader.Diffs[i])
	}

	return promoted, nil
}

// ResetForks drops all forks (along with every fork-local mempool) and
// reseeds a single empty fork at the new confirmed tip. It acquires the
// append lock itself, so the caller must not already hold it;
// Confirmation uses the unexported resetForksLocked instead. Exported for
// callers resetting forks outside a confirmation (e.g. after
// add_checkpoint_blocks or reset_to_height).
func (c *Consensus) ResetForks(tipHeight uint32, tipHash types.Hash) {
	c.appendLock.Lock()
	defer c.appendLock.Unlock()
	c.forksMu.Lock()
	defer c.forksMu.Unlock()
	c.resetForksLocked(tipHeight, tipHash)
}

func (c *Consensus) resetForksLocked(tipHeight uint32, tipHash types.Hash) {
	root := fork.New(tipHeight, tipHash, overlay.New(c.chain.Base()), c.module.Clone())
	c.forks = []*fork.Fork{root}
}

// PurgeForks drops all forks without reseeding from the confirmed tip
// recorded in the chain store; used on manual reset before a rebuild.
func (c *Consensus) PurgeForks() {
	c.appendLock.Lock()
	defer c.appendLock.Unlock()
	c.forksMu.Lock()
	defer c.forksMu.Unlock()
	c.forks = nil
}

// ResetPoWModule rebuilds the canonical module from the persisted
// difficulty table, replacing the in-memory window and cumulative state.
// Used after a reset_to_height or at startup recovery. The scratch
// overlay AppendDifficulty writes into is discarded: the difficulty
// records already exist in the base store, so nothing needs committing.
func (c *Consensus) ResetPoWModule(fromHeight, toHeight uint32, targetSeconds uint32, fixedDifficulty *big.Int) error {
	rebuilt := pow.New(targetSeconds, fixedDifficulty, pow.DefaultWindowSize)
	scratch := overlay.New(c.chain.Base())
	for h := fromHeight; h <= toHeight; h++ {
		bd, err := c.chain.GetDifficulty(h)
		if err != nil {
			return fmt.Errorf("consensus: load difficulty at height %d: %w", h, err)
		}
		if err := rebuilt.AppendDifficulty(scratch, bd); err != nil {
			return fmt.Errorf("consensus: rebuild difficulty at height %d: %w", h, err)
		}
	}
	scratch.PurgeNewTrees()

	c.forksMu.Lock()
	c.module = rebuilt
	c.forksMu.Unlock()
	return nil
}

// Module returns the canonical confirmed PoW module.
func (c *Consensus) Module() *pow.Module {
	c.forksMu.RLock()
	defer c.forksMu.RUnlock()
	return c.module
}

// LeadingFork returns the fork that currently outranks every other fork
// under the composite key, or false if there are no forks at all (never
// true in steady state — a fresh Consensus always seeds one root fork).
// Used by the validator façade's calculate_fee, which prices a
// transaction against the chain's best current view of the world.
func (c *Consensus) LeadingFork() (*fork.Fork, bool) {
	c.forksMu.RLock()
	defer c.forksMu.RUnlock()
	idx := leadingFork(c.forks)
	if idx < 0 {
		return nil, false
	}
	return c.forks[idx], true
}

// TrialVerifyTx runs verify against a clone of every current fork's
// overlay and marks hash in the mempool of every fork it succeeds
// against, used by the validator façade's AppendTx. This takes the
// fork-set write lock rather than a read lock, because marking a fork's
// mempool mutates state that AppendProposal and Confirmation also touch;
// holding the write lock for the whole scan is the simplest way to rule
// out a concurrent map write on Fork.Mempool.
func (c *Consensus) TrialVerifyTx(hash types.Hash, verify func(ov *overlay.Overlay) error) (matched int, lastErr error) {
	c.forksMu.Lock()
	defer c.forksMu.Unlock()
	for _, f := range c.forks {
		trial := f.Overlay.Clone()
		if err := verify(trial); err != nil {
			lastErr = err
			continue
		}
		f.MarkMempool(hash)
		matched++
	}
	return matched, lastErr
}
