// Package validator implements the top-level façade: the single entry
// point embedding and coordinating the fork manager (internal/consensus),
// the block/tx verifier (internal/verify), and the confirmed-chain store
// (internal/blockchain) behind one set of admin and submission operations.
package validator

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/blockchain"
	"github.com/veilchain/veil-core/internal/consensus"
	"github.com/veilchain/veil-core/internal/log"
	"github.com/veilchain/veil-core/internal/metrics"
	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/storage"
	"github.com/veilchain/veil-core/internal/verify"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// Validator is the validator core's public façade: every external caller
// (RPC handlers, the CLI, a miner loop) drives the chain through these
// methods and never touches Consensus, the Verifier, or the Blockchain
// store directly.
//
// AppendProposal and Confirmation delegate straight to Consensus methods
// that serialize themselves under its append lock; AppendTx and
// CalculateFee go through Consensus.TrialVerifyTx and
// Consensus.LeadingFork, which take only its fork-set lock. The rarer
// admin operations below — checkpoint
// ingestion, rewind, and difficulty-table rebuild — additionally take
// adminLock so two of them can never interleave; they do not need to
// exclude AppendProposal/Confirmation beyond what Consensus's own lock
// already guarantees, since each admin operation's Consensus calls
// (PurgeForks, ResetForks, ResetPoWModule) already take forksMu
// internally.
type Validator struct {
	chain     *blockchain.Blockchain
	consensus *consensus.Consensus
	verifier  *verify.Verifier
	cfg       config.ValidatorConfig

	adminLock sync.Mutex
}

// New creates a Validator wired to an already-constructed chain store,
// consensus fork manager, and verifier, governed by cfg.
func New(chain *blockchain.Blockchain, cons *consensus.Consensus, verifier *verify.Verifier, cfg config.ValidatorConfig) *Validator {
	return &Validator{chain: chain, consensus: cons, verifier: verifier, cfg: cfg}
}

// AppendTx trial-verifies t against every current fork's state and, if it
// succeeds against at least one, marks it in the mempool of every fork it
// validated against. When write is true it also persists t to the pending
// store; when write is false the call is a dry run — it reports exactly
// the same accept/reject result but leaves the pending store untouched, so
// a caller can ask "would this be accepted" without committing it.
// Rejects duplicates already confirmed or already pending (ErrAlreadySeenTx,
// reused from internal/verify so the taxonomy has one entry for "seen
// this tx before" regardless of which layer notices).
func (v *Validator) AppendTx(t *tx.Transaction, write bool) error {
	hash := t.Hash()
	if v.chain.IsTxConfirmed(hash) || v.chain.IsTxPending(hash) {
		return verify.ErrAlreadySeenTx
	}

	matched, lastErr := v.consensus.TrialVerifyTx(hash, func(ov *overlay.Overlay) error {
		_, err := v.verifier.VerifyTx(ov, t, v.cfg.VerifyFees)
		return err
	})
	if matched == 0 {
		log.Validator.Warn().Err(lastErr).Str("tx", hash.String()).Msg("tx rejected by every fork")
		metrics.RejectTotal.WithLabelValues("tx").Inc()
		return fmt.Errorf("%w: %v", ErrTxRejectedByAllForks, lastErr)
	}

	if !write {
		return nil
	}

	if err := v.chain.PutPendingTx(t); err != nil {
		return fmt.Errorf("validator: persist pending tx: %w", err)
	}
	metrics.MempoolSize.Inc()
	return nil
}

// PurgePendingTxs re-checks every transaction in the pending store against
// the current fork set and drops the ones that no longer validate against
// any fork — e.g. because a confirmed block since spent a dependency they
// relied on. Returns the hashes removed.
func (v *Validator) PurgePendingTxs() ([]types.Hash, error) {
	var purged []types.Hash

	err := v.chain.ForEachPendingTx(func(t *tx.Transaction) error {
		hash := t.Hash()
		matched, _ := v.consensus.TrialVerifyTx(hash, func(ov *overlay.Overlay) error {
			_, err := v.verifier.VerifyTx(ov, t, v.cfg.VerifyFees)
			return err
		})
		if matched == 0 {
			purged = append(purged, hash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validator: scan pending txs: %w", err)
	}

	for _, hash := range purged {
		if err := v.chain.DeletePendingTx(hash); err != nil {
			return nil, fmt.Errorf("validator: delete purged tx: %w", err)
		}
		metrics.MempoolSize.Dec()
		log.Validator.Info().Str("tx", hash.String()).Msg("pending tx purged")
	}
	return purged, nil
}

// AppendProposal verifies and stages a candidate block against the fork
// it extends. See Consensus.AppendProposal.
func (v *Validator) AppendProposal(proposal *block.Block) error {
	err := v.consensus.AppendProposal(proposal, v.cfg.VerifyFees)
	if err != nil {
		metrics.RejectTotal.WithLabelValues("block").Inc()
		return err
	}
	metrics.ForksActive.Set(float64(len(v.consensus.Forks())))
	if diff, err := v.consensus.Module().NextDifficulty(); err == nil {
		f, _ := new(big.Float).SetInt(diff).Float64()
		metrics.PoWDifficulty.Set(f)
	}
	return nil
}

// Confirmation promotes the leading fork's excess proposals into the
// confirmed chain, if one fork currently qualifies. See
// Consensus.Confirmation.
func (v *Validator) Confirmation() ([]*block.Block, error) {
	promoted, err := v.consensus.Confirmation()
	if err != nil {
		return nil, err
	}
	metrics.ConfirmationsTotal.Add(float64(len(promoted)))
	metrics.ForksActive.Set(float64(len(v.consensus.Forks())))
	return promoted, nil
}

// CalculateFee trial-executes t against the leading fork's current state
// and returns the minimum fee its gas consumption requires, without
// checking t's declared fee against that minimum (verifyFees=false: the
// caller is asking what the fee should be, not whether one already
// declared is enough).
func (v *Validator) CalculateFee(t *tx.Transaction) (uint64, error) {
	leader, ok := v.consensus.LeadingFork()
	if !ok {
		return 0, ErrNoForks
	}
	trial := leader.Overlay.Clone()
	totalGas, err := v.verifier.VerifyTx(trial, t, false)
	if err != nil {
		return 0, err
	}
	return v.cfg.Fees.ComputeFee(totalGas), nil
}

// BestForkNextBlockHeight returns the height a new proposal extending the
// current leading fork must carry — the height a miner should build its
// next candidate block at.
func (v *Validator) BestForkNextBlockHeight() (uint32, error) {
	leader, ok := v.consensus.LeadingFork()
	if !ok {
		return 0, ErrNoForks
	}
	return leader.GetNextBlockHeight(), nil
}

// AddCheckpointBlocks ingests a trusted, contiguous run of blocks directly
// onto the confirmed chain, bypassing the fork mechanism entirely: no
// competing proposals are considered, and each block is checked with
// VerifyCheckpointBlock rather than VerifyBlock, skipping ZK proof and
// signature verification since checkpoint blocks are assumed to already
// come from a trusted source. Ranks, cumulative difficulty, and inverse
// diffs are still tracked exactly as a normal confirmation would, so a
// later ResetToHeight can still rewind past a checkpointed block.
func (v *Validator) AddCheckpointBlocks(blocks []*block.Block) error {
	if len(blocks) == 0 {
		return nil
	}

	v.adminLock.Lock()
	defer v.adminLock.Unlock()

	tipHeight, tipHash, err := v.chain.GetTip()
	if err != nil {
		return fmt.Errorf("validator: checkpoint ingestion requires an existing tip: %w", err)
	}

	if blocks[0].Header.Height != tipHeight+1 {
		return fmt.Errorf("%w: first block is height %d, tip is %d", ErrCheckpointLengthMismatch, blocks[0].Header.Height, tipHeight)
	}
	if blocks[0].Header.Previous != tipHash {
		return fmt.Errorf("%w: first block", ErrCheckpointHashMismatch)
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Header.Height != blocks[i-1].Header.Height+1 {
			return fmt.Errorf("%w: block %d", ErrCheckpointLengthMismatch, i)
		}
		if blocks[i].Header.Previous != blocks[i-1].Hash() {
			return fmt.Errorf("%w: block %d", ErrCheckpointHashMismatch, i)
		}
	}

	module := v.consensus.Module().Clone()

	prevDifficulty, err := v.chain.GetDifficulty(tipHeight)
	if err != nil {
		return fmt.Errorf("validator: load tip difficulty: %w", err)
	}

	parent, err := v.chain.GetBlockByHash(tipHash)
	if err != nil {
		return fmt.Errorf("validator: load checkpoint parent block: %w", err)
	}

	var newTipHeight uint32
	var newTipHash types.Hash

	for _, candidate := range blocks {
		trial := overlay.New(v.chain.Base())
		marker := trial.Snapshot()

		bd, err := v.verifier.VerifyCheckpointBlock(trial, module, prevDifficulty, candidate, parent)
		if err != nil {
			return fmt.Errorf("validator: checkpoint block %d: %w", candidate.Header.Height, err)
		}
		diff := trial.Diff(marker)

		ov := overlay.New(v.chain.Base())
		inverse, err := ov.Inverse(diff)
		if err != nil {
			return fmt.Errorf("validator: compute checkpoint inverse diff: %w", err)
		}
		if err := v.chain.PutInverseDiff(candidate.Header.Height, inverse); err != nil {
			return fmt.Errorf("validator: persist checkpoint inverse diff: %w", err)
		}

		ov.ApplyDiff(diff)
		if err := module.AppendDifficulty(ov, bd); err != nil {
			return fmt.Errorf("validator: advance pow module: %w", err)
		}
		if err := ov.Apply(); err != nil {
			return fmt.Errorf("validator: commit checkpoint diff: %w", err)
		}

		if err := v.chain.PutBlock(candidate.Header.Height, candidate); err != nil {
			return fmt.Errorf("validator: persist checkpoint block: %w", err)
		}
		if err := v.chain.SetTip(candidate.Header.Height, candidate.Hash()); err != nil {
			return fmt.Errorf("validator: set checkpoint tip: %w", err)
		}
		if err := v.chain.PutCumulativeDifficulty(bd.CumulativeDifficulty); err != nil {
			return fmt.Errorf("validator: persist cumulative difficulty: %w", err)
		}

		prevDifficulty = bd
		parent = candidate
		newTipHeight = candidate.Header.Height
		newTipHash = candidate.Hash()

		log.Validator.Info().Uint32("height", candidate.Header.Height).Str("hash", newTipHash.String()).Msg("checkpoint block ingested")
	}

	if err := v.consensus.ResetPoWModule(0, newTipHeight, v.targetSeconds(), v.fixedDifficulty()); err != nil {
		return fmt.Errorf("validator: rebuild pow module after checkpoint: %w", err)
	}
	v.consensus.ResetForks(newTipHeight, newTipHash)
	return nil
}

// ResetToHeight rewinds the confirmed chain to targetHeight (inclusive),
// undoing every block above it via its persisted inverse diff, then
// rebuilds the canonical PoW module and fork set from the rewound tip.
// Fails with ErrInvalidRewindTarget if targetHeight is beyond the current
// tip, or if a height being rewound past has no inverse diff recorded
// (it was pruned, or the chain was never able to compute one).
func (v *Validator) ResetToHeight(targetHeight uint32) error {
	v.adminLock.Lock()
	defer v.adminLock.Unlock()

	tipHeight, _, err := v.chain.GetTip()
	if err != nil {
		return err
	}
	if targetHeight > tipHeight {
		return fmt.Errorf("%w: target %d is above tip %d", ErrInvalidRewindTarget, targetHeight, tipHeight)
	}

	for h := tipHeight; h > targetHeight; h-- {
		blk, err := v.chain.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("validator: load block at height %d: %w", h, err)
		}
		inverse, err := v.chain.GetInverseDiff(h)
		if err != nil {
			return fmt.Errorf("%w: no inverse diff at height %d: %v", ErrInvalidRewindTarget, h, err)
		}

		ov := overlay.New(v.chain.Base())
		ov.ApplyDiff(inverse)
		if err := ov.Apply(); err != nil {
			return fmt.Errorf("validator: apply inverse diff at height %d: %w", h, err)
		}

		for _, t := range blk.Transactions {
			_ = v.chain.UnmarkTxConfirmed(t.Hash())
		}
		if err := v.chain.DeleteBlock(h, blk.Hash()); err != nil {
			return fmt.Errorf("validator: delete block at height %d: %w", h, err)
		}
		if err := v.chain.DeleteDifficulty(h); err != nil {
			return fmt.Errorf("validator: delete difficulty at height %d: %w", h, err)
		}
		if err := v.chain.DeleteInverseDiff(h); err != nil {
			return fmt.Errorf("validator: delete inverse diff at height %d: %w", h, err)
		}

		log.Validator.Info().Uint32("height", h).Msg("block rewound")
	}

	newTip, err := v.chain.GetBlockByHeight(targetHeight)
	if err != nil {
		return fmt.Errorf("validator: load new tip at height %d: %w", targetHeight, err)
	}
	newTipHash := newTip.Hash()
	if err := v.chain.SetTip(targetHeight, newTipHash); err != nil {
		return fmt.Errorf("validator: set rewound tip: %w", err)
	}

	var cumDiff *big.Int
	if targetHeight == 0 {
		bd, err := v.chain.GetDifficulty(0)
		if err != nil {
			return fmt.Errorf("validator: load genesis difficulty: %w", err)
		}
		cumDiff = bd.CumulativeDifficulty
	} else {
		bd, err := v.chain.GetDifficulty(targetHeight)
		if err != nil {
			return fmt.Errorf("validator: load difficulty at height %d: %w", targetHeight, err)
		}
		cumDiff = bd.CumulativeDifficulty
	}
	if err := v.chain.PutCumulativeDifficulty(cumDiff); err != nil {
		return fmt.Errorf("validator: persist rewound cumulative difficulty: %w", err)
	}

	if err := v.consensus.ResetPoWModule(0, targetHeight, v.targetSeconds(), v.fixedDifficulty()); err != nil {
		return fmt.Errorf("validator: rebuild pow module after rewind: %w", err)
	}
	v.consensus.ResetForks(targetHeight, newTipHash)
	return nil
}

// RebuildBlockDifficulties recomputes the entire difficulty table from
// the confirmed blocks alone, for recovery after a corrupted difficulty
// store. It deliberately uses a throwaway pow.Module rather than the
// canonical one — the whole point is recovering from a corrupted
// difficulty store, so the recomputation cannot read from it — and only
// once every height's record has been rebuilt does it call
// Consensus.ResetPoWModule to reload the canonical module from the
// now-repaired persisted records.
func (v *Validator) RebuildBlockDifficulties() error {
	v.adminLock.Lock()
	defer v.adminLock.Unlock()

	tipHeight, tipHash, err := v.chain.GetTip()
	if err != nil && err != blockchain.ErrNoTip {
		return err
	}

	scratch := pow.New(v.targetSeconds(), v.fixedDifficulty(), pow.DefaultWindowSize)
	var prev pow.BlockDifficulty

	for h := uint32(0); h <= tipHeight; h++ {
		blk, err := v.chain.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("validator: load block at height %d: %w", h, err)
		}
		_ = v.chain.DeleteDifficulty(h)

		var bd pow.BlockDifficulty
		if h == 0 {
			difficulty := scratch.FixedDifficulty
			if difficulty == nil {
				difficulty = big.NewInt(1)
			}
			bd = pow.BlockDifficulty{
				Height:               0,
				Hash:                 blk.Hash(),
				Timestamp:            blk.Header.Timestamp,
				Difficulty:           new(big.Int).Set(difficulty),
				CumulativeDifficulty: new(big.Int).Set(difficulty),
				Ranks:                pow.BlockRanks{TargetsRank: new(big.Int), HashesRank: new(big.Int)},
			}
		} else {
			target, difficulty, err := scratch.NextMineTargetAndDifficulty()
			if err != nil {
				return fmt.Errorf("validator: retarget at height %d: %w", h, err)
			}
			headerHash := blk.Hash()
			hashInt := new(big.Int).SetBytes(headerHash[:])
			bd = pow.NextBlockDifficulty(scratch, headerHash, blk.Header.Timestamp, h, difficulty, prev, pow.DistanceToZeroSq(hashInt), pow.DistanceSq(target, hashInt))
		}

		scratch.Append(bd.Timestamp, bd.Difficulty)
		if err := v.chain.PutDifficulty(bd); err != nil {
			return fmt.Errorf("validator: persist rebuilt difficulty at height %d: %w", h, err)
		}
		prev = bd
	}

	if err := v.chain.PutCumulativeDifficulty(prev.CumulativeDifficulty); err != nil {
		return fmt.Errorf("validator: persist rebuilt cumulative difficulty: %w", err)
	}

	if err := v.consensus.ResetPoWModule(0, tipHeight, v.targetSeconds(), v.fixedDifficulty()); err != nil {
		return fmt.Errorf("validator: reload pow module after rebuild: %w", err)
	}
	v.consensus.ResetForks(tipHeight, tipHash)

	log.Validator.Info().Uint32("tip_height", tipHeight).Msg("block difficulties rebuilt")
	return nil
}

// ValidateBlockchain replays every confirmed block from genesis through
// the full verifier against a fresh, throwaway in-memory overlay —
// never the real confirmed store — so a corrupt or suspect on-disk state
// can be checked without risking it further. Genesis (height 0) has no
// parent to structurally check against, so its calls are executed
// directly through the registry rather than through VerifyBlock; every
// later height is checked exactly as append_proposal would check it.
func (v *Validator) ValidateBlockchain() error {
	tipHeight, tipHash, err := v.chain.GetTip()
	if err != nil {
		if err == blockchain.ErrNoTip {
			return nil
		}
		return err
	}

	scratchBase := storage.NewMemory()
	ov := overlay.New(scratchBase)
	module := pow.New(v.targetSeconds(), v.fixedDifficulty(), pow.DefaultWindowSize)

	genesis, err := v.chain.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("validateblockchain: load genesis: %w", err)
	}
	for _, t := range genesis.Transactions {
		for _, c := range t.Calls {
			res, err := v.verifier.Registry.Exec(c, ov)
			if err != nil {
				return fmt.Errorf("validateblockchain: genesis call: %w", err)
			}
			ov.ApplyDiff(res.Diff)
		}
	}

	difficulty := module.FixedDifficulty
	if difficulty == nil {
		difficulty = big.NewInt(1)
	}
	prev := pow.BlockDifficulty{
		Height:               0,
		Hash:                 genesis.Hash(),
		Timestamp:            genesis.Header.Timestamp,
		Difficulty:           new(big.Int).Set(difficulty),
		CumulativeDifficulty: new(big.Int).Set(difficulty),
		Ranks:                pow.BlockRanks{TargetsRank: new(big.Int), HashesRank: new(big.Int)},
	}
	module.Append(prev.Timestamp, prev.Difficulty)

	parent := genesis
	for h := uint32(1); h <= tipHeight; h++ {
		candidate, err := v.chain.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("validateblockchain: load block at height %d: %w", h, err)
		}
		bd, err := v.verifier.VerifyBlock(ov, module, prev, candidate, parent, v.cfg.VerifyFees)
		if err != nil {
			return fmt.Errorf("validateblockchain: height %d failed replay: %w", h, err)
		}
		module.Append(bd.Timestamp, bd.Difficulty)
		prev = bd
		parent = candidate
	}

	if parent.Hash() != tipHash {
		return fmt.Errorf("validateblockchain: replayed tip %s does not match stored tip %s", parent.Hash(), tipHash)
	}
	log.Validator.Info().Uint32("tip_height", tipHeight).Msg("blockchain replay validated")
	return nil
}

func (v *Validator) targetSeconds() uint32 {
	return uint32(v.cfg.PoWTarget.Seconds())
}

func (v *Validator) fixedDifficulty() *big.Int {
	if v.cfg.PoWFixedDifficulty == 0 {
		return nil
	}
	return new(big.Int).SetUint64(v.cfg.PoWFixedDifficulty)
}
