package validator

import "errors"

// Error taxonomy for the façade operations, layered over the sentinels
// internal/verify and internal/consensus already define.
// verify.ErrAlreadySeenTx is reused directly here rather than duplicated:
// duplicate-tx detection is one taxonomy entry regardless of which layer
// happens to run the check.
var (
	// ErrNoForks reports a trial-verification request against a
	// Validator whose Consensus currently holds no forks at all — never
	// true in steady state, since Consensus always seeds a root fork.
	ErrNoForks = errors.New("validator: no forks to verify against")
	// ErrTxRejectedByAllForks reports append_tx failing trial
	// verification against every current fork.
	ErrTxRejectedByAllForks = errors.New("validator: transaction rejected by every fork")
	// ErrCheckpointLengthMismatch reports add_checkpoint_blocks given a
	// checkpoint that does not extend the confirmed tip contiguously.
	ErrCheckpointLengthMismatch = errors.New("validator: checkpoint blocks do not start at tip+1")
	// ErrCheckpointHashMismatch reports a checkpoint block whose Previous
	// does not chain onto the preceding checkpoint block (or the
	// confirmed tip, for the first one).
	ErrCheckpointHashMismatch = errors.New("validator: checkpoint block does not chain onto predecessor")
	// ErrInvalidRewindTarget reports reset_to_height given a height
	// beyond the confirmed tip, or one without the inverse diffs needed
	// to rewind to it.
	ErrInvalidRewindTarget = errors.New("validator: invalid rewind target height")
)
