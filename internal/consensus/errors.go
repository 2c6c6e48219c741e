package consensus

import "errors"

var (
	// ErrNoMatchingFork reports a proposal whose parent hash matches
	// neither any fork's leaf nor any fork's interior nor the confirmed
	// tip.
	ErrNoMatchingFork = errors.New("consensus: no fork or branch point matches proposal parent")
	// ErrForkDepthExceeded reports a branch attempt whose depth from the
	// branching fork's leaf exceeds confirmation_threshold-1.
	ErrForkDepthExceeded = errors.New("consensus: branch point too deep")
	// ErrBlockIsInvalid wraps a verification failure surfaced to
	// append_proposal's caller.
	ErrBlockIsInvalid = errors.New("consensus: block is invalid")
	// ErrNoConfirmableFork reports that confirmation() found no fork
	// meeting both the threshold and the strict-outrank requirement.
	ErrNoConfirmableFork = errors.New("consensus: no confirmable fork")
	// ErrHeightAlreadyConfirmed reports that a height cannot be confirmed
	// twice without an intervening ResetToHeight call.
	ErrHeightAlreadyConfirmed = errors.New("consensus: height already confirmed")
)
