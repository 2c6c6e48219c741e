// Package pow implements the proof-of-work module: a sliding-window
// difficulty retarget, cumulative-difficulty accumulation, and header nonce
// verification. Difficulty itself is not part of the block header (see
// pkg/block.Header) — it lives in the per-height BlockDifficulty entries
// this package maintains instead, keeping consensus-derived fields out of
// the signed header.
package pow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/crypto"
)

// Errors.
var (
	ErrEmptyWindow  = errors.New("pow: retarget called with no observations and no fixed difficulty")
	ErrInvalidNonce = errors.New("pow: header hash exceeds target")
)

// maxHash is 2^256 - 1, the largest value a 32-byte hash can represent.
var maxHash = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// windowEntry is one observation feeding the retarget function.
type windowEntry struct {
	timestamp  uint64
	difficulty *big.Int
}

// DefaultWindowSize is the number of trailing observations the retarget
// function averages over.
const DefaultWindowSize = 20

// Module is the sliding-window difficulty accumulator. One Module lives in
// Consensus (the canonical, confirmed-chain module) and one clone lives in
// each Fork, advanced independently by that fork's proposals.
type Module struct {
	TargetSeconds   uint32
	FixedDifficulty *big.Int // non-nil short-circuits retargeting entirely.
	WindowSize      int

	window     []windowEntry
	cumulative *big.Int
	ranks      BlockRanks
}

// New creates a PoW module targeting targetSeconds between blocks. A nil
// fixedDifficulty enables normal sliding-window retargeting.
func New(targetSeconds uint32, fixedDifficulty *big.Int, windowSize int) *Module {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	m := &Module{
		TargetSeconds: targetSeconds,
		WindowSize:    windowSize,
		cumulative:    new(big.Int),
		ranks:         BlockRanks{TargetsRank: new(big.Int), HashesRank: new(big.Int)},
	}
	if fixedDifficulty != nil {
		m.FixedDifficulty = new(big.Int).Set(fixedDifficulty)
	}
	return m
}

// Clone deep-copies the module for a fork to advance independently.
func (m *Module) Clone() *Module {
	c := &Module{
		TargetSeconds: m.TargetSeconds,
		WindowSize:    m.WindowSize,
		cumulative:    new(big.Int).Set(m.cumulative),
		ranks: BlockRanks{
			TargetDistanceSq: cloneBig(m.ranks.TargetDistanceSq),
			TargetsRank:      new(big.Int).Set(nonNil(m.ranks.TargetsRank)),
			HashDistanceSq:   cloneBig(m.ranks.HashDistanceSq),
			HashesRank:       new(big.Int).Set(nonNil(m.ranks.HashesRank)),
		},
	}
	if m.FixedDifficulty != nil {
		c.FixedDifficulty = new(big.Int).Set(m.FixedDifficulty)
	}
	c.window = make([]windowEntry, len(m.window))
	for i, e := range m.window {
		c.window[i] = windowEntry{timestamp: e.timestamp, difficulty: new(big.Int).Set(e.difficulty)}
	}
	return c
}

// CumulativeDifficulty returns the module's running cumulative difficulty.
// Monotonically non-decreasing (P2).
func (m *Module) CumulativeDifficulty() *big.Int {
	return new(big.Int).Set(m.cumulative)
}

// Ranks returns the running rank accumulators used for fork tiebreaking.
func (m *Module) Ranks() BlockRanks {
	return m.ranks
}

// NextDifficulty returns the difficulty the next block must meet.
func (m *Module) NextDifficulty() (*big.Int, error) {
	if m.FixedDifficulty != nil {
		return new(big.Int).Set(m.FixedDifficulty), nil
	}
	if len(m.window) == 0 {
		return nil, ErrEmptyWindow
	}
	if len(m.window) < 2 {
		return new(big.Int).Set(m.window[len(m.window)-1].difficulty), nil
	}

	oldest := m.window[0]
	newest := m.window[len(m.window)-1]
	actualSpan := int64(newest.timestamp) - int64(oldest.timestamp)
	expectedSpan := int64(len(m.window)-1) * int64(m.TargetSeconds)

	return retarget(newest.difficulty, actualSpan, expectedSpan), nil
}

// NextMineTargetAndDifficulty returns (target, difficulty) for the next
// block: target = maxHash / difficulty.
func (m *Module) NextMineTargetAndDifficulty() (*big.Int, *big.Int, error) {
	difficulty, err := m.NextDifficulty()
	if err != nil {
		return nil, nil, err
	}
	return TargetFor(difficulty), difficulty, nil
}

// TargetFor returns maxHash / difficulty, clamped to 1 so a zero difficulty
// never produces a division by zero.
func TargetFor(difficulty *big.Int) *big.Int {
	d := difficulty
	if d == nil || d.Sign() <= 0 {
		d = big.NewInt(1)
	}
	return new(big.Int).Div(maxHash, d)
}

// Append extends the sliding window with a new (timestamp, difficulty)
// observation, dropping the oldest entry once the window is full.
func (m *Module) Append(timestamp uint64, difficulty *big.Int) {
	m.window = append(m.window, windowEntry{timestamp: timestamp, difficulty: new(big.Int).Set(difficulty)})
	if len(m.window) > m.WindowSize {
		m.window = m.window[len(m.window)-m.WindowSize:]
	}
}

// AppendDifficulty writes bd into the overlay's difficulty store and
// advances the module's in-memory cumulative difficulty and rank
// accumulators to match. Call this once per confirmed or checkpointed
// block, in height order.
func (m *Module) AppendDifficulty(ov *overlay.Overlay, bd BlockDifficulty) error {
	data, err := bd.Marshal()
	if err != nil {
		return fmt.Errorf("marshal block difficulty: %w", err)
	}
	ov.Put(DifficultyKey(bd.Height), data)

	m.Append(bd.Timestamp, bd.Difficulty)
	m.cumulative = new(big.Int).Set(bd.CumulativeDifficulty)
	m.ranks = bd.Ranks
	return nil
}

// VerifyHeaderNonce recomputes the header hash and checks it is at most
// target — the PoW acceptance rule.
func VerifyHeaderNonce(h *block.Header, target *big.Int) error {
	hash := crypto.Hash(h.SigningBytes())
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(target) > 0 {
		return fmt.Errorf("%w: hash %s exceeds target %s", ErrInvalidNonce, hashInt, target)
	}
	return nil
}

// retarget adjusts currentDiff toward TargetSeconds given the observed span
// over the window, clamped to [expected/4, expected*4] so difficulty cannot
// swing by more than 4x in a single retarget.
func retarget(currentDiff *big.Int, actualSpan, expectedSpan int64) *big.Int {
	if actualSpan <= 0 {
		actualSpan = 1
	}
	if expectedSpan <= 0 {
		expectedSpan = 1
	}

	minSpan := expectedSpan / 4
	if minSpan == 0 {
		minSpan = 1
	}
	maxSpan := expectedSpan * 4

	if actualSpan < minSpan {
		actualSpan = minSpan
	}
	if actualSpan > maxSpan {
		actualSpan = maxSpan
	}

	exp := big.NewInt(expectedSpan)
	act := big.NewInt(actualSpan)

	result := new(big.Int).Mul(currentDiff, exp)
	result.Div(result, act)

	if result.Sign() <= 0 {
		return big.NewInt(1)
	}
	return result
}

// DifficultyKey returns the blocks.difficulty store key for height h:
// "bd" followed by the height as 4 big-endian bytes.
func DifficultyKey(height uint32) []byte {
	key := make([]byte, 2+4)
	copy(key, "bd")
	binary.BigEndian.PutUint32(key[2:], height)
	return key
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
