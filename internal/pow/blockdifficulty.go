package pow

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/veilchain/veil-core/pkg/types"
)

// BlockRanks holds the rank data the consensus layer uses to break ties
// between forks of equal cumulative difficulty: this block's squared
// distance between the mining target and its header hash
// (TargetDistanceSq), this block's squared hash value, i.e. its distance
// to zero (HashDistanceSq), and the running sums of each over the chain
// (TargetsRank, HashesRank). Lower is better on both running sums; the
// leaf-hash lexicographic order is the final tiebreak and is not tracked
// here.
type BlockRanks struct {
	TargetDistanceSq *big.Int
	TargetsRank      *big.Int
	HashDistanceSq   *big.Int
	HashesRank       *big.Int
}

// BlockDifficulty is the persisted per-height consensus record: the
// difficulty the block satisfied, the chain's cumulative difficulty through
// that height, and the rank accumulators used to resolve equal-difficulty
// fork ties. Stored separately from pkg/block.Header because it is derived,
// not signed, data.
type BlockDifficulty struct {
	Height               uint32
	Hash                 types.Hash
	Timestamp            uint64
	Difficulty           *big.Int
	CumulativeDifficulty *big.Int
	Ranks                BlockRanks
}

type blockDifficultyJSON struct {
	Height               uint32   `json:"height"`
	Hash                 string   `json:"hash"`
	Timestamp            uint64   `json:"timestamp"`
	Difficulty           string   `json:"difficulty"`
	CumulativeDifficulty string   `json:"cumulative_difficulty"`
	TargetDistanceSq     *string  `json:"target_distance_sq,omitempty"`
	TargetsRank          string   `json:"targets_rank"`
	HashDistanceSq       *string  `json:"hash_distance_sq,omitempty"`
	HashesRank           string   `json:"hashes_rank"`
}

// Marshal encodes the record as JSON, with big.Int fields rendered as
// decimal strings so values beyond 64 bits round-trip exactly.
func (bd BlockDifficulty) Marshal() ([]byte, error) {
	j := blockDifficultyJSON{
		Height:               bd.Height,
		Hash:                 bd.Hash.String(),
		Timestamp:            bd.Timestamp,
		Difficulty:           bigString(bd.Difficulty),
		CumulativeDifficulty: bigString(bd.CumulativeDifficulty),
		TargetsRank:          bigString(bd.Ranks.TargetsRank),
		HashesRank:           bigString(bd.Ranks.HashesRank),
	}
	if bd.Ranks.TargetDistanceSq != nil {
		s := bd.Ranks.TargetDistanceSq.String()
		j.TargetDistanceSq = &s
	}
	if bd.Ranks.HashDistanceSq != nil {
		s := bd.Ranks.HashDistanceSq.String()
		j.HashDistanceSq = &s
	}
	return json.Marshal(j)
}

// UnmarshalBlockDifficulty decodes a record written by Marshal.
func UnmarshalBlockDifficulty(data []byte) (BlockDifficulty, error) {
	var j blockDifficultyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return BlockDifficulty{}, err
	}
	hash, err := types.HexToHash(j.Hash)
	if err != nil {
		return BlockDifficulty{}, fmt.Errorf("block difficulty hash: %w", err)
	}
	diff, ok := new(big.Int).SetString(j.Difficulty, 10)
	if !ok {
		return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid difficulty %q", j.Difficulty)
	}
	cum, ok := new(big.Int).SetString(j.CumulativeDifficulty, 10)
	if !ok {
		return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid cumulative_difficulty %q", j.CumulativeDifficulty)
	}
	targetsRank, ok := new(big.Int).SetString(j.TargetsRank, 10)
	if !ok {
		return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid targets_rank %q", j.TargetsRank)
	}
	hashesRank, ok := new(big.Int).SetString(j.HashesRank, 10)
	if !ok {
		return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid hashes_rank %q", j.HashesRank)
	}

	bd := BlockDifficulty{
		Height:               j.Height,
		Hash:                 hash,
		Timestamp:            j.Timestamp,
		Difficulty:           diff,
		CumulativeDifficulty: cum,
		Ranks: BlockRanks{
			TargetsRank: targetsRank,
			HashesRank:  hashesRank,
		},
	}
	if j.TargetDistanceSq != nil {
		v, ok := new(big.Int).SetString(*j.TargetDistanceSq, 10)
		if !ok {
			return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid target_distance_sq %q", *j.TargetDistanceSq)
		}
		bd.Ranks.TargetDistanceSq = v
	}
	if j.HashDistanceSq != nil {
		v, ok := new(big.Int).SetString(*j.HashDistanceSq, 10)
		if !ok {
			return BlockDifficulty{}, fmt.Errorf("block difficulty: invalid hash_distance_sq %q", *j.HashDistanceSq)
		}
		bd.Ranks.HashDistanceSq = v
	}
	return bd, nil
}

// NextBlockDifficulty computes the BlockDifficulty record for a candidate
// header about to extend the chain from prev (the tip's record, or the
// zero value for the block after genesis). targetDistanceSq is the squared
// distance between the header's hash and the mining target and
// hashDistanceSq the squared distance of the hash from zero; they are
// added to TargetsRank and HashesRank respectively.
func NextBlockDifficulty(m *Module, header types.Hash, timestamp uint64, height uint32, difficulty *big.Int, prev BlockDifficulty, hashDistanceSq, targetDistanceSq *big.Int) BlockDifficulty {
	cumulative := new(big.Int).Set(difficulty)
	targetsRank := new(big.Int)
	hashesRank := new(big.Int)
	if prev.CumulativeDifficulty != nil {
		cumulative.Add(cumulative, prev.CumulativeDifficulty)
	}
	if prev.Ranks.TargetsRank != nil {
		targetsRank.Add(targetsRank, prev.Ranks.TargetsRank)
	}
	if prev.Ranks.HashesRank != nil {
		hashesRank.Add(hashesRank, prev.Ranks.HashesRank)
	}
	targetsRank.Add(targetsRank, rankFor(targetDistanceSq))
	hashesRank.Add(hashesRank, rankFor(hashDistanceSq))

	return BlockDifficulty{
		Height:               height,
		Hash:                 header,
		Timestamp:            timestamp,
		Difficulty:           new(big.Int).Set(difficulty),
		CumulativeDifficulty: cumulative,
		Ranks: BlockRanks{
			TargetDistanceSq: cloneBig(targetDistanceSq),
			TargetsRank:      targetsRank,
			HashDistanceSq:   cloneBig(hashDistanceSq),
			HashesRank:       hashesRank,
		},
	}
}

// DistanceSq returns (a - b)^2, used as a per-block rank contribution: a
// header hash far from the value it's measured against contributes more
// to the running rank than one that barely qualifies.
func DistanceSq(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Mul(d, d)
}

// DistanceToZeroSq returns value^2, the squared distance from value to
// zero — the hashes_rank measure, which ranks header hashes by raw
// magnitude rather than by proximity to the current target.
func DistanceToZeroSq(value *big.Int) *big.Int {
	return new(big.Int).Mul(value, value)
}

func rankFor(distanceSq *big.Int) *big.Int {
	if distanceSq == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(distanceSq)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
