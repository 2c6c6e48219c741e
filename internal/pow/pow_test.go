package pow

import (
	"math/big"
	"testing"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/storage"
)

func TestModule_NextDifficulty_EmptyWindowNoFixed(t *testing.T) {
	m := New(90, nil, 0)
	if _, err := m.NextDifficulty(); err != ErrEmptyWindow {
		t.Fatalf("NextDifficulty() error = %v, want ErrEmptyWindow", err)
	}
}

func TestModule_NextDifficulty_FixedShortCircuits(t *testing.T) {
	fixed := big.NewInt(7)
	m := New(90, fixed, 0)
	got, err := m.NextDifficulty()
	if err != nil {
		t.Fatalf("NextDifficulty() error: %v", err)
	}
	if got.Cmp(fixed) != 0 {
		t.Errorf("NextDifficulty() = %s, want %s", got, fixed)
	}
}

func TestModule_NextDifficulty_SingleObservation(t *testing.T) {
	m := New(90, nil, 0)
	m.Append(1000, big.NewInt(100))
	got, err := m.NextDifficulty()
	if err != nil {
		t.Fatalf("NextDifficulty() error: %v", err)
	}
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("NextDifficulty() with one observation = %s, want 100 (unchanged)", got)
	}
}

func TestModule_NextDifficulty_SpeedsUpWhenBlocksSlow(t *testing.T) {
	// Target 90s/block, but observed span over 2 blocks took 4x expected:
	// difficulty should drop to keep the target pace.
	m := New(90, nil, 0)
	m.Append(0, big.NewInt(1000))
	m.Append(1000, big.NewInt(1000)) // actual span 1000s, expected 90s -> clamp to 4x -> 360s actual used
	got, err := m.NextDifficulty()
	if err != nil {
		t.Fatalf("NextDifficulty() error: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) >= 0 {
		t.Errorf("difficulty should decrease when blocks arrive slower than target, got %s", got)
	}
}

func TestModule_NextDifficulty_SpeedsDownWhenBlocksFast(t *testing.T) {
	m := New(90, nil, 0)
	m.Append(0, big.NewInt(1000))
	m.Append(5, big.NewInt(1000)) // actual span far below expected -> clamp to expected/4
	got, err := m.NextDifficulty()
	if err != nil {
		t.Fatalf("NextDifficulty() error: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) <= 0 {
		t.Errorf("difficulty should increase when blocks arrive faster than target, got %s", got)
	}
}

func TestModule_Window_DropsOldestBeyondSize(t *testing.T) {
	m := New(90, nil, 3)
	for i := 0; i < 5; i++ {
		m.Append(uint64(i)*90, big.NewInt(int64(i+1)))
	}
	if len(m.window) != 3 {
		t.Fatalf("window length = %d, want 3", len(m.window))
	}
	if m.window[0].difficulty.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("oldest retained difficulty = %s, want 3 (entries 0,1 dropped)", m.window[0].difficulty)
	}
}

// TestModule_CumulativeDifficulty_Monotone checks that cumulative
// difficulty never decreases as blocks are appended.
func TestModule_CumulativeDifficulty_Monotone(t *testing.T) {
	base := storage.NewMemory()
	ov := overlay.New(base)
	m := New(90, nil, 0)

	var prev BlockDifficulty
	var last *big.Int
	for i := uint32(1); i <= 10; i++ {
		bd := NextBlockDifficulty(m, zeroHash(i), uint64(i)*90, i, big.NewInt(100), prev, big.NewInt(int64(i)), big.NewInt(int64(i)))
		if err := m.AppendDifficulty(ov, bd); err != nil {
			t.Fatalf("AppendDifficulty() error: %v", err)
		}
		cur := m.CumulativeDifficulty()
		if last != nil && cur.Cmp(last) < 0 {
			t.Fatalf("cumulative difficulty decreased at height %d: %s -> %s", i, last, cur)
		}
		last = cur
		prev = bd
	}
}

func TestModule_Clone_IsIndependent(t *testing.T) {
	m := New(90, nil, 0)
	m.Append(0, big.NewInt(10))

	clone := m.Clone()
	clone.Append(90, big.NewInt(20))

	if len(m.window) != 1 {
		t.Errorf("original module window mutated by clone append, len = %d", len(m.window))
	}
	if len(clone.window) != 2 {
		t.Errorf("clone window length = %d, want 2", len(clone.window))
	}
}

func TestTargetFor_InverseOfDifficulty(t *testing.T) {
	low := TargetFor(big.NewInt(1))
	high := TargetFor(big.NewInt(1000))
	if low.Cmp(high) <= 0 {
		t.Error("higher difficulty should produce a lower (stricter) target")
	}
}

func TestBlockDifficulty_MarshalRoundTrip(t *testing.T) {
	bd := BlockDifficulty{
		Height:               42,
		Timestamp:            123456,
		Difficulty:           big.NewInt(9999999999),
		CumulativeDifficulty: new(big.Int).Lsh(big.NewInt(1), 200), // exceeds 64 bits
		Ranks: BlockRanks{
			TargetsRank: big.NewInt(5),
			HashesRank:  big.NewInt(7),
		},
	}
	data, err := bd.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	got, err := UnmarshalBlockDifficulty(data)
	if err != nil {
		t.Fatalf("UnmarshalBlockDifficulty() error: %v", err)
	}
	if got.CumulativeDifficulty.Cmp(bd.CumulativeDifficulty) != 0 {
		t.Errorf("CumulativeDifficulty round-trip = %s, want %s", got.CumulativeDifficulty, bd.CumulativeDifficulty)
	}
	if got.Height != bd.Height {
		t.Errorf("Height round-trip = %d, want %d", got.Height, bd.Height)
	}
}

func zeroHash(seed uint32) (h [32]byte) {
	h[0] = byte(seed)
	h[1] = byte(seed >> 8)
	h[2] = byte(seed >> 16)
	h[3] = byte(seed >> 24)
	return h
}
