package fork

import (
	"errors"
	"math/big"
	"testing"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/pow"
	"github.com/veilchain/veil-core/internal/storage"
	"github.com/veilchain/veil-core/pkg/block"
	"github.com/veilchain/veil-core/pkg/types"
)

func newTestFork() *Fork {
	base := storage.NewMemory()
	ov := overlay.New(base)
	module := pow.New(90, big.NewInt(1), 0)
	return New(0, types.Hash{}, ov, module)
}

func blockAt(height uint32, previous types.Hash, nonce uint64) *block.Block {
	h := &block.Header{
		Version:   block.CurrentVersion,
		Previous:  previous,
		Height:    height,
		Timestamp: uint64(1000 + height),
		Nonce:     nonce,
	}
	return block.NewBlock(h, nil)
}

func TestFork_Extend_RejectsWrongParent(t *testing.T) {
	f := newTestFork()
	b := blockAt(1, types.Hash{0xFF}, 0) // does not match root hash (zero)

	err := f.Extend(b, overlay.Diff{}, pow.BlockDifficulty{Height: 1})
	if !errors.Is(err, ErrParentMismatch) {
		t.Fatalf("Extend() error = %v, want ErrParentMismatch", err)
	}
}

func TestFork_Extend_AppendsInOrder(t *testing.T) {
	f := newTestFork()
	b1 := blockAt(1, f.LeafHash(), 0)
	if err := f.Extend(b1, overlay.Diff{}, pow.BlockDifficulty{Height: 1, Difficulty: big.NewInt(1), CumulativeDifficulty: big.NewInt(1)}); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}

	b2 := blockAt(2, f.LeafHash(), 0)
	if err := f.Extend(b2, overlay.Diff{}, pow.BlockDifficulty{Height: 2, Difficulty: big.NewInt(1), CumulativeDifficulty: big.NewInt(2)}); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}

	if f.LeafHeight() != 2 {
		t.Errorf("LeafHeight() = %d, want 2", f.LeafHeight())
	}
	if f.GetNextBlockHeight() != 3 {
		t.Errorf("GetNextBlockHeight() = %d, want 3", f.GetNextBlockHeight())
	}
	if len(f.Proposals) != 2 || len(f.Diffs) != 2 || len(f.Difficulties) != 2 {
		t.Fatalf("fork arrays out of sync: proposals=%d diffs=%d difficulties=%d", len(f.Proposals), len(f.Diffs), len(f.Difficulties))
	}
}

func TestFork_FullClone_IsIndependent(t *testing.T) {
	f := newTestFork()
	b1 := blockAt(1, f.LeafHash(), 0)
	if err := f.Extend(b1, overlay.Diff{}, pow.BlockDifficulty{Height: 1, Difficulty: big.NewInt(1), CumulativeDifficulty: big.NewInt(1)}); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	f.MarkMempool(types.Hash{0x01})

	clone := f.FullClone()
	b2 := blockAt(2, clone.LeafHash(), 0)
	if err := clone.Extend(b2, overlay.Diff{}, pow.BlockDifficulty{Height: 2, Difficulty: big.NewInt(1), CumulativeDifficulty: big.NewInt(2)}); err != nil {
		t.Fatalf("clone.Extend() error: %v", err)
	}
	clone.MarkMempool(types.Hash{0x02})

	if f.LeafHeight() != 1 {
		t.Errorf("original fork mutated by clone extend, LeafHeight() = %d, want 1", f.LeafHeight())
	}
	if f.HasMempoolTx(types.Hash{0x02}) {
		t.Error("original fork should not see mempool entries added only to the clone")
	}
}

func TestFork_MempoolMarkUnmark(t *testing.T) {
	f := newTestFork()
	h := types.Hash{0x07}
	f.MarkMempool(h)
	if !f.HasMempoolTx(h) {
		t.Fatal("expected mempool to contain marked tx")
	}
	f.UnmarkMempool(h)
	if f.HasMempoolTx(h) {
		t.Error("expected mempool to no longer contain unmarked tx")
	}
}
