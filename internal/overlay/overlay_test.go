package overlay

import (
	"bytes"
	"errors"
	"testing"

	"github.com/veilchain/veil-core/internal/storage"
)

func TestOverlay_Get_FallsThroughToBase(t *testing.T) {
	base := storage.NewMemory()
	base.Put([]byte("k1"), []byte("base-value"))

	o := New(base)
	v, err := o.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(v, []byte("base-value")) {
		t.Errorf("Get() = %q, want base-value", v)
	}
}

func TestOverlay_Put_ShadowsBase(t *testing.T) {
	base := storage.NewMemory()
	base.Put([]byte("k1"), []byte("base-value"))

	o := New(base)
	o.Put([]byte("k1"), []byte("overlay-value"))

	v, err := o.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(v, []byte("overlay-value")) {
		t.Errorf("Get() = %q, want overlay-value", v)
	}
}

func TestOverlay_Delete_StagesTombstone(t *testing.T) {
	base := storage.NewMemory()
	base.Put([]byte("k1"), []byte("base-value"))

	o := New(base)
	o.Delete([]byte("k1"))

	_, err := o.Get([]byte("k1"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}

	// Base itself is untouched until Apply.
	v, err := base.Get([]byte("k1"))
	if err != nil || !bytes.Equal(v, []byte("base-value")) {
		t.Errorf("base value should be untouched before Apply, got %q, %v", v, err)
	}
}

func TestOverlay_Diff_LexicographicOrder(t *testing.T) {
	base := storage.NewMemory()
	o := New(base)

	o.Put([]byte("zebra"), []byte("1"))
	o.Put([]byte("apple"), []byte("2"))
	o.Put([]byte("mango"), []byte("3"))

	d := o.Diff(0)
	if len(d.Writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(d.Writes))
	}
	want := []string{"apple", "mango", "zebra"}
	for i, w := range d.Writes {
		if string(w.Key) != want[i] {
			t.Errorf("writes[%d].Key = %q, want %q", i, w.Key, want[i])
		}
	}
}

func TestOverlay_Diff_OnlySinceBaseline(t *testing.T) {
	base := storage.NewMemory()
	o := New(base)

	o.Put([]byte("k1"), []byte("v1"))
	mark := o.Snapshot()
	o.Put([]byte("k2"), []byte("v2"))

	d := o.Diff(mark)
	if len(d.Writes) != 1 || string(d.Writes[0].Key) != "k2" {
		t.Errorf("Diff(mark) should only contain writes after the snapshot, got %+v", d.Writes)
	}
}

// TestOverlay_InverseRoundTrip checks that ApplyDiff(d) followed by
// ApplyDiff(Inverse(d)) yields an overlay indistinguishable from the
// original.
func TestOverlay_InverseRoundTrip(t *testing.T) {
	base := storage.NewMemory()
	base.Put([]byte("k1"), []byte("original"))

	o := New(base)
	mark := o.Snapshot()
	o.Put([]byte("k1"), []byte("mutated"))
	o.Put([]byte("k2"), []byte("new-key"))
	o.Delete([]byte("k3")) // k3 never existed; tombstone either way.

	d := o.Diff(mark)

	// Compute inverse against a second overlay seeded identically, captured
	// BEFORE d's writes were applied to it.
	check := New(base)
	inv, err := check.Inverse(d)
	if err != nil {
		t.Fatalf("Inverse() error: %v", err)
	}

	check.ApplyDiff(d)
	check.ApplyDiff(inv)

	v1, err := check.Get([]byte("k1"))
	if err != nil || !bytes.Equal(v1, []byte("original")) {
		t.Errorf("k1 after round-trip = %q, %v, want original", v1, err)
	}
	_, err = check.Get([]byte("k2"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("k2 after round-trip should be absent (never existed before d), got %v", err)
	}
}

func TestOverlay_Apply_CommitsToBase(t *testing.T) {
	base := storage.NewMemory()
	o := New(base)
	o.Put([]byte("k1"), []byte("v1"))
	o.Delete([]byte("k2"))

	if err := o.Apply(); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	v, err := base.Get([]byte("k1"))
	if err != nil || !bytes.Equal(v, []byte("v1")) {
		t.Errorf("base should have k1=v1 after Apply, got %q, %v", v, err)
	}

	// Overlay is clean after a successful Apply.
	if len(o.Diff(0).Writes) != 0 {
		t.Error("overlay should be empty after a successful Apply")
	}
}

func TestOverlay_PurgeNewTrees_DiscardsWrites(t *testing.T) {
	base := storage.NewMemory()
	o := New(base)
	o.Put([]byte("k1"), []byte("v1"))

	o.PurgeNewTrees()

	if len(o.Diff(0).Writes) != 0 {
		t.Error("overlay should be empty after PurgeNewTrees")
	}
	_, err := base.Get([]byte("k1"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Error("purged writes must never reach base")
	}
}

func TestOverlay_Clone_IsIndependent(t *testing.T) {
	base := storage.NewMemory()
	o := New(base)
	o.Put([]byte("k1"), []byte("v1"))

	clone := o.Clone()
	clone.Put([]byte("k1"), []byte("v2"))
	clone.Put([]byte("k2"), []byte("only-in-clone"))

	v, err := o.Get([]byte("k1"))
	if err != nil || !bytes.Equal(v, []byte("v1")) {
		t.Errorf("original overlay should be unaffected by clone mutation, got %q, %v", v, err)
	}
	if _, err := o.Get([]byte("k2")); !errors.Is(err, storage.ErrNotFound) {
		t.Error("original overlay should not see keys written only to the clone")
	}
}

// TestOverlay_Determinism is P3's unit-level analogue: running the same
// sequence of writes twice produces byte-identical diffs.
func TestOverlay_Determinism(t *testing.T) {
	run := func() Diff {
		base := storage.NewMemory()
		o := New(base)
		o.Put([]byte("b"), []byte("1"))
		o.Put([]byte("a"), []byte("2"))
		o.Delete([]byte("c"))
		return o.Diff(0)
	}

	d1 := run()
	d2 := run()

	if len(d1.Writes) != len(d2.Writes) {
		t.Fatalf("diff lengths differ: %d vs %d", len(d1.Writes), len(d2.Writes))
	}
	for i := range d1.Writes {
		if string(d1.Writes[i].Key) != string(d2.Writes[i].Key) {
			t.Errorf("writes[%d].Key differs: %q vs %q", i, d1.Writes[i].Key, d2.Writes[i].Key)
		}
	}
}
