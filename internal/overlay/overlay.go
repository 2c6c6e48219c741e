// Package overlay implements a copy-on-write staging layer over the
// persistent key/value store: speculative execution writes land here first
// and are either discarded (purge) or pushed atomically to the base store
// (apply).
package overlay

import (
	"errors"
	"fmt"
	"sort"

	"github.com/veilchain/veil-core/internal/storage"
)

// ErrCommitFailed reports a failed Apply. It is fatal to the current batch
// (the overlay's writes are left untouched so the caller can purge and
// retry), never to the base store itself.
var ErrCommitFailed = errors.New("overlay commit failed")

// Write is a single staged mutation. Value == nil means the key was
// deleted (a tombstone): reads must see it as absent, not fall through to
// base.
type Write struct {
	Key   []byte
	Value []byte
}

// Diff is an ordered, deterministic set of writes: lexicographic by key, as
// required for P3 (determinism across validators fed the same blocks).
type Diff struct {
	Writes []Write
}

// Marker is a cheap cursor into an overlay's write history, returned by
// Snapshot and consumed by Diff.
type Marker int64

type entry struct {
	value []byte
	seq   int64
}

// Overlay wraps a persistent store with a speculative write set. Reads for
// keys not staged fall through to base.
type Overlay struct {
	base   storage.DB
	writes map[string]entry
	seq    int64
}

// New wraps base in a fresh, empty overlay.
func New(base storage.DB) *Overlay {
	return &Overlay{base: base, writes: make(map[string]entry)}
}

// Get returns the value visible through the overlay: the staged write if
// present (nil, storage.ErrNotFound for a tombstone), else the base value.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	if e, ok := o.writes[string(key)]; ok {
		if e.value == nil {
			return nil, storage.ErrNotFound
		}
		return e.value, nil
	}
	return o.base.Get(key)
}

// Put stages a write, overriding any earlier staged write or tombstone for
// the same key.
func (o *Overlay) Put(key, value []byte) {
	o.seq++
	v := make([]byte, len(value))
	copy(v, value)
	o.writes[string(key)] = entry{value: v, seq: o.seq}
}

// Delete stages a tombstone. Deleting a key staged only in the overlay
// simply replaces its entry with a tombstone; deleting a base-only key
// stages the tombstone so reads see it as absent without touching base.
func (o *Overlay) Delete(key []byte) {
	o.seq++
	o.writes[string(key)] = entry{value: nil, seq: o.seq}
}

// Snapshot captures the current write-set cursor for a later Diff call.
func (o *Overlay) Snapshot() Marker {
	return Marker(o.seq)
}

// Diff returns the writes staged since baseline, in lexicographic key
// order.
func (o *Overlay) Diff(baseline Marker) Diff {
	keys := make([]string, 0, len(o.writes))
	for k, e := range o.writes {
		if e.seq > int64(baseline) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	d := Diff{Writes: make([]Write, 0, len(keys))}
	for _, k := range keys {
		e := o.writes[k]
		d.Writes = append(d.Writes, Write{Key: []byte(k), Value: e.value})
	}
	return d
}

// ApplyDiff stages d's writes onto the overlay.
func (o *Overlay) ApplyDiff(d Diff) {
	for _, w := range d.Writes {
		if w.Value == nil {
			o.Delete(w.Key)
		} else {
			o.Put(w.Key, w.Value)
		}
	}
}

// Inverse computes the patch that undoes d, using the overlay's CURRENT
// values as the pre-image. Callers must call Inverse before ApplyDiff(d) on
// the same overlay so the pre-image reflects state as it was before d.
func (o *Overlay) Inverse(d Diff) (Diff, error) {
	inv := Diff{Writes: make([]Write, 0, len(d.Writes))}
	for _, w := range d.Writes {
		pre, err := o.Get(w.Key)
		if errors.Is(err, storage.ErrNotFound) {
			inv.Writes = append(inv.Writes, Write{Key: w.Key, Value: nil})
			continue
		}
		if err != nil {
			return Diff{}, err
		}
		inv.Writes = append(inv.Writes, Write{Key: w.Key, Value: pre})
	}
	return inv, nil
}

// Apply atomically pushes all staged writes to base and clears the write
// set on success. On failure the overlay is left as-is; callers should
// call PurgeNewTrees to discard it before reuse.
func (o *Overlay) Apply() error {
	batcher, ok := o.base.(storage.Batcher)
	if !ok {
		return fmt.Errorf("%w: base store does not support batched commits", ErrCommitFailed)
	}
	batch := batcher.NewBatch()
	for k, e := range o.writes {
		if e.value == nil {
			if err := batch.Delete([]byte(k)); err != nil {
				return fmt.Errorf("%w: %v", ErrCommitFailed, err)
			}
			continue
		}
		if err := batch.Put([]byte(k), e.value); err != nil {
			return fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	o.writes = make(map[string]entry)
	o.seq = 0
	return nil
}

// PurgeNewTrees discards every staged write without committing anything,
// leaving the overlay clean for reuse. Must be called after any failed
// verification batch.
func (o *Overlay) PurgeNewTrees() {
	o.writes = make(map[string]entry)
	o.seq = 0
}

// Clone deep-copies the write set so the clone and the original can diverge
// independently; both still read through to the same base. Cheap relative
// to re-executing a fork's history, which is what makes per-fork trial
// verification affordable.
func (o *Overlay) Clone() *Overlay {
	writes := make(map[string]entry, len(o.writes))
	for k, v := range o.writes {
		writes[k] = v
	}
	return &Overlay{base: o.base, writes: writes, seq: o.seq}
}

// ForEach iterates, in lexicographic key order, over every key with the
// given prefix visible through the overlay: staged writes shadow base
// entries with the same key, and staged tombstones suppress them entirely.
func (o *Overlay) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	staged := make(map[string][]byte, len(o.writes))
	keys := make([]string, 0, len(o.writes))
	for k, e := range o.writes {
		if len(k) < len(p) || k[:len(p)] != p {
			continue
		}
		staged[k] = e.value
		keys = append(keys, k)
	}

	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	if err := o.base.ForEach(prefix, func(key, _ []byte) error {
		k := string(key)
		if !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
		return nil
	}); err != nil {
		return err
	}

	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := staged[k]; ok {
			if v == nil {
				continue
			}
			if err := fn([]byte(k), v); err != nil {
				return err
			}
			continue
		}
		v, err := o.base.Get([]byte(k))
		if err != nil {
			return err
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}
