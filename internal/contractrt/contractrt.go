// Package contractrt declares the external contract-runtime boundary: a
// deterministic exec function the verifier calls for each DAG call, plus
// an immutable registry mapping contract IDs to their runtime and their ZK
// verifying keys. The runtime itself (the wasm execution engine, the
// domain contracts) is out of scope; this package only defines the shape
// the verifier depends on.
package contractrt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/veilchain/veil-core/internal/overlay"
	"github.com/veilchain/veil-core/internal/zk"
	"github.com/veilchain/veil-core/pkg/tx"
	"github.com/veilchain/veil-core/pkg/types"
)

// ErrUnknownContract reports a call referencing a contract ID the
// registry has no runtime for.
var ErrUnknownContract = errors.New("contractrt: unknown contract id")

// ErrAlreadyRegistered reports a double-registration of the same contract
// ID; the registry is immutable after boot, so this is a programmer error.
var ErrAlreadyRegistered = errors.New("contractrt: contract already registered")

// Result is what a single call execution produces: the overlay writes it
// staged and the gas it consumed.
type Result struct {
	Diff overlay.Diff
	Gas  uint64
}

// Runtime is the capability set a registered contract exposes: execute a
// call against an overlay clone, and report the verifying keys its
// functions require. Concrete implementations live outside this module
// (the wasm runtime); tests use a stub satisfying this interface.
type Runtime interface {
	// Exec runs call.FunctionCode against ov, returning the diff since
	// ov's current snapshot and the gas consumed. Must be deterministic:
	// identical (call, overlay state) always yields identical output.
	Exec(call tx.Call, ov *overlay.Overlay) (Result, error)
	// VerifyingKeys returns the verifying key for each function code this
	// contract exposes, keyed by FunctionCode.
	VerifyingKeys() map[uint16]zk.VerifyingKey
}

// Registry maps contract IDs to their runtime. It is built once at boot
// and never mutated after Seal. Every lookup takes a shared read lock, so
// concurrent lookups do not block one another.
type Registry struct {
	mu        sync.RWMutex
	runtimes  map[types.ContractID]Runtime
	sealed    bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[types.ContractID]Runtime)}
}

// Register adds a contract's runtime. Returns ErrAlreadyRegistered if the
// ID is already present, or an error if the registry has been sealed.
func (r *Registry) Register(id types.ContractID, rt Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("contractrt: registry sealed, cannot register %s", id)
	}
	if _, ok := r.runtimes[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.runtimes[id] = rt
	return nil
}

// Seal freezes the registry; further Register calls fail. Boot code calls
// this once all domain contracts are registered.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup returns the runtime for id, or ErrUnknownContract.
func (r *Registry) Lookup(id types.ContractID) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, id)
	}
	return rt, nil
}

// Exec looks up call.ContractID's runtime and executes the call against
// ov. This is the single entry point the verifier uses; it never
// interprets call.Data itself.
func (r *Registry) Exec(call tx.Call, ov *overlay.Overlay) (Result, error) {
	rt, err := r.Lookup(call.ContractID)
	if err != nil {
		return Result{}, err
	}
	return rt.Exec(call, ov)
}

// VerifyingKeyFor returns the verifying key a given call's function must
// satisfy.
func (r *Registry) VerifyingKeyFor(call tx.Call) (zk.VerifyingKey, error) {
	rt, err := r.Lookup(call.ContractID)
	if err != nil {
		return zk.VerifyingKey{}, err
	}
	vks := rt.VerifyingKeys()
	vk, ok := vks[call.FunctionCode]
	if !ok {
		return zk.VerifyingKey{}, fmt.Errorf("contractrt: contract %s has no verifying key for function %d", call.ContractID, call.FunctionCode)
	}
	return vk, nil
}
