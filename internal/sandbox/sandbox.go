// Package sandbox defines the unit the scheduler switches between: a
// sandbox's Arch Context, lifecycle state, preemptability, and run-queue
// linkage. It satisfies the collaborator contract spec.md §6 enumerates
// ("current-sandbox-of-worker", "sandbox.is-preemptable", "sandbox.state",
// "sandbox.arch_context", "run-queue.push/pop") so the scheduler core never
// needs to know how a sandbox's module was loaded or what it computes.
package sandbox

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nmxmxh/sandboxrt/internal/archctx"
	"github.com/nmxmxh/sandboxrt/internal/moduleabi"
)

// State is a sandbox's lifecycle state. Supplements spec.md's Arch-Context
// Variant (which only tracks suspension kind) with the coarser lifecycle
// the original tracks in sandbox_types.h, renamed to Go idiom.
type State int32

const (
	StateInitializing State = iota
	StateRunnable
	StateRunning
	StatePreempted
	StateBlocked
	StateReturned
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StatePreempted:
		return "preempted"
	case StateBlocked:
		return "blocked"
	case StateReturned:
		return "returned"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sandbox is an isolated execution unit: a native-code module loaded from a
// shared object, run to completion. Its Arch Context is conceptually a
// field of the sandbox, never an independently-owned object (spec.md §9).
type Sandbox struct {
	ID uuid.UUID

	// Module is the resolved native shared object this sandbox runs.
	// Populated by whatever loads the sandbox (the listener, in
	// production) before it is ever enqueued; nil only in
	// StateInitializing.
	Module *moduleabi.Handle

	ctx   archctx.Context
	state int32 // atomic State

	// preemptable reports whether a timer signal during this sandbox's
	// execution may immediately suspend it. Backed by an atomic so the
	// signal handler can read it without a lock (spec §5: no locks in
	// the core).
	preemptable atomic.Bool

	// Priority is consulted by Triaged-mode would-preempt policy hooks
	// (spec.md §4.4), where a lower value ranks higher. The run queue is
	// FIFO and does not order sandboxes by it.
	Priority int
}

// New creates a sandbox in StateInitializing with an Unused Arch Context.
func New() *Sandbox {
	s := &Sandbox{ID: uuid.New()}
	s.preemptable.Store(true)
	atomic.StoreInt32(&s.state, int32(StateInitializing))
	return s
}

// ArchContext returns the sandbox's Arch Context. The scheduler core is the
// only writer; callers outside it must treat the returned pointer as
// read-only.
func (s *Sandbox) ArchContext() *archctx.Context { return &s.ctx }

// State returns the current lifecycle state.
func (s *Sandbox) State() State { return State(atomic.LoadInt32(&s.state)) }

// SetState transitions the sandbox to the given state. Not itself
// invariant-checked (the lattice is enforced by callers — the scheduler and
// signal core — who know which transitions are legal in context); this
// keeps the hot path allocation- and lock-free.
func (s *Sandbox) SetState(next State) { atomic.StoreInt32(&s.state, int32(next)) }

// IsPreemptable reports whether a timer signal may immediately suspend this
// sandbox right now. False while the sandbox executes within a syscall shim
// or otherwise holds a nonreentrant resource.
func (s *Sandbox) IsPreemptable() bool { return s.preemptable.Load() }

// SetPreemptable updates preemptability. Typically toggled by the sandbox's
// syscall shim around nonreentrant regions.
func (s *Sandbox) SetPreemptable(v bool) { s.preemptable.Store(v) }
