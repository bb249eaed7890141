package signalcore

import (
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sandboxrt/internal/archctx"
	"github.com/nmxmxh/sandboxrt/internal/sandbox"
)

// PropagationMode selects how the timer signal fans out to sibling
// workers when it originates from the kernel.
type PropagationMode int

const (
	// Broadcast notifies every other worker unconditionally.
	Broadcast PropagationMode = iota
	// Triaged polls WouldPreempt per candidate and only notifies workers
	// that return true.
	Triaged
)

func (m PropagationMode) String() string {
	if m == Triaged {
		return "triaged"
	}
	return "broadcast"
}

// Hooks are the collaborators the signal core invokes from inside a signal
// handler. Every function here must be async-signal-safe: no allocation,
// no locks that might be held by the interrupted code, no reentrant I/O
// (spec.md §9).
type Hooks struct {
	// CurrentSandbox returns the sandbox presently running on the given
	// worker index, or nil.
	CurrentSandbox func(workerIndex int) *sandbox.Sandbox

	// WouldPreempt is the Triaged-mode policy hook: true if the given
	// worker currently runs a lower-priority sandbox than some runnable
	// one.
	WouldPreempt func(workerIndex int) bool

	// ListenerThreadIsRunning reports whether the calling OS thread is
	// the HTTP listener thread, for the "delivering thread is a worker"
	// validation. Returns false outside debug builds' assertions if the
	// collaborator isn't wired — never panics.
	ListenerThreadIsRunning func() bool

	// PreemptiveSched is the scheduler glue's timer-signal entry point:
	// save interruptedCtx into the current sandbox's Arch Context as
	// Slow, pick a successor, and arrange the switch.
	PreemptiveSched func(workerIndex int, interruptedCtx unsafe.Pointer)

	// PreemptiveSwitchTo is the scheduler glue's resume-signal entry
	// point: overwrite interruptedCtx in place with sb's saved machine
	// context.
	PreemptiveSwitchTo func(workerIndex int, interruptedCtx unsafe.Pointer, sb *sandbox.Sandbox)

	// OnDeferredPreemption is called (outside signal context is not
	// guaranteed — keep it async-signal-safe too) whenever a timer fires
	// against a non-preemptable sandbox or a worker with no current
	// sandbox, after the deferred counter is
	// incremented. Optional; used by internal/diagnostics to publish the
	// worker's cumulative deferred-preemption total. The counter is never
	// reset (see DESIGN.md), so deferredCount is the running total, not a
	// count of currently outstanding deferrals.
	OnDeferredPreemption func(workerIndex int, deferredCount uint64)
}

// workerState is the per-worker static state of spec.md §3: a base
// context, the three monotonic signal counters, the deferred-preemption
// counter, the signal-depth counter, and the switching-context flag.
//
// Allocated for every worker once at Initialize and never destroyed — the
// worker thread is process-lifetime.
type workerState struct {
	tid int32 // not written; RegisterWorker records the OS thread id in processState.workerTIDs

	base archctx.Context // worker's own scheduler-loop context; Slow restores trampoline here

	kernelDelivered uint64
	threadDelivered uint64
	resumeReceived  uint64
	deferred        uint64

	signalDepth int32
	switching   int32 // bool as int32 for atomic ops
}

// processState is the process-wide static state of spec.md §3: written
// once at startup by the process owner, read-only thereafter by every
// worker and every signal handler invocation.
type processState struct {
	mode               PropagationMode
	preemptionEnabled  atomic.Bool
	quantumMicros      uint64
	quantumCycles      uint64
	workerTIDs         []int32 // index == worker index, -1 until registered
	workers            []workerState
	deferredMaxEnabled bool
	hooks              atomic.Pointer[Hooks]
}

var proc processState

// workerIndexForTID linearly scans the read-only worker table. Bounded by
// the (small) worker count and touches no locks or allocation, so it is
// safe to call from within a signal handler.
func workerIndexForTID(tid int32) (int, bool) {
	for i, t := range proc.workerTIDs {
		if t == tid {
			return i, true
		}
	}
	return 0, false
}
