// Package sched implements the Preemptive Scheduler Glue (spec.md §4.4):
// the policy decisions invoked from the timer and resume signal handlers.
// It is wired into internal/signalcore via the signalcore.Hooks struct (see
// internal/worker), not by importing signalcore directly, so that this
// package's logic can be unit tested without any signal-handling machinery
// at all.
package sched

import (
	"unsafe"

	"github.com/nmxmxh/sandboxrt/internal/archctx"
	"github.com/nmxmxh/sandboxrt/internal/sandbox"
)

// WorkerView is the per-worker surface the scheduler needs: its run queue,
// its base (scheduler-loop) context, and its currently-running sandbox
// slot. internal/worker implements this.
type WorkerView interface {
	RunQueue() *sandbox.RunQueue
	BaseContext() *archctx.Context
	CurrentSandbox() *sandbox.Sandbox
	SetCurrentSandbox(*sandbox.Sandbox)
}

// WouldPreempt reports whether the named worker currently runs a
// lower-priority sandbox than some runnable one. Used for Triaged-mode
// fan-out (spec.md §4.4).
func WouldPreempt(view WorkerView) bool {
	current := view.CurrentSandbox()
	if current == nil {
		return true // an idle worker should always take a preemption
	}
	q := view.RunQueue()
	if q == nil {
		return false
	}
	// Triaged fan-out calls this from the origin worker's signal handler
	// against a *sibling* worker's queue, which that sibling's own thread
	// is concurrently Push/Popping — RunQueue is single-owner for
	// mutation (runqueue.go), so this must never Pop. Peek only issues
	// atomic loads and is safe for a foreign thread to call.
	next := q.Peek()
	if next == nil {
		return false
	}
	return next.Priority < current.Priority
}

// PreemptiveSched is called from the timer handler with the ucontext_t the
// OS delivered. It saves interruptedCtx into the current sandbox's Arch
// Context as Slow, marks the sandbox Preempted, enqueues it, pops a
// successor, and either performs a direct fast restore or overwrites the
// OS-supplied context in place so return-from-handler resumes the
// successor — per spec.md §4.4.
func PreemptiveSched(view WorkerView, interruptedCtx unsafe.Pointer) {
	current := view.CurrentSandbox()
	if current == nil {
		panic("sched: preemptive-sched invoked with no current sandbox")
	}

	archctx.SaveSlow(current.ArchContext(), interruptedCtx)
	current.SetState(sandbox.StatePreempted)

	q := view.RunQueue()
	if !q.Push(current) {
		panic("sched: run queue full on preemption; no budget was configured for this depth")
	}

	successor := q.Pop()

	// Tie-breaking (spec.md §4.4): when the queue held only the preempted
	// sandbox itself, return it unchanged — no switch, no counter churn
	// beyond the signal-depth entry/exit the caller already accounted
	// for. Writing the just-saved context back leaves the interrupted
	// machine state as it was and returns the Arch Context to Running.
	if successor == current {
		archctx.Overwrite(interruptedCtx, current.ArchContext())
		current.SetState(sandbox.StateRunning)
		return
	}

	view.SetCurrentSandbox(successor)
	successor.SetState(sandbox.StateRunning)

	switch successor.ArchContext().Load() {
	case archctx.VariantFast:
		archctx.RestoreFast(successor.ArchContext()) // no return
	case archctx.VariantSlow:
		archctx.Overwrite(interruptedCtx, successor.ArchContext())
	default:
		panic("sched: successor popped from run queue has neither a fast nor a slow context")
	}
}

// PreemptiveSwitchTo is called from the resume handler. It overwrites
// interruptedCtx (the machine context the OS delivered to the resume
// handler, which reflects the worker's base/scheduler-loop stack) in place
// with sb's saved machine context, per spec.md §4.4.
func PreemptiveSwitchTo(interruptedCtx unsafe.Pointer, sb *sandbox.Sandbox) {
	if sb.State() != sandbox.StatePreempted {
		panic("sched: preemptive-switch-to requires the sandbox to be Preempted")
	}
	if sb.ArchContext().Load() != archctx.VariantSlow {
		panic("sched: preemptive-switch-to requires a Slow arch context")
	}
	archctx.Overwrite(interruptedCtx, sb.ArchContext())
	sb.SetState(sandbox.StateRunning)
}
