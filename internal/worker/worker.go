// Package worker is the process's worker-thread table: it ties
// internal/archctx, internal/sandbox, internal/sched, internal/signalcore,
// internal/timer, and internal/diagnostics together into the running
// system spec.md §2 describes, the way cmd/sandboxrtd is meant to use it.
//
// Every Worker owns one OS thread for its entire lifetime
// (runtime.LockOSThread), the Go analogue of the original's dedicated
// pthread: it is what makes the worker-thread table's TID entries stable
// targets for signalcore's tgkill-based fan-out, and what makes the
// machine-context jumps in internal/archctx safe — a goroutine that could
// migrate OS threads mid-suspension would invalidate a saved Slow context
// out from under itself.
package worker

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/nmxmxh/sandboxrt/internal/archctx"
	"github.com/nmxmxh/sandboxrt/internal/sandbox"
	"github.com/nmxmxh/sandboxrt/internal/signalcore"
)

// Entry runs a sandbox to completion or until it cooperatively yields.
// Supplied by the caller (cmd/sandboxrtd wires this to internal/moduleabi's
// Handle.Run); kept as a function value here so this package never needs
// to import moduleabi, and so tests can substitute a trivial sandbox body.
type Entry func(*sandbox.Sandbox)

// Worker is a single worker-thread-table entry: its run queue, its
// currently-running sandbox, and the index signalcore/sched address it by.
// Implements sched.WorkerView.
type Worker struct {
	index int
	queue *sandbox.RunQueue

	// current is read from inside a real signal handler (via
	// signalcore.Hooks.CurrentSandbox), so it is an atomic pointer rather
	// than a plain field guarded by a mutex a signal handler could never
	// safely acquire.
	current atomic.Pointer[sandbox.Sandbox]

	entry Entry
}

// New constructs a Worker. queueDepth must be a power of two (see
// sandbox.NewRunQueue); it bounds how many preempted-and-runnable
// sandboxes this worker can hold without the scheduler treating the
// excess as a Config error.
func New(index int, queueDepth uint32, entry Entry) *Worker {
	return &Worker{
		index: index,
		queue: sandbox.NewRunQueue(queueDepth),
		entry: entry,
	}
}

// Index returns the worker's position in the process-wide worker table.
func (w *Worker) Index() int { return w.index }

// RunQueue implements sched.WorkerView.
func (w *Worker) RunQueue() *sandbox.RunQueue { return w.queue }

// BaseContext implements sched.WorkerView by delegating to the signal
// core's own per-worker base context — the scheduler-loop stack a Slow
// restore ultimately trampolines back to (spec.md §4.1).
func (w *Worker) BaseContext() *archctx.Context { return signalcore.BaseContext(w.index) }

// CurrentSandbox implements sched.WorkerView.
func (w *Worker) CurrentSandbox() *sandbox.Sandbox { return w.current.Load() }

// SetCurrentSandbox implements sched.WorkerView.
func (w *Worker) SetCurrentSandbox(s *sandbox.Sandbox) { w.current.Store(s) }

// Enqueue adds a runnable sandbox to this worker's own run queue. Exposed
// for the in-process "listener" stand-in SPEC_FULL.md §4.9 describes: in
// production, a real listener thread (outside this repo's scope, per
// spec.md §1) would call the equivalent over whatever transport fronts
// it.
func (w *Worker) Enqueue(s *sandbox.Sandbox) bool {
	s.SetState(sandbox.StateRunnable)
	return w.queue.Push(s)
}

// Run is the worker's own scheduler loop: lock to an OS thread, register
// with the signal core, then repeatedly pop a runnable sandbox and run it
// to completion or cooperative yield. Preemption happens entirely
// asynchronously via the installed timer/resume signal handlers (the
// OS-level work sched.PreemptiveSched and sched.PreemptiveSwitchTo do from
// inside them) — this loop never calls them directly.
//
// Run returns only when stop is closed and the worker is idle between
// sandboxes; it does not interrupt a sandbox that is currently executing.
func (w *Worker) Run(stop <-chan struct{}) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := signalcore.RegisterWorker(w.index); err != nil {
		return fmt.Errorf("worker %d: register: %w", w.index, err)
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		sb := w.queue.Pop()
		if sb == nil {
			runtime.Gosched()
			continue
		}
		w.runOne(sb)
	}
}

// runOne executes a single sandbox. A sandbox popped here is always either
// fresh (VariantUnused, never run before) or was re-enqueued in
// VariantRunning by PreemptiveSched's tie-break path (spec.md §4.4): both
// cases are an ordinary function call into Entry, never a RestoreFast/
// RestoreSlow jump — those only ever execute from inside the signal
// handler itself, driven by sched.PreemptiveSched and
// sched.PreemptiveSwitchTo against a *different* worker's interrupted
// context, which is why this package never calls them.
func (w *Worker) runOne(sb *sandbox.Sandbox) {
	w.SetCurrentSandbox(sb)
	sb.SetState(sandbox.StateRunning)
	w.entry(sb)
}
