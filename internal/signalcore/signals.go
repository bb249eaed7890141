package signalcore

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/sandboxrt/internal/archctx"
)

// InvariantViolation mirrors archctx.InvariantViolation for conditions this
// package's own preconditions catch. Never recovered.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("signalcore: invariant violated in %s: %s", e.Op, e.Detail)
}

// Config is the subset of process-wide static state the signal core needs
// at Initialize time. internal/config.Config carries the full set and is
// trivially convertible.
type Config struct {
	WorkerCount       int
	PropagationMode   PropagationMode
	PreemptionEnabled bool
	QuantumMicros     uint64
	QuantumCycles     uint64
}

// Initialize installs the signal core process-wide: records Config, wires
// Hooks, and installs the OS-level handler for the timer and resume
// signals (see handler_cgo.go). Must be called exactly once, before any
// worker registers or the timer is armed.
func Initialize(cfg Config, hooks Hooks) error {
	proc.mode = cfg.PropagationMode
	proc.preemptionEnabled.Store(cfg.PreemptionEnabled)
	proc.quantumMicros = cfg.QuantumMicros
	proc.quantumCycles = cfg.QuantumCycles
	proc.workerTIDs = make([]int32, cfg.WorkerCount)
	for i := range proc.workerTIDs {
		proc.workerTIDs[i] = -1
	}
	proc.workers = make([]workerState, cfg.WorkerCount)
	proc.hooks.Store(&hooks)

	return installSignalHandlers()
}

// RegisterWorker records the calling OS thread (which must already have
// called runtime.LockOSThread) as worker index. Must be called from the
// worker's own goroutine.
func RegisterWorker(index int) error {
	if index < 0 || index >= len(proc.workers) {
		return InvariantViolation{Op: "register-worker", Detail: "index out of range"}
	}
	proc.workerTIDs[index] = currentTID()
	return nil
}

// SetQuantumCycles updates the cycle-denominated quantum used by
// cycle-aware consumers. Does not retune the wall-clock timer (spec.md
// §4.5 set-interval).
func SetQuantumCycles(cycles uint64) {
	atomic.StoreUint64(&proc.quantumCycles, cycles)
}

func currentHooks() *Hooks {
	h := proc.hooks.Load()
	if h == nil {
		panic(InvariantViolation{Op: "hooks", Detail: "signalcore.Initialize was never called"})
	}
	return h
}

// signalOrigin distinguishes a kernel-delivered signal (SI_KERNEL, i.e.
// the interval timer itself fired) from a thread-delivered one (SI_TKILL,
// a sibling worker's fan-out copy).
type signalOrigin int

const (
	originKernel signalOrigin = iota
	originThread
	originUnknown
)

// handleTimerSignal is the pure-Go body of the timer-signal path (spec.md
// §4.3 "Timer signal path"), invoked by the cgo trampoline with the
// interrupted ucontext_t it received from the OS. Split out from the cgo
// glue so it is unit-testable without ever raising a real signal.
func handleTimerSignal(workerIndex int, origin signalOrigin, interruptedCtx unsafe.Pointer) {
	w := &proc.workers[workerIndex]
	enterSignal(w)
	defer exitSignal(w)

	hooks := currentHooks()

	switch origin {
	case originKernel:
		atomic.AddUint64(&w.kernelDelivered, 1)
		propagateTimerSignal(workerIndex)
	case originThread:
		atomic.AddUint64(&w.threadDelivered, 1)
	default:
		panic(InvariantViolation{Op: "timer-signal", Detail: "signal delivered from neither kernel nor a known thread"})
	}

	current := hooks.CurrentSandbox(workerIndex)
	if current == nil || !current.IsPreemptable() {
		n := atomic.AddUint64(&w.deferred, 1)
		if hooks.OnDeferredPreemption != nil {
			hooks.OnDeferredPreemption(workerIndex, n)
		}
		return
	}

	hooks.PreemptiveSched(workerIndex, interruptedCtx)
}

// sendSignalHook delivers a thread-directed copy of the timer signal to
// the given worker index. Bound to the real tgkill-based sender in
// handler_cgo.go; tests substitute a fake to exercise fan-out logic
// without raising real signals.
var sendSignalHook = sendTimerSignalToWorker

// propagateTimerSignal fans a kernel-originated timer signal out to every
// other worker, per spec.md §4.3a. Broadcast notifies unconditionally;
// Triaged polls WouldPreempt per candidate.
func propagateTimerSignal(originIndex int) {
	hooks := currentHooks()
	for i := range proc.workers {
		if i == originIndex {
			continue
		}
		switch proc.mode {
		case Triaged:
			if hooks.WouldPreempt(i) {
				sendSignalHook(i)
			}
		case Broadcast:
			sendSignalHook(i)
		default:
			panic(InvariantViolation{Op: "propagate-timer", Detail: "unknown propagation mode"})
		}
	}
}

// handleResumeSignal is the pure-Go body of the resume-signal path
// (spec.md §4.3 "Resume signal path").
func handleResumeSignal(workerIndex int, interruptedCtx unsafe.Pointer) {
	w := &proc.workers[workerIndex]
	enterSignal(w)
	defer exitSignal(w)

	hooks := currentHooks()
	current := hooks.CurrentSandbox(workerIndex)
	if current == nil {
		panic(InvariantViolation{Op: "resume-signal", Detail: "no current sandbox"})
	}

	atomic.AddUint64(&w.resumeReceived, 1)
	hooks.PreemptiveSwitchTo(workerIndex, interruptedCtx, current)
}

// enterSignal enforces the signal-depth invariant: signals do not nest.
func enterSignal(w *workerState) {
	if !proc.preemptionEnabled.Load() {
		panic(InvariantViolation{Op: "signal-entry", Detail: "preemption globally disabled"})
	}
	if atomic.LoadInt32(&w.signalDepth) != 0 {
		panic(InvariantViolation{Op: "signal-entry", Detail: "signal-depth nonzero on entry"})
	}
	atomic.AddInt32(&w.signalDepth, 1)
}

func exitSignal(w *workerState) {
	atomic.AddInt32(&w.signalDepth, -1)
}

// Counters is a point-in-time snapshot of one worker's monotonic signal
// counters, exposed for internal/diagnostics.
type Counters struct {
	KernelDelivered uint64
	ThreadDelivered uint64
	ResumeReceived  uint64
	Deferred        uint64
	SignalDepth     int32
}

// WorkerCounters snapshots worker index's counters.
func WorkerCounters(workerIndex int) Counters {
	w := &proc.workers[workerIndex]
	return Counters{
		KernelDelivered: atomic.LoadUint64(&w.kernelDelivered),
		ThreadDelivered: atomic.LoadUint64(&w.threadDelivered),
		ResumeReceived:  atomic.LoadUint64(&w.resumeReceived),
		Deferred:        atomic.LoadUint64(&w.deferred),
		SignalDepth:     atomic.LoadInt32(&w.signalDepth),
	}
}

// WorkerCount reports how many workers were registered with Initialize.
func WorkerCount() int { return len(proc.workers) }

// BaseContext returns the worker's own scheduler-loop context, the target
// Slow restores trampoline to.
func BaseContext(workerIndex int) *archctx.Context {
	return &proc.workers[workerIndex].base
}
