package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/sandboxrt/internal/config"
	"github.com/nmxmxh/sandboxrt/internal/diagnostics"
	"github.com/nmxmxh/sandboxrt/internal/sandbox"
	"github.com/nmxmxh/sandboxrt/internal/sched"
	"github.com/nmxmxh/sandboxrt/internal/signalcore"
	"github.com/nmxmxh/sandboxrt/internal/timer"
)

// defaultQueueDepth is the per-worker run-queue capacity used when the
// caller doesn't need to tune it. Must stay a power of two.
const defaultQueueDepth = 256

// Pool owns the process-wide worker table: one Worker per configured
// worker, the signalcore wiring that lets their signal handlers reach back
// into sched's policy functions, and the process-wide interval timer
// (spec.md §4.5 / SPEC_FULL.md §4.9), armed once by Start; subsequent
// quanta reach the other workers via Signal Core fan-out.
type Pool struct {
	cfg     config.Config
	workers []*Worker
	diag    *diagnostics.Recorder
	timer   *timer.Timer

	listenerTID atomic.Int32 // -1 until MarkListenerThread is called
}

// NewPool validates cfg, allocates a Worker per cfg.WorkerCount, and wires
// signalcore.Initialize with a Hooks value closing over this Pool. entry
// runs every sandbox popped by any worker in the pool; cmd/sandboxrtd
// binds it to internal/moduleabi's Handle.Run.
func NewPool(cfg config.Config, entry Entry) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		workers: make([]*Worker, cfg.WorkerCount),
		diag:    diagnostics.New(cfg.DeferredPreemptionDiagnostics, cfg.WorkerCount),
		timer:   timer.New(cfg.PreemptionEnabled, cfg.QuantumMicros, cfg.QuantumCycles),
	}
	p.listenerTID.Store(-1)

	for i := range p.workers {
		p.workers[i] = New(i, defaultQueueDepth, entry)
	}

	hooks := signalcore.Hooks{
		CurrentSandbox:          p.currentSandbox,
		WouldPreempt:            p.wouldPreempt,
		ListenerThreadIsRunning: p.listenerThreadIsRunning,
		PreemptiveSched:         p.preemptiveSched,
		PreemptiveSwitchTo:      p.preemptiveSwitchTo,
		OnDeferredPreemption:    p.diag.Record,
	}

	if err := signalcore.Initialize(cfg.SignalCoreConfig(), hooks); err != nil {
		return nil, fmt.Errorf("worker: signalcore init: %w", err)
	}
	return p, nil
}

// Diagnostics returns the pool's deferred-preemption recorder, for wiring
// into a prometheus.Registry by cmd/sandboxrtd.
func (p *Pool) Diagnostics() *diagnostics.Recorder { return p.diag }

// Worker returns the worker at index.
func (p *Pool) Worker(index int) *Worker { return p.workers[index] }

// MarkListenerThread records the calling goroutine's OS thread as the
// listener thread, for signalcore's "delivering thread is a worker"
// assertion (spec.md §9). Must be called from a goroutine that has
// already called runtime.LockOSThread, same as a worker.
func (p *Pool) MarkListenerThread() {
	p.listenerTID.Store(int32(unix.Gettid()))
}

func (p *Pool) listenerThreadIsRunning() bool {
	tid := p.listenerTID.Load()
	return tid >= 0 && tid == int32(unix.Gettid())
}

func (p *Pool) currentSandbox(workerIndex int) *sandbox.Sandbox {
	return p.workers[workerIndex].CurrentSandbox()
}

func (p *Pool) wouldPreempt(workerIndex int) bool {
	return sched.WouldPreempt(p.workers[workerIndex])
}

func (p *Pool) preemptiveSched(workerIndex int, interruptedCtx unsafe.Pointer) {
	sched.PreemptiveSched(p.workers[workerIndex], interruptedCtx)
}

func (p *Pool) preemptiveSwitchTo(workerIndex int, interruptedCtx unsafe.Pointer, sb *sandbox.Sandbox) {
	sched.PreemptiveSwitchTo(interruptedCtx, sb)
}

// Start arms the interval timer once, from the calling goroutine, and then
// runs every worker's scheduler loop in its own goroutine. Returns once every worker goroutine has returned
// (i.e. after stop is closed and each worker finishes its current
// sandbox, if any).
func (p *Pool) Start(stop <-chan struct{}) error {
	if err := p.timer.Arm(); err != nil {
		return fmt.Errorf("worker: arm timer: %w", err)
	}
	defer p.timer.Disarm() //nolint:errcheck // best-effort on shutdown

	var wg sync.WaitGroup
	errs := make([]error, len(p.workers))
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Run(stop)
		}(i, w)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
	}
	return nil
}
