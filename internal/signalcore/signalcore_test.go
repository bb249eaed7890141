//go:build linux && amd64

package signalcore

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sandboxrt/internal/sandbox"
)

// resetProc wires process-wide state directly, bypassing Initialize (and
// therefore real sigaction installation), so these tests exercise the pure
// handler logic without ever raising an OS signal.
func resetProc(t *testing.T, workerCount int, mode PropagationMode, hooks Hooks) {
	t.Helper()
	proc = processState{}
	proc.mode = mode
	proc.preemptionEnabled.Store(true)
	proc.workerTIDs = make([]int32, workerCount)
	proc.workers = make([]workerState, workerCount)
	for i := range proc.workerTIDs {
		proc.workerTIDs[i] = int32(1000 + i)
	}
	proc.hooks.Store(&hooks)

	prior := sendSignalHook
	t.Cleanup(func() { sendSignalHook = prior })
}

func newSandbox(preemptable bool) *sandbox.Sandbox {
	s := sandbox.New()
	s.SetPreemptable(preemptable)
	return s
}

func TestBroadcastFanOutNotifiesEveryOtherWorker(t *testing.T) {
	var notified []int
	a := newSandbox(true)

	hooks := Hooks{
		CurrentSandbox:      func(int) *sandbox.Sandbox { return a },
		PreemptiveSched:     func(int, unsafe.Pointer) {},
		PreemptiveSwitchTo:  func(int, unsafe.Pointer, *sandbox.Sandbox) {},
	}
	resetProc(t, 3, Broadcast, hooks)
	sendSignalHook = func(i int) { notified = append(notified, i) }

	handleTimerSignal(0, originKernel, nil)

	assert.ElementsMatch(t, []int{1, 2}, notified)
	assert.EqualValues(t, 1, WorkerCounters(0).KernelDelivered)
}

func TestTriagedFanOutSkipsWorkersThatWouldNotPreempt(t *testing.T) {
	var notified []int
	a := newSandbox(true)

	hooks := Hooks{
		CurrentSandbox:     func(int) *sandbox.Sandbox { return a },
		WouldPreempt:       func(i int) bool { return i == 2 },
		PreemptiveSched:    func(int, unsafe.Pointer) {},
		PreemptiveSwitchTo: func(int, unsafe.Pointer, *sandbox.Sandbox) {},
	}
	resetProc(t, 3, Triaged, hooks)
	sendSignalHook = func(i int) { notified = append(notified, i) }

	handleTimerSignal(0, originKernel, nil)

	assert.Equal(t, []int{2}, notified)
}

func TestThreadDeliveredOriginSkipsFanOut(t *testing.T) {
	var notified []int
	a := newSandbox(true)
	var schedCalled int32

	hooks := Hooks{
		CurrentSandbox:  func(int) *sandbox.Sandbox { return a },
		PreemptiveSched: func(int, unsafe.Pointer) { atomic.AddInt32(&schedCalled, 1) },
	}
	resetProc(t, 2, Broadcast, hooks)
	sendSignalHook = func(i int) { notified = append(notified, i) }

	handleTimerSignal(1, originThread, nil)

	assert.Empty(t, notified)
	assert.EqualValues(t, 1, WorkerCounters(1).ThreadDelivered)
	assert.EqualValues(t, 1, atomic.LoadInt32(&schedCalled))
}

func TestNonPreemptableSandboxDefersInsteadOfSwitching(t *testing.T) {
	a := newSandbox(false)
	var schedCalled, deferredCb int32

	hooks := Hooks{
		CurrentSandbox:       func(int) *sandbox.Sandbox { return a },
		PreemptiveSched:      func(int, unsafe.Pointer) { atomic.AddInt32(&schedCalled, 1) },
		OnDeferredPreemption: func(workerIndex int, count uint64) { atomic.AddInt32(&deferredCb, 1) },
	}
	resetProc(t, 1, Broadcast, hooks)

	handleTimerSignal(0, originKernel, nil)

	assert.Zero(t, atomic.LoadInt32(&schedCalled))
	assert.EqualValues(t, 1, atomic.LoadInt32(&deferredCb))
	assert.EqualValues(t, 1, WorkerCounters(0).Deferred)
	assert.Equal(t, sandbox.StateInitializing, a.State()) // unchanged by a deferral
}

func TestPreemptableSandboxInvokesPreemptiveSched(t *testing.T) {
	a := newSandbox(true)
	var gotCtx unsafe.Pointer
	marker := new(int)

	hooks := Hooks{
		CurrentSandbox:  func(int) *sandbox.Sandbox { return a },
		PreemptiveSched: func(_ int, ctx unsafe.Pointer) { gotCtx = ctx },
	}
	resetProc(t, 1, Broadcast, hooks)

	handleTimerSignal(0, originKernel, unsafe.Pointer(marker))

	assert.Equal(t, unsafe.Pointer(marker), gotCtx)
}

func TestUnknownOriginPanics(t *testing.T) {
	a := newSandbox(true)
	hooks := Hooks{CurrentSandbox: func(int) *sandbox.Sandbox { return a }}
	resetProc(t, 1, Broadcast, hooks)

	assert.Panics(t, func() {
		handleTimerSignal(0, originUnknown, nil)
	})
}

func TestResumeSignalRequiresCurrentSandbox(t *testing.T) {
	hooks := Hooks{CurrentSandbox: func(int) *sandbox.Sandbox { return nil }}
	resetProc(t, 1, Broadcast, hooks)

	assert.Panics(t, func() {
		handleResumeSignal(0, nil)
	})
}

func TestResumeSignalInvokesPreemptiveSwitchTo(t *testing.T) {
	a := newSandbox(true)
	var switchedTo *sandbox.Sandbox

	hooks := Hooks{
		CurrentSandbox:     func(int) *sandbox.Sandbox { return a },
		PreemptiveSwitchTo: func(_ int, _ unsafe.Pointer, sb *sandbox.Sandbox) { switchedTo = sb },
	}
	resetProc(t, 1, Broadcast, hooks)

	handleResumeSignal(0, nil)

	assert.Same(t, a, switchedTo)
	assert.EqualValues(t, 1, WorkerCounters(0).ResumeReceived)
}

func TestSignalDepthInvariantRejectsNesting(t *testing.T) {
	a := newSandbox(true)
	hooks := Hooks{
		CurrentSandbox: func(int) *sandbox.Sandbox { return a },
		PreemptiveSched: func(int, unsafe.Pointer) {
			// Simulate re-entrant delivery while still inside the handler.
			handleTimerSignal(0, originThread, nil)
		},
	}
	resetProc(t, 1, Broadcast, hooks)

	assert.Panics(t, func() {
		handleTimerSignal(0, originKernel, nil)
	})
}

func TestPreemptionDisabledGloballyPanics(t *testing.T) {
	a := newSandbox(true)
	hooks := Hooks{CurrentSandbox: func(int) *sandbox.Sandbox { return a }}
	resetProc(t, 1, Broadcast, hooks)
	proc.preemptionEnabled.Store(false)

	assert.Panics(t, func() {
		handleTimerSignal(0, originKernel, nil)
	})
}

func TestWorkerIndexForTIDLookup(t *testing.T) {
	resetProc(t, 3, Broadcast, Hooks{})
	idx, ok := workerIndexForTID(1001)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = workerIndexForTID(9999)
	assert.False(t, ok)
}
