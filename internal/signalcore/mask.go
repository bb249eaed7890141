package signalcore

import (
	"golang.org/x/sys/unix"
)

// maskedSet is the signal set MaskSignals blocks: the timer and resume
// signals, the same pair the handler registration in handler_cgo.go
// declares mutually masked during handler execution (spec.md §4.3 "Mask
// discipline").
func maskedSet() unix.Sigset_t {
	var set unix.Sigset_t
	sigaddset(&set, timerSignal)
	sigaddset(&set, resumeSignal)
	return set
}

// MaskGuard is a scoped acquisition of the timer/resume signal mask for the
// calling (worker) OS thread, for critical sections outside the handler
// that mutate scheduler structures (spec.md §4.3). Must be released by
// calling Release from the same goroutine/thread that acquired it — the
// pthread signal mask is thread-local, and the goroutine must not migrate
// OS threads between Mask and Unmask (workers call runtime.LockOSThread at
// startup, which is what makes this safe to use from worker code).
type MaskGuard struct {
	prior unix.Sigset_t
}

// MaskSignals blocks the timer and resume signals on the calling thread and
// returns a guard that restores the prior mask on Release.
func MaskSignals() (*MaskGuard, error) {
	set := maskedSet()
	g := &MaskGuard{}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &g.prior); err != nil {
		return nil, err
	}
	return g, nil
}

// Release restores the signal mask captured at MaskSignals.
func (g *MaskGuard) Release() error {
	return unix.PthreadSigmask(unix.SIG_SETMASK, &g.prior, nil)
}

func sigaddset(set *unix.Sigset_t, sig uint32) {
	// unix.Sigset_t is a fixed-size array of uint64 words on linux/amd64;
	// bit i of word i/64 corresponds to signal i+1 (signals are 1-indexed).
	idx := (sig - 1) / 64
	bit := (sig - 1) % 64
	set.Val[idx] |= 1 << bit
}
