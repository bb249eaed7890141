//go:build linux && amd64

package signalcore

/*
#define _GNU_SOURCE
#include <signal.h>
#include <string.h>
#include <stdint.h>
#include <unistd.h>
#include <sys/syscall.h>

extern void sandboxrtGoHandleSignal(int sig, int siCode, int tid, void *ucontext);

static void sandboxrt_trampoline(int sig, siginfo_t *info, void *ucontext) {
	sandboxrtGoHandleSignal(sig, info->si_code, (int)syscall(SYS_gettid), ucontext);
}

static int sandboxrt_install(int sig) {
	struct sigaction sa;
	memset(&sa, 0, sizeof(sa));
	sa.sa_sigaction = sandboxrt_trampoline;
	sa.sa_flags = SA_SIGINFO | SA_RESTART;
	sigemptyset(&sa.sa_mask);
	sigaddset(&sa.sa_mask, SIGALRM);
	sigaddset(&sa.sa_mask, SIGUSR1);
	return sigaction(sig, &sa, NULL);
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	timerSignal  = uint32(unix.SIGALRM)
	resumeSignal = uint32(unix.SIGUSR1)
)

// installSignalHandlers registers the shared trampoline for both the timer
// and the resume signal. sigaction is process-wide, so this need run only
// once regardless of worker count.
func installSignalHandlers() error {
	for _, sig := range []C.int{C.int(timerSignal), C.int(resumeSignal)} {
		if rc := C.sandboxrt_install(sig); rc != 0 {
			return InvariantViolation{Op: "install-signal-handlers", Detail: "sigaction failed"}
		}
	}
	return nil
}

func currentTID() int32 { return int32(unix.Gettid()) }

// sendTimerSignalToWorker delivers a thread-directed copy of SIGALRM to
// worker index, the Go equivalent of the original's pthread_kill fan-out.
func sendTimerSignalToWorker(index int) {
	tid := proc.workerTIDs[index]
	if tid < 0 {
		panic(InvariantViolation{Op: "fan-out", Detail: "target worker never registered"})
	}
	_ = unix.Tgkill(unix.Getpid(), int(tid), unix.Signal(timerSignal))
}

//export sandboxrtGoHandleSignal
func sandboxrtGoHandleSignal(sig, siCode, tid C.int, ucontext unsafe.Pointer) {
	hooks := currentHooks()
	if hooks.ListenerThreadIsRunning != nil && hooks.ListenerThreadIsRunning() {
		panic(InvariantViolation{Op: "signal-entry", Detail: "the listener thread unexpectedly received a signal"})
	}

	workerIndex, ok := workerIndexForTID(int32(tid))
	if !ok {
		panic(InvariantViolation{Op: "signal-entry", Detail: "signal delivered to a non-worker thread"})
	}

	switch unix.Signal(sig) {
	case unix.Signal(timerSignal):
		handleTimerSignal(workerIndex, classifyOrigin(siCode), unsafe.Pointer(ucontext))
	case unix.Signal(resumeSignal):
		handleResumeSignal(workerIndex, unsafe.Pointer(ucontext))
	default:
		panic(InvariantViolation{Op: "signal-entry", Detail: "anomalous signal"})
	}
}

func classifyOrigin(siCode C.int) signalOrigin {
	switch siCode {
	case C.SI_KERNEL:
		return originKernel
	case C.SI_TKILL:
		return originThread
	default:
		return originUnknown
	}
}
