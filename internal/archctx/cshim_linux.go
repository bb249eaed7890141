//go:build linux && amd64

package archctx

/*
#include <string.h>
#include <ucontext.h>

static size_t sandboxrt_ucontext_size(void) {
	return sizeof(ucontext_t);
}

static void sandboxrt_ucontext_copy(void *dst, const void *src) {
	memcpy(dst, src, sizeof(ucontext_t));
}
*/
import "C"
import "unsafe"

// machineContext is an opaque, fixed-size buffer large enough to hold the
// host's full signal-delivered register set: general-purpose registers,
// the floating-point state pointer, and the signal mask. On linux/amd64
// this is exactly a ucontext_t, copied verbatim — never interpreted
// field-by-field in Go, since its layout is glibc's to define.
type machineContext struct {
	buf [ucontextSize]byte
}

// ucontextSize is sized generously above glibc's amd64 ucontext_t (~968
// bytes including fpregs and an XSAVE area reservation); the cgo shim
// asserts the real size fits at init.
const ucontextSize = 2048

func init() {
	if want := int(C.sandboxrt_ucontext_size()); want > ucontextSize {
		panic("archctx: ucontext_t larger than reserved machineContext buffer")
	}
}

func copyMachineContext(dst *machineContext, osCtx unsafe.Pointer) {
	C.sandboxrt_ucontext_copy(unsafe.Pointer(&dst.buf[0]), osCtx)
}

func overwriteMachineContext(osCtx unsafe.Pointer, src *machineContext) {
	C.sandboxrt_ucontext_copy(osCtx, unsafe.Pointer(&src.buf[0]))
}
