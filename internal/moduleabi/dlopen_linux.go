//go:build linux

package moduleabi

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

static void sandboxrt_call_void(void *fn) {
	((void (*)(void))fn)();
}

static void sandboxrt_call_init_libc(void *fn, int32_t a, int32_t b) {
	((void (*)(int32_t, int32_t))fn)(a, b);
}

static int32_t sandboxrt_call_entrypoint(void *fn, int32_t a, int32_t b) {
	return ((int32_t(*)(int32_t, int32_t))fn)(a, b);
}
*/
import "C"

import (
	"unsafe"
)

// nativeHandle is the dlopen handle backing a Handle, kept so Unload can
// dlclose it.
type nativeHandle struct {
	ptr unsafe.Pointer
}

// Load opens the shared object at path with lazy binding and deep
// symbol-scope isolation — required so that co-resident sandboxes whose
// modules define colliding symbol names do not resolve into each other —
// and resolves every entry point the ABI requires. It fails with
// *LoadError if the object cannot be opened, or *ResolveError if a
// non-optional symbol is missing.
func Load(path string) (*Handle, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	ptr := C.dlopen(cpath, C.RTLD_LAZY|C.RTLD_DEEPBIND)
	if ptr == nil {
		return nil, &LoadError{Path: path, Err: errString(C.dlerror())}
	}

	h := &Handle{path: path, native: nativeHandle{ptr: ptr}}

	if sym := dlsymStr(ptr, symInitGlobals); sym != nil {
		h.initGlobals = func() { C.sandboxrt_call_void(sym) }
	}

	memSym := dlsymStr(ptr, symInitMemory)
	if memSym == nil {
		C.dlclose(ptr)
		return nil, &ResolveError{Path: path, Symbol: symInitMemory}
	}
	h.initMemory = func() { C.sandboxrt_call_void(memSym) }

	tblSym := dlsymStr(ptr, symInitTable)
	if tblSym == nil {
		C.dlclose(ptr)
		return nil, &ResolveError{Path: path, Symbol: symInitTable}
	}
	h.initTable = func() { C.sandboxrt_call_void(tblSym) }

	libcSym := dlsymStr(ptr, symInitLibc)
	if libcSym == nil {
		C.dlclose(ptr)
		return nil, &ResolveError{Path: path, Symbol: symInitLibc}
	}
	h.initLibc = func(a, b int32) { C.sandboxrt_call_init_libc(libcSym, C.int32_t(a), C.int32_t(b)) }

	entrySym := dlsymStr(ptr, symEntrypoint)
	if entrySym == nil {
		C.dlclose(ptr)
		return nil, &ResolveError{Path: path, Symbol: symEntrypoint}
	}
	h.entrypoint = func(a, b int32) int32 {
		return int32(C.sandboxrt_call_entrypoint(entrySym, C.int32_t(a), C.int32_t(b)))
	}

	return h, nil
}

// dlsymStr wraps C.dlsym for a Go string symbol name, freeing the
// intermediate C-heap copy before returning.
func dlsymStr(handle unsafe.Pointer, sym string) unsafe.Pointer {
	cs := C.CString(sym)
	defer C.free(unsafe.Pointer(cs))
	return C.dlsym(handle, cs)
}

// Unload releases the shared object. The handle must not be used
// afterward.
func Unload(h *Handle) error {
	if C.dlclose(h.native.ptr) != 0 {
		return &LoadError{Path: h.path, Err: errString(C.dlerror())}
	}
	return nil
}

func errString(cs *C.char) error {
	if cs == nil {
		return errUnknownDlError
	}
	return dlError(C.GoString(cs))
}

type dlError string

func (e dlError) Error() string { return string(e) }

var errUnknownDlError = dlError("unknown dlopen/dlsym error")
