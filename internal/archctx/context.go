// Package archctx holds the saved CPU state of a suspended sandbox and
// provides the fast (user-space, two-register) and slow (full host
// machine-context) save/restore primitives the scheduler switches on.
//
// The variant tag and the user-register pair occupy fixed offsets within
// Context because the fast-path restore is a hand-written assembly routine
// (context_amd64.s) that reads them directly; init asserts the offsets
// match so a future field reorder fails loudly instead of silently
// corrupting a switch.
package archctx

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Variant is the lifecycle tag of a Context. Compared by integer value from
// assembly, so these numeric assignments are part of the contract.
type Variant int32

const (
	VariantUnused  Variant = 0
	VariantFast    Variant = 1
	VariantSlow    Variant = 2
	VariantRunning Variant = 3
)

func (v Variant) String() string {
	switch v {
	case VariantUnused:
		return "unused"
	case VariantFast:
		return "fast"
	case VariantSlow:
		return "slow"
	case VariantRunning:
		return "running"
	default:
		return fmt.Sprintf("variant(%d)", int32(v))
	}
}

// Regs is the user-register pair meaningful for a Fast context: the
// semantics of two machine words, a stack pointer and an instruction
// pointer.
type Regs struct {
	SP uintptr
	IP uintptr
}

// Context describes a sandbox's suspended execution. Zero value is a valid
// Unused context.
//
// Field layout is part of the assembly-visible contract (see package doc);
// do not reorder variant/regs without updating context_amd64.s and the
// offset constants below.
type Context struct {
	variant int32          // offset 0, known to context_amd64.s
	_       [4]byte        // padding to align regs on 8
	regs    Regs            // offset 8, known to context_amd64.s
	mctx    machineContext  // opaque, platform-sized; see cshim_linux.go
}

const (
	variantOffset = 0
	regsOffset    = 8
)

func init() {
	var c Context
	if off := unsafe.Offsetof(c.variant); off != variantOffset {
		panic(fmt.Sprintf("archctx: variant field moved to offset %d, assembly contract expects %d", off, variantOffset))
	}
	if off := unsafe.Offsetof(c.regs); off != regsOffset {
		panic(fmt.Sprintf("archctx: regs field moved to offset %d, assembly contract expects %d", off, regsOffset))
	}
}

// Load reads the current variant. Safe to call from any thread; the
// scheduler is the only writer and writes happen-before reads it cares
// about because of the single-thread-per-worker invariant (spec §5).
func (c *Context) Load() Variant {
	return Variant(atomic.LoadInt32(&c.variant))
}

func (c *Context) store(v Variant) {
	atomic.StoreInt32(&c.variant, int32(v))
}

// Regs returns the saved (sp, ip) pair. Only meaningful when Load() ==
// VariantFast.
func (c *Context) Regs() Regs {
	return c.regs
}

// InvariantViolation is panicked by this package when a save or restore
// finds the Context in a variant its precondition forbids. These are never
// recovered: scheduler correctness is a liveness precondition for every
// sandbox.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e InvariantViolation) Error() string {
	return fmt.Sprintf("archctx: invariant violated in %s: %s", e.Op, e.Detail)
}

// SaveFast records a cooperative suspension. Precondition: c.Load() is
// Unused or Running.
func SaveFast(c *Context, sp, ip uintptr) {
	switch v := c.Load(); v {
	case VariantUnused, VariantRunning:
	default:
		panic(InvariantViolation{Op: "save-fast", Detail: "variant " + v.String() + " not in {unused, running}"})
	}
	c.regs = Regs{SP: sp, IP: ip}
	c.store(VariantFast)
}

// RestoreFast resumes a Fast context: it switches the current goroutine's
// carrier stack pointer and instruction pointer to the saved pair and never
// returns to its caller. Precondition: c.Load() == VariantFast.
//
// This is a direct switch performed outside signal context. It must not
// touch any register beyond what the amd64 Go ABI0 calling convention
// already requires the caller to have preserved — that is the entire point
// of the fast path (see package doc and spec.md §4.1 "Why two variants").
func RestoreFast(c *Context) {
	if v := c.Load(); v != VariantFast {
		panic(InvariantViolation{Op: "restore-fast", Detail: "variant " + v.String() + " != fast"})
	}
	c.store(VariantRunning)
	restoreFastAsm(c.regs.SP, c.regs.IP)
	panic("archctx: restoreFastAsm returned, which must never happen")
}

// SaveSlow records a signal-time suspension, copying the host machine
// context (general-purpose registers, floating-point state pointer, and
// signal mask) verbatim. osCtx must point at the ucontext_t the OS handed
// to the currently executing signal handler. Precondition: c.Load() is
// Unused or Running.
func SaveSlow(c *Context, osCtx unsafe.Pointer) {
	switch v := c.Load(); v {
	case VariantUnused, VariantRunning:
	default:
		panic(InvariantViolation{Op: "save-slow", Detail: "variant " + v.String() + " not in {unused, running}"})
	}
	copyMachineContext(&c.mctx, osCtx)
	c.store(VariantSlow)
}

// Overwrite mutates the OS-supplied ucontext_t in place with c's saved
// machine context, so that when the signal handler that owns osCtx
// returns, the kernel resumes c's sandbox instead of whatever was
// interrupted. This is the "machine-context overwrite-in-place" design
// (spec.md §9) and is the only portable way to restore a complete machine
// state. Precondition: c.Load() == VariantSlow. Sets c's variant to
// Running as a postcondition, since after this call c is the live context.
func Overwrite(osCtx unsafe.Pointer, c *Context) {
	if v := c.Load(); v != VariantSlow {
		panic(InvariantViolation{Op: "overwrite", Detail: "variant " + v.String() + " != slow"})
	}
	overwriteMachineContext(osCtx, &c.mctx)
	c.store(VariantRunning)
}

// RestoreSlow resumes a Slow context via the two-step trampoline described
// in spec.md §4.1: base (the worker's own scheduler-loop context) is set to
// c's saved machine context and c transitions to Running; the caller is
// responsible for then delivering the resume signal to itself from within
// base's stack, which is what actually performs the jump (the resume
// handler calls Overwrite against the interrupted context it receives).
// Precondition: c.Load() == VariantSlow.
func RestoreSlow(c *Context, base *Context) {
	if v := c.Load(); v != VariantSlow {
		panic(InvariantViolation{Op: "restore-slow", Detail: "variant " + v.String() + " != slow"})
	}
	base.mctx = c.mctx
	c.store(VariantRunning)
}
