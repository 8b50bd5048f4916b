// Package kpanic implements the interrupt-vector-based panic path. A
// kernel panic records its cause in module-global state, disables
// interrupts, and re-enters the interrupt manager through the reserved
// panic vector so the dump runs with a full saved context, rather than
// calling the dump code directly: a direct function call would miss the
// pushed context frame the architecture trampoline provides.
package kpanic

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/klog"
)

// Info is the caller-supplied record of why the kernel is panicking.
type Info struct {
	Code    int
	Module  string
	Message string
	File    string
	Line    int
}

// Context is the vCPU snapshot the architecture trampoline would have
// pushed before entering the panic handler: general-purpose registers,
// control registers, and flags. Fields left nil/zero render as "unknown"
// in the dump rather than zero: a missing field is information ("we
// never captured this") that a silent zero would hide.
type Context struct {
	Vector           int
	Registers        map[string]uint64
	ControlRegisters map[string]uint64
	RFlagsKnown      bool
	RFlags           uint64
	CPUID            *int
}

var (
	mu      sync.Mutex
	current Info
	hasInfo bool
)

// Raise re-enters the interrupt manager via the panic vector so Handle
// runs with a full context. Kickstart wires this to the installed
// interrupt.Manager's Dispatch; it is nil until then, in which case
// Panic falls back to calling Handle directly with an empty Context
// (no register snapshot available pre-boot).
var Raise func()

// CaptureContext, if set, supplies the vCPU snapshot for the panic
// currently in flight. The architecture trampoline sets this before
// calling Raise; tests can set it directly.
var CaptureContext func() Context

// BroadcastPanic, if set, is called once the local dump completes so
// every other CPU also enters its own panic handler and halts, via an
// IPI with function PANIC.
var BroadcastPanic func()

// Halt runs after the dump and never returns on real hardware (cli;
// hlt, looped). Tests override it to something that returns instead of
// blocking forever.
var Halt = func() { select {} }

// Sink receives the rendered panic text. Defaults to nil (dropped)
// before a console exists; kickstart installs the same sink klog uses.
var Sink klog.Sink

// Panic records {code, module, message, file, line}, disables
// interrupts, and raises the panic vector. It returns only if Halt has
// been replaced by one that returns.
func Panic(code int, module, message, file string, line int) {
	mu.Lock()
	current = Info{Code: code, Module: module, Message: message, File: file, Line: line}
	hasInfo = true
	mu.Unlock()

	archx86.Cli()

	if Raise != nil {
		Raise()
	} else {
		Handle(Context{Vector: archx86.PanicVector})
	}
	// Handle ends in Halt(), which never returns on real hardware.
}

func vectorName(v int) string {
	switch v {
	case 0:
		return "division by zero"
	case 1:
		return "debug exception"
	case 3:
		return "breakpoint"
	case 6:
		return "invalid opcode"
	case 12:
		return "stack fault"
	case 13:
		return "general protection fault"
	case 14:
		return "page fault"
	case archx86.PanicVector:
		return "panic"
	default:
		return fmt.Sprintf("vector %d", v)
	}
}

func decodeFlags(flags uint64) string {
	bits := []struct {
		mask uint64
		name string
	}{
		{1 << 0, "CF"}, {1 << 2, "PF"}, {1 << 4, "AF"}, {1 << 6, "ZF"},
		{1 << 7, "SF"}, {1 << 8, "TF"}, {1 << 9, "IF"}, {1 << 10, "DF"},
		{1 << 11, "OF"},
	}
	out := ""
	for _, b := range bits {
		if flags&b.mask != 0 {
			if out != "" {
				out += " "
			}
			out += b.name
		}
	}
	if out == "" {
		return "(none set)"
	}
	return out
}

func printf(format string, args ...any) {
	if Sink == nil {
		return
	}
	Sink.Printf(format, args...)
}

// Handle renders the panic dump and halts. It is the function wired as
// the interrupt manager's PanicHandler.
func Handle(ctx Context) {
	if CaptureContext != nil {
		captured := CaptureContext()
		if ctx.Registers == nil {
			ctx.Registers = captured.Registers
		}
		if ctx.ControlRegisters == nil {
			ctx.ControlRegisters = captured.ControlRegisters
		}
		if !ctx.RFlagsKnown && captured.RFlagsKnown {
			ctx.RFlags, ctx.RFlagsKnown = captured.RFlags, true
		}
		if ctx.CPUID == nil {
			ctx.CPUID = captured.CPUID
		}
	}

	mu.Lock()
	info, has := current, hasInfo
	mu.Unlock()

	printf("*** KERNEL PANIC: %s ***", vectorName(ctx.Vector))

	if ctx.CPUID != nil {
		printf("cpu: %d", *ctx.CPUID)
	} else {
		printf("cpu: unknown")
	}

	if ctx.Registers == nil {
		printf("general registers: unknown")
	} else {
		for _, name := range []string{"RAX", "RBX", "RCX", "RDX", "RSI", "RDI", "RBP", "RSP", "RIP"} {
			if v, ok := ctx.Registers[name]; ok {
				printf("%s = %#016x", name, v)
			}
		}
	}

	if ctx.ControlRegisters == nil {
		printf("control registers: unknown")
	} else {
		for _, name := range []string{"CR0", "CR2", "CR3", "CR4"} {
			if v, ok := ctx.ControlRegisters[name]; ok {
				printf("%s = %#016x", name, v)
			}
		}
	}

	if ctx.RFlagsKnown {
		printf("rflags = %#x [%s]", ctx.RFlags, decodeFlags(ctx.RFlags))
	} else {
		printf("rflags: unknown")
	}

	printf("stack trace (best effort):")
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		printf("  %s (%s:%d)", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}

	if has {
		printf("module=%s code=%d file=%s:%d", info.Module, info.Code, info.File, info.Line)
		printf("%s", info.Message)
	}

	if BroadcastPanic != nil {
		BroadcastPanic()
	}

	Halt()
}

// Current returns the most recently recorded panic Info and whether one
// has been recorded, for tests and diagnostics.
func Current() (Info, bool) {
	mu.Lock()
	defer mu.Unlock()
	return current, hasInfo
}

// UseTestShim installs a Halt that raises a normal Go panic instead of
// looping forever, and clears Raise so Panic calls Handle directly.
// Tests that need to assert a core invariant violation reaches the
// panic path use require.Panics around the operation after calling
// UseTestShim, instead of simulating real interrupt hardware.
func UseTestShim() {
	Raise = nil
	Halt = func() { panic("kernel panic (test shim)") }
}
