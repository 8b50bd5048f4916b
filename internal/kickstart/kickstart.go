// Package kickstart implements the deterministic bring-up order that
// wires every other package into one running core: disable interrupts,
// stand up the allocator, bring the trap/interrupt path online, parse
// the platform description, attach drivers, start the other cores, hand
// off. The order is fixed: spinlock-capable → critical-section-capable
// → heap → CPU → interrupt table → FDT → memory manager → driver
// manager → core manager.
package kickstart

import (
	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/core"
	"github.com/utk-project/utk-kernel/internal/driver"
	"github.com/utk-project/utk-kernel/internal/fdt"
	"github.com/utk-project/utk-kernel/internal/heap"
	"github.com/utk-project/utk-kernel/internal/interrupt"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/klog"
	"github.com/utk-project/utk-kernel/internal/kpanic"
	"github.com/utk-project/utk-kernel/internal/timer"
)

// MemoryMapper is the virtual-memory contract kickstart depends on:
// map(phys,size,flags) and unmap(virt,size) as primitives, with the
// mapping internals themselves supplied externally.
type MemoryMapper interface {
	Map(phys uintptr, size int, flags int) error
	Unmap(virt uintptr, size int) error
}

// Config supplies everything kickstart cannot discover on its own: the
// size of the heap region, the raw FDT blob, where log/panic
// output should go, and the memory mapper the driver manager's attach
// callbacks may need.
type Config struct {
	HeapSize    int
	DeviceTree  []byte
	Sink        klog.Sink
	Mapper      MemoryMapper
	CPUCount    int
}

// Kernel is the fully wired set of singletons kickstart produces. Every
// field is safe to use once Boot returns.
type Kernel struct {
	Heap       *heap.Heap
	Interrupts *interrupt.Manager
	Tree       *fdt.Tree
	Drivers    *driver.Manager
	Core       *core.Manager
	Timers     *timer.Manager
	Mapper     MemoryMapper
}

// Boot runs the bring-up order and returns the wired Kernel, or the
// first error a stage reports. Stages that represent invariant
// violations (malformed FDT, heap construction failure on a
// boot-critical region) panic through kpanic instead of returning an
// error: irrecoverable heap exhaustion during boot-critical allocations,
// and the FDT parser's own panic-on-malformed-blob behavior.
func Boot(cfg Config) (*Kernel, error) {
	// spinlock-capable / critical-section-capable: archx86 and critsec
	// are usable from package init time onward, nothing to construct.
	archx86.Cli()

	klog.SetSink(cfg.Sink)
	kpanic.Sink = cfg.Sink

	h, err := heap.New(cfg.HeapSize)
	if err != nil {
		kpanic.Panic(int(kerr.NoMoreMemory), "kickstart", "failed to construct boot heap", "kickstart.go", 0)
		return nil, err
	}

	// CPU: the boot CPU's own archx86 state is already initialized by
	// package init; nothing further to do before the interrupt table.

	interrupts := interrupt.New()
	interrupts.PanicHandler = func(ctx interrupt.InterruptedContext) {
		kpanic.Handle(kpanic.Context{Vector: ctx.ID})
	}
	kpanic.Raise = func() {
		interrupts.Dispatch(interrupt.InterruptedContext{InterruptsWereEnabled: false, ID: archx86.PanicVector})
	}

	tree := fdt.Parse(cfg.DeviceTree)

	// memory manager: cfg.Mapper is an externally supplied capability;
	// kickstart only threads it through to the Kernel so later stages
	// (and driver Attach callbacks) can reach it.

	drivers := driver.New()
	if err := drivers.Init(tree); err != nil {
		return nil, err
	}

	coreMgr := core.New()

	cpuCount := cfg.CPUCount
	if cpuCount <= 0 {
		cpuCount = 1
	}
	coreMgr.OnPanic = func(cpuID int) {
		kpanic.Handle(kpanic.Context{Vector: archx86.PanicVector})
	}
	kpanic.BroadcastPanic = func() {
		coreMgr.SendIPI(0, core.BroadcastOthers, core.Param{Function: core.FuncPanic}, cpuCount, nil)
	}

	timers := timer.New(interrupts)

	return &Kernel{
		Heap:       h,
		Interrupts: interrupts,
		Tree:       tree,
		Drivers:    drivers,
		Core:       coreMgr,
		Timers:     timers,
		Mapper:     cfg.Mapper,
	}, nil
}

// StartCores runs the core manager's AP bring-up, the final kickstart
// stage before control passes to the scheduler.
func (k *Kernel) StartCores() error {
	return k.Core.CoreInit()
}
