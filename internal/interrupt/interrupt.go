// Package interrupt implements the interrupt table, the pluggable
// interrupt-controller driver, and the main dispatch path the
// architecture trampoline calls into. The controller is a swappable
// Driver so the table itself never hardcodes a chipset.
package interrupt

import (
	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/klog"
)

// Handler processes one interrupt. id is the vector that fired.
type Handler func(id int)

// SpuriousClass reports whether the controller considers a vector
// spurious rather than a real source.
type SpuriousClass int

const (
	Regular SpuriousClass = iota
	Spurious
)

// Driver is the interrupt-controller capability set: four function
// references for masking, EOI, classifying spurious pulses, and mapping
// an IRQ number to a vector. Exactly one may be installed at a time;
// SetDriver rejects replacing a non-placeholder driver.
type Driver interface {
	SetMask(irq int, masked bool)
	EOI(vector int)
	Classify(vector int) SpuriousClass
	IRQToVector(irq int) int // negative means "not mapped"
}

// nullDriver is installed at Init time: every method is inert.
type nullDriver struct{}

func (nullDriver) SetMask(irq int, masked bool)  {}
func (nullDriver) EOI(vector int)                {}
func (nullDriver) Classify(vector int) SpuriousClass { return Regular }
func (nullDriver) IRQToVector(irq int) int       { return -1 }

// InterruptedContext carries whether the interrupted context had
// interrupts disabled and what vector fired, without the dispatch path
// depending on the scheduler package (which depends on this one for
// registration).
type InterruptedContext struct {
	InterruptsWereEnabled bool
	ID                    int
}

// Manager owns the fixed-size handler table and the single installed
// driver.
type Manager struct {
	lock        critsec.Lock
	handlers    [archx86.IntEntryCount]Handler
	driver      Driver
	driverIsSet bool

	PanicHandler func(ctx InterruptedContext)

	SpuriousCount    uint64
	SoftMaskedDrops  uint64

	log *klog.Logger
}

// New builds a Manager with the handler array zeroed, the panic vector's
// slot reserved, interrupts disabled, and the null driver installed.
func New() *Manager {
	m := &Manager{driver: nullDriver{}, log: klog.New("interrupt")}
	m.handlers[archx86.PanicVector] = func(id int) { m.callPanic(InterruptedContext{ID: id}) }
	archx86.Cli()
	return m
}

// Register installs handler at vector. Vectors outside
// [MinInterruptLine, MaxInterruptLine] are rejected; an occupied slot or
// a nil handler is rejected.
func (m *Manager) Register(vector int, handler Handler) error {
	if handler == nil {
		return kerr.New(kerr.NullPointer, "interrupt.Register", "")
	}
	if vector < archx86.MinInterruptLine || vector > archx86.MaxInterruptLine {
		return kerr.New(kerr.UnauthorizedInterruptLine, "interrupt.Register", "")
	}

	saved := critsec.Enter()
	defer critsec.Exit(saved)
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.handlers[vector] != nil {
		return kerr.New(kerr.InterruptAlreadyRegistered, "interrupt.Register", "")
	}
	m.handlers[vector] = handler
	return nil
}

// Remove clears vector's handler slot. An empty slot is an error.
func (m *Manager) Remove(vector int) error {
	if vector < archx86.MinInterruptLine || vector > archx86.MaxInterruptLine {
		return kerr.New(kerr.UnauthorizedInterruptLine, "interrupt.Remove", "")
	}

	saved := critsec.Enter()
	defer critsec.Exit(saved)
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.handlers[vector] == nil {
		return kerr.New(kerr.InterruptNotRegistered, "interrupt.Remove", "")
	}
	m.handlers[vector] = nil
	return nil
}

// RegisterIRQ translates irq through the installed driver before
// delegating to Register.
func (m *Manager) RegisterIRQ(irq int, handler Handler) error {
	vector := m.driver.IRQToVector(irq)
	if vector < 0 {
		return kerr.New(kerr.NoSuchIrq, "interrupt.RegisterIRQ", "")
	}
	return m.Register(vector, handler)
}

// RemoveIRQ is RegisterIRQ's inverse.
func (m *Manager) RemoveIRQ(irq int) error {
	vector := m.driver.IRQToVector(irq)
	if vector < 0 {
		return kerr.New(kerr.NoSuchIrq, "interrupt.RemoveIRQ", "")
	}
	return m.Remove(vector)
}

// SetDriver installs the real interrupt-controller driver, replacing the
// null placeholder. Replacing an already-installed real driver panics;
// nil function references would violate the Driver interface's contract
// and are rejected as an error instead.
func (m *Manager) SetDriver(d Driver) error {
	if d == nil {
		return kerr.New(kerr.NullPointer, "interrupt.SetDriver", "")
	}
	saved := critsec.Enter()
	defer critsec.Exit(saved)
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.driverIsSet {
		panic("interrupt: driver already installed")
	}
	m.driver = d
	m.driverIsSet = true
	return nil
}

// SetMask / EOI forward to the installed driver.
func (m *Manager) SetMask(irq int, masked bool) { m.driver.SetMask(irq, masked) }
func (m *Manager) EOI(vector int)               { m.driver.EOI(vector) }

// Disable saves and clears the CPU interrupt flag.
func (m *Manager) Disable() critsec.Saved { return critsec.Enter() }

// Restore re-enables interrupts iff they were previously enabled.
func (m *Manager) Restore(saved critsec.Saved) { critsec.Exit(saved) }

// Dispatch is the main dispatch path the architecture trampoline calls
// on every interrupt/exception/trap:
//
//  1. if the interrupted context had interrupts disabled, and the
//     vector is neither the panic vector nor an exception, the
//     interrupt is dropped (blocked by software mask);
//  2. the panic vector always calls the panic handler, which never
//     returns;
//  3. a spurious vector bumps SpuriousCount and returns;
//  4. otherwise the registered handler runs, falling back to the panic
//     handler when no handler is installed.
func (m *Manager) Dispatch(ctx InterruptedContext) {
	isException := ctx.ID >= archx86.ExceptionFirst && ctx.ID <= archx86.ExceptionLast

	if !ctx.InterruptsWereEnabled && ctx.ID != archx86.PanicVector && !isException {
		m.SoftMaskedDrops++
		return
	}

	if ctx.ID == archx86.PanicVector {
		m.callPanic(ctx)
		return
	}

	if m.driver.Classify(ctx.ID) == Spurious {
		m.SpuriousCount++
		return
	}

	m.lock.Lock()
	h := m.handlers[ctx.ID]
	m.lock.Unlock()

	if h == nil {
		m.log.Errorf("no handler for vector %d, entering panic path", ctx.ID)
		m.callPanic(ctx)
		return
	}
	h(ctx.ID)
}

func (m *Manager) callPanic(ctx InterruptedContext) {
	if m.PanicHandler == nil {
		panic("interrupt: no panic handler installed")
	}
	m.PanicHandler(ctx)
}
