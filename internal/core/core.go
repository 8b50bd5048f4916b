// Package core implements the core/IPI manager. It brings up secondary
// CPUs through a pluggable LAPIC driver following the INIT/SIPI sequence
// against the hardware ICR, and fans cross-CPU function requests (panic,
// TLB shootdown, reschedule) out through per-target FIFO queues built on
// the queue package.
package core

import (
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/klog"
	"github.com/utk-project/utk-kernel/internal/queue"
)

// Function names one of the three operations an IPI can request.
type Function int

const (
	FuncPanic Function = iota
	FuncTLBInval
	FuncSchedule
)

// Send flags select which CPUs receive the request. TargetOne needs the
// destination CPU packed into the flag word; TargetOneFlags builds that
// encoding.
const (
	BroadcastAll    uint32 = 1 << 0
	BroadcastOthers uint32 = 1 << 1
	TargetOne       uint32 = 1 << 2

	targetShift = 8
)

// TargetOneFlags builds the flag word for sending to exactly cpuID.
func TargetOneFlags(cpuID int) uint32 {
	return TargetOne | uint32(cpuID)<<targetShift
}

func targetFromFlags(flags uint32) int {
	return int(flags >> targetShift)
}

// Param is one enqueued IPI request.
type Param struct {
	Function Function
	Data     uint64
}

// LAPICNode describes one local APIC the driver discovered in the
// device tree.
type LAPICNode struct {
	CPUID     int
	IsBootCPU bool
	Enabled   bool
}

// LAPICDriver is the capability set the local-APIC driver provides:
// enumerate cores, drive the INIT/SIPI bring-up sequence for one AP, and
// deliver an interrupt to a target CPU.
type LAPICDriver interface {
	Nodes() []LAPICNode
	StartAP(node LAPICNode) error
	SendIPI(targetCPUID int) error
}

// TimerDriver is the per-core LAPIC-timer driver; the Manager only holds
// a reference to it so ApInit can let it finish per-core setup.
type TimerDriver interface {
	PerCoreInit(cpuID int)
}

// Manager owns AP bring-up and the per-CPU IPI queues.
type Manager struct {
	lock critsec.Lock

	lapic      LAPICDriver
	lapicTimer TimerDriver

	queues [archx86.SocCPUCount]*queue.Queue

	requestSchedule [archx86.SocCPUCount]atomic.Bool
	cpuUp           [archx86.SocCPUCount]atomic.Bool

	OnPanic     func(cpuID int)
	OnTLBInval  func(cpuID int, addr uint64)
	OnSchedule  func(cpuID int)

	log *klog.Logger
}

// New returns a Manager with every per-CPU queue initialized empty.
func New() *Manager {
	m := &Manager{log: klog.New("core")}
	for i := range m.queues {
		m.queues[i] = queue.New()
	}
	return m
}

// RegisterLAPICDriver installs the local-APIC driver.
func (m *Manager) RegisterLAPICDriver(d LAPICDriver) error {
	if d == nil {
		return kerr.New(kerr.NullPointer, "core.RegisterLAPICDriver", "")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lapic = d
	return nil
}

// RegisterLAPICTimerDriver installs the per-core LAPIC-timer driver.
func (m *Manager) RegisterLAPICTimerDriver(d TimerDriver) error {
	if d == nil {
		return kerr.New(kerr.NullPointer, "core.RegisterLAPICTimerDriver", "")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.lapicTimer = d
	return nil
}

// CoreInit starts every enabled, non-boot CPU the LAPIC driver knows
// about. With no LAPIC driver registered there are no known APs, and it
// returns nil without starting any.
func (m *Manager) CoreInit() error {
	if m.lapic == nil {
		m.log.Infof("no LAPIC driver registered, no APs to start")
		return nil
	}
	for _, n := range m.lapic.Nodes() {
		if n.IsBootCPU || !n.Enabled {
			continue
		}
		if err := m.lapic.StartAP(n); err != nil {
			m.log.Warnf("failed to start AP %d: %v", n.CPUID, err)
			continue
		}
	}
	return nil
}

// ApInit is called by a newly started core once it reaches its entry
// point: it records the core as up and lets the LAPIC-timer driver
// finish per-core setup. The LAPIC driver itself is not called here.
func (m *Manager) ApInit(cpuID int) error {
	if cpuID < 0 || cpuID >= archx86.SocCPUCount {
		return kerr.New(kerr.UnauthorizedAction, "core.ApInit", "cpu id out of range")
	}
	m.cpuUp[cpuID].Store(true)
	if m.lapicTimer != nil {
		m.lapicTimer.PerCoreInit(cpuID)
	}
	return nil
}

// IsCPUUp reports whether ApInit has been observed for cpuID.
func (m *Manager) IsCPUUp(cpuID int) bool {
	if cpuID < 0 || cpuID >= archx86.SocCPUCount {
		return false
	}
	return m.cpuUp[cpuID].Load()
}

func (m *Manager) targets(senderCPUID int, flags uint32, cpuCount int) []int {
	switch {
	case flags&BroadcastAll != 0:
		out := make([]int, 0, cpuCount)
		for i := 0; i < cpuCount; i++ {
			out = append(out, i)
		}
		return out
	case flags&BroadcastOthers != 0:
		out := make([]int, 0, cpuCount)
		for i := 0; i < cpuCount; i++ {
			if i != senderCPUID {
				out = append(out, i)
			}
		}
		return out
	case flags&TargetOne != 0:
		return []int{targetFromFlags(flags)}
	default:
		return nil
	}
}

// SendIPI enqueues param on every CPU flags selects (excluding the
// sender for BroadcastOthers) and asks the LAPIC driver to deliver one
// interrupt per target. cpuCount bounds BroadcastAll/Others; it is
// supplied by the caller. An unrecognized Function is an
// invariant violation, not a recoverable error, so it panics via the
// caller-supplied panicFn.
func (m *Manager) SendIPI(senderCPUID int, flags uint32, param Param, cpuCount int, panicFn func(msg string)) error {
	if param.Function != FuncPanic && param.Function != FuncTLBInval && param.Function != FuncSchedule {
		if panicFn != nil {
			panicFn("core: unknown IPI function")
		}
		return kerr.New(kerr.IncorrectValue, "core.SendIPI", "unknown IPI function")
	}
	if m.lapic == nil {
		return kerr.New(kerr.NullPointer, "core.SendIPI", "no LAPIC driver registered")
	}

	targets := m.targets(senderCPUID, flags, cpuCount)
	if targets == nil {
		return kerr.New(kerr.IncorrectValue, "core.SendIPI", "no target selected by flags")
	}

	saved := critsec.Enter()
	defer critsec.Exit(saved)

	for _, cpu := range targets {
		if cpu < 0 || cpu >= archx86.SocCPUCount {
			continue
		}
		m.queues[cpu].Push(queue.NewNode(param))
		if err := m.lapic.SendIPI(cpu); err != nil {
			m.log.Warnf("IPI delivery to cpu %d failed: %v", cpu, err)
		}
	}
	return nil
}

// HandleIPI is the receive side of an IPI (archx86.IPIVector) on the
// CPU cpuID: it pops exactly one parameter record from cpuID's own
// queue and dispatches by function. Its argument is a CPU index, not the
// vector number an interrupt.Handler receives.
func (m *Manager) HandleIPI(cpuID int) {
	if cpuID < 0 || cpuID >= archx86.SocCPUCount {
		return
	}
	n := m.queues[cpuID].Pop()
	if n == nil {
		return
	}
	param, ok := n.Data.(Param)
	queue.DestroyNode(n)
	if !ok {
		return
	}

	switch param.Function {
	case FuncPanic:
		if m.OnPanic != nil {
			m.OnPanic(cpuID)
		}
	case FuncTLBInval:
		if m.OnTLBInval != nil {
			m.OnTLBInval(cpuID, param.Data)
		}
	case FuncSchedule:
		m.requestSchedule[cpuID].Store(true)
		if m.OnSchedule != nil {
			m.OnSchedule(cpuID)
		}
	}
}

// TakeRequestSchedule reports and clears cpuID's request-schedule flag,
// the SCHEDULE function's effect.
func (m *Manager) TakeRequestSchedule(cpuID int) bool {
	if cpuID < 0 || cpuID >= archx86.SocCPUCount {
		return false
	}
	return m.requestSchedule[cpuID].Swap(false)
}

// PendingCount returns the number of parameter records still queued for
// cpuID, for diagnostics and tests.
func (m *Manager) PendingCount(cpuID int) int {
	if cpuID < 0 || cpuID >= archx86.SocCPUCount {
		return 0
	}
	return m.queues[cpuID].Size()
}
