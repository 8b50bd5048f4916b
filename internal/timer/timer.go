// Package timer implements the time manager. It registers timer drivers
// by role (main, RTC, auxiliary, lifetime), wires the main timer's
// interrupt to the tick path, and provides a pre-scheduler busy-spin
// timebase for waiting before a scheduler exists.
package timer

import (
	"sync/atomic"

	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/interrupt"
	"github.com/utk-project/utk-kernel/internal/kerr"
)

// Role names which of the four timer slots a driver fills.
type Role int

const (
	Main Role = iota
	RTC
	Auxiliary
	Lifetime
)

// Date and Daytime mirror the Driver methods of the same name.
type Date struct{ Year, Month, Day int }
type Daytime struct{ Hour, Minute, Second int }

// Driver is the capability set every timer source provides.
// TickManager is optional: implement TickManaging alongside Driver to
// receive per-tick callbacks from the main timer handler.
type Driver interface {
	GetFrequency() uint64
	SetFrequency(hz uint64)
	GetTimeNs() uint64
	SetTimeNs(ns uint64)
	GetDate() Date
	GetDaytime() Daytime
	Enable()
	Disable()
	SetHandler(h func(vector int))
	RemoveHandler()
	GetIRQ() int
}

// TickManaging is implemented by drivers that need their own per-tick
// callback invoked by the main timer handler.
type TickManaging interface {
	TickManager()
}

// Manager holds the registered timer drivers and dispatches ticks.
type Manager struct {
	lock critsec.Lock

	drivers [4]Driver // indexed by Role
	interruptMgr *interrupt.Manager

	tickCount atomic.Uint64

	// SchedulerTick is invoked by the main timer handler once a
	// scheduler is registered. Until then it is nil and the handler
	// instead decrements activeWaitCount for WaitNoSched.
	SchedulerTick func()

	activeWaitCount atomic.Int64
}

// New returns a Manager that issues EOIs through interruptMgr once the
// main timer's handler fires.
func New(interruptMgr *interrupt.Manager) *Manager {
	return &Manager{interruptMgr: interruptMgr}
}

// AddTimer validates and installs a driver in role's slot, wires the
// main timer's interrupt to this manager's tick handler, and enables the
// timer.
func (m *Manager) AddTimer(d Driver, role Role) error {
	if d == nil {
		return kerr.New(kerr.NullPointer, "timer.AddTimer", "")
	}
	if role < Main || role > Lifetime {
		return kerr.New(kerr.NotSupported, "timer.AddTimer", "unrecognized timer role")
	}

	m.lock.Lock()
	m.drivers[role] = d
	m.lock.Unlock()

	if role == Main {
		d.SetHandler(func(vector int) { m.mainTick(vector) })
	}
	d.Enable()
	return nil
}

// Driver returns the registered driver for role, or nil.
func (m *Manager) Driver(role Role) Driver {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.drivers[role]
}

// mainTick is the main timer's handler: bump the tick counter, EOI,
// call the main driver's own TickManager if
// it implements one, then the registered scheduler routine — or, absent
// a scheduler, decrement the active-wait counter WaitNoSched uses.
func (m *Manager) mainTick(vector int) {
	m.tickCount.Add(1)

	if m.interruptMgr != nil {
		m.interruptMgr.EOI(vector)
	}

	if tm, ok := m.Driver(Main).(TickManaging); ok {
		tm.TickManager()
	}

	if m.SchedulerTick != nil {
		m.SchedulerTick()
	} else {
		m.activeWaitCount.Add(-1)
	}
}

// TickCount returns the number of main-timer ticks observed so far.
func (m *Manager) TickCount() uint64 {
	return m.tickCount.Load()
}

// WaitNoSched busy-spins for approximately ns nanoseconds using the main
// timer as a timebase — reading precise nanoseconds from it when
// available, or interpolating from ticks * 1e9 / frequency otherwise —
// and returns immediately if a scheduler is already registered.
func (m *Manager) WaitNoSched(ns uint64) {
	if m.SchedulerTick != nil {
		return
	}
	main := m.Driver(Main)
	if main == nil {
		m.spinOnTicks(ns)
		return
	}

	start := main.GetTimeNs()
	freq := main.GetFrequency()
	if freq == 0 {
		m.spinOnTicks(ns)
		return
	}
	for main.GetTimeNs()-start < ns {
		if m.SchedulerTick != nil {
			return
		}
	}
}

func (m *Manager) spinOnTicks(ns uint64) {
	main := m.Driver(Main)
	freq := uint64(1)
	if main != nil {
		if f := main.GetFrequency(); f != 0 {
			freq = f
		}
	}
	wantTicks := int64((ns*freq + 999_999_999) / 1_000_000_000)
	m.activeWaitCount.Store(wantTicks)
	for m.activeWaitCount.Load() > 0 {
		if m.SchedulerTick != nil {
			return
		}
	}
}
