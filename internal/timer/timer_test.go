package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utk-project/utk-kernel/internal/kerr"
)

type fakeTimer struct {
	freq      uint64
	ns        uint64
	enabled   bool
	handler   func(vector int)
	irq       int
	ticks     int
	handlerAt int
}

func (f *fakeTimer) GetFrequency() uint64     { return f.freq }
func (f *fakeTimer) SetFrequency(hz uint64)   { f.freq = hz }
func (f *fakeTimer) GetTimeNs() uint64        { return f.ns }
func (f *fakeTimer) SetTimeNs(ns uint64)      { f.ns = ns }
func (f *fakeTimer) GetDate() Date            { return Date{} }
func (f *fakeTimer) GetDaytime() Daytime      { return Daytime{} }
func (f *fakeTimer) Enable()                  { f.enabled = true }
func (f *fakeTimer) Disable()                 { f.enabled = false }
func (f *fakeTimer) SetHandler(h func(vector int)) { f.handler = h }
func (f *fakeTimer) RemoveHandler()           { f.handler = nil }
func (f *fakeTimer) GetIRQ() int              { return f.irq }

func (f *fakeTimer) fire(vector int) {
	f.handler(vector)
}

type tickCountingTimer struct {
	fakeTimer
	tickCalls int
}

func (t *tickCountingTimer) TickManager() { t.tickCalls++ }

func TestAddTimerRejectsNilDriver(t *testing.T) {
	m := New(nil)
	err := m.AddTimer(nil, Main)
	require.True(t, kerr.Has(err, kerr.NullPointer))
}

func TestAddTimerRejectsUnknownRole(t *testing.T) {
	m := New(nil)
	err := m.AddTimer(&fakeTimer{}, Role(99))
	require.True(t, kerr.Has(err, kerr.NotSupported))
}

func TestAddTimerEnablesDriver(t *testing.T) {
	m := New(nil)
	d := &fakeTimer{}
	require.NoError(t, m.AddTimer(d, RTC))
	require.True(t, d.enabled)
	require.Same(t, Driver(d), m.Driver(RTC))
}

func TestMainTickIncrementsCounterAndCallsTickManager(t *testing.T) {
	m := New(nil)
	d := &tickCountingTimer{}
	require.NoError(t, m.AddTimer(d, Main))

	d.fire(33)
	d.fire(33)

	require.EqualValues(t, 2, m.TickCount())
	require.Equal(t, 2, d.tickCalls)
}

func TestMainTickDispatchesToSchedulerWhenRegistered(t *testing.T) {
	m := New(nil)
	d := &fakeTimer{}
	require.NoError(t, m.AddTimer(d, Main))

	var schedCalls int
	m.SchedulerTick = func() { schedCalls++ }

	d.fire(33)
	require.Equal(t, 1, schedCalls)
}

func TestWaitNoSchedReturnsOnceTickCounterReachesTarget(t *testing.T) {
	m := New(nil)
	d := &fakeTimer{}
	require.NoError(t, m.AddTimer(d, Main))

	done := make(chan struct{})
	go func() {
		m.WaitNoSched(1)
		close(done)
	}()

	// a zero-frequency driver makes WaitNoSched fall back to the tick
	// counter; wait until it has armed the counter, then drive it
	// directly the way the main timer handler would.
	deadline := time.Now().Add(time.Second)
	for m.activeWaitCount.Load() <= 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		d.fire(33)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitNoSched did not return after enough ticks")
	}
}

func TestWaitNoSchedReturnsImmediatelyWhenSchedulerInstalled(t *testing.T) {
	m := New(nil)
	m.SchedulerTick = func() {}
	m.WaitNoSched(1_000_000_000)
}
