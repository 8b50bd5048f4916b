package interrupt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/kerr"
)

func newTestManager() *Manager {
	m := New()
	m.PanicHandler = func(ctx InterruptedContext) {
		panic("panic path reached")
	}
	return m
}

func TestRegisterDispatchRemove(t *testing.T) {
	m := newTestManager()
	var count int
	require.NoError(t, m.Register(64, func(id int) { count++ }))

	m.Dispatch(InterruptedContext{InterruptsWereEnabled: true, ID: 64})
	require.Equal(t, 1, count)

	require.NoError(t, m.Remove(64))
	require.PanicsWithValue(t, "panic path reached", func() {
		m.Dispatch(InterruptedContext{InterruptsWereEnabled: true, ID: 64})
	})
}

func TestRegisterTwiceWithoutRemoveFails(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Register(64, func(int) {}))
	err := m.Register(64, func(int) {})
	require.True(t, kerr.Has(err, kerr.InterruptAlreadyRegistered))
}

func TestRegisterThenRemoveLeavesSlotEmpty(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Register(70, func(int) {}))
	require.NoError(t, m.Remove(70))
	err := m.Remove(70)
	require.True(t, kerr.Has(err, kerr.InterruptNotRegistered))
}

func TestRegisterOutOfRangeVector(t *testing.T) {
	m := newTestManager()
	err := m.Register(archx86.MaxInterruptLine+1, func(int) {})
	require.True(t, kerr.Has(err, kerr.UnauthorizedInterruptLine))
}

func TestSoftwareMaskedInterruptIsDropped(t *testing.T) {
	m := newTestManager()
	var count int
	require.NoError(t, m.Register(64, func(int) { count++ }))

	m.Dispatch(InterruptedContext{InterruptsWereEnabled: false, ID: 64})
	require.Equal(t, 0, count)
	require.EqualValues(t, 1, m.SoftMaskedDrops)
}

func TestExceptionNotDroppedEvenWhenMasked(t *testing.T) {
	m := newTestManager()
	var count int
	require.NoError(t, m.Register(14, func(int) { count++ })) // page fault vector
	m.Dispatch(InterruptedContext{InterruptsWereEnabled: false, ID: 14})
	require.Equal(t, 1, count)
}

type fakeDriver struct {
	irqToVector map[int]int
	spurious    map[int]bool
}

func (f *fakeDriver) SetMask(irq int, masked bool) {}
func (f *fakeDriver) EOI(vector int)               {}
func (f *fakeDriver) Classify(vector int) SpuriousClass {
	if f.spurious[vector] {
		return Spurious
	}
	return Regular
}
func (f *fakeDriver) IRQToVector(irq int) int {
	v, ok := f.irqToVector[irq]
	if !ok {
		return -1
	}
	return v
}

func TestSpuriousVectorIsCountedNotDispatched(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.SetDriver(&fakeDriver{spurious: map[int]bool{255: true}}))
	var count int
	require.NoError(t, m.Register(255, func(int) { count++ }))

	m.Dispatch(InterruptedContext{InterruptsWereEnabled: true, ID: 255})
	require.Equal(t, 0, count)
	require.EqualValues(t, 1, m.SpuriousCount)
}

func TestSetDriverTwiceForRealDriverPanics(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.SetDriver(&fakeDriver{}))
	require.Panics(t, func() {
		_ = m.SetDriver(&fakeDriver{})
	})
}

func TestIRQRegisterUnmapped(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.SetDriver(&fakeDriver{irqToVector: map[int]int{1: 49}}))

	require.NoError(t, m.RegisterIRQ(1, func(int) {}))
	err := m.RegisterIRQ(2, func(int) {})
	require.True(t, kerr.Has(err, kerr.NoSuchIrq))
}
