package kpanic

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type bufSink struct {
	mu   sync.Mutex
	text strings.Builder
}

func (b *bufSink) Printf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(fmt.Sprintf(format, args...))
	b.text.WriteString("\n")
}

func (b *bufSink) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

func resetGlobals(t *testing.T) *bufSink {
	t.Helper()
	buf := &bufSink{}
	Sink = buf
	Raise = nil
	CaptureContext = nil
	BroadcastPanic = nil
	halted := false
	Halt = func() { halted = true }
	t.Cleanup(func() {
		Sink = nil
		Raise = nil
		CaptureContext = nil
		BroadcastPanic = nil
		Halt = func() { select {} }
	})
	_ = halted
	return buf
}

func TestPanicRecordsInfoAndHalts(t *testing.T) {
	buf := resetGlobals(t)
	var halted bool
	Halt = func() { halted = true }

	Panic(7, "heap", "out of memory", "heap.go", 42)

	require.True(t, halted)
	info, has := Current()
	require.True(t, has)
	require.Equal(t, "heap", info.Module)
	require.Equal(t, "out of memory", info.Message)
	require.Contains(t, buf.String(), "KERNEL PANIC")
	require.Contains(t, buf.String(), "out of memory")
}

func TestHandleRendersUnknownWithoutContext(t *testing.T) {
	buf := resetGlobals(t)
	Handle(Context{Vector: 14})
	require.Contains(t, buf.String(), "page fault")
	require.Contains(t, buf.String(), "unknown")
}

func TestHandleRendersCapturedRegisters(t *testing.T) {
	buf := resetGlobals(t)
	CaptureContext = func() Context {
		return Context{
			Registers:        map[string]uint64{"RAX": 0xdead},
			ControlRegisters: map[string]uint64{"CR2": 0xbeef},
			RFlags:           1<<9 | 1<<6,
			RFlagsKnown:      true,
		}
	}

	Handle(Context{Vector: 13})

	out := buf.String()
	require.Contains(t, out, "RAX = 0x000000000000dead")
	require.Contains(t, out, "CR2 = 0x000000000000beef")
	require.Contains(t, out, "IF")
	require.Contains(t, out, "ZF")
}

func TestBroadcastPanicCalledOnHandle(t *testing.T) {
	resetGlobals(t)
	var broadcast bool
	BroadcastPanic = func() { broadcast = true }

	Handle(Context{Vector: 32})

	require.True(t, broadcast)
}
