package kickstart

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utk-project/utk-kernel/internal/fdt/fdtbuild"
	"github.com/utk-project/utk-kernel/internal/klog"
)

type bufSink struct{ lines []string }

func (b *bufSink) Printf(format string, args ...any) {
	b.lines = append(b.lines, format)
}

type fakeMapper struct{ mapped, unmapped int }

func (f *fakeMapper) Map(phys uintptr, size int, flags int) error { f.mapped++; return nil }
func (f *fakeMapper) Unmap(virt uintptr, size int) error          { f.unmapped++; return nil }

func sampleBlob() []byte {
	root := fdtbuild.N("", []fdtbuild.Prop{
		{Name: "compatible", Cells: fdtbuild.Str("utk,utk-fdt-v1")},
	})
	return fdtbuild.Build(root)
}

func TestBootWiresEverySubsystem(t *testing.T) {
	sink := &bufSink{}
	mapper := &fakeMapper{}

	k, err := Boot(Config{
		HeapSize:   64 * 1024,
		DeviceTree: sampleBlob(),
		Sink:       sink,
		Mapper:     mapper,
		CPUCount:   1,
	})
	require.NoError(t, err)
	require.NotNil(t, k.Heap)
	require.NotNil(t, k.Interrupts)
	require.NotNil(t, k.Tree)
	require.NotNil(t, k.Drivers)
	require.NotNil(t, k.Core)
	require.NotNil(t, k.Timers)
	gotMapper, ok := k.Mapper.(*fakeMapper)
	require.True(t, ok)
	require.Same(t, mapper, gotMapper)

	require.NoError(t, k.StartCores())

	klog.SetSink(nil)
}
