package fdt

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utk-project/utk-kernel/internal/fdt/fdtbuild"
	"github.com/utk-project/utk-kernel/internal/kpanic"
)

func TestMain(m *testing.M) {
	kpanic.UseTestShim()
	os.Exit(m.Run())
}

func buildSampleTree() *Tree {
	root := fdtbuild.N("", []fdtbuild.Prop{
		{Name: "compatible", Cells: fdtbuild.Str("utk,utk-fdt-v1")},
	},
		fdtbuild.N("cpus", []fdtbuild.Prop{
			{Name: "#address-cells", Cells: fdtbuild.U32(1)},
			{Name: "#size-cells", Cells: fdtbuild.U32(0)},
		},
			fdtbuild.N("cpu@0", nil),
			fdtbuild.N("cpu@1", nil),
			fdtbuild.N("cpu@2", nil),
			fdtbuild.N("cpu@3", nil),
		),
		fdtbuild.N("acpi@E0000", []fdtbuild.Prop{
			{Name: "phandle", Cells: fdtbuild.U32(1)},
			{Name: "compatible", Cells: fdtbuild.StrList("utk,acpi", "generic-acpi")},
		}),
	)
	blob := fdtbuild.Build(root)
	return Parse(blob)
}

func TestParseWalksTreeScenario(t *testing.T) {
	tree := buildSampleTree()

	cpus := FirstChild(tree.Root())
	require.Equal(t, "cpus", cpus.Name)

	cpu0 := FirstChild(cpus)
	require.Equal(t, "cpu@0", cpu0.Name)

	var names []string
	for n := cpu0; n != nil; n = NextSibling(n) {
		names = append(names, n.Name)
	}
	require.Equal(t, []string{"cpu@0", "cpu@1", "cpu@2", "cpu@3"}, names)
}

func TestPhandleResolution(t *testing.T) {
	tree := buildSampleTree()
	n := tree.NodeByPhandle(1)
	require.NotNil(t, n)
	require.Equal(t, "acpi@E0000", n.Name)
}

func TestPropertyRoundTrip(t *testing.T) {
	tree := buildSampleTree()
	cells, length, ok := PropByName(tree.Root(), "compatible")
	require.True(t, ok)
	require.Equal(t, len("utk,utk-fdt-v1")+1, length)
	require.Equal(t, "utk,utk-fdt-v1\x00", string(cells))
}

func TestMatchCompatibleMultiEntry(t *testing.T) {
	tree := buildSampleTree()
	acpi := tree.NodeByPhandle(1)
	require.True(t, MatchCompatible(acpi, "generic-acpi"))
	require.True(t, MatchCompatible(acpi, "utk,acpi"))
	require.False(t, MatchCompatible(acpi, "nonexistent"))
}

func TestAddressSizeCellsInheritance(t *testing.T) {
	tree := buildSampleTree()
	require.EqualValues(t, 2, tree.Root().AddressCells)
	require.EqualValues(t, 1, tree.Root().SizeCells)

	cpus := FirstChild(tree.Root())
	require.EqualValues(t, 1, cpus.AddressCells)
	require.EqualValues(t, 0, cpus.SizeCells)

	cpu0 := FirstChild(cpus)
	require.EqualValues(t, 1, cpu0.AddressCells, "cpu@0 inherits its parent's overridden cells")
}

func TestNodeByNameFirstDFSMatch(t *testing.T) {
	tree := buildSampleTree()
	n := tree.NodeByName("cpu@2")
	require.NotNil(t, n)
	require.Equal(t, "cpu@2", n.Name)
}

func TestBadMagicPanics(t *testing.T) {
	blob := fdtbuild.Build(fdtbuild.N("", nil))
	blob[0] = 0xff
	require.Panics(t, func() { Parse(blob) })
}

func TestTruncatedBlobPanics(t *testing.T) {
	blob := fdtbuild.Build(fdtbuild.N("", nil))
	require.Panics(t, func() { Parse(blob[:len(blob)-10]) })
}
