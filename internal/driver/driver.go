// Package driver implements the driver manager. A registry of driver
// descriptors, populated by package init() registration, is matched
// against device-tree nodes by exact compatible string, and the
// matching driver's Attach callback is invoked.
package driver

import (
	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/fdt"
	"github.com/utk-project/utk-kernel/internal/kerr"
	"github.com/utk-project/utk-kernel/internal/klog"
)

// Descriptor describes one driver.
type Descriptor struct {
	Name        string
	Description string
	Compatible  string
	Version     string
	Attach      func(n *fdt.Node) error
}

var registry []Descriptor

// Register adds a driver descriptor to the process-wide registry. Real
// drivers call this from an init() function in their own package.
func Register(d Descriptor) {
	registry = append(registry, d)
}

// Manager walks a device tree and attaches drivers to matching nodes.
type Manager struct {
	log *klog.Logger
}

// New returns a driver Manager.
func New() *Manager {
	return &Manager{log: klog.New("driver")}
}

// Init walks tree depth-first, siblings in blob order. For each node
// whose status property is absent or "okay" and whose
// compatible property exists, it scans the registry for an exact
// compatible-string match and invokes that driver's Attach.
func (m *Manager) Init(tree *fdt.Tree) error {
	if tree == nil || tree.Root() == nil {
		return kerr.New(kerr.NullPointer, "driver.Init", "")
	}
	var walk func(n *fdt.Node)
	walk = func(n *fdt.Node) {
		m.tryAttach(n)
		for c := fdt.FirstChild(n); c != nil; c = fdt.NextSibling(c) {
			walk(c)
		}
	}
	walk(tree.Root())
	return nil
}

func (m *Manager) tryAttach(n *fdt.Node) {
	if !m.enabled(n) {
		return
	}
	_, _, hasCompatible := fdt.PropByName(n, archx86.PropCompatible)
	if !hasCompatible {
		return
	}
	for _, d := range registry {
		if !fdt.MatchCompatible(n, d.Compatible) {
			continue
		}
		if err := d.Attach(n); err != nil {
			m.log.Warnf("driver %s failed to attach to %s: %v", d.Name, n.Name, err)
			return
		}
		m.log.Infof("driver %s attached to %s", d.Name, n.Name)
		return
	}
}

// enabled implements the status rule: absent status, or status ==
// "okay", enables the node; anything else disables it.
func (m *Manager) enabled(n *fdt.Node) bool {
	cells, length, ok := fdt.PropByName(n, archx86.PropStatus)
	if !ok {
		return true
	}
	return string(trimTrailingNul(cells[:length])) == "okay"
}

func trimTrailingNul(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

// GetDeviceData returns the private data a driver associated with the
// node that owns phandle id, via SetDeviceData at attach time.
func GetDeviceData(tree *fdt.Tree, phandle uint32) (any, bool) {
	n := tree.NodeByPhandle(phandle)
	if n == nil {
		return nil, false
	}
	return n.DeviceData, n.DeviceData != nil
}

// SetDeviceData lets a driver's Attach associate private data with the
// node it just bound to.
func SetDeviceData(n *fdt.Node, data any) {
	n.DeviceData = data
}

// Registry returns a snapshot of the registered descriptors, for
// diagnostics and tests.
func Registry() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

// ResetRegistry clears the registry. Exposed for tests that need a clean
// slate between cases; production code never calls it.
func ResetRegistry() {
	registry = nil
}
