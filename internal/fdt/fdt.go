// Package fdt implements the flattened-device-tree parser. It decodes a
// big-endian blob into an in-memory tree, executes the three binding
// actions (#address-cells, #size-cells, phandle) as it goes, and answers
// the standard traversal queries (root, next sibling, first child, ...).
// The tree is built once at boot from a read-only blob and lives for the
// kernel's lifetime.
package fdt

import (
	"encoding/binary"

	"github.com/utk-project/utk-kernel/internal/archx86"
	"github.com/utk-project/utk-kernel/internal/kpanic"
)

// Property is one property record attached to a node. Cells holds the
// property's raw bytes as they appear in the blob (big-endian); they are
// not converted to host order.
type Property struct {
	Name   string
	Length int
	Cells  []byte
	next   *Property
}

// Node is one device-tree node.
type Node struct {
	Name         string
	AddressCells uint8
	SizeCells    uint8

	firstProp   *Property
	Parent      *Node
	NextSibling *Node
	FirstChild  *Node

	// DeviceData is attached by the driver manager once a driver binds
	// to this node.
	DeviceData any

	lastChild *Node // tail pointer, parse-time only, for O(1) append
}

// MemReservation is one entry of either the usable-memory or
// reserved-memory list.
type MemReservation struct {
	Base uint64
	Size uint64
}

// Tree is the parsed device tree plus its side tables (phandles, memory
// reservations).
type Tree struct {
	root     *Node
	phandles map[uint32]*Node
	memory   []MemReservation
	reserved []MemReservation
}

// Root returns the tree's single root node.
func (t *Tree) Root() *Node { return t.root }

// NextSibling returns n's next sibling, or nil.
func NextSibling(n *Node) *Node {
	if n == nil {
		return nil
	}
	return n.NextSibling
}

// FirstChild returns n's first child, or nil.
func FirstChild(n *Node) *Node {
	if n == nil {
		return nil
	}
	return n.FirstChild
}

// FirstProp returns n's first property, or nil.
func FirstProp(n *Node) *Property {
	if n == nil {
		return nil
	}
	return n.firstProp
}

// NextProp returns the property following p, or nil.
func NextProp(p *Property) *Property {
	if p == nil {
		return nil
	}
	return p.next
}

// PropByName returns node's property by name. A property present but
// empty (length 0) is distinguished from absent by returning non-nil
// cells with ok==true versus ok==false.
func PropByName(n *Node, name string) (cells []byte, length int, ok bool) {
	if n == nil {
		return nil, 0, false
	}
	for p := n.firstProp; p != nil; p = p.next {
		if p.Name == name {
			return p.Cells, p.Length, true
		}
	}
	return nil, 0, false
}

// NodeByPhandle resolves a phandle id to the node that declared it.
func (t *Tree) NodeByPhandle(id uint32) *Node {
	return t.phandles[id]
}

// NodeByName returns the first node named name in depth-first order, or
// nil.
func (t *Tree) NodeByName(name string) *Node {
	var found *Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil || found != nil {
			return
		}
		if n.Name == name {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(t.root)
	return found
}

// MatchCompatible reports whether node's "compatible" property contains
// an entry exactly equal to s. The property may hold several
// NUL-separated compatible strings, so this checks each one for an
// exact match rather than treating the whole property as one string.
func MatchCompatible(n *Node, s string) bool {
	cells, length, ok := PropByName(n, archx86.PropCompatible)
	if !ok || length == 0 {
		return false
	}
	for _, entry := range splitNulTerminated(cells[:length]) {
		if entry == s {
			return true
		}
	}
	return false
}

func splitNulTerminated(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}

// GetMemory returns the usable-memory reservation list.
func (t *Tree) GetMemory() []MemReservation { return t.memory }

// GetReservedMemory returns the reserved-memory list.
func (t *Tree) GetReservedMemory() []MemReservation { return t.reserved }

// --- parsing ---

type header struct {
	Magic         uint32
	TotalSize     uint32
	StructsOffset uint32
	StringsOffset uint32
	MemRsvOffset  uint32
	Version       uint32
	Compat        uint32
	BootCPU       uint32
	StringsSize   uint32
	StructsSize   uint32
}

const headerWireSize = 40 // 10 big-endian uint32 fields

// Parse decodes a flat device-tree blob. Any failure (bad magic,
// truncated blob, unexpected token, allocation failure) is fatal and
// panics through kpanic.
func Parse(blob []byte) *Tree {
	if len(blob) < headerWireSize {
		kpanic.Panic(1, "fdt", "blob shorter than header", "fdt.go", 0)
	}
	hdr := header{
		Magic:         binary.BigEndian.Uint32(blob[0:4]),
		TotalSize:     binary.BigEndian.Uint32(blob[4:8]),
		StructsOffset: binary.BigEndian.Uint32(blob[8:12]),
		StringsOffset: binary.BigEndian.Uint32(blob[12:16]),
		MemRsvOffset:  binary.BigEndian.Uint32(blob[16:20]),
		Version:       binary.BigEndian.Uint32(blob[20:24]),
		Compat:        binary.BigEndian.Uint32(blob[24:28]),
		BootCPU:       binary.BigEndian.Uint32(blob[28:32]),
		StringsSize:   binary.BigEndian.Uint32(blob[32:36]),
		StructsSize:   binary.BigEndian.Uint32(blob[36:40]),
	}
	if hdr.Magic != archx86.FDTMagic {
		kpanic.Panic(2, "fdt", "bad magic", "fdt.go", 0)
	}
	if uint64(hdr.TotalSize) > uint64(len(blob)) {
		kpanic.Panic(3, "fdt", "truncated blob", "fdt.go", 0)
	}

	p := &parser{
		blob:    blob,
		strings: blob[hdr.StringsOffset : hdr.StringsOffset+hdr.StringsSize],
		off:     hdr.StructsOffset,
		end:     hdr.StructsOffset + hdr.StructsSize,
	}
	t := &Tree{phandles: make(map[uint32]*Node)}
	p.tree = t

	tok := p.nextToken()
	if tok != archx86.TokenBegNode {
		kpanic.Panic(4, "fdt", "expected root BEGIN_NODE", "fdt.go", 0)
	}
	t.root = p.parseNode(nil, archx86.DefaultAddressCells, archx86.DefaultSizeCells)

	t.memory, t.reserved = parseMemRsv(blob, hdr.MemRsvOffset)

	return t
}

type parser struct {
	blob    []byte
	strings []byte
	off     uint32
	end     uint32
	tree    *Tree
}

func (p *parser) nextToken() uint32 {
	for {
		if p.off+4 > p.end {
			kpanic.Panic(5, "fdt", "truncated structs block", "fdt.go", 0)
		}
		v := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
		p.off += 4
		if v == archx86.TokenNop {
			continue
		}
		return v
	}
}

func (p *parser) readCString() string {
	start := p.off
	for p.blob[p.off] != 0 {
		p.off++
	}
	s := string(p.blob[start:p.off])
	p.off++ // skip NUL
	p.off = align4(p.off)
	return s
}

func align4(off uint32) uint32 {
	return (off + 3) &^ 3
}

// parseNode consumes tokens up to and including this node's matching
// END_NODE. addrCells/sizeCells are inherited from the parent.
func (p *parser) parseNode(parent *Node, addrCells, sizeCells uint8) *Node {
	n := &Node{
		Name:         p.readCString(),
		AddressCells: addrCells,
		SizeCells:    sizeCells,
		Parent:       parent,
	}

	var lastProp *Property
	for {
		tok := p.nextToken()
		switch tok {
		case archx86.TokenProp:
			prop := p.parseProp()
			if lastProp == nil {
				n.firstProp = prop
			} else {
				lastProp.next = prop
			}
			lastProp = prop
			p.applyBindingAction(n, prop)
		case archx86.TokenBegNode:
			child := p.parseNode(n, n.AddressCells, n.SizeCells)
			if n.lastChild == nil {
				n.FirstChild = child
			} else {
				n.lastChild.NextSibling = child
			}
			n.lastChild = child
		case archx86.TokenEndNode:
			return n
		case archx86.TokenEnd:
			kpanic.Panic(6, "fdt", "unexpected END token inside node", "fdt.go", 0)
		default:
			kpanic.Panic(7, "fdt", "unexpected token", "fdt.go", 0)
		}
	}
}

func (p *parser) parseProp() *Property {
	if p.off+8 > p.end {
		kpanic.Panic(8, "fdt", "truncated PROP header", "fdt.go", 0)
	}
	length := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
	nameOff := binary.BigEndian.Uint32(p.blob[p.off+4 : p.off+8])
	p.off += 8

	name := cStringAt(p.strings, nameOff)

	cells := make([]byte, length)
	copy(cells, p.blob[p.off:p.off+length])
	p.off = align4(p.off + length)

	return &Property{Name: name, Length: int(length), Cells: cells}
}

func cStringAt(strings []byte, off uint32) string {
	end := off
	for end < uint32(len(strings)) && strings[end] != 0 {
		end++
	}
	return string(strings[off:end])
}

// applyBindingAction executes the side-effecting actions the parser
// recognizes: phandle registration, and #address-cells/#size-cells
// cell-count updates (which must validate a 4-byte length).
func (p *parser) applyBindingAction(n *Node, prop *Property) {
	switch prop.Name {
	case archx86.PropPhandle:
		if prop.Length != 4 {
			kpanic.Panic(9, "fdt", "phandle property must be 4 bytes", "fdt.go", 0)
		}
		id := binary.BigEndian.Uint32(prop.Cells)
		p.tree.phandles[id] = n
	case archx86.PropAddressCells:
		if prop.Length != 4 {
			kpanic.Panic(10, "fdt", "#address-cells must be 4 bytes", "fdt.go", 0)
		}
		n.AddressCells = uint8(binary.BigEndian.Uint32(prop.Cells))
	case archx86.PropSizeCells:
		if prop.Length != 4 {
			kpanic.Panic(11, "fdt", "#size-cells must be 4 bytes", "fdt.go", 0)
		}
		n.SizeCells = uint8(binary.BigEndian.Uint32(prop.Cells))
	}
}

func parseMemRsv(blob []byte, off uint32) (usable, reserved []MemReservation) {
	// The reservation block is a sequence of {base uint64, size uint64}
	// big-endian pairs terminated by a {0,0} entry. A non-zero entry is
	// "reserved"; we report the remainder of physical memory supplied
	// out-of-band (by the boot loader's memory map, not this blob) as
	// "usable" — so this function only ever populates reserved here,
	// and callers that need the usable list populate it from their own
	// memory-map source through SetUsableMemory.
	for off+16 <= uint32(len(blob)) {
		base := binary.BigEndian.Uint64(blob[off : off+8])
		size := binary.BigEndian.Uint64(blob[off+8 : off+16])
		off += 16
		if base == 0 && size == 0 {
			break
		}
		reserved = append(reserved, MemReservation{Base: base, Size: size})
	}
	return nil, reserved
}

// SetUsableMemory lets the driver that enumerates usable memory (from a
// "memory" node's reg property, or an out-of-band e820-style map) record
// it on the tree for GetMemory to return.
func (t *Tree) SetUsableMemory(ranges []MemReservation) {
	t.memory = ranges
}
