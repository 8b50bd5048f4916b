// Package fdtbuild assembles valid flattened-device-tree blobs in
// memory for tests. Production's only source of a blob is the boot
// loader; tests cannot obtain one any other way, so this package gives
// them an in-memory fake in place of a real device.
package fdtbuild

import (
	"encoding/binary"

	"github.com/utk-project/utk-kernel/internal/archx86"
)

// Prop is one property to emit: a name and its raw big-endian cell
// bytes. Use U32/Str helpers to build Cells.
type Prop struct {
	Name  string
	Cells []byte
}

// U32 encodes a single big-endian 32-bit cell.
func U32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Str encodes a NUL-terminated string property value.
func Str(s string) []byte {
	return append([]byte(s), 0)
}

// StrList encodes several NUL-terminated strings back to back, as a
// multi-entry "compatible" property.
func StrList(ss ...string) []byte {
	var out []byte
	for _, s := range ss {
		out = append(out, s...)
		out = append(out, 0)
	}
	return out
}

// Node is a builder-side tree node.
type Node struct {
	Name     string
	Props    []Prop
	Children []*Node
}

// N constructs a builder node.
func N(name string, props []Prop, children ...*Node) *Node {
	return &Node{Name: name, Props: props, Children: children}
}

// Build serializes root into a complete, well-formed flattened blob.
func Build(root *Node) []byte {
	var structs []byte
	var strings []byte
	stringOffsets := map[string]uint32{}

	internName := func(name string) uint32 {
		if off, ok := stringOffsets[name]; ok {
			return off
		}
		off := uint32(len(strings))
		strings = append(strings, name...)
		strings = append(strings, 0)
		stringOffsets[name] = off
		return off
	}

	putU32 := func(buf []byte, v uint32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return append(buf, b...)
	}

	padTo4 := func(buf []byte) []byte {
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
		return buf
	}

	var emit func(n *Node)
	emit = func(n *Node) {
		structs = putU32(structs, archx86.TokenBegNode)
		structs = append(structs, n.Name...)
		structs = append(structs, 0)
		structs = padTo4(structs)

		for _, p := range n.Props {
			structs = putU32(structs, archx86.TokenProp)
			structs = putU32(structs, uint32(len(p.Cells)))
			structs = putU32(structs, internName(p.Name))
			structs = append(structs, p.Cells...)
			structs = padTo4(structs)
		}

		for _, c := range n.Children {
			emit(c)
		}

		structs = putU32(structs, archx86.TokenEndNode)
	}
	emit(root)
	structs = putU32(structs, archx86.TokenEnd)

	const headerSize = 40
	memRsvOff := uint32(headerSize)
	memRsv := make([]byte, 16) // one terminating {0,0} entry
	structsOff := memRsvOff + uint32(len(memRsv))
	stringsOff := structsOff + uint32(len(structs))
	total := stringsOff + uint32(len(strings))

	blob := make([]byte, 0, total)
	blob = putU32(blob, archx86.FDTMagic)
	blob = putU32(blob, total)
	blob = putU32(blob, structsOff)
	blob = putU32(blob, stringsOff)
	blob = putU32(blob, memRsvOff)
	blob = putU32(blob, 17)             // version
	blob = putU32(blob, 16)             // last compatible version
	blob = putU32(blob, 0)              // boot cpu physical id
	blob = putU32(blob, uint32(len(strings)))
	blob = putU32(blob, uint32(len(structs)))
	blob = append(blob, memRsv...)
	blob = append(blob, structs...)
	blob = append(blob, strings...)
	return blob
}
