// Package heap implements a segregated-free-list allocator over a
// single contiguous region, safe to call from interrupt context because
// every operation is guarded by an interrupt critical section. The
// region is framed by two permanently-used sentinel chunks, with an
// address-ordered "all" list threading every chunk and 32 size-bucketed
// free lists.
package heap

import (
	"math/bits"
	"unsafe"

	"github.com/utk-project/utk-kernel/internal/critsec"
	"github.com/utk-project/utk-kernel/internal/kerr"
)

// numBuckets is the number of size buckets, indexed by floor(log2(size)).
// Alloc(n) starts its search at bucket floor(log2(n-1))+1.
const numBuckets = 32

// alignment is the allocation granularity: every request is rounded up
// to a multiple of this many bytes.
const alignment = 4

// minAllocSize is the smallest size a chunk's data area may carry, large
// enough to host the free-list links when the chunk is later freed.
const minAllocSize = int(unsafe.Sizeof(freeLinks{}))

// freeLinks is logically a union with the chunk's data area: once a
// chunk is freed its first bytes are reinterpreted as the free-list
// links. Keeping it as its own type (rather than literally overlaying
// the header) makes bucketFor / unlink / link straightforward while
// still costing nothing extra once the chunk is allocated, since these
// bytes belong to the caller's data region at that point.
type freeLinks struct {
	prev int64
	next int64
}

// chunkHeader precedes every chunk's data area in the region. Size is
// the number of usable data bytes; AllPrev/AllNext thread the
// address-ordered list of every chunk (used and free); Used marks
// allocation state. Offsets are int64 byte offsets from the start of
// the region; -1 means "no such chunk" (the all-list ends, or the
// bucket list ends).
type chunkHeader struct {
	Size    int64
	Used    bool
	_       [7]byte // padding, keeps Size/Used naturally aligned with AllPrev
	AllPrev int64
	AllNext int64
}

const headerSize = int(unsafe.Sizeof(chunkHeader{}))

// Heap is a segregated-free-list allocator over a fixed-size region.
// The zero value is not usable; call New.
type Heap struct {
	region  []byte
	lock    critsec.Lock
	buckets [numBuckets]int64 // head offset of each bucket's free list, -1 if empty
	inited  bool
}

// Ptr is an opaque handle to an allocated chunk's data area, the Go
// analogue of the allocator's returned data address. The zero value is
// never a valid Ptr returned by Alloc.
type Ptr struct {
	off int64
}

// Valid reports whether p was produced by a successful Alloc.
func (p Ptr) Valid() bool { return p.off != 0 }

// New allocates the backing region (size bytes) and frames it with the
// two permanently-used sentinel chunks plus one free interior chunk.
// size must be large enough to hold the sentinels and at least one
// minimum-size chunk.
func New(size int) (*Heap, error) {
	if size < 3*headerSize+minAllocSize {
		return nil, kerr.New(kerr.IncorrectValue, "heap.New", "region too small")
	}
	h := &Heap{region: make([]byte, size)}
	for i := range h.buckets {
		h.buckets[i] = -1
	}

	headOff := int64(0)
	bodyOff := int64(headerSize)
	bodySize := int64(size) - int64(2*headerSize) - int64(headerSize)
	tailOff := int64(size) - int64(headerSize)

	head := h.headerAt(headOff)
	*head = chunkHeader{Size: 0, Used: true, AllPrev: -1, AllNext: bodyOff}

	body := h.headerAt(bodyOff)
	*body = chunkHeader{Size: bodySize, Used: false, AllPrev: headOff, AllNext: tailOff}

	tail := h.headerAt(tailOff)
	*tail = chunkHeader{Size: 0, Used: true, AllPrev: bodyOff, AllNext: -1}

	h.pushFree(bodyOff, body)
	h.inited = true
	return h, nil
}

func (h *Heap) headerAt(off int64) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(&h.region[off]))
}

func (h *Heap) linksAt(off int64) *freeLinks {
	return (*freeLinks)(unsafe.Pointer(&h.region[off+int64(headerSize)]))
}

func bucketFor(size int64) int {
	if size <= 1 {
		return 0
	}
	k := bits.Len64(uint64(size)) - 1
	if k >= numBuckets {
		return numBuckets - 1
	}
	return k
}

func (h *Heap) pushFree(off int64, hdr *chunkHeader) {
	b := bucketFor(hdr.Size)
	links := h.linksAt(off)
	head := h.buckets[b]
	links.prev = -1
	links.next = head
	if head != -1 {
		h.linksAt(head).prev = off
	}
	h.buckets[b] = off
}

func (h *Heap) unlinkFree(off int64, hdr *chunkHeader) {
	b := bucketFor(hdr.Size)
	links := h.linksAt(off)
	if links.prev != -1 {
		h.linksAt(links.prev).next = links.next
	} else {
		h.buckets[b] = links.next
	}
	if links.next != -1 {
		h.linksAt(links.next).prev = links.prev
	}
}

// Alloc rounds n up to the allocation alignment, clamps it to the
// minimum chunk size, and returns a handle to n (or more) usable bytes,
// splitting the residual of whichever free chunk it takes the space
// from back into its bucket when the residual itself is large enough to
// be a chunk. It returns NoMoreMemory when no bucket has room.
func (h *Heap) Alloc(n int) (Ptr, error) {
	if n <= 0 {
		return Ptr{}, kerr.New(kerr.IncorrectValue, "heap.Alloc", "size must be positive")
	}
	n = ((n + alignment - 1) / alignment) * alignment
	if n < minAllocSize {
		n = minAllocSize
	}

	saved := critsec.Enter()
	defer critsec.Exit(saved)

	start := bucketFor(int64(n)-1) + 1
	for b := start; b < numBuckets; b++ {
		off := h.buckets[b]
		for off != -1 {
			hdr := h.headerAt(off)
			next := h.linksAt(off).next
			if hdr.Size >= int64(n) {
				h.unlinkFree(off, hdr)
				h.carve(off, hdr, int64(n))
				hdr.Used = true
				return Ptr{off: off}, nil
			}
			off = next
		}
	}
	return Ptr{}, kerr.New(kerr.NoMoreMemory, "heap.Alloc", "")
}

// carve splits off the residual of a chunk being allocated, if the
// residual is large enough to host a header plus a minimum-size chunk,
// and pushes that residual chunk into its bucket.
func (h *Heap) carve(off int64, hdr *chunkHeader, need int64) {
	residual := hdr.Size - need
	if residual < int64(headerSize)+int64(minAllocSize) {
		return
	}
	newOff := off + int64(headerSize) + need
	newSize := residual - int64(headerSize)

	newHdr := h.headerAt(newOff)
	*newHdr = chunkHeader{
		Size:    newSize,
		Used:    false,
		AllPrev: off,
		AllNext: hdr.AllNext,
	}
	if hdr.AllNext != -1 {
		h.headerAt(hdr.AllNext).AllPrev = newOff
	}
	hdr.AllNext = newOff
	hdr.Size = need

	h.pushFree(newOff, newHdr)
}

// Free returns p's chunk to the allocator, coalescing with an adjacent
// free neighbor in the all-list on either side. Freeing an invalid Ptr
// is a programmer error and panics, since double-free and
// foreign-pointer free are undefined behavior rather than recoverable
// errors.
func (h *Heap) Free(p Ptr) {
	if !p.Valid() {
		panic("heap: free of invalid pointer")
	}

	saved := critsec.Enter()
	defer critsec.Exit(saved)

	off := p.off
	hdr := h.headerAt(off)
	if !hdr.Used {
		panic("heap: double free")
	}

	// coalesce forward
	if next := hdr.AllNext; next != -1 {
		nhdr := h.headerAt(next)
		if !nhdr.Used {
			h.unlinkFree(next, nhdr)
			hdr.Size += int64(headerSize) + nhdr.Size
			hdr.AllNext = nhdr.AllNext
			if nhdr.AllNext != -1 {
				h.headerAt(nhdr.AllNext).AllPrev = off
			}
		}
	}

	// coalesce backward
	if prev := hdr.AllPrev; prev != -1 {
		phdr := h.headerAt(prev)
		if !phdr.Used {
			h.unlinkFree(prev, phdr)
			phdr.Size += int64(headerSize) + hdr.Size
			phdr.AllNext = hdr.AllNext
			if hdr.AllNext != -1 {
				h.headerAt(hdr.AllNext).AllPrev = prev
			}
			h.pushFree(prev, phdr)
			return
		}
	}

	hdr.Used = false
	h.pushFree(off, hdr)
}

// Bytes returns the data area of an allocated chunk, letting the caller
// read/write the memory it allocated.
func (h *Heap) Bytes(p Ptr) []byte {
	hdr := h.headerAt(p.off)
	start := p.off + int64(headerSize)
	return h.region[start : start+hdr.Size]
}

// FreeMemory returns the total number of bytes currently available for
// allocation across every bucket.
func (h *Heap) FreeMemory() int64 {
	saved := critsec.Enter()
	defer critsec.Exit(saved)

	var total int64
	for _, head := range h.buckets {
		off := head
		for off != -1 {
			hdr := h.headerAt(off)
			total += hdr.Size
			off = h.linksAt(off).next
		}
	}
	return total
}

// RegionSize returns the total number of bytes the heap manages,
// including both sentinel and body headers.
func (h *Heap) RegionSize() int {
	return len(h.region)
}

// HeaderSize returns the per-chunk header overhead, for tests checking
// the allocator's size-conservation invariant directly.
func HeaderSize() int { return headerSize }

// Walk calls fn for every chunk in address order, including the two
// sentinels, for tests that verify the heap's internal bookkeeping.
func (h *Heap) Walk(fn func(size int64, used bool)) {
	saved := critsec.Enter()
	defer critsec.Exit(saved)

	off := int64(0)
	for off != -1 {
		hdr := h.headerAt(off)
		fn(hdr.Size, hdr.Used)
		off = hdr.AllNext
	}
}
