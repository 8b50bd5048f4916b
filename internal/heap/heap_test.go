package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAndMergeReusesFreedChunk(t *testing.T) {
	h, err := New(1 << 20)
	require.NoError(t, err)

	a, err := h.Alloc(128)
	require.NoError(t, err)
	b, err := h.Alloc(256)
	require.NoError(t, err)
	c, err := h.Alloc(64)
	require.NoError(t, err)

	initialFree := h.FreeMemory()

	h.Free(b)

	b2, err := h.Alloc(256)
	require.NoError(t, err)
	require.Equal(t, b, b2, "alloc(256) after free(b) should reuse b's exact address")

	h.Free(a)
	h.Free(c)
	h.Free(b2)

	require.Equal(t, initialFree+256, h.FreeMemory())
}

func TestConservationInvariant(t *testing.T) {
	h, err := New(64 * 1024)
	require.NoError(t, err)

	ptrs := make([]Ptr, 0, 16)
	for i := 0; i < 16; i++ {
		p, err := h.Alloc(32 * (i + 1))
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for i := 0; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}

	var total int64
	var headers int64
	h.Walk(func(size int64, used bool) {
		total += size
		headers += int64(HeaderSize())
	})
	require.Equal(t, int64(h.RegionSize()), total+headers)
}

func TestNoAdjacentFreeChunks(t *testing.T) {
	h, err := New(8192)
	require.NoError(t, err)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	c, err := h.Alloc(64)
	require.NoError(t, err)
	_ = c

	h.Free(a)
	h.Free(b)

	var usedFlags []bool
	h.Walk(func(size int64, used bool) {
		usedFlags = append(usedFlags, used)
	})
	for i := 1; i < len(usedFlags); i++ {
		if !usedFlags[i-1] && !usedFlags[i] {
			t.Fatalf("found two adjacent free chunks at positions %d,%d", i-1, i)
		}
	}
}

func TestAllocFailsOnExhaustion(t *testing.T) {
	h, err := New(1024)
	require.NoError(t, err)

	var last error
	for i := 0; i < 100; i++ {
		if _, err := h.Alloc(64); err != nil {
			last = err
			break
		}
	}
	require.Error(t, last)
}
