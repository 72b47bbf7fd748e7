// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package buddy_test

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/memory/buddy"
	"github.com/antimetal/nrk/pkg/topology"
)

func testHeap(t *testing.T, base memory.PAddr, size, minBlock uint64) *buddy.Allocator {
	t.Helper()
	return buddy.NewWithBlockSize(logr.Discard(),
		memory.Frame{Base: base, Size: size, Affinity: 8}, minBlock)
}

func TestAllocationSize(t *testing.T) {
	const heapSize = 256
	heap := testHeap(t, 0x10000, heapSize, 16)

	powerOfTwos := []uint64{1, 1 << 2, 1 << 3, 1 << 4, 1 << 5, 1 << 6, 1 << 7, 1 << 8,
		1 << 9, 1 << 10, 1 << 11, 1 << 12}

	for size := uint64(0); size < 8192; size++ {
		for _, align := range powerOfTwos {
			res, ok := heap.AllocationSize(memory.NewLayout(size, align))
			allocSize := size
			if align > allocSize {
				allocSize = align
			}
			if allocSize > heapSize {
				assert.False(t, ok, "size=%d align=%d", size, align)
				continue
			}
			require.True(t, ok, "size=%d align=%d", size, align)
			expected := memory.NextPowerOfTwo(allocSize)
			if expected < 16 {
				expected = 16
			}
			assert.Equal(t, expected, res, "size=%d align=%d", size, align)
		}
	}
}

func TestLayoutToOrder(t *testing.T) {
	heap := testHeap(t, 0x10000, 256, 16)

	for _, tc := range []struct {
		size, align uint64
		order       int
	}{
		{0, 1, 0},
		{1, 1, 0},
		{16, 16, 0},
		{32, 32, 1},
		{64, 64, 2},
		{128, 128, 3},
		{256, 256, 4},
	} {
		order, err := heap.LayoutToOrder(memory.NewLayout(tc.size, tc.align))
		require.NoError(t, err, "size=%d", tc.size)
		assert.Equal(t, tc.order, order, "size=%d align=%d", tc.size, tc.align)
	}

	_, err := heap.LayoutToOrder(memory.NewLayout(512, 512))
	assert.ErrorIs(t, err, memory.ErrInvalidLayout)
}

// Mirrors the scripted small-heap scenario: a 256-byte region with 16-byte
// minimum blocks, exercising split, exhaustion, merge and full reuse.
func TestAllocSimple(t *testing.T) {
	const base = memory.PAddr(0x10000)
	heap := testHeap(t, base, 256, 16)
	assert.Equal(t, uint64(256), heap.Size())
	assert.Equal(t, uint64(256), heap.Capacity())
	assert.Equal(t, uint64(0), heap.InternalFragmentation())

	alloc := func(size, align uint64) memory.Frame {
		f, err := heap.AllocateFrame(memory.NewLayout(size, align))
		require.NoError(t, err)
		return f
	}

	block16x0 := alloc(8, 8)
	assert.Equal(t, base, block16x0.Base)
	assert.Equal(t, uint64(16), heap.Allocated())
	assert.Equal(t, uint64(8), heap.InternalFragmentation())
	assert.Equal(t, topology.NodeID(8), block16x0.Affinity)

	_, err := heap.AllocateFrame(memory.NewLayout(4096, 256))
	assert.ErrorIs(t, err, memory.ErrInvalidLayout)

	_, err = heap.AllocateFrame(memory.NewLayout(256, 256))
	assert.ErrorIs(t, err, memory.ErrCacheExhausted)
	assert.Equal(t, uint64(16), heap.Allocated())

	block16x1 := alloc(8, 8)
	assert.Equal(t, base+16, block16x1.Base)
	assert.Equal(t, uint64(32), heap.Allocated())

	block16x2 := alloc(8, 8)
	assert.Equal(t, base+32, block16x2.Base)
	assert.Equal(t, uint64(48), heap.Allocated())

	block32 := alloc(32, 32)
	assert.Equal(t, base+64, block32.Base)
	assert.Equal(t, uint64(80), heap.Allocated())

	block16x3 := alloc(8, 8)
	assert.Equal(t, base+48, block16x3.Base)

	block128x1 := alloc(128, 128)
	assert.Equal(t, base+128, block128x1.Base)
	assert.Equal(t, uint64(224), heap.Allocated())

	_, err = heap.AllocateFrame(memory.NewLayout(64, 64))
	assert.ErrorIs(t, err, memory.ErrCacheExhausted)

	require.NoError(t, heap.DeallocateFrame(block32, memory.NewLayout(32, 32)))
	require.NoError(t, heap.DeallocateFrame(block16x0, memory.NewLayout(8, 8)))
	require.NoError(t, heap.DeallocateFrame(block16x3, memory.NewLayout(8, 8)))
	require.NoError(t, heap.DeallocateFrame(block16x1, memory.NewLayout(8, 8)))
	require.NoError(t, heap.DeallocateFrame(block16x2, memory.NewLayout(8, 8)))
	assert.Equal(t, uint64(128), heap.Allocated())
	assert.Equal(t, uint64(0), heap.InternalFragmentation())

	block128x0 := alloc(128, 128)
	assert.Equal(t, base, block128x0.Base)
	assert.Equal(t, uint64(256), heap.Allocated())

	require.NoError(t, heap.DeallocateFrame(block128x1, memory.NewLayout(128, 128)))
	require.NoError(t, heap.DeallocateFrame(block128x0, memory.NewLayout(128, 128)))
	assert.Equal(t, uint64(0), heap.Allocated())

	// The whole heap coalesced back into one block.
	block256 := alloc(256, 256)
	assert.Equal(t, base, block256.Base)
	assert.Equal(t, uint64(256), heap.Allocated())
}

// Round trip: free then re-allocate with the same layout returns the
// identical frame address.
func TestAllocateDeallocateRoundTrip(t *testing.T) {
	heap := testHeap(t, 0x100000, 1<<20, memory.BasePageSize)

	layout := memory.BasePageLayout()
	f, err := heap.AllocateFrame(layout)
	require.NoError(t, err)
	require.NoError(t, heap.DeallocateFrame(f, layout))
	assert.Equal(t, uint64(0), heap.Allocated())

	again, err := heap.AllocateFrame(layout)
	require.NoError(t, err)
	assert.Equal(t, f.Base, again.Base)
}

// Disjointness: every live allocation keeps its own fill pattern.
func TestAllocationDisjointness(t *testing.T) {
	const slabBase = memory.PAddr(0x200000)
	const slabSize = uint64(1 << 21)
	pm, err := memory.NewPhysMem(slabBase, slabSize)
	require.NoError(t, err)
	heap := testHeap(t, slabBase, slabSize, memory.BasePageSize)

	rng := rand.New(rand.NewSource(0xb0dd))
	layout := memory.BasePageLayout()

	type alloc struct {
		frame   memory.Frame
		pattern uint64
	}
	var live []alloc

	fill := func(a alloc) {
		b, err := pm.Slice(a.frame.Base, a.frame.Size)
		require.NoError(t, err)
		for off := 0; off+8 <= len(b); off += 8 {
			binary.LittleEndian.PutUint64(b[off:], a.pattern)
		}
	}
	check := func(a alloc) {
		b, err := pm.Slice(a.frame.Base, a.frame.Size)
		require.NoError(t, err)
		for off := 0; off+8 <= len(b); off += 8 {
			require.Equal(t, a.pattern, binary.LittleEndian.Uint64(b[off:]),
				"frame %v corrupted at offset %d", a.frame, off)
		}
	}

	for i := 0; i < 2048; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			check(live[idx])
			require.NoError(t, heap.DeallocateFrame(live[idx].frame, layout))
			live = append(live[:idx], live[idx+1:]...)
			continue
		}
		f, err := heap.AllocateFrame(layout)
		if err != nil {
			assert.ErrorIs(t, err, memory.ErrCacheExhausted)
			continue
		}
		a := alloc{frame: f, pattern: rng.Uint64()}
		fill(a)
		live = append(live, a)
	}
	for _, a := range live {
		check(a)
	}
}

// Determinism: the same allocation script yields the same addresses.
func TestDeterministicAddresses(t *testing.T) {
	script := func() []memory.PAddr {
		heap := testHeap(t, 0x400000, 1<<20, memory.BasePageSize)
		var got []memory.PAddr
		var frames []memory.Frame
		for i := 0; i < 16; i++ {
			f, err := heap.AllocateFrame(memory.BasePageLayout())
			require.NoError(t, err)
			got = append(got, f.Base)
			frames = append(frames, f)
		}
		for _, i := range []int{3, 1, 7, 0} {
			require.NoError(t, heap.DeallocateFrame(frames[i], memory.BasePageLayout()))
		}
		for i := 0; i < 4; i++ {
			f, err := heap.AllocateFrame(memory.BasePageLayout())
			require.NoError(t, err)
			got = append(got, f.Base)
		}
		return got
	}
	assert.Equal(t, script(), script())
}

// New rounds a non-power-of-two region down and hands back the remainder.
func TestNewReturnsRemainder(t *testing.T) {
	region := memory.Frame{Base: 0x800000, Size: 3 * memory.BasePageSize * 1024, Affinity: 2}
	heap, remainder := buddy.New(logr.Discard(), region)
	assert.Equal(t, uint64(2*memory.BasePageSize*1024), heap.Size())
	assert.Equal(t, uint64(memory.BasePageSize*1024), remainder.Size)
	assert.Equal(t, heap.Region().End(), remainder.Base)
	assert.Equal(t, region.Affinity, remainder.Affinity)
}
