// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package buddy implements the per-NUMA-node physical frame allocator.
//
// The allocator manages a single power-of-two region with classic buddy
// semantics: free blocks live on per-order free lists, allocation splits
// larger blocks down, deallocation merges a block with its XOR-buddy as
// far up as possible.
package buddy

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/pkg/memory"
)

// numOrders free lists with a 4 KiB minimum block cover blocks up to
// 256 GiB, plenty for a single NUMA node.
const numOrders = 27

// Allocator is the buddy allocator for one NUMA node's region.
// It is not safe for concurrent use; NodeMemory serializes access.
type Allocator struct {
	region                memory.Frame
	allocatedBytes        uint64
	internalFragmentation uint64

	// freeLists[k] holds the start offsets (relative to region.Base) of
	// free blocks of size minBlockSize<<k. Lists behave as LIFO stacks.
	freeLists [numOrders][]uint64

	minHeapAlign     uint64
	minBlockSize     uint64
	minBlockSizeLog2 uint

	logger logr.Logger
}

// New builds an allocator over region. The managed size is the largest
// power of two that fits; the remainder frame is returned so the caller
// can hand it to a TCache as base pages instead of losing it.
func New(logger logr.Logger, region memory.Frame) (*Allocator, memory.Frame) {
	size := memory.PrevPowerOfTwo(region.Size)
	if size == region.Size {
		rem := memory.Frame{Base: region.End(), Size: 0, Affinity: region.Affinity}
		return newWithRegion(logger, region, memory.BasePageSize), rem
	}
	managed, remainder := region.SplitAt(size)
	logger.V(1).Info("buddy region is not a power of two",
		"managed", memory.FmtSize(size), "remainder", memory.FmtSize(remainder.Size))
	return newWithRegion(logger, managed, memory.BasePageSize), remainder
}

// NewWithBlockSize builds an allocator with a custom minimum block size.
// region.Size must be a power of two and at least minBlockSize.
func NewWithBlockSize(logger logr.Logger, region memory.Frame, minBlockSize uint64) *Allocator {
	if region.Size&(region.Size-1) != 0 {
		panic(fmt.Sprintf("buddy region size %#x not a power of two", region.Size))
	}
	if region.Size < minBlockSize {
		panic("buddy region smaller than the minimum block size")
	}
	if minBlockSize*(1<<(numOrders-1)) < region.Size {
		panic("buddy region too large for the free-list orders")
	}
	return newWithRegion(logger, region, minBlockSize)
}

func newWithRegion(logger logr.Logger, region memory.Frame, minBlockSize uint64) *Allocator {
	minHeapAlign := memory.BasePageSize
	if region.Base.IsLargePageAligned() {
		minHeapAlign = memory.LargePageSize
	}
	a := &Allocator{
		region:           region,
		minHeapAlign:     minHeapAlign,
		minBlockSize:     minBlockSize,
		minBlockSizeLog2: memory.Log2(minBlockSize),
		logger:           logger.WithName("buddy"),
	}
	order, err := a.LayoutToOrder(memory.NewLayout(region.Size, 1))
	if err != nil {
		panic("cannot place the root heap block")
	}
	a.freeListInsert(order, 0)
	return a
}

// Region returns the managed physical region.
func (a *Allocator) Region() memory.Frame { return a.region }

// AllocationSize returns the block size an allocation of layout would
// consume: max(size, align) rounded up to a power of two, clamped below by
// the minimum block size. ok is false when the request can never be
// satisfied (alignment above the heap alignment, or size beyond the
// region).
func (a *Allocator) AllocationSize(layout memory.Layout) (size uint64, ok bool) {
	if layout.Align > a.minHeapAlign {
		return 0, false
	}
	size = layout.Size
	if layout.Align > size {
		size = layout.Align
	}
	if size < a.minBlockSize {
		size = a.minBlockSize
	}
	size = memory.NextPowerOfTwo(size)
	if size > a.region.Size {
		return 0, false
	}
	return size, true
}

// LayoutToOrder maps a layout to its free-list index: the number of
// doublings of the minimum block size needed to fit it.
func (a *Allocator) LayoutToOrder(layout memory.Layout) (int, error) {
	size, ok := a.AllocationSize(layout)
	if !ok {
		return 0, memory.ErrInvalidLayout
	}
	return int(memory.Log2(size) - a.minBlockSizeLog2), nil
}

func (a *Allocator) orderToSize(order int) uint64 {
	return 1 << (a.minBlockSizeLog2 + uint(order))
}

func (a *Allocator) freeListPop(order int) (uint64, bool) {
	list := a.freeLists[order]
	if len(list) == 0 {
		return 0, false
	}
	off := list[len(list)-1]
	a.freeLists[order] = list[:len(list)-1]
	return off, true
}

func (a *Allocator) freeListInsert(order int, off uint64) {
	a.freeLists[order] = append(a.freeLists[order], off)
}

func (a *Allocator) freeListRemove(order int, off uint64) bool {
	list := a.freeLists[order]
	for i, candidate := range list {
		if candidate == off {
			a.freeLists[order] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// splitFreeBlock cuts a block of the given order down to orderNeeded,
// inserting the unused upper halves on the lower-order lists.
func (a *Allocator) splitFreeBlock(off uint64, order, orderNeeded int) {
	sizeToSplit := a.orderToSize(order)
	for order > orderNeeded {
		sizeToSplit >>= 1
		order--
		a.freeListInsert(order, off+sizeToSplit)
	}
}

// buddyOf returns the offset of the block's merge partner: the XOR of the
// block offset with the block size. The root block has no buddy.
func (a *Allocator) buddyOf(order int, off uint64) (uint64, bool) {
	size := a.orderToSize(order)
	if size >= a.region.Size {
		return 0, false
	}
	return off ^ size, true
}

// AllocateFrame returns a frame large enough for layout, splitting bigger
// blocks as needed. ErrInvalidLayout if the request can never fit,
// ErrCacheExhausted if no order can satisfy it right now.
func (a *Allocator) AllocateFrame(layout memory.Layout) (memory.Frame, error) {
	orderNeeded, err := a.LayoutToOrder(layout)
	if err != nil {
		return memory.Frame{}, err
	}
	for order := orderNeeded; order < numOrders; order++ {
		off, ok := a.freeListPop(order)
		if !ok {
			continue
		}
		if order > orderNeeded {
			a.splitFreeBlock(off, order, orderNeeded)
		}
		f := memory.Frame{
			Base:     a.region.Base + memory.PAddr(off),
			Size:     a.orderToSize(orderNeeded),
			Affinity: a.region.Affinity,
		}
		a.allocatedBytes += f.Size
		a.internalFragmentation += f.Size - layout.Size
		return f, nil
	}
	return memory.Frame{}, memory.ErrCacheExhausted
}

// DeallocateFrame returns a frame allocated with the same layout, merging
// it with free buddies as far up as possible.
func (a *Allocator) DeallocateFrame(f memory.Frame, layout memory.Layout) error {
	initialOrder, err := a.LayoutToOrder(layout)
	if err != nil {
		return fmt.Errorf("dispose of invalid block: %w", err)
	}
	a.allocatedBytes -= f.Size
	a.internalFragmentation -= f.Size - layout.Size

	off := uint64(f.Base - a.region.Base)
	for order := initialOrder; order < numOrders; order++ {
		if buddy, ok := a.buddyOf(order, off); ok {
			if a.freeListRemove(order, buddy) {
				if buddy < off {
					off = buddy
				}
				continue
			}
		}
		a.freeListInsert(order, off)
		return nil
	}
	return nil
}

// Allocated is the number of bytes currently in use.
func (a *Allocator) Allocated() uint64 { return a.allocatedBytes }

// Size is the number of bytes the allocator manages.
func (a *Allocator) Size() uint64 { return a.region.Size }

// Capacity equals Size for the buddy.
func (a *Allocator) Capacity() uint64 { return a.region.Size }

// Free is the number of bytes not currently allocated.
func (a *Allocator) Free() uint64 { return a.region.Size - a.allocatedBytes }

// InternalFragmentation is the total rounded-up-minus-requested bytes
// across live allocations.
func (a *Allocator) InternalFragmentation() uint64 { return a.internalFragmentation }

func (a *Allocator) String() string {
	return fmt.Sprintf("Buddy{%#x -- %#x, cap: %s, free: %s, allocated: %s, fragmentation: %s}",
		uint64(a.region.Base), uint64(a.region.End()),
		memory.FmtSize(a.Capacity()), memory.FmtSize(a.Free()),
		memory.FmtSize(a.Allocated()), memory.FmtSize(a.internalFragmentation))
}
