// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memory

// PhysicalPageProvider serves ready-to-use base and large pages.
type PhysicalPageProvider interface {
	// AllocateBasePage pops a 4 KiB frame or returns ErrCacheExhausted.
	AllocateBasePage() (Frame, error)
	// ReleaseBasePage pushes a 4 KiB frame back; ErrCacheFull when at
	// capacity. Panics if the frame is not a base page of this
	// provider's node.
	ReleaseBasePage(f Frame) error
	// AllocateLargePage pops a 2 MiB frame or returns ErrCacheExhausted.
	AllocateLargePage() (Frame, error)
	// ReleaseLargePage pushes a 2 MiB frame back; ErrCacheFull when at
	// capacity. Panics if the frame is not a large page of this
	// provider's node.
	ReleaseLargePage(f Frame) error
}

// GrowBackend refills a provider from frames allocated by a lower layer.
type GrowBackend interface {
	// BasePageCapacity returns how many more base pages fit.
	BasePageCapacity() int
	// GrowBasePages adds the given 4 KiB frames.
	GrowBasePages(frames []Frame) error
	// LargePageCapacity returns how many more large pages fit.
	LargePageCapacity() int
	// GrowLargePages adds the given 2 MiB frames.
	GrowLargePages(frames []Frame) error
}

// ReapBackend drains frames out of a provider into a caller-owned buffer.
type ReapBackend interface {
	// ReapBasePages fills into with up to len(into) base pages and
	// returns how many were produced.
	ReapBasePages(into []Frame) int
	// ReapLargePages fills into with up to len(into) large pages and
	// returns how many were produced.
	ReapLargePages(into []Frame) int
}

// PhysicalAllocator allocates and frees frames of arbitrary
// power-of-two layouts. Implemented by the per-node buddy.
type PhysicalAllocator interface {
	AllocateFrame(layout Layout) (Frame, error)
	DeallocateFrame(f Frame, layout Layout) error
}

// AllocatorStatistics reports allocator usage for debugging and tests.
type AllocatorStatistics interface {
	// Allocated is the number of bytes currently in use.
	Allocated() uint64
	// Size is the number of bytes the allocator manages in total.
	Size() uint64
	// Capacity is the number of bytes the allocator can hold at most.
	Capacity() uint64
	// Free is the number of bytes available.
	Free() uint64
	// InternalFragmentation is the total of rounded-up-minus-requested
	// bytes across live allocations.
	InternalFragmentation() uint64
}
