// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tcache implements the per-hardware-thread frame cache: two
// bounded LIFO stacks of ready-to-serve base and large pages. A TCache is
// owned by exactly one hardware thread and needs no synchronization.
package tcache

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

const (
	// baseCapacity bounds the base-page stack of a regular cache.
	baseCapacity = 128
	// bootstrapBaseCapacity bounds the base-page stack of the bootstrap
	// cache on thread 0, which serves the many small allocations of
	// early bring-up.
	bootstrapBaseCapacity = 2048
	// largeCapacity bounds the large-page stack.
	largeCapacity = 12
)

// TCache caches frames for one hardware thread.
type TCache struct {
	node   topology.NodeID
	thread topology.GlobalThreadID

	basePages  []memory.PAddr
	largePages []memory.PAddr

	baseCap int

	logger logr.Logger
}

// New builds an empty cache for the given hardware thread.
func New(logger logr.Logger, thread topology.GlobalThreadID, node topology.NodeID) *TCache {
	return newCache(logger, thread, node, baseCapacity)
}

// NewBootstrap builds the early cache for thread 0 with a much larger
// base-page stack.
func NewBootstrap(logger logr.Logger, node topology.NodeID) *TCache {
	return newCache(logger, 0, node, bootstrapBaseCapacity)
}

// NewWithFrame builds a cache and populates it from mem.
func NewWithFrame(logger logr.Logger, thread topology.GlobalThreadID, node topology.NodeID, mem memory.Frame) *TCache {
	tc := New(logger, thread, node)
	tc.Populate(mem)
	return tc
}

func newCache(logger logr.Logger, thread topology.GlobalThreadID, node topology.NodeID, baseCap int) *TCache {
	return &TCache{
		node:       node,
		thread:     thread,
		basePages:  make([]memory.PAddr, 0, baseCap),
		largePages: make([]memory.PAddr, 0, largeCapacity),
		baseCap:    baseCap,
		logger:     logger.WithName("tcache").WithValues("thread", thread, "node", node),
	}
}

// Node returns the NUMA node this cache serves frames from.
func (tc *TCache) Node() topology.NodeID { return tc.node }

// Populate splits frame into the two stacks, preferring large pages. Base
// pages that do not fit once the base stack is full are dropped and
// reported as lost.
func (tc *TCache) Populate(frame memory.Frame) {
	howManyLargePages := uint64(1)
	if frame.BasePages() > uint64(tc.baseCap) {
		bytesLeftAfterBaseFull := (frame.BasePages() - uint64(tc.baseCap)) * memory.BasePageSize
		howManyLargePages = bytesLeftAfterBaseFull / memory.LargePageSize
		if howManyLargePages == 0 {
			howManyLargePages = 1
		}
	}

	lowFrame, largeAligned := frame.SplitAtNearestLargePageBoundary()
	for _, pa := range lowFrame.BasePageAddresses() {
		if err := tc.pushBase(pa); err != nil {
			panic("cannot add base page from the unaligned head")
		}
	}

	for howManyLargePages > 0 && largeAligned.Size >= memory.LargePageSize {
		var largePage memory.Frame
		largePage, largeAligned = largeAligned.SplitAt(memory.LargePageSize)
		if err := tc.pushLarge(largePage.Base); err != nil {
			panic("cannot push large page while populating")
		}
		howManyLargePages--
	}

	lostPages := 0
	for _, pa := range largeAligned.BasePageAddresses() {
		if err := tc.pushBase(pa); err != nil {
			lostPages++
		}
	}
	if lostPages > 0 {
		tc.logger.V(1).Info("population lost memory",
			"lost", memory.FmtSize(uint64(lostPages)*memory.BasePageSize))
	}
	tc.logger.V(1).Info("populated",
		"basePages", len(tc.basePages), "largePages", len(tc.largePages))
}

func (tc *TCache) pushBase(pa memory.PAddr) error {
	if len(tc.basePages) >= tc.baseCap {
		return memory.ErrCacheFull
	}
	tc.basePages = append(tc.basePages, pa)
	return nil
}

func (tc *TCache) pushLarge(pa memory.PAddr) error {
	if len(tc.largePages) >= largeCapacity {
		return memory.ErrCacheFull
	}
	tc.largePages = append(tc.largePages, pa)
	return nil
}

func (tc *TCache) baseFrame(pa memory.PAddr) memory.Frame {
	return memory.Frame{Base: pa, Size: memory.BasePageSize, Affinity: tc.node}
}

func (tc *TCache) largeFrame(pa memory.PAddr) memory.Frame {
	return memory.Frame{Base: pa, Size: memory.LargePageSize, Affinity: tc.node}
}

func (tc *TCache) assertBase(f memory.Frame) {
	if f.Size != memory.BasePageSize {
		panic(fmt.Sprintf("release of %s into the base-page stack", memory.FmtSize(f.Size)))
	}
	if !f.Base.IsBasePageAligned() {
		panic(fmt.Sprintf("release of unaligned base page %#x", uint64(f.Base)))
	}
	if f.Affinity != tc.node {
		panic(fmt.Sprintf("release of node-%d frame into a node-%d cache", f.Affinity, tc.node))
	}
}

func (tc *TCache) assertLarge(f memory.Frame) {
	if f.Size != memory.LargePageSize {
		panic(fmt.Sprintf("release of %s into the large-page stack", memory.FmtSize(f.Size)))
	}
	if !f.Base.IsLargePageAligned() {
		panic(fmt.Sprintf("release of unaligned large page %#x", uint64(f.Base)))
	}
	if f.Affinity != tc.node {
		panic(fmt.Sprintf("release of node-%d frame into a node-%d cache", f.Affinity, tc.node))
	}
}

// AllocateBasePage pops the most recently released base page.
func (tc *TCache) AllocateBasePage() (memory.Frame, error) {
	if len(tc.basePages) == 0 {
		return memory.Frame{}, memory.ErrCacheExhausted
	}
	pa := tc.basePages[len(tc.basePages)-1]
	tc.basePages = tc.basePages[:len(tc.basePages)-1]
	return tc.baseFrame(pa), nil
}

// ReleaseBasePage pushes a base page. Panics on size, alignment or
// affinity mismatch.
func (tc *TCache) ReleaseBasePage(f memory.Frame) error {
	tc.assertBase(f)
	return tc.pushBase(f.Base)
}

// AllocateLargePage pops the most recently released large page.
func (tc *TCache) AllocateLargePage() (memory.Frame, error) {
	if len(tc.largePages) == 0 {
		return memory.Frame{}, memory.ErrCacheExhausted
	}
	pa := tc.largePages[len(tc.largePages)-1]
	tc.largePages = tc.largePages[:len(tc.largePages)-1]
	return tc.largeFrame(pa), nil
}

// ReleaseLargePage pushes a large page. Panics on size, alignment or
// affinity mismatch.
func (tc *TCache) ReleaseLargePage(f memory.Frame) error {
	tc.assertLarge(f)
	return tc.pushLarge(f.Base)
}

// BasePageCapacity returns how many more base pages fit.
func (tc *TCache) BasePageCapacity() int { return tc.baseCap - len(tc.basePages) }

// GrowBasePages adds base pages allocated by a lower layer.
func (tc *TCache) GrowBasePages(frames []memory.Frame) error {
	for _, f := range frames {
		tc.assertBase(f)
		if err := tc.pushBase(f.Base); err != nil {
			return err
		}
	}
	return nil
}

// LargePageCapacity returns how many more large pages fit.
func (tc *TCache) LargePageCapacity() int { return largeCapacity - len(tc.largePages) }

// GrowLargePages adds large pages allocated by a lower layer.
func (tc *TCache) GrowLargePages(frames []memory.Frame) error {
	for _, f := range frames {
		tc.assertLarge(f)
		if err := tc.pushLarge(f.Base); err != nil {
			return err
		}
	}
	return nil
}

// ReapBasePages drains up to len(into) base pages into the caller's
// buffer, newest first.
func (tc *TCache) ReapBasePages(into []memory.Frame) int {
	n := 0
	for ; n < len(into) && len(tc.basePages) > 0; n++ {
		f, _ := tc.AllocateBasePage()
		into[n] = f
	}
	return n
}

// ReapLargePages drains up to len(into) large pages into the caller's
// buffer, newest first.
func (tc *TCache) ReapLargePages(into []memory.Frame) int {
	n := 0
	for ; n < len(into) && len(tc.largePages) > 0; n++ {
		f, _ := tc.AllocateLargePage()
		into[n] = f
	}
	return n
}

// FreeBasePages is the number of base pages ready to serve.
func (tc *TCache) FreeBasePages() int { return len(tc.basePages) }

// FreeLargePages is the number of large pages ready to serve.
func (tc *TCache) FreeLargePages() int { return len(tc.largePages) }

// Free is the number of bytes ready to serve.
func (tc *TCache) Free() uint64 {
	return uint64(len(tc.basePages))*memory.BasePageSize +
		uint64(len(tc.largePages))*memory.LargePageSize
}

// Capacity is the number of bytes the cache can hold.
func (tc *TCache) Capacity() uint64 {
	return uint64(tc.baseCap)*memory.BasePageSize +
		uint64(largeCapacity)*memory.LargePageSize
}

// Allocated is always zero; the cache owns no outstanding allocations.
func (tc *TCache) Allocated() uint64 { return 0 }

// Size is always zero; the cache manages no region of its own.
func (tc *TCache) Size() uint64 { return 0 }

// InternalFragmentation is always zero for the cache.
func (tc *TCache) InternalFragmentation() uint64 { return 0 }
