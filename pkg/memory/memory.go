// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package memory holds the physical-memory data model shared by the
// allocator hierarchy: semantic address types, frames, layouts and the
// contracts between allocator layers.
package memory

import (
	"errors"
	"fmt"
)

const (
	// BasePageSize is the size of a 4 KiB page.
	BasePageSize uint64 = 4096
	// LargePageSize is the size of a 2 MiB page.
	LargePageSize uint64 = 2 * 1024 * 1024
	// KernelBase is the start of the kernel half of the address space.
	// All user addresses are strictly below it.
	KernelBase VAddr = 0xffff_8800_0000_0000
)

var (
	// ErrCacheExhausted is returned when an allocator has no frame of the
	// requested size class left.
	ErrCacheExhausted = errors.New("allocator cache exhausted")
	// ErrCacheFull is returned when releasing into an allocator whose
	// free stacks are at capacity.
	ErrCacheFull = errors.New("allocator cache full")
	// ErrInvalidLayout is returned for allocation requests the allocator
	// can never satisfy (e.g. alignment above the heap alignment).
	ErrInvalidLayout = errors.New("invalid allocation layout")
	// ErrOutOfMemory is returned when no layer of the hierarchy can
	// produce the requested frames.
	ErrOutOfMemory = errors.New("out of physical memory")
)

// PAddr is a physical address. It is a distinct type from VAddr so the two
// never convert silently.
type PAddr uint64

// VAddr is a virtual address.
type VAddr uint64

// IsBasePageAligned reports whether the address is 4 KiB aligned.
func (p PAddr) IsBasePageAligned() bool { return uint64(p)%BasePageSize == 0 }

// IsLargePageAligned reports whether the address is 2 MiB aligned.
func (p PAddr) IsLargePageAligned() bool { return uint64(p)%LargePageSize == 0 }

// AlignUpToLargePage rounds the address up to the next 2 MiB boundary.
func (p PAddr) AlignUpToLargePage() PAddr {
	return PAddr((uint64(p) + LargePageSize - 1) &^ (LargePageSize - 1))
}

// AlignDownToBasePage rounds the address down to a 4 KiB boundary.
func (p PAddr) AlignDownToBasePage() PAddr { return PAddr(uint64(p) &^ (BasePageSize - 1)) }

// AlignDownToLargePage rounds the address down to a 2 MiB boundary.
func (p PAddr) AlignDownToLargePage() PAddr { return PAddr(uint64(p) &^ (LargePageSize - 1)) }

// IsBasePageAligned reports whether the address is 4 KiB aligned.
func (v VAddr) IsBasePageAligned() bool { return uint64(v)%BasePageSize == 0 }

// IsLargePageAligned reports whether the address is 2 MiB aligned.
func (v VAddr) IsLargePageAligned() bool { return uint64(v)%LargePageSize == 0 }

// AlignDownToBasePage rounds the address down to a 4 KiB boundary.
func (v VAddr) AlignDownToBasePage() VAddr { return VAddr(uint64(v) &^ (BasePageSize - 1)) }

// AlignDownToLargePage rounds the address down to a 2 MiB boundary.
func (v VAddr) AlignDownToLargePage() VAddr { return VAddr(uint64(v) &^ (LargePageSize - 1)) }

// Layout describes an allocation request: a size in bytes and a required
// power-of-two alignment.
type Layout struct {
	Size  uint64
	Align uint64
}

// NewLayout builds a layout, normalizing a zero alignment to 1.
func NewLayout(size, align uint64) Layout {
	if align == 0 {
		align = 1
	}
	return Layout{Size: size, Align: align}
}

// BasePageLayout is the layout of a single 4 KiB page.
func BasePageLayout() Layout { return Layout{Size: BasePageSize, Align: BasePageSize} }

// LargePageLayout is the layout of a single 2 MiB page.
func LargePageLayout() Layout { return Layout{Size: LargePageSize, Align: LargePageSize} }

// NextPowerOfTwo rounds v up to the nearest power of two. v must not
// exceed 1<<63.
func NextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// PrevPowerOfTwo rounds v down to the nearest power of two; 0 for v == 0.
func PrevPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	p := NextPowerOfTwo(v)
	if p == v {
		return v
	}
	return p >> 1
}

// Log2 returns the base-2 logarithm of a power of two.
func Log2(v uint64) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// SizeToPages splits a byte count into the number of base and large pages
// needed to cover it, preferring large pages.
func SizeToPages(size uint64) (basePages, largePages uint64) {
	largePages = size / LargePageSize
	rest := size % LargePageSize
	basePages = (rest + BasePageSize - 1) / BasePageSize
	return basePages, largePages
}

// FmtSize renders a byte count for logs.
func FmtSize(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
