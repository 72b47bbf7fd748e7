// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memory

import (
	"fmt"

	"github.com/antimetal/nrk/pkg/topology"
)

// Frame is an owned, contiguous region of physical memory.
//
// Allocator paths only ever hand out frames of BasePageSize or
// LargePageSize; arbitrary sizes exist for device mappings and for the
// raw regions handed to allocators during bring-up.
type Frame struct {
	// Base is the physical start address, aligned to Size for
	// allocatable frames.
	Base PAddr
	// Size of the region in bytes.
	Size uint64
	// Affinity is the NUMA node the frame was allocated from.
	Affinity topology.NodeID
}

// NewFrame builds a frame and checks the base is aligned to the size for
// power-of-two sizes.
func NewFrame(base PAddr, size uint64, affinity topology.NodeID) Frame {
	if size > 0 && size&(size-1) == 0 && uint64(base)%size != 0 {
		panic(fmt.Sprintf("frame base %#x not aligned to size %#x", uint64(base), size))
	}
	return Frame{Base: base, Size: size, Affinity: affinity}
}

// End returns the first physical address past the frame.
func (f Frame) End() PAddr { return f.Base + PAddr(f.Size) }

// BasePages returns how many 4 KiB pages the frame covers.
func (f Frame) BasePages() uint64 { return f.Size / BasePageSize }

// LargePages returns how many full 2 MiB pages the frame covers.
func (f Frame) LargePages() uint64 { return f.Size / LargePageSize }

// SplitAt cuts the frame into [Base, Base+offset) and [Base+offset, End).
// offset must not exceed Size.
func (f Frame) SplitAt(offset uint64) (Frame, Frame) {
	if offset > f.Size {
		panic(fmt.Sprintf("split offset %#x beyond frame size %#x", offset, f.Size))
	}
	low := Frame{Base: f.Base, Size: offset, Affinity: f.Affinity}
	high := Frame{Base: f.Base + PAddr(offset), Size: f.Size - offset, Affinity: f.Affinity}
	return low, high
}

// SplitAtNearestLargePageBoundary splits the frame into the (possibly
// empty) low part before the first 2 MiB boundary and the rest.
func (f Frame) SplitAtNearestLargePageBoundary() (Frame, Frame) {
	boundary := f.Base.AlignUpToLargePage()
	if boundary >= f.End() {
		return f, Frame{Base: f.End(), Size: 0, Affinity: f.Affinity}
	}
	return f.SplitAt(uint64(boundary - f.Base))
}

// BasePageAddresses iterates the frame as 4 KiB page base addresses.
func (f Frame) BasePageAddresses() []PAddr {
	addrs := make([]PAddr, 0, f.BasePages())
	for pa := f.Base; pa < f.End(); pa += PAddr(BasePageSize) {
		addrs = append(addrs, pa)
	}
	return addrs
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{%#x -- %#x, %s, node %d}",
		uint64(f.Base), uint64(f.End()), FmtSize(f.Size), f.Affinity)
}
