// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package memory

import (
	"fmt"
	"sync"

	"github.com/antimetal/nrk/pkg/topology"
)

// NodeMemory is the physical memory of one NUMA node: a buddy allocator
// behind the node's lock. The lock is the single point of contention in
// the allocator hierarchy; it is held only long enough to allocate or
// free a frame.
type NodeMemory struct {
	mu    sync.Mutex
	buddy PhysicalAllocator
}

// GlobalMemory is the NUMA-global frame pool: one NodeMemory per node.
type GlobalMemory struct {
	slab  *PhysMem
	nodes []*NodeMemory
}

// NewGlobalMemory wires the per-node buddies over the physical slab.
// allocators[i] manages node i's region.
func NewGlobalMemory(slab *PhysMem, allocators []PhysicalAllocator) (*GlobalMemory, error) {
	if len(allocators) == 0 || len(allocators) > topology.MaxNumaNodes {
		return nil, fmt.Errorf("global memory needs 1..%d node allocators, got %d",
			topology.MaxNumaNodes, len(allocators))
	}
	gm := &GlobalMemory{slab: slab, nodes: make([]*NodeMemory, len(allocators))}
	for i, a := range allocators {
		gm.nodes[i] = &NodeMemory{buddy: a}
	}
	return gm, nil
}

// PhysMem returns the backing slab.
func (gm *GlobalMemory) PhysMem() *PhysMem { return gm.slab }

// NumNodes returns how many NUMA nodes have memory attached.
func (gm *GlobalMemory) NumNodes() int { return len(gm.nodes) }

// AllocateFrame takes the node lock and allocates one frame from the
// node's buddy.
func (gm *GlobalMemory) AllocateFrame(node topology.NodeID, layout Layout) (Frame, error) {
	if int(node) >= len(gm.nodes) {
		return Frame{}, fmt.Errorf("no memory attached to node %d", node)
	}
	nm := gm.nodes[node]
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.buddy.AllocateFrame(layout)
}

// DeallocateFrame returns a frame to its node's buddy.
func (gm *GlobalMemory) DeallocateFrame(f Frame, layout Layout) error {
	if int(f.Affinity) >= len(gm.nodes) {
		return fmt.Errorf("no memory attached to node %d", f.Affinity)
	}
	nm := gm.nodes[f.Affinity]
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.buddy.DeallocateFrame(f, layout)
}

// TryRefillTCache pulls basePages 4 KiB frames and largePages 2 MiB frames
// from the node's buddy and grows them into the given cache. It is the one
// path where a hardware thread touches shared allocator state.
func (gm *GlobalMemory) TryRefillTCache(node topology.NodeID, cache GrowBackend, basePages, largePages int) error {
	if basePages > cache.BasePageCapacity() {
		basePages = cache.BasePageCapacity()
	}
	if largePages > cache.LargePageCapacity() {
		largePages = cache.LargePageCapacity()
	}

	for i := 0; i < basePages; i++ {
		f, err := gm.AllocateFrame(node, BasePageLayout())
		if err != nil {
			return fmt.Errorf("refill base pages: %w", err)
		}
		if err := cache.GrowBasePages([]Frame{f}); err != nil {
			return err
		}
	}
	for i := 0; i < largePages; i++ {
		f, err := gm.AllocateFrame(node, LargePageLayout())
		if err != nil {
			return fmt.Errorf("refill large pages: %w", err)
		}
		if err := cache.GrowLargePages([]Frame{f}); err != nil {
			return err
		}
	}
	return nil
}
