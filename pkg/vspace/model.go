// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vspace

import (
	"sort"

	"github.com/antimetal/nrk/pkg/memory"
)

// Model is the reference address space: a flat ordered map of leaf
// mappings. It must stay observably equivalent to AddressSpace for every
// input sequence; only the AlreadyMappedError witness address may differ.
type Model struct {
	leaves []modelLeaf
}

type modelLeaf struct {
	base   memory.VAddr
	paddr  memory.PAddr
	size   uint64
	action MapAction
}

func (m *Model) insert(l modelLeaf) {
	idx := sort.Search(len(m.leaves), func(i int) bool { return m.leaves[i].base >= l.base })
	m.leaves = append(m.leaves, modelLeaf{})
	copy(m.leaves[idx+1:], m.leaves[idx:])
	m.leaves[idx] = l
}

// containing returns the index of the leaf covering vaddr, or -1.
func (m *Model) containing(vaddr memory.VAddr) int {
	for i, l := range m.leaves {
		if vaddr >= l.base && uint64(vaddr-l.base) < l.size {
			return i
		}
	}
	return -1
}

// MapFrame splits the request into the same leaves the page-table tree
// would install and rejects any overlap.
func (m *Model) MapFrame(vaddr memory.VAddr, frame memory.Frame, action MapAction) error {
	if frame.Size == 0 || frame.Size%memory.BasePageSize != 0 {
		return ErrBadFrame
	}
	if !vaddr.IsBasePageAligned() || !frame.Base.IsBasePageAligned() {
		return ErrBadFrame
	}
	for _, l := range leavesOf(vaddr, frame) {
		size := uint64(memory.BasePageSize)
		if l.large {
			size = memory.LargePageSize
		}
		for _, existing := range m.leaves {
			if l.vaddr < existing.base+memory.VAddr(existing.size) &&
				existing.base < l.vaddr+memory.VAddr(size) {
				witness := existing.base
				if l.vaddr > witness {
					witness = l.vaddr
				}
				return AlreadyMappedError{Base: witness}
			}
		}
	}
	for _, l := range leavesOf(vaddr, frame) {
		size := uint64(memory.BasePageSize)
		if l.large {
			size = memory.LargePageSize
		}
		m.insert(modelLeaf{base: l.vaddr, paddr: l.paddr, size: size, action: action})
	}
	return nil
}

// Adjust updates the rights of the leaf containing vaddr in place.
func (m *Model) Adjust(vaddr memory.VAddr, action MapAction) (memory.VAddr, uint64, error) {
	idx := m.containing(vaddr)
	if idx < 0 {
		return 0, 0, ErrNotMapped
	}
	m.leaves[idx].action = action
	return m.leaves[idx].base, m.leaves[idx].size, nil
}

// Resolve scans for the leaf containing vaddr.
func (m *Model) Resolve(vaddr memory.VAddr) (memory.PAddr, MapAction, error) {
	idx := m.containing(vaddr)
	if idx < 0 {
		return 0, 0, ErrNotMapped
	}
	l := m.leaves[idx]
	return l.paddr + memory.PAddr(vaddr-l.base), l.action, nil
}

// Unmap removes the leaf containing vaddr.
func (m *Model) Unmap(vaddr memory.VAddr) (*TlbFlushHandle, error) {
	idx := m.containing(vaddr)
	if idx < 0 {
		return nil, ErrNotMapped
	}
	l := m.leaves[idx]
	m.leaves = append(m.leaves[:idx], m.leaves[idx+1:]...)
	return &TlbFlushHandle{
		VAddr: l.base,
		Frame: memory.Frame{Base: l.paddr, Size: l.size},
	}, nil
}
