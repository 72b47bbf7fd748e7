// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vspace manages per-process virtual address spaces: a four-level
// page-table tree (PML4, PDPT, PD, PT) with map, adjust, resolve and
// unmap at base (4 KiB) and large (2 MiB) granularity, plus the flat
// model oracle the implementation is tested against.
package vspace

import (
	"errors"
	"fmt"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

var (
	// ErrNotMapped is returned for adjust/resolve/unmap on an address
	// with no present leaf.
	ErrNotMapped = errors.New("virtual address not mapped")
	// ErrBadFrame is returned for map requests with misaligned or
	// invalid-sized frames or addresses.
	ErrBadFrame = errors.New("misaligned or invalid frame for mapping")
)

// AlreadyMappedError reports a map conflict. Base is one virtual address
// inside the overlap between the request and an existing mapping.
type AlreadyMappedError struct {
	Base memory.VAddr
}

func (e AlreadyMappedError) Error() string {
	return fmt.Sprintf("address range already mapped at %#x", uint64(e.Base))
}

// TlbFlushHandle is produced by an Unmap that removed a leaf. It names
// the removed range and every core that may still cache the translation;
// the holder runs the shootdown protocol before reusing the frame.
type TlbFlushHandle struct {
	VAddr   memory.VAddr
	Frame   memory.Frame
	CoreMap topology.CoreSet
}

// AddressSpace is one process's page-table tree. Tables are arena nodes
// indexed by the physical address of their frame; the PML4 is the root.
type AddressSpace struct {
	pml4Addr memory.PAddr
	tables   map[memory.PAddr]*Table
	pager    TablePager
}

// New allocates an empty address space with a fresh PML4.
func New(pager TablePager) (*AddressSpace, error) {
	pml4, err := pager.AllocPageTable()
	if err != nil {
		return nil, fmt.Errorf("allocate PML4: %w", err)
	}
	as := &AddressSpace{
		pml4Addr: pml4,
		tables:   map[memory.PAddr]*Table{pml4: new(Table)},
	}
	as.pager = pager
	return as, nil
}

// PML4Addr returns the physical address of the root table (the CR3
// value for this address space).
func (as *AddressSpace) PML4Addr() memory.PAddr { return as.pml4Addr }

// KernelEntry returns PML4 entry 511, the shared kernel half.
func (as *AddressSpace) KernelEntry() Entry {
	return as.tables[as.pml4Addr][tableEntries-1]
}

// SetKernelEntry installs the kernel's PML4 entry 511 so the top 512 GiB
// alias the kernel address space.
func (as *AddressSpace) SetKernelEntry(e Entry) {
	as.tables[as.pml4Addr][tableEntries-1] = e
}

func (as *AddressSpace) table(pa memory.PAddr) *Table { return as.tables[pa] }

func (as *AddressSpace) allocTable() (memory.PAddr, *Table, error) {
	pa, err := as.pager.AllocPageTable()
	if err != nil {
		return 0, nil, err
	}
	tbl := new(Table)
	as.tables[pa] = tbl
	return pa, tbl, nil
}

// leaf describes one page-size mapping unit of a map request.
type leaf struct {
	vaddr memory.VAddr
	paddr memory.PAddr
	large bool
}

// leavesOf splits a map request into the leaves it will install: large
// pages when the frame is a whole number of 2 MiB pages and both sides
// are 2 MiB aligned, base pages otherwise.
func leavesOf(vaddr memory.VAddr, frame memory.Frame) []leaf {
	useLarge := frame.Size%memory.LargePageSize == 0 &&
		frame.Base.IsLargePageAligned() && vaddr.IsLargePageAligned()
	step := memory.BasePageSize
	if useLarge {
		step = memory.LargePageSize
	}
	leaves := make([]leaf, 0, frame.Size/step)
	for off := uint64(0); off < frame.Size; off += step {
		leaves = append(leaves, leaf{
			vaddr: vaddr + memory.VAddr(off),
			paddr: frame.Base + memory.PAddr(off),
			large: useLarge,
		})
	}
	return leaves
}

// MapFrame installs leaf entries covering [vaddr, vaddr+frame.Size).
// The request is checked against every existing leaf before anything is
// installed, so a failed map leaves the tree untouched.
func (as *AddressSpace) MapFrame(vaddr memory.VAddr, frame memory.Frame, action MapAction) error {
	if frame.Size == 0 || frame.Size%memory.BasePageSize != 0 {
		return fmt.Errorf("frame size %#x: %w", frame.Size, ErrBadFrame)
	}
	if !vaddr.IsBasePageAligned() || !frame.Base.IsBasePageAligned() {
		return fmt.Errorf("map %#x -> %#x: %w", uint64(vaddr), uint64(frame.Base), ErrBadFrame)
	}

	leaves := leavesOf(vaddr, frame)
	for _, l := range leaves {
		if conflict, ok := as.conflictAt(l); ok {
			return AlreadyMappedError{Base: conflict}
		}
	}
	for _, l := range leaves {
		if err := as.installLeaf(l, action); err != nil {
			return err
		}
	}
	return nil
}

// conflictAt reports whether installing l would overlap a present leaf,
// returning a witness address inside the overlap.
func (as *AddressSpace) conflictAt(l leaf) (memory.VAddr, bool) {
	pml4 := as.table(as.pml4Addr)
	pml4e := pml4[pml4Index(l.vaddr)]
	if !pml4e.Present() {
		return 0, false
	}
	pdpt := as.table(pml4e.Address())
	pdpte := pdpt[pdptIndex(l.vaddr)]
	if !pdpte.Present() {
		return 0, false
	}
	pd := as.table(pdpte.Address())
	pde := pd[pdIndex(l.vaddr)]
	if !pde.Present() {
		return 0, false
	}
	if pde.LargeLeaf() {
		// Any address in this request page overlaps the 2 MiB leaf.
		return l.vaddr, true
	}
	if l.large {
		// Mapping 2 MiB over a PD entry that holds a page table: check
		// each present base leaf underneath.
		pt := as.table(pde.Address())
		for i, pte := range pt {
			if pte.Present() {
				return l.vaddr.AlignDownToLargePage() +
					memory.VAddr(uint64(i)*memory.BasePageSize), true
			}
		}
		return 0, false
	}
	pt := as.table(pde.Address())
	if pt[ptIndex(l.vaddr)].Present() {
		return l.vaddr, true
	}
	return 0, false
}

func (as *AddressSpace) installLeaf(l leaf, action MapAction) error {
	pml4 := as.table(as.pml4Addr)
	pml4e := pml4[pml4Index(l.vaddr)]
	if !pml4e.Present() {
		pa, _, err := as.allocTable()
		if err != nil {
			return err
		}
		pml4e = newTableEntry(pa)
		pml4[pml4Index(l.vaddr)] = pml4e
	}
	pdpt := as.table(pml4e.Address())
	pdpte := pdpt[pdptIndex(l.vaddr)]
	if !pdpte.Present() {
		pa, _, err := as.allocTable()
		if err != nil {
			return err
		}
		pdpte = newTableEntry(pa)
		pdpt[pdptIndex(l.vaddr)] = pdpte
	}
	pd := as.table(pdpte.Address())
	if l.large {
		pd[pdIndex(l.vaddr)] = newLeafEntry(l.paddr, action, true)
		return nil
	}
	pde := pd[pdIndex(l.vaddr)]
	if !pde.Present() {
		pa, _, err := as.allocTable()
		if err != nil {
			return err
		}
		pde = newTableEntry(pa)
		pd[pdIndex(l.vaddr)] = pde
	}
	pt := as.table(pde.Address())
	pt[ptIndex(l.vaddr)] = newLeafEntry(l.paddr, action, false)
	return nil
}

// foundLeaf is the result of a walk to the leaf covering an address.
type foundLeaf struct {
	table *Table
	index int
	entry Entry
	base  memory.VAddr
	size  uint64
}

func (as *AddressSpace) walkToLeaf(vaddr memory.VAddr) (foundLeaf, error) {
	pml4 := as.table(as.pml4Addr)
	pml4e := pml4[pml4Index(vaddr)]
	if !pml4e.Present() {
		return foundLeaf{}, ErrNotMapped
	}
	pdpt := as.table(pml4e.Address())
	pdpte := pdpt[pdptIndex(vaddr)]
	if !pdpte.Present() {
		return foundLeaf{}, ErrNotMapped
	}
	pd := as.table(pdpte.Address())
	pde := pd[pdIndex(vaddr)]
	if !pde.Present() {
		return foundLeaf{}, ErrNotMapped
	}
	if pde.LargeLeaf() {
		return foundLeaf{
			table: pd,
			index: pdIndex(vaddr),
			entry: pde,
			base:  vaddr.AlignDownToLargePage(),
			size:  memory.LargePageSize,
		}, nil
	}
	pt := as.table(pde.Address())
	pte := pt[ptIndex(vaddr)]
	if !pte.Present() {
		return foundLeaf{}, ErrNotMapped
	}
	return foundLeaf{
		table: pt,
		index: ptIndex(vaddr),
		entry: pte,
		base:  vaddr.AlignDownToBasePage(),
		size:  memory.BasePageSize,
	}, nil
}

// Adjust changes the rights of the leaf covering vaddr. It returns the
// leaf's base address and size.
func (as *AddressSpace) Adjust(vaddr memory.VAddr, action MapAction) (memory.VAddr, uint64, error) {
	l, err := as.walkToLeaf(vaddr)
	if err != nil {
		return 0, 0, err
	}
	l.table[l.index] = l.entry.withRights(action)
	return l.base, l.size, nil
}

// Resolve walks the tree and returns the physical address and rights for
// vaddr.
func (as *AddressSpace) Resolve(vaddr memory.VAddr) (memory.PAddr, MapAction, error) {
	l, err := as.walkToLeaf(vaddr)
	if err != nil {
		return 0, 0, err
	}
	off := uint64(vaddr - l.base)
	return l.entry.Address() + memory.PAddr(off), actionOfEntry(l.entry), nil
}

// Unmap removes the leaf covering vaddr and returns the flush handle for
// the removed range. The caller fills the handle's core map and runs the
// shootdown.
func (as *AddressSpace) Unmap(vaddr memory.VAddr) (*TlbFlushHandle, error) {
	l, err := as.walkToLeaf(vaddr)
	if err != nil {
		return nil, err
	}
	l.table[l.index] = 0
	return &TlbFlushHandle{
		VAddr: l.base,
		Frame: memory.Frame{Base: l.entry.Address(), Size: l.size},
	}, nil
}
