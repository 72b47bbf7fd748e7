// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vspace

import (
	"github.com/antimetal/nrk/pkg/memory"
)

// Entry is one 8-byte page-table entry: a physical address plus flags.
type Entry uint64

const (
	entryPresent        Entry = 1 << 0
	entryReadWrite      Entry = 1 << 1
	entryUserSupervisor Entry = 1 << 2
	entryWriteThrough   Entry = 1 << 3
	entryCacheDisable   Entry = 1 << 4
	entryPageSize       Entry = 1 << 7
	entryGlobal         Entry = 1 << 8
	entryNoExecute      Entry = 1 << 63

	entryAddrMask Entry = 0x000f_ffff_ffff_f000
)

// tableEntries is the number of entries per table at every level.
const tableEntries = 512

// Table is one page-table page: PML4, PDPT, PD or PT.
type Table [tableEntries]Entry

// Present reports whether the entry maps anything.
func (e Entry) Present() bool { return e&entryPresent != 0 }

// LargeLeaf reports whether the entry is a 2 MiB leaf (PS set in a PD).
func (e Entry) LargeLeaf() bool { return e&entryPageSize != 0 }

// Address returns the physical address the entry points to.
func (e Entry) Address() memory.PAddr {
	return memory.PAddr(e & entryAddrMask)
}

// withAddress returns the entry pointing at pa, keeping flags.
func (e Entry) withAddress(pa memory.PAddr) Entry {
	return (e &^ entryAddrMask) | (Entry(pa) & entryAddrMask)
}

// newTableEntry builds a non-leaf entry pointing at a child table.
// Intermediate entries stay maximally permissive; leaves carry the
// restrictive bits.
func newTableEntry(pa memory.PAddr) Entry {
	return Entry(0).withAddress(pa) | entryPresent | entryReadWrite | entryUserSupervisor
}

// newLeafEntry builds a leaf entry for a frame with the given rights.
func newLeafEntry(pa memory.PAddr, action MapAction, large bool) Entry {
	e := action.leafFlags().withAddress(pa)
	if large {
		e |= entryPageSize
	}
	return e
}

// withRights replaces the rights bits of a leaf, keeping address and
// page-size bits.
func (e Entry) withRights(action MapAction) Entry {
	keep := e & (entryAddrMask | entryPageSize)
	return keep | action.leafFlags()
}

func pml4Index(v memory.VAddr) int { return int(v>>39) & (tableEntries - 1) }
func pdptIndex(v memory.VAddr) int { return int(v>>30) & (tableEntries - 1) }
func pdIndex(v memory.VAddr) int   { return int(v>>21) & (tableEntries - 1) }
func ptIndex(v memory.VAddr) int   { return int(v>>12) & (tableEntries - 1) }
