// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bootinfo holds the data structures shared between the
// bootloader and the kernel: the handoff arguments, loaded modules,
// memory descriptors and the machine's exit reasons.
package bootinfo

import (
	"fmt"

	"github.com/antimetal/nrk/pkg/memory"
)

// ExitReason is the code the machine exits with.
type ExitReason int

const (
	ExitOk ExitReason = iota
	ExitReturnFromMain
	ExitKernelPanic
	ExitOutOfMemory
	ExitUnhandledInterrupt
	ExitGeneralProtectionFault
	ExitPageFault
	ExitUserSpaceError
	ExitExceptionDuringInitialization
	ExitUnrecoverableError
)

func (e ExitReason) String() string {
	switch e {
	case ExitOk:
		return "ok"
	case ExitReturnFromMain:
		return "return from main"
	case ExitKernelPanic:
		return "kernel panic"
	case ExitOutOfMemory:
		return "out of memory"
	case ExitUnhandledInterrupt:
		return "unhandled interrupt"
	case ExitGeneralProtectionFault:
		return "general protection fault"
	case ExitPageFault:
		return "page fault"
	case ExitUserSpaceError:
		return "user space error"
	case ExitExceptionDuringInitialization:
		return "exception during initialization"
	case ExitUnrecoverableError:
		return "unrecoverable error"
	}
	return fmt.Sprintf("exit reason %d", int(e))
}

// MemoryDescriptor is one entry of the UEFI memory map.
type MemoryDescriptor struct {
	// Type of the region (conventional memory is usable RAM).
	Type MemoryType
	// PhysicalStart of the region.
	PhysicalStart memory.PAddr
	// VirtualStart after SetVirtualAddressMap; zero during handoff.
	VirtualStart memory.VAddr
	// NumberOfPages in 4 KiB units.
	NumberOfPages uint64
	// Attribute bits of the region.
	Attribute uint64
}

// MemoryType is the UEFI memory region type.
type MemoryType uint32

const (
	MemoryReserved MemoryType = iota
	MemoryLoaderCode
	MemoryLoaderData
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryConventional
)

// MaxModules caps the ELF binaries the bootloader can pass along.
const MaxModules = 32

// moduleNameLen caps a module name; longer names are truncated.
const moduleNameLen = 32

// Module describes an ELF binary the bootloader loaded into memory.
// modules[0] is the kernel binary, modules[1] the init user binary.
type Module struct {
	name    [moduleNameLen]byte
	nameLen int
	// BinaryVAddr is where the binary sits in the kernel address space.
	BinaryVAddr memory.VAddr
	// BinaryPAddr is the physical location of the binary.
	BinaryPAddr memory.PAddr
	// BinarySize in bytes.
	BinarySize uint64
}

// NewModule builds a module record; the name is truncated to 32 bytes.
func NewModule(name string, vaddr memory.VAddr, paddr memory.PAddr, size uint64) Module {
	m := Module{BinaryVAddr: vaddr, BinaryPAddr: paddr, BinarySize: size}
	m.nameLen = copy(m.name[:], name)
	return m
}

// Name returns the module name (or at least its first 32 bytes).
func (m Module) Name() string { return string(m.name[:m.nameLen]) }

func (m Module) String() string {
	return fmt.Sprintf("Module{%s, (%#x, %#x)}", m.Name(), uint64(m.BinaryVAddr), m.BinarySize)
}

// KernelArgs is the record the bootloader hands to the kernel.
type KernelArgs struct {
	// MMBase and MMSize locate the UEFI memory map.
	MMBase memory.PAddr
	MMSize uint64
	// MMIter is the parsed memory map.
	MMIter []MemoryDescriptor
	// CommandLine for the kernel and init binary.
	CommandLine string
	// FrameBuffer is a slice into the GPU framebuffer, if any.
	FrameBuffer []byte
	// PML4 is the physical base of the kernel's root page table.
	PML4 memory.PAddr
	// StackBase and StackSize of the kernel stack.
	StackBase memory.PAddr
	StackSize uint64
	// KernelElfOffset is where the loader placed the kernel, for
	// relocation and backtraces.
	KernelElfOffset memory.VAddr
	// ACPI1RSDP and ACPI2RSDP are the physical root pointers.
	ACPI1RSDP memory.PAddr
	ACPI2RSDP memory.PAddr
	// Modules passed along by the bootloader.
	Modules []Module
}

// Validate rejects argument records the kernel cannot boot from.
func (a *KernelArgs) Validate() error {
	if len(a.Modules) > MaxModules {
		return fmt.Errorf("bootloader passed %d modules, max %d", len(a.Modules), MaxModules)
	}
	if len(a.MMIter) == 0 {
		return fmt.Errorf("bootloader passed an empty memory map")
	}
	return nil
}

// ConventionalRegions returns the usable RAM regions of the memory map.
func (a *KernelArgs) ConventionalRegions() []MemoryDescriptor {
	var out []MemoryDescriptor
	for _, d := range a.MMIter {
		if d.Type == MemoryConventional {
			out = append(out, d)
		}
	}
	return out
}
