// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package process holds the process record and its executors: the
// per-process address space, the frame registry, the file-descriptor
// table and the per-core vCPU state needed to enter and leave user
// space.
package process

import (
	"fmt"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// Pid identifies a process.
type Pid uint64

// FrameID is a process-local dense index into the frame registry.
type FrameID uint64

// Eid is a process-local executor index.
type Eid uint64

// vcpuAreaBase is where executor vCPU user areas live in every process
// address space, one base page per executor.
const vcpuAreaBase = memory.VAddr(0xb000_0000)

// Process is one user process: its address space, registered frames,
// open files and executors.
type Process struct {
	Pid     Pid
	Cmdline string

	// Vspace is the process page-table tree. PML4 entry 511 aliases the
	// kernel's entry 511.
	Vspace *vspace.AddressSpace

	// frames is the registry of physical frames the process owns,
	// indexed by FrameID. A registered frame is never returned to a
	// lower allocator layer while a mapping of it exists.
	frames      map[FrameID]memory.Frame
	nextFrameID FrameID

	// Executors, one per hardware thread the process runs on.
	Executors []*Executor

	// ActiveCores tracks every hardware thread that may have this
	// process's translations cached; it feeds shootdown core maps.
	ActiveCores topology.CoreSet
}

// New builds an empty process around an address space.
func New(pid Pid, cmdline string, space *vspace.AddressSpace) *Process {
	return &Process{
		Pid:     pid,
		Cmdline: cmdline,
		Vspace:  space,
		frames:  make(map[FrameID]memory.Frame),
	}
}

// RegisterFrame adds a frame to the registry and returns its id.
func (p *Process) RegisterFrame(f memory.Frame) FrameID {
	fid := p.nextFrameID
	p.frames[fid] = f
	p.nextFrameID++
	return fid
}

// Frame looks up a registered frame.
func (p *Process) Frame(fid FrameID) (memory.Frame, bool) {
	f, ok := p.frames[fid]
	return f, ok
}

// AddExecutor creates an executor bound to gtid and marks the core
// active for this process.
func (p *Process) AddExecutor(entry memory.VAddr, gtid topology.GlobalThreadID) *Executor {
	eid := Eid(len(p.Executors))
	e := &Executor{
		Owner:    p.Pid,
		ID:       eid,
		Gtid:     gtid,
		Entry:    entry,
		VcpuAddr: vcpuAreaBase + memory.VAddr(uint64(eid)*memory.BasePageSize),
		SaveArea: &SaveArea{},
	}
	p.Executors = append(p.Executors, e)
	p.ActiveCores.Set(gtid)
	return e
}

// ExecutorFor returns the executor bound to gtid, if any.
func (p *Process) ExecutorFor(gtid topology.GlobalThreadID) (*Executor, bool) {
	for _, e := range p.Executors {
		if e.Gtid == gtid {
			return e, true
		}
	}
	return nil, false
}

// Info is the CBOR-serialized process description returned by
// GetProcessInfo.
type Info struct {
	Pid     uint64 `cbor:"pid"`
	Cmdline string `cbor:"cmdline"`
	VCPUs   uint64 `cbor:"vcpus"`
	Frames  uint64 `cbor:"frames"`
}

// Info snapshots the process for the syscall layer.
func (p *Process) Info() Info {
	return Info{
		Pid:     uint64(p.Pid),
		Cmdline: p.Cmdline,
		VCPUs:   uint64(len(p.Executors)),
		Frames:  uint64(len(p.frames)),
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("Process{pid %d, %d executors, %d frames}",
		p.Pid, len(p.Executors), len(p.frames))
}
