// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package node implements the replicated kernel node: the single logical
// data structure holding all kernel metadata. Mutations are expressed as
// a closed set of operations appended to a per-log total order; one
// replica per NUMA node applies them deterministically. Kernel metadata
// (process table, address spaces, frame registrations) rides log 1; file
// operations ride log 2.
package node

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// Log ids of the two operation logs.
const (
	KernelLogID = 1
	FileLogID   = 2
)

// maxProcesses bounds the process table.
const maxProcesses = 64

// tableArenaBase is where per-process page-table pages are placed. Each
// pid gets a disjoint 1 GiB stride, far above any RAM region, so table
// construction is deterministic and identical on every replica.
const tableArenaBase = memory.PAddr(0x4000_0000_0000)

const tableArenaStride = uint64(1 << 30)

// OpKind tags a kernel log operation.
type OpKind int

const (
	OpAllocatePid OpKind = iota
	OpReleasePid
	OpAllocateFrameToProcess
	OpMapFrames
	OpMapFrameID
	OpMapDeviceFrame
	OpUnmap
	OpAllocateExecutor
)

// Op is one kernel metadata mutation. Exactly one of the payload field
// groups is meaningful per kind.
type Op struct {
	Kind OpKind

	Pid     process.Pid
	Cmdline string

	VAddr  memory.VAddr
	Frame  memory.Frame
	Frames []memory.Frame
	Action vspace.MapAction

	FrameID process.FrameID

	Entry memory.VAddr
	Gtid  topology.GlobalThreadID
}

// Result carries whatever the operation produced, plus the domain error.
type Result struct {
	Pid     process.Pid
	FrameID process.FrameID
	PAddr   memory.PAddr
	Size    uint64
	Eid     process.Eid
	Gtid    topology.GlobalThreadID
	Handle  *vspace.TlbFlushHandle
	Err     error
}

// KernelNode is the deterministic state machine behind log 1.
type KernelNode struct {
	processes   map[process.Pid]*process.Process
	nextPid     process.Pid
	kernelEntry vspace.Entry
	logger      logr.Logger
}

// NewKernelNode builds an empty node. kernelEntry is the kernel PML4
// entry 511 installed into every process address space.
func NewKernelNode(logger logr.Logger, kernelEntry vspace.Entry) *KernelNode {
	return &KernelNode{
		processes:   make(map[process.Pid]*process.Process),
		nextPid:     1,
		kernelEntry: kernelEntry,
		logger:      logger.WithName("nr-kernel"),
	}
}

// Apply executes one operation. Called in log order by the replica.
func (kn *KernelNode) Apply(op Op) Result {
	switch op.Kind {
	case OpAllocatePid:
		return kn.allocatePid(op.Cmdline)
	case OpReleasePid:
		return kn.releasePid(op.Pid)
	case OpAllocateFrameToProcess:
		return kn.allocateFrameToProcess(op.Pid, op.Frame)
	case OpMapFrames:
		return kn.mapFrames(op.Pid, op.VAddr, op.Frames, op.Action)
	case OpMapFrameID:
		return kn.mapFrameID(op.Pid, op.FrameID, op.VAddr, op.Action)
	case OpMapDeviceFrame:
		return kn.mapDeviceFrame(op.Pid, op.Frame, op.Action)
	case OpUnmap:
		return kn.unmap(op.Pid, op.VAddr)
	case OpAllocateExecutor:
		return kn.allocateExecutor(op.Pid, op.Entry, op.Gtid)
	}
	return Result{Err: errors.ErrNotSupported}
}

func (kn *KernelNode) proc(pid process.Pid) (*process.Process, error) {
	p, ok := kn.processes[pid]
	if !ok {
		return nil, errors.ErrProcessNotSet
	}
	return p, nil
}

func (kn *KernelNode) allocatePid(cmdline string) Result {
	if len(kn.processes) >= maxProcesses {
		return Result{Err: memory.ErrOutOfMemory}
	}
	pid := kn.nextPid
	kn.nextPid++

	arena := tableArenaBase + memory.PAddr(uint64(pid)*tableArenaStride)
	space, err := vspace.New(vspace.NewArenaPager(arena))
	if err != nil {
		return Result{Err: err}
	}
	space.SetKernelEntry(kn.kernelEntry)

	kn.processes[pid] = process.New(pid, cmdline, space)
	kn.logger.V(1).Info("allocated pid", "pid", pid)
	return Result{Pid: pid}
}

func (kn *KernelNode) releasePid(pid process.Pid) Result {
	if _, err := kn.proc(pid); err != nil {
		return Result{Err: err}
	}
	delete(kn.processes, pid)
	kn.logger.V(1).Info("released pid", "pid", pid)
	return Result{Pid: pid}
}

func (kn *KernelNode) allocateFrameToProcess(pid process.Pid, frame memory.Frame) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	fid := p.RegisterFrame(frame)
	return Result{FrameID: fid, PAddr: frame.Base}
}

func (kn *KernelNode) mapFrames(pid process.Pid, base memory.VAddr, frames []memory.Frame, action vspace.MapAction) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	var paddr memory.PAddr
	var total uint64
	vaddr := base
	for i, f := range frames {
		if err := p.Vspace.MapFrame(vaddr, f, action); err != nil {
			return Result{Err: err}
		}
		p.RegisterFrame(f)
		if i == 0 {
			paddr = f.Base
		}
		vaddr += memory.VAddr(f.Size)
		total += f.Size
	}
	return Result{PAddr: paddr, Size: total}
}

func (kn *KernelNode) mapFrameID(pid process.Pid, fid process.FrameID, base memory.VAddr, action vspace.MapAction) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	frame, ok := p.Frame(fid)
	if !ok {
		return Result{Err: errors.ErrInvalidFrameID}
	}
	if err := p.Vspace.MapFrame(base, frame, action); err != nil {
		return Result{Err: err}
	}
	return Result{PAddr: frame.Base, Size: frame.Size}
}

func (kn *KernelNode) mapDeviceFrame(pid process.Pid, frame memory.Frame, action vspace.MapAction) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	// Device frames are identity mapped: the user sees the physical
	// address as the virtual address.
	vaddr := memory.VAddr(frame.Base)
	if err := p.Vspace.MapFrame(vaddr, frame, action); err != nil {
		return Result{Err: err}
	}
	p.RegisterFrame(frame)
	return Result{PAddr: frame.Base, Size: frame.Size}
}

func (kn *KernelNode) unmap(pid process.Pid, vaddr memory.VAddr) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	handle, err := p.Vspace.Unmap(vaddr)
	if err != nil {
		return Result{Err: err}
	}
	handle.CoreMap = p.ActiveCores
	return Result{Handle: handle, PAddr: handle.Frame.Base, Size: handle.Frame.Size}
}

func (kn *KernelNode) allocateExecutor(pid process.Pid, entry memory.VAddr, gtid topology.GlobalThreadID) Result {
	p, err := kn.proc(pid)
	if err != nil {
		return Result{Err: err}
	}
	e := p.AddExecutor(entry, gtid)
	return Result{Gtid: gtid, Eid: e.ID}
}

// resolve is the read-side page walk.
func (kn *KernelNode) resolve(pid process.Pid, vaddr memory.VAddr) (memory.PAddr, vspace.MapAction, error) {
	p, err := kn.proc(pid)
	if err != nil {
		return 0, 0, err
	}
	return p.Vspace.Resolve(vaddr)
}

// pinfo is the read-side process snapshot.
func (kn *KernelNode) pinfo(pid process.Pid) (process.Info, error) {
	p, err := kn.proc(pid)
	if err != nil {
		return process.Info{}, err
	}
	return p.Info(), nil
}

// executor looks up the executor bound to gtid for pid.
func (kn *KernelNode) executor(pid process.Pid, gtid topology.GlobalThreadID) (*process.Executor, error) {
	p, err := kn.proc(pid)
	if err != nil {
		return nil, err
	}
	e, ok := p.ExecutorFor(gtid)
	if !ok {
		return nil, errors.ErrNoExecutorForCore
	}
	return e, nil
}
