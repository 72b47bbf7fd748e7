// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package node

import (
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/nr"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// Handle is one hardware thread's access to its node's kernel replica:
// the replica plus the thread's registration token. Stored in the KCB.
type Handle struct {
	Replica *nr.Replica[Op, Result]
	Token   nr.Token
}

// NewHandle registers with the replica and returns the thread handle.
func NewHandle(replica *nr.Replica[Op, Result]) (*Handle, error) {
	tkn, err := replica.Register()
	if err != nil {
		return nil, err
	}
	return &Handle{Replica: replica, Token: tkn}, nil
}

func (h *Handle) execute(op Op) (Result, error) {
	res, err := h.Replica.Execute(h.Token, op)
	if err != nil {
		return Result{}, err
	}
	return res, res.Err
}

// AllocatePid creates a process and returns its pid.
func (h *Handle) AllocatePid(cmdline string) (process.Pid, error) {
	res, err := h.execute(Op{Kind: OpAllocatePid, Cmdline: cmdline})
	return res.Pid, err
}

// ReleasePid destroys a process record.
func (h *Handle) ReleasePid(pid process.Pid) error {
	_, err := h.execute(Op{Kind: OpReleasePid, Pid: pid})
	return err
}

// AllocateFrameToProcess registers a frame and returns its FrameID.
func (h *Handle) AllocateFrameToProcess(pid process.Pid, frame memory.Frame) (process.FrameID, error) {
	res, err := h.execute(Op{Kind: OpAllocateFrameToProcess, Pid: pid, Frame: frame})
	return res.FrameID, err
}

// MapFrames installs frames back to back starting at base and returns
// the first physical address and the total bytes mapped.
func (h *Handle) MapFrames(pid process.Pid, base memory.VAddr, frames []memory.Frame, action vspace.MapAction) (memory.PAddr, uint64, error) {
	res, err := h.execute(Op{Kind: OpMapFrames, Pid: pid, VAddr: base, Frames: frames, Action: action})
	return res.PAddr, res.Size, err
}

// MapFrameID maps an already-registered frame at base.
func (h *Handle) MapFrameID(pid process.Pid, fid process.FrameID, base memory.VAddr, action vspace.MapAction) (memory.PAddr, uint64, error) {
	res, err := h.execute(Op{Kind: OpMapFrameID, Pid: pid, FrameID: fid, VAddr: base, Action: action})
	return res.PAddr, res.Size, err
}

// MapDeviceFrame identity-maps a device frame.
func (h *Handle) MapDeviceFrame(pid process.Pid, frame memory.Frame, action vspace.MapAction) (memory.PAddr, uint64, error) {
	res, err := h.execute(Op{Kind: OpMapDeviceFrame, Pid: pid, Frame: frame, Action: action})
	return res.PAddr, res.Size, err
}

// Unmap removes the leaf covering vaddr and returns the flush handle.
func (h *Handle) Unmap(pid process.Pid, vaddr memory.VAddr) (*vspace.TlbFlushHandle, error) {
	res, err := h.execute(Op{Kind: OpUnmap, Pid: pid, VAddr: vaddr})
	return res.Handle, err
}

// AllocateExecutor binds a new executor for pid on gtid.
func (h *Handle) AllocateExecutor(pid process.Pid, entry memory.VAddr, gtid topology.GlobalThreadID) (topology.GlobalThreadID, process.Eid, error) {
	res, err := h.execute(Op{Kind: OpAllocateExecutor, Pid: pid, Entry: entry, Gtid: gtid})
	return res.Gtid, res.Eid, err
}

// Synchronize advances the local replica through the log.
func (h *Handle) Synchronize() error {
	return h.Replica.Sync(h.Token)
}

type resolveResult struct {
	paddr  memory.PAddr
	action vspace.MapAction
	err    error
}

// Resolve walks pid's page tables on the local replica.
func (h *Handle) Resolve(pid process.Pid, vaddr memory.VAddr) (memory.PAddr, vspace.MapAction, error) {
	res, err := nr.ExecuteRO(h.Replica, h.Token, func(sm nr.Dispatcher[Op, Result]) resolveResult {
		pa, action, err := sm.(*KernelNode).resolve(pid, vaddr)
		return resolveResult{paddr: pa, action: action, err: err}
	})
	if err != nil {
		return 0, 0, err
	}
	return res.paddr, res.action, res.err
}

type pinfoResult struct {
	info process.Info
	err  error
}

// ProcessInfo snapshots pid on the local replica.
func (h *Handle) ProcessInfo(pid process.Pid) (process.Info, error) {
	res, err := nr.ExecuteRO(h.Replica, h.Token, func(sm nr.Dispatcher[Op, Result]) pinfoResult {
		info, err := sm.(*KernelNode).pinfo(pid)
		return pinfoResult{info: info, err: err}
	})
	if err != nil {
		return process.Info{}, err
	}
	return res.info, res.err
}

type executorResult struct {
	executor *process.Executor
	err      error
}

// Executor returns pid's executor bound to gtid on the local replica.
func (h *Handle) Executor(pid process.Pid, gtid topology.GlobalThreadID) (*process.Executor, error) {
	res, err := nr.ExecuteRO(h.Replica, h.Token, func(sm nr.Dispatcher[Op, Result]) executorResult {
		e, err := sm.(*KernelNode).executor(pid, gtid)
		return executorResult{executor: e, err: err}
	})
	if err != nil {
		return nil, err
	}
	return res.executor, res.err
}
