// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package syscall implements the kernel's system-call dispatcher: the
// handler behind the SYSCALL fast path. It decodes the six-argument ABI,
// routes to the System/Process/VSpace/FileIO handlers, validates user
// pointers, and places results in the executor save area before handing
// back a resume handle.
package syscall

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/kcb"
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// mapRefillHeadroom is the extra base-page headroom requested when
// refilling for a Map. Intermediate page-table pages come from the
// process's table arena, not from this refill.
const mapRefillHeadroom = 20

// Dispatcher routes system calls. One instance serves all cores; all
// per-core state lives in the KCB.
type Dispatcher struct {
	machine  *topology.Machine
	shutdown func(topology.GlobalThreadID, bootinfo.ExitReason)
	logger   logr.Logger
}

// New builds a dispatcher. shutdown is invoked for Process::Exit.
func New(logger logr.Logger, machine *topology.Machine, shutdown func(topology.GlobalThreadID, bootinfo.ExitReason)) *Dispatcher {
	return &Dispatcher{
		machine:  machine,
		shutdown: shutdown,
		logger:   logger.WithName("syscall"),
	}
}

// Handle services one SYSCALL: it drains pending coherence work, routes
// the call, stores the result in the save area and returns the resume
// handle. A nil handle means the executor exited.
func (d *Dispatcher) Handle(k *kcb.KCB, call, a1, a2, a3, a4, a5 uint64) *process.ResumeHandle {
	k.Coherence.EagerAdvance(k.Gtid)

	var (
		r1, r2 uint64
		err    error
		exited bool
	)
	switch SystemCall(call) {
	case CallSystem:
		r1, r2, err = d.handleSystem(k, a1, a2, a3)
	case CallProcess:
		r1, r2, err, exited = d.handleProcess(k, a1, a2, a3)
	case CallVSpace:
		r1, r2, err = d.handleVSpace(k, a1, a2, a3)
	case CallFileIO:
		r1, r2, err = d.handleFileIO(k, a1, a2, a3, a4, a5)
	default:
		err = errors.ErrInvalidSyscallArgument
	}
	if exited {
		return nil
	}

	e, eerr := k.CurrentExecutor()
	if eerr != nil {
		// A syscall from a thread with no executor cannot return to
		// user space at all.
		d.logger.Error(eerr, "syscall with no executor", "core", k.Gtid, "call", call)
		return nil
	}
	e.SaveArea.SetResult(uint64(errors.CodeOf(err)), r1, r2)
	return process.RestoreHandle(e)
}

func (d *Dispatcher) handleSystem(k *kcb.KCB, op, a2, a3 uint64) (uint64, uint64, error) {
	switch SystemOp(op) {
	case SystemGetHardwareThreads:
		threads := make([]CpuThread, 0, d.machine.NumThreads())
		for _, t := range d.machine.Threads() {
			threads = append(threads, CpuThread{
				ID:        uint64(t.ID),
				NodeID:    uint64(t.NodeID),
				PackageID: uint64(t.PackageID),
				CoreID:    uint64(t.CoreID),
				ThreadID:  uint64(t.ThreadID),
			})
		}
		serialized, err := cbor.Marshal(threads)
		if err != nil {
			return 0, 0, err
		}
		if uint64(len(serialized)) <= a3 {
			pid, err := k.CurrentPid()
			if err != nil {
				return 0, 0, err
			}
			if err := copyOutUser(k, pid, a2, serialized); err != nil {
				return 0, 0, err
			}
		}
		return uint64(len(serialized)), 0, nil
	case SystemGetCoreID:
		return uint64(k.Gtid), 0, nil
	default:
		return 0, 0, errors.ErrInvalidSystemOperation
	}
}

func (d *Dispatcher) handleProcess(k *kcb.KCB, op, a2, a3 uint64) (r1, r2 uint64, err error, exited bool) {
	switch ProcessOp(op) {
	case ProcessLog:
		pid, perr := k.CurrentPid()
		if perr != nil {
			return 0, 0, perr, false
		}
		buf, cerr := copyInUser(k, pid, a2, a3)
		if cerr != nil {
			return 0, 0, cerr, false
		}
		k.PrintBuffer.Append(string(buf))
		return 0, 0, nil, false

	case ProcessGetVCpuArea:
		e, eerr := k.CurrentExecutor()
		if eerr != nil {
			return 0, 0, eerr, false
		}
		return uint64(e.VcpuAddr), 0, nil, false

	case ProcessExit:
		reason := bootinfo.ExitOk
		if a2 != 0 {
			reason = bootinfo.ExitUserSpaceError
		}
		d.shutdown(k.Gtid, reason)
		return 0, 0, nil, true

	case ProcessGetProcessInfo:
		pid, perr := k.CurrentPid()
		if perr != nil {
			return 0, 0, perr, false
		}
		info, ierr := k.Kernel.ProcessInfo(pid)
		if ierr != nil {
			return 0, 0, ierr, false
		}
		serialized, serr := cbor.Marshal(info)
		if serr != nil {
			return 0, 0, serr, false
		}
		if uint64(len(serialized)) <= a3 {
			if cerr := copyOutUser(k, pid, a2, serialized); cerr != nil {
				return 0, 0, cerr, false
			}
		}
		return uint64(len(serialized)), 0, nil, false

	case ProcessRequestCore:
		pid, perr := k.CurrentPid()
		if perr != nil {
			return 0, 0, perr, false
		}
		gtid := topology.GlobalThreadID(a2)
		if _, terr := d.machine.Thread(gtid); terr != nil {
			return 0, 0, errors.ErrNoExecutorForCore, false
		}
		allocated, eid, aerr := k.Kernel.AllocateExecutor(pid, memory.VAddr(a3), gtid)
		if aerr != nil {
			return 0, 0, aerr, false
		}
		return uint64(allocated), uint64(eid), nil, false

	case ProcessAllocatePhysical:
		pid, perr := k.CurrentPid()
		if perr != nil {
			return 0, 0, perr, false
		}
		pageSize := a2
		if pageSize != memory.BasePageSize && pageSize != memory.LargePageSize {
			return 0, 0, errors.ErrInvalidSyscallArgument, false
		}
		var frame memory.Frame
		if pageSize == memory.BasePageSize {
			if rerr := k.TryRefillTCache(1, 0); rerr != nil {
				return 0, 0, rerr, false
			}
			frame, err = k.MemManager.AllocateBasePage()
		} else {
			if rerr := k.TryRefillTCache(0, 1); rerr != nil {
				return 0, 0, rerr, false
			}
			frame, err = k.MemManager.AllocateLargePage()
		}
		if err != nil {
			return 0, 0, err, false
		}
		fid, ferr := k.Kernel.AllocateFrameToProcess(pid, frame)
		if ferr != nil {
			return 0, 0, ferr, false
		}
		return uint64(fid), uint64(frame.Base), nil, false

	default:
		return 0, 0, errors.ErrInvalidProcessOperation, false
	}
}

func (d *Dispatcher) handleVSpace(k *kcb.KCB, op, a2, a3 uint64) (uint64, uint64, error) {
	pid, err := k.CurrentPid()
	if err != nil {
		return 0, 0, err
	}
	base := memory.VAddr(a2)

	switch VSpaceOp(op) {
	case VSpaceMap:
		bp, lp := memory.SizeToPages(a3)
		if err := k.TryRefillTCache(mapRefillHeadroom+int(bp), int(lp)); err != nil {
			return 0, 0, err
		}
		frames := make([]memory.Frame, 0, bp+lp)
		for i := uint64(0); i < lp; i++ {
			f, err := k.MemManager.AllocateLargePage()
			if err != nil {
				return 0, 0, err
			}
			_ = k.PhysMem.Zero(f)
			frames = append(frames, f)
		}
		for i := uint64(0); i < bp; i++ {
			f, err := k.MemManager.AllocateBasePage()
			if err != nil {
				return 0, 0, err
			}
			_ = k.PhysMem.Zero(f)
			frames = append(frames, f)
		}
		paddr, total, err := k.Kernel.MapFrames(pid, base, frames, vspace.ReadWriteUser)
		if err != nil {
			return 0, 0, err
		}
		return uint64(paddr), total, nil

	case VSpaceMapDevice:
		frame := memory.Frame{Base: memory.PAddr(a2), Size: a3, Affinity: k.Node}
		paddr, size, err := k.Kernel.MapDeviceFrame(pid, frame, vspace.ReadWriteUser)
		if err != nil {
			return 0, 0, err
		}
		return uint64(paddr), size, nil

	case VSpaceMapFrame:
		paddr, size, err := k.Kernel.MapFrameID(pid, process.FrameID(a3), base, vspace.ReadWriteUser)
		if err != nil {
			return 0, 0, err
		}
		return uint64(paddr), size, nil

	case VSpaceUnmap:
		handle, err := k.Kernel.Unmap(pid, base)
		if err != nil {
			return 0, 0, err
		}
		k.Coherence.Shootdown(k.Gtid, handle)
		return uint64(handle.VAddr), handle.Frame.Size, nil

	case VSpaceIdentify:
		paddr, _, err := k.Kernel.Resolve(pid, base)
		if err != nil {
			return 0, 0, errors.ErrBadAddress
		}
		return uint64(paddr), 0, nil

	default:
		return 0, 0, errors.ErrInvalidVSpaceOperation
	}
}

func (d *Dispatcher) handleFileIO(k *kcb.KCB, op, a2, a3, a4, a5 uint64) (uint64, uint64, error) {
	pid, err := k.CurrentPid()
	if err != nil {
		return 0, 0, err
	}

	switch FileOp(op) {
	case FileOpen:
		pathname, err := readUserString(k, pid, a2)
		if err != nil {
			return 0, 0, err
		}
		fd, err := k.Fs.Open(pid, pathname, a3, a4)
		if err != nil {
			return 0, 0, err
		}
		return fd, 0, nil

	case FileClose:
		if err := k.Fs.Close(pid, a2); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil

	case FileRead, FileReadAt:
		fd, buffer, length := a2, a3, a4
		if err := userVirtAddrValid(k, pid, buffer, length); err != nil {
			return 0, 0, err
		}
		var buf []byte
		if FileOp(op) == FileRead {
			buf, err = k.Fs.Read(pid, fd, length)
		} else {
			buf, err = k.Fs.ReadAt(pid, fd, length, a5)
		}
		if err != nil {
			return 0, 0, err
		}
		if err := copyOutUser(k, pid, buffer, buf); err != nil {
			return 0, 0, err
		}
		return uint64(len(buf)), 0, nil

	case FileWrite, FileWriteAt:
		fd, buffer, length := a2, a3, a4
		buf, err := copyInUser(k, pid, buffer, length)
		if err != nil {
			return 0, 0, err
		}
		var n uint64
		if FileOp(op) == FileWrite {
			n, err = k.Fs.Write(pid, fd, buf)
		} else {
			n, err = k.Fs.WriteAt(pid, fd, buf, a5)
		}
		if err != nil {
			return 0, 0, err
		}
		return n, 0, nil

	case FileGetInfo:
		pathname, err := readUserString(k, pid, a2)
		if err != nil {
			return 0, 0, err
		}
		info, err := k.Fs.GetInfo(pathname)
		if err != nil {
			return 0, 0, err
		}
		raw := make([]byte, 16)
		binary.LittleEndian.PutUint64(raw[0:], info.FType)
		binary.LittleEndian.PutUint64(raw[8:], info.FSize)
		if err := copyOutUser(k, pid, a3, raw); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil

	case FileDelete:
		pathname, err := readUserString(k, pid, a2)
		if err != nil {
			return 0, 0, err
		}
		ok, err := k.Fs.Delete(pid, pathname)
		if err != nil {
			return 0, 0, err
		}
		return boolWord(ok), 0, nil

	case FileMkDir:
		pathname, err := readUserString(k, pid, a2)
		if err != nil {
			return 0, 0, err
		}
		ok, err := k.Fs.MkDir(pid, pathname, a3)
		if err != nil {
			return 0, 0, err
		}
		return boolWord(ok), 0, nil

	case FileRename:
		oldname, err := readUserString(k, pid, a2)
		if err != nil {
			return 0, 0, err
		}
		newname, err := readUserString(k, pid, a3)
		if err != nil {
			return 0, 0, err
		}
		ok, err := k.Fs.Rename(pid, oldname, newname)
		if err != nil {
			return 0, 0, err
		}
		return boolWord(ok), 0, nil

	default:
		return 0, 0, errors.ErrNotSupported
	}
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
