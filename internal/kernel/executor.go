// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

// UserContext is the view a running program has of the machine: the
// syscall instruction plus its own identity. It is bound to one
// executor on one hardware thread.
type UserContext struct {
	kernel *Kernel
	gtid   topology.GlobalThreadID
	pid    process.Pid
	exited bool
}

// Gtid returns the hardware thread the program runs on.
func (ctx *UserContext) Gtid() topology.GlobalThreadID { return ctx.gtid }

// Pid returns the calling process id.
func (ctx *UserContext) Pid() process.Pid { return ctx.pid }

// Syscall issues the six-argument SYSCALL and returns the save-area
// result registers: the error code in rax, results in rdi and rsi.
func (ctx *UserContext) Syscall(call, a1, a2, a3, a4, a5 uint64) (errCode errors.Code, r1, r2 uint64) {
	if ctx.exited {
		panic("syscall after process exit")
	}
	block := ctx.kernel.kcbs[ctx.gtid]
	rh := ctx.kernel.dispatcher.Handle(block, call, a1, a2, a3, a4, a5)
	if rh == nil {
		ctx.exited = true
		return errors.CodeOk, 0, 0
	}
	var code, ret1, ret2 uint64
	rh.Resume(func(_ process.ResumeKind, e *process.Executor) {
		code = e.SaveArea.Regs[0]
		ret1 = e.SaveArea.Regs[5]
		ret2 = e.SaveArea.Regs[4]
	})
	return errors.Code(code), ret1, ret2
}

// WriteUser stores bytes into the process's mapped user memory; the
// hosted stand-in for direct stores from user code.
func (ctx *UserContext) WriteUser(vaddr memory.VAddr, buf []byte) error {
	block := ctx.kernel.kcbs[ctx.gtid]
	for i, c := range buf {
		v := vaddr + memory.VAddr(i)
		pa, _, err := block.Kernel.Resolve(ctx.pid, v)
		if err != nil {
			return err
		}
		b, err := block.PhysMem.Slice(pa, 1)
		if err != nil {
			return err
		}
		b[0] = c
	}
	return nil
}

// ReadUser loads bytes from the process's mapped user memory.
func (ctx *UserContext) ReadUser(vaddr memory.VAddr, size uint64) ([]byte, error) {
	block := ctx.kernel.kcbs[ctx.gtid]
	out := make([]byte, size)
	for i := range out {
		v := vaddr + memory.VAddr(i)
		pa, _, err := block.Kernel.Resolve(ctx.pid, v)
		if err != nil {
			return nil, err
		}
		b, err := block.PhysMem.Slice(pa, 1)
		if err != nil {
			return nil, err
		}
		out[i] = b[0]
	}
	return out, nil
}

// runExecutor binds the executor to its core and enters the program.
func (k *Kernel) runExecutor(pid process.Pid, gtid topology.GlobalThreadID) error {
	block := k.kcbs[gtid]
	e, err := block.Kernel.Executor(pid, gtid)
	if err != nil {
		return err
	}
	block.SetCurrentProcess(pid, e)
	defer block.ClearCurrentProcess()

	prog, ok := k.programs[e.Entry]
	if !ok {
		return fmt.Errorf("no program registered at entry %#x", uint64(e.Entry))
	}

	rh := process.NewResumeHandle(e)
	var status uint64
	rh.Resume(func(_ process.ResumeKind, e *process.Executor) {
		ctx := &UserContext{kernel: k, gtid: gtid, pid: pid}
		status = prog(ctx)
	})
	if status != 0 {
		return fmt.Errorf("executor on core %d exited with status %d", gtid, status)
	}
	return nil
}

// Run starts one executor per core the process owns (core 0 first, then
// the application cores after the bring-up delay) and waits for all of
// them.
func (k *Kernel) Run(pid process.Pid) bootinfo.ExitReason {
	block := k.kcbs[0]
	var gtids []topology.GlobalThreadID
	for _, t := range k.machine.Threads() {
		if _, err := block.Kernel.Executor(pid, t.ID); err == nil {
			gtids = append(gtids, t.ID)
		}
	}

	var group errgroup.Group
	for i, gtid := range gtids {
		if i > 0 {
			// INIT-deassert to STARTUP spacing for application cores.
			time.Sleep(k.apDelay)
		}
		gtid := gtid
		group.Go(func() error { return k.runExecutor(pid, gtid) })
	}
	if err := group.Wait(); err != nil {
		k.logger.Error(err, "executor failed")
		k.Shutdown(0, bootinfo.ExitUserSpaceError)
	}
	return k.ExitReason()
}
