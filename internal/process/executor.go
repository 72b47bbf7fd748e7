// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"sync/atomic"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

// SaveArea holds the user register state needed to leave the kernel with
// SYSRET: integer registers, flags, segment selectors, instruction and
// stack pointers.
type SaveArea struct {
	Regs   [15]uint64 // rax, rbx, rcx, rdx, rsi, rdi, rbp, r8..r15
	RIP    memory.VAddr
	RSP    memory.VAddr
	RFlags uint64
	CS     uint16
	SS     uint16
}

// SetResult places a syscall result in the return registers: rax carries
// the error code, rdi and rsi the two result words.
func (sa *SaveArea) SetResult(errCode, ret1, ret2 uint64) {
	sa.Regs[0] = errCode // rax
	sa.Regs[5] = ret1    // rdi
	sa.Regs[4] = ret2    // rsi
}

// Executor is the per-core vCPU of a process: one hardware thread runs
// at most one executor at a time.
type Executor struct {
	Owner Pid
	ID    Eid
	// Gtid is the hardware thread this executor is bound to.
	Gtid topology.GlobalThreadID
	// Entry is the user instruction pointer for the first dispatch.
	Entry memory.VAddr
	// Stack is the user stack frame backing this executor.
	Stack memory.Frame
	// VcpuAddr is the user-visible vCPU area of this executor.
	VcpuAddr memory.VAddr
	// SaveArea holds the register state across kernel entries.
	SaveArea *SaveArea
}

// ResumeKind selects how a ResumeHandle re-enters user space.
type ResumeKind int

const (
	// ResumeNew starts a fresh thread at the executor's entry point.
	ResumeNew ResumeKind = iota
	// ResumeRestore returns to the state in the save area.
	ResumeRestore
)

// ResumeHandle is a one-shot token for leaving the kernel: either start
// an executor at its entry point or restore the interrupted user state.
type ResumeHandle struct {
	Kind     ResumeKind
	Executor *Executor
	used     atomic.Bool
}

// NewResumeHandle builds a handle for starting e fresh.
func NewResumeHandle(e *Executor) *ResumeHandle {
	return &ResumeHandle{Kind: ResumeNew, Executor: e}
}

// RestoreHandle builds a handle returning to e's save area.
func RestoreHandle(e *Executor) *ResumeHandle {
	return &ResumeHandle{Kind: ResumeRestore, Executor: e}
}

// Resume consumes the handle and transfers to user space through enter.
// A handle resumes at most once; a second call panics, mirroring the
// one-shot SYSRET semantics.
func (rh *ResumeHandle) Resume(enter func(kind ResumeKind, e *Executor)) {
	if rh.used.Swap(true) {
		panic("resume handle used twice")
	}
	enter(rh.Kind, rh.Executor)
}
