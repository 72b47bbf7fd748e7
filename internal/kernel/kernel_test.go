// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nrk/internal/kcb"
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/internal/syscall"
	"github.com/antimetal/nrk/internal/tlb"
	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

const testSlabBase = memory.PAddr(0x0400_0000)

func testArgs(memBytes uint64) *bootinfo.KernelArgs {
	return &bootinfo.KernelArgs{
		CommandLine: "log=info init=init.bin",
		MMBase:      testSlabBase,
		MMSize:      memBytes,
		MMIter: []bootinfo.MemoryDescriptor{
			{
				Type:          bootinfo.MemoryConventional,
				PhysicalStart: testSlabBase,
				NumberOfPages: memBytes / memory.BasePageSize,
			},
		},
		Modules: []bootinfo.Module{
			bootinfo.NewModule("nrk.elf", 0, 0, 0),
			bootinfo.NewModule("init.bin", 0, 0, 0),
		},
	}
}

func bootKernel(t *testing.T, nodes, threadsPerNode int) *Kernel {
	t.Helper()
	k, err := Boot(logr.Discard(), testArgs(64*1024*1024), nodes, threadsPerNode,
		WithAPStartupDelay(0))
	require.NoError(t, err)
	t.Cleanup(k.Stop)
	return k
}

// bind makes gtid run pid, allocating an executor on the core if the
// process has none there.
func bind(t *testing.T, k *Kernel, pid process.Pid, gtid topology.GlobalThreadID) {
	t.Helper()
	block := k.KCB(gtid)
	e, err := block.Kernel.Executor(pid, gtid)
	if err != nil {
		_, _, aerr := block.Kernel.AllocateExecutor(pid, 0x1000, gtid)
		require.NoError(t, aerr)
		e, err = block.Kernel.Executor(pid, gtid)
	}
	require.NoError(t, err)
	block.SetCurrentProcess(pid, e)
}

// dispatch issues one syscall on block's core and returns the save-area
// results.
func dispatch(k *Kernel, block *kcb.KCB, call, a1, a2, a3, a4, a5 uint64) (errors.Code, uint64, uint64) {
	rh := k.dispatcher.Handle(block, call, a1, a2, a3, a4, a5)
	if rh == nil {
		return errors.CodeOk, 0, 0
	}
	var code, r1, r2 uint64
	rh.Resume(func(_ process.ResumeKind, e *process.Executor) {
		code = e.SaveArea.Regs[0]
		r1 = e.SaveArea.Regs[5]
		r2 = e.SaveArea.Regs[4]
	})
	return errors.Code(code), r1, r2
}

func writeUser(t *testing.T, k *Kernel, block *kcb.KCB, pid process.Pid, base uint64, buf []byte) {
	t.Helper()
	for i, c := range buf {
		pa, _, err := block.Kernel.Resolve(pid, memory.VAddr(base+uint64(i)))
		require.NoError(t, err)
		b, err := block.PhysMem.Slice(pa, 1)
		require.NoError(t, err)
		b[0] = c
	}
}

func readUser(t *testing.T, k *Kernel, block *kcb.KCB, pid process.Pid, base, size uint64) []byte {
	t.Helper()
	out := make([]byte, size)
	for i := range out {
		pa, _, err := block.Kernel.Resolve(pid, memory.VAddr(base+uint64(i)))
		require.NoError(t, err)
		b, err := block.PhysMem.Slice(pa, 1)
		require.NoError(t, err)
		out[i] = b[0]
	}
	return out
}

// The syscall integer round trip: map, identify, unmap, identify fails.
func TestSyscallMapIdentifyUnmap(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	const base = uint64(0x8000_0000)
	code, paddr, size := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, memory.BasePageSize, size)

	code, identified, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceIdentify), base, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, paddr, identified)

	code, va, sz := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceUnmap), base, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, base, va)
	assert.Equal(t, memory.BasePageSize, sz)

	code, _, _ = dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceIdentify), base, 0, 0, 0)
	assert.Equal(t, errors.CodeBadAddress, code)
}

// Scenario: a mapping made on core 0 is observed on core 1 after the
// advance-replica IPI.
func TestCrossCoreMappingVisibility(t *testing.T) {
	k := bootKernel(t, 2, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	bind(t, k, pid, 1)

	const base = uint64(0x40_0000)
	code, paddr, size := dispatch(k, k.KCB(0), uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, 2*memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, 2*memory.BasePageSize, size)

	// Deliver the advance-replica message through the IPI path.
	k.Coherence().Enqueue(1, &tlb.AdvanceReplica{LogID: 1})
	k.Coherence().HandleIPI(1)

	code, identified, _ := dispatch(k, k.KCB(1), uint64(syscall.CallVSpace), uint64(syscall.VSpaceIdentify), base, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, paddr, identified)
}

// Scenario: unmap of a 2 MiB mapping shoots every peer down and the
// range size selects a full TLB flush.
func TestLargeUnmapShootdown(t *testing.T) {
	k := bootKernel(t, 2, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	bind(t, k, pid, 1)

	const base = uint64(0x40_0000) // 2 MiB aligned
	code, _, size := dispatch(k, k.KCB(0), uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.LargePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	require.Equal(t, memory.LargePageSize, size)

	// Core 1 caches a translation inside the mapping.
	resolve := func(v memory.VAddr) (memory.PAddr, error) {
		pa, _, err := k.KCB(1).Kernel.Resolve(pid, v)
		return pa, err
	}
	_, err = k.Coherence().TLB(1).Translate(memory.VAddr(base+0x3000), resolve)
	require.NoError(t, err)
	require.True(t, k.Coherence().TLB(1).Cached(memory.VAddr(base+0x3000)))

	code, va, sz := dispatch(k, k.KCB(0), uint64(syscall.CallVSpace), uint64(syscall.VSpaceUnmap), base, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, base, va)
	assert.Equal(t, memory.LargePageSize, sz)

	// The shootdown returned, so core 1 acknowledged and flushed; a
	// fresh access faults instead of reusing a stale entry.
	assert.False(t, k.Coherence().TLB(1).Cached(memory.VAddr(base+0x3000)))
	_, err = k.Coherence().TLB(1).Translate(memory.VAddr(base+0x3000), resolve)
	assert.Error(t, err)
}

// Scenario: user pointers inside a mapping pass validation; kernel-half
// pointers are rejected.
func TestUserPointerValidation(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	const base = uint64(0x10_0000)
	code, _, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, 1024*1024, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	// Log with a pointer into the mapping succeeds.
	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessLog), base+0x800, 64, 0, 0)
	assert.Equal(t, errors.CodeOk, code)

	// A kernel-half pointer is refused.
	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessLog), uint64(memory.KernelBase)+0x10, 64, 0, 0)
	assert.Equal(t, errors.CodeBadAddress, code)

	// An unmapped user pointer is refused too.
	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessLog), 0x7000_0000, 64, 0, 0)
	assert.Equal(t, errors.CodeBadAddress, code)
}

// The full file scenario through the syscall surface.
func TestFileIOScenario(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	// A scratch mapping holds the path string and the I/O buffer.
	const base = uint64(0x10_0000)
	code, _, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	writeUser(t, k, block, pid, base, append([]byte("/tmp/x"), 0))
	const bufAddr = base + 0x100
	writeUser(t, k, block, pid, bufAddr, []byte("hello"))

	flags := uint64(0x2 /* O_RDWR */ | 0o100 /* O_CREAT */)
	code, fd, _ := dispatch(k, block, uint64(syscall.CallFileIO), uint64(syscall.FileOpen), base, flags, 0o644, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(3), fd)

	code, n, _ := dispatch(k, block, uint64(syscall.CallFileIO), uint64(syscall.FileWriteAt), fd, bufAddr, 5, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(5), n)

	const readAddr = base + 0x200
	code, n, _ = dispatch(k, block, uint64(syscall.CallFileIO), uint64(syscall.FileReadAt), fd, readAddr, 5, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, "hello", string(readUser(t, k, block, pid, readAddr, 5)))

	code, ok, _ := dispatch(k, block, uint64(syscall.CallFileIO), uint64(syscall.FileDelete), base, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(1), ok)

	code, _, _ = dispatch(k, block, uint64(syscall.CallFileIO), uint64(syscall.FileOpen), base, 0, 0, 0)
	assert.Equal(t, errors.CodeBadFileDescriptor, code)
}

func TestGetHardwareThreadsCBOR(t *testing.T) {
	k := bootKernel(t, 2, 2)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	const base = uint64(0x10_0000)
	code, _, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	code, length, _ := dispatch(k, block, uint64(syscall.CallSystem), uint64(syscall.SystemGetHardwareThreads), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	require.NotZero(t, length)

	var threads []syscall.CpuThread
	require.NoError(t, cbor.Unmarshal(readUser(t, k, block, pid, base, length), &threads))
	require.Len(t, threads, 4)
	assert.Equal(t, uint64(0), threads[0].NodeID)
	assert.Equal(t, uint64(1), threads[3].NodeID)
	assert.Equal(t, uint64(3), threads[3].ID)

	code, gtid, _ := dispatch(k, block, uint64(syscall.CallSystem), uint64(syscall.SystemGetCoreID), 0, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(0), gtid)
}

func TestAllocatePhysicalAndMapFrame(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	code, fid, paddr := dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessAllocatePhysical), memory.BasePageSize, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	require.NotZero(t, paddr)

	const base = uint64(0x30_0000)
	code, mapped, size := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMapFrame), base, fid, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, paddr, mapped)
	assert.Equal(t, memory.BasePageSize, size)

	// A bad size class is rejected.
	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessAllocatePhysical), 12345, 0, 0, 0)
	assert.Equal(t, errors.CodeInvalidProcessOperation, code)
}

func TestPrintBufferFlushesLines(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	const base = uint64(0x10_0000)
	code, _, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	writeUser(t, k, block, pid, base, []byte("hello world\npartial"))
	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessLog), base, 19, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	assert.Equal(t, []string{"hello world"}, block.PrintBuffer.Recent())
	assert.Equal(t, "partial", block.PrintBuffer.Pending())
}

// A program running through the executor lifecycle: map, write, read
// back through a syscall, exit cleanly.
func TestRunInitProgram(t *testing.T) {
	k := bootKernel(t, 1, 2)

	const entry = memory.VAddr(0x1000)
	k.RegisterProgram(entry, func(ctx *UserContext) uint64 {
		const base = uint64(0x20_0000)
		code, _, _ := ctx.Syscall(uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
		if code != errors.CodeOk {
			return 1
		}
		if err := ctx.WriteUser(memory.VAddr(base), append([]byte("/from-init"), 0)); err != nil {
			return 2
		}
		flags := uint64(0x2 | 0o100)
		code, fd, _ := ctx.Syscall(uint64(syscall.CallFileIO), uint64(syscall.FileOpen), base, flags, 0o644, 0)
		if code != errors.CodeOk || fd != 3 {
			return 3
		}
		code, _, _ = ctx.Syscall(uint64(syscall.CallProcess), uint64(syscall.ProcessExit), 0, 0, 0, 0)
		if code != errors.CodeOk {
			return 4
		}
		return 0
	})

	pid, err := k.CreateProcess("init", entry, 0)
	require.NoError(t, err)
	reason := k.Run(pid)
	assert.Equal(t, bootinfo.ExitOk, reason)
}

func TestVCpuAreaAndProcessInfo(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init-cmdline", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	code, vcpu, _ := dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessGetVCpuArea), 0, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(0xb000_0000), vcpu)

	const base = uint64(0x10_0000)
	code, _, _ = dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)

	code, length, _ := dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessGetProcessInfo), base, memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	require.NotZero(t, length)
}

func TestRequestCore(t *testing.T) {
	k := bootKernel(t, 1, 2)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	code, gtid, eid := dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessRequestCore), 1, 0x9000, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, uint64(1), gtid)
	assert.Equal(t, uint64(1), eid)

	e, err := block.Kernel.Executor(pid, 1)
	require.NoError(t, err)
	assert.Equal(t, memory.VAddr(0x9000), e.Entry)

	code, _, _ = dispatch(k, block, uint64(syscall.CallProcess), uint64(syscall.ProcessRequestCore), 99, 0x9000, 0, 0)
	assert.Equal(t, errors.CodeNoExecutorForCore, code)
}

func TestMapDevice(t *testing.T) {
	k := bootKernel(t, 1, 1)
	pid, err := k.CreateProcess("init", 0x1000, 0)
	require.NoError(t, err)
	bind(t, k, pid, 0)
	block := k.KCB(0)

	// Device frames are identity mapped: virtual address equals the
	// requested physical address.
	devBase := uint64(testSlabBase) + 0x10_0000
	code, paddr, size := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceMapDevice), devBase, 2*memory.BasePageSize, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, devBase, paddr)
	assert.Equal(t, 2*memory.BasePageSize, size)

	code, identified, _ := dispatch(k, block, uint64(syscall.CallVSpace), uint64(syscall.VSpaceIdentify), devBase+memory.BasePageSize, 0, 0, 0)
	require.Equal(t, errors.CodeOk, code)
	assert.Equal(t, devBase+memory.BasePageSize, identified)
}
