// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package node_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nrk/internal/node"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/nr"
	"github.com/antimetal/nrk/pkg/vspace"
)

func newKernelHandle(t *testing.T) *node.Handle {
	t.Helper()
	log := nr.NewLog[node.Op](node.KernelLogID)
	replica := nr.NewReplica[node.Op, node.Result](log, node.NewKernelNode(logr.Discard(), 0))
	h, err := node.NewHandle(replica)
	require.NoError(t, err)
	return h
}

func TestPidLifecycle(t *testing.T) {
	h := newKernelHandle(t)

	pid, err := h.AllocatePid("init")
	require.NoError(t, err)
	assert.NotZero(t, pid)

	info, err := h.ProcessInfo(pid)
	require.NoError(t, err)
	assert.Equal(t, uint64(pid), info.Pid)
	assert.Equal(t, "init", info.Cmdline)

	require.NoError(t, h.ReleasePid(pid))
	_, err = h.ProcessInfo(pid)
	assert.ErrorIs(t, err, errors.ErrProcessNotSet)
}

func TestFrameRegistryAndMapFrameID(t *testing.T) {
	h := newKernelHandle(t)
	pid, err := h.AllocatePid("init")
	require.NoError(t, err)

	frame := memory.Frame{Base: 0x100000, Size: memory.BasePageSize}
	fid, err := h.AllocateFrameToProcess(pid, frame)
	require.NoError(t, err)

	paddr, size, err := h.MapFrameID(pid, fid, 0x5000, vspace.ReadWriteUser)
	require.NoError(t, err)
	assert.Equal(t, frame.Base, paddr)
	assert.Equal(t, memory.BasePageSize, size)

	got, _, err := h.Resolve(pid, 0x5000)
	require.NoError(t, err)
	assert.Equal(t, frame.Base, got)

	_, _, err = h.MapFrameID(pid, 999, 0x6000, vspace.ReadWriteUser)
	assert.ErrorIs(t, err, errors.ErrInvalidFrameID)
}

func TestMapFramesAndUnmap(t *testing.T) {
	h := newKernelHandle(t)
	pid, err := h.AllocatePid("init")
	require.NoError(t, err)

	_, _, err = h.AllocateExecutor(pid, 0x1000, 0)
	require.NoError(t, err)
	_, _, err = h.AllocateExecutor(pid, 0x1000, 1)
	require.NoError(t, err)

	frames := []memory.Frame{
		{Base: 0x200000, Size: memory.BasePageSize},
		{Base: 0x300000, Size: memory.BasePageSize},
	}
	paddr, total, err := h.MapFrames(pid, 0x10000, frames, vspace.ReadWriteUser)
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(0x200000), paddr)
	assert.Equal(t, 2*memory.BasePageSize, total)

	pa, _, err := h.Resolve(pid, 0x11000)
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(0x300000), pa)

	handle, err := h.Unmap(pid, 0x11000)
	require.NoError(t, err)
	assert.Equal(t, memory.VAddr(0x11000), handle.VAddr)
	assert.Equal(t, memory.BasePageSize, handle.Frame.Size)
	// Both executor cores may cache the translation.
	assert.True(t, handle.CoreMap.Contains(0))
	assert.True(t, handle.CoreMap.Contains(1))

	_, _, err = h.Resolve(pid, 0x11000)
	assert.ErrorIs(t, err, vspace.ErrNotMapped)
}

// Replicas on the same kernel log converge: the second replica resolves
// the mapping made through the first and reaches the same applied index.
func TestKernelReplicasConverge(t *testing.T) {
	log := nr.NewLog[node.Op](node.KernelLogID)
	replicaA := nr.NewReplica[node.Op, node.Result](log, node.NewKernelNode(logr.Discard(), 0))
	replicaB := nr.NewReplica[node.Op, node.Result](log, node.NewKernelNode(logr.Discard(), 0))
	hA, err := node.NewHandle(replicaA)
	require.NoError(t, err)
	hB, err := node.NewHandle(replicaB)
	require.NoError(t, err)

	pid, err := hA.AllocatePid("init")
	require.NoError(t, err)
	frame := memory.Frame{Base: 0x400000, Size: memory.LargePageSize}
	_, _, err = hA.MapFrames(pid, 0x400000, []memory.Frame{frame}, vspace.ReadWriteUser)
	require.NoError(t, err)

	// The read path advances B's replica before answering.
	paB, actionB, err := hB.Resolve(pid, 0x400000+0x2345)
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(0x400000+0x2345), paB)
	assert.Equal(t, vspace.ReadWriteUser, actionB)
	assert.Equal(t, replicaA.Applied(), replicaB.Applied())
}

func newFsHandle(t *testing.T) *node.FsHandle {
	t.Helper()
	memfs, err := fs.NewMemFS(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = memfs.Close() })
	log := nr.NewLog[node.FsOp](node.FileLogID)
	replica := nr.NewReplica[node.FsOp, node.FsResult](log, node.NewFsNode(logr.Discard(), memfs))
	h, err := node.NewFsHandle(replica)
	require.NoError(t, err)
	return h
}

// The full file scenario: open-create, write-at, read-at, delete,
// reopen fails.
func TestFileScenario(t *testing.T) {
	h := newFsHandle(t)
	const pid = 1

	fd, err := h.Open(pid, "/tmp/x", fs.FlagCreate|fs.FlagReadWrite, 0o644)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), fd)

	n, err := h.WriteAt(pid, fd, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	buf, err := h.ReadAt(pid, fd, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	info, err := h.GetInfo("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.FSize)

	ok, err := h.Delete(pid, "/tmp/x")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.Open(pid, "/tmp/x", fs.FlagReadOnly, 0)
	assert.ErrorIs(t, err, fs.ErrInvalidFile)
	assert.Equal(t, errors.CodeBadFileDescriptor, errors.CodeOf(err))
}

func TestCursorReadWrite(t *testing.T) {
	h := newFsHandle(t)
	const pid = 7

	fd, err := h.Open(pid, "/log", fs.FlagCreate|fs.FlagReadWrite, 0o644)
	require.NoError(t, err)

	// WriteAt leaves the shared cursor alone; cursor reads then walk
	// the file front to back.
	_, err = h.WriteAt(pid, fd, []byte("abcd"), 0)
	require.NoError(t, err)

	buf, err := h.Read(pid, fd, 2)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf))

	buf, err = h.Read(pid, fd, 2)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(buf))

	buf, err = h.Read(pid, fd, 2)
	require.NoError(t, err)
	assert.Empty(t, buf)

	require.NoError(t, h.Close(pid, fd))
	_, err = h.Read(pid, fd, 1)
	assert.ErrorIs(t, err, fs.ErrInvalidFileDescriptor)
}

func TestWritePermissions(t *testing.T) {
	h := newFsHandle(t)
	const pid = 2

	fd, err := h.Open(pid, "/ro", fs.FlagCreate|fs.FlagReadOnly, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt(pid, fd, []byte("x"), 0)
	assert.ErrorIs(t, err, fs.ErrPermission)
}
