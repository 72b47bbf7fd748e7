// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package node

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/nr"
)

// FsOpKind tags a file log operation.
type FsOpKind int

const (
	FsOpOpen FsOpKind = iota
	FsOpClose
	FsOpRead
	FsOpWrite
	FsOpReadAt
	FsOpWriteAt
	FsOpDelete
	FsOpMkDir
	FsOpRename
)

// FsOp is one file operation. Write payloads carry the bytes, so
// application is deterministic on every replica.
type FsOp struct {
	Kind FsOpKind

	Pid      process.Pid
	Fd       uint64
	Pathname string
	Newname  string
	Flags    uint64
	Modes    fs.Modes
	Buf      []byte
	Len      uint64
	Offset   uint64
}

// FsResult is the outcome of a file operation.
type FsResult struct {
	Fd    uint64
	Mnode fs.Mnode
	N     uint64
	Ok    bool
	Buf   []byte
	Err   error
}

// FsNode is the deterministic state machine behind log 2: a filesystem
// instance plus per-process descriptor tables. Each replica owns its own
// filesystem; convergence follows from deterministic mnode numbering.
type FsNode struct {
	fs     fs.FileSystem
	fds    map[process.Pid]*process.FdTable
	logger logr.Logger
}

// NewFsNode wraps a filesystem instance.
func NewFsNode(logger logr.Logger, filesystem fs.FileSystem) *FsNode {
	return &FsNode{
		fs:     filesystem,
		fds:    make(map[process.Pid]*process.FdTable),
		logger: logger.WithName("nr-fs"),
	}
}

func (fn *FsNode) table(pid process.Pid) *process.FdTable {
	t, ok := fn.fds[pid]
	if !ok {
		t = &process.FdTable{}
		fn.fds[pid] = t
	}
	return t
}

// Apply executes one file operation. Called in log order by the replica.
func (fn *FsNode) Apply(op FsOp) FsResult {
	switch op.Kind {
	case FsOpOpen:
		return fn.open(op)
	case FsOpClose:
		return fn.close(op)
	case FsOpRead, FsOpReadAt:
		return fn.read(op)
	case FsOpWrite, FsOpWriteAt:
		return fn.write(op)
	case FsOpDelete:
		ok, err := fn.fs.Delete(op.Pathname)
		return FsResult{Ok: ok, Err: err}
	case FsOpMkDir:
		ok, err := fn.fs.MkDir(op.Pathname, op.Modes)
		return FsResult{Ok: ok, Err: err}
	case FsOpRename:
		ok, err := fn.fs.Rename(op.Pathname, op.Newname)
		return FsResult{Ok: ok, Err: err}
	}
	return FsResult{Err: fs.ErrInvalidFlags}
}

func (fn *FsNode) open(op FsOp) FsResult {
	flags := fs.FileFlags(op.Flags)
	mnode, found := fn.fs.Lookup(op.Pathname)
	switch {
	case !found && !flags.Create():
		return FsResult{Err: fs.ErrInvalidFile}
	case !found:
		var err error
		mnode, err = fn.fs.Create(op.Pathname, op.Modes)
		if err != nil {
			return FsResult{Err: err}
		}
	case flags.Truncate():
		if _, err := fn.fs.Truncate(op.Pathname); err != nil {
			return FsResult{Err: err}
		}
	}

	fd, err := fn.table(op.Pid).Alloc(mnode, flags)
	if err != nil {
		return FsResult{Err: err}
	}
	return FsResult{Fd: fd, Mnode: mnode}
}

func (fn *FsNode) close(op FsOp) FsResult {
	if err := fn.table(op.Pid).Close(op.Fd); err != nil {
		return FsResult{Err: err}
	}
	return FsResult{Ok: true}
}

func (fn *FsNode) read(op FsOp) FsResult {
	fd, err := fn.table(op.Pid).Get(op.Fd)
	if err != nil {
		return FsResult{Err: err}
	}
	if !fd.Flags().Readable() {
		return FsResult{Err: fs.ErrPermission}
	}
	offset := op.Offset
	if op.Kind == FsOpRead {
		offset = fd.Offset()
	}
	buf := make([]byte, op.Len)
	n, err := fn.fs.Read(fd.Mnode(), buf, offset)
	if err != nil {
		return FsResult{Err: err}
	}
	if op.Kind == FsOpRead {
		fd.SetOffset(offset + uint64(n))
	}
	return FsResult{N: uint64(n), Buf: buf[:n]}
}

func (fn *FsNode) write(op FsOp) FsResult {
	fd, err := fn.table(op.Pid).Get(op.Fd)
	if err != nil {
		return FsResult{Err: err}
	}
	if !fd.Flags().Writable() {
		return FsResult{Err: fs.ErrPermission}
	}
	// WriteAt always honors the caller's offset; only the cursor-based
	// write consults (and advances) the descriptor offset.
	offset := op.Offset
	if op.Kind == FsOpWrite {
		offset = fd.Offset()
	}
	if fd.Flags().Append() {
		info, err := fn.fs.FileInfo(fd.Mnode())
		if err != nil {
			return FsResult{Err: err}
		}
		offset = info.FSize
	}
	n, err := fn.fs.Write(fd.Mnode(), op.Buf, offset)
	if err != nil {
		return FsResult{Err: err}
	}
	if op.Kind == FsOpWrite {
		fd.SetOffset(offset + uint64(n))
	}
	return FsResult{N: uint64(n)}
}

// fileInfo is the read-side stat.
func (fn *FsNode) fileInfo(pathname string) (fs.FileInfo, error) {
	mnode, found := fn.fs.Lookup(pathname)
	if !found {
		return fs.FileInfo{}, fs.ErrInvalidFile
	}
	return fn.fs.FileInfo(mnode)
}

// FsHandle is one hardware thread's access to its node's file replica.
type FsHandle struct {
	Replica *nr.Replica[FsOp, FsResult]
	Token   nr.Token
}

// NewFsHandle registers with the file replica.
func NewFsHandle(replica *nr.Replica[FsOp, FsResult]) (*FsHandle, error) {
	tkn, err := replica.Register()
	if err != nil {
		return nil, err
	}
	return &FsHandle{Replica: replica, Token: tkn}, nil
}

func (h *FsHandle) execute(op FsOp) (FsResult, error) {
	res, err := h.Replica.Execute(h.Token, op)
	if err != nil {
		return FsResult{}, err
	}
	return res, res.Err
}

// Open maps a file into the process descriptor table.
func (h *FsHandle) Open(pid process.Pid, pathname string, flags uint64, modes fs.Modes) (uint64, error) {
	res, err := h.execute(FsOp{Kind: FsOpOpen, Pid: pid, Pathname: pathname, Flags: flags, Modes: modes})
	return res.Fd, err
}

// Close releases a descriptor.
func (h *FsHandle) Close(pid process.Pid, fd uint64) error {
	_, err := h.execute(FsOp{Kind: FsOpClose, Pid: pid, Fd: fd})
	return err
}

// Read consumes from the descriptor cursor.
func (h *FsHandle) Read(pid process.Pid, fd, length uint64) ([]byte, error) {
	res, err := h.execute(FsOp{Kind: FsOpRead, Pid: pid, Fd: fd, Len: length})
	return res.Buf, err
}

// ReadAt reads at an explicit offset.
func (h *FsHandle) ReadAt(pid process.Pid, fd, length, offset uint64) ([]byte, error) {
	res, err := h.execute(FsOp{Kind: FsOpReadAt, Pid: pid, Fd: fd, Len: length, Offset: offset})
	return res.Buf, err
}

// Write appends at the descriptor cursor.
func (h *FsHandle) Write(pid process.Pid, fd uint64, buf []byte) (uint64, error) {
	res, err := h.execute(FsOp{Kind: FsOpWrite, Pid: pid, Fd: fd, Buf: buf})
	return res.N, err
}

// WriteAt writes at an explicit offset.
func (h *FsHandle) WriteAt(pid process.Pid, fd uint64, buf []byte, offset uint64) (uint64, error) {
	res, err := h.execute(FsOp{Kind: FsOpWriteAt, Pid: pid, Fd: fd, Buf: buf, Offset: offset})
	return res.N, err
}

// Delete removes a file.
func (h *FsHandle) Delete(pid process.Pid, pathname string) (bool, error) {
	res, err := h.execute(FsOp{Kind: FsOpDelete, Pid: pid, Pathname: pathname})
	return res.Ok, err
}

// MkDir creates a directory.
func (h *FsHandle) MkDir(pid process.Pid, pathname string, modes fs.Modes) (bool, error) {
	res, err := h.execute(FsOp{Kind: FsOpMkDir, Pid: pid, Pathname: pathname, Modes: modes})
	return res.Ok, err
}

// Rename moves a file.
func (h *FsHandle) Rename(pid process.Pid, oldname, newname string) (bool, error) {
	res, err := h.execute(FsOp{Kind: FsOpRename, Pid: pid, Pathname: oldname, Newname: newname})
	return res.Ok, err
}

type fileInfoResult struct {
	info fs.FileInfo
	err  error
}

// GetInfo stats a path on the local replica.
func (h *FsHandle) GetInfo(pathname string) (fs.FileInfo, error) {
	res, err := nr.ExecuteRO(h.Replica, h.Token, func(sm nr.Dispatcher[FsOp, FsResult]) fileInfoResult {
		info, err := sm.(*FsNode).fileInfo(pathname)
		return fileInfoResult{info: info, err: err}
	})
	if err != nil {
		return fs.FileInfo{}, err
	}
	return res.info, res.err
}

// Synchronize advances the local file replica through the log.
func (h *FsHandle) Synchronize() error {
	return h.Replica.Sync(h.Token)
}
