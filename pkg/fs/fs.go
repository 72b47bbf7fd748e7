// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package fs defines the kernel's file management surface: the
// FileSystem capability table shared by the in-memory and RPC-backed
// implementations, file descriptors, flags and the filesystem error set.
package fs

import (
	"errors"
	"sync/atomic"
)

// MaxFilesPerProcess caps the open files of one process.
const MaxFilesPerProcess = 4096

// Mnode numbers an in-memory inode.
type Mnode = uint64

// Modes carries the permission bits passed to create/mkdir.
type Modes = uint64

var (
	// ErrInvalidFileDescriptor: the supplied file descriptor is unknown.
	ErrInvalidFileDescriptor = errors.New("invalid file descriptor")
	// ErrInvalidFile: the supplied file does not exist.
	ErrInvalidFile = errors.New("invalid file")
	// ErrInvalidFlags: the supplied open flags are invalid.
	ErrInvalidFlags = errors.New("invalid flags")
	// ErrInvalidOffset: the supplied offset is invalid.
	ErrInvalidOffset = errors.New("invalid offset")
	// ErrPermission: the file or directory cannot be read or written.
	ErrPermission = errors.New("permission denied")
	// ErrAlreadyPresent: the fd or file already exists.
	ErrAlreadyPresent = errors.New("file already exists")
	// ErrDirectory: the operation cannot be applied to a directory.
	ErrDirectory = errors.New("is a directory")
	// ErrOpenFileLimit: the process reached MaxFilesPerProcess.
	ErrOpenFileLimit = errors.New("maximum files are opened for the process")
	// ErrOutOfMemory: no memory to back the file.
	ErrOutOfMemory = errors.New("unable to allocate memory for file")
)

// File open flags, Linux-valued.
const (
	FlagReadOnly  uint64 = 0x0
	FlagWriteOnly uint64 = 0x1
	FlagReadWrite uint64 = 0x2
	FlagCreate    uint64 = 0o100
	FlagTruncate  uint64 = 0o1000
	FlagAppend    uint64 = 0o2000

	accessMask uint64 = 0x3
)

// FileFlags is a decoded view of the open flags.
type FileFlags uint64

// Readable reports whether the fd may read.
func (f FileFlags) Readable() bool {
	return uint64(f)&accessMask == FlagReadOnly || uint64(f)&accessMask == FlagReadWrite
}

// Writable reports whether the fd may write.
func (f FileFlags) Writable() bool {
	acc := uint64(f) & accessMask
	return acc == FlagWriteOnly || acc == FlagReadWrite
}

// Create reports whether the open should create a missing file.
func (f FileFlags) Create() bool { return uint64(f)&FlagCreate != 0 }

// Truncate reports whether the open should empty an existing file.
func (f FileFlags) Truncate() bool { return uint64(f)&FlagTruncate != 0 }

// Append reports whether writes go to the end of the file.
func (f FileFlags) Append() bool { return uint64(f)&FlagAppend != 0 }

// File types reported by FileInfo.
const (
	TypeFile      uint64 = 1
	TypeDirectory uint64 = 2
)

// FileInfo is the metadata returned by GetInfo.
type FileInfo struct {
	FType uint64 `cbor:"ftype"`
	FSize uint64 `cbor:"fsize"`
}

// Fd is one process-local file descriptor.
type Fd struct {
	mnode  Mnode
	flags  FileFlags
	offset atomic.Uint64
}

// NewFd builds a descriptor for mnode with the given flags.
func NewFd(mnode Mnode, flags FileFlags) *Fd {
	return &Fd{mnode: mnode, flags: flags}
}

// Mnode returns the backing inode number.
func (fd *Fd) Mnode() Mnode { return fd.mnode }

// Flags returns the open flags.
func (fd *Fd) Flags() FileFlags { return fd.flags }

// Offset returns the current file cursor.
func (fd *Fd) Offset() uint64 { return fd.offset.Load() }

// SetOffset moves the file cursor.
func (fd *Fd) SetOffset(off uint64) { fd.offset.Store(off) }

// FileSystem is the operation set shared by every filesystem
// implementation. Implementations are driven single-threaded by the file
// replica; they need no internal locking beyond their own storage.
type FileSystem interface {
	// Create makes a new empty file and returns its mnode.
	Create(pathname string, modes Modes) (Mnode, error)
	// Write stores buf at offset, growing the file as needed, and
	// returns the number of bytes written.
	Write(mnode Mnode, buf []byte, offset uint64) (int, error)
	// Read fills buf from offset and returns the number of bytes read.
	Read(mnode Mnode, buf []byte, offset uint64) (int, error)
	// Lookup resolves a path to its mnode.
	Lookup(pathname string) (Mnode, bool)
	// FileInfo returns type and size for an mnode.
	FileInfo(mnode Mnode) (FileInfo, error)
	// Delete removes a file or empty directory.
	Delete(pathname string) (bool, error)
	// Truncate empties a file.
	Truncate(pathname string) (bool, error)
	// Rename moves oldname to newname.
	Rename(oldname, newname string) (bool, error)
	// MkDir creates a directory.
	MkDir(pathname string, modes Modes) (bool, error)
	// Close releases the filesystem's resources.
	Close() error
}
