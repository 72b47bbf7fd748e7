// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"github.com/antimetal/nrk/pkg/fs"
)

// FdTable is a process's open-file table. Descriptors 0..2 are reserved
// for the standard streams; the first Alloc hands out 3. The table is
// part of the file replica's state, so it is only ever driven in log
// order and needs no locking.
type FdTable struct {
	fds [fs.MaxFilesPerProcess]*fs.Fd
}

// Alloc reserves the lowest free descriptor at or above 3.
func (t *FdTable) Alloc(mnode fs.Mnode, flags fs.FileFlags) (uint64, error) {
	for i := 3; i < len(t.fds); i++ {
		if t.fds[i] == nil {
			t.fds[i] = fs.NewFd(mnode, flags)
			return uint64(i), nil
		}
	}
	return 0, fs.ErrOpenFileLimit
}

// Get returns an open descriptor.
func (t *FdTable) Get(fd uint64) (*fs.Fd, error) {
	if fd >= uint64(len(t.fds)) || t.fds[fd] == nil {
		return nil, fs.ErrInvalidFileDescriptor
	}
	return t.fds[fd], nil
}

// Close releases a descriptor.
func (t *FdTable) Close(fd uint64) error {
	if fd >= uint64(len(t.fds)) || t.fds[fd] == nil {
		return fs.ErrInvalidFileDescriptor
	}
	t.fds[fd] = nil
	return nil
}
