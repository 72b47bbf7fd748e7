// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package process

import (
	"github.com/antimetal/nrk/pkg/memory"
)

// Resolver translates a user virtual address for a process; the
// replicated kernel node provides the implementation.
type Resolver interface {
	Resolve(pid Pid, vaddr memory.VAddr) (memory.PAddr, error)
}

// UserSlice names a byte range in a process's user address space. Copies
// walk the range page by page through the resolver, so buffers spanning
// mapping boundaries work.
type UserSlice struct {
	Pid  Pid
	Base memory.VAddr
	Len  uint64
}

// CopyIn reads the user range into a kernel buffer.
func (us UserSlice) CopyIn(r Resolver, pm *memory.PhysMem) ([]byte, error) {
	out := make([]byte, 0, us.Len)
	vaddr := us.Base
	remaining := us.Len
	for remaining > 0 {
		pa, err := r.Resolve(us.Pid, vaddr)
		if err != nil {
			return nil, err
		}
		chunk := memory.BasePageSize - uint64(vaddr)%memory.BasePageSize
		if chunk > remaining {
			chunk = remaining
		}
		b, err := pm.Slice(pa, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		vaddr += memory.VAddr(chunk)
		remaining -= chunk
	}
	return out, nil
}

// CopyOut writes a kernel buffer into the user range. len(buf) must not
// exceed us.Len.
func (us UserSlice) CopyOut(r Resolver, pm *memory.PhysMem, buf []byte) error {
	vaddr := us.Base
	for len(buf) > 0 {
		pa, err := r.Resolve(us.Pid, vaddr)
		if err != nil {
			return err
		}
		chunk := memory.BasePageSize - uint64(vaddr)%memory.BasePageSize
		if chunk > uint64(len(buf)) {
			chunk = uint64(len(buf))
		}
		b, err := pm.Slice(pa, chunk)
		if err != nil {
			return err
		}
		copy(b, buf[:chunk])
		buf = buf[chunk:]
		vaddr += memory.VAddr(chunk)
	}
	return nil
}
