// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"github.com/antimetal/nrk/internal/kcb"
	"github.com/antimetal/nrk/internal/node"
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
)

// maxUserPath caps the length of user-supplied path strings.
const maxUserPath = 4096

// nodeResolver adapts the kernel replica's read path to the UserSlice
// resolver contract.
type nodeResolver struct {
	h *node.Handle
}

func (r nodeResolver) Resolve(pid process.Pid, vaddr memory.VAddr) (memory.PAddr, error) {
	pa, _, err := r.h.Resolve(pid, vaddr)
	return pa, err
}

// userVirtAddrValid walks [base, base+size) in base-page steps through
// resolve and refuses anything reaching into the kernel half.
func userVirtAddrValid(k *kcb.KCB, pid process.Pid, base, size uint64) error {
	upper := base + size
	if upper >= uint64(memory.KernelBase) {
		return errors.ErrBadAddress
	}
	r := nodeResolver{h: k.Kernel}
	for addr := base; ; addr += memory.BasePageSize {
		if upper-addr <= memory.BasePageSize {
			if _, err := r.Resolve(pid, memory.VAddr(addr)); err != nil {
				return errors.ErrBadAddress
			}
			last := upper
			if size > 0 {
				last = upper - 1
			}
			if _, err := r.Resolve(pid, memory.VAddr(last)); err != nil {
				return errors.ErrBadAddress
			}
			return nil
		}
		if _, err := r.Resolve(pid, memory.VAddr(addr)); err != nil {
			return errors.ErrBadAddress
		}
	}
}

// copyInUser reads [base, base+size) from user memory.
func copyInUser(k *kcb.KCB, pid process.Pid, base, size uint64) ([]byte, error) {
	if err := userVirtAddrValid(k, pid, base, size); err != nil {
		return nil, err
	}
	us := process.UserSlice{Pid: pid, Base: memory.VAddr(base), Len: size}
	return us.CopyIn(nodeResolver{h: k.Kernel}, k.PhysMem)
}

// copyOutUser writes buf to user memory at base.
func copyOutUser(k *kcb.KCB, pid process.Pid, base uint64, buf []byte) error {
	if err := userVirtAddrValid(k, pid, base, uint64(len(buf))); err != nil {
		return err
	}
	us := process.UserSlice{Pid: pid, Base: memory.VAddr(base), Len: uint64(len(buf))}
	return us.CopyOut(nodeResolver{h: k.Kernel}, k.PhysMem, buf)
}

// readUserString reads a NUL-terminated string at base.
func readUserString(k *kcb.KCB, pid process.Pid, base uint64) (string, error) {
	if err := userVirtAddrValid(k, pid, base, 0); err != nil {
		return "", err
	}
	r := nodeResolver{h: k.Kernel}
	var out []byte
	vaddr := memory.VAddr(base)
	for len(out) < maxUserPath {
		pa, err := r.Resolve(pid, vaddr)
		if err != nil {
			return "", errors.ErrBadAddress
		}
		chunk := memory.BasePageSize - uint64(vaddr)%memory.BasePageSize
		b, err := k.PhysMem.Slice(pa, chunk)
		if err != nil {
			return "", err
		}
		for _, c := range b {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
			if len(out) >= maxUserPath {
				break
			}
		}
		vaddr += memory.VAddr(chunk)
	}
	return "", errors.ErrInvalidSyscallArgument
}
