// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors re-exports the stdlib error surface and owns the
// mapping from kernel errors to the single numeric code user space
// observes at the syscall boundary.
package errors

import (
	stdliberrors "errors"

	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/vspace"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kernel-wide state-violation errors.
var (
	// ErrBadAddress: a user pointer was out of range or unmapped.
	ErrBadAddress = New("bad user address")
	// ErrProcessNotSet: the current core runs no process.
	ErrProcessNotSet = New("no process set on this core")
	// ErrNoExecutorForCore: the process has no executor for the core.
	ErrNoExecutorForCore = New("no executor allocated for this core")
	// ErrInvalidFrameID: the frame id is not registered with the process.
	ErrInvalidFrameID = New("invalid frame id")
	// ErrInvalidSystemOperation: unknown System opcode.
	ErrInvalidSystemOperation = New("invalid system operation")
	// ErrInvalidProcessOperation: unknown Process opcode.
	ErrInvalidProcessOperation = New("invalid process operation")
	// ErrInvalidVSpaceOperation: unknown VSpace opcode.
	ErrInvalidVSpaceOperation = New("invalid vspace operation")
	// ErrInvalidSyscallArgument: a syscall argument failed decoding.
	ErrInvalidSyscallArgument = New("invalid syscall argument")
	// ErrNotSupported: the operation exists but is not available.
	ErrNotSupported = New("operation not supported")
)

// Code is the machine-word error representation placed in the save area
// on syscall return.
type Code uint64

const (
	CodeOk Code = iota
	CodeBadAddress
	CodeBadFileDescriptor
	CodeBadFlags
	CodePermissionError
	CodeOutOfMemory
	CodeInvalidSystemOperation
	CodeInvalidProcessOperation
	CodeInvalidVSpaceOperation
	CodeNotSupported
	CodeNoExecutorForCore
)

// CodeOf flattens any kernel error into its syscall error code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOk
	case Is(err, ErrBadAddress), Is(err, vspace.ErrNotMapped), Is(err, ErrInvalidFrameID),
		Is(err, vspace.ErrBadFrame), Is(err, ErrProcessNotSet):
		return CodeBadAddress
	case Is(err, fs.ErrInvalidFileDescriptor), Is(err, fs.ErrInvalidFile):
		return CodeBadFileDescriptor
	case Is(err, fs.ErrInvalidFlags):
		return CodeBadFlags
	case Is(err, fs.ErrPermission), Is(err, fs.ErrInvalidOffset),
		Is(err, fs.ErrAlreadyPresent), Is(err, fs.ErrDirectory):
		return CodePermissionError
	case Is(err, fs.ErrOpenFileLimit), Is(err, fs.ErrOutOfMemory),
		Is(err, memory.ErrCacheExhausted), Is(err, memory.ErrCacheFull),
		Is(err, memory.ErrOutOfMemory), Is(err, memory.ErrInvalidLayout):
		return CodeOutOfMemory
	case Is(err, ErrInvalidSystemOperation):
		return CodeInvalidSystemOperation
	case Is(err, ErrInvalidProcessOperation), Is(err, ErrInvalidSyscallArgument):
		return CodeInvalidProcessOperation
	case Is(err, ErrInvalidVSpaceOperation):
		return CodeInvalidVSpaceOperation
	case Is(err, ErrNoExecutorForCore):
		return CodeNoExecutorForCore
	default:
		var conflict vspace.AlreadyMappedError
		if As(err, &conflict) {
			return CodeBadAddress
		}
		return CodeNotSupported
	}
}
