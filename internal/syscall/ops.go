// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

// SystemCall is the top-level call category in arg0.
type SystemCall uint64

const (
	CallSystem  SystemCall = 0
	CallProcess SystemCall = 1
	CallVSpace  SystemCall = 2
	CallFileIO  SystemCall = 3
)

// SystemOp is the System subcommand in arg1.
type SystemOp uint64

const (
	SystemOpUnknown SystemOp = iota
	SystemGetHardwareThreads
	SystemGetCoreID
)

// ProcessOp is the Process subcommand in arg1.
type ProcessOp uint64

const (
	ProcessOpUnknown ProcessOp = iota
	ProcessLog
	ProcessGetVCpuArea
	ProcessExit
	ProcessGetProcessInfo
	ProcessRequestCore
	ProcessAllocatePhysical
)

// VSpaceOp is the VSpace subcommand in arg1.
type VSpaceOp uint64

const (
	VSpaceOpUnknown VSpaceOp = iota
	VSpaceMap
	VSpaceMapDevice
	VSpaceMapFrame
	VSpaceUnmap
	VSpaceIdentify
)

// FileOp is the FileIO subcommand in arg1.
type FileOp uint64

const (
	FileOpUnknown FileOp = iota
	FileOpen
	FileClose
	FileRead
	FileWrite
	FileReadAt
	FileWriteAt
	FileGetInfo
	FileDelete
	FileMkDir
	FileRename
)

// CpuThread is the topology record serialized for GetHardwareThreads.
type CpuThread struct {
	ID        uint64 `cbor:"id"`
	NodeID    uint64 `cbor:"node_id"`
	PackageID uint64 `cbor:"package_id"`
	CoreID    uint64 `cbor:"core_id"`
	ThreadID  uint64 `cbor:"thread_id"`
}
