// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vspace

// MapAction is the rights requested for a mapping: the cross-product of
// read/write/execute with user/kernel visibility.
type MapAction uint8

const (
	// ReadUser is a user-readable mapping.
	ReadUser MapAction = iota
	// ReadKernel is a kernel-readable mapping.
	ReadKernel
	// ReadWriteUser is a user-read/writable mapping.
	ReadWriteUser
	// ReadWriteKernel is a kernel-read/writable mapping.
	ReadWriteKernel
	// ReadExecuteUser is a user-read/executable mapping.
	ReadExecuteUser
	// ReadExecuteKernel is a kernel-read/executable mapping.
	ReadExecuteKernel
	// ReadWriteExecuteUser is a user-RWX mapping.
	ReadWriteExecuteUser
	// ReadWriteExecuteKernel is a kernel-RWX mapping.
	ReadWriteExecuteKernel
)

func (a MapAction) String() string {
	switch a {
	case ReadUser:
		return "r--/u"
	case ReadKernel:
		return "r--/k"
	case ReadWriteUser:
		return "rw-/u"
	case ReadWriteKernel:
		return "rw-/k"
	case ReadExecuteUser:
		return "r-x/u"
	case ReadExecuteKernel:
		return "r-x/k"
	case ReadWriteExecuteUser:
		return "rwx/u"
	case ReadWriteExecuteKernel:
		return "rwx/k"
	}
	return "invalid"
}

// user reports whether the mapping is visible to ring 3.
func (a MapAction) user() bool {
	switch a {
	case ReadUser, ReadWriteUser, ReadExecuteUser, ReadWriteExecuteUser:
		return true
	}
	return false
}

func (a MapAction) writable() bool {
	switch a {
	case ReadWriteUser, ReadWriteKernel, ReadWriteExecuteUser, ReadWriteExecuteKernel:
		return true
	}
	return false
}

func (a MapAction) executable() bool {
	switch a {
	case ReadExecuteUser, ReadExecuteKernel, ReadWriteExecuteUser, ReadWriteExecuteKernel:
		return true
	}
	return false
}

// leafFlags encodes the rights into page-table entry bits. User mappings
// set US; kernel mappings set the global bit instead. Anything not
// executable carries NX.
func (a MapAction) leafFlags() Entry {
	flags := Entry(entryPresent)
	if a.user() {
		flags |= entryUserSupervisor
	} else {
		flags |= entryGlobal
	}
	if a.writable() {
		flags |= entryReadWrite
	}
	if !a.executable() {
		flags |= entryNoExecute
	}
	return flags
}

// actionOfEntry recovers the rights from a leaf entry.
func actionOfEntry(e Entry) MapAction {
	user := e&entryUserSupervisor != 0
	write := e&entryReadWrite != 0
	exec := e&entryNoExecute == 0
	switch {
	case write && exec && user:
		return ReadWriteExecuteUser
	case write && exec:
		return ReadWriteExecuteKernel
	case write && user:
		return ReadWriteUser
	case write:
		return ReadWriteKernel
	case exec && user:
		return ReadExecuteUser
	case exec:
		return ReadExecuteKernel
	case user:
		return ReadUser
	default:
		return ReadKernel
	}
}
