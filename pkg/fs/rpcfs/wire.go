// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpcfs

import (
	"errors"

	"github.com/antimetal/nrk/pkg/fs"
)

// Operation names carried in Request.Op.
const (
	opCreate   = "create"
	opWrite    = "write"
	opRead     = "read"
	opLookup   = "lookup"
	opFileInfo = "fileinfo"
	opDelete   = "delete"
	opTruncate = "truncate"
	opRename   = "rename"
	opMkDir    = "mkdir"
)

// Request is the single unary message of the FileSystem service.
type Request struct {
	Op       string   `cbor:"op"`
	Pathname string   `cbor:"pathname,omitempty"`
	Newname  string   `cbor:"newname,omitempty"`
	Mnode    fs.Mnode `cbor:"mnode,omitempty"`
	Buf      []byte   `cbor:"buf,omitempty"`
	Offset   uint64   `cbor:"offset,omitempty"`
	Len      uint64   `cbor:"len,omitempty"`
	Modes    fs.Modes `cbor:"modes,omitempty"`
}

// Reply carries whichever results the operation produces plus a portable
// error code.
type Reply struct {
	Mnode fs.Mnode    `cbor:"mnode,omitempty"`
	N     uint64      `cbor:"n,omitempty"`
	Ok    bool        `cbor:"ok,omitempty"`
	Found bool        `cbor:"found,omitempty"`
	Info  fs.FileInfo `cbor:"info,omitempty"`
	Buf   []byte      `cbor:"buf,omitempty"`
	Err   string      `cbor:"err,omitempty"`
}

// wireErrors maps the filesystem error set to stable wire names.
var wireErrors = map[string]error{
	"invalid_fd":      fs.ErrInvalidFileDescriptor,
	"invalid_file":    fs.ErrInvalidFile,
	"invalid_flags":   fs.ErrInvalidFlags,
	"invalid_offset":  fs.ErrInvalidOffset,
	"permission":      fs.ErrPermission,
	"already_present": fs.ErrAlreadyPresent,
	"directory":       fs.ErrDirectory,
	"open_file_limit": fs.ErrOpenFileLimit,
	"out_of_memory":   fs.ErrOutOfMemory,
}

func errToWire(err error) string {
	if err == nil {
		return ""
	}
	for name, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "permission"
}

func wireToErr(name string) error {
	if name == "" {
		return nil
	}
	if sentinel, ok := wireErrors[name]; ok {
		return sentinel
	}
	return fs.ErrPermission
}
