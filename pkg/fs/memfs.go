// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package fs

import (
	"encoding/binary"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-logr/logr"
)

var (
	fileKeyPrefix  = []byte("file/")
	mnodeKeyPrefix = []byte("mnode/")
	dataKeyPrefix  = []byte("data/")
)

func fileKey(pathname string) []byte {
	return append(append([]byte{}, fileKeyPrefix...), pathname...)
}

func mnodeKey(mnode Mnode) []byte {
	key := append([]byte{}, mnodeKeyPrefix...)
	return binary.BigEndian.AppendUint64(key, mnode)
}

func dataKey(mnode Mnode) []byte {
	key := append([]byte{}, dataKeyPrefix...)
	return binary.BigEndian.AppendUint64(key, mnode)
}

// mnodeMeta is the stored per-inode metadata.
type mnodeMeta struct {
	Type  uint64 `cbor:"type"`
	Size  uint64 `cbor:"size"`
	Modes Modes  `cbor:"modes"`
}

// MemFS is the in-memory filesystem: mnode metadata and file data live in
// an in-memory badger instance. Mnode numbers are handed out
// sequentially, so two MemFS instances driven with the same operation
// sequence converge (the file replicas depend on this).
type MemFS struct {
	db        *badger.DB
	nextMnode uint64
	logger    logr.Logger
}

var _ FileSystem = (*MemFS)(nil)

// NewMemFS creates an empty filesystem with a root directory at "/".
func NewMemFS(logger logr.Logger) (*MemFS, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open filesystem store: %w", err)
	}
	memfs := &MemFS{db: db, nextMnode: 1, logger: logger.WithName("memfs")}
	if _, err := memfs.mkNode("/", TypeDirectory, 0o777); err != nil {
		_ = db.Close()
		return nil, err
	}
	return memfs, nil
}

// Close releases the badger instance.
func (m *MemFS) Close() error { return m.db.Close() }

func (m *MemFS) getMeta(txn *badger.Txn, mnode Mnode) (mnodeMeta, error) {
	item, err := txn.Get(mnodeKey(mnode))
	if err != nil {
		return mnodeMeta{}, ErrInvalidFile
	}
	var meta mnodeMeta
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &meta)
	})
	if err != nil {
		return mnodeMeta{}, fmt.Errorf("decode mnode %d: %w", mnode, err)
	}
	return meta, nil
}

func (m *MemFS) putMeta(txn *badger.Txn, mnode Mnode, meta mnodeMeta) error {
	raw, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(mnodeKey(mnode), raw)
}

func (m *MemFS) mkNode(pathname string, ftype uint64, modes Modes) (Mnode, error) {
	mnode := m.nextMnode
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(pathname)); err == nil {
			return ErrAlreadyPresent
		}
		if err := m.putMeta(txn, mnode, mnodeMeta{Type: ftype, Modes: modes}); err != nil {
			return err
		}
		return txn.Set(fileKey(pathname), binary.BigEndian.AppendUint64(nil, mnode))
	})
	if err != nil {
		return 0, err
	}
	m.nextMnode++
	return mnode, nil
}

// Create makes a new empty file.
func (m *MemFS) Create(pathname string, modes Modes) (Mnode, error) {
	return m.mkNode(pathname, TypeFile, modes)
}

// MkDir creates a directory.
func (m *MemFS) MkDir(pathname string, modes Modes) (bool, error) {
	if _, err := m.mkNode(pathname, TypeDirectory, modes); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup resolves a path.
func (m *MemFS) Lookup(pathname string) (Mnode, bool) {
	var mnode Mnode
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(pathname))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			mnode = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return mnode, err == nil
}

// FileInfo returns type and size.
func (m *MemFS) FileInfo(mnode Mnode) (FileInfo, error) {
	var info FileInfo
	err := m.db.View(func(txn *badger.Txn) error {
		meta, err := m.getMeta(txn, mnode)
		if err != nil {
			return err
		}
		info = FileInfo{FType: meta.Type, FSize: meta.Size}
		return nil
	})
	return info, err
}

// Write stores buf at offset, zero-filling any gap past the current end.
func (m *MemFS) Write(mnode Mnode, buf []byte, offset uint64) (int, error) {
	err := m.db.Update(func(txn *badger.Txn) error {
		meta, err := m.getMeta(txn, mnode)
		if err != nil {
			return err
		}
		if meta.Type == TypeDirectory {
			return ErrDirectory
		}

		var data []byte
		if item, err := txn.Get(dataKey(mnode)); err == nil {
			if err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		end := offset + uint64(len(buf))
		if end > uint64(len(data)) {
			grown := make([]byte, end)
			copy(grown, data)
			data = grown
		}
		copy(data[offset:end], buf)

		meta.Size = uint64(len(data))
		if err := m.putMeta(txn, mnode, meta); err != nil {
			return err
		}
		return txn.Set(dataKey(mnode), data)
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Read fills buf from offset.
func (m *MemFS) Read(mnode Mnode, buf []byte, offset uint64) (int, error) {
	n := 0
	err := m.db.View(func(txn *badger.Txn) error {
		meta, err := m.getMeta(txn, mnode)
		if err != nil {
			return err
		}
		if meta.Type == TypeDirectory {
			return ErrDirectory
		}
		item, err := txn.Get(dataKey(mnode))
		if err != nil {
			return nil // empty file
		}
		return item.Value(func(val []byte) error {
			if offset >= uint64(len(val)) {
				return nil
			}
			n = copy(buf, val[offset:])
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes a file, or a directory with no entries under it.
func (m *MemFS) Delete(pathname string) (bool, error) {
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(pathname))
		if err != nil {
			return ErrInvalidFile
		}
		var mnode Mnode
		if err := item.Value(func(val []byte) error {
			mnode = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		meta, err := m.getMeta(txn, mnode)
		if err != nil {
			return err
		}
		if meta.Type == TypeDirectory && m.hasChildren(txn, pathname) {
			return ErrDirectory
		}
		if err := txn.Delete(dataKey(mnode)); err != nil {
			return err
		}
		if err := txn.Delete(mnodeKey(mnode)); err != nil {
			return err
		}
		return txn.Delete(fileKey(pathname))
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemFS) hasChildren(txn *badger.Txn, pathname string) bool {
	prefix := fileKey(strings.TrimSuffix(pathname, "/") + "/")
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	it.Rewind()
	return it.Valid()
}

// Truncate empties a file.
func (m *MemFS) Truncate(pathname string) (bool, error) {
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(pathname))
		if err != nil {
			return ErrInvalidFile
		}
		var mnode Mnode
		if err := item.Value(func(val []byte) error {
			mnode = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		meta, err := m.getMeta(txn, mnode)
		if err != nil {
			return err
		}
		if meta.Type == TypeDirectory {
			return ErrDirectory
		}
		meta.Size = 0
		if err := m.putMeta(txn, mnode, meta); err != nil {
			return err
		}
		return txn.Delete(dataKey(mnode))
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rename moves oldname to newname, replacing any existing file there.
func (m *MemFS) Rename(oldname, newname string) (bool, error) {
	err := m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(oldname))
		if err != nil {
			return ErrInvalidFile
		}
		var raw []byte
		if err := item.Value(func(val []byte) error {
			raw = append([]byte{}, val...)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(fileKey(oldname)); err != nil {
			return err
		}
		return txn.Set(fileKey(newname), raw)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
