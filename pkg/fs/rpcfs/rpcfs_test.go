// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpcfs_test

import (
	"context"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/fs/rpcfs"
)

func newPair(t *testing.T) fs.FileSystem {
	t.Helper()

	backend, err := fs.NewMemFS(logr.Discard())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	server := rpcfs.NewServer(logr.Discard(), backend)
	go func() { _ = server.Serve(lis) }()

	client, err := rpcfs.NewClient(context.Background(), logr.Discard(), "passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
		_ = backend.Close()
	})
	return client
}

func TestRoundTrip(t *testing.T) {
	client := newPair(t)

	mnode, err := client.Create("/tmp/x", 0o644)
	require.NoError(t, err)

	n, err := client.Write(mnode, []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = client.Read(mnode, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	found, ok := client.Lookup("/tmp/x")
	require.True(t, ok)
	assert.Equal(t, mnode, found)

	info, err := client.FileInfo(mnode)
	require.NoError(t, err)
	assert.Equal(t, fs.TypeFile, info.FType)
	assert.Equal(t, uint64(5), info.FSize)

	ok, err = client.Delete("/tmp/x")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found2 := client.Lookup("/tmp/x")
	assert.False(t, found2)
}

func TestErrorsCrossTheWire(t *testing.T) {
	client := newPair(t)

	_, err := client.Create("/x", 0o644)
	require.NoError(t, err)
	_, err = client.Create("/x", 0o644)
	assert.ErrorIs(t, err, fs.ErrAlreadyPresent)

	_, err = client.Delete("/missing")
	assert.ErrorIs(t, err, fs.ErrInvalidFile)

	ok, err := client.MkDir("/dir", 0o755)
	require.NoError(t, err)
	assert.True(t, ok)
	mnode, found := client.Lookup("/dir")
	require.True(t, found)
	_, err = client.Write(mnode, []byte("no"), 0)
	assert.ErrorIs(t, err, fs.ErrDirectory)
}

func TestRenameOverRPC(t *testing.T) {
	client := newPair(t)

	mnode, err := client.Create("/a", 0o644)
	require.NoError(t, err)
	ok, err := client.Rename("/a", "/b")
	require.NoError(t, err)
	assert.True(t, ok)

	moved, found := client.Lookup("/b")
	require.True(t, found)
	assert.Equal(t, mnode, moved)
}
