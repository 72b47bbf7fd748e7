// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpcfs

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antimetal/nrk/pkg/fs"
)

// Client is the FileSystem implementation backed by a remote server.
// Transient transport failures are retried with exponential backoff;
// filesystem errors come back as the usual sentinel set.
type Client struct {
	conn   *grpc.ClientConn
	logger logr.Logger
	ctx    context.Context
}

var _ fs.FileSystem = (*Client)(nil)

// NewClient connects to target (any gRPC address scheme) using the given
// dial options plus the CBOR codec.
func NewClient(ctx context.Context, logger logr.Logger, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to filesystem at %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger.WithName("rpcfs-client"), ctx: ctx}, nil
}

// Close tears the connection down.
func (c *Client) Close() error { return c.conn.Close() }

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (c *Client) invoke(req *Request) (*Reply, error) {
	reply, err := backoff.Retry(c.ctx, func() (*Reply, error) {
		out := new(Reply)
		if err := c.conn.Invoke(c.ctx, fullMethod, req, out); err != nil {
			if retryable(err) {
				c.logger.V(1).Info("filesystem call failed, retrying", "op", req.Op, "err", err.Error())
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return out, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	if err != nil {
		return nil, fmt.Errorf("filesystem %s: %w", req.Op, err)
	}
	if reply.Err != "" {
		return nil, wireToErr(reply.Err)
	}
	return reply, nil
}

func (c *Client) Create(pathname string, modes fs.Modes) (fs.Mnode, error) {
	reply, err := c.invoke(&Request{Op: opCreate, Pathname: pathname, Modes: modes})
	if err != nil {
		return 0, err
	}
	return reply.Mnode, nil
}

func (c *Client) Write(mnode fs.Mnode, buf []byte, offset uint64) (int, error) {
	reply, err := c.invoke(&Request{Op: opWrite, Mnode: mnode, Buf: buf, Offset: offset})
	if err != nil {
		return 0, err
	}
	return int(reply.N), nil
}

func (c *Client) Read(mnode fs.Mnode, buf []byte, offset uint64) (int, error) {
	reply, err := c.invoke(&Request{Op: opRead, Mnode: mnode, Len: uint64(len(buf)), Offset: offset})
	if err != nil {
		return 0, err
	}
	return copy(buf, reply.Buf), nil
}

func (c *Client) Lookup(pathname string) (fs.Mnode, bool) {
	reply, err := c.invoke(&Request{Op: opLookup, Pathname: pathname})
	if err != nil {
		return 0, false
	}
	return reply.Mnode, reply.Found
}

func (c *Client) FileInfo(mnode fs.Mnode) (fs.FileInfo, error) {
	reply, err := c.invoke(&Request{Op: opFileInfo, Mnode: mnode})
	if err != nil {
		return fs.FileInfo{}, err
	}
	return reply.Info, nil
}

func (c *Client) Delete(pathname string) (bool, error) {
	reply, err := c.invoke(&Request{Op: opDelete, Pathname: pathname})
	if err != nil {
		return false, err
	}
	return reply.Ok, nil
}

func (c *Client) Truncate(pathname string) (bool, error) {
	reply, err := c.invoke(&Request{Op: opTruncate, Pathname: pathname})
	if err != nil {
		return false, err
	}
	return reply.Ok, nil
}

func (c *Client) Rename(oldname, newname string) (bool, error) {
	reply, err := c.invoke(&Request{Op: opRename, Pathname: oldname, Newname: newname})
	if err != nil {
		return false, err
	}
	return reply.Ok, nil
}

func (c *Client) MkDir(pathname string, modes fs.Modes) (bool, error) {
	reply, err := c.invoke(&Request{Op: opMkDir, Pathname: pathname, Modes: modes})
	if err != nil {
		return false, err
	}
	return reply.Ok, nil
}
