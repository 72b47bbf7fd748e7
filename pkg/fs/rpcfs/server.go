// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpcfs

import (
	"context"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"

	"github.com/antimetal/nrk/pkg/fs"
)

const fullMethod = "/nrk.fs.FileSystem/Call"

// Server exposes a FileSystem over gRPC.
type Server struct {
	backend fs.FileSystem
	logger  logr.Logger
	grpc    *grpc.Server
}

// NewServer wraps backend. Call Serve to start handling connections.
func NewServer(logger logr.Logger, backend fs.FileSystem) *Server {
	s := &Server{
		backend: backend,
		logger:  logger.WithName("rpcfs-server"),
	}
	s.grpc = grpc.NewServer(grpc.ForceServerCodec(cborCodec{}))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks handling connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving filesystem", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop shuts the server down.
func (s *Server) Stop() { s.grpc.GracefulStop() }

func (s *Server) call(_ context.Context, req *Request) (*Reply, error) {
	reply := &Reply{}
	var err error
	switch req.Op {
	case opCreate:
		reply.Mnode, err = s.backend.Create(req.Pathname, req.Modes)
	case opWrite:
		var n int
		n, err = s.backend.Write(req.Mnode, req.Buf, req.Offset)
		reply.N = uint64(n)
	case opRead:
		buf := make([]byte, req.Len)
		var n int
		n, err = s.backend.Read(req.Mnode, buf, req.Offset)
		reply.N = uint64(n)
		reply.Buf = buf[:n]
	case opLookup:
		reply.Mnode, reply.Found = s.backend.Lookup(req.Pathname)
	case opFileInfo:
		reply.Info, err = s.backend.FileInfo(req.Mnode)
	case opDelete:
		reply.Ok, err = s.backend.Delete(req.Pathname)
	case opTruncate:
		reply.Ok, err = s.backend.Truncate(req.Pathname)
	case opRename:
		reply.Ok, err = s.backend.Rename(req.Pathname, req.Newname)
	case opMkDir:
		reply.Ok, err = s.backend.MkDir(req.Pathname, req.Modes)
	default:
		return nil, fmt.Errorf("unknown filesystem operation %q", req.Op)
	}
	reply.Err = errToWire(err)
	return reply, nil
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).call(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "nrk.fs.FileSystem",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{},
}
