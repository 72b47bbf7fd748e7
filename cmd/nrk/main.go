// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// nrk boots the hosted kernel on a simulated machine and runs the init
// program on it, the same entry shape as the original's unix port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/antimetal/nrk/internal/kernel"
	"github.com/antimetal/nrk/internal/syscall"
	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/fs/rpcfs"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
)

var (
	setupLog logr.Logger

	// CLI Options
	numaNodes      int
	threadsPerNode int
	memPerNode     uint64
	cmdline        string
	fsBackend      string
	fsAddress      string
	devMode        bool
)

func init() {
	flag.IntVar(&numaNodes, "numa-nodes", 2,
		"Number of NUMA nodes of the simulated machine")
	flag.IntVar(&threadsPerNode, "threads-per-node", 2,
		"Hardware threads per NUMA node")
	flag.Uint64Var(&memPerNode, "memory-per-node", 64*1024*1024,
		"Bytes of physical memory per NUMA node")
	flag.StringVar(&cmdline, "cmdline", "init=init.bin",
		"Kernel command line passed to the init process")
	flag.StringVar(&fsBackend, "fs-backend", "mem",
		"Filesystem backend: 'mem' for the in-memory store, 'rpc' for a remote server")
	flag.StringVar(&fsAddress, "fs-address", "127.0.0.1:6970",
		"Address of the remote filesystem service (fs-backend=rpc)")
	flag.BoolVar(&devMode, "dev", false,
		"Enable development logging (human-readable, debug level)")
}

func main() {
	flag.Parse()

	var zapLog *zap.Logger
	var err error
	if devMode {
		zapLog, err = zap.NewDevelopment()
	} else {
		zapLog, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zapLog)
	setupLog = logger.WithName("setup")

	args := &bootinfo.KernelArgs{
		CommandLine: cmdline,
		MMBase:      0x0400_0000,
		MMSize:      memPerNode * uint64(numaNodes),
		MMIter: []bootinfo.MemoryDescriptor{
			{
				Type:          bootinfo.MemoryConventional,
				PhysicalStart: 0x0400_0000,
				NumberOfPages: memPerNode * uint64(numaNodes) / memory.BasePageSize,
			},
		},
		Modules: []bootinfo.Module{
			bootinfo.NewModule("nrk.elf", 0, 0, 0),
			bootinfo.NewModule("init.bin", 0, 0, 0),
		},
	}

	var opts []kernel.Option
	if fsBackend == "rpc" {
		opts = append(opts, kernel.WithFileSystem(func(topology.NodeID) (fs.FileSystem, error) {
			return rpcfs.NewClient(context.Background(), logger, fsAddress,
				grpc.WithTransportCredentials(insecure.NewCredentials()))
		}))
	}

	k, err := kernel.Boot(logger, args, numaNodes, threadsPerNode, opts...)
	if err != nil {
		setupLog.Error(err, "unable to boot")
		os.Exit(int(bootinfo.ExitExceptionDuringInitialization))
	}
	defer k.Stop()

	const initEntry = memory.VAddr(0x20_0000)
	k.RegisterProgram(initEntry, initProgram)

	pid, err := k.CreateProcess(cmdline, initEntry, 0)
	if err != nil {
		setupLog.Error(err, "unable to create the init process")
		os.Exit(int(bootinfo.ExitExceptionDuringInitialization))
	}

	reason := k.Run(pid)
	setupLog.Info("machine halted", "reason", reason.String())
	os.Exit(int(reason))
}

// initProgram is the built-in init: it exercises the syscall surface the
// way usr/init does, then exits.
func initProgram(ctx *kernel.UserContext) uint64 {
	const base = uint64(0x4000_0000)
	code, paddr, size := ctx.Syscall(uint64(syscall.CallVSpace), uint64(syscall.VSpaceMap), base, 2*memory.BasePageSize, 0, 0)
	if code != errors.CodeOk {
		return 1
	}
	setupLog.V(1).Info("init mapped scratch region", "paddr", paddr, "size", size)

	msg := "nrk init running\n"
	if err := ctx.WriteUser(memory.VAddr(base), []byte(msg)); err != nil {
		return 2
	}
	if code, _, _ := ctx.Syscall(uint64(syscall.CallProcess), uint64(syscall.ProcessLog), base, uint64(len(msg)), 0, 0); code != errors.CodeOk {
		return 3
	}

	pathAddr := base + 0x100
	if err := ctx.WriteUser(memory.VAddr(pathAddr), append([]byte("/bootlog"), 0)); err != nil {
		return 4
	}
	flags := fs.FlagReadWrite | fs.FlagCreate
	code, fd, _ := ctx.Syscall(uint64(syscall.CallFileIO), uint64(syscall.FileOpen), pathAddr, flags, 0o644, 0)
	if code != errors.CodeOk {
		return 5
	}
	if code, _, _ := ctx.Syscall(uint64(syscall.CallFileIO), uint64(syscall.FileWriteAt), fd, base, uint64(len(msg)), 0); code != errors.CodeOk {
		return 6
	}
	if code, _, _ := ctx.Syscall(uint64(syscall.CallFileIO), uint64(syscall.FileClose), fd, 0, 0, 0); code != errors.CodeOk {
		return 7
	}

	ctx.Syscall(uint64(syscall.CallProcess), uint64(syscall.ProcessExit), 0, 0, 0, 0)
	return 0
}
