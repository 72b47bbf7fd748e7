// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kcb holds the per-core Kernel Control Block: the kernel-private
// record every hardware thread reaches through a CPU-local register
// (GS_BASE on hardware; a per-gtid registry here). The KCB owns the
// thread's frame cache, replica handles, print buffer and current
// executor; there is no other ambient kernel state.
package kcb

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/node"
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/internal/tlb"
	"github.com/antimetal/nrk/pkg/errors"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/memory/tcache"
	"github.com/antimetal/nrk/pkg/topology"
)

// KCB is one hardware thread's control block.
type KCB struct {
	// Gtid of the hardware thread this block belongs to.
	Gtid topology.GlobalThreadID
	// Node is the NUMA node of the thread.
	Node topology.NodeID

	// MemManager is the thread's frame cache.
	MemManager *tcache.TCache
	// GlobalMemory is the NUMA-global pool behind the cache.
	GlobalMemory *memory.GlobalMemory
	// PhysMem is the machine's physical memory slab.
	PhysMem *memory.PhysMem

	// Kernel is the handle to the node's kernel replica (log 1).
	Kernel *node.Handle
	// Fs is the handle to the node's file replica (log 2).
	Fs *node.FsHandle

	// Coherence is the TLB/replica coherence state.
	Coherence *tlb.Coherence

	// PrintBuffer collects user Log output until a newline.
	PrintBuffer *PrintBuffer

	// currentPid and currentExecutor are set while the thread runs a
	// process.
	currentPid      process.Pid
	hasProcess      bool
	currentExecutor *process.Executor

	Logger logr.Logger
}

// New builds a KCB for gtid.
func New(logger logr.Logger, gtid topology.GlobalThreadID, nodeID topology.NodeID) *KCB {
	l := logger.WithName(fmt.Sprintf("core%d", gtid))
	return &KCB{
		Gtid:        gtid,
		Node:        nodeID,
		PrintBuffer: NewPrintBuffer(l),
		Logger:      l,
	}
}

// SetCurrentProcess binds the thread to a process and its executor.
func (k *KCB) SetCurrentProcess(pid process.Pid, e *process.Executor) {
	k.currentPid = pid
	k.hasProcess = true
	k.currentExecutor = e
}

// ClearCurrentProcess unbinds the thread.
func (k *KCB) ClearCurrentProcess() {
	k.hasProcess = false
	k.currentExecutor = nil
}

// CurrentPid returns the pid the thread is running.
func (k *KCB) CurrentPid() (process.Pid, error) {
	if !k.hasProcess {
		return 0, errors.ErrProcessNotSet
	}
	return k.currentPid, nil
}

// CurrentExecutor returns the executor the thread is running.
func (k *KCB) CurrentExecutor() (*process.Executor, error) {
	if !k.hasProcess || k.currentExecutor == nil {
		return nil, errors.ErrNoExecutorForCore
	}
	return k.currentExecutor, nil
}

// TryRefillTCache pulls frames from the node buddy into this thread's
// cache; the single contended path of the allocator hierarchy.
func (k *KCB) TryRefillTCache(basePages, largePages int) error {
	return k.GlobalMemory.TryRefillTCache(k.Node, k.MemManager, basePages, largePages)
}

// registry is the GS_BASE stand-in: one KCB per hardware thread,
// installed at boot and read-only afterwards.
var registry []*KCB

// InstallRegistry publishes the boot-time KCBs.
func InstallRegistry(kcbs []*KCB) {
	registry = kcbs
}

// Get returns the KCB of gtid.
func Get(gtid topology.GlobalThreadID) *KCB {
	if int(gtid) >= len(registry) || registry[gtid] == nil {
		panic(fmt.Sprintf("no KCB installed for core %d", gtid))
	}
	return registry[gtid]
}
