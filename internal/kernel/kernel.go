// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel wires the subsystems into a running machine: topology,
// per-node memory, the two replicated logs, per-core KCBs, the IPI
// transport and the syscall dispatcher. The whole kernel runs hosted,
// one goroutine per hardware thread, the same shape as the original's
// unix port.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/kcb"
	"github.com/antimetal/nrk/internal/node"
	"github.com/antimetal/nrk/internal/process"
	"github.com/antimetal/nrk/internal/syscall"
	"github.com/antimetal/nrk/internal/tlb"
	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/fs"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/memory/buddy"
	"github.com/antimetal/nrk/pkg/memory/tcache"
	"github.com/antimetal/nrk/pkg/nr"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// kernelTableArena is where the kernel's own page-table pages live.
const kernelTableArena = memory.PAddr(0x3f00_0000_0000)

// kernelHighMapping is a kernel-half address under PML4 entry 511; one
// page mapped there makes the shared kernel entry real.
const kernelHighMapping = memory.VAddr(0xffff_ff80_0000_0000)

// apStartupDelay is the wait between INIT-deassert and STARTUP when
// bringing up application cores.
const apStartupDelay = 10 * time.Millisecond

// FileSystemFactory builds the filesystem behind one node's file
// replica.
type FileSystemFactory func(nodeID topology.NodeID) (fs.FileSystem, error)

// Option adjusts Boot.
type Option func(*options)

type options struct {
	fsFactory FileSystemFactory
	apDelay   time.Duration
}

// WithFileSystem overrides the per-node filesystem (e.g. an rpcfs
// client).
func WithFileSystem(f FileSystemFactory) Option {
	return func(o *options) { o.fsFactory = f }
}

// WithAPStartupDelay overrides the application-core bring-up delay.
func WithAPStartupDelay(d time.Duration) Option {
	return func(o *options) { o.apDelay = d }
}

// Program is a user binary's entry function, the hosted stand-in for an
// ELF-loaded image.
type Program func(ctx *UserContext) uint64

// Kernel is the booted machine.
type Kernel struct {
	machine *topology.Machine
	args    *bootinfo.KernelArgs

	physmem *memory.PhysMem
	global  *memory.GlobalMemory

	kernelLog *nr.Log[node.Op]
	fileLog   *nr.Log[node.FsOp]

	kcbs       []*kcb.KCB
	coherence  *tlb.Coherence
	dispatcher *syscall.Dispatcher

	// ipi carries interrupt notifications to each core's IRQ handler.
	ipi     []chan struct{}
	stopIRQ chan struct{}
	irqWG   sync.WaitGroup

	programs map[memory.VAddr]Program

	exitMu     sync.Mutex
	exitReason bootinfo.ExitReason
	exitSet    bool
	stopOnce   sync.Once

	apDelay time.Duration

	logger logr.Logger
}

// Boot brings the machine up from the bootloader handoff.
func Boot(logger logr.Logger, args *bootinfo.KernelArgs, nodes, threadsPerNode int, opts ...Option) (*Kernel, error) {
	o := &options{apDelay: apStartupDelay}
	for _, opt := range opts {
		opt(o)
	}

	if err := args.Validate(); err != nil {
		return nil, err
	}
	machine, err := topology.New(nodes, threadsPerNode)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		machine:  machine,
		args:     args,
		programs: make(map[memory.VAddr]Program),
		stopIRQ:  make(chan struct{}),
		apDelay:  o.apDelay,
		logger:   logger.WithName("nrk"),
	}

	if err := k.setupMemory(); err != nil {
		return nil, err
	}

	// The kernel address space: one high mapping makes PML4 entry 511
	// real; every process aliases it.
	kas, err := vspace.New(vspace.NewArenaPager(kernelTableArena))
	if err != nil {
		return nil, err
	}
	kframe := memory.Frame{Base: k.physmem.Base(), Size: memory.BasePageSize}
	if err := kas.MapFrame(kernelHighMapping, kframe, vspace.ReadWriteKernel); err != nil {
		return nil, fmt.Errorf("establish kernel half: %w", err)
	}
	kernelEntry := kas.KernelEntry()

	k.kernelLog = nr.NewLog[node.Op](node.KernelLogID)
	k.fileLog = nr.NewLog[node.FsOp](node.FileLogID)

	if o.fsFactory == nil {
		o.fsFactory = func(topology.NodeID) (fs.FileSystem, error) {
			return fs.NewMemFS(k.logger)
		}
	}

	kernelReplicas := make([]*nr.Replica[node.Op, node.Result], nodes)
	fileReplicas := make([]*nr.Replica[node.FsOp, node.FsResult], nodes)
	for n := 0; n < nodes; n++ {
		kernelReplicas[n] = nr.NewReplica[node.Op, node.Result](
			k.kernelLog, node.NewKernelNode(k.logger, kernelEntry))
		filesystem, err := o.fsFactory(topology.NodeID(n))
		if err != nil {
			return nil, fmt.Errorf("filesystem for node %d: %w", n, err)
		}
		fileReplicas[n] = nr.NewReplica[node.FsOp, node.FsResult](
			k.fileLog, node.NewFsNode(k.logger, filesystem))
	}

	k.coherence = tlb.New(k.logger, machine)
	k.coherence.SetDriver(&apicDriver{k: k})
	k.coherence.SetAdvancer(&replicaAdvancer{})

	k.kcbs = make([]*kcb.KCB, machine.NumThreads())
	k.ipi = make([]chan struct{}, machine.NumThreads())
	for _, t := range machine.Threads() {
		block := kcb.New(k.logger, t.ID, t.NodeID)
		if t.ID == 0 {
			block.MemManager = tcache.NewBootstrap(k.logger, t.NodeID)
		} else {
			block.MemManager = tcache.New(k.logger, t.ID, t.NodeID)
		}
		block.GlobalMemory = k.global
		block.PhysMem = k.physmem
		block.Coherence = k.coherence
		if block.Kernel, err = node.NewHandle(kernelReplicas[t.NodeID]); err != nil {
			return nil, err
		}
		if block.Fs, err = node.NewFsHandle(fileReplicas[t.NodeID]); err != nil {
			return nil, err
		}
		k.kcbs[t.ID] = block
		k.ipi[t.ID] = make(chan struct{}, 8)
	}
	kcb.InstallRegistry(k.kcbs)

	k.dispatcher = syscall.New(k.logger, machine, k.Shutdown)

	k.startIRQHandlers()
	k.logger.Info("kernel booted",
		"nodes", nodes, "threads", machine.NumThreads(),
		"memory", memory.FmtSize(k.physmem.Size()), "cmdline", args.CommandLine)
	return k, nil
}

// setupMemory carves the conventional regions into one slab and one
// buddy per NUMA node. Each buddy manages the largest power-of-two part
// of its node's share; the remainder that buddy.New returns is not used.
func (k *Kernel) setupMemory() error {
	regions := k.args.ConventionalRegions()
	if len(regions) == 0 {
		return fmt.Errorf("no conventional memory in the bootloader map")
	}
	base := regions[0].PhysicalStart
	end := base
	for _, r := range regions {
		if r.PhysicalStart < base {
			base = r.PhysicalStart
		}
		if rEnd := r.PhysicalStart + memory.PAddr(r.NumberOfPages*memory.BasePageSize); rEnd > end {
			end = rEnd
		}
	}

	size := uint64(end - base)
	pm, err := memory.NewPhysMem(base, size)
	if err != nil {
		return err
	}
	k.physmem = pm

	nodes := k.machine.NumNodes()
	perNode := (size / uint64(nodes)) &^ (memory.LargePageSize - 1)
	if perNode == 0 {
		return fmt.Errorf("%s is not enough memory for %d nodes", memory.FmtSize(size), nodes)
	}
	allocators := make([]memory.PhysicalAllocator, nodes)
	for n := 0; n < nodes; n++ {
		region := memory.Frame{
			Base:     base + memory.PAddr(uint64(n)*perNode),
			Size:     perNode,
			Affinity: topology.NodeID(n),
		}
		heap, _ := buddy.New(k.logger, region)
		allocators[n] = heap
	}
	k.global, err = memory.NewGlobalMemory(pm, allocators)
	return err
}

// startIRQHandlers runs one interrupt-service goroutine per core,
// draining the core's work queue on every IPI.
func (k *Kernel) startIRQHandlers() {
	for _, t := range k.machine.Threads() {
		gtid := t.ID
		k.irqWG.Add(1)
		go func() {
			defer k.irqWG.Done()
			for {
				select {
				case <-k.ipi[gtid]:
					k.coherence.HandleIPI(gtid)
				case <-k.stopIRQ:
					return
				}
			}
		}()
	}
}

// apicDriver is the simulated APIC: a multicast IPI resolves the LDR to
// member cores and pokes each core's IRQ goroutine.
type apicDriver struct {
	k *Kernel
}

func (d *apicDriver) SendIPI(ldr uint32) {
	for _, gtid := range d.k.coherence.ClusterMembers(ldr) {
		select {
		case d.k.ipi[gtid] <- struct{}{}:
		default:
			// An IPI is already pending; the handler drains the queue.
		}
	}
}

// replicaAdvancer synchronizes a core's replicas through its KCB.
type replicaAdvancer struct{}

func (replicaAdvancer) Advance(gtid topology.GlobalThreadID, logID int) error {
	block := kcb.Get(gtid)
	if logID == node.KernelLogID {
		return block.Kernel.Synchronize()
	}
	return block.Fs.Synchronize()
}

// Machine returns the hardware topology.
func (k *Kernel) Machine() *topology.Machine { return k.machine }

// KCB returns the control block of gtid.
func (k *Kernel) KCB(gtid topology.GlobalThreadID) *kcb.KCB { return k.kcbs[gtid] }

// Coherence returns the TLB coherence state.
func (k *Kernel) Coherence() *tlb.Coherence { return k.coherence }

// RegisterProgram associates a user entry point with a program.
func (k *Kernel) RegisterProgram(entry memory.VAddr, prog Program) {
	k.programs[entry] = prog
}

// CreateProcess allocates a process with one executor on gtid.
func (k *Kernel) CreateProcess(cmdline string, entry memory.VAddr, gtid topology.GlobalThreadID) (process.Pid, error) {
	block := k.kcbs[gtid]
	pid, err := block.Kernel.AllocatePid(cmdline)
	if err != nil {
		return 0, err
	}
	if _, _, err := block.Kernel.AllocateExecutor(pid, entry, gtid); err != nil {
		return 0, err
	}
	return pid, nil
}

// Shutdown records the exit reason; the first caller wins.
func (k *Kernel) Shutdown(gtid topology.GlobalThreadID, reason bootinfo.ExitReason) {
	k.exitMu.Lock()
	if !k.exitSet {
		k.exitReason = reason
		k.exitSet = true
	}
	k.exitMu.Unlock()
	k.logger.Info("shutdown requested", "core", gtid, "reason", reason.String())
}

// ExitReason returns the recorded exit reason.
func (k *Kernel) ExitReason() bootinfo.ExitReason {
	k.exitMu.Lock()
	defer k.exitMu.Unlock()
	if !k.exitSet {
		return bootinfo.ExitReturnFromMain
	}
	return k.exitReason
}

// Stop tears down the IRQ handlers.
func (k *Kernel) Stop() {
	k.stopOnce.Do(func() { close(k.stopIRQ) })
	k.irqWG.Wait()
}
