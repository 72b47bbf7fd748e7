// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tlb implements cross-core TLB coherence and replica
// synchronization: per-core work queues drained in IPI handlers, the
// multicast shootdown protocol with per-receiver acknowledgements, and
// asynchronous advance-replica messages.
package tlb

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/internal/node"
	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/topology"
	"github.com/antimetal/nrk/pkg/vspace"
)

// workQueueCapacity bounds each per-core queue.
const workQueueCapacity = 4

// flushAllThreshold is the page count above which a range flush becomes
// a full TLB flush.
const flushAllThreshold = 20

// WorkItem is a unit of work delivered to a core's queue.
type WorkItem interface {
	workItem()
}

// Shootdown asks a core to invalidate its cached translations for a
// virtual range. The receiver sets ack before flushing, so the initiator
// only waits until every receiver has taken ownership of the work.
type Shootdown struct {
	Start memory.VAddr
	End   memory.VAddr
	ack   atomic.Bool
}

func (*Shootdown) workItem() {}

// NewShootdown builds a request for [start, end); both must be
// base-page aligned.
func NewShootdown(start, end memory.VAddr) *Shootdown {
	if !start.IsBasePageAligned() || !end.IsBasePageAligned() {
		panic(fmt.Sprintf("shootdown range %#x-%#x not page aligned", uint64(start), uint64(end)))
	}
	return &Shootdown{Start: start, End: end}
}

// Acknowledged reports whether the receiver has taken the request.
func (s *Shootdown) Acknowledged() bool { return s.ack.Load() }

// process acknowledges, then flushes the range on the receiver's TLB.
// Both happen under the TLB lock: the ack may become visible while the
// flush is still running, but any translation lookup serializes behind
// it, mirroring the original's not-interruptible IRQ context.
func (s *Shootdown) process(cache *CoreTLB) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	s.ack.Store(true)
	cache.flushRangeLocked(s.Start, s.End)
}

// AdvanceReplica asks a core to synchronize the given log.
type AdvanceReplica struct {
	LogID int
}

func (*AdvanceReplica) workItem() {}

// Advancer synchronizes one core's replica of the given log. The kernel
// provides this; tests stub it.
type Advancer interface {
	Advance(gtid topology.GlobalThreadID, logID int) error
}

// Driver sends the multicast IPI for one logical x2APIC cluster. The
// LDR encodes the cluster id in bits 31:16 and the member bits in 15:0.
type Driver interface {
	SendIPI(ldr uint32)
}

// Coherence owns the per-core work queues and TLB caches and runs the
// shootdown protocol.
type Coherence struct {
	machine  *topology.Machine
	queues   []chan WorkItem
	tlbs     []*CoreTLB
	driver   Driver
	advancer Advancer
	logger   logr.Logger
}

// New builds the coherence state for a machine. SetDriver and
// SetAdvancer must be called before the first shootdown.
func New(logger logr.Logger, machine *topology.Machine) *Coherence {
	n := machine.NumThreads()
	c := &Coherence{
		machine: machine,
		queues:  make([]chan WorkItem, n),
		tlbs:    make([]*CoreTLB, n),
		logger:  logger.WithName("tlb"),
	}
	for i := 0; i < n; i++ {
		c.queues[i] = make(chan WorkItem, workQueueCapacity)
		c.tlbs[i] = NewCoreTLB()
	}
	return c
}

// SetDriver installs the IPI transport.
func (c *Coherence) SetDriver(d Driver) { c.driver = d }

// SetAdvancer installs the replica synchronizer.
func (c *Coherence) SetAdvancer(a Advancer) { c.advancer = a }

// TLB returns the translation cache of gtid.
func (c *Coherence) TLB(gtid topology.GlobalThreadID) *CoreTLB {
	return c.tlbs[gtid]
}

// Enqueue places a work item on gtid's queue. Queues are bounded; the
// protocol never produces more outstanding items than fit.
func (c *Coherence) Enqueue(gtid topology.GlobalThreadID, item WorkItem) {
	select {
	case c.queues[gtid] <- item:
	default:
		panic(fmt.Sprintf("work queue of core %d overflow", gtid))
	}
}

// advanceLog applies the metadata-before-data rule: any log other than
// the kernel metadata log synchronizes log 1 first.
func (c *Coherence) advanceLog(gtid topology.GlobalThreadID, logID int) {
	if logID != node.KernelLogID {
		if err := c.advancer.Advance(gtid, node.KernelLogID); err != nil {
			panic(fmt.Sprintf("advancing log %d on core %d: %v", node.KernelLogID, gtid, err))
		}
	}
	if err := c.advancer.Advance(gtid, logID); err != nil {
		panic(fmt.Sprintf("advancing log %d on core %d: %v", logID, gtid, err))
	}
}

// HandleIPI drains gtid's queue; called in the receiver's interrupt
// context.
func (c *Coherence) HandleIPI(gtid topology.GlobalThreadID) {
	for {
		select {
		case item := <-c.queues[gtid]:
			switch w := item.(type) {
			case *Shootdown:
				w.process(c.tlbs[gtid])
			case *AdvanceReplica:
				c.advanceLog(gtid, w.LogID)
			}
		default:
			return
		}
	}
}

// EagerAdvance is the cooperative poll at syscall boundaries: it takes
// one queued item if present. Shootdowns are put back for the IPI
// handler; with an empty queue both replicas are synchronized.
func (c *Coherence) EagerAdvance(gtid topology.GlobalThreadID) {
	select {
	case item := <-c.queues[gtid]:
		switch w := item.(type) {
		case *Shootdown:
			c.Enqueue(gtid, w)
		case *AdvanceReplica:
			c.advanceLog(gtid, w.LogID)
		}
	default:
		c.advanceLog(gtid, node.FileLogID)
	}
}

// Shootdown runs the full protocol for a flush handle produced by an
// unmap on gtid: enqueue one request per peer in the core map, send one
// multicast IPI per logical cluster, flush the local TLB, then spin
// until every peer acknowledged.
func (c *Coherence) Shootdown(gtid topology.GlobalThreadID, handle *vspace.TlbFlushHandle) {
	start := handle.VAddr
	end := handle.VAddr + memory.VAddr(handle.Frame.Size)

	// 16 clusters of 16 logical ids address up to 256 cores. The upper
	// half of each LDR is preconfigured with the cluster id.
	var clusters [16]uint32
	for i := range clusters {
		clusters[i] = uint32(i) << 16
	}

	var outstanding []*Shootdown
	for _, peer := range handle.CoreMap.Members() {
		if peer == gtid {
			continue
		}
		thread, err := c.machine.Thread(peer)
		if err != nil {
			panic(fmt.Sprintf("shootdown target %d not in topology", peer))
		}
		cluster := thread.X2APICLogicalClusterID()
		clusters[cluster] |= 1 << thread.X2APICLogicalClusterAddress()

		s := NewShootdown(start, end)
		c.Enqueue(peer, s)
		outstanding = append(outstanding, s)
		c.logger.V(1).Info("shootdown enqueued",
			"target", peer, "cluster", cluster, "start", uint64(start), "end", uint64(end))
	}

	for _, ldr := range clusters {
		if ldr&0xffff != 0 {
			c.driver.SendIPI(ldr)
		}
	}

	c.tlbs[gtid].FlushRange(start, end)

	for len(outstanding) > 0 {
		remaining := outstanding[:0]
		for _, s := range outstanding {
			if !s.Acknowledged() {
				remaining = append(remaining, s)
			}
		}
		outstanding = remaining
		if len(outstanding) > 0 {
			runtime.Gosched()
		}
	}
}

// ClusterMembers resolves an LDR to the gtids it addresses; the
// simulated APIC uses it for delivery.
func (c *Coherence) ClusterMembers(ldr uint32) []topology.GlobalThreadID {
	cluster := ldr >> 16
	bits := ldr & 0xffff
	var out []topology.GlobalThreadID
	for _, t := range c.machine.Threads() {
		if t.X2APICLogicalClusterID() == cluster && bits&(1<<t.X2APICLogicalClusterAddress()) != 0 {
			out = append(out, t.ID)
		}
	}
	return out
}

// CoreTLB is one hardware thread's translation cache. Entries are filled
// on access and dropped by flushes; a stale entry that survives a missed
// shootdown is exactly the bug the protocol exists to prevent.
type CoreTLB struct {
	mu      sync.Mutex
	entries map[memory.VAddr]memory.PAddr
	flushes uint64
}

// NewCoreTLB builds an empty cache.
func NewCoreTLB() *CoreTLB {
	return &CoreTLB{entries: make(map[memory.VAddr]memory.PAddr)}
}

// Translate returns the cached translation for vaddr's page, walking
// through resolve and caching on a miss.
func (t *CoreTLB) Translate(vaddr memory.VAddr, resolve func(memory.VAddr) (memory.PAddr, error)) (memory.PAddr, error) {
	page := vaddr.AlignDownToBasePage()
	off := memory.PAddr(vaddr - page)
	t.mu.Lock()
	pa, ok := t.entries[page]
	t.mu.Unlock()
	if ok {
		return pa + off, nil
	}
	pa, err := resolve(page)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.entries[page] = pa
	t.mu.Unlock()
	return pa + off, nil
}

// Cached reports whether vaddr's page has a cached translation.
func (t *CoreTLB) Cached(vaddr memory.VAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[vaddr.AlignDownToBasePage()]
	return ok
}

// FlushRange drops translations for [start, end); ranges above the
// threshold flush everything.
func (t *CoreTLB) FlushRange(start, end memory.VAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushRangeLocked(start, end)
}

func (t *CoreTLB) flushRangeLocked(start, end memory.VAddr) {
	pages := uint64(end-start) / memory.BasePageSize
	if pages > flushAllThreshold {
		t.flushAllLocked()
		return
	}
	for page := start; page < end; page += memory.VAddr(memory.BasePageSize) {
		delete(t.entries, page)
	}
	t.flushes++
}

// FlushAll drops every cached translation.
func (t *CoreTLB) FlushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushAllLocked()
}

func (t *CoreTLB) flushAllLocked() {
	t.entries = make(map[memory.VAddr]memory.PAddr)
	t.flushes++
}

// Flushes counts flush operations, for tests.
func (t *CoreTLB) Flushes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}
