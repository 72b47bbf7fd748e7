// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"fmt"
)

const (
	// MaxNumaNodes is the maximum number of NUMA nodes the kernel supports.
	MaxNumaNodes = 12
	// MaxThreads is the maximum number of hardware threads across all nodes.
	MaxThreads = 256
)

// NodeID identifies a NUMA node. Dense, starts at 0.
type NodeID uint8

// ThreadID identifies a hardware thread within its package.
type ThreadID uint16

// GlobalThreadID names a hardware thread across the whole system.
// Always in [0, Machine.NumThreads()).
type GlobalThreadID uint32

// Thread describes one hardware thread of the machine.
type Thread struct {
	// ID is the global thread id.
	ID GlobalThreadID
	// NodeID is the NUMA node this thread belongs to.
	NodeID NodeID
	// PackageID is the physical socket.
	PackageID uint32
	// CoreID is the core within the package.
	CoreID uint32
	// ThreadID is the SMT thread within the core.
	ThreadID ThreadID
	// APICID is the x2APIC id of the thread.
	APICID uint32
}

// X2APICLogicalClusterID returns the logical cluster this thread's APIC
// belongs to (LDR bits 31:16 hold the cluster address; the cluster id is
// derived from APIC id bits 19:4).
func (t Thread) X2APICLogicalClusterID() uint32 {
	return t.APICID >> 4
}

// X2APICLogicalClusterAddress returns the thread's bit position within its
// logical cluster (APIC id bits 3:0).
func (t Thread) X2APICLogicalClusterAddress() uint32 {
	return t.APICID & 0xf
}

// X2APICLogicalID returns the 32-bit logical x2APIC id as programmed into
// the LDR: (cluster id << 16) | (1 << cluster address).
func (t Thread) X2APICLogicalID() uint32 {
	return t.X2APICLogicalClusterID()<<16 | 1<<t.X2APICLogicalClusterAddress()
}

// Node describes one NUMA node and the threads on it.
type Node struct {
	ID      NodeID
	Threads []GlobalThreadID
}

// Machine is the discovered hardware topology. It is immutable once built
// and safe to share between all hardware threads.
type Machine struct {
	nodes   []Node
	threads []Thread
}

// New builds a machine topology with numNodes NUMA nodes and
// threadsPerNode hardware threads on each node. Global thread ids are
// assigned densely, node-major, and APIC ids equal the global thread id
// (matching QEMU's default enumeration).
func New(numNodes, threadsPerNode int) (*Machine, error) {
	if numNodes < 1 || numNodes > MaxNumaNodes {
		return nil, fmt.Errorf("topology: %d NUMA nodes outside [1, %d]", numNodes, MaxNumaNodes)
	}
	total := numNodes * threadsPerNode
	if threadsPerNode < 1 || total > MaxThreads {
		return nil, fmt.Errorf("topology: %d threads outside [1, %d]", total, MaxThreads)
	}

	m := &Machine{
		nodes:   make([]Node, numNodes),
		threads: make([]Thread, 0, total),
	}
	gtid := GlobalThreadID(0)
	for n := 0; n < numNodes; n++ {
		node := Node{ID: NodeID(n)}
		for c := 0; c < threadsPerNode; c++ {
			t := Thread{
				ID:        gtid,
				NodeID:    NodeID(n),
				PackageID: uint32(n),
				CoreID:    uint32(c),
				ThreadID:  0,
				APICID:    uint32(gtid),
			}
			node.Threads = append(node.Threads, gtid)
			m.threads = append(m.threads, t)
			gtid++
		}
		m.nodes[n] = node
	}
	return m, nil
}

// NumThreads returns the total number of hardware threads.
func (m *Machine) NumThreads() int { return len(m.threads) }

// NumNodes returns the number of NUMA nodes.
func (m *Machine) NumNodes() int { return len(m.nodes) }

// Threads returns all hardware threads ordered by global thread id.
func (m *Machine) Threads() []Thread { return m.threads }

// Nodes returns all NUMA nodes ordered by node id.
func (m *Machine) Nodes() []Node { return m.nodes }

// Thread returns the descriptor for gtid.
func (m *Machine) Thread(gtid GlobalThreadID) (Thread, error) {
	if int(gtid) >= len(m.threads) {
		return Thread{}, fmt.Errorf("topology: no hardware thread %d", gtid)
	}
	return m.threads[gtid], nil
}

// NodeOf returns the NUMA node of gtid.
func (m *Machine) NodeOf(gtid GlobalThreadID) (NodeID, error) {
	t, err := m.Thread(gtid)
	if err != nil {
		return 0, err
	}
	return t.NodeID, nil
}
