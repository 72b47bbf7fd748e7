// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tcache_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nrk/pkg/memory"
	"github.com/antimetal/nrk/pkg/memory/tcache"
	"github.com/antimetal/nrk/pkg/topology"
)

func basePage(pa memory.PAddr, node topology.NodeID) memory.Frame {
	return memory.Frame{Base: pa, Size: memory.BasePageSize, Affinity: node}
}

func largePage(pa memory.PAddr, node topology.NodeID) memory.Frame {
	return memory.Frame{Base: pa, Size: memory.LargePageSize, Affinity: node}
}

func TestReleasePanics(t *testing.T) {
	t.Run("wrong base size", func(t *testing.T) {
		tc := tcache.New(logr.Discard(), 1, 4)
		assert.Panics(t, func() {
			_ = tc.ReleaseBasePage(memory.Frame{Base: 0x2000, Size: 0x1001, Affinity: 4})
		})
	})
	t.Run("unaligned base", func(t *testing.T) {
		tc := tcache.New(logr.Discard(), 1, 4)
		assert.Panics(t, func() {
			_ = tc.ReleaseBasePage(memory.Frame{Base: 0x2001, Size: memory.BasePageSize, Affinity: 4})
		})
	})
	t.Run("wrong affinity", func(t *testing.T) {
		tc := tcache.New(logr.Discard(), 1, 1)
		assert.Panics(t, func() {
			_ = tc.ReleaseBasePage(basePage(0x2000, 4))
		})
	})
	t.Run("wrong large size", func(t *testing.T) {
		tc := tcache.New(logr.Discard(), 1, 4)
		assert.Panics(t, func() {
			_ = tc.ReleaseLargePage(basePage(0x200000, 4))
		})
	})
}

func TestReleaseAllocateLIFO(t *testing.T) {
	tc := tcache.New(logr.Discard(), 1, 4)

	require.NoError(t, tc.ReleaseBasePage(basePage(0x2000, 4)))
	require.NoError(t, tc.ReleaseBasePage(basePage(0x3000, 4)))
	require.NoError(t, tc.ReleaseBasePage(basePage(0x4000, 4)))
	require.NoError(t, tc.ReleaseLargePage(largePage(memory.PAddr(memory.LargePageSize), 4)))
	require.NoError(t, tc.ReleaseLargePage(largePage(memory.PAddr(4*memory.LargePageSize), 4)))

	assert.Equal(t, 3, tc.FreeBasePages())
	assert.Equal(t, 2, tc.FreeLargePages())
	assert.Equal(t, uint64(3*memory.BasePageSize+2*memory.LargePageSize), tc.Free())

	f, err := tc.AllocateBasePage()
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(0x4000), f.Base)
	f, err = tc.AllocateBasePage()
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(0x3000), f.Base)

	lf, err := tc.AllocateLargePage()
	require.NoError(t, err)
	assert.Equal(t, memory.PAddr(4*memory.LargePageSize), lf.Base)

	_, err = tc.AllocateLargePage()
	require.NoError(t, err)
	_, err = tc.AllocateLargePage()
	assert.ErrorIs(t, err, memory.ErrCacheExhausted)
}

func TestPopulateSplitsLargeRegion(t *testing.T) {
	// 8 MiB, large-page aligned. The large-page budget leaves room to
	// fill the base stack to its cap afterwards; overflow is lost.
	region := memory.Frame{
		Base:     memory.PAddr(memory.LargePageSize),
		Size:     4 * memory.LargePageSize,
		Affinity: 0,
	}
	tc := tcache.NewWithFrame(logr.Discard(), 0, 0, region)

	assert.Equal(t, 3, tc.FreeLargePages())
	assert.Equal(t, 128, tc.FreeBasePages())
}

func TestPopulateUnalignedHead(t *testing.T) {
	// Starts 16 KiB below a large-page boundary: the head becomes base
	// pages and the aligned rest one large page.
	region := memory.Frame{
		Base:     memory.PAddr(memory.LargePageSize - 4*memory.BasePageSize),
		Size:     memory.LargePageSize + 4*memory.BasePageSize,
		Affinity: 0,
	}
	tc := tcache.NewWithFrame(logr.Discard(), 0, 0, region)

	assert.Equal(t, 4, tc.FreeBasePages())
	assert.Equal(t, 1, tc.FreeLargePages())
}

func TestReap(t *testing.T) {
	tc := tcache.New(logr.Discard(), 1, 4)
	require.NoError(t, tc.ReleaseBasePage(basePage(0x2000, 4)))
	require.NoError(t, tc.ReleaseBasePage(basePage(0x3000, 4)))
	require.NoError(t, tc.ReleaseLargePage(largePage(memory.PAddr(memory.LargePageSize), 4)))

	buf := make([]memory.Frame, 4)
	n := tc.ReapBasePages(buf)
	assert.Equal(t, 2, n)
	assert.Equal(t, memory.PAddr(0x3000), buf[0].Base)
	assert.Equal(t, memory.PAddr(0x2000), buf[1].Base)
	assert.Equal(t, 0, tc.FreeBasePages())

	n = tc.ReapLargePages(buf)
	assert.Equal(t, 1, n)
	assert.Equal(t, memory.PAddr(memory.LargePageSize), buf[0].Base)
}

func TestGrowRespectsCapacity(t *testing.T) {
	tc := tcache.New(logr.Discard(), 1, 0)
	assert.Equal(t, 128, tc.BasePageCapacity())
	assert.Equal(t, 12, tc.LargePageCapacity())

	frames := make([]memory.Frame, 0, 128)
	for i := 0; i < 128; i++ {
		frames = append(frames, basePage(memory.PAddr(0x10000+i*0x1000), 0))
	}
	require.NoError(t, tc.GrowBasePages(frames))
	assert.Equal(t, 0, tc.BasePageCapacity())
	assert.ErrorIs(t, tc.GrowBasePages([]memory.Frame{basePage(0x1000000, 0)}), memory.ErrCacheFull)
}

func TestBootstrapCapacity(t *testing.T) {
	tc := tcache.NewBootstrap(logr.Discard(), 0)
	assert.Equal(t, 2048, tc.BasePageCapacity())
}
