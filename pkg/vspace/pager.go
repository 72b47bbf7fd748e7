// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vspace

import (
	"github.com/antimetal/nrk/pkg/memory"
)

// TablePager provides zeroed base-page frames for page-table pages. The
// kernel address space, every process address space and the tests use an
// ArenaPager; page-table pages are not taken from a TCache.
type TablePager interface {
	// AllocPageTable returns the physical address of a fresh, zeroed
	// page-table page.
	AllocPageTable() (memory.PAddr, error)
}

// ProviderPager allocates page-table pages from a PhysicalPageProvider.
type ProviderPager struct {
	Provider memory.PhysicalPageProvider
}

func (p ProviderPager) AllocPageTable() (memory.PAddr, error) {
	f, err := p.Provider.AllocateBasePage()
	if err != nil {
		return 0, err
	}
	return f.Base, nil
}

// ArenaPager hands out sequential table addresses from a private range.
// Deterministic, which keeps replica page-table construction reproducible.
type ArenaPager struct {
	next memory.PAddr
}

// NewArenaPager starts the arena at base (base-page aligned).
func NewArenaPager(base memory.PAddr) *ArenaPager {
	return &ArenaPager{next: base.AlignDownToBasePage()}
}

func (p *ArenaPager) AllocPageTable() (memory.PAddr, error) {
	pa := p.next
	p.next += memory.PAddr(memory.BasePageSize)
	return pa, nil
}
