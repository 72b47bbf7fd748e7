// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package bootinfo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nrk/pkg/bootinfo"
	"github.com/antimetal/nrk/pkg/memory"
)

func TestModuleNameTruncation(t *testing.T) {
	m := bootinfo.NewModule("init.bin", 0x1000, 0x2000, 4096)
	assert.Equal(t, "init.bin", m.Name())

	long := bootinfo.NewModule("a-very-long-module-name-that-exceeds-the-limit.elf", 0, 0, 0)
	assert.Len(t, long.Name(), 32)
	assert.Equal(t, "a-very-long-module-name-that-exc", long.Name())
}

func TestKernelArgsValidate(t *testing.T) {
	args := &bootinfo.KernelArgs{}
	assert.Error(t, args.Validate())

	args.MMIter = []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemoryConventional, PhysicalStart: 0x100000, NumberOfPages: 16},
		{Type: bootinfo.MemoryReserved, PhysicalStart: 0x200000, NumberOfPages: 16},
	}
	require.NoError(t, args.Validate())

	conventional := args.ConventionalRegions()
	require.Len(t, conventional, 1)
	assert.Equal(t, memory.PAddr(0x100000), conventional[0].PhysicalStart)

	for i := 0; i < bootinfo.MaxModules+1; i++ {
		args.Modules = append(args.Modules, bootinfo.NewModule("m", 0, 0, 0))
	}
	assert.Error(t, args.Validate())
}

func TestExitReasonStrings(t *testing.T) {
	assert.Equal(t, "ok", bootinfo.ExitOk.String())
	assert.Equal(t, "page fault", bootinfo.ExitPageFault.String())
	assert.Equal(t, 9, int(bootinfo.ExitUnrecoverableError))
}
