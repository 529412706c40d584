// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCPUPidCodec(t *testing.T) {
	cpupid := MakeCPUPid(5, 1234)
	require.Equal(t, 5, cpupidToCPU(cpupid))
	require.Equal(t, 1234&(1<<cpupidPidBits-1), cpupidToPid(cpupid))
}

func TestMMSize(t *testing.T) {
	mm := NewMM()
	require.Equal(t, uint64(0), mm.Size())
	mm.AddVMA(0x1000, 0x5000)
	mm.AddVMA(0x100000, 0x180000)
	require.Equal(t, uint64(0x4000+0x80000), mm.Size())
}

func TestNumaScannerWalksAddressSpace(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	var ranges []uint64
	ts.s.env.NumaScanRange = func(p *Task, mm *MM, start, end uint64) {
		ranges = append(ranges, end-start)
	}

	mm := NewMM()
	mm.AddVMA(0, 64<<20)
	ts.spawn(&TaskSpec{Comm: "p", MM: mm})

	// Scanning starts only after the initial delay, then covers the
	// whole space, bumping the pass counter.
	ts.run(int64(500 * time.Millisecond))
	require.Empty(t, ranges)

	ts.run(3 * int64(time.Second))
	require.NotEmpty(t, ranges)
	var total uint64
	for _, l := range ranges {
		total += l
	}
	require.GreaterOrEqual(t, total, uint64(64<<20))
	require.Greater(t, mm.scanSeq.Load(), int32(0))
	require.Greater(t, ts.s.metrics.numaScanPasses.Load(), int64(0))
}

func TestFaultAccounting(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	mm := NewMM()
	mm.AddVMA(0, 16<<20)
	p := ts.spawn(&TaskSpec{Comm: "p", MM: mm, Allowed: ts.s.sys.NodeCPUs(0)})
	ts.run(20 * simTick)

	self := MakeCPUPid(p.CPU(), p.ID)
	ts.s.TaskNumaFault(p, self, 1, 128, NumaFaultLocal)
	ts.s.TaskNumaFault(p, self, 1, 64, 0)

	// Buffered stats accumulate until the next placement pass folds
	// them; locality counters update immediately.
	require.Equal(t, int64(128+64),
		p.numaFaults[ts.s.faultIndex(numaMemBuf, 1, 1)])
	require.Equal(t, int64(128), p.numaFaultsLocality[1])
	require.Equal(t, int64(64), p.numaFaultsLocality[0])
	require.Equal(t, int64(2), ts.s.metrics.numaHintFaults.Load())
	require.Equal(t, int64(1), ts.s.metrics.numaHintFaultsLocal.Load())

	ts.s.TaskNumaFault(p, self, 0, 32, NumaFaultMigrateFail)
	require.Equal(t, int64(32), p.numaFaultsLocality[2])

	// Out-of-range nodes and disabled balancing are ignored.
	ts.s.TaskNumaFault(p, self, 99, 10, 0)
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", false))
	ts.s.TaskNumaFault(p, self, 0, 10, 0)
	require.Equal(t, int64(3), ts.s.metrics.numaHintFaults.Load())
}

func TestPreferredNodeConvergence(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	mm := NewMM()
	mm.AddVMA(0, 16<<20)
	p := ts.spawn(&TaskSpec{Comm: "p", MM: mm})
	require.NoError(t, ts.s.SetAffinity(p, ts.s.sys.NodeCPUs(0)))
	require.NoError(t, ts.s.SetAffinity(p, ts.s.cpus))
	ts.run(int64(time.Second))
	require.Less(t, p.CPU(), 4)
	require.Equal(t, -1, p.PreferredNode())

	// All memory faults hit node 1: once enough scan passes complete,
	// placement elects node 1 and moves the task there.
	for pass := int32(2); pass <= 4; pass++ {
		mm.scanSeq.Store(pass)
		self := MakeCPUPid(p.CPU(), p.ID)
		ts.s.TaskNumaFault(p, self, 1, 512, 0)
		ts.run(10 * simTick)
	}

	require.Equal(t, 1, p.PreferredNode())
	require.True(t, ts.runUntil(2*int64(time.Second), func() bool {
		return ts.s.taskNode(p) == 1
	}), "task still on node %d", ts.s.taskNode(p))
	require.Greater(t, ts.s.metrics.numaTaskMigrations.Load(), int64(0))
}

func TestShouldNumaMigrateMemory(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	mm := NewMM()
	mm.AddVMA(0, 16<<20)
	p := ts.spawn(&TaskSpec{Comm: "p", MM: mm})
	ts.run(20 * simTick)
	self := MakeCPUPid(p.CPU(), p.ID)

	// Too early in the task's life nothing migrates.
	require.False(t, ts.s.ShouldNumaMigrateMemory(p, 0, 1, self))

	// During the early passes only the preferred node attracts pages.
	mm.scanSeq.Store(2)
	ts.s.TaskNumaFault(p, self, 1, 512, 0)
	require.Equal(t, 1, p.PreferredNode())
	require.True(t, ts.s.ShouldNumaMigrateMemory(p, 0, 1, self))
	require.False(t, ts.s.ShouldNumaMigrateMemory(p, 1, 0, self))

	// Established private pages follow their single accessor.
	mm.scanSeq.Store(5)
	ts.s.TaskNumaFault(p, self, 1, 512, 0)
	require.Equal(t, 5, p.numaScanSeq)
	require.True(t, ts.s.ShouldNumaMigrateMemory(p, 0, 1, self))

	// A foreign accessor falls back to the fault-count hysteresis:
	// heavy node-1 history beats an empty node 0.
	foreign := MakeCPUPid(p.CPU(), p.ID+1)
	require.True(t, ts.s.ShouldNumaMigrateMemory(p, 0, 1, foreign))
	require.False(t, ts.s.ShouldNumaMigrateMemory(p, 1, 0, foreign))
}

func TestNumaGroupFormation(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	mm := NewMM()
	mm.AddVMA(0, 16<<20)
	a := ts.spawn(&TaskSpec{Comm: "a", MM: mm})
	b := ts.spawn(&TaskSpec{Comm: "b", MM: mm})
	ts.run(50 * simTick)

	// b faults on a page last touched by a: the tasks share memory
	// and get clustered into one numa group.
	require.True(t, ts.runUntil(int64(time.Second), func() bool {
		aCPU := a.CPU()
		if ts.s.Current(aCPU) != a {
			return false
		}
		ts.s.TaskNumaFault(b, MakeCPUPid(aCPU, a.ID), 0, 64, NumaFaultShared)
		return b.numaGroup != nil
	}), "tasks never formed a numa group")

	require.NotNil(t, a.numaGroup)
	require.Same(t, a.numaGroup, b.numaGroup)

	// Exit drops membership.
	ts.s.Exit(b)
	require.Nil(t, b.numaGroup)
	a.numaGroup.mu.Lock()
	require.Equal(t, 1, a.numaGroup.nrTasks)
	a.numaGroup.mu.Unlock()
}

func TestScanPeriodAdapts(t *testing.T) {
	ts := newSim(t, numaSpec())
	require.NoError(t, ts.s.Features().Set("NUMA_BALANCING", true))

	mm := NewMM()
	mm.AddVMA(0, 16<<20)
	p := ts.spawn(&TaskSpec{Comm: "p", MM: mm})
	ts.run(20 * simTick)

	self := MakeCPUPid(p.CPU(), p.ID)
	tun := ts.s.Tunables()

	// Mostly local faults slow scanning down.
	p.numaScanPeriod = tun.NumaScanPeriodMin
	mm.scanSeq.Store(2)
	ts.s.TaskNumaFault(p, self, ts.s.taskNode(p), 512, NumaFaultLocal)
	require.Greater(t, p.numaScanPeriod, tun.NumaScanPeriodMin)

	// Mostly remote faults speed it back up.
	p.numaScanPeriod = 4 * tun.NumaScanPeriodMin
	remote := 1 - ts.s.taskNode(p)
	mm.scanSeq.Store(3)
	ts.s.TaskNumaFault(p, self, remote, 512, 0)
	require.Less(t, p.numaScanPeriod, 4*tun.NumaScanPeriodMin)
}
