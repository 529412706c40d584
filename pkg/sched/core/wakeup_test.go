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

	"github.com/containers/fairsched/pkg/utils/cpuset"
)

func TestForkPlacementSpreads(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	used := map[int]bool{}
	for i := 0; i < 4; i++ {
		p := ts.spawn(&TaskSpec{Comm: "t"})
		used[p.CPU()] = true
		ts.run(5 * simTick)
	}
	// Fork placement prefers idle CPUs over stacking.
	require.Len(t, used, 4)
}

func TestPinnedWakeup(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	p := ts.spawn(&TaskSpec{Comm: "p", Allowed: cpuset.New(3)})
	require.Equal(t, 3, p.CPU())

	for i := 0; i < 3; i++ {
		ts.run(20 * simTick)
		require.NoError(t, ts.s.Block(p))
		ts.run(20 * simTick)
		ts.s.Wake(p)
		require.Equal(t, 3, p.CPU())
	}
}

func TestIdleSiblingStaysOnPrev(t *testing.T) {
	ts := newSim(t, numaSpec())

	p := ts.spawn(&TaskSpec{Comm: "p"})
	ts.run(20 * simTick)
	prev := p.CPU()

	// On an otherwise idle machine a short sleeper goes back to its
	// previous, still idle, CPU.
	require.NoError(t, ts.s.Block(p))
	ts.run(5 * simTick)
	ts.s.Wake(p)
	require.Equal(t, prev, p.CPU())
}

func TestSyncWakeupPullsToWakerCache(t *testing.T) {
	ts := newSim(t, numaSpec())

	waker := ts.spawn(&TaskSpec{Comm: "waker", Allowed: cpuset.New(0)})
	require.NoError(t, ts.s.SetAffinity(waker, ts.s.cpus))

	wakee := ts.spawn(&TaskSpec{Comm: "wakee", Allowed: cpuset.New(4)})
	require.NoError(t, ts.s.SetAffinity(wakee, ts.s.cpus))
	ts.run(50 * simTick)
	require.Equal(t, 4, wakee.CPU())

	// A sync wakeup from CPU 0 with an idle target cache pulls the
	// wakee across packages.
	require.NoError(t, ts.s.Block(wakee))
	ts.run(5 * simTick)
	ts.s.WakeFrom(waker, wakee, WakeSync)
	require.True(t, ts.s.cpusShareCache(0, wakee.CPU()),
		"wakee landed on CPU %d, outside the waker's cache", wakee.CPU())
}

func TestWakeupAvoidsBusyCPUs(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	// Keep CPUs 0-2 busy; a woken task must find the idle CPU 3.
	for cpu := 0; cpu < 3; cpu++ {
		ts.spawn(&TaskSpec{Comm: "hog", Allowed: cpuset.New(cpu)})
	}
	p := ts.spawn(&TaskSpec{Comm: "p"})
	ts.run(100 * simTick)

	require.NoError(t, ts.s.Block(p))
	ts.run(10 * simTick)
	ts.s.Wake(p)
	require.Equal(t, 3, p.CPU())
}

func TestEnergyAwarePlacement(t *testing.T) {
	ts := newSim(t, bigLittleSpec())

	on, err := ts.s.Features().Get("ENERGY_AWARE")
	require.NoError(t, err)
	require.True(t, on, "energy model not detected")

	p := ts.spawn(&TaskSpec{Comm: "light"})
	ts.run(10 * simTick)
	require.NoError(t, ts.s.Block(p))
	ts.run(100 * simTick)

	// Shrink the task to a trickle; waking it should pick a little
	// CPU as the energy-efficient placement.
	p.se.avg.UtilAvg = 40
	p.se.avg.UtilSum = p.se.avg.UtilAvg * uint64(p.se.avg.Divider())
	ts.s.Wake(p)
	require.Less(t, p.CPU(), 4,
		"light task placed on big CPU %d", p.CPU())
}

func TestEnergyAwareOffWhenOverutilized(t *testing.T) {
	ts := newSim(t, bigLittleSpec())

	// Saturate a little CPU to trip the overutilized flag.
	hog := ts.spawn(&TaskSpec{Comm: "hog", Allowed: cpuset.New(0, 4)})
	require.NoError(t, ts.s.SetAffinity(hog, cpuset.New(0)))
	ts.run(int64(time.Second))
	require.True(t, ts.s.topo.Root.Overutilized.Load())
}

func TestRecentUsedCPU(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	waker := ts.spawn(&TaskSpec{Comm: "waker", Allowed: cpuset.New(0)})
	p := ts.spawn(&TaskSpec{Comm: "p"})
	ts.run(50 * simTick)

	// Exercise the wakee-flip bookkeeping on repeated wakeups.
	for i := 0; i < 5; i++ {
		require.NoError(t, ts.s.Block(p))
		ts.run(2 * simTick)
		ts.s.WakeFrom(waker, p, WakeTTWU)
		ts.run(2 * simTick)
	}
	require.Same(t, p, waker.lastWakee)
	require.True(t, p.Queued())
}
