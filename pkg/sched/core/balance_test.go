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

func TestMigrateTaskPostconditions(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	p := ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	ts.run(100 * simTick)
	require.Equal(t, 0, p.CPU())

	require.NoError(t, ts.s.SetAffinity(p, cpuset.New(1)))
	require.Equal(t, 1, p.CPU())
	require.True(t, p.Queued())
	require.Equal(t, 0, ts.s.NrRunning(0))
	require.Equal(t, 1, ts.s.NrRunning(1))

	// The vruntime was rebased against the destination queue, not
	// carried over verbatim.
	r := ts.s.rqs[1]
	r.lock()
	diff := p.VRuntime() - r.cfs.minVruntime
	r.unlock()
	require.Less(t, diff, int64(100*time.Millisecond))
	require.Greater(t, diff, -int64(100*time.Millisecond))

	// The balancer's task list followed the task.
	ts.s.rqs[0].lock()
	require.Empty(t, ts.s.rqs[0].cfsTasks)
	ts.s.rqs[0].unlock()
	r.lock()
	require.Contains(t, r.cfsTasks, p)
	r.unlock()

	ts.run(10 * simTick)
	require.Same(t, p, ts.s.Current(1))
}

func TestPeriodicBalanceSpreads(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	var tasks []*Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, ts.spawn(&TaskSpec{Comm: "t", Allowed: cpuset.New(0)}))
	}
	ts.run(50 * simTick)
	require.Equal(t, 4, ts.s.NrRunning(0))

	for _, p := range tasks {
		require.NoError(t, ts.s.SetAffinity(p, ts.s.cpus))
	}

	balanced := func() bool {
		for cpu := 0; cpu < 4; cpu++ {
			if ts.s.NrRunning(cpu) != 1 {
				return false
			}
		}
		return true
	}
	require.True(t, ts.runUntil(2*int64(time.Second), balanced),
		"tasks still packed: %d %d %d %d", ts.s.NrRunning(0),
		ts.s.NrRunning(1), ts.s.NrRunning(2), ts.s.NrRunning(3))

	ts.run(int64(time.Second))
	require.True(t, balanced(), "balance did not settle")
	require.Greater(t, ts.s.metrics.lbMigrations.Load(), int64(0))
}

func TestPinnedTasksDontMove(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	for i := 0; i < 3; i++ {
		ts.spawn(&TaskSpec{Comm: "pinned", Allowed: cpuset.New(0)})
	}
	ts.run(2 * int64(time.Second))

	require.Equal(t, 3, ts.s.NrRunning(0))
	require.Equal(t, 0, ts.s.NrRunning(1))
}

func TestNewidleBalancePulls(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	b := ts.spawn(&TaskSpec{Comm: "b", Allowed: cpuset.New(0)})
	c := ts.spawn(&TaskSpec{Comm: "c", Allowed: cpuset.New(0)})
	ts.run(200 * simTick)
	require.NoError(t, ts.s.SetAffinity(b, ts.s.cpus))
	require.NoError(t, ts.s.SetAffinity(c, ts.s.cpus))

	// Make CPU 1 look like it idles long enough to afford a balance
	// pass, and flag the root domain as overloaded.
	r := ts.s.rqs[1]
	r.lock()
	r.avgIdle = int64(10 * time.Millisecond)
	r.unlock()
	r.rd.Overload.Store(true)

	attempts := ts.s.metrics.newidleAttempts.Load()
	next := ts.s.Schedule(1)
	require.NotNil(t, next, "newly idle CPU failed to pull work")
	require.Equal(t, 1, next.CPU())
	require.Greater(t, ts.s.metrics.newidleAttempts.Load(), attempts)
}

func TestNewidleBalanceRespectsCost(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	ts.spawn(&TaskSpec{Comm: "b", Allowed: cpuset.New(0)})
	ts.run(10 * simTick)

	// With a tiny observed idle average the pull is skipped outright.
	r := ts.s.rqs[1]
	r.lock()
	r.avgIdle = 0
	r.unlock()
	r.rd.Overload.Store(true)

	require.Nil(t, ts.s.Schedule(1))
}

func TestNewidleBalanceChargesVirtualCost(t *testing.T) {
	clk := NewSimClock()
	s, err := New(&Config{
		Spec:  smpSpec(2),
		Clock: clk,
		Env: Env{
			// Every pass claims to cost more idle time than the CPU
			// ever expects to have.
			BalanceCost: func(cpu, level int) int64 {
				return int64(time.Hour)
			},
		},
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	ts := &sim{t: t, s: s, clk: clk, curr: make([]*Task, len(s.rqs))}

	ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	b := ts.spawn(&TaskSpec{Comm: "b", Allowed: cpuset.New(0)})
	c := ts.spawn(&TaskSpec{Comm: "c", Allowed: cpuset.New(0)})
	ts.run(200 * simTick)
	require.NoError(t, ts.s.SetAffinity(b, ts.s.cpus))
	require.NoError(t, ts.s.SetAffinity(c, ts.s.cpus))

	r := ts.s.rqs[1]
	r.lock()
	r.avgIdle = int64(10 * time.Millisecond)
	r.unlock()
	r.rd.Overload.Store(true)

	// The first pass runs with no recorded cost yet and pulls a task,
	// charging the configured virtual cost.
	pulled := ts.s.Schedule(1)
	require.NotNil(t, pulled)
	require.Equal(t, int64(time.Hour), r.sd.MaxNewidleLbCost)

	// From then on the gate can never be afforded again, independent
	// of host speed.
	require.NoError(t, ts.s.Block(pulled))
	r.lock()
	r.avgIdle = int64(10 * time.Millisecond)
	r.unlock()
	r.rd.Overload.Store(true)
	require.Nil(t, ts.s.Schedule(1))
}

func TestMisfitPullToBigCPU(t *testing.T) {
	ts := newSim(t, bigLittleSpec())

	// Saturate a task on a little CPU until its utilization outgrows
	// the CPU, then let the balancer see the whole machine.
	p := ts.spawn(&TaskSpec{Comm: "heavy", Allowed: cpuset.New(0)})
	ts.run(int64(time.Second))
	require.GreaterOrEqual(t, p.UtilAvg(), int64(410),
		"task did not saturate the little CPU")

	require.NoError(t, ts.s.SetAffinity(p, ts.s.cpus))
	// The run-queue lock taken by NrRunning orders this check after
	// any in-flight active push.
	moved := func() bool { return ts.s.NrRunning(0) == 0 }
	require.True(t, ts.runUntil(2*int64(time.Second), moved),
		"misfit task still on CPU 0")
	require.GreaterOrEqual(t, p.CPU(), 4)

	// The running task can only move via an active push through the
	// stopper.
	require.Greater(t, ts.s.metrics.lbActivePushes.Load(), int64(0))

	// The task stays put once it fits its CPU.
	ts.run(int64(time.Second))
	require.GreaterOrEqual(t, p.CPU(), 4)
}

func TestBalanceIntervalDoubles(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	// Nothing to balance: every pass fails and the interval backs off
	// towards the domain maximum.
	ts.run(5 * int64(time.Second))

	sd := ts.s.rqs[0].sd
	require.Greater(t, sd.BalanceInterval, sd.MinInterval)
	require.LessOrEqual(t, sd.BalanceInterval, sd.MaxInterval)
}

func TestImbalanceTaskSurplusMovesOne(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	// Two groups of two CPUs, no idle CPUs on either side, busiest
	// holding two more tasks. The even-out division yields zero, but
	// the persistent surplus must still move a task.
	env := &lbEnv{idle: cpuIdle}
	sds := &sdStats{
		localStat: sgStats{
			groupType:     groupHasSpare,
			groupWeight:   2,
			idleCPUs:      0,
			sumHNrRunning: 2,
		},
		busiestStat: sgStats{
			groupType:     groupHasSpare,
			groupWeight:   2,
			idleCPUs:      0,
			sumHNrRunning: 4,
		},
	}
	ts.s.calculateImbalance(env, sds)
	require.Equal(t, migrateTask, env.migType)
	require.Equal(t, int64(1), env.imbalance)

	// One task apart is balanced; nothing should move.
	env = &lbEnv{idle: cpuIdle}
	sds.busiestStat.sumHNrRunning = 3
	ts.s.calculateImbalance(env, sds)
	require.Equal(t, int64(0), env.imbalance)
}
