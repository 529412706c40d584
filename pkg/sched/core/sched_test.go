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
	"go.uber.org/goleak"

	"github.com/containers/fairsched/pkg/sched/topology"
	"github.com/containers/fairsched/pkg/utils/cpuset"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

// uniSpec is a single-CPU system.
func uniSpec() *topology.SystemSpec {
	return smpSpec(1)
}

// smpSpec builds n identical CPUs sharing one LLC on one node.
func smpSpec(n int) *topology.SystemSpec {
	spec := &topology.SystemSpec{}
	for id := 0; id < n; id++ {
		spec.CPUs = append(spec.CPUs, topology.CPUSpec{
			ID: id, Core: id, LLC: 0, Package: 0, Node: 0,
		})
	}
	return spec
}

// numaSpec builds two 4-CPU nodes with separate caches and packages.
func numaSpec() *topology.SystemSpec {
	spec := &topology.SystemSpec{}
	for id := 0; id < 8; id++ {
		spec.CPUs = append(spec.CPUs, topology.CPUSpec{
			ID: id, Core: id, LLC: id / 4, Package: id / 4, Node: id / 4,
		})
	}
	spec.NodeDistance = [][]int{{10, 20}, {20, 10}}
	return spec
}

// bigLittleSpec builds 4 little (512) and 4 big (1024) CPUs on one node,
// with per-rail energy models.
func bigLittleSpec() *topology.SystemSpec {
	spec := &topology.SystemSpec{}
	for id := 0; id < 8; id++ {
		capacity, rail := int64(512), 0
		if id >= 4 {
			capacity, rail = 1024, 1
		}
		spec.CPUs = append(spec.CPUs, topology.CPUSpec{
			ID: id, Core: id, LLC: 0, Package: 0, Node: 0,
			Rail: rail, Capacity: capacity,
		})
	}
	spec.Rails = []topology.RailSpec{
		{ID: 0, States: []topology.PerfStateSpec{
			{Capacity: 256, Cost: 30}, {Capacity: 512, Cost: 80}}},
		{ID: 1, States: []topology.PerfStateSpec{
			{Capacity: 512, Cost: 120}, {Capacity: 1024, Cost: 400}}},
	}
	return spec
}

const simTick = int64(time.Millisecond)

// sim drives a scheduler over virtual time with a periodic tick on
// every CPU, rescheduling a CPU whenever the scheduler asks for it.
type sim struct {
	t    *testing.T
	s    *Scheduler
	clk  *SimClock
	curr []*Task
}

func newSim(t *testing.T, spec *topology.SystemSpec) *sim {
	t.Helper()
	clk := NewSimClock()
	s, err := New(&Config{Spec: spec, Clock: clk})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	return &sim{t: t, s: s, clk: clk, curr: make([]*Task, len(s.rqs))}
}

// tick advances virtual time by one tick and runs every CPU.
func (ts *sim) tick() {
	ts.clk.Advance(simTick)
	for cpu := range ts.curr {
		ts.s.Tick(cpu)
	}
	for cpu := range ts.curr {
		if ts.s.NeedResched(cpu) || ts.s.Current(cpu) == nil {
			ts.curr[cpu] = ts.s.Schedule(cpu)
		}
	}
}

// run advances virtual time by d nanoseconds.
func (ts *sim) run(d int64) {
	for elapsed := int64(0); elapsed < d; elapsed += simTick {
		ts.tick()
	}
}

// runUntil runs for at most max nanoseconds, stopping once cond holds.
func (ts *sim) runUntil(max int64, cond func() bool) bool {
	for elapsed := int64(0); elapsed < max; elapsed += simTick {
		if cond() {
			return true
		}
		ts.tick()
	}
	return cond()
}

// spawn creates and wakes a task.
func (ts *sim) spawn(spec *TaskSpec) *Task {
	ts.t.Helper()
	p, err := ts.s.NewTask(spec)
	require.NoError(ts.t, err)
	ts.s.Wake(p)
	return p
}

func TestNewTask(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	p, err := ts.s.NewTask(&TaskSpec{Comm: "a"})
	require.NoError(t, err)
	require.False(t, p.Queued())
	require.Equal(t, -1, p.PreferredNode())

	_, err = ts.s.NewTask(&TaskSpec{Comm: "bad", Nice: 99})
	require.ErrorIs(t, err, ErrInvalidNice)

	_, err = ts.s.NewTask(&TaskSpec{Comm: "off", Allowed: cpuset.New(17)})
	require.ErrorIs(t, err, ErrEmptyMask)

	// A pinned task is created on its only allowed CPU.
	pinned, err := ts.s.NewTask(&TaskSpec{Comm: "pin", Allowed: cpuset.New(1)})
	require.NoError(t, err)
	require.Equal(t, 1, pinned.CPU())
}

func TestWakeBlockExit(t *testing.T) {
	ts := newSim(t, uniSpec())

	p := ts.spawn(&TaskSpec{Comm: "a"})
	require.True(t, p.Queued())
	require.False(t, ts.s.Wake(p)) // already runnable
	require.Equal(t, 1, ts.s.NrRunning(0))

	ts.run(10 * simTick)
	require.Same(t, p, ts.s.Current(0))
	require.Greater(t, p.SumExecRuntime(), int64(0))

	require.NoError(t, ts.s.Block(p))
	require.False(t, p.Queued())
	require.ErrorIs(t, ts.s.Block(p), ErrNotRunnable)
	ts.run(2 * simTick)
	require.Nil(t, ts.s.Current(0))

	before := p.SumExecRuntime()
	require.True(t, ts.s.Wake(p))
	ts.run(10 * simTick)
	require.Greater(t, p.SumExecRuntime(), before)

	ts.s.Exit(p)
	ts.run(2 * simTick)
	require.Equal(t, 0, ts.s.NrRunning(0))
}

func TestSetAffinityMigrates(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	p := ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	require.Equal(t, 0, p.CPU())
	ts.run(5 * simTick)

	require.NoError(t, ts.s.SetAffinity(p, cpuset.New(2, 3)))
	require.True(t, p.Allowed().Equals(cpuset.New(2, 3)))
	require.Contains(t, []int{2, 3}, p.CPU())
	require.True(t, p.Queued())
	require.Equal(t, 0, ts.s.NrRunning(0))

	require.ErrorIs(t, ts.s.SetAffinity(p, cpuset.New(11)), ErrEmptyMask)
}

func TestWakeupPreemptsRunning(t *testing.T) {
	ts := newSim(t, uniSpec())

	hog := ts.spawn(&TaskSpec{Comm: "hog"})
	sleeper := ts.spawn(&TaskSpec{Comm: "sleeper"})
	ts.run(20 * simTick)
	require.NoError(t, ts.s.Block(sleeper))
	ts.run(50 * simTick)
	require.Same(t, hog, ts.s.Current(0))

	// A sleeper wakes with vruntime credit and preempts the hog.
	ts.s.Wake(sleeper)
	require.True(t, ts.s.NeedResched(0))
	next := ts.s.Schedule(0)
	require.Same(t, sleeper, next)
}

func TestYield(t *testing.T) {
	ts := newSim(t, uniSpec())

	a := ts.spawn(&TaskSpec{Comm: "a"})
	b := ts.spawn(&TaskSpec{Comm: "b"})
	ts.run(2 * simTick)

	curr := ts.s.Current(0)
	require.NotNil(t, curr)
	other := a
	if curr == a {
		other = b
	}
	ts.s.Yield(0)
	require.Same(t, other, ts.s.Schedule(0))
}

func TestFeatureToggles(t *testing.T) {
	ts := newSim(t, uniSpec())
	f := ts.s.Features()

	on, err := f.Get("WAKEUP_PREEMPTION")
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, f.Set("WAKEUP_PREEMPTION", false))
	on, err = f.Get("WAKEUP_PREEMPTION")
	require.NoError(t, err)
	require.False(t, on)

	_, err = f.Get("NO_SUCH_FEATURE")
	require.ErrorIs(t, err, ErrUnknownFeature)
	require.ErrorIs(t, f.Set("NO_SUCH_FEATURE", true), ErrUnknownFeature)

	// Energy awareness is forced off without an energy model.
	on, err = f.Get("ENERGY_AWARE")
	require.NoError(t, err)
	require.False(t, on)
}

func TestTunables(t *testing.T) {
	ts := newSim(t, smpSpec(4))

	tun := ts.s.Tunables()
	require.Greater(t, tun.Latency, int64(0))
	require.Greater(t, tun.MinGranularity, int64(0))

	ts.s.SetTunables(Tunables{Latency: int64(24 * time.Millisecond)})
	tun = ts.s.Tunables()
	require.Equal(t, int64(24*time.Millisecond), tun.Latency)
	// Unset fields still get their scaled defaults.
	require.Greater(t, tun.MinGranularity, int64(0))
	require.Equal(t, DefaultTunables().MigrationCost, tun.MigrationCost)
}
