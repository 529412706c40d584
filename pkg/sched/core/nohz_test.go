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

func (ts *sim) idleMask() cpuset.CPUSet {
	ts.s.nohz.mu.Lock()
	defer ts.s.nohz.mu.Unlock()
	return ts.s.nohz.idleCPUs
}

func TestNohzIdleMask(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	// Going idle enters the nohz mask, picking work leaves it.
	require.Nil(t, ts.s.Schedule(0))
	require.Nil(t, ts.s.Schedule(1))
	require.True(t, ts.idleMask().Equals(cpuset.New(0, 1)))

	p := ts.spawn(&TaskSpec{Comm: "p"})
	cpu := p.CPU()
	require.Same(t, p, ts.s.Schedule(cpu))
	require.False(t, ts.idleMask().Contains(cpu))
	require.Equal(t, 1, ts.idleMask().Size())
}

func TestNohzKickMovesWork(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	require.Nil(t, ts.s.Schedule(1))
	require.True(t, ts.s.rqs[1].nohzTickStopped.Load())

	a := ts.spawn(&TaskSpec{Comm: "a", Allowed: cpuset.New(0)})
	b := ts.spawn(&TaskSpec{Comm: "b", Allowed: cpuset.New(0)})
	ts.run(20 * simTick)
	require.NoError(t, ts.s.SetAffinity(a, ts.s.cpus))
	require.NoError(t, ts.s.SetAffinity(b, ts.s.cpus))

	// The busy CPU kicks the idle one, which balances on its own next
	// tick. The sim ticks all CPUs, so the kick gets consumed.
	require.True(t, ts.runUntil(int64(time.Second), func() bool {
		return ts.s.NrRunning(1) > 0
	}), "idle CPU never picked up work")
	require.Greater(t, ts.s.metrics.nohzKicks.Load(), int64(0))
}

func TestBlockedLoadDecays(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	p := ts.spawn(&TaskSpec{Comm: "p", Allowed: cpuset.New(0)})
	ts.run(500 * simTick)

	r := ts.s.rqs[0]
	r.lock()
	utilBusy := r.cfs.avg.UtilAvg
	r.unlock()
	require.Greater(t, utilBusy, uint64(800))

	// After the task blocks, the idle CPU's blocked load decays to
	// nothing through the periodic blocked-load refresh.
	require.NoError(t, ts.s.Block(p))
	ts.run(2 * int64(time.Second))

	r.lock()
	utilIdle := r.cfs.avg.UtilAvg
	r.unlock()
	require.Less(t, utilIdle, utilBusy/8)
}
