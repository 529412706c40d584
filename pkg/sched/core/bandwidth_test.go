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

func TestSetBandwidthValidation(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.ErrorIs(t, ts.s.SetBandwidth(ts.s.Root(), 100*ms, 20*ms, 0), ErrRootGroup)
	require.ErrorIs(t, ts.s.SetBandwidth(g, ms/2, 20*ms, 0), ErrInvalidPeriod)
	require.ErrorIs(t, ts.s.SetBandwidth(g, 2*int64(time.Second), 20*ms, 0), ErrInvalidPeriod)
	require.ErrorIs(t, ts.s.SetBandwidth(g, 100*ms, ms/2, 0), ErrInvalidQuota)
	require.ErrorIs(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 30*ms), ErrInvalidBurst)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 10*ms))

	// A negative quota removes the limit; burst is ignored then.
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, -1, 0))
}

func TestBandwidthCapsRuntime(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 0))

	p := ts.spawn(&TaskSpec{Comm: "hog", Group: g})
	total := 5 * int64(time.Second)
	ts.run(total)

	// An always-runnable task in a 20ms/100ms group gets a 20% share.
	share := float64(p.SumExecRuntime()) / float64(total)
	require.InDelta(t, 0.20, share, 0.015)

	stats := ts.s.BandwidthStats(g)
	require.GreaterOrEqual(t, stats.Periods, int64(45))
	require.Greater(t, stats.Throttled, int64(0))
	require.Greater(t, stats.ThrottledTime, int64(0))
}

func TestThrottleUnthrottleRoundTrip(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 5*ms, 0))

	p := ts.spawn(&TaskSpec{Comm: "hog", Group: g})

	throttled := func() bool {
		r := ts.s.rqs[0]
		r.lock()
		defer r.unlock()
		return g.cfs[0].isThrottled()
	}
	require.True(t, ts.runUntil(int64(time.Second), throttled))

	// A throttled hierarchy is invisible to the root queue.
	require.Equal(t, 0, ts.s.NrRunning(0))
	require.True(t, p.Queued())
	ts.run(2 * simTick)
	require.Nil(t, ts.s.Current(0))

	// The next period refill unthrottles and the task runs again.
	before := p.SumExecRuntime()
	require.True(t, ts.runUntil(int64(time.Second), func() bool {
		return !throttled() && p.SumExecRuntime() > before
	}))
	require.Equal(t, 1, ts.s.NrRunning(0))
}

func TestRemoveBandwidthLimit(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 10*ms, 0))

	p := ts.spawn(&TaskSpec{Comm: "hog", Group: g})
	ts.run(int64(time.Second))
	require.Less(t, float64(p.SumExecRuntime()), 0.2*float64(time.Second))

	// Removing the limit unthrottles immediately.
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, -1, 0))
	before := p.SumExecRuntime()
	total := int64(time.Second)
	ts.run(total)
	require.Greater(t, p.SumExecRuntime()-before, total*95/100)
}

func TestBandwidthBurst(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 20*ms))

	// Idle periods accrue burst credit; a later busy phase may then
	// exceed the plain quota within single periods without breaking
	// the long-run cap.
	p := ts.spawn(&TaskSpec{Comm: "bursty", Group: g})
	require.NoError(t, ts.s.Block(p))
	ts.run(500 * ms)

	ts.s.Wake(p)
	ts.run(3 * int64(time.Second))

	stats := ts.s.BandwidthStats(g)
	require.Greater(t, stats.Periods, int64(0))
	share := float64(p.SumExecRuntime()) / (3.5 * float64(time.Second))
	require.Less(t, share, 0.25)
}

func TestThrottledGroupSibling(t *testing.T) {
	ts := newSim(t, uniSpec())
	g, err := ts.s.CreateGroup("g", nil)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 0))

	limited := ts.spawn(&TaskSpec{Comm: "limited", Group: g})
	free := ts.spawn(&TaskSpec{Comm: "free"})
	total := 5 * int64(time.Second)
	ts.run(total)

	// The throttled group's unused share flows to the root sibling.
	require.InDelta(t, 0.20,
		float64(limited.SumExecRuntime())/float64(total), 0.02)
	require.Greater(t, free.SumExecRuntime(), total*75/100)
}
