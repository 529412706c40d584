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

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/containers/fairsched/pkg/utils/cpuset"
)

func gatherFamilies(t *testing.T, s *Scheduler) map[string]*dto.MetricFamily {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(s.Metrics()))

	fams, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range fams {
		byName[f.GetName()] = f
	}
	return byName
}

func TestMetricsGauges(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	ts.spawn(&TaskSpec{Comm: "busy"})
	ts.spawn(&TaskSpec{Comm: "busy2"})
	ts.run(100 * int64(time.Millisecond))

	fams := gatherFamilies(t, ts.s)

	nr, ok := fams["sched_cpu_nr_running"]
	require.True(t, ok)
	require.Len(t, nr.Metric, 2)
	total := 0.0
	for _, m := range nr.Metric {
		total += m.GetGauge().GetValue()
	}
	require.Equal(t, 2.0, total)

	capacity, ok := fams["sched_cpu_capacity"]
	require.True(t, ok)
	for _, m := range capacity.Metric {
		require.Greater(t, m.GetGauge().GetValue(), 0.0)
	}

	util, ok := fams["sched_cpu_util_avg"]
	require.True(t, ok)
	sum := 0.0
	for _, m := range util.Metric {
		sum += m.GetGauge().GetValue()
	}
	require.Greater(t, sum, 0.0)
}

func TestMetricsCounters(t *testing.T) {
	ts := newSim(t, smpSpec(2))

	// Pile work on one CPU so the balancer has something to count.
	var pile []*Task
	for i := 0; i < 4; i++ {
		pile = append(pile, ts.spawn(&TaskSpec{Comm: "pile", Allowed: cpuset.New(0)}))
	}
	ts.run(10 * simTick)
	for _, p := range pile {
		require.NoError(t, ts.s.SetAffinity(p, ts.s.cpus))
	}
	ts.run(3 * int64(time.Second))

	fams := gatherFamilies(t, ts.s)

	attempts, ok := fams["sched_lb_attempts_total"]
	require.True(t, ok)
	require.Greater(t, attempts.Metric[0].GetCounter().GetValue(), 0.0)

	migrations, ok := fams["sched_lb_migrations_total"]
	require.True(t, ok)
	require.Greater(t, migrations.Metric[0].GetCounter().GetValue(), 0.0)
}

func TestMetricsBandwidthGroups(t *testing.T) {
	ts := newSim(t, uniSpec())

	g, err := ts.s.CreateGroup("batch", nil)
	require.NoError(t, err)
	ms := int64(time.Millisecond)
	require.NoError(t, ts.s.SetBandwidth(g, 100*ms, 20*ms, 0))

	ts.spawn(&TaskSpec{Comm: "limited", Group: g})
	ts.run(int64(time.Second))

	fams := gatherFamilies(t, ts.s)

	periods, ok := fams["sched_group_bandwidth_periods_total"]
	require.True(t, ok)
	require.Len(t, periods.Metric, 1)
	require.Equal(t, "batch", periods.Metric[0].Label[0].GetValue())
	require.Greater(t, periods.Metric[0].GetCounter().GetValue(), 5.0)

	throttled, ok := fams["sched_group_bandwidth_throttled_total"]
	require.True(t, ok)
	require.Greater(t, throttled.Metric[0].GetCounter().GetValue(), 0.0)
}
