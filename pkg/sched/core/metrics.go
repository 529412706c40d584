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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	descNrRunning = iota
	descLoadAvg
	descUtilAvg
	descCapacity
	descLbAttempts
	descLbMigrations
	descLbFailed
	descLbActivePushes
	descNewidleAttempts
	descNohzKicks
	descNumaScanPasses
	descNumaScannedPages
	descNumaHintFaults
	descNumaHintFaultsLocal
	descNumaPagesMigrated
	descNumaTaskMigrations
	descNumaTaskSwaps
	descGroupPeriods
	descGroupThrottled
	descGroupThrottledTime
)

var descriptors = []*prometheus.Desc{
	descNrRunning: prometheus.NewDesc(
		"sched_cpu_nr_running",
		"Number of runnable fair tasks on a CPU.",
		[]string{"cpu"},
		nil,
	),
	descLoadAvg: prometheus.NewDesc(
		"sched_cpu_load_avg",
		"PELT load average of a CPU's root queue.",
		[]string{"cpu"},
		nil,
	),
	descUtilAvg: prometheus.NewDesc(
		"sched_cpu_util_avg",
		"PELT utilization of a CPU, capped to its capacity.",
		[]string{"cpu"},
		nil,
	),
	descCapacity: prometheus.NewDesc(
		"sched_cpu_capacity",
		"Capacity of a CPU available to fair tasks.",
		[]string{"cpu"},
		nil,
	),
	descLbAttempts: prometheus.NewDesc(
		"sched_lb_attempts_total",
		"Load balance attempts.",
		nil,
		nil,
	),
	descLbMigrations: prometheus.NewDesc(
		"sched_lb_migrations_total",
		"Tasks migrated by the load balancer.",
		nil,
		nil,
	),
	descLbFailed: prometheus.NewDesc(
		"sched_lb_failed_total",
		"Load balance attempts that moved nothing.",
		nil,
		nil,
	),
	descLbActivePushes: prometheus.NewDesc(
		"sched_lb_active_pushes_total",
		"Active balance pushes via the stopper.",
		nil,
		nil,
	),
	descNewidleAttempts: prometheus.NewDesc(
		"sched_newidle_balance_total",
		"New-idle balance attempts.",
		nil,
		nil,
	),
	descNohzKicks: prometheus.NewDesc(
		"sched_nohz_kicks_total",
		"Idle balance kicks sent to tickless CPUs.",
		nil,
		nil,
	),
	descNumaScanPasses: prometheus.NewDesc(
		"sched_numa_scan_passes_total",
		"Completed NUMA scan passes over address spaces.",
		nil,
		nil,
	),
	descNumaScannedPages: prometheus.NewDesc(
		"sched_numa_scanned_pages_total",
		"Pages unmapped for NUMA hinting.",
		nil,
		nil,
	),
	descNumaHintFaults: prometheus.NewDesc(
		"sched_numa_hint_faults_total",
		"NUMA hinting faults reported.",
		nil,
		nil,
	),
	descNumaHintFaultsLocal: prometheus.NewDesc(
		"sched_numa_hint_faults_local_total",
		"NUMA hinting faults on the faulting CPU's own node.",
		nil,
		nil,
	),
	descNumaPagesMigrated: prometheus.NewDesc(
		"sched_numa_pages_migrated_total",
		"Pages migrated to follow their tasks.",
		nil,
		nil,
	),
	descNumaTaskMigrations: prometheus.NewDesc(
		"sched_numa_task_migrations_total",
		"Tasks moved to their preferred node.",
		nil,
		nil,
	),
	descNumaTaskSwaps: prometheus.NewDesc(
		"sched_numa_task_swaps_total",
		"Task pairs swapped between nodes.",
		nil,
		nil,
	),
	descGroupPeriods: prometheus.NewDesc(
		"sched_group_bandwidth_periods_total",
		"Elapsed enforcement periods of a bandwidth-limited group.",
		[]string{"group"},
		nil,
	),
	descGroupThrottled: prometheus.NewDesc(
		"sched_group_bandwidth_throttled_total",
		"Periods in which the group ran out of runtime.",
		[]string{"group"},
		nil,
	),
	descGroupThrottledTime: prometheus.NewDesc(
		"sched_group_bandwidth_throttled_time_ns",
		"Total time the group spent throttled.",
		[]string{"group"},
		nil,
	),
}

// Metrics exposes scheduler state as a prometheus collector. The
// counters are updated lock-free from the hot paths; the per-CPU
// gauges are sampled at collection time.
type Metrics struct {
	s *Scheduler

	lbAttempts      atomic.Int64
	lbMigrations    atomic.Int64
	lbFailed        atomic.Int64
	lbActivePushes  atomic.Int64
	newidleAttempts atomic.Int64
	nohzKicks       atomic.Int64

	numaScanPasses      atomic.Int64
	numaScannedPages    atomic.Int64
	numaHintFaults      atomic.Int64
	numaHintFaultsLocal atomic.Int64
	numaPagesMigrated   atomic.Int64
	numaTaskMigrations  atomic.Int64
	numaTaskSwaps       atomic.Int64
}

func newMetrics(s *Scheduler) *Metrics {
	return &Metrics{s: s}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.s

	for _, r := range s.rqs {
		cpu := strconv.Itoa(int(r.cpu))
		r.lock()
		nr := float64(r.cfs.hNrRunning)
		load := float64(r.cpuLoad())
		util := float64(r.cpuUtil())
		capacity := float64(r.cpuCapacity)
		r.unlock()

		ch <- prometheus.MustNewConstMetric(
			descriptors[descNrRunning], prometheus.GaugeValue, nr, cpu)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descLoadAvg], prometheus.GaugeValue, load, cpu)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descUtilAvg], prometheus.GaugeValue, util, cpu)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descCapacity], prometheus.GaugeValue, capacity, cpu)
	}

	counter := func(desc int, v *atomic.Int64) {
		ch <- prometheus.MustNewConstMetric(
			descriptors[desc], prometheus.CounterValue, float64(v.Load()))
	}
	counter(descLbAttempts, &m.lbAttempts)
	counter(descLbMigrations, &m.lbMigrations)
	counter(descLbFailed, &m.lbFailed)
	counter(descLbActivePushes, &m.lbActivePushes)
	counter(descNewidleAttempts, &m.newidleAttempts)
	counter(descNohzKicks, &m.nohzKicks)
	counter(descNumaScanPasses, &m.numaScanPasses)
	counter(descNumaScannedPages, &m.numaScannedPages)
	counter(descNumaHintFaults, &m.numaHintFaults)
	counter(descNumaHintFaultsLocal, &m.numaHintFaultsLocal)
	counter(descNumaPagesMigrated, &m.numaPagesMigrated)
	counter(descNumaTaskMigrations, &m.numaTaskMigrations)
	counter(descNumaTaskSwaps, &m.numaTaskSwaps)

	s.groupsMu.Lock()
	groups := make([]*TaskGroup, len(s.groups))
	copy(groups, s.groups)
	s.groupsMu.Unlock()

	for _, tg := range groups {
		if tg == s.root {
			continue
		}
		stats := s.BandwidthStats(tg)
		if stats.Periods == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			descriptors[descGroupPeriods], prometheus.CounterValue,
			float64(stats.Periods), tg.Name)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descGroupThrottled], prometheus.CounterValue,
			float64(stats.Throttled), tg.Name)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descGroupThrottledTime], prometheus.CounterValue,
			float64(stats.ThrottledTime), tg.Name)
	}
}
