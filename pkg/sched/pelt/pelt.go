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

// Package pelt implements per-entity load tracking. Time is divided into
// 1024us periods and every tracked signal is a geometric series over
// those periods with decay ratio y = 0.5^(1/32), so 32ms of history
// weighs half of the most recent 32ms. Updates are lazy: accumulators
// are aged from their last update time whenever a signal is observed.
package pelt

import "math"

const (
	// PeriodBits converts a nanosecond clock to ~1us resolution.
	PeriodBits = 10
	// Period is the PELT period in scaled time units.
	Period = 1024
	// LoadAvgPeriod is the half-life of the decaying averages, in periods.
	LoadAvgPeriod = 32
	// LoadAvgMax is the maximum value of the geometric series,
	// sum y^n * 1024 for n = 0..inf.
	LoadAvgMax = 47742
	// MinDivider is the smallest divider used when computing averages.
	MinDivider = LoadAvgMax - Period

	// CapacityShift scales runnable and running contributions.
	CapacityShift = 10
	// CapacityScale is the capacity of the biggest CPU at full speed.
	CapacityScale = 1 << CapacityShift
)

// ynInv[n] holds y^n scaled by 2^32, for n in [0, 31]. Larger exponents
// reduce to a plain shift since y^32 = 0.5.
var ynInv [LoadAvgPeriod]uint32

func init() {
	ynInv[0] = math.MaxUint32
	for n := 1; n < LoadAvgPeriod; n++ {
		ynInv[n] = uint32(math.Floor(math.Pow(0.5, float64(n)/LoadAvgPeriod) * (1 << 32)))
	}
}

// DecayLoad computes val * y^n.
func DecayLoad(val uint64, n uint64) uint64 {
	if n > 63*LoadAvgPeriod {
		return 0
	}
	if n >= LoadAvgPeriod {
		val >>= n / LoadAvgPeriod
		n %= LoadAvgPeriod
	}
	return (val * uint64(ynInv[n])) >> 32
}

// accumulateSegments computes the contribution of a window that spans
// full periods: d1 is the remainder of the oldest period, decayed the
// whole span, c2 the geometric sum of the full periods in between, and
// d3 the start of the current period, not decayed at all.
func accumulateSegments(periods uint64, d1, d3 uint32) uint32 {
	c1 := uint32(DecayLoad(uint64(d1), periods))
	c2 := uint32(LoadAvgMax) - uint32(DecayLoad(LoadAvgMax, periods)) - Period
	return c1 + c2 + d3
}

// Avg tracks the decayed load, runnable and utilization signals of one
// entity or run queue.
type Avg struct {
	LastUpdateTime int64
	LoadSum        uint64
	RunnableSum    uint64
	UtilSum        uint64
	PeriodContrib  uint32

	LoadAvg     uint64
	RunnableAvg uint64
	UtilAvg     uint64
}

// accumulate ages the sums by delta scaled-time units and adds the new
// contribution. Returns the number of full periods crossed.
func (sa *Avg) accumulate(delta uint64, load, runnable uint64, running bool) uint64 {
	contrib := uint32(delta)

	delta += uint64(sa.PeriodContrib)
	periods := delta / Period

	if periods != 0 {
		sa.LoadSum = DecayLoad(sa.LoadSum, periods)
		sa.RunnableSum = DecayLoad(sa.RunnableSum, periods)
		sa.UtilSum = DecayLoad(sa.UtilSum, periods)

		delta %= Period
		if load != 0 {
			contrib = accumulateSegments(periods, Period-sa.PeriodContrib, uint32(delta))
		}
	}
	sa.PeriodContrib = uint32(delta)

	if load != 0 {
		sa.LoadSum += load * uint64(contrib)
	}
	if runnable != 0 {
		sa.RunnableSum += runnable * uint64(contrib) << CapacityShift
	}
	if running {
		sa.UtilSum += uint64(contrib) << CapacityShift
	}
	return periods
}

// UpdateSum ages the accumulators from LastUpdateTime to now. The clock
// is expected to be capacity and frequency scaled by the caller (the rq
// PELT clock). Returns true if a period boundary was crossed and the
// averages should be recomputed.
func (sa *Avg) UpdateSum(now int64, load, runnable uint64, running bool) bool {
	delta := now - sa.LastUpdateTime
	if delta < 0 {
		sa.LastUpdateTime = now
		return false
	}

	delta >>= PeriodBits
	if delta == 0 {
		return false
	}
	sa.LastUpdateTime += delta << PeriodBits

	// Running implies runnable; a queue with no load carries neither.
	if load == 0 {
		runnable = 0
		running = false
	}

	return sa.accumulate(uint64(delta), load, runnable, running) != 0
}

// Divider is the value the sums are divided by to produce averages. It
// tracks the current, partially accrued period so that a freshly forked
// entity can start from a sensible average instead of zero.
func (sa *Avg) Divider() uint64 {
	return MinDivider + uint64(sa.PeriodContrib)
}

// UpdateAvg recomputes the averages from the sums. For task and group
// entities load is the entity weight; for run queues it is 1 since the
// queue's LoadSum is already weight-scaled.
func (sa *Avg) UpdateAvg(load uint64) {
	div := sa.Divider()
	sa.LoadAvg = load * sa.LoadSum / div
	sa.RunnableAvg = sa.RunnableSum / div
	sa.UtilAvg = sa.UtilSum / div
}

// Update combines UpdateSum and UpdateAvg.
func (sa *Avg) Update(now int64, weight uint64, load, runnable uint64, running bool) bool {
	if !sa.UpdateSum(now, load, runnable, running) {
		return false
	}
	sa.UpdateAvg(weight)
	return true
}

// SyncTo forwards LastUpdateTime without accruing anything, used when an
// entity is attached to a queue whose clock it has never seen.
func (sa *Avg) SyncTo(now int64) {
	sa.LastUpdateTime = now
}
