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

package pelt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const tick = int64(1024 << PeriodBits) // one full period in ns

func TestDecayLoad(t *testing.T) {
	require.Equal(t, uint64(0), DecayLoad(123456, 64*LoadAvgPeriod))

	// half-life: 32 periods halve the value
	v := uint64(1 << 20)
	half := DecayLoad(v, LoadAvgPeriod)
	require.InDelta(t, float64(v/2), float64(half), float64(v)/1000)

	// decay is multiplicative across splits
	a := DecayLoad(DecayLoad(v, 7), 9)
	b := DecayLoad(v, 16)
	require.InDelta(t, float64(b), float64(a), 4)
}

func TestAlwaysRunningConverges(t *testing.T) {
	sa := &Avg{}
	now := int64(0)
	for i := 0; i < 350; i++ {
		now += tick
		sa.Update(now, 1, 1, 1, true)
	}
	// a task that never sleeps saturates at full scale
	require.InDelta(t, float64(CapacityScale), float64(sa.UtilAvg), 30)
	require.InDelta(t, float64(CapacityScale), float64(sa.RunnableAvg), 30)
	require.LessOrEqual(t, sa.UtilSum, sa.RunnableSum)
	require.LessOrEqual(t, sa.RunnableSum>>CapacityShift, uint64(LoadAvgMax))
}

func TestHalfDutyCycle(t *testing.T) {
	sa := &Avg{}
	now := int64(0)
	for i := 0; i < 1000; i++ {
		now += tick
		sa.Update(now, 1, 1, 1, i%2 == 0)
	}
	// 50% duty cycle settles around half scale
	require.InDelta(t, float64(CapacityScale/2), float64(sa.UtilAvg), 64)
}

func TestBlockedDecay(t *testing.T) {
	sa := &Avg{}
	now := int64(0)
	for i := 0; i < 200; i++ {
		now += tick
		sa.Update(now, 1, 1, 1, true)
	}
	peak := sa.UtilAvg

	// 32 periods of sleep halve the signal
	now += LoadAvgPeriod * tick
	sa.Update(now, 1, 0, 0, false)
	require.InDelta(t, float64(peak/2), float64(sa.UtilAvg), float64(peak)/20)
}

func TestSubPeriodUpdateIsDeferred(t *testing.T) {
	sa := &Avg{}
	sa.Update(1000, 1, 1, 1, true) // less than one scaled unit
	require.Zero(t, sa.PeriodContrib)

	sa = &Avg{}
	require.False(t, sa.Update(100<<PeriodBits, 1, 1, 1, true))
	require.Equal(t, uint32(100), sa.PeriodContrib)
	require.Less(t, sa.PeriodContrib, uint32(Period))
}

func TestNegativeClockResets(t *testing.T) {
	sa := &Avg{LastUpdateTime: 1 << 30}
	require.False(t, sa.Update(100, 1, 1, 1, true))
	require.Equal(t, int64(100), sa.LastUpdateTime)
}

func TestDividerBounds(t *testing.T) {
	sa := &Avg{}
	now := int64(0)
	for i := 0; i < 100; i++ {
		now += tick + 512<<PeriodBits
		sa.Update(now, 1, 1, 1, true)
		div := sa.Divider()
		require.GreaterOrEqual(t, div, uint64(MinDivider))
		require.LessOrEqual(t, div, uint64(LoadAvgMax))
	}
}
