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
	"math/bits"
	"time"
)

// TunableScaling selects how latency tunables scale with CPU count.
type TunableScaling int

const (
	// ScalingNone leaves tunables as configured.
	ScalingNone TunableScaling = iota
	// ScalingLog scales by 1+log2(ncpus), the default.
	ScalingLog
	// ScalingLinear scales by ncpus.
	ScalingLinear
)

// Tunables are the runtime-adjustable scheduler knobs. The duration
// fields are nanoseconds. A zero value is replaced by the default.
type Tunables struct {
	// Latency is the targeted preemption latency for a saturated CPU.
	Latency int64 `json:"latencyNs,omitempty"`
	// MinGranularity is the minimal slice a task is granted.
	MinGranularity int64 `json:"minGranularityNs,omitempty"`
	// WakeupGranularity limits wakeup preemption of the current task.
	WakeupGranularity int64 `json:"wakeupGranularityNs,omitempty"`
	// MigrationCost is how long a task is considered cache hot.
	MigrationCost int64 `json:"migrationCostNs,omitempty"`
	// Scaling selects CPU-count scaling of the latency tunables.
	Scaling TunableScaling `json:"scaling,omitempty"`
	// BandwidthSlice is the amount of quota transferred from a group
	// bandwidth pool to a per-CPU queue at a time.
	BandwidthSlice int64 `json:"bandwidthSliceNs,omitempty"`
	// NumaScanDelay is the initial delay before a task takes part in
	// NUMA page scanning.
	NumaScanDelay int64 `json:"numaScanDelayNs,omitempty"`
	// NumaScanPeriodMin bounds the adaptive NUMA scan period from below.
	NumaScanPeriodMin int64 `json:"numaScanPeriodMinNs,omitempty"`
	// NumaScanPeriodMax bounds the adaptive NUMA scan period from above.
	NumaScanPeriodMax int64 `json:"numaScanPeriodMaxNs,omitempty"`
	// NumaScanSizeMB is the amount of address space scanned per pass.
	NumaScanSizeMB int64 `json:"numaScanSizeMB,omitempty"`
}

// DefaultTunables returns the unscaled defaults.
func DefaultTunables() Tunables {
	return Tunables{
		Latency:           6 * int64(time.Millisecond),
		MinGranularity:    750 * int64(time.Microsecond),
		WakeupGranularity: 1 * int64(time.Millisecond),
		MigrationCost:     500 * int64(time.Microsecond),
		Scaling:           ScalingLog,
		BandwidthSlice:    5 * int64(time.Millisecond),
		NumaScanDelay:     1000 * int64(time.Millisecond),
		NumaScanPeriodMin: 1000 * int64(time.Millisecond),
		NumaScanPeriodMax: 60000 * int64(time.Millisecond),
		NumaScanSizeMB:    256,
	}
}

// scaled applies the configured CPU-count scaling factor.
func (t *Tunables) scaled(v int64, ncpus int) int64 {
	switch t.Scaling {
	case ScalingNone:
		return v
	case ScalingLinear:
		return v * int64(ncpus)
	default:
		if ncpus < 1 {
			ncpus = 1
		}
		return v * int64(1+bits.Len(uint(ncpus))-1)
	}
}

// fillDefaults replaces zero fields with defaults and pre-scales the
// latency tunables for the given CPU count.
func (t *Tunables) fillDefaults(ncpus int) {
	def := DefaultTunables()
	if t.Latency == 0 {
		t.Latency = t.scaledDefault(def.Latency, ncpus)
	}
	if t.MinGranularity == 0 {
		t.MinGranularity = t.scaledDefault(def.MinGranularity, ncpus)
	}
	if t.WakeupGranularity == 0 {
		t.WakeupGranularity = t.scaledDefault(def.WakeupGranularity, ncpus)
	}
	if t.MigrationCost == 0 {
		t.MigrationCost = def.MigrationCost
	}
	if t.BandwidthSlice == 0 {
		t.BandwidthSlice = def.BandwidthSlice
	}
	if t.NumaScanDelay == 0 {
		t.NumaScanDelay = def.NumaScanDelay
	}
	if t.NumaScanPeriodMin == 0 {
		t.NumaScanPeriodMin = def.NumaScanPeriodMin
	}
	if t.NumaScanPeriodMax == 0 {
		t.NumaScanPeriodMax = def.NumaScanPeriodMax
	}
	if t.NumaScanSizeMB == 0 {
		t.NumaScanSizeMB = def.NumaScanSizeMB
	}
}

func (t *Tunables) scaledDefault(v int64, ncpus int) int64 {
	return t.scaled(v, ncpus)
}

// nrLatency is the number of tasks the latency target stretches over
// before the period degrades to nr*MinGranularity.
func (t *Tunables) nrLatency() int64 {
	if t.MinGranularity <= 0 {
		return 1
	}
	n := t.Latency / t.MinGranularity
	if n < 1 {
		n = 1
	}
	return n
}
