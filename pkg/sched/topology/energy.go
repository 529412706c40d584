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

package topology

import (
	"go.uber.org/atomic"

	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// PerfState is one operating point of a frequency rail: the per-CPU
// capacity available at that point and its relative power cost.
type PerfState struct {
	Capacity int64
	Cost     int64
}

// PerfDomain is a set of CPUs sharing one frequency/voltage rail,
// annotated with an energy model ordered by increasing capacity.
type PerfDomain struct {
	Span   cpuset.CPUSet
	States []PerfState
}

// RootDomain is the global span partition. It carries the globally
// shared overload and over-utilization hints and the perf-domain list
// used by energy-aware wake-up.
type RootDomain struct {
	Span          cpuset.CPUSet
	Overload      atomic.Bool
	Overutilized  atomic.Bool
	PerfDomains   []*PerfDomain
	MaxCPUCapacity int64
}

// newRootDomain builds the root domain and its perf-domain list.
func newRootDomain(sys System) *RootDomain {
	rd := &RootDomain{
		Span:           sys.CPUSet(),
		MaxCPUCapacity: sys.MaxCapacity(),
	}

	for _, id := range sys.RailIDs() {
		states := sys.RailStates(id)
		if len(states) == 0 {
			continue
		}
		pd := &PerfDomain{Span: sys.RailCPUs(id)}
		for _, ps := range states {
			pd.States = append(pd.States, PerfState{Capacity: ps.Capacity, Cost: ps.Cost})
		}
		rd.PerfDomains = append(rd.PerfDomains, pd)
	}

	if len(rd.PerfDomains) > 0 {
		log.Info("energy model: %d perf domains", len(rd.PerfDomains))
	}

	return rd
}

// HasEnergyModel checks whether every CPU belongs to a modeled rail.
func (rd *RootDomain) HasEnergyModel() bool {
	if len(rd.PerfDomains) == 0 {
		return false
	}
	covered := cpuset.New()
	for _, pd := range rd.PerfDomains {
		covered = covered.Union(pd.Span)
	}
	return covered.Equals(rd.Span)
}

// PerfDomainOf returns the perf domain containing the given CPU.
func (rd *RootDomain) PerfDomainOf(cpu int) *PerfDomain {
	for _, pd := range rd.PerfDomains {
		if pd.Span.Contains(cpu) {
			return pd
		}
	}
	return nil
}

// Energy predicts the energy consumed by the perf domain when its
// busiest CPU runs at maxUtil and the domain's total utilization is
// sumUtil. The rail frequency follows the busiest CPU with a 25%
// headroom; the cost of the chosen operating point is then charged in
// proportion to the time the rail is busy.
func (pd *PerfDomain) Energy(maxUtil, sumUtil int64) int64 {
	if len(pd.States) == 0 {
		return 0
	}

	target := maxUtil + (maxUtil >> 2)
	ps := pd.States[len(pd.States)-1]
	for _, s := range pd.States {
		if s.Capacity >= target {
			ps = s
			break
		}
	}
	if ps.Capacity == 0 {
		return 0
	}
	return ps.Cost * sumUtil / ps.Capacity
}
