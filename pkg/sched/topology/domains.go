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
	"fmt"
	"sort"
	"strings"

	"go.uber.org/atomic"

	"github.com/containers/fairsched/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// DomainFlags describe the scheduling properties of one domain level.
type DomainFlags uint

const (
	// ShareCPUCapacity marks SMT siblings sharing core capacity.
	ShareCPUCapacity DomainFlags = 1 << iota
	// SharePkgResources marks CPUs sharing a last-level cache.
	SharePkgResources
	// NUMA marks a domain spanning multiple NUMA nodes.
	NUMA
	// AsymCPUCapacity marks a domain spanning CPUs of different capacity.
	AsymCPUCapacity
	// AsymPacking prefers packing load onto lower-numbered CPUs.
	AsymPacking
	// WakeAffine allows cache-affine wake-up placement at this level.
	WakeAffine
	// BalanceNewidle allows pulling work when a CPU goes idle.
	BalanceNewidle
	// BalanceFork allows placement at fork time at this level.
	BalanceFork
	// BalanceExec allows placement at exec time at this level.
	BalanceExec
	// BalanceWake allows slow-path placement at wake-up at this level.
	BalanceWake
	// Serialize serializes balancing of overlapping NUMA domains.
	Serialize
	// PreferSibling prefers spreading tasks over sibling domains.
	PreferSibling
)

var flagNames = map[DomainFlags]string{
	ShareCPUCapacity:  "SMT",
	SharePkgResources: "LLC",
	NUMA:              "NUMA",
	AsymCPUCapacity:   "ASYM_CAP",
	AsymPacking:       "ASYM_PACK",
	WakeAffine:        "WAKE_AFFINE",
	BalanceNewidle:    "NEWIDLE",
	BalanceFork:       "FORK",
	BalanceExec:       "EXEC",
	BalanceWake:       "WAKE",
	Serialize:         "SERIALIZE",
	PreferSibling:     "PREFER_SIBLING",
}

// String returns a readable representation of the flags.
func (f DomainFlags) String() string {
	names := []string{}
	for bit := DomainFlags(1); bit <= PreferSibling; bit <<= 1 {
		if f&bit != 0 {
			names = append(names, flagNames[bit])
		}
	}
	return strings.Join(names, "|")
}

// GroupCapacity is the capacity state of one scheduling group, shared by
// all CPU-local domain instances spanning the same CPUs.
type GroupCapacity struct {
	Capacity    int64 // total usable capacity of the group
	MinCapacity int64 // smallest per-CPU capacity in the group
	MaxCapacity int64 // largest per-CPU capacity in the group
	NextUpdate  int64 // next capacity refresh deadline
	// Imbalance is raised by a child level that failed to balance due
	// to task pinning, asking the parent to try from a wider span.
	Imbalance atomic.Int32
}

// Group is one scheduling group of a domain.
type Group struct {
	Span     cpuset.CPUSet
	Capacity *GroupCapacity
	// AsymPrefCPU is the preferred CPU for ASYM_PACKING domains.
	AsymPrefCPU idset.ID
}

// Weight returns the number of CPUs in the group.
func (g *Group) Weight() int { return g.Span.Size() }

// LLCShared is state shared by all CPUs under one last-level cache.
type LLCShared struct {
	HasIdleCores atomic.Bool
	NrIdleScan   atomic.Int32
}

// Domain is one level of the per-CPU scheduling domain chain. Every CPU
// has its own chain instance with private balancing state; groups and
// group capacities are shared between the instances that span the same
// CPUs.
type Domain struct {
	Name  string
	Level int
	Flags DomainFlags
	Span  cpuset.CPUSet

	Parent *Domain
	Child  *Domain
	// Groups partition the span one child level down. The first group
	// is always the local group, the one containing the owning CPU.
	Groups []*Group
	Shared *LLCShared

	ImbalancePct   int
	CacheNiceTries int
	BusyFactor     int
	MinInterval    int64 // ms
	MaxInterval    int64 // ms

	// Per-CPU mutable balancing state.
	LastBalance       int64
	BalanceInterval   int64 // ms
	NrBalanceFailed   int
	MaxNewidleLbCost  int64
	NextLbCostDecay   int64
}

// HasFlag checks if the domain has the given flag set.
func (sd *Domain) HasFlag(f DomainFlags) bool { return sd.Flags&f != 0 }

// LocalGroup returns the group containing the owning CPU.
func (sd *Domain) LocalGroup() *Group { return sd.Groups[0] }

// IntervalClamped returns the balance interval clamped to the legal range.
func (sd *Domain) IntervalClamped() int64 {
	if sd.BalanceInterval < sd.MinInterval {
		return sd.MinInterval
	}
	if sd.BalanceInterval > sd.MaxInterval {
		return sd.MaxInterval
	}
	return sd.BalanceInterval
}

func (sd *Domain) String() string {
	return fmt.Sprintf("%s{span %s, flags %s}", sd.Name, sd.Span, sd.Flags)
}

// Topology is the built scheduling topology of a system.
type Topology struct {
	Sys        System
	Root       *RootDomain
	domains    map[idset.ID]*Domain // per-CPU chain, leaf level
	llc        map[idset.ID]*Domain // per-CPU highest LLC-sharing level
	asym       map[idset.ID]*Domain // per-CPU lowest asymmetric level
	numa       map[idset.ID]*Domain // per-CPU first NUMA level
	llcSize    int
}

// CPUDomain returns the leaf of the given CPU's domain chain.
func (t *Topology) CPUDomain(cpu idset.ID) *Domain { return t.domains[cpu] }

// LLCDomain returns the highest domain of the CPU sharing a last-level cache.
func (t *Topology) LLCDomain(cpu idset.ID) *Domain { return t.llc[cpu] }

// AsymDomain returns the lowest domain of the CPU spanning asymmetric capacities.
func (t *Topology) AsymDomain(cpu idset.ID) *Domain { return t.asym[cpu] }

// NUMADomain returns the first NUMA domain of the CPU, if any.
func (t *Topology) NUMADomain(cpu idset.ID) *Domain { return t.numa[cpu] }

// LLCSize is the number of CPUs sharing the largest last-level cache.
func (t *Topology) LLCSize() int { return t.llcSize }

// levelSpec describes how to derive one domain level for a CPU.
type levelSpec struct {
	name  string
	span  func(sys System, c CPU) cpuset.CPUSet
	flags DomainFlags

	imbalancePct   int
	cacheNiceTries int
}

var basicLevels = []levelSpec{
	{
		name: "SMT",
		span: func(sys System, c CPU) cpuset.CPUSet { return c.SMTSiblings() },
		flags: ShareCPUCapacity | SharePkgResources | WakeAffine |
			BalanceNewidle | BalanceFork | BalanceExec | BalanceWake | PreferSibling,
		imbalancePct:   110,
		cacheNiceTries: 0,
	},
	{
		name: "MC",
		span: func(sys System, c CPU) cpuset.CPUSet { return sys.LLCCPUs(c.LLCID()) },
		flags: SharePkgResources | WakeAffine |
			BalanceNewidle | BalanceFork | BalanceExec | BalanceWake | PreferSibling,
		imbalancePct:   117,
		cacheNiceTries: 1,
	},
	{
		name: "PKG",
		span: func(sys System, c CPU) cpuset.CPUSet { return sys.PackageCPUs(c.PackageID()) },
		flags: WakeAffine |
			BalanceNewidle | BalanceFork | BalanceExec | BalanceWake,
		imbalancePct:   117,
		cacheNiceTries: 1,
	},
}

// Build constructs the per-CPU scheduling domain chains for a system.
func Build(sys System) (*Topology, error) {
	t := &Topology{
		Sys:     sys,
		domains: make(map[idset.ID]*Domain),
		llc:     make(map[idset.ID]*Domain),
		asym:    make(map[idset.ID]*Domain),
		numa:    make(map[idset.ID]*Domain),
		llcSize: 1,
	}

	// Shared group capacities and LLC state, keyed by level name + span.
	sgc := map[string]*GroupCapacity{}
	shared := map[string]*LLCShared{}

	capacityOf := func(span cpuset.CPUSet) *GroupCapacity {
		key := span.String()
		gc, ok := sgc[key]
		if !ok {
			gc = &GroupCapacity{MinCapacity: CapacityScale}
			for _, id := range span.List() {
				c := sys.CPU(id)
				gc.Capacity += c.Capacity()
				if c.Capacity() < gc.MinCapacity {
					gc.MinCapacity = c.Capacity()
				}
				if c.Capacity() > gc.MaxCapacity {
					gc.MaxCapacity = c.Capacity()
				}
			}
			sgc[key] = gc
		}
		return gc
	}

	numaLevels := numaDistanceLevels(sys)

	for _, id := range sys.CPUIDs() {
		c := sys.CPU(id)
		var chain []*Domain

		for _, lvl := range basicLevels {
			span := lvl.span(sys, c)
			if len(chain) > 0 && span.Equals(chain[len(chain)-1].Span) {
				continue
			}
			if span.Size() < 2 {
				continue
			}
			sd := &Domain{
				Name:           lvl.name,
				Flags:          lvl.flags,
				Span:           span,
				ImbalancePct:   lvl.imbalancePct,
				CacheNiceTries: lvl.cacheNiceTries,
			}
			chain = append(chain, sd)
		}

		// One NUMA level per distinct distance step.
		for i, dist := range numaLevels {
			span := nodesWithin(sys, c.NodeID(), dist)
			if len(chain) > 0 && span.Equals(chain[len(chain)-1].Span) {
				continue
			}
			if span.Size() < 2 {
				continue
			}
			flags := NUMA | Serialize | BalanceNewidle
			if i == 0 {
				flags |= BalanceFork | BalanceExec | BalanceWake | WakeAffine
			}
			sd := &Domain{
				Name:           fmt.Sprintf("NUMA-%d", dist),
				Flags:          flags,
				Span:           span,
				ImbalancePct:   125,
				CacheNiceTries: 2,
			}
			chain = append(chain, sd)
		}

		if len(chain) == 0 {
			// Single-CPU system: no balancing domains at all.
			continue
		}

		// Link the chain, fill in per-level defaults and groups.
		for i, sd := range chain {
			sd.Level = i
			if i > 0 {
				sd.Child = chain[i-1]
				chain[i-1].Parent = sd
			}
			weight := int64(sd.Span.Size())
			sd.BusyFactor = 16
			sd.MinInterval = weight
			sd.MaxInterval = 2 * weight
			sd.BalanceInterval = sd.MinInterval

			if sys.AsymCapacity() && spanIsAsym(sys, sd.Span) {
				sd.Flags |= AsymCPUCapacity
				if t.asym[id] == nil {
					t.asym[id] = sd
				}
			}

			var children []cpuset.CPUSet
			if sd.Child != nil {
				children = childSpans(sys, sd, chain[i-1])
			} else {
				for _, cid := range sd.Span.List() {
					children = append(children, cpuset.New(cid))
				}
			}
			local := -1
			for gi, span := range children {
				if span.Contains(id) {
					local = gi
					break
				}
			}
			ordered := append([]cpuset.CPUSet{children[local]},
				append(append([]cpuset.CPUSet{}, children[:local]...), children[local+1:]...)...)
			for _, span := range ordered {
				sd.Groups = append(sd.Groups, &Group{
					Span:        span,
					Capacity:    capacityOf(span),
					AsymPrefCPU: First(span),
				})
			}
		}

		for _, sd := range chain {
			if sd.HasFlag(SharePkgResources) {
				t.llc[id] = sd
				key := sd.Span.String()
				sh, ok := shared[key]
				if !ok {
					sh = &LLCShared{}
					shared[key] = sh
				}
				sd.Shared = sh
			}
			if sd.HasFlag(NUMA) && t.numa[id] == nil {
				t.numa[id] = sd
			}
		}
		if llc := t.llc[id]; llc != nil && llc.Span.Size() > t.llcSize {
			t.llcSize = llc.Span.Size()
		}

		t.domains[id] = chain[0]

		log.Debug("cpu %d domain chain:", id)
		for _, sd := range chain {
			log.Debug("  level %d: %s", sd.Level, sd)
		}
	}

	t.Root = newRootDomain(sys)

	return t, nil
}

// First returns the lowest CPU of a span.
func First(span cpuset.CPUSet) idset.ID {
	return cpuset.First(span)
}

// spanIsAsym checks if a span covers CPUs of different capacities.
func spanIsAsym(sys System, span cpuset.CPUSet) bool {
	ids := span.List()
	for _, id := range ids[1:] {
		if sys.CPU(id).Capacity() != sys.CPU(ids[0]).Capacity() {
			return true
		}
	}
	return false
}

// childSpans partitions a domain's span into the spans its child level
// would have on each CPU of the span.
func childSpans(sys System, sd *Domain, child *Domain) []cpuset.CPUSet {
	var spans []cpuset.CPUSet
	covered := cpuset.New()
	for _, id := range sd.Span.List() {
		if covered.Contains(id) {
			continue
		}
		span := childSpanFor(sys, child, id)
		spans = append(spans, span)
		covered = covered.Union(span)
	}
	return spans
}

// childSpanFor computes the child-level span as seen from the given CPU.
func childSpanFor(sys System, child *Domain, id idset.ID) cpuset.CPUSet {
	c := sys.CPU(id)
	switch child.Name {
	case "SMT":
		return c.SMTSiblings()
	case "MC":
		return sys.LLCCPUs(c.LLCID())
	case "PKG":
		return sys.PackageCPUs(c.PackageID())
	default:
		if child.HasFlag(NUMA) {
			dist := numaLevelDistance(child.Name)
			return nodesWithin(sys, c.NodeID(), dist)
		}
		return cpuset.New(id)
	}
}

// numaDistanceLevels returns the sorted distinct inter-node distances.
func numaDistanceLevels(sys System) []int {
	if sys.NodeCount() < 2 {
		return nil
	}
	seen := map[int]struct{}{}
	for _, from := range sys.NodeIDs() {
		for _, to := range sys.NodeIDs() {
			if from != to {
				seen[sys.NodeDistance(from, to)] = struct{}{}
			}
		}
	}
	dists := make([]int, 0, len(seen))
	for d := range seen {
		dists = append(dists, d)
	}
	sort.Ints(dists)
	return dists
}

// nodesWithin returns the CPUs of all nodes within the given distance.
func nodesWithin(sys System, node idset.ID, dist int) cpuset.CPUSet {
	span := cpuset.New()
	for _, to := range sys.NodeIDs() {
		if sys.NodeDistance(node, to) <= dist {
			span = span.Union(sys.NodeCPUs(to))
		}
	}
	return span
}

// numaLevelDistance parses the distance out of a NUMA level name.
func numaLevelDistance(name string) int {
	var dist int
	fmt.Sscanf(name, "NUMA-%d", &dist)
	return dist
}
