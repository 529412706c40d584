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

// Package topology describes the machine the scheduler runs on: CPUs
// with their capacities, SMT siblings, shared caches, packages, NUMA
// nodes and frequency rails, and builds the per-CPU scheduling domain
// hierarchy from that description.
package topology

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/containers/fairsched/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"

	logger "github.com/containers/fairsched/pkg/log"
)

var log = logger.NewLogger("topology")

const (
	// CapacityScale is the capacity of the fastest CPU at full frequency.
	CapacityScale = 1024
	// LocalDistance is the NUMA distance of a node to itself.
	LocalDistance = 10
	// RemoteDistance is the default NUMA distance between distinct nodes.
	RemoteDistance = 20
)

// CPUSpec describes a single CPU in a system specification.
type CPUSpec struct {
	ID       idset.ID `json:"id"`
	Core     idset.ID `json:"core"`
	LLC      idset.ID `json:"llc"`
	Package  idset.ID `json:"package"`
	Node     idset.ID `json:"node"`
	Rail     idset.ID `json:"rail"`
	Capacity int64    `json:"capacity,omitempty"`
}

// PerfStateSpec is one {capacity, cost} energy model entry of a rail.
type PerfStateSpec struct {
	Capacity int64 `json:"capacity"`
	Cost     int64 `json:"cost"`
}

// RailSpec describes one frequency/voltage rail and its energy model.
type RailSpec struct {
	ID     idset.ID        `json:"id"`
	States []PerfStateSpec `json:"states,omitempty"`
}

// SystemSpec is the declarative, yaml-loadable description of a system.
type SystemSpec struct {
	CPUs         []CPUSpec  `json:"cpus"`
	NodeDistance [][]int    `json:"nodeDistance,omitempty"`
	Rails        []RailSpec `json:"rails,omitempty"`
}

// System provides topology lookups for a described system.
type System interface {
	CPUCount() int
	CPUIDs() []idset.ID
	CPUSet() cpuset.CPUSet
	CPU(id idset.ID) CPU
	NodeCount() int
	NodeIDs() []idset.ID
	NodeCPUs(id idset.ID) cpuset.CPUSet
	NodeDistance(from, to idset.ID) int
	PackageCPUs(id idset.ID) cpuset.CPUSet
	CoreCPUs(id idset.ID) cpuset.CPUSet
	LLCCPUs(id idset.ID) cpuset.CPUSet
	RailCPUs(id idset.ID) cpuset.CPUSet
	RailIDs() []idset.ID
	RailStates(id idset.ID) []PerfStateSpec
	MaxCapacity() int64
	AsymCapacity() bool
}

// CPU provides information about one CPU.
type CPU interface {
	ID() idset.ID
	CoreID() idset.ID
	LLCID() idset.ID
	PackageID() idset.ID
	NodeID() idset.ID
	RailID() idset.ID
	Capacity() int64
	SMTSiblings() cpuset.CPUSet
}

type system struct {
	spec     *SystemSpec
	cpus     map[idset.ID]*cpu
	cores    map[idset.ID]cpuset.CPUSet
	llcs     map[idset.ID]cpuset.CPUSet
	packages map[idset.ID]cpuset.CPUSet
	nodes    map[idset.ID]cpuset.CPUSet
	rails    map[idset.ID]cpuset.CPUSet
	states   map[idset.ID][]PerfStateSpec
	distance map[idset.ID]map[idset.ID]int
	cpuSet   cpuset.CPUSet
	maxCap   int64
	asymCap  bool
}

type cpu struct {
	sys  *system
	spec CPUSpec
}

// ErrInvalidSpec is returned for malformed system specifications.
var ErrInvalidSpec = errors.New("topology: invalid system specification")

// ParseSpec unmarshals a yaml system specification.
func ParseSpec(data []byte) (*SystemSpec, error) {
	spec := &SystemSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, errors.Wrap(err, "topology: failed to parse system spec")
	}
	return spec, nil
}

// NewSystem validates the given specification and builds a System.
func NewSystem(spec *SystemSpec) (System, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	sys := &system{
		spec:     spec,
		cpus:     make(map[idset.ID]*cpu),
		cores:    make(map[idset.ID]cpuset.CPUSet),
		llcs:     make(map[idset.ID]cpuset.CPUSet),
		packages: make(map[idset.ID]cpuset.CPUSet),
		nodes:    make(map[idset.ID]cpuset.CPUSet),
		rails:    make(map[idset.ID]cpuset.CPUSet),
		states:   make(map[idset.ID][]PerfStateSpec),
		distance: make(map[idset.ID]map[idset.ID]int),
	}

	ids := []int{}
	for i := range spec.CPUs {
		cs := spec.CPUs[i]
		if cs.Capacity == 0 {
			cs.Capacity = CapacityScale
		}
		sys.cpus[cs.ID] = &cpu{sys: sys, spec: cs}
		ids = append(ids, cs.ID)
		sys.cores[cs.Core] = sys.cores[cs.Core].Union(cpuset.New(cs.ID))
		sys.llcs[cs.LLC] = sys.llcs[cs.LLC].Union(cpuset.New(cs.ID))
		sys.packages[cs.Package] = sys.packages[cs.Package].Union(cpuset.New(cs.ID))
		sys.nodes[cs.Node] = sys.nodes[cs.Node].Union(cpuset.New(cs.ID))
		sys.rails[cs.Rail] = sys.rails[cs.Rail].Union(cpuset.New(cs.ID))
		if cs.Capacity > sys.maxCap {
			sys.maxCap = cs.Capacity
		}
	}
	sys.cpuSet = cpuset.New(ids...)

	for _, c := range sys.cpus {
		if c.spec.Capacity != sys.maxCap {
			sys.asymCap = true
		}
	}

	for _, rs := range spec.Rails {
		states := append([]PerfStateSpec{}, rs.States...)
		sort.Slice(states, func(i, j int) bool {
			return states[i].Capacity < states[j].Capacity
		})
		sys.states[rs.ID] = states
	}

	nodeIDs := sys.NodeIDs()
	for i, from := range nodeIDs {
		sys.distance[from] = make(map[idset.ID]int)
		for j, to := range nodeIDs {
			switch {
			case spec.NodeDistance != nil:
				sys.distance[from][to] = spec.NodeDistance[i][j]
			case from == to:
				sys.distance[from][to] = LocalDistance
			default:
				sys.distance[from][to] = RemoteDistance
			}
		}
	}

	log.Info("system: %d CPUs, %d nodes, %d packages, asymmetric capacity: %v",
		sys.CPUCount(), sys.NodeCount(), len(sys.packages), sys.asymCap)

	return sys, nil
}

// Validate checks a system specification for consistency.
func (spec *SystemSpec) Validate() error {
	var errs *multierror.Error

	if len(spec.CPUs) == 0 {
		errs = multierror.Append(errs, errors.Wrap(ErrInvalidSpec, "no CPUs"))
	}

	seen := map[idset.ID]struct{}{}
	nodes := map[idset.ID]struct{}{}
	for _, cs := range spec.CPUs {
		if _, ok := seen[cs.ID]; ok {
			errs = multierror.Append(errs,
				errors.Wrapf(ErrInvalidSpec, "duplicate CPU id %d", cs.ID))
		}
		seen[cs.ID] = struct{}{}
		nodes[cs.Node] = struct{}{}
		if cs.Capacity < 0 || cs.Capacity > CapacityScale {
			errs = multierror.Append(errs,
				errors.Wrapf(ErrInvalidSpec, "CPU %d: capacity %d out of range",
					cs.ID, cs.Capacity))
		}
	}

	if spec.NodeDistance != nil {
		if len(spec.NodeDistance) != len(nodes) {
			errs = multierror.Append(errs,
				errors.Wrapf(ErrInvalidSpec, "distance matrix size %d, %d nodes",
					len(spec.NodeDistance), len(nodes)))
		}
		for i, row := range spec.NodeDistance {
			if len(row) != len(spec.NodeDistance) {
				errs = multierror.Append(errs,
					errors.Wrapf(ErrInvalidSpec, "distance matrix row %d not square", i))
			}
		}
	}

	for _, rs := range spec.Rails {
		for _, ps := range rs.States {
			if ps.Capacity <= 0 || ps.Cost <= 0 {
				errs = multierror.Append(errs,
					errors.Wrapf(ErrInvalidSpec, "rail %d: invalid perf state %+v",
						rs.ID, ps))
			}
		}
	}

	return errs.ErrorOrNil()
}

func (s *system) CPUCount() int { return len(s.cpus) }

func (s *system) CPUIDs() []idset.ID {
	return s.cpuSet.List()
}

func (s *system) CPUSet() cpuset.CPUSet { return s.cpuSet }

func (s *system) CPU(id idset.ID) CPU { return s.cpus[id] }

func (s *system) NodeCount() int { return len(s.nodes) }

func (s *system) NodeIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *system) NodeCPUs(id idset.ID) cpuset.CPUSet { return s.nodes[id] }

func (s *system) NodeDistance(from, to idset.ID) int {
	if d, ok := s.distance[from][to]; ok {
		return d
	}
	return RemoteDistance
}

func (s *system) PackageCPUs(id idset.ID) cpuset.CPUSet { return s.packages[id] }
func (s *system) CoreCPUs(id idset.ID) cpuset.CPUSet    { return s.cores[id] }
func (s *system) LLCCPUs(id idset.ID) cpuset.CPUSet     { return s.llcs[id] }
func (s *system) RailCPUs(id idset.ID) cpuset.CPUSet    { return s.rails[id] }

func (s *system) RailIDs() []idset.ID {
	ids := make([]idset.ID, 0, len(s.rails))
	for id := range s.rails {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *system) RailStates(id idset.ID) []PerfStateSpec { return s.states[id] }

func (s *system) MaxCapacity() int64 { return s.maxCap }
func (s *system) AsymCapacity() bool { return s.asymCap }

func (c *cpu) ID() idset.ID        { return c.spec.ID }
func (c *cpu) CoreID() idset.ID    { return c.spec.Core }
func (c *cpu) LLCID() idset.ID     { return c.spec.LLC }
func (c *cpu) PackageID() idset.ID { return c.spec.Package }
func (c *cpu) NodeID() idset.ID    { return c.spec.Node }
func (c *cpu) RailID() idset.ID    { return c.spec.Rail }
func (c *cpu) Capacity() int64     { return c.spec.Capacity }

func (c *cpu) SMTSiblings() cpuset.CPUSet {
	return c.sys.cores[c.spec.Core]
}

// CPUSetFromIDSet returns a CPUSet corresponding to an IDSet.
func CPUSetFromIDSet(s idset.IDSet) cpuset.CPUSet {
	return cpuset.New(s.SortedMembers()...)
}

// IDSetFromCPUSet returns an IDSet corresponding to a CPUSet.
func IDSetFromCPUSet(s cpuset.CPUSet) idset.IDSet {
	return idset.NewIDSet(s.List()...)
}
