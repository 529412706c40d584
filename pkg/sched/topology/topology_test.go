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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// smtSpec builds an SMT system: 2 packages x 2 cores x 2 threads,
// one node per package.
func smtSpec() *SystemSpec {
	spec := &SystemSpec{}
	for id := 0; id < 8; id++ {
		spec.CPUs = append(spec.CPUs, CPUSpec{
			ID:      id,
			Core:    id / 2,
			LLC:     id / 4,
			Package: id / 4,
			Node:    id / 4,
		})
	}
	spec.NodeDistance = [][]int{{10, 20}, {20, 10}}
	return spec
}

// bigLittleSpec builds 4 little (512) + 4 big (1024) CPUs, single node,
// two frequency rails with energy models.
func bigLittleSpec() *SystemSpec {
	spec := &SystemSpec{}
	for id := 0; id < 8; id++ {
		capacity, rail := int64(512), 0
		if id >= 4 {
			capacity, rail = 1024, 1
		}
		spec.CPUs = append(spec.CPUs, CPUSpec{
			ID: id, Core: id, LLC: 0, Package: 0, Node: 0,
			Rail: rail, Capacity: capacity,
		})
	}
	spec.Rails = []RailSpec{
		{ID: 0, States: []PerfStateSpec{{Capacity: 256, Cost: 30}, {Capacity: 512, Cost: 80}}},
		{ID: 1, States: []PerfStateSpec{{Capacity: 512, Cost: 120}, {Capacity: 1024, Cost: 400}}},
	}
	return spec
}

func TestParseSpec(t *testing.T) {
	data := []byte(`
cpus:
  - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
  - { id: 1, core: 0, llc: 0, package: 0, node: 0 }
nodeDistance:
  - [10]
`)
	spec, err := ParseSpec(data)
	require.NoError(t, err)
	require.Len(t, spec.CPUs, 2)

	_, err = ParseSpec([]byte("cpus: 42"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, smtSpec().Validate())

	bad := smtSpec()
	bad.CPUs[1].ID = 0
	require.Error(t, bad.Validate())

	bad = smtSpec()
	bad.CPUs[0].Capacity = 4096
	require.Error(t, bad.Validate())

	bad = &SystemSpec{}
	require.ErrorContains(t, bad.Validate(), "no CPUs")
}

func TestSystemLookups(t *testing.T) {
	sys, err := NewSystem(smtSpec())
	require.NoError(t, err)

	require.Equal(t, 8, sys.CPUCount())
	require.Equal(t, 2, sys.NodeCount())
	require.Equal(t, int64(CapacityScale), sys.MaxCapacity())
	require.False(t, sys.AsymCapacity())
	require.Equal(t, 20, sys.NodeDistance(0, 1))
	require.Equal(t, 10, sys.NodeDistance(1, 1))

	if diff := cmp.Diff("0-1", sys.CPU(0).SMTSiblings().String()); diff != "" {
		t.Fatalf("SMT siblings mismatch (-want +got): %s", diff)
	}
	require.Equal(t, "4-7", sys.NodeCPUs(1).String())
}

func TestBuildDomains(t *testing.T) {
	sys, err := NewSystem(smtSpec())
	require.NoError(t, err)
	topo, err := Build(sys)
	require.NoError(t, err)

	sd := topo.CPUDomain(0)
	require.NotNil(t, sd)
	require.Equal(t, "SMT", sd.Name)
	require.True(t, sd.HasFlag(ShareCPUCapacity))
	require.Equal(t, "0-1", sd.Span.String())

	mc := sd.Parent
	require.NotNil(t, mc)
	require.Equal(t, "MC", mc.Name)
	require.Equal(t, "0-3", mc.Span.String())
	require.True(t, mc.HasFlag(SharePkgResources))
	// local group first
	require.Equal(t, "0-1", mc.LocalGroup().Span.String())
	require.Len(t, mc.Groups, 2)

	numa := mc.Parent
	require.NotNil(t, numa)
	require.True(t, numa.HasFlag(NUMA))
	require.True(t, numa.HasFlag(Serialize))
	require.Equal(t, "0-7", numa.Span.String())
	require.Nil(t, numa.Parent)

	// LLC domain is the highest cache-sharing level
	require.Equal(t, mc, topo.LLCDomain(0))
	require.Equal(t, 4, topo.LLCSize())
	require.Equal(t, numa, topo.NUMADomain(0))

	// group capacity shared across same-span instances
	numa6 := topo.NUMADomain(6)
	require.Equal(t, "4-7", numa6.LocalGroup().Span.String())
	require.Same(t, numa.Groups[1].Capacity, numa6.LocalGroup().Capacity)
	require.Equal(t, int64(4*CapacityScale), numa6.LocalGroup().Capacity.Capacity)
}

func TestBuildAsym(t *testing.T) {
	sys, err := NewSystem(bigLittleSpec())
	require.NoError(t, err)
	require.True(t, sys.AsymCapacity())

	topo, err := Build(sys)
	require.NoError(t, err)

	sd := topo.CPUDomain(0)
	require.Equal(t, "MC", sd.Name)
	require.True(t, sd.HasFlag(AsymCPUCapacity))
	require.Equal(t, sd, topo.AsymDomain(0))

	rd := topo.Root
	require.True(t, rd.HasEnergyModel())
	require.Len(t, rd.PerfDomains, 2)
	require.Equal(t, "0-3", rd.PerfDomainOf(0).Span.String())

	little := rd.PerfDomainOf(0)
	// 25% headroom pushes 400 util past the 512 state cap selection
	e1 := little.Energy(200, 400)
	e2 := little.Energy(500, 400)
	require.Less(t, e1, e2)

	require.Equal(t, int64(CapacityScale), rd.MaxCPUCapacity)
}

func TestSingleCPU(t *testing.T) {
	sys, err := NewSystem(&SystemSpec{CPUs: []CPUSpec{{ID: 0}}})
	require.NoError(t, err)
	topo, err := Build(sys)
	require.NoError(t, err)
	require.Nil(t, topo.CPUDomain(0))
}
