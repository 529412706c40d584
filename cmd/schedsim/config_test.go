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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/fairsched/pkg/sched/core"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig(writeConfig(t, `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
    - { id: 1, core: 1, llc: 0, package: 0, node: 0 }
tunables:
  latencyNs: 12000000
groups:
  - name: batch
    shares: 512
    periodMs: 100
    quotaMs: 20
tasks:
  - comm: hog
    count: 2
  - comm: worker
    group: batch
    policy: batch
    nice: 5
    allowed: "0"
    runMs: 10
    sleepMs: 40
`))
	require.NoError(t, err)
	require.Len(t, cfg.System.CPUs, 2)
	require.Equal(t, int64(12000000), cfg.Tunables.Latency)
	require.Len(t, cfg.Groups, 1)
	require.Len(t, cfg.Tasks, 2)
	require.Equal(t, core.PolicyBatch, parsePolicy(cfg.Tasks[1].Policy))
}

func TestReadConfigErrors(t *testing.T) {
	for name, data := range map[string]string{
		"missing system": `
tasks:
  - comm: hog
`,
		"empty workload": `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
`,
		"undeclared group": `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
tasks:
  - comm: hog
    group: nosuch
`,
		"quota without period": `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
groups:
  - name: batch
    quotaMs: 20
tasks:
  - comm: hog
`,
		"unknown policy": `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
tasks:
  - comm: hog
    policy: realtime
`,
		"unknown field": `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
tasks:
  - comm: hog
    weight: 100
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := readConfig(writeConfig(t, data))
			require.Error(t, err)
		})
	}
}

func TestSimulatorEndToEnd(t *testing.T) {
	cfg, err := readConfig(writeConfig(t, `
system:
  cpus:
    - { id: 0, core: 0, llc: 0, package: 0, node: 0 }
    - { id: 1, core: 1, llc: 0, package: 0, node: 0 }
tasks:
  - comm: hog
    count: 4
`))
	require.NoError(t, err)

	sim, err := newSimulator(cfg)
	require.NoError(t, err)
	defer sim.s.Stop()

	sim.runFor(int64(time.Second))

	var total int64
	for _, st := range sim.tasks {
		total += st.p.SumExecRuntime()
	}
	// Two CPUs for one virtual second: the hogs soak up all of it.
	require.InDelta(t, 2*float64(time.Second), float64(total),
		0.05*float64(time.Second))
}
