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
	"fmt"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// Policy is the scheduling policy of a task within the fair class.
type Policy int

const (
	// PolicyNormal is the default time-sharing policy.
	PolicyNormal Policy = iota
	// PolicyBatch disables wakeup preemption for throughput workloads.
	PolicyBatch
	// PolicyIdle runs the task at minimal weight, below nice 19.
	PolicyIdle
)

// onRqState tracks queue membership of a task.
type onRqState int

const (
	notQueued onRqState = iota
	queued
	migrating
)

// TaskSpec describes a task to create.
type TaskSpec struct {
	// Comm is a short human-readable name.
	Comm string
	// Nice is the nice level, MinNice..MaxNice.
	Nice int
	// Policy selects Normal, Batch or Idle.
	Policy Policy
	// Allowed restricts the task to a CPU set. Empty means all CPUs.
	Allowed cpuset.CPUSet
	// Group places the task in a scheduling group. Nil means root.
	Group *TaskGroup
	// MM optionally shares an address space with other tasks, used by
	// NUMA balancing. Nil gives the task a private address space.
	MM *MM
}

// Task is a schedulable task. All mutable scheduling state is
// protected by the lock of the run queue the task is assigned to.
type Task struct {
	ID     int
	Comm   string
	Policy Policy

	nice  int
	se    entity
	tg    *TaskGroup
	isNew bool

	cpu           idset.ID
	onRq          onRqState
	allowed       cpuset.CPUSet
	nrCPUsAllowed int

	// execStartRaw tracks wall runtime for stats, unscaled.
	startTime int64

	// wakeup heuristics state
	wakeeFlips      int
	wakeeFlipDecay  int64
	lastWakee       *Task
	recentUsedCPU   idset.ID
	failedMigrations int

	// NUMA balancing state, see numa.go
	mm                 *MM
	numaScanSeq        int
	numaScanPeriod     int64
	numaNextScan       int64
	numaMigrateRetry   int64
	numaPreferredNid   int
	numaLastRuntime    int64
	numaLastPlacement  int64
	numaFaults         []int64
	totalNumaFaults    int64
	numaFaultsLocality [3]int64
	numaGroup          *numaGroup
	numaPagesMigrated  int64
}

func (p *Task) String() string {
	return fmt.Sprintf("%s/%d", p.Comm, p.ID)
}

// Nice returns the task's nice level.
func (p *Task) Nice() int {
	return p.nice
}

// CPU returns the CPU the task is currently assigned to.
func (p *Task) CPU() int {
	return int(p.cpu)
}

// Allowed returns the task's CPU affinity mask.
func (p *Task) Allowed() cpuset.CPUSet {
	return p.allowed
}

// SumExecRuntime returns the accumulated runtime in nanoseconds.
func (p *Task) SumExecRuntime() int64 {
	return p.se.sumExecRuntime
}

// VRuntime returns the task's current virtual runtime.
func (p *Task) VRuntime() int64 {
	return p.se.vruntime
}

// Queued tells whether the task is enqueued on some run queue.
func (p *Task) Queued() bool {
	return p.onRq == queued
}

// UtilAvg returns the task's tracked utilization.
func (p *Task) UtilAvg() int64 {
	return int64(p.se.avg.UtilAvg)
}

// PreferredNode returns the preferred NUMA node, or -1 when none.
func (p *Task) PreferredNode() int {
	return p.numaPreferredNid
}

// taskOf maps a task entity back to its task.
func taskOf(se *entity) *Task {
	return se.task
}
