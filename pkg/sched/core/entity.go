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
	"github.com/containers/fairsched/pkg/sched/pelt"
	"github.com/containers/fairsched/pkg/sched/weight"
)

// entity is a schedulable unit on a fair queue, either a task or a
// group's presence on one CPU. Group entities link the per-CPU queue
// of their group (myQ) into the parent queue they are scheduled on.
type entity struct {
	load weight.Load
	onRq bool

	execStart          int64
	sumExecRuntime     int64
	prevSumExecRuntime int64
	vruntime           int64

	avg pelt.Avg

	// seq breaks vruntime ties with queue order in the timeline.
	seq uint64

	depth  int
	parent *entity
	cfsRq  *cfsRq // queue this entity is queued on
	myQ    *cfsRq // owned queue, group entities only
	task   *Task  // backlink, task entities only

	// runnableWeight caches h_nr_running of myQ for group entities.
	runnableWeight int64
}

func (se *entity) isTask() bool {
	return se.task != nil
}

// isIdle tells whether the entity runs at idle priority, either an
// idle-policy task or an idle-marked group.
func (se *entity) isIdle() bool {
	if se.isTask() {
		return se.task.Policy == PolicyIdle
	}
	return se.myQ.tg.idle
}

// entityWeight is the PELT load contribution of the entity. Group
// entity load follows the weight assigned by group share distribution.
func (se *entity) entityWeight() uint64 {
	return se.load.Weight
}

// entityRunnable is the runnable contribution: 0/1 for tasks, the
// hierarchical runnable count of the owned queue for groups.
func (se *entity) entityRunnable() int64 {
	if se.isTask() {
		if se.onRq {
			return 1
		}
		return 0
	}
	return se.runnableWeight
}

// entityBefore orders entities by vruntime with sequence tiebreak.
// The signed difference keeps the order correct across wraparound.
func entityBefore(a, b *entity) bool {
	if d := a.vruntime - b.vruntime; d != 0 {
		return d < 0
	}
	return a.seq < b.seq
}

// forEachEntity walks the entity and its ancestors bottom-up.
func forEachEntity(se *entity, fn func(se *entity) bool) {
	for ; se != nil; se = se.parent {
		if !fn(se) {
			return
		}
	}
}
