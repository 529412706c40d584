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
	"github.com/containers/fairsched/pkg/sched/weight"
)

// wakeupPreemptEntity decides whether se should preempt curr: 1 when
// se leads curr by more than the wakeup granularity scaled to se's
// weight, 0 when it merely leads, -1 when it trails.
func (r *rq) wakeupPreemptEntity(curr, se *entity) int {
	vdiff := curr.vruntime - se.vruntime
	if vdiff <= 0 {
		return -1
	}
	gran := weight.DeltaFair(r.sched.tun().WakeupGranularity, &se.load)
	if vdiff > gran {
		return 1
	}
	return 0
}

// pickNextEntity picks the entity to run next: normally the leftmost,
// overridden by skip/next/last buddy hints when the unfairness stays
// within one wakeup granularity.
func (r *rq) pickNextEntity(cfs *cfsRq, curr *entity) *entity {
	left := cfs.firstEntity()
	if left == nil || (curr != nil && entityBefore(curr, left)) {
		left = curr
	}
	se := left

	if se != nil && cfs.skip == se {
		var second *entity
		if se == curr {
			second = cfs.firstEntity()
		} else {
			second = cfs.nextInTimeline(se)
			if second == nil || (curr != nil && entityBefore(curr, second)) {
				second = curr
			}
		}
		if second != nil && r.wakeupPreemptEntity(second, left) < 1 {
			se = second
		}
	}

	if cfs.next != nil && cfs.next.onRq && r.wakeupPreemptEntity(cfs.next, left) < 1 {
		se = cfs.next
	} else if cfs.last != nil && cfs.last.onRq && r.wakeupPreemptEntity(cfs.last, left) < 1 {
		se = cfs.last
	}

	if se != nil {
		cfs.clearBuddies(se)
	}
	return se
}

// setNextEntity takes an entity out of the timeline and installs it as
// the queue's current.
func (r *rq) setNextEntity(cfs *cfsRq, se *entity) {
	if se.onRq {
		cfs.removeEntity(se)
		r.updateLoadAvg(cfs, se, updateTG)
	}
	se.execStart = r.clockTask
	cfs.curr = se
	se.prevSumExecRuntime = se.sumExecRuntime
}

// putPrevEntity returns the queue's current to the timeline.
func (r *rq) putPrevEntity(cfs *cfsRq, prev *entity) {
	if prev.onRq {
		r.updateCurr(cfs)
	}
	r.checkCfsRqRuntime(cfs)
	if prev.onRq {
		cfs.insertEntity(prev)
		r.updateLoadAvg(cfs, prev, 0)
	}
	cfs.curr = nil
}

// putPrevTaskFair puts the previously running task back level by
// level, throttling any queue that ran out of bandwidth.
func (r *rq) putPrevTaskFair(prev *Task) {
	for se := &prev.se; se != nil; se = se.parent {
		r.putPrevEntity(se.cfsRq, se)
	}
	r.currTask = nil
}

// setNextTaskFair installs a task as running on every level of its
// hierarchy, used when a task is picked or changes queues while
// running.
func (r *rq) setNextTaskFair(p *Task) {
	for se := &p.se; se != nil; se = se.parent {
		r.setNextEntity(se.cfsRq, se)
	}
	r.currTask = p
	p.se.execStart = r.clockTask
}

// pickNextTaskFair picks the next task by descending the group
// hierarchy, choosing the best entity at each level. Returns nil when
// no fair task is runnable.
func (r *rq) pickNextTaskFair(prev *Task) *Task {
	if prev != nil {
		r.putPrevTaskFair(prev)
	}
	if r.cfs.hNrRunning == 0 {
		return nil
	}

	cfs := r.cfs
	for {
		se := r.pickNextEntity(cfs, nil)
		if se == nil {
			// Bandwidth throttling in putPrev may have emptied the
			// hierarchy between the count check and the descent.
			return nil
		}
		r.setNextEntity(cfs, se)
		if se.isTask() {
			p := taskOf(se)
			r.currTask = p
			r.needResched.Store(false)
			return p
		}
		cfs = se.myQ
	}
}

// buddy marks

func setNextBuddy(se *entity) {
	for ; se != nil; se = se.parent {
		if se.isTask() && se.isIdle() {
			return
		}
		se.cfsRq.next = se
	}
}

func setLastBuddy(se *entity) {
	for ; se != nil; se = se.parent {
		if se.isTask() && se.isIdle() {
			return
		}
		se.cfsRq.last = se
	}
}

func setSkipBuddy(se *entity) {
	for ; se != nil; se = se.parent {
		se.cfsRq.skip = se
	}
}

// findMatchingSE walks both entities up until they share a queue, so
// their vruntimes are comparable.
func findMatchingSE(se, pse **entity) {
	for (*se).depth > (*pse).depth {
		*se = (*se).parent
	}
	for (*pse).depth > (*se).depth {
		*pse = (*pse).parent
	}
	for (*se).cfsRq != (*pse).cfsRq {
		*se = (*se).parent
		*pse = (*pse).parent
	}
}

// checkPreemptWakeup decides whether a woken task should preempt the
// running one.
func (r *rq) checkPreemptWakeup(p *Task, flags WakeFlags) {
	curr := r.currTask
	if curr == nil {
		r.reschedCurr()
		return
	}
	if curr == p {
		return
	}
	se, pse := &curr.se, &p.se
	nextBuddyMarked := false

	if r.sched.features.NextBuddy.Load() && flags&WakeFork == 0 {
		setNextBuddy(pse)
		nextBuddyMarked = true
	}

	if r.needResched.Load() {
		return
	}

	// Idle tasks yield to everything, batch and idle wakers preempt
	// nothing.
	if curr.Policy == PolicyIdle && p.Policy != PolicyIdle {
		r.reschedCurr()
		return
	}
	if p.Policy == PolicyBatch || p.Policy == PolicyIdle {
		return
	}
	if !r.sched.features.WakeupPreemption.Load() {
		return
	}

	findMatchingSE(&se, &pse)
	if se == pse {
		return
	}
	r.updateCurr(se.cfsRq)

	if r.wakeupPreemptEntity(se, pse) == 1 {
		if !nextBuddyMarked {
			setNextBuddy(pse)
		}
		r.reschedCurr()

		if se.onRq && r.sched.features.LastBuddy.Load() && se.isTask() {
			setLastBuddy(se)
		}
	}
}

// yieldTaskFair gives up the CPU without sleeping: the task is marked
// as the skip buddy so the next pick passes it over.
func (r *rq) yieldTaskFair() {
	curr := r.currTask
	if curr == nil || r.cfs.hNrRunning == 1 {
		return
	}
	cfs := curr.se.cfsRq
	cfs.clearBuddies(&curr.se)
	r.updateClock()
	r.updateCurr(cfs)
	setSkipBuddy(&curr.se)
	r.reschedCurr()
}

// yieldToTaskFair additionally marks the target as the next buddy.
func (r *rq) yieldToTaskFair(p *Task) bool {
	se := &p.se
	if !se.onRq || se.isIdle() {
		return false
	}
	setNextBuddy(se)
	r.yieldTaskFair()
	return true
}
