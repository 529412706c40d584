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

// enqueueEntity adds an entity to its queue. Wakeups get a fresh
// placement, everything else keeps a vruntime relative to the queue it
// came from and is renormalized here.
func (r *rq) enqueueEntity(cfs *cfsRq, se *entity, flags int) {
	renorm := flags&enqueueWakeup == 0 || flags&enqueueMigrated != 0
	curr := cfs.curr == se

	// Renormalize before updating min_vruntime if se is current, after
	// otherwise, so update_curr sees consistent state.
	if renorm && curr {
		se.vruntime += cfs.minVruntime
	}
	r.updateCurr(cfs)
	if renorm && !curr {
		se.vruntime += cfs.minVruntime
	}

	r.updateLoadAvg(cfs, se, updateTG|doAttach)
	seUpdateRunnable(se)
	r.updateCfsGroup(se)

	cfs.load.Add(se.load.Weight)
	cfs.nrRunning++
	if se.isTask() {
		r.listAddTask(taskOf(se))
		r.accountNumaEnqueue(taskOf(se))
	}

	if flags&enqueueWakeup != 0 {
		r.placeEntity(cfs, se, false)
	}

	se.seq = r.sched.nextSeq.Inc()
	if !curr {
		cfs.insertEntity(se)
	}
	se.onRq = true

	if cfs.nrRunning == 1 {
		r.leafAdd(cfs)
		r.checkEnqueueThrottle(cfs)
	}
}

// dequeueEntity removes an entity. Unless it is going to sleep, its
// vruntime is made queue-relative so a later enqueue elsewhere can
// renormalize it.
func (r *rq) dequeueEntity(cfs *cfsRq, se *entity, flags int) {
	r.updateCurr(cfs)

	loadFlags := updateTG
	if se.isTask() && se.task.onRq == migrating {
		// A migrating task detaches its load from this hierarchy.
		loadFlags |= doDetach
	}
	r.updateLoadAvg(cfs, se, loadFlags)
	seUpdateRunnable(se)

	cfs.clearBuddies(se)

	if se != cfs.curr {
		cfs.removeEntity(se)
	}
	se.onRq = false
	cfs.load.Sub(se.load.Weight)
	cfs.nrRunning--
	if se.isTask() {
		r.listRemoveTask(taskOf(se))
		r.accountNumaDequeue(taskOf(se))
	}

	if flags&dequeueSleep == 0 {
		se.vruntime -= cfs.minVruntime
	}

	r.returnCfsRqRuntime(cfs)
	r.updateCfsGroup(se)

	if flags&(dequeueSave|dequeueMove) != dequeueSave {
		cfs.updateMinVruntime()
	}
}

// enqueueTaskFair queues a task, walking up the group hierarchy and
// queueing every group entity that was not queued yet. Evaluation ends
// at a throttled queue, whose presence above is already accounted.
func (r *rq) enqueueTaskFair(p *Task, flags int) {
	idleDelta := 0
	if p.Policy == PolicyIdle {
		idleDelta = 1
	}
	throttled := false

	se := &p.se
	for ; se != nil; se = se.parent {
		if se.onRq {
			break
		}
		cfs := se.cfsRq
		r.enqueueEntity(cfs, se, flags)

		cfs.hNrRunning++
		cfs.idleHNrRunning += idleDelta
		if cfs.tg.idle {
			idleDelta = 1
		}
		if cfs.isThrottled() {
			throttled = true
			break
		}
		flags = enqueueWakeup
	}
	if !throttled {
		for ; se != nil; se = se.parent {
			cfs := se.cfsRq
			r.updateLoadAvg(cfs, se, updateTG)
			seUpdateRunnable(se)
			r.updateCfsGroup(se)

			cfs.hNrRunning++
			cfs.idleHNrRunning += idleDelta
			if cfs.tg.idle {
				idleDelta = 1
			}
			if cfs.isThrottled() {
				throttled = true
				break
			}
		}
	}

	if !throttled {
		r.addNrRunning(1)
	}
}

// dequeueTaskFair removes a task; group entities left without load are
// dequeued along with it.
func (r *rq) dequeueTaskFair(p *Task, flags int) {
	idleDelta := 0
	if p.Policy == PolicyIdle {
		idleDelta = 1
	}
	taskSleep := flags&dequeueSleep != 0
	throttled := false

	se := &p.se
	for ; se != nil; se = se.parent {
		cfs := se.cfsRq
		r.dequeueEntity(cfs, se, flags)

		cfs.hNrRunning--
		cfs.idleHNrRunning -= idleDelta
		if cfs.tg.idle {
			idleDelta = 1
		}
		if cfs.isThrottled() {
			throttled = true
			break
		}

		// Don't dequeue a parent that still has other entities.
		if cfs.load.Weight != 0 {
			se = se.parent
			if taskSleep && se != nil && !cfs.throttledHierarchy() {
				setNextBuddy(se)
			}
			break
		}
		flags |= dequeueSleep
	}
	if !throttled {
		for ; se != nil; se = se.parent {
			cfs := se.cfsRq
			r.updateLoadAvg(cfs, se, updateTG)
			seUpdateRunnable(se)
			r.updateCfsGroup(se)

			cfs.hNrRunning--
			cfs.idleHNrRunning -= idleDelta
			if cfs.tg.idle {
				idleDelta = 1
			}
			if cfs.isThrottled() {
				throttled = true
				break
			}
		}
	}

	if !throttled {
		r.subNrRunning(1)
	}
}

// activateTask makes a task runnable on this run queue.
func (r *rq) activateTask(p *Task, flags int) {
	if p.onRq == migrating {
		flags |= enqueueMigrated
	}
	r.enqueueTaskFair(p, flags)
	p.onRq = queued
}

// deactivateTask removes a task from this run queue. A non-sleep
// dequeue leaves the task in the migrating state so the entity's load
// is detached and later re-attached on the destination.
func (r *rq) deactivateTask(p *Task, flags int) {
	if flags&dequeueSleep != 0 {
		p.onRq = notQueued
	} else {
		p.onRq = migrating
	}
	r.dequeueTaskFair(p, flags)
}
