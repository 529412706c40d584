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

// updateCurr charges elapsed runtime to the running entity and moves
// its virtual runtime forward at the weight-scaled rate.
func (r *rq) updateCurr(cfs *cfsRq) {
	curr := cfs.curr
	if curr == nil {
		return
	}
	now := r.clockTask
	delta := now - curr.execStart
	if delta <= 0 {
		return
	}
	curr.execStart = now
	curr.sumExecRuntime += delta
	curr.vruntime += weight.DeltaFair(delta, &curr.load)
	cfs.updateMinVruntime()

	r.accountCfsRqRuntime(cfs, delta)
}

// schedPeriod is the interval in which every runnable task should get
// one slice. It stretches once more than nrLatency tasks are runnable.
func (s *Scheduler) schedPeriod(nr int64) int64 {
	t := s.tun()
	if nr > t.nrLatency() {
		return nr * t.MinGranularity
	}
	return t.Latency
}

// schedSlice is the wall-time slice the entity should get out of the
// current period, diluted by group weight at every level.
func (r *rq) schedSlice(cfs *cfsRq, se *entity) int64 {
	nr := int64(cfs.nrRunning)
	if !se.onRq {
		nr++
	}
	slice := r.sched.schedPeriod(nr)

	for ; se != nil; se = se.parent {
		q := se.cfsRq
		load := q.load
		if !se.onRq {
			load.Add(se.load.Weight)
		}
		slice = weight.CalcDelta(slice, se.load.Weight, &load)
	}
	return slice
}

// schedVslice is the slice converted to entity virtual time.
func (r *rq) schedVslice(cfs *cfsRq, se *entity) int64 {
	return weight.DeltaFair(r.schedSlice(cfs, se), &se.load)
}

// placeEntity assigns a vruntime to a newly arriving entity: new tasks
// start one vslice behind, sleepers get up to half a latency period of
// credit, and an entity never gains from leaving and re-entering.
func (r *rq) placeEntity(cfs *cfsRq, se *entity, initial bool) {
	vruntime := cfs.minVruntime
	s := r.sched

	if initial && s.features.StartDebit.Load() {
		vruntime += r.schedVslice(cfs, se)
	}
	if !initial {
		thresh := s.tun().Latency
		if s.features.GentleFairSleepers.Load() {
			thresh >>= 1
		}
		vruntime -= thresh
	}

	if se.vruntime < vruntime {
		se.vruntime = vruntime
	}
}

// checkPreemptTick preempts the current entity once it has consumed
// its slice, or earlier when it has fallen one slice behind the
// leftmost waiter.
func (r *rq) checkPreemptTick(cfs *cfsRq, curr *entity) {
	ideal := r.schedSlice(cfs, curr)
	delta := curr.sumExecRuntime - curr.prevSumExecRuntime
	if delta > ideal {
		r.reschedCurr()
		cfs.clearBuddies(curr)
		return
	}
	if delta < r.sched.tun().MinGranularity {
		return
	}

	left := cfs.firstEntity()
	if left == nil {
		return
	}
	vdiff := curr.vruntime - left.vruntime
	if vdiff > ideal {
		r.reschedCurr()
	}
}

func (r *rq) entityTick(cfs *cfsRq, curr *entity) {
	r.updateCurr(cfs)
	r.updateLoadAvg(cfs, curr, updateTG)
	r.updateCfsGroup(curr)

	if cfs.nrRunning > 1 {
		r.checkPreemptTick(cfs, curr)
	}
}

// taskTickFair runs periodic per-task maintenance on the tick.
func (r *rq) taskTickFair(p *Task) {
	for se := &p.se; se != nil; se = se.parent {
		r.entityTick(se.cfsRq, se)
	}

	r.updateMisfitStatus(p)
	r.updateOverutilized()
}

// fitsCapacity tells whether util fits in capacity with the standard
// 20% headroom.
func fitsCapacity(util int64, capacity int64) bool {
	return capacity*1024 > util*1280
}

// updateMisfitStatus advertises a running task that no longer fits
// this CPU's capacity, so that load balancing can move it up.
func (r *rq) updateMisfitStatus(p *Task) {
	if p == nil || p.nrCPUsAllowed == 1 {
		r.misfitTaskLoad = 0
		return
	}
	if fitsCapacity(int64(taskUtil(p)), r.cpuCapacity) {
		r.misfitTaskLoad = 0
		return
	}
	load := r.taskHLoad(p)
	if load < 1 {
		load = 1
	}
	r.misfitTaskLoad = load
}

// updateOverutilized raises the root-domain overutilized flag when
// this CPU's utilization leaves no headroom. The flag is recomputed
// domain-wide during load balancing.
func (r *rq) updateOverutilized() {
	if r.rd == nil || r.rd.Overutilized.Load() {
		return
	}
	if !fitsCapacity(r.cpuUtil(), r.cpuCapacity) {
		r.rd.Overutilized.Store(true)
	}
}
