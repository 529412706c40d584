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
	"sort"
	"sync"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"
	"go.uber.org/atomic"

	"github.com/containers/fairsched/pkg/sched/pelt"
	"github.com/containers/fairsched/pkg/sched/topology"
)

// rq is a per-CPU run queue. Its mutex protects the fair queue
// hierarchy rooted at cfs and all per-CPU scheduling state.
type rq struct {
	mu    sync.Mutex
	cpu   idset.ID
	sched *Scheduler

	// clock is raw virtual time, clockTask excludes lost time,
	// clockPelt additionally runs slower on low-capacity CPUs so
	// utilization saturates at the same rate everywhere.
	clock     int64
	clockTask int64
	clockPelt int64

	cfs        *cfsRq
	leafCfsRqs []*cfsRq
	leafDirty  bool
	// cfsTasks lists every queued fair task on this CPU in enqueue
	// order; the balancer detaches from the front, the coldest end.
	cfsTasks []*Task

	nrRunning   int
	currTask    *Task
	needResched atomic.Bool

	idleStamp          int64
	avgIdle            int64
	maxIdleBalanceCost int64
	nextBalance        int64
	newidleSeq         int

	cpuCapacity     int64
	cpuCapacityOrig int64
	misfitTaskLoad  uint64

	activeBalance bool
	abTargetCPU   idset.ID

	nohzTickStopped       atomic.Bool
	nohzBalanceKick       atomic.Bool
	lastBlockedLoadUpdate int64
	hasBlockedLoad        bool

	numaMigrateOn      bool
	nrNumaRunning      int
	nrPreferredRunning int

	sd *topology.Domain
	rd *topology.RootDomain
}

const maxIdleBalanceCostDefault = int64(500 * time.Microsecond)

func newRq(s *Scheduler, cpu idset.ID) *rq {
	r := &rq{
		cpu:                cpu,
		sched:              s,
		avgIdle:            2 * maxIdleBalanceCostDefault,
		maxIdleBalanceCost: maxIdleBalanceCostDefault,
	}
	return r
}

func (r *rq) lock()   { r.mu.Lock() }
func (r *rq) unlock() { r.mu.Unlock() }

// lockPair locks two run queues in CPU order to avoid ABBA deadlocks.
func lockPair(a, b *rq) {
	if a == b {
		a.lock()
		return
	}
	if a.cpu < b.cpu {
		a.lock()
		b.lock()
	} else {
		b.lock()
		a.lock()
	}
}

func unlockPair(a, b *rq) {
	a.unlock()
	if a != b {
		b.unlock()
	}
}

func (r *rq) isIdle() bool {
	return r.currTask == nil
}

// updateClock advances the run queue clocks to the scheduler clock.
func (r *rq) updateClock() {
	now := r.sched.clock.Now()
	delta := now - r.clock
	if delta <= 0 {
		return
	}
	r.clock = now

	lost := r.sched.env.LostTime(int(r.cpu), delta)
	if lost < 0 {
		lost = 0
	} else if lost > delta {
		lost = delta
	}
	r.clockTask += delta - lost
	r.updateClockPelt(delta - lost)
}

// updateClockPelt scales task time by CPU capacity and frequency, so
// PELT sums of a busy CPU reach the same values regardless of how fast
// the CPU actually retires work.
func (r *rq) updateClockPelt(delta int64) {
	if r.isIdle() {
		// Catching up to clockTask makes time lost to idle decay.
		r.clockPelt = r.clockTask
		return
	}
	delta = delta * r.cpuCapacityOrig >> pelt.CapacityShift
	delta = delta * r.sched.env.FreqScale(int(r.cpu)) >> pelt.CapacityShift
	r.clockPelt += delta
}

// cfsRqClockPelt is the PELT clock of a queue, frozen while throttled.
func (r *rq) cfsRqClockPelt(cfs *cfsRq) int64 {
	if cfs.isThrottled() {
		return cfs.throttledClockPelt - cfs.throttledPeltTime
	}
	return r.clockPelt - cfs.throttledPeltTime
}

// reschedCurr marks the current task for preemption.
func (r *rq) reschedCurr() {
	r.needResched.Store(true)
}

func (r *rq) addNrRunning(n int) {
	r.nrRunning += n
	if r.nrRunning >= 2 && r.rd != nil {
		r.rd.Overload.Store(true)
	}
}

func (r *rq) subNrRunning(n int) {
	r.nrRunning -= n
	if r.nrRunning < 0 {
		warnOnce("nr-running", "rq[%d]: nr_running went negative", r.cpu)
		r.nrRunning = 0
	}
}

func (r *rq) listAddTask(p *Task) {
	r.cfsTasks = append(r.cfsTasks, p)
}

func (r *rq) listRemoveTask(p *Task) {
	for i, t := range r.cfsTasks {
		if t == p {
			r.cfsTasks = append(r.cfsTasks[:i], r.cfsTasks[i+1:]...)
			return
		}
	}
}

// leafAdd registers a queue with queued entities for bottom-up
// traversal by PELT decay and throttling.
func (r *rq) leafAdd(cfs *cfsRq) {
	if cfs.onList {
		return
	}
	cfs.onList = true
	r.leafCfsRqs = append(r.leafCfsRqs, cfs)
	r.leafDirty = true
}

func (r *rq) leafRemove(cfs *cfsRq) {
	if !cfs.onList {
		return
	}
	cfs.onList = false
	for i, q := range r.leafCfsRqs {
		if q == cfs {
			r.leafCfsRqs = append(r.leafCfsRqs[:i], r.leafCfsRqs[i+1:]...)
			break
		}
	}
}

// forEachLeafCfsRq visits queues children before parents.
func (r *rq) forEachLeafCfsRq(fn func(cfs *cfsRq) bool) {
	if r.leafDirty {
		sort.SliceStable(r.leafCfsRqs, func(i, j int) bool {
			return r.leafCfsRqs[i].depth() > r.leafCfsRqs[j].depth()
		})
		r.leafDirty = false
	}
	for _, cfs := range r.leafCfsRqs {
		if !fn(cfs) {
			return
		}
	}
}

// cfsIdleCPU tells whether the CPU is idle as far as fair scheduling
// is concerned.
func (r *rq) idleCPU() bool {
	return r.currTask == nil && r.nrRunning == 0
}

// others capacity hooks

// capacityOf is the capacity available to fair tasks after lost time
// and thermal pressure.
func (r *rq) updateCapacity() {
	capacity := r.cpuCapacityOrig
	capacity -= r.sched.env.ThermalPressure(int(r.cpu))
	if capacity < 1 {
		capacity = 1
	}
	r.cpuCapacity = capacity
}
