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
)

// update_load_avg flags
const (
	updateTG = 1 << iota
	skipAgeLoad
	doAttach
	doDetach
)

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// addPositive adds a signed delta to an unsigned accumulator, clamping
// the result at zero.
func addPositive(acc *uint64, delta int64) {
	if delta >= 0 {
		*acc += uint64(delta)
		return
	}
	d := uint64(-delta)
	if *acc > d {
		*acc -= d
	} else {
		*acc = 0
	}
}

// subPositive subtracts clamping at zero.
func subPositive(acc *uint64, v uint64) {
	if *acc > v {
		*acc -= v
	} else {
		*acc = 0
	}
}

// seUpdateRunnable refreshes a group entity's runnable weight from its
// owned queue.
func seUpdateRunnable(se *entity) {
	if !se.isTask() {
		se.runnableWeight = int64(se.myQ.hNrRunning)
	}
}

// updateEntityAvg ages the entity's own PELT signal.
func (r *rq) updateEntityAvg(now int64, cfs *cfsRq, se *entity) bool {
	return se.avg.Update(now, se.entityWeight(),
		b2u(se.onRq), uint64(se.entityRunnable()), cfs.curr == se)
}

// updateCfsRqLoadAvg folds load removed by migrations into the queue
// signal and ages it.
func (r *rq) updateCfsRqLoadAvg(now int64, cfs *cfsRq) bool {
	decayed := false

	cfs.removed.Lock()
	if cfs.removed.nr > 0 {
		removedLoad := uint64(cfs.removed.loadAvg)
		removedUtil := uint64(cfs.removed.utilAvg)
		removedRunnable := uint64(cfs.removed.runnableAvg)
		cfs.removed.nr = 0
		cfs.removed.loadAvg = 0
		cfs.removed.utilAvg = 0
		cfs.removed.runnableAvg = 0
		divider := cfs.avg.Divider()

		subPositive(&cfs.avg.LoadAvg, removedLoad)
		subPositive(&cfs.avg.LoadSum, removedLoad*divider)
		if min := cfs.avg.LoadAvg * pelt.MinDivider; cfs.avg.LoadSum < min {
			cfs.avg.LoadSum = min
		}
		subPositive(&cfs.avg.UtilAvg, removedUtil)
		subPositive(&cfs.avg.UtilSum, removedUtil*divider)
		if min := cfs.avg.UtilAvg * pelt.MinDivider; cfs.avg.UtilSum < min {
			cfs.avg.UtilSum = min
		}
		subPositive(&cfs.avg.RunnableAvg, removedRunnable)
		subPositive(&cfs.avg.RunnableSum, removedRunnable*divider)
		if min := cfs.avg.RunnableAvg * pelt.MinDivider; cfs.avg.RunnableSum < min {
			cfs.avg.RunnableSum = min
		}

		addTgCfsPropagate(cfs, -int64(removedRunnable*divider)>>pelt.CapacityShift)
		decayed = true
	}
	cfs.removed.Unlock()

	if cfs.avg.Update(now, 1, cfs.load.Weight, uint64(cfs.hNrRunning), cfs.curr != nil) {
		decayed = true
	}
	return decayed
}

func addTgCfsPropagate(cfs *cfsRq, runnableSum int64) {
	cfs.propagate = true
	cfs.propRunnableSum += runnableSum
}

func updateTgCfsUtil(cfs *cfsRq, se *entity, gcfs *cfsRq) {
	deltaAvg := int64(gcfs.avg.UtilAvg) - int64(se.avg.UtilAvg)
	if deltaAvg == 0 {
		return
	}
	divider := cfs.avg.Divider()

	se.avg.UtilAvg = gcfs.avg.UtilAvg
	newSum := se.avg.UtilAvg * divider
	deltaSum := int64(newSum) - int64(se.avg.UtilSum)
	se.avg.UtilSum = newSum

	addPositive(&cfs.avg.UtilAvg, deltaAvg)
	addPositive(&cfs.avg.UtilSum, deltaSum)
	if min := cfs.avg.UtilAvg * pelt.MinDivider; cfs.avg.UtilSum < min {
		cfs.avg.UtilSum = min
	}
}

func updateTgCfsRunnable(cfs *cfsRq, se *entity, gcfs *cfsRq) {
	deltaAvg := int64(gcfs.avg.RunnableAvg) - int64(se.avg.RunnableAvg)
	if deltaAvg == 0 {
		return
	}
	divider := cfs.avg.Divider()

	se.avg.RunnableAvg = gcfs.avg.RunnableAvg
	newSum := se.avg.RunnableAvg * divider
	deltaSum := int64(newSum) - int64(se.avg.RunnableSum)
	se.avg.RunnableSum = newSum

	addPositive(&cfs.avg.RunnableAvg, deltaAvg)
	addPositive(&cfs.avg.RunnableSum, deltaSum)
	if min := cfs.avg.RunnableAvg * pelt.MinDivider; cfs.avg.RunnableSum < min {
		cfs.avg.RunnableSum = min
	}
}

// updateTgCfsLoad folds the owned queue's runnable-time delta into the
// group entity's load and forwards it to the parent queue.
func updateTgCfsLoad(cfs *cfsRq, se *entity, gcfs *cfsRq) {
	runnableSum := gcfs.propRunnableSum
	if runnableSum == 0 {
		return
	}
	gcfs.propRunnableSum = 0

	divider := int64(cfs.avg.Divider())

	if runnableSum >= 0 {
		// Adding runnable time: the overlap is unknown, assume the
		// worst and cap at the divider.
		runnableSum += int64(se.avg.LoadSum)
		if runnableSum > divider {
			runnableSum = divider
		}
	} else {
		// Removing runnable time: estimate from the average instead,
		// to avoid underestimating periodic tasks.
		var loadSum int64
		if w := gcfs.load.Weight; w != 0 {
			loadSum = int64(gcfs.avg.LoadSum / w)
		}
		runnableSum = int64(se.avg.LoadSum)
		if loadSum < runnableSum {
			runnableSum = loadSum
		}
	}
	// Group entity runnable time is bounded below by running time.
	if runningSum := int64(se.avg.UtilSum >> pelt.CapacityShift); runnableSum < runningSum {
		runnableSum = runningSum
	}

	loadSum := se.entityWeight() * uint64(runnableSum)
	loadAvg := loadSum / uint64(divider)

	deltaAvg := int64(loadAvg) - int64(se.avg.LoadAvg)
	if deltaAvg == 0 {
		return
	}
	deltaSum := int64(loadSum) - int64(se.entityWeight())*int64(se.avg.LoadSum)

	se.avg.LoadSum = uint64(runnableSum)
	se.avg.LoadAvg = loadAvg

	addPositive(&cfs.avg.LoadAvg, deltaAvg)
	addPositive(&cfs.avg.LoadSum, deltaSum)
	if min := cfs.avg.LoadAvg * pelt.MinDivider; cfs.avg.LoadSum < min {
		cfs.avg.LoadSum = min
	}
}

// propagateEntityLoadAvg pushes pending load changes of a group
// entity's owned queue one level up.
func (r *rq) propagateEntityLoadAvg(se *entity) bool {
	if se.isTask() {
		return false
	}
	gcfs := se.myQ
	if !gcfs.propagate {
		return false
	}
	gcfs.propagate = false

	cfs := se.cfsRq
	addTgCfsPropagate(cfs, gcfs.propRunnableSum)
	updateTgCfsUtil(cfs, se, gcfs)
	updateTgCfsRunnable(cfs, se, gcfs)
	updateTgCfsLoad(cfs, se, gcfs)
	return true
}

func enqueueLoadAvgOf(cfs *cfsRq, se *entity) {
	cfs.avg.LoadAvg += se.avg.LoadAvg
	cfs.avg.LoadSum += se.entityWeight() * se.avg.LoadSum
}

func dequeueLoadAvgOf(cfs *cfsRq, se *entity) {
	subPositive(&cfs.avg.LoadAvg, se.avg.LoadAvg)
	subPositive(&cfs.avg.LoadSum, se.entityWeight()*se.avg.LoadSum)
	if min := cfs.avg.LoadAvg * pelt.MinDivider; cfs.avg.LoadSum < min {
		cfs.avg.LoadSum = min
	}
}

func (r *rq) enqueueLoadAvg(cfs *cfsRq, se *entity) { enqueueLoadAvgOf(cfs, se) }
func (r *rq) dequeueLoadAvg(cfs *cfsRq, se *entity) { dequeueLoadAvgOf(cfs, se) }

// attachEntityLoadAvg splices a newly arrived entity's signal into the
// queue signal, aligning its PELT window with the queue's.
func (r *rq) attachEntityLoadAvg(cfs *cfsRq, se *entity) {
	divider := cfs.avg.Divider()

	se.avg.LastUpdateTime = cfs.avg.LastUpdateTime
	se.avg.PeriodContrib = cfs.avg.PeriodContrib
	se.avg.UtilSum = se.avg.UtilAvg * divider
	se.avg.RunnableSum = se.avg.RunnableAvg * divider
	se.avg.LoadSum = se.avg.LoadAvg * divider
	if w := se.entityWeight(); w < se.avg.LoadSum && w != 0 {
		se.avg.LoadSum = se.avg.LoadSum / w
	} else {
		se.avg.LoadSum = 1
	}

	enqueueLoadAvgOf(cfs, se)
	cfs.avg.UtilAvg += se.avg.UtilAvg
	cfs.avg.UtilSum += se.avg.UtilSum
	cfs.avg.RunnableAvg += se.avg.RunnableAvg
	cfs.avg.RunnableSum += se.avg.RunnableSum

	addTgCfsPropagate(cfs, int64(se.avg.LoadSum))
	r.sched.cpufreqUpdate(r)
}

// detachEntityLoadAvg removes a departing entity's signal from the
// queue signal.
func (r *rq) detachEntityLoadAvg(cfs *cfsRq, se *entity) {
	dequeueLoadAvgOf(cfs, se)
	subPositive(&cfs.avg.UtilAvg, se.avg.UtilAvg)
	subPositive(&cfs.avg.UtilSum, se.avg.UtilSum)
	if min := cfs.avg.UtilAvg * pelt.MinDivider; cfs.avg.UtilSum < min {
		cfs.avg.UtilSum = min
	}
	subPositive(&cfs.avg.RunnableAvg, se.avg.RunnableAvg)
	subPositive(&cfs.avg.RunnableSum, se.avg.RunnableSum)
	if min := cfs.avg.RunnableAvg * pelt.MinDivider; cfs.avg.RunnableSum < min {
		cfs.avg.RunnableSum = min
	}

	addTgCfsPropagate(cfs, -int64(se.avg.LoadSum))
	r.sched.cpufreqUpdate(r)
}

// updateLoadAvg is the central PELT maintenance point, called whenever
// an entity's state on its queue changes.
func (r *rq) updateLoadAvg(cfs *cfsRq, se *entity, flags int) {
	now := r.cfsRqClockPelt(cfs)

	if se.avg.LastUpdateTime != 0 && flags&skipAgeLoad == 0 {
		r.updateEntityAvg(now, cfs, se)
	}

	decayed := r.updateCfsRqLoadAvg(now, cfs)
	if r.propagateEntityLoadAvg(se) {
		decayed = true
	}

	switch {
	case se.avg.LastUpdateTime == 0 && flags&doAttach != 0:
		// A new or migrated entity joins the queue signal.
		r.attachEntityLoadAvg(cfs, se)
		updateTgLoadAvg(cfs)
	case flags&doDetach != 0:
		r.detachEntityLoadAvg(cfs, se)
		updateTgLoadAvg(cfs)
	case decayed:
		r.sched.cpufreqUpdate(r)
		if flags&updateTG != 0 {
			updateTgLoadAvg(cfs)
		}
	}
}

// syncEntityLoadAvg decays an entity's signal up to its queue's last
// update without touching the queue.
func syncEntityLoadAvg(se *entity) {
	lut := se.cfsRq.avg.LastUpdateTime
	se.avg.Update(lut, se.entityWeight(), 0, 0, false)
}

// removeEntityLoadAvg records an entity leaving without the queue
// lock; the next queue update subtracts its contribution.
func removeEntityLoadAvg(cfs *cfsRq, se *entity) {
	syncEntityLoadAvg(se)

	cfs.removed.Lock()
	cfs.removed.nr++
	cfs.removed.loadAvg += int64(se.avg.LoadAvg)
	cfs.removed.utilAvg += int64(se.avg.UtilAvg)
	cfs.removed.runnableAvg += int64(se.avg.RunnableAvg)
	cfs.removed.Unlock()
}

// updateBlockedAverages decays the blocked load of all queues of the
// CPU. Returns true when everything has fully decayed.
func (r *rq) updateBlockedAverages() bool {
	r.updateClock()

	done := true
	var fullyDecayed []*cfsRq

	r.forEachLeafCfsRq(func(cfs *cfsRq) bool {
		if r.updateCfsRqLoadAvg(r.cfsRqClockPelt(cfs), cfs) {
			updateTgLoadAvg(cfs)
			if cfs == r.cfs {
				r.sched.cpufreqUpdate(r)
			}
		}
		if ses := cfs.tg.se; ses != nil {
			if gse := ses[int(r.cpu)]; gse != nil {
				r.updateLoadAvg(gse.cfsRq, gse, updateTG)
			}
		}
		if cfsRqIsDecayed(cfs) {
			if cfs.nrRunning == 0 && cfs != r.cfs {
				fullyDecayed = append(fullyDecayed, cfs)
			}
		} else {
			done = false
		}
		return true
	})

	for _, cfs := range fullyDecayed {
		r.leafRemove(cfs)
	}

	r.hasBlockedLoad = !done
	r.lastBlockedLoadUpdate = r.clock
	return done
}

// cfsRqIsDecayed tells whether the queue signal has decayed to zero.
func cfsRqIsDecayed(cfs *cfsRq) bool {
	if cfs.nrRunning != 0 || cfs.load.Weight != 0 {
		return false
	}
	return cfs.avg.LoadSum == 0 && cfs.avg.UtilSum == 0 && cfs.avg.RunnableSum == 0
}

// hierarchical load of a task, used for imbalance calculations.

func (r *rq) updateCfsRqHLoad(cfs *cfsRq) {
	if cfs.hLoadUpdateTime == r.clock {
		return
	}

	var chain []*cfsRq
	for c := cfs; c != nil; {
		chain = append(chain, c)
		ses := c.tg.se
		if ses == nil {
			break
		}
		gse := ses[int(r.cpu)]
		if gse == nil {
			break
		}
		c = gse.cfsRq
	}

	top := chain[len(chain)-1]
	load := top.avg.LoadAvg
	top.hLoad = load
	top.hLoadUpdateTime = r.clock
	for i := len(chain) - 2; i >= 0; i-- {
		q := chain[i]
		gse := q.tg.se[int(r.cpu)]
		parent := gse.cfsRq
		load = load * gse.avg.LoadAvg / (parent.avg.LoadAvg + 1)
		q.hLoad = load
		q.hLoadUpdateTime = r.clock
	}
}

// taskHLoad is the share of CPU load attributable to the task,
// accounting for group weight dilution up the hierarchy.
func (r *rq) taskHLoad(p *Task) uint64 {
	cfs := p.se.cfsRq
	r.updateCfsRqHLoad(cfs)
	return cfs.hLoad * p.se.avg.LoadAvg / (cfs.avg.LoadAvg + 1)
}

// per-CPU aggregate signals used by balancing and wakeup placement.

func (r *rq) cpuLoad() uint64     { return r.cfs.avg.LoadAvg }
func (r *rq) cpuRunnable() uint64 { return r.cfs.avg.RunnableAvg }

func (r *rq) cpuUtil() int64 {
	util := int64(r.cfs.avg.UtilAvg)
	if util > r.cpuCapacityOrig {
		util = r.cpuCapacityOrig
	}
	return util
}

// cpuUtilWithout is the CPU's utilization with task p's contribution
// removed, for evaluating p's placement elsewhere.
func (r *rq) cpuUtilWithout(p *Task) int64 {
	util := int64(r.cfs.avg.UtilAvg)
	if int(p.cpu) == int(r.cpu) && p.onRq != notQueued {
		util -= int64(taskUtil(p))
		if util < 0 {
			util = 0
		}
	}
	if util > r.cpuCapacityOrig {
		util = r.cpuCapacityOrig
	}
	return util
}

func taskUtil(p *Task) uint64 {
	return p.se.avg.UtilAvg
}
