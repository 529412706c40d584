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
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/fairsched/pkg/sched/pelt"
	"github.com/containers/fairsched/pkg/sched/stopper"
	"github.com/containers/fairsched/pkg/sched/topology"
)

// migrationType selects the unit in which an imbalance is measured and
// repaid.
type migrationType int

const (
	migrateLoad migrationType = iota
	migrateUtil
	migrateTask
	migrateMisfit
)

// groupType classifies a scheduling group from least to most in need
// of shedding work. The busiest-group search keeps the highest type.
type groupType int

const (
	groupHasSpare groupType = iota
	groupFullyBusy
	groupMisfitTask
	groupAsymPacking
	groupImbalanced
	groupOverloaded
)

const (
	// lbLoopMax bounds how many tasks one balance pass may detach.
	lbLoopMax = 32
	// activeBalanceFailMargin is added to cache_nice_tries before an
	// active balance push is attempted.
	activeBalanceFailMargin = 2
)

// lbEnv carries the state of one load_balance invocation.
type lbEnv struct {
	s  *Scheduler
	sd *topology.Domain

	idle   cpuIdleState
	dstCPU int
	dstRq  *rq
	srcRq  *rq

	migType   migrationType
	imbalance int64

	tasks      []*Task
	loopMax    int
	allPinned  bool
	somePinned bool
}

// sgStats are the accumulated statistics of one scheduling group.
type sgStats struct {
	groupLoad     int64
	groupUtil     int64
	groupRunnable int64
	groupCapacity int64
	maxCapacity   int64
	avgLoad       int64

	sumNrRunning  int // all runnable tasks, hierarchical
	sumHNrRunning int // fair tasks, hierarchical
	idleCPUs      int
	groupWeight   int

	misfitLoad  uint64
	asymPacking bool
	groupType   groupType
}

// sdStats are the statistics of a whole domain level.
type sdStats struct {
	local       *topology.Group
	localStat   sgStats
	busiest     *topology.Group
	busiestStat sgStats

	totalLoad     int64
	totalCapacity int64
	avgLoad       int64
	preferSibling bool
}

// triggerLoadBalance runs the periodic balance pass of a CPU when its
// next-balance deadline has elapsed. Called from the tick, without the
// run-queue lock.
func (s *Scheduler) triggerLoadBalance(r *rq) {
	if r.sd == nil {
		return
	}
	now := s.clock.Now()
	if now >= r.nextBalance {
		idle := cpuBusy
		r.lock()
		if r.idleCPU() {
			idle = cpuIdle
		}
		r.unlock()
		s.rebalanceDomains(r, idle)
	}
	s.nohzBalancerKick(r)
}

// balanceInterval converts a domain's balance interval to nanoseconds,
// stretched by the busy factor when the CPU has work to do.
func balanceInterval(sd *topology.Domain, busy bool) int64 {
	interval := sd.IntervalClamped()
	if busy {
		interval *= int64(sd.BusyFactor)
	}
	return interval * int64(time.Millisecond)
}

// rebalanceDomains walks the CPU's domain chain leaf to root, running
// load_balance on every level whose interval has elapsed, and computes
// the CPU's next balance deadline.
func (s *Scheduler) rebalanceDomains(r *rq, idle cpuIdleState) {
	now := s.clock.Now()
	next := now + 60*int64(time.Second)
	cont := true

	r.lock()
	r.updateBlockedAverages()
	r.unlock()

	for sd := r.sd; sd != nil; sd = sd.Parent {
		interval := balanceInterval(sd, idle == cpuBusy)

		if cont && now >= sd.LastBalance+interval {
			serialized := false
			if sd.HasFlag(topology.Serialize) {
				if !s.lbSerialize.CompareAndSwap(false, true) {
					continue
				}
				serialized = true
			}
			pulled, c := s.loadBalance(r, sd, idle)
			if serialized {
				s.lbSerialize.Store(false)
			}
			if pulled > 0 {
				// The CPU has work now; balance lazily above.
				idle = cpuBusy
			}
			cont = c
			sd.LastBalance = now
			interval = balanceInterval(sd, idle == cpuBusy)
		}

		if nb := sd.LastBalance + interval; nb < next {
			next = nb
		}
	}
	r.nextBalance = next
}

// shouldBalance decides whether this CPU runs the balance pass for the
// level: the first idle CPU of the local group does, or its first CPU
// when none is idle. A newly idle CPU always may.
func (s *Scheduler) shouldBalance(env *lbEnv) bool {
	if env.idle == cpuNewlyIdle {
		return true
	}
	local := env.sd.LocalGroup()
	for _, cpu := range local.Span.List() {
		if s.rqs[cpu].idleCPU() {
			return cpu == env.dstCPU
		}
	}
	return topology.First(local.Span) == idset.ID(env.dstCPU)
}

// updateGroupCapacity refreshes a group's shared capacity figures from
// the current per-CPU capacities, rate limited to the balance interval.
func (s *Scheduler) updateGroupCapacity(sd *topology.Domain, group *topology.Group, now int64) {
	gc := group.Capacity
	if now < gc.NextUpdate {
		return
	}
	gc.NextUpdate = now + sd.IntervalClamped()*int64(time.Millisecond)

	var total, min, max int64
	min = pelt.CapacityScale
	for _, cpu := range group.Span.List() {
		c := s.rqs[cpu].cpuCapacity
		total += c
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	gc.Capacity = total
	gc.MinCapacity = min
	gc.MaxCapacity = max
}

// groupHasCapacity tells whether the group could take more work
// without becoming overloaded.
func groupHasCapacity(sd *topology.Domain, sgs *sgStats) bool {
	if sgs.sumNrRunning < sgs.groupWeight {
		return true
	}
	if sgs.groupCapacity*int64(sd.ImbalancePct) < sgs.groupRunnable*100 {
		return false
	}
	return sgs.groupCapacity*100 > sgs.groupUtil*int64(sd.ImbalancePct)
}

// groupIsOverloaded is the inverse hysteresis band of groupHasCapacity.
func groupIsOverloaded(sd *topology.Domain, sgs *sgStats) bool {
	if sgs.sumNrRunning <= sgs.groupWeight {
		return false
	}
	if sgs.groupCapacity*100 < sgs.groupUtil*int64(sd.ImbalancePct) {
		return true
	}
	return sgs.groupCapacity*int64(sd.ImbalancePct) < sgs.groupRunnable*100
}

func groupClassify(sd *topology.Domain, group *topology.Group, sgs *sgStats) groupType {
	if groupIsOverloaded(sd, sgs) {
		return groupOverloaded
	}
	if group.Capacity.Imbalance.Load() != 0 {
		return groupImbalanced
	}
	if sgs.asymPacking {
		return groupAsymPacking
	}
	if sgs.misfitLoad != 0 {
		return groupMisfitTask
	}
	if !groupHasCapacity(sd, sgs) {
		return groupFullyBusy
	}
	return groupHasSpare
}

// updateSgStats accumulates one group's statistics.
func (s *Scheduler) updateSgStats(env *lbEnv, group *topology.Group, local bool, sgs *sgStats) {
	sgs.groupWeight = group.Weight()

	for _, cpu := range group.Span.List() {
		r := s.rqs[cpu]
		sgs.groupLoad += int64(r.cpuLoad())
		sgs.groupUtil += r.cpuUtil()
		sgs.groupRunnable += int64(r.cpuRunnable())
		sgs.sumNrRunning += r.nrRunning
		sgs.sumHNrRunning += r.cfs.hNrRunning
		if r.idleCPU() {
			sgs.idleCPUs++
		}
		if env.sd.HasFlag(topology.AsymCPUCapacity) && r.misfitTaskLoad > sgs.misfitLoad {
			sgs.misfitLoad = r.misfitTaskLoad
		}
	}
	sgs.groupCapacity = group.Capacity.Capacity
	sgs.maxCapacity = group.Capacity.MaxCapacity
	if sgs.groupCapacity > 0 {
		sgs.avgLoad = sgs.groupLoad * pelt.CapacityScale / sgs.groupCapacity
	}

	if !local && env.sd.HasFlag(topology.AsymPacking) && env.idle != cpuBusy &&
		sgs.sumHNrRunning > 0 && idset.ID(env.dstCPU) < group.AsymPrefCPU {
		sgs.asymPacking = true
	}

	sgs.groupType = groupClassify(env.sd, group, sgs)
}

// capacityGreater compares CPU capacities with a 5% margin, ignoring
// runt differences from thermal or irq pressure.
func capacityGreater(a, b int64) bool {
	return a*1024 > b*1078
}

// pickBusiest tells whether candidate should replace the current
// busiest group.
func pickBusiest(env *lbEnv, sds *sdStats, sgs *sgStats, busiest *sgStats) bool {
	// A misfit group is only worth pulling from on a CPU of strictly
	// higher capacity, and only while this side has room to take it.
	if sgs.groupType == groupMisfitTask &&
		(!capacityGreater(env.dstRq.cpuCapacity, sgs.maxCapacity) ||
			sds.localStat.groupType != groupHasSpare) {
		return false
	}
	if busiest == nil {
		return sgs.groupType != groupHasSpare || sgs.sumHNrRunning > 0
	}
	if sgs.groupType > busiest.groupType {
		return true
	}
	if sgs.groupType < busiest.groupType {
		return false
	}

	switch sgs.groupType {
	case groupOverloaded, groupFullyBusy:
		return sgs.avgLoad > busiest.avgLoad
	case groupImbalanced:
		return false
	case groupAsymPacking:
		return false
	case groupMisfitTask:
		return sgs.misfitLoad > busiest.misfitLoad
	default: // groupHasSpare
		if sgs.idleCPUs != busiest.idleCPUs {
			return sgs.idleCPUs < busiest.idleCPUs
		}
		return sgs.sumNrRunning > busiest.sumNrRunning
	}
}

// updateSdStats walks all groups of the level, classifying them and
// electing the busiest.
func (s *Scheduler) updateSdStats(env *lbEnv, sds *sdStats) {
	now := s.clock.Now()
	sds.preferSibling = env.sd.HasFlag(topology.PreferSibling)

	for i, group := range env.sd.Groups {
		local := i == 0
		if env.idle != cpuNewlyIdle || local {
			s.updateGroupCapacity(env.sd, group, now)
		}

		sgs := sgStats{}
		s.updateSgStats(env, group, local, &sgs)

		if local {
			sds.local = group
			sds.localStat = sgs
		} else if pickBusiest(env, sds, &sgs, busiestOrNil(sds)) {
			sds.busiest = group
			sds.busiestStat = sgs
		}

		sds.totalLoad += sgs.groupLoad
		sds.totalCapacity += sgs.groupCapacity
	}
}

func busiestOrNil(sds *sdStats) *sgStats {
	if sds.busiest == nil {
		return nil
	}
	return &sds.busiestStat
}

// calculateImbalance picks the migration type and the amount of work
// to move, the minimum that levels the groups without overshooting.
func (s *Scheduler) calculateImbalance(env *lbEnv, sds *sdStats) {
	local := &sds.localStat
	busiest := &sds.busiestStat

	switch busiest.groupType {
	case groupMisfitTask:
		env.migType = migrateMisfit
		env.imbalance = 1
		return
	case groupAsymPacking:
		env.migType = migrateTask
		env.imbalance = int64(busiest.sumHNrRunning)
		return
	case groupImbalanced:
		// A lower level gave up on pinned tasks; move one task and
		// let the retry sort the rest out.
		env.migType = migrateTask
		env.imbalance = 1
		return
	}

	if local.groupType == groupHasSpare {
		if busiest.groupType > groupFullyBusy {
			// Fill local capacity with utilization from the
			// overloaded group.
			env.migType = migrateUtil
			env.imbalance = local.groupCapacity - local.groupUtil
			if env.imbalance <= 0 && env.idle != cpuBusy {
				env.migType = migrateTask
				env.imbalance = 1
			}
			return
		}
		// Even out the number of tasks.
		env.migType = migrateTask
		env.imbalance = int64(local.idleCPUs-busiest.idleCPUs) / 2
		if env.imbalance < 0 {
			env.imbalance = 0
		}
		if busiest.groupWeight == 1 && env.imbalance == 0 && busiest.sumHNrRunning > 1 {
			env.imbalance = 1
		}
		// A lasting two-task surplus must still move one task, or a
		// group with equal idle-CPU counts never drains.
		if env.imbalance == 0 && busiest.sumHNrRunning >= local.sumHNrRunning+2 {
			env.imbalance = 1
		}
		return
	}

	// Both groups are busy; move load towards the level average.
	if local.groupType < groupOverloaded {
		sds.avgLoad = sds.totalLoad * pelt.CapacityScale / sds.totalCapacity
		if local.avgLoad >= busiest.avgLoad || local.avgLoad >= sds.avgLoad {
			env.imbalance = 0
			return
		}
	}

	env.migType = migrateLoad
	busiestGap := (busiest.avgLoad - sds.avgLoad) * busiest.groupCapacity
	localGap := (sds.avgLoad - local.avgLoad) * local.groupCapacity
	gap := busiestGap
	if localGap < gap {
		gap = localGap
	}
	env.imbalance = gap / pelt.CapacityScale
}

// findBusiestGroup returns the group to pull from, nil when the level
// is balanced.
func (s *Scheduler) findBusiestGroup(env *lbEnv) *topology.Group {
	sds := sdStats{}
	s.updateSdStats(env, &sds)

	if s.features.EnergyAware.Load() && env.dstRq.rd.HasEnergyModel() &&
		!env.dstRq.rd.Overutilized.Load() {
		return nil
	}

	if sds.busiest == nil || sds.busiestStat.sumHNrRunning == 0 {
		return nil
	}
	local := &sds.localStat
	busiest := &sds.busiestStat

	switch busiest.groupType {
	case groupMisfitTask, groupAsymPacking, groupImbalanced:
		s.calculateImbalance(env, &sds)
		if env.imbalance <= 0 {
			return nil
		}
		return sds.busiest
	}

	if local.groupType > busiest.groupType {
		return nil
	}

	if local.groupType == groupOverloaded {
		if local.avgLoad >= busiest.avgLoad {
			return nil
		}
		sds.avgLoad = sds.totalLoad * pelt.CapacityScale / sds.totalCapacity
		if local.avgLoad >= sds.avgLoad {
			return nil
		}
		// Below the hysteresis band the gain is not worth the churn.
		if 100*busiest.avgLoad <= int64(env.sd.ImbalancePct)*local.avgLoad {
			return nil
		}
	}

	if busiest.groupType != groupOverloaded {
		if env.idle == cpuBusy {
			return nil
		}
		if busiest.groupWeight > 1 && local.idleCPUs <= busiest.idleCPUs+1 {
			return nil
		}
		if busiest.groupWeight == 1 && busiest.sumHNrRunning == 1 {
			return nil
		}
	}

	s.calculateImbalance(env, &sds)
	if env.imbalance <= 0 {
		return nil
	}
	return sds.busiest
}

// findBusiestQueue picks the source CPU within the busiest group whose
// metric is most extreme for the chosen migration type.
func (s *Scheduler) findBusiestQueue(env *lbEnv, group *topology.Group) *rq {
	var busiest *rq
	var busiestLoad, busiestUtil int64
	var busiestNr int

	for _, cpu := range group.Span.List() {
		r := s.rqs[cpu]
		if r.cfs.hNrRunning == 0 {
			continue
		}

		capacity := r.cpuCapacity

		switch env.migType {
		case migrateLoad:
			load := int64(r.cpuLoad())
			if r.nrRunning == 1 && load > env.imbalance &&
				fitsCapacity(r.cpuUtil(), capacity) {
				// A lone well-fitting task is not worth moving.
				continue
			}
			// Discount by capacity so weaker CPUs shed first.
			load = load * pelt.CapacityScale / capacity
			if load > busiestLoad {
				busiestLoad = load
				busiest = r
			}
		case migrateUtil:
			util := r.cpuUtil()
			if r.cfs.hNrRunning == 1 && r.currTask != nil && r.nrRunning == 1 {
				continue
			}
			if util > busiestUtil {
				busiestUtil = util
				busiest = r
			}
		case migrateTask:
			if r.cfs.hNrRunning > busiestNr {
				busiestNr = r.cfs.hNrRunning
				busiest = r
			}
		case migrateMisfit:
			if r.misfitTaskLoad > 0 &&
				(busiest == nil || r.misfitTaskLoad > busiest.misfitTaskLoad) {
				busiest = r
			}
		}
	}
	return busiest
}

// taskHot tells whether the task's cache footprint is likely still
// warm on its CPU.
func (s *Scheduler) taskHot(env *lbEnv, p *Task) bool {
	if p.Policy == PolicyIdle {
		return false
	}
	if s.features.CacheHotBuddy.Load() && env.srcRq.cfs.hNrRunning > 1 {
		cfs := p.se.cfsRq
		if cfs.next == &p.se || cfs.last == &p.se {
			return true
		}
	}
	cost := s.tun().MigrationCost
	if cost == -1 {
		return true
	}
	if cost == 0 {
		return false
	}
	delta := env.srcRq.clockTask - p.se.execStart
	return delta < cost
}

// canMigrateTask is the per-task migration predicate of the balancer.
func (s *Scheduler) canMigrateTask(env *lbEnv, p *Task) bool {
	if p.se.cfsRq.throttledHierarchy() {
		return false
	}
	if !p.allowed.Contains(env.dstCPU) {
		env.somePinned = true
		return false
	}
	env.allPinned = false
	if env.srcRq.currTask == p {
		return false
	}

	// A cache-hot or NUMA-local task stays put until the level has
	// repeatedly failed to balance.
	hot := s.migrateDegradesLocality(p, env)
	if hot == -1 {
		hot = 0
		if s.taskHot(env, p) {
			hot = 1
		}
	}
	if hot == 1 && env.sd.NrBalanceFailed <= env.sd.CacheNiceTries {
		return false
	}
	return true
}

// detachTasks pulls tasks off the source queue until the imbalance
// budget is spent. Called with the source run queue locked; detached
// tasks are handed to attachTasks.
func (s *Scheduler) detachTasks(env *lbEnv) int {
	if env.imbalance <= 0 {
		return 0
	}
	env.allPinned = true

	// Oldest entries are coldest; scan a snapshot since detaching
	// mutates the list.
	candidates := make([]*Task, len(env.srcRq.cfsTasks))
	copy(candidates, env.srcRq.cfsTasks)

	detached := 0
	for _, p := range candidates {
		if env.idle != cpuBusy && env.srcRq.nrRunning <= 1 {
			break
		}
		if detached >= env.loopMax {
			break
		}
		if !s.canMigrateTask(env, p) {
			continue
		}

		switch env.migType {
		case migrateLoad:
			load := int64(env.srcRq.taskHLoad(p))
			if load < 16 && env.sd.NrBalanceFailed == 0 {
				continue
			}
			if load/2 > env.imbalance {
				continue
			}
			env.imbalance -= load
		case migrateUtil:
			util := int64(taskUtil(p))
			if util > env.imbalance {
				continue
			}
			env.imbalance -= util
		case migrateTask:
			env.imbalance--
		case migrateMisfit:
			// Only the misfit task itself is worth the move.
			if int64(env.srcRq.taskHLoad(p))*100 <
				int64(env.srcRq.misfitTaskLoad)*int64(env.sd.ImbalancePct) {
				continue
			}
			env.imbalance = 0
		}

		env.srcRq.deactivateTask(p, 0)
		s.setTaskCPU(p, env.dstCPU)
		env.tasks = append(env.tasks, p)
		detached++

		if env.imbalance <= 0 {
			break
		}
	}
	return detached
}

// attachTasks queues the detached tasks on the destination CPU.
func (s *Scheduler) attachTasks(env *lbEnv) {
	r := env.dstRq
	r.lock()
	r.updateClock()
	for _, p := range env.tasks {
		r.activateTask(p, 0)
		r.checkPreemptWakeup(p, WakeTTWU)
	}
	r.unlock()
	env.tasks = nil
}

// needActiveBalance decides whether a failed pass warrants pushing the
// source CPU's running task via its stopper.
func (s *Scheduler) needActiveBalance(env *lbEnv) bool {
	if env.migType == migrateMisfit {
		return true
	}
	if env.asymActiveBalance() {
		return true
	}
	// The running task may be the reason the queue looks busy while
	// nothing else is migratable.
	if env.idle != cpuBusy && env.srcRq.cfs.hNrRunning == 1 &&
		env.srcRq.cpuCapacity*int64(env.sd.ImbalancePct) < env.dstRq.cpuCapacity*100 {
		return true
	}
	return env.sd.NrBalanceFailed > env.sd.CacheNiceTries+activeBalanceFailMargin
}

func (env *lbEnv) asymActiveBalance() bool {
	return env.idle != cpuBusy && env.sd.HasFlag(topology.AsymPacking) &&
		idset.ID(env.dstCPU) < env.srcRq.cpu
}

// loadBalance runs one balance attempt at one domain level. It returns
// the number of tasks pulled and whether the caller should keep
// walking up the chain.
func (s *Scheduler) loadBalance(r *rq, sd *topology.Domain, idle cpuIdleState) (int, bool) {
	env := &lbEnv{
		s:       s,
		sd:      sd,
		idle:    idle,
		dstCPU:  int(r.cpu),
		dstRq:   r,
		loopMax: lbLoopMax,
	}
	s.metrics.lbAttempts.Inc()

	if !s.shouldBalance(env) {
		return 0, false
	}

	group := s.findBusiestGroup(env)
	if group != nil {
		env.srcRq = s.findBusiestQueue(env, group)
	}
	if env.srcRq == nil {
		if group == nil {
			sd.NrBalanceFailed = 0
		}
		if idle != cpuNewlyIdle {
			doubleInterval(sd)
		}
		return 0, true
	}

	src := env.srcRq
	src.lock()
	src.updateClock()
	if env.loopMax > src.cfs.hNrRunning {
		env.loopMax = src.cfs.hNrRunning
	}
	detached := s.detachTasks(env)
	src.unlock()

	if detached > 0 {
		s.attachTasks(env)
		s.metrics.lbMigrations.Add(int64(detached))
		sd.NrBalanceFailed = 0
		sd.BalanceInterval = sd.MinInterval
		return detached, true
	}

	if env.allPinned {
		if env.somePinned && sd.Parent != nil {
			// Ask the parent level to retry from a wider span.
			sd.Parent.LocalGroup().Capacity.Imbalance.Store(1)
		}
		doubleInterval(sd)
		return 0, true
	}

	sd.NrBalanceFailed++
	s.metrics.lbFailed.Inc()

	if s.needActiveBalance(env) {
		src.lock()
		canPush := src.currTask != nil && !src.activeBalance &&
			src.currTask.allowed.Contains(env.dstCPU)
		if canPush {
			src.activeBalance = true
			src.abTargetCPU = r.cpu
		}
		src.unlock()
		if canPush {
			w := stopper.NewWork(s.activeBalanceStop, src)
			if s.stoppers.OneNowait(int(src.cpu), w) {
				s.metrics.lbActivePushes.Inc()
			}
			sd.NrBalanceFailed = sd.CacheNiceTries + activeBalanceFailMargin + 1
		}
	}
	doubleInterval(sd)
	return 0, true
}

func doubleInterval(sd *topology.Domain) {
	if sd.BalanceInterval < sd.MaxInterval {
		sd.BalanceInterval *= 2
	}
}

// activeBalanceStop runs on the source CPU's stopper and pushes the
// task that periodic balancing could not detach.
func (s *Scheduler) activeBalanceStop(arg interface{}) error {
	src := arg.(*rq)

	src.lock()
	if !src.activeBalance {
		src.unlock()
		return nil
	}
	target := int(src.abTargetCPU)
	p := src.currTask
	src.activeBalance = false
	ok := p != nil && p.onRq == queued && int(p.cpu) == int(src.cpu) &&
		p.allowed.Contains(target)
	src.unlock()

	if !ok {
		return nil
	}
	s.migrateTask(p, target)
	return nil
}

// newidleBalance pulls work onto a CPU that is about to go idle.
// Called with the run queue locked; the lock is dropped while remote
// queues are inspected. Returns the number of tasks pulled.
func (r *rq) newidleBalance() int {
	s := r.sched
	r.newidleSeq++

	if r.sd == nil || !r.sd.HasFlag(topology.BalanceNewidle) {
		return 0
	}
	if r.avgIdle < s.tun().MigrationCost || !r.rd.Overload.Load() {
		return 0
	}
	seq := r.newidleSeq

	r.unlock()
	s.metrics.newidleAttempts.Inc()
	r.lock()
	r.updateBlockedAverages()
	r.unlock()

	pulled := 0
	var cost int64
	for sd := r.sd; sd != nil; sd = sd.Parent {
		if !sd.HasFlag(topology.BalanceNewidle) {
			break
		}
		if r.avgIdle < cost+sd.MaxNewidleLbCost {
			break
		}

		n, _ := s.loadBalance(r, sd, cpuNewlyIdle)
		charged := s.env.BalanceCost(int(r.cpu), sd.Level)
		if charged > sd.MaxNewidleLbCost {
			sd.MaxNewidleLbCost = charged
		}
		cost += charged
		pulled += n

		if pulled > 0 {
			break
		}
	}

	r.lock()
	if cost > r.maxIdleBalanceCost {
		r.maxIdleBalanceCost = cost
	}
	// A wakeup that slipped in while the lock was dropped counts as a
	// successful pull.
	if pulled == 0 && (r.cfs.hNrRunning > 0 || r.newidleSeq != seq) {
		pulled = 1
	}
	if pulled > 0 {
		r.idleStamp = 0
	}
	return pulled
}
