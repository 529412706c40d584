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
	"sync"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	logger "github.com/containers/fairsched/pkg/log"
	"github.com/containers/fairsched/pkg/sched/stopper"
	"github.com/containers/fairsched/pkg/sched/topology"
	"github.com/containers/fairsched/pkg/sched/weight"
	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// our logger instance
var log = logger.NewLogger("sched")

// Env hooks let the embedder model platform effects. Every hook has a
// neutral default.
type Env struct {
	// LostTime is time within delta stolen from fair tasks on the CPU
	// (interrupts, host preemption).
	LostTime func(cpu int, delta int64) int64
	// FreqScale is the CPU's current frequency as a fraction of its
	// maximum, in 1024 units.
	FreqScale func(cpu int) int64
	// ThermalPressure is capacity currently lost to thermal capping.
	ThermalPressure func(cpu int) int64
	// CPUFreqUpdate is invoked when a CPU's utilization changed enough
	// to interest a frequency governor.
	CPUFreqUpdate func(cpu int)
	// NumaScanRange is invoked by the NUMA scanner for address ranges
	// whose pages should start trapping access for fault sampling.
	NumaScanRange func(p *Task, mm *MM, start, end uint64)
	// BalanceCost is the virtual time one balance pass at the given
	// domain level charges against a newly idle CPU's expected idle
	// time.
	BalanceCost func(cpu, level int) int64
}

// defaultBalanceCost grows with the domain level: wider levels touch
// more remote queues.
func defaultBalanceCost(cpu, level int) int64 {
	return int64(level+1) * 10 * int64(time.Microsecond)
}

func (e *Env) fillDefaults() {
	if e.LostTime == nil {
		e.LostTime = func(int, int64) int64 { return 0 }
	}
	if e.FreqScale == nil {
		e.FreqScale = func(int) int64 { return 1024 }
	}
	if e.ThermalPressure == nil {
		e.ThermalPressure = func(int) int64 { return 0 }
	}
	if e.CPUFreqUpdate == nil {
		e.CPUFreqUpdate = func(int) {}
	}
	if e.NumaScanRange == nil {
		e.NumaScanRange = func(*Task, *MM, uint64, uint64) {}
	}
	if e.BalanceCost == nil {
		e.BalanceCost = defaultBalanceCost
	}
}

// Config configures a Scheduler.
type Config struct {
	// Spec describes the simulated system.
	Spec *topology.SystemSpec
	// Clock drives virtual time. Defaults to a fresh SimClock.
	Clock Clock
	// Tunables overrides scheduler knobs; zero fields get defaults.
	Tunables Tunables
	// Env hooks into the simulated platform.
	Env Env
}

// Scheduler is a multi-CPU fair scheduler instance.
type Scheduler struct {
	sys   topology.System
	topo  *topology.Topology
	clock Clock
	env   Env

	rqs  []*rq
	cpus cpuset.CPUSet

	root     *TaskGroup
	groups   []*TaskGroup
	groupsMu sync.Mutex

	stoppers *stopper.Pool
	timers   *timerQueue

	tunables atomic.Pointer[Tunables]
	features *Features

	fair schedClass

	bwUsers    atomic.Int32
	nextSeq    atomic.Uint64
	nextTaskID atomic.Int64

	nohz nohzState
	numa numaState
	// lbSerialize serializes balancing of overlapping NUMA-level
	// domains across CPUs.
	lbSerialize atomic.Bool

	metrics *Metrics
}

// New creates a scheduler for the system described by cfg.Spec.
func New(cfg *Config) (*Scheduler, error) {
	sys, err := topology.NewSystem(cfg.Spec)
	if err != nil {
		return nil, errors.Wrap(err, "sched: invalid system")
	}
	topo, err := topology.Build(sys)
	if err != nil {
		return nil, errors.Wrap(err, "sched: failed to build domains")
	}

	s := &Scheduler{
		sys:      sys,
		topo:     topo,
		clock:    cfg.Clock,
		env:      cfg.Env,
		features: defaultFeatures(),
		timers:   newTimerQueue(),
	}
	if s.clock == nil {
		s.clock = NewSimClock()
	}
	s.env.fillDefaults()
	s.cpus = sys.CPUSet()

	t := cfg.Tunables
	t.fillDefaults(sys.CPUCount())
	s.tunables.Store(&t)

	if !topo.Root.HasEnergyModel() {
		s.features.EnergyAware.Store(false)
	}

	// Run queues are indexed by CPU id, which must be dense.
	maxID := idset.ID(0)
	for _, id := range sys.CPUIDs() {
		if id > maxID {
			maxID = id
		}
	}
	if int(maxID) != sys.CPUCount()-1 {
		return nil, errors.Errorf("sched: CPU ids must be contiguous from 0")
	}

	s.rqs = make([]*rq, sys.CPUCount())
	for _, id := range sys.CPUIDs() {
		r := newRq(s, id)
		r.cpuCapacityOrig = sys.CPU(id).Capacity()
		r.cpuCapacity = r.cpuCapacityOrig
		r.sd = topo.CPUDomain(id)
		r.rd = topo.Root
		s.rqs[int(id)] = r
	}

	// Root group spans every CPU with the root queues.
	root := &TaskGroup{
		Name:   "/",
		shares: weight.Nice0Load,
	}
	root.cfsb.init(s, root)
	root.cfs = make([]*cfsRq, len(s.rqs))
	root.se = make([]*entity, len(s.rqs))
	for _, r := range s.rqs {
		cfs := newCfsRq(root, r)
		root.cfs[int(r.cpu)] = cfs
		r.cfs = cfs
		r.leafAdd(cfs)
	}
	s.root = root
	s.groups = []*TaskGroup{root}

	s.fair = &fairClass{s: s}
	s.stoppers = stopper.NewPool(sys.CPUCount())
	s.initNohz()
	s.initNuma()
	s.metrics = newMetrics(s)

	log.Info("scheduler: %d CPUs, %d nodes, llc size %d",
		sys.CPUCount(), sys.NodeCount(), topo.LLCSize())
	return s, nil
}

// Start launches the per-CPU stopper workers.
func (s *Scheduler) Start() {
	s.stoppers.Start()
}

// Stop shuts the stopper workers down.
func (s *Scheduler) Stop() {
	s.stoppers.Stop()
}

// Root returns the root task group.
func (s *Scheduler) Root() *TaskGroup { return s.root }

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Features returns the runtime feature toggles.
func (s *Scheduler) Features() *Features { return s.features }

// Metrics returns the Prometheus collector for this scheduler.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// tun returns the current tunables snapshot.
func (s *Scheduler) tun() *Tunables {
	return s.tunables.Load()
}

// SetTunables replaces the tunables; zero fields get defaults.
func (s *Scheduler) SetTunables(t Tunables) {
	t.fillDefaults(s.sys.CPUCount())
	s.tunables.Store(&t)
}

// Tunables returns a copy of the active tunables.
func (s *Scheduler) Tunables() Tunables {
	return *s.tun()
}

func (s *Scheduler) cpufreqUpdate(r *rq) {
	s.env.CPUFreqUpdate(int(r.cpu))
}

func (s *Scheduler) taskRq(p *Task) *rq {
	return s.rqs[int(p.cpu)]
}

// setTaskRq links the task's entity to its group's queues on a CPU.
func (s *Scheduler) setTaskRq(p *Task, cpu int) {
	tg := p.tg
	se := &p.se
	se.cfsRq = tg.cfs[cpu]
	se.parent = tg.se[cpu]
	if se.parent != nil {
		se.depth = se.parent.depth + 1
	} else {
		se.depth = 0
	}
}

// setTaskCPU reassigns the task to a new CPU, detaching clocks and
// telling the destination to re-attach its load.
func (s *Scheduler) setTaskCPU(p *Task, cpu int) {
	if int(p.cpu) == cpu {
		return
	}
	if p.onRq != migrating {
		// Sleeping task: fold its load into the removed accumulator
		// of the queue it is leaving.
		removeEntityLoadAvg(p.se.cfsRq, &p.se)
	}
	p.se.avg.LastUpdateTime = 0
	p.se.execStart = 0
	s.updateScanPeriod(p, cpu)
	p.cpu = idset.ID(cpu)
	s.setTaskRq(p, cpu)
}

// NewTask creates a task in the blocked state. Wake it to run.
func (s *Scheduler) NewTask(spec *TaskSpec) (*Task, error) {
	lw, err := weight.FromNice(spec.Nice)
	if err != nil {
		return nil, err
	}

	tg := spec.Group
	if tg == nil {
		tg = s.root
	}
	allowed := spec.Allowed
	if allowed.IsEmpty() {
		allowed = s.cpus
	} else if !cpuset.Intersects(allowed, s.cpus) {
		return nil, errors.Wrapf(ErrEmptyMask, "%q", allowed.String())
	}

	p := &Task{
		ID:               int(s.nextTaskID.Inc()),
		Comm:             spec.Comm,
		Policy:           spec.Policy,
		nice:             spec.Nice,
		tg:               tg,
		allowed:          allowed,
		nrCPUsAllowed:    allowed.Size(),
		recentUsedCPU:    -1,
		numaPreferredNid: -1,
		mm:               spec.MM,
		isNew:            true,
	}
	p.se.task = p
	p.se.load = lw
	if spec.Policy == PolicyIdle {
		p.se.load.Set(weight.IdleMinWeight)
	}
	s.initNumaTask(p)

	// Fork placement: pick a CPU and seed initial vruntime and load
	// so the newcomer neither wins nor skews the averages.
	cpu := s.fair.SelectRq(nil, p, int(cpuset.First(allowed)), WakeFork)
	r := s.rqs[cpu]
	r.lock()
	r.updateClock()
	p.cpu = idset.ID(cpu)
	s.setTaskRq(p, cpu)

	cfs := p.se.cfsRq
	if curr := cfs.curr; curr != nil {
		r.updateCurr(cfs)
		p.se.vruntime = curr.vruntime
	}
	r.placeEntity(cfs, &p.se, true)
	p.se.vruntime -= cfs.minVruntime

	s.initEntityUtilAvg(r, &p.se)
	p.startTime = r.clock
	r.unlock()

	log.Debug("created task %s on cpu %d", p, cpu)
	return p, nil
}

// initEntityUtilAvg seeds a new task's utilization from the queue it
// lands on, half the CPU's capacity when the queue is quiet.
func (s *Scheduler) initEntityUtilAvg(r *rq, se *entity) {
	cfs := se.cfsRq
	capacity := r.cpuCapacityOrig

	se.avg.LoadAvg = se.load.Weight

	if capacity > 0 {
		if cfs.avg.UtilAvg != 0 {
			util := cfs.avg.UtilAvg * se.load.Weight
			util /= cfs.load.Weight + se.load.Weight
			if util > uint64(capacity) {
				util = uint64(capacity)
			}
			se.avg.UtilAvg = util
		} else {
			se.avg.UtilAvg = uint64(capacity) / 2
		}
	}
	se.avg.RunnableAvg = se.avg.UtilAvg
}

// Wake makes a blocked task runnable, selecting a CPU for it.
// Equivalent to WakeFrom with no waker.
func (s *Scheduler) Wake(p *Task) bool {
	return s.WakeFrom(nil, p, WakeTTWU)
}

// WakeFrom makes a blocked task runnable. The waker, when known,
// drives the affine-wakeup heuristics. Returns false if the task was
// already runnable.
func (s *Scheduler) WakeFrom(waker *Task, p *Task, flags WakeFlags) bool {
	if p.onRq == queued {
		return false
	}

	if waker != nil {
		s.recordWakee(waker, p)
	}

	prev := int(p.cpu)
	cpu := prev
	if p.isNew {
		flags = WakeFork
	} else {
		cpu = s.fair.SelectRq(waker, p, prev, flags)
	}

	enqFlags := 0
	if !p.isNew {
		enqFlags = enqueueWakeup
	}
	if cpu != prev {
		// Normalize vruntime against the queue being left; the
		// destination enqueue renormalizes.
		src := s.rqs[prev]
		src.lock()
		p.se.vruntime -= p.se.cfsRq.minVruntime
		src.unlock()
		s.setTaskCPU(p, cpu)
		enqFlags |= enqueueMigrated
	}
	p.isNew = false

	r := s.rqs[cpu]
	r.lock()
	r.updateClock()
	r.activateTask(p, enqFlags)
	s.fair.CheckPreempt(r, p, flags)
	if r.idleStamp != 0 {
		// Fold the just-ended idle period into the average used to
		// gate new-idle balancing cost.
		delta := r.clock - r.idleStamp
		r.avgIdle += (delta - r.avgIdle) / 8
		if max := 2 * s.tun().MigrationCost; r.avgIdle > max {
			r.avgIdle = max
		}
		r.idleStamp = 0
	}
	r.unlock()
	return true
}

// Block marks a runnable task as sleeping and removes it from its run
// queue. The CPU keeps running it until Schedule is called.
func (s *Scheduler) Block(p *Task) error {
	r := s.taskRq(p)
	r.lock()
	defer r.unlock()
	if p.onRq != queued {
		return errors.Wrapf(ErrNotRunnable, "block %s", p)
	}
	r.updateClock()
	r.deactivateTask(p, dequeueSleep)
	if r.currTask == p {
		r.reschedCurr()
	}
	return nil
}

// Exit removes a task for good.
func (s *Scheduler) Exit(p *Task) {
	r := s.taskRq(p)
	r.lock()
	if p.onRq == queued {
		r.updateClock()
		r.deactivateTask(p, dequeueSleep)
	}
	if r.currTask == p {
		r.currTask = nil
		r.reschedCurr()
	}
	removeEntityLoadAvg(p.se.cfsRq, &p.se)
	r.unlock()

	s.exitNumaTask(p)
	log.Debug("task %s exited", p)
}

// Tick runs the periodic tick for a CPU: runtime accounting, slice
// preemption, misfit detection and balance triggering.
func (s *Scheduler) Tick(cpu int) {
	r := s.rqs[cpu]
	r.lock()
	r.updateClock()
	r.updateCapacity()
	if p := r.currTask; p != nil {
		s.fair.Tick(r, p)
	}
	r.unlock()

	// The NUMA scanner invokes a user callback and takes run-queue
	// locks of its own, so it runs outside ours.
	if p := r.currTask; p != nil && s.features.NumaBalancing.Load() {
		s.taskTickNuma(r, p)
	}

	s.timers.run(s.clock.Now())
	s.triggerLoadBalance(r)
}

// NeedResched tells whether the CPU's current task should be switched
// out at the next scheduling point.
func (s *Scheduler) NeedResched(cpu int) bool {
	return s.rqs[cpu].needResched.Load()
}

// Schedule picks the next task to run on a CPU, putting back the
// previously running one. Returns nil when the CPU should idle.
func (s *Scheduler) Schedule(cpu int) *Task {
	r := s.rqs[cpu]
	r.lock()
	r.updateClock()

	prev := r.currTask
	next := s.fair.PickNext(r, prev)
	if next == nil {
		if r.newidleBalance() > 0 {
			next = s.fair.PickNext(r, nil)
		}
	}
	if next == nil {
		r.currTask = nil
		r.needResched.Store(false)
		r.idleStamp = r.clock
		// Idle entry: let PELT time catch up so idle decays.
		r.clockPelt = r.clockTask
		s.nohzEnterIdle(r)
	} else {
		s.nohzExitIdle(r)
	}
	r.unlock()
	return next
}

// Yield gives up the CPU for the currently running task.
func (s *Scheduler) Yield(cpu int) {
	r := s.rqs[cpu]
	r.lock()
	r.yieldTaskFair()
	r.unlock()
}

// YieldTo yields in favor of a specific task on the same CPU.
func (s *Scheduler) YieldTo(cpu int, p *Task) bool {
	r := s.rqs[cpu]
	r.lock()
	defer r.unlock()
	if int(p.cpu) != cpu {
		return false
	}
	return r.yieldToTaskFair(p)
}

// SetNice changes the task's nice level.
func (s *Scheduler) SetNice(p *Task, nice int) error {
	lw, err := weight.FromNice(nice)
	if err != nil {
		return err
	}

	r := s.taskRq(p)
	r.lock()
	defer r.unlock()
	r.updateClock()

	wasQueued := p.onRq == queued
	wasRunning := r.currTask == p
	if wasQueued {
		r.dequeueTaskFair(p, dequeueSave)
	}
	if wasRunning {
		r.putPrevTaskFair(p)
	}

	p.nice = nice
	if p.Policy != PolicyIdle {
		r.reweightEntity(p.se.cfsRq, &p.se, lw.Weight)
	}

	if wasQueued {
		r.enqueueTaskFair(p, enqueueRestore)
	}
	if wasRunning {
		r.setNextTaskFair(p)
	}
	if wasQueued {
		r.reschedCurr()
	}
	return nil
}

// SetAffinity restricts the task to the given CPUs, migrating it if it
// is on a CPU outside the new mask.
func (s *Scheduler) SetAffinity(p *Task, mask cpuset.CPUSet) error {
	allowed := mask.Intersection(s.cpus)
	if allowed.IsEmpty() {
		return errors.Wrapf(ErrEmptyMask, "%q", mask.String())
	}

	r := s.taskRq(p)
	r.lock()
	p.allowed = allowed
	p.nrCPUsAllowed = allowed.Size()
	needMove := !allowed.Contains(int(p.cpu))
	r.unlock()

	if needMove {
		dst := s.pickResettledCPU(allowed)
		s.migrateTask(p, dst)
	}
	return nil
}

// pickResettledCPU picks an idle CPU from the mask, or its first CPU.
func (s *Scheduler) pickResettledCPU(allowed cpuset.CPUSet) int {
	for _, cpu := range allowed.List() {
		if s.rqs[cpu].idleCPU() {
			return cpu
		}
	}
	return int(cpuset.First(allowed))
}

// MoveToGroup reassigns a task to another scheduling group.
func (s *Scheduler) MoveToGroup(p *Task, tg *TaskGroup) error {
	if tg == nil {
		tg = s.root
	}
	r := s.taskRq(p)
	r.lock()
	defer r.unlock()
	if p.tg == tg {
		return nil
	}
	r.updateClock()

	wasQueued := p.onRq == queued
	wasRunning := r.currTask == p
	if wasQueued {
		r.dequeueTaskFair(p, dequeueSave|dequeueMove)
	}
	if wasRunning {
		r.putPrevTaskFair(p)
	}

	r.detachTaskCfsRq(p)
	p.tg = tg
	s.setTaskRq(p, int(p.cpu))
	p.se.avg.LastUpdateTime = 0
	r.attachTaskCfsRq(p)

	if wasQueued {
		r.enqueueTaskFair(p, enqueueRestore|enqueueMove)
	}
	if wasRunning {
		r.setNextTaskFair(p)
	}
	return nil
}

// vruntimeNormalized tells whether the task's vruntime is relative
// rather than anchored to its queue's min_vruntime.
func vruntimeNormalized(p *Task) bool {
	if p.onRq != notQueued {
		return true
	}
	// A new task has a relative vruntime from fork placement.
	return p.se.sumExecRuntime == 0
}

// detachTaskCfsRq unhooks a task's load (and, for a blocked task, its
// absolute vruntime) from its current queue hierarchy.
func (r *rq) detachTaskCfsRq(p *Task) {
	se := &p.se
	cfs := se.cfsRq
	if !vruntimeNormalized(p) {
		r.updateCurr(cfs)
		se.vruntime -= cfs.minVruntime
	}
	r.updateLoadAvg(cfs, se, 0)
	r.detachEntityLoadAvg(cfs, se)
	updateTgLoadAvg(cfs)
	r.propagateEntityCfsRq(se)
}

func (r *rq) attachTaskCfsRq(p *Task) {
	se := &p.se
	cfs := se.cfsRq
	r.updateLoadAvg(cfs, se, skipAgeLoad)
	r.attachEntityLoadAvg(cfs, se)
	updateTgLoadAvg(cfs)
	r.propagateEntityCfsRq(se)
	if !vruntimeNormalized(p) {
		se.vruntime += cfs.minVruntime
	}
}

// propagateEntityCfsRq pushes an attach/detach up the hierarchy.
func (r *rq) propagateEntityCfsRq(se *entity) {
	if se.cfsRq.throttledHierarchy() {
		return
	}
	for se = se.parent; se != nil; se = se.parent {
		cfs := se.cfsRq
		r.updateLoadAvg(cfs, se, updateTG)
		if cfs.throttledHierarchy() {
			break
		}
	}
}

// migrateTask moves a task to a specific CPU, used by affinity changes
// and explicit placement.
func (s *Scheduler) migrateTask(p *Task, dstCPU int) {
	src := s.taskRq(p)
	dst := s.rqs[dstCPU]
	if src == dst {
		return
	}
	lockPair(src, dst)
	defer unlockPair(src, dst)

	if int(p.cpu) != int(src.cpu) {
		// Raced with another migration.
		return
	}
	src.updateClock()
	dst.updateClock()

	switch p.onRq {
	case queued:
		running := src.currTask == p
		src.deactivateTask(p, 0)
		if running {
			src.currTask = nil
			src.reschedCurr()
		}
		s.setTaskCPU(p, dstCPU)
		dst.activateTask(p, 0)
		dst.checkPreemptWakeup(p, WakeTTWU)
	case notQueued:
		p.se.vruntime -= p.se.cfsRq.minVruntime
		s.setTaskCPU(p, dstCPU)
		p.se.vruntime += p.se.cfsRq.minVruntime
	}
}

// RunTimers fires expired bandwidth and balance timers. The simulation
// driver calls this after advancing the clock.
func (s *Scheduler) RunTimers() {
	s.timers.run(s.clock.Now())
}

// NrRunning returns the number of runnable fair tasks on the CPU,
// including the running one.
func (s *Scheduler) NrRunning(cpu int) int {
	r := s.rqs[cpu]
	r.lock()
	defer r.unlock()
	return r.cfs.hNrRunning
}

// Current returns the task the CPU last picked, nil when idle.
func (s *Scheduler) Current(cpu int) *Task {
	r := s.rqs[cpu]
	r.lock()
	defer r.unlock()
	return r.currTask
}
