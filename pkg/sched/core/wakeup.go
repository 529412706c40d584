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
	"math"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/fairsched/pkg/sched/topology"
	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// recordWakee tracks how often the waker switches wakees; frequent
// switching marks a one-to-many wakeup pattern that should spread out
// instead of packing onto the waker's cache domain.
func (s *Scheduler) recordWakee(waker, wakee *Task) {
	now := s.clock.Now()
	if now > waker.wakeeFlipDecay+int64(time.Second) {
		waker.wakeeFlips >>= 1
		waker.wakeeFlipDecay = now
	}
	if waker.lastWakee != wakee {
		waker.lastWakee = wakee
		waker.wakeeFlips++
	}
}

// wakeWide detects a waker/wakee pair too promiscuous for an affine
// wakeup, scaled by the LLC size.
func (s *Scheduler) wakeWide(waker, p *Task) bool {
	factor := s.topo.LLCSize()
	master := waker.wakeeFlips
	slave := p.wakeeFlips
	if master < slave {
		master, slave = slave, master
	}
	if slave < factor || master < slave*factor {
		return false
	}
	return true
}

// availableIdleCPU tells whether the CPU is idle and usable now.
func (s *Scheduler) availableIdleCPU(cpu int) bool {
	return s.rqs[cpu].idleCPU()
}

// cpusShareCache tells whether two CPUs share a last-level cache.
func (s *Scheduler) cpusShareCache(a, b int) bool {
	llc := s.topo.LLCDomain(idset.ID(a))
	return llc != nil && llc.Span.Contains(b)
}

// wakeAffineIdle resolves an affine wakeup by idleness alone.
// Returns -1 when inconclusive.
func (s *Scheduler) wakeAffineIdle(thisCPU, prevCPU int, sync bool) int {
	if s.availableIdleCPU(thisCPU) && s.cpusShareCache(thisCPU, prevCPU) {
		if s.availableIdleCPU(prevCPU) {
			return prevCPU
		}
		return thisCPU
	}
	if sync && s.rqs[thisCPU].nrRunning == 1 {
		return thisCPU
	}
	if s.availableIdleCPU(prevCPU) {
		return prevCPU
	}
	return -1
}

// wakeAffineWeight compares load on the waker and previous CPUs,
// biased by the domain's imbalance percentage.
func (s *Scheduler) wakeAffineWeight(sd *topology.Domain, waker, p *Task, thisCPU, prevCPU int, sync bool) int {
	thisRq := s.rqs[thisCPU]
	prevRq := s.rqs[prevCPU]

	thisLoad := int64(thisRq.cpuLoad())
	if sync && waker != nil {
		currentLoad := int64(thisRq.taskHLoad(waker))
		if currentLoad > thisLoad {
			return thisCPU
		}
		thisLoad -= currentLoad
	}

	taskLoad := int64(prevRq.taskHLoad(p))

	thisEff := thisLoad + taskLoad
	thisEff *= 100
	thisEff *= s.rqs[prevCPU].cpuCapacity

	prevEff := int64(prevRq.cpuLoad()) - taskLoad
	if prevEff < 0 {
		prevEff = 0
	}
	prevEff *= int64(100 + (sd.ImbalancePct-100)/2)
	prevEff *= s.rqs[thisCPU].cpuCapacity
	if sync {
		prevEff++
	}

	if thisEff < prevEff {
		return thisCPU
	}
	return -1
}

func (s *Scheduler) wakeAffine(sd *topology.Domain, waker, p *Task, thisCPU, prevCPU int, sync bool) int {
	target := s.wakeAffineIdle(thisCPU, prevCPU, sync)
	if target < 0 {
		target = s.wakeAffineWeight(sd, waker, p, thisCPU, prevCPU, sync)
	}
	if target < 0 {
		return prevCPU
	}
	return target
}

// selectIdleCore scans whole cores of the LLC for one with every
// sibling idle, preferred on SMT so the wakee gets a full core.
func (s *Scheduler) selectIdleCore(p *Task, llc *topology.Domain, target int) int {
	shared := llc.Shared
	if shared == nil || !shared.HasIdleCores.Load() {
		return -1
	}
	seen := map[idset.ID]bool{}
	anyIdleCore := false
	for _, cpu := range llc.Span.List() {
		core := s.sys.CPU(idset.ID(cpu)).CoreID()
		if seen[core] {
			continue
		}
		seen[core] = true
		idle := true
		for _, sib := range s.sys.CoreCPUs(core).List() {
			if !s.availableIdleCPU(sib) {
				idle = false
				break
			}
		}
		if !idle {
			continue
		}
		anyIdleCore = true
		if p.allowed.Contains(cpu) {
			return cpu
		}
	}
	if !anyIdleCore {
		shared.HasIdleCores.Store(false)
	}
	return -1
}

// selectIdleCPU performs a bounded scan of the LLC for an idle CPU,
// with the scan depth adapted to recent utilization.
func (s *Scheduler) selectIdleCPU(p *Task, llc *topology.Domain, target int) int {
	nr := math.MaxInt
	if shared := llc.Shared; shared != nil {
		if n := int(shared.NrIdleScan.Load()); n > 0 {
			nr = n
		}
	}
	span := llc.Span.List()
	// Start the scan at the target to spread wakeups.
	start := 0
	for i, cpu := range span {
		if cpu == target {
			start = i
			break
		}
	}
	for i := 0; i < len(span); i++ {
		cpu := span[(start+i)%len(span)]
		if !p.allowed.Contains(cpu) {
			continue
		}
		nr--
		if nr < 0 {
			return -1
		}
		if s.availableIdleCPU(cpu) {
			return cpu
		}
	}
	return -1
}

// selectIdleCapacity scans an asymmetric span for the smallest idle
// CPU that still fits the task.
func (s *Scheduler) selectIdleCapacity(p *Task, asym *topology.Domain, target int) int {
	bestCPU := -1
	bestCap := int64(math.MaxInt64)
	util := int64(taskUtil(p))

	for _, cpu := range asym.Span.List() {
		if !p.allowed.Contains(cpu) || !s.availableIdleCPU(cpu) {
			continue
		}
		capacity := s.rqs[cpu].cpuCapacity
		if !fitsCapacity(util, capacity) {
			continue
		}
		if cpu == target {
			return cpu
		}
		if capacity < bestCap {
			bestCap = capacity
			bestCPU = cpu
		}
	}
	return bestCPU
}

// selectIdleSibling picks a CPU near target for a woken task,
// preferring fully idle cores, then idle CPUs in the LLC.
func (s *Scheduler) selectIdleSibling(p *Task, prev, target int) int {
	if s.sys.AsymCapacity() {
		if asym := s.topo.AsymDomain(idset.ID(target)); asym != nil {
			if cpu := s.selectIdleCapacity(p, asym, target); cpu >= 0 {
				return cpu
			}
			return target
		}
	}

	if s.availableIdleCPU(target) && p.allowed.Contains(target) {
		return target
	}
	if prev != target && s.cpusShareCache(prev, target) &&
		s.availableIdleCPU(prev) && p.allowed.Contains(prev) {
		return prev
	}

	// A recently vacated CPU of the same cache domain is nearly as
	// good as prev.
	recent := int(p.recentUsedCPU)
	p.recentUsedCPU = idset.ID(prev)
	if recent >= 0 && recent != prev && recent != target &&
		s.cpusShareCache(recent, target) &&
		s.availableIdleCPU(recent) && p.allowed.Contains(recent) {
		return recent
	}

	llc := s.topo.LLCDomain(idset.ID(target))
	if llc == nil {
		return target
	}
	if cpu := s.selectIdleCore(p, llc, target); cpu >= 0 {
		return cpu
	}
	if cpu := s.selectIdleCPU(p, llc, target); cpu >= 0 {
		return cpu
	}
	return target
}

// findIdlestGroupCPU picks the least loaded allowed CPU in a group,
// idle CPUs first.
func (s *Scheduler) findIdlestGroupCPU(group *topology.Group, p *Task, thisCPU int) int {
	if group.Span.Size() == 1 {
		return int(topology.First(group.Span))
	}

	bestIdle := -1
	var bestIdleStamp int64 = -1
	bestBusy := -1
	minLoad := uint64(math.MaxUint64)

	for _, cpu := range group.Span.List() {
		if !p.allowed.Contains(cpu) {
			continue
		}
		r := s.rqs[cpu]
		if r.idleCPU() {
			// Prefer the most recently idled CPU, its cache is warm.
			if r.idleStamp > bestIdleStamp {
				bestIdleStamp = r.idleStamp
				bestIdle = cpu
			}
		} else if bestIdle < 0 {
			if load := r.cpuLoad(); load < minLoad {
				minLoad = load
				bestBusy = cpu
			}
		}
	}
	if bestIdle >= 0 {
		return bestIdle
	}
	if bestBusy >= 0 {
		return bestBusy
	}
	return thisCPU
}

// findIdlestGroup picks the group of sd with the most spare capacity
// (or least load), with a bias towards the local group.
func (s *Scheduler) findIdlestGroup(sd *topology.Domain, p *Task, thisCPU int) *topology.Group {
	var local, idlest *topology.Group
	var localLoad, idlestLoad uint64
	var localSpare, idlestSpare int64
	localIdle, idlestIdle := -1, -1

	for _, group := range sd.Groups {
		if !cpuset.Intersects(group.Span, p.allowed) {
			continue
		}

		var load uint64
		var capacity, util int64
		nrIdle := 0
		for _, cpu := range group.Span.List() {
			r := s.rqs[cpu]
			load += r.cpuLoad()
			util += r.cpuUtil()
			capacity += r.cpuCapacity
			if r.idleCPU() {
				nrIdle++
			}
		}
		spare := capacity - util

		if group.Span.Contains(thisCPU) {
			local = group
			localLoad = load
			localSpare = spare
			localIdle = nrIdle
			continue
		}
		better := false
		switch {
		case idlest == nil:
			better = true
		case nrIdle > idlestIdle:
			better = true
		case nrIdle == idlestIdle && spare > idlestSpare:
			better = true
		case nrIdle == idlestIdle && spare == idlestSpare && load < idlestLoad:
			better = true
		}
		if better {
			idlest = group
			idlestLoad = load
			idlestSpare = spare
			idlestIdle = nrIdle
		}
	}

	if idlest == nil {
		return nil
	}
	if local == nil {
		return idlest
	}

	// Stay local unless the idlest group is clearly better.
	if idlestIdle > localIdle {
		return idlest
	}
	if idlestIdle == localIdle && localSpare > 0 && idlestSpare > localSpare {
		return idlest
	}
	if localSpare <= 0 && idlestSpare <= 0 &&
		int64(idlestLoad)*int64(sd.ImbalancePct) < int64(localLoad)*100 {
		return idlest
	}
	return nil
}

// findIdlestCPU walks the domain hierarchy downwards, at each level
// descending into the idlest group.
func (s *Scheduler) findIdlestCPU(sd *topology.Domain, p *Task, cpu, prev int, flags WakeFlags) int {
	if !p.allowed.Contains(cpu) {
		cpu = prev
	}
	newCPU := cpu

	syncEntityLoadAvg(&p.se)

	flag := topology.BalanceFork
	if flags&WakeExec != 0 {
		flag = topology.BalanceExec
	}

	for sd != nil {
		group := s.findIdlestGroup(sd, p, cpu)
		if group == nil {
			sd = sd.Child
			continue
		}
		found := s.findIdlestGroupCPU(group, p, cpu)
		if found == cpu {
			sd = sd.Child
			continue
		}
		cpu = found
		newCPU = found

		// Continue from the domain of the new CPU below this level.
		spanWeight := sd.Span.Size()
		sd = nil
		for tmp := s.topo.CPUDomain(idset.ID(cpu)); tmp != nil; tmp = tmp.Parent {
			if spanWeight <= tmp.Span.Size() {
				break
			}
			if tmp.HasFlag(flag) {
				sd = tmp
			}
		}
	}
	return newCPU
}

// findEnergyEfficientCPU evaluates placements against the energy
// model, picking the CPU whose perf domain gains the least energy.
// Returns -1 to fall back to the regular wakeup path.
func (s *Scheduler) findEnergyEfficientCPU(p *Task, prev int) int {
	rd := s.topo.Root
	if rd.Overutilized.Load() {
		return -1
	}

	syncEntityLoadAvg(&p.se)
	pUtil := int64(taskUtil(p))
	if pUtil == 0 {
		return prev
	}

	prevDelta := int64(math.MaxInt64)
	bestDelta := int64(math.MaxInt64)
	bestCPU := -1
	var bestBase int64

	for _, pd := range rd.PerfDomains {
		spanList := pd.Span.List()

		var sumUtil, maxUtil int64
		for _, cpu := range spanList {
			u := s.rqs[cpu].cpuUtilWithout(p)
			sumUtil += u
			if u > maxUtil {
				maxUtil = u
			}
		}
		base := pd.Energy(maxUtil, sumUtil)

		maxSpare := int64(math.MinInt64)
		maxSpareCPU := -1
		prevFits := false
		for _, cpu := range spanList {
			if !p.allowed.Contains(cpu) {
				continue
			}
			r := s.rqs[cpu]
			with := r.cpuUtilWithout(p) + pUtil
			if !fitsCapacity(with, r.cpuCapacity) {
				continue
			}
			if cpu == prev {
				prevFits = true
				continue
			}
			if spare := r.cpuCapacity - with; spare > maxSpare {
				maxSpare = spare
				maxSpareCPU = cpu
			}
		}

		energyWith := func(cpu int) int64 {
			m := maxUtil
			if u := s.rqs[cpu].cpuUtilWithout(p) + pUtil; u > m {
				m = u
			}
			return pd.Energy(m, sumUtil+pUtil)
		}

		if prevFits {
			prevDelta = energyWith(prev) - base
		}
		if maxSpareCPU >= 0 {
			if delta := energyWith(maxSpareCPU) - base; delta < bestDelta {
				bestDelta = delta
				bestCPU = maxSpareCPU
				bestBase = base
			}
		}
	}

	if bestCPU < 0 {
		if prevDelta != int64(math.MaxInt64) {
			return prev
		}
		return -1
	}
	if prevDelta == int64(math.MaxInt64) {
		return bestCPU
	}
	// Move only for a meaningful saving over staying put.
	if prevDelta-bestDelta > (prevDelta+bestBase)>>4 {
		return bestCPU
	}
	return prev
}

// selectTaskRqFair picks the run queue for a waking, forked or execing
// task.
func (s *Scheduler) selectTaskRqFair(waker *Task, p *Task, prev int, flags WakeFlags) int {
	sync := flags&WakeSync != 0
	thisCPU := prev
	if waker != nil {
		thisCPU = int(waker.cpu)
	}
	newCPU := prev
	wantAffine := false

	if flags&(WakeFork|WakeExec) == 0 {
		if s.features.EnergyAware.Load() {
			if cpu := s.findEnergyEfficientCPU(p, prev); cpu >= 0 {
				return cpu
			}
		}
		if waker != nil {
			wantAffine = !s.wakeWide(waker, p) && p.allowed.Contains(thisCPU)
		}
	}

	var sd *topology.Domain
	flag := topology.BalanceWake
	if flags&WakeFork != 0 {
		flag = topology.BalanceFork
	} else if flags&WakeExec != 0 {
		flag = topology.BalanceExec
	}

	for tmp := s.topo.CPUDomain(idset.ID(thisCPU)); tmp != nil; tmp = tmp.Parent {
		if wantAffine && tmp.HasFlag(topology.WakeAffine) && tmp.Span.Contains(prev) {
			if thisCPU != prev {
				newCPU = s.wakeAffine(tmp, waker, p, thisCPU, prev, sync)
			}
			sd = nil
			break
		}
		if tmp.HasFlag(flag) {
			sd = tmp
		} else if !wantAffine {
			break
		}
	}

	if sd != nil {
		return s.findIdlestCPU(sd, p, thisCPU, prev, flags)
	}
	if flags&(WakeFork|WakeExec) == 0 {
		return s.selectIdleSibling(p, prev, newCPU)
	}
	return newCPU
}
