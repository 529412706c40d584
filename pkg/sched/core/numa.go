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
	"golang.org/x/time/rate"

	"github.com/containers/fairsched/pkg/sched/stopper"
	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// Fault statistics kept per task and per group, two slots per node
// (private, shared). The BUF halves buffer one scan window and are
// folded into the persistent halves when the window completes.
const (
	numaMem = iota
	numaCPU
	numaMemBuf
	numaCPUBuf
	numaStatCount
)

const (
	// numaNoNode means no preferred node has been chosen yet.
	numaNoNode = -1
	// numaScanVirtualFactor bounds how much sparse address space one
	// scan pass may skip over relative to its page budget.
	numaScanVirtualFactor = 8
	// numaMigrateRetryInterval throttles placement-driven migration
	// attempts per task.
	numaMigrateRetryInterval = int64(time.Second)
	// numaMigrateMBps caps hint-fault page migration bandwidth.
	numaMigrateMBps = 256
	// pageSize is the memory page granularity of the fault interface.
	pageSize = 4096
)

// NumaFaultFlags qualify one reported hinting fault.
type NumaFaultFlags int

const (
	// NumaFaultMigrated marks a fault whose page moved to the node of
	// the faulting CPU.
	NumaFaultMigrated NumaFaultFlags = 1 << iota
	// NumaFaultNoGroup suppresses numa-group formation for the fault.
	NumaFaultNoGroup
	// NumaFaultShared marks a page accessed by more than one task.
	NumaFaultShared
	// NumaFaultLocal marks a fault on the faulting CPU's own node.
	NumaFaultLocal
	// NumaFaultMigrateFail marks a fault whose migration was refused.
	NumaFaultMigrateFail
)

// cpupid packs the CPU and a truncated task id of a page's last
// accessor into the page metadata, like the kernel's last_cpupid.
const cpupidPidBits = 8

// MakeCPUPid encodes the accessing CPU and task for page metadata.
func MakeCPUPid(cpu, taskID int) int {
	return cpu<<cpupidPidBits | (taskID & (1<<cpupidPidBits - 1))
}

func cpupidToCPU(cpupid int) int { return cpupid >> cpupidPidBits }
func cpupidToPid(cpupid int) int { return cpupid & (1<<cpupidPidBits - 1) }

func cpupidMatch(p *Task, cpupid int) bool {
	return cpupidToPid(cpupid) == p.ID&(1<<cpupidPidBits-1)
}

// VMA is one mapped virtual address range of an address space.
type VMA struct {
	Start uint64
	End   uint64
}

// MM models the address space shared by one or more tasks. The NUMA
// scanner walks its ranges; the fault handler of the host environment
// reports hinting faults back via TaskNumaFault.
type MM struct {
	mu   sync.Mutex
	vmas []VMA

	scanOffset uint64
	scanSeq    atomic.Int32
	nextScan   atomic.Int64
}

// NewMM creates an empty address space.
func NewMM() *MM { return &MM{} }

// AddVMA maps a range into the address space.
func (mm *MM) AddVMA(start, end uint64) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.vmas = append(mm.vmas, VMA{Start: start, End: end})
}

// Size is the total mapped size in bytes.
func (mm *MM) Size() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.sizeLocked()
}

func (mm *MM) sizeLocked() uint64 {
	var total uint64
	for _, v := range mm.vmas {
		total += v.End - v.Start
	}
	return total
}

// numaGroup clusters tasks that fault on shared pages. Group-level
// fault statistics drive placement for all of its members.
type numaGroup struct {
	mu   sync.Mutex
	refs atomic.Int32
	gid  int

	nrTasks     int
	activeNodes int
	maxFaultsCPU int64

	totalFaults int64
	// faults is indexed like the per-task array, persistent halves
	// only: {mem, cpu} x node x {priv, shared}.
	faults []int64
}

// numaState is the scheduler-wide NUMA balancing state.
type numaState struct {
	nrNodes  int
	nodes    []cpuset.CPUSet
	cpuNode  []int
	maxDist  int
	localDist int

	migrateLimit *rate.Limiter
	nextGroupID  atomic.Int32
}

func (s *Scheduler) initNuma() {
	n := &s.numa

	maxNode := idset.ID(0)
	for _, nid := range s.sys.NodeIDs() {
		if nid > maxNode {
			maxNode = nid
		}
	}
	n.nrNodes = int(maxNode) + 1
	if s.sys.NodeCount() == 0 {
		n.nrNodes = 1
	}

	n.nodes = make([]cpuset.CPUSet, n.nrNodes)
	for i := range n.nodes {
		n.nodes[i] = cpuset.New()
	}
	for _, nid := range s.sys.NodeIDs() {
		n.nodes[nid] = s.sys.NodeCPUs(nid)
	}
	n.cpuNode = make([]int, s.sys.CPUCount())
	for _, id := range s.sys.CPUIDs() {
		n.cpuNode[id] = int(s.sys.CPU(id).NodeID())
	}

	n.localDist = 10
	n.maxDist = n.localDist
	for _, from := range s.sys.NodeIDs() {
		for _, to := range s.sys.NodeIDs() {
			if d := s.sys.NodeDistance(from, to); d > n.maxDist {
				n.maxDist = d
			}
		}
	}

	pagesPerSec := numaMigrateMBps * (1 << 20) / pageSize
	n.migrateLimit = rate.NewLimiter(rate.Limit(pagesPerSec), pagesPerSec)

	if n.nrNodes < 2 {
		s.features.NumaBalancing.Store(false)
	}
}

func (s *Scheduler) cpuToNode(cpu int) int {
	return s.numa.cpuNode[cpu]
}

func (s *Scheduler) taskNode(p *Task) int {
	return s.cpuToNode(int(p.cpu))
}

// faultIndex flattens {stat, node, priv} into the fault arrays.
func (s *Scheduler) faultIndex(stat, nid, priv int) int {
	return stat*s.numa.nrNodes*2 + nid*2 + priv
}

// taskFaults is the decayed memory fault count of a task on a node.
func (s *Scheduler) taskFaults(p *Task, nid int) int64 {
	if p.numaFaults == nil {
		return 0
	}
	return p.numaFaults[s.faultIndex(numaMem, nid, 0)] +
		p.numaFaults[s.faultIndex(numaMem, nid, 1)]
}

func (s *Scheduler) groupFaults(ng *numaGroup, nid int) int64 {
	return ng.faults[s.faultIndex(numaMem, nid, 0)] +
		ng.faults[s.faultIndex(numaMem, nid, 1)]
}

func (s *Scheduler) groupFaultsCPU(ng *numaGroup, nid int) int64 {
	return ng.faults[s.faultIndex(numaCPU, nid, 0)] +
		ng.faults[s.faultIndex(numaCPU, nid, 1)]
}

// scoreNearby folds in faults from other nodes discounted by their
// distance, so that on larger topologies a node close to where the
// faults are scores higher than a distant one.
func (s *Scheduler) scoreNearby(nid int, score func(int) int64) int64 {
	total := score(nid)
	if s.sys.NodeCount() <= 2 || s.numa.maxDist <= s.numa.localDist {
		return total
	}
	for _, other := range s.sys.NodeIDs() {
		if int(other) == nid {
			continue
		}
		dist := s.sys.NodeDistance(idset.ID(nid), other)
		if dist >= s.numa.maxDist {
			continue
		}
		f := score(int(other))
		total += f * int64(s.numa.maxDist-dist) /
			int64(s.numa.maxDist-s.numa.localDist)
	}
	return total
}

// taskWeight scores a node for a task, in thousandths of its total
// faults.
func (s *Scheduler) taskWeight(p *Task, nid int) int64 {
	if p.numaFaults == nil || p.totalNumaFaults == 0 {
		return 0
	}
	f := s.scoreNearby(nid, func(n int) int64 { return s.taskFaults(p, n) })
	return 1000 * f / p.totalNumaFaults
}

// groupWeight scores a node for a task's numa group.
func (s *Scheduler) groupWeight(p *Task, nid int) int64 {
	ng := p.numaGroup
	if ng == nil || ng.totalFaults == 0 {
		return 0
	}
	f := s.scoreNearby(nid, func(n int) int64 { return s.groupFaults(ng, n) })
	return 1000 * f / ng.totalFaults
}

// initNumaTask seeds the per-task NUMA state at fork.
func (s *Scheduler) initNumaTask(p *Task) {
	p.numaPreferredNid = numaNoNode
	if p.mm == nil {
		return
	}
	t := s.tun()
	p.numaScanPeriod = s.taskScanStart(p)
	p.numaNextScan = s.clock.Now() + t.NumaScanDelay
	p.mm.nextScan.CompareAndSwap(0, s.clock.Now()+t.NumaScanDelay)
}

// exitNumaTask drops the task's numa group membership.
func (s *Scheduler) exitNumaTask(p *Task) {
	ng := p.numaGroup
	if ng == nil {
		return
	}
	ng.mu.Lock()
	ng.nrTasks--
	ng.mu.Unlock()
	p.numaGroup = nil
	ng.refs.Dec()
}

// accountNumaEnqueue tracks how many queued tasks have and sit on
// their preferred node.
func (r *rq) accountNumaEnqueue(p *Task) {
	s := r.sched
	if s.numa.nrNodes < 2 {
		return
	}
	if p.numaPreferredNid != numaNoNode {
		r.nrNumaRunning++
	}
	if p.numaPreferredNid == s.cpuToNode(int(r.cpu)) {
		r.nrPreferredRunning++
	}
}

func (r *rq) accountNumaDequeue(p *Task) {
	s := r.sched
	if s.numa.nrNodes < 2 {
		return
	}
	if p.numaPreferredNid != numaNoNode {
		r.nrNumaRunning--
	}
	if p.numaPreferredNid == s.cpuToNode(int(r.cpu)) {
		r.nrPreferredRunning--
	}
}

// taskScanStart is the initial scan period, stretched for large or
// heavily shared address spaces so a pass stays roughly constant cost.
func (s *Scheduler) taskScanStart(p *Task) int64 {
	t := s.tun()
	period := t.NumaScanPeriodMin

	if p.mm != nil {
		windows := int64(p.mm.Size() / (uint64(t.NumaScanSizeMB) << 20))
		if windows > 1 {
			period *= windows
		}
	}
	if ng := p.numaGroup; ng != nil {
		ng.mu.Lock()
		shared := int64(ng.nrTasks)
		ng.mu.Unlock()
		if shared > 1 {
			period *= shared
		}
	}
	if period > t.NumaScanPeriodMax {
		period = t.NumaScanPeriodMax
	}
	return period
}

// updateScanPeriod resets the scan period when a task migrates away
// from its preferred node, so placement gets fresh data quickly.
func (s *Scheduler) updateScanPeriod(p *Task, newCPU int) {
	if !s.features.NumaBalancing.Load() || p.mm == nil {
		return
	}
	srcNid := s.taskNode(p)
	dstNid := s.cpuToNode(newCPU)
	if srcNid == dstNid {
		return
	}
	if p.numaScanSeq != 0 {
		if dstNid == p.numaPreferredNid ||
			(p.numaPreferredNid != numaNoNode && srcNid != p.numaPreferredNid) {
			return
		}
	}
	p.numaScanPeriod = s.taskScanStart(p)
}

// taskTickNuma runs the periodic NUMA scanner for the running task.
// Called from the tick without the run-queue lock.
func (s *Scheduler) taskTickNuma(r *rq, p *Task) {
	if p.mm == nil || p.Policy == PolicyIdle {
		return
	}
	now := s.clock.Now()
	if now < p.numaNextScan {
		return
	}
	if p.numaScanPeriod == 0 {
		p.numaScanPeriod = s.taskScanStart(p)
	}
	p.numaNextScan = now + p.numaScanPeriod
	s.taskNumaWork(p, now)
}

// taskNumaWork walks one scan window of the task's address space,
// handing each mapped range to the environment to unmap for hinting
// faults.
func (s *Scheduler) taskNumaWork(p *Task, now int64) {
	mm := p.mm
	t := s.tun()

	next := mm.nextScan.Load()
	if now < next {
		return
	}
	if !mm.nextScan.CompareAndSwap(next, now+p.numaScanPeriod) {
		// Another thread of the same address space got there first.
		return
	}

	budget := uint64(t.NumaScanSizeMB) << 20
	virtual := budget * numaScanVirtualFactor

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if len(mm.vmas) == 0 {
		return
	}

	offset := mm.scanOffset
	scanned := uint64(0)
	walked := uint64(0)

	for scanned < budget && walked < virtual {
		vma, wrapped := vmaAt(mm.vmas, offset)
		if wrapped {
			offset = 0
			mm.scanSeq.Inc()
			s.metrics.numaScanPasses.Inc()
			continue
		}
		if offset < vma.Start {
			walked += vma.Start - offset
			offset = vma.Start
			continue
		}
		end := vma.End
		if left := budget - scanned; end-offset > left {
			end = offset + left
		}
		s.env.NumaScanRange(p, mm, offset, end)
		scanned += end - offset
		walked += end - offset
		offset = end
	}
	mm.scanOffset = offset
	s.metrics.numaScannedPages.Add(int64(scanned / pageSize))
}

// vmaAt finds the first range at or after offset; wrapped reports that
// the offset is past the last range.
func vmaAt(vmas []VMA, offset uint64) (VMA, bool) {
	best := VMA{}
	found := false
	for _, v := range vmas {
		if v.End <= offset {
			continue
		}
		if !found || v.Start < best.Start {
			best = v
			found = true
		}
	}
	return best, !found
}

// TaskNumaFault reports a NUMA hinting fault for a task. The host
// environment calls this from its fault handler with the node the
// page lives on and the last recorded accessor.
func (s *Scheduler) TaskNumaFault(p *Task, lastCPUPid, memNode, pages int, flags NumaFaultFlags) {
	if !s.features.NumaBalancing.Load() || p.mm == nil || p.Policy == PolicyIdle {
		return
	}
	if memNode < 0 || memNode >= s.numa.nrNodes {
		return
	}

	if p.numaFaults == nil {
		p.numaFaults = make([]int64, numaStatCount*s.numa.nrNodes*2)
		p.totalNumaFaults = 0
	}

	// Shared faults with a foreign accessor hint at memory shared
	// between tasks; try to cluster them into a group.
	priv := 1
	if flags&NumaFaultShared != 0 && !cpupidMatch(p, lastCPUPid) {
		priv = 0
		if flags&NumaFaultNoGroup == 0 {
			s.numaGroupJoin(p, lastCPUPid)
		}
	}

	cpuNode := s.taskNode(p)
	local := 0
	if flags&NumaFaultLocal != 0 || memNode == cpuNode {
		local = 1
	}

	s.metrics.numaHintFaults.Inc()
	if local == 1 {
		s.metrics.numaHintFaultsLocal.Inc()
	}

	if flags&NumaFaultMigrateFail != 0 {
		p.numaFaultsLocality[2] += int64(pages)
	} else {
		p.numaFaultsLocality[local] += int64(pages)
	}
	if flags&NumaFaultMigrated != 0 {
		p.numaPagesMigrated += int64(pages)
		s.metrics.numaPagesMigrated.Add(int64(pages))
	}

	p.numaFaults[s.faultIndex(numaMemBuf, memNode, priv)] += int64(pages)
	p.numaFaults[s.faultIndex(numaCPUBuf, cpuNode, priv)] += int64(pages)

	if ng := p.numaGroup; ng != nil {
		ng.mu.Lock()
		ng.faults[s.faultIndex(numaMemBuf, memNode, priv)] += int64(pages)
		ng.faults[s.faultIndex(numaCPUBuf, cpuNode, priv)] += int64(pages)
		ng.mu.Unlock()
	}

	s.taskNumaPlacement(p)

	now := s.clock.Now()
	if now > p.numaMigrateRetry {
		s.numaMigratePreferred(p)
	}
}

// numaGroupJoin merges the task into the numa group of the last
// accessor of a shared page, creating one as needed.
func (s *Scheduler) numaGroupJoin(p *Task, lastCPUPid int) {
	cpu := cpupidToCPU(lastCPUPid)
	if cpu < 0 || cpu >= len(s.rqs) {
		return
	}
	other := s.rqs[cpu].currTask
	if other == nil || other == p || !cpupidMatch(other, lastCPUPid) {
		return
	}
	if other.mm != p.mm {
		return
	}

	grp := other.numaGroup
	if grp == nil {
		grp = &numaGroup{
			gid:    int(s.numa.nextGroupID.Inc()),
			faults: make([]int64, numaStatCount*s.numa.nrNodes*2),
		}
		grp.refs.Store(1)
		grp.mu.Lock()
		grp.nrTasks = 1
		if other.numaFaults != nil {
			for i := 0; i < s.faultIndex(numaMemBuf, 0, 0); i++ {
				grp.faults[i] += other.numaFaults[i]
			}
			grp.totalFaults = other.totalNumaFaults
		}
		grp.mu.Unlock()
		other.numaGroup = grp
	}

	my := p.numaGroup
	if my == grp {
		return
	}
	if my != nil {
		// Keep the larger group.
		my.mu.Lock()
		mine := my.nrTasks
		my.mu.Unlock()
		grp.mu.Lock()
		theirs := grp.nrTasks
		grp.mu.Unlock()
		if mine > theirs {
			return
		}
		s.exitNumaTask(p)
	}

	grp.mu.Lock()
	grp.nrTasks++
	if p.numaFaults != nil {
		for i := 0; i < s.faultIndex(numaMemBuf, 0, 0); i++ {
			grp.faults[i] += p.numaFaults[i]
		}
		grp.totalFaults += p.totalNumaFaults
	}
	grp.mu.Unlock()
	grp.refs.Inc()
	p.numaGroup = grp
}

// numaRuntimeFraction estimates how much of the last placement window
// the task actually ran, to normalize CPU faults. Before the first
// window, PELT state stands in.
func (s *Scheduler) numaRuntimeFraction(p *Task, now int64) (int64, int64) {
	runtime := p.se.sumExecRuntime - p.numaLastRuntime
	period := now - p.numaLastPlacement

	if p.numaLastPlacement == 0 || period <= 0 {
		// First window: PELT utilization stands in for the runtime
		// share, making early elections depend on warm-up state.
		runtime = int64(p.se.avg.UtilAvg)
		period = 1024
	}
	p.numaLastRuntime = p.se.sumExecRuntime
	p.numaLastPlacement = now
	return runtime, period
}

// taskNumaPlacement folds the buffered fault window into the decayed
// statistics and re-elects the preferred node. Runs when a scan pass
// over the whole address space has completed.
func (s *Scheduler) taskNumaPlacement(p *Task) {
	seq := int(p.mm.scanSeq.Load())
	if seq == p.numaScanSeq {
		return
	}
	p.numaScanSeq = seq
	s.adjustScanPeriod(p)

	// The first passes produce too little signal to act on.
	if seq < 2 {
		return
	}

	now := s.clock.Now()
	runtime, period := s.numaRuntimeFraction(p, now)

	ng := p.numaGroup
	if ng != nil {
		ng.mu.Lock()
	}

	maxNid, maxGroupNid := numaNoNode, numaNoNode
	var maxFaults, maxGroupFaults int64

	for nid := 0; nid < s.numa.nrNodes; nid++ {
		var nodeFaults int64
		for priv := 0; priv < 2; priv++ {
			memIdx := s.faultIndex(numaMem, nid, priv)
			cpuIdx := s.faultIndex(numaCPU, nid, priv)
			memBufIdx := s.faultIndex(numaMemBuf, nid, priv)
			cpuBufIdx := s.faultIndex(numaCPUBuf, nid, priv)

			diff := -p.numaFaults[memIdx] / 2
			diff += p.numaFaults[memBufIdx]

			// Normalize CPU faults by the runtime share so mostly
			// idle tasks don't dominate node election.
			weighted := p.numaFaults[cpuBufIdx] * runtime / (period + 1)
			fDiff := -p.numaFaults[cpuIdx]/2 + weighted

			p.numaFaults[memIdx] += diff
			p.numaFaults[cpuIdx] += fDiff
			p.numaFaults[memBufIdx] = 0
			p.numaFaults[cpuBufIdx] = 0
			p.totalNumaFaults += diff
			nodeFaults += p.numaFaults[memIdx]

			if ng != nil {
				gDiff := -ng.faults[memIdx] / 2
				gDiff += ng.faults[memBufIdx]
				gWeighted := ng.faults[cpuBufIdx] * runtime / (period + 1)
				gFDiff := -ng.faults[cpuIdx]/2 + gWeighted

				ng.faults[memIdx] += gDiff
				ng.faults[cpuIdx] += gFDiff
				ng.faults[memBufIdx] = 0
				ng.faults[cpuBufIdx] = 0
				ng.totalFaults += gDiff
			}
		}
		if nodeFaults > maxFaults {
			maxFaults = nodeFaults
			maxNid = nid
		}
		if ng != nil {
			if gf := s.groupFaults(ng, nid); gf > maxGroupFaults {
				maxGroupFaults = gf
				maxGroupNid = nid
			}
			if gc := s.groupFaultsCPU(ng, nid); gc > ng.maxFaultsCPU {
				ng.maxFaultsCPU = gc
			}
		}
	}

	if ng != nil {
		s.updateActiveNodes(ng)
		ng.mu.Unlock()
		if maxGroupFaults > 0 {
			maxNid = s.preferredGroupNid(p, maxGroupNid)
			maxFaults = maxGroupFaults
		}
	}

	if maxFaults > 0 && maxNid != numaNoNode && maxNid != p.numaPreferredNid {
		p.numaPreferredNid = maxNid
		p.numaMigrateRetry = 0
		s.numaMigratePreferred(p)
	}
}

// updateActiveNodes counts the nodes carrying a meaningful share of
// the group's CPU faults. Called with the group lock held.
func (s *Scheduler) updateActiveNodes(ng *numaGroup) {
	var max int64
	for nid := 0; nid < s.numa.nrNodes; nid++ {
		if f := s.groupFaultsCPU(ng, nid); f > max {
			max = f
		}
	}
	active := 0
	for nid := 0; nid < s.numa.nrNodes; nid++ {
		if 3*s.groupFaultsCPU(ng, nid) > max {
			active++
		}
	}
	ng.activeNodes = active
	ng.maxFaultsCPU = max
}

// preferredGroupNid picks the best node for a grouped task, folding in
// nearby nodes' faults on topologies with more than one distance step.
func (s *Scheduler) preferredGroupNid(p *Task, nid int) int {
	ng := p.numaGroup
	if ng == nil {
		return nid
	}
	best, bestScore := nid, int64(0)
	for _, cand := range s.sys.NodeIDs() {
		score := s.scoreNearby(int(cand), func(n int) int64 {
			ng.mu.Lock()
			defer ng.mu.Unlock()
			return s.groupFaults(ng, n)
		})
		if score > bestScore {
			bestScore = score
			best = int(cand)
		}
	}
	return best
}

// adjustScanPeriod speeds the scanner up while placement is off and
// slows it down once faults are predominantly local.
func (s *Scheduler) adjustScanPeriod(p *Task) {
	t := s.tun()
	remote := p.numaFaultsLocality[0]
	local := p.numaFaultsLocality[1]
	failed := p.numaFaultsLocality[2]

	total := remote + local
	switch {
	case total == 0:
		// Nothing faulted last window; the working set is covered.
		p.numaScanPeriod = min64(p.numaScanPeriod*2, t.NumaScanPeriodMax)
	case failed > total/2:
		// Migrations keep getting refused; back off.
		p.numaScanPeriod = min64(p.numaScanPeriod*2, t.NumaScanPeriodMax)
	case local > 3*remote:
		p.numaScanPeriod = min64(p.numaScanPeriod*2, t.NumaScanPeriodMax)
	default:
		p.numaScanPeriod = max64(p.numaScanPeriod/2, t.NumaScanPeriodMin)
	}
	p.numaFaultsLocality = [3]int64{}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ShouldNumaMigrateMemory decides whether a faulted page should follow
// the task to the faulting CPU's node. Called by the environment's
// fault handler before it migrates a page.
func (s *Scheduler) ShouldNumaMigrateMemory(p *Task, srcNid, dstNid, lastCPUPid int) bool {
	if !s.features.NumaBalancing.Load() || p.mm == nil {
		return false
	}

	// Too early in a task's life the counters are all noise.
	if p.numaScanSeq < 2 {
		return false
	}
	if p.numaScanSeq <= 4 {
		return dstNid == p.numaPreferredNid
	}

	if !s.numa.migrateLimit.AllowN(time.Unix(0, s.clock.Now()), 1) {
		return false
	}

	ng := p.numaGroup
	if ng != nil {
		ng.mu.Lock()
		defer ng.mu.Unlock()

		// Migrating towards any active node of a spread-out group is
		// fine; otherwise require a clear CPU-fault majority.
		if ng.activeNodes > 1 && s.groupFaultsCPU(ng, dstNid) > 0 {
			if 3*s.groupFaultsCPU(ng, dstNid) > ng.maxFaultsCPU {
				return true
			}
		}
		src := s.groupFaults(ng, srcNid)
		dst := s.groupFaults(ng, dstNid)
		if s.groupFaultsCPU(ng, dstNid) > 3*s.groupFaultsCPU(ng, srcNid) {
			return true
		}
		// 4/3 hysteresis against ping-ponging the page.
		return dst*3 > src*4
	}

	// Private page following its only accessor.
	if cpupidMatch(p, lastCPUPid) {
		return true
	}
	src := s.taskFaults(p, srcNid)
	dst := s.taskFaults(p, dstNid)
	return dst*3 > src*4
}

// numaMigratePreferred tries to move the task onto its preferred node,
// rate limited per task.
func (s *Scheduler) numaMigratePreferred(p *Task) {
	if p.numaPreferredNid == numaNoNode || p.numaFaults == nil {
		return
	}
	p.numaMigrateRetry = s.clock.Now() + numaMigrateRetryInterval

	if s.taskNode(p) == p.numaPreferredNid {
		return
	}
	s.taskNumaMigrate(p)
}

// numaTaskEnv carries the state of one task_numa_migrate search.
type numaTaskEnv struct {
	p      *Task
	srcCPU int
	srcNid int
	dstNid int

	bestCPU  int
	bestTask *Task
	bestImp  int64
}

// taskNumaMigrate searches the preferred node for the CPU where moving
// or swapping the task most improves combined locality, then performs
// the move.
func (s *Scheduler) taskNumaMigrate(p *Task) {
	env := numaTaskEnv{
		p:       p,
		srcCPU:  int(p.cpu),
		srcNid:  s.taskNode(p),
		dstNid:  p.numaPreferredNid,
		bestCPU: -1,
		bestImp: 0,
	}

	src := s.rqs[env.srcCPU]
	src.lock()
	if src.numaMigrateOn {
		src.unlock()
		return
	}
	src.numaMigrateOn = true
	src.unlock()
	defer func() {
		src.lock()
		src.numaMigrateOn = false
		src.unlock()
	}()

	s.numaFindBestCPU(&env, env.dstNid)

	// A grouped task whose preferred node is full may still improve
	// things on another active node.
	if env.bestCPU < 0 && p.numaGroup != nil {
		for _, nid := range s.sys.NodeIDs() {
			if int(nid) == env.srcNid || int(nid) == env.dstNid {
				continue
			}
			if s.groupWeight(p, int(nid)) > s.groupWeight(p, env.srcNid) {
				s.numaFindBestCPU(&env, int(nid))
			}
		}
	}

	if env.bestCPU < 0 {
		p.failedMigrations++
		if p.failedMigrations >= 16 {
			// Placement keeps failing; slow the scanner down.
			p.numaScanPeriod = min64(p.numaScanPeriod*2, s.tun().NumaScanPeriodMax)
			p.failedMigrations = 0
		}
		return
	}
	p.failedMigrations = 0

	if env.bestTask == nil {
		s.metrics.numaTaskMigrations.Inc()
		s.migrateTask(p, env.bestCPU)
		return
	}
	s.metrics.numaTaskSwaps.Inc()
	s.migrateSwap(p, env.bestTask)
}

// numaFindBestCPU evaluates every allowed CPU of a node, either as a
// free slot or as a swap with its running task.
func (s *Scheduler) numaFindBestCPU(env *numaTaskEnv, nid int) {
	p := env.p
	for _, cpu := range s.numa.nodes[nid].List() {
		if cpu == env.srcCPU || !p.allowed.Contains(cpu) {
			continue
		}
		s.taskNumaCompare(env, nid, cpu)
	}
}

// taskNumaCompare scores moving the task to cpu, possibly displacing
// the task running there in a swap.
func (s *Scheduler) taskNumaCompare(env *numaTaskEnv, nid, cpu int) {
	p := env.p
	r := s.rqs[cpu]

	r.lock()
	if r.numaMigrateOn {
		r.unlock()
		return
	}
	other := r.currTask
	free := other == nil && r.cfs.hNrRunning == 0
	if other != nil && (other.mm == nil || !other.allowed.Contains(env.srcCPU)) {
		// No swap partner; only usable as a free slot.
		other = nil
		if !free {
			r.unlock()
			return
		}
	}
	r.unlock()

	// Locality gain of the task moving src -> nid.
	imp := s.taskWeight(p, nid) - s.taskWeight(p, env.srcNid)
	imp += s.groupWeight(p, nid) - s.groupWeight(p, env.srcNid)

	if other != nil {
		// The displaced task moves the other way; count its loss.
		imp += s.taskWeight(other, env.srcNid) - s.taskWeight(other, nid)
		imp += s.groupWeight(other, env.srcNid) - s.groupWeight(other, nid)
	}

	if imp <= env.bestImp {
		return
	}

	if free || other == nil {
		// Do not overload the destination for a locality win.
		if !free && r.cfs.hNrRunning > 0 {
			return
		}
		env.bestCPU = cpu
		env.bestTask = nil
		env.bestImp = imp
		return
	}
	env.bestCPU = cpu
	env.bestTask = other
	env.bestImp = imp
}

// swapArg is the argument of the two-CPU stop callback.
type swapArg struct {
	s    *Scheduler
	a, b *Task
}

// migrateSwap exchanges the CPUs of two tasks atomically with respect
// to both CPUs, via the two-CPU stopper protocol.
func (s *Scheduler) migrateSwap(a, b *Task) {
	arg := &swapArg{s: s, a: a, b: b}
	err := s.stoppers.Two(int(a.cpu), int(b.cpu), migrateSwapStop, arg)
	if err != nil && !errors.Is(err, stopper.ErrDisabled) {
		log.Error("swap migration %s<->%s failed: %v", a, b, err)
	}
}

// migrateSwapStop runs with both CPUs held in the stopper state
// machine.
func migrateSwapStop(argIf interface{}) error {
	arg := argIf.(*swapArg)
	s := arg.s
	a, b := arg.a, arg.b

	srcA := s.taskRq(a)
	srcB := s.taskRq(b)
	if srcA == srcB {
		return nil
	}
	lockPair(srcA, srcB)
	defer unlockPair(srcA, srcB)

	if int(a.cpu) != int(srcA.cpu) || int(b.cpu) != int(srcB.cpu) {
		return nil
	}
	if a.onRq != queued || b.onRq != queued {
		return nil
	}
	if !a.allowed.Contains(int(srcB.cpu)) || !b.allowed.Contains(int(srcA.cpu)) {
		return nil
	}

	srcA.updateClock()
	srcB.updateClock()

	runA := srcA.currTask == a
	runB := srcB.currTask == b
	srcA.deactivateTask(a, 0)
	srcB.deactivateTask(b, 0)
	if runA {
		srcA.currTask = nil
		srcA.reschedCurr()
	}
	if runB {
		srcB.currTask = nil
		srcB.reschedCurr()
	}

	s.setTaskCPU(a, int(srcB.cpu))
	s.setTaskCPU(b, int(srcA.cpu))

	srcB.activateTask(a, 0)
	srcA.activateTask(b, 0)
	srcB.checkPreemptWakeup(a, WakeTTWU)
	srcA.checkPreemptWakeup(b, WakeTTWU)
	return nil
}

// migrateDegradesLocality reports whether a balancer migration would
// hurt the task's NUMA placement: 1 degrades, 0 does not, -1 unknown.
func (s *Scheduler) migrateDegradesLocality(p *Task, env *lbEnv) int {
	if !s.features.NumaBalancing.Load() || p.numaFaults == nil || p.mm == nil {
		return -1
	}
	srcNid := s.cpuToNode(int(env.srcRq.cpu))
	dstNid := s.cpuToNode(env.dstCPU)
	if srcNid == dstNid {
		return -1
	}
	if srcNid == p.numaPreferredNid {
		return 1
	}
	if dstNid == p.numaPreferredNid {
		return 0
	}
	if env.idle == cpuIdle {
		// Towards an idle CPU, locality yields to utilization.
		return -1
	}

	var srcW, dstW int64
	if p.numaGroup != nil {
		srcW = s.groupWeight(p, srcNid)
		dstW = s.groupWeight(p, dstNid)
	} else {
		srcW = s.taskWeight(p, srcNid)
		dstW = s.taskWeight(p, dstNid)
	}
	if dstW < srcW {
		return 1
	}
	return 0
}
