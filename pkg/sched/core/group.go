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
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/containers/fairsched/pkg/sched/weight"
)

// TaskGroup is a node in the scheduling hierarchy. Each group has one
// fair queue and one group entity per CPU; the entity represents the
// group on its parent's queue with a weight derived from shares.
type TaskGroup struct {
	Name string

	id       int
	parent   *TaskGroup
	children []*TaskGroup

	shares uint64
	idle   bool

	// loadAvg sums the per-CPU queue load contributions, used to
	// distribute shares across CPUs.
	loadAvg atomic.Int64

	se  []*entity // per CPU, nil for root
	cfs []*cfsRq  // per CPU

	cfsb cfsBandwidth
}

// Shares returns the group's configured shares.
func (tg *TaskGroup) Shares() uint64 {
	return tg.shares
}

// Parent returns the parent group, nil for root.
func (tg *TaskGroup) Parent() *TaskGroup {
	return tg.parent
}

// Idle tells whether the group runs at idle priority.
func (tg *TaskGroup) Idle() bool {
	return tg.idle
}

// walk visits the group and its descendants pre-order. Returning false
// from down skips the subtree.
func (tg *TaskGroup) walk(down func(*TaskGroup) bool, up func(*TaskGroup)) {
	if down != nil && !down(tg) {
		return
	}
	for _, child := range tg.children {
		child.walk(down, up)
	}
	if up != nil {
		up(tg)
	}
}

// CreateGroup creates a child scheduling group under parent, or under
// root when parent is nil.
func (s *Scheduler) CreateGroup(name string, parent *TaskGroup) (*TaskGroup, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()

	if parent == nil {
		parent = s.root
	}
	tg := &TaskGroup{
		Name:   name,
		id:     len(s.groups),
		parent: parent,
		shares: weight.Nice0Load,
	}
	tg.cfsb.init(s, tg)

	ncpu := len(s.rqs)
	tg.se = make([]*entity, ncpu)
	tg.cfs = make([]*cfsRq, ncpu)
	for _, r := range s.rqs {
		cpu := int(r.cpu)
		cfs := newCfsRq(tg, r)
		se := &entity{
			myQ:   cfs,
			depth: 0,
		}
		se.load.Set(tg.shares)

		pcfs := parent.cfs[cpu]
		se.cfsRq = pcfs
		se.parent = parent.se[cpu]
		if se.parent != nil {
			se.depth = se.parent.depth + 1
		}
		tg.se[cpu] = se
		tg.cfs[cpu] = cfs

		r.lock()
		cfs.runtimeEnabled = tg.cfsb.quota != runtimeInf
		if pcfs.throttledHierarchy() {
			cfs.throttleCount = pcfs.throttleCount
		}
		r.unlock()
	}

	parent.children = append(parent.children, tg)
	s.groups = append(s.groups, tg)

	log.Debug("created group %s under %s", name, parent.Name)
	return tg, nil
}

// SetShares sets the group's shares, clamped to the valid range. The
// root group's shares cannot be changed.
func (s *Scheduler) SetShares(tg *TaskGroup, shares uint64) error {
	if tg == s.root {
		return errors.Wrap(ErrRootGroup, "set shares")
	}
	if shares == 0 {
		return errors.Wrapf(ErrInvalidShares, "shares %d", shares)
	}
	if shares < weight.MinShares {
		shares = weight.MinShares
	}
	if shares > weight.MaxShares {
		shares = weight.MaxShares
	}

	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if tg.shares == shares {
		return nil
	}
	tg.shares = shares

	for _, r := range s.rqs {
		cpu := int(r.cpu)
		r.lock()
		r.updateClock()
		se := tg.se[cpu]
		forEachEntity(se, func(e *entity) bool {
			r.updateLoadAvg(e.cfsRq, e, updateTG)
			r.updateCfsGroup(e)
			return true
		})
		r.unlock()
	}
	return nil
}

// SetGroupIdle marks the group as an idle group. Idle groups run below
// every normal-priority sibling.
func (s *Scheduler) SetGroupIdle(tg *TaskGroup, idle bool) error {
	if tg == s.root {
		return errors.Wrap(ErrRootGroup, "set idle")
	}

	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if tg.idle == idle {
		return nil
	}
	tg.idle = idle

	for _, r := range s.rqs {
		cpu := int(r.cpu)
		r.lock()
		r.updateClock()
		se := tg.se[cpu]
		grq := tg.cfs[cpu]

		// Idle status change shifts the subtree's tasks between the
		// normal and idle hierarchical counters of every ancestor.
		idleDelta := grq.hNrRunning - grq.idleHNrRunning
		if !idle {
			idleDelta = -idleDelta
		}
		for a := se; a != nil; a = a.parent {
			if !a.onRq {
				break
			}
			a.cfsRq.idleHNrRunning += idleDelta
		}

		if se.onRq {
			// Re-evaluate the entity weight under the new policy.
			r.updateCfsGroup(se)
		}
		r.unlock()
	}
	return nil
}

// calcGroupShares computes the weight the group entity above cfs
// should carry: the group's shares scaled by this CPU's portion of the
// group's total load.
func calcGroupShares(cfs *cfsRq) uint64 {
	tg := cfs.tg
	tgShares := tg.shares

	load := cfs.load.Weight
	if cfs.avg.LoadAvg > load {
		load = cfs.avg.LoadAvg
	}

	tgWeight := tg.loadAvg.Load()
	tgWeight -= cfs.tgLoadAvgContrib
	tgWeight += int64(load)

	shares := tgShares * load
	if tgWeight > 0 {
		shares /= uint64(tgWeight)
	}

	// Boundary conditions keep an active group entity schedulable
	// without exceeding the configured shares.
	if shares < weight.MinShares {
		shares = weight.MinShares
	}
	if shares > tgShares {
		shares = tgShares
	}
	return shares
}

// updateCfsGroup recomputes the weight of a group entity from its
// owned queue and reweights it on the parent queue.
func (r *rq) updateCfsGroup(se *entity) {
	grq := se.myQ
	if grq == nil {
		return
	}
	shares := calcGroupShares(grq)
	if se.isIdle() {
		shares = weight.IdleMinWeight
	}
	if se.load.Weight != shares {
		r.reweightEntity(se.cfsRq, se, shares)
	}
}

// reweightEntity changes an entity's weight in place, keeping queue
// load accounting and the PELT load contribution consistent.
func (r *rq) reweightEntity(cfs *cfsRq, se *entity, w uint64) {
	if se.onRq {
		if cfs.curr == se {
			r.updateCurr(cfs)
		}
		cfs.load.Sub(se.load.Weight)
	}
	r.dequeueLoadAvg(cfs, se)

	se.load.Set(w)

	if divider := se.avg.Divider(); divider > 0 {
		se.avg.LoadAvg = w * se.avg.LoadSum / divider
	}

	r.enqueueLoadAvg(cfs, se)
	if se.onRq {
		cfs.load.Add(se.load.Weight)
	}
}

// updateTgLoadAvg publishes the queue's load to the group total when
// it drifted more than 1/64 of the last published value.
func updateTgLoadAvg(cfs *cfsRq) {
	if cfs.tg.parent == nil {
		return
	}
	delta := int64(cfs.avg.LoadAvg) - cfs.tgLoadAvgContrib
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	if abs > cfs.tgLoadAvgContrib/64 {
		cfs.tg.loadAvg.Add(delta)
		cfs.tgLoadAvgContrib = int64(cfs.avg.LoadAvg)
	}
}
