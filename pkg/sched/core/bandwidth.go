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
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	runtimeInf = int64(math.MaxInt64)

	minBandwidthPeriod = int64(1 * time.Millisecond)
	maxBandwidthPeriod = int64(1 * time.Second)
	minBandwidthQuota  = int64(1 * time.Millisecond)

	// minCfsRqRuntime is kept by a queue going empty instead of being
	// returned to the pool, to bound slack-path lock traffic.
	minCfsRqRuntime = int64(1 * time.Millisecond)
	// slackPeriod delays returning slack quota to throttled queues.
	slackPeriod = int64(5 * time.Millisecond)
	// bandwidthExpiration is how close to a period edge the slack
	// timer declines to run.
	bandwidthExpiration = int64(2 * time.Millisecond)
)

// cfsBandwidth is the per-group bandwidth pool: quota refills every
// period, per-CPU queues draw slices from it and throttle when the
// pool is dry.
type cfsBandwidth struct {
	mu sync.Mutex
	s  *Scheduler
	tg *TaskGroup

	period  int64
	quota   int64
	runtime int64
	burst   int64

	idle          bool
	periodActive  bool
	slackStarted  bool
	periodDeadline int64

	throttledCfs []*cfsRq

	nrPeriods     int64
	nrThrottled   int64
	nrBurst       int64
	burstTime     int64
	throttledTime int64

	periodTimer *vtimer
	slackTimer  *vtimer
}

func (b *cfsBandwidth) init(s *Scheduler, tg *TaskGroup) {
	b.s = s
	b.tg = tg
	b.quota = runtimeInf
	b.period = int64(100 * time.Millisecond)
	b.periodTimer = newTimer(b.periodTimerFired)
	b.slackTimer = newTimer(b.slackTimerFired)
}

// BandwidthStats are cumulative bandwidth statistics of a group.
type BandwidthStats struct {
	Periods       int64
	Throttled     int64
	ThrottledTime int64
	Bursts        int64
	BurstTime     int64
}

// BandwidthStats returns the group's cumulative throttling statistics.
func (s *Scheduler) BandwidthStats(tg *TaskGroup) BandwidthStats {
	b := &tg.cfsb
	b.mu.Lock()
	defer b.mu.Unlock()
	return BandwidthStats{
		Periods:       b.nrPeriods,
		Throttled:     b.nrThrottled,
		ThrottledTime: b.throttledTime,
		Bursts:        b.nrBurst,
		BurstTime:     b.burstTime,
	}
}

// SetBandwidth configures the group's CPU bandwidth limit. A negative
// quota removes the limit.
func (s *Scheduler) SetBandwidth(tg *TaskGroup, period, quota, burst int64) error {
	if tg == s.root {
		return errors.Wrap(ErrRootGroup, "set bandwidth")
	}
	if period < minBandwidthPeriod || period > maxBandwidthPeriod {
		return errors.Wrapf(ErrInvalidPeriod, "period %v", time.Duration(period))
	}
	if quota < 0 {
		quota = runtimeInf
	}
	if quota != runtimeInf && quota < minBandwidthQuota {
		return errors.Wrapf(ErrInvalidQuota, "quota %v", time.Duration(quota))
	}
	if quota != runtimeInf && (burst < 0 || burst > quota) {
		return errors.Wrapf(ErrInvalidBurst, "burst %v quota %v",
			time.Duration(burst), time.Duration(quota))
	}

	b := &tg.cfsb
	enabled := quota != runtimeInf

	b.mu.Lock()
	wasEnabled := b.quota != runtimeInf
	b.period = period
	b.quota = quota
	b.burst = burst
	b.refillRuntime()
	if enabled {
		b.startPeriodTimerLocked(s.clock.Now())
	}
	b.mu.Unlock()

	if enabled && !wasEnabled {
		s.bwUsers.Inc()
	} else if !enabled && wasEnabled {
		s.bwUsers.Dec()
	}

	for _, r := range s.rqs {
		cpu := int(r.cpu)
		cfs := tg.cfs[cpu]
		r.lock()
		r.updateClock()
		cfs.runtimeEnabled = enabled
		cfs.runtimeRemaining = 0
		if cfs.isThrottled() {
			r.unthrottleCfsRq(cfs)
		}
		r.unlock()
	}
	return nil
}

// bandwidthUsed short-circuits the accounting paths when no group has
// a quota configured.
func (s *Scheduler) bandwidthUsed() bool {
	return s.bwUsers.Load() > 0
}

// refillRuntime replenishes the pool by one quota, carrying unused
// runtime up to the burst allowance. Caller holds b.mu.
func (b *cfsBandwidth) refillRuntime() {
	if b.quota == runtimeInf {
		return
	}
	b.runtime += b.quota
	if b.runtime > b.quota+b.burst {
		b.runtime = b.quota + b.burst
	}
	if b.runtime > b.quota {
		// Carried-over burst in use this period.
		b.nrBurst++
		b.burstTime += b.runtime - b.quota
	}
}

// startPeriodTimerLocked arms the period timer if it is not running.
func (b *cfsBandwidth) startPeriodTimerLocked(now int64) {
	if b.periodActive {
		return
	}
	b.periodActive = true
	b.periodDeadline = now + b.period
	b.s.timers.start(b.periodTimer, b.periodDeadline)
}

// assignRuntime transfers up to a slice of pool runtime to the queue.
// Returns true if the queue ended up with a positive allowance.
func (b *cfsBandwidth) assignRuntime(cfs *cfsRq, target int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	minAmount := target - cfs.runtimeRemaining
	var amount int64
	if b.quota == runtimeInf {
		amount = minAmount
	} else {
		b.startPeriodTimerLocked(b.s.clock.Now())
		if b.runtime > 0 {
			amount = minAmount
			if amount > b.runtime {
				amount = b.runtime
			}
			b.runtime -= amount
			b.idle = false
		}
	}
	cfs.runtimeRemaining += amount
	return cfs.runtimeRemaining > 0
}

// accountCfsRqRuntime charges executed time against the queue's
// allowance, drawing a new slice when it runs out.
func (r *rq) accountCfsRqRuntime(cfs *cfsRq, delta int64) {
	if !cfs.runtimeEnabled || !r.sched.bandwidthUsed() {
		return
	}
	cfs.runtimeRemaining -= delta
	if cfs.runtimeRemaining > 0 {
		return
	}
	if !cfs.tg.cfsb.assignRuntime(cfs, r.sched.tun().BandwidthSlice) && cfs.curr != nil {
		// Out of quota; reschedule so put_prev throttles the queue.
		r.reschedCurr()
	}
}

// checkCfsRqRuntime throttles the queue on the put_prev path when its
// allowance is exhausted. Returns true if the queue is (now)
// throttled.
func (r *rq) checkCfsRqRuntime(cfs *cfsRq) bool {
	if !cfs.runtimeEnabled || !r.sched.bandwidthUsed() {
		return false
	}
	if cfs.runtimeRemaining > 0 {
		return false
	}
	if cfs.isThrottled() {
		return true
	}
	return r.throttleCfsRq(cfs)
}

// checkEnqueueThrottle throttles a queue that went active with an
// exhausted allowance before any of its entities can run.
func (r *rq) checkEnqueueThrottle(cfs *cfsRq) {
	if !cfs.runtimeEnabled || !r.sched.bandwidthUsed() || cfs.curr != nil {
		return
	}
	if cfs.isThrottled() {
		return
	}
	r.accountCfsRqRuntime(cfs, 0)
	if cfs.runtimeRemaining <= 0 {
		r.throttleCfsRq(cfs)
	}
}

// throttleDown freezes a descendant queue's PELT clock.
func (r *rq) throttleDown(cfs *cfsRq) {
	if cfs.throttleCount == 0 {
		cfs.throttledClockPelt = r.clockPelt
		r.leafRemove(cfs)
	}
	cfs.throttleCount++
}

// unthrottleUp thaws a descendant queue's PELT clock, accumulating the
// frozen span.
func (r *rq) unthrottleUp(cfs *cfsRq) {
	cfs.throttleCount--
	if cfs.throttleCount == 0 {
		cfs.throttledPeltTime += r.clockPelt - cfs.throttledClockPelt
		if cfs.nrRunning >= 1 {
			r.leafAdd(cfs)
		}
	}
}

// throttleCfsRq removes the queue's group entity from the hierarchy,
// taking its task count out of every ancestor. Returns false when a
// last-gasp slice allocation saved the queue.
func (r *rq) throttleCfsRq(cfs *cfsRq) bool {
	b := &cfs.tg.cfsb

	// One more chance: a minimal slice may have become available.
	if b.assignRuntime(cfs, 1) {
		return false
	}
	b.mu.Lock()
	b.throttledCfs = append(b.throttledCfs, cfs)
	b.mu.Unlock()

	cpu := int(r.cpu)

	// Freeze averages below this queue.
	cfs.tg.walk(func(tg *TaskGroup) bool {
		r.throttleDown(tg.cfs[cpu])
		return true
	}, nil)

	taskDelta := cfs.hNrRunning
	idleDelta := cfs.idleHNrRunning
	se := cfs.tg.se[cpu]
	dequeued := true

	for ; se != nil; se = se.parent {
		qcfs := se.cfsRq
		if !se.onRq {
			dequeued = false
			break
		}
		r.dequeueEntity(qcfs, se, dequeueSleep)
		if se.myQ.tg.idle {
			idleDelta = qcfs.hNrRunning
		}
		qcfs.hNrRunning -= taskDelta
		qcfs.idleHNrRunning -= idleDelta

		if qcfs.load.Weight != 0 {
			if parent := se.parent; parent != nil {
				setNextBuddy(parent)
			}
			se = se.parent
			break
		}
	}
	if dequeued {
		for ; se != nil; se = se.parent {
			qcfs := se.cfsRq
			if !se.onRq {
				break
			}
			r.updateLoadAvg(qcfs, se, 0)
			seUpdateRunnable(se)
			if se.myQ.tg.idle {
				idleDelta = qcfs.hNrRunning
			}
			qcfs.hNrRunning -= taskDelta
			qcfs.idleHNrRunning -= idleDelta
		}
		if se == nil {
			r.subNrRunning(taskDelta)
		}
	}

	cfs.throttled = true
	cfs.throttledClock = r.clock
	log.Debug("throttled group %s on cpu %d", cfs.tg.Name, r.cpu)
	return true
}

// unthrottleCfsRq puts the queue's group entity back and restores the
// ancestor task counts.
func (r *rq) unthrottleCfsRq(cfs *cfsRq) {
	b := &cfs.tg.cfsb
	cpu := int(r.cpu)

	cfs.throttled = false
	r.updateClock()

	b.mu.Lock()
	b.throttledTime += r.clock - cfs.throttledClock
	for i, q := range b.throttledCfs {
		if q == cfs {
			b.throttledCfs = append(b.throttledCfs[:i], b.throttledCfs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	cfs.tg.walk(nil, func(tg *TaskGroup) {
		r.unthrottleUp(tg.cfs[cpu])
	})

	if cfs.load.Weight == 0 {
		return
	}

	taskDelta := cfs.hNrRunning
	idleDelta := cfs.idleHNrRunning
	se := cfs.tg.se[cpu]
	throttledAgain := false

	for ; se != nil; se = se.parent {
		qcfs := se.cfsRq
		if se.onRq {
			break
		}
		r.enqueueEntity(qcfs, se, enqueueWakeup)
		if se.myQ.tg.idle {
			idleDelta = qcfs.hNrRunning
		}
		qcfs.hNrRunning += taskDelta
		qcfs.idleHNrRunning += idleDelta
		if qcfs.isThrottled() {
			throttledAgain = true
			break
		}
	}
	if !throttledAgain {
		for ; se != nil; se = se.parent {
			qcfs := se.cfsRq
			r.updateLoadAvg(qcfs, se, updateTG)
			seUpdateRunnable(se)
			if se.myQ.tg.idle {
				idleDelta = qcfs.hNrRunning
			}
			qcfs.hNrRunning += taskDelta
			qcfs.idleHNrRunning += idleDelta
			if qcfs.isThrottled() {
				throttledAgain = true
				break
			}
		}
		if se == nil {
			r.addNrRunning(taskDelta)
		}
	}

	if r.currTask == nil && r.cfs.nrRunning > 0 {
		r.reschedCurr()
	}
	log.Debug("unthrottled group %s on cpu %d", cfs.tg.Name, r.cpu)
}

// returnCfsRqRuntime gives excess allowance of an idle queue back to
// the pool, keeping a minimal reserve.
func (r *rq) returnCfsRqRuntime(cfs *cfsRq) {
	if cfs.nrRunning != 0 || !cfs.runtimeEnabled || !r.sched.bandwidthUsed() {
		return
	}
	slack := cfs.runtimeRemaining - minCfsRqRuntime
	if slack <= 0 {
		return
	}

	b := &cfs.tg.cfsb
	b.mu.Lock()
	if b.quota != runtimeInf {
		b.runtime += slack
		if b.runtime > r.sched.tun().BandwidthSlice && len(b.throttledCfs) > 0 {
			b.startSlackTimerLocked()
		}
	}
	b.mu.Unlock()

	cfs.runtimeRemaining -= slack
}

// startSlackTimerLocked arms the slack timer unless a period refresh
// is imminent anyway. Caller holds b.mu.
func (b *cfsBandwidth) startSlackTimerLocked() {
	now := b.s.clock.Now()
	if b.periodActive && b.periodDeadline-now < b.s.tun().BandwidthSlice {
		return
	}
	if b.slackStarted {
		return
	}
	b.slackStarted = true
	b.s.timers.start(b.slackTimer, now+slackPeriod)
}

// distributeRuntime hands pool runtime to throttled queues and
// unthrottles those brought back above zero.
func (b *cfsBandwidth) distributeRuntime() {
	b.mu.Lock()
	pending := make([]*cfsRq, len(b.throttledCfs))
	copy(pending, b.throttledCfs)
	b.mu.Unlock()

	for _, cfs := range pending {
		r := cfs.rq
		r.lock()
		if !cfs.isThrottled() {
			r.unlock()
			continue
		}
		want := -cfs.runtimeRemaining + 1

		b.mu.Lock()
		grant := want
		if grant > b.runtime {
			grant = b.runtime
		}
		b.runtime -= grant
		b.mu.Unlock()

		cfs.runtimeRemaining += grant
		if cfs.runtimeRemaining > 0 {
			r.unthrottleCfsRq(cfs)
		}
		r.unlock()

		b.mu.Lock()
		empty := b.runtime <= 0
		b.mu.Unlock()
		if empty {
			break
		}
	}
}

// periodTimerFired refills the pool and redistributes once per period.
// Consistently late expiry doubles the period to restore timer
// overhead sanity, scaling quota with it.
func (b *cfsBandwidth) periodTimerFired(now int64) int64 {
	count := 0
	for {
		b.mu.Lock()
		if b.periodDeadline > now {
			next := b.periodDeadline
			b.mu.Unlock()
			return next
		}
		b.periodDeadline += b.period

		throttled := len(b.throttledCfs) > 0
		b.nrPeriods++
		b.refillRuntime()

		if b.idle && !throttled {
			// No activity for a full period, let the timer lapse.
			b.periodActive = false
			b.mu.Unlock()
			return 0
		}
		if !throttled {
			b.idle = true
			next := b.periodDeadline
			b.mu.Unlock()
			return next
		}
		b.nrThrottled++
		b.idle = false

		count++
		if count > 3 {
			newPeriod := b.period * 2
			if newPeriod < maxBandwidthPeriod && b.quota != runtimeInf {
				b.period = newPeriod
				b.quota *= 2
				b.burst *= 2
				log.Warn("group %s: bandwidth period doubled to %v to keep up",
					b.tg.Name, time.Duration(b.period))
			}
		}
		b.mu.Unlock()

		b.distributeRuntime()
	}
}

// slackTimerFired returns gathered slack to throttled queues between
// period refreshes.
func (b *cfsBandwidth) slackTimerFired(now int64) int64 {
	b.mu.Lock()
	b.slackStarted = false
	if b.quota == runtimeInf {
		b.mu.Unlock()
		return 0
	}
	if b.periodActive && b.periodDeadline-now < bandwidthExpiration {
		// A full refresh is imminent, let it do the work.
		b.mu.Unlock()
		return 0
	}
	runtime := b.runtime
	throttled := len(b.throttledCfs) > 0
	b.mu.Unlock()

	if runtime > 0 && throttled {
		b.distributeRuntime()
	}
	return 0
}
