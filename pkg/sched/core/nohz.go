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

	"go.uber.org/atomic"

	"github.com/containers/fairsched/pkg/utils/cpuset"
)

// blockedLoadPeriod is how often the blocked load of tickless CPUs is
// refreshed on their behalf.
const blockedLoadPeriod = 32 * int64(time.Millisecond)

// nohzState tracks the CPUs whose tick is stopped. One of them is
// elected to balance and decay blocked load on behalf of all of them.
type nohzState struct {
	mu       sync.Mutex
	idleCPUs cpuset.CPUSet

	hasBlocked  atomic.Bool
	nextBalance atomic.Int64
	nextBlocked atomic.Int64
}

func (s *Scheduler) initNohz() {
	s.nohz.idleCPUs = cpuset.New()
	now := s.clock.Now()
	s.nohz.nextBalance.Store(now)
	s.nohz.nextBlocked.Store(now + blockedLoadPeriod)
}

// nohzEnterIdle stops the CPU's tick bookkeeping and registers it for
// remote balancing. Called from Schedule with the run queue locked.
func (s *Scheduler) nohzEnterIdle(r *rq) {
	if r.nohzTickStopped.Load() {
		return
	}
	r.nohzTickStopped.Store(true)
	r.hasBlockedLoad = true

	s.nohz.mu.Lock()
	s.nohz.idleCPUs = s.nohz.idleCPUs.Union(cpuset.New(int(r.cpu)))
	s.nohz.mu.Unlock()
	s.nohz.hasBlocked.Store(true)
}

// nohzExitIdle restarts the CPU's tick bookkeeping.
func (s *Scheduler) nohzExitIdle(r *rq) {
	if !r.nohzTickStopped.Load() {
		return
	}
	r.nohzTickStopped.Store(false)

	s.nohz.mu.Lock()
	s.nohz.idleCPUs = s.nohz.idleCPUs.Difference(cpuset.New(int(r.cpu)))
	s.nohz.mu.Unlock()
}

// nohzBalancerKick is called on every busy-CPU tick. When tickless
// CPUs have gone stale it elects one of them and flags it to balance
// on behalf of all, emulating the kick IPI.
func (s *Scheduler) nohzBalancerKick(r *rq) {
	if r.nohzTickStopped.Load() {
		if r.nohzBalanceKick.CompareAndSwap(true, false) {
			s.nohzIdleBalance(r)
		}
		return
	}

	now := s.clock.Now()

	s.nohz.mu.Lock()
	idle := s.nohz.idleCPUs
	s.nohz.mu.Unlock()
	if idle.Size() == 0 {
		return
	}

	kick := false
	if now >= s.nohz.nextBalance.Load() {
		// Kick when this CPU clearly has sheddable work.
		if r.nrRunning >= 2 || r.misfitTaskLoad > 0 {
			kick = true
		}
	}
	if !kick && s.nohz.hasBlocked.Load() && now >= s.nohz.nextBlocked.Load() {
		kick = true
	}
	if !kick {
		return
	}

	ilb := cpuset.First(idle)
	if ilb < 0 {
		return
	}
	if s.rqs[ilb].nohzBalanceKick.CompareAndSwap(false, true) {
		s.metrics.nohzKicks.Inc()
	}
}

// nohzIdleBalance runs on the kicked tickless CPU and balances every
// tickless CPU whose deadline elapsed, refreshing their blocked load.
func (s *Scheduler) nohzIdleBalance(this *rq) {
	now := s.clock.Now()

	s.nohz.mu.Lock()
	idle := s.nohz.idleCPUs
	s.nohz.mu.Unlock()

	hasBlocked := false
	next := now + 60*int64(time.Second)

	for _, cpu := range idle.List() {
		r := s.rqs[cpu]
		if !r.nohzTickStopped.Load() {
			continue
		}

		r.lock()
		r.updateClock()
		r.updateBlockedAverages()
		if r.hasBlockedLoad {
			hasBlocked = true
		}
		r.unlock()

		if now >= r.nextBalance {
			s.rebalanceDomains(r, cpuIdle)
		}
		if r.nextBalance < next {
			next = r.nextBalance
		}
	}

	s.nohz.hasBlocked.Store(hasBlocked)
	s.nohz.nextBalance.Store(next)
	s.nohz.nextBlocked.Store(now + blockedLoadPeriod)
}
