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

	"github.com/google/btree"

	"github.com/containers/fairsched/pkg/sched/pelt"
	"github.com/containers/fairsched/pkg/sched/weight"
)

// cfsRq is a fair run queue. Each CPU has one root queue, plus one per
// task group with tasks on that CPU. Entities wait in a timeline
// ordered by virtual runtime; the running entity is kept out of it.
type cfsRq struct {
	load      weight.Load
	nrRunning int
	// hNrRunning counts tasks queued anywhere in this hierarchy.
	hNrRunning     int
	idleHNrRunning int

	minVruntime int64
	timeline    *btree.BTreeG[*entity]

	curr *entity
	next *entity
	last *entity
	skip *entity

	avg pelt.Avg
	// removed accumulates load of entities detached without the queue
	// lock, folded in at the next PELT update.
	removed struct {
		sync.Mutex
		nr          int
		loadAvg     int64
		utilAvg     int64
		runnableAvg int64
	}
	tgLoadAvgContrib int64
	propagate        bool
	propRunnableSum  int64

	// hLoad is the hierarchical load used by load balancing, updated
	// lazily top-down.
	hLoad           uint64
	hLoadUpdateTime int64

	tg     *TaskGroup
	rq     *rq
	onList bool

	// bandwidth control
	runtimeEnabled   bool
	runtimeRemaining int64
	throttled        bool
	throttleCount    int
	throttledClock   int64
	// throttledClockPelt and throttledPeltTime freeze PELT time while
	// the queue is throttled.
	throttledClockPelt int64
	throttledPeltTime  int64
	throttledTime      int64
}

func newCfsRq(tg *TaskGroup, r *rq) *cfsRq {
	cfs := &cfsRq{
		tg:          tg,
		rq:          r,
		minVruntime: -(1 << 20),
	}
	cfs.timeline = btree.NewG[*entity](8, entityBefore)
	return cfs
}

// firstEntity returns the leftmost waiting entity, nil if none.
func (cfs *cfsRq) firstEntity() *entity {
	se, ok := cfs.timeline.Min()
	if !ok {
		return nil
	}
	return se
}

// nextInTimeline returns the entity ordered right after se, nil if se
// is the rightmost or not queued.
func (cfs *cfsRq) nextInTimeline(se *entity) *entity {
	var succ *entity
	cfs.timeline.AscendGreaterOrEqual(se, func(e *entity) bool {
		if e == se {
			return true
		}
		succ = e
		return false
	})
	return succ
}

func (cfs *cfsRq) insertEntity(se *entity) {
	if _, dup := cfs.timeline.ReplaceOrInsert(se); dup {
		warnOnce("timeline-dup", "cfs[%s/%d]: duplicate timeline insert", cfs.tg.Name, cfs.rq.cpu)
	}
}

func (cfs *cfsRq) removeEntity(se *entity) {
	if _, ok := cfs.timeline.Delete(se); !ok {
		warnOnce("timeline-miss", "cfs[%s/%d]: timeline delete of absent entity", cfs.tg.Name, cfs.rq.cpu)
	}
}

// updateMinVruntime advances min_vruntime to track the minimum of the
// current and leftmost entities. It never moves backwards.
func (cfs *cfsRq) updateMinVruntime() {
	vruntime := cfs.minVruntime
	curr := cfs.curr

	if curr != nil {
		if curr.onRq {
			vruntime = curr.vruntime
		} else {
			curr = nil
		}
	}

	if left := cfs.firstEntity(); left != nil {
		if curr == nil {
			vruntime = left.vruntime
		} else if left.vruntime < vruntime {
			vruntime = left.vruntime
		}
	}

	if vruntime > cfs.minVruntime {
		cfs.minVruntime = vruntime
	}
}

// clearBuddies drops buddy marks referring to se anywhere up the
// hierarchy.
func (cfs *cfsRq) clearBuddies(se *entity) {
	if cfs.next == se {
		forEachEntity(se, func(e *entity) bool {
			q := e.cfsRq
			if q.next != e {
				return false
			}
			q.next = nil
			return true
		})
	}
	if cfs.last == se {
		forEachEntity(se, func(e *entity) bool {
			q := e.cfsRq
			if q.last != e {
				return false
			}
			q.last = nil
			return true
		})
	}
	if cfs.skip == se {
		forEachEntity(se, func(e *entity) bool {
			q := e.cfsRq
			if q.skip != e {
				return false
			}
			q.skip = nil
			return true
		})
	}
}

// depth is the queue's distance from the root queue of its CPU.
func (cfs *cfsRq) depth() int {
	if ses := cfs.tg.se; ses != nil {
		if gse := ses[int(cfs.rq.cpu)]; gse != nil {
			return gse.depth + 1
		}
	}
	return 0
}

// isThrottled tells whether this queue itself is throttled.
func (cfs *cfsRq) isThrottled() bool {
	return cfs.throttled
}

// throttledHierarchy tells whether the queue or any ancestor is
// throttled.
func (cfs *cfsRq) throttledHierarchy() bool {
	return cfs.throttleCount > 0
}
