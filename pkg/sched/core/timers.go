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
	"container/heap"
	"sync"
)

// timerFn runs at expiry with the current virtual time and returns the
// next expiry time, or 0 to stop the timer.
type timerFn func(now int64) int64

// vtimer is a virtual-time timer driven by RunTimers.
type vtimer struct {
	when int64
	fn   timerFn
	idx  int // heap index, -1 when inactive
}

type timerHeap []*vtimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*vtimer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}

// timerQueue orders pending timers by expiry. Timer callbacks run
// without the queue lock held and may re-arm timers freely.
type timerQueue struct {
	mu   sync.Mutex
	heap timerHeap
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

func newTimer(fn timerFn) *vtimer {
	return &vtimer{fn: fn, idx: -1}
}

// start arms or re-arms the timer for the given expiry.
func (q *timerQueue) start(t *vtimer, when int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.idx >= 0 {
		t.when = when
		heap.Fix(&q.heap, t.idx)
		return
	}
	t.when = when
	heap.Push(&q.heap, t)
}

// cancel disarms the timer, reporting whether it was armed.
func (q *timerQueue) cancel(t *vtimer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.idx < 0 {
		return false
	}
	heap.Remove(&q.heap, t.idx)
	return true
}

func (q *timerQueue) active(t *vtimer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.idx >= 0
}

// next returns the earliest pending expiry, or false if none.
func (q *timerQueue) next() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].when, true
}

// run fires every timer due at or before now. Expired timers that are
// re-armed in the past by their callback fire again in the same call.
func (q *timerQueue) run(now int64) {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].when > now {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.heap).(*vtimer)
		q.mu.Unlock()

		if next := t.fn(now); next > 0 {
			q.start(t, next)
		}
	}
}
