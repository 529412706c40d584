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

// schedClass is the capability surface a scheduling class exposes to
// the dispatch core. Only the fair class is implemented; the interface
// keeps class-specific policy out of the generic paths.
type schedClass interface {
	Name() string
	Enqueue(r *rq, p *Task, flags int)
	Dequeue(r *rq, p *Task, flags int)
	PickNext(r *rq, prev *Task) *Task
	PutPrev(r *rq, p *Task)
	SetNext(r *rq, p *Task)
	Tick(r *rq, p *Task)
	CheckPreempt(r *rq, p *Task, flags WakeFlags)
	SelectRq(waker, p *Task, prev int, flags WakeFlags) int
	Yield(r *rq)
	YieldTo(r *rq, p *Task) bool
}

// fairClass implements schedClass with the weighted-fair policy.
type fairClass struct {
	s *Scheduler
}

func (fc *fairClass) Name() string { return "fair" }

func (fc *fairClass) Enqueue(r *rq, p *Task, flags int) {
	r.enqueueTaskFair(p, flags)
}

func (fc *fairClass) Dequeue(r *rq, p *Task, flags int) {
	r.dequeueTaskFair(p, flags)
}

func (fc *fairClass) PickNext(r *rq, prev *Task) *Task {
	return r.pickNextTaskFair(prev)
}

func (fc *fairClass) PutPrev(r *rq, p *Task) {
	r.putPrevTaskFair(p)
}

func (fc *fairClass) SetNext(r *rq, p *Task) {
	r.setNextTaskFair(p)
}

func (fc *fairClass) Tick(r *rq, p *Task) {
	r.taskTickFair(p)
}

func (fc *fairClass) CheckPreempt(r *rq, p *Task, flags WakeFlags) {
	r.checkPreemptWakeup(p, flags)
}

func (fc *fairClass) SelectRq(waker, p *Task, prev int, flags WakeFlags) int {
	return fc.s.selectTaskRqFair(waker, p, prev, flags)
}

func (fc *fairClass) Yield(r *rq) {
	r.yieldTaskFair()
}

func (fc *fairClass) YieldTo(r *rq, p *Task) bool {
	return r.yieldToTaskFair(p)
}
