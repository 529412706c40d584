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

// Package stopper provides the per-CPU stop-work primitive: each CPU
// owns a worker of strictly highest priority that executes submitted
// functions one at a time. Two-CPU and whole-machine variants drive all
// participants through a shared state machine so the executed function
// observes every involved CPU suspended.
package stopper

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/atomic"

	logger "github.com/containers/fairsched/pkg/log"
)

var log = logger.NewLogger("stopper")

// Fn is a function executed by a stopper on its CPU.
type Fn func(arg interface{}) error

// ErrDisabled is returned when the target CPU's stopper is offline.
var ErrDisabled = fmt.Errorf("stopper: stopper disabled")

// Done signals completion of stop work to the submitter. A single Done
// may be attached to work on several CPUs; it completes when the last
// of them finishes.
type Done struct {
	ch     chan struct{}
	todo   atomic.Int32
	mu     sync.Mutex
	err    error
	missed bool
}

// newDone returns a Done expecting the given number of completions.
func newDone(todo int) *Done {
	d := &Done{ch: make(chan struct{})}
	d.todo.Store(int32(todo))
	return d
}

// signal records one completion.
func (d *Done) signal(err error, executed bool) {
	d.mu.Lock()
	if err != nil && d.err == nil {
		d.err = err
	}
	if !executed {
		d.missed = true
	}
	d.mu.Unlock()
	if d.todo.Dec() == 0 {
		close(d.ch)
	}
}

// Wait blocks until all expected completions have been signalled.
func (d *Done) Wait() error {
	<-d.ch
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.missed && d.err == nil {
		return ErrDisabled
	}
	return d.err
}

// Work is one unit of stop work.
type Work struct {
	fn   Fn
	arg  interface{}
	done *Done
}

// NewWork creates a detached work item for use with OneNowait.
func NewWork(fn Fn, arg interface{}) *Work {
	return &Work{fn: fn, arg: arg}
}

// stopper is the per-CPU worker.
type stopper struct {
	cpu     int
	mu      sync.Mutex
	cond    *sync.Cond
	works   []*Work
	enabled bool
	parked  bool
	quit    bool
}

// Pool owns one stopper per CPU.
type Pool struct {
	stoppers []*stopper
	// stopMu prevents concurrent multi-CPU stops from queueing their
	// work in opposite orders and deadlocking against each other.
	stopMu sync.Mutex
	wg     sync.WaitGroup
}

// NewPool creates a pool with one stopper per CPU, all disabled.
func NewPool(cpus int) *Pool {
	p := &Pool{}
	for cpu := 0; cpu < cpus; cpu++ {
		s := &stopper{cpu: cpu}
		s.cond = sync.NewCond(&s.mu)
		p.stoppers = append(p.stoppers, s)
	}
	return p
}

// Start brings all stoppers online.
func (p *Pool) Start() {
	for _, s := range p.stoppers {
		s.mu.Lock()
		s.enabled = true
		s.mu.Unlock()
		p.wg.Add(1)
		go func(s *stopper) {
			defer p.wg.Done()
			s.run()
		}(s)
	}
}

// Stop takes all stoppers offline and waits for them to drain. Pending
// work with an attached Done is completed as missed.
func (p *Pool) Stop() {
	p.stopMu.Lock()
	for _, s := range p.stoppers {
		s.mu.Lock()
		s.enabled = false
		s.quit = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	p.stopMu.Unlock()
	p.wg.Wait()
}

// Disable takes a single CPU's stopper offline, as CPU hotplug would.
func (p *Pool) Disable(cpu int) {
	p.stopMu.Lock()
	s := p.stoppers[cpu]
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	p.stopMu.Unlock()
	log.Debug("stopper %d disabled", cpu)
}

// CPUCount returns the number of stoppers in the pool.
func (p *Pool) CPUCount() int { return len(p.stoppers) }

// run is the stopper main loop.
func (s *stopper) run() {
	for {
		s.mu.Lock()
		for len(s.works) == 0 && !s.quit {
			s.parked = true
			s.cond.Wait()
		}
		s.parked = false
		if s.quit {
			pending := s.works
			s.works = nil
			s.mu.Unlock()
			for _, w := range pending {
				if w.done != nil {
					w.done.signal(nil, false)
				}
			}
			return
		}
		w := s.works[0]
		s.works = s.works[1:]
		s.mu.Unlock()

		err := w.fn(w.arg)
		if w.done != nil {
			w.done.signal(err, true)
		}
	}
}

// online checks whether the stopper accepts work.
func (s *stopper) online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// queue adds work to a stopper. Returns false if the stopper is offline.
func (s *stopper) queue(w *Work) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	s.works = append(s.works, w)
	s.cond.Signal()
	return true
}

// One executes fn(arg) on the given CPU's stopper and waits for it.
func (p *Pool) One(cpu int, fn Fn, arg interface{}) error {
	done := newDone(1)
	w := &Work{fn: fn, arg: arg, done: done}
	if !p.stoppers[cpu].queue(w) {
		done.signal(nil, false)
	}
	return done.Wait()
}

// OneNowait queues fn(arg) on the given CPU's stopper without waiting.
// Returns false if the stopper is offline.
func (p *Pool) OneNowait(cpu int, w *Work) bool {
	return p.stoppers[cpu].queue(w)
}

// multi-stop state machine states.
type multiState int32

const (
	multiNone multiState = iota
	multiPrepare
	multiDisableIRQ
	multiRun
	multiExit
)

// multiStop is the state shared by the stoppers participating in a
// two-CPU or whole-machine stop.
type multiStop struct {
	fn        Fn
	arg       interface{}
	threads   int32
	activeCPU int
	state     atomic.Int32
	ack       atomic.Int32
	err       atomic.Error
}

// ackState advances the shared state once every participant has acked
// the current one.
func (ms *multiStop) ackState() {
	if ms.ack.Dec() == 0 {
		ms.ack.Store(ms.threads)
		ms.state.Inc()
	}
}

// multiStopFn is run by every participating stopper. All participants
// step through PREPARE -> DISABLE_IRQ -> RUN -> EXIT in lockstep; the
// designated CPU runs fn at RUN while the others spin.
func (ms *multiStop) multiStopFn(cpu int) error {
	curstate := multiNone
	for {
		runtime.Gosched()
		newstate := multiState(ms.state.Load())
		if newstate != curstate {
			curstate = newstate
			switch curstate {
			case multiDisableIRQ:
				// preemption is notionally off from here on
			case multiRun:
				if cpu == ms.activeCPU {
					if err := ms.fn(ms.arg); err != nil {
						ms.err.Store(err)
					}
				}
			case multiExit:
				return ms.err.Load()
			}
			ms.ackState()
		} else if curstate == multiExit {
			return ms.err.Load()
		}
	}
}

// Two executes fn(arg) once with both CPUs stopped. The function runs
// on cpu1's stopper; cpu2's stopper spins in the shared state machine
// until both sides have acknowledged every transition.
func (p *Pool) Two(cpu1, cpu2 int, fn Fn, arg interface{}) error {
	if cpu1 == cpu2 {
		return p.One(cpu1, fn, arg)
	}
	// lock ordering across concurrent multi-stops
	if cpu2 < cpu1 {
		cpu1, cpu2 = cpu2, cpu1
	}

	ms := &multiStop{fn: fn, arg: arg, threads: 2, activeCPU: cpu1}
	ms.ack.Store(2)
	ms.state.Store(int32(multiPrepare))

	done := newDone(2)
	w1 := &Work{fn: func(interface{}) error { return ms.multiStopFn(cpu1) }, done: done}
	w2 := &Work{fn: func(interface{}) error { return ms.multiStopFn(cpu2) }, done: done}

	// Queue on both or neither; stopMu keeps the online state of both
	// stoppers stable and orders us against other multi-CPU stops.
	p.stopMu.Lock()
	if !p.stoppers[cpu1].online() || !p.stoppers[cpu2].online() {
		p.stopMu.Unlock()
		return ErrDisabled
	}
	p.stoppers[cpu1].queue(w1)
	p.stoppers[cpu2].queue(w2)
	p.stopMu.Unlock()

	return done.Wait()
}

// Machine executes fn(arg) once with every online CPU stopped.
func (p *Pool) Machine(fn Fn, arg interface{}) error {
	p.stopMu.Lock()

	online := []*stopper{}
	for _, s := range p.stoppers {
		if s.online() {
			online = append(online, s)
		}
	}
	if len(online) == 0 {
		p.stopMu.Unlock()
		return ErrDisabled
	}

	n := len(online)
	ms := &multiStop{fn: fn, arg: arg, threads: int32(n), activeCPU: online[0].cpu}
	ms.ack.Store(int32(n))
	ms.state.Store(int32(multiPrepare))

	done := newDone(n)
	for _, s := range online {
		cpu := s.cpu
		s.queue(&Work{fn: func(interface{}) error { return ms.multiStopFn(cpu) }, done: done})
	}
	p.stopMu.Unlock()

	return done.Wait()
}
