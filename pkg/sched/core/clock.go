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

import "go.uber.org/atomic"

// Clock supplies monotone virtual time in nanoseconds.
type Clock interface {
	Now() int64
}

// SimClock is an explicitly advanced virtual clock, the usual driver of
// a simulated system.
type SimClock struct {
	now atomic.Int64
}

// NewSimClock returns a virtual clock starting at zero.
func NewSimClock() *SimClock {
	return &SimClock{}
}

// Now returns the current virtual time.
func (c *SimClock) Now() int64 {
	return c.now.Load()
}

// Advance moves the clock forward by d nanoseconds and returns the new time.
func (c *SimClock) Advance(d int64) int64 {
	return c.now.Add(d)
}

// Set sets the clock, which must not move backwards.
func (c *SimClock) Set(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur || c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}
