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

// Enqueue/dequeue flags. Restore/Move pair with Save/Move so that an
// attribute change or a migration is invisible to the plain paths.
const (
	enqueueWakeup   = 0x01
	enqueueRestore  = 0x02
	enqueueMove     = 0x04
	enqueueMigrated = 0x40

	dequeueSleep = 0x01
	dequeueSave  = 0x02
	dequeueMove  = 0x04
)

// WakeFlags qualify a CPU selection request.
type WakeFlags int

const (
	// WakeTTWU is a plain wakeup of a previously sleeping task.
	WakeTTWU WakeFlags = 0
	// WakeFork selects a CPU for a newly forked task.
	WakeFork WakeFlags = 0x01
	// WakeExec selects a CPU at exec time, when cache footprint is minimal.
	WakeExec WakeFlags = 0x02
	// WakeSync hints that the waker will sleep soon after the wakeup.
	WakeSync WakeFlags = 0x04
)

// CPU idle states as seen by the idle-sibling scan.
type cpuIdleState int

const (
	cpuBusy cpuIdleState = iota
	cpuIdle
	cpuNewlyIdle
)
