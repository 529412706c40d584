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
	"fmt"
	"sync"
)

var (
	// ErrInvalidNice is returned for out-of-range nice values.
	ErrInvalidNice = fmt.Errorf("sched: invalid nice value")
	// ErrInvalidShares is returned for invalid group share values.
	ErrInvalidShares = fmt.Errorf("sched: invalid group shares")
	// ErrInvalidPeriod is returned for out-of-range bandwidth periods.
	ErrInvalidPeriod = fmt.Errorf("sched: invalid bandwidth period")
	// ErrInvalidQuota is returned for out-of-range bandwidth quotas.
	ErrInvalidQuota = fmt.Errorf("sched: invalid bandwidth quota")
	// ErrInvalidBurst is returned when burst exceeds quota.
	ErrInvalidBurst = fmt.Errorf("sched: invalid bandwidth burst")
	// ErrRootGroup is returned for operations not allowed on the root group.
	ErrRootGroup = fmt.Errorf("sched: operation not allowed on root group")
	// ErrEmptyMask is returned for an affinity mask with no online CPUs.
	ErrEmptyMask = fmt.Errorf("sched: affinity mask has no usable CPUs")
	// ErrUnknownFeature is returned for unknown scheduler feature names.
	ErrUnknownFeature = fmt.Errorf("sched: unknown feature")
	// ErrNotRunnable is returned when an operation needs a queued task.
	ErrNotRunnable = fmt.Errorf("sched: task not runnable")
)

// warned tracks emitted impossible-state warnings so each fires once.
var warned sync.Map

// warnOnce logs an impossible-state warning once per call site key and
// returns true, so it can gate skipping the offending operation.
func warnOnce(key string, format string, args ...interface{}) bool {
	if _, loaded := warned.LoadOrStore(key, struct{}{}); !loaded {
		log.Error("WARNING: "+format, args...)
	}
	return true
}
