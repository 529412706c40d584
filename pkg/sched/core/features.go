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
)

// Features are boolean scheduler behaviors togglable at runtime.
type Features struct {
	// GentleFairSleepers halves the sleeper placement credit.
	GentleFairSleepers atomic.Bool
	// StartDebit charges a new task one slice ahead of its siblings.
	StartDebit atomic.Bool
	// NextBuddy marks the wakee as the preferred next pick.
	NextBuddy atomic.Bool
	// LastBuddy prefers the preempted task once the preemptor is done.
	LastBuddy atomic.Bool
	// CacheHotBuddy treats a migration-candidate buddy as cache hot.
	CacheHotBuddy atomic.Bool
	// WakeupPreemption lets wakeups preempt the current task.
	WakeupPreemption atomic.Bool
	// EnergyAware enables the energy-efficient wakeup path on systems
	// with a complete energy model.
	EnergyAware atomic.Bool
	// NumaBalancing enables NUMA fault scanning and placement.
	NumaBalancing atomic.Bool
}

func defaultFeatures() *Features {
	f := &Features{}
	f.GentleFairSleepers.Store(true)
	f.StartDebit.Store(true)
	f.NextBuddy.Store(false)
	f.LastBuddy.Store(true)
	f.CacheHotBuddy.Store(true)
	f.WakeupPreemption.Store(true)
	f.EnergyAware.Store(true)
	f.NumaBalancing.Store(false)
	return f
}

func (f *Features) byName(name string) *atomic.Bool {
	switch name {
	case "GENTLE_FAIR_SLEEPERS":
		return &f.GentleFairSleepers
	case "START_DEBIT":
		return &f.StartDebit
	case "NEXT_BUDDY":
		return &f.NextBuddy
	case "LAST_BUDDY":
		return &f.LastBuddy
	case "CACHE_HOT_BUDDY":
		return &f.CacheHotBuddy
	case "WAKEUP_PREEMPTION":
		return &f.WakeupPreemption
	case "ENERGY_AWARE":
		return &f.EnergyAware
	case "NUMA_BALANCING":
		return &f.NumaBalancing
	}
	return nil
}

// Set toggles the named feature.
func (f *Features) Set(name string, on bool) error {
	b := f.byName(name)
	if b == nil {
		return errors.Wrap(ErrUnknownFeature, name)
	}
	b.Store(on)
	return nil
}

// Get returns the state of the named feature.
func (f *Features) Get(name string) (bool, error) {
	b := f.byName(name)
	if b == nil {
		return false, errors.Wrap(ErrUnknownFeature, name)
	}
	return b.Load(), nil
}
