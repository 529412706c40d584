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

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/containers/fairsched/pkg/sched/core"
	"github.com/containers/fairsched/pkg/sched/topology"
)

// simConfig is the yaml configuration of a simulation run.
type simConfig struct {
	// System is the simulated machine.
	System *topology.SystemSpec `json:"system"`
	// Tunables overrides scheduler knobs, zero fields get defaults.
	Tunables core.Tunables `json:"tunables,omitempty"`
	// Features toggles named scheduler features.
	Features map[string]bool `json:"features,omitempty"`
	// Groups declares task groups, in dependency order.
	Groups []groupConfig `json:"groups,omitempty"`
	// Tasks is the workload.
	Tasks []taskConfig `json:"tasks"`
}

type groupConfig struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	// Shares is the group weight, 0 keeps the default.
	Shares uint64 `json:"shares,omitempty"`
	// QuotaMs per PeriodMs caps the group's CPU time. Zero quota
	// leaves the group unlimited.
	PeriodMs int64 `json:"periodMs,omitempty"`
	QuotaMs  int64 `json:"quotaMs,omitempty"`
	BurstMs  int64 `json:"burstMs,omitempty"`
}

type taskConfig struct {
	Comm string `json:"comm"`
	// Count clones the entry, 1 by default. Clones get a numeric
	// suffix in their comm.
	Count  int    `json:"count,omitempty"`
	Nice   int    `json:"nice,omitempty"`
	Policy string `json:"policy,omitempty"`
	// Allowed is a cpu list ("0-3,6"). Empty means all CPUs.
	Allowed string `json:"allowed,omitempty"`
	Group   string `json:"group,omitempty"`
	// RunMs/SleepMs give the task a duty cycle. Zero SleepMs keeps
	// the task runnable for the whole simulation.
	RunMs   int64 `json:"runMs,omitempty"`
	SleepMs int64 `json:"sleepMs,omitempty"`
	// MemoryMB sizes the task's address space for NUMA scanning.
	MemoryMB uint64 `json:"memoryMB,omitempty"`
}

func readConfig(path string) (*simConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration")
	}

	cfg := &simConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q", path)
	}
	return cfg, nil
}

func (cfg *simConfig) validate() error {
	var errs *multierror.Error

	if cfg.System == nil {
		errs = multierror.Append(errs, fmt.Errorf("missing system topology"))
	}
	if len(cfg.Tasks) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("empty workload"))
	}

	groups := map[string]struct{}{}
	for _, g := range cfg.Groups {
		if g.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("group without a name"))
			continue
		}
		if _, ok := groups[g.Name]; ok {
			errs = multierror.Append(errs,
				fmt.Errorf("duplicate group %q", g.Name))
		}
		if g.Parent != "" {
			if _, ok := groups[g.Parent]; !ok {
				errs = multierror.Append(errs,
					fmt.Errorf("group %q: undeclared parent %q", g.Name, g.Parent))
			}
		}
		if g.QuotaMs != 0 && g.PeriodMs == 0 {
			errs = multierror.Append(errs,
				fmt.Errorf("group %q: quota without a period", g.Name))
		}
		groups[g.Name] = struct{}{}
	}

	for i, tc := range cfg.Tasks {
		if tc.Comm == "" {
			errs = multierror.Append(errs, fmt.Errorf("task #%d without a comm", i))
		}
		if tc.Group != "" {
			if _, ok := groups[tc.Group]; !ok {
				errs = multierror.Append(errs,
					fmt.Errorf("task %q: undeclared group %q", tc.Comm, tc.Group))
			}
		}
		switch tc.Policy {
		case "", "normal", "batch", "idle":
		default:
			errs = multierror.Append(errs,
				fmt.Errorf("task %q: unknown policy %q", tc.Comm, tc.Policy))
		}
		if tc.RunMs < 0 || tc.SleepMs < 0 {
			errs = multierror.Append(errs,
				fmt.Errorf("task %q: negative duty cycle", tc.Comm))
		}
	}

	return errs.ErrorOrNil()
}

func parsePolicy(name string) core.Policy {
	switch name {
	case "batch":
		return core.PolicyBatch
	case "idle":
		return core.PolicyIdle
	default:
		return core.PolicyNormal
	}
}
