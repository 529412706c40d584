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

// schedsim runs a fair-scheduler simulation over virtual time. It
// reads a yaml description of the machine and the workload, drives
// scheduler ticks for the requested duration and reports how CPU time
// was divided, optionally exposing the scheduler metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/containers/fairsched/pkg/healthz"
	logger "github.com/containers/fairsched/pkg/log"
	"github.com/containers/fairsched/pkg/sched/core"
	"github.com/containers/fairsched/pkg/utils/cpuset"
)

var log = logger.NewLogger("schedsim")

// simTick is the virtual scheduler tick.
const simTick = int64(time.Millisecond)

// simTask is a workload task with an optional run/sleep duty cycle.
type simTask struct {
	p      *core.Task
	run    int64
	sleep  int64
	asleep bool
	nextAt int64
}

type simulator struct {
	s     *core.Scheduler
	clock *core.SimClock
	tasks []*simTask
	curr  []*core.Task
}

func main() {
	var (
		configFile  = flag.String("config", "", "Simulation configuration (yaml).")
		duration    = flag.Duration("duration", 10*time.Second, "Virtual time to simulate.")
		metricsFile = flag.String("metrics", "", "Write scheduler metrics to this file, '-' for stdout.")
		listen      = flag.String("listen", "", "Serve /metrics on this address after the run.")
		debug       = flag.String("debug", "", "Sources to enable debug logging for.")
	)
	flag.Parse()

	// Route slog users through our logger.
	logger.SetSlogLogger("")

	if *debug != "" {
		if err := logger.EnableDebugOf(*debug); err != nil {
			log.Fatalf("invalid -debug %q: %v", *debug, err)
		}
	}
	if *configFile == "" {
		log.Fatalf("missing -config")
	}

	cfg, err := readConfig(*configFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	sim, err := newSimulator(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer sim.s.Stop()

	log.Infof("simulating %d CPUs, %d tasks for %s...",
		len(sim.curr), len(sim.tasks), *duration)
	sim.runFor(int64(*duration))

	sim.report(int64(*duration))

	reg := prometheus.NewRegistry()
	reg.MustRegister(sim.s.Metrics())

	if *metricsFile != "" {
		if err := writeMetrics(reg, *metricsFile); err != nil {
			log.Errorf("failed to write metrics: %v", err)
		}
	}
	if *listen != "" {
		serveMetrics(sim, reg, *listen)
	}
}

func newSimulator(cfg *simConfig) (*simulator, error) {
	s, err := core.New(&core.Config{
		Spec:     cfg.System,
		Tunables: cfg.Tunables,
	})
	if err != nil {
		return nil, err
	}

	for name, enabled := range cfg.Features {
		if err := s.Features().Set(name, enabled); err != nil {
			return nil, err
		}
	}

	groups := map[string]*core.TaskGroup{}
	for _, gc := range cfg.Groups {
		parent := groups[gc.Parent] // nil parent is the root
		tg, err := s.CreateGroup(gc.Name, parent)
		if err != nil {
			return nil, err
		}
		if gc.Shares != 0 {
			if err := s.SetShares(tg, gc.Shares); err != nil {
				return nil, err
			}
		}
		if gc.QuotaMs != 0 {
			ms := int64(time.Millisecond)
			err := s.SetBandwidth(tg, gc.PeriodMs*ms, gc.QuotaMs*ms, gc.BurstMs*ms)
			if err != nil {
				return nil, err
			}
		}
		groups[gc.Name] = tg
	}

	sim := &simulator{
		s:     s,
		clock: s.Clock().(*core.SimClock),
		curr:  make([]*core.Task, len(cfg.System.CPUs)),
	}

	for _, tc := range cfg.Tasks {
		count := tc.Count
		if count < 1 {
			count = 1
		}
		for i := 0; i < count; i++ {
			comm := tc.Comm
			if count > 1 {
				comm = fmt.Sprintf("%s-%d", tc.Comm, i)
			}
			spec := &core.TaskSpec{
				Comm:   comm,
				Nice:   tc.Nice,
				Policy: parsePolicy(tc.Policy),
				Group:  groups[tc.Group],
			}
			if tc.Allowed != "" {
				cset, err := cpuset.Parse(tc.Allowed)
				if err != nil {
					return nil, err
				}
				spec.Allowed = cset
			}
			if tc.MemoryMB > 0 {
				mm := core.NewMM()
				mm.AddVMA(0, tc.MemoryMB<<20)
				spec.MM = mm
			}
			p, err := s.NewTask(spec)
			if err != nil {
				return nil, err
			}
			sim.tasks = append(sim.tasks, &simTask{
				p:     p,
				run:   tc.RunMs * int64(time.Millisecond),
				sleep: tc.SleepMs * int64(time.Millisecond),
			})
		}
	}

	s.Start()
	for _, st := range sim.tasks {
		s.Wake(st.p)
		if st.sleep > 0 {
			st.nextAt = st.run
		}
	}
	return sim, nil
}

// runFor drives the machine tick by tick. Every CPU ticks each
// millisecond; a CPU reschedules only when the tick asked for it or
// it has nothing to run.
func (sim *simulator) runFor(d int64) {
	for elapsed := int64(0); elapsed < d; elapsed += simTick {
		now := sim.clock.Advance(simTick)
		sim.dutyCycle(now)

		for cpu := range sim.curr {
			sim.s.Tick(cpu)
		}
		for cpu := range sim.curr {
			if sim.s.NeedResched(cpu) || sim.s.Current(cpu) == nil {
				sim.curr[cpu] = sim.s.Schedule(cpu)
			}
		}
	}
}

func (sim *simulator) dutyCycle(now int64) {
	for _, st := range sim.tasks {
		if st.sleep == 0 || now < st.nextAt {
			continue
		}
		if st.asleep {
			sim.s.Wake(st.p)
			st.nextAt = now + st.run
		} else {
			if err := sim.s.Block(st.p); err != nil {
				continue
			}
			st.nextAt = now + st.sleep
		}
		st.asleep = !st.asleep
	}
}

func (sim *simulator) report(d int64) {
	tasks := make([]*simTask, len(sim.tasks))
	copy(tasks, sim.tasks)
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].p.SumExecRuntime() > tasks[j].p.SumExecRuntime()
	})

	var total int64
	for _, st := range tasks {
		total += st.p.SumExecRuntime()
	}

	fmt.Printf("%-16s %4s %5s %12s %7s %6s %5s\n",
		"TASK", "CPU", "NICE", "RUNTIME", "SHARE", "UTIL", "NODE")
	for _, st := range tasks {
		p := st.p
		share := 0.0
		if total > 0 {
			share = 100 * float64(p.SumExecRuntime()) / float64(total)
		}
		fmt.Printf("%-16s %4d %5d %12s %6.2f%% %6d %5d\n",
			p.Comm, p.CPU(), p.Nice(),
			time.Duration(p.SumExecRuntime()).Round(time.Microsecond),
			share, p.UtilAvg(), p.PreferredNode())
	}
	fmt.Printf("total runtime %s over %s on %d CPUs (%.1f%% busy)\n",
		time.Duration(total).Round(time.Millisecond),
		time.Duration(d),
		len(sim.curr),
		100*float64(total)/float64(d*int64(len(sim.curr))))
}

func writeMetrics(reg *prometheus.Registry, path string) error {
	fams, err := reg.Gather()
	if err != nil {
		return err
	}

	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	enc := expfmt.NewEncoder(out, expfmt.FmtText)
	for _, f := range fams {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(sim *simulator, reg *prometheus.Registry, addr string) {
	healthz.RegisterHealthChecker("scheduler", func() (healthz.Status, error) {
		var nr int
		for cpu := range sim.curr {
			nr += sim.s.NrRunning(cpu)
		}
		if nr > len(sim.tasks) {
			return healthz.NonFunctional,
				fmt.Errorf("%d runnable tasks, only %d exist", nr, len(sim.tasks))
		}
		return healthz.Healthy, nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	healthz.Setup(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Infof("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("metrics server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	srv.Close()
}
