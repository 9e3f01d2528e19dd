// Package scheduler decides, once per tick, which datasets are due and
// dispatches them to the execution engine in configuration order. The
// sleep between ticks lives in the daemon shell so that Tick can be
// driven with arbitrary instants in tests.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/endpoint"
	"github.com/zsnapd/zsnapd/pkg/engine"
)

// Runner is the engine side of the scheduler. *engine.Engine satisfies
// it; tests substitute a recorder.
type Runner interface {
	Process(ctx context.Context, ds *config.Dataset, probes engine.Prober, now time.Time) (engine.Result, error)
}

// ProbeFactory builds the per-tick reachability cache.
type ProbeFactory func() engine.Prober

// meter tracks one dataset's firing state between ticks.
type meter struct {
	prev time.Time
}

// Scheduler walks the configured datasets each tick. It is not safe
// for concurrent Tick calls; the daemon loop is single-threaded.
type Scheduler struct {
	runner   Runner
	probes   ProbeFactory
	datasets []*config.Dataset
	meters   map[string]*meter

	// statFile checks for a dataset's trigger file.
	statFile func(path string) error
}

// New builds a scheduler over the given datasets. The hysteresis lets
// clock instants that passed within that window before startup still
// fire on the first tick; earlier instants do not.
func New(runner Runner, probes ProbeFactory, datasets []*config.Dataset, start time.Time, hysteresis time.Duration) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		probes:   probes,
		datasets: datasets,
		meters:   make(map[string]*meter, len(datasets)),
		statFile: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
	prev := start.Add(-hysteresis)
	for _, ds := range datasets {
		s.meters[ds.Name] = &meter{prev: prev}
	}
	return s
}

// Reconfigure swaps in a new dataset list, keeping the firing state of
// datasets that survive the reload.
func (s *Scheduler) Reconfigure(datasets []*config.Dataset, now time.Time) {
	meters := make(map[string]*meter, len(datasets))
	for _, ds := range datasets {
		if m, ok := s.meters[ds.Name]; ok {
			meters[ds.Name] = m
		} else {
			meters[ds.Name] = &meter{prev: now}
		}
	}
	s.datasets = datasets
	s.meters = meters
}

// Tick walks every dataset once and returns the names that fired.
// Datasets run sequentially so ZFS tool concurrency stays bounded and
// the log stays legible; a failed dataset never stops the walk.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	probes := s.probes()
	var fired []string
	var created, destroyed, streams int
	for _, ds := range s.datasets {
		if !s.due(ds, now) {
			continue
		}
		fired = append(fired, ds.Name)
		res, err := s.runner.Process(ctx, ds, probes, now)
		created += res.Created
		destroyed += res.Destroyed
		streams += res.Streams
		if err != nil {
			klog.Errorf("[%s] Run failed: %v", ds.Name, err)
		}
	}
	if len(fired) > 0 {
		klog.Infof("Tick complete - %d dataset(s) fired, %d snapshot(s) created, %d destroyed, %d stream(s) sent",
			len(fired), created, destroyed, streams)
	}
	return fired
}

// due reports whether the dataset fires this tick, and advances its
// meter. A clock dataset fires when an HH:MM instant was crossed since
// the previous tick; several missed instants coalesce into one firing.
// A trigger dataset fires on the presence of its trigger file.
func (s *Scheduler) due(ds *config.Dataset, now time.Time) bool {
	m := s.meters[ds.Name]
	prev := m.prev
	m.prev = now

	if ds.Time.IsTrigger() {
		if ds.Mountpoint == "" {
			return false
		}
		path := filepath.Join(ds.Mountpoint, engine.TriggerFilename)
		if err := s.statFile(path); err != nil {
			return false
		}
		klog.Infof("[%s] Trigger file %s found", ds.Name, path)
		return true
	}

	// Instants are expanded for both calendar days the window may
	// span, so a tick across midnight still sees yesterday's times.
	days := []time.Time{now}
	if prev.Day() != now.Day() || prev.Month() != now.Month() || prev.Year() != now.Year() {
		days = []time.Time{prev, now}
	}
	for _, day := range days {
		for _, instant := range ds.Time.InstantsOn(day) {
			if prev.Before(instant) && !now.Before(instant) {
				klog.Infof("[%s] Scheduled time %s passed", ds.Name, instant.Format("15:04"))
				return true
			}
		}
	}
	return false
}

// NewProbeFactory wires the endpoint probe cache with the process
// configuration's timing knobs.
func NewProbeFactory(cfg *config.Process) ProbeFactory {
	return func() engine.Prober {
		return endpoint.NewProbeCache(cfg.ProbeTimeout, cfg.ConnectRetryWait, 3)
	}
}
