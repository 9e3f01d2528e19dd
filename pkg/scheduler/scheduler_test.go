package scheduler

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/zsnapd/zsnapd/pkg/config"
	"github.com/zsnapd/zsnapd/pkg/endpoint"
	"github.com/zsnapd/zsnapd/pkg/engine"
	"github.com/zsnapd/zsnapd/pkg/retention"
)

type runRecorder struct {
	runs []string
	err  error
}

func (r *runRecorder) Process(_ context.Context, ds *config.Dataset, _ engine.Prober, _ time.Time) (engine.Result, error) {
	r.runs = append(r.runs, ds.Name)
	return engine.Result{}, r.err
}

type nilProber struct{}

func (nilProber) Check(*endpoint.Endpoint) error { return nil }

func probeFactory() engine.Prober { return nilProber{} }

func clockDataset(t *testing.T, name, spec string) *config.Dataset {
	t.Helper()
	ts, err := config.ParseTimeSpec(spec)
	if err != nil {
		t.Fatal(err)
	}
	schema, err := retention.ParseSchema("7d")
	if err != nil {
		t.Fatal(err)
	}
	return &config.Dataset{Name: name, Time: ts, Snapshot: true, Schema: schema}
}

func at(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	return time.Date(2024, time.June, 15, hour, minute, 0, 0, time.Local)
}

func TestTickFiresOnCrossedTime(t *testing.T) {
	rec := &runRecorder{}
	ds := clockDataset(t, "zpool/a", "21:00")
	s := New(rec, probeFactory, []*config.Dataset{ds}, at(t, 20, 0), 0)

	if fired := s.Tick(context.Background(), at(t, 20, 55)); len(fired) != 0 {
		t.Errorf("tick before the instant fired %v", fired)
	}
	if fired := s.Tick(context.Background(), at(t, 21, 3)); len(fired) != 1 {
		t.Errorf("tick after the instant fired %v, want zpool/a", fired)
	}
	if fired := s.Tick(context.Background(), at(t, 21, 8)); len(fired) != 0 {
		t.Errorf("instant fired twice: %v", fired)
	}
}

// A tick landing exactly on the HH:MM instant fires once, not twice.
func TestTickExactBoundaryFiresOnce(t *testing.T) {
	rec := &runRecorder{}
	ds := clockDataset(t, "zpool/a", "21:00")
	s := New(rec, probeFactory, []*config.Dataset{ds}, at(t, 20, 0), 0)

	if fired := s.Tick(context.Background(), at(t, 21, 0)); len(fired) != 1 {
		t.Fatalf("boundary tick fired %v, want once", fired)
	}
	if fired := s.Tick(context.Background(), at(t, 21, 5)); len(fired) != 0 {
		t.Errorf("boundary instant fired again: %v", fired)
	}
}

// Missed instants coalesce into a single firing.
func TestTickCoalescesMissedInstants(t *testing.T) {
	rec := &runRecorder{}
	ds := clockDataset(t, "zpool/a", "09:00, 12:00, 15:00")
	s := New(rec, probeFactory, []*config.Dataset{ds}, at(t, 8, 0), 0)

	fired := s.Tick(context.Background(), at(t, 16, 0))
	if len(fired) != 1 {
		t.Errorf("coalesced tick fired %v, want a single run", fired)
	}
	if len(rec.runs) != 1 {
		t.Errorf("engine ran %d times, want 1", len(rec.runs))
	}
}

func TestTickCrossesMidnight(t *testing.T) {
	rec := &runRecorder{}
	ds := clockDataset(t, "zpool/a", "23:45")
	prev := time.Date(2024, time.June, 15, 23, 40, 0, 0, time.Local)
	s := New(rec, probeFactory, []*config.Dataset{ds}, prev, 0)

	next := time.Date(2024, time.June, 16, 0, 10, 0, 0, time.Local)
	if fired := s.Tick(context.Background(), next); len(fired) != 1 {
		t.Errorf("midnight-crossing tick fired %v, want yesterday's 23:45", fired)
	}
}

func TestTickStartupHysteresis(t *testing.T) {
	rec := &runRecorder{}
	ds := clockDataset(t, "zpool/a", "20:59")
	start := at(t, 21, 0)
	s := New(rec, probeFactory, []*config.Dataset{ds}, start, 2*time.Minute)

	// 20:59 lies inside the hysteresis window before start, so the
	// first tick fires it.
	if fired := s.Tick(context.Background(), at(t, 21, 5)); len(fired) != 1 {
		t.Errorf("instant inside the hysteresis window fired %v, want once", fired)
	}
}

func TestTickPreservesConfigOrder(t *testing.T) {
	rec := &runRecorder{}
	datasets := []*config.Dataset{
		clockDataset(t, "zpool/b", "12:00"),
		clockDataset(t, "zpool/a", "12:00"),
		clockDataset(t, "zpool/c", "12:00"),
	}
	s := New(rec, probeFactory, datasets, at(t, 11, 0), 0)

	s.Tick(context.Background(), at(t, 12, 0))
	want := []string{"zpool/b", "zpool/a", "zpool/c"}
	if len(rec.runs) != len(want) {
		t.Fatalf("ran %v, want %v", rec.runs, want)
	}
	for i := range want {
		if rec.runs[i] != want[i] {
			t.Fatalf("ran %v, want %v (configuration order)", rec.runs, want)
		}
	}
}

// A failing dataset never stops the walk.
func TestTickContinuesPastFailure(t *testing.T) {
	rec := &runRecorder{err: errors.New("zfs exploded")}
	datasets := []*config.Dataset{
		clockDataset(t, "zpool/a", "12:00"),
		clockDataset(t, "zpool/b", "12:00"),
	}
	s := New(rec, probeFactory, datasets, at(t, 11, 0), 0)

	if fired := s.Tick(context.Background(), at(t, 12, 0)); len(fired) != 2 {
		t.Errorf("fired %v, want both datasets despite errors", fired)
	}
}

func TestTickTriggerDataset(t *testing.T) {
	dir := t.TempDir()
	ts, err := config.ParseTimeSpec("trigger")
	if err != nil {
		t.Fatal(err)
	}
	schema, err := retention.ParseSchema("7d")
	if err != nil {
		t.Fatal(err)
	}
	ds := &config.Dataset{Name: "zpool/a", Mountpoint: dir, Time: ts, Snapshot: true, Schema: schema}
	rec := &runRecorder{}
	s := New(rec, probeFactory, []*config.Dataset{ds}, at(t, 11, 0), 0)

	if fired := s.Tick(context.Background(), at(t, 11, 5)); len(fired) != 0 {
		t.Errorf("trigger dataset fired without a trigger file: %v", fired)
	}

	if err := os.WriteFile(dir+"/"+engine.TriggerFilename, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if fired := s.Tick(context.Background(), at(t, 11, 10)); len(fired) != 1 {
		t.Errorf("trigger dataset did not fire on its file: %v", fired)
	}
}

// A dataset disabled by a tolerant reload drops out of the walk while
// the others keep firing.
func TestReconfigureDisablesDroppedDataset(t *testing.T) {
	rec := &runRecorder{}
	dsA := clockDataset(t, "zpool/a", "12:00, 13:00")
	dsB := clockDataset(t, "zpool/b", "12:00, 13:00")
	s := New(rec, probeFactory, []*config.Dataset{dsA, dsB}, at(t, 11, 0), 0)
	s.Tick(context.Background(), at(t, 12, 0))

	s.Reconfigure([]*config.Dataset{dsA}, at(t, 12, 30))
	fired := s.Tick(context.Background(), at(t, 13, 0))
	if len(fired) != 1 || fired[0] != "zpool/a" {
		t.Errorf("fired %v, want only zpool/a after zpool/b was disabled", fired)
	}
}

func TestReconfigureKeepsMeters(t *testing.T) {
	rec := &runRecorder{}
	dsA := clockDataset(t, "zpool/a", "12:00")
	s := New(rec, probeFactory, []*config.Dataset{dsA}, at(t, 11, 0), 0)
	s.Tick(context.Background(), at(t, 12, 0))

	dsB := clockDataset(t, "zpool/b", "12:00")
	s.Reconfigure([]*config.Dataset{dsA, dsB}, at(t, 12, 30))

	// zpool/a's 12:00 already fired and must not fire again; zpool/b
	// joined after 12:00 and must not retro-fire either.
	if fired := s.Tick(context.Background(), at(t, 12, 45)); len(fired) != 0 {
		t.Errorf("reconfigure re-fired instants: %v", fired)
	}
}
