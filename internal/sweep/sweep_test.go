package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"relaybot/internal/config"
)

type fakeGate struct {
	cutoffs []time.Time
	removed int
}

func (f *fakeGate) EvictBefore(cutoff time.Time) int {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed
}

type fakeConvctx struct {
	convs, profs int
	calls        int
}

func (f *fakeConvctx) EvictBefore(cutoff time.Time) (int, int) {
	f.calls++
	return f.convs, f.profs
}

type fakeHistory struct {
	removed int64
	err     error
	calls   int
}

func (f *fakeHistory) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	return f.removed, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_EvictsAllTargets(t *testing.T) {
	gate := &fakeGate{removed: 3}
	cc := &fakeConvctx{convs: 2, profs: 1}
	hist := &fakeHistory{removed: 4}
	s := New(config.SweepConfig{Enabled: true, TTLHours: 72}, gate, cc, hist, testLogger())

	removed := s.Sweep()
	if removed != 10 {
		t.Fatalf("removed = %d, want 10", removed)
	}
	if cc.calls != 1 || hist.calls != 1 {
		t.Fatalf("convctx calls = %d, history calls = %d, want 1 each", cc.calls, hist.calls)
	}

	if len(gate.cutoffs) != 1 {
		t.Fatalf("gate cutoffs = %d, want 1", len(gate.cutoffs))
	}
	wantCutoff := time.Now().Add(-72 * time.Hour)
	if diff := gate.cutoffs[0].Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff %v not near %v", gate.cutoffs[0], wantCutoff)
	}
}

func TestSweep_NilTargetsSkipped(t *testing.T) {
	s := New(config.SweepConfig{Enabled: true, TTLHours: 1}, nil, nil, nil, testLogger())
	if removed := s.Sweep(); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestSweep_HistoryErrorDoesNotStopPass(t *testing.T) {
	gate := &fakeGate{removed: 2}
	hist := &fakeHistory{err: errors.New("database is locked")}
	s := New(config.SweepConfig{Enabled: true, TTLHours: 1}, gate, nil, hist, testLogger())

	if removed := s.Sweep(); removed != 2 {
		t.Fatalf("removed = %d, want 2 (history failure ignored)", removed)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	s := New(config.SweepConfig{Enabled: false}, &fakeGate{}, nil, nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStart_BadScheduleRejected(t *testing.T) {
	s := New(config.SweepConfig{Enabled: true, Schedule: "not a schedule", TTLHours: 1}, nil, nil, nil, testLogger())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	gate := &fakeGate{removed: 1}
	s := New(config.SweepConfig{Enabled: true, Schedule: "@every 10ms", TTLHours: 1}, gate, nil, nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	// @every delays below one second round up to a second.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		runs := s.runs
		s.mu.Unlock()
		if runs >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep never ran on schedule")
}

func TestStatus(t *testing.T) {
	s := New(config.SweepConfig{Enabled: true, Schedule: "@every 1h", TTLHours: 72}, &fakeGate{removed: 5}, nil, nil, testLogger())
	s.Sweep()

	status := s.Status()
	if status["runs"].(int64) != 1 {
		t.Errorf("runs = %v, want 1", status["runs"])
	}
	if status["last_removed"].(int64) != 5 {
		t.Errorf("last_removed = %v, want 5", status["last_removed"])
	}
	if _, ok := status["last_run"]; !ok {
		t.Error("last_run missing after a sweep")
	}
}
