package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC) }
}

func sampleSession(t *testing.T) *Session {
	t.Helper()
	g := buildGraph(t,
		[]job.Definition{
			{ID: "disk/detect", Command: "detect"},
			{ID: "disk/read", Command: "read", Depends: []string{"disk/detect"}},
			{ID: "display/check", Plugin: "manual"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{
			{Pattern: "disk/.*"}, {Pattern: "display/check"},
		}},
	)
	return New("tp", g, Manifest{"has_display": "true"}, WithClock(fixedClock()))
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := sampleSession(t)
	if err := s.Transition("disk/detect", Entry{Outcome: OutcomeRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Transition("disk/detect", Entry{Outcome: OutcomePassed, ReturnCode: 0}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Leave one job mid needs-verification: the round trip must keep it.
	if err := s.Transition("display/check", Entry{Outcome: OutcomeRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Transition("display/check", Entry{Outcome: OutcomeNeedsVerification}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	store := NewStore(t.TempDir())
	before := s.Checkpoint()
	if err := store.Save(before); err != nil {
		t.Fatalf("save: %v", err)
	}
	after, err := store.LoadCurrent()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("checkpoint did not round-trip:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := after.Outcomes.Outcome("display/check"); got != OutcomeNeedsVerification {
		t.Fatalf("needs-verification lost in round trip, got %s", got)
	}
}

func TestRestoreReclassifiesRunningAsCrashed(t *testing.T) {
	s := sampleSession(t)
	if err := s.Transition("disk/detect", Entry{Outcome: OutcomeRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	restored, err := Restore(s.Checkpoint(), nil, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Outcome("disk/detect"); got != OutcomeCrashed {
		t.Fatalf("outcome %s, want crashed", got)
	}
	state, _ := restored.State("disk/detect")
	if len(state.History) != 1 || state.History[0].Outcome != OutcomeRunning {
		t.Fatalf("interrupted running entry must be kept in history, got %+v", state.History)
	}
	if got := restored.Outcome("disk/read"); got != OutcomeNotStarted {
		t.Fatalf("not-started jobs must resume normally, got %s", got)
	}
	if restored.ID() != s.ID() {
		t.Fatalf("identity changed on restore: %s vs %s", restored.ID(), s.ID())
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.LoadCurrent(); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestLoadTruncatedCheckpointFallsBack(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	s := sampleSession(t)
	if err := store.Save(s.Checkpoint()); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Simulate a torn write of the checkpoint payload. The current marker
	// still points at the session; load must degrade, not crash.
	path := filepath.Join(store.SessionDir(s.ID()), "checkpoint.json")
	if err := os.WriteFile(path, []byte(`{"session_id": "sess`), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := store.LoadCurrent(); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint for torn checkpoint, got %v", err)
	}
}

func TestSaveKeepsPreviousGoodCopyOnDiskFormat(t *testing.T) {
	store := NewStore(t.TempDir())
	s := sampleSession(t)
	if err := store.Save(s.Checkpoint()); err != nil {
		t.Fatalf("save: %v", err)
	}
	// The on-disk document must be plain JSON, readable without the
	// engine: exporters and support tooling depend on that.
	data, err := os.ReadFile(filepath.Join(store.SessionDir(s.ID()), "checkpoint.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("checkpoint is not valid JSON: %v", err)
	}
	for _, key := range []string{"session_id", "created_at", "job_graph_snapshot", "outcome_table"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("checkpoint missing %q", key)
		}
	}
}

func TestFinalizeFreezesTable(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{{ID: "only", Command: "true"}},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "only"}}},
	)
	s := New("tp", g, nil)
	if err := s.Transition("only", Entry{Outcome: OutcomeRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Transition("only", Entry{Outcome: OutcomePassed}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.Transition("only", Entry{Outcome: OutcomeRunning}); err == nil {
		t.Fatalf("finalized session accepted a mutation")
	}
}

func TestFinalizeRejectsPendingVerification(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{{ID: "check", Plugin: "manual"}},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "check"}}},
	)
	s := New("tp", g, nil)
	if err := s.Transition("check", Entry{Outcome: OutcomeRunning}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Transition("check", Entry{Outcome: OutcomeNeedsVerification}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Finalize(); err == nil {
		t.Fatalf("finalize must refuse while verification is pending")
	}
	if err := s.Verify("check", OutcomePassed, "verified"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize after verify: %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m := Manifest{"has_ethernet": "true", "sku": "XPS-13", "has_touchscreen": "false"}
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(m, loaded) {
		t.Fatalf("manifest round trip: %+v vs %+v", m, loaded)
	}
	// Booleans serialize as JSON booleans, not strings.
	data, _ := os.ReadFile(path)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if _, ok := doc["has_ethernet"].(bool); !ok {
		t.Fatalf("expected boolean encoding, got %T", doc["has_ethernet"])
	}
}

func TestLoadManifestMissingFileIsEmpty(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty manifest, got %+v", m)
	}
}
