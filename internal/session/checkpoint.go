package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/resource"
)

// ErrNoCheckpoint is returned when no resumable checkpoint exists. A
// missing, truncated or otherwise unreadable checkpoint all collapse to
// this: the caller falls back to "no session to resume".
var ErrNoCheckpoint = errors.New("session: no checkpoint to resume")

// Checkpoint is the durable snapshot of a session. It round-trips exactly
// through Save and Load.
type Checkpoint struct {
	SessionID  string             `json:"session_id"`
	CreatedAt  time.Time          `json:"created_at"`
	TestPlanID string             `json:"test_plan_id,omitempty"`
	Status     Status             `json:"status"`
	Graph      plan.GraphSnapshot `json:"job_graph_snapshot"`
	Outcomes   Table              `json:"outcome_table"`
	Resources  resource.Set       `json:"resources,omitempty"`
	Manifest   Manifest           `json:"manifest_snapshot,omitempty"`
}

// Checkpoint captures the session state under the lock.
func (s *Session) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := make(resource.Set, len(s.resources))
	for id, records := range s.resources {
		resources[id] = append([]resource.Record(nil), records...)
	}
	return Checkpoint{
		SessionID:  s.id,
		CreatedAt:  s.createdAt,
		TestPlanID: s.planID,
		Status:     s.status,
		Graph:      s.graph.Snapshot(),
		Outcomes:   s.table.Clone(),
		Resources:  resources,
		Manifest:   s.manifest.Merge(nil),
	}
}

// Restore rebuilds a session from its checkpoint. Any job the previous
// process left running is reclassified crashed, with the interrupted
// entry preserved in history; not-started jobs resume normally. The
// universe supplies templates that were still deferred at suspend time.
func Restore(cp Checkpoint, universe *plan.Universe, opts ...Option) (*Session, error) {
	graph, err := plan.RestoreGraph(cp.Graph, universe)
	if err != nil {
		return nil, err
	}
	s := New(cp.TestPlanID, graph, cp.Manifest, opts...)
	s.id = cp.SessionID
	s.createdAt = cp.CreatedAt
	s.status = cp.Status
	if s.status == StatusSuspended {
		s.status = StatusRunning
	}
	s.table = cp.Outcomes.Clone()
	if s.table == nil {
		s.table = Table{}
	}
	for id, records := range cp.Resources {
		s.resources.Replace(id, records)
	}
	for _, state := range s.table {
		if state.Current.Outcome == OutcomeRunning {
			state.History = append(state.History, state.Current)
			state.Current = Entry{
				Outcome:    OutcomeCrashed,
				Comment:    "process exited while job was running",
				RecordedAt: s.clock(),
			}
		}
	}
	return s, nil
}

// Store persists checkpoints under an execution root, one directory per
// session plus a marker naming the current session.
type Store struct {
	root string
}

// NewStore creates a checkpoint store rooted at the .certbox directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SessionDir returns the directory holding one session's files.
func (st *Store) SessionDir(sessionID string) string {
	return filepath.Join(st.root, "sessions", sessionID)
}

func (st *Store) checkpointPath(sessionID string) string {
	return filepath.Join(st.SessionDir(sessionID), "checkpoint.json")
}

func (st *Store) currentPath() string {
	return filepath.Join(st.root, "sessions", "current")
}

// Save atomically writes the checkpoint and marks its session current.
func (st *Store) Save(cp Checkpoint) error {
	if cp.SessionID == "" {
		return fmt.Errorf("session: checkpoint has no session id")
	}
	dir := st.SessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: ensure session dir: %w", err)
	}
	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode checkpoint: %w", err)
	}
	if err := writeAtomic(st.checkpointPath(cp.SessionID), append(encoded, '\n')); err != nil {
		return err
	}
	return writeAtomic(st.currentPath(), []byte(cp.SessionID+"\n"))
}

// Load reads one session's checkpoint. Missing or unparseable files map
// to ErrNoCheckpoint so resume degrades to a fresh start.
func (st *Store) Load(sessionID string) (Checkpoint, error) {
	data, err := os.ReadFile(st.checkpointPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("session: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint unreadable: %v", ErrNoCheckpoint, err)
	}
	if cp.SessionID == "" {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint incomplete", ErrNoCheckpoint)
	}
	return cp, nil
}

// Current returns the id of the current session, or ErrNoCheckpoint.
func (st *Store) Current() (string, error) {
	data, err := os.ReadFile(st.currentPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoCheckpoint
		}
		return "", fmt.Errorf("session: read current marker: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoCheckpoint
	}
	return id, nil
}

// LoadCurrent loads the checkpoint of the current session.
func (st *Store) LoadCurrent() (Checkpoint, error) {
	id, err := st.Current()
	if err != nil {
		return Checkpoint{}, err
	}
	return st.Load(id)
}

// OutputPath returns the file holding one job's captured output. Job ids
// contain slashes, so they are flattened for the filesystem.
func (st *Store) OutputPath(sessionID, jobID string) string {
	flat := strings.ReplaceAll(jobID, "/", "_")
	return filepath.Join(st.SessionDir(sessionID), "output", flat+".log")
}

// AppendOutput persists a chunk of job output. The remote agent replays
// these files after a restart so the controller sees the output of the
// job that was running when the process died.
func (st *Store) AppendOutput(sessionID, jobID string, chunk []byte) error {
	path := st.OutputPath(sessionID, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: ensure output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: open output log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		return fmt.Errorf("session: append output: %w", err)
	}
	return nil
}

// ReadOutput returns a job's captured output, empty when none exists.
func (st *Store) ReadOutput(sessionID, jobID string) ([]byte, error) {
	data, err := os.ReadFile(st.OutputPath(sessionID, jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: read output log: %w", err)
	}
	return data, nil
}

// ResetOutput truncates a job's output log before a re-run.
func (st *Store) ResetOutput(sessionID, jobID string) error {
	if err := os.Remove(st.OutputPath(sessionID, jobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: reset output log: %w", err)
	}
	return nil
}

func (st *Store) eventSeqPath() string {
	return filepath.Join(st.root, "events.seq")
}

// SaveEventSeq records the last event sequence number issued by the
// remote agent. Sequence numbers must survive an agent restart or a
// reconnecting controller drops everything the new process emits.
func (st *Store) SaveEventSeq(seq int64) error {
	if err := os.MkdirAll(st.root, 0o755); err != nil {
		return fmt.Errorf("session: ensure store root: %w", err)
	}
	return writeAtomic(st.eventSeqPath(), []byte(strconv.FormatInt(seq, 10)+"\n"))
}

// LoadEventSeq returns the persisted event sequence, zero when none has
// been recorded yet.
func (st *Store) LoadEventSeq() (int64, error) {
	data, err := os.ReadFile(st.eventSeqPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("session: read event seq: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session: parse event seq: %w", err)
	}
	return seq, nil
}

// Clear removes the current marker, typically after finalization, so a
// later resume reports nothing to resume rather than a frozen session.
func (st *Store) Clear() error {
	if err := os.Remove(st.currentPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: clear current marker: %w", err)
	}
	return nil
}
