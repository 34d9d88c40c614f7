package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/resource"
)

// Status is the coarse lifecycle phase of a session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusFinalized Status = "finalized"
)

// NewID derives a timestamp-based session id. Only one session may be
// current per execution root, so a second-granularity stamp suffices.
func NewID(now time.Time) string {
	return "session-" + now.UTC().Format("20060102T150405")
}

// Session is one execution run: a resolved job graph, the mutable outcome
// table, cached resource records, and the manifest snapshot. All methods
// are safe for concurrent use; the remote agent reads the table while the
// runner mutates it.
type Session struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	planID    string
	graph     *plan.Graph
	table     Table
	resources resource.Set
	manifest  Manifest
	status    Status
	clock     func() time.Time
}

// Option customizes session construction.
type Option func(*Session)

// WithClock overrides the timestamp source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds a fresh session over a resolved graph with an empty outcome
// table.
func New(planID string, graph *plan.Graph, manifest Manifest, opts ...Option) *Session {
	s := &Session{
		planID:    planID,
		graph:     graph,
		table:     Table{},
		resources: resource.Set{},
		manifest:  manifest,
		status:    StatusCreated,
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.createdAt = s.clock()
	s.id = NewID(s.createdAt)
	if s.manifest == nil {
		s.manifest = Manifest{}
	}
	if len(s.manifest) > 0 {
		s.resources.Replace(ManifestResourceID, []resource.Record{s.manifest.Record()})
	}
	return s
}

// ID returns the session's timestamp-based identity.
func (s *Session) ID() string { return s.id }

// PlanID returns the test plan the session was resolved from, if any.
func (s *Session) PlanID() string { return s.planID }

// Graph returns the session's job graph.
func (s *Session) Graph() *plan.Graph { return s.graph }

// Status returns the session lifecycle phase.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Outcome returns the current outcome for a job.
func (s *Session) Outcome(jobID string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Outcome(jobID)
}

// State returns a copy of a job's full state, history included.
func (s *Session) State(jobID string) (*JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.table[jobID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// Table returns a deep copy of the outcome table.
func (s *Session) Table() Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Clone()
}

// Resources returns the session's live resource set. The runner replaces
// entries as resource jobs re-run; stale records never survive a re-run.
func (s *Session) Resources() resource.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resources
}

// SetResource replaces the records for a resource id.
func (s *Session) SetResource(resourceID string, records []resource.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources.Replace(resourceID, records)
}

// Manifest returns the session's manifest snapshot.
func (s *Session) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Merge(nil)
}

// validNext enumerates the legal state machine edges. Terminal states may
// re-enter running (an operator re-runs a job), which archives the old
// entry into history.
func validNext(from, to Outcome) bool {
	switch from {
	case OutcomeNotStarted:
		return to == OutcomeRunning || to == OutcomeFailed || to == OutcomeSkipped
	case OutcomeRunning:
		return to.Terminal() || to == OutcomeNeedsVerification
	case OutcomeNeedsVerification:
		switch to {
		case OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeNotImplemented, OutcomeRunning:
			return true
		}
		return false
	default: // terminal
		return to == OutcomeRunning
	}
}

// Transition moves a job to a new outcome, appending the previous entry
// to history when the job had already reached a resting state. Finalized
// sessions reject all mutation.
func (s *Session) Transition(jobID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(jobID, entry)
}

func (s *Session) transitionLocked(jobID string, entry Entry) error {
	if s.status == StatusFinalized {
		return fmt.Errorf("session %s: finalized, outcome table is frozen", s.id)
	}
	if _, ok := s.graph.Job(jobID); !ok {
		return fmt.Errorf("session %s: unknown job %q", s.id, jobID)
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock()
	}
	state, ok := s.table[jobID]
	if !ok {
		state = &JobState{Current: Entry{Outcome: OutcomeNotStarted}}
		s.table[jobID] = state
	}
	from := state.Current.Outcome
	if !validNext(from, entry.Outcome) {
		return fmt.Errorf("session %s: job %s cannot go %s -> %s", s.id, jobID, from, entry.Outcome)
	}
	if from != OutcomeNotStarted {
		state.History = append(state.History, state.Current)
	}
	state.Current = entry
	s.status = StatusRunning
	return nil
}

// Verify resolves a needs-verification job with an operator decision.
func (s *Session) Verify(jobID string, outcome Outcome, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.table[jobID]
	if !ok || state.Current.Outcome != OutcomeNeedsVerification {
		return fmt.Errorf("session %s: job %s is not awaiting verification", s.id, jobID)
	}
	switch outcome {
	case OutcomePassed, OutcomeFailed, OutcomeSkipped:
	default:
		return fmt.Errorf("session %s: verification outcome %s not allowed", s.id, outcome)
	}
	return s.transitionLocked(jobID, Entry{
		Outcome:    outcome,
		Comment:    comment,
		ReturnCode: state.Current.ReturnCode,
	})
}

// PendingVerification lists jobs stuck in needs-verification, in graph
// order.
func (s *Session) PendingVerification() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, j := range s.graph.Jobs() {
		if s.table.Outcome(j.ID) == OutcomeNeedsVerification {
			out = append(out, j.ID)
		}
	}
	return out
}

// Suspend marks the session suspended, typically just before the process
// exits for a reboot.
func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFinalized {
		s.status = StatusSuspended
	}
}

// Finalize freezes the outcome table. Every visible job must be in a
// terminal state; later export is a pure read.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusFinalized {
		return nil
	}
	for _, j := range s.graph.Jobs() {
		if outcome := s.table.Outcome(j.ID); !outcome.Terminal() {
			return fmt.Errorf("session %s: cannot finalize, job %s is %s", s.id, j.ID, outcome)
		}
	}
	s.status = StatusFinalized
	return nil
}

// ExitCode implements the engine's CLI contract: zero only when no job
// failed or crashed and none still awaits verification. Bootstrap jobs
// count too: a failed fail-on-resource job must not report success.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range [][]*job.Job{s.graph.Bootstrap(), s.graph.Jobs()} {
		for _, j := range list {
			switch s.table.Outcome(j.ID) {
			case OutcomeFailed, OutcomeCrashed, OutcomeNeedsVerification:
				return 1
			}
		}
	}
	return 0
}
