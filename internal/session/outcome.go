// Package session owns per-job execution state: the outcome table, its
// disk-backed checkpointing, and the sequential runner that drives one job
// at a time. A session survives reboots, suspends and crashes by
// checkpointing after every state transition.
package session

import "time"

// Outcome is the execution state of one job in the outcome table.
type Outcome string

const (
	OutcomeNotStarted        Outcome = "not-started"
	OutcomeRunning           Outcome = "running"
	OutcomePassed            Outcome = "passed"
	OutcomeFailed            Outcome = "failed"
	OutcomeSkipped           Outcome = "skipped"
	OutcomeCrashed           Outcome = "crashed"
	OutcomeNotImplemented    Outcome = "not-implemented"
	OutcomeNeedsVerification Outcome = "needs-verification"
)

// Terminal reports whether the outcome is final. needs-verification is a
// sink state awaiting an operator decision, not a terminal one: the
// session cannot finalize until it is resolved.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeCrashed, OutcomeNotImplemented:
		return true
	}
	return false
}

// Entry is one recorded state of a job.
type Entry struct {
	Outcome    Outcome   `json:"outcome"`
	Comment    string    `json:"comment,omitempty"`
	ReturnCode int       `json:"return_code,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// JobState is a job's current entry plus the history of prior states.
// Re-running a job appends the previous entry to history rather than
// overwriting it.
type JobState struct {
	Current Entry   `json:"current"`
	History []Entry `json:"history,omitempty"`
}

// Clone returns an independent copy.
func (s *JobState) Clone() *JobState {
	if s == nil {
		return nil
	}
	out := &JobState{Current: s.Current}
	if len(s.History) > 0 {
		out.History = append([]Entry(nil), s.History...)
	}
	return out
}

// Table maps job ids to their states. Bootstrap and visible jobs share
// one table.
type Table map[string]*JobState

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, state := range t {
		out[id] = state.Clone()
	}
	return out
}

// Outcome returns a job's current outcome; jobs never touched report
// not-started.
func (t Table) Outcome(jobID string) Outcome {
	if state, ok := t[jobID]; ok {
		return state.Current.Outcome
	}
	return OutcomeNotStarted
}
