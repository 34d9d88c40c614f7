// Package remote implements the agent/controller protocol: the agent runs
// beside the jobs and owns the authoritative session state machine, the
// controller drives selection and observes output over a persistent
// connection that survives agent restarts.
package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certbox/certbox/internal/session"
)

// ProtocolVersion identifies the wire contract exposed via /health.
const ProtocolVersion = "1.0.0"

// CommandType enumerates controller-to-agent requests.
type CommandType string

const (
	CommandSelectTestPlan CommandType = "select-testplan"
	CommandSelectJobs     CommandType = "select-jobs"
	CommandStart          CommandType = "start"
	CommandResume         CommandType = "resume"
	CommandVerify         CommandType = "verify"
	CommandInterrupt      CommandType = "interrupt"
)

// Command is one controller request. Sequence numbers increase
// monotonically per direction so the agent can drop duplicates after a
// reconnect.
type Command struct {
	Seq       int64       `json:"seq"`
	CommandID string      `json:"command_id"`
	Type      CommandType `json:"type"`
	TestPlan  string      `json:"test_plan,omitempty"`
	Jobs      []string    `json:"jobs,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Comment   string      `json:"comment,omitempty"`
	Action    string      `json:"action,omitempty"`
}

// Validate enforces baseline schema requirements before dispatch.
func (c Command) Validate() error {
	if c.Seq <= 0 {
		return errors.New("seq must be positive")
	}
	if strings.TrimSpace(c.CommandID) == "" {
		return errors.New("command_id is required")
	}
	switch c.Type {
	case CommandSelectTestPlan:
		if strings.TrimSpace(c.TestPlan) == "" {
			return errors.New("test_plan is required")
		}
	case CommandSelectJobs:
		if len(c.Jobs) == 0 {
			return errors.New("jobs list is required")
		}
	case CommandStart, CommandResume:
	case CommandVerify:
		if strings.TrimSpace(c.JobID) == "" {
			return errors.New("job_id is required")
		}
		if strings.TrimSpace(c.Outcome) == "" {
			return errors.New("outcome is required")
		}
	case CommandInterrupt:
		switch session.InterruptAction(c.Action) {
		case session.InterruptContinue, session.InterruptSkipJob, session.InterruptPause,
			session.InterruptHalt, session.InterruptNewSession:
		default:
			return fmt.Errorf("unknown interrupt action %q", c.Action)
		}
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}

// EventType enumerates agent-to-controller notifications.
type EventType string

const (
	EventJobStarted            EventType = "job-started"
	EventJobOutput             EventType = "job-output"
	EventJobFinished           EventType = "job-finished"
	EventVerificationRequested EventType = "verification-requested"
	EventSessionFinalized      EventType = "session-finalized"
	EventAgentRestarting       EventType = "agent-restarting"
	EventRunError              EventType = "run-error"
)

// Event is one agent notification on the server-push stream.
type Event struct {
	Seq       int64     `json:"seq"`
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Output    string    `json:"output,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Replay    bool      `json:"replay,omitempty"`
	Time      time.Time `json:"time"`
}

// commandAck is the POST /v1/commands response body.
type commandAck struct {
	Status string `json:"status"`
	Seq    int64  `json:"seq"`
	Error  string `json:"error,omitempty"`
}

// healthResponse is the GET /health response body.
type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	SessionID string `json:"session_id,omitempty"`
	LastSeq   int64  `json:"last_seq"`
}
