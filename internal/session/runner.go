package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/resource"
)

// CommandRunner executes a job's command and reports its exit code. The
// command string is opaque to the engine; execution belongs to an
// external collaborator.
type CommandRunner interface {
	Run(ctx context.Context, j *job.Job, output io.Writer) (int, error)
}

// ResourceParser turns a resource job's raw output into records. The
// key/value block format is parsed outside the engine.
type ResourceParser interface {
	ParseRecords(output []byte) []resource.Record
}

// Decision is an operator's answer for a job awaiting verification.
type Decision struct {
	Outcome Outcome
	Comment string
	// Rerun requests the job execute again instead of settling.
	Rerun bool
}

// DecisionSource supplies verification decisions. Decide blocks without
// timeout: the operator may take arbitrarily long. Both the local CLI and
// the remote controller implement this, feeding the same state machine.
type DecisionSource interface {
	Decide(ctx context.Context, j *job.Job, result Entry) (Decision, error)
}

// Observer receives execution progress. The remote agent streams these to
// the controller; the CLI prints them.
type Observer interface {
	JobStarted(j *job.Job)
	JobOutput(jobID string, chunk []byte)
	JobFinished(jobID string, state JobState)
	SessionFinalized(sessionID string)
}

// NopObserver discards all progress notifications.
type NopObserver struct{}

func (NopObserver) JobStarted(*job.Job)          {}
func (NopObserver) JobOutput(string, []byte)     {}
func (NopObserver) JobFinished(string, JobState) {}
func (NopObserver) SessionFinalized(string)      {}

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// InterruptAction is an operator's choice while a run is in progress.
// Interrupts are cooperative: they take effect between jobs, except for
// skip, which terminates the in-flight job's process.
type InterruptAction string

const (
	InterruptContinue   InterruptAction = "continue"
	InterruptSkipJob    InterruptAction = "skip-current-job"
	InterruptPause      InterruptAction = "disconnect-and-pause"
	InterruptHalt       InterruptAction = "stop-and-halt"
	InterruptNewSession InterruptAction = "end-session-start-new"
)

// Sentinel results for interrupted runs.
var (
	// ErrSuspended reports the session was paused and checkpointed; the
	// process should exit and a later resume continues.
	ErrSuspended = errors.New("session: suspended")
	// ErrHalted reports the operator stopped the run and the agent should
	// shut down.
	ErrHalted = errors.New("session: halted by operator")
	// ErrEnded reports the operator ended this session to start a new one.
	ErrEnded = errors.New("session: ended by operator")
	// ErrNoReturn reports a noreturn job was launched; the process is
	// expected to disappear and resume from checkpoint afterwards.
	ErrNoReturn = errors.New("session: noreturn job in flight")
)

// Runner drives one session's jobs strictly sequentially: hardware tests
// conflict over exclusive resources, so no two jobs of a session ever run
// concurrently. The only concurrency is the interrupt entry points, which
// may be called from the protocol listener while a job runs.
type Runner struct {
	session   *Session
	store     *Store
	commands  CommandRunner
	parser    ResourceParser
	decisions DecisionSource
	observer  Observer
	logger    Logger

	mu        sync.Mutex
	pending   InterruptAction
	cancelJob context.CancelFunc
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithStore enables checkpointing through the given store.
func WithStore(store *Store) RunnerOption {
	return func(r *Runner) { r.store = store }
}

// WithObserver installs a progress observer.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger installs a logger.
func WithLogger(l Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDecisionSource installs the verification decision source. Without
// one, verification jobs settle as not-implemented.
func WithDecisionSource(d DecisionSource) RunnerOption {
	return func(r *Runner) { r.decisions = d }
}

// WithResourceParser installs the resource output parser.
func WithResourceParser(p ResourceParser) RunnerOption {
	return func(r *Runner) { r.parser = p }
}

// NewRunner wires a runner to a session and command executor.
func NewRunner(s *Session, commands CommandRunner, opts ...RunnerOption) (*Runner, error) {
	if s == nil {
		return nil, fmt.Errorf("session: runner requires a session")
	}
	if commands == nil {
		return nil, fmt.Errorf("session: runner requires a command runner")
	}
	r := &Runner{
		session:  s,
		commands: commands,
		observer: NopObserver{},
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Interrupt records an operator interrupt choice. Skip takes effect
// immediately by terminating the in-flight job; the rest are honored at
// the next between-jobs boundary.
func (r *Runner) Interrupt(action InterruptAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch action {
	case InterruptContinue:
		r.pending = ""
	case InterruptSkipJob:
		if r.cancelJob != nil {
			r.cancelJob()
		}
	default:
		r.pending = action
	}
}

func (r *Runner) takePending() InterruptAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	action := r.pending
	r.pending = ""
	return action
}

// Run executes the session to completion: bootstrap jobs first, then the
// deferred-template materialization they enable, then the visible job
// list in graph order. It returns nil on finalization, a sentinel error
// for interrupted runs, or the underlying failure for engine errors.
func (r *Runner) Run(ctx context.Context) error {
	s := r.session
	for _, j := range s.Graph().Bootstrap() {
		if interruptErr := r.honorInterrupt(); interruptErr != nil {
			return interruptErr
		}
		if s.Outcome(j.ID).Terminal() {
			continue
		}
		if err := r.runBootstrap(ctx, j); err != nil {
			return err
		}
	}
	warnings, err := s.Graph().Materialize(s.Resources())
	for _, w := range warnings {
		r.logger.Printf("session %s: template %s: dropped instance: %v", s.ID(), w.TemplateID, w.Err)
	}
	if err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}

	for _, j := range s.Graph().Jobs() {
		if interruptErr := r.honorInterrupt(); interruptErr != nil {
			return interruptErr
		}
		if s.Outcome(j.ID).Terminal() {
			continue
		}
		if err := r.runOne(ctx, j); err != nil {
			return err
		}
	}

	if pending := s.PendingVerification(); len(pending) > 0 {
		return fmt.Errorf("session %s: %d jobs await verification", s.ID(), len(pending))
	}
	if err := s.Finalize(); err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Clear(); err != nil {
			return err
		}
	}
	r.observer.SessionFinalized(s.ID())
	return nil
}

func (r *Runner) honorInterrupt() error {
	switch r.takePending() {
	case InterruptPause:
		r.session.Suspend()
		if err := r.checkpoint(); err != nil {
			return err
		}
		return ErrSuspended
	case InterruptHalt:
		r.session.Suspend()
		if err := r.checkpoint(); err != nil {
			return err
		}
		return ErrHalted
	case InterruptNewSession:
		if err := r.checkpoint(); err != nil {
			return err
		}
		return ErrEnded
	}
	return nil
}

// runBootstrap executes one resource or local job and caches its records.
func (r *Runner) runBootstrap(ctx context.Context, j *job.Job) error {
	if err := r.transition(j.ID, Entry{Outcome: OutcomeRunning}); err != nil {
		return err
	}
	r.observer.JobStarted(j)
	code, output, runErr := r.execute(ctx, j)
	entry := Entry{Outcome: OutcomePassed, ReturnCode: code}
	switch {
	case runErr != nil:
		entry = Entry{Outcome: OutcomeCrashed, Comment: runErr.Error(), ReturnCode: code}
	case j.Plugin == job.PluginResource:
		records := r.parseRecords(output)
		r.session.SetResource(j.ID, records)
		if code != 0 && j.Flags.Has(job.FlagFailOnResource) {
			entry = Entry{Outcome: OutcomeFailed, ReturnCode: code, Comment: "resource command failed"}
		}
	case code != 0:
		entry = Entry{Outcome: OutcomeFailed, ReturnCode: code}
	}
	if err := r.transition(j.ID, entry); err != nil {
		return err
	}
	r.finishJob(j.ID)
	return nil
}

// runOne executes one visible job through the full gate sequence.
func (r *Runner) runOne(ctx context.Context, j *job.Job) error {
	s := r.session

	// Hard dependency gate: every depends job must have passed. The job
	// fails without its command ever executing otherwise.
	for _, depID := range j.Depends {
		if s.Outcome(depID) != OutcomePassed {
			entry := Entry{
				Outcome: OutcomeFailed,
				Comment: fmt.Sprintf("dependency %s did not pass", depID),
			}
			if err := r.transition(j.ID, entry); err != nil {
				return err
			}
			r.finishJob(j.ID)
			return nil
		}
	}

	// Applicability gate: an unmet requirement skips, it never fails.
	if j.Requires != nil {
		if verdict := j.Requires.Eval(s.Resources().Settled()); verdict != resource.VerdictTrue {
			entry := Entry{
				Outcome: OutcomeSkipped,
				Comment: "requirement not met: " + j.Requires.Text(),
			}
			if err := r.transition(j.ID, entry); err != nil {
				return err
			}
			r.finishJob(j.ID)
			return nil
		}
	}

	return r.executeAndSettle(ctx, j)
}

func (r *Runner) executeAndSettle(ctx context.Context, j *job.Job) error {
	for {
		if err := r.transition(j.ID, Entry{Outcome: OutcomeRunning}); err != nil {
			return err
		}
		r.observer.JobStarted(j)

		noreturn := j.Flags.Has(job.FlagNoreturn)
		var code int
		var output []byte
		var runErr error
		var skipped bool
		if j.Plugin != job.PluginManual && j.Command != "" {
			code, output, runErr = r.executeCancelable(ctx, j)
			if runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() == nil {
				// Only the in-flight job was cancelled: operator skip.
				skipped = true
				runErr = nil
			}
			if ctx.Err() != nil {
				// The whole run is being torn down; leave the job running
				// so a resume reclassifies it crashed.
				return ctx.Err()
			}
		}
		if noreturn && runErr == nil && !skipped {
			// The command (e.g. a reboot trigger) is not expected to
			// return. State was checkpointed before execution; if we are
			// still alive the process will exit and resume later.
			return ErrNoReturn
		}

		entry := r.classify(j, code, output, runErr, skipped)
		if err := r.transition(j.ID, entry); err != nil {
			return err
		}
		if entry.Outcome != OutcomeNeedsVerification {
			r.finishJob(j.ID)
			return nil
		}

		decision, err := r.decide(ctx, j, entry)
		if err != nil {
			return err
		}
		if decision.Rerun {
			continue
		}
		if err := r.session.Verify(j.ID, decision.Outcome, decision.Comment); err != nil {
			return err
		}
		if err := r.checkpoint(); err != nil {
			return err
		}
		r.finishJob(j.ID)
		return nil
	}
}

// classify maps an execution result onto the outcome table.
func (r *Runner) classify(j *job.Job, code int, output []byte, runErr error, skipped bool) Entry {
	switch {
	case skipped:
		return Entry{Outcome: OutcomeSkipped, Comment: "stopped by operator", ReturnCode: code}
	case runErr != nil:
		return Entry{Outcome: OutcomeCrashed, Comment: runErr.Error(), ReturnCode: code}
	case j.Plugin == job.PluginResource:
		records := r.parseRecords(output)
		r.session.SetResource(j.ID, records)
		if code != 0 && j.Flags.Has(job.FlagFailOnResource) {
			return Entry{Outcome: OutcomeFailed, ReturnCode: code, Comment: "resource command failed"}
		}
		return Entry{Outcome: OutcomePassed, ReturnCode: code}
	case j.NeedsVerification():
		return Entry{Outcome: OutcomeNeedsVerification, ReturnCode: code}
	case code != 0:
		return Entry{Outcome: OutcomeFailed, ReturnCode: code}
	default:
		return Entry{Outcome: OutcomePassed, ReturnCode: code}
	}
}

// decide blocks on the decision source. With no source configured the job
// settles not-implemented so fully-automated runs still terminate.
func (r *Runner) decide(ctx context.Context, j *job.Job, result Entry) (Decision, error) {
	if r.decisions == nil {
		if err := r.session.Transition(j.ID, Entry{
			Outcome: OutcomeNotImplemented,
			Comment: "no verification source available",
		}); err != nil {
			return Decision{}, err
		}
		if err := r.checkpoint(); err != nil {
			return Decision{}, err
		}
		r.finishJob(j.ID)
		return Decision{}, fmt.Errorf("session %s: job %s needs verification but no decision source is configured", r.session.ID(), j.ID)
	}
	return r.decisions.Decide(ctx, j, result)
}

// executeCancelable runs the command under a per-job cancel so the skip
// interrupt can terminate just this job.
func (r *Runner) executeCancelable(ctx context.Context, j *job.Job) (int, []byte, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelJob = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancelJob = nil
		r.mu.Unlock()
	}()
	return r.execute(jobCtx, j)
}

func (r *Runner) execute(ctx context.Context, j *job.Job) (int, []byte, error) {
	var buf bytes.Buffer
	writer := io.MultiWriter(&buf, observerWriter{observer: r.observer, jobID: j.ID})
	code, err := r.commands.Run(ctx, j, writer)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return code, buf.Bytes(), err
}

func (r *Runner) parseRecords(output []byte) []resource.Record {
	if r.parser == nil {
		return nil
	}
	return r.parser.ParseRecords(output)
}

// transition applies an outcome change and checkpoints immediately, so a
// crash loses at most the in-flight job's result.
func (r *Runner) transition(jobID string, entry Entry) error {
	if err := r.session.Transition(jobID, entry); err != nil {
		return err
	}
	return r.checkpoint()
}

func (r *Runner) checkpoint() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(r.session.Checkpoint()); err != nil {
		return fmt.Errorf("session %s: checkpoint: %w", r.session.ID(), err)
	}
	return nil
}

func (r *Runner) finishJob(jobID string) {
	if state, ok := r.session.State(jobID); ok {
		r.observer.JobFinished(jobID, *state)
	}
}

type observerWriter struct {
	observer Observer
	jobID    string
}

func (w observerWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.observer.JobOutput(w.jobID, chunk)
	}
	return len(p), nil
}
