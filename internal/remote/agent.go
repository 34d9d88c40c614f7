package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/session"
)

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Settings configures the agent's HTTP listener.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Address renders the listen address.
func (s Settings) Address() string {
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Agent serves the remote control protocol beside the jobs. One execution
// worker drives the session while the protocol listener keeps accepting
// controller connections and interrupts; the two communicate through a
// command queue and the session's own locking.
type Agent struct {
	settings Settings
	universe *plan.Universe
	store    *session.Store
	manifest session.Manifest
	commands session.CommandRunner
	parser   session.ResourceParser
	logger   Logger
	clock    func() time.Time

	queue     chan Command
	decisions chan session.Decision

	mu          sync.RWMutex
	listener    net.Listener
	server      *http.Server
	events      []Event
	nextSeq     int64
	lastCmdSeq  int64
	subscribers map[chan Event]struct{}
	sess        *session.Session
	runner      *session.Runner
	awaiting    string // job id blocked on verification, "" when none
	stop        context.CancelFunc
}

// AgentOption customizes agent construction.
type AgentOption func(*Agent)

// WithAgentLogger overrides the default no-op logger.
func WithAgentLogger(l Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAgentClock allows tests to control event timestamps.
func WithAgentClock(clock func() time.Time) AgentOption {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithManifest seeds the manifest used for new sessions.
func WithManifest(m session.Manifest) AgentOption {
	return func(a *Agent) { a.manifest = m }
}

// WithResourceParser installs the resource output parser passed to
// session runners.
func WithResourceParser(p session.ResourceParser) AgentOption {
	return func(a *Agent) { a.parser = p }
}

// NewAgent wires an agent to the loaded universe, checkpoint store and
// command executor.
func NewAgent(settings Settings, universe *plan.Universe, store *session.Store, commands session.CommandRunner, opts ...AgentOption) (*Agent, error) {
	if universe == nil {
		return nil, fmt.Errorf("remote: agent requires a universe")
	}
	if store == nil {
		return nil, fmt.Errorf("remote: agent requires a checkpoint store")
	}
	if commands == nil {
		return nil, fmt.Errorf("remote: agent requires a command runner")
	}
	a := &Agent{
		settings:    settings,
		universe:    universe,
		store:       store,
		commands:    commands,
		logger:      nopLogger{},
		clock:       func() time.Time { return time.Now().UTC() },
		queue:       make(chan Command, 16),
		decisions:   make(chan session.Decision),
		subscribers: map[chan Event]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	// Event numbering continues across restarts so a controller holding
	// an old high-water mark never drops the new process's events.
	seq, err := store.LoadEventSeq()
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	a.nextSeq = seq
	return a, nil
}

// Addr returns the bound listen address, valid after Serve has started.
func (a *Agent) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Serve binds the listener and runs the protocol listener and command
// worker until the context is cancelled or the operator halts the agent.
func (a *Agent) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	if a.listener != nil {
		a.mu.Unlock()
		return fmt.Errorf("remote: agent already started")
	}
	listener, err := net.Listen("tcp", a.settings.Address())
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("remote: listen %s: %w", a.settings.Address(), err)
	}
	a.listener = listener
	a.stop = cancel
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/v1/commands", a.handleCommands)
	mux.HandleFunc("/v1/events", a.handleEvents)
	server := &http.Server{
		Handler:     mux,
		ReadTimeout: a.settings.ReadTimeout,
		IdleTimeout: a.settings.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	a.server = server
	a.mu.Unlock()
	a.logger.Printf("remote: agent listening on %s", listener.Addr().String())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("remote: serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		a.commandLoop(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	err = group.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// commandLoop is the execution worker: it applies controller commands one
// at a time so session mutations never race.
func (a *Agent) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.queue:
			if err := a.apply(ctx, cmd); err != nil {
				a.logger.Printf("remote: command %s: %v", cmd.Type, err)
				a.emit(Event{Type: EventRunError, Comment: err.Error()})
			}
		}
	}
}

func (a *Agent) apply(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandSelectTestPlan:
		return a.selectTestPlan(cmd.TestPlan)
	case CommandSelectJobs:
		return a.selectJobs(cmd.Jobs)
	case CommandStart:
		return a.startRun(ctx)
	case CommandResume:
		return a.resumeRun(ctx)
	case CommandVerify:
		return a.verify(cmd)
	case CommandInterrupt:
		return a.interrupt(cmd)
	}
	return fmt.Errorf("unknown command %q", cmd.Type)
}

func (a *Agent) selectTestPlan(planID string) error {
	resolver, err := plan.NewResolver(a.universe)
	if err != nil {
		return err
	}
	graph, warnings, err := resolver.Resolve(planID, nil)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		a.logger.Printf("remote: template %s: dropped instance: %v", w.TemplateID, w.Err)
	}
	a.installSession(session.New(planID, graph, a.manifest))
	return nil
}

func (a *Agent) selectJobs(patterns []string) error {
	resolver, err := plan.NewResolver(a.universe)
	if err != nil {
		return err
	}
	rules := make([]plan.IncludeRule, 0, len(patterns))
	for _, pattern := range patterns {
		rules = append(rules, plan.IncludeRule{Pattern: pattern})
	}
	tp, err := plan.NewTestPlan(plan.Definition{ID: "adhoc", Include: rules})
	if err != nil {
		return err
	}
	graph, _, err := resolver.ResolveAdHoc(tp, nil)
	if err != nil {
		return err
	}
	a.installSession(session.New("", graph, a.manifest))
	return nil
}

func (a *Agent) installSession(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = s
	a.runner = nil
	a.events = nil
}

func (a *Agent) startRun(ctx context.Context) error {
	a.mu.Lock()
	s := a.sess
	running := a.runner != nil
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no session selected")
	}
	if running {
		return fmt.Errorf("session already running")
	}
	return a.launch(ctx, s)
}

// resumeRun reloads the checkpointed session and replays buffered output
// for the job that was running at restart time. The replay is idempotent:
// the job is reclassified crashed, never re-executed.
func (a *Agent) resumeRun(ctx context.Context) error {
	cp, err := a.store.LoadCurrent()
	if err != nil {
		return err
	}
	s, err := session.Restore(cp, a.universe)
	if err != nil {
		return err
	}
	for id, state := range cp.Outcomes {
		if state.Current.Outcome != session.OutcomeRunning {
			continue
		}
		output, readErr := a.store.ReadOutput(cp.SessionID, id)
		if readErr != nil {
			a.logger.Printf("remote: replay output for %s: %v", id, readErr)
			continue
		}
		if len(output) > 0 {
			a.emit(Event{Type: EventJobOutput, SessionID: cp.SessionID, JobID: id, Output: string(output), Replay: true})
		}
	}
	a.mu.Lock()
	a.sess = s
	a.runner = nil
	a.mu.Unlock()
	return a.launch(ctx, s)
}

func (a *Agent) launch(ctx context.Context, s *session.Session) error {
	runner, err := session.NewRunner(s, a.commands,
		session.WithStore(a.store),
		session.WithObserver(agentObserver{agent: a}),
		session.WithLogger(a.logger),
		session.WithDecisionSource(agentDecisions{agent: a}),
		session.WithResourceParser(a.parser),
	)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.runner = runner
	a.mu.Unlock()
	go a.runSession(ctx, runner, s)
	return nil
}

func (a *Agent) runSession(ctx context.Context, runner *session.Runner, s *session.Session) {
	err := runner.Run(ctx)
	a.mu.Lock()
	a.runner = nil
	a.mu.Unlock()
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoReturn):
		// A reboot-class job is in flight; tell the controller to expect
		// a reconnect window and let the process die.
		a.emit(Event{Type: EventAgentRestarting, SessionID: s.ID()})
		a.shutdown()
	case errors.Is(err, session.ErrSuspended):
		a.logger.Printf("remote: session %s suspended", s.ID())
	case errors.Is(err, session.ErrHalted):
		a.logger.Printf("remote: session %s halted, stopping agent", s.ID())
		a.shutdown()
	case errors.Is(err, session.ErrEnded):
		a.logger.Printf("remote: session %s ended by controller", s.ID())
	default:
		a.emit(Event{Type: EventRunError, SessionID: s.ID(), Comment: err.Error()})
	}
}

func (a *Agent) shutdown() {
	a.mu.RLock()
	stop := a.stop
	a.mu.RUnlock()
	if stop != nil {
		stop()
	}
}

// verify settles a needs-verification job. When the runner is blocked on
// this job's decision the answer goes through the decisions channel; the
// short wait below covers the window between the job entering
// needs-verification and the runner actually parking on the channel.
func (a *Agent) verify(cmd Command) error {
	decision := session.Decision{
		Outcome: session.Outcome(cmd.Outcome),
		Comment: cmd.Comment,
		Rerun:   cmd.Outcome == string(session.OutcomeRunning),
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.RLock()
		s := a.sess
		awaiting := a.awaiting
		running := a.runner != nil
		a.mu.RUnlock()
		if s == nil {
			return fmt.Errorf("no session selected")
		}
		if awaiting == cmd.JobID {
			// Timed send: the runner can abandon the channel (its job
			// context cancelled under a skip interrupt) between the
			// awaiting check and here; re-check rather than block the
			// command worker forever.
			select {
			case a.decisions <- decision:
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		if _, ok := s.State(cmd.JobID); !ok {
			return fmt.Errorf("unknown job %q", cmd.JobID)
		}
		if s.Outcome(cmd.JobID) == session.OutcomeNeedsVerification && !running {
			return s.Verify(cmd.JobID, decision.Outcome, decision.Comment)
		}
		if time.Now().After(deadline) {
			return s.Verify(cmd.JobID, decision.Outcome, decision.Comment)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (a *Agent) interrupt(cmd Command) error {
	a.mu.RLock()
	runner := a.runner
	a.mu.RUnlock()
	if runner == nil {
		return fmt.Errorf("no run in progress")
	}
	runner.Interrupt(session.InterruptAction(cmd.Action))
	return nil
}

// emit appends an event to the replay buffer and fans it out to
// connected event streams.
func (a *Agent) emit(event Event) {
	a.mu.Lock()
	a.nextSeq++
	event.Seq = a.nextSeq
	event.EventID = uuid.NewString()
	event.Time = a.clock()
	if event.SessionID == "" && a.sess != nil {
		event.SessionID = a.sess.ID()
	}
	a.events = append(a.events, event)
	if len(a.events) > maxBufferedEvents {
		a.events = a.events[len(a.events)-maxBufferedEvents:]
	}
	if err := a.store.SaveEventSeq(a.nextSeq); err != nil {
		a.logger.Printf("remote: persist event seq: %v", err)
	}
	for sub := range a.subscribers {
		select {
		case sub <- event:
		default:
			// Slow consumer; it will catch up via the replay buffer on
			// its next reconnect.
		}
	}
	a.mu.Unlock()
}

const maxBufferedEvents = 4096

// agentObserver bridges session progress into protocol events.
type agentObserver struct {
	agent *Agent
}

func (o agentObserver) JobStarted(j *job.Job) {
	a := o.agent
	a.mu.RLock()
	s := a.sess
	a.mu.RUnlock()
	if s != nil {
		if err := a.store.ResetOutput(s.ID(), j.ID); err != nil {
			a.logger.Printf("remote: %v", err)
		}
	}
	a.emit(Event{Type: EventJobStarted, JobID: j.ID})
}

func (o agentObserver) JobOutput(jobID string, chunk []byte) {
	a := o.agent
	a.mu.RLock()
	s := a.sess
	a.mu.RUnlock()
	if s != nil {
		if err := a.store.AppendOutput(s.ID(), jobID, chunk); err != nil {
			a.logger.Printf("remote: %v", err)
		}
	}
	a.emit(Event{Type: EventJobOutput, JobID: jobID, Output: string(chunk)})
}

func (o agentObserver) JobFinished(jobID string, state session.JobState) {
	o.agent.emit(Event{
		Type:    EventJobFinished,
		JobID:   jobID,
		Outcome: string(state.Current.Outcome),
		Comment: state.Current.Comment,
	})
}

func (o agentObserver) SessionFinalized(sessionID string) {
	o.agent.emit(Event{Type: EventSessionFinalized, SessionID: sessionID})
}

// agentDecisions blocks the execution worker on the controller's verify
// command. No timeout: the operator may take arbitrarily long.
type agentDecisions struct {
	agent *Agent
}

func (d agentDecisions) Decide(ctx context.Context, j *job.Job, _ session.Entry) (session.Decision, error) {
	a := d.agent
	a.mu.Lock()
	a.awaiting = j.ID
	a.mu.Unlock()
	a.emit(Event{Type: EventVerificationRequested, JobID: j.ID, Comment: j.Summary})
	defer func() {
		a.mu.Lock()
		a.awaiting = ""
		a.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return session.Decision{}, ctx.Err()
	case decision := <-a.decisions:
		return decision, nil
	}
}
