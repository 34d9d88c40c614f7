package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certbox/certbox/internal/session"
)

// ErrReconnectTimeout reports that the agent did not come back within the
// configured reconnect window. The controller surfaces this as a hard
// failure instead of retrying forever.
var ErrReconnectTimeout = errors.New("remote: reconnect window elapsed")

// ControllerSettings configures the controller's connection behavior.
type ControllerSettings struct {
	// Addr is the agent's host:port.
	Addr string
	// ReconnectWindow bounds how long the controller keeps retrying after
	// losing the connection, e.g. across an agent reboot.
	ReconnectWindow time.Duration
	// RetryInterval is the pause between reconnect attempts.
	RetryInterval time.Duration
}

func (s ControllerSettings) withDefaults() ControllerSettings {
	if s.ReconnectWindow <= 0 {
		s.ReconnectWindow = 3 * time.Minute
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 2 * time.Second
	}
	return s
}

// EventHandler consumes deduplicated events from the agent's stream.
type EventHandler interface {
	HandleEvent(Event)
}

// EventHandlerFunc adapts a function into an EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent executes f(e).
func (f EventHandlerFunc) HandleEvent(e Event) {
	if f != nil {
		f(e)
	}
}

// Controller drives a remote agent: it issues commands and follows the
// event stream, reconnecting within a bounded window when the agent
// restarts mid-session.
type Controller struct {
	settings ControllerSettings
	client   *http.Client
	handler  EventHandler
	logger   Logger

	mu      sync.Mutex
	cmdSeq  int64
	lastSeq int64
}

// ControllerOption customizes controller construction.
type ControllerOption func(*Controller)

// WithEventHandler installs the event consumer.
func WithEventHandler(h EventHandler) ControllerOption {
	return func(c *Controller) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithControllerLogger overrides the default no-op logger.
func WithControllerLogger(l Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) ControllerOption {
	return func(c *Controller) {
		if client != nil {
			c.client = client
		}
	}
}

// NewController prepares a controller for the given agent address.
func NewController(settings ControllerSettings, opts ...ControllerOption) *Controller {
	c := &Controller{
		settings: settings.withDefaults(),
		client:   &http.Client{},
		handler:  EventHandlerFunc(nil),
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// LastSeq returns the highest event sequence seen so far.
func (c *Controller) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Send issues one command, stamping the per-direction sequence number and
// a fresh command id.
func (c *Controller) Send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	c.cmdSeq++
	cmd.Seq = c.cmdSeq
	c.mu.Unlock()
	cmd.CommandID = uuid.NewString()
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("remote: encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/commands", nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: send command: %w", err)
	}
	defer resp.Body.Close()
	var ack commandAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("remote: decode ack: %w", err)
	}
	if ack.Status == "rejected" {
		return fmt.Errorf("remote: command %s rejected: %s", cmd.Type, ack.Error)
	}
	return nil
}

// SelectTestPlan asks the agent to resolve the named plan into a fresh
// session.
func (c *Controller) SelectTestPlan(ctx context.Context, planID string) error {
	return c.Send(ctx, Command{Type: CommandSelectTestPlan, TestPlan: planID})
}

// SelectJobs asks the agent to build a session from job id patterns.
func (c *Controller) SelectJobs(ctx context.Context, patterns []string) error {
	return c.Send(ctx, Command{Type: CommandSelectJobs, Jobs: patterns})
}

// Start launches the selected session.
func (c *Controller) Start(ctx context.Context) error {
	return c.Send(ctx, Command{Type: CommandStart})
}

// Resume asks the agent to reload its checkpoint and continue.
func (c *Controller) Resume(ctx context.Context) error {
	return c.Send(ctx, Command{Type: CommandResume})
}

// Verify answers a manual job's verification prompt.
func (c *Controller) Verify(ctx context.Context, jobID string, outcome session.Outcome, comment string) error {
	return c.Send(ctx, Command{Type: CommandVerify, JobID: jobID, Outcome: string(outcome), Comment: comment})
}

// Interrupt communicates an operator interrupt choice.
func (c *Controller) Interrupt(ctx context.Context, action session.InterruptAction) error {
	return c.Send(ctx, Command{Type: CommandInterrupt, Action: string(action)})
}

// Watch follows the agent's event stream until the context ends. A lost
// connection triggers reconnect attempts inside the bounded window; the
// stream resumes from the last seen sequence so replays deduplicate.
func (c *Controller) Watch(ctx context.Context) error {
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Printf("remote: event stream lost: %v", err)
		}
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Controller) stream(ctx context.Context) error {
	after := c.LastSeq()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/v1/events", url.Values{"after": {strconv.FormatInt(after, 10)}}), nil)
	if err != nil {
		return fmt.Errorf("remote: build stream request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: connect stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: stream status %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Printf("remote: drop malformed event: %v", err)
			continue
		}
		c.mu.Lock()
		if event.Seq <= c.lastSeq {
			c.mu.Unlock()
			continue
		}
		c.lastSeq = event.Seq
		c.mu.Unlock()
		c.handler.HandleEvent(event)
	}
	return scanner.Err()
}

// reconnect polls the agent's health endpoint until it answers or the
// window elapses.
func (c *Controller) reconnect(ctx context.Context) error {
	deadline := time.Now().Add(c.settings.ReconnectWindow)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrReconnectTimeout, c.settings.ReconnectWindow)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.settings.RetryInterval):
		}
		if c.healthy(ctx) {
			return nil
		}
	}
}

func (c *Controller) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health", nil), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Controller) endpoint(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: c.settings.Addr, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
