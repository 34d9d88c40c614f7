package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/resource"
)

// stubCommands maps job ids to canned results and records execution order.
type stubCommands struct {
	codes    map[string]int
	outputs  map[string]string
	errs     map[string]error
	executed []string
}

func (c *stubCommands) Run(_ context.Context, j *job.Job, output io.Writer) (int, error) {
	c.executed = append(c.executed, j.ID)
	if out, ok := c.outputs[j.ID]; ok {
		io.WriteString(output, out)
	}
	if err, ok := c.errs[j.ID]; ok {
		return c.codes[j.ID], err
	}
	return c.codes[j.ID], nil
}

func (c *stubCommands) ran(id string) bool {
	for _, executed := range c.executed {
		if executed == id {
			return true
		}
	}
	return false
}

// stubParser splits "key: value" lines into records, one record per
// blank-line-separated block.
type stubParser struct{}

func (stubParser) ParseRecords(output []byte) []resource.Record {
	var records []resource.Record
	current := resource.Record{}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 {
				records = append(records, current)
				current = resource.Record{}
			}
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if found {
			current[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if len(current) > 0 {
		records = append(records, current)
	}
	return records
}

type stubDecisions struct {
	decision Decision
	asked    []string
}

func (d *stubDecisions) Decide(_ context.Context, j *job.Job, _ Entry) (Decision, error) {
	d.asked = append(d.asked, j.ID)
	return d.decision, nil
}

func buildGraph(t *testing.T, defs []job.Definition, planDef plan.Definition) *plan.Graph {
	t.Helper()
	u := plan.NewUniverse()
	for _, def := range defs {
		j, err := job.New(def)
		if err != nil {
			t.Fatalf("job %s: %v", def.ID, err)
		}
		if err := u.AddJob(j); err != nil {
			t.Fatalf("add job: %v", err)
		}
	}
	tp, err := plan.NewTestPlan(planDef)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := u.AddPlan(tp); err != nil {
		t.Fatalf("add plan: %v", err)
	}
	r, err := plan.NewResolver(u)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	g, _, err := r.Resolve(planDef.ID, resource.Set{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return g
}

func TestRunFailedDependencyPropagatesWithoutExecution(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "x", Command: "false"},
			{ID: "y", Command: "true", Depends: []string{"x"}},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "x"}, {Pattern: "y"}}},
	)
	s := New("tp", g, nil)
	commands := &stubCommands{codes: map[string]int{"x": 1}}
	r, err := NewRunner(s, commands)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("x"); got != OutcomeFailed {
		t.Fatalf("x outcome %s, want failed", got)
	}
	if got := s.Outcome("y"); got != OutcomeFailed {
		t.Fatalf("y outcome %s, want failed", got)
	}
	if commands.ran("y") {
		t.Fatalf("y must never execute when its dependency failed")
	}
	state, _ := s.State("y")
	if !strings.Contains(state.Current.Comment, "x") {
		t.Fatalf("y failure should name the dependency, got %q", state.Current.Comment)
	}
}

func TestRunUnmetRequiresSkips(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "eth", Command: "eth_test", Requires: "device.category == 'NETWORK'"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "eth"}}},
	)
	s := New("tp", g, nil)
	commands := &stubCommands{}
	r, err := NewRunner(s, commands)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("eth"); got != OutcomeSkipped {
		t.Fatalf("outcome %s, want skipped", got)
	}
	if commands.ran("eth") {
		t.Fatalf("skipped job must not execute")
	}
	if s.ExitCode() != 0 {
		t.Fatalf("skips alone must not fail the run, exit %d", s.ExitCode())
	}
}

func TestRunBootstrapFeedsRequiresAndTemplates(t *testing.T) {
	u := plan.NewUniverse()
	for _, def := range []job.Definition{
		{ID: "net_if", Plugin: "resource", Command: "net_if_resource"},
		{ID: "wired", Command: "wired_test", Requires: "net_if.kind == 'ethernet'"},
		{ID: "wifi", Command: "wifi_test", Requires: "net_if.kind == 'wifi'"},
	} {
		j, err := job.New(def)
		if err != nil {
			t.Fatalf("job: %v", err)
		}
		if err := u.AddJob(j); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	tp, err := plan.NewTestPlan(plan.Definition{
		ID:               "net",
		BootstrapInclude: []string{"net_if"},
		Include:          []plan.IncludeRule{{Pattern: "wired"}, {Pattern: "wifi"}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := u.AddPlan(tp); err != nil {
		t.Fatalf("add plan: %v", err)
	}
	resolver, err := plan.NewResolver(u)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	g, _, err := resolver.Resolve("net", resource.Set{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	s := New("net", g, nil)
	commands := &stubCommands{
		outputs: map[string]string{"net_if": "kind: ethernet\nname: eno1\n"},
	}
	r, err := NewRunner(s, commands, WithResourceParser(stubParser{}))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("wired"); got != OutcomePassed {
		t.Fatalf("wired outcome %s, want passed", got)
	}
	if got := s.Outcome("wifi"); got != OutcomeSkipped {
		t.Fatalf("wifi outcome %s, want skipped", got)
	}
}

func TestRunManifestAnswersRequires(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "eth", Command: "eth_test", Requires: "manifest.has_ethernet == 'true'"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "eth"}}},
	)
	s := New("tp", g, Manifest{"has_ethernet": "true"})
	commands := &stubCommands{}
	r, err := NewRunner(s, commands)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("eth"); got != OutcomePassed {
		t.Fatalf("outcome %s, want passed", got)
	}
}

func TestRunVerificationDecision(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "display/check", Plugin: "manual"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "display/check"}}},
	)
	s := New("tp", g, nil)
	decisions := &stubDecisions{decision: Decision{Outcome: OutcomePassed, Comment: "looks fine"}}
	r, err := NewRunner(s, &stubCommands{}, WithDecisionSource(decisions))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("display/check"); got != OutcomePassed {
		t.Fatalf("outcome %s, want passed", got)
	}
	state, _ := s.State("display/check")
	if state.Current.Comment != "looks fine" {
		t.Fatalf("comment %q not carried", state.Current.Comment)
	}
	// needs-verification must be preserved in history, not overwritten.
	if len(state.History) == 0 || state.History[len(state.History)-1].Outcome != OutcomeNeedsVerification {
		t.Fatalf("expected needs-verification in history, got %+v", state.History)
	}
}

func TestRunNoreturnCheckpointsBeforeExec(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "power/reboot", Command: "reboot", Flags: []string{"noreturn"}},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "power/reboot"}}},
	)
	s := New("tp", g, nil)
	store := NewStore(t.TempDir())
	commands := &stubCommands{}
	r, err := NewRunner(s, commands, WithStore(store))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	err = r.Run(context.Background())
	if !errors.Is(err, ErrNoReturn) {
		t.Fatalf("expected ErrNoReturn, got %v", err)
	}
	// The checkpoint on disk must show the job running: it was persisted
	// before the command launched, because the process may not survive it.
	cp, err := store.LoadCurrent()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if got := cp.Outcomes.Outcome("power/reboot"); got != OutcomeRunning {
		t.Fatalf("checkpointed outcome %s, want running", got)
	}
}

func TestRunCrashedCommandContinuesSession(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "a", Command: "a"},
			{ID: "b", Command: "b"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "a"}, {Pattern: "b"}}},
	)
	s := New("tp", g, nil)
	commands := &stubCommands{errs: map[string]error{"a": errors.New("exec format error")}}
	r, err := NewRunner(s, commands)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := s.Outcome("a"); got != OutcomeCrashed {
		t.Fatalf("a outcome %s, want crashed", got)
	}
	if got := s.Outcome("b"); got != OutcomePassed {
		t.Fatalf("b outcome %s, want passed; one crash must not block later jobs", got)
	}
	if s.ExitCode() != 1 {
		t.Fatalf("exit code %d, want 1", s.ExitCode())
	}
}

func TestRunPauseInterruptSuspends(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "a", Command: "a"},
			{ID: "b", Command: "b"},
		},
		plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "a"}, {Pattern: "b"}}},
	)
	s := New("tp", g, nil)
	store := NewStore(t.TempDir())
	commands := &stubCommands{}
	r, err := NewRunner(s, commands, WithStore(store))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	r.Interrupt(InterruptPause)

	err = r.Run(context.Background())
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if len(commands.executed) != 0 {
		t.Fatalf("pause before first job must not execute anything, ran %v", commands.executed)
	}
	cp, err := store.LoadCurrent()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Status != StatusSuspended {
		t.Fatalf("checkpoint status %s, want suspended", cp.Status)
	}
}

func TestRunResumeSkipsCompletedJobs(t *testing.T) {
	defs := []job.Definition{
		{ID: "a", Command: "a"},
		{ID: "b", Command: "b"},
	}
	planDef := plan.Definition{ID: "tp", Include: []plan.IncludeRule{{Pattern: "a"}, {Pattern: "b"}}}
	g := buildGraph(t, defs, planDef)
	s := New("tp", g, nil)
	store := NewStore(t.TempDir())

	first := &stubCommands{}
	r, err := NewRunner(s, first, WithStore(store))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Resume over the finished table: nothing re-executes.
	restored, err := Restore(s.Checkpoint(), nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	second := &stubCommands{}
	r, err = NewRunner(restored, second)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if len(second.executed) != 0 {
		t.Fatalf("resume re-executed %v", second.executed)
	}
}

// commandFunc adapts a closure to CommandRunner for tests that need to
// act mid-run.
type commandFunc func(context.Context, *job.Job, io.Writer) (int, error)

func (f commandFunc) Run(ctx context.Context, j *job.Job, w io.Writer) (int, error) {
	return f(ctx, j, w)
}

func TestRunPauseDuringBootstrapSuspends(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "res_a", Plugin: "resource", Command: "res_a"},
			{ID: "res_b", Plugin: "resource", Command: "res_b"},
			{ID: "visible", Command: "visible"},
		},
		plan.Definition{
			ID:               "tp",
			BootstrapInclude: []string{"res_a", "res_b"},
			Include:          []plan.IncludeRule{{Pattern: "visible"}},
		},
	)
	s := New("tp", g, nil)
	store := NewStore(t.TempDir())
	commands := &stubCommands{outputs: map[string]string{"res_a": "x: 1\n"}}

	var r *Runner
	hooked := commandFunc(func(ctx context.Context, j *job.Job, w io.Writer) (int, error) {
		code, err := commands.Run(ctx, j, w)
		if j.ID == "res_a" {
			r.Interrupt(InterruptPause)
		}
		return code, err
	})
	var err error
	r, err = NewRunner(s, hooked, WithStore(store), WithResourceParser(stubParser{}))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	err = r.Run(context.Background())
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if commands.ran("res_b") || commands.ran("visible") {
		t.Fatalf("pause during bootstrap must stop before the next job, ran %v", commands.executed)
	}
	cp, err := store.LoadCurrent()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Status != StatusSuspended {
		t.Fatalf("checkpoint status %s, want suspended", cp.Status)
	}
}

func TestExitCodeCountsBootstrapFailure(t *testing.T) {
	g := buildGraph(t,
		[]job.Definition{
			{ID: "res_disk", Plugin: "resource", Command: "res_disk", Flags: []string{"fail-on-resource"}},
			{ID: "visible", Command: "visible"},
		},
		plan.Definition{
			ID:               "tp",
			BootstrapInclude: []string{"res_disk"},
			Include:          []plan.IncludeRule{{Pattern: "visible"}},
		},
	)
	s := New("tp", g, nil)
	commands := &stubCommands{codes: map[string]int{"res_disk": 1}}
	r, err := NewRunner(s, commands, WithResourceParser(stubParser{}))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Outcome("res_disk") != OutcomeFailed {
		t.Fatalf("bootstrap outcome %s, want failed", s.Outcome("res_disk"))
	}
	if s.Outcome("visible") != OutcomePassed {
		t.Fatalf("visible outcome %s, want passed", s.Outcome("visible"))
	}
	if code := s.ExitCode(); code != 1 {
		t.Fatalf("exit code %d, want 1 when a bootstrap job failed", code)
	}
}
