package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/session"
)

// consoleObserver streams job progress to the terminal.
type consoleObserver struct {
	out io.Writer
}

func (o consoleObserver) JobStarted(j *job.Job) {
	title := j.ID
	if j.Summary != "" {
		title += " — " + j.Summary
	}
	fmt.Fprintln(o.out, headerStyle.Render("▶ "+title))
}

func (o consoleObserver) JobOutput(_ string, chunk []byte) {
	_, _ = o.out.Write(chunk)
}

func (o consoleObserver) JobFinished(jobID string, state session.JobState) {
	outcome := state.Current.Outcome
	line := fmt.Sprintf("  %s: %s", jobID, outcome)
	if state.Current.Comment != "" {
		line += " (" + state.Current.Comment + ")"
	}
	fmt.Fprintln(o.out, styleFor(outcome).Render(line))
}

func (o consoleObserver) SessionFinalized(sessionID string) {
	fmt.Fprintln(o.out, mutedStyle.Render("session "+sessionID+" finalized"))
}

// consoleDecisions asks the operator to settle verification jobs on the
// terminal. It blocks without a timeout: certification engineers may need
// to inspect the hardware before answering.
type consoleDecisions struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsoleDecisions(in io.Reader, out io.Writer) *consoleDecisions {
	return &consoleDecisions{in: bufio.NewReader(in), out: out}
}

func (d *consoleDecisions) Decide(ctx context.Context, j *job.Job, _ session.Entry) (session.Decision, error) {
	return d.prompt(ctx, j.ID, j.Summary)
}

// DecideRemote settles a verification prompt relayed by a remote agent.
func (d *consoleDecisions) DecideRemote(ctx context.Context, jobID, summary string) (session.Decision, error) {
	return d.prompt(ctx, jobID, summary)
}

func (d *consoleDecisions) prompt(ctx context.Context, jobID, summary string) (session.Decision, error) {
	fmt.Fprintln(d.out, pendingStyle.Render("verify "+jobID))
	if summary != "" {
		fmt.Fprintln(d.out, mutedStyle.Render("  "+summary))
	}
	for {
		fmt.Fprint(d.out, "  [p]ass / [f]ail / [s]kip / [r]erun, optional comment after a space: ")
		line, err := d.in.ReadString('\n')
		if err != nil {
			return session.Decision{}, fmt.Errorf("cli: read verification answer: %w", err)
		}
		if ctx.Err() != nil {
			return session.Decision{}, ctx.Err()
		}
		choice, comment, _ := strings.Cut(strings.TrimSpace(line), " ")
		comment = strings.TrimSpace(comment)
		switch strings.ToLower(choice) {
		case "p", "pass":
			return session.Decision{Outcome: session.OutcomePassed, Comment: comment}, nil
		case "f", "fail":
			return session.Decision{Outcome: session.OutcomeFailed, Comment: comment}, nil
		case "s", "skip":
			return session.Decision{Outcome: session.OutcomeSkipped, Comment: comment}, nil
		case "r", "rerun":
			return session.Decision{Rerun: true}, nil
		}
	}
}
