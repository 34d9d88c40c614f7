package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/config"
	"github.com/certbox/certbox/internal/remote"
	"github.com/certbox/certbox/internal/session"
)

func newConnectCmd() *cobra.Command {
	var planID string
	var jobPatterns string
	var resume bool

	cmd := &cobra.Command{
		Use:   "connect <addr>",
		Short: "Drive a remote agent",
		Long: `Connect to a certbox agent, select what to run and follow the
session. The connection survives agent restarts: after a reboot job the
controller keeps retrying inside the configured reconnect window and
picks the event stream back up where it left off.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID != "" && jobPatterns != "" {
				return fmt.Errorf("cli: --plan and --jobs are mutually exclusive")
			}
			if resume && (planID != "" || jobPatterns != "") {
				return fmt.Errorf("cli: --resume cannot be combined with a selection")
			}
			if !resume && planID == "" && jobPatterns == "" {
				return fmt.Errorf("cli: one of --plan, --jobs or --resume is required")
			}

			rootDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("cli: working directory: %w", err)
			}
			cfg, err := config.NewConfig(rootDir)
			if err != nil {
				return err
			}
			return connectAndRun(cmd, cfg, args[0], planID, splitPatterns(jobPatterns), resume)
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "test plan id to select and run")
	cmd.Flags().StringVar(&jobPatterns, "jobs", "", "comma separated job id patterns to select and run")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the agent's checkpointed session")
	return cmd
}

// splitPatterns turns a comma separated selector list into patterns.
func splitPatterns(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sessionTracker folds the event stream into an exit verdict.
type sessionTracker struct {
	mu        sync.Mutex
	anyBad    bool
	finalized bool
}

func connectAndRun(cmd *cobra.Command, cfg *config.Config, addr, planID string, patterns []string, resume bool) error {
	stdout := cmd.OutOrStdout()
	tracker := &sessionTracker{}
	decisions := newConsoleDecisions(cmd.InOrStdin(), stdout)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	var ctrl *remote.Controller
	handler := remote.EventHandlerFunc(func(e remote.Event) {
		switch e.Type {
		case remote.EventJobStarted:
			fmt.Fprintln(stdout, headerStyle.Render("▶ "+e.JobID))
		case remote.EventJobOutput:
			if e.Replay {
				fmt.Fprint(stdout, mutedStyle.Render(e.Output))
			} else {
				fmt.Fprint(stdout, e.Output)
			}
		case remote.EventJobFinished:
			outcome := session.Outcome(e.Outcome)
			line := fmt.Sprintf("  %s: %s", e.JobID, e.Outcome)
			if e.Comment != "" {
				line += " (" + e.Comment + ")"
			}
			fmt.Fprintln(stdout, styleFor(outcome).Render(line))
			if outcome == session.OutcomeFailed || outcome == session.OutcomeCrashed {
				tracker.mu.Lock()
				tracker.anyBad = true
				tracker.mu.Unlock()
			}
		case remote.EventVerificationRequested:
			go answerVerification(cmd.Context(), ctrl, decisions, e)
		case remote.EventAgentRestarting:
			fmt.Fprintln(stdout, mutedStyle.Render("agent restarting; waiting for it to come back"))
		case remote.EventRunError:
			fmt.Fprintln(stdout, failedStyle.Render("run error: "+e.Comment))
			tracker.mu.Lock()
			tracker.anyBad = true
			tracker.mu.Unlock()
		case remote.EventSessionFinalized:
			fmt.Fprintln(stdout, mutedStyle.Render("session "+e.SessionID+" finalized"))
			tracker.mu.Lock()
			tracker.finalized = true
			tracker.mu.Unlock()
			stopWatch()
		}
	})

	ctrl = remote.NewController(remote.ControllerSettings{
		Addr:            addr,
		ReconnectWindow: cfg.Project.Remote.ReconnectWindow.Std(),
		RetryInterval:   cfg.Project.Remote.RetryInterval.Std(),
	}, remote.WithEventHandler(handler))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case resume:
		if err := ctrl.Resume(ctx); err != nil {
			return err
		}
	case planID != "":
		if err := ctrl.SelectTestPlan(ctx, planID); err != nil {
			return err
		}
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
	default:
		if err := ctrl.SelectJobs(ctx, patterns); err != nil {
			return err
		}
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
	}

	// Ctrl-C once asks the agent to suspend; twice halts it.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		fmt.Fprintln(stdout, mutedStyle.Render("asking the agent to suspend (Ctrl-C again to halt)"))
		_ = ctrl.Interrupt(ctx, session.InterruptPause)
		<-signals
		_ = ctrl.Interrupt(ctx, session.InterruptHalt)
		stopWatch()
	}()

	err := ctrl.Watch(watchCtx)
	tracker.mu.Lock()
	finalized, anyBad := tracker.finalized, tracker.anyBad
	tracker.mu.Unlock()
	switch {
	case finalized:
		if anyBad {
			return &ExitError{Code: 1}
		}
		return nil
	case errors.Is(err, remote.ErrReconnectTimeout):
		return err
	case errors.Is(err, context.Canceled):
		return &ExitError{Code: 1}
	default:
		return err
	}
}

// answerVerification prompts the operator and relays the decision. Runs
// off the event loop so output keeps streaming while the operator thinks.
func answerVerification(ctx context.Context, ctrl *remote.Controller, decisions *consoleDecisions, e remote.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	decision, err := decisions.DecideRemote(ctx, e.JobID, e.Comment)
	if err != nil {
		return
	}
	outcome := decision.Outcome
	if decision.Rerun {
		outcome = session.OutcomeRunning
	}
	_ = ctrl.Verify(ctx, e.JobID, outcome, decision.Comment)
}
