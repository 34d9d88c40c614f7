package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/job"
	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/provider"
	"github.com/certbox/certbox/internal/session"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [selector]",
		Short: "Resolve a test plan and run it to completion",
		Long: `Resolve a selector into a job list and run it sequentially.

The selector is a test plan id, or a job id pattern when no plan with
that id exists. Without a selector the configured default plan is used.

Press Ctrl-C once to suspend after the current job finishes (the session
resumes with "certbox resume"); press it twice to halt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			selector := ""
			if len(args) == 1 {
				selector = args[0]
			} else if e.cfg.Project.DefaultPlan != "" {
				selector = e.cfg.Project.DefaultPlan
			}
			if selector == "" {
				return fmt.Errorf("cli: no selector given and no default_plan configured")
			}

			graph, planID, err := resolveSelector(e.universe, selector)
			if err != nil {
				return err
			}
			manifest, err := session.LoadManifest(e.cfg.ManifestPath())
			if err != nil {
				return err
			}
			s := session.New(planID, graph, manifest)
			return runSession(cmd, e, s)
		},
	}
	return cmd
}

// resolveSelector treats the selector as a test plan id first and falls
// back to an ad-hoc job id pattern.
func resolveSelector(u *plan.Universe, selector string) (*plan.Graph, string, error) {
	resolver, err := plan.NewResolver(u)
	if err != nil {
		return nil, "", err
	}
	if _, ok := u.Plan(selector); ok {
		graph, warnings, err := resolver.Resolve(selector, nil)
		if err != nil {
			return nil, "", err
		}
		logWarnings(warnings)
		return graph, selector, nil
	}
	tp, err := plan.NewTestPlan(plan.Definition{
		ID:      "adhoc",
		Include: []plan.IncludeRule{{Pattern: selector}},
	})
	if err != nil {
		return nil, "", err
	}
	graph, warnings, err := resolver.ResolveAdHoc(tp, nil)
	if err != nil {
		return nil, "", err
	}
	if len(graph.Jobs()) == 0 && !graph.HasDeferred() && len(graph.Bootstrap()) == 0 {
		return nil, "", fmt.Errorf("cli: selector %q matches no test plan and no jobs", selector)
	}
	logWarnings(warnings)
	return graph, "", nil
}

func logWarnings(warnings []job.ExpansionWarning) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "certbox: template %s: dropped instance: %v\n", w.TemplateID, w.Err)
	}
}

// runSession drives a session on the terminal and maps the result to the
// process exit code.
func runSession(cmd *cobra.Command, e *env, s *session.Session) error {
	stdout := cmd.OutOrStdout()
	runner, err := session.NewRunner(s, provider.ShellRunner{},
		session.WithStore(e.store),
		session.WithObserver(consoleObserver{out: stdout}),
		session.WithLogger(e.logger),
		session.WithResourceParser(provider.RecordParser{}),
		session.WithDecisionSource(newConsoleDecisions(cmd.InOrStdin(), stdout)),
	)
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		fmt.Fprintln(stdout, mutedStyle.Render("suspending after the current job (Ctrl-C again to halt)"))
		runner.Interrupt(session.InterruptPause)
		<-signals
		fmt.Fprintln(stdout, mutedStyle.Render("halting"))
		runner.Interrupt(session.InterruptHalt)
	}()

	err = runner.Run(ctx)
	switch {
	case err == nil:
		renderSummary(stdout, s)
		if code := s.ExitCode(); code != 0 {
			return &ExitError{Code: code}
		}
		return nil
	case errors.Is(err, session.ErrNoReturn):
		fmt.Fprintln(stdout, mutedStyle.Render("reboot job launched; run \"certbox resume\" after the machine is back"))
		return nil
	case errors.Is(err, session.ErrSuspended):
		fmt.Fprintln(stdout, mutedStyle.Render("session suspended; resume with \"certbox resume\""))
		return nil
	case errors.Is(err, session.ErrHalted), errors.Is(err, session.ErrEnded):
		renderSummary(stdout, s)
		return &ExitError{Code: 1}
	default:
		e.logger.Printf("cli: run: %v", err)
		return err
	}
}
