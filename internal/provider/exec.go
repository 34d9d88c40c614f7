package provider

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/certbox/certbox/internal/job"
)

// ShellRunner executes job commands through the shell, streaming combined
// output to the given writer. It implements session.CommandRunner.
type ShellRunner struct {
	// Shell defaults to /bin/sh.
	Shell string
	// Env entries are appended to the inherited environment.
	Env []string
	// Dir is the working directory for job commands.
	Dir string
}

// Run executes the job's command and returns its exit code. A non-zero
// exit is an outcome, not an error; only failures to launch or signals
// surface as errors.
func (r ShellRunner) Run(ctx context.Context, j *job.Job, output io.Writer) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", j.Command)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Dir = r.Dir
	// Children that inherit the output pipe can hold Wait open long after
	// the shell itself is killed.
	cmd.WaitDelay = 2 * time.Second
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	err := cmd.Run()
	if ctx.Err() != nil {
		// The kill signal masks the cancellation; callers dispatch on the
		// context error to tell an operator skip from a crash.
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
