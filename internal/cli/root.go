// Package cli provides the Cobra-based command tree for certbox.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/config"
	"github.com/certbox/certbox/internal/logging"
	"github.com/certbox/certbox/internal/plan"
	"github.com/certbox/certbox/internal/provider"
	"github.com/certbox/certbox/internal/session"
)

// ExitError carries a deliberate process exit code through the command
// tree. Anything else that errors is a usage or definition-time problem
// and exits 2.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code: 0 for success,
// the embedded code for run results, 2 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 2
}

// env bundles everything a command needs once the execution root is
// prepared.
type env struct {
	cfg      *config.Config
	logger   *logging.Logger
	universe *plan.Universe
	store    *session.Store
}

func (e *env) close() {
	if e.logger != nil {
		_ = e.logger.Close()
	}
}

// setup initializes the .certbox directory, loads configuration and the
// unit universe. Provider paths that do not exist are skipped with a log
// line so a fresh root still works.
func setup() (*env, error) {
	rootDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cli: working directory: %w", err)
	}
	if err := config.InitCertboxDir(rootDir); err != nil {
		return nil, fmt.Errorf("cli: init %s: %w", config.CertboxDir, err)
	}
	cfg, err := config.NewConfig(rootDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(rootDir)
	if err != nil {
		return nil, err
	}
	universe := plan.NewUniverse()
	for _, path := range cfg.ProviderPaths() {
		info, statErr := os.Stat(path)
		if statErr != nil {
			logger.Printf("cli: skipping provider path %s: %v", path, statErr)
			continue
		}
		if info.IsDir() {
			err = provider.LoadDir(path, universe)
		} else {
			err = provider.LoadFile(path, universe)
		}
		if err != nil {
			_ = logger.Close()
			return nil, err
		}
	}
	return &env{
		cfg:      cfg,
		logger:   logger,
		universe: universe,
		store:    session.NewStore(cfg.SessionsDir()),
	}, nil
}

// NewRootCmd creates the root cobra command for certbox.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "certbox",
		Short: "Hardware certification test orchestrator",
		Long: `certbox - hardware certification test orchestrator

Certbox resolves test plans over provider-supplied job definitions,
expands parametric templates against probed hardware resources, and runs
the resulting job list sequentially with checkpointing, so interrupted
or rebooted runs resume where they left off.`,
		SilenceErrors: true, // main prints errors and picks the exit code
		SilenceUsage:  true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newExpandCmd(),
		newListBootstrappedCmd(),
		newAgentCmd(),
		newConnectCmd(),
	)
	return rootCmd
}

// Execute runs the root command with the given output writers and
// returns the process exit code.
func Execute(stdout, stderr io.Writer) int {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.Execute()
	if err != nil {
		var exit *ExitError
		if !errors.As(err, &exit) || exit.Err != nil {
			fmt.Fprintf(stderr, "certbox: %v\n", err)
		}
	}
	return ExitCode(err)
}
