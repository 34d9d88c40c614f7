package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/session"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue the checkpointed session",
		Long: `Reload the current session's checkpoint and continue the run.

Jobs that already settled keep their outcome; the job that was running
when the process died is recorded as crashed and not re-executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			cp, err := e.store.LoadCurrent()
			if err != nil {
				if errors.Is(err, session.ErrNoCheckpoint) {
					return fmt.Errorf("cli: no session to resume")
				}
				return err
			}
			s, err := session.Restore(cp, e.universe)
			if err != nil {
				return err
			}
			return runSession(cmd, e, s)
		},
	}
}
