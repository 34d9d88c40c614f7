package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/certbox/certbox/internal/provider"
	"github.com/certbox/certbox/internal/remote"
	"github.com/certbox/certbox/internal/session"
)

func newAgentCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the remote control protocol",
		Long: `Run certbox as an agent on the machine under test. A controller
("certbox connect") drives test plan selection and observes output; the
agent owns the session and keeps running jobs even while no controller
is attached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			settings := remote.Settings{Host: e.cfg.Project.Remote.Host, Port: e.cfg.Project.Remote.Port}
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}

			manifest, err := session.LoadManifest(e.cfg.ManifestPath())
			if err != nil {
				return err
			}
			agent, err := remote.NewAgent(settings, e.universe, e.store, provider.ShellRunner{},
				remote.WithAgentLogger(e.logger),
				remote.WithManifest(manifest),
				remote.WithResourceParser(provider.RecordParser{}),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "certbox agent listening on %s\n", settings.Address())
			return agent.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
