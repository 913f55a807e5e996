package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit engine and admin API",
		Long: `Run the audit engine: orchestrator, step workers, finalizer, batch
coordinator, webhook dispatcher and the admin HTTP API.

Several instances may share one Redis (bus.driver: redis). With the default
memory bus a single instance handles every event.`,
		Example: `  auditd serve -c auditd.yaml

  # Override the listen address
  AUDIT_SERVER_ADDRESS=:9090 auditd serve -c auditd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			return a.run(ctx)
		},
	}
	return cmd
}

// run starts the background loops and serves until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if a.cfg.Rubrics.Watch {
		if err := a.registry.Watch(ctx); err != nil {
			return err
		}
	}
	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}

	a.dispatcher.Start(ctx)
	if err := a.bus.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.orchestrator.StartReaper(gctx, a.cfg.Engine.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		a.coordinator.SweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return a.server.ListenAndServe(gctx)
	})

	log.Info().
		Str("address", a.cfg.Server.Address).
		Str("bus", a.cfg.Bus.Driver).
		Strs("configs", a.registry.IDs()).
		Msg("auditd started")

	return g.Wait()
}
