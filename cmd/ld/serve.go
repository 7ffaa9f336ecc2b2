package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/leaddesk/internal/db"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/followup"
	"github.com/zulandar/leaddesk/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, dispatch workers and follow-up scheduler",
		Long: `Starts the webhook and internal trigger endpoints, the asynchronous
dispatch worker pool and, when followup.enabled is set, the scheduled
follow-up batch. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, migrate)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "migrate tables before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, configPath, appOverrides{})
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := db.AutoMigrate(a.db); err != nil {
			return err
		}
	}
	if port > 0 {
		a.cfg.Server.Port = port
	}
	return serve(ctx, cmd, a)
}

// serve runs every long-lived component until ctx is cancelled or one of
// them fails.
func serve(ctx context.Context, cmd *cobra.Command, a *app) error {
	queue := dispatch.NewQueue(dispatch.QueueOpts{
		Dispatcher: a.orch,
		Workers:    a.cfg.Dispatch.Workers,
		Size:       a.cfg.Dispatch.QueueSize,
		Logger:     a.log,
		Metrics:    a.metrics,
	})

	opts := server.Opts{
		DB:             a.db,
		Port:           a.cfg.Server.Port,
		InternalSecret: a.cfg.Server.InternalSecret,
		// Twilio signs webhooks with the account auth token.
		WebhookAuthToken: a.cfg.Delivery.AuthToken,
		PublicURL:        a.cfg.Server.PublicURL,
		Intake:           a.intake,
		Queue:            queue,
		Dispatcher:       a.orch,
		Receipts:         a.pipeline,
		FollowUp:         a.runner,
		Hub:              a.hub,
		Gatherer:         a.registry,
		Logger:           a.log,
		Out:              cmd.OutOrStdout(),
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	if a.cfg.FollowUp.Enabled {
		sched, err := followup.NewScheduler(a.runner, a.cfg.FollowUp.Schedule, a.cfg.FollowUp.Timezone, a.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
		fmt.Fprintf(cmd.OutOrStdout(), "Follow-up scheduled %q (%s)\n", a.cfg.FollowUp.Schedule, a.cfg.FollowUp.Timezone)
	}

	err = g.Wait()
	a.log.Info("shutdown complete", zap.Error(err))
	return err
}
