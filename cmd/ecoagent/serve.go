package main

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/mohammad-safakhou/ecoagent/internal/server"
	"github.com/spf13/cobra"
)

const shutdownGrace = 30 * time.Second

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var ephemeral bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(cmd.Context(), "API")
			defer cancel()

			a, err := buildApp(ctx, *cfgPath, "API", ephemeral)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			secret, err := runtime.LoadJWTSecret(a.cfg)
			if err != nil && !errors.Is(err, runtime.ErrNoSecret) {
				return err
			}
			e, err := server.New(server.Deps{
				Jobs:         a.orch,
				Registry:     a.registry,
				Index:        a.index,
				Checks:       a.checks(),
				QueueBacklog: a.queueBacklog(),
				Metrics:      a.otel.MetricsHandler(),
				Secret:       secret,
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}

			var lock server.Locker
			if a.redis != nil {
				lock = a.redis
			}
			sched, err := server.NewScheduler(a.cfg.Schedules, a.orch, lock, a.logger)
			if err != nil {
				return err
			}
			go sched.Start(ctx)

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			runErr := server.Run(ctx, e, addr)

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
			defer done()
			if err := a.orch.Shutdown(shutdownCtx); err != nil {
				a.logger.Printf("orchestrator shutdown: %v", err)
			}
			return runErr
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	serve.Flags().BoolVar(&ephemeral, "ephemeral", false, "run without postgres and redis")
	return serve
}
