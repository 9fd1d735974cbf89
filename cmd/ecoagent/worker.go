package main

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/mohammad-safakhou/ecoagent/internal/worker"
	"github.com/spf13/cobra"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var inFlight int64
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume job requests from the redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(cmd.Context(), "WORKER")
			defer cancel()

			a, err := buildApp(ctx, *cfgPath, "WORKER", false)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if !a.cfg.Queue.Enabled {
				return fmt.Errorf("queue.enabled is false; nothing to consume")
			}

			q := a.cfg.Queue.Normalize()
			consumer := streams.NewConsumer(a.redis, a.registry, q.RequestedStream, q.Group, q.Consumer)
			if err := consumer.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			if inFlight <= 0 {
				inFlight = int64(a.cfg.Orchestration.MaxConcurrentJobs)
			}
			proc := worker.NewProcessor(a.logger, a.store, a.orch, consumer, worker.Options{
				MaxInFlight: inFlight,
			})
			a.logger.Printf("consuming %s as %s/%s", q.RequestedStream, q.Group, q.Consumer)
			runErr := proc.Start(ctx)

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
			defer done()
			if err := a.orch.Shutdown(shutdownCtx); err != nil {
				a.logger.Printf("orchestrator shutdown: %v", err)
			}
			if err := proc.Drain(shutdownCtx); err != nil {
				a.logger.Printf("drain: %v", err)
			}
			return runErr
		},
	}
	cmd.Flags().Int64Var(&inFlight, "in-flight", 0, "max jobs in flight (default orchestration.max_concurrent_jobs)")
	return cmd
}
