package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/analysis"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/discovery"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/extraction"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/telemetry"
	"github.com/mohammad-safakhou/ecoagent/internal/aggregator"
	"github.com/mohammad-safakhou/ecoagent/internal/index"
	"github.com/mohammad-safakhou/ecoagent/internal/queue/streams"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/mohammad-safakhou/ecoagent/internal/server"
	"github.com/mohammad-safakhou/ecoagent/internal/store"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/strategy"
	"github.com/redis/go-redis/v9"
)

const serviceVersion = "0.1.0"

// app is one process worth of wired components. store and redis are nil in ephemeral mode.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	otel     *runtime.Telemetry
	tel      *telemetry.Telemetry
	store    *store.Store
	redis    *redis.Client
	index    *index.IndicatorIndex
	registry *streams.SchemaRegistry
	ollama   *analysis.OllamaClient
	orch     *core.Orchestrator
}

func buildApp(ctx context.Context, cfgPath, service string, ephemeral bool) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: log.New(os.Stdout, "["+service+"] ", log.LstdFlags),
	}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	a.otel, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "ecoagent-" + service, ServiceVersion: serviceVersion})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.tel = telemetry.NewTelemetry(cfg.Telemetry)

	if a.registry, err = streams.NewBaseRegistry(); err != nil {
		return nil, fmt.Errorf("schema registry: %w", err)
	}
	if a.index, err = index.New(index.DefaultMaxDocs); err != nil {
		return nil, fmt.Errorf("indicator index: %w", err)
	}

	catalog, err := config.LoadSourceCatalog(cfg.Discovery.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("source catalog: %w", err)
	}
	a.ollama = analysis.NewOllamaClient(cfg.Analysis)

	deps := core.Dependencies{
		Discovery:  discovery.NewAgent(cfg, catalog),
		Extraction: extraction.NewAgent(cfg.Extraction),
		Analysis:   analysis.NewAgent(cfg.Analysis, a.ollama),
		Selector:   strategy.NewSelector(cfg),
		Retry:      strategy.NewPolicy(cfg.Retry),
		Aggregator: aggregator.New(cfg.Aggregation),
		Sinks:      []core.ResultSink{a.index},
	}

	if !ephemeral {
		if a.store, err = store.New(ctx, cfg.Storage.Postgres); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		deps.Sinks = append(deps.Sinks, a.store)
		deps.Archive = a.store

		if a.redis, err = runtime.ConnectRedis(ctx, cfg.Storage.Redis); err != nil {
			return nil, err
		}
		if cfg.Queue.Enabled {
			q := cfg.Queue.Normalize()
			pub := streams.NewPublisher(a.redis, a.registry, q.MaxLen)
			deps.Sinks = append(deps.Sinks, streams.NewCompletionSink(pub, q.CompletedStream))
		}
	} else {
		a.logger.Printf("ephemeral mode: results are kept in memory only")
	}

	if a.orch, err = core.NewOrchestrator(cfg, log.New(os.Stdout, "[ORCH] ", log.LstdFlags), a.tel, deps); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	ok = true
	return a, nil
}

// checks are the readiness probes for whatever this process depends on.
func (a *app) checks() map[string]server.Check {
	out := map[string]server.Check{
		"analysis": a.ollama.Ping,
	}
	if a.redis != nil {
		out["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.store != nil {
		out["postgres"] = a.store.Ping
	}
	return out
}

// queueBacklog is nil when there is no queue to report on.
func (a *app) queueBacklog() func(ctx context.Context) (streams.Backlog, error) {
	if a.redis == nil || !a.cfg.Queue.Enabled {
		return nil
	}
	q := a.cfg.Queue.Normalize()
	return streams.NewConsumer(a.redis, a.registry, q.RequestedStream, q.Group, "").Backlog
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.tel != nil {
		a.tel.Shutdown()
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Printf("shutdown: %v", err)
	}
}
