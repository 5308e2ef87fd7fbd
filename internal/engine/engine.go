// Copyright 2026 The Forge Control Plane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine wires the core components (A-J) into one process and
// implements the §6.1 Enqueue API the external HTTP/CLI collaborators
// call into. No direct teacher analog — the teacher's equivalent wiring
// lives spread across cmd/conductord and internal/daemon; this package is
// the single construction point SPEC_FULL.md's cmd/controlplaned needs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/forgeline/controlplane/internal/automaterialize"
	"github.com/forgeline/controlplane/internal/engineconfig"
	"github.com/forgeline/controlplane/internal/eventbus"
	"github.com/forgeline/controlplane/internal/eventscheduler"
	"github.com/forgeline/controlplane/internal/jobruntime"
	"github.com/forgeline/controlplane/internal/leader"
	"github.com/forgeline/controlplane/internal/queue"
	"github.com/forgeline/controlplane/internal/scaling"
	"github.com/forgeline/controlplane/internal/scheduleleader"
	"github.com/forgeline/controlplane/internal/store"
	"github.com/forgeline/controlplane/internal/store/memory"
	"github.com/forgeline/controlplane/internal/store/postgres"
	"github.com/forgeline/controlplane/internal/store/sqlite"
	"github.com/forgeline/controlplane/internal/telemetry"
	"github.com/forgeline/controlplane/internal/util"
	"github.com/forgeline/controlplane/internal/workflow"
)

// Engine owns every in-process component and exposes the enqueue API
// contracts of spec §6.1 to the (out-of-scope) HTTP/CLI collaborators.
type Engine struct {
	Store     store.Store
	Bus       *eventbus.Bus
	Queue     *queue.Manager
	Telemetry *telemetry.Provider

	Jobs         *jobruntime.Registry
	JobEngine    *jobruntime.Engine
	Orchestrator *workflow.Orchestrator
	Events       *eventscheduler.Service
	Materializer *automaterialize.Materializer
	Leader       *leader.Elector
	Schedules    *scheduleleader.Materializer
	Scaling      *scaling.Agent

	logger *slog.Logger
	cancel context.CancelFunc
}

// enqueuer adapts Engine.EnqueueWorkflowRun to the identical Enqueuer
// interface each of eventscheduler, automaterialize, and scheduleleader
// declares independently, one small adapter satisfying all three.
type enqueuer struct{ e *Engine }

func (w enqueuer) EnqueueWorkflowRun(ctx context.Context, runID string) error {
	return w.e.EnqueueWorkflowRun(ctx, runID)
}

// New constructs every component per cfg but does not start any
// background loops; call Start for that.
func New(cfg engineconfig.Config, services ServiceDirectory, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := buildStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("engine: build store: %w", err)
	}

	bus := eventbus.New(logger)

	reg := prometheus.NewRegistry()
	provider, err := telemetry.NewProvider(reg)
	if err != nil {
		return nil, fmt.Errorf("engine: build telemetry provider: %w", err)
	}
	provider.Registry.Subscribe(bus)

	var redisClient *redis.Client
	mode := queue.Mode(cfg.Queue.Mode)
	if mode == queue.ModeDistributed {
		if cfg.Queue.RedisAddr == "" {
			return nil, fmt.Errorf("engine: distributed queue mode requires queue.redisAddr")
		}
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	}
	qm := queue.NewManager(queue.ManagerConfig{
		Mode:           mode,
		RedisClient:    redisClient,
		DefaultRetries: cfg.Queue.DefaultRetries,
	}, bus, logger)

	jobRegistry := jobruntime.NewRegistry()
	jobEngine := jobruntime.NewEngine(backend, backend, jobRegistry, bus, &QueueRetryScheduler{Manager: qm}, logger)
	dispatcher := &QueueJobDispatcher{Runs: backend, Manager: qm}

	runJobConsumer := func(ctx context.Context, job *queue.Job) error {
		runID, _ := job.Payload["runID"].(string)
		_, err := jobEngine.ExecuteJobRun(ctx, runID)
		return err
	}
	for _, kw := range []string{
		queue.KeywordJobStep,
		queue.KeywordIngest,
		queue.KeywordBuild,
		queue.KeywordLaunch,
		queue.KeywordExampleBundle,
	} {
		if err := qm.Register(kw, 8, runJobConsumer); err != nil {
			return nil, fmt.Errorf("engine: register %q queue: %w", kw, err)
		}
	}

	orchestrator := &workflow.Orchestrator{
		Defs:    backend,
		JobDefs: backend,
		Runs:    backend,
		Steps:   backend,
		Assets:  backend,

		Jobs:     dispatcher,
		Services: NewHTTPServiceClient(services, nil),
		Secrets:  EnvSecretResolver{},

		Bus:    bus,
		Logger: logger,
	}

	if err := qm.Register(queue.KeywordWorkflow, 8, func(ctx context.Context, job *queue.Job) error {
		runID, _ := job.Payload["runID"].(string)
		_, err := orchestrator.Run(ctx, runID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("engine: register workflow queue: %w", err)
	}

	e := &Engine{
		Store:        backend,
		Bus:          bus,
		Queue:        qm,
		Telemetry:    provider,
		Jobs:         jobRegistry,
		JobEngine:    jobEngine,
		Orchestrator: orchestrator,
		logger:       logger.With(slog.String("component", "engine")),
	}

	if err := qm.Register(queue.KeywordEvent, 4, func(ctx context.Context, job *queue.Job) error {
		envelope, _ := job.Payload["envelope"].(store.EventEnvelope)
		_, err := e.Events.Ingest(ctx, envelope)
		return err
	}); err != nil {
		return nil, fmt.Errorf("engine: register event queue: %w", err)
	}
	if err := qm.Register(queue.KeywordEventTrigger, 4, func(ctx context.Context, job *queue.Job) error {
		envelope, _ := job.Payload["envelope"].(store.EventEnvelope)
		_, err := e.Events.Ingest(ctx, envelope)
		return err
	}); err != nil {
		return nil, fmt.Errorf("engine: register event-trigger queue: %w", err)
	}

	e.Events = eventscheduler.NewService(eventscheduler.Config{
		Triggers:    backend,
		Runs:        backend,
		Enqueue:     enqueuer{e},
		RateLimiter: eventscheduler.NewRateLimiter(),
		Metrics:     eventscheduler.NewMetricsRegistry(),
		Bus:         bus,
		Logger:      logger,
	})

	e.Materializer = automaterialize.NewMaterializer(automaterialize.Config{
		Store:           backend,
		Enqueue:         enqueuer{e},
		Bus:             bus,
		Logger:          logger,
		BaseBackoff:     time.Second,
		MaxBackoff:      5 * time.Minute,
		RefreshInterval: time.Minute,
	})

	ownerID := uuid.NewString()
	e.Leader = leader.NewElector(leader.Config{
		Locks:         backend,
		Namespace:     cfg.Leader.Namespace,
		ID:            "singleton",
		OwnerID:       ownerID,
		RetryInterval: orDefault(cfg.Leader.RetryInterval, 5*time.Second),
		Bus:           bus,
		Logger:        logger,
	})

	e.Schedules = scheduleleader.NewMaterializer(scheduleleader.Config{
		Schedules:    backend,
		Runs:         backend,
		Locks:        backend,
		Enqueue:      enqueuer{e},
		Elector:      e.Leader,
		Bus:          bus,
		Logger:       logger,
		OwnerID:      ownerID,
		PollInterval: orDefault(cfg.Leader.PollInterval, 10*time.Second),
	})

	var targets []scaling.TargetConfig
	var seenKeys []string
	for _, t := range cfg.Scaling {
		if util.Contains(seenKeys, t.Key) {
			logger.Warn("duplicate scaling target key in config, keeping first", slog.String("key", t.Key))
			continue
		}
		seenKeys = append(seenKeys, t.Key)
		targets = append(targets, scaling.TargetConfig{
			Key: t.Key, QueueName: t.QueueName, Default: t.Default,
			Min: t.Min, Max: t.Max, RateLimitMs: t.RateLimitMs,
		})
	}
	e.Scaling = scaling.New(qm, targets, bus, logger)

	return e, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func buildStore(cfg engineconfig.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: cfg.SQLiteWAL})
	case "postgres":
		return postgres.New(postgres.Config{ConnectionString: cfg.PostgresDSN})
	default:
		return nil, fmt.Errorf("engine: unknown store backend %q", cfg.Backend)
	}
}

// RegisterJobHandler implements the §6.2 contract: job definitions declare
// a slug, handlers are registered against it once at process init.
func (e *Engine) RegisterJobHandler(slug string, handler jobruntime.Handler) {
	e.Jobs.RegisterHandler(slug, handler)
}

// Start launches every background loop (leader election, schedule
// materialization, auto-materializer graph refresh, scaling agent) under a
// context derived from ctx, which Stop cancels.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.Leader.Start(ctx)
	e.Schedules.Start(ctx)
	e.Materializer.Start(ctx)
	e.Scaling.Start()
}

// Stop releases leadership, stops the scaling agent, drains queue workers,
// and flushes telemetry.
func (e *Engine) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.Leader.Stop()
	e.Scaling.Stop()
	e.Queue.CloseAll()
	_ = e.Telemetry.Shutdown(ctx)
	_ = e.Store.Close()
}
