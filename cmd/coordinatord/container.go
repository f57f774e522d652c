package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wonderhq/coordinator/common/bootstrap"
	commonredis "github.com/wonderhq/coordinator/common/redis"
	"github.com/wonderhq/coordinator/common/ratelimit"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/actionexec"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/actor"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/condition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/definition"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/events"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/resource"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/runmanager"
	"github.com/wonderhq/coordinator/internal/wfcoordinator/token"
)

// container wires every coordinator dependency exactly once: services
// are constructed here and handed to routes as constructor arguments,
// never looked up by name.
type container struct {
	components  *bootstrap.Components
	svc         resource.Service
	loader      *definition.Loader
	hub         *events.Hub
	manager     *runmanager.Manager
	redisHealth *commonredis.Client    // nil if Redis is disabled
	rateLimiter *ratelimit.RateLimiter // nil if Redis is disabled
}

func newContainer(ctx context.Context, c *bootstrap.Components) (*container, error) {
	var svc resource.Service
	if c.DB != nil {
		pg, err := resource.NewPostgresService(ctx, c.DB)
		if err != nil {
			return nil, fmt.Errorf("init postgres resource service: %w", err)
		}
		svc = pg
	} else {
		svc = resource.NewMemoryService()
	}

	loader := definition.New(resource.DefinitionSource{Svc: svc}, c.Logger)

	hub := events.NewHub()

	actions := actionexec.NewRegistry()
	actions.Register("mock", actionexec.NewMockExecutor())
	if c.Config.Features.EnableHTTPActions {
		httpExec := actionexec.NewHTTPExecutor().WithRateLimit(20, 10)
		actions.Register("http", httpExec)
	}

	eval, err := condition.New()
	if err != nil {
		return nil, fmt.Errorf("init condition evaluator: %w", err)
	}

	var counter token.Counter
	var redisHealth *commonredis.Client
	var rateLimiter *ratelimit.RateLimiter
	if c.Config.Redis.Enabled {
		rc := goredis.NewClient(&goredis.Options{Addr: c.Config.Redis.Addr})
		counter = token.NewRedisCounter(rc)
		redisHealth = commonredis.NewClient(rc, c.Logger)
		rateLimiter = ratelimit.NewRateLimiter(rc, c.Logger)
	}

	cfg := actor.Config{
		PoolSize:             8,
		MaxFanout:            c.Config.Coordinator.MaxFanout,
		SnapshotMinWrites:    c.Config.Coordinator.SnapshotMinWrites,
		SnapshotMinInterval:  durationMs(c.Config.Coordinator.SnapshotMinIntervalMs),
		SubscriberBufferSize: c.Config.Coordinator.SubscriberBufferSize,
	}

	var metrics runmanager.Metrics
	if c.Telemetry != nil {
		metrics = c.Telemetry.Metrics
	}

	manager := runmanager.New(loader, svc, hub, actions, eval, c.Queue, counter, cfg, c.Logger, metrics)

	return &container{
		components:  c,
		svc:         svc,
		loader:      loader,
		hub:         hub,
		manager:     manager,
		redisHealth: redisHealth,
		rateLimiter: rateLimiter,
	}, nil
}
