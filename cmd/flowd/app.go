package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bizportal/flowd/internal/actions"
	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/internal/httpapi"
	"github.com/bizportal/flowd/internal/locks"
	"github.com/bizportal/flowd/internal/metrics"
	"github.com/bizportal/flowd/internal/notify"
	"github.com/bizportal/flowd/internal/scheduler"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/timers"
	"github.com/bizportal/flowd/internal/triggers"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/internal/workers"
	flowmcp "github.com/bizportal/flowd/pkg/mcp"
	"github.com/bizportal/flowd/pkg/schema"
)

const (
	notifyWorkers  = 4
	channelWebhook = "webhook"
)

// app is a fully wired engine process.
type app struct {
	cfg    Config
	logger *slog.Logger

	store      *store.LibSQLStore
	redis      *redis.Client
	bus        events.Bus
	defs       *definitions.Store
	timers     *timers.Scheduler
	dispatcher *notify.Dispatcher
	notifyPool *workers.Pool
	manager    *engine.Manager
	intake     *triggers.Intake
	cron       *scheduler.Scheduler
	mcp        *flowmcp.FlowServer
	api        *httpapi.Server
}

// newApp opens storage and wires every component. Nothing runs until start.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	wired := false
	defer func() {
		if !wired {
			a.close()
		}
	}()

	var err error
	if !strings.Contains(cfg.DBPath, "://") {
		path := strings.TrimPrefix(cfg.DBPath, "file:")
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create data dir: %w", mkErr)
		}
	}
	if a.store, err = store.NewLibSQLStore(cfg.dsn()); err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rec, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("expressions: %w", err)
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("json schema: %w", err)
	}

	httpCfg := actions.HTTPConfig{UserAgent: "flowd/" + version}
	registry := actions.NewRegistry(logger)
	if err = actions.RegisterBuiltins(registry, exprs, schemas, httpCfg); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	validator, err := validation.NewDefinitionValidator(exprs, registry)
	if err != nil {
		return nil, fmt.Errorf("definition validator: %w", err)
	}
	a.defs = definitions.NewStore(a.store, validator, logger)

	clk := clock.Real{}
	a.timers = timers.NewScheduler(a.store, clk, logger)

	var locker locks.Locker = locks.NewLocal()
	a.bus = events.NewMemoryBus(0)
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		locker = locks.NewRedisLocker(a.redis, locks.RedisOptions{}, logger)
		a.bus = events.NewRedisBus(a.redis, "", logger)
	}

	a.notifyPool = workers.New("notifications", notifyWorkers, logger)
	a.dispatcher = notify.NewDispatcher(a.notifyPool, notify.Options{Logger: logger, Metrics: rec})
	if cfg.NotifyWebhookURL != "" {
		a.dispatcher.Route(channelWebhook, notify.NewWebhookSender(cfg.NotifyWebhookURL, nil, httpCfg))
	}
	if a.redis != nil {
		// Portal mail and chat services consume the remaining channels.
		a.dispatcher.SetFallback(notify.NewRedisSender(a.redis, ""))
	}

	reg, err := steps.NewRegistry(steps.Deps{
		Invoker:    registry,
		Dispatcher: a.dispatcher,
		Waits:      a.timers,
		Records:    a.store,
		Exprs:      exprs,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("step registry: %w", err)
	}

	a.manager = engine.NewManager(engine.Deps{
		Store:       a.store,
		Definitions: a.defs,
		Steps:       reg,
		Timers:      a.timers,
		Locker:      locker,
		Dispatcher:  a.dispatcher,
		Bus:         a.bus,
		Metrics:     rec,
		Clock:       clk,
		Logger:      logger,
	}, engine.ManagerConfig{PoolSize: cfg.PoolSize})
	if err = rec.ObservePool("instances", a.manager.Pool()); err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}
	if err = rec.ObservePool("notifications", a.notifyPool); err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}

	a.intake = triggers.NewIntake(a.manager, a.defs, a.bus, schemas, logger)
	a.cron = scheduler.NewScheduler(a.store, a.intake, clk, cfg.SchedulerInterval, logger)
	a.intake.SetSchedules(a.cron)

	a.mcp = flowmcp.NewFlowServer(flowmcp.FlowServerDeps{
		Engine:      a.manager,
		Definitions: a.defs,
		Triggers:    a.intake,
		Events:      a.store,
		Logger:      logger,
	})
	a.dispatcher.Route(flowmcp.ChannelMCP, flowmcp.NewNotifier(a.mcp))

	a.api = httpapi.New(httpapi.Deps{
		Engine:      a.manager,
		Definitions: a.defs,
		Triggers:    a.intake,
		Bus:         a.bus,
		MCP:         a.mcp.HTTPHandler(),
		Logger:      logger,
	})
	wired = true
	return a, nil
}

// start brings components up in dependency order. The manager must consume
// fires before the timer scheduler produces them.
func (a *app) start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	if err := a.seedDefinitions(ctx); err != nil {
		return err
	}
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := a.timers.Start(ctx); err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	if err := a.intake.SyncSchedules(ctx); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	missed, err := a.cron.RecoverMissed(ctx)
	if err != nil {
		return fmt.Errorf("missed schedules: %w", err)
	}
	if missed > 0 {
		a.logger.Info("ran missed scheduled triggers", slog.Int("count", missed))
	}
	if err := a.cron.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.intake.Start(ctx); err != nil {
		return fmt.Errorf("trigger intake: %w", err)
	}
	a.logger.Info("flowd started",
		slog.String("db", a.cfg.DBPath),
		slog.Bool("redis", a.redis != nil),
		slog.Int("pool_size", a.cfg.PoolSize))
	return nil
}

// stop halts producers before consumers, then releases storage.
func (a *app) stop() {
	a.intake.Stop()
	a.cron.Stop()
	a.timers.Stop()
	a.manager.Stop()
	a.dispatcher.Stop()
	a.notifyPool.Shutdown()
	a.close()
}

func (a *app) close() {
	if rb, ok := a.bus.(*events.RedisBus); ok {
		if err := rb.Close(); err != nil {
			a.logger.Warn("close event bus", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

// seedDefinitions publishes the files in definitions_dir. A file identical
// to the latest published version is skipped, so restarts do not mint
// new versions.
func (a *app) seedDefinitions(ctx context.Context) error {
	if a.cfg.DefinitionsDir == "" {
		return nil
	}
	defs, err := definitions.LoadDir(a.cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	for _, def := range defs {
		latest, err := a.defs.Get(ctx, def.ID, 0)
		switch {
		case err == nil && sameDefinition(latest, def):
			continue
		case err != nil && !schema.IsCode(err, schema.ErrCodeNotFound):
			return err
		}
		res, err := a.defs.Publish(ctx, def)
		if err != nil {
			return fmt.Errorf("publish %s: %w", def.ID, err)
		}
		for _, w := range res.Warnings {
			a.logger.Warn("definition warning",
				slog.String("definition", res.Ref.String()),
				slog.String("message", w.Message))
		}
	}
	return nil
}

// sameDefinition compares content, ignoring publish metadata.
func sameDefinition(a, b *schema.WorkflowDefinition) bool {
	return bytesEqualJSON(contentOf(a), contentOf(b))
}

func contentOf(d *schema.WorkflowDefinition) schema.WorkflowDefinition {
	c := *d
	c.Version = 0
	c.PublishedAt = time.Time{}
	c.CreatedBy = ""
	return c
}

func bytesEqualJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
