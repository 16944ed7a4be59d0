package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/pipewright/internal/config"
	"github.com/alexisbeaulieu97/pipewright/internal/engine"
	"github.com/alexisbeaulieu97/pipewright/internal/engine/strategy"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/metrics"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/store/memory"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/store/sqlstore"
	"github.com/alexisbeaulieu97/pipewright/internal/infrastructure/tasks"
	"github.com/alexisbeaulieu97/pipewright/internal/interrupt"
	"github.com/alexisbeaulieu97/pipewright/internal/ports"
)

// Runtime owns every long-lived component of a pipewright process: the
// store, the bus, the task pool, the engine and the interrupt service.
type Runtime struct {
	Config     config.Config
	Store      ports.ExecutionStore
	Broker     *events.Broker
	Producers  *events.ProducerCache
	Tasks      *tasks.Pool
	Engine     *engine.Engine
	Interrupts *interrupt.Service
	Events     *events.LoggingPublisher
	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Collector

	hub    *events.ObserverHub
	logger ports.Logger
}

type runtimeOptions struct {
	store      ports.ExecutionStore
	strategies []strategy.Strategy
	executors  map[string]tasks.Executor
	registry   *prometheus.Registry
}

// Option customises NewRuntime.
type Option func(*runtimeOptions)

// WithStore replaces the store selected by the configuration.
func WithStore(store ports.ExecutionStore) Option {
	return func(o *runtimeOptions) { o.store = store }
}

// WithStrategies registers additional step types.
func WithStrategies(strategies ...strategy.Strategy) Option {
	return func(o *runtimeOptions) { o.strategies = append(o.strategies, strategies...) }
}

// WithTaskExecutor registers an executor on the task pool.
func WithTaskExecutor(taskType string, executor tasks.Executor) Option {
	return func(o *runtimeOptions) {
		if o.executors == nil {
			o.executors = make(map[string]tasks.Executor)
		}
		o.executors[taskType] = executor
	}
}

// WithMetricsRegistry collects metrics into registry instead of a fresh one.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(o *runtimeOptions) { o.registry = registry }
}

// NewRuntime wires the components described by cfg. Nothing consumes
// messages until Run is called.
func NewRuntime(ctx context.Context, cfg config.Config, logger ports.Logger, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNoOp(logger)
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg, logger: logger.With("component", "runtime")}

	locker, err := rt.openStore(ctx, o.store)
	if err != nil {
		return nil, err
	}

	rt.Broker = events.NewBroker(events.BrokerOptions{
		Workers:           cfg.Engine.Workers,
		MaxDeliveries:     cfg.Events.MaxDeliveries,
		RedeliveryBackoff: cfg.Events.RedeliveryBackoff,
	}, logger.With("component", "broker"))
	rt.Producers = events.NewProducerCache(rt.Broker, cfg.TopicTable())

	rt.Tasks = tasks.NewPool(tasks.Options{
		Workers:        cfg.Tasks.Workers,
		DefaultTimeout: cfg.Tasks.DefaultTimeout,
	}, logger.With("component", "tasks"))
	if err := tasks.RegisterBuiltins(rt.Tasks); err != nil {
		return nil, rt.abort(err)
	}
	if cfg.Tasks.EnableCommand {
		if err := rt.Tasks.Register(tasks.TaskCommand, tasks.Command); err != nil {
			return nil, rt.abort(err)
		}
	}
	for taskType, executor := range o.executors {
		if err := rt.Tasks.Register(taskType, executor); err != nil {
			return nil, rt.abort(err)
		}
	}

	registry := strategy.DefaultRegistry()
	for _, s := range o.strategies {
		if err := registry.Register(s); err != nil {
			return nil, rt.abort(err)
		}
	}

	rt.Events = events.NewLoggingPublisher(logger.With("component", "events"))
	rt.hub = events.NewObserverHub(rt.Events, logger, 0)
	if cfg.Metrics.Enabled {
		promRegistry := o.registry
		if promRegistry == nil {
			promRegistry = prometheus.NewRegistry()
		}
		rt.Metrics = metrics.NewCollector(promRegistry, logger)
		if _, err := metrics.NewRecorder(rt.Metrics).Attach(rt.Events); err != nil {
			return nil, rt.abort(err)
		}
	}

	rt.Engine, err = engine.New(engine.Dependencies{
		Store:      rt.Store,
		Strategies: registry,
		Producers:  rt.Producers,
		Locker:     locker,
		Tasks:      rt.Tasks,
		Observer:   rt.hub,
		Logger:     logger,
	},
		engine.WithCASPolicy(cfg.Engine.CASMaxAttempts, cfg.Engine.CASBackoff),
		engine.WithLockTTL(cfg.Engine.LockTTL),
	)
	if err != nil {
		return nil, rt.abort(err)
	}
	rt.Tasks.SetSink(rt.Engine)

	rt.Interrupts, err = interrupt.New(interrupt.Dependencies{
		Engine:    rt.Engine,
		Producers: rt.Producers,
		Events:    rt.Events,
		Logger:    logger,
	})
	if err != nil {
		return nil, rt.abort(err)
	}

	if err := rt.subscribe(); err != nil {
		return nil, rt.abort(err)
	}
	return rt, nil
}

func (r *Runtime) openStore(ctx context.Context, store ports.ExecutionStore) (ports.Locker, error) {
	if store != nil {
		r.Store = store
		return lock.NewKeyedLocker(), nil
	}

	storage := r.Config.Storage
	switch storage.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:         sqlstore.Dialect(storage.Driver),
			DSN:             storage.DSN,
			MaxOpenConns:    storage.MaxOpenConns,
			MaxIdleConns:    storage.MaxIdleConns,
			ConnMaxLifetime: storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", storage.Driver, err)
		}
		r.Store = db
		return sqlstore.NewLeaseLocker(db, r.Config.Engine.LockWait), nil
	default:
		r.Store = memory.New()
		return lock.NewKeyedLocker(), nil
	}
}

// subscribe attaches the engine and the interrupt service to the topics
// their producers resolve to.
func (r *Runtime) subscribe() error {
	table := r.Config.TopicTable()
	topic := func(category ports.EventCategory, module string) string {
		if name := table[category][module]; name != "" {
			return name
		}
		return events.DefaultTopic(category, module)
	}
	if err := r.Broker.Subscribe(topic(ports.CategoryOrchestration, r.Engine.Module()), r.Engine.Handle); err != nil {
		return err
	}
	return r.Broker.Subscribe(topic(ports.CategoryInterrupt, r.Interrupts.Module()), r.Interrupts.Handle)
}

// Run consumes bus messages and tasks until ctx is cancelled. Unfinished
// work found in the store is rescheduled first.
func (r *Runtime) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.Broker.Run(groupCtx) })
	group.Go(func() error { return r.Tasks.Run(groupCtx) })

	if n, err := r.Engine.Recover(groupCtx); err != nil {
		r.logger.Error(groupCtx, "recovery incomplete", "recovered", n, "error", err)
	}
	return group.Wait()
}

// WaitIdle blocks until the bus has nothing queued or in flight, and every
// observer event was published.
func (r *Runtime) WaitIdle(ctx context.Context) error {
	if err := r.Broker.WaitIdle(ctx); err != nil {
		return err
	}
	r.hub.Flush()
	return nil
}

// Service returns an execution service backed by the runtime.
func (r *Runtime) Service(loader ports.PlanLoader) *Service {
	return New(Dependencies{
		Engine:     r.Engine,
		Interrupts: r.Interrupts,
		Loader:     loader,
		Logger:     r.logger,
	})
}

// Close drains observer delivery and closes the store.
func (r *Runtime) Close() error {
	if r.hub != nil {
		r.hub.Close()
	}
	if r.Store != nil {
		return r.Store.Close()
	}
	return nil
}

func (r *Runtime) abort(err error) error {
	return errors.Join(err, r.Close())
}
