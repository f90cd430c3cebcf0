// Package mockstate is the stateful mock decision engine. An Engine decides
// how each request to a simulated API is answered and, for stateful mocks,
// drives the per-resource state machine backed by the virtual entity store.
package mockstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-mockstate/clock"
	"github.com/goliatone/go-mockstate/config"
	"github.com/goliatone/go-mockstate/disposition"
	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

// Engine wires the disposition chain, the state machine registry, the
// instance tracker, the executor and the entity store.
type Engine struct {
	cfg      config.Config
	logger   logging.Logger
	clock    clock.Clock
	store    store.Store
	registry *scenario.Registry
	tracker  *scenario.Tracker
	executor *scenario.Executor
	chain    *disposition.Chain
	recorder *disposition.MemoryRecorder
	sweeper  *store.Sweeper
	sink     *scenario.AsyncSink
	gatherer prometheus.Gatherer
	closers  []func() error

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	logger     logging.Logger
	clock      clock.Clock
	store      store.Store
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	sinks      []scenario.Sink
}

// WithLogger overrides the logger built from the logging config.
func WithLogger(logger logging.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithClock injects the clock used by the store, tracker and recorder.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithStore uses st instead of the configured backend. The engine does not
// close it.
func WithStore(st store.Store) Option {
	return func(o *engineOptions) { o.store = st }
}

// WithPrometheus registers metrics with reg and exposes gatherer through
// Gatherer. Without it the engine uses a private registry.
func WithPrometheus(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *engineOptions) {
		o.registerer = reg
		o.gatherer = gatherer
	}
}

// WithEventSink adds a sink that receives lifecycle events.
func WithEventSink(sink scenario.Sink) Option {
	return func(o *engineOptions) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// New builds an engine from cfg. Bundles named in cfg are imported before
// New returns.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	e := &Engine{cfg: cfg, clock: clock.Default(o.clock)}
	if o.logger != nil {
		e.logger = o.logger
	} else {
		logger, err := logging.New(cfg.Logging.Format, cfg.Logging.Level, os.Stdout)
		if err != nil {
			return nil, err
		}
		e.logger = logger
	}

	if o.registerer == nil {
		reg := prometheus.NewRegistry()
		o.registerer, o.gatherer = reg, reg
	}
	e.gatherer = o.gatherer

	if err := e.openStore(ctx, o.store); err != nil {
		return nil, err
	}

	e.registry = scenario.NewRegistry(scenario.WithRegistryLogger(e.logger))
	e.tracker = scenario.NewTracker(e.store, e.registry,
		scenario.WithTrackerClock(e.clock),
		scenario.WithTrackerLogger(e.logger),
		scenario.WithNowInGuards(cfg.Executor.InjectNow),
	)
	e.registry.OnDelete(func(ctx context.Context, resourceType string) error {
		n, err := e.tracker.ResetAll(ctx, resourceType)
		if err == nil && n > 0 {
			e.logger.Info("dropped %d instances of deleted state machine %s", n, resourceType)
		}
		return err
	})

	metrics := scenario.NewMetrics(o.registerer)
	sink, err := e.buildSink(ctx, metrics, o.sinks)
	if err != nil {
		_ = e.closeAll()
		return nil, err
	}

	execOpts := []scenario.ExecutorOption{
		scenario.WithSink(sink),
		scenario.WithMetrics(metrics),
		scenario.WithExecutorLogger(e.logger),
		scenario.WithStaleRetries(cfg.Executor.StaleRetries),
		scenario.WithStepBudget(cfg.Executor.StepBudget),
	}
	if cfg.Executor.RetryBase > 0 {
		execOpts = append(execOpts, scenario.WithRetryStrategy(scenario.ExponentialBackoffStrategy{
			Base:   cfg.Executor.RetryBase,
			Factor: 2,
			Max:    cfg.Executor.RetryMax,
		}))
	}
	e.executor = scenario.NewExecutor(e.tracker, execOpts...)

	for _, path := range cfg.Bundles {
		if _, err := e.ImportFile(path); err != nil {
			_ = e.closeAll()
			return nil, err
		}
	}

	if err := e.buildChain(o.registerer); err != nil {
		_ = e.closeAll()
		return nil, err
	}
	e.recorder = disposition.NewMemoryRecorder(cfg.Chain.RecorderCapacity, e.clock)

	if cfg.Sweep.Enabled {
		sweepOpts := []store.SweeperOption{store.WithSweepLogger(e.logger)}
		if cfg.Sweep.Timeout > 0 {
			sweepOpts = append(sweepOpts, store.WithSweepTimeout(cfg.Sweep.Timeout))
		}
		sweeper, err := store.NewSweeper(e.store, cfg.Sweep.Schedule, sweepOpts...)
		if err != nil {
			_ = e.closeAll()
			return nil, err
		}
		e.sweeper = sweeper
	}
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, st store.Store) error {
	if st != nil {
		e.store = st
		return nil
	}
	storeOpts := []store.Option{store.WithClock(e.clock)}
	if e.cfg.Store.Prefix != "" {
		storeOpts = append(storeOpts, store.WithPrefix(e.cfg.Store.Prefix))
	}
	switch e.cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := store.OpenSQLite(ctx, e.cfg.Store.DSN, storeOpts...)
		if err != nil {
			return err
		}
		e.store = s
		e.closers = append(e.closers, s.Close)
	case config.BackendRedis:
		s, client, err := store.OpenRedis(ctx, e.cfg.Store.RedisURL, storeOpts...)
		if err != nil {
			return err
		}
		e.store = s
		e.closers = append(e.closers, client.Close)
	default:
		e.store = store.NewMemoryStore(storeOpts...)
	}
	return nil
}

func (e *Engine) buildSink(ctx context.Context, metrics *scenario.Metrics, extra []scenario.Sink) (scenario.Sink, error) {
	sinks := append([]scenario.Sink(nil), extra...)
	if rc := e.cfg.Events.Redis; rc.Enabled {
		parsed, err := goredis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("events: invalid redis url: %w", err)
		}
		client := goredis.NewClient(parsed)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("events: redis ping failed: %w", err)
		}
		e.closers = append(e.closers, client.Close)
		sinks = append(sinks, scenario.NewRedisSink(client, rc.Channel, e.logger))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	e.sink = scenario.NewAsyncSink(scenario.MultiSink(sinks), e.cfg.Events.Workers, e.cfg.Events.QueueSize,
		scenario.WithDropHandler(metrics.EventDropped),
		scenario.WithSinkLogger(e.logger),
	)
	return e.sink, nil
}

func (e *Engine) buildChain(reg prometheus.Registerer) error {
	cc := e.cfg.Chain
	fixtures := append([]disposition.Fixture(nil), cc.Fixtures...)
	for _, path := range cc.FixtureFiles {
		loaded, err := disposition.LoadFixtures(path)
		if err != nil {
			return err
		}
		fixtures = append(fixtures, loaded...)
	}
	index, err := disposition.NewFixtureIndex(fixtures)
	if err != nil {
		return err
	}
	fail, err := disposition.NewFailStage(cc.Faults)
	if err != nil {
		return err
	}
	proxy, err := disposition.NewProxyStage(cc.Proxies)
	if err != nil {
		return err
	}
	stateful, err := disposition.NewStatefulMockStage(e.registry, cc.Stateful)
	if err != nil {
		return err
	}
	e.chain = disposition.NewChain(disposition.Stages{
		Replay:       disposition.NewReplayStage(index),
		Fail:         fail,
		Proxy:        proxy,
		StatefulMock: stateful,
	},
		disposition.WithChainLogger(e.logger),
		disposition.WithChainMetrics(disposition.NewMetrics(reg)),
		disposition.WithFingerprintHeaders(cc.FingerprintHeaders...),
	)
	return nil
}

// Start launches background work: the expiry sweeper when enabled.
func (e *Engine) Start(ctx context.Context) error {
	if e.sweeper == nil {
		return nil
	}
	return e.sweeper.Start(ctx)
}

// Close stops background work, drains pending events and closes the
// backends the engine opened. Later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if e.sweeper != nil {
			if err := e.sweeper.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if e.sink != nil {
			e.sink.Close()
		}
		if err := e.closeAll(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Logger returns the engine logger.
func (e *Engine) Logger() logging.Logger { return e.logger }

// Store returns the entity store.
func (e *Engine) Store() store.Store { return e.store }

// Registry returns the state machine registry.
func (e *Engine) Registry() *scenario.Registry { return e.registry }

// Tracker returns the instance tracker.
func (e *Engine) Tracker() *scenario.Tracker { return e.tracker }

// Executor returns the transition executor.
func (e *Engine) Executor() *scenario.Executor { return e.executor }

// Chain returns the disposition chain.
func (e *Engine) Chain() *disposition.Chain { return e.chain }

// Recorder returns the request recorder.
func (e *Engine) Recorder() *disposition.MemoryRecorder { return e.recorder }

// Gatherer exposes the metrics registry.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.gatherer }
