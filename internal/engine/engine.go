// Package engine assembles the job store, memory manager, backend pool,
// artifact cache and scheduler from configuration and serves them to the
// HTTP layer.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"inferq/internal/artifact"
	"inferq/internal/backend"
	"inferq/internal/common/fsutil"
	"inferq/internal/config"
	"inferq/internal/events"
	"inferq/internal/httpapi"
	"inferq/internal/jobs"
	"inferq/internal/memory"
	"inferq/internal/metrics"
	"inferq/internal/pool"
	"inferq/internal/scheduler"
)

// State is the engine lifecycle state reported by /status.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrStopped is returned by Submit once Close has begun.
var ErrStopped = stoppedError{}

type stoppedError struct{}

func (stoppedError) Error() string   { return "engine is stopped" }
func (stoppedError) StatusCode() int { return http.StatusServiceUnavailable }

var (
	_ httpapi.Service       = (*Engine)(nil)
	_ httpapi.EventStreamer = (*Engine)(nil)
)

// Options override pieces New would otherwise build from config.
type Options struct {
	Logger zerolog.Logger
	// Registerer receives the engine collectors; nil leaves metrics off.
	Registerer prometheus.Registerer
	// Publisher also receives every engine event, next to the websocket hub.
	Publisher events.Publisher
	// Store replaces the configured job store. The engine closes it.
	Store     jobs.Store
	Processor scheduler.Processor[*backend.Conn]
	// Telemetry replaces the configured memory telemetry.
	Telemetry memory.Telemetry
}

// Engine owns every manager for one inferq process.
type Engine struct {
	cfg     config.Config
	log     zerolog.Logger
	started time.Time
	state   atomic.Value // State

	store     jobs.Store
	memory    *memory.Manager
	pool      *pool.Pool[*backend.Conn]
	cache     *artifact.Cache
	scheduler *scheduler.Scheduler[*backend.Conn]
	hub       *events.Hub
	publisher events.Publisher

	warmCancel context.CancelFunc
	warmDone   sync.WaitGroup
	closeOnce  sync.Once
}

// New builds every manager from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Engine, err error) {
	log := opts.Logger
	e := &Engine{cfg: cfg, log: log.With().Str("component", "engine").Logger(), started: time.Now()}
	e.state.Store(StateStarting)

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	var rec metrics.Recorder = metrics.Nop{}
	if opts.Registerer != nil {
		rec = metrics.NewPrometheus(opts.Registerer)
	}
	e.hub = events.NewHub(log, originChecker(cfg.Server.CORSOrigins))
	cleanup = append(cleanup, e.hub.Close)
	e.publisher = events.Multi{e.hub, opts.Publisher}

	e.store = opts.Store
	if e.store == nil {
		if e.store, err = OpenStore(ctx, cfg.Store, log); err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
	}
	cleanup = append(cleanup, func() { _ = e.store.Close() })

	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = telemetryFor(cfg.Memory)
	}
	e.memory = memory.New(ctx, memory.Config{
		TotalMemory:        cfg.Memory.TotalMemory,
		SafetyBufferRatio:  cfg.Memory.SafetyBufferRatio,
		ReservationTimeout: config.Ms(cfg.Memory.ReservationTimeoutMs),
		SweepInterval:      interval(cfg.Memory.SweepIntervalMs),
		Telemetry:          telemetry,
		OnEvict:            e.reservationEvicted,
		Logger:             log,
		Metrics:            rec,
		Publisher:          e.publisher,
	})
	cleanup = append(cleanup, e.memory.Close)

	factory := backend.NewFactory(backend.Config{
		BaseURL:        cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		ConnectTimeout: config.Ms(cfg.Backend.ConnectTimeoutMs),
		RequestTimeout: config.Ms(cfg.Backend.RequestTimeoutMs),
		Logger:         log,
	})
	e.pool = pool.New[*backend.Conn](ctx, factory, pool.Config{
		Name:                "backend",
		MaxConnections:      cfg.Pool.MaxConnections,
		MinConnections:      cfg.Pool.MinConnections,
		AcquireTimeout:      config.Ms(cfg.Pool.AcquireTimeoutMs),
		IdleTimeout:         config.Ms(cfg.Pool.IdleTimeoutMs),
		MaxLifetime:         config.Ms(cfg.Pool.MaxLifetimeMs),
		HealthCheckInterval: interval(cfg.Pool.HealthCheckIntervalMs),
		Logger:              log,
		Metrics:             rec,
		Publisher:           e.publisher,
	})
	cleanup = append(cleanup, e.pool.Shutdown)

	dir, err := fsutil.ExpandHome(cfg.Cache.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	backing, err := artifact.NewDirStore(dir)
	if err != nil {
		return nil, err
	}
	persist, err := fsutil.ExpandHome(cfg.Cache.PersistPath)
	if err != nil {
		return nil, err
	}
	e.cache = artifact.New(backing, artifact.FileLoader{}, artifact.Config{
		MaxEntries:     cfg.Cache.MaxCachedArtifacts,
		SessionTimeout: config.Ms(cfg.Cache.SessionTimeoutMs),
		SweepInterval:  interval(cfg.Cache.SweepIntervalMs),
		PersistPath:    persist,
		Logger:         log,
		Metrics:        rec,
		Publisher:      e.publisher,
	})
	cleanup = append(cleanup, e.cache.Close)

	proc := opts.Processor
	if proc == nil {
		proc = backend.Processor{}
	}
	e.scheduler, err = scheduler.New(scheduler.Deps[*backend.Conn]{
		Store:     e.store,
		Memory:    e.memory,
		Pool:      e.pool,
		Cache:     e.cache,
		Processor: proc,
	}, scheduler.Config{
		PollInterval:       config.Ms(cfg.Scheduler.PollIntervalMs),
		MaxRetries:         cfg.Scheduler.MaxRetries,
		BaseDelay:          config.Ms(cfg.Scheduler.BaseDelayMs),
		MaxDelay:           config.Ms(cfg.Scheduler.MaxDelayMs),
		StuckJobAge:        config.Ms(cfg.Scheduler.StuckJobAgeMs),
		StuckCheckInterval: interval(cfg.Scheduler.StuckCheckIntervalMs),
		Logger:             log,
		Metrics:            rec,
		Publisher:          e.publisher,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Start runs the scheduler and, when configured, preloads the artifacts
// that were hottest when the previous process stopped. The engine reports
// ready once preloading has finished.
func (e *Engine) Start(ctx context.Context) {
	if e.State() != StateStarting {
		return
	}
	e.scheduler.Start(ctx)
	keys := e.cache.PreloadHints()
	if n := e.cfg.Cache.WarmOnStart; len(keys) > n {
		keys = keys[:n]
	}
	if len(keys) == 0 {
		e.setReady()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	e.warmCancel = cancel
	e.warmDone.Add(1)
	go func() {
		defer e.warmDone.Done()
		start := time.Now()
		n := e.cache.Warm(wctx, keys)
		e.log.Info().Str("event", "cache_warmed").Int("loaded", n).Int("hinted", len(keys)).Dur("took", time.Since(start)).Msg("artifact cache warmed")
		e.setReady()
	}()
}

func (e *Engine) setReady() {
	if e.state.CompareAndSwap(StateStarting, StateReady) {
		e.log.Info().Str("event", "ready").Msg("engine ready")
	}
}

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state.Load().(State) }

// Ready reports whether jobs are being processed.
func (e *Engine) Ready() bool { return e.State() == StateReady && e.scheduler.Running() }

// Close stops the scheduler, waiting for an in-flight attempt, then tears
// down the pool, the cache (persisting LRU hints), the memory manager, the
// websocket hub and the job store, in that order.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.state.Store(StateStopping)
		if e.warmCancel != nil {
			e.warmCancel()
		}
		e.warmDone.Wait()
		e.scheduler.Stop()
		e.pool.Shutdown()
		e.cache.Close()
		e.memory.Close()
		e.hub.Close()
		err = e.store.Close()
		e.state.Store(StateStopped)
		e.log.Info().Str("event", "stopped").Msg("engine stopped")
	})
	return err
}

// Submit validates d, stores it as a queued job and wakes the scheduler.
func (e *Engine) Submit(ctx context.Context, d jobs.Descriptor) (*jobs.Job, error) {
	if st := e.State(); st == StateStopping || st == StateStopped {
		return nil, ErrStopped
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if _, err := artifact.ParseKey(d.Artifact); err != nil {
		return nil, fmt.Errorf("%w: %v", jobs.ErrInvalidDescriptor, err)
	}
	j, err := e.store.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	e.publisher.Publish(events.New("job_submitted", j.ID, map[string]any{
		"artifact":         j.Artifact,
		"estimated_memory": j.EstimatedMemory,
		"priority":         j.Priority,
	}))
	e.log.Info().Str("event", "job_submitted").Str("job", j.ID).Str("artifact", j.Artifact).Int64("estimated_memory", j.EstimatedMemory).Msg("job submitted")
	e.scheduler.Notify()
	return j, nil
}

// Job returns one job.
func (e *Engine) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return e.store.Get(ctx, id)
}

// Jobs lists jobs oldest first; empty status means any.
func (e *Engine) Jobs(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	return e.store.ListByStatus(ctx, status, limit)
}

// Cancel stops a pending retry and fails the job if it is still queued.
func (e *Engine) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	return e.scheduler.Cancel(ctx, id)
}

// EventStream serves the live event feed over websocket.
func (e *Engine) EventStream() http.Handler { return e.hub }

// Scheduler exposes the scheduler, for direct ProcessJob calls.
func (e *Engine) Scheduler() *scheduler.Scheduler[*backend.Conn] { return e.scheduler }

func (e *Engine) reservationEvicted(r memory.Reservation, reason string) {
	e.log.Warn().Str("event", "reservation_lost").Str("reservation", r.ID).Str("purpose", r.Purpose).Str("reason", reason).Msg("reservation removed while held")
}

func telemetryFor(cfg config.MemoryConfig) memory.Telemetry {
	if cfg.Telemetry == "nvidia-smi" {
		return memory.NvidiaSMI{Binary: cfg.NvidiaSMIPath, Device: cfg.Device}
	}
	return memory.StaticTelemetry{Total: cfg.TotalMemory}
}

// interval maps a config period to a loop interval; 0 disables the loop.
func interval(ms int) time.Duration {
	if ms <= 0 {
		return -1
	}
	return config.Ms(ms)
}

// originChecker accepts websocket upgrades from the configured CORS origins;
// no origins, or "*", accepts any.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || slices.Contains(origins, o)
	}
}
