package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/timelf123/worker/pkg/database"
	"github.com/timelf123/worker/pkg/jobstore"
)

// PoolConfig configures a WorkerPool. See pkg/config.QueueConfig for how
// these values are normally populated from YAML + environment overrides.
type PoolConfig struct {
	QueueName   string
	WorkerCount int
	LockTimeout time.Duration

	MinResetLockedInterval time.Duration
	MaxResetLockedInterval time.Duration

	GracefulShutdownAbortTimeout time.Duration

	// NoHandleSignals opts the pool out of the process-wide signal broker —
	// used by tests and by callers embedding multiple pools with their own
	// coordination.
	NoHandleSignals bool
}

// DefaultPoolConfig mirrors graphile-worker's own defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		QueueName:                    "default",
		WorkerCount:                  4,
		LockTimeout:                  5 * time.Minute,
		MinResetLockedInterval:       8 * time.Minute,
		MaxResetLockedInterval:       10 * time.Minute,
		GracefulShutdownAbortTimeout: 5 * time.Second,
	}
}

// WorkerPool supervises a fixed set of workers, a Listener, and a
// resetLockedTicker, coordinating their shutdown on both explicit Release
// calls and OS termination signals.
type WorkerPool struct {
	id     string
	cfg    PoolConfig
	pgPool *pgxpool.Pool
	store  jobstore.Store
	logger *slog.Logger
	emit   EventSink

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	workers      []Worker
	listener     *Listener
	ticker       *resetLockedTicker
	shuttingDown bool
	terminated   bool

	unsubscribeSignals func()

	completion     chan error
	completionOnce sync.Once
}

// NewWorkerPool constructs a pool. Call Start to begin dequeuing jobs.
func NewWorkerPool(parent context.Context, cfg PoolConfig, pgPool *pgxpool.Pool, store jobstore.Store, registry *TaskRegistry, logger *slog.Logger, emit EventSink) *WorkerPool {
	if emit == nil {
		emit = NoopEventSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	p := &WorkerPool{
		id:         id,
		cfg:        cfg,
		pgPool:     pgPool,
		store:      store,
		logger:     logger.With("pool_id", id),
		ctx:        ctx,
		cancel:     cancel,
		completion: make(chan error, 1),
	}
	// Every event emitted by the pool, its workers, listener and ticker
	// carries this pool.
	p.emit = EventSinkFunc(func(e EventPayload) {
		e.Pool = p
		emit.Emit(e)
	})

	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id[:8], i)
		w := NewPollingWorker(workerID, cfg.QueueName, store, registry, logger, p.emit)
		p.workers = append(p.workers, w)
	}

	p.listener = NewListener(pgPool, logger, p.emit, p.onJobInsert, p.onSchemaMigration)
	p.ticker = newResetLockedTicker(store, logger, p.emit, cfg.MinResetLockedInterval, cfg.MaxResetLockedInterval, cfg.LockTimeout)

	return p
}

// AbortContext is the root context every worker, the Listener and the
// reset-locked ticker run under. It is cancelled the moment a forceful
// shutdown begins. The force-fail calls made during graceful and forceful
// shutdown, and forceful shutdown's worker release, use a fresh background
// context instead, so they still run after it is cancelled.
func (p *WorkerPool) AbortContext() context.Context { return p.ctx }

// SetExitCodeSetter wires the Listener's migration-detection exit code hook.
// The binary's main() normally passes a closure that stashes the code for
// os.Exit after Done() resolves.
func (p *WorkerPool) SetExitCodeSetter(fn ExitCodeSetter) {
	p.listener.SetExitCodeSetter(fn)
}

// Done resolves exactly once the pool has terminated, with the value
// mirroring the reset-locked ticker's most recent result (nil if every tick
// so far succeeded, or none has run) — not any shutdown-path error, which
// is logged and emitted on the event bus instead. See terminate.
func (p *WorkerPool) Done() <-chan error { return p.completion }

// Start launches every worker, the Listener, and the reset-locked ticker,
// and — unless NoHandleSignals is set — subscribes to the process-wide
// signal broker.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	if p.terminated || p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	workers := append([]Worker{}, p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		if pw, ok := w.(*PollingWorker); ok {
			pw.Start(p.ctx)
		}
	}

	p.listener.Start(p.ctx)
	p.ticker.Start(p.ctx)

	if !p.cfg.NoHandleSignals {
		release, err := SubscribeSignals(p.logger, p)
		if err != nil {
			return fmt.Errorf("subscribing to signal broker: %w", err)
		}
		p.mu.Lock()
		p.unsubscribeSignals = release
		p.mu.Unlock()
	}

	registerPool(p)
	p.emit.Emit(EventPayload{Event: EventPoolCreate, Pool: p})
	return nil
}

// onJobInsert is the Listener's jobs:insert callback: wake the first idle
// worker so it polls immediately instead of waiting out its jitter window.
func (p *WorkerPool) onJobInsert() {
	p.mu.Lock()
	workers := append([]Worker{}, p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		if w.ActiveJob() == nil && w.Nudge() {
			return
		}
	}
}

// onSchemaMigration is the Listener's jobs:migrate callback: the exit code
// has already been set by the time this runs, so all that remains is to
// shut down cleanly.
func (p *WorkerPool) onSchemaMigration(migrationNumber *int) {
	go p.gracefulShutdown()
}

// Shutdown implements ShutdownSink for the process-wide signal broker.
func (p *WorkerPool) Shutdown(intent ShutdownIntent) {
	switch intent {
	case IntentForceful:
		p.forcefulShutdown()
	default:
		p.gracefulShutdown()
	}
}

// Release is the public, explicit-call equivalent of a graceful OS signal —
// it waits for in-flight jobs to finish.
func (p *WorkerPool) Release(ctx context.Context) error {
	p.gracefulShutdown()
	select {
	case err := <-p.completion:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gracefulShutdown stops accepting new work and waits for every worker's
// active job to finish (bounded by GracefulShutdownAbortTimeout) before
// terminating.
func (p *WorkerPool) gracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown || p.terminated {
		p.mu.Unlock()
		p.logger.Error("graceful shutdown requested while already shutting down", "bug", "shutdown during shutdown")
		return
	}
	p.shuttingDown = true
	workers := append([]Worker{}, p.workers...)
	listener := p.listener
	ticker := p.ticker
	p.mu.Unlock()

	p.emit.Emit(EventPayload{Event: EventGracefulShutdown, Pool: p})

	if listener != nil {
		listener.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}
	p.emit.Emit(EventPayload{Event: EventRelease, Pool: p})

	releaseCtx := p.ctx
	if p.cfg.GracefulShutdownAbortTimeout > 0 {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(p.ctx, p.cfg.GracefulShutdownAbortTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var stuck []int64
	errs := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			if err := w.Release(releaseCtx); err != nil {
				if j := w.ActiveJob(); j != nil {
					mu.Lock()
					stuck = append(stuck, j.ID)
					mu.Unlock()
				}
				p.emit.Emit(EventPayload{Event: EventGracefulShutdownWorkerError, WorkerID: w.ID(), Err: err})
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(stuck) > 0 {
		failed, err := p.store.FailJobs(context.Background(), stuck, "graceful shutdown: worker did not release in time")
		if err != nil && firstErr == nil {
			firstErr = err
		}
		p.logger.Warn("force-failed jobs stuck past graceful shutdown release", "count", failed)
	}

	if firstErr != nil {
		p.emit.Emit(EventPayload{Event: EventGracefulShutdownError, Err: firstErr})
	} else {
		p.emit.Emit(EventPayload{Event: EventGracefulShutdownComplete})
	}

	p.terminate()
}

// forcefulShutdown cancels the pool's root context immediately, then awaits
// worker release settlement (per the recorded design decision) before
// force-failing any jobs still shown locked by this pool's workers.
func (p *WorkerPool) forcefulShutdown() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	workers := append([]Worker{}, p.workers...)
	listener := p.listener
	ticker := p.ticker
	p.mu.Unlock()

	p.emit.Emit(EventPayload{Event: EventForcefulShutdown, Pool: p})

	stuck := make([]int64, 0, len(workers))
	for _, w := range workers {
		if j := w.ActiveJob(); j != nil {
			stuck = append(stuck, j.ID)
		}
	}

	p.cancel()
	if listener != nil {
		listener.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			_ = w.Release(context.Background())
		}(w)
	}
	wg.Wait()

	var firstErr error
	if len(stuck) > 0 {
		if _, err := p.store.FailJobs(context.Background(), stuck, "forceful shutdown: worker terminated mid-job"); err != nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		p.emit.Emit(EventPayload{Event: EventForcefulShutdownError, Err: firstErr})
	} else {
		p.emit.Emit(EventPayload{Event: EventForcefulShutdownComplete})
	}

	p.terminate()
}

// terminate is the pool's sole path to its terminal state; it is safe to
// call more than once, but only the first call has any effect. Per spec,
// completion mirrors the reset-locked ticker's most recent result, not any
// error encountered during the shutdown path itself — those are logged and
// emitted on the event bus instead, so a caller blocked on Done() sees
// lingering background-recovery failures rather than an operational hiccup.
func (p *WorkerPool) terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		p.logger.Error("terminate called on an already terminated pool", "bug", "double terminate")
		return
	}
	p.terminated = true
	unsubscribe := p.unsubscribeSignals
	ticker := p.ticker
	p.mu.Unlock()

	unregisterPool(p)
	if unsubscribe != nil {
		unsubscribe()
	}

	var lastResult error
	if ticker != nil {
		lastResult = ticker.LastResult()
	}

	p.completionOnce.Do(func() {
		p.completion <- lastResult
		close(p.completion)
	})
}

// Health reports a point-in-time snapshot of the pool and its workers.
func (p *WorkerPool) Health(ctx context.Context) PoolHealth {
	p.mu.Lock()
	workers := append([]Worker{}, p.workers...)
	terminated := p.terminated
	p.mu.Unlock()

	health := PoolHealth{
		TotalWorkers: len(workers),
		IsHealthy:    !terminated,
	}

	if _, err := database.Health(ctx, p.pgPool); err != nil {
		health.DBReachable = false
		health.DBError = err.Error()
		health.IsHealthy = false
	} else {
		health.DBReachable = true
	}

	for _, w := range workers {
		status := WorkerStatusIdle
		var currentJobID int64
		if j := w.ActiveJob(); j != nil {
			status = WorkerStatusWorking
			currentJobID = j.ID
			health.ActiveWorkers++
		}
		health.WorkerStats = append(health.WorkerStats, WorkerHealth{
			ID:           w.ID(),
			Status:       status,
			CurrentJobID: currentJobID,
		})
	}

	return health
}

// poolRegistry tracks every non-terminated pool in the process, mirroring
// spec.md's "registered iff terminated == false" invariant.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*WorkerPool
}

var registry = &poolRegistry{pools: make(map[string]*WorkerPool)}

func registerPool(p *WorkerPool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.pools[p.id] = p
}

func unregisterPool(p *WorkerPool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.pools, p.id)
}

// ActivePoolCount returns the number of pools currently registered
// (started and not yet terminated) in this process.
func ActivePoolCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.pools)
}
