package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ExitCodeSetter records the process exit code a schema-migration
// notification demands. Library code never calls os.Exit itself; the
// binary's main() is expected to read the code back (via a closure it
// passes in) after the pool has finished its graceful shutdown.
type ExitCodeSetter func(code int)

// migrationExitCode is set on the process when jobs:migrate is observed —
// schema drift makes continued operation unsafe.
const migrationExitCode = 54

// jitterSource abstracts the single random draw the reconnect backoff
// formula needs, so tests can assert exact delays instead of range-checking
// them.
type jitterSource interface {
	Float64() float64
}

type mathRandJitter struct{}

func (mathRandJitter) Float64() float64 { return rand.Float64() }

// reconnectDelay implements the exact backoff formula: delay = ceil(jitter
// * min(60_000, 50*e^n)) milliseconds, jitter = 0.5 + sqrt(U(0,1))/2.
func reconnectDelay(attempt int, js jitterSource) time.Duration {
	capped := math.Min(60_000, 50*math.Exp(float64(attempt)))
	jitter := 0.5 + math.Sqrt(js.Float64())/2
	ms := math.Ceil(jitter * capped)
	return time.Duration(ms) * time.Millisecond
}

const (
	channelInsert  = "jobs:insert"
	channelMigrate = "jobs:migrate"
)

type migratePayload struct {
	MigrationNumber *int `json:"migrationNumber"`
}

// Listener owns exactly one dedicated connection LISTENing on jobs:insert
// and jobs:migrate, reconnecting with jittered exponential backoff on any
// failure.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	emit   EventSink
	jitter jitterSource

	onInsert  func()
	onMigrate func(migrationNumber *int)
	exitCode  ExitCodeSetter

	mu         sync.Mutex
	active     bool
	conn       *pgxpool.Conn
	releaseTx  *sync.Once
	retryCount int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewListener constructs a Listener. onInsert is invoked whenever a
// jobs:insert notification arrives while the listener is active; onMigrate
// is invoked with the (possibly nil) migration number from a jobs:migrate
// notification, after the exit code has already been set.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger, emit EventSink, onInsert func(), onMigrate func(migrationNumber *int)) *Listener {
	return &Listener{
		pool:      pool,
		logger:    logger,
		emit:      emit,
		jitter:    mathRandJitter{},
		onInsert:  onInsert,
		onMigrate: onMigrate,
		exitCode:  func(int) {},
		active:    true,
		stopCh:    make(chan struct{}),
	}
}

// SetExitCodeSetter overrides how the listener records a migration exit
// code. The binary entry point is expected to call this with a function
// that stashes the code for os.Exit after shutdown completes.
func (l *Listener) SetExitCodeSetter(fn ExitCodeSetter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitCode = fn
}

// Start begins the connection loop in a background goroutine.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

func (l *Listener) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// run is the listener's sole goroutine; it is the only code that ever
// touches l.conn while it is live, so no additional synchronization is
// needed around the pgx calls themselves.
func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()
	defer l.releaseConn(context.Background())

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if !l.isActive() {
			return
		}

		attempt := l.currentRetryCount()
		l.emit.Emit(EventPayload{Event: EventListenConnecting, Attempts: attempt})

		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			l.emit.Emit(EventPayload{Event: EventListenError, Err: err})
			if !l.backoffAndIncrement(ctx) {
				return
			}
			continue
		}

		if !l.isActive() {
			conn.Release()
			return
		}

		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %q", channelInsert)); err != nil {
			conn.Release()
			l.emit.Emit(EventPayload{Event: EventListenError, Err: err})
			if !l.backoffAndIncrement(ctx) {
				return
			}
			continue
		}
		l.resetRetryCount()

		if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %q", channelMigrate)); err != nil {
			conn.Release()
			l.emit.Emit(EventPayload{Event: EventListenError, Err: err})
			if !l.backoffAndIncrement(ctx) {
				return
			}
			continue
		}

		l.setConn(conn)
		l.emit.Emit(EventPayload{Event: EventListenSuccess})

		if !l.receiveLoop(ctx, conn) {
			return
		}
		// receiveLoop returned true: connection was lost, loop to reconnect.
	}
}

// receiveLoop waits for notifications on conn until it breaks (reconnect
// needed, returns true) or the listener should stop entirely (returns
// false).
func (l *Listener) receiveLoop(ctx context.Context, conn *pgxpool.Conn) bool {
	for {
		select {
		case <-l.stopCh:
			l.releaseConn(context.Background())
			return false
		default:
		}
		if !l.isActive() {
			l.releaseConn(context.Background())
			return false
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				l.releaseConn(context.Background())
				return false
			}
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				continue
			}
			l.emit.Emit(EventPayload{Event: EventListenError, Err: err})
			l.releaseConn(context.Background())
			if !l.backoffAndIncrement(ctx) {
				return false
			}
			return true
		}

		l.handleNotification(notification.Channel, []byte(notification.Payload))
	}
}

func (l *Listener) handleNotification(channel string, payload []byte) {
	switch channel {
	case channelInsert:
		if l.isActive() {
			l.onInsert()
		}
	case channelMigrate:
		var p migratePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			l.logger.Warn("malformed jobs:migrate payload, ignoring body", "error", err)
			p = migratePayload{}
		}
		if p.MigrationNumber != nil {
			l.logger.Warn("schema migration detected, shutting down", "migration_number", *p.MigrationNumber)
		} else {
			l.logger.Warn("schema migration detected, shutting down")
		}
		l.exitCode(migrationExitCode)
		l.onMigrate(p.MigrationNumber)
	default:
		l.logger.Warn("NOTIFY on unrecognized channel", "channel", channel)
	}
}

// backoffAndIncrement sleeps for the current backoff delay and bumps the
// retry counter. Returns false if the listener was stopped while waiting.
func (l *Listener) backoffAndIncrement(ctx context.Context) bool {
	attempt := l.currentRetryCount()
	delay := reconnectDelay(attempt, l.jitter)
	l.mu.Lock()
	l.retryCount++
	l.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-l.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) currentRetryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retryCount
}

func (l *Listener) resetRetryCount() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryCount = 0
}

func (l *Listener) setConn(conn *pgxpool.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.releaseTx = &sync.Once{}
}

// releaseConn is idempotent: the run goroutine reaches it both from
// receiveLoop and from its deferred cleanup, and must not double-release the
// same checkout.
func (l *Listener) releaseConn(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	once := l.releaseTx
	l.conn = nil
	l.mu.Unlock()

	if conn == nil || once == nil {
		return
	}
	once.Do(func() {
		_, _ = conn.Exec(ctx, fmt.Sprintf("UNLISTEN %q", channelInsert))
		conn.Release()
	})
}

// Stop deactivates the listener and blocks until its goroutine has released
// its connection and exited. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
