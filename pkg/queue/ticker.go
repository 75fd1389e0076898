package queue

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// resetLockedTicker periodically reclaims jobs whose lock has gone stale —
// a worker that crashed or was killed -9 leaves locked_at set with nobody
// ever going to clear it. Unlike a time.Ticker, each tick schedules its own
// next delay after the previous tick has finished, so a slow reset-locked
// query never causes overlapping runs.
type resetLockedTicker struct {
	store  jobResetter
	logger *slog.Logger
	emit   EventSink
	jitter jitterSource

	minInterval time.Duration
	maxInterval time.Duration
	lockTimeout time.Duration

	mu         sync.Mutex
	active     bool
	timer      *time.Timer
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	lastResult error
}

// jobResetter is the subset of jobstore.Store the ticker needs.
type jobResetter interface {
	ResetLockedAt(ctx context.Context, olderThan time.Duration) (int, error)
}

func newResetLockedTicker(store jobResetter, logger *slog.Logger, emit EventSink, minInterval, maxInterval, lockTimeout time.Duration) *resetLockedTicker {
	return &resetLockedTicker{
		store:       store,
		logger:      logger,
		emit:        emit,
		jitter:      mathRandJitter{},
		minInterval: minInterval,
		maxInterval: maxInterval,
		lockTimeout: lockTimeout,
		active:      true,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// initialDelay draws uniformly from [0, min(60s, max)) so that many pool
// instances started at once don't all run their first reset-locked query in
// lockstep.
func (t *resetLockedTicker) initialDelay() time.Duration {
	ceiling := t.maxInterval
	if sixty := 60 * time.Second; ceiling > sixty {
		ceiling = sixty
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(t.jitter.Float64() * float64(ceiling))
}

// nextDelay draws uniformly between min and max and rounds the result up to
// a whole millisecond.
func (t *resetLockedTicker) nextDelay() time.Duration {
	span := t.maxInterval - t.minInterval
	if span <= 0 {
		return t.minInterval
	}
	d := t.minInterval + time.Duration(t.jitter.Float64()*float64(span))
	return time.Duration(math.Ceil(float64(d)/float64(time.Millisecond))) * time.Millisecond
}

// Start begins the tick loop in a background goroutine.
func (t *resetLockedTicker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *resetLockedTicker) run(ctx context.Context) {
	defer close(t.doneCh)

	delay := t.initialDelay()
	timer := time.NewTimer(delay)
	t.setTimer(timer)

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !t.isActive() {
			return
		}

		t.emit.Emit(EventPayload{Event: EventResetLockedStarted})
		n, err := t.store.ResetLockedAt(ctx, t.lockTimeout)

		delay = t.nextDelay()
		t.setLastResult(err)
		active := t.isActive()
		var next *time.Duration
		if active {
			next = &delay
		}
		if err != nil {
			t.logger.Warn("reset-locked tick failed", "error", err)
			t.emit.Emit(EventPayload{Event: EventResetLockedFailure, Err: err, Delay: next})
		} else {
			t.logger.Debug("reset-locked tick completed", "jobs_reset", n)
			t.emit.Emit(EventPayload{Event: EventResetLockedSuccess, Attempts: n, Delay: next})
		}

		if !active {
			return
		}

		timer = time.NewTimer(delay)
		t.setTimer(timer)
	}
}

func (t *resetLockedTicker) setTimer(timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = timer
}

func (t *resetLockedTicker) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *resetLockedTicker) setLastResult(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastResult = err
}

// LastResult returns the error from the most recently completed
// reset-locked tick, or nil if every tick so far has succeeded (or none
// has run yet). This is what WorkerPool.completion mirrors, per spec: the
// pool's own shutdown-path errors flow only through the event bus.
func (t *resetLockedTicker) LastResult() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastResult
}

// Stop deactivates the ticker. An in-flight tick is allowed to complete;
// Stop blocks until the run loop has fully exited.
func (t *resetLockedTicker) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	timer := t.timer
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(t.stopCh)
	<-t.doneCh
}
