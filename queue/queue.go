// Package queue serializes access to one stateful hardware or
// simulated executor. Many callers submit commands concurrently; a
// single worker goroutine owns the executor and executes them in FIFO
// order, so executor code never needs its own locking. Completed
// commands with a positive id land in a result table that callers poll
// with a bounded wait.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greenswamp/gsmount/internal/monitor"
)

const (
	// DefaultResultTimeout bounds how long Result waits for a
	// completed command to appear.
	DefaultResultTimeout = 40 * time.Second
	// DefaultPollInterval is the result-table polling granularity.
	DefaultPollInterval = time.Millisecond

	defaultDepth      = 100
	defaultResultTTL  = time.Minute
	defaultMaxResults = 100
)

// Queue owns one executor of type E and the single worker that drives
// it. The zero value is usable after the hook fields are set; Start
// brings up the executor and worker, Stop tears them down. The id
// counter survives Stop/Start cycles.
type Queue[E any] struct {
	// NewExecutor constructs a fresh executor on every Start.
	NewExecutor func() (E, error)
	// Init is run on the executor after construction, before the
	// worker starts (e.g. subscribing to fault events). Optional.
	Init func(E) error
	// Teardown is run on the executor during Stop. Optional.
	Teardown func(E)
	// Connected reports whether the executor's channel is usable.
	// A nil predicate means always connected.
	Connected func(E) bool

	// Depth is the submission channel capacity. Defaults to 100.
	Depth int
	// ResultTTL ages completed-but-unretrieved results out of the
	// result table. Zero means the one-minute default; there is no
	// way to disable eviction. ClearResults empties the table on
	// demand.
	ResultTTL time.Duration
	// MaxResults caps the result table size. Zero means the default
	// of 100.
	MaxResults int
	// ResultTimeout is the Result wait ceiling. Defaults to 40s.
	ResultTimeout time.Duration
	// PollInterval is the Result polling period. Defaults to 1ms.
	PollInterval time.Duration

	Log *monitor.Logger

	id      atomic.Int64
	dropped atomic.Int64

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	executor E
	haveExec bool
	ch       chan Command[E]
	results  *resultTable[E]
}

// NewID returns a fresh id, unique and monotonically increasing for
// the lifetime of this queue value. Safe for concurrent use.
func (q *Queue[E]) NewID() int64 {
	return q.id.Add(1)
}

// Start launches the queue: any prior run is stopped first, a fresh
// executor is constructed and initialized, and the worker goroutine
// begins draining the submission channel. The id counter is not reset.
func (q *Queue[E]) Start() error {
	q.Stop()
	if q.NewExecutor == nil {
		return errors.New("queue: NewExecutor hook is required")
	}
	exec, err := q.NewExecutor()
	if err != nil {
		return fmt.Errorf("constructing executor: %w", err)
	}
	if q.Init != nil {
		if err := q.Init(exec); err != nil {
			if q.Teardown != nil {
				q.Teardown(exec)
			}
			return fmt.Errorf("initializing executor: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.ctx, q.cancel = ctx, cancel
	q.executor = exec
	q.haveExec = true
	q.ch = make(chan Command[E], q.depth())
	q.results = newResultTable[E]()
	q.running = true
	ch, results := q.ch, q.results
	q.mu.Unlock()
	go q.run(ctx, exec, ch, results)
	q.logger().Info(monitor.CategoryQueue, "Start", "queue started")
	return nil
}

// Stop halts the queue: the worker is cancelled, the executor is torn
// down, and the submission channel and result table are released. Safe
// to call at any time, including when already stopped. A command that
// is mid-execution finishes; cancellation is observed between
// commands.
func (q *Queue[E]) Stop() {
	q.mu.Lock()
	wasRunning := q.running
	q.running = false
	cancel := q.cancel
	q.cancel = nil
	q.ctx = nil
	exec, have := q.executor, q.haveExec
	var zero E
	q.executor = zero
	q.haveExec = false
	q.ch = nil
	q.results = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if have && q.Teardown != nil {
		q.Teardown(exec)
	}
	if wasRunning {
		q.logger().Info(monitor.CategoryQueue, "Stop", "queue stopped")
	}
}

// Running reports whether Start has succeeded without a later Stop.
// Connectivity loss does not clear it; use Connected state via Add's
// drop behavior or Result's diagnostics.
func (q *Queue[E]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Dropped returns how many commands have been silently discarded
// because the queue was stopped, cancelling or disconnected.
func (q *Queue[E]) Dropped() int64 {
	return q.dropped.Load()
}

// Add enqueues a command for execution. When the queue is stopped,
// cancelling or the executor reports disconnected the command is
// silently dropped: submission does not imply execution, and callers
// must treat a missing result as failure. Stale results are evicted
// opportunistically before every enqueue. A non-nil error is returned
// only when the submission channel itself refuses the command, which
// indicates a start/stop race or severe backlog.
func (q *Queue[E]) Add(c Command[E]) error {
	q.mu.Lock()
	running, ctx, ch, results := q.running, q.ctx, q.ch, q.results
	exec, have := q.executor, q.haveExec
	q.mu.Unlock()
	if !running || ctx == nil || ctx.Err() != nil || !have || !q.isConnected(exec) {
		n := q.dropped.Add(1)
		q.logger().Event(monitor.CategoryQueue, "Add").
			Int64("id", c.ID()).
			Int64("dropped", n).
			Msg("command dropped: queue unavailable")
		return nil
	}
	results.prune(q.resultTTL(), q.maxResults())
	select {
	case ch <- c:
		return nil
	default:
		err := fmt.Errorf("queue: submission channel refused command %d", c.ID())
		q.logger().Error(monitor.CategoryQueue, "Add", err, "enqueue failed")
		return err
	}
}

// ClearResults drops every entry from the result table.
func (q *Queue[E]) ClearResults() {
	q.mu.Lock()
	results := q.results
	q.mu.Unlock()
	if results != nil {
		results.prune(0, 0)
	}
}

// Result blocks until the completed command with c's id appears in the
// result table, up to the configured ceiling, and returns it. The
// entry is removed, so exactly one caller observes it. If the queue is
// stopped, cancelling or disconnected, or the ceiling elapses, a
// synthesized failed command is returned whose error carries the
// diagnostic state; Result never panics and never blocks past the
// ceiling.
func (q *Queue[E]) Result(c Command[E]) Command[E] {
	start := time.Now()
	id := c.ID()
	if id <= 0 {
		return newFailed[E](id, fmt.Errorf(
			"queue: no result is stored for fire-and-forget command %d", id))
	}
	if running, cancelled, connected := q.flags(); !running || cancelled || !connected {
		err := fmt.Errorf(
			"queue: result unavailable for command %d: running=%t cancelled=%t connected=%t lastErr=%v",
			id, running, cancelled, connected, c.Err())
		q.logger().Warn(monitor.CategoryQueue, "Result", err.Error())
		return newFailed[E](id, err)
	}
	deadline := time.NewTimer(q.resultTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(q.pollInterval())
	defer tick.Stop()
	for {
		q.mu.Lock()
		results := q.results
		q.mu.Unlock()
		if results == nil {
			return newFailed[E](id, fmt.Errorf(
				"queue: stopped while waiting for result of command %d", id))
		}
		// A command that already carries a failure (execution fault,
		// submission refusal, result-store fault) will never produce
		// a separate entry worth waiting for.
		if c.Outcome() == Failed {
			results.take(id)
			return c
		}
		if done, ok := results.take(id); ok {
			return done
		}
		select {
		case <-deadline.C:
			err := fmt.Errorf("queue: no result for command %d (%T) after %s",
				id, c, time.Since(start).Round(time.Millisecond))
			q.logger().Warn(monitor.CategoryQueue, "Result", err.Error())
			return newFailed[E](id, err)
		case <-tick.C:
		}
	}
}

// run is the single worker. It owns the executor for the lifetime of
// one Start/Stop cycle.
func (q *Queue[E]) run(ctx context.Context, exec E, ch chan Command[E], results *resultTable[E]) {
	q.logger().Debug(monitor.CategoryQueue, "run", "worker started")
	defer q.logger().Debug(monitor.CategoryQueue, "run", "worker exited")
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-ch:
			// The command may have sat in the channel across a
			// concurrent Stop or disconnect; re-check before touching
			// the executor.
			if ctx.Err() != nil || !q.Running() || !q.isConnected(exec) {
				continue
			}
			c.Execute(exec)
			if c.ID() > 0 {
				if err := results.put(c); err != nil {
					// Ids are never reused, so this cannot happen; if
					// it somehow does, record it on the command
					// rather than crashing the worker.
					c.fail(err)
					q.logger().Error(monitor.CategoryQueue, "run", err, "storing result")
				}
			}
		}
	}
}

func (q *Queue[E]) flags() (running, cancelled, connected bool) {
	q.mu.Lock()
	running = q.running
	ctx := q.ctx
	exec, have := q.executor, q.haveExec
	q.mu.Unlock()
	cancelled = ctx == nil || ctx.Err() != nil
	connected = have && q.isConnected(exec)
	return
}

func (q *Queue[E]) isConnected(e E) bool {
	if q.Connected == nil {
		return true
	}
	return q.Connected(e)
}

func (q *Queue[E]) depth() int {
	if q.Depth > 0 {
		return q.Depth
	}
	return defaultDepth
}

func (q *Queue[E]) resultTTL() time.Duration {
	if q.ResultTTL > 0 {
		return q.ResultTTL
	}
	return defaultResultTTL
}

func (q *Queue[E]) maxResults() int {
	if q.MaxResults > 0 {
		return q.MaxResults
	}
	return defaultMaxResults
}

func (q *Queue[E]) resultTimeout() time.Duration {
	if q.ResultTimeout > 0 {
		return q.ResultTimeout
	}
	return DefaultResultTimeout
}

func (q *Queue[E]) pollInterval() time.Duration {
	if q.PollInterval > 0 {
		return q.PollInterval
	}
	return DefaultPollInterval
}

func (q *Queue[E]) logger() *monitor.Logger {
	if q.Log != nil {
		return q.Log
	}
	return monitor.Nop()
}
