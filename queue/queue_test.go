package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testExec counts and orders executions so tests can observe what the
// worker actually ran.
type testExec struct {
	mu        sync.Mutex
	order     []int
	connected bool
}

func newTestExec() *testExec {
	return &testExec{connected: true}
}

func (e *testExec) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *testExec) setConnected(on bool) {
	e.mu.Lock()
	e.connected = on
	e.mu.Unlock()
}

func (e *testExec) record(n int) {
	e.mu.Lock()
	e.order = append(e.order, n)
	e.mu.Unlock()
}

func (e *testExec) executed() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.order))
	copy(out, e.order)
	return out
}

func newTestQueue(e *testExec) *Queue[*testExec] {
	return &Queue[*testExec]{
		NewExecutor:   func() (*testExec, error) { return e, nil },
		Connected:     (*testExec).Connected,
		PollInterval:  time.Millisecond,
		ResultTimeout: 2 * time.Second,
	}
}

func resultsLen(q *Queue[*testExec]) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.results == nil {
		return 0
	}
	return q.results.len()
}

func TestFIFOOrder(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()

	const n = 100
	cmds := make([]*Action[*testExec], n)
	for i := 0; i < n; i++ {
		i := i
		cmds[i] = NewAction(q, func(e *testExec) error {
			e.record(i)
			return nil
		})
	}
	for _, c := range cmds {
		require.NoError(t, q.Result(c).Err())
	}
	got := e.executed()
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v, "execution order differs from submission order")
	}
}

func TestAtMostOnceExecution(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()

	var count atomic.Int32
	c := NewAction(q, func(*testExec) error {
		count.Add(1)
		return nil
	})
	res := q.Result(c)
	require.NoError(t, res.Err())
	require.Equal(t, Succeeded, res.Outcome())
	// Give the worker any chance to misbehave before counting.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestResultExactlyOnceRetrieval(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.ResultTimeout = 100 * time.Millisecond
	require.NoError(t, q.Start())
	defer q.Stop()

	c := NewQuery(q, func(*testExec) (int, error) { return 42, nil })
	res := q.Result(c)
	require.NoError(t, res.Err())
	require.Equal(t, 42, c.Value())

	// The entry was consumed; a second retrieval must fail, never
	// return a stale duplicate.
	again := q.Result(c)
	require.Error(t, again.Err())
	require.Equal(t, Failed, again.Outcome())
}

func TestDropWhenStopped(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	// Never started.
	c := NewAction(q, func(e *testExec) error {
		e.record(0)
		return nil
	})
	assert.Equal(t, Pending, c.Outcome())
	assert.Equal(t, int64(1), q.Dropped())
	assert.Empty(t, e.executed())

	res := q.Result(c)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "running=false")
}

func TestDropWhenDisconnected(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()
	e.setConnected(false)

	c := NewAction(q, func(e *testExec) error {
		e.record(0)
		return nil
	})
	assert.Empty(t, e.executed())

	start := time.Now()
	res := q.Result(c)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "connected=false")
	// Fail-fast, not a full result-timeout wait.
	assert.Less(t, time.Since(start), time.Second)
}

func TestResultTimeoutBound(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.ResultTimeout = 200 * time.Millisecond
	require.NoError(t, q.Start())
	defer q.Stop()

	// Permanently block the worker so no result can ever appear.
	unblock := make(chan struct{})
	defer close(unblock)
	FireAction(q, func(*testExec) error {
		<-unblock
		return nil
	})
	c := NewQuery(q, func(*testExec) (int, error) { return 0, nil })

	start := time.Now()
	res := q.Result(c)
	elapsed := time.Since(start)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), fmt.Sprint(c.ID()))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestResultTableCleanup(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.ResultTTL = time.Hour
	q.MaxResults = 5
	require.NoError(t, q.Start())
	defer q.Stop()

	// Submit commands whose results are never retrieved, with
	// creation times aged past the TTL.
	old := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 10; i++ {
		a := &Action[*testExec]{state: newState(q.NewID()), op: func(*testExec) error { return nil }}
		a.created = old
		require.NoError(t, q.Add(a))
	}
	require.Eventually(t, func() bool { return resultsLen(q) == 10 },
		time.Second, time.Millisecond)

	// The next submission triggers eviction of everything stale.
	c := NewQuery(q, func(*testExec) (bool, error) { return true, nil })
	require.NoError(t, q.Result(c).Err())
	assert.Equal(t, 0, resultsLen(q))
}

func TestResultTableSizeCap(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.ResultTTL = time.Hour
	q.MaxResults = 5
	require.NoError(t, q.Start())
	defer q.Stop()

	for i := 0; i < 10; i++ {
		NewAction(q, func(*testExec) error { return nil })
	}
	require.Eventually(t, func() bool { return resultsLen(q) == 10 },
		time.Second, time.Millisecond)

	c := NewQuery(q, func(*testExec) (bool, error) { return true, nil })
	require.NoError(t, q.Result(c).Err())
	assert.LessOrEqual(t, resultsLen(q), 5)
}

func TestStopStartReset(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())

	c := NewQuery(q, func(*testExec) (float64, error) { return 1.5, nil })
	require.Equal(t, int64(1), c.ID())
	require.NoError(t, q.Result(c).Err())
	require.Equal(t, 1.5, c.Value())

	q.Stop()
	require.NoError(t, q.Start())
	defer q.Stop()

	// The counter is monotonic across restarts; the result table is
	// not carried over.
	assert.Greater(t, q.NewID(), int64(1))
	assert.Equal(t, 0, resultsLen(q))
}

func TestStartIsIdempotent(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	require.NoError(t, q.Start())
	defer q.Stop()

	c := NewAction(q, func(*testExec) error { return nil })
	require.NoError(t, q.Result(c).Err())
}

func TestStopIsIdempotent(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.Stop()
	require.NoError(t, q.Start())
	q.Stop()
	q.Stop()
}

func TestExecutionFaultDoesNotKillWorker(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()

	bad := NewAction(q, func(*testExec) error {
		return errors.New("motor jam")
	})
	res := q.Result(bad)
	require.Error(t, res.Err())
	assert.Equal(t, Failed, res.Outcome())
	assert.Contains(t, res.Err().Error(), "motor jam")

	good := NewAction(q, func(e *testExec) error {
		e.record(1)
		return nil
	})
	require.NoError(t, q.Result(good).Err())
	assert.Equal(t, []int{1}, e.executed())
}

func TestPanicCaptured(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()

	bad := NewAction(q, func(*testExec) error {
		panic("encoder overflow")
	})
	res := q.Result(bad)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "encoder overflow")

	// The worker survives.
	good := NewAction(q, func(*testExec) error { return nil })
	require.NoError(t, q.Result(good).Err())
}

func TestFireAndForgetStoresNoResult(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	require.NoError(t, q.Start())
	defer q.Stop()

	FireAction(q, func(e *testExec) error {
		e.record(7)
		return nil
	})
	require.Eventually(t, func() bool { return len(e.executed()) == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, 0, resultsLen(q))
}

func TestNewIDConcurrent(t *testing.T) {
	q := newTestQueue(newTestExec())
	const goroutines, each = 8, 1000
	ids := make(chan int64, goroutines*each)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				ids <- q.NewID()
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[int64]bool)
	for id := range ids {
		require.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	require.Len(t, seen, goroutines*each)
}

func TestConcurrentProducers(t *testing.T) {
	e := newTestExec()
	q := newTestQueue(e)
	q.Depth = 1000
	require.NoError(t, q.Start())
	defer q.Stop()

	const goroutines, each = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines*each)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				c := NewQuery(q, func(*testExec) (int, error) { return i, nil })
				errs <- q.Result(c).Err()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestSynthesizedFailureMessage(t *testing.T) {
	q := newTestQueue(newTestExec())
	c := NewAction(q, func(*testExec) error { return nil })
	res := q.Result(c)
	require.Error(t, res.Err())
	msg := res.Err().Error()
	for _, want := range []string{"running=", "cancelled=", "connected="} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnostic %q missing %q", msg, want)
		}
	}
}
