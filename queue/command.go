package queue

import (
	"fmt"
	"sync"
	"time"
)

// Outcome is the terminal-state marker for a command. It transitions
// from Pending to exactly one of Succeeded or Failed, set by the queue
// worker, and is never reverted.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Command is a unit of work executed serially against an executor of
// type E. Ids are assigned by the owning queue; an id <= 0 marks a
// fire-and-forget command for which no result is ever stored.
type Command[E any] interface {
	ID() int64
	Created() time.Time
	// Execute runs the command against the executor. Any fault,
	// including a panic, is captured on the command's outcome and
	// never propagates to the worker.
	Execute(e E)
	Outcome() Outcome
	Err() error

	fail(err error)
}

// state carries the identity and outcome shared by every command shape.
type state struct {
	id      int64
	created time.Time

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newState(id int64) state {
	return state{id: id, created: time.Now().UTC()}
}

func (s *state) ID() int64          { return s.id }
func (s *state) Created() time.Time { return s.created }

func (s *state) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *state) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// complete moves the outcome from Pending to a terminal state. A
// command is executed at most once, so a second call is a no-op.
func (s *state) complete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != Pending {
		return
	}
	if err != nil {
		s.outcome = Failed
		s.err = err
		return
	}
	s.outcome = Succeeded
}

// fail records a queue-side failure (result table refused the entry,
// synthesized retrieval failures). Unlike complete it overrides a
// terminal outcome, since it reports on the result's fate rather than
// the execution itself.
func (s *state) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = Failed
	s.err = err
}

// capture runs fn and converts a panic into an ordinary error so a
// misbehaving command cannot take the worker down with it.
func capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panic: %v", r)
		}
	}()
	return fn()
}

// Action is a side-effecting command with no retrievable value.
type Action[E any] struct {
	state
	op func(E) error
}

// NewAction builds a tracked action and submits it to q. The returned
// command can be passed to q.Result to wait for completion.
func NewAction[E any](q *Queue[E], op func(E) error) *Action[E] {
	a := &Action[E]{state: newState(q.NewID()), op: op}
	if err := q.Add(a); err != nil {
		a.fail(err)
	}
	return a
}

// FireAction submits a fire-and-forget action. No result is stored and
// none can be retrieved; absence of an effect means the command was
// dropped or failed.
func FireAction[E any](q *Queue[E], op func(E) error) {
	q.Add(&Action[E]{state: newState(0), op: op})
}

func (a *Action[E]) Execute(e E) {
	a.complete(capture(func() error { return a.op(e) }))
}

// Query is a command producing a value of type R.
type Query[E, R any] struct {
	state
	op     func(E) (R, error)
	result R
}

// NewQuery builds a tracked query and submits it to q. Call q.Result
// to wait for completion, then Value for the produced value.
func NewQuery[E, R any](q *Queue[E], op func(E) (R, error)) *Query[E, R] {
	c := &Query[E, R]{state: newState(q.NewID()), op: op}
	if err := q.Add(c); err != nil {
		c.fail(err)
	}
	return c
}

func (c *Query[E, R]) Execute(e E) {
	c.complete(capture(func() error {
		r, err := c.op(e)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.result = r
		c.mu.Unlock()
		return nil
	}))
}

// Value returns the query result. It is only meaningful once the
// outcome is Succeeded.
func (c *Query[E, R]) Value() R {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// failed is a synthesized command returned by Result when no real
// completed command can be produced.
type failed[E any] struct {
	state
}

func (f *failed[E]) Execute(E) {}

func newFailed[E any](id int64, err error) Command[E] {
	f := &failed[E]{state: newState(id)}
	f.fail(err)
	return f
}
