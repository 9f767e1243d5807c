package mount

import (
	"time"

	"github.com/greenswamp/gsmount/queue"
)

// executor is the per-axis operation set both concrete executors
// provide. The facade only ever touches it from inside queued
// commands, so implementations run strictly serialized.
type executor interface {
	AxisDegrees(axis int) (float64, error)
	AxisSteps(axis int) (int, error)
	SlewTo(axis int, degrees float64) error
	SetRate(axis int, degPerSec float64) error
	StopAxis(axis int) error
	PulseGuide(axis int, degPerSec float64, d time.Duration) error
}

// facade implements the Mount operations on top of a command queue for
// one executor type. Hardware and Simulated embed it.
type facade[E executor] struct {
	q     *queue.Queue[E]
	state State
}

func (f *facade[E]) Start() error {
	if err := f.q.Start(); err != nil {
		return err
	}
	f.state.SetConnected(true)
	return nil
}

func (f *facade[E]) Stop() {
	f.q.Stop()
	f.state.SetConnected(false)
}

// Queue exposes the underlying engine for producers that build their
// own commands.
func (f *facade[E]) Queue() *queue.Queue[E] { return f.q }

func (f *facade[E]) State() *State { return &f.state }

func (f *facade[E]) AxisDegrees(a Axis) (float64, error) {
	return runQuery(f.q, func(e E) (float64, error) {
		return e.AxisDegrees(int(a))
	})
}

func (f *facade[E]) AxisSteps(a Axis) (int, error) {
	steps, err := runQuery(f.q, func(e E) (int, error) {
		return e.AxisSteps(int(a))
	})
	if err == nil {
		f.state.SetSteps(a, steps)
	}
	return steps, err
}

func (f *facade[E]) SlewTo(a Axis, degrees float64) error {
	err := runAction(f.q, func(e E) error {
		return e.SlewTo(int(a), degrees)
	})
	if err == nil {
		f.state.SetParked(false)
	}
	return err
}

func (f *facade[E]) SetRate(a Axis, degPerSec float64) error {
	return runAction(f.q, func(e E) error {
		return e.SetRate(int(a), degPerSec)
	})
}

func (f *facade[E]) StopAxis(a Axis) error {
	return runAction(f.q, func(e E) error {
		return e.StopAxis(int(a))
	})
}

func (f *facade[E]) PulseGuide(a Axis, degPerSec float64, d time.Duration) error {
	return runAction(f.q, func(e E) error {
		f.state.SetPulseGuiding(a, true)
		defer f.state.SetPulseGuiding(a, false)
		return e.PulseGuide(int(a), degPerSec, d)
	})
}

func (f *facade[E]) SetTracking(on bool) error {
	err := runAction(f.q, func(e E) error {
		if on {
			return e.SetRate(int(AxisPrimary), SiderealRate)
		}
		return e.StopAxis(int(AxisPrimary))
	})
	if err == nil {
		f.state.SetTracking(on)
	}
	return err
}

// Park stops tracking and slews both axes to the home position.
func (f *facade[E]) Park() error {
	err := runAction(f.q, func(e E) error {
		for axis := 0; axis < NumAxes; axis++ {
			if err := e.StopAxis(axis); err != nil {
				return err
			}
			if err := e.SlewTo(axis, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		f.state.SetTracking(false)
		f.state.SetParked(true)
	}
	return err
}

// runAction submits op as a tracked action and waits for its outcome.
func runAction[E any](q *queue.Queue[E], op func(E) error) error {
	c := queue.NewAction(q, op)
	return q.Result(c).Err()
}

// runQuery submits op as a tracked query and waits for its value.
func runQuery[E, R any](q *queue.Queue[E], op func(E) (R, error)) (R, error) {
	c := queue.NewQuery(q, op)
	if err := q.Result(c).Err(); err != nil {
		var zero R
		return zero, err
	}
	return c.Value(), nil
}
