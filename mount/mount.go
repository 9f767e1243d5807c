// Package mount defines the shared surface of a telescope mount: the
// axis naming, the operations the protocol layer consumes, and the
// hot-path observable state both facades expose.
package mount

import (
	"sync"
	"time"
)

// Axis identifies a mount axis. On an equatorial mount the primary
// axis is right ascension and the secondary declination; on an alt-az
// mount they are azimuth and altitude.
type Axis int

const (
	AxisPrimary Axis = iota
	AxisSecondary

	NumAxes = 2
)

func (a Axis) String() string {
	switch a {
	case AxisPrimary:
		return "primary"
	case AxisSecondary:
		return "secondary"
	}
	return "unknown"
}

// SiderealRate is one revolution per sidereal day, in degrees/second.
const SiderealRate = 360.0 / 86164.0905

// Mount is the operation set served to the protocol/API layer. Both
// the hardware-backed and the simulator-backed facades implement it,
// so callers never branch on the executor kind.
type Mount interface {
	Start() error
	Stop()

	// AxisDegrees reports the current axis position in degrees.
	AxisDegrees(Axis) (float64, error)
	// AxisSteps reports the raw step count of the axis.
	AxisSteps(Axis) (int, error)
	SlewTo(axis Axis, degrees float64) error
	SetRate(axis Axis, degPerSec float64) error
	StopAxis(Axis) error
	// PulseGuide offsets the axis rate for the given duration.
	PulseGuide(axis Axis, degPerSec float64, d time.Duration) error
	SetTracking(on bool) error
	Park() error

	State() *State
}

// StatusCallback receives a snapshot whenever the observable state
// changes.
type StatusCallback func(Status)

// Status is the lock-free-observable snapshot: the fields telemetry
// and UI consumers poll at high frequency without paying for a
// command/response round trip.
type Status struct {
	PulseGuiding [NumAxes]bool
	Steps        [NumAxes]int
	Tracking     bool
	Parked       bool
	Connected    bool
}

// State holds the observable fields with change notification. Both
// facades embed one; writers are the facade convenience methods and
// the worker-side command closures.
type State struct {
	mu     sync.RWMutex
	cb     StatusCallback
	status Status
}

// Notify registers the callback invoked after every change. Only one
// callback is held; fan-out belongs to the consumer.
func (s *State) Notify(cb StatusCallback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// Status returns a copy of the current snapshot.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) PulseGuiding(a Axis) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.PulseGuiding[a]
}

func (s *State) SetPulseGuiding(a Axis, on bool) {
	s.update(func(st *Status) { st.PulseGuiding[a] = on })
}

func (s *State) Steps(a Axis) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Steps[a]
}

func (s *State) SetSteps(a Axis, steps int) {
	s.update(func(st *Status) { st.Steps[a] = steps })
}

func (s *State) Tracking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Tracking
}

func (s *State) SetTracking(on bool) {
	s.update(func(st *Status) { st.Tracking = on })
}

func (s *State) Parked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Parked
}

func (s *State) SetParked(on bool) {
	s.update(func(st *Status) { st.Parked = on })
}

func (s *State) SetConnected(on bool) {
	s.update(func(st *Status) { st.Connected = on })
}

func (s *State) update(mutate func(*Status)) {
	s.mu.Lock()
	old := s.status
	mutate(&s.status)
	changed := s.status != old
	status := s.status
	cb := s.cb
	s.mu.Unlock()
	if changed && cb != nil {
		cb(status)
	}
}
