// Package simulator provides an in-process actuator with the same
// operation surface as the hardware controller. Motion is integrated
// in discrete steps with a simple servo model, so slews, rates and
// pulses behave plausibly in real time without any hardware attached.
package simulator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// StepsPerRev is the simulated gearing, identical on both axes.
const StepsPerRev = 129600 // 1/100 degree per step

const (
	numAxes = 2

	// maxSlewRate is the fastest commanded motion in degrees/second.
	maxSlewRate = 30
	// maxAccel limits rate changes in degrees/second^2.
	maxAccel = 60
	// dragAccel decays velocity when no mode is commanded.
	dragAccel = 60
	// settleBand is the goto completion threshold in degrees.
	settleBand = 0.002
	// stepSize is the integration period.
	stepSize = 25 * time.Millisecond
)

// connected is the package-wide connectivity flag the queue's
// predicate consults. Tests flip it to exercise fail-fast paths.
var connected atomic.Bool

func init() { connected.Store(true) }

// Connected reports the simulated link state.
func Connected() bool { return connected.Load() }

// SetConnected overrides the simulated link state.
func SetConnected(on bool) { connected.Store(on) }

type mode int

const (
	modeIdle mode = iota
	modeGoto
	modeRate
)

type axis struct {
	pos    float64 // degrees
	vel    float64 // degrees/second
	target float64 // degrees, goto mode
	rate   float64 // degrees/second, rate mode
	mode   mode
}

// Actuator is the simulated executor. New starts its integration loop;
// Close stops it.
type Actuator struct {
	mu     sync.Mutex
	axes   [numAxes]axis
	cancel context.CancelFunc
	done   chan struct{}
}

func New() *Actuator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actuator{cancel: cancel, done: make(chan struct{})}
	go a.run(ctx)
	return a
}

// Close stops the integration loop.
func (a *Actuator) Close() {
	a.cancel()
	<-a.done
}

// Connected satisfies the queue's connectivity hook signature for
// symmetry with the hardware controller.
func (a *Actuator) Connected() bool { return Connected() }

func (a *Actuator) run(ctx context.Context) {
	defer close(a.done)
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.step(stepSize.Seconds())
		}
	}
}

// step advances the integration by dt seconds.
func (a *Actuator) step(dt float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.axes {
		ax := &a.axes[i]
		switch ax.mode {
		case modeGoto:
			want := seekRate(ax.pos, ax.target)
			ax.vel = approach(ax.vel, want, dt)
			if math.Abs(math.Remainder(ax.target-ax.pos, 360)) < settleBand && math.Abs(ax.vel) < settleBand {
				ax.pos = ax.target
				ax.vel = 0
				ax.mode = modeIdle
				continue
			}
		case modeRate:
			ax.vel = approach(ax.vel, ax.rate, dt)
		default:
			ax.vel = drag(ax.vel, dt)
		}
		ax.pos = math.Mod(ax.pos+ax.vel*dt+360, 360)
	}
}

// seekRate picks a rate toward a goto target, slowing near it.
func seekRate(pos, target float64) float64 {
	move := math.Remainder(target-pos, 360)
	rate := 2 * math.Abs(move)
	if rate > maxSlewRate {
		rate = maxSlewRate
	}
	if move < 0 {
		rate = -rate
	}
	return rate
}

// approach moves the current rate toward the wanted rate, bounded by
// maxAccel.
func approach(cur, want, dt float64) float64 {
	delta := math.Abs(want - cur)
	if delta > maxAccel*dt {
		delta = maxAccel * dt
	}
	if want < cur {
		delta = -delta
	}
	next := cur + delta
	if next > maxSlewRate {
		return maxSlewRate
	}
	if next < -maxSlewRate {
		return -maxSlewRate
	}
	return next
}

func drag(vel, dt float64) float64 {
	mag := math.Abs(vel) - dragAccel*dt
	if mag < 0 {
		mag = 0
	}
	if vel < 0 {
		return -mag
	}
	return mag
}

// AxisDegrees reports the current axis position in degrees.
func (a *Actuator) AxisDegrees(axis int) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.axes[axis].pos, nil
}

// AxisSteps reports the current axis position in raw steps.
func (a *Actuator) AxisSteps(axis int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.axes[axis].pos / 360 * StepsPerRev), nil
}

// SetAxisSteps rewrites the current position.
func (a *Actuator) SetAxisSteps(axis, steps int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.axes[axis].pos = math.Mod(float64(steps)/StepsPerRev*360+360, 360)
	return nil
}

// SlewTo starts a goto move to the given position in degrees.
func (a *Actuator) SlewTo(axis int, degrees float64) error {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return fmt.Errorf("simulator: bad slew target %f", degrees)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ax := &a.axes[axis]
	ax.target = math.Mod(degrees+360, 360)
	ax.mode = modeGoto
	return nil
}

// SetRate starts continuous motion at the given rate in
// degrees/second; zero stops the axis.
func (a *Actuator) SetRate(axis int, degPerSec float64) error {
	if math.Abs(degPerSec) > maxSlewRate {
		return fmt.Errorf("simulator: rate %f exceeds %d deg/s", degPerSec, maxSlewRate)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ax := &a.axes[axis]
	if degPerSec == 0 {
		ax.mode = modeIdle
		return nil
	}
	ax.rate = degPerSec
	ax.mode = modeRate
	return nil
}

// StopAxis halts motion on the axis immediately.
func (a *Actuator) StopAxis(axis int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ax := &a.axes[axis]
	ax.mode = modeIdle
	ax.vel = 0
	return nil
}

// PulseGuide offsets the axis rate for the duration, then restores the
// prior commanded state. It blocks for the full pulse, as on hardware.
func (a *Actuator) PulseGuide(axis int, degPerSec float64, d time.Duration) error {
	a.mu.Lock()
	ax := &a.axes[axis]
	prevMode, prevRate := ax.mode, ax.rate
	ax.rate = degPerSec
	if prevMode == modeRate {
		ax.rate += prevRate
	}
	ax.mode = modeRate
	a.mu.Unlock()
	time.Sleep(d)
	a.mu.Lock()
	ax.mode = prevMode
	ax.rate = prevRate
	a.mu.Unlock()
	return nil
}

// Moving reports whether the axis is still in commanded motion.
func (a *Actuator) Moving(axis int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.axes[axis].mode != modeIdle
}
