package mount

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenswamp/gsmount/queue"
	"github.com/greenswamp/gsmount/simulator"
)

func newTestMount(t *testing.T) *Simulated {
	t.Helper()
	m := NewSimulated(nil)
	m.q.PollInterval = time.Millisecond
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestSimulatorRoundTrip(t *testing.T) {
	m := newTestMount(t)

	start := time.Now()
	c := queue.NewQuery(m.Queue(), func(a *simulator.Actuator) (float64, error) {
		return a.AxisDegrees(0)
	})
	res := m.Queue().Result(c)
	require.NoError(t, res.Err())
	assert.Equal(t, queue.Succeeded, res.Outcome())
	assert.Equal(t, 0.0, c.Value())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnectFailFast(t *testing.T) {
	m := newTestMount(t)

	simulator.SetConnected(false)
	defer simulator.SetConnected(true)

	start := time.Now()
	_, err := m.AxisDegrees(AxisPrimary)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connected=false")
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopStartKeepsCounter(t *testing.T) {
	m := newTestMount(t)

	_, err := m.AxisDegrees(AxisPrimary)
	require.NoError(t, err)
	first := m.Queue().NewID()

	m.Stop()
	require.NoError(t, m.Start())
	assert.Greater(t, m.Queue().NewID(), first)
}

func TestAxisStepsUpdatesObservableState(t *testing.T) {
	m := newTestMount(t)

	steps, err := m.AxisSteps(AxisSecondary)
	require.NoError(t, err)
	assert.Equal(t, steps, m.State().Steps(AxisSecondary))
}

func TestPulseGuideFlag(t *testing.T) {
	m := newTestMount(t)

	var mu sync.Mutex
	var seen []bool
	m.State().Notify(func(s Status) {
		mu.Lock()
		seen = append(seen, s.PulseGuiding[AxisPrimary])
		mu.Unlock()
	})

	require.NoError(t, m.PulseGuide(AxisPrimary, 0.5, 30*time.Millisecond))
	assert.False(t, m.State().PulseGuiding(AxisPrimary))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, true, "pulse-guiding flag was never observed set")
}

func TestTrackingAndPark(t *testing.T) {
	m := newTestMount(t)

	require.NoError(t, m.SetTracking(true))
	assert.True(t, m.State().Tracking())

	require.NoError(t, m.Park())
	assert.True(t, m.State().Parked())
	assert.False(t, m.State().Tracking())

	require.NoError(t, m.SlewTo(AxisPrimary, 1))
	assert.False(t, m.State().Parked())
}

func TestFacadesShareShape(t *testing.T) {
	// Both facades satisfy Mount, so the protocol layer never
	// branches on the executor kind.
	var _ Mount = (*Hardware)(nil)
	var _ Mount = (*Simulated)(nil)
}

func TestStateSnapshots(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*State)
		status Status
	}{
		{"fresh", func(s *State) {}, Status{}},
		{"steps", func(s *State) {
			s.SetSteps(AxisPrimary, 8388608)
			s.SetSteps(AxisSecondary, -42)
		}, Status{Steps: [NumAxes]int{8388608, -42}}},
		{"pulse both axes", func(s *State) {
			s.SetPulseGuiding(AxisPrimary, true)
			s.SetPulseGuiding(AxisSecondary, true)
			s.SetPulseGuiding(AxisPrimary, false)
		}, Status{PulseGuiding: [NumAxes]bool{false, true}}},
		{"tracking connected", func(s *State) {
			s.SetConnected(true)
			s.SetTracking(true)
		}, Status{Tracking: true, Connected: true}},
		{"park clears nothing else", func(s *State) {
			s.SetTracking(true)
			s.SetParked(true)
		}, Status{Tracking: true, Parked: true}},
	} {
		t.Run(test.name, func(t *testing.T) {
			var s State
			test.mutate(&s)
			if diff := cmp.Diff(s.Status(), test.status); diff != "" {
				t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestStateChangeNotification(t *testing.T) {
	var s State
	var got Status
	var calls int
	s.Notify(func(st Status) {
		got = st
		calls++
	})
	s.SetSteps(AxisPrimary, 1000)
	assert.Equal(t, 1000, got.Steps[AxisPrimary])
	assert.Equal(t, 1, calls)

	// Unchanged writes do not notify.
	s.SetSteps(AxisPrimary, 1000)
	assert.Equal(t, 1, calls)
}
