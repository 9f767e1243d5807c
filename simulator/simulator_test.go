package simulator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshActuatorAtZero(t *testing.T) {
	a := New()
	defer a.Close()
	for axis := 0; axis < numAxes; axis++ {
		deg, err := a.AxisDegrees(axis)
		require.NoError(t, err)
		assert.Zero(t, deg)
		steps, err := a.AxisSteps(axis)
		require.NoError(t, err)
		assert.Zero(t, steps)
	}
}

func TestSlewSettles(t *testing.T) {
	a := New()
	defer a.Close()
	require.NoError(t, a.SlewTo(0, 0.5))
	require.Eventually(t, func() bool {
		deg, err := a.AxisDegrees(0)
		return err == nil && math.Abs(deg-0.5) < 0.01 && !a.Moving(0)
	}, 10*time.Second, 25*time.Millisecond)
}

func TestRateMovesAxis(t *testing.T) {
	a := New()
	defer a.Close()
	require.NoError(t, a.SetRate(1, 10))
	require.Eventually(t, func() bool {
		deg, err := a.AxisDegrees(1)
		return err == nil && deg > 0.5
	}, 5*time.Second, 25*time.Millisecond)
	require.NoError(t, a.StopAxis(1))
	assert.False(t, a.Moving(1))
}

func TestRateLimit(t *testing.T) {
	a := New()
	defer a.Close()
	require.Error(t, a.SetRate(0, maxSlewRate+1))
}

func TestSetAxisSteps(t *testing.T) {
	a := New()
	defer a.Close()
	require.NoError(t, a.SetAxisSteps(0, StepsPerRev/4))
	deg, err := a.AxisDegrees(0)
	require.NoError(t, err)
	assert.InDelta(t, 90, deg, 1e-9)
}

func TestPulseGuideRestoresState(t *testing.T) {
	a := New()
	defer a.Close()
	start := time.Now()
	require.NoError(t, a.PulseGuide(0, 5, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, a.Moving(0))
}

func TestConnectedFlag(t *testing.T) {
	require.True(t, Connected())
	SetConnected(false)
	assert.False(t, Connected())
	SetConnected(true)
	assert.True(t, Connected())
}
