package timer

import (
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineUsesInjectedMockClock(t *testing.T) {
	mock := clock.NewMock()
	start := mock.Now()

	tm := New(true, 5000, 0).WithClock(mock)
	deadline := tm.Deadline()
	assert.Equal(t, start.Add(5*time.Millisecond), deadline)

	mock.Add(5 * time.Millisecond)
	assert.True(t, !mock.Now().Before(deadline), "mock clock should have reached the quantum deadline")
}

func TestDisabledTimerArmIsNoop(t *testing.T) {
	tm := New(false, 1000, 100000)
	require.NoError(t, tm.Arm())
	require.NoError(t, tm.Disarm())
}

func TestArmDisarmRoundTrip(t *testing.T) {
	// SIGALRM's default disposition terminates the process; ignore it for
	// the duration of this test since nothing in this package installs a
	// handler (that is internal/signalcore's job).
	signal.Ignore(syscall.SIGALRM)
	defer signal.Reset(syscall.SIGALRM)

	tm := New(true, 50000, 1_000_000)
	require.NoError(t, tm.Arm())
	require.NoError(t, tm.Disarm())

	// Arming, disarming, then arming again should behave identically to
	// arming once (spec.md §8 round-trip property).
	require.NoError(t, tm.Arm())
	require.NoError(t, tm.Disarm())
}

func TestSetIntervalCyclesDoesNotRetuneWallClock(t *testing.T) {
	tm := New(false, 1000, 500)
	assert.EqualValues(t, 500, tm.QuantumCycles())

	tm.SetIntervalCycles(750)
	assert.EqualValues(t, 750, tm.QuantumCycles())
	assert.EqualValues(t, 1000, tm.QuantumMicros())
}

func TestCalibrationProducesPositiveCyclesPerMicro(t *testing.T) {
	tm := New(false, 1000, 100)
	assert.Greater(t, tm.CyclesPerMicro(), 0.0)
}
