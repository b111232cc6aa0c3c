package load

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/gpio"
)

func newHomingRig(t *testing.T, cfg HomingConfig) (*HomingSequencer, *testRig, *gpio.MockLine) {
	t.Helper()
	rig := newTestRig(t)
	rig.controller.now = time.Now

	chip := gpio.NewMockChip()
	homePin, err := chip.Input(27)
	require.NoError(t, err)
	sensor := NewPositionSensor(testLogger(), homePin)
	rig.sensor = sensor
	rig.controller.sensor = sensor

	h := NewHomingSequencer(testLogger(), rig.controller, sensor, cfg)
	return h, rig, chip.Line(27)
}

func fastHomingConfig() HomingConfig {
	return HomingConfig{
		SampleInterval:  time.Millisecond,
		DebounceSamples: 3,
		SettleTime:      5 * time.Millisecond,
		MoveOffTimeout:  500 * time.Millisecond,
		SeekTimeout:     500 * time.Millisecond,
	}
}

func TestHomingFromHomeSwitch(t *testing.T) {
	cfg := fastHomingConfig()
	cfg.SettleTime = 200 * time.Millisecond
	h, rig, homePin := newHomingRig(t, cfg)
	homePin.SetLevel(1) // crank starts parked on the switch

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	// The sequencer reverses off the switch; let it see the switch release.
	time.Sleep(20 * time.Millisecond)
	v1, v2 := rig.motorState()
	assert.Equal(t, 0, v1)
	assert.Equal(t, 1, v2, "should be reversing off the switch")
	homePin.SetLevel(0)

	// The settle window runs with the motor still in reverse so the extra
	// travel clears the trigger's slack before the forward pass.
	time.Sleep(60 * time.Millisecond)
	v1, v2 = rig.motorState()
	assert.Equal(t, 0, v1)
	assert.Equal(t, 1, v2, "should still be reversing through the settle window")

	// After settling it seeks forward; trip the switch again.
	time.Sleep(250 * time.Millisecond)
	homePin.SetLevel(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("homing did not finish")
	}

	assert.Equal(t, int32(0), rig.sensor.Position())
	assert.Equal(t, int64(0), rig.sensor.HomePulseCount())

	// Motor de-energized, home events live again.
	v1, v2 = rig.motorState()
	assert.Equal(t, 0, v1)
	assert.Equal(t, 0, v2)
	assert.False(t, rig.controller.MotorRunning())
	rig.sensor.HandleHomePulse()
	assert.Equal(t, int64(1), rig.sensor.HomePulseCount())
}

func TestHomingOffSwitchSkipsBackoff(t *testing.T) {
	h, rig, homePin := newHomingRig(t, fastHomingConfig())
	homePin.SetLevel(0)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	v1, v2 := rig.motorState()
	assert.Equal(t, 1, v1, "should be seeking forward immediately")
	assert.Equal(t, 0, v2)
	homePin.SetLevel(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("homing did not finish")
	}
	assert.Equal(t, int32(0), rig.sensor.Position())
}

func TestHomingTimesOutWhenSwitchNeverTrips(t *testing.T) {
	cfg := fastHomingConfig()
	cfg.SeekTimeout = 30 * time.Millisecond
	h, rig, homePin := newHomingRig(t, cfg)
	homePin.SetLevel(0)

	err := h.Run(context.Background())
	require.ErrorIs(t, err, ErrCalibrationTimeout)

	v1, v2 := rig.motorState()
	assert.Equal(t, 0, v1)
	assert.Equal(t, 0, v2)
	assert.False(t, rig.controller.MotorRunning())

	rig.sensor.HandleHomePulse()
	assert.Equal(t, int64(1), rig.sensor.HomePulseCount(), "home events must come back after a failed run")
}

func TestHomingHonorsContextCancel(t *testing.T) {
	h, _, homePin := newHomingRig(t, fastHomingConfig())
	homePin.SetLevel(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("homing ignored cancellation")
	}
}
