package load

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrCalibrationTimeout means the homing sequence gave up waiting for the
// home switch. The motor is stopped and home events are re-enabled before
// this is returned; the caller decides whether to ride on without load
// control.
var ErrCalibrationTimeout = errors.New("home calibration timed out")

// HomingConfig tunes the startup calibration. Zero values take the defaults
// in DefaultHomingConfig.
type HomingConfig struct {
	// SampleInterval is how often the home switch is polled.
	SampleInterval time.Duration
	// DebounceSamples is how many consecutive identical reads count as a
	// stable level.
	DebounceSamples int
	// SettleTime is the pause after moving off the switch, letting the
	// mechanism stop wobbling before counters are zeroed.
	SettleTime time.Duration
	// MoveOffTimeout bounds the reverse move off the switch.
	MoveOffTimeout time.Duration
	// SeekTimeout bounds the forward search for the switch. The crank can
	// start anywhere in its travel, so this is generous.
	SeekTimeout time.Duration
}

func DefaultHomingConfig() HomingConfig {
	return HomingConfig{
		SampleInterval:  10 * time.Millisecond,
		DebounceSamples: 10,
		SettleTime:      2 * time.Second,
		MoveOffTimeout:  30 * time.Second,
		SeekTimeout:     10 * time.Minute,
	}
}

// HomingSequencer drives the load crank to the home switch at startup so
// the position sensor starts from a known zero. It is the only part of the
// firmware allowed to block while moving the motor.
type HomingSequencer struct {
	logger     *log.Logger
	controller *Controller
	sensor     *PositionSensor
	cfg        HomingConfig
}

func NewHomingSequencer(logger *log.Logger, controller *Controller, sensor *PositionSensor, cfg HomingConfig) *HomingSequencer {
	if logger == nil {
		panic("logger is nil")
	}
	def := DefaultHomingConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.DebounceSamples <= 0 {
		cfg.DebounceSamples = def.DebounceSamples
	}
	if cfg.SettleTime <= 0 {
		cfg.SettleTime = def.SettleTime
	}
	if cfg.MoveOffTimeout <= 0 {
		cfg.MoveOffTimeout = def.MoveOffTimeout
	}
	if cfg.SeekTimeout <= 0 {
		cfg.SeekTimeout = def.SeekTimeout
	}
	return &HomingSequencer{logger: logger, controller: controller, sensor: sensor, cfg: cfg}
}

// Run executes the full homing sequence: back off the switch if already on
// it, zero the counters, then drive forward until the switch trips again.
// Home events are masked for the duration so the intermediate pass does not
// reset the counters mid-sequence.
func (h *HomingSequencer) Run(ctx context.Context) error {
	if !h.controller.acquireRun() {
		return errors.New("homing: motor is busy")
	}
	h.sensor.DisableHomeEvents()
	defer func() {
		_ = h.controller.StopMotor()
		h.controller.releaseRun()
		h.sensor.EnableHomeEvents()
	}()

	atHome, err := h.sensor.AtHome()
	if err != nil {
		return fmt.Errorf("homing: reading home switch: %w", err)
	}

	if atHome {
		h.logger.Printf("homing: already on home switch, backing off")
		if err := h.controller.Reverse(); err != nil {
			return err
		}
		if err := h.waitForLevel(ctx, 0, h.cfg.MoveOffTimeout); err != nil {
			return fmt.Errorf("homing: backing off switch: %w", err)
		}
		// Keep reversing through the settle window. The trigger is wide,
		// so the extra travel clears its mechanical slack before the
		// forward pass; stopping first would settle in the slack.
		if err := sleepCtx(ctx, h.cfg.SettleTime); err != nil {
			return err
		}
		if err := h.controller.StopMotor(); err != nil {
			return err
		}
	}

	h.sensor.ResetCounters()

	h.logger.Printf("homing: seeking home switch")
	if err := h.controller.Forward(); err != nil {
		return err
	}
	if err := h.waitForLevel(ctx, 1, h.cfg.SeekTimeout); err != nil {
		return fmt.Errorf("homing: seeking switch: %w", err)
	}
	if err := h.controller.StopMotor(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, h.cfg.SampleInterval*time.Duration(h.cfg.DebounceSamples)); err != nil {
		return err
	}

	if _, err := h.sensor.SyncToHome(); err != nil {
		return fmt.Errorf("homing: syncing position: %w", err)
	}
	h.sensor.ResetCounters()
	h.logger.Printf("homing: done, position zeroed")
	return nil
}

// waitForLevel polls the home switch until it reads level for
// DebounceSamples consecutive samples, or the timeout elapses.
func (h *HomingSequencer) waitForLevel(ctx context.Context, level int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	consecutive := 0
	for {
		if err := sleepCtx(ctx, h.cfg.SampleInterval); err != nil {
			return err
		}
		v, err := h.sensor.homePin.Value()
		if err != nil {
			return err
		}
		if v == level {
			consecutive++
			if consecutive >= h.cfg.DebounceSamples {
				return nil
			}
		} else {
			consecutive = 0
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waited %v for level %d", ErrCalibrationTimeout, timeout, level)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
