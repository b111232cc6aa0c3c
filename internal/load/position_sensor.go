package load

import (
	"log"
	"sync/atomic"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/gpio"
)

const (
	// TicksPerRevolution is the number of rotation-sensor pulses for a full
	// turn of the load crank.
	TicksPerRevolution = 1000
	// MaxLoadTicks is half a revolution either side of home: 100% load.
	MaxLoadTicks = TicksPerRevolution / 2
)

// PositionSensor tracks the load crank position in signed ticks relative to
// the home switch. Position zero is home, +-MaxLoadTicks is full load on
// either side. HandleRotationPulse and HandleHomePulse are wired as GPIO
// edge handlers, so everything they touch is atomic; the rest of the
// firmware only reads.
type PositionSensor struct {
	logger  *log.Logger
	homePin gpio.InputLine

	position       atomic.Int32
	direction      atomic.Int32
	pulseCount     atomic.Int64
	homePulseCount atomic.Int64
	homeEvents     atomic.Bool
}

func NewPositionSensor(logger *log.Logger, homePin gpio.InputLine) *PositionSensor {
	if logger == nil {
		panic("logger is nil")
	}
	s := &PositionSensor{logger: logger, homePin: homePin}
	s.direction.Store(1)
	s.homeEvents.Store(true)
	return s
}

// HandleRotationPulse steps the position by the current direction sign.
// The position saturates at +-MaxLoadTicks: the motor is mechanically
// stopped there, so extra pulses past the limit are sensor bounce.
func (s *PositionSensor) HandleRotationPulse() {
	d := s.direction.Load()
	s.pulseCount.Add(int64(d))
	p := s.position.Add(d)
	if p > MaxLoadTicks {
		s.position.Store(MaxLoadTicks)
	} else if p < -MaxLoadTicks {
		s.position.Store(-MaxLoadTicks)
	}
}

// HandleHomePulse re-zeroes the position when the crank passes the home
// switch. Ignored while home events are disabled, which is how the homing
// sequence keeps its intermediate passes from clobbering the counters.
func (s *PositionSensor) HandleHomePulse() {
	if !s.homeEvents.Load() {
		return
	}
	s.homePulseCount.Add(1)
	s.position.Store(0)
}

// SetDirection records which way rotation pulses move the position.
// forward increments, otherwise decrements.
func (s *PositionSensor) SetDirection(forward bool) {
	if forward {
		s.direction.Store(1)
	} else {
		s.direction.Store(-1)
	}
}

func (s *PositionSensor) EnableHomeEvents() { s.homeEvents.Store(true) }

func (s *PositionSensor) DisableHomeEvents() { s.homeEvents.Store(false) }

func (s *PositionSensor) Position() int32 { return s.position.Load() }

func (s *PositionSensor) PulseCount() int64 { return s.pulseCount.Load() }

func (s *PositionSensor) HomePulseCount() int64 { return s.homePulseCount.Load() }

// AtHome reads the instantaneous home-switch level.
func (s *PositionSensor) AtHome() (bool, error) {
	v, err := s.homePin.Value()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// SyncToHome zeroes the position if the crank is sitting on the home switch
// right now. Returns whether a sync happened.
func (s *PositionSensor) SyncToHome() (bool, error) {
	atHome, err := s.AtHome()
	if err != nil {
		return false, err
	}
	if !atHome {
		return false, nil
	}
	if s.position.Load() != 0 {
		s.logger.Printf("position sensor: drift of %d ticks corrected at home", s.position.Load())
	}
	s.position.Store(0)
	return true, nil
}

// ResetCounters zeroes position and both pulse counters. Only the homing
// sequence calls this, with the motor stopped.
func (s *PositionSensor) ResetCounters() {
	s.position.Store(0)
	s.pulseCount.Store(0)
	s.homePulseCount.Store(0)
}
