// Package speed derives wheel/crank RPM and a virtual ground speed from the
// trainer's rotation sensors. The trainer's flywheel is fixed-gear, so the
// raw wheel RPM is divided by a drivetrain adjustment factor and multiplied
// by the rider's virtual gear ratio before being converted to km/h.
package speed

import (
	"log"
	"sync"
)

const (
	defaultWheelCircumferenceM = 2.075
	defaultFixedGearAdjustment = 6.2
	// km/h per (rpm * metre): 60 min/h divided by 1000 m/km.
	kmhPerRPMMetre = 0.06
)

// GearRatioSource supplies the currently selected virtual gear ratio.
type GearRatioSource interface {
	CurrentRatio() float64
}

// Config tunes the speed model. Zero values fall back to the defaults for a
// 26-inch wheel.
type Config struct {
	WheelCircumferenceM float64
	FixedGearAdjustment float64
}

// Monitor aggregates the two pulse counters into the read-only speed and
// cadence figures telemetry wants.
type Monitor struct {
	logger *log.Logger
	wheel  *PulseCounter
	crank  *PulseCounter
	gears  GearRatioSource

	mu            sync.RWMutex
	circumference float64
	fixedGearAdj  float64
	calibration   float64
}

func NewMonitor(logger *log.Logger, wheel, crank *PulseCounter, gears GearRatioSource, cfg Config) *Monitor {
	if logger == nil {
		panic("logger is nil")
	}
	if cfg.WheelCircumferenceM <= 0 {
		cfg.WheelCircumferenceM = defaultWheelCircumferenceM
	}
	if cfg.FixedGearAdjustment <= 0 {
		cfg.FixedGearAdjustment = defaultFixedGearAdjustment
	}
	return &Monitor{
		logger:        logger,
		wheel:         wheel,
		crank:         crank,
		gears:         gears,
		circumference: cfg.WheelCircumferenceM,
		fixedGearAdj:  cfg.FixedGearAdjustment,
		calibration:   1.0,
	}
}

// WheelRPM is the raw flywheel RPM.
func (m *Monitor) WheelRPM() float64 { return m.wheel.RPM() }

// CrankRPM is the rider's cadence.
func (m *Monitor) CrankRPM() float64 { return m.crank.RPM() }

// CalculatedSpeedKmh is the virtual ground speed: flywheel RPM reduced by
// the fixed-gear adjustment, scaled by the virtual gear ratio, then
// converted through the wheel circumference.
func (m *Monitor) CalculatedSpeedKmh() float64 {
	m.mu.RLock()
	circumference := m.circumference * m.calibration
	adj := m.fixedGearAdj
	m.mu.RUnlock()

	virtualRPM := m.wheel.RPM() / adj * m.gears.CurrentRatio()
	return virtualRPM * circumference * kmhPerRPMMetre
}

// Calibrate adjusts the effective circumference so that knownWheelRPM maps
// to knownSpeedKmh, e.g. from a ride alongside a GPS unit.
func (m *Monitor) Calibrate(knownSpeedKmh, knownWheelRPM float64) {
	if knownSpeedKmh <= 0 || knownWheelRPM <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wheelRPS := knownWheelRPM / 60
	wanted := knownSpeedKmh / (wheelRPS * 3.6)
	m.calibration = wanted / m.circumference
	m.logger.Printf("speed: calibration factor %.4f (%.3fm effective circumference)",
		m.calibration, wanted)
}

// CalibrationFactor returns the current calibration multiplier.
func (m *Monitor) CalibrationFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calibration
}
