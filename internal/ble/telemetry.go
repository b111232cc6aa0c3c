package ble

import "time"

// cscAccumulator integrates instantaneous RPM readings into the cumulative
// revolution counters the CSC profile wants. Counters only advance while
// the corresponding RPM is positive and never go backwards; event times are
// in 1/1024 s and track the accumulated riding time, wrapping at the field
// width as the profile allows.
type cscAccumulator struct {
	lastTick time.Time

	wheelRevs    float64
	wheelSeconds float64
	crankRevs    float64
	crankSeconds float64
}

// advance integrates from the previous call to now and returns the frame to
// send. The first call establishes the time base and reports zeros.
func (a *cscAccumulator) advance(now time.Time, wheelRPM, crankRPM float64) CSCMeasurement {
	var elapsed float64
	if !a.lastTick.IsZero() {
		elapsed = now.Sub(a.lastTick).Seconds()
	}
	a.lastTick = now

	if elapsed > 0 {
		if wheelRPM > 0 {
			a.wheelRevs += wheelRPM / 60 * elapsed
			a.wheelSeconds += elapsed
		}
		if crankRPM > 0 {
			a.crankRevs += crankRPM / 60 * elapsed
			a.crankSeconds += elapsed
		}
	}

	return CSCMeasurement{
		WheelRevolutions: uint32(a.wheelRevs),
		WheelEventTime:   uint16(int64(a.wheelSeconds * 1024)),
		CrankRevolutions: uint16(int64(a.crankRevs)),
		CrankEventTime:   uint16(int64(a.crankSeconds * 1024)),
	}
}
