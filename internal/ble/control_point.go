package ble

import (
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/events"
)

// LoadTarget is the slice of the resistance controller the control point is
// allowed to mutate.
type LoadTarget interface {
	SetIncline(percent float64)
	Incline() float64
	SetTargetResistance(percent float64)
	SetTargetPower(watts uint16)
	SetSimulation(windMps, gradePercent, crr, windResistance float64)
	ResetTargets()
}

// StatusSink is where dispatch results go: the control-point indication and
// the status/training-status notifications. The GATT server implements it;
// tests substitute a recorder. Implementations silently drop frames while
// no peer is connected.
type StatusSink interface {
	IndicateControlResponse(payload []byte)
	NotifyMachineStatus(payload []byte)
	NotifyTrainingStatus(status byte)
}

// ControlPoint is the FTMS control-point op-code dispatcher. Writes arrive
// one at a time from the BLE stack; each one mutates the load target and
// always produces exactly one response frame, whatever the payload looks
// like. A malformed write is answered, never dropped and never fatal.
// TargetChange describes a successful target mutation, for diagnostics.
type TargetChange struct {
	OpCode  byte
	Incline float64
}

type ControlPoint struct {
	logger *log.Logger
	target LoadTarget
	sink   StatusSink

	// TargetChanged fires after every op code that mutated the targets.
	TargetChanged *events.CallbackEvent[TargetChange]

	mu             sync.Mutex
	controlGranted bool
}

func NewControlPoint(logger *log.Logger, target LoadTarget, sink StatusSink) *ControlPoint {
	if logger == nil {
		panic("logger is nil")
	}
	return &ControlPoint{
		logger:        logger,
		target:        target,
		sink:          sink,
		TargetChanged: events.NewCallbackEvent[TargetChange](false),
	}
}

// ControlGranted reports whether a peer has requested control since the
// last connect or revoke.
func (cp *ControlPoint) ControlGranted() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.controlGranted
}

// RevokeControl clears the grant; the server calls this on every
// connection change.
func (cp *ControlPoint) RevokeControl() {
	cp.mu.Lock()
	cp.controlGranted = false
	cp.mu.Unlock()
}

// HandleWrite dispatches one control-point write. Every write is answered
// with a response frame, including malformed ones.
func (cp *ControlPoint) HandleWrite(value []byte) {
	if len(value) == 0 {
		cp.logger.Printf("control point: empty write rejected")
		cp.sink.IndicateControlResponse(ControlPointResponse(0x00, FTMSResultInvalidParameter))
		return
	}
	opCode := value[0]
	result := cp.dispatch(opCode, value)
	if result != FTMSResultSuccess {
		cp.logger.Printf("control point: op %#02x rejected with result %#02x", opCode, result)
	} else if mutatesTargets(opCode) {
		cp.TargetChanged.Notify(TargetChange{OpCode: opCode, Incline: cp.target.Incline()})
	}
	cp.sink.IndicateControlResponse(ControlPointResponse(opCode, result))
}

func mutatesTargets(opCode byte) bool {
	switch opCode {
	case FTMSOpCodeReset, FTMSOpCodeSetTargetInclination, FTMSOpCodeSetTargetResistance,
		FTMSOpCodeSetTargetPower, FTMSOpCodeSetIndoorBikeSimulation:
		return true
	}
	return false
}

func (cp *ControlPoint) dispatch(opCode byte, value []byte) byte {
	switch opCode {
	case FTMSOpCodeRequestControl:
		cp.mu.Lock()
		cp.controlGranted = true
		cp.mu.Unlock()
		return FTMSResultSuccess

	case FTMSOpCodeReset:
		cp.target.ResetTargets()
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusReset})
		return FTMSResultSuccess

	case FTMSOpCodeSetTargetInclination:
		if len(value) < 3 {
			return FTMSResultInvalidParameter
		}
		raw := int16(uint16(value[1]) | uint16(value[2])<<8)
		cp.target.SetIncline(float64(raw) / 10)
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusTargetInclineChanged, value[1], value[2]})
		return FTMSResultSuccess

	case FTMSOpCodeSetTargetResistance:
		if len(value) < 3 {
			return FTMSResultInvalidParameter
		}
		raw := int16(uint16(value[1]) | uint16(value[2])<<8)
		percent := float64(raw) / 10
		cp.target.SetTargetResistance(percent)
		// Legacy apps send resistance instead of incline; feed it to the
		// same input so they still get a load change.
		cp.target.SetIncline(percent)
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusTargetResistanceChanged, value[1], value[2]})
		return FTMSResultSuccess

	case FTMSOpCodeSetTargetPower:
		if len(value) < 3 {
			return FTMSResultInvalidParameter
		}
		watts := uint16(value[1]) | uint16(value[2])<<8
		cp.target.SetTargetPower(watts)
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusTargetPowerChanged, value[1], value[2]})
		return FTMSResultSuccess

	case FTMSOpCodeStartOrResume:
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusStartedOrResumedByUser})
		cp.sink.NotifyTrainingStatus(TrainingStatusManualMode)
		return FTMSResultSuccess

	case FTMSOpCodeStopOrPause:
		reason := byte(0x01)
		if len(value) >= 2 {
			reason = value[1]
		}
		cp.sink.NotifyMachineStatus([]byte{FTMSStatusStoppedOrPausedByUser, reason})
		cp.sink.NotifyTrainingStatus(TrainingStatusIdle)
		return FTMSResultSuccess

	case FTMSOpCodeSetIndoorBikeSimulation:
		if len(value) < 7 {
			return FTMSResultInvalidParameter
		}
		// wind 0.001 m/s, grade 0.01 %, crr 0.0001, cw 0.01 kg/m
		wind := int16(uint16(value[1]) | uint16(value[2])<<8)
		grade := int16(uint16(value[3]) | uint16(value[4])<<8)
		crr := value[5]
		cw := value[6]
		gradePercent := float64(grade) / 100
		cp.target.SetSimulation(float64(wind)/1000, gradePercent, float64(crr)/10000, float64(cw)/100)
		cp.target.SetIncline(gradePercent)
		cp.sink.NotifyMachineStatus(append([]byte{FTMSStatusIndoorBikeSimulationSet}, value[1:7]...))
		return FTMSResultSuccess

	default:
		return FTMSResultOpCodeNotSupported
	}
}
