package ble

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTarget struct {
	incline    float64
	resistance float64
	power      uint16
	sim        [4]float64
	resets     int
}

func (r *recordedTarget) SetIncline(percent float64)      { r.incline = percent }
func (r *recordedTarget) Incline() float64                { return r.incline }
func (r *recordedTarget) SetTargetResistance(pct float64) { r.resistance = pct }
func (r *recordedTarget) SetTargetPower(watts uint16)     { r.power = watts }
func (r *recordedTarget) ResetTargets()                   { r.resets++ }
func (r *recordedTarget) SetSimulation(w, g, crr, cw float64) {
	r.sim = [4]float64{w, g, crr, cw}
}

type recordedSink struct {
	responses      [][]byte
	machineStatus  [][]byte
	trainingStatus []byte
}

func (r *recordedSink) IndicateControlResponse(payload []byte) {
	r.responses = append(r.responses, payload)
}

func (r *recordedSink) NotifyMachineStatus(payload []byte) {
	r.machineStatus = append(r.machineStatus, payload)
}

func (r *recordedSink) NotifyTrainingStatus(status byte) {
	r.trainingStatus = append(r.trainingStatus, status)
}

func newTestControlPoint() (*ControlPoint, *recordedTarget, *recordedSink) {
	target := &recordedTarget{}
	sink := &recordedSink{}
	cp := NewControlPoint(log.New(io.Discard, "", 0), target, sink)
	return cp, target, sink
}

func lastResponse(t *testing.T, sink *recordedSink) []byte {
	t.Helper()
	require.NotEmpty(t, sink.responses)
	return sink.responses[len(sink.responses)-1]
}

func TestRequestControl(t *testing.T) {
	cp, _, sink := newTestControlPoint()
	assert.False(t, cp.ControlGranted())

	cp.HandleWrite([]byte{FTMSOpCodeRequestControl})
	assert.True(t, cp.ControlGranted())
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, lastResponse(t, sink))

	cp.RevokeControl()
	assert.False(t, cp.ControlGranted())
}

func TestSetTargetInclination(t *testing.T) {
	cp, target, sink := newTestControlPoint()

	// int16 50 little-endian = 5.0 percent.
	cp.HandleWrite([]byte{0x03, 0x32, 0x00})
	assert.InDelta(t, 5.0, target.incline, 1e-9)
	assert.Equal(t, []byte{0x80, 0x03, 0x01}, lastResponse(t, sink))
	require.Len(t, sink.machineStatus, 1)
	assert.Equal(t, []byte{FTMSStatusTargetInclineChanged, 0x32, 0x00}, sink.machineStatus[0])

	// Negative grade.
	cp.HandleWrite([]byte{0x03, 0xCE, 0xFF})
	assert.InDelta(t, -5.0, target.incline, 1e-9)
}

func TestShortInclinationWriteRejectedWithoutMutation(t *testing.T) {
	cp, target, sink := newTestControlPoint()
	target.incline = 7.5

	cp.HandleWrite([]byte{0x03})
	assert.Equal(t, []byte{0x80, 0x03, 0x03}, lastResponse(t, sink))
	assert.InDelta(t, 7.5, target.incline, 1e-9, "failed write must not touch the target")
	assert.Empty(t, sink.machineStatus)
}

func TestUnknownOpCodeNotSupported(t *testing.T) {
	cp, _, sink := newTestControlPoint()

	cp.HandleWrite([]byte{0xFF})
	assert.Equal(t, []byte{0x80, 0xFF, 0x02}, lastResponse(t, sink))

	cp.HandleWrite([]byte{0x02, 0x10, 0x00})
	assert.Equal(t, []byte{0x80, 0x02, 0x02}, lastResponse(t, sink), "target speed is not supported")
}

func TestSetTargetResistanceFeedsInclineInput(t *testing.T) {
	cp, target, sink := newTestControlPoint()

	// int16 250 = 25.0 percent resistance.
	cp.HandleWrite([]byte{0x04, 0xFA, 0x00})
	assert.InDelta(t, 25.0, target.resistance, 1e-9)
	assert.InDelta(t, 25.0, target.incline, 1e-9)
	require.Len(t, sink.machineStatus, 1)
	assert.Equal(t, byte(FTMSStatusTargetResistanceChanged), sink.machineStatus[0][0])
}

func TestSetTargetPower(t *testing.T) {
	cp, target, sink := newTestControlPoint()

	cp.HandleWrite([]byte{0x05, 0x2C, 0x01})
	assert.Equal(t, uint16(300), target.power)
	assert.Equal(t, []byte{0x80, 0x05, 0x01}, lastResponse(t, sink))

	cp.HandleWrite([]byte{0x05, 0x2C})
	assert.Equal(t, []byte{0x80, 0x05, 0x03}, lastResponse(t, sink))
}

func TestReset(t *testing.T) {
	cp, target, sink := newTestControlPoint()

	cp.HandleWrite([]byte{FTMSOpCodeReset})
	assert.Equal(t, 1, target.resets)
	require.Len(t, sink.machineStatus, 1)
	assert.Equal(t, []byte{FTMSStatusReset}, sink.machineStatus[0])
}

func TestStartStopDriveTrainingStatus(t *testing.T) {
	cp, _, sink := newTestControlPoint()

	cp.HandleWrite([]byte{FTMSOpCodeStartOrResume})
	require.Len(t, sink.trainingStatus, 1)
	assert.Equal(t, TrainingStatusManualMode, sink.trainingStatus[0])
	assert.Equal(t, []byte{FTMSStatusStartedOrResumedByUser}, sink.machineStatus[0])

	cp.HandleWrite([]byte{FTMSOpCodeStopOrPause, 0x02})
	require.Len(t, sink.trainingStatus, 2)
	assert.Equal(t, TrainingStatusIdle, sink.trainingStatus[1])
	assert.Equal(t, []byte{FTMSStatusStoppedOrPausedByUser, 0x02}, sink.machineStatus[1])
}

func TestIndoorBikeSimulation(t *testing.T) {
	cp, target, sink := newTestControlPoint()

	// wind 1.5 m/s, grade 4.2%, crr 0.0040, cw 0.51 kg/m.
	cp.HandleWrite([]byte{0x11, 0xDC, 0x05, 0xA4, 0x01, 0x28, 0x33})
	assert.InDelta(t, 1.5, target.sim[0], 1e-9)
	assert.InDelta(t, 4.2, target.sim[1], 1e-9)
	assert.InDelta(t, 0.004, target.sim[2], 1e-9)
	assert.InDelta(t, 0.51, target.sim[3], 1e-9)
	assert.InDelta(t, 4.2, target.incline, 1e-9, "grade drives the incline input")
	assert.Equal(t, []byte{0x80, 0x11, 0x01}, lastResponse(t, sink))

	cp.HandleWrite([]byte{0x11, 0xDC, 0x05, 0xA4})
	assert.Equal(t, []byte{0x80, 0x11, 0x03}, lastResponse(t, sink))
}

func TestTargetChangedEvent(t *testing.T) {
	cp, _, _ := newTestControlPoint()

	var changes []TargetChange
	cp.TargetChanged.Listen(func(tc TargetChange) { changes = append(changes, tc) })

	cp.HandleWrite([]byte{0x03, 0x32, 0x00})
	// Invalid writes and non-mutating ops produce no event.
	cp.HandleWrite([]byte{0x03})
	cp.HandleWrite([]byte{FTMSOpCodeStartOrResume})
	cp.HandleWrite([]byte{FTMSOpCodeReset})

	require.Len(t, changes, 2)
	assert.Equal(t, FTMSOpCodeSetTargetInclination, changes[0].OpCode)
	assert.InDelta(t, 5.0, changes[0].Incline, 1e-9)
	assert.Equal(t, FTMSOpCodeReset, changes[1].OpCode)
}

func TestEmptyWriteAnswered(t *testing.T) {
	cp, target, sink := newTestControlPoint()
	cp.HandleWrite(nil)
	assert.Equal(t, []byte{0x80, 0x00, 0x03}, lastResponse(t, sink))
	assert.Zero(t, target.incline)
	assert.Empty(t, sink.machineStatus)
}
