package ble

import (
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoadState struct {
	recordedTarget
	loadPercent float64
}

func (f *fakeLoadState) CurrentLoadPercent() float64 { return f.loadPercent }

type fakeSpeed struct {
	wheelRPM float64
	crankRPM float64
	speedKmh float64
}

func (f *fakeSpeed) WheelRPM() float64 { return f.wheelRPM }

func (f *fakeSpeed) CrankRPM() float64 { return f.crankRPM }

func (f *fakeSpeed) CalculatedSpeedKmh() float64 { return f.speedKmh }

type fakeChar struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeChar) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(p))
	copy(frame, p)
	f.frames = append(f.frames, frame)
	return len(p), nil
}

func (f *fakeChar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeChar) last(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	return f.frames[len(f.frames)-1]
}

type fakeAdvertiser struct {
	mu       sync.Mutex
	name     string
	interval time.Duration
	running  bool
	starts   int
}

func (f *fakeAdvertiser) configure(name string, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	f.interval = interval
	return nil
}

func (f *fakeAdvertiser) start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeAdvertiser) stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

type serverRig struct {
	server *Server
	load   *fakeLoadState
	speed  *fakeSpeed
	adv    *fakeAdvertiser
	clock  *serverClock

	controlPoint, indoorBike, machineStatus, trainingStatus, cscMeasurement *fakeChar
}

type serverClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *serverClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *serverClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	load := &fakeLoadState{}
	speed := &fakeSpeed{}
	s := NewServer(log.New(io.Discard, "", 0), nil, ServerConfig{
		DeviceName:     "Bench Trainer",
		PairingTimeout: 120 * time.Second,
	}, load, speed)

	rig := &serverRig{
		server:         s,
		load:           load,
		speed:          speed,
		adv:            &fakeAdvertiser{},
		clock:          &serverClock{t: time.Unix(5000, 0)},
		controlPoint:   &fakeChar{},
		indoorBike:     &fakeChar{},
		machineStatus:  &fakeChar{},
		trainingStatus: &fakeChar{},
		cscMeasurement: &fakeChar{},
	}
	s.adv = rig.adv
	s.now = rig.clock.Now
	s.controlPointChar = rig.controlPoint
	s.indoorBikeChar = rig.indoorBike
	s.machineStatusChar = rig.machineStatus
	s.trainingStatusChar = rig.trainingStatus
	s.cscMeasurementChar = rig.cscMeasurement
	return rig
}

func TestBroadcastSkippedWhileDisconnected(t *testing.T) {
	rig := newServerRig(t)
	rig.speed.crankRPM = 90

	rig.server.BroadcastTelemetry()
	assert.Zero(t, rig.indoorBike.count())
	assert.Zero(t, rig.cscMeasurement.count())
}

func TestBroadcastSendsBothFrames(t *testing.T) {
	rig := newServerRig(t)
	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)

	rig.speed.wheelRPM = 300
	rig.speed.crankRPM = 90
	rig.speed.speedKmh = 25.5
	rig.load.loadPercent = 55

	rig.server.BroadcastTelemetry()
	require.Equal(t, 1, rig.indoorBike.count())
	require.Equal(t, 1, rig.cscMeasurement.count())

	bike, err := DecodeIndoorBikeData(rig.indoorBike.last(t))
	require.NoError(t, err)
	assert.InDelta(t, 25.5, bike.SpeedKmh, 0.01)
	assert.InDelta(t, 90, bike.CadenceRPM, 0.5)
	assert.InDelta(t, 55, bike.ResistanceLevel, 0.1)
	assert.Zero(t, bike.PowerWatts, "no power meter fitted")
}

func TestCSCCountersMonotonicAndFreezeAtZeroRPM(t *testing.T) {
	rig := newServerRig(t)
	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)
	rig.speed.wheelRPM = 120
	rig.speed.crankRPM = 60

	var prev CSCMeasurement
	for i := 0; i < 5; i++ {
		rig.clock.Advance(time.Second)
		rig.server.BroadcastTelemetry()

		m, err := DecodeCSCMeasurement(rig.cscMeasurement.last(t))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, m.WheelRevolutions, prev.WheelRevolutions)
		assert.GreaterOrEqual(t, m.CrankRevolutions, prev.CrankRevolutions)
		prev = m
	}
	// 120 rpm for 4 integrated seconds (first tick sets the time base).
	assert.Equal(t, uint32(8), prev.WheelRevolutions)
	assert.Equal(t, uint16(4), prev.CrankRevolutions)

	// Rider stops: counters and event times must hold still.
	rig.speed.wheelRPM = 0
	rig.speed.crankRPM = 0
	rig.clock.Advance(10 * time.Second)
	rig.server.BroadcastTelemetry()
	m, err := DecodeCSCMeasurement(rig.cscMeasurement.last(t))
	require.NoError(t, err)
	assert.Equal(t, prev, m)
}

func TestStatusSinkGatedOnConnection(t *testing.T) {
	rig := newServerRig(t)

	rig.server.IndicateControlResponse(ControlPointResponse(0x03, FTMSResultSuccess))
	rig.server.NotifyMachineStatus([]byte{FTMSStatusReset})
	rig.server.NotifyTrainingStatus(TrainingStatusIdle)
	assert.Zero(t, rig.controlPoint.count())
	assert.Zero(t, rig.machineStatus.count())
	assert.Zero(t, rig.trainingStatus.count())

	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)
	rig.server.IndicateControlResponse(ControlPointResponse(0x03, FTMSResultSuccess))
	rig.server.NotifyTrainingStatus(TrainingStatusManualMode)
	assert.Equal(t, []byte{0x80, 0x03, 0x01}, rig.controlPoint.last(t))
	assert.Equal(t, []byte{0x00, 0x0D}, rig.trainingStatus.last(t))
}

func TestConnectClearsControlGrant(t *testing.T) {
	rig := newServerRig(t)
	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)

	rig.server.ControlPoint().HandleWrite([]byte{FTMSOpCodeRequestControl})
	require.True(t, rig.server.ControlPoint().ControlGranted())

	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", false)
	assert.False(t, rig.server.ControlPoint().ControlGranted())
	assert.False(t, rig.server.IsConnected())
	assert.True(t, rig.adv.running, "advertising resumes on disconnect")
}

func TestConnectionStateEventReplays(t *testing.T) {
	rig := newServerRig(t)
	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)

	var got ConnectionState
	rig.server.ConnectionChanged.Listen(func(s ConnectionState) { got = s })
	assert.True(t, got.Connected)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.Address)
}

func TestPairingModeChangesIdentity(t *testing.T) {
	rig := newServerRig(t)

	require.NoError(t, rig.server.StartPairingMode())
	assert.True(t, rig.server.IsPairingMode())
	assert.True(t, strings.HasSuffix(rig.adv.name, pairingNameSuffix))
	assert.Equal(t, 50*time.Millisecond, rig.adv.interval)

	require.NoError(t, rig.server.StopPairingMode())
	assert.False(t, rig.server.IsPairingMode())
	assert.Equal(t, "Bench Trainer", rig.adv.name)
	assert.Equal(t, 200*time.Millisecond, rig.adv.interval)
}

func TestPairingModeTimesOut(t *testing.T) {
	rig := newServerRig(t)
	require.NoError(t, rig.server.StartPairingMode())

	rig.clock.Advance(119 * time.Second)
	rig.server.Tick()
	assert.True(t, rig.server.IsPairingMode())

	rig.clock.Advance(2 * time.Second)
	rig.server.Tick()
	assert.False(t, rig.server.IsPairingMode())
	assert.Equal(t, "Bench Trainer", rig.adv.name)
}

func TestPairingModeExitsOnConnect(t *testing.T) {
	rig := newServerRig(t)
	require.NoError(t, rig.server.StartPairingMode())

	rig.server.handleConnectionChange("AA:BB:CC:DD:EE:FF", true)
	assert.False(t, rig.server.IsPairingMode())

	// While connected, pairing mode cannot be re-armed.
	require.NoError(t, rig.server.StartPairingMode())
	assert.False(t, rig.server.IsPairingMode())
}
