package ble

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/events"
)

const pairingNameSuffix = " [PAIRING]"

// SpeedProvider is the read-only slice of the speed monitor the server
// consumes when building telemetry frames.
type SpeedProvider interface {
	WheelRPM() float64
	CrankRPM() float64
	CalculatedSpeedKmh() float64
}

// LoadState is everything the protocol engine needs from the resistance
// controller: the mutable targets plus the live load readback.
type LoadState interface {
	LoadTarget
	CurrentLoadPercent() float64
}

// ConnectionState is published on every connect/disconnect.
type ConnectionState struct {
	Connected bool
	Address   string
}

// ServerConfig carries the advertising identity and timing.
type ServerConfig struct {
	DeviceName                 string
	AdvertisingInterval        time.Duration
	PairingAdvertisingInterval time.Duration
	PairingTimeout             time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.DeviceName == "" {
		c.DeviceName = "Smart Trainer"
	}
	if c.AdvertisingInterval <= 0 {
		c.AdvertisingInterval = 200 * time.Millisecond
	}
	if c.PairingAdvertisingInterval <= 0 {
		c.PairingAdvertisingInterval = 50 * time.Millisecond
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 120 * time.Second
	}
}

// frameWriter is the slice of bluetooth.Characteristic the server needs to
// push a notification or indication. Tests substitute recorders.
type frameWriter interface {
	Write(p []byte) (n int, err error)
}

// advertiser abstracts the adapter's advertisement so pairing-mode logic is
// testable without a radio.
type advertiser interface {
	configure(name string, interval time.Duration) error
	start() error
	stop() error
}

// Server is the GATT peripheral: it registers the FTMS and CSC services,
// owns the connection state and advertising, and pushes telemetry. Writes
// to the control point are delegated to ControlPoint; its responses come
// back through the StatusSink methods below.
type Server struct {
	logger  *log.Logger
	adapter *bluetooth.Adapter
	cfg     ServerConfig
	load    LoadState
	speed   SpeedProvider
	cp      *ControlPoint

	// ConnectionChanged replays the last state so late subscribers know
	// whether a peer is already connected.
	ConnectionChanged *events.CallbackEvent[ConnectionState]

	adv advertiser

	mu           sync.RWMutex
	connected    bool
	peerAddress  string
	pairing      bool
	pairingSince time.Time
	csc          cscAccumulator

	controlPointChar   frameWriter
	indoorBikeChar     frameWriter
	machineStatusChar  frameWriter
	trainingStatusChar frameWriter
	cscMeasurementChar frameWriter

	now func() time.Time
}

func NewServer(logger *log.Logger, adapter *bluetooth.Adapter, cfg ServerConfig, load LoadState, speed SpeedProvider) *Server {
	if logger == nil {
		panic("logger is nil")
	}
	cfg.applyDefaults()
	s := &Server{
		logger:            logger,
		adapter:           adapter,
		cfg:               cfg,
		load:              load,
		speed:             speed,
		ConnectionChanged: events.NewCallbackEvent[ConnectionState](true),
		now:               time.Now,
	}
	s.cp = NewControlPoint(logger, load, s)
	return s
}

// ControlPoint exposes the dispatcher, mainly so callers can inspect the
// control grant.
func (s *Server) ControlPoint() *ControlPoint { return s.cp }

// Start powers the adapter, registers both services and begins advertising.
func (s *Server) Start() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		s.handleConnectionChange(device.Address.String(), connected)
	})

	if err := s.registerFitnessMachineService(); err != nil {
		return err
	}
	if err := s.registerCyclingSpeedCadenceService(); err != nil {
		return err
	}

	if s.adv == nil {
		s.adv = &adapterAdvertiser{adv: s.adapter.DefaultAdvertisement()}
	}
	if err := s.advertise(); err != nil {
		return err
	}
	s.logger.Printf("ble: advertising as %q", s.cfg.DeviceName)
	return nil
}

// Shutdown stops advertising. Connected peers are dropped by the stack when
// the process exits.
func (s *Server) Shutdown() {
	if s.adv != nil {
		if err := s.adv.stop(); err != nil {
			s.logger.Printf("ble: stopping advertisement: %v", err)
		}
	}
}

func (s *Server) registerFitnessMachineService() error {
	var controlPoint, indoorBike, machineStatus, trainingStatus bluetooth.Characteristic
	err := s.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUIDFitnessMachine,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  CharUUIDFTMSFeature,
				Value: FTMSFeaturePayload(),
				Flags: bluetooth.CharacteristicReadPermission,
			},
			{
				UUID:  CharUUIDResistanceLevelRange,
				Value: ResistanceLevelRangePayload(),
				Flags: bluetooth.CharacteristicReadPermission,
			},
			{
				UUID:  CharUUIDInclinationRange,
				Value: InclinationRangePayload(),
				Flags: bluetooth.CharacteristicReadPermission,
			},
			{
				Handle: &indoorBike,
				UUID:   CharUUIDIndoorBikeData,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &trainingStatus,
				UUID:   CharUUIDTrainingStatus,
				Value:  TrainingStatusPayload(TrainingStatusIdle),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &machineStatus,
				UUID:   CharUUIDFTMSStatus,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &controlPoint,
				UUID:   CharUUIDFTMSControlPoint,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					s.cp.HandleWrite(value)
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("registering fitness machine service: %w", err)
	}
	s.controlPointChar = &controlPoint
	s.indoorBikeChar = &indoorBike
	s.machineStatusChar = &machineStatus
	s.trainingStatusChar = &trainingStatus
	return nil
}

func (s *Server) registerCyclingSpeedCadenceService() error {
	var measurement bluetooth.Characteristic
	err := s.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUIDCyclingSpeedCadence,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &measurement,
				UUID:   CharUUIDCSCMeasurement,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  CharUUIDCSCFeature,
				Value: CSCFeaturePayload(),
				Flags: bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("registering cycling speed and cadence service: %w", err)
	}
	s.cscMeasurementChar = &measurement
	return nil
}

func (s *Server) handleConnectionChange(address string, connected bool) {
	s.mu.Lock()
	s.connected = connected
	if connected {
		s.peerAddress = address
	} else {
		s.peerAddress = ""
	}
	wasPairing := s.pairing
	if connected {
		s.pairing = false
	}
	s.mu.Unlock()

	// Either direction invalidates a previous control grant.
	s.cp.RevokeControl()

	if connected {
		s.logger.Printf("ble: central %s connected", address)
		if wasPairing {
			s.logger.Printf("ble: pairing mode finished")
		}
	} else {
		s.logger.Printf("ble: central %s disconnected, resuming advertising", address)
		if err := s.advertise(); err != nil {
			s.logger.Printf("ble: resuming advertising: %v", err)
		}
	}

	s.ConnectionChanged.Notify(ConnectionState{Connected: connected, Address: address})
}

// advertise (re)configures the advertisement for the current mode.
func (s *Server) advertise() error {
	name := s.cfg.DeviceName
	interval := s.cfg.AdvertisingInterval
	if s.IsPairingMode() {
		name += pairingNameSuffix
		interval = s.cfg.PairingAdvertisingInterval
	}

	_ = s.adv.stop()
	if err := s.adv.configure(name, interval); err != nil {
		return fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := s.adv.start(); err != nil {
		return fmt.Errorf("starting advertisement: %w", err)
	}
	return nil
}

func (s *Server) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Server) PeerAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerAddress
}

// StartPairingMode switches to the discoverable identity: the name gains a
// pairing suffix and advertising speeds up. It ends on connect or after the
// configured timeout.
func (s *Server) StartPairingMode() error {
	s.mu.Lock()
	if s.pairing || s.connected {
		s.mu.Unlock()
		return nil
	}
	s.pairing = true
	s.pairingSince = s.now()
	s.mu.Unlock()

	s.logger.Printf("ble: pairing mode on for %v", s.cfg.PairingTimeout)
	return s.advertise()
}

func (s *Server) StopPairingMode() error {
	s.mu.Lock()
	if !s.pairing {
		s.mu.Unlock()
		return nil
	}
	s.pairing = false
	s.mu.Unlock()

	s.logger.Printf("ble: pairing mode off")
	if s.IsConnected() {
		return nil
	}
	return s.advertise()
}

func (s *Server) IsPairingMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairing
}

// Tick expires pairing mode. Called from the main loop.
func (s *Server) Tick() {
	s.mu.RLock()
	expired := s.pairing && s.now().Sub(s.pairingSince) > s.cfg.PairingTimeout
	s.mu.RUnlock()
	if expired {
		s.logger.Printf("ble: pairing mode timed out")
		if err := s.StopPairingMode(); err != nil {
			s.logger.Printf("ble: leaving pairing mode: %v", err)
		}
	}
}

// BroadcastTelemetry builds and sends one Indoor Bike Data frame and one
// CSC Measurement frame. Revolution counters keep integrating while
// disconnected so they stay monotonic; the frames themselves are skipped.
func (s *Server) BroadcastTelemetry() {
	wheelRPM := s.speed.WheelRPM()
	crankRPM := s.speed.CrankRPM()

	s.mu.Lock()
	cscFrame := s.csc.advance(s.now(), wheelRPM, crankRPM)
	s.mu.Unlock()

	if !s.IsConnected() {
		return
	}

	bike := IndoorBikeData{
		SpeedKmh:        s.speed.CalculatedSpeedKmh(),
		CadenceRPM:      crankRPM,
		ResistanceLevel: s.load.CurrentLoadPercent(),
	}
	s.notify(s.indoorBikeChar, EncodeIndoorBikeData(bike), "indoor bike data")
	s.notify(s.cscMeasurementChar, EncodeCSCMeasurement(cscFrame), "csc measurement")
}

// IndicateControlResponse implements StatusSink.
func (s *Server) IndicateControlResponse(payload []byte) {
	if !s.IsConnected() {
		return
	}
	s.notify(s.controlPointChar, payload, "control point response")
}

// NotifyMachineStatus implements StatusSink.
func (s *Server) NotifyMachineStatus(payload []byte) {
	if !s.IsConnected() {
		return
	}
	s.notify(s.machineStatusChar, payload, "machine status")
}

// NotifyTrainingStatus implements StatusSink.
func (s *Server) NotifyTrainingStatus(status byte) {
	if !s.IsConnected() {
		return
	}
	s.notify(s.trainingStatusChar, TrainingStatusPayload(status), "training status")
}

func (s *Server) notify(char frameWriter, payload []byte, what string) {
	if char == nil {
		return
	}
	if _, err := char.Write(payload); err != nil {
		s.logger.Printf("ble: sending %s: %v", what, err)
	}
}

var _ StatusSink = (*Server)(nil)

type adapterAdvertiser struct {
	adv *bluetooth.Advertisement
}

func (a *adapterAdvertiser) configure(name string, interval time.Duration) error {
	return a.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: name,
		ServiceUUIDs: []bluetooth.UUID{
			ServiceUUIDFitnessMachine,
			ServiceUUIDCyclingSpeedCadence,
		},
		Interval: bluetooth.NewDuration(interval),
	})
}

func (a *adapterAdvertiser) start() error { return a.adv.Start() }
func (a *adapterAdvertiser) stop() error  { return a.adv.Stop() }
