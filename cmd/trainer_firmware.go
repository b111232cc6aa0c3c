package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/ble"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/config"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/events"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/gears"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/gpio"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/load"
	"github.com/lowaak/smart-trainer/trainer-firmware/internal/speed"
)

var adapter = bluetooth.DefaultAdapter

// TelemetrySnapshot is published once per broadcast tick for diagnostics.
type TelemetrySnapshot struct {
	Gear        int
	LoadPercent float64
	Incline     float64
	SpeedKmh    float64
	CadenceRPM  float64
	Position    int32
	Connected   bool
}

func main() {
	configPath := pflag.String("config", "", "path to YAML config (defaults apply when empty)")
	mock := pflag.Bool("mock", false, "use in-memory GPIO instead of the character device")
	deviceName := pflag.String("name", "", "override the advertised device name")
	pairing := pflag.Bool("pairing", false, "start in pairing mode")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trainer-firmware: %v\n", err)
		os.Exit(1)
	}
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}

	logger := newLogger(cfg.Log)
	logger.Printf("trainer firmware starting, device name %q", cfg.DeviceName)

	if err := run(logger, cfg, *mock, *pairing); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
	logger.Printf("trainer firmware stopped")
}

// newLogger writes to stderr and a size-rotated file.
func newLogger(cfg config.LogConfig) *log.Logger {
	writers := []io.Writer{os.Stderr}
	if cfg.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds)
}

func run(logger *log.Logger, cfg config.Config, mock, startPairing bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chip, err := openChip(logger, cfg.GPIO, mock)
	if err != nil {
		return err
	}
	defer chip.Close()

	selector, err := gears.NewSelector(logger, cfg.Gears.Count, cfg.Gears.MinRatio, cfg.Gears.MaxRatio)
	if err != nil {
		return err
	}

	in1, err := chip.Output(cfg.GPIO.MotorIn1)
	if err != nil {
		return err
	}
	in2, err := chip.Output(cfg.GPIO.MotorIn2)
	if err != nil {
		return err
	}

	// The home line serves double duty: level reads for AtHome and edge
	// events for the home pulse. The sensor does not exist yet when the
	// line is requested, so the handler closes over the variable.
	var sensor *load.PositionSensor
	homePin, err := chip.InputWithRisingEdge(cfg.GPIO.HomeSensor, func() {
		if sensor != nil {
			sensor.HandleHomePulse()
		}
	})
	if err != nil {
		return err
	}
	sensor = load.NewPositionSensor(logger, homePin)
	if _, err := chip.InputWithRisingEdge(cfg.GPIO.RotationSensor, sensor.HandleRotationPulse); err != nil {
		return err
	}

	controller := load.NewController(logger, in1, in2, sensor, selector)
	controller.SetSeekTuning(cfg.Seek.Timeout, cfg.Seek.ToleranceTicks, cfg.Seek.StallWindow)
	defer func() {
		if err := controller.StopMotor(); err != nil {
			logger.Printf("stopping motor on shutdown: %v", err)
		}
	}()

	wheelCounter := speed.NewPulseCounter(0)
	crankCounter := speed.NewPulseCounter(0)
	if _, err := chip.InputWithRisingEdge(cfg.GPIO.WheelSensor, wheelCounter.HandlePulse); err != nil {
		return err
	}
	if _, err := chip.InputWithRisingEdge(cfg.GPIO.CrankSensor, crankCounter.HandlePulse); err != nil {
		return err
	}
	monitor := speed.NewMonitor(logger, wheelCounter, crankCounter, selector, speed.Config{
		WheelCircumferenceM: cfg.Wheel.CircumferenceM,
		FixedGearAdjustment: cfg.Wheel.FixedGearAdjustment,
	})

	homing := load.NewHomingSequencer(logger, controller, sensor, load.HomingConfig{
		SampleInterval: cfg.Homing.SampleInterval,
		SettleTime:     cfg.Homing.SettleTime,
		MoveOffTimeout: cfg.Homing.MoveOffTimeout,
		SeekTimeout:    cfg.Homing.SeekTimeout,
	})

	loadControl := true
	if err := homing.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if !errors.Is(err, load.ErrCalibrationTimeout) {
			return fmt.Errorf("homing: %w", err)
		}
		// Keep broadcasting telemetry, but never move an uncalibrated motor.
		logger.Printf("homing failed, load control disabled: %v", err)
		loadControl = false
	}

	server := ble.NewServer(logger, adapter, ble.ServerConfig{
		DeviceName:     cfg.DeviceName,
		PairingTimeout: cfg.Pairing.Timeout,
	}, controller, monitor)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Shutdown()

	server.ConnectionChanged.Listen(func(st ble.ConnectionState) {
		if st.Connected {
			logger.Printf("session: peer %s, gear %d, load %.0f%%",
				st.Address, selector.CurrentGear(), controller.CurrentLoadPercent())
		}
	})
	server.ControlPoint().TargetChanged.Listen(func(tc ble.TargetChange) {
		logger.Printf("target: op %#02x accepted, incline now %.1f%%", tc.OpCode, tc.Incline)
	})

	if startPairing {
		if err := server.StartPairingMode(); err != nil {
			logger.Printf("entering pairing mode: %v", err)
		}
	}
	watchSignals(ctx, logger, server, selector)

	telemetry := events.NewChannelEvent[TelemetrySnapshot](true)
	go_func_utils.SafeGo(logger, "telemetry logger", func() {
		logTelemetry(ctx, logger, telemetry)
	})

	return mainLoop(ctx, logger, cfg.Loop, controller, sensor, server, func() TelemetrySnapshot {
		return TelemetrySnapshot{
			Gear:        selector.CurrentGear(),
			LoadPercent: controller.CurrentLoadPercent(),
			Incline:     controller.Incline(),
			SpeedKmh:    monitor.CalculatedSpeedKmh(),
			CadenceRPM:  monitor.CrankRPM(),
			Position:    sensor.Position(),
			Connected:   server.IsConnected(),
		}
	}, telemetry, loadControl)
}

func openChip(logger *log.Logger, cfg config.GPIOConfig, mock bool) (gpio.Chip, error) {
	if mock {
		logger.Printf("gpio: using mock chip")
		return gpio.NewMockChip(), nil
	}
	return gpio.OpenChip(logger, cfg.Chip)
}

// watchSignals maps SIGUSR1 to pairing mode and SIGUSR2 to a gear shift, so
// the firmware can be exercised headless from a shell.
func watchSignals(ctx context.Context, logger *log.Logger, server *ble.Server, selector *gears.Selector) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	go_func_utils.SafeGo(logger, "signal watcher", func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigs)
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGUSR1:
					if server.IsPairingMode() {
						if err := server.StopPairingMode(); err != nil {
							logger.Printf("leaving pairing mode: %v", err)
						}
					} else if err := server.StartPairingMode(); err != nil {
						logger.Printf("entering pairing mode: %v", err)
					}
				case syscall.SIGUSR2:
					if !selector.Increment() {
						if err := selector.SelectGear(1); err != nil {
							logger.Printf("resetting gear: %v", err)
						}
					}
				}
			}
		}
	})
}

func logTelemetry(ctx context.Context, logger *log.Logger, telemetry *events.ChannelEvent[TelemetrySnapshot]) {
	ch := make(chan TelemetrySnapshot, 1)
	stop := telemetry.Listen(ch)
	defer stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			count++
			if count%30 != 1 {
				continue
			}
			logger.Printf("telemetry: gear %d, load %.0f%%, incline %.1f%%, %.1f km/h, %.0f rpm, position %d, connected %t",
				snap.Gear, snap.LoadPercent, snap.Incline, snap.SpeedKmh, snap.CadenceRPM, snap.Position, snap.Connected)
		}
	}
}

// mainLoop runs the control tick and the telemetry broadcast until the
// context ends. Tick errors are counted: transient failures are retried
// after a delay, and only a run of consecutive failures escalates to a
// safety stop so the motor is never left energized by a wedged loop.
func mainLoop(
	ctx context.Context,
	logger *log.Logger,
	cfg config.LoopConfig,
	controller *load.Controller,
	sensor *load.PositionSensor,
	server *ble.Server,
	snapshot func() TelemetrySnapshot,
	telemetry *events.ChannelEvent[TelemetrySnapshot],
	loadControl bool,
) error {
	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	broadcast := time.NewTicker(cfg.BroadcastInterval)
	defer broadcast.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick.C:
			if err := safeTick(controller, sensor, server, loadControl); err != nil {
				consecutive++
				logger.Printf("control tick failed (%d/%d): %v", consecutive, cfg.MaxConsecutiveErrors, err)
				if consecutive >= cfg.MaxConsecutiveErrors {
					if stopErr := controller.StopMotor(); stopErr != nil {
						logger.Printf("safety stop: %v", stopErr)
					}
					return fmt.Errorf("%d consecutive control failures, last: %w", consecutive, err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(cfg.ErrorRetryDelay):
				}
			} else {
				consecutive = 0
			}

		case <-broadcast.C:
			server.BroadcastTelemetry()
			telemetry.Notify(snapshot())
		}
	}
}

// safeTick is one control-loop step with panic containment: a panic in the
// tick becomes an error for the supervisor above instead of killing the
// process with the motor possibly running.
func safeTick(controller *load.Controller, sensor *load.PositionSensor, server *ble.Server, loadControl bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in control tick: %v", r)
		}
	}()

	if loadControl {
		if err := controller.ApplyLoad(); err != nil {
			return err
		}
		if !controller.MotorRunning() {
			if _, err := sensor.SyncToHome(); err != nil {
				return err
			}
		}
	}
	server.Tick()
	return nil
}
