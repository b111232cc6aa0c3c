package load

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/trainer-firmware/internal/gpio"
)

// ErrSeekTimeout means a load seek failed to converge before its deadline.
// The motor is already stopped when this is returned.
var ErrSeekTimeout = errors.New("load seek timed out")

// GearProvider supplies the rider's currently selected gear ratio and the
// range the ratio normalizes against.
type GearProvider interface {
	CurrentRatio() float64
	MinRatio() float64
	MaxRatio() float64
}

// SimulationParams is the last accepted indoor bike simulation request, in
// engineering units.
type SimulationParams struct {
	WindSpeedMps   float64
	GradePercent   float64
	Crr            float64
	WindResistance float64
}

const (
	baseLoadFloorPercent = 50.0
	baseLoadSpanPercent  = 25.0
	inclineSpanPercent   = 25.0
	loadStepPercent      = 5.0

	defaultSeekTimeout        = 30 * time.Second
	defaultSeekToleranceTicks = 5
	defaultStallWindow        = 2 * time.Second
)

// Controller closes the loop between the ride state (gear ratio, target
// incline) and the motor position. Target setters are called from the BLE
// write path; ApplyLoad is called on every main-loop tick and owns the
// motor. A single run lock keeps seeks from overlapping: a tick that wants
// to move while a seek is in flight simply advances the existing seek, and
// the new target is picked up on the tick after convergence.
type Controller struct {
	logger *log.Logger
	in1    gpio.OutputLine
	in2    gpio.OutputLine
	sensor *PositionSensor
	gears  GearProvider

	mu               sync.RWMutex
	inclinePercent   float64
	targetResistance float64
	targetPowerWatts uint16
	sim              SimulationParams

	running atomic.Bool

	// Seek state. Touched only from the ApplyLoad goroutine.
	seekTarget    int32
	seekDeadline  time.Time
	seekLastCount int64
	seekLastMove  time.Time
	seekStalled   bool

	seekTimeout    time.Duration
	toleranceTicks int32
	stallWindow    time.Duration

	now func() time.Time
}

func NewController(logger *log.Logger, in1, in2 gpio.OutputLine, sensor *PositionSensor, gears GearProvider) *Controller {
	if logger == nil {
		panic("logger is nil")
	}
	return &Controller{
		logger:         logger,
		in1:            in1,
		in2:            in2,
		sensor:         sensor,
		gears:          gears,
		seekTimeout:    defaultSeekTimeout,
		toleranceTicks: defaultSeekToleranceTicks,
		stallWindow:    defaultStallWindow,
		now:            time.Now,
	}
}

// SetSeekTuning overrides the seek deadline, convergence tolerance and
// stall-warning window. Zero values keep the defaults.
func (c *Controller) SetSeekTuning(timeout time.Duration, toleranceTicks int, stallWindow time.Duration) {
	if timeout > 0 {
		c.seekTimeout = timeout
	}
	if toleranceTicks > 0 {
		c.toleranceTicks = int32(toleranceTicks)
	}
	if stallWindow > 0 {
		c.stallWindow = stallWindow
	}
}

// SetIncline sets the target incline in percent grade, clamped to what the
// hardware can represent.
func (c *Controller) SetIncline(percent float64) {
	percent = clamp(percent, -100, 100)
	c.mu.Lock()
	c.inclinePercent = percent
	c.mu.Unlock()
}

func (c *Controller) Incline() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inclinePercent
}

func (c *Controller) SetTargetResistance(percent float64) {
	c.mu.Lock()
	c.targetResistance = percent
	c.mu.Unlock()
}

func (c *Controller) TargetResistance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetResistance
}

func (c *Controller) SetTargetPower(watts uint16) {
	c.mu.Lock()
	c.targetPowerWatts = watts
	c.mu.Unlock()
}

func (c *Controller) TargetPower() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetPowerWatts
}

func (c *Controller) SetSimulation(wind, gradePercent, crr, windResistance float64) {
	c.mu.Lock()
	c.sim = SimulationParams{
		WindSpeedMps:   wind,
		GradePercent:   gradePercent,
		Crr:            crr,
		WindResistance: windResistance,
	}
	c.mu.Unlock()
}

func (c *Controller) Simulation() SimulationParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sim
}

// ResetTargets zeroes every target, as the FTMS Reset op requires.
func (c *Controller) ResetTargets() {
	c.mu.Lock()
	c.inclinePercent = 0
	c.targetResistance = 0
	c.targetPowerWatts = 0
	c.sim = SimulationParams{}
	c.mu.Unlock()
}

// CurrentLoadPercent is the load implied by where the motor actually is,
// not where the targets want it. This is what telemetry reports.
func (c *Controller) CurrentLoadPercent() float64 {
	pos := c.sensor.Position()
	if pos < 0 {
		pos = -pos
	}
	return float64(pos) / MaxLoadTicks * 100
}

// Forward energizes the H-bridge in the load-increasing direction. The
// sensor's sign convention is flipped before the pins so no pulse is ever
// counted the wrong way.
func (c *Controller) Forward() error {
	c.sensor.SetDirection(true)
	if err := c.in1.Set(1); err != nil {
		return fmt.Errorf("motor forward: %w", err)
	}
	if err := c.in2.Set(0); err != nil {
		return fmt.Errorf("motor forward: %w", err)
	}
	return nil
}

// Reverse energizes the H-bridge in the load-decreasing direction.
func (c *Controller) Reverse() error {
	c.sensor.SetDirection(false)
	if err := c.in1.Set(0); err != nil {
		return fmt.Errorf("motor reverse: %w", err)
	}
	if err := c.in2.Set(1); err != nil {
		return fmt.Errorf("motor reverse: %w", err)
	}
	return nil
}

// StopMotor de-energizes both legs and lets the motor coast.
func (c *Controller) StopMotor() error {
	err1 := c.in1.Set(0)
	err2 := c.in2.Set(0)
	if err1 != nil {
		return fmt.Errorf("motor stop: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("motor stop: %w", err2)
	}
	return nil
}

// BrakeMotor shorts both legs high for an active stop.
func (c *Controller) BrakeMotor() error {
	err1 := c.in1.Set(1)
	err2 := c.in2.Set(1)
	if err1 != nil {
		return fmt.Errorf("motor brake: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("motor brake: %w", err2)
	}
	return nil
}

// MotorRunning reports whether a seek currently holds the run lock.
func (c *Controller) MotorRunning() bool {
	return c.running.Load()
}

// acquireRun takes the run lock for a caller that wants to drive the motor
// directly, e.g. the homing sequence. Returns false if a seek is in flight.
func (c *Controller) acquireRun() bool {
	return c.running.CompareAndSwap(false, true)
}

func (c *Controller) releaseRun() {
	c.running.Store(false)
}

// ApplyLoad is the per-tick step of the resistance loop. With no seek in
// flight it recomputes the target position and, if outside the tolerance
// band, starts the motor toward it. With a seek in flight it checks for
// convergence, deadline and stall. It never blocks.
func (c *Controller) ApplyLoad() error {
	if c.running.Load() {
		return c.advanceSeek()
	}

	target := c.targetTicks()
	current := c.sensor.Position()
	if absInt32(target-current) <= c.toleranceTicks {
		return nil
	}
	return c.startSeek(target, current)
}

func (c *Controller) startSeek(target, current int32) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	now := c.now()
	c.seekTarget = target
	c.seekDeadline = now.Add(c.seekTimeout)
	c.seekLastCount = c.sensor.PulseCount()
	c.seekLastMove = now
	c.seekStalled = false

	var err error
	if target > current {
		err = c.Forward()
	} else {
		err = c.Reverse()
	}
	if err != nil {
		_ = c.StopMotor()
		c.releaseRun()
		return err
	}
	c.logger.Printf("load: seeking %d -> %d ticks", current, target)
	return nil
}

func (c *Controller) advanceSeek() error {
	current := c.sensor.Position()
	if absInt32(current-c.seekTarget) <= c.toleranceTicks {
		if err := c.StopMotor(); err != nil {
			c.releaseRun()
			return err
		}
		c.releaseRun()
		c.logger.Printf("load: seek done at %d ticks", current)
		return nil
	}

	now := c.now()
	if now.After(c.seekDeadline) {
		_ = c.StopMotor()
		c.releaseRun()
		return fmt.Errorf("%w: stopped at %d ticks, wanted %d", ErrSeekTimeout, current, c.seekTarget)
	}

	count := c.sensor.PulseCount()
	if count != c.seekLastCount {
		c.seekLastCount = count
		c.seekLastMove = now
	} else if !c.seekStalled && now.Sub(c.seekLastMove) > c.stallWindow {
		c.seekStalled = true
		c.logger.Printf("load: no rotation pulses for %v while seeking %d ticks, sensor or drive may be faulty",
			c.stallWindow, c.seekTarget)
	}
	return nil
}

// targetTicks converts the current targets into a signed motor position.
// Load increases are approached on the positive branch and decreases on the
// negative branch so repeated small changes always travel the same way.
// When the magnitude is already within tolerance of the position the target
// keeps the position's sign, so a converged seek does not flip branches and
// drag the motor through zero on the next tick.
func (c *Controller) targetTicks() int32 {
	total := c.totalLoadPercent()
	ticks := int32(math.Round(total / 100 * MaxLoadTicks))

	current := c.sensor.Position()
	if absInt32(ticks-absInt32(current)) <= c.toleranceTicks {
		if current < 0 {
			return -ticks
		}
		return ticks
	}
	if ticks >= absInt32(current) {
		return ticks
	}
	return -ticks
}

// totalLoadPercent is base load from the gear ratio plus the incline
// contribution, clamped to 0..100 and quantized to 5% steps so tiny target
// changes do not twitch the motor.
func (c *Controller) totalLoadPercent() float64 {
	c.mu.RLock()
	incline := c.inclinePercent
	c.mu.RUnlock()

	base := baseLoadFloorPercent + c.normalizedRatio()*baseLoadSpanPercent
	inclineLoad := incline / 100 * inclineSpanPercent
	total := clamp(base+inclineLoad, 0, 100)
	return math.Round(total/loadStepPercent) * loadStepPercent
}

// normalizedRatio maps the current gear ratio onto 0..1 across the
// selector's range. A degenerate range counts as the easiest gear.
func (c *Controller) normalizedRatio() float64 {
	min, max := c.gears.MinRatio(), c.gears.MaxRatio()
	if max <= min {
		return 0
	}
	return clamp((c.gears.CurrentRatio()-min)/(max-min), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
