// Package config loads the firmware configuration: a YAML file layered
// over built-in defaults, so a bare install runs without any file at all.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DeviceName string `mapstructure:"device_name"`

	Log     LogConfig     `mapstructure:"log"`
	GPIO    GPIOConfig    `mapstructure:"gpio"`
	Gears   GearsConfig   `mapstructure:"gears"`
	Wheel   WheelConfig   `mapstructure:"wheel"`
	Loop    LoopConfig    `mapstructure:"loop"`
	Seek    SeekConfig    `mapstructure:"seek"`
	Homing  HomingConfig  `mapstructure:"homing"`
	Pairing PairingConfig `mapstructure:"pairing"`
}

type LogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// GPIOConfig holds line offsets on the GPIO chip. The defaults match the
// trainer's hat wiring on a Raspberry Pi.
type GPIOConfig struct {
	Chip           string `mapstructure:"chip"`
	MotorIn1       int    `mapstructure:"motor_in1"`
	MotorIn2       int    `mapstructure:"motor_in2"`
	RotationSensor int    `mapstructure:"rotation_sensor"`
	HomeSensor     int    `mapstructure:"home_sensor"`
	WheelSensor    int    `mapstructure:"wheel_sensor"`
	CrankSensor    int    `mapstructure:"crank_sensor"`
}

type GearsConfig struct {
	Count    int     `mapstructure:"count"`
	MinRatio float64 `mapstructure:"min_ratio"`
	MaxRatio float64 `mapstructure:"max_ratio"`
}

type WheelConfig struct {
	CircumferenceM      float64 `mapstructure:"circumference_m"`
	FixedGearAdjustment float64 `mapstructure:"fixed_gear_adjustment"`
}

type LoopConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	BroadcastInterval    time.Duration `mapstructure:"broadcast_interval"`
	ErrorRetryDelay      time.Duration `mapstructure:"error_retry_delay"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
}

type SeekConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	ToleranceTicks int           `mapstructure:"tolerance_ticks"`
	StallWindow    time.Duration `mapstructure:"stall_window"`
}

type HomingConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	SettleTime     time.Duration `mapstructure:"settle_time"`
	MoveOffTimeout time.Duration `mapstructure:"move_off_timeout"`
	SeekTimeout    time.Duration `mapstructure:"seek_timeout"`
}

type PairingConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_name", "Smart Trainer")

	v.SetDefault("log.path", "/var/log/trainer-firmware/trainer.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("gpio.chip", "")
	v.SetDefault("gpio.motor_in1", 23)
	v.SetDefault("gpio.motor_in2", 24)
	v.SetDefault("gpio.rotation_sensor", 17)
	v.SetDefault("gpio.home_sensor", 27)
	v.SetDefault("gpio.wheel_sensor", 5)
	v.SetDefault("gpio.crank_sensor", 6)

	v.SetDefault("gears.count", 7)
	v.SetDefault("gears.min_ratio", 1.0)
	v.SetDefault("gears.max_ratio", 4.5)

	v.SetDefault("wheel.circumference_m", 2.075)
	v.SetDefault("wheel.fixed_gear_adjustment", 6.2)

	v.SetDefault("loop.tick_interval", 10*time.Millisecond)
	v.SetDefault("loop.broadcast_interval", time.Second)
	v.SetDefault("loop.error_retry_delay", time.Second)
	v.SetDefault("loop.max_consecutive_errors", 10)

	v.SetDefault("seek.timeout", 30*time.Second)
	v.SetDefault("seek.tolerance_ticks", 5)
	v.SetDefault("seek.stall_window", 2*time.Second)

	v.SetDefault("homing.sample_interval", 10*time.Millisecond)
	v.SetDefault("homing.settle_time", 2*time.Second)
	v.SetDefault("homing.move_off_timeout", 30*time.Second)
	v.SetDefault("homing.seek_timeout", 10*time.Minute)

	v.SetDefault("pairing.timeout", 120*time.Second)
}

// Load reads the config file at path, or just the defaults when path is
// empty.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gears.Count < 1 {
		return fmt.Errorf("gears.count must be at least 1, got %d", c.Gears.Count)
	}
	if c.Gears.MaxRatio < c.Gears.MinRatio {
		return fmt.Errorf("gears.max_ratio %v is below gears.min_ratio %v", c.Gears.MaxRatio, c.Gears.MinRatio)
	}
	if c.Wheel.CircumferenceM <= 0 {
		return fmt.Errorf("wheel.circumference_m must be positive, got %v", c.Wheel.CircumferenceM)
	}
	if c.Wheel.FixedGearAdjustment <= 0 {
		return fmt.Errorf("wheel.fixed_gear_adjustment must be positive, got %v", c.Wheel.FixedGearAdjustment)
	}
	if c.Loop.TickInterval <= 0 {
		return fmt.Errorf("loop.tick_interval must be positive, got %v", c.Loop.TickInterval)
	}
	if c.Loop.BroadcastInterval < c.Loop.TickInterval {
		return fmt.Errorf("loop.broadcast_interval %v is below loop.tick_interval %v",
			c.Loop.BroadcastInterval, c.Loop.TickInterval)
	}
	if c.Loop.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("loop.max_consecutive_errors must be at least 1, got %d", c.Loop.MaxConsecutiveErrors)
	}
	offsets := map[string]int{
		"gpio.motor_in1":       c.GPIO.MotorIn1,
		"gpio.motor_in2":       c.GPIO.MotorIn2,
		"gpio.rotation_sensor": c.GPIO.RotationSensor,
		"gpio.home_sensor":     c.GPIO.HomeSensor,
		"gpio.wheel_sensor":    c.GPIO.WheelSensor,
		"gpio.crank_sensor":    c.GPIO.CrankSensor,
	}
	seen := make(map[int]string, len(offsets))
	for key, offset := range offsets {
		if offset < 0 {
			return fmt.Errorf("%s must not be negative, got %d", key, offset)
		}
		if other, dup := seen[offset]; dup {
			return fmt.Errorf("%s and %s share gpio offset %d", key, other, offset)
		}
		seen[offset] = key
	}
	return nil
}
