// Package config loads the supervisor's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration tree.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Audio  AudioConfig  `yaml:"audio"`
	PWM    PWMConfig    `yaml:"pwm"`
	Serial SerialConfig `yaml:"serial"`
	Engine EngineConfig `yaml:"engine"`
	Gun    GunConfig    `yaml:"gun"`
}

// AudioConfig configures the mixer's output sink.
type AudioConfig struct {
	SampleRate  uint32 `yaml:"sample_rate"`  // default audio.DefaultSampleRate
	Channels    int    `yaml:"channels"`     // mixer channel count
	BlockFrames int    `yaml:"block_frames"` // default audio.DefaultBlockFrames
}

// PWMConfig configures the edge-capture substrate shared by both effects.
type PWMConfig struct {
	Chip           string `yaml:"chip"` // gpiochip device, e.g. "gpiochip0"
	WindowSize     int    `yaml:"window_size"`
	NoSignalMillis int    `yaml:"no_signal_timeout_ms"`
}

// EngineConfig selects the toggle input and the three engine sounds.
type EngineConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ToggleChannel  int    `yaml:"toggle_channel"` // GPIO line offset
	ToggleThreshUs uint32 `yaml:"toggle_threshold_us"`

	StartingSound string `yaml:"starting_sound"`
	RunningSound  string `yaml:"running_sound"`
	StoppingSound string `yaml:"stopping_sound"`

	StartingVol float32 `yaml:"starting_volume"`
	RunningVol  float32 `yaml:"running_volume"`
	StoppingVol float32 `yaml:"stopping_volume"`

	StartingFromStoppingMs uint32 `yaml:"starting_offset_from_stopping_ms"`
	StoppingFromStartingMs uint32 `yaml:"stopping_offset_from_starting_ms"`

	CrossfadeMs uint32 `yaml:"crossfade_ms"`
}

// GunConfig selects the trigger input, the rate table, and the smoke
// and turret sub-blocks.
type GunConfig struct {
	Enabled        bool         `yaml:"enabled"`
	TriggerChannel int          `yaml:"trigger_channel"`
	RatesOfFire    []RateOfFire `yaml:"rates_of_fire"`
	Smoke          SmokeConfig  `yaml:"smoke"`
	Turret         TurretConfig `yaml:"turret"`
}

// RateOfFire is one entry in the rate table.
type RateOfFire struct {
	RPM         uint16  `yaml:"rpm"`
	ThresholdUs uint32  `yaml:"pwm_threshold_us"`
	SoundFile   string  `yaml:"sound_file"`
	Volume      float32 `yaml:"volume"`
}

// SmokeConfig is the gun's heater block.
type SmokeConfig struct {
	HeaterToggleChannel int    `yaml:"heater_toggle_channel"`
	HeaterThresholdUs   uint32 `yaml:"heater_threshold_us"`
	FanOffDelayMs       uint16 `yaml:"fan_off_delay_ms"`
}

// TurretConfig holds the two optional servo axes.
type TurretConfig struct {
	Pitch *ServoAxisConfig `yaml:"pitch"`
	Yaw   *ServoAxisConfig `yaml:"yaw"`
}

// ServoAxisConfig binds one PWM input to one downstream servo.
type ServoAxisConfig struct {
	InputChannel int    `yaml:"input_channel"`
	ServoID      uint8  `yaml:"servo_id"`
	InputMinUs   uint32 `yaml:"input_min_us"`
	InputMaxUs   uint32 `yaml:"input_max_us"`
	OutputMinUs  uint32 `yaml:"output_min_us"`
	OutputMaxUs  uint32 `yaml:"output_max_us"`

	MaxSpeedUsPerSec     uint16 `yaml:"max_speed_us_per_sec"`
	MaxAccelUsPerSec2    uint16 `yaml:"max_accel_us_per_sec2"`
	MaxDecelUsPerSec2    uint16 `yaml:"max_decel_us_per_sec2"`
	RecoilJerkUs         uint16 `yaml:"recoil_jerk_us"`
	RecoilJerkVarianceUs uint16 `yaml:"recoil_jerk_variance_us"`
}

// SerialConfig is where the downstream MCU link is found: either a
// fixed device path or a (vendor, product) pair for USB discovery.
type SerialConfig struct {
	DevicePath string `yaml:"device_path"`
	VendorID   string `yaml:"vendor_id"`
	ProductID  string `yaml:"product_id"`
	BaudRate   int    `yaml:"baud_rate"`
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
