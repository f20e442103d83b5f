// Package rig is the supervisor: it composes the mixer, PWM substrate,
// serial link, and the two effect subsystems from a loaded
// configuration, starts them in dependency order, and tears them down
// in reverse.
package rig

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scalefx-rig/scalefxd/internal/audio"
	"github.com/scalefx-rig/scalefxd/internal/config"
	"github.com/scalefx-rig/scalefxd/internal/enginefx"
	"github.com/scalefx-rig/scalefxd/internal/gunfx"
	"github.com/scalefx-rig/scalefxd/internal/pwm"
	"github.com/scalefx-rig/scalefxd/internal/serialframe"
)

// Mixer channel assignments. Engine FX needs two channels for its
// crossfade; Gun FX needs one.
const (
	engineChannelA   = 0
	engineChannelB   = 1
	gunChannel       = 2
	minMixerChannels = 3
)

// Rig owns every long-lived component the process starts and stops.
type Rig struct {
	cfg config.Config
	log *log.Logger

	mixer *audio.Mixer
	sink  *audio.PortAudioSink

	monitors []*pwm.Monitor

	engineToggleMonitor *pwm.Monitor
	gunTriggerMonitor   *pwm.Monitor
	smokeToggleMonitor  *pwm.Monitor
	pitchMonitor        *pwm.Monitor
	yawMonitor          *pwm.Monitor

	engine *enginefx.FX
	gun    *gunfx.FX

	port   *serialframe.Port
	framer *serialframe.Framer
}

// New builds a Rig from a loaded configuration. It performs no I/O; call
// Start to bring the hardware up.
func New(cfg config.Config) *Rig {
	return &Rig{cfg: cfg, log: log.With("component", "rig")}
}

// Start brings every enabled subsystem up: audio sink first, then the
// configured sounds, then the PWM monitors, then Engine FX, then Gun
// FX. Any failure here is a fatal init error; the caller should log it
// and exit nonzero.
func (r *Rig) Start() error {
	if err := r.startAudio(); err != nil {
		return err
	}

	engineSounds, err := r.loadEngineSounds()
	if err != nil {
		return err
	}
	gunSounds, err := r.loadGunSounds()
	if err != nil {
		return err
	}

	if err := r.startPWM(); err != nil {
		return err
	}

	if r.cfg.Engine.Enabled {
		r.startEngine(engineSounds)
	}

	if r.cfg.Gun.Enabled {
		if err := r.startGun(gunSounds); err != nil {
			return err
		}
	}

	return nil
}

func (r *Rig) startAudio() error {
	n := r.cfg.Audio.Channels
	if n < minMixerChannels {
		n = minMixerChannels
	}
	sampleRate := r.cfg.Audio.SampleRate
	if sampleRate == 0 {
		sampleRate = audio.DefaultSampleRate
	}
	blockFrames := r.cfg.Audio.BlockFrames
	if blockFrames == 0 {
		blockFrames = audio.DefaultBlockFrames
	}

	r.mixer = audio.New(n, sampleRate)

	sink, err := audio.NewPortAudioSink(r.mixer, float64(sampleRate), blockFrames)
	if err != nil {
		return fmt.Errorf("rig: open audio sink: %w", err)
	}
	r.sink = sink
	if err := r.sink.Start(); err != nil {
		return fmt.Errorf("rig: start audio sink: %w", err)
	}
	return nil
}

type engineSounds struct {
	starting, running, stopping *audio.Sound
}

func (r *Rig) loadEngineSounds() (engineSounds, error) {
	if !r.cfg.Engine.Enabled {
		return engineSounds{}, nil
	}
	var snd engineSounds
	var err error
	if snd.starting, err = loadOptional(r.cfg.Engine.StartingSound); err != nil {
		return engineSounds{}, err
	}
	if snd.running, err = loadOptional(r.cfg.Engine.RunningSound); err != nil {
		return engineSounds{}, err
	}
	if snd.stopping, err = loadOptional(r.cfg.Engine.StoppingSound); err != nil {
		return engineSounds{}, err
	}
	return snd, nil
}

func (r *Rig) loadGunSounds() ([]*audio.Sound, error) {
	if !r.cfg.Gun.Enabled {
		return nil, nil
	}
	sounds := make([]*audio.Sound, len(r.cfg.Gun.RatesOfFire))
	for i, rate := range r.cfg.Gun.RatesOfFire {
		snd, err := loadOptional(rate.SoundFile)
		if err != nil {
			return nil, err
		}
		sounds[i] = snd
	}
	return sounds, nil
}

// loadOptional loads a sound file if path is non-empty. A missing file
// referenced by configuration is a fatal configuration error; an
// unconfigured (empty-string) slot is not.
func loadOptional(path string) (*audio.Sound, error) {
	if path == "" {
		return nil, nil
	}
	snd, err := audio.LoadWAV(path)
	if err != nil {
		return nil, fmt.Errorf("rig: load sound: %w", err)
	}
	return snd, nil
}

func (r *Rig) startPWM() error {
	opts := []pwm.Option{pwm.WithWindow(r.cfg.PWM.WindowSize)}
	if r.cfg.PWM.NoSignalMillis > 0 {
		opts = append(opts, pwm.WithNoSignalTimeout(time.Duration(r.cfg.PWM.NoSignalMillis)*time.Millisecond))
	}

	newMonitor := func(offset int, name string) *pwm.Monitor {
		m := pwm.New(r.cfg.PWM.Chip, offset, name, opts...)
		r.monitors = append(r.monitors, m)
		return m
	}

	var engineToggle *pwm.Monitor
	if r.cfg.Engine.Enabled {
		engineToggle = newMonitor(r.cfg.Engine.ToggleChannel, "engine-toggle")
	}

	var gunTrigger, smokeToggle, pitchIn, yawIn *pwm.Monitor
	if r.cfg.Gun.Enabled {
		gunTrigger = newMonitor(r.cfg.Gun.TriggerChannel, "gun-trigger")
		smokeToggle = newMonitor(r.cfg.Gun.Smoke.HeaterToggleChannel, "smoke-toggle")
		if axis := r.cfg.Gun.Turret.Pitch; axis != nil {
			pitchIn = newMonitor(axis.InputChannel, "turret-pitch")
		}
		if axis := r.cfg.Gun.Turret.Yaw; axis != nil {
			yawIn = newMonitor(axis.InputChannel, "turret-yaw")
		}
	}

	for _, m := range r.monitors {
		if err := m.Start(); err != nil {
			return fmt.Errorf("rig: start pwm monitor: %w", err)
		}
	}

	r.engineToggleMonitor = engineToggle
	r.gunTriggerMonitor = gunTrigger
	r.smokeToggleMonitor = smokeToggle
	r.pitchMonitor = pitchIn
	r.yawMonitor = yawIn
	return nil
}

func (r *Rig) startEngine(snd engineSounds) {
	cfg := enginefx.Config{
		ThresholdUs:            r.cfg.Engine.ToggleThreshUs,
		StartingSound:          snd.starting,
		StartingVol:            r.cfg.Engine.StartingVol,
		RunningSound:           snd.running,
		RunningVol:             r.cfg.Engine.RunningVol,
		StoppingSound:          snd.stopping,
		StoppingVol:            r.cfg.Engine.StoppingVol,
		StartingFromStoppingMs: r.cfg.Engine.StartingFromStoppingMs,
		StoppingFromStartingMs: r.cfg.Engine.StoppingFromStartingMs,
		CrossfadeMs:            r.cfg.Engine.CrossfadeMs,
	}
	r.engine = enginefx.New(cfg, r.engineToggleMonitor, r.mixer, engineChannelA, engineChannelB)
	r.engine.Start()
}

func (r *Rig) startGun(sounds []*audio.Sound) error {
	if err := r.openSerial(); err != nil {
		return err
	}

	rates := make([]gunfx.RateOfFire, len(r.cfg.Gun.RatesOfFire))
	for i, rate := range r.cfg.Gun.RatesOfFire {
		rates[i] = gunfx.RateOfFire{RPM: rate.RPM, ThresholdUs: rate.ThresholdUs, Sound: sounds[i], Volume: rate.Volume}
	}

	cfg := gunfx.Config{
		Trigger:    r.gunTriggerMonitor,
		Rates:      rates,
		GunChannel: gunChannel,
	}
	cfg.Smoke.Toggle = r.smokeToggleMonitor
	cfg.Smoke.ThresholdUs = r.cfg.Gun.Smoke.HeaterThresholdUs
	cfg.Smoke.FanOffDelayMs = r.cfg.Gun.Smoke.FanOffDelayMs
	cfg.Pitch = axisFromConfig(r.cfg.Gun.Turret.Pitch, r.pitchMonitor)
	cfg.Yaw = axisFromConfig(r.cfg.Gun.Turret.Yaw, r.yawMonitor)

	r.gun = gunfx.New(cfg, r.mixer, r.framer)
	r.gun.Startup()
	r.gun.Start()
	return nil
}

func axisFromConfig(a *config.ServoAxisConfig, monitor *pwm.Monitor) *gunfx.ServoAxis {
	if a == nil {
		return nil
	}
	return &gunfx.ServoAxis{
		Input:                monitor,
		ServoID:              a.ServoID,
		InputMinUs:           a.InputMinUs,
		InputMaxUs:           a.InputMaxUs,
		OutputMinUs:          a.OutputMinUs,
		OutputMaxUs:          a.OutputMaxUs,
		MaxSpeedUsPerSec:     a.MaxSpeedUsPerSec,
		MaxAccelUsPerSec2:    a.MaxAccelUsPerSec2,
		MaxDecelUsPerSec2:    a.MaxDecelUsPerSec2,
		RecoilJerkUs:         a.RecoilJerkUs,
		RecoilJerkVarianceUs: a.RecoilJerkVarianceUs,
	}
}

func (r *Rig) openSerial() error {
	devicePath := r.cfg.Serial.DevicePath
	if devicePath == "" {
		vendor, err := serialframe.ParseUSBID(r.cfg.Serial.VendorID + ":" + r.cfg.Serial.ProductID)
		if err != nil {
			return fmt.Errorf("rig: %w", err)
		}
		devicePath, err = serialframe.DiscoverDevicePath(vendor)
		if err != nil {
			return fmt.Errorf("rig: %w", err)
		}
	}

	port, err := serialframe.OpenPort(devicePath, r.cfg.Serial.BaudRate)
	if err != nil {
		return fmt.Errorf("rig: %w", err)
	}
	r.port = port
	r.framer = serialframe.New(port, port)
	return nil
}

// Status is a read-only snapshot of every subsystem's published state,
// assembled from the atomics each one already exposes.
type Status struct {
	EngineEnabled bool
	EngineState   enginefx.State

	GunEnabled       bool
	GunRateIndex     int
	GunFiring        bool
	GunSmokeHeaterOn bool

	SerialCRCErrors      uint64
	SerialUnknownReplies uint64
}

// Status assembles a Status snapshot from whichever subsystems are
// enabled. It never blocks: every field is a single atomic load.
func (r *Rig) Status() Status {
	var s Status

	if r.engine != nil {
		s.EngineEnabled = true
		s.EngineState = r.engine.State()
	}

	if r.gun != nil {
		s.GunEnabled = true
		s.GunRateIndex = r.gun.CurrentRateIndex()
		s.GunFiring = r.gun.IsFiring()
		s.GunSmokeHeaterOn = r.gun.SmokeHeaterOn()
	}

	if r.framer != nil {
		s.SerialCRCErrors = r.framer.CRCErrorCount()
		s.SerialUnknownReplies = r.framer.UnknownReplyCount()
	}

	return s
}

// Stop tears every started subsystem down in reverse startup order:
// Gun FX, Engine FX, mixer, PWM monitors. Each stop is synchronous.
func (r *Rig) Stop() {
	if r.gun != nil {
		r.gun.Stop()
	}
	if r.framer != nil {
		if r.port != nil {
			_ = r.port.Close()
		}
		r.framer.Close()
	}

	if r.engine != nil {
		r.engine.Stop()
	}

	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			r.log.Warn("closing audio sink", "err", err)
		}
	}

	for _, m := range r.monitors {
		m.Stop()
	}
}
