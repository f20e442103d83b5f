// Package gunfx implements the gun effect controller: rate of fire
// selection with a sticky hysteresis band over the configured threshold
// table, looped firing audio, smoke heater toggling, pitch/yaw servo
// mapping, and keepalive maintenance of the downstream serial link.
package gunfx

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scalefx-rig/scalefxd/internal/audio"
	"github.com/scalefx-rig/scalefxd/internal/serialframe"
)

// Averager is the PWM read surface a gun control loop needs; satisfied by
// *pwm.Monitor (see enginefx.Averager for the identical split).
type Averager interface {
	Average() (uint32, bool)
}

const (
	DefaultRateHysteresis  uint32        = 50
	DefaultSmokeHysteresis uint32        = 100
	DefaultServoDeadbandUs uint32        = 5
	DefaultKeepaliveEvery  time.Duration = 30 * time.Second
	DefaultTickInterval    time.Duration = 10 * time.Millisecond
	DefaultInitReadyWait   time.Duration = 100 * time.Millisecond
	DefaultShutdownSettle  time.Duration = 50 * time.Millisecond
)

// RateOfFire is one entry in the rate table.
type RateOfFire struct {
	RPM         uint16
	ThresholdUs uint32
	Sound       *audio.Sound
	Volume      float32
}

// ServoAxis is one configured turret axis. The motion limits and recoil
// parameters are forwarded to the downstream controller once at startup;
// only the input-to-output pulse mapping runs per tick.
type ServoAxis struct {
	Input Averager

	ServoID uint8

	InputMinUs, InputMaxUs   uint32
	OutputMinUs, OutputMaxUs uint32

	MaxSpeedUsPerSec     uint16
	MaxAccelUsPerSec2    uint16
	MaxDecelUsPerSec2    uint16
	RecoilJerkUs         uint16
	RecoilJerkVarianceUs uint16

	lastSentUs atomic.Int32 // -1 until the first SERVO_SET
}

// Config is the gun configuration, immutable after load.
type Config struct {
	Trigger Averager
	Rates   []RateOfFire

	RateHysteresis uint32 // default DefaultRateHysteresis

	GunChannel int // mixer channel index for firing audio

	Smoke struct {
		Toggle        Averager
		ThresholdUs   uint32
		Hysteresis    uint32 // default DefaultSmokeHysteresis
		FanOffDelayMs uint16
	}

	Pitch, Yaw *ServoAxis // both optional

	ServoDeadbandUs uint32        // default DefaultServoDeadbandUs
	KeepaliveEvery  time.Duration // default DefaultKeepaliveEvery
	TickInterval    time.Duration // default DefaultTickInterval
}

func (c Config) withDefaults() Config {
	if c.RateHysteresis == 0 {
		c.RateHysteresis = DefaultRateHysteresis
	}
	if c.Smoke.Hysteresis == 0 {
		c.Smoke.Hysteresis = DefaultSmokeHysteresis
	}
	if c.ServoDeadbandUs == 0 {
		c.ServoDeadbandUs = DefaultServoDeadbandUs
	}
	if c.KeepaliveEvery == 0 {
		c.KeepaliveEvery = DefaultKeepaliveEvery
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// FX drives the gun control loop. Firing/heater state is written only by
// the loop goroutine; telemetry readers see it through the atomics.
type FX struct {
	cfg    Config
	mixer  *audio.Mixer
	framer *serialframe.Framer

	currentRate   atomic.Int32 // index into cfg.Rates, -1 = idle
	isFiring      atomic.Bool
	smokeHeaterOn atomic.Bool

	lastKeepalive time.Time // loop goroutine only

	running atomic.Bool
	done    chan struct{}

	log *log.Logger
}

// New creates a gun FX bound to a serial framer and audio mixer.
func New(cfg Config, mixer *audio.Mixer, framer *serialframe.Framer) *FX {
	fx := &FX{
		cfg:    cfg.withDefaults(),
		mixer:  mixer,
		framer: framer,
		done:   make(chan struct{}),
		log:    log.With("component", "gunfx"),
	}
	fx.currentRate.Store(-1)
	if fx.cfg.Pitch != nil {
		fx.cfg.Pitch.lastSentUs.Store(-1)
	}
	if fx.cfg.Yaw != nil {
		fx.cfg.Yaw.lastSentUs.Store(-1)
	}
	return fx
}

// CurrentRateIndex returns the currently selected rate, or -1 if idle.
func (fx *FX) CurrentRateIndex() int { return int(fx.currentRate.Load()) }

// IsFiring reports whether a rate is currently selected.
func (fx *FX) IsFiring() bool { return fx.isFiring.Load() }

// SmokeHeaterOn reports the cached heater state.
func (fx *FX) SmokeHeaterOn() bool { return fx.smokeHeaterOn.Load() }

// Startup brings the downstream link into a known state: INIT, a brief
// wait for INIT_READY (proceeding without it is allowed), then each
// configured servo's motion limits and recoil parameters. The PWM
// monitors themselves are started by the supervisor before either effect
// loop runs.
func (fx *FX) Startup() {
	if err := fx.framer.Send(serialframe.Init, nil); err != nil {
		fx.log.Warn("send INIT", "err", err)
	}

	deadline := time.Now().Add(DefaultInitReadyWait)
	for time.Now().Before(deadline) {
		if fr, ok := fx.framer.PollReply(); ok && fr.Type == serialframe.InitReady {
			break
		}
		time.Sleep(time.Millisecond)
	}

	for _, axis := range []*ServoAxis{fx.cfg.Pitch, fx.cfg.Yaw} {
		if axis == nil {
			continue
		}
		fx.sendServoSettings(axis)
	}

	fx.lastKeepalive = time.Now()
}

func (fx *FX) sendServoSettings(axis *ServoAxis) {
	settings := serialframe.ServoSettingsFrame(axis.ServoID, uint16(axis.OutputMinUs), uint16(axis.OutputMaxUs),
		axis.MaxSpeedUsPerSec, axis.MaxAccelUsPerSec2, axis.MaxDecelUsPerSec2)
	if err := fx.framer.Send(settings.Type, settings.Payload); err != nil {
		fx.log.Warn("send SERVO_SETTINGS", "servo", axis.ServoID, "err", err)
	}

	recoil := serialframe.ServoRecoilFrame(axis.ServoID, axis.RecoilJerkUs, axis.RecoilJerkVarianceUs)
	if err := fx.framer.Send(recoil.Type, recoil.Payload); err != nil {
		fx.log.Warn("send SERVO_RECOIL", "servo", axis.ServoID, "err", err)
	}
}

// Start runs the control loop until Stop is called.
func (fx *FX) Start() {
	fx.running.Store(true)
	go fx.loop()
}

// Stop requests the loop to exit, waits for it, then sends SHUTDOWN and
// pauses briefly so the downstream controller can process it. Closing the
// serial link and the PWM monitors is the supervisor's job.
func (fx *FX) Stop() {
	fx.running.Store(false)
	<-fx.done

	if err := fx.framer.Send(serialframe.Shutdown, nil); err != nil {
		fx.log.Warn("send SHUTDOWN", "err", err)
	}
	time.Sleep(DefaultShutdownSettle)
}

func (fx *FX) loop() {
	defer close(fx.done)

	ticker := time.NewTicker(fx.cfg.TickInterval)
	defer ticker.Stop()

	for fx.running.Load() {
		<-ticker.C
		fx.tick()
	}
}

func (fx *FX) tick() {
	fx.tickRate()
	fx.tickSmoke()
	fx.tickServo(fx.cfg.Pitch)
	fx.tickServo(fx.cfg.Yaw)
	fx.tickKeepalive()
}

// selectRate picks the rate whose threshold is highest among those whose
// effective threshold p meets. The currently held rate's threshold is
// lowered by the hysteresis, every other rate's is raised, so leaving a
// rate requires dropping meaningfully below its threshold rather than
// merely crossing it. The scan is exhaustive: thresholds need not be
// ascending. Ties on raw threshold keep the first entry found.
func selectRate(rates []RateOfFire, p uint32, prev int, hysteresis uint32) int {
	best := -1
	var bestThreshold uint32

	for i, r := range rates {
		effective := r.ThresholdUs + hysteresis
		if i == prev {
			if r.ThresholdUs < hysteresis {
				effective = 0
			} else {
				effective = r.ThresholdUs - hysteresis
			}
		}
		if p >= effective && (best == -1 || r.ThresholdUs > bestThreshold) {
			best = i
			bestThreshold = r.ThresholdUs
		}
	}
	return best
}

func (fx *FX) tickRate() {
	if fx.cfg.Trigger == nil || len(fx.cfg.Rates) == 0 {
		return
	}
	p, ok := fx.cfg.Trigger.Average()
	if !ok {
		return
	}

	prev := fx.CurrentRateIndex()
	next := selectRate(fx.cfg.Rates, p, prev, fx.cfg.RateHysteresis)
	if next == prev {
		return
	}

	switch {
	case next >= 0:
		r := fx.cfg.Rates[next]
		if err := fx.framer.Send(serialframe.TriggerOn, serialframe.TriggerOnFrame(r.RPM).Payload); err != nil {
			fx.log.Warn("send TRIGGER_ON", "err", err)
		}
		if r.Sound != nil {
			if err := fx.mixer.Play(fx.cfg.GunChannel, r.Sound, audio.PlayOptions{Loop: true, Volume: r.Volume}); err != nil {
				fx.log.Warn("mixer rejected play", "err", err)
			}
		} else {
			_ = fx.mixer.Stop(fx.cfg.GunChannel, audio.StopImmediate)
		}
		fx.isFiring.Store(true)

	case prev >= 0 && next == -1:
		if err := fx.framer.Send(serialframe.TriggerOff, serialframe.TriggerOffFrame(fx.cfg.Smoke.FanOffDelayMs).Payload); err != nil {
			fx.log.Warn("send TRIGGER_OFF", "err", err)
		}
		if err := fx.mixer.Stop(fx.cfg.GunChannel, audio.StopImmediate); err != nil {
			fx.log.Warn("mixer rejected stop", "err", err)
		}
		fx.isFiring.Store(false)
	}

	fx.currentRate.Store(int32(next))
}

func (fx *FX) tickSmoke() {
	if fx.cfg.Smoke.Toggle == nil {
		return
	}
	p, ok := fx.cfg.Smoke.Toggle.Average()
	if !ok {
		return
	}

	on := fx.smokeHeaterOn.Load()
	switch {
	case p > fx.cfg.Smoke.ThresholdUs+fx.cfg.Smoke.Hysteresis:
		on = true
	case p < fx.cfg.Smoke.ThresholdUs-fx.cfg.Smoke.Hysteresis:
		on = false
	default:
		return
	}

	if on == fx.smokeHeaterOn.Load() {
		return
	}
	if err := fx.framer.Send(serialframe.SmokeHeat, serialframe.SmokeHeatFrame(on).Payload); err != nil {
		fx.log.Warn("send SMOKE_HEAT", "err", err)
		return
	}
	fx.smokeHeaterOn.Store(on)
}

// mapServo clamps x to the input range and linearly interpolates it into
// the output range, rounding to the nearest microsecond.
func mapServo(x, inMin, inMax, outMin, outMax uint32) uint32 {
	if x < inMin {
		x = inMin
	}
	if x > inMax {
		x = inMax
	}
	if inMax == inMin {
		return outMin
	}
	span := float64(outMax) - float64(outMin)
	return outMin + uint32(math.Round(float64(x-inMin)*span/float64(inMax-inMin)))
}

func (fx *FX) tickServo(axis *ServoAxis) {
	if axis == nil || axis.Input == nil {
		return
	}
	p, ok := axis.Input.Average()
	if !ok {
		return
	}

	out := mapServo(p, axis.InputMinUs, axis.InputMaxUs, axis.OutputMinUs, axis.OutputMaxUs)

	// A new position is only worth serial bandwidth if it moved by more
	// than the deadband. The first position always goes out.
	last := axis.lastSentUs.Load()
	if last >= 0 {
		diff := int32(out) - last
		if diff >= -int32(fx.cfg.ServoDeadbandUs) && diff <= int32(fx.cfg.ServoDeadbandUs) {
			return
		}
	}

	if err := fx.framer.Send(serialframe.ServoSet, serialframe.ServoSetFrame(axis.ServoID, uint16(out)).Payload); err != nil {
		fx.log.Warn("send SERVO_SET", "servo", axis.ServoID, "err", err)
		return
	}
	axis.lastSentUs.Store(int32(out))
}

func (fx *FX) tickKeepalive() {
	if time.Since(fx.lastKeepalive) < fx.cfg.KeepaliveEvery {
		return
	}
	if err := fx.framer.Send(serialframe.Keepalive, nil); err != nil {
		fx.log.Warn("send KEEPALIVE", "err", err)
		return
	}
	fx.lastKeepalive = time.Now()
}
