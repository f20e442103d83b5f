// Package enginefx implements the engine sound state machine: a
// four-state controller crossfading startup/running/shutdown audio in
// response to one toggle PWM input, with directional reversal offsets so
// aborting mid-transition doesn't sound like two separate events.
package enginefx

import (
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scalefx-rig/scalefxd/internal/audio"
)

// Averager is the PWM read surface an engine control loop needs. It is
// satisfied by *pwm.Monitor; tests substitute a fake instead of driving
// real GPIO edges.
type Averager interface {
	Average() (uint32, bool)
}

// State is one of the four engine states.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	DefaultHysteresisUs uint32        = 100
	DefaultTickInterval time.Duration = 10 * time.Millisecond
	DefaultCrossfadeMs  uint32        = 300
)

// Config is the engine configuration, immutable after load.
type Config struct {
	ThresholdUs uint32
	Hysteresis  uint32 // default DefaultHysteresisUs

	StartingSound *audio.Sound
	StartingVol   float32
	RunningSound  *audio.Sound
	RunningVol    float32
	StoppingSound *audio.Sound
	StoppingVol   float32

	// Where to seek into the opposite sound when the user reverses
	// intent mid-transition.
	StartingFromStoppingMs uint32
	StoppingFromStartingMs uint32

	CrossfadeMs  uint32        // default DefaultCrossfadeMs
	TickInterval time.Duration // default DefaultTickInterval
}

func (c Config) withDefaults() Config {
	if c.Hysteresis == 0 {
		c.Hysteresis = DefaultHysteresisUs
	}
	if c.CrossfadeMs == 0 {
		c.CrossfadeMs = DefaultCrossfadeMs
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// FX drives one engine sound state machine. State is written only by the
// control loop goroutine; telemetry readers load it through the atomic.
type FX struct {
	cfg     Config
	monitor Averager
	mixer   *audio.Mixer

	channels   [2]int // two mixer channels used for crossfade
	current    int    // index into channels: which one carries the audible sound
	preEntered bool

	toggleOn bool // hysteresis-band persisted state; loop goroutine only

	state atomic.Int32

	running atomic.Bool
	done    chan struct{}

	log *log.Logger
}

// New creates an engine FX bound to one PWM monitor and two mixer
// channels; the second channel carries the pre-entered running sound
// while the startup sound finishes.
func New(cfg Config, monitor Averager, mixer *audio.Mixer, channelA, channelB int) *FX {
	fx := &FX{
		cfg:      cfg.withDefaults(),
		monitor:  monitor,
		mixer:    mixer,
		channels: [2]int{channelA, channelB},
		done:     make(chan struct{}),
		log:      log.With("component", "enginefx"),
	}
	fx.state.Store(int32(Stopped))
	return fx
}

// State returns the current state (safe from any goroutine).
func (fx *FX) State() State { return State(fx.state.Load()) }

// Start runs the control loop until Stop is called.
func (fx *FX) Start() {
	fx.running.Store(true)
	go fx.loop()
}

// Stop requests the loop to exit and waits for it to do so.
func (fx *FX) Stop() {
	fx.running.Store(false)
	<-fx.done
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

// curChannel/otherChannel index into fx.channels by fx.current.
func (fx *FX) curChannel() int   { return fx.channels[fx.current] }
func (fx *FX) otherChannel() int { return fx.channels[1-fx.current] }

// updateToggle applies the hysteresis band to the monitor's average and
// returns the (possibly unchanged) toggle state. Inside the band the
// previous state persists.
func (fx *FX) updateToggle() bool {
	avg, ok := fx.monitor.Average()
	if !ok {
		return fx.toggleOn
	}
	switch {
	case avg > fx.cfg.ThresholdUs+fx.cfg.Hysteresis:
		fx.toggleOn = true
	case avg < fx.cfg.ThresholdUs-fx.cfg.Hysteresis:
		fx.toggleOn = false
	}
	return fx.toggleOn
}

// play is a nil-safe wrapper: a missing sound file means the transition
// still advances but stays silent.
func (fx *FX) play(channel int, sound *audio.Sound, startMs uint32, volume float32, loop bool) {
	if sound == nil {
		return
	}
	opts := audio.PlayOptions{Loop: loop, Volume: volume}
	if err := fx.mixer.PlayFrom(channel, sound, startMs, opts); err != nil {
		fx.log.Warn("mixer rejected play", "channel", channel, "err", err)
	}
}

func (fx *FX) stop(channel int) {
	if err := fx.mixer.Stop(channel, audio.StopImmediate); err != nil {
		fx.log.Warn("mixer rejected stop", "channel", channel, "err", err)
	}
}

func (fx *FX) setState(s State) {
	fx.state.Store(int32(s))
	fx.log.Debug("transition", "to", s.String())
}

// tick evaluates the toggle and current channel status and advances at
// most one transition.
func (fx *FX) tick() {
	on := fx.updateToggle()

	switch fx.State() {
	case Stopped:
		if on {
			fx.preEntered = false
			fx.current = 0
			fx.play(fx.curChannel(), fx.cfg.StartingSound, 0, fx.cfg.StartingVol, false)
			fx.setState(Starting)
		}

	case Starting:
		if !on {
			fx.stop(fx.curChannel())
			if fx.preEntered {
				fx.stop(fx.otherChannel())
			}
			fx.play(fx.curChannel(), fx.cfg.StoppingSound, fx.cfg.StoppingFromStartingMs, fx.cfg.StoppingVol, false)
			fx.preEntered = false
			fx.setState(Stopping)
			return
		}

		remaining, playing := fx.mixer.RemainingMs(fx.curChannel())
		if !fx.preEntered && playing && remaining <= fx.cfg.CrossfadeMs {
			fx.play(fx.otherChannel(), fx.cfg.RunningSound, 0, fx.cfg.RunningVol, true)
			fx.preEntered = true
		}

		if !playing {
			if fx.preEntered {
				fx.current = 1 - fx.current // the pre-entered channel is now current
			} else {
				fx.play(fx.curChannel(), fx.cfg.RunningSound, 0, fx.cfg.RunningVol, true)
			}
			fx.preEntered = false
			fx.setState(Running)
		}

	case Running:
		if !on {
			fx.stop(fx.curChannel())
			fx.play(fx.curChannel(), fx.cfg.StoppingSound, 0, fx.cfg.StoppingVol, false)
			fx.setState(Stopping)
		}

	case Stopping:
		if on {
			fx.stop(fx.curChannel())
			fx.play(fx.curChannel(), fx.cfg.StartingSound, fx.cfg.StartingFromStoppingMs, fx.cfg.StartingVol, false)
			fx.setState(Starting)
			return
		}

		if _, playing := fx.mixer.RemainingMs(fx.curChannel()); !playing {
			fx.setState(Stopped)
		}
	}
}
