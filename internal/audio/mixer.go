// Package audio implements the multi-channel sound mixer: up to N
// independent playback channels, additive mixing with master gain, and
// immediate/fade/loop-end stop modes.
package audio

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// DefaultSampleRate is the mixer's PCM output rate.
const DefaultSampleRate = 44100

// DefaultBlockFrames is the output block size (~11.6 ms at 44.1 kHz).
const DefaultBlockFrames = 512

// Mixer owns N playback channels and renders them into interleaved
// stereo PCM blocks. All channel-table access goes through mu; the mix
// loop and every control call take the same short-lived lock, never held
// across I/O.
type Mixer struct {
	mu           sync.Mutex
	channels     []channel
	masterVolume float32
	sampleRate   uint32

	log *log.Logger
}

// New creates a Mixer with n channels; the channel count is fixed for
// the Mixer's lifetime.
func New(n int, sampleRate uint32) *Mixer {
	mx := &Mixer{
		channels:     make([]channel, n),
		masterVolume: 1,
		sampleRate:   sampleRate,
		log:          log.With("component", "audio"),
	}
	for i := range mx.channels {
		mx.channels[i].reset()
	}
	return mx
}

var (
	// ErrChannelIndex is returned when a channel index is out of range.
	ErrChannelIndex = fmt.Errorf("audio: channel index out of range")
	// ErrNilSound is returned by Play/PlayFrom when sound is nil.
	ErrNilSound = fmt.Errorf("audio: sound is nil")
)

func (mx *Mixer) channelIndices(idx int) ([]int, error) {
	if idx == AllChannels {
		all := make([]int, len(mx.channels))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	if idx < 0 || idx >= len(mx.channels) {
		return nil, ErrChannelIndex
	}
	return []int{idx}, nil
}

// Play begins playback on channel from opts.StartOffsetMs into the
// sound. If the channel is already active its current playback is
// replaced.
func (mx *Mixer) Play(idx int, sound *Sound, opts PlayOptions) error {
	return mx.playFrom(idx, sound, opts.StartOffsetMs, opts)
}

// PlayFrom is Play but seeks to startMs before starting, overriding any
// offset in opts.
func (mx *Mixer) PlayFrom(idx int, sound *Sound, startMs uint32, opts PlayOptions) error {
	return mx.playFrom(idx, sound, startMs, opts)
}

func (mx *Mixer) playFrom(idx int, sound *Sound, startMs uint32, opts PlayOptions) error {
	if sound == nil {
		return ErrNilSound
	}
	if idx < 0 || idx >= len(mx.channels) {
		return ErrChannelIndex
	}

	mx.mu.Lock()
	defer mx.mu.Unlock()

	c := &mx.channels[idx]
	c.reset()
	c.active = true
	c.sound = sound
	c.loop = opts.Loop
	c.volume = clampVolume(opts.Volume)
	c.output = opts.Output
	c.fadeVolume = 1
	c.cursorFrame = sound.MsToFrame(startMs)
	// A start offset at or past the end means immediate stop unless
	// looping, in which case it restarts from the top.
	if c.cursorFrame >= sound.Frames() {
		if c.loop {
			c.cursorFrame = 0
		} else {
			c.active = false
		}
	}
	return nil
}

// Stop ends playback on idx (or all channels if idx == AllChannels)
// according to mode.
func (mx *Mixer) Stop(idx int, mode StopMode) error {
	indices, err := mx.channelIndices(idx)
	if err != nil {
		return err
	}

	mx.mu.Lock()
	defer mx.mu.Unlock()

	for _, i := range indices {
		mx.stopLocked(&mx.channels[i], mode)
	}
	return nil
}

func (mx *Mixer) stopLocked(c *channel, mode StopMode) {
	if !c.active {
		return
	}
	switch mode {
	case StopImmediate:
		c.reset()
	case StopLoopEnd:
		c.loop = false
	case StopFade:
		if c.fading {
			return
		}
		c.fading = true
		framesInFade := float32(FadeDuration.Seconds()) * float32(mx.sampleRate)
		if framesInFade < 1 {
			framesInFade = 1
		}
		c.fadeStep = 1 / framesInFade
	}
}

// SetVolume sets per-channel gain, or master gain if idx == AllChannels.
// Clamped to [0,1].
func (mx *Mixer) SetVolume(idx int, v float32) error {
	v = clampVolume(v)

	mx.mu.Lock()
	defer mx.mu.Unlock()

	if idx == AllChannels {
		mx.masterVolume = v
		return nil
	}
	if idx < 0 || idx >= len(mx.channels) {
		return ErrChannelIndex
	}
	mx.channels[idx].volume = v
	return nil
}

// IsPlaying reports whether idx is currently active.
func (mx *Mixer) IsPlaying(idx int) bool {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	if idx < 0 || idx >= len(mx.channels) {
		return false
	}
	return mx.channels[idx].active
}

// RemainingMs returns the milliseconds left before a non-looping channel
// ends, or false for an inactive or looping channel.
func (mx *Mixer) RemainingMs(idx int) (uint32, bool) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	if idx < 0 || idx >= len(mx.channels) {
		return 0, false
	}
	c := &mx.channels[idx]
	if !c.active || c.loop || c.sound == nil {
		return 0, false
	}
	framesLeft := c.sound.Frames() - c.cursorFrame
	if framesLeft < 0 {
		framesLeft = 0
	}
	ms := uint32(int64(framesLeft) * 1000 / int64(mx.sampleRate))
	return ms, true
}

// Render mixes `frames` stereo frames into out (length frames*2,
// interleaved L,R int16). It is the Mixer's only I/O-adjacent surface: a
// sink's stream callback calls it on every block; tests call it directly
// to advance playback deterministically without a real audio device.
func (mx *Mixer) Render(out []int16, frames int) {
	mx.mu.Lock()
	defer mx.mu.Unlock()

	master := mx.masterVolume

	for f := 0; f < frames; f++ {
		var left, right int32

		for i := range mx.channels {
			c := &mx.channels[i]
			if !c.active || c.sound == nil {
				continue
			}

			l, r, ok := c.sound.stereoFrameAt(c.cursorFrame)
			if !ok {
				mx.endChannel(c)
				continue
			}

			gain := c.volume * master * mx.fadeGain(c)
			sl := int32(float32(l) * gain)
			sr := int32(float32(r) * gain)

			switch c.output {
			case RouteLeft:
				left += sl
			case RouteRight:
				right += sr
			default:
				left += sl
				right += sr
			}

			mx.advanceChannel(c)
		}

		out[2*f] = toPCM16(softClip(left))
		out[2*f+1] = toPCM16(softClip(right))
	}
}

// fadeGain returns the current fade ramp multiplier and is only called
// from Render, which already holds mu.
func (mx *Mixer) fadeGain(c *channel) float32 {
	if !c.fading {
		return 1
	}
	return c.fadeVolume
}

// advanceChannel moves the cursor forward one frame and applies fade/loop
// bookkeeping; called from Render, which already holds mu.
func (mx *Mixer) advanceChannel(c *channel) {
	if c.fading {
		c.fadeVolume -= c.fadeStep
		if c.fadeVolume <= 0 {
			c.reset()
			return
		}
	}

	c.cursorFrame++
	if c.cursorFrame >= c.sound.Frames() {
		if c.loop {
			c.cursorFrame = 0
			return
		}
		mx.endChannel(c)
	}
}

// endChannel reclaims a channel once its source stops. Called from
// Render, which already holds mu.
func (mx *Mixer) endChannel(c *channel) {
	c.reset()
}
