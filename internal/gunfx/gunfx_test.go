package gunfx

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/scalefx-rig/scalefxd/internal/audio"
	"github.com/scalefx-rig/scalefxd/internal/serialframe"
)

type fakeAverager struct {
	avg uint32
	ok  bool
}

func (f *fakeAverager) Average() (uint32, bool) { return f.avg, f.ok }

// wireLog is an in-memory sink for the framer; tests decode what the
// control loop actually put on the wire.
type wireLog struct {
	buf bytes.Buffer
}

func (w *wireLog) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *wireLog) frames(t *testing.T) []serialframe.Frame {
	t.Helper()
	var out []serialframe.Frame
	for _, block := range bytes.Split(w.buf.Bytes(), []byte{0x00}) {
		if len(block) == 0 {
			continue
		}
		f, ok := serialframe.Decode(block)
		require.True(t, ok, "control loop emitted an undecodable frame")
		out = append(out, f)
	}
	return out
}

func newTestFX(cfg Config) (*FX, *wireLog, *audio.Mixer) {
	w := &wireLog{}
	mx := audio.New(4, audio.DefaultSampleRate)
	fx := New(cfg, mx, serialframe.New(w, nil))
	return fx, w, mx
}

func TestRateSelectionHysteresis(t *testing.T) {
	rates := []RateOfFire{
		{RPM: 600, ThresholdUs: 1200},
		{RPM: 900, ThresholdUs: 1500},
		{RPM: 1200, ThresholdUs: 1800},
	}
	const hysteresis = 50

	// Entering a rate needs threshold+h; holding one only needs
	// threshold-h. 1240 is below 1250 so rate 0 is not yet entered; 1449
	// and 1451 both hold rate 0 because rate 1's entry bar is 1550.
	seq := []uint32{1100, 1240, 1260, 1449, 1451, 1549, 1551, 1750, 1860, 1000}
	want := []int{-1, -1, 0, 0, 0, 0, 1, 1, 2, -1}

	prev := -1
	for i, p := range seq {
		got := selectRate(rates, p, prev, hysteresis)
		assert.Equal(t, want[i], got, "step %d (p=%d, prev=%d)", i, p, prev)
		prev = got
	}
}

func TestRateSelectionUnorderedThresholdsFullScan(t *testing.T) {
	// The highest matching threshold must win even when the table is not
	// ascending.
	rates := []RateOfFire{
		{RPM: 1200, ThresholdUs: 1800},
		{RPM: 600, ThresholdUs: 1200},
		{RPM: 900, ThresholdUs: 1500},
	}
	got := selectRate(rates, 1900, -1, 50)
	assert.Equal(t, 0, got)

	got = selectRate(rates, 1600, -1, 50)
	assert.Equal(t, 2, got)
}

func TestRateSelectionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "n")
		rates := make([]RateOfFire, n)
		for i := range rates {
			rates[i].ThresholdUs = rapid.Uint32Range(900, 2100).Draw(rt, "thr")
		}
		p := rapid.Uint32Range(800, 2200).Draw(rt, "p")
		prev := rapid.IntRange(-1, n-1).Draw(rt, "prev")
		h := rapid.Uint32Range(0, 200).Draw(rt, "h")

		effective := func(i int) uint32 {
			if i == prev {
				if rates[i].ThresholdUs < h {
					return 0
				}
				return rates[i].ThresholdUs - h
			}
			return rates[i].ThresholdUs + h
		}

		got := selectRate(rates, p, prev, h)
		if got == -1 {
			for i := range rates {
				if p >= effective(i) {
					rt.Fatalf("returned idle but rate %d matches (p=%d, eff=%d)", i, p, effective(i))
				}
			}
			return
		}
		if p < effective(got) {
			rt.Fatalf("selected %d whose effective threshold %d exceeds p=%d", got, effective(got), p)
		}
		for i := range rates {
			if p >= effective(i) && rates[i].ThresholdUs > rates[got].ThresholdUs {
				rt.Fatalf("rate %d (thr %d) matches and outranks selected %d (thr %d)",
					i, rates[i].ThresholdUs, got, rates[got].ThresholdUs)
			}
		}
	})
}

func TestServoMapping(t *testing.T) {
	got := mapServo(1000, 1000, 2000, 1200, 1900)
	assert.Equal(t, uint32(1200), got)

	got = mapServo(1500, 1000, 2000, 1200, 1900)
	assert.Equal(t, uint32(1550), got)

	got = mapServo(2000, 1000, 2000, 1200, 1900)
	assert.Equal(t, uint32(1900), got)

	got = mapServo(2100, 1000, 2000, 1200, 1900)
	assert.Equal(t, uint32(1900), got, "clamped to input_max")
}

func TestServoMappingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		inMin := rapid.Uint32Range(800, 1500).Draw(rt, "inMin")
		inMax := rapid.Uint32Range(inMin+1, 2500).Draw(rt, "inMax")
		outMin := rapid.Uint32Range(800, 1500).Draw(rt, "outMin")
		outMax := rapid.Uint32Range(outMin, 2500).Draw(rt, "outMax")
		x := rapid.Uint32Range(0, 3000).Draw(rt, "x")

		got := mapServo(x, inMin, inMax, outMin, outMax)

		clamped := x
		if clamped < inMin {
			clamped = inMin
		}
		if clamped > inMax {
			clamped = inMax
		}
		want := uint32(math.Round(float64(outMin) +
			float64(clamped-inMin)*(float64(outMax)-float64(outMin))/float64(inMax-inMin)))
		if got != want {
			rt.Fatalf("mapServo(%d)=%d, want %d", x, got, want)
		}
		if got < outMin || got > outMax {
			rt.Fatalf("mapServo(%d)=%d outside [%d, %d]", x, got, outMin, outMax)
		}
	})
}

func TestServoDeadbandSuppressesSmallMoves(t *testing.T) {
	in := &fakeAverager{avg: 1500, ok: true}
	pitch := &ServoAxis{
		Input:       in,
		ServoID:     1,
		InputMinUs:  1000,
		InputMaxUs:  2000,
		OutputMinUs: 1000,
		OutputMaxUs: 2000,
	}

	fx, w, _ := newTestFX(Config{Pitch: pitch, GunChannel: 0})

	fx.tickServo(fx.cfg.Pitch)
	require.Equal(t, int32(1500), fx.cfg.Pitch.lastSentUs.Load(), "first position always goes out")

	in.avg = 1505 // exactly the deadband: not more than 5, suppressed
	fx.tickServo(fx.cfg.Pitch)
	assert.Equal(t, int32(1500), fx.cfg.Pitch.lastSentUs.Load())

	in.avg = 1506
	fx.tickServo(fx.cfg.Pitch)
	assert.Equal(t, int32(1506), fx.cfg.Pitch.lastSentUs.Load())

	frames := w.frames(t)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, serialframe.ServoSet, f.Type)
		assert.Equal(t, byte(1), f.Payload[0])
	}
}

func TestServoDeadbandSuppressesClampedRepeat(t *testing.T) {
	in := &fakeAverager{avg: 2000, ok: true}
	pitch := &ServoAxis{
		Input:       in,
		ServoID:     1,
		InputMinUs:  1000,
		InputMaxUs:  2000,
		OutputMinUs: 1200,
		OutputMaxUs: 1900,
	}

	fx, w, _ := newTestFX(Config{Pitch: pitch, GunChannel: 0})

	fx.tickServo(fx.cfg.Pitch)
	in.avg = 2003 // clamps to the same output
	fx.tickServo(fx.cfg.Pitch)

	assert.Len(t, w.frames(t), 1, "a clamped repeat of the same output must not be resent")
	assert.Equal(t, int32(1900), fx.cfg.Pitch.lastSentUs.Load())
}

func TestRateChangeSendsTriggerFramesAndDrivesAudio(t *testing.T) {
	trigger := &fakeAverager{}
	snd := &audio.Sound{Format: audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 2, BitsPerSample: 16}, Data: make([]byte, 4*1000)}

	cfg := Config{
		Trigger:    trigger,
		GunChannel: 0,
		Rates:      []RateOfFire{{RPM: 600, ThresholdUs: 1200, Sound: snd, Volume: 1}},
	}
	cfg.Smoke.FanOffDelayMs = 2000

	fx, w, mx := newTestFX(cfg)

	trigger.avg, trigger.ok = 1300, true
	fx.tickRate()
	assert.Equal(t, 0, fx.CurrentRateIndex())
	assert.True(t, fx.IsFiring())
	assert.True(t, mx.IsPlaying(0))

	trigger.avg = 1000
	fx.tickRate()
	assert.Equal(t, -1, fx.CurrentRateIndex())
	assert.False(t, fx.IsFiring())
	assert.False(t, mx.IsPlaying(0))

	frames := w.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, serialframe.TriggerOn, frames[0].Type)
	assert.Equal(t, []byte{0x58, 0x02}, frames[0].Payload) // 600 rpm
	assert.Equal(t, serialframe.TriggerOff, frames[1].Type)
	assert.Equal(t, []byte{0xD0, 0x07}, frames[1].Payload) // 2000 ms fan run-on
}

func TestSmokeHeaterTogglesOnceOnHysteresisEdges(t *testing.T) {
	toggle := &fakeAverager{}
	cfg := Config{GunChannel: 0}
	cfg.Smoke.Toggle = toggle
	cfg.Smoke.ThresholdUs = 1500

	fx, w, _ := newTestFX(cfg)

	toggle.avg, toggle.ok = 1000, true
	fx.tickSmoke()
	assert.False(t, fx.SmokeHeaterOn())

	toggle.avg = 1700
	fx.tickSmoke()
	assert.True(t, fx.SmokeHeaterOn())

	fx.tickSmoke()
	fx.tickSmoke()
	assert.True(t, fx.SmokeHeaterOn())

	frames := w.frames(t)
	require.Len(t, frames, 1, "holding the toggle high must not resend SMOKE_HEAT(1)")
	assert.Equal(t, serialframe.SmokeHeat, frames[0].Type)
	assert.Equal(t, []byte{1}, frames[0].Payload)

	toggle.avg = 1300
	fx.tickSmoke()
	assert.False(t, fx.SmokeHeaterOn())

	frames = w.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0}, frames[1].Payload)
}

func TestStartupForwardsServoSettingsAndRecoil(t *testing.T) {
	pitch := &ServoAxis{
		ServoID:              1,
		OutputMinUs:          1200,
		OutputMaxUs:          1900,
		MaxSpeedUsPerSec:     400,
		MaxAccelUsPerSec2:    800,
		MaxDecelUsPerSec2:    800,
		RecoilJerkUs:         30,
		RecoilJerkVarianceUs: 5,
	}

	fx, w, _ := newTestFX(Config{Pitch: pitch, GunChannel: 0})
	fx.Startup()

	frames := w.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, serialframe.Init, frames[0].Type)
	assert.Equal(t, serialframe.ServoSettings, frames[1].Type)
	assert.Equal(t, []byte{1, 0xB0, 0x04, 0x6C, 0x07, 0x90, 0x01, 0x20, 0x03, 0x20, 0x03}, frames[1].Payload)
	assert.Equal(t, serialframe.ServoRecoil, frames[2].Type)
	assert.Equal(t, []byte{1, 30, 0, 5, 0}, frames[2].Payload)
}

func TestKeepaliveCadence(t *testing.T) {
	fx, w, _ := newTestFX(Config{KeepaliveEvery: 30 * time.Second})
	fx.lastKeepalive = time.Now()

	fx.tickKeepalive()
	assert.Empty(t, w.frames(t), "no keepalive before the interval elapses")

	fx.lastKeepalive = time.Now().Add(-31 * time.Second)
	fx.tickKeepalive()

	frames := w.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, serialframe.Keepalive, frames[0].Type)
	assert.WithinDuration(t, time.Now(), fx.lastKeepalive, time.Second)

	// The clock resets on send: the very next tick stays quiet.
	fx.tickKeepalive()
	assert.Len(t, w.frames(t), 1)
}

func TestEmptyRateTableNeverFires(t *testing.T) {
	trigger := &fakeAverager{avg: 2000, ok: true}
	fx, w, _ := newTestFX(Config{Trigger: trigger, GunChannel: 0})

	fx.tickRate()
	assert.Equal(t, -1, fx.CurrentRateIndex())
	assert.False(t, fx.IsFiring())
	assert.Empty(t, w.frames(t))
}
