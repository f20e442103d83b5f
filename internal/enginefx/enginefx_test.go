package enginefx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalefx-rig/scalefxd/internal/audio"
)

type fakeAverager struct {
	avg uint32
	ok  bool
}

func (f *fakeAverager) Average() (uint32, bool) { return f.avg, f.ok }

func toneSound(ms uint32) *audio.Sound {
	frames := int(uint32(audio.DefaultSampleRate) * ms / 1000)
	return &audio.Sound{
		Format: audio.Format{SampleRate: audio.DefaultSampleRate, Channels: 2, BitsPerSample: 16},
		Data:   make([]byte, frames*4),
	}
}

func newTestFX(t *testing.T, cfg Config) (*FX, *fakeAverager, *audio.Mixer) {
	t.Helper()
	avg := &fakeAverager{}
	mx := audio.New(4, audio.DefaultSampleRate)
	fx := New(cfg, avg, mx, 0, 1)
	return fx, avg, mx
}

func TestEngineColdStart(t *testing.T) {
	cfg := Config{
		ThresholdUs:   1500,
		StartingSound: toneSound(40), // short, so it naturally finishes fast in frame-driven ticks
		RunningSound:  toneSound(1000),
		StoppingSound: toneSound(1000),
		CrossfadeMs:   5,
	}
	fx, avg, mx := newTestFX(t, cfg)

	assert.Equal(t, Stopped, fx.State())

	avg.avg, avg.ok = 1000, true
	fx.tick()
	assert.Equal(t, Stopped, fx.State(), "below threshold: stays Stopped")

	avg.avg = 1700
	fx.tick()
	assert.Equal(t, Starting, fx.State())
	assert.True(t, mx.IsPlaying(0))

	// Drive the startup sound to completion by consuming its frames.
	buf := make([]int16, 2*1000)
	for i := 0; i < 50 && fx.State() == Starting; i++ {
		mx.Render(buf, 1000)
		fx.tick()
	}
	assert.Equal(t, Running, fx.State())

	avg.avg = 1000
	fx.tick()
	assert.Equal(t, Stopping, fx.State())

	for i := 0; i < 50 && fx.State() == Stopping; i++ {
		mx.Render(buf, 1000)
		fx.tick()
	}
	assert.Equal(t, Stopped, fx.State())
}

// Aborting mid-Starting seeks the shutdown sound to the configured
// reversal offset rather than starting it from silence.
func TestEngineAbortedStart(t *testing.T) {
	cfg := Config{
		ThresholdUs:            1500,
		StartingSound:          toneSound(5000),
		RunningSound:           toneSound(1000),
		StoppingSound:          toneSound(30000),
		StoppingFromStartingMs: 25000,
		CrossfadeMs:            5,
	}
	fx, avg, mx := newTestFX(t, cfg)

	avg.avg, avg.ok = 1700, true
	fx.tick()
	require.Equal(t, Starting, fx.State())

	avg.avg = 1000
	fx.tick()
	require.Equal(t, Stopping, fx.State())

	remaining, ok := mx.RemainingMs(0)
	require.True(t, ok)
	// Started at 25000ms into a 30000ms sound -> ~5000ms remaining.
	assert.InDelta(t, 5000, remaining, 5)
}

func TestEngineMissingAudioStillAdvancesState(t *testing.T) {
	cfg := Config{ThresholdUs: 1500, CrossfadeMs: 5}
	fx, avg, _ := newTestFX(t, cfg)

	avg.avg, avg.ok = 1700, true
	fx.tick()
	assert.Equal(t, Starting, fx.State(), "missing sound files must not block transitions")
}

func TestEngineStartStopLoop(t *testing.T) {
	cfg := Config{ThresholdUs: 1500, CrossfadeMs: 5}
	fx, avg, _ := newTestFX(t, cfg)
	fx.cfg.TickInterval = time.Millisecond
	avg.avg, avg.ok = 1700, true

	fx.Start()
	time.Sleep(20 * time.Millisecond)
	fx.Stop()

	assert.Equal(t, Running, fx.State())
}
