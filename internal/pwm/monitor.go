// Package pwm measures the high-pulse width of radio-control PWM inputs.
//
// Each Monitor owns one GPIO line and runs its own edge-capture state
// machine, driven from the go-gpiocdev event callback. Readers poll
// Latest/Average from any goroutine without ever blocking on the
// sampler; the edge handler is the single writer, readers see atomic
// snapshots.
package pwm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"
)

// DefaultNoSignalTimeout is how long a rising edge may go without a
// matching falling edge before the in-progress pulse is discarded.
const DefaultNoSignalTimeout = 100 * time.Millisecond

// DefaultWindow is the number of completed pulses averaged together.
const DefaultWindow = 10

// Sample is one completed, valid pulse measurement.
type Sample struct {
	Channel      string
	PulseWidthUs uint32
}

// Monitor continuously measures one digital input's high-pulse width.
type Monitor struct {
	chip    string
	offset  int
	channel string

	noSignalTimeout time.Duration
	window          int

	log *log.Logger

	line atomic.Pointer[gpiocdev.Line]

	latest    atomic.Pointer[Sample]
	avgValid  atomic.Bool
	avgUs     atomic.Uint32
	ring      []uint32 // owned by the single edge-handler goroutine
	ringNext  int
	ringCount int

	// pulseStartNs/watchdogGen are shared between the gpiocdev event
	// goroutine and the watchdog timer goroutine, so they're atomic
	// rather than single-writer like the rest of this struct.
	pulseStartNs atomic.Int64
	watchdogGen  atomic.Uint64
	watchdog     *time.Timer // touched only from the event goroutine
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithWindow overrides the number of pulses averaged.
func WithWindow(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithNoSignalTimeout overrides how long an incomplete pulse is tolerated.
func WithNoSignalTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.noSignalTimeout = d
		}
	}
}

// New creates a Monitor bound to a GPIO chip and line offset. It does not
// start sampling; call Start.
func New(chip string, offset int, channel string, opts ...Option) *Monitor {
	m := &Monitor{
		chip:            chip,
		offset:          offset,
		channel:         channel,
		noSignalTimeout: DefaultNoSignalTimeout,
		window:          DefaultWindow,
		log:             log.With("component", "pwm", "channel", channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ring = make([]uint32, m.window)
	return m
}

// ErrAlreadyRunning is returned by Start if sampling is already active.
var ErrAlreadyRunning = errors.New("pwm: monitor already running")

// Start begins sampling. It fails if the channel is already running or the
// GPIO line cannot be requested with edge-detection.
func (m *Monitor) Start() error {
	if m.line.Load() != nil {
		return ErrAlreadyRunning
	}

	line, err := gpiocdev.RequestLine(m.chip, m.offset,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(m.handleEdge))
	if err != nil {
		return fmt.Errorf("pwm: request line %s:%d: %w", m.chip, m.offset, err)
	}

	m.line.Store(line)
	return nil
}

// handleEdge runs on the gpiocdev event goroutine for this line. It is the
// monitor's only writer, so the falling/rising/falling state and the
// averaging ring need no lock.
func (m *Monitor) handleEdge(evt gpiocdev.LineEvent) {
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		m.pulseStartNs.Store(evt.Timestamp.Nanoseconds())
		m.armWatchdog()

	case gpiocdev.LineEventFallingEdge:
		start := m.pulseStartNs.Load()
		if start == 0 {
			// No pulse in progress; this falling edge primes the next
			// rising edge.
			return
		}
		m.disarmWatchdog()
		m.pulseStartNs.Store(0)
		deltaNs := evt.Timestamp.Nanoseconds() - start
		if deltaNs <= 0 {
			return
		}
		m.publish(uint32(deltaNs / 1000))
	}
}

// armWatchdog schedules discarding the in-progress pulse if no matching
// falling edge arrives within the no-signal timeout.
func (m *Monitor) armWatchdog() {
	gen := m.watchdogGen.Add(1)
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.watchdog = time.AfterFunc(m.noSignalTimeout, func() {
		if gen == m.watchdogGen.Load() {
			m.pulseStartNs.Store(0)
		}
	})
}

func (m *Monitor) disarmWatchdog() {
	m.watchdogGen.Add(1)
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// publish records a completed, valid pulse: atomically as the latest
// sample, and into the averaging window.
func (m *Monitor) publish(widthUs uint32) {
	m.latest.Store(&Sample{Channel: m.channel, PulseWidthUs: widthUs})

	m.ring[m.ringNext] = widthUs
	m.ringNext = (m.ringNext + 1) % len(m.ring)
	if m.ringCount < len(m.ring) {
		m.ringCount++
	}

	var sum uint64
	for i := 0; i < m.ringCount; i++ {
		sum += uint64(m.ring[i])
	}
	m.avgUs.Store(uint32(sum / uint64(m.ringCount)))
	m.avgValid.Store(true)
}

// Latest returns the most recent complete pulse width, or false if no
// pulse has ever been observed. The sample is not consumed on read.
func (m *Monitor) Latest() (Sample, bool) {
	s := m.latest.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// Average returns the arithmetic mean of the last W completed pulses, or
// false until at least one pulse has been measured.
func (m *Monitor) Average() (uint32, bool) {
	if !m.avgValid.Load() {
		return 0, false
	}
	return m.avgUs.Load(), true
}

// Stop halts sampling. Idempotent. The line is closed before the
// watchdog is disarmed so no edge handler can re-arm it afterwards.
func (m *Monitor) Stop() {
	line := m.line.Swap(nil)
	if line == nil {
		return
	}
	if err := line.Close(); err != nil {
		m.log.Warn("closing gpio line", "err", err)
	}
	m.disarmWatchdog()
}
