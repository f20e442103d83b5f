package audio

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

// PortAudioSink drives a Mixer's Render from a live PortAudio output
// stream.
type PortAudioSink struct {
	mixer  *Mixer
	stream *portaudio.Stream
	log    *log.Logger
}

// NewPortAudioSink opens the default output device at sampleRate,
// rendering blockFrames stereo frames per callback.
func NewPortAudioSink(mixer *Mixer, sampleRate float64, blockFrames int) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}

	sink := &PortAudioSink{mixer: mixer, log: log.With("component", "audio-sink")}

	stream, err := portaudio.OpenDefaultStream(0, 2, sampleRate, blockFrames, sink.callback)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: open output stream: %w", err)
	}
	sink.stream = stream
	return sink, nil
}

// callback is invoked by PortAudio on its own audio thread; it must
// never block beyond rendering the block.
func (s *PortAudioSink) callback(out []int16) {
	s.mixer.Render(out, len(out)/2)
}

// Start begins streaming audio to the output device.
func (s *PortAudioSink) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("audio: start stream: %w", err)
	}
	return nil
}

// Stop halts streaming without closing the device.
func (s *PortAudioSink) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("audio: stop stream: %w", err)
	}
	return nil
}

// Close stops the stream and releases PortAudio.
func (s *PortAudioSink) Close() error {
	if err := s.stream.Close(); err != nil {
		s.log.Warn("closing audio stream", "err", err)
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("audio: portaudio terminate: %w", err)
	}
	return nil
}
