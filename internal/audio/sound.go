package audio

// Format describes a Sound's raw PCM layout.
type Format struct {
	SampleRate    uint32
	Channels      int // 1 (mono) or 2 (stereo)
	BitsPerSample int // 8 or 16
}

func (f Format) bytesPerFrame() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// Sound is a decoded, shareable audio source descriptor: the same *Sound
// can back a looping running-sound channel and a one-shot startup-sound
// channel at once, each with its own playback cursor held by the mixer's
// channel table, not the Sound.
type Sound struct {
	Name   string
	Format Format
	Data   []byte // raw interleaved PCM, Format.BitsPerSample/Format.Channels
}

// Frames returns the sound's length in sample frames.
func (s *Sound) Frames() int {
	bpf := s.Format.bytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return len(s.Data) / bpf
}

// DurationMs returns the sound's length in milliseconds.
func (s *Sound) DurationMs() uint32 {
	if s.Format.SampleRate == 0 {
		return 0
	}
	return uint32(int64(s.Frames()) * 1000 / int64(s.Format.SampleRate))
}

// MsToFrame converts a millisecond offset to a frame index, clamped to
// [0, Frames()].
func (s *Sound) MsToFrame(ms uint32) int {
	frame := int64(ms) * int64(s.Format.SampleRate) / 1000
	if frame > int64(s.Frames()) {
		return s.Frames()
	}
	return int(frame)
}

// stereoFrameAt returns the left/right samples at frameIdx. 8-bit
// samples are widened as (u8-128)<<8; mono is duplicated to both legs.
func (s *Sound) stereoFrameAt(frameIdx int) (left, right int16, ok bool) {
	bpf := s.Format.bytesPerFrame()
	if bpf == 0 {
		return 0, 0, false
	}
	offset := frameIdx * bpf
	if offset < 0 || offset+bpf > len(s.Data) {
		return 0, 0, false
	}

	readSample := func(byteOff int) int16 {
		if s.Format.BitsPerSample == 8 {
			return int16(s.Data[byteOff]-128) << 8
		}
		// 16-bit little-endian.
		return int16(uint16(s.Data[byteOff]) | uint16(s.Data[byteOff+1])<<8)
	}

	sampleBytes := s.Format.BitsPerSample / 8
	if s.Format.Channels == 1 {
		v := readSample(offset)
		return v, v, true
	}
	l := readSample(offset)
	r := readSample(offset + sampleBytes)
	return l, r, true
}
