package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// LoadWAV reads a canonical PCM WAV file into a Sound. It walks the
// RIFF chunk list directly: only the fmt and data chunks matter, and
// only mono/stereo 8- or 16-bit data is accepted. The fmt chunk's format
// tag is not checked; the data is always read as PCM.
func LoadWAV(path string) (*Sound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: read %s: %w", path, err)
	}

	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: %s is not a RIFF/WAVE file", path)
	}

	var format Format
	var pcm []byte
	haveFmt := false

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		if body+chunkSize > len(data) {
			break
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("audio: %s has a truncated fmt chunk", path)
			}
			channels := int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate := binary.LittleEndian.Uint32(data[body+4 : body+8])
			bitsPerSample := int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			format = Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: bitsPerSample}
			haveFmt = true
		case "data":
			pcm = data[body : body+chunkSize]
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if !haveFmt {
		return nil, fmt.Errorf("audio: %s is missing a fmt chunk", path)
	}
	if pcm == nil {
		return nil, fmt.Errorf("audio: %s is missing a data chunk", path)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("audio: %s has unsupported channel count %d", path, format.Channels)
	}
	if format.BitsPerSample != 8 && format.BitsPerSample != 16 {
		return nil, fmt.Errorf("audio: %s has unsupported bit depth %d", path, format.BitsPerSample)
	}

	return &Sound{Name: path, Format: format, Data: pcm}, nil
}
