package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildWAV assembles a minimal canonical PCM WAV file in memory.
func buildWAV(t *testing.T, sampleRate uint32, channels, bitsPerSample int, pcm []byte) []byte {
	t.Helper()

	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * uint32(blockAlign)

	buf := make([]byte, 0, 44+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = appendU32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = appendU32(buf, 16)
	buf = appendU16(buf, 1) // PCM
	buf = appendU16(buf, uint16(channels))
	buf = appendU32(buf, sampleRate)
	buf = appendU32(buf, byteRate)
	buf = appendU16(buf, uint16(blockAlign))
	buf = appendU16(buf, uint16(bitsPerSample))

	buf = append(buf, "data"...)
	buf = appendU32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)

	return buf
}

func appendU32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}

func appendU16(b []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp, v)
	return append(b, tmp...)
}

func TestLoadWAVParsesStereo16Bit(t *testing.T) {
	pcm := []byte{0x10, 0x27, 0xf0, 0xd8} // one stereo frame: L=10000, R=-10000
	data := buildWAV(t, 44100, 2, 16, pcm)

	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	snd, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(44100), snd.Format.SampleRate)
	assert.Equal(t, 2, snd.Format.Channels)
	assert.Equal(t, 16, snd.Format.BitsPerSample)
	assert.Equal(t, 1, snd.Frames())

	l, r, ok := snd.stereoFrameAt(0)
	require.True(t, ok)
	assert.Equal(t, int16(10000), l)
	assert.Equal(t, int16(-10000), r)
}

func TestLoadWAVRejectsNonRIFF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file at all"), 0o644))

	_, err := LoadWAV(path)
	assert.Error(t, err)
}

func TestLoadWAVRejectsMissingFile(t *testing.T) {
	_, err := LoadWAV(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}
