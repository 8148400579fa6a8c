// Package pcmtest builds WAV fixtures for tests.
package pcmtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// Chunk is one raw RIFF chunk
type Chunk struct {
	ID   string
	Size uint32 // zero means len(Body)
	Body []byte
}

// FmtChunk returns a 16-byte PCM fmt chunk
func FmtChunk(rate, channels, bits int) Chunk {
	body := new(bytes.Buffer)
	blockAlign := uint16(channels * bits / 8)
	binary.Write(body, binary.LittleEndian, uint16(1))
	binary.Write(body, binary.LittleEndian, uint16(channels))
	binary.Write(body, binary.LittleEndian, uint32(rate))
	binary.Write(body, binary.LittleEndian, uint32(rate)*uint32(blockAlign))
	binary.Write(body, binary.LittleEndian, blockAlign)
	binary.Write(body, binary.LittleEndian, uint16(bits))
	return Chunk{ID: "fmt ", Body: body.Bytes()}
}

// DataChunk wraps raw frames
func DataChunk(data []byte) Chunk {
	return Chunk{ID: "data", Body: data}
}

// Build assembles a RIFF/WAVE file from chunks, padding odd bodies
func Build(chunks ...Chunk) []byte {
	payload := new(bytes.Buffer)
	payload.WriteString("WAVE")
	for _, c := range chunks {
		size := c.Size
		if size == 0 {
			size = uint32(len(c.Body))
		}
		payload.WriteString(c.ID)
		binary.Write(payload, binary.LittleEndian, size)
		payload.Write(c.Body)
		if len(c.Body)%2 == 1 {
			payload.WriteByte(0)
		}
	}

	out := new(bytes.Buffer)
	out.WriteString("RIFF")
	binary.Write(out, binary.LittleEndian, uint32(payload.Len()))
	out.Write(payload.Bytes())
	return out.Bytes()
}

// WAV builds a minimal file holding data with the given layout
func WAV(rate, channels, bits int, data []byte) []byte {
	return Build(FmtChunk(rate, channels, bits), DataChunk(data))
}

// Int16Frames packs signed samples little-endian
func Int16Frames(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Ramp returns n 16-bit mono frames counting up from 1
func Ramp(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i + 1)
	}
	return Int16Frames(samples...)
}

// WriteFile writes a fixture into dir and returns its path
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// Encode writes samples through the go-audio encoder, the way real tools produce files
func Encode(t *testing.T, path string, rate, channels, bits int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, bits, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: bits,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}
