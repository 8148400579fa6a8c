package pcm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/riff"
)

// CanonicalHeaderSize is the size of the header written by WriteHeader:
// RIFF header, a 16-byte fmt chunk and the data chunk header.
const CanonicalHeaderSize = 44

// Layout is the sample layout of a PCM stream
type Layout struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// FrameWidth is the byte width of one interleaved frame
func (l Layout) FrameWidth() int {
	return l.Channels * l.BitsPerSample / 8
}

// WriteHeader writes a canonical 44-byte WAV header for dataSize bytes of PCM
func WriteHeader(w io.Writer, l Layout, dataSize uint32) error {
	blockAlign := uint16(l.FrameWidth())
	byteRate := uint32(l.SampleRate) * uint32(blockAlign)

	fields := []struct {
		name  string
		value any
	}{
		{"riff id", riff.RiffID},
		{"riff size", uint32(CanonicalHeaderSize-8) + dataSize + dataSize&1},
		{"form type", riff.WavFormatID},
		{"fmt id", riff.FmtID},
		{"fmt size", uint32(minFormatSize)},
		{"format tag", uint16(formatPCM)},
		{"channels", uint16(l.Channels)},
		{"sample rate", uint32(l.SampleRate)},
		{"byte rate", byteRate},
		{"block align", blockAlign},
		{"bits per sample", uint16(l.BitsPerSample)},
		{"data id", riff.DataFormatID},
		{"data size", dataSize},
	}

	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f.value); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}
