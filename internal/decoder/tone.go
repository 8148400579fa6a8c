package decoder

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Tone describes a sine test track
type Tone struct {
	Frequency float64
	Format    AudioFormat
	Duration  time.Duration
	// Level is the peak amplitude as a fraction of full scale
	Level float64
}

// Frames is the number of frames the tone spans
func (t Tone) Frames() int {
	return int(t.Duration.Seconds() * float64(t.Format.SampleRate))
}

// WriteTone encodes t as a PCM WAV stream. 8-bit output is unsigned, as
// WAV requires.
func WriteTone(w io.WriteSeeker, t Tone) error {
	switch t.Format.BitsPerSample {
	case 8, 16:
	default:
		return fmt.Errorf("%w: %d-bit tone", ErrUnsupported, t.Format.BitsPerSample)
	}
	if t.Format.Channels < 1 || t.Format.SampleRate < 1 {
		return fmt.Errorf("invalid tone format %+v", t.Format)
	}

	peak := float64(int(1)<<(t.Format.BitsPerSample-1) - 1)
	offset := 0
	if t.Format.BitsPerSample == 8 {
		offset = 128
	}
	level := t.Level
	if level <= 0 || level > 1 {
		level = 0.5
	}

	enc := wav.NewEncoder(w, t.Format.SampleRate, t.Format.BitsPerSample, t.Format.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: t.Format.Channels, SampleRate: t.Format.SampleRate},
		Data:           make([]int, 0, decodeBlock*t.Format.Channels),
		SourceBitDepth: t.Format.BitsPerSample,
	}

	step := 2 * math.Pi * t.Frequency / float64(t.Format.SampleRate)
	total := t.Frames()
	for start := 0; start < total; start += decodeBlock {
		buf.Data = buf.Data[:0]
		for i := start; i < min(start+decodeBlock, total); i++ {
			v := int(math.Round(math.Sin(step*float64(i))*peak*level)) + offset
			for range t.Format.Channels {
				buf.Data = append(buf.Data, v)
			}
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("failed to write tone: %w", err)
		}
	}
	return enc.Close()
}
