package pcm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TrackDescriptor describes the PCM layout of one parsed track. It is
// replaced wholesale on every load; only SamplesPlayed changes afterwards.
type TrackDescriptor struct {
	Path          string
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataSize      int64
	DataStart     int64
	TotalSamples  int64
	Valid         bool

	samplesPlayed atomic.Int64
}

// NewDescriptor builds a valid descriptor and derives TotalSamples
func NewDescriptor(path string, rate, channels, bits int, dataStart, dataSize int64) (*TrackDescriptor, error) {
	if rate <= 0 {
		return nil, &FormatError{Path: path, Err: ErrZeroSampleRate}
	}
	if channels < 1 || channels > 2 {
		return nil, &FormatError{Path: path, Err: fmt.Errorf("%w: %d channels", ErrUnsupported, channels)}
	}
	if bits != 8 && bits != 16 {
		return nil, &FormatError{Path: path, Err: fmt.Errorf("%w: %d bits per sample", ErrUnsupported, bits)}
	}

	d := &TrackDescriptor{
		Path:          path,
		SampleRate:    rate,
		Channels:      channels,
		BitsPerSample: bits,
		DataSize:      dataSize,
		DataStart:     dataStart,
		Valid:         true,
	}
	d.TotalSamples = dataSize / int64(d.FrameWidth())
	return d, nil
}

// FrameWidth is the byte width of one interleaved frame
func (d *TrackDescriptor) FrameWidth() int {
	return d.Channels * d.BitsPerSample / 8
}

// PlayableBytes is the data extent rounded down to whole frames
func (d *TrackDescriptor) PlayableBytes() int64 {
	return d.TotalSamples * int64(d.FrameWidth())
}

// SamplesPlayed returns the number of source frames consumed so far
func (d *TrackDescriptor) SamplesPlayed() int64 {
	return d.samplesPlayed.Load()
}

// AddPlayed records consumed frames, capped at TotalSamples
func (d *TrackDescriptor) AddPlayed(n int64) int64 {
	for {
		cur := d.samplesPlayed.Load()
		next := cur + n
		if next > d.TotalSamples {
			next = d.TotalSamples
		}
		if d.samplesPlayed.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// ResetPlayed rewinds the played counter
func (d *TrackDescriptor) ResetPlayed() {
	d.samplesPlayed.Store(0)
}

// Exhausted reports whether every frame of the track has been consumed
func (d *TrackDescriptor) Exhausted() bool {
	return d.SamplesPlayed() >= d.TotalSamples
}

// Duration is the playing time of the whole track
func (d *TrackDescriptor) Duration() time.Duration {
	if d.SampleRate == 0 {
		return 0
	}
	return time.Duration(d.TotalSamples) * time.Second / time.Duration(d.SampleRate)
}

// Elapsed is the playing time of the consumed frames
func (d *TrackDescriptor) Elapsed() time.Duration {
	if d.SampleRate == 0 {
		return 0
	}
	return time.Duration(d.SamplesPlayed()) * time.Second / time.Duration(d.SampleRate)
}

func (d *TrackDescriptor) String() string {
	return fmt.Sprintf("%s (%d Hz, %d ch, %d bit, %d frames)",
		d.Path, d.SampleRate, d.Channels, d.BitsPerSample, d.TotalSamples)
}
