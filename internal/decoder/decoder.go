// Package decoder turns compressed tracks into PCM WAV files the player
// can parse. Decoding happens once, ahead of playback.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/famish99/fifoplayd/internal/pcm"
)

// ErrUnsupported is returned for file types no decoder handles
var ErrUnsupported = errors.New("unsupported audio format")

// AudioFormat represents decoded audio format
type AudioFormat struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// Layout converts the format to the PCM layout written into WAV headers
func (f AudioFormat) Layout() pcm.Layout {
	return pcm.Layout{SampleRate: f.SampleRate, Channels: f.Channels, BitsPerSample: f.BitsPerSample}
}

// Kind names the container of a track by its extension
type Kind string

const (
	KindWAV    Kind = "wav"
	KindMP3    Kind = "mp3"
	KindVorbis Kind = "vorbis"
)

// KindOf maps a path to its decoder kind
func KindOf(path string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return KindWAV, true
	case ".mp3":
		return KindMP3, true
	case ".ogg", ".oga":
		return KindVorbis, true
	}
	return "", false
}

// decodeBlock is the number of samples converted per step
const decodeBlock = 4096

// ProbeFormat detects the native audio format of a file
func ProbeFormat(source string) (*AudioFormat, error) {
	kind, ok := KindOf(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, source)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	defer f.Close()

	switch kind {
	case KindMP3:
		dec, err := gomp3.NewDecoder(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read mp3 header: %w", err)
		}
		// go-mp3 always produces 16-bit stereo
		return &AudioFormat{SampleRate: dec.SampleRate(), BitsPerSample: 16, Channels: 2}, nil

	case KindVorbis:
		dec, err := oggvorbis.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read vorbis header: %w", err)
		}
		return &AudioFormat{SampleRate: dec.SampleRate(), BitsPerSample: 16, Channels: dec.Channels()}, nil
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	desc, err := pcm.ParseReader(f, info.Size(), source)
	if err != nil {
		return nil, err
	}
	return &AudioFormat{SampleRate: desc.SampleRate, BitsPerSample: desc.BitsPerSample, Channels: desc.Channels}, nil
}

// DecodeToWAVFile decodes audio to a 16-bit PCM WAV file at outputPath.
// WAV input is copied unchanged. A partial output is removed on failure.
//
// Returns the audio format.
func DecodeToWAVFile(ctx context.Context, source string, outputPath string) (*AudioFormat, error) {
	kind, ok := KindOf(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, source)
	}

	in, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	var format *AudioFormat
	switch kind {
	case KindMP3:
		format, err = decodeMP3(ctx, in, out)
	case KindVorbis:
		format, err = decodeVorbis(ctx, in, out)
	default:
		format, err = copyWAV(in, out, source)
	}

	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close output: %w", cerr)
	}
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}
	return format, nil
}

// decodeMP3 streams go-mp3's 16-bit stereo output behind a canonical
// header whose size is patched once the stream ends
func decodeMP3(ctx context.Context, in io.Reader, out io.WriteSeeker) (*AudioFormat, error) {
	dec, err := gomp3.NewDecoder(in)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 stream: %w", err)
	}
	format := &AudioFormat{SampleRate: dec.SampleRate(), BitsPerSample: 16, Channels: 2}

	if err := pcm.WriteHeader(out, format.Layout(), 0); err != nil {
		return nil, err
	}

	buf := make([]byte, decodeBlock*format.Layout().FrameWidth())
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(dec, buf)
		n -= n % format.Layout().FrameWidth()
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("failed to write samples: %w", werr)
			}
			size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mp3 decode failed: %w", err)
		}
	}

	if size > math.MaxUint32-pcm.CanonicalHeaderSize {
		return nil, fmt.Errorf("decoded stream too large for WAV: %d bytes", size)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind output: %w", err)
	}
	if err := pcm.WriteHeader(out, format.Layout(), uint32(size)); err != nil {
		return nil, err
	}
	return format, nil
}

// decodeVorbis converts float samples to 16-bit and hands them to the
// go-audio encoder, which writes the header on Close
func decodeVorbis(ctx context.Context, in io.Reader, out io.WriteSeeker) (*AudioFormat, error) {
	dec, err := oggvorbis.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to open vorbis stream: %w", err)
	}
	format := &AudioFormat{SampleRate: dec.SampleRate(), BitsPerSample: 16, Channels: dec.Channels()}

	enc := wav.NewEncoder(out, format.SampleRate, format.BitsPerSample, format.Channels, 1)
	floats := make([]float32, decodeBlock*format.Channels)
	ints := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           make([]int, 0, len(floats)),
		SourceBitDepth: format.BitsPerSample,
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.Read(floats)
		n -= n % format.Channels
		if n > 0 {
			ints.Data = ints.Data[:0]
			for _, v := range floats[:n] {
				ints.Data = append(ints.Data, floatToInt16(v))
			}
			if werr := enc.Write(ints); werr != nil {
				return nil, fmt.Errorf("failed to write samples: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vorbis decode failed: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish WAV: %w", err)
	}
	return format, nil
}

func copyWAV(in *os.File, out io.Writer, source string) (*AudioFormat, error) {
	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot access file: %w", err)
	}
	desc, err := pcm.ParseReader(in, info.Size(), source)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(out, io.NewSectionReader(in, 0, info.Size())); err != nil {
		return nil, fmt.Errorf("failed to copy WAV: %w", err)
	}
	return &AudioFormat{SampleRate: desc.SampleRate, BitsPerSample: desc.BitsPerSample, Channels: desc.Channels}, nil
}

func floatToInt16(v float32) int {
	s := int(math.Round(float64(v) * math.MaxInt16))
	return max(min(s, math.MaxInt16), math.MinInt16)
}
