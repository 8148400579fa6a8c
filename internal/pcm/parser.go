// Package pcm parses RIFF/WAVE headers into track descriptors.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/riff"
)

// HeaderWindow bounds how far into a file the chunk scanner looks.
const HeaderWindow = 1024

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
	minFormatSize    = 16
	riffHeaderSize   = 12
	chunkHeaderSize  = 8
)

// Parse opens path and parses its header
func Parse(path string) (*TrackDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Path: path, Op: "stat", Err: err}
	}

	return ParseReader(f, info.Size(), path)
}

// ParseReader parses the header of a WAV source of the given size. A
// negative size means unknown; the data extent is then taken as declared.
func ParseReader(r io.ReaderAt, size int64, path string) (*TrackDescriptor, error) {
	buf := make([]byte, HeaderWindow)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	buf = buf[:n]

	if len(buf) < riffHeaderSize {
		return nil, &FormatError{Path: path, Err: ErrTruncated}
	}
	if [4]byte(buf[0:4]) != riff.RiffID {
		return nil, &FormatError{Path: path, Err: ErrNotRIFF}
	}
	if [4]byte(buf[8:12]) != riff.WavFormatID {
		return nil, &FormatError{Path: path, Err: ErrNotWAVE}
	}

	var (
		haveFormat           bool
		rate, channels, bits int
	)

	pos := riffHeaderSize
	for pos+chunkHeaderSize <= len(buf) {
		id := [4]byte(buf[pos : pos+4])
		chunkSize := int64(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		body := pos + chunkHeaderSize

		switch id {
		case riff.FmtID:
			if chunkSize < minFormatSize {
				return nil, &FormatError{Path: path, Err: ErrShortFormat}
			}
			if body+minFormatSize > len(buf) {
				return nil, &FormatError{Path: path, Err: ErrTruncated}
			}
			payload := buf[body : body+minFormatSize]
			tag := binary.LittleEndian.Uint16(payload[0:2])
			if tag != formatPCM && tag != formatExtensible {
				return nil, &FormatError{Path: path, Err: fmt.Errorf("%w: format tag %#x", ErrUnsupported, tag)}
			}
			channels = int(binary.LittleEndian.Uint16(payload[2:4]))
			rate = int(binary.LittleEndian.Uint32(payload[4:8]))
			bits = int(binary.LittleEndian.Uint16(payload[14:16]))
			haveFormat = true

		case riff.DataFormatID:
			if !haveFormat {
				return nil, &FormatError{Path: path, Err: ErrNoFormat}
			}
			dataStart := int64(body)
			dataSize := chunkSize
			if size >= 0 && dataStart+dataSize > size {
				// Streamed or cut files declare more than they hold
				dataSize = max(size-dataStart, 0)
			}
			return NewDescriptor(path, rate, channels, bits, dataStart, dataSize)
		}

		pos = body + int(chunkSize) + int(chunkSize&1)
		if pos < body {
			break
		}
	}

	if !haveFormat {
		return nil, &FormatError{Path: path, Err: ErrNoFormat}
	}
	return nil, &FormatError{Path: path, Err: ErrNoData}
}
