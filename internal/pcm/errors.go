package pcm

import (
	"errors"
	"fmt"
)

var (
	ErrNotRIFF        = errors.New("missing RIFF signature")
	ErrNotWAVE        = errors.New("missing WAVE form type")
	ErrTruncated      = errors.New("truncated header")
	ErrNoFormat       = errors.New("no fmt chunk in header window")
	ErrNoData         = errors.New("no data chunk in header window")
	ErrShortFormat    = errors.New("fmt chunk shorter than 16 bytes")
	ErrUnsupported    = errors.New("unsupported sample layout")
	ErrInvalidTrack   = errors.New("track descriptor is not valid")
	ErrZeroSampleRate = errors.New("sample rate is zero")
)

// FormatError reports a container that cannot be played
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IOError reports a source that cannot be opened or read
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsTrackError reports whether err makes a track unplayable without
// affecting the rest of the pipeline.
func IsTrackError(err error) bool {
	var fe *FormatError
	var ie *IOError
	return errors.As(err, &fe) || errors.As(err, &ie)
}
