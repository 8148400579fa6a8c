package shm

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic    = errors.New("bad control block magic")
	ErrBadVersion  = errors.New("unsupported control block version")
	ErrStalled     = errors.New("peer heartbeat stalled")
	ErrChunkRange  = errors.New("chunk out of range")
	ErrEmptyChunk  = errors.New("ready chunk with zero size")
	ErrNoTracks    = errors.New("loader has no tracks")
	ErrLoadTimeout = errors.New("track load not acknowledged")
)

// ProtocolError reports a violation of the shared-memory handshake. The
// player pauses and waits for the peer instead of failing.
type ProtocolError struct {
	Field Field
	Value uint32
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (field %d = %#x): %v", e.Field, e.Value, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LoadError is a loader-side failure to open a track, published through
// FieldLastError
type LoadError struct {
	Track int
	Code  uint32
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loader failed to open track %d (code %d)", e.Track, e.Code)
}
