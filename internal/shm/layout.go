// Package shm implements the shared-memory handoff between the loader
// domain, which reads tracks from storage, and the player domain, which
// feeds the codec. The two sides share no locks: every control word is
// accessed with sync/atomic and the flag handshake orders the bulk copy.
package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Default region geometry
const (
	DefaultSize          = 128 * 1024
	DefaultControlOffset = 0x0000
	DefaultDataOffset    = 0x2000
	ControlAreaSize      = 8 * 1024

	Magic   uint32 = 0x41554449 // "AUDI"
	Version uint32 = 1

	wordSize = 4
)

// Field is the index of a 32-bit word in the control block. The order is
// the wire contract shared by both domains.
type Field int

const (
	FieldMagic Field = iota
	FieldVersion
	FieldCommand
	FieldStatus
	FieldSongID
	FieldCurrentChunk
	FieldTotalChunks
	FieldChunkSize
	FieldChunkReady
	FieldRequestNext
	FieldHeartbeat
	FieldConnected
	FieldSampleRate
	FieldChannels
	FieldBitsPerSample
	FieldTotalSamples
	FieldTrackRequest
	FieldTrackCount
	FieldBufferUnderrun
	FieldChunksLoaded
	FieldLastError
	FieldChunkSong
	FieldChunkSeq
	FieldLoadSeq
	FieldCommandSeq
	FieldRequestSeq
	// FieldEpoch changes every time a loader stamps the block
	FieldEpoch

	fieldCount
)

// BlockWords is the control block size in words, including reserved padding
const BlockWords = 64

// Command is forwarded from the loader to the player through the command mailbox
type Command uint32

const (
	CmdNone Command = iota
	CmdPlay
	CmdPause
	CmdNext
	CmdPrevious
	CmdStop
	CmdLoad
)

func (c Command) String() string {
	switch c {
	case CmdNone:
		return "none"
	case CmdPlay:
		return "play"
	case CmdPause:
		return "pause"
	case CmdNext:
		return "next"
	case CmdPrevious:
		return "previous"
	case CmdStop:
		return "stop"
	case CmdLoad:
		return "load"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// Status is the loader's state as published in the control block
type Status uint32

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusPlaying
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Error codes published in FieldLastError
const (
	ErrCodeNone uint32 = iota
	ErrCodeOpen
	ErrCodeFormat
	ErrCodeRead
)

// Layout places the control block and the data region inside a region
type Layout struct {
	Size          int
	ControlOffset int
	DataOffset    int
}

// DefaultLayout is the geometry both binaries agree on out of the box
func DefaultLayout() Layout {
	return Layout{Size: DefaultSize, ControlOffset: DefaultControlOffset, DataOffset: DefaultDataOffset}
}

// DataCapacity is the largest chunk the data region can hold
func (l Layout) DataCapacity() int {
	return l.Size - l.DataOffset
}

// Validate checks that the block fits before the data region
func (l Layout) Validate() error {
	if l.ControlOffset%wordSize != 0 || l.DataOffset%wordSize != 0 {
		return fmt.Errorf("offsets must be word aligned: control=%#x data=%#x", l.ControlOffset, l.DataOffset)
	}
	if l.ControlOffset+BlockWords*wordSize > l.DataOffset {
		return fmt.Errorf("control block at %#x overlaps data region at %#x", l.ControlOffset, l.DataOffset)
	}
	if l.DataOffset >= l.Size {
		return fmt.Errorf("data offset %#x outside region of %d bytes", l.DataOffset, l.Size)
	}
	return nil
}

// Word returns the 32-bit word at byte offset off of mem for atomic access.
// The offset must be word aligned and inside mem.
func Word(mem []byte, off int) *uint32 {
	if off%wordSize != 0 || off < 0 || off+wordSize > len(mem) {
		panic(fmt.Sprintf("shm: bad word offset %d in %d-byte window", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Block is the control block view over a shared region
type Block struct {
	mem    []byte
	layout Layout
}

// NewBlock wraps a mapped region
func NewBlock(mem []byte, layout Layout) (*Block, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if len(mem) < layout.Size {
		return nil, fmt.Errorf("region of %d bytes smaller than layout size %d", len(mem), layout.Size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%wordSize != 0 {
		return nil, fmt.Errorf("region is not word aligned")
	}
	return &Block{mem: mem, layout: layout}, nil
}

func (b *Block) word(f Field) *uint32 {
	return Word(b.mem, b.layout.ControlOffset+int(f)*wordSize)
}

// Load reads a field with acquire semantics
func (b *Block) Load(f Field) uint32 {
	return atomic.LoadUint32(b.word(f))
}

// Store writes a field with release semantics
func (b *Block) Store(f Field, v uint32) {
	atomic.StoreUint32(b.word(f), v)
}

// Add increments a field and returns the new value
func (b *Block) Add(f Field, delta uint32) uint32 {
	return atomic.AddUint32(b.word(f), delta)
}

// CompareAndSwap replaces a field only if it still holds old
func (b *Block) CompareAndSwap(f Field, old, v uint32) bool {
	return atomic.CompareAndSwapUint32(b.word(f), old, v)
}

// Data returns the bulk data region
func (b *Block) Data() []byte {
	return b.mem[b.layout.DataOffset:b.layout.Size]
}

// Layout returns the region geometry
func (b *Block) Layout() Layout {
	return b.layout
}

// Snapshot copies every defined field, for status output and tests
func (b *Block) Snapshot() [fieldCount]uint32 {
	var out [fieldCount]uint32
	for f := range fieldCount {
		out[f] = b.Load(f)
	}
	return out
}
