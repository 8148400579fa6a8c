// Package regmap drives the FIFO audio core through its register window.
package regmap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/shm"
)

// Register offsets of the audio core
const (
	RegControl   = 0x0
	RegFIFOSpace = 0x4
	RegLeftData  = 0x8
	RegRightData = 0xC

	WindowSize = 0x10
)

// Control register values
const (
	CtrlIdle        = 0x0
	CtrlEnable      = 0x1
	CtrlReset       = 0x2
	CtrlResetEnable = 0x3
)

// FIFOSPACE fields
const (
	shiftWriteLeft  = 24
	shiftWriteRight = 16
	shiftReadLeft   = 8
	shiftReadRight  = 0
	fieldMask       = 0xFF
)

var ErrNotResponding = errors.New("audio core not responding")

// Registers is a 32-bit register window
type Registers interface {
	Load32(off uint32) uint32
	Store32(off uint32, v uint32)
}

// Window is a Registers view over mapped memory
type Window struct {
	mem []byte
}

// NewWindow wraps a mapped register window
func NewWindow(mem []byte) (*Window, error) {
	if len(mem) < WindowSize {
		return nil, fmt.Errorf("register window too small: %d bytes", len(mem))
	}
	return &Window{mem: mem}, nil
}

func (w *Window) Load32(off uint32) uint32 {
	return atomic.LoadUint32(shm.Word(w.mem, int(off)))
}

func (w *Window) Store32(off uint32, v uint32) {
	atomic.StoreUint32(shm.Word(w.mem, int(off)), v)
}

// Space is a decoded FIFOSPACE register
type Space struct {
	WriteLeft, WriteRight uint32
	ReadLeft, ReadRight   uint32
}

// DecodeSpace splits a raw FIFOSPACE value
func DecodeSpace(v uint32) Space {
	return Space{
		WriteLeft:  (v >> shiftWriteLeft) & fieldMask,
		WriteRight: (v >> shiftWriteRight) & fieldMask,
		ReadLeft:   (v >> shiftReadLeft) & fieldMask,
		ReadRight:  (v >> shiftReadRight) & fieldMask,
	}
}

// EncodeSpace packs a FIFOSPACE value
func EncodeSpace(s Space) uint32 {
	return (s.WriteLeft&fieldMask)<<shiftWriteLeft |
		(s.WriteRight&fieldMask)<<shiftWriteRight |
		(s.ReadLeft&fieldMask)<<shiftReadLeft |
		(s.ReadRight&fieldMask)<<shiftReadRight
}

// Codec implements backends.Device over a register window. Every register
// access is serialized by mu, which is independent of any buffer lock.
type Codec struct {
	mu     sync.Mutex
	regs   Registers
	settle time.Duration
	logger zerolog.Logger
}

var _ backends.Device = (*Codec)(nil)

// New creates a codec driver; settle is the delay between control writes
func New(regs Registers, settle time.Duration, logger zerolog.Logger) *Codec {
	return &Codec{regs: regs, settle: settle, logger: logger}
}

func (c *Codec) Name() string { return "regmap" }

// Space reads and decodes FIFOSPACE
func (c *Codec) Space() Space {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DecodeSpace(c.regs.Load32(RegFIFOSpace))
}

func (c *Codec) AvailableWriteSpace(ch backends.Channel) int {
	s := c.Space()
	if ch == backends.Left {
		return int(s.WriteLeft)
	}
	return int(s.WriteRight)
}

func (c *Codec) WriteSample(ch backends.Channel, value int32) {
	off := uint32(RegLeftData)
	if ch == backends.Right {
		off = RegRightData
	}
	c.mu.Lock()
	c.regs.Store32(off, uint32(value))
	c.mu.Unlock()
}

// Reset pulses the reset bit and leaves the core idle
func (c *Codec) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeControl(CtrlIdle)
	c.writeControl(CtrlReset)
	c.writeControl(CtrlIdle)
	c.logger.Debug().Msg("audio core reset")
	return nil
}

// Enable starts the core. A FIFOSPACE of all zeros or all ones means the
// core did not come up; one extended reset is attempted before giving up.
func (c *Codec) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeControl(CtrlEnable)
	space := c.regs.Load32(RegFIFOSpace)
	if space != 0 && space != 0xFFFFFFFF {
		return nil
	}

	c.logger.Warn().Uint32("fifospace", space).Msg("audio core not responding, trying extended reset")
	c.writeControl(CtrlResetEnable)
	c.writeControl(CtrlEnable)
	space = c.regs.Load32(RegFIFOSpace)
	if space == 0 || space == 0xFFFFFFFF {
		return fmt.Errorf("%w: fifospace %#08x", ErrNotResponding, space)
	}
	return nil
}

func (c *Codec) writeControl(v uint32) {
	c.regs.Store32(RegControl, v)
	if c.settle > 0 {
		time.Sleep(c.settle)
	}
}
