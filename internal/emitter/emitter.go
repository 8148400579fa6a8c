// Package emitter converts frames from a frame source into hardware samples
// once per pacing tick. Each tick writes at most as many samples as the
// device FIFOs can take, so a tick never blocks.
package emitter

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/pcm"
)

// Result reports what one tick did
type Result struct {
	// Written is the number of samples written to each channel
	Written int
	// Consumed is the number of source frames taken
	Consumed int
	// Busy means a FIFO had no write space and the tick did nothing
	Busy bool
	// Underrun means at least one sample was replaced with silence
	Underrun bool
	// Ended means the source reported end of track during this tick
	Ended bool
	// Failed means the track ended because its source failed
	Failed bool
}

// EndFunc is called from inside Tick when the source runs out. It must not
// block or call back into the emitter.
type EndFunc func(desc *pcm.TrackDescriptor)

// Options configures an Emitter
type Options struct {
	HardwareRate int
	Budget       int
	Attenuation  int
	OnEnd        EndFunc
	// OnFail replaces OnEnd when the source fails mid-track
	OnFail EndFunc
}

// Emitter drains a frame source into a backends.Device
type Emitter struct {
	mu     sync.Mutex
	dev    backends.Device
	opts   Options
	logger zerolog.Logger

	src  pcm.FrameSource
	desc *pcm.TrackDescriptor

	acc   int
	held  [2]int32
	ended bool

	underruns atomic.Int64
	written   atomic.Int64
}

// New creates an emitter writing to dev
func New(dev backends.Device, opts Options, logger zerolog.Logger) *Emitter {
	if opts.Attenuation < 1 {
		opts.Attenuation = 1
	}
	if opts.Budget < 1 {
		opts.Budget = 1
	}
	return &Emitter{dev: dev, opts: opts, logger: logger}
}

// SetTrack points the emitter at a new source. The rate accumulator and
// the held frame are reset so the new track starts on its first frame.
func (e *Emitter) SetTrack(src pcm.FrameSource, desc *pcm.TrackDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.src, e.desc = src, desc
	e.held = [2]int32{}
	e.ended = false
	e.acc = 0
	if desc != nil {
		e.acc = e.startAcc()
		e.logger.Debug().Stringer("desc", desc).Int("hw_rate", e.opts.HardwareRate).Msg("emitter source set")
	}
}

// Clear detaches the source; further ticks write nothing
func (e *Emitter) Clear() {
	e.SetTrack(nil, nil)
}

// Tick emits up to the sample budget
func (e *Emitter) Tick() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result

	spaceL := e.dev.AvailableWriteSpace(backends.Left)
	if spaceL == 0 {
		res.Busy = true
		return res
	}
	spaceR := e.dev.AvailableWriteSpace(backends.Right)
	if spaceR == 0 {
		res.Busy = true
		return res
	}

	if e.src == nil || e.desc == nil || e.ended {
		res.Ended = e.ended
		return res
	}

	n := min(e.opts.Budget, spaceL, spaceR)
	for range n {
		status := e.advance(&res)
		if status == pcm.FrameEnd || status == pcm.FrameFailed {
			e.ended = true
			res.Ended = true
			res.Failed = status == pcm.FrameFailed
			hook := e.opts.OnEnd
			if res.Failed {
				hook = e.opts.OnFail
			}
			if hook != nil {
				hook(e.desc)
			}
			break
		}

		e.dev.WriteSample(backends.Left, e.held[0])
		e.dev.WriteSample(backends.Right, e.held[1])
		res.Written++
	}

	e.written.Add(int64(res.Written))
	return res
}

// advance runs the rate accumulator for one hardware sample, consuming
// as many source frames as the rate ratio calls for
func (e *Emitter) advance(res *Result) pcm.FrameStatus {
	hw := e.opts.HardwareRate
	e.acc += e.desc.SampleRate

	for e.acc >= hw {
		frame, status := e.src.ReadFrame(e.desc.FrameWidth())
		switch status {
		case pcm.FrameEnd, pcm.FrameFailed:
			return status
		case pcm.FrameUnderrun:
			e.held = [2]int32{}
			e.acc = e.startAcc()
			res.Underrun = true
			e.underruns.Add(1)
			return pcm.FrameUnderrun
		}

		e.held = e.decode(frame)
		e.acc -= hw
		res.Consumed++

		// A looping source wraps without a reload
		if e.desc.Exhausted() {
			e.desc.ResetPlayed()
		}
		e.desc.AddPlayed(1)
	}
	return pcm.FrameOK
}

// startAcc primes the accumulator so the first hardware sample always
// takes a frame, without borrowing from the long-run ratio
func (e *Emitter) startAcc() int {
	return max(e.opts.HardwareRate-e.desc.SampleRate, 0)
}

func (e *Emitter) decode(frame []byte) [2]int32 {
	var out [2]int32
	bytesPer := e.desc.BitsPerSample / 8
	for ch := range e.desc.Channels {
		raw := frame[ch*bytesPer:]
		var v int32
		if bytesPer == 1 {
			v = (int32(raw[0]) - 128) << 8
		} else {
			v = int32(int16(binary.LittleEndian.Uint16(raw)))
		}
		out[ch] = e.scale(v)
	}
	if e.desc.Channels == 1 {
		out[1] = out[0]
	}
	return out
}

func (e *Emitter) scale(v int32) int32 {
	v /= int32(e.opts.Attenuation)
	return min(max(v, math.MinInt16), math.MaxInt16)
}

// Underruns counts hardware samples filled with silence
func (e *Emitter) Underruns() int64 {
	return e.underruns.Load()
}

// Written counts samples written per channel since creation
func (e *Emitter) Written() int64 {
	return e.written.Load()
}

// Track returns the descriptor being played, or nil
func (e *Emitter) Track() *pcm.TrackDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}
