// Package memfifo models the codec's stereo FIFO pair in memory. The model
// drains at a fixed sample clock so the pipeline can run without hardware.
package memfifo

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
)

// Frame is one left/right output pair
type Frame [2]int32

// Stats counts device activity
type Stats struct {
	Writes    int64
	Overflows int64
	Resets    int
	Drained   int64
}

// FIFO implements backends.Device
type FIFO struct {
	mu      sync.Mutex
	depth   int
	queues  [2][]int32
	enabled bool
	stats   Stats
	logger  zerolog.Logger
}

var _ backends.Device = (*FIFO)(nil)

// New creates a FIFO pair of the given depth per channel
func New(depth int, logger zerolog.Logger) *FIFO {
	return &FIFO{
		depth:  depth,
		queues: [2][]int32{make([]int32, 0, depth), make([]int32, 0, depth)},
		logger: logger,
	}
}

func (f *FIFO) Name() string { return "memfifo" }

// AvailableWriteSpace returns free slots; a disabled device reports none
func (f *FIFO) AvailableWriteSpace(ch backends.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return 0
	}
	return f.depth - len(f.queues[ch])
}

// WriteSample pushes one sample; writes into a full FIFO are dropped like the hardware does
func (f *FIFO) WriteSample(ch backends.Channel, value int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Writes++
	if !f.enabled || len(f.queues[ch]) >= f.depth {
		f.stats.Overflows++
		return
	}
	f.queues[ch] = append(f.queues[ch], value)
}

// Reset clears both FIFOs and disables output
func (f *FIFO) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[0] = f.queues[0][:0]
	f.queues[1] = f.queues[1][:0]
	f.enabled = false
	f.stats.Resets++
	return nil
}

// Enable starts accepting samples
func (f *FIFO) Enable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	return nil
}

// Drain pops up to n frames, pairing the heads of both channels
func (f *FIFO) Drain(n int) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	n = min(n, len(f.queues[0]), len(f.queues[1]))
	out := make([]Frame, n)
	for i := range n {
		out[i] = Frame{f.queues[0][i], f.queues[1][i]}
	}
	f.queues[0] = append(f.queues[0][:0], f.queues[0][n:]...)
	f.queues[1] = append(f.queues[1][:0], f.queues[1][n:]...)
	f.stats.Drained += int64(n)
	return out
}

// Pending returns the queued sample count on a channel
func (f *FIFO) Pending(ch backends.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[ch])
}

// Stats returns a copy of the activity counters
func (f *FIFO) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Run drains the FIFO at rate frames per second until ctx is done,
// discarding the output. It stands in for the DAC clock.
func (f *FIFO) Run(ctx context.Context, rate int, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	perTick := max(rate*int(period/time.Microsecond)/1_000_000, 1)
	f.logger.Debug().Int("rate", rate).Int("per_tick", perTick).Msg("FIFO drain clock started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Drain(perTick)
		}
	}
}
