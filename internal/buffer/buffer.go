// Package buffer implements the file-backed double buffer. One slot is
// drained by the emitter while the other is filled in the background; the
// two exchange roles once the loading slot is complete.
package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/pcm"
)

const (
	// refillAttempts is how many reads in a row may fail before the track
	// is given up
	refillAttempts = 3
	refillBackoff  = 10 * time.Millisecond
)

// Role tags a slot as being drained or being filled
type Role int

const (
	RoleActive Role = iota
	RoleLoading
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "loading"
}

// SlotState is a snapshot of one slot
type SlotState struct {
	Role     Role
	Capacity int
	Filled   int
	Cursor   int
}

type slot struct {
	role   Role
	data   []byte
	filled int
	cursor int
}

func (s *slot) state() SlotState {
	return SlotState{Role: s.role, Capacity: len(s.data), Filled: s.filled, Cursor: s.cursor}
}

func (s *slot) clear() {
	s.filled = 0
	s.cursor = 0
}

// DoubleBuffer serves frames from the active slot and refills the loading
// slot from the track's data region
type DoubleBuffer struct {
	mu    sync.Mutex
	slots [2]*slot

	// busy allows a single refill in flight; ready marks a complete loading slot
	busy       bool
	ready      bool
	needRefill bool
	kick       chan struct{}

	threshold int
	loop      bool

	gen    uint64
	desc   *pcm.TrackDescriptor
	reader io.ReaderAt
	srcPos int64
	srcEOF bool

	// failures counts refill reads that failed in a row; failed is set
	// once the track is given up
	failures int
	retryAt  time.Time
	failed   error

	frame  [4]byte
	logger zerolog.Logger
}

// New allocates both slots once. threshold is the fraction of the active
// slot consumed before the next refill is requested.
func New(slotSize int, threshold float64, loop bool, logger zerolog.Logger) *DoubleBuffer {
	b := &DoubleBuffer{
		slots: [2]*slot{
			{role: RoleActive, data: make([]byte, slotSize)},
			{role: RoleLoading, data: make([]byte, slotSize)},
		},
		kick:      make(chan struct{}, 1),
		threshold: max(int(float64(slotSize)*threshold), 1),
		loop:      loop,
		logger:    logger,
	}
	return b
}

func (b *DoubleBuffer) roles() (active, loading *slot) {
	if b.slots[0].role == RoleActive {
		return b.slots[0], b.slots[1]
	}
	return b.slots[1], b.slots[0]
}

// Active returns a snapshot of the slot being drained
func (b *DoubleBuffer) Active() SlotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, _ := b.roles()
	return a.state()
}

// Loading returns a snapshot of the slot being filled
func (b *DoubleBuffer) Loading() SlotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, l := b.roles()
	return l.state()
}

// Slots returns both snapshots in allocation order
func (b *DoubleBuffer) Slots() [2]SlotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return [2]SlotState{b.slots[0].state(), b.slots[1].state()}
}

// SetLoop switches between wrapping to the data start and ending the track
func (b *DoubleBuffer) SetLoop(loop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loop = loop
}

// Load makes desc the buffered track. Both slots are emptied and any
// refill in flight is discarded when it completes.
func (b *DoubleBuffer) Load(desc *pcm.TrackDescriptor, r io.ReaderAt) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	b.desc, b.reader = desc, r
	b.needRefill = true
	b.signal()
	b.logger.Debug().Stringer("desc", desc).Uint64("generation", b.gen).Msg("buffer loaded")
}

// Invalidate empties both slots and forgets the track
func (b *DoubleBuffer) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.desc, b.reader = nil, nil
}

func (b *DoubleBuffer) reset() {
	b.gen++
	for _, s := range b.slots {
		s.clear()
	}
	b.ready = false
	b.needRefill = false
	b.srcPos = 0
	b.srcEOF = false
	b.failures = 0
	b.retryAt = time.Time{}
	b.failed = nil
}

// Swap exchanges the slot roles. It only succeeds once the loading slot
// is fully populated.
func (b *DoubleBuffer) Swap() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.swap()
}

func (b *DoubleBuffer) swap() bool {
	if !b.ready {
		return false
	}
	active, loading := b.roles()
	active.role, loading.role = RoleLoading, RoleActive
	active.clear()
	loading.cursor = 0
	b.ready = false
	return true
}

// RefillIfNeeded fills the loading slot when a refill was requested. The
// bulk read runs without the lock; if the track changed meanwhile the data
// is dropped instead of swapped in.
func (b *DoubleBuffer) RefillIfNeeded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.busy || !b.needRefill || b.ready || b.reader == nil || time.Now().Before(b.retryAt) {
		b.mu.Unlock()
		return nil
	}
	if b.srcEOF {
		b.needRefill = false
		b.mu.Unlock()
		return nil
	}
	b.busy = true
	gen, desc, r, pos := b.gen, b.desc, b.reader, b.srcPos
	_, loading := b.roles()
	dst := loading.data
	b.mu.Unlock()

	width := int64(desc.FrameWidth())
	playable := desc.PlayableBytes()
	want := min(int64(len(dst)), playable-pos)
	want -= want % width

	n, err := r.ReadAt(dst[:want], desc.DataStart+pos)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	n -= n % int(width)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = false

	if gen != b.gen {
		b.logger.Debug().Uint64("generation", gen).Msg("discarding refill for replaced track")
		return nil
	}
	if err != nil {
		ioErr := &pcm.IOError{Path: desc.Path, Op: "refill", Err: err}
		b.failures++
		if b.failures >= refillAttempts {
			// needRefill is dropped so ReadFrame reports the failure once
			// the buffered frames are gone
			b.failed = ioErr
			b.needRefill = false
		} else {
			b.retryAt = time.Now().Add(refillBackoff)
		}
		return ioErr
	}
	b.failures = 0
	b.retryAt = time.Time{}

	loading.filled = n
	loading.cursor = 0
	b.srcPos = pos + int64(n)
	if b.srcPos >= playable || n == 0 {
		if b.loop {
			b.srcPos = 0
		} else {
			b.srcEOF = true
		}
	}
	b.needRefill = false
	b.ready = n > 0

	active, _ := b.roles()
	if active.cursor >= active.filled {
		b.swap()
	}
	return nil
}

// ReadFrame implements pcm.FrameSource
func (b *DoubleBuffer) ReadFrame(width int) ([]byte, pcm.FrameStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	active, _ := b.roles()
	if active.cursor+width > active.filled {
		if !b.swap() {
			if b.failed != nil && !b.busy {
				return nil, pcm.FrameFailed
			}
			if b.srcEOF && !b.busy {
				return nil, pcm.FrameEnd
			}
			b.requestRefill()
			return nil, pcm.FrameUnderrun
		}
		active, _ = b.roles()
	}

	n := copy(b.frame[:], active.data[active.cursor:active.cursor+width])
	active.cursor += width

	if active.cursor >= b.threshold || active.cursor+width > active.filled {
		b.requestRefill()
	}
	return b.frame[:n], pcm.FrameOK
}

func (b *DoubleBuffer) requestRefill() {
	if b.ready || b.needRefill || b.reader == nil || b.failed != nil {
		return
	}
	b.needRefill = true
	b.signal()
}

func (b *DoubleBuffer) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Prime refills until the active slot holds data or the timeout passes
func (b *DoubleBuffer) Prime(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if err := b.RefillIfNeeded(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("initial refill failed")
			if b.Err() != nil {
				return false
			}
		}
		if b.primed() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Millisecond):
		}
	}
}

func (b *DoubleBuffer) primed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	active, _ := b.roles()
	return active.filled > active.cursor
}

// Err returns the read error the current track was given up on, if any
func (b *DoubleBuffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

// Run serves refill requests until ctx is done. A failed read is retried
// after a backoff without waiting for a new request.
func (b *DoubleBuffer) Run(ctx context.Context) error {
	b.logger.Debug().Msg("refill task started")
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.kick:
		case <-retry:
			retry = nil
		}

		err := b.RefillIfNeeded(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if b.Err() != nil {
			b.logger.Error().Err(err).Msg("refill failed, giving up on track")
			continue
		}
		b.logger.Warn().Err(err).Msg("refill failed, retrying")
		retry = time.After(refillBackoff)
	}
}
