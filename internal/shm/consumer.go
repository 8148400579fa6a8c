package shm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/pcm"
)

// LinkState is the player's view of the loader
type LinkState struct {
	Up        bool
	Heartbeat uint32
	Err       error
	// Restarted means a new loader stamped the block since the last
	// check. Whatever was loaded before is gone.
	Restarted bool
}

// Consumer is the player side of the channel. It serves frames straight
// out of the shared data region and hands each drained chunk back.
type Consumer struct {
	mu     sync.Mutex
	blk    *Block
	logger zerolog.Logger

	stallTimeout time.Duration
	loadTimeout  time.Duration

	wantSeq uint32
	song    int
	chunk   []byte
	cursor  int
	frame   [4]byte

	underruns int64
	protoErrs int64

	lastCommandSeq uint32

	epoch     uint32
	restarted bool

	lastBeat   uint32
	lastBeatAt time.Time
	link       LinkState
}

// NewConsumer attaches the player side to an initialized block
func NewConsumer(blk *Block, stallTimeout, loadTimeout time.Duration, logger zerolog.Logger) *Consumer {
	return &Consumer{
		blk:            blk,
		logger:         logger,
		stallTimeout:   stallTimeout,
		loadTimeout:    loadTimeout,
		lastCommandSeq: blk.Load(FieldCommandSeq),
		epoch:          blk.Load(FieldEpoch),
	}
}

// Attach raises the connected flag
func (c *Consumer) Attach() {
	c.blk.Store(FieldConnected, 1)
}

// Detach drops the connected flag
func (c *Consumer) Detach() {
	c.blk.Store(FieldConnected, 0)
}

// Song is the track index of the last load. The loader may have skipped
// past the requested index.
func (c *Consumer) Song() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.song
}

// TrackCount is the size of the loader's track table
func (c *Consumer) TrackCount() int {
	return int(c.blk.Load(FieldTrackCount))
}

// Load asks the loader to serve track index from its first chunk and
// waits for the acknowledgement. Chunks from earlier loads are discarded.
func (c *Consumer) Load(ctx context.Context, index int) (*pcm.TrackDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkMagic(); err != nil {
		return nil, err
	}
	// A load is the recovery from a restart, so there is nothing left to report
	c.checkEpoch()
	c.restarted = false

	c.dropChunk()

	c.blk.Store(FieldTrackRequest, uint32(index)+1)
	c.blk.Add(FieldRequestSeq, 1)

	deadline := time.Now().Add(c.loadTimeout)
	for c.blk.Load(FieldTrackRequest) != 0 {
		if time.Now().After(deadline) {
			return nil, &ProtocolError{Field: FieldTrackRequest, Value: uint32(index) + 1, Err: ErrLoadTimeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	c.wantSeq = c.blk.Load(FieldLoadSeq)
	song := int(c.blk.Load(FieldSongID))
	c.song = song
	path := fmt.Sprintf("shared:%d", song)

	if Status(c.blk.Load(FieldStatus)) == StatusError {
		loadErr := &LoadError{Track: song, Code: c.blk.Load(FieldLastError)}
		if loadErr.Code == ErrCodeFormat {
			return nil, &pcm.FormatError{Path: path, Err: loadErr}
		}
		return nil, &pcm.IOError{Path: path, Op: "load", Err: loadErr}
	}

	channels := int(c.blk.Load(FieldChannels))
	bits := int(c.blk.Load(FieldBitsPerSample))
	total := int64(c.blk.Load(FieldTotalSamples))
	desc, err := pcm.NewDescriptor(path, int(c.blk.Load(FieldSampleRate)), channels, bits, 0, total*int64(channels*bits/8))
	if err != nil {
		return nil, err
	}

	if c.blk.Load(FieldChunkReady) == 0 {
		c.blk.Store(FieldRequestNext, 1)
	}
	c.logger.Debug().Int("track", song).Uint32("seq", c.wantSeq).Stringer("desc", desc).Msg("shared track loaded")
	return desc, nil
}

// Prime waits until the first chunk of the current load is ready
func (c *Consumer) Prime(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if c.chunk == nil && c.staleChunkReady() {
			c.ack()
		}
		ready := c.chunk != nil || c.currentChunkReady()
		c.mu.Unlock()
		if ready {
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

// Invalidate drops the chunk in hand
func (c *Consumer) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropChunk()
}

// ReadFrame implements pcm.FrameSource
func (c *Consumer) ReadFrame(width int) ([]byte, pcm.FrameStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkEpoch() {
		c.underruns++
		return nil, pcm.FrameUnderrun
	}

	for range 2 {
		if c.chunk == nil {
			status := c.takeChunk()
			if status != pcm.FrameOK {
				return nil, status
			}
		}

		if c.cursor+width <= len(c.chunk) {
			n := copy(c.frame[:], c.chunk[c.cursor:c.cursor+width])
			c.cursor += width
			if c.cursor+width > len(c.chunk) {
				// Fully drained; the frame was copied out so the loader may refill
				c.release()
			}
			return c.frame[:n], pcm.FrameOK
		}

		// Trailing partial frame
		c.release()
	}

	c.underruns++
	return nil, pcm.FrameUnderrun
}

// takeChunk adopts the ready chunk if it belongs to the current load
func (c *Consumer) takeChunk() pcm.FrameStatus {
	if c.blk.Load(FieldChunkReady) == 0 {
		c.underruns++
		c.blk.Store(FieldBufferUnderrun, 1)
		return pcm.FrameUnderrun
	}

	size := c.blk.Load(FieldChunkSize)
	seq := c.blk.Load(FieldChunkSeq)

	switch {
	case size == 0:
		c.protocolError(FieldChunkSize, size, ErrEmptyChunk)
		c.ack()
		return pcm.FrameUnderrun
	case int(size) > len(c.blk.Data()):
		c.protocolError(FieldChunkSize, size, ErrChunkRange)
		c.ack()
		return pcm.FrameUnderrun
	case c.blk.Load(FieldCurrentChunk) >= c.blk.Load(FieldTotalChunks):
		c.protocolError(FieldCurrentChunk, c.blk.Load(FieldCurrentChunk), ErrChunkRange)
		c.ack()
		return pcm.FrameUnderrun
	case int32(seq-c.wantSeq) < 0:
		// Left over from before the last load
		c.ack()
		c.underruns++
		return pcm.FrameUnderrun
	case seq != c.wantSeq:
		// The loader wrapped to the next track on its own
		return pcm.FrameEnd
	}

	c.blk.Store(FieldBufferUnderrun, 0)
	c.chunk = c.blk.Data()[:size]
	c.cursor = 0
	return pcm.FrameOK
}

func (c *Consumer) staleChunkReady() bool {
	return c.blk.Load(FieldChunkReady) == 1 && int32(c.blk.Load(FieldChunkSeq)-c.wantSeq) < 0
}

func (c *Consumer) currentChunkReady() bool {
	return c.blk.Load(FieldChunkReady) == 1 && c.blk.Load(FieldChunkSeq) == c.wantSeq
}

// release hands a fully drained chunk back to the loader
func (c *Consumer) release() {
	c.chunk = nil
	c.cursor = 0
	c.ack()
}

// ack drops chunk_ready before raising request_next, never the reverse
func (c *Consumer) ack() {
	c.blk.Store(FieldChunkReady, 0)
	c.blk.Store(FieldRequestNext, 1)
}

func (c *Consumer) dropChunk() {
	if c.chunk != nil {
		c.release()
	}
}

func (c *Consumer) protocolError(f Field, v uint32, err error) {
	c.protoErrs++
	c.logger.Warn().Err(&ProtocolError{Field: f, Value: v, Err: err}).Msg("discarding chunk")
}

// PollCommand returns a command posted since the last poll. The player
// is the receiving side and clears the field after taking it.
func (c *Consumer) PollCommand() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkEpoch()
	seq := c.blk.Load(FieldCommandSeq)
	if seq == c.lastCommandSeq {
		return CmdNone, false
	}
	c.lastCommandSeq = seq

	raw := c.blk.Load(FieldCommand)
	c.blk.CompareAndSwap(FieldCommand, raw, uint32(CmdNone))
	cmd := Command(raw)
	if cmd == CmdNone {
		return CmdNone, false
	}
	return cmd, true
}

// CheckLink validates magic and heartbeat progress. It is meant to run at
// a period much longer than the pacing tick.
func (c *Consumer) CheckLink(now time.Time) LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkMagic(); err != nil {
		c.link = LinkState{Up: false, Heartbeat: c.lastBeat, Err: err}
		return c.link
	}
	c.checkEpoch()

	beat := c.blk.Load(FieldHeartbeat)
	if beat != c.lastBeat || c.lastBeatAt.IsZero() {
		c.lastBeat = beat
		c.lastBeatAt = now
		c.link = LinkState{Up: true, Heartbeat: beat, Restarted: c.restarted}
		c.restarted = false
		return c.link
	}

	if now.Sub(c.lastBeatAt) > c.stallTimeout {
		c.link = LinkState{
			Up:        false,
			Heartbeat: beat,
			Err:       &ProtocolError{Field: FieldHeartbeat, Value: beat, Err: ErrStalled},
		}
	}
	return c.link
}

// Underruns counts frames requested while no chunk was ready
func (c *Consumer) Underruns() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.underruns
}

// ProtocolErrors counts discarded malformed chunks
func (c *Consumer) ProtocolErrors() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protoErrs
}

// checkEpoch notices a block stamped by a new loader. The chunk in hand
// and every sequence number refer to the old loader and are dropped.
func (c *Consumer) checkEpoch() bool {
	epoch := c.blk.Load(FieldEpoch)
	if epoch == 0 || epoch == c.epoch || c.blk.Load(FieldMagic) != Magic {
		return false
	}
	c.logger.Info().Uint32("from", c.epoch).Uint32("to", epoch).Msg("loader restarted")
	c.epoch = epoch
	c.restarted = true
	c.chunk, c.cursor = nil, 0
	c.wantSeq = 0
	c.lastCommandSeq = 0
	c.lastBeat, c.lastBeatAt = 0, time.Time{}
	return true
}

func (c *Consumer) checkMagic() error {
	if m := c.blk.Load(FieldMagic); m != Magic {
		return &ProtocolError{Field: FieldMagic, Value: m, Err: ErrBadMagic}
	}
	if v := c.blk.Load(FieldVersion); v != Version {
		return &ProtocolError{Field: FieldVersion, Value: v, Err: ErrBadVersion}
	}
	return nil
}
