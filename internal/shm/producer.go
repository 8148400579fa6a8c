package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/pcm"
)

// Producer is the loader side of the channel. It owns the track table and
// serves one chunk per request.
type Producer struct {
	blk       *Block
	tracks    []string
	chunkSize int
	logger    zerolog.Logger

	cur         int
	desc        *pcm.TrackDescriptor
	file        *os.File
	chunk       int
	totalChunks int
	frameChunk  int

	lastRequest   uint32
	lastConnected uint32
}

// NewProducer creates the loader side; chunkSize is capped to the data region
func NewProducer(blk *Block, tracks []string, chunkSize int, logger zerolog.Logger) *Producer {
	return &Producer{
		blk:       blk,
		tracks:    tracks,
		chunkSize: min(chunkSize, blk.Layout().DataCapacity()),
		logger:    logger,
		cur:       -1,
	}
}

// Init stamps a fresh control block. It must run before the player attaches.
func (p *Producer) Init() {
	epoch := p.blk.Load(FieldEpoch) + 1
	if now := uint32(time.Now().Unix()); now > epoch {
		epoch = now
	}

	p.blk.Store(FieldMagic, 0)
	for f := range Field(BlockWords) {
		if f == FieldConnected || f == FieldMagic {
			continue
		}
		p.blk.Store(f, 0)
	}
	p.blk.Store(FieldVersion, Version)
	p.blk.Store(FieldTrackCount, uint32(len(p.tracks)))
	p.blk.Store(FieldStatus, uint32(StatusIdle))
	p.blk.Store(FieldEpoch, epoch)
	p.lastRequest = 0
	// Magic goes last so a player never sees a half-initialized block
	p.blk.Store(FieldMagic, Magic)
	p.logger.Info().Int("tracks", len(p.tracks)).Int("chunk_size", p.chunkSize).Uint32("epoch", epoch).Msg("control block initialized")
}

// Beat advances the heartbeat counter
func (p *Producer) Beat() {
	p.blk.Add(FieldHeartbeat, 1)
}

// Post forwards a command to the player. A command not yet picked up is
// replaced; the player clears the field once it has acted on it.
func (p *Producer) Post(cmd Command) {
	p.blk.Store(FieldCommand, uint32(cmd))
	p.blk.Add(FieldCommandSeq, 1)
	p.logger.Debug().Stringer("command", cmd).Msg("command posted")
}

// Step services pending track requests and chunk requests once
func (p *Producer) Step() error {
	p.watchConnection()

	if err := p.serviceTrackRequest(); err != nil {
		return err
	}
	return p.serviceChunkRequest()
}

// Run polls the control block until ctx is done
func (p *Producer) Run(ctx context.Context, poll, heartbeat time.Duration) error {
	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	beatTicker := time.NewTicker(heartbeat)
	defer beatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beatTicker.C:
			p.Beat()
		case <-pollTicker.C:
			if err := p.Step(); err != nil {
				p.logger.Error().Err(err).Msg("loader step failed")
			}
		}
	}
}

// Close marks the block invalid and releases the current track
func (p *Producer) Close() error {
	p.blk.Store(FieldMagic, 0)
	p.blk.Store(FieldStatus, uint32(StatusIdle))
	return p.closeTrack()
}

// Current returns the track index being served, or -1
func (p *Producer) Current() int {
	return p.cur
}

func (p *Producer) watchConnection() {
	connected := p.blk.Load(FieldConnected)
	if connected == p.lastConnected {
		return
	}
	p.lastConnected = connected
	if connected != 0 {
		p.logger.Info().Msg("player attached")
	} else {
		p.logger.Warn().Msg("player detached")
	}
}

func (p *Producer) serviceTrackRequest() error {
	seq := p.blk.Load(FieldRequestSeq)
	if seq == p.lastRequest {
		return nil
	}
	p.lastRequest = seq

	req := p.blk.Load(FieldTrackRequest)
	if req == 0 {
		return nil
	}
	if len(p.tracks) == 0 {
		p.blk.CompareAndSwap(FieldTrackRequest, req, 0)
		return ErrNoTracks
	}

	index := int(req-1) % len(p.tracks)
	p.logger.Debug().Int("track", index).Msg("track requested")
	err := p.openTrack(index)

	// Receiver clears. A newer request written meanwhile survives the CAS
	// and is picked up by the next step through its sequence number.
	p.blk.CompareAndSwap(FieldTrackRequest, req, 0)
	return err
}

func (p *Producer) serviceChunkRequest() error {
	if p.blk.Load(FieldRequestNext) != 1 || p.blk.Load(FieldChunkReady) != 0 {
		return nil
	}
	if p.desc == nil {
		return nil
	}

	if p.chunk >= p.totalChunks {
		next := (p.cur + 1) % len(p.tracks)
		p.logger.Info().Int("from", p.cur).Int("to", next).Msg("end of track, wrapping")
		if err := p.openTrack(next); err != nil {
			return err
		}
		if p.desc == nil {
			return nil
		}
	}

	offset := int64(p.chunk) * int64(p.frameChunk)
	n := int(min(int64(p.frameChunk), p.desc.PlayableBytes()-offset))
	data := p.blk.Data()[:n]

	if _, err := p.file.ReadAt(data, p.desc.DataStart+offset); err != nil && !errors.Is(err, io.EOF) {
		p.publishError(ErrCodeRead)
		return fmt.Errorf("failed to read chunk %d of %s: %w", p.chunk, p.desc.Path, err)
	}

	p.blk.Store(FieldChunkSize, uint32(n))
	p.blk.Store(FieldCurrentChunk, uint32(p.chunk))
	p.blk.Store(FieldChunkSong, uint32(p.cur))
	p.blk.Store(FieldChunkSeq, p.blk.Load(FieldLoadSeq))

	// The player only raises request_next after dropping chunk_ready, so
	// clearing it before publishing cannot swallow a fresh request.
	p.blk.Store(FieldRequestNext, 0)
	p.blk.Store(FieldChunkReady, 1)

	p.blk.Add(FieldChunksLoaded, 1)
	p.blk.Store(FieldStatus, uint32(StatusPlaying))
	p.chunk++
	return nil
}

// openTrack makes index the served track, skipping unreadable tracks. The
// load sequence advances even on failure so the player sees a new state.
func (p *Producer) openTrack(index int) error {
	p.blk.Store(FieldStatus, uint32(StatusLoading))

	var lastErr error
	for attempt := range len(p.tracks) {
		i := (index + attempt) % len(p.tracks)
		desc, f, code, err := openTrackFile(p.tracks[i])
		if err != nil {
			p.logger.Warn().Err(err).Int("track", i).Msg("skipping unplayable track")
			lastErr = err
			p.blk.Store(FieldLastError, code)
			continue
		}

		if err := p.closeTrack(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to close previous track")
		}
		p.cur, p.desc, p.file = i, desc, f
		p.chunk = 0
		p.frameChunk = p.chunkSize - p.chunkSize%desc.FrameWidth()
		p.totalChunks = int((desc.PlayableBytes() + int64(p.frameChunk) - 1) / int64(p.frameChunk))

		p.blk.Store(FieldSongID, uint32(i))
		p.blk.Store(FieldSampleRate, uint32(desc.SampleRate))
		p.blk.Store(FieldChannels, uint32(desc.Channels))
		p.blk.Store(FieldBitsPerSample, uint32(desc.BitsPerSample))
		p.blk.Store(FieldTotalSamples, uint32(desc.TotalSamples))
		p.blk.Store(FieldTotalChunks, uint32(p.totalChunks))
		p.blk.Store(FieldCurrentChunk, 0)
		p.blk.Store(FieldLastError, ErrCodeNone)
		p.blk.Add(FieldLoadSeq, 1)
		p.blk.Store(FieldStatus, uint32(StatusReady))

		p.logger.Info().Int("track", i).Stringer("desc", desc).Int("chunks", p.totalChunks).Msg("track loaded")
		return nil
	}

	if err := p.closeTrack(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to close previous track")
	}
	p.cur, p.desc = index, nil
	p.blk.Store(FieldSongID, uint32(index))
	p.blk.Add(FieldLoadSeq, 1)
	p.blk.Store(FieldStatus, uint32(StatusError))
	return fmt.Errorf("no playable track from index %d: %w", index, lastErr)
}

func (p *Producer) publishError(code uint32) {
	p.blk.Store(FieldLastError, code)
	p.blk.Store(FieldStatus, uint32(StatusError))
}

func (p *Producer) closeTrack() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file, p.desc = nil, nil
	return err
}

func openTrackFile(path string) (*pcm.TrackDescriptor, *os.File, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, ErrCodeOpen, &pcm.IOError{Path: path, Op: "open", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, ErrCodeOpen, &pcm.IOError{Path: path, Op: "stat", Err: err}
	}
	desc, err := pcm.ParseReader(f, info.Size(), path)
	if err != nil {
		f.Close()
		return nil, nil, ErrCodeFormat, err
	}
	if desc.TotalSamples == 0 {
		f.Close()
		return nil, nil, ErrCodeFormat, &pcm.FormatError{Path: path, Err: pcm.ErrNoData}
	}
	return desc, f, ErrCodeNone, nil
}
