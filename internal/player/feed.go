package player

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/buffer"
	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/playlist"
	"github.com/famish99/fifoplayd/internal/shm"
)

// Feed supplies tracks to the emitter. Direct mode reads files through the
// double buffer; split mode reads chunks handed over by the loader.
type Feed interface {
	// Load prepares track index and returns its descriptor along with the
	// index actually loaded
	Load(ctx context.Context, index int) (*pcm.TrackDescriptor, int, error)
	// Source is the frame source for the loaded track
	Source() pcm.FrameSource
	// Prime waits until the first frames are available
	Prime(ctx context.Context, timeout time.Duration) bool
	// Invalidate drops buffered data
	Invalidate()
	// Tracks lists the track table
	Tracks() []playlist.Track
	Close() error
}

// Importer converts playlist entries the parser cannot read into WAV files
type Importer interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// FileFeed serves playlist files through a DoubleBuffer
type FileFeed struct {
	pl       *playlist.Playlist
	buf      *buffer.DoubleBuffer
	importer Importer
	file     *os.File
	logger   zerolog.Logger
}

var _ Feed = (*FileFeed)(nil)

// NewFileFeed creates a direct-mode feed. importer may be nil.
func NewFileFeed(pl *playlist.Playlist, buf *buffer.DoubleBuffer, importer Importer, logger zerolog.Logger) *FileFeed {
	return &FileFeed{pl: pl, buf: buf, importer: importer, logger: logger}
}

func (f *FileFeed) Load(ctx context.Context, index int) (*pcm.TrackDescriptor, int, error) {
	track, err := f.pl.Track(index)
	if err != nil {
		return nil, index, err
	}

	path := track.Path
	if f.importer != nil {
		if path, err = f.importer.Resolve(ctx, track.Path); err != nil {
			return nil, index, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, index, &pcm.IOError{Path: path, Op: "open", Err: err}
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, index, &pcm.IOError{Path: path, Op: "stat", Err: err}
	}
	desc, err := pcm.ParseReader(file, info.Size(), path)
	if err != nil {
		file.Close()
		return nil, index, err
	}
	if desc.TotalSamples == 0 {
		file.Close()
		return nil, index, &pcm.FormatError{Path: path, Err: pcm.ErrNoData}
	}

	f.buf.Load(desc, file)
	f.closeFile()
	f.file = file
	return desc, index, nil
}

func (f *FileFeed) Source() pcm.FrameSource { return f.buf }

func (f *FileFeed) Prime(ctx context.Context, timeout time.Duration) bool {
	return f.buf.Prime(ctx, timeout)
}

func (f *FileFeed) Invalidate() {
	f.buf.Invalidate()
}

func (f *FileFeed) Tracks() []playlist.Track {
	return f.pl.GetAll()
}

func (f *FileFeed) Close() error {
	f.buf.Invalidate()
	return f.closeFile()
}

func (f *FileFeed) closeFile() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// SharedFeed serves chunks handed over by the loader process
type SharedFeed struct {
	consumer *shm.Consumer
}

var _ Feed = (*SharedFeed)(nil)

// NewSharedFeed wraps the player side of the shared channel
func NewSharedFeed(c *shm.Consumer) *SharedFeed {
	return &SharedFeed{consumer: c}
}

func (f *SharedFeed) Load(ctx context.Context, index int) (*pcm.TrackDescriptor, int, error) {
	desc, err := f.consumer.Load(ctx, index)
	if err != nil {
		return nil, index, err
	}
	return desc, f.consumer.Song(), nil
}

func (f *SharedFeed) Source() pcm.FrameSource { return f.consumer }

func (f *SharedFeed) Prime(ctx context.Context, timeout time.Duration) bool {
	return f.consumer.Prime(ctx, timeout)
}

func (f *SharedFeed) Invalidate() {
	f.consumer.Invalidate()
}

// Tracks synthesizes entries from the loader's track count; the loader
// owns the paths
func (f *SharedFeed) Tracks() []playlist.Track {
	n := f.consumer.TrackCount()
	tracks := make([]playlist.Track, n)
	for i := range n {
		tracks[i] = playlist.Track{
			Path:  fmt.Sprintf("shared:%d", i),
			Title: fmt.Sprintf("Track %d", i+1),
			Index: i,
		}
	}
	return tracks
}

func (f *SharedFeed) Close() error {
	f.consumer.Detach()
	return nil
}
