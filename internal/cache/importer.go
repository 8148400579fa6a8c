package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/decoder"
	"github.com/famish99/fifoplayd/internal/pcm"
)

// Importer resolves playlist entries to WAV files the parser can read.
// Local WAV files pass through; compressed and remote tracks are decoded
// into the cache on first use.
type Importer struct {
	cache  *DiskCache
	decode DecodeFunc
	logger zerolog.Logger
}

// NewImporter creates an importer backed by c
func NewImporter(c *DiskCache, logger zerolog.Logger) *Importer {
	return &Importer{
		cache: c,
		decode: func(ctx context.Context, source, dest string) error {
			_, err := decoder.DecodeToWAVFile(ctx, source, dest)
			return err
		},
		logger: logger,
	}
}

// Resolve returns the path to play for entry. Failures are reported as
// track errors so the player skips the entry.
func (i *Importer) Resolve(ctx context.Context, path string) (string, error) {
	kind, known := decoder.KindOf(StripQuery(path))
	remote := IsRemote(path)

	if !remote && (kind == decoder.KindWAV || !known) {
		// Unknown local types go to the parser, which rejects them
		return path, nil
	}
	if !known {
		return "", &pcm.FormatError{Path: path, Err: decoder.ErrUnsupported}
	}

	resolved, err := i.cache.EnsureDecoded(ctx, path, i.decode)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		i.logger.Warn().Err(err).Str("path", path).Msg("import failed")
		if remote {
			return "", &pcm.IOError{Path: path, Op: "fetch", Err: err}
		}
		return "", &pcm.FormatError{Path: path, Err: err}
	}
	return resolved, nil
}
