package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/famish99/fifoplayd/internal/cache"
	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/input"
	"github.com/famish99/fifoplayd/internal/logging"
	"github.com/famish99/fifoplayd/internal/shm"
)

var (
	configPath = flag.String("config", "./fifoplayd.yaml", "Path to configuration file")
	shmPath    = flag.String("shm", "", "Shared region file (overrides config)")
	keyboard   = flag.Bool("keyboard", false, "Forward terminal keys to the player as commands")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *shmPath != "" {
		cfg.Shm.Path = *shmPath
	}
	if flag.NArg() > 0 {
		cfg.Tracks = flag.Args()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Tracks) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <track1.wav> [track2.wav] ...\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, "fifoloader")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fifoloader failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracks, err := importTracks(ctx, cfg, logger)
	if err != nil {
		return err
	}

	m, err := shm.MapFile(cfg.Shm.Path, 0, cfg.Shm.Size, true)
	if err != nil {
		return err
	}
	defer m.Close()

	layout := shm.Layout{Size: cfg.Shm.Size, ControlOffset: cfg.Shm.ControlOffset, DataOffset: cfg.Shm.DataOffset}
	blk, err := shm.NewBlock(m.Bytes(), layout)
	if err != nil {
		return err
	}

	producer := shm.NewProducer(blk, tracks, cfg.Shm.ChunkSize, logging.Component(logger, "producer"))
	producer.Init()
	defer producer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return producer.Run(gctx, cfg.Shm.PollPeriod, cfg.Shm.HeartbeatPeriod)
	})

	if *keyboard {
		fwd := &forwarder{producer: producer, quit: stop}
		deb := input.NewDebouncer(cfg.Playback.Debounce)
		kb := input.NewKeyboard(os.Stdin, deb, fwd.handle, logging.Component(logger, "keyboard"))
		g.Go(func() error {
			return kb.Run(gctx)
		})
	}

	logger.Info().Str("shm", cfg.Shm.Path).Int("tracks", len(tracks)).Msg("loader ready")
	return g.Wait()
}

// importTracks decodes compressed or remote entries up front; the
// producer only reads WAV files
func importTracks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]string, error) {
	diskCache, err := cache.NewDiskCache(cfg.Cache.Directory, cfg.MaxCacheBytes(), logging.Component(logger, "cache"))
	if err != nil {
		return nil, err
	}
	importer := cache.NewImporter(diskCache, logging.Component(logger, "import"))

	tracks := make([]string, 0, len(cfg.Tracks))
	for _, track := range cfg.Tracks {
		path, err := importer.Resolve(ctx, track)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// Keep the entry; the producer reports it and the player skips it
			logger.Warn().Err(err).Str("track", track).Msg("import failed")
			path = track
		}
		tracks = append(tracks, path)
	}
	return tracks, nil
}

// forwarder turns debounced keys into player commands
type forwarder struct {
	producer *shm.Producer
	playing  bool
	quit     func()
}

func (f *forwarder) handle(c input.Control) {
	switch c {
	case input.PlayPause:
		if f.playing {
			f.producer.Post(shm.CmdPause)
		} else {
			f.producer.Post(shm.CmdPlay)
		}
		f.playing = !f.playing
	case input.Next:
		f.producer.Post(shm.CmdNext)
	case input.Previous:
		f.producer.Post(shm.CmdPrevious)
	case input.Stop:
		f.producer.Post(shm.CmdStop)
		f.playing = false
	case input.Quit:
		f.quit()
	}
}
