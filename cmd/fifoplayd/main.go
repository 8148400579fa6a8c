package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/famish99/fifoplayd/internal/cache"
	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/logging"
	"github.com/famish99/fifoplayd/internal/mpd"
	"github.com/famish99/fifoplayd/internal/player"
)

var (
	configPath = flag.String("config", getDefaultConfigPath(), "Path to configuration file")
	mode       = flag.String("mode", string(player.ModeDirect), "Track source: direct (read files) or split (attach to fifoloader)")
	mpdAddr    = flag.String("mpd-addr", "", "MPD server listen address (overrides config, \"off\" disables)")
	device     = flag.String("device", "", "Output device: memfifo, regmap or speaker (overrides config)")
	keyboard   = flag.Bool("keyboard", false, "Control playback from the terminal")
	autoPlay   = flag.Bool("play", false, "Start playing the first track immediately")
	saveConfig = flag.Bool("save-config", false, "Write the effective configuration to -config and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *saveConfig {
		if err := config.SaveConfig(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved configuration to %s\n", *configPath)
		return
	}

	logger, err := logging.New(cfg.Log, "fifoplayd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if player.Mode(*mode) == player.ModeDirect && len(cfg.Tracks) == 0 {
		usage()
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fifoplayd failed")
	}
}

func applyFlags(cfg *config.Config) {
	if *mpdAddr != "" {
		cfg.Control.MPDAddr = *mpdAddr
	}
	if *device != "" {
		cfg.Output.Device = *device
	}
	if *keyboard {
		cfg.Control.Keyboard = true
	}
	if flag.NArg() > 0 {
		cfg.Tracks = flag.Args()
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := player.PipelineOptions{
		Mode: player.Mode(*mode),
		Quit: stop,
	}
	if cfg.Control.Keyboard {
		opts.Keyboard = os.Stdin
	}
	if opts.Mode == player.ModeDirect {
		diskCache, err := cache.NewDiskCache(cfg.Cache.Directory, cfg.MaxCacheBytes(), logging.Component(logger, "cache"))
		if err != nil {
			return err
		}
		opts.Importer = cache.NewImporter(diskCache, logging.Component(logger, "import"))
	}

	pipeline, err := player.NewPipeline(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	if cfg.Control.MPDAddr != "" && cfg.Control.MPDAddr != "off" {
		server := mpd.NewServer(cfg.Control.MPDAddr, pipeline.Controller, logging.Component(logger, "mpd"))
		server.SetOutputName(pipeline.Device.Name())
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer server.Stop()
	}

	if *autoPlay {
		if err := pipeline.Controller.Play(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start playback")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <track1.wav> [track2.mp3] ...\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s -mode split [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  # Play files through the in-memory codec model\n")
	fmt.Fprintf(os.Stderr, "  %s -play -keyboard a.wav b.wav\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n  # Play through the sound card\n")
	fmt.Fprintf(os.Stderr, "  %s -device speaker -play song.ogg\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n  # Attach to a running loader and drive it with an MPD client\n")
	fmt.Fprintf(os.Stderr, "  fifoloader a.wav b.wav &\n")
	fmt.Fprintf(os.Stderr, "  %s -mode split\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  mpc play\n")
}

func getDefaultConfigPath() string {
	// Check common locations
	locations := []string{
		"./fifoplayd.yaml",
		"./config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config", "fifoplayd", "config.yaml"),
		"/etc/fifoplayd/config.yaml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	// Default to first location if none exist
	return locations[0]
}
