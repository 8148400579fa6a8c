package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/decoder"
	"github.com/famish99/fifoplayd/internal/logging"
)

var (
	outDir   = flag.String("out", ".", "Directory to write tones into")
	rate     = flag.Int("rate", 8000, "Sample rate in Hz")
	bits     = flag.Int("bits", 16, "Bits per sample (8 or 16)")
	channels = flag.Int("channels", 1, "Channel count")
	seconds  = flag.Float64("seconds", 5, "Tone length in seconds")
	level    = flag.Float64("level", 0.5, "Peak level as a fraction of full scale")
)

func main() {
	flag.Parse()

	logger, err := logging.New(config.LogConfig{Level: "info", Console: true}, "fifotone")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <freq-hz> [freq-hz] ...\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create output directory")
	}

	for _, arg := range flag.Args() {
		freq, err := strconv.ParseFloat(arg, 64)
		if err != nil || freq <= 0 {
			logger.Fatal().Str("arg", arg).Msg("frequency must be a positive number")
		}

		tone := decoder.Tone{
			Frequency: freq,
			Format:    decoder.AudioFormat{SampleRate: *rate, BitsPerSample: *bits, Channels: *channels},
			Duration:  time.Duration(*seconds * float64(time.Second)),
			Level:     *level,
		}
		path := filepath.Join(*outDir, fmt.Sprintf("tone-%ghz.wav", freq))
		if err := writeTone(path, tone); err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("failed to write tone")
		}
		logger.Info().Str("path", path).Float64("freq", freq).Int("frames", tone.Frames()).Msg("tone written")
	}
}

func writeTone(path string, tone decoder.Tone) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := decoder.WriteTone(f, tone); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
