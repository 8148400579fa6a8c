// Package speaker plays the codec FIFO model through the host sound card.
package speaker

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/backends/memfifo"
)

// bytesPerFrame is one stereo int16 frame
const bytesPerFrame = 4

// Speaker is a FIFO device whose DAC clock is the host audio callback
type Speaker struct {
	*memfifo.FIFO

	mu      sync.Mutex
	out     output
	started bool
	logger  zerolog.Logger
}

var _ backends.Device = (*Speaker)(nil)

// output is the platform sink pulling from the Speaker
type output interface {
	Play()
	Close() error
}

func newSpeaker(depth int, logger zerolog.Logger) *Speaker {
	return &Speaker{
		FIFO:   memfifo.New(depth, logger),
		logger: logger,
	}
}

func (s *Speaker) Name() string { return "speaker" }

// Enable opens the FIFO and starts the host player on first use
func (s *Speaker) Enable() error {
	if err := s.FIFO.Enable(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started && s.out != nil {
		s.out.Play()
		s.started = true
		s.logger.Info().Msg("host audio output started")
	}
	return nil
}

// Read implements io.Reader for the host player. Missing frames are
// rendered as silence so the callback never blocks.
func (s *Speaker) Read(p []byte) (int, error) {
	frames := s.Drain(len(p) / bytesPerFrame)

	i := 0
	for _, f := range frames {
		binary.LittleEndian.PutUint16(p[i:], uint16(clip16(f[0])))
		binary.LittleEndian.PutUint16(p[i+2:], uint16(clip16(f[1])))
		i += bytesPerFrame
	}
	clear(p[i:])
	return len(p), nil
}

// Close stops the host player
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	s.started = false
	return err
}

func clip16(v int32) int16 {
	return int16(max(min(v, math.MaxInt16), math.MinInt16))
}
