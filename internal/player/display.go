package player

import (
	"github.com/rs/zerolog"
)

// Display shows the play time. Front-panel drivers implement it; the
// daemon logs instead.
type Display interface {
	Show(s Status)
}

// LogDisplay writes the clock to a logger whenever it changes
type LogDisplay struct {
	logger zerolog.Logger
	last   string
}

// NewLogDisplay creates a display backed by logger
func NewLogDisplay(logger zerolog.Logger) *LogDisplay {
	return &LogDisplay{logger: logger}
}

func (d *LogDisplay) Show(s Status) {
	if s.Clock == d.last {
		return
	}
	d.last = s.Clock
	d.logger.Info().
		Str("time", s.Clock).
		Str("state", s.State.String()).
		Int("track", s.Index).
		Str("title", s.Title).
		Int64("underruns", s.Underruns).
		Msg("now playing")
}
