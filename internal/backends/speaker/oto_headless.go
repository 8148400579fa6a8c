//go:build headless

package speaker

import (
	"github.com/rs/zerolog"
)

// Open returns a speaker without a host player; the caller drives Drain
func Open(rate, depth int, logger zerolog.Logger) (*Speaker, error) {
	logger.Warn().Int("rate", rate).Msg("built headless, host audio disabled")
	return newSpeaker(depth, logger), nil
}
