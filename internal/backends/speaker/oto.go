//go:build !headless

package speaker

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// Open creates the host audio context and a player reading from the FIFO
func Open(rate, depth int, logger zerolog.Logger) (*Speaker, error) {
	op := &oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   20 * time.Millisecond,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to open host audio: %w", err)
	}
	<-ready

	s := newSpeaker(depth, logger)
	s.out = ctx.NewPlayer(s)
	return s, nil
}
