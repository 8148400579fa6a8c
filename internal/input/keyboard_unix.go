//go:build unix

package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Keyboard reads single keys from a terminal and emits controls
type Keyboard struct {
	file   *os.File
	sink   Sink
	logger zerolog.Logger
}

// NewKeyboard reads from file, usually os.Stdin. Controls go through the
// debouncer before reaching sink.
func NewKeyboard(file *os.File, deb *Debouncer, sink Sink, logger zerolog.Logger) *Keyboard {
	return &Keyboard{file: file, sink: deb.Filter(sink), logger: logger}
}

// HandleKey routes one byte; unmapped keys are ignored
func (k *Keyboard) HandleKey(b byte) {
	c, ok := KeyControl(b)
	if !ok {
		return
	}
	k.logger.Debug().Stringer("control", c).Msg("key")
	k.sink(c)
}

// Run puts the terminal in raw mode and reads until ctx is done or the
// input closes. The terminal state is restored on return.
func (k *Keyboard) Run(ctx context.Context) error {
	fd := int(k.file.Fd())

	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, old)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("failed to set nonblocking input: %w", err)
	}
	defer unix.SetNonblock(fd, false)

	k.logger.Info().Msg("keyboard control active: space play/pause, n next, p previous, s stop, q quit")

	buf := make([]byte, 16)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.Read(fd, buf)
		for _, b := range buf[:max(n, 0)] {
			k.HandleKey(b)
		}

		switch {
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
			time.Sleep(5 * time.Millisecond)
		case err != nil:
			return fmt.Errorf("keyboard read failed: %w", err)
		case n == 0:
			k.logger.Debug().Msg("keyboard input closed")
			return nil
		}
	}
}
