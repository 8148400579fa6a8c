// Package input turns raw control edges into debounced control events
package input

import (
	"fmt"
	"sync"
	"time"
)

// Control is a logical front-panel control
type Control int

const (
	PlayPause Control = iota
	Next
	Previous
	Stop
	Quit
)

func (c Control) String() string {
	switch c {
	case PlayPause:
		return "play/pause"
	case Next:
		return "next"
	case Previous:
		return "previous"
	case Stop:
		return "stop"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("control(%d)", int(c))
	}
}

// Sink receives accepted control events. It must not block.
type Sink func(Control)

// Debouncer accepts at most one edge per control within the window.
// Each control is tracked on its own.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[Control]time.Time
	now    func() time.Time
}

// NewDebouncer creates a debouncer with the given window
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		last:   make(map[Control]time.Time),
		now:    time.Now,
	}
}

// Edge reports whether a raw edge on c should be acted on
func (d *Debouncer) Edge(c Control) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[c]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[c] = now
	return true
}

// Filter wraps sink so only debounced edges reach it
func (d *Debouncer) Filter(sink Sink) Sink {
	return func(c Control) {
		if d.Edge(c) {
			sink(c)
		}
	}
}

// KeyControl maps a keyboard byte to a control
func KeyControl(b byte) (Control, bool) {
	switch b {
	case ' ', '1':
		return PlayPause, true
	case 'n', 'N', '3':
		return Next, true
	case 'p', 'P', '4':
		return Previous, true
	case 's', 'S':
		return Stop, true
	case 'q', 'Q', 0x03:
		return Quit, true
	}
	return 0, false
}
