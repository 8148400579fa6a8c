package player

import (
	"fmt"
	"time"
)

// PlaybackState represents the current playback state
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

// String returns the state name used in MPD status output
func (s PlaybackState) String() string {
	switch s {
	case StatePlaying:
		return "play"
	case StatePaused:
		return "pause"
	default:
		return "stop"
	}
}

// LinkStatus is the controller's view of the loader in split mode
type LinkStatus struct {
	Up        bool
	Heartbeat uint32
	Err       error
}

// Status is a point-in-time snapshot of the controller
type Status struct {
	State  PlaybackState
	Index  int
	Title  string
	Tracks int

	Elapsed       time.Duration
	Duration      time.Duration
	SamplesPlayed int64
	TotalSamples  int64
	Clock         string

	SampleRate    int
	BitsPerSample int
	Channels      int

	Underruns int64
	Link      *LinkStatus
}

// Audio formats the track layout the way MPD reports it
func (s Status) Audio() string {
	if s.SampleRate == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d:%d", s.SampleRate, s.BitsPerSample, s.Channels)
}

// Clock is the MM:SS play time counter. Minutes wrap at 100 so the value
// always fits a four-digit display.
type Clock struct {
	ms      int
	seconds int
	minutes int
}

// Advance adds d to the counters
func (c *Clock) Advance(d time.Duration) {
	c.ms += int(d / time.Millisecond)
	c.seconds += c.ms / 1000
	c.ms %= 1000
	c.minutes += c.seconds / 60
	c.seconds %= 60
	c.minutes %= 100
}

// Reset zeroes every counter
func (c *Clock) Reset() {
	*c = Clock{}
}

// Minutes returns the wrapped minute counter
func (c Clock) Minutes() int { return c.minutes }

// Seconds returns the second counter
func (c Clock) Seconds() int { return c.seconds }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.minutes, c.seconds)
}
