package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/emitter"
	"github.com/famish99/fifoplayd/internal/input"
	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/playlist"
	"github.com/famish99/fifoplayd/internal/sched"
	"github.com/famish99/fifoplayd/internal/shm"
)

var (
	ErrNoTracks        = errors.New("no tracks")
	ErrNoPlayableTrack = errors.New("no playable track")
	ErrLinkDown        = errors.New("loader link is down")
	ErrInvalidPosition = errors.New("invalid track position")
)

// Dispatcher topics
const (
	TopicTrackEnd    sched.Topic = "track-end"
	TopicTrackFailed sched.Topic = "track-failed"
	TopicControl     sched.Topic = "control"
	TopicCommand     sched.Topic = "command"
)

// Pacer starts and stops a periodic task; *sched.Handle implements it
type Pacer interface {
	Start()
	Stop()
	// Wait returns once no tick is in progress
	Wait()
	Enabled() bool
}

// ControllerOptions wires a Controller to its collaborators
type ControllerOptions struct {
	Feed       Feed
	Emitter    *emitter.Emitter
	Device     backends.Device
	Pacing     Pacer
	Dispatcher *sched.Dispatcher
	Display    Display

	EndOfTrack config.EndPolicy
	StartWait  time.Duration

	// Quit is called for the quit control
	Quit func()
}

// Controller is the playback state machine. All transitions run under mu;
// the pacing tick never takes it.
type Controller struct {
	mu   sync.Mutex
	opts ControllerOptions

	state PlaybackState
	index int
	desc  *pcm.TrackDescriptor

	// gen identifies the loaded track so a late end event is ignored
	gen atomic.Uint64

	clock     Clock
	lastClock time.Time

	link          *LinkStatus
	pausedForLink bool

	notifySubsystem func(subsystem string)
	logger          zerolog.Logger
}

// NewController creates a stopped controller and registers its event
// handlers with the dispatcher
func NewController(opts ControllerOptions, logger zerolog.Logger) *Controller {
	c := &Controller{
		opts:   opts,
		logger: logger,
	}

	if d := opts.Dispatcher; d != nil {
		d.Register(TopicTrackEnd, c.handleTrackEnd)
		d.Register(TopicTrackFailed, c.handleTrackFailed)
		d.Register(TopicControl, func(ev sched.Event) {
			c.HandleControl(input.Control(ev.Value))
		})
		d.Register(TopicCommand, func(ev sched.Event) {
			c.HandleCommand(shm.Command(ev.Value))
		})
	}
	return c
}

// SetNotifySubsystem sets the callback for subsystem change notifications
func (c *Controller) SetNotifySubsystem(callback func(subsystem string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifySubsystem = callback
}

// OnTrackEnd is the emitter's end-of-track hook. It runs inside the pacing
// tick, so it only posts an event.
func (c *Controller) OnTrackEnd(*pcm.TrackDescriptor) {
	if c.opts.Dispatcher == nil {
		return
	}
	c.opts.Dispatcher.Post(sched.Event{Topic: TopicTrackEnd, Value: int(c.gen.Load())})
}

// OnTrackFailed is the emitter's hook for a source that cannot deliver
// the rest of the track
func (c *Controller) OnTrackFailed(*pcm.TrackDescriptor) {
	if c.opts.Dispatcher == nil {
		return
	}
	c.opts.Dispatcher.Post(sched.Event{Topic: TopicTrackFailed, Value: int(c.gen.Load())})
}

// PostControl queues a debounced control edge
func (c *Controller) PostControl(ctl input.Control) {
	c.opts.Dispatcher.Post(sched.Event{Topic: TopicControl, Value: int(ctl)})
}

// PostCommand queues a command received from the loader
func (c *Controller) PostCommand(cmd shm.Command) {
	c.opts.Dispatcher.Post(sched.Event{Topic: TopicCommand, Value: int(cmd)})
}

// Play starts playback of the current track from Stopped, or resumes
// from Paused. Invalid tracks are skipped forward.
func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.play(ctx)
}

// PlayAt loads the track at index and plays it from the start
func (c *Controller) PlayAt(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.opts.Feed.Tracks())
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %d of %d", ErrInvalidPosition, index, n)
	}
	if err := c.checkLink(); err != nil {
		return err
	}

	c.halt()
	c.reset()
	if err := c.load(ctx, index); err != nil {
		c.state = StateStopped
		c.notify()
		return err
	}
	return c.start(ctx)
}

// Pause halts the pacing tick and quiesces the hardware. Buffers are kept.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pause()
	return nil
}

// Resume continues from Paused
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return nil
	}
	return c.play(ctx)
}

// Toggle flips between playing and paused; from Stopped it plays
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying {
		c.pause()
		return nil
	}
	return c.play(ctx)
}

// Next moves to the following track, wrapping at the end
func (c *Controller) Next(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step(ctx, 1)
}

// Previous moves to the preceding track, wrapping at the start
func (c *Controller) Previous(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step(ctx, -1)
}

// Stop halts playback, empties the buffers and resets the counters
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
	return nil
}

// HandleControl applies a debounced control edge
func (c *Controller) HandleControl(ctl input.Control) {
	ctx := context.Background()
	var err error
	switch ctl {
	case input.PlayPause:
		err = c.Toggle(ctx)
	case input.Next:
		err = c.Next(ctx)
	case input.Previous:
		err = c.Previous(ctx)
	case input.Stop:
		err = c.Stop()
	case input.Quit:
		if c.opts.Quit != nil {
			c.opts.Quit()
		}
	}
	if err != nil {
		c.logger.Warn().Err(err).Stringer("control", ctl).Msg("control failed")
	}
}

// HandleCommand applies a command forwarded by the loader
func (c *Controller) HandleCommand(cmd shm.Command) {
	ctx := context.Background()
	var err error
	switch cmd {
	case shm.CmdPlay:
		err = c.Play(ctx)
	case shm.CmdPause:
		err = c.Pause()
	case shm.CmdNext:
		err = c.Next(ctx)
	case shm.CmdPrevious:
		err = c.Previous(ctx)
	case shm.CmdStop:
		err = c.Stop()
	case shm.CmdLoad:
		c.mu.Lock()
		index := max(c.index, 0)
		c.mu.Unlock()
		err = c.PlayAt(ctx, index)
	}
	if err != nil {
		c.logger.Warn().Err(err).Stringer("command", cmd).Msg("command failed")
	}
}

// SetLink records the loader liveness. A lost link forces Paused; playback
// resumes when the link returns if the link was what paused it. A
// restarted loader has forgotten the track, so it is loaded again.
func (c *Controller) SetLink(state shm.LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasUp := c.link == nil || c.link.Up
	c.link = &LinkStatus{Up: state.Up, Heartbeat: state.Heartbeat, Err: state.Err}

	if state.Restarted {
		if err := c.reload(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("failed to reload after loader restart")
		}
		if wasUp {
			c.notify()
		}
	}

	switch {
	case wasUp && !state.Up:
		c.logger.Warn().Err(state.Err).Msg("loader link lost")
		if c.state == StatePlaying {
			c.pause()
			c.pausedForLink = true
		}
		c.notify()
	case !wasUp && state.Up:
		c.logger.Info().Uint32("heartbeat", state.Heartbeat).Msg("loader link restored")
		if c.pausedForLink && c.state == StatePaused {
			c.pausedForLink = false
			if err := c.play(context.Background()); err != nil {
				c.logger.Warn().Err(err).Msg("failed to resume after reconnect")
			}
		}
		c.notify()
	}
}

// TickDisplay advances the clock while playing and refreshes the display
func (c *Controller) TickDisplay(now time.Time) error {
	c.mu.Lock()
	if c.state == StatePlaying && !c.lastClock.IsZero() {
		c.clock.Advance(now.Sub(c.lastClock))
	}
	c.lastClock = now
	if c.state != StatePlaying || c.opts.Display == nil {
		c.mu.Unlock()
		return nil
	}
	st := c.status()
	c.mu.Unlock()

	c.opts.Display.Show(st)
	return nil
}

// Status returns a snapshot of the playback state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

// Tracks lists the track table
func (c *Controller) Tracks() []playlist.Track {
	return c.opts.Feed.Tracks()
}

// State returns the current playback state
func (c *Controller) State() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) status() Status {
	tracks := c.opts.Feed.Tracks()
	st := Status{
		State:     c.state,
		Index:     c.index,
		Tracks:    len(tracks),
		Clock:     c.clock.String(),
		Underruns: c.opts.Emitter.Underruns(),
	}
	if c.index >= 0 && c.index < len(tracks) {
		st.Title = tracks[c.index].Title
	}
	if d := c.desc; d != nil {
		st.Elapsed = d.Elapsed()
		st.Duration = d.Duration()
		st.SamplesPlayed = d.SamplesPlayed()
		st.TotalSamples = d.TotalSamples
		st.SampleRate = d.SampleRate
		st.BitsPerSample = d.BitsPerSample
		st.Channels = d.Channels
	}
	if c.link != nil {
		link := *c.link
		st.Link = &link
	}
	return st
}

func (c *Controller) play(ctx context.Context) error {
	switch c.state {
	case StatePlaying:
		return nil
	case StatePaused:
		if err := c.checkLink(); err != nil {
			return err
		}
		return c.start(ctx)
	}

	if err := c.checkLink(); err != nil {
		return err
	}
	if c.desc == nil {
		if err := c.load(ctx, max(c.index, 0)); err != nil {
			c.notify()
			return err
		}
	}
	return c.start(ctx)
}

// start primes the feed, resets the hardware and starts pacing
func (c *Controller) start(ctx context.Context) error {
	if !c.opts.Feed.Prime(ctx, c.opts.StartWait) {
		c.logger.Warn().Dur("wait", c.opts.StartWait).Msg("no data buffered yet, starting with silence")
	}

	if err := c.opts.Device.Reset(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", c.opts.Device.Name(), err)
	}
	if err := c.opts.Device.Enable(); err != nil {
		return fmt.Errorf("failed to enable %s: %w", c.opts.Device.Name(), err)
	}

	c.opts.Pacing.Start()
	c.state = StatePlaying
	c.lastClock = time.Time{}
	c.logger.Info().Int("track", c.index).Stringer("desc", c.desc).Msg("playing")
	c.notify()
	return nil
}

func (c *Controller) pause() {
	if c.state != StatePlaying {
		return
	}
	c.halt()
	c.state = StatePaused
	c.logger.Info().Int("track", c.index).Str("time", c.clock.String()).Msg("paused")
	c.notify()
}

func (c *Controller) stop() {
	c.halt()
	c.reset()
	c.state = StateStopped
	c.pausedForLink = false
	c.logger.Info().Msg("stopped")
	c.notify()
}

// halt cancels future pacing ticks and quiesces the hardware once the
// tick in progress, if any, has finished writing
func (c *Controller) halt() {
	c.opts.Pacing.Stop()
	c.opts.Pacing.Wait()
	if err := c.opts.Device.Reset(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to quiesce device")
	}
}

// reset drops the loaded track and every counter
func (c *Controller) reset() {
	c.gen.Add(1)
	c.opts.Emitter.Clear()
	c.opts.Feed.Invalidate()
	if c.desc != nil {
		c.desc.ResetPlayed()
	}
	c.desc = nil
	c.clock.Reset()
	c.lastClock = time.Time{}
}

// step implements Next and Previous from any state
func (c *Controller) step(ctx context.Context, delta int) error {
	n := len(c.opts.Feed.Tracks())
	if n == 0 {
		return ErrNoTracks
	}

	prev := c.state
	c.pause()
	c.reset()

	c.index = (max(c.index, 0) + delta + n) % n
	c.logger.Debug().Int("track", c.index).Int("delta", delta).Msg("track change")

	if prev == StateStopped {
		c.notify()
		return nil
	}
	if err := c.checkLink(); err != nil {
		c.notify()
		return err
	}
	if err := c.load(ctx, c.index); err != nil {
		c.state = StateStopped
		c.notify()
		return err
	}
	if prev == StatePlaying {
		return c.start(ctx)
	}
	c.notify()
	return nil
}

// load makes index the current track, skipping forward over tracks that
// cannot be played. A non-track error, such as a lost link, stops the scan.
func (c *Controller) load(ctx context.Context, index int) error {
	n := len(c.opts.Feed.Tracks())
	if n == 0 {
		return ErrNoTracks
	}

	var lastErr error
	for attempt := range n {
		i := (index + attempt) % n
		desc, actual, err := c.opts.Feed.Load(ctx, i)
		if err != nil {
			if !pcm.IsTrackError(err) {
				return fmt.Errorf("failed to load track %d: %w", i, err)
			}
			c.logger.Warn().Err(err).Int("track", i).Msg("skipping invalid track")
			lastErr = err
			continue
		}

		c.index = actual
		c.desc = desc
		desc.ResetPlayed()
		c.gen.Add(1)
		c.opts.Emitter.SetTrack(c.opts.Feed.Source(), desc)
		return nil
	}

	c.desc = nil
	return fmt.Errorf("%w: %w", ErrNoPlayableTrack, lastErr)
}

func (c *Controller) handleTrackEnd(ev sched.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint64(ev.Value) != c.gen.Load() || c.state != StatePlaying {
		return
	}

	ctx := context.Background()
	c.logger.Info().Int("track", c.index).Str("policy", string(c.opts.EndOfTrack)).Msg("end of track")

	var err error
	switch c.opts.EndOfTrack {
	case config.EndStop:
		c.stop()
	case config.EndLoop:
		index := c.index
		c.halt()
		c.reset()
		if err = c.load(ctx, index); err == nil {
			err = c.start(ctx)
		}
	default:
		err = c.step(ctx, 1)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("end of track handling failed")
		if c.state != StateStopped {
			c.stop()
		}
	}
}

// reload loads the current track again from its start, keeping the
// playing or paused state. A stopped controller has nothing loaded.
func (c *Controller) reload(ctx context.Context) error {
	if c.state == StateStopped || c.desc == nil {
		return nil
	}

	prev := c.state
	c.halt()
	c.reset()
	if n := len(c.opts.Feed.Tracks()); c.index >= n {
		c.index = 0
	}
	c.logger.Info().Int("track", c.index).Msg("reloading track")
	if err := c.load(ctx, c.index); err != nil {
		c.state = StateStopped
		c.pausedForLink = false
		c.notify()
		return err
	}
	if prev == StatePlaying {
		return c.start(ctx)
	}
	return nil
}

// handleTrackFailed skips past a track whose data could not be read,
// whatever the end policy
func (c *Controller) handleTrackFailed(ev sched.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint64(ev.Value) != c.gen.Load() || c.state != StatePlaying {
		return
	}

	c.logger.Warn().Int("track", c.index).Msg("track unreadable, skipping")
	if err := c.step(context.Background(), 1); err != nil {
		c.logger.Warn().Err(err).Msg("failed to skip unreadable track")
		if c.state != StateStopped {
			c.stop()
		}
	}
}

func (c *Controller) checkLink() error {
	if c.link == nil || c.link.Up {
		return nil
	}
	if c.link.Err != nil {
		return fmt.Errorf("%w: %w", ErrLinkDown, c.link.Err)
	}
	return ErrLinkDown
}

func (c *Controller) notify() {
	if c.notifySubsystem != nil {
		c.notifySubsystem("player")
	}
}
