package player

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/backends/memfifo"
	"github.com/famish99/fifoplayd/internal/buffer"
	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/emitter"
	"github.com/famish99/fifoplayd/internal/input"
	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/pcmtest"
	"github.com/famish99/fifoplayd/internal/playlist"
	"github.com/famish99/fifoplayd/internal/sched"
	"github.com/famish99/fifoplayd/internal/shm"
)

type fakePacer struct{ on bool }

func (f *fakePacer) Start()        { f.on = true }
func (f *fakePacer) Stop()         { f.on = false }
func (f *fakePacer) Wait()         {}
func (f *fakePacer) Enabled() bool { return f.on }

type recordingDisplay struct{ shown []Status }

func (d *recordingDisplay) Show(s Status) { d.shown = append(d.shown, s) }

// rig is a controller wired to an in-memory FIFO and driven by hand
type rig struct {
	ctrl    *Controller
	fifo    *memfifo.FIFO
	buf     *buffer.DoubleBuffer
	em      *emitter.Emitter
	d       *sched.Dispatcher
	pacer   *fakePacer
	display *recordingDisplay
	quits   int
}

func newRig(t *testing.T, policy config.EndPolicy, feed Feed) *rig {
	t.Helper()
	r := &rig{
		fifo:    memfifo.New(32, zerolog.Nop()),
		d:       sched.NewDispatcher(16, zerolog.Nop()),
		pacer:   &fakePacer{},
		display: &recordingDisplay{},
	}
	if ff, ok := feed.(*FileFeed); ok {
		r.buf = ff.buf
	}

	r.em = emitter.New(r.fifo, emitter.Options{
		HardwareRate: 8000,
		Budget:       10,
		Attenuation:  1,
		OnEnd:        func(d *pcm.TrackDescriptor) { r.ctrl.OnTrackEnd(d) },
		OnFail:       func(d *pcm.TrackDescriptor) { r.ctrl.OnTrackFailed(d) },
	}, zerolog.Nop())

	r.ctrl = NewController(ControllerOptions{
		Feed:       feed,
		Emitter:    r.em,
		Device:     r.fifo,
		Pacing:     r.pacer,
		Dispatcher: r.d,
		Display:    r.display,
		EndOfTrack: policy,
		StartWait:  100 * time.Millisecond,
		Quit:       func() { r.quits++ },
	}, zerolog.Nop())
	t.Cleanup(func() { feed.Close() })
	return r
}

func newFileRig(t *testing.T, policy config.EndPolicy, paths ...string) *rig {
	t.Helper()
	buf := buffer.New(64, 0.5, policy == config.EndLoop, zerolog.Nop())
	feed := NewFileFeed(playlist.FromPaths(paths), buf, nil, zerolog.Nop())
	return newRig(t, policy, feed)
}

// advance runs one round of the pipeline the way the cooperative
// scheduler does and returns the refill error, if any
func (r *rig) advance() error {
	if r.pacer.on {
		r.em.Tick()
	}
	var err error
	if r.buf != nil {
		err = r.buf.RefillIfNeeded(context.Background())
	}
	r.fifo.Drain(64)
	r.d.Dispatch()
	return err
}

func (r *rig) step(t *testing.T) {
	t.Helper()
	require.NoError(t, r.advance())
}

func (r *rig) stepUntil(t *testing.T, limit int, cond func(Status) bool) Status {
	t.Helper()
	for range limit {
		r.step(t)
		if st := r.ctrl.Status(); cond(st) {
			return st
		}
	}
	t.Fatalf("condition not reached in %d steps, status %+v", limit, r.ctrl.Status())
	return Status{}
}

func writeTracks(t *testing.T, frames ...int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(frames))
	for i, n := range frames {
		name := string(rune('a'+i)) + ".wav"
		paths[i] = pcmtest.WriteFile(t, dir, name, pcmtest.WAV(8000, 1, 16, pcmtest.Ramp(n)))
	}
	return paths
}

func TestPlayFromStopped(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100)...)
	ctx := context.Background()

	assert.Equal(t, StateStopped, r.ctrl.State())
	require.NoError(t, r.ctrl.Play(ctx))

	st := r.ctrl.Status()
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, "a", st.Title)
	assert.Equal(t, "8000:16:1", st.Audio())
	assert.True(t, r.pacer.on)
	assert.Positive(t, r.fifo.AvailableWriteSpace(backends.Left), "hardware enabled")
	assert.Positive(t, r.buf.Active().Filled, "slot primed before starting")

	require.NoError(t, r.ctrl.Play(ctx), "play while playing is a no-op")
}

func TestPauseAndResume(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 400)...)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Play(ctx))
	for range 5 {
		r.step(t)
	}
	played := r.ctrl.Status().SamplesPlayed
	require.Positive(t, played)

	require.NoError(t, r.ctrl.Pause())
	assert.Equal(t, StatePaused, r.ctrl.State())
	assert.False(t, r.pacer.on)
	assert.Zero(t, r.fifo.AvailableWriteSpace(backends.Left), "hardware quiesced")

	for range 5 {
		r.step(t)
	}
	assert.Equal(t, played, r.ctrl.Status().SamplesPlayed, "nothing consumed while paused")

	require.NoError(t, r.ctrl.Toggle(ctx))
	assert.Equal(t, StatePlaying, r.ctrl.State())
	r.step(t)
	assert.Greater(t, r.ctrl.Status().SamplesPlayed, played, "buffers kept across pause")
}

func TestNextAndPreviousWrap(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100, 100)...)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Play(ctx))
	r.step(t)

	require.NoError(t, r.ctrl.Next(ctx))
	st := r.ctrl.Status()
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, StatePlaying, st.State, "resumes when previously playing")
	assert.Zero(t, st.SamplesPlayed)
	assert.Equal(t, "00:00", st.Clock)

	require.NoError(t, r.ctrl.Previous(ctx))
	require.NoError(t, r.ctrl.Previous(ctx))
	assert.Equal(t, 2, r.ctrl.Status().Index, "previous wraps to the last track")

	require.NoError(t, r.ctrl.Pause())
	require.NoError(t, r.ctrl.Next(ctx))
	st = r.ctrl.Status()
	assert.Equal(t, 0, st.Index, "next wraps to the first track")
	assert.Equal(t, StatePaused, st.State)
	assert.Positive(t, st.TotalSamples, "track reloaded while paused")
}

func TestNextWhileStoppedOnlyMovesIndex(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100)...)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Next(ctx))
	st := r.ctrl.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, st.Index)
	assert.Zero(t, st.TotalSamples)

	require.NoError(t, r.ctrl.Play(ctx))
	assert.Equal(t, 1, r.ctrl.Status().Index)
}

func TestInvalidTracksAreSkipped(t *testing.T) {
	dir := t.TempDir()
	bad := pcmtest.WriteFile(t, dir, "bad.wav", []byte("RIFF\x00\x00\x00\x00JUNK"))
	good := writeTracks(t, 100)[0]

	r := newFileRig(t, config.EndAdvance, bad, good)
	require.NoError(t, r.ctrl.Play(context.Background()))
	assert.Equal(t, 1, r.ctrl.Status().Index)
}

func TestUnreadableTrackIsSkipped(t *testing.T) {
	// Looping would replay a good track; an unreadable one is skipped anyway
	r := newFileRig(t, config.EndLoop, writeTracks(t, 400, 100)...)
	require.NoError(t, r.ctrl.Play(context.Background()))
	require.Equal(t, 0, r.ctrl.Status().Index)

	// The file goes away under the buffer after the first slot was read
	require.NoError(t, r.ctrl.opts.Feed.(*FileFeed).file.Close())

	deadline := time.Now().Add(5 * time.Second)
	for r.ctrl.Status().Index != 1 {
		require.True(t, time.Now().Before(deadline), "track not skipped, status %+v", r.ctrl.Status())
		r.advance()
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StatePlaying, r.ctrl.State())
	assert.NoError(t, r.buf.Err())

	st := r.stepUntil(t, 1000, func(st Status) bool { return st.SamplesPlayed > 0 })
	assert.Equal(t, 1, st.Index)
}

func TestNoPlayableTrackStaysStopped(t *testing.T) {
	dir := t.TempDir()
	bad := pcmtest.WriteFile(t, dir, "bad.wav", []byte("not audio"))

	r := newFileRig(t, config.EndAdvance, bad, dir+"/missing.wav")
	err := r.ctrl.Play(context.Background())
	require.ErrorIs(t, err, ErrNoPlayableTrack)
	assert.True(t, pcm.IsTrackError(err))
	assert.Equal(t, StateStopped, r.ctrl.State())
	assert.False(t, r.pacer.on)

	empty := newFileRig(t, config.EndAdvance)
	assert.ErrorIs(t, empty.ctrl.Play(context.Background()), ErrNoTracks)
}

func TestStopResetsEverything(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 400)...)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Play(ctx))
	for range 5 {
		r.step(t)
	}
	require.NoError(t, r.ctrl.TickDisplay(time.Unix(100, 0)))
	require.NoError(t, r.ctrl.TickDisplay(time.Unix(103, 0)))
	assert.Equal(t, "00:03", r.ctrl.Status().Clock)

	require.NoError(t, r.ctrl.Stop())
	st := r.ctrl.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "00:00", st.Clock)
	assert.Zero(t, st.SamplesPlayed)
	assert.Zero(t, r.buf.Active().Filled)
	assert.False(t, r.pacer.on)
}

func TestEndToEndAdvance(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 300, 300)...)
	require.NoError(t, r.ctrl.Play(context.Background()))

	st := r.stepUntil(t, 1000, func(st Status) bool { return st.Index == 1 })
	assert.Equal(t, StatePlaying, st.State)
	assert.Zero(t, st.SamplesPlayed, "samples_played reset on advance")
	assert.GreaterOrEqual(t, r.fifo.Stats().Drained, int64(300), "the whole first track reached the FIFO")

	r.stepUntil(t, 1000, func(st Status) bool { return st.Index == 0 })
}

func TestEndToEndLoop(t *testing.T) {
	r := newFileRig(t, config.EndLoop, writeTracks(t, 300, 300)...)
	require.NoError(t, r.ctrl.Play(context.Background()))

	for range 100 {
		r.step(t)
	}
	st := r.ctrl.Status()
	assert.Equal(t, 0, st.Index, "loop keeps the track")
	assert.Equal(t, StatePlaying, st.State)
	assert.LessOrEqual(t, st.SamplesPlayed, st.TotalSamples)
	assert.Greater(t, r.fifo.Stats().Drained, int64(600))
	assert.Zero(t, r.em.Underruns())
}

func TestEndToEndStop(t *testing.T) {
	r := newFileRig(t, config.EndStop, writeTracks(t, 100, 100)...)
	require.NoError(t, r.ctrl.Play(context.Background()))

	st := r.stepUntil(t, 1000, func(st Status) bool { return st.State == StateStopped })
	assert.Equal(t, 0, st.Index)
}

func TestStaleEndEventIgnored(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100, 100)...)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Play(ctx))
	r.ctrl.OnTrackEnd(nil)
	require.NoError(t, r.ctrl.Next(ctx))

	r.d.Dispatch()
	assert.Equal(t, 1, r.ctrl.Status().Index)
}

func TestControlsGoThroughDispatcher(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100)...)

	r.ctrl.PostControl(input.PlayPause)
	assert.Equal(t, StateStopped, r.ctrl.State(), "nothing happens until dispatch")
	r.d.Dispatch()
	assert.Equal(t, StatePlaying, r.ctrl.State())

	r.ctrl.PostControl(input.Next)
	r.ctrl.PostControl(input.PlayPause)
	r.d.Dispatch()
	st := r.ctrl.Status()
	assert.Equal(t, 1, st.Index)
	assert.Equal(t, StatePaused, st.State)

	r.ctrl.PostControl(input.Quit)
	r.d.Dispatch()
	assert.Equal(t, 1, r.quits)
}

func TestCommandsFromLoader(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100)...)

	r.ctrl.PostCommand(shm.CmdPlay)
	r.ctrl.PostCommand(shm.CmdNext)
	r.d.Dispatch()
	assert.Equal(t, 1, r.ctrl.Status().Index)
	assert.Equal(t, StatePlaying, r.ctrl.State())

	r.ctrl.PostCommand(shm.CmdStop)
	r.d.Dispatch()
	assert.Equal(t, StateStopped, r.ctrl.State())
}

func TestLinkLossForcesPause(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 400)...)
	ctx := context.Background()
	require.NoError(t, r.ctrl.Play(ctx))

	r.ctrl.SetLink(shm.LinkState{Up: false, Err: shm.ErrStalled})
	st := r.ctrl.Status()
	assert.Equal(t, StatePaused, st.State)
	require.NotNil(t, st.Link)
	assert.False(t, st.Link.Up)
	assert.False(t, r.pacer.on)

	err := r.ctrl.Play(ctx)
	assert.ErrorIs(t, err, ErrLinkDown)
	assert.ErrorIs(t, err, shm.ErrStalled)

	r.ctrl.SetLink(shm.LinkState{Up: true, Heartbeat: 9})
	assert.Equal(t, StatePlaying, r.ctrl.State(), "resumes once the loader is back")
}

func TestPlayAtValidatesPosition(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100, 100)...)
	ctx := context.Background()

	assert.ErrorIs(t, r.ctrl.PlayAt(ctx, 2), ErrInvalidPosition)
	require.NoError(t, r.ctrl.PlayAt(ctx, 1))
	assert.Equal(t, 1, r.ctrl.Status().Index)
	assert.Equal(t, StatePlaying, r.ctrl.State())
}

func TestDisplayOnlyWhilePlaying(t *testing.T) {
	r := newFileRig(t, config.EndAdvance, writeTracks(t, 100)...)

	require.NoError(t, r.ctrl.TickDisplay(time.Unix(0, 0)))
	assert.Empty(t, r.display.shown)

	require.NoError(t, r.ctrl.Play(context.Background()))
	require.NoError(t, r.ctrl.TickDisplay(time.Unix(1, 0)))
	require.NoError(t, r.ctrl.TickDisplay(time.Unix(2, 0)))
	require.Len(t, r.display.shown, 2)
	assert.Equal(t, "00:01", r.display.shown[1].Clock)
}

func TestClockWrapsAtHundredMinutes(t *testing.T) {
	var c Clock
	c.Advance(59*time.Second + 999*time.Millisecond)
	assert.Equal(t, "00:59", c.String())
	c.Advance(time.Millisecond)
	assert.Equal(t, "01:00", c.String())

	c.Advance(98*time.Minute + 59*time.Second)
	assert.Equal(t, "99:59", c.String())
	c.Advance(time.Second)
	assert.Equal(t, "00:00", c.String())
	assert.Zero(t, c.Minutes())
}

func TestSplitModeEndToEnd(t *testing.T) {
	blk, err := shm.NewBlock(make([]byte, shm.DefaultSize), shm.DefaultLayout())
	require.NoError(t, err)

	producer := shm.NewProducer(blk, writeTracks(t, 300, 300), 128, zerolog.Nop())
	producer.Init()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		producer.Run(ctx, 200*time.Microsecond, 10*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	consumer := shm.NewConsumer(blk, time.Second, time.Second, zerolog.Nop())
	consumer.Attach()
	r := newRig(t, config.EndAdvance, NewSharedFeed(consumer))
	assert.Len(t, r.ctrl.Tracks(), 2)

	require.NoError(t, r.ctrl.Play(context.Background()))
	assert.Equal(t, 0, r.ctrl.Status().Index)

	deadline := time.Now().Add(5 * time.Second)
	for r.ctrl.Status().Index != 1 {
		require.True(t, time.Now().Before(deadline), "no advance, status %+v", r.ctrl.Status())
		r.step(t)
		time.Sleep(50 * time.Microsecond)
	}
	assert.Equal(t, StatePlaying, r.ctrl.State())
	assert.Zero(t, consumer.ProtocolErrors())
}

// startLoader runs a loader on blk until the returned function is called
func startLoader(t *testing.T, blk *shm.Block, tracks []string) (*shm.Producer, func()) {
	t.Helper()
	producer := shm.NewProducer(blk, tracks, 128, zerolog.Nop())
	producer.Init()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		producer.Run(ctx, 200*time.Microsecond, 10*time.Millisecond)
	}()
	return producer, func() {
		cancel()
		<-done
	}
}

func TestSplitModeRecoversFromLoaderRestart(t *testing.T) {
	for _, tc := range []struct {
		name string
		// clean means the loader closed the block before exiting
		clean bool
	}{
		{name: "crash"},
		{name: "clean exit", clean: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			blk, err := shm.NewBlock(make([]byte, shm.DefaultSize), shm.DefaultLayout())
			require.NoError(t, err)
			tracks := writeTracks(t, 2000, 300)

			first, stopFirst := startLoader(t, blk, tracks)
			consumer := shm.NewConsumer(blk, time.Second, time.Second, zerolog.Nop())
			consumer.Attach()
			r := newRig(t, config.EndAdvance, NewSharedFeed(consumer))

			ctx := context.Background()
			require.NoError(t, r.ctrl.Play(ctx))
			deadline := time.Now().Add(5 * time.Second)
			for r.ctrl.Status().SamplesPlayed < 200 {
				require.True(t, time.Now().Before(deadline), "no playback, status %+v", r.ctrl.Status())
				r.step(t)
				time.Sleep(50 * time.Microsecond)
			}

			stopFirst()
			if tc.clean {
				require.NoError(t, first.Close())
				r.ctrl.SetLink(consumer.CheckLink(time.Now()))
				require.Equal(t, StatePaused, r.ctrl.State())
			}

			_, stopSecond := startLoader(t, blk, tracks)
			t.Cleanup(stopSecond)

			r.ctrl.SetLink(consumer.CheckLink(time.Now()))
			st := r.ctrl.Status()
			require.Equal(t, StatePlaying, st.State)
			assert.Equal(t, 0, st.Index)
			assert.Less(t, st.SamplesPlayed, int64(200), "the track starts over on the new loader")

			deadline = time.Now().Add(10 * time.Second)
			for r.ctrl.Status().Index != 1 {
				require.True(t, time.Now().Before(deadline), "no data after restart, status %+v", r.ctrl.Status())
				r.step(t)
				time.Sleep(50 * time.Microsecond)
			}
			assert.Equal(t, StatePlaying, r.ctrl.State())
			assert.Zero(t, consumer.ProtocolErrors())
		})
	}
}
