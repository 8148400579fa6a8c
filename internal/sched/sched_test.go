package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famish99/fifoplayd/internal/config"
)

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestSchedulerRunsEnabledTasks(t *testing.T) {
	for _, mode := range []config.SchedulerMode{config.SchedCooperative, config.SchedConcurrent} {
		t.Run(string(mode), func(t *testing.T) {
			s := New(mode, zerolog.Nop())

			var fast, slow, off atomic.Int64
			s.Add(Task{Name: "fast", Period: time.Millisecond, Run: func(context.Context) error {
				fast.Add(1)
				return nil
			}}, true)
			s.Add(Task{Name: "slow", Period: 20 * time.Millisecond, Run: func(context.Context) error {
				slow.Add(1)
				return nil
			}}, true)
			h := s.Add(Task{Name: "off", Period: time.Millisecond, Run: func(context.Context) error {
				off.Add(1)
				return nil
			}}, false)

			runFor(t, s, 100*time.Millisecond)

			assert.Greater(t, fast.Load(), slow.Load())
			assert.Positive(t, slow.Load())
			assert.Zero(t, off.Load())
			assert.Zero(t, h.Runs())
		})
	}
}

func TestHandleStopCancelsFutureRuns(t *testing.T) {
	s := New(config.SchedCooperative, zerolog.Nop())

	var h *Handle
	var runs atomic.Int64
	h = s.Add(Task{Name: "once", Period: time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		h.Stop()
		return nil
	}}, true)

	runFor(t, s, 30*time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	assert.False(t, h.Enabled())
}

func TestWaitCoversRunInProgress(t *testing.T) {
	s := New(config.SchedConcurrent, zerolog.Nop())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int64
	h := s.Add(Task{Name: "slow", Period: time.Millisecond, Run: func(context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		runs.Add(1)
		return nil
	}}, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	<-entered
	h.Stop()
	waited := make(chan struct{})
	go func() {
		h.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the task was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the run finished")
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no run starts after Stop and Wait")
	assert.EqualValues(t, 1, after)
}

func TestTaskErrorsDoNotStopScheduler(t *testing.T) {
	s := New(config.SchedConcurrent, zerolog.Nop())
	h := s.Add(Task{Name: "failing", Period: time.Millisecond, Run: func(context.Context) error {
		return errors.New("boom")
	}}, true)

	runFor(t, s, 30*time.Millisecond)
	assert.Positive(t, h.Errors())
	assert.Equal(t, h.Runs(), h.Errors())
}

func TestServiceFailureStopsRun(t *testing.T) {
	s := New(config.SchedCooperative, zerolog.Nop())
	s.Add(Task{Name: "tick", Period: time.Millisecond, Run: func(context.Context) error { return nil }}, true)

	boom := errors.New("input closed")
	s.Go("input", func(context.Context) error { return boom })

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(4, zerolog.Nop())

	var got []int
	d.Register("end", func(ev Event) { got = append(got, ev.Value) })

	assert.True(t, d.Post(Event{Topic: "end", Value: 1}))
	assert.True(t, d.Post(Event{Topic: "end", Value: 2}))
	assert.True(t, d.Post(Event{Topic: "unhandled"}))
	assert.Empty(t, got, "posting never runs handlers")

	assert.Equal(t, 3, d.Dispatch())
	assert.Equal(t, []int{1, 2}, got)
	assert.Zero(t, d.Dispatch())
}

func TestDispatcherPostNeverBlocks(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	assert.True(t, d.Post(Event{Topic: "x"}))
	assert.False(t, d.Post(Event{Topic: "x"}))
	assert.EqualValues(t, 1, d.Dropped())
}

func TestDispatcherRun(t *testing.T) {
	d := NewDispatcher(8, zerolog.Nop())
	seen := make(chan Event, 1)
	d.Register("ctl", func(ev Event) { seen <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Post(Event{Topic: "ctl", Value: 7})
	select {
	case ev := <-seen:
		assert.Equal(t, 7, ev.Value)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.NoError(t, <-done)
}
