package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Topic names a class of event
type Topic string

// Event is a notification posted from a tick callback or an input source
type Event struct {
	Topic Topic
	Value int
}

// Handler reacts to an event. It runs on the dispatching goroutine.
type Handler func(Event)

// Dispatcher decouples posting from handling. Post never blocks, so it is
// safe to call from inside a pacing tick.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	queue    chan Event
	dropped  atomic.Int64
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher with a bounded queue
func NewDispatcher(depth int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Topic][]Handler),
		queue:    make(chan Event, depth),
		logger:   logger,
	}
}

// Register adds a handler for a topic
func (d *Dispatcher) Register(topic Topic, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], h)
}

// Post queues an event. It reports false if the queue was full and the
// event was dropped.
func (d *Dispatcher) Post(ev Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("topic", string(ev.Topic)).Msg("event queue full, dropping event")
		return false
	}
}

// Dispatch handles every queued event and returns how many were handled
func (d *Dispatcher) Dispatch() int {
	n := 0
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
			n++
		default:
			return n
		}
	}
}

// Run handles events as they arrive until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Dropped counts events lost to a full queue
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.RLock()
	handlers := d.handlers[ev.Topic]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug().Str("topic", string(ev.Topic)).Msg("no handler for event")
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}
