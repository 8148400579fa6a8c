package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/backends"
	"github.com/famish99/fifoplayd/internal/backends/memfifo"
	"github.com/famish99/fifoplayd/internal/backends/regmap"
	"github.com/famish99/fifoplayd/internal/backends/speaker"
	"github.com/famish99/fifoplayd/internal/buffer"
	"github.com/famish99/fifoplayd/internal/config"
	"github.com/famish99/fifoplayd/internal/emitter"
	"github.com/famish99/fifoplayd/internal/input"
	"github.com/famish99/fifoplayd/internal/logging"
	"github.com/famish99/fifoplayd/internal/pcm"
	"github.com/famish99/fifoplayd/internal/playlist"
	"github.com/famish99/fifoplayd/internal/sched"
	"github.com/famish99/fifoplayd/internal/shm"
)

// Mode selects where the player's frames come from
type Mode string

const (
	// ModeDirect reads track files through the double buffer
	ModeDirect Mode = "direct"
	// ModeSplit reads chunks handed over by a loader process
	ModeSplit Mode = "split"
)

const (
	registerWindow = 4096
	registerSettle = time.Millisecond
	drainPeriod    = time.Millisecond
	dispatchPeriod = time.Millisecond
	eventQueue     = 64
)

// PipelineOptions are the run-time choices that are not part of the config file
type PipelineOptions struct {
	Mode     Mode
	Importer Importer
	// Keyboard enables raw-key control from the given terminal
	Keyboard *os.File
	// Quit is invoked by the quit control
	Quit func()
}

// Pipeline owns every long-lived object of the player process. It is built
// once at startup and closed once at exit.
type Pipeline struct {
	Device     backends.Device
	Emitter    *emitter.Emitter
	Feed       Feed
	Scheduler  *sched.Scheduler
	Dispatcher *sched.Dispatcher
	Controller *Controller

	// Set in split mode only
	Consumer *shm.Consumer

	closers []func() error
	logger  zerolog.Logger
}

// NewPipeline builds the device, feed, emitter, scheduler and controller
// described by cfg
func NewPipeline(cfg *config.Config, opts PipelineOptions, logger zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{logger: logging.Component(logger, "pipeline")}

	s := sched.New(cfg.Playback.Scheduler, logging.Component(logger, "sched"))
	d := sched.NewDispatcher(eventQueue, logging.Component(logger, "dispatch"))
	p.Scheduler, p.Dispatcher = s, d

	dev, err := p.openDevice(cfg, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Device = dev

	feed, err := p.openFeed(cfg, opts, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Feed = feed
	p.closers = append(p.closers, feed.Close)

	var ctrl *Controller
	p.Emitter = emitter.New(dev, emitter.Options{
		HardwareRate: cfg.Output.SampleRate,
		Budget:       cfg.Playback.Budget,
		Attenuation:  cfg.Playback.Attenuation,
		OnEnd:        func(desc *pcm.TrackDescriptor) { ctrl.OnTrackEnd(desc) },
		OnFail:       func(desc *pcm.TrackDescriptor) { ctrl.OnTrackFailed(desc) },
	}, logging.Component(logger, "emitter"))

	em := p.Emitter
	pacing := s.Add(sched.Task{
		Name:   "pace",
		Period: cfg.Playback.Tick,
		Run: func(context.Context) error {
			em.Tick()
			return nil
		},
	}, false)

	ctrl = NewController(ControllerOptions{
		Feed:       feed,
		Emitter:    em,
		Device:     dev,
		Pacing:     pacing,
		Dispatcher: d,
		Display:    NewLogDisplay(logging.Component(logger, "display")),
		EndOfTrack: cfg.Playback.EndOfTrack,
		StartWait:  cfg.Playback.StartWait,
		Quit:       opts.Quit,
	}, logging.Component(logger, "controller"))
	p.Controller = ctrl

	s.Add(sched.Task{
		Name:   "display",
		Period: cfg.Playback.DisplayTick,
		Run: func(context.Context) error {
			return ctrl.TickDisplay(time.Now())
		},
	}, true)

	if s.Mode() == config.SchedCooperative {
		s.Add(sched.Task{
			Name:   "dispatch",
			Period: dispatchPeriod,
			Run: func(context.Context) error {
				d.Dispatch()
				return nil
			},
		}, true)
	} else {
		s.Go("dispatch", d.Run)
	}

	if p.Consumer != nil {
		consumer := p.Consumer
		s.Add(sched.Task{
			Name:   "link",
			Period: cfg.Playback.HeartbeatCheck,
			Run: func(context.Context) error {
				ctrl.SetLink(consumer.CheckLink(time.Now()))
				for {
					cmd, ok := consumer.PollCommand()
					if !ok {
						return nil
					}
					ctrl.PostCommand(cmd)
				}
			},
		}, true)
	}

	if opts.Keyboard != nil {
		deb := input.NewDebouncer(cfg.Playback.Debounce)
		kb := input.NewKeyboard(opts.Keyboard, deb, ctrl.PostControl, logging.Component(logger, "keyboard"))
		s.Go("keyboard", kb.Run)
	}

	p.logger.Info().
		Str("mode", string(opts.Mode)).
		Str("device", dev.Name()).
		Int("rate", cfg.Output.SampleRate).
		Dur("tick", cfg.Playback.Tick).
		Int("tracks", len(feed.Tracks())).
		Msg("pipeline ready")
	return p, nil
}

func (p *Pipeline) openDevice(cfg *config.Config, logger zerolog.Logger) (backends.Device, error) {
	devLogger := logging.Component(logger, "device")

	switch cfg.Output.Device {
	case "memfifo":
		fifo := memfifo.New(cfg.Output.FIFODepth, devLogger)
		rate := cfg.Output.SampleRate
		p.Scheduler.Go("drain", func(ctx context.Context) error {
			return fifo.Run(ctx, rate, drainPeriod)
		})
		return fifo, nil

	case "speaker":
		spk, err := speaker.Open(cfg.Output.SampleRate, cfg.Output.FIFODepth, devLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open speaker: %w", err)
		}
		p.closers = append(p.closers, spk.Close)
		return spk, nil

	case "regmap":
		m, err := shm.MapFile(cfg.Output.RegisterFile, cfg.Output.RegisterOffset, registerWindow, false)
		if err != nil {
			return nil, fmt.Errorf("failed to map registers: %w", err)
		}
		p.closers = append(p.closers, m.Close)
		win, err := regmap.NewWindow(m.Bytes())
		if err != nil {
			return nil, err
		}
		return regmap.New(win, registerSettle, devLogger), nil
	}
	return nil, fmt.Errorf("unknown output device %q", cfg.Output.Device)
}

func (p *Pipeline) openFeed(cfg *config.Config, opts PipelineOptions, logger zerolog.Logger) (Feed, error) {
	switch opts.Mode {
	case ModeDirect, "":
		buf := buffer.New(cfg.Buffer.SlotSize, cfg.Buffer.Threshold, cfg.Playback.EndOfTrack == config.EndLoop,
			logging.Component(logger, "buffer"))
		if p.Scheduler.Mode() == config.SchedCooperative {
			p.Scheduler.Add(sched.Task{
				Name:   "refill",
				Period: cfg.Playback.Tick,
				Run:    buf.RefillIfNeeded,
			}, true)
		} else {
			p.Scheduler.Go("refill", buf.Run)
		}
		pl := playlist.FromPaths(cfg.Tracks)
		return NewFileFeed(pl, buf, opts.Importer, logging.Component(logger, "feed")), nil

	case ModeSplit:
		m, err := shm.MapFile(cfg.Shm.Path, 0, cfg.Shm.Size, false)
		if err != nil {
			return nil, fmt.Errorf("failed to map shared region (is the loader running?): %w", err)
		}
		p.closers = append(p.closers, m.Close)

		layout := shm.Layout{Size: cfg.Shm.Size, ControlOffset: cfg.Shm.ControlOffset, DataOffset: cfg.Shm.DataOffset}
		blk, err := shm.NewBlock(m.Bytes(), layout)
		if err != nil {
			return nil, err
		}
		c := shm.NewConsumer(blk, cfg.Shm.StallTimeout, cfg.Shm.StallTimeout, logging.Component(logger, "consumer"))
		c.Attach()
		p.Consumer = c
		return NewSharedFeed(c), nil
	}
	return nil, fmt.Errorf("unknown mode %q", opts.Mode)
}

// Run drives the pipeline until ctx is done
func (p *Pipeline) Run(ctx context.Context) error {
	return p.Scheduler.Run(ctx)
}

// Close stops output and releases everything in reverse order of creation
func (p *Pipeline) Close() error {
	if p.Controller != nil {
		p.Controller.Stop()
	}

	if p.Emitter != nil {
		ev := p.logger.Info().Int64("underruns", p.Emitter.Underruns()).Int64("dropped_events", p.Dispatcher.Dropped())
		if p.Consumer != nil {
			ev = ev.Int64("protocol_errors", p.Consumer.ProtocolErrors())
		}
		ev.Msg("pipeline closing")
	}

	var errs []error
	for _, closeFn := range slices.Backward(p.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
