// Package mpd serves the subset of the MPD protocol that the player
// supports, so stock MPD clients can drive playback.
package mpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/player"
	"github.com/famish99/fifoplayd/internal/playlist"
)

// Player is the playback surface the server drives
type Player interface {
	Play(ctx context.Context) error
	PlayAt(ctx context.Context, index int) error
	Pause() error
	Resume(ctx context.Context) error
	Toggle(ctx context.Context) error
	Stop() error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Status() player.Status
	Tracks() []playlist.Track
	SetNotifySubsystem(callback func(subsystem string))
}

var _ Player = (*player.Controller)(nil)

// Server implements MPD protocol server
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	player   Player
	addr     string
	running  bool
	ctx      context.Context
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	output   string

	enabledTags map[string]bool // Track which tag types are enabled
	tagTypesMu  sync.RWMutex    // Protects enabledTags

	// Idle connection management
	idleMu    sync.RWMutex
	idleConns map[*idleConnection]bool

	logger zerolog.Logger
}

// NewServer creates a new MPD protocol server
func NewServer(addr string, p Player, logger zerolog.Logger) *Server {
	s := &Server{
		addr:   addr,
		player: p,
		ctx:    context.Background(),
		conns:  make(map[net.Conn]struct{}),
		output: "FIFO codec",
		enabledTags: map[string]bool{
			"title": true,
			"name":  true,
			"track": true,
		},
		idleConns: make(map[*idleConnection]bool),
		logger:    logger,
	}

	// Set up player notification callback for idle connections
	p.SetNotifySubsystem(s.NotifySubsystemChange)
	return s
}

// Start starts listening. The server stops when ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start MPD server: %w", err)
	}

	s.listener = listener
	s.running = true
	s.ctx = ctx

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("MPD server listening")

	s.wg.Add(1)
	go s.acceptLoop()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// SetOutputName sets the name reported by the outputs command
func (s *Server) SetOutputName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = name
}

func (s *Server) outputName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// Addr returns the bound listen address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the listener and every client connection, then waits for
// the connection handlers to return
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false

	err := s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("MPD server stopped")
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
