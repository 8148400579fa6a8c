package mpd

import (
	"errors"
	"strconv"

	"github.com/famish99/fifoplayd/internal/player"
)

// playbackAck maps a controller error onto an MPD ACK
func playbackAck(command string, err error) string {
	switch {
	case errors.Is(err, player.ErrInvalidPosition):
		return ack(ackErrorArg, command, "Bad song index")
	case errors.Is(err, player.ErrNoTracks):
		return ack(ackErrorNoExist, command, "playlist is empty")
	case errors.Is(err, player.ErrLinkDown):
		return ack(ackErrorSystem, command, "%s", err.Error())
	}
	return ack(ackErrorNoExist, command, "%s", err.Error())
}

// cmdPlay handles the 'play' command
// play [POS] - start playback at optional position
func (s *Server) cmdPlay(args []string) string {
	ctx := s.context()

	var err error
	if len(args) > 0 {
		pos, parseErr := strconv.ParseInt(unquote(args[0]), 10, 32)
		if parseErr != nil {
			return ack(ackErrorArg, "play", "invalid position")
		}
		err = s.player.PlayAt(ctx, int(pos))
	} else {
		// Play without arguments resumes if paused, otherwise starts from the current position
		err = s.player.Play(ctx)
	}

	if err != nil {
		return playbackAck("play", err)
	}
	return "OK\n"
}

// cmdPause handles the 'pause' command
// pause 0 = resume, pause 1 = pause, no arg = toggle
func (s *Server) cmdPause(args []string) string {
	ctx := s.context()

	var err error
	if len(args) == 0 {
		err = s.player.Toggle(ctx)
	} else {
		shouldPause, ok := parseBool(args)
		if !ok {
			return ack(ackErrorArg, "pause", "invalid argument")
		}
		if shouldPause {
			err = s.player.Pause()
		} else {
			err = s.player.Resume(ctx)
		}
	}

	if err != nil {
		return playbackAck("pause", err)
	}
	return "OK\n"
}

// cmdStop handles the 'stop' command
func (s *Server) cmdStop(_ []string) string {
	if err := s.player.Stop(); err != nil {
		return playbackAck("stop", err)
	}
	return "OK\n"
}

// cmdNext handles the 'next' command
func (s *Server) cmdNext(_ []string) string {
	if err := s.player.Next(s.context()); err != nil {
		return playbackAck("next", err)
	}
	// Player will notify subsystem change automatically
	return "OK\n"
}

// cmdPrevious handles the 'previous' command
func (s *Server) cmdPrevious(_ []string) string {
	if err := s.player.Previous(s.context()); err != nil {
		return playbackAck("previous", err)
	}
	return "OK\n"
}
