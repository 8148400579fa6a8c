package mpd

import (
	"fmt"
	"strings"
)

// cmdStatus handles the 'status' command
func (s *Server) cmdStatus(_ []string) string {
	st := s.player.Status()

	var status strings.Builder
	status.WriteString("volume: 100\n")
	status.WriteString("repeat: 0\n")
	status.WriteString("random: 0\n")
	status.WriteString("single: 0\n")
	status.WriteString("consume: 0\n")
	status.WriteString("playlist: 1\n")
	fmt.Fprintf(&status, "playlistlength: %d\n", st.Tracks)
	fmt.Fprintf(&status, "state: %s\n", st.State)

	if st.Tracks > 0 {
		fmt.Fprintf(&status, "song: %d\n", st.Index)
		fmt.Fprintf(&status, "songid: %d\n", st.Index)
	}

	if st.TotalSamples > 0 {
		elapsed, duration := st.Elapsed.Seconds(), st.Duration.Seconds()
		// Legacy "time" field for compatibility (format: elapsed:total)
		fmt.Fprintf(&status, "time: %d:%d\n", int(elapsed), int(duration))
		fmt.Fprintf(&status, "elapsed: %.3f\n", elapsed)
		fmt.Fprintf(&status, "duration: %.3f\n", duration)
		fmt.Fprintf(&status, "audio: %s\n", st.Audio())
	}

	fmt.Fprintf(&status, "underruns: %d\n", st.Underruns)
	if link := st.Link; link != nil {
		if link.Up {
			status.WriteString("link: up\n")
		} else {
			status.WriteString("link: down\n")
			if link.Err != nil {
				fmt.Fprintf(&status, "error: %s\n", link.Err)
			}
		}
	}

	status.WriteString("OK\n")
	return status.String()
}

// cmdOutputs handles the 'outputs' command
// Returns the single codec output
func (s *Server) cmdOutputs(_ []string) string {
	var response strings.Builder
	response.WriteString("outputid: 0\n")
	fmt.Fprintf(&response, "outputname: %s\n", s.outputName())
	response.WriteString("outputenabled: 1\n")
	response.WriteString("OK\n")
	return response.String()
}

// cmdMode handles single, consume, repeat and random. The end-of-track
// policy comes from the config file, so the flags are accepted and ignored.
func (s *Server) cmdMode(mode string, args []string) string {
	if len(args) == 0 {
		return ack(ackErrorArg, mode, "missing argument")
	}
	on, ok := parseBool(args)
	if !ok {
		return ack(ackErrorArg, mode, "invalid argument")
	}
	s.logger.Debug().Str("mode", mode).Bool("on", on).Msg("playback mode ignored")
	return "OK\n"
}
