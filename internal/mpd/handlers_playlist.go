package mpd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/famish99/fifoplayd/internal/player"
	"github.com/famish99/fifoplayd/internal/playlist"
)

// supportedSuffixes lists what the import cache can turn into WAV
var supportedSuffixes = []struct {
	plugin    string
	suffixes  []string
	mimeTypes []string
}{
	{plugin: "wav", suffixes: []string{"wav"}, mimeTypes: []string{"audio/wav", "audio/x-wav"}},
	{plugin: "mp3", suffixes: []string{"mp3"}, mimeTypes: []string{"audio/mpeg"}},
	{plugin: "vorbis", suffixes: []string{"ogg", "oga"}, mimeTypes: []string{"audio/ogg", "audio/vorbis"}},
}

// formatTrackInfo formats one playlist entry. Duration is only known for
// the loaded track.
func (s *Server) formatTrackInfo(track playlist.Track, st *player.Status) string {
	var info strings.Builder
	fmt.Fprintf(&info, "file: %s\n", track.Path)

	s.tagTypesMu.RLock()
	if s.enabledTags["title"] && track.Title != "" {
		fmt.Fprintf(&info, "Title: %s\n", track.Title)
	}
	if s.enabledTags["name"] && track.Title != "" {
		fmt.Fprintf(&info, "Name: %s\n", track.Title)
	}
	if s.enabledTags["track"] {
		fmt.Fprintf(&info, "Track: %d\n", track.Index+1)
	}
	s.tagTypesMu.RUnlock()

	if st != nil && st.TotalSamples > 0 {
		duration := st.Duration.Seconds()
		fmt.Fprintf(&info, "Time: %d\n", int(duration))
		fmt.Fprintf(&info, "duration: %.3f\n", duration)
		fmt.Fprintf(&info, "Format: %s\n", st.Audio())
	}

	// Position and ID are the same thing here
	fmt.Fprintf(&info, "Pos: %d\n", track.Index)
	fmt.Fprintf(&info, "Id: %d\n", track.Index)
	return info.String()
}

// cmdPlaylistInfo handles the 'playlistinfo' command
// playlistinfo [POS] - all entries, or just the one at POS
func (s *Server) cmdPlaylistInfo(args []string) string {
	tracks := s.player.Tracks()
	st := s.player.Status()

	if len(args) > 0 {
		pos, err := strconv.Atoi(unquote(args[0]))
		if err != nil || pos < 0 || pos >= len(tracks) {
			return ack(ackErrorArg, "playlistinfo", "Bad song index")
		}
		tracks = tracks[pos : pos+1]
	}

	var info strings.Builder
	for _, track := range tracks {
		var cur *player.Status
		if track.Index == st.Index {
			cur = &st
		}
		info.WriteString(s.formatTrackInfo(track, cur))
	}
	info.WriteString("OK\n")
	return info.String()
}

// cmdCurrentSong handles the 'currentsong' command
func (s *Server) cmdCurrentSong(_ []string) string {
	tracks := s.player.Tracks()
	st := s.player.Status()
	if st.Index < 0 || st.Index >= len(tracks) {
		return "OK\n" // No current song
	}
	return s.formatTrackInfo(tracks[st.Index], &st) + "OK\n"
}

// cmdTagTypes handles the 'tagtypes' command
// Controls which metadata tags are returned in responses
func (s *Server) cmdTagTypes(args []string) string {
	if len(args) == 0 {
		s.tagTypesMu.RLock()
		defer s.tagTypesMu.RUnlock()

		var response strings.Builder
		for _, tag := range []string{"title", "name", "track"} {
			if s.enabledTags[tag] {
				fmt.Fprintf(&response, "tagtype: %s\n", tag)
			}
		}
		response.WriteString("OK\n")
		return response.String()
	}

	subcommand := strings.ToLower(unquote(args[0]))

	s.tagTypesMu.Lock()
	defer s.tagTypesMu.Unlock()

	switch subcommand {
	case "clear", "all":
		for tag := range s.enabledTags {
			s.enabledTags[tag] = subcommand == "all"
		}
	case "enable", "disable":
		for _, tag := range args[1:] {
			tag = strings.ToLower(unquote(tag))
			if _, known := s.enabledTags[tag]; known {
				s.enabledTags[tag] = subcommand == "enable"
			}
		}
	default:
		return ack(ackErrorArg, "tagtypes", "unknown subcommand: %s", subcommand)
	}
	return "OK\n"
}

// cmdDecoders handles the 'decoders' command
func (s *Server) cmdDecoders(_ []string) string {
	var response strings.Builder
	for _, decoder := range supportedSuffixes {
		fmt.Fprintf(&response, "plugin: %s\n", decoder.plugin)
		for _, suffix := range decoder.suffixes {
			fmt.Fprintf(&response, "suffix: %s\n", suffix)
		}
		for _, mimeType := range decoder.mimeTypes {
			fmt.Fprintf(&response, "mime_type: %s\n", mimeType)
		}
	}
	response.WriteString("OK\n")
	return response.String()
}
