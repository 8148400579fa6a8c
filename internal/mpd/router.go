package mpd

import (
	"sort"
	"strings"
)

type handler func(s *Server, args []string) string

var commands = map[string]handler{
	"ping":         func(*Server, []string) string { return "OK\n" },
	"play":         (*Server).cmdPlay,
	"playid":       (*Server).cmdPlay,
	"pause":        (*Server).cmdPause,
	"stop":         (*Server).cmdStop,
	"next":         (*Server).cmdNext,
	"previous":     (*Server).cmdPrevious,
	"status":       (*Server).cmdStatus,
	"currentsong":  (*Server).cmdCurrentSong,
	"playlistinfo": (*Server).cmdPlaylistInfo,
	"tagtypes":     (*Server).cmdTagTypes,
	"outputs":      (*Server).cmdOutputs,
	"decoders":     (*Server).cmdDecoders,
	"single":       modeHandler("single"),
	"consume":      modeHandler("consume"),
	"repeat":       modeHandler("repeat"),
	"random":       modeHandler("random"),
}

func modeHandler(mode string) handler {
	return func(s *Server, args []string) string { return s.cmdMode(mode, args) }
}

func init() {
	commands["commands"] = (*Server).cmdCommands
}

// handleCommand processes a single MPD command
func (s *Server) handleCommand(line string) string {
	command, args := splitCommand(line)
	if command == "" {
		return "OK\n"
	}

	h, ok := commands[command]
	if !ok {
		s.logger.Debug().Str("command", command).Msg("unknown MPD command")
		return ack(ackErrorUnknown, command, "unknown command \"%s\"", command)
	}
	return h(s, args)
}

// cmdCommands lists the supported commands
func (s *Server) cmdCommands(_ []string) string {
	names := make([]string, 0, len(commands)+6)
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "close", "idle", "noidle", "command_list_begin", "command_list_ok_begin", "command_list_end")
	sort.Strings(names)

	var response strings.Builder
	for _, name := range names {
		response.WriteString("command: " + name + "\n")
	}
	response.WriteString("OK\n")
	return response.String()
}
