package mpd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
)

const greeting = "OK MPD 0.23.0\n"

// commandList buffers the responses of a command_list_begin block
type commandList struct {
	active bool
	listOK bool // Send list_OK after each command
	index  int
	failed string
	out    strings.Builder
}

func (l *commandList) begin(listOK bool) {
	l.active = true
	l.listOK = listOK
	l.index = 0
	l.failed = ""
	l.out.Reset()
}

// add records one response. The first ACK aborts the rest of the list.
func (l *commandList) add(response string) {
	if l.failed != "" {
		return
	}
	if strings.HasPrefix(response, "ACK ") {
		l.failed = strings.Replace(response, "@0]", fmt.Sprintf("@%d]", l.index), 1)
		return
	}
	l.out.WriteString(strings.TrimSuffix(response, "OK\n"))
	if l.listOK {
		l.out.WriteString("list_OK\n")
	}
	l.index++
}

func (l *commandList) aborted() bool {
	return l.failed != ""
}

func (l *commandList) end() string {
	response := l.out.String()
	if l.failed != "" {
		response += l.failed
	} else {
		response += "OK\n"
	}
	l.active = false
	l.out.Reset()
	return response
}

// readLines feeds the client's lines to the handler so idle can wait on
// both the player and the client at once
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// handleConnection handles a single MPD client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With().Str("client", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("MPD client connected")
	defer logger.Debug().Msg("MPD client disconnected")

	if _, err := io.WriteString(conn, greeting); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	lines := readLines(conn, done)

	var list commandList
	for line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		logger.Trace().Str("line", line).Msg("MPD command")

		var response string
		switch command, args := splitCommand(line); command {
		case "command_list_begin":
			list.begin(false)
			continue
		case "command_list_ok_begin":
			list.begin(true)
			continue
		case "command_list_end":
			if !list.active {
				response = ack(ackErrorNotList, command, "not in command list")
				break
			}
			response = list.end()
		case "close":
			return
		case "noidle":
			// Not idling; nothing to cancel
			response = "OK\n"
		case "idle":
			if list.active {
				list.add(ack(ackErrorArg, command, "idle not allowed in command list"))
				continue
			}
			var ok bool
			if response, ok = s.waitIdle(args, lines); !ok {
				return
			}
		default:
			if list.active {
				if !list.aborted() {
					list.add(s.handleCommand(line))
				}
				continue
			}
			response = s.handleCommand(line)
		}

		if _, err := io.WriteString(conn, response); err != nil {
			logger.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

// waitIdle blocks until a watched subsystem changes or the client sends
// noidle. Anything else from the client ends the connection.
func (s *Server) waitIdle(args []string, lines <-chan string) (string, bool) {
	subsystems := make(map[string]bool)
	for _, arg := range args {
		subsystems[strings.ToLower(unquote(arg))] = true
	}

	idle := &idleConnection{
		subsystems: subsystems,
		notify:     make(chan string, 10),
	}
	s.registerIdle(idle)
	defer s.unregisterIdle(idle)

	ctx := s.context()
	select {
	case subsystem := <-idle.notify:
		return fmt.Sprintf("changed: %s\nOK\n", subsystem), true
	case line, ok := <-lines:
		if !ok || strings.ToLower(strings.TrimSpace(line)) != "noidle" {
			return "", false
		}
		return "OK\n", true
	case <-ctx.Done():
		return "", false
	}
}
