package mpd

import (
	"fmt"
	"strconv"
	"strings"
)

// MPD ACK error codes
const (
	ackErrorNotList = 1
	ackErrorArg     = 2
	ackErrorUnknown = 5
	ackErrorNoExist = 50
	ackErrorSystem  = 52
)

// ack formats an error response. The list index is filled in by the
// command list when the command ran inside one.
func ack(code int, command, format string, args ...any) string {
	return fmt.Sprintf("ACK [%d@0] {%s} %s\n", code, command, fmt.Sprintf(format, args...))
}

// unquote strips MPD argument quoting when present
func unquote(arg string) string {
	if unquoted, err := strconv.Unquote(arg); err == nil {
		return unquoted
	}
	return arg
}

func splitCommand(line string) (string, []string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

// parseBool accepts the 0/1 flags MPD uses for modes
func parseBool(args []string) (bool, bool) {
	if len(args) == 0 {
		return false, false
	}
	switch unquote(args[0]) {
	case "0":
		return false, true
	case "1":
		return true, true
	}
	return false, false
}
