package logging

import "strings"

// Level orders log entries from chatty to critical.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel accepts the level names case-insensitively. "warn" is an alias
// for warning since participants use it as a log_message type.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

// AtLeast reports whether level is as severe as min or more.
func (level Level) AtLeast(min Level) bool {
	return level.rank() >= min.rank()
}

func (level Level) rank() int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// orDefault maps unknown levels to info.
func (level Level) orDefault() Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}
