package logcall

import (
	"strings"
)

// Level is a log level name accepted in a directive.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Levels lists every accepted level from least to most severe.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError}

// ParseLevel normalizes a level name. Matching is case-insensitive.
func ParseLevel(name string) (Level, bool) {
	l := Level(strings.ToLower(strings.TrimSpace(name)))
	switch l {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, true
	default:
		return "", false
	}
}

// logFunc returns the name of the backend function emitting at this level.
func (l Level) logFunc(structured bool) string {
	name := strings.ToUpper(string(l[:1])) + string(l[1:])
	if structured {
		return name + "w"
	}
	return name + "f"
}
