package logfilter

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Level is a verbosity threshold. Higher values are more verbose.
type Level int

const (
	Off Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

var levelNames = [...]string{"off", "error", "warn", "info", "debug", "trace"}

func (l Level) String() string {
	if l < Off || l > Trace {
		return "invalid"
	}
	return levelNames[l]
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for idx, candidate := range levelNames {
		if name == candidate {
			return Level(idx), nil
		}
	}

	return Off, eris.Errorf("unknown log level %q", s)
}

// Enables reports whether a message at level msg passes this threshold.
func (l Level) Enables(msg Level) bool {
	return msg != Off && msg <= l
}

// Zerolog converts the level to the closest zerolog level.
func (l Level) Zerolog() zerolog.Level {
	switch l {
	case Error:
		return zerolog.ErrorLevel
	case Warn:
		return zerolog.WarnLevel
	case Info:
		return zerolog.InfoLevel
	case Debug:
		return zerolog.DebugLevel
	case Trace:
		return zerolog.TraceLevel
	default:
		return zerolog.Disabled
	}
}
