package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the process-wide logger. Format "json" writes machine-readable
// lines to stdout; anything else renders through a console writer. Levels
// outside zerolog's range fall back to info. Components derive their own
// child loggers with With().Str("component", ...).
func New(level int, format string, sampled bool) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if format != FormatJSON {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if level < int(zerolog.TraceLevel) || level > int(zerolog.Disabled) {
		level = int(zerolog.InfoLevel)
	}

	log := zerolog.New(writer).
		Level(zerolog.Level(level)).
		With().
		Timestamp().
		Logger()

	if sampled {
		log = log.Sample(&zerolog.BasicSampler{N: 5})
	}
	return log
}
