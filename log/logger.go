package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options control how the process-wide logger writes.
type Options struct {
	Level  string
	Pretty bool
	Output io.Writer // defaults to os.Stderr
}

// Setup configures the global zerolog logger and returns it. Unknown levels
// fall back to info with a warning. The logger is also installed as the
// default context logger so log.Ctx works on contexts that carry none.
func Setup(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger().
		Hook(TraceHook{})

	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger

	if err != nil && opts.Level != "" {
		logger.Warn().
			Str("configured_log_level", opts.Level).
			Str("fallback_log_level", level.String()).
			Err(err).
			Msg("Invalid log level configured, defaulting to info")
	}

	return logger
}
