package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a logger tagged with the service and component. The
// level comes from PERP_LOG_LEVEL (default info); PERP_LOG_FORMAT=console
// switches from JSON on stdout to colored text on stderr.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(logOutput(os.Getenv("PERP_LOG_FORMAT")), component, parseLogLevel(os.Getenv("PERP_LOG_LEVEL")))
}

// NewLoggerTo writes to w at an explicit level. Tests use it to capture
// output.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "perpvault").
		Str("component", component).
		Logger()
}

func logOutput(format string) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func parseLogLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
