package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel  = "RAGSTACK_LOG_LEVEL"
	EnvLogFormat = "RAGSTACK_LOG_FORMAT"
)

// LogOptions controls the process-wide logger. Empty fields fall back to the
// RAGSTACK_LOG_* environment variables and then to info/console on stderr.
type LogOptions struct {
	Level  string
	Format string
	Out    io.Writer
}

// InitLogger configures the global zerolog logger and returns it tagged with app.
func InitLogger(app string, opts LogOptions) (zerolog.Logger, error) {
	if opts.Level == "" {
		opts.Level = os.Getenv(EnvLogLevel)
	}
	if opts.Format == "" {
		opts.Format = os.Getenv(EnvLogFormat)
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: opts.Out, TimeFormat: time.RFC3339}
	case "json":
		out = opts.Out
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (want console|json)", opts.Format)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}

// ParseLevel accepts the usual zerolog names plus a few aliases for "off".
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none", "disable":
		return zerolog.Disabled, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}
