// Package logger is the process-wide logger: a service prefix, leveled output and
// non-blocking writes so that a slow stdout never stalls a connection goroutine.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const asyncBufferSize = 8192

var (
	mu     sync.RWMutex
	prefix string
	base   zerolog.Logger
	once   sync.Once
)

func initLogger() {
	base = build(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

func build(out io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	// Lines are dropped when the buffer is full; the caller never waits.
	w := diode.NewWriter(out, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func get() *zerolog.Logger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	l := base
	if prefix != "" {
		l = l.With().Str("svc", prefix).Logger()
	}
	return &l
}

// SetPrefix sets the service name attached to every line (e.g. "api").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// Configure rebuilds the logger with an explicit level and format ("json" or "console").
func Configure(level, format string) {
	once.Do(func() {})
	mu.Lock()
	base = build(os.Stdout, level, format)
	mu.Unlock()
}

// SetOutput redirects logs, mostly for tests.
func SetOutput(w io.Writer) {
	once.Do(func() {})
	mu.Lock()
	base = zerolog.New(w).Level(base.GetLevel()).With().Timestamp().Logger()
	mu.Unlock()
}

// Get returns the underlying zerolog logger for structured fields.
func Get() *zerolog.Logger { return get() }

func Info(v ...any) { get().Info().Msg(fmt.Sprint(v...)) }

func Infof(format string, v ...any) { get().Info().Msgf(format, v...) }

func Debugf(format string, v ...any) { get().Debug().Msgf(format, v...) }

func Warnf(format string, v ...any) { get().Warn().Msgf(format, v...) }

func Error(v ...any) { get().Error().Msg(fmt.Sprint(v...)) }

func Errorf(format string, v ...any) { get().Error().Msgf(format, v...) }

// LogDuration logs fn and its elapsed time. At info level only calls of 100ms or more
// are logged; at debug level every call is.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if l.GetLevel() <= zerolog.DebugLevel || elapsed >= 100*time.Millisecond {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("timing")
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("Name", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

// MaskToken keeps only a short prefix of a bearer token for logs.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
