// Package logger is the structured logging facade used by every chat
// server component. Entries go through zerolog; the server writes them to
// the console and to a per-day log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is one key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes leveled, structured entries. Derived loggers created with
// With carry their fields on every entry.
type Logger interface {
	// Debug logs msg at debug level.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level.
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every entry. The receiver
	// is unchanged.
	With(fields ...Field) Logger

	// Close releases the log file, if this logger owns one. It is safe to
	// call more than once.
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	file   *DailyFileWriter
}

// NewZerologLogger wraps l, tagging every entry with serviceName and a
// timestamp and dropping entries below level.
//
// Parameters:
//   - l: The zerolog.Logger to write through
//   - serviceName: Value of the "service" field on every entry
//   - level: Minimum level to emit
//
// Returns:
//   - A Logger that does not own any file
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger returns a Logger writing human-readable entries to w.
func NewConsoleLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}), serviceName, level)
}

// NewZerologFileLogger returns a Logger writing JSON entries to stdout and
// to {serviceName}_{date}.log files in logDir, which is created if needed.
//
// Parameters:
//   - serviceName: Value of the "service" field and prefix of the file names
//   - logDir: Directory holding the log files
//   - level: Minimum level to emit
//
// Returns:
//   - A Logger owning the file writer; Close releases it
//   - An error if the directory or the first file cannot be created
func NewZerologFileLogger(serviceName string, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	out := zerolog.New(io.MultiWriter(os.Stdout, file))
	return &zerologLogger{
		logger: out.With().Str("service", serviceName).Timestamp().Logger().Level(level),
		file:   file,
	}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel converts a level name such as "debug" or "WARN" to a zerolog
// level. An empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", name)
	}

	return level, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With shares the parent's file but never closes it.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.file == nil {
		return nil
	}

	return z.file.Close()
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
