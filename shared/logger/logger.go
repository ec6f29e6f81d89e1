package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool   // Enable source code location
	TimeFormat   string // Time format for console output

	writer io.Writer // overrides Output in tests
}

// Logger wraps slog.Logger
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a new logger instance.
// A file Output keeps the configured format on stdout and also appends JSON
// lines to the file.
func New(config *Config) (*Logger, error) {
	level := parseLevel(config.Level)

	if config.writer != nil {
		return &Logger{Logger: slog.New(newHandler(config, config.writer, level))}, nil
	}

	switch config.Output {
	case "stderr":
		return &Logger{Logger: slog.New(newHandler(config, os.Stderr, level))}, nil
	case "stdout", "":
		return &Logger{Logger: slog.New(newHandler(config, os.Stdout, level))}, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.EnableSource,
		ReplaceAttr: redact,
	})
	handler := slogmulti.Fanout(newHandler(config, os.Stdout, level), fileHandler)

	return &Logger{Logger: slog.New(handler), closer: file}, nil
}

// redactedKeys are attributes whose values never reach a log sink
var redactedKeys = map[string]bool{
	"password":          true,
	"connection_string": true,
	"secret_value":      true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func newHandler(config *Config, writer io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.EnableSource,
		ReplaceAttr: redact,
	}

	switch config.Format {
	case "json":
		return slog.NewJSONHandler(writer, opts)
	case "console", "":
		timeFormat := config.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}

		return tint.NewHandler(writer, &tint.Options{
			Level:       level,
			AddSource:   config.EnableSource,
			TimeFormat:  timeFormat,
			ReplaceAttr: redact,
			NoColor:     writer != os.Stdout && writer != os.Stderr,
		})
	default:
		return slog.NewJSONHandler(writer, opts)
	}
}

// NewDefault creates a logger with default settings (console format, info level)
func NewDefault() *Logger {
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	})

	return &Logger{Logger: slog.New(handler)}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithGroup creates a new logger with a group namespace
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name), closer: l.closer}
}

// WithAttrs creates a new logger with additional attributes
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return &Logger{Logger: l.Logger.With(attrsToAny(attrs)...), closer: l.closer}
}

// With creates a new logger with additional key-value pairs
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), closer: l.closer}
}

// attrsToAny converts []slog.Attr to []any
func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, attr := range attrs {
		result[i] = attr
	}
	return result
}
