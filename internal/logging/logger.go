// Package logging provides the structured logger used by every core
// component. It keeps the call shape the rest of the codebase expects
// (Info/Warn/Error with a flat field map, plus a dedicated LogRequest)
// while delegating the actual encoding and level filtering to zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's levels under the names the rest of this
// codebase already uses.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a log level string, defaulting to info on anything
// unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config configures the logger.
type Config struct {
	Level  string
	Format string // json or text (text uses zerolog's ConsoleWriter)
	Output string // stdout, stderr, or file path
}

// Logger wraps a zerolog.Logger behind the field-map call shape the rest
// of the codebase uses.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New creates a new logger per cfg.
func New(cfg Config) (*Logger, error) {
	var out io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = f
		closer = f
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).Level(ParseLevel(cfg.Level).zerolog()).With().Timestamp().Logger()

	return &Logger{zl: zl, closer: closer}, nil
}

func (l *Logger) log(level Level, msg string, fields map[string]interface{}) {
	ev := l.zl.WithLevel(level.zerolog())
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string, fields map[string]interface{}) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields map[string]interface{}) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, msg, fields) }

// RequestLog represents a single proxied request's log entry.
type RequestLog struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	PoolName    string    `json:"pool_name"`
	BackendID   string    `json:"backend_id,omitempty"`
	ClientIP    string    `json:"client_ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	UserAgent   string    `json:"user_agent"`
	StatusCode  int       `json:"status_code"`
	Duration    float64   `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// LogRequest logs a proxied request with its outcome.
func (l *Logger) LogRequest(req RequestLog) {
	ev := l.zl.Info().
		Str("request_id", req.RequestID).
		Str("pool", req.PoolName).
		Str("client_ip", req.ClientIP).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", req.StatusCode).
		Float64("duration_ms", req.Duration)
	if req.BackendID != "" {
		ev = ev.Str("backend_id", req.BackendID)
	}
	if req.Error != "" {
		ev = ev.Str("error", req.Error)
	}
	ev.Msg("request")
}

// Close closes the logger's output if it's a file.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
