package shared

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the minimal structured logger used by the cache and the
// deduplicator. args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level      string // trace, debug, info, warn, error, disabled
	Format     string // "json" or "console"
	TimeFormat string
	Output     io.Writer
}

// DefaultLoggerConfig returns info level console output on stderr.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Format:     "console",
		TimeFormat: time.RFC3339,
		Output:     os.Stderr,
	}
}

// NamespacedLogger tags every record with a namespace field.
type NamespacedLogger struct {
	base      zerolog.Logger
	log       zerolog.Logger
	namespace string
}

// NewLogger builds a zerolog-backed logger for namespace.
func NewLogger(namespace string, cfg LoggerConfig) *NamespacedLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: cfg.TimeFormat}
	}

	zl := zerolog.New(out).
		Level(ParseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	return newNamespaced(zl, namespace)
}

// NewZerologLogger adapts an existing zerolog.Logger.
func NewZerologLogger(zl zerolog.Logger, namespace string) *NamespacedLogger {
	return newNamespaced(zl, namespace)
}

// NewSimpleLogger returns a debug-level console logger on stderr.
func NewSimpleLogger() *NamespacedLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = "debug"
	return NewLogger("shared", cfg)
}

// NopLogger discards everything.
func NopLogger() *NamespacedLogger {
	return newNamespaced(zerolog.Nop(), "")
}

func newNamespaced(base zerolog.Logger, namespace string) *NamespacedLogger {
	log := base
	if namespace != "" {
		log = base.With().Str("namespace", namespace).Logger()
	}
	return &NamespacedLogger{base: base, log: log, namespace: namespace}
}

// Namespace returns a child logger whose namespace is "parent:sub".
func (l *NamespacedLogger) Namespace(sub string) *NamespacedLogger {
	ns := sub
	if l.namespace != "" {
		ns = l.namespace + ":" + sub
	}
	return newNamespaced(l.base, ns)
}

// Name returns the namespace.
func (l *NamespacedLogger) Name() string {
	return l.namespace
}

// Zerolog exposes the underlying logger.
func (l *NamespacedLogger) Zerolog() *zerolog.Logger {
	return &l.log
}

func (l *NamespacedLogger) Debug(msg string, args ...interface{}) {
	withFields(l.log.Debug(), args).Msg(msg)
}

func (l *NamespacedLogger) Info(msg string, args ...interface{}) {
	withFields(l.log.Info(), args).Msg(msg)
}

func (l *NamespacedLogger) Warn(msg string, args ...interface{}) {
	withFields(l.log.Warn(), args).Msg(msg)
}

func (l *NamespacedLogger) Error(msg string, args ...interface{}) {
	withFields(l.log.Error(), args).Msg(msg)
}

func withFields(ev *zerolog.Event, args []interface{}) *zerolog.Event {
	if ev == nil {
		return ev
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			ev = ev.Interface("!BADKEY", key)
			break
		}
		if err, isErr := args[i+1].(error); isErr {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}

// ParseLogLevel maps a level name to a zerolog level, defaulting to info.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func loggerOrNop(l Logger) Logger {
	switch v := l.(type) {
	case nil:
		return nopLogger{}
	case *NamespacedLogger:
		if v == nil {
			return nopLogger{}
		}
	}
	return l
}
