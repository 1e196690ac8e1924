package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "console", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Err builds the conventional error field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// LevelSetter is implemented by loggers whose threshold can change at runtime.
// Children created with With share the threshold of their parent.
type LevelSetter interface {
	SetLevel(Level)
	Level() Level
}

type holder struct{ l Logger }

var defaultLogger atomic.Value // holder

// Default returns the process-wide logger.
func Default() Logger {
	if h, ok := defaultLogger.Load().(holder); ok {
		return h.l
	}
	return Nop()
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger.Store(holder{l})
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return New(Error, JSON, io.Discard)
}

type zlogger struct {
	level *atomic.Int32
	zl    zerolog.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	if format == Text {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lv := &atomic.Int32{}
	lv.Store(int32(level))
	return &zlogger{
		level: lv,
		// the threshold is enforced by log so SetLevel reaches every child
		zl: zerolog.New(out).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
	}
}

func (l *zlogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zlogger{level: l.level, zl: ctx.Logger()}
}

func (l *zlogger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *zlogger) Level() Level { return Level(l.level.Load()) }

func (l *zlogger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields) }
func (l *zlogger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields) }
func (l *zlogger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields) }
func (l *zlogger) Error(msg string, fields ...Field) { l.log(Error, msg, fields) }

func (l *zlogger) log(level Level, msg string, fields []Field) {
	if level < l.Level() {
		return
	}
	ev := l.zl.WithLevel(level.zerolog())
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case float64:
			ev = ev.Float64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}
