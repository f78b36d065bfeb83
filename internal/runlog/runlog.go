// Package runlog writes the per-run validation log. Each line has the form
// "[2006-01-02 15:04:05] [LEVEL] message".
package runlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// TimeLayout is the timestamp format used inside the brackets.
const TimeLayout = "2006-01-02 15:04:05"

// Level is the closed vocabulary of validation log levels.
type Level string

const (
	LevelInfo   Level = "INFO"
	LevelWarn   Level = "WARN"
	LevelError  Level = "ERROR"
	LevelCheck  Level = "CHECK"
	LevelApp    Level = "APP"
	LevelHTTP   Level = "HTTP"
	LevelResult Level = "RESULT"
	LevelDebug  Level = "DEBUG"
)

// Entry is one logged line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// String renders the entry the way it appears in the log file.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] [%s] %s", e.Time.Format(TimeLayout), e.Level, e.Message)
}

// Logger is safe for concurrent use. A nil *Logger discards everything, so
// components can log unconditionally.
type Logger struct {
	mu      sync.Mutex
	core    zapcore.Core
	closer  io.Closer
	path    string
	entries []Entry
}

func newEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:    "ts",
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + t.Format(TimeLayout) + "]")
		},
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
}

// New returns a Logger writing to every given writer. With no writers the log
// is only kept in memory.
func New(writers ...io.Writer) *Logger {
	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			syncers = append(syncers, zapcore.AddSync(w))
		}
	}
	l := &Logger{}
	if len(syncers) > 0 {
		l.core = zapcore.NewCore(newEncoder(), zapcore.NewMultiWriteSyncer(syncers...), zapcore.DebugLevel)
	}
	return l
}

// Create opens (appending) the log file at path, creating parent directories.
// Additional writers receive a copy of every line.
func Create(path string, mirror ...io.Writer) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening validation log: %w", err)
	}
	l := New(append([]io.Writer{f}, mirror...)...)
	l.closer = f
	l.path = path
	return l, nil
}

// Path returns the backing file, or "" for in-memory loggers.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log appends one line at the given level.
func (l *Logger) Log(level Level, format string, args ...any) {
	if l == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e := Entry{Time: time.Now(), Level: level, Message: msg}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if l.core != nil {
		if err := l.core.Write(zapcore.Entry{
			Time:    e.Time,
			Level:   zapcore.InfoLevel,
			Message: "[" + string(level) + "] " + msg,
		}, nil); err != nil {
			slog.Warn("writing validation log", "error", err)
		}
	}
	l.mu.Unlock()

	slog.Debug(msg, "runlog_level", string(level))
}

func (l *Logger) Info(format string, args ...any)   { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)   { l.Log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any)  { l.Log(LevelError, format, args...) }
func (l *Logger) Check(format string, args ...any)  { l.Log(LevelCheck, format, args...) }
func (l *Logger) App(format string, args ...any)    { l.Log(LevelApp, format, args...) }
func (l *Logger) HTTP(format string, args ...any)   { l.Log(LevelHTTP, format, args...) }
func (l *Logger) Result(format string, args ...any) { l.Log(LevelResult, format, args...) }
func (l *Logger) Debug(format string, args ...any)  { l.Log(LevelDebug, format, args...) }

// Entries returns a copy of everything logged so far.
func (l *Logger) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Lines renders Entries in file format.
func (l *Logger) Lines() []string {
	entries := l.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return lines
}

// Close flushes and closes the backing file, if any.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.core != nil {
		_ = l.core.Sync()
	}
	if l.closer != nil {
		err := l.closer.Close()
		l.closer = nil
		return err
	}
	return nil
}
