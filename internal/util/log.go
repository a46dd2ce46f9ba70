// Package util provides shared logging and traffic statistics.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pterm/pterm"
)

// Logger is the logging capability handed to every tunnel component.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// LogLevel is the minimum severity printed by a logger.
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelError
	LevelNone
)

// ParseLogLevel maps "debug", "info", "error" and "none" (case-insensitive)
// to a LogLevel. An empty string selects LevelInfo.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	case "none":
		return LevelNone, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelError:
		return "error"
	case LevelNone:
		return "none"
	}
	return fmt.Sprintf("LogLevel(%d)", int32(l))
}

// PtermLogger is a Logger backed by pterm's structured logger. Loggers
// derived with Named share the level of their parent.
type PtermLogger struct {
	base  *pterm.Logger
	level *atomic.Int32
	name  string
}

// NewLogger returns a logger printing to stderr. format is "json" for one
// JSON object per line, anything else for pterm's colorful output.
func NewLogger(level LogLevel, format string) *PtermLogger {
	return NewLoggerTo(os.Stderr, level, format)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, level LogLevel, format string) *PtermLogger {
	base := pterm.DefaultLogger.
		WithLevel(pterm.LogLevelDebug).
		WithWriter(w).
		WithTime(true).
		WithTimeFormat("02 Jan 15:04:05").
		WithMaxWidth(1000)
	if strings.EqualFold(format, "json") {
		base = base.WithFormatter(pterm.LogFormatterJSON)
	}

	lv := &atomic.Int32{}
	lv.Store(int32(level))
	return &PtermLogger{base: base, level: lv}
}

// Named returns a logger sharing l's output and level whose messages carry
// the given component name.
func (l *PtermLogger) Named(name string) *PtermLogger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &PtermLogger{base: l.base, level: l.level, name: name}
}

// SetLevel changes the level of l and every logger derived from it.
func (l *PtermLogger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

// Level returns the current level.
func (l *PtermLogger) Level() LogLevel { return LogLevel(l.level.Load()) }

func (l *PtermLogger) enabled(level LogLevel) bool {
	cur := l.Level()
	return cur != LevelNone && level >= cur
}

func (l *PtermLogger) args() [][]pterm.LoggerArgument {
	if l.name == "" {
		return nil
	}
	return [][]pterm.LoggerArgument{l.base.Args("component", l.name)}
}

func (l *PtermLogger) Debugf(format string, args ...any) {
	if l.enabled(LevelDebug) {
		l.base.Debug(fmt.Sprintf(format, args...), l.args()...)
	}
}

func (l *PtermLogger) Infof(format string, args ...any) {
	if l.enabled(LevelInfo) {
		l.base.Info(fmt.Sprintf(format, args...), l.args()...)
	}
}

func (l *PtermLogger) Errorf(format string, args ...any) {
	if l.enabled(LevelError) {
		l.base.Error(fmt.Sprintf(format, args...), l.args()...)
	}
}

// Discard is a Logger that drops everything.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Errorf(string, ...any) {}
