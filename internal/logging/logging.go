// Package logging provides the leveled line logger used across the
// core. Lines are plain text with an RFC3339 timestamp, a level, and
// the emitting component, suitable for tailing a single log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger gates messages below its level and prefixes the component name.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// WithComponent returns a logger sharing the same output and level but
// labeling a different component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	levelStr := "INFO"
	switch level {
	case LevelDebug:
		levelStr = "DEBUG"
	case LevelWarn:
		levelStr = "WARN"
	case LevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), levelStr, l.component, msg)
}
