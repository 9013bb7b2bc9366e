// Package logging controls what redismux logs and where it goes.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redismux/redismux/internal"
)

type LogLevelT = internal.LogLevelT

const (
	LogLevelError = internal.LogLevelError
	LogLevelWarn  = internal.LogLevelWarn
	LogLevelInfo  = internal.LogLevelInfo
	LogLevelDebug = internal.LogLevelDebug
)

// VoidLogger is a logger that does nothing.
type VoidLogger struct{}

func (v *VoidLogger) Printf(_ context.Context, _ string, _ ...interface{}) {}

// Disable replaces the package logger with a VoidLogger.
//
// NOTE: This function is not thread-safe.
func Disable() {
	internal.Logger = &VoidLogger{}
}

// Enable restores the default stderr logger, overriding any custom logger
// set before.
//
// NOTE: This function is not thread-safe.
func Enable() {
	internal.Logger = internal.NewDefaultLogger()
}

// SetLogLevel sets the log level for the library.
func SetLogLevel(logLevel LogLevelT) {
	internal.LogLevel = logLevel
}

// NewBlacklistLogger returns a logger that drops messages containing any
// of the substrings.
func NewBlacklistLogger(substr []string) internal.Logging {
	return &filterLogger{logger: internal.NewDefaultLogger(), substr: substr, blacklist: true}
}

// NewWhitelistLogger returns a logger that only keeps messages containing
// one of the substrings.
func NewWhitelistLogger(substr []string) internal.Logging {
	return &filterLogger{logger: internal.NewDefaultLogger(), substr: substr}
}

type filterLogger struct {
	logger    internal.Logging
	blacklist bool
	substr    []string
}

func (l *filterLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	found := false
	for _, substr := range l.substr {
		if strings.Contains(msg, substr) {
			found = true
			if l.blacklist {
				return
			}
		}
	}
	if !l.blacklist && !found {
		return
	}
	l.logger.Printf(ctx, format, v...)
}

// SlogLogger forwards library messages to a slog.Logger at a fixed level.
type SlogLogger struct {
	logger *slog.Logger
	level  slog.Level
}

var _ internal.Logging = (*SlogLogger)(nil)

// NewSlogLogger wraps logger. Messages are emitted at the slog level
// matching the current library log level.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger, level: levelMap[internal.LogLevel]}
}

// WithLevel returns a copy of the logger emitting at level.
func (l *SlogLogger) WithLevel(level LogLevelT) *SlogLogger {
	lvl, ok := levelMap[level]
	if !ok {
		lvl = slog.LevelInfo
	}
	return &SlogLogger{logger: l.logger, level: lvl}
}

func (l *SlogLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	if !l.logger.Enabled(ctx, l.level) {
		return
	}
	l.logger.Log(ctx, l.level, fmt.Sprintf(format, v...))
}

var levelMap = map[LogLevelT]slog.Level{
	LogLevelDebug: slog.LevelDebug,
	LogLevelInfo:  slog.LevelInfo,
	LogLevelWarn:  slog.LevelWarn,
	LogLevelError: slog.LevelError,
}
