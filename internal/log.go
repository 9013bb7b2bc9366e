package internal

import (
	"context"
	"fmt"
	"log"
	"os"
)

// Logging is the interface every logger plugged into redismux implements.
type Logging interface {
	Printf(ctx context.Context, format string, v ...interface{})
}

// DefaultLogger writes to stderr with the "redismux: " prefix.
type DefaultLogger struct {
	log *log.Logger
}

func (l *DefaultLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	_ = l.log.Output(2, fmt.Sprintf(format, v...))
}

func NewDefaultLogger() Logging {
	return &DefaultLogger{
		log: log.New(os.Stderr, "redismux: ", log.LstdFlags|log.Lshortfile),
	}
}

// Logger calls Output to print to the stderr.
// Arguments are handled in the manner of fmt.Print.
var Logger Logging = NewDefaultLogger()

// LogLevelT controls which messages reach Logger.
type LogLevelT int

const (
	// LogLevelError only logs errors.
	LogLevelError LogLevelT = iota
	// LogLevelWarn also logs warnings, e.g. a failed connection.
	LogLevelWarn
	// LogLevelInfo also logs informational messages, e.g. a restored connection.
	LogLevelInfo
	// LogLevelDebug logs everything, including redirects and state transitions.
	LogLevelDebug
)

// LogLevel is the level below which messages are discarded.
var LogLevel = LogLevelWarn

func (l LogLevelT) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevelT) IsValid() bool {
	return l >= LogLevelError && l <= LogLevelDebug
}

func (l LogLevelT) WarnOrAbove() bool  { return l >= LogLevelWarn }
func (l LogLevelT) InfoOrAbove() bool  { return l >= LogLevelInfo }
func (l LogLevelT) DebugOrAbove() bool { return l >= LogLevelDebug }

func Warnf(ctx context.Context, format string, v ...interface{}) {
	if LogLevel.WarnOrAbove() {
		Logger.Printf(ctx, format, v...)
	}
}

func Infof(ctx context.Context, format string, v ...interface{}) {
	if LogLevel.InfoOrAbove() {
		Logger.Printf(ctx, format, v...)
	}
}

func Debugf(ctx context.Context, format string, v ...interface{}) {
	if LogLevel.DebugOrAbove() {
		Logger.Printf(ctx, format, v...)
	}
}
