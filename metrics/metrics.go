// Package metrics exports redismux profiling data to OpenTelemetry and
// Prometheus. Both collectors implement redismux.Profiler and can be wired
// to the connection event callbacks of redismux.Options.
package metrics

import (
	"errors"
	"strings"

	"github.com/redismux/redismux"
)

// Observer is implemented by both collectors.
type Observer interface {
	redismux.Profiler
	ConnectionFailed(ev redismux.ConnectionEvent)
	ConnectionRestored(ev redismux.ConnectionEvent)
}

// Instrument plugs o into opt as the profiler and as the connection event
// callbacks. Callbacks already set on opt keep being called.
func Instrument(opt *redismux.Options, o Observer) {
	opt.Profiler = o

	failed, restored := opt.OnConnectionFailed, opt.OnConnectionRestored
	opt.OnConnectionFailed = func(ev redismux.ConnectionEvent) {
		o.ConnectionFailed(ev)
		if failed != nil {
			failed(ev)
		}
	}
	opt.OnConnectionRestored = func(ev redismux.ConnectionEvent) {
		o.ConnectionRestored(ev)
		if restored != nil {
			restored(ev)
		}
	}
}

// DefaultBuckets cover 0.1ms to 10s, in seconds.
var DefaultBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10,
}

// status classifies the outcome of a command. A nil reply is a success.
func status(err error) string {
	if err == nil || errors.Is(err, redismux.Nil) {
		return "ok"
	}
	if connErr, ok := redismux.IsConnectionError(err); ok {
		return "connection_" + string(connErr.Kind)
	}
	if errors.Is(err, redismux.ErrNoRoute) {
		return "no_route"
	}
	var redisErr redismux.Error
	if errors.As(err, &redisErr) {
		prefix, _, _ := strings.Cut(redisErr.Error(), " ")
		if prefix != "" && prefix == strings.ToUpper(prefix) {
			return prefix
		}
	}
	return "error"
}
