package redismux

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redismux/redismux/internal/command"
	"github.com/redismux/redismux/internal/proto"
)

// Nil reply returned by Redis when a key does not exist.
const Nil = proto.Nil

var (
	// ErrClosed is returned for Messages sent to, or still queued in, a
	// closed Multiplexer.
	ErrClosed = errors.New("redismux: multiplexer is closed")

	// ErrCrossSlot is returned for cluster commands whose keys hash to
	// different slots. Nothing is written to any connection.
	ErrCrossSlot = errors.New("redismux: keys in request don't hash to the same slot")

	// ErrCommandDisabled is returned for commands disabled by the CommandMap.
	ErrCommandDisabled = command.ErrDisabled

	// ErrUnsupportedCommand is returned for commands that cannot be
	// pipelined, such as MONITOR or CLIENT REPLY OFF, and for subscription
	// commands sent outside of a Subscriber.
	ErrUnsupportedCommand = errors.New("redismux: command is not supported")

	// ErrConnectionFailed matches every *ConnectionError with errors.Is.
	ErrConnectionFailed = errors.New("redismux: connection failed")

	// ErrNoRoute matches every *NoRouteError with errors.Is.
	ErrNoRoute = errors.New("redismux: no route to a suitable endpoint")

	errClusterDB = errors.New("redismux: cluster supports only DB 0")
)

// ConnectionFailureKind tells why a connection was given up.
type ConnectionFailureKind string

const (
	FailureSocket    ConnectionFailureKind = "socket"
	FailureProtocol  ConnectionFailureKind = "protocol"
	FailureHeartbeat ConnectionFailureKind = "heartbeat"
	FailureStale     ConnectionFailureKind = "stale"
	FailureHandshake ConnectionFailureKind = "handshake"
	FailureClosed    ConnectionFailureKind = "closed"
)

// ConnectionError completes every Message that was queued or awaiting a
// reply on a connection when that connection failed. Such Messages may or
// may not have been executed by the server.
type ConnectionError struct {
	Addr string
	Kind ConnectionFailureKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("redismux: connection to %s failed (%s)", e.Addr, e.Kind)
	}
	return fmt.Sprintf("redismux: connection to %s failed (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// NoRouteError is returned when no connected endpoint can serve a Message
// under its role flags.
type NoRouteError struct {
	Command    string
	Considered []string
}

func (e *NoRouteError) Error() string {
	if len(e.Considered) == 0 {
		return fmt.Sprintf("redismux: no route for %s: no endpoint available", e.Command)
	}
	return fmt.Sprintf("redismux: no route for %s: considered %s",
		e.Command, strings.Join(e.Considered, ", "))
}

func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) (*ConnectionError, bool) {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr, true
	}
	return nil, false
}

// IsNoRouteError reports whether err is, or wraps, a *NoRouteError.
func IsNoRouteError(err error) (*NoRouteError, bool) {
	var routeErr *NoRouteError
	if errors.As(err, &routeErr) {
		return routeErr, true
	}
	return nil, false
}

// IsProtocolError reports whether err is, or wraps, a *proto.ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *proto.ProtocolError
	return errors.As(err, &protoErr)
}

// Error is the interface implemented by errors sent by the server.
type Error interface {
	error

	// RedisError is a no-op function but
	// serves to distinguish types that are Redis
	// errors from ones that are not.
	RedisError()
}

var _ Error = proto.RedisError("")

// HasErrorPrefix checks if the err is a Redis error and the message contains a prefix.
func HasErrorPrefix(err error, prefix string) bool {
	var rErr Error
	if !errors.As(err, &rErr) {
		return false
	}
	msg := rErr.Error()
	msg = strings.TrimPrefix(msg, "ERR ")
	return strings.HasPrefix(msg, prefix)
}

// MovedError and AskError are redirections surfaced to the caller, which
// happens on a second redirect or under NoRedirect.
type (
	MovedError = proto.MovedError
	AskError   = proto.AskError
)

func IsMovedError(err error) (*MovedError, bool) { return proto.IsMovedError(err) }
func IsAskError(err error) (*AskError, bool)     { return proto.IsAskError(err) }

// IsClusterDownError reports a CLUSTERDOWN reply.
func IsClusterDownError(err error) bool { return proto.IsClusterDownError(err) }

// IsTryAgainError reports a TRYAGAIN reply.
func IsTryAgainError(err error) bool { return proto.IsTryAgainError(err) }

// IsLoadingError reports a LOADING reply.
func IsLoadingError(err error) bool { return proto.IsLoadingError(err) }

// IsReadOnlyError reports a READONLY reply.
func IsReadOnlyError(err error) bool { return proto.IsReadOnlyError(err) }
