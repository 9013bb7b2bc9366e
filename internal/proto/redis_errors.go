package proto

import (
	"errors"
	"strconv"
	"strings"
)

// Nil is returned when a reply is null, e.g. when a key does not exist.
const Nil = RedisError("redismux: nil")

// RedisError is an error reply sent by the server.
type RedisError string

func (e RedisError) Error() string { return string(e) }

func (RedisError) RedisError() {}

// ParseErrorReply turns the text of an error frame into a typed error.
func ParseErrorReply(msg []byte) error {
	return parseTypedRedisError(string(msg))
}

// MovedError is returned when a slot is permanently served by another node.
type MovedError struct {
	msg  string
	slot int
	addr string
}

func (e *MovedError) Error() string { return e.msg }

func (e *MovedError) RedisError() {}

func (e *MovedError) Is(target error) bool {
	_, ok := target.(*MovedError)
	return ok
}

// Slot returns the slot named in the redirection.
func (e *MovedError) Slot() int { return e.slot }

// Addr returns the address of the node now owning the slot.
func (e *MovedError) Addr() string { return e.addr }

// NewMovedError creates a new MovedError with the given message, slot and address.
func NewMovedError(msg string, slot int, addr string) *MovedError {
	return &MovedError{msg: msg, slot: slot, addr: addr}
}

// AskError is returned when a slot is being migrated and one request
// must be retried on the importing node.
type AskError struct {
	msg  string
	slot int
	addr string
}

func (e *AskError) Error() string { return e.msg }

func (e *AskError) RedisError() {}

func (e *AskError) Is(target error) bool {
	_, ok := target.(*AskError)
	return ok
}

// Slot returns the slot named in the redirection.
func (e *AskError) Slot() int { return e.slot }

// Addr returns the address of the node to ask.
func (e *AskError) Addr() string { return e.addr }

// NewAskError creates a new AskError with the given message, slot and address.
func NewAskError(msg string, slot int, addr string) *AskError {
	return &AskError{msg: msg, slot: slot, addr: addr}
}

// LoadingError is returned when the server is loading the dataset in memory.
type LoadingError struct{ msg string }

func (e *LoadingError) Error() string { return e.msg }
func (e *LoadingError) RedisError()   {}

// ReadOnlyError is returned when writing to a read-only replica.
type ReadOnlyError struct{ msg string }

func (e *ReadOnlyError) Error() string { return e.msg }
func (e *ReadOnlyError) RedisError()   {}

// ClusterDownError is returned when the cluster is down.
type ClusterDownError struct{ msg string }

func (e *ClusterDownError) Error() string { return e.msg }
func (e *ClusterDownError) RedisError()   {}

// TryAgainError is returned during resharding of multi-key operations.
type TryAgainError struct{ msg string }

func (e *TryAgainError) Error() string { return e.msg }
func (e *TryAgainError) RedisError()   {}

// MasterDownError is returned by a replica that lost its primary.
type MasterDownError struct{ msg string }

func (e *MasterDownError) Error() string { return e.msg }
func (e *MasterDownError) RedisError()   {}

// parseTypedRedisError keeps the server's text as the error message and
// picks a type from its prefix.
func parseTypedRedisError(msg string) error {
	switch {
	case strings.HasPrefix(msg, "MOVED "):
		slot, addr, ok := parseRedirect(msg)
		if !ok {
			return RedisError(msg)
		}
		return NewMovedError(msg, slot, addr)
	case strings.HasPrefix(msg, "ASK "):
		slot, addr, ok := parseRedirect(msg)
		if !ok {
			return RedisError(msg)
		}
		return NewAskError(msg, slot, addr)
	case strings.HasPrefix(msg, "LOADING "):
		return &LoadingError{msg: msg}
	case strings.HasPrefix(msg, "READONLY "):
		return &ReadOnlyError{msg: msg}
	case strings.HasPrefix(msg, "CLUSTERDOWN "):
		return &ClusterDownError{msg: msg}
	case strings.HasPrefix(msg, "TRYAGAIN "):
		return &TryAgainError{msg: msg}
	case strings.HasPrefix(msg, "MASTERDOWN "):
		return &MasterDownError{msg: msg}
	default:
		return RedisError(msg)
	}
}

// parseRedirect reads "MOVED <slot> <addr>" and "ASK <slot> <addr>".
// An empty host (":6380") means the node that sent the reply.
func parseRedirect(msg string) (int, string, bool) {
	parts := strings.Fields(msg)
	if len(parts) != 3 {
		return 0, "", false
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil || slot < 0 || slot >= 16384 {
		return 0, "", false
	}
	return slot, parts[2], true
}

// IsMovedError checks if an error is a MovedError, even if wrapped.
func IsMovedError(err error) (*MovedError, bool) {
	var movedErr *MovedError
	if errors.As(err, &movedErr) {
		return movedErr, true
	}
	return nil, false
}

// IsAskError checks if an error is an AskError, even if wrapped.
func IsAskError(err error) (*AskError, bool) {
	var askErr *AskError
	if errors.As(err, &askErr) {
		return askErr, true
	}
	return nil, false
}

// IsRedirect reports MOVED or ASK and returns the slot and target address.
func IsRedirect(err error) (ask bool, slot int, addr string, ok bool) {
	if moved, ok := IsMovedError(err); ok {
		return false, moved.Slot(), moved.Addr(), true
	}
	if a, ok := IsAskError(err); ok {
		return true, a.Slot(), a.Addr(), true
	}
	return false, 0, "", false
}

// IsLoadingError checks if an error is a LoadingError, even if wrapped.
func IsLoadingError(err error) bool {
	var loadingErr *LoadingError
	return errors.As(err, &loadingErr)
}

// IsReadOnlyError checks if an error is a ReadOnlyError, even if wrapped.
func IsReadOnlyError(err error) bool {
	var readOnlyErr *ReadOnlyError
	return errors.As(err, &readOnlyErr)
}

// IsClusterDownError checks if an error is a ClusterDownError, even if wrapped.
func IsClusterDownError(err error) bool {
	var clusterDownErr *ClusterDownError
	return errors.As(err, &clusterDownErr)
}

// IsTryAgainError checks if an error is a TryAgainError, even if wrapped.
func IsTryAgainError(err error) bool {
	var tryAgainErr *TryAgainError
	return errors.As(err, &tryAgainErr)
}

// IsMasterDownError checks if an error is a MasterDownError, even if wrapped.
func IsMasterDownError(err error) bool {
	var masterDownErr *MasterDownError
	return errors.As(err, &masterDownErr)
}
