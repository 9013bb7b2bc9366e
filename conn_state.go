package redismux

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/command"
)

// ConnState is the lifecycle state of an endpoint's connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateFailed
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var validTransitions = map[ConnState][]ConnState{
	StateConnecting:   {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateFailed, StateClosed},
	StateFailed:       {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnected, StateFailed, StateClosed},
}

func validTransition(from, to ConnState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine holds the state of one endpoint connection slot. Illegal
// transitions are refused and logged at debug level.
type stateMachine struct {
	state atomic.Int32
	name  string
}

func (sm *stateMachine) Load() ConnState {
	return ConnState(sm.state.Load())
}

func (sm *stateMachine) transition(to ConnState) bool {
	for {
		from := sm.Load()
		if !validTransition(from, to) {
			internal.Debugf(context.Background(), "%s: ignoring transition %s -> %s", sm.name, from, to)
			return false
		}
		if sm.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

//------------------------------------------------------------------------------

var (
	errHeartbeatTimeout = errors.New("redismux: heartbeat unanswered")
	errStale            = errors.New("redismux: no data received while replies are outstanding")
)

func (c *conn) heartbeatLoop() {
	t := time.NewTicker(c.cfg.opt.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			if kind, err := c.checkHealth(now); err != nil {
				internal.Warnf(context.Background(), "%s: %s", c, err)
				c.fail(kind, err)
				return
			}
		}
	}
}

// checkHealth fails a connection whose probe went unanswered or which has
// read nothing for StaleTimeout while owing replies, and probes it when idle.
func (c *conn) checkHealth(now time.Time) (ConnectionFailureKind, error) {
	opt := c.cfg.opt

	c.mu.Lock()
	var oldest time.Time
	blocked := false
	if len(c.inflight) > 0 {
		oldest = c.inflight[0].sentAt
		blocked = c.inflight[0].info.Has(command.Blocking)
	}
	c.mu.Unlock()

	// A blocking command legitimately keeps the connection silent.
	if blocked {
		return "", nil
	}

	if sent := c.probeSent.Load(); sent != 0 && now.Sub(time.Unix(0, sent)) > opt.HeartbeatTimeout {
		return FailureHeartbeat, errHeartbeatTimeout
	}

	lastRead := time.Unix(0, c.lastRead.Load())
	if !oldest.IsZero() {
		quiet := lastRead
		if oldest.After(quiet) {
			quiet = oldest
		}
		if now.Sub(quiet) > opt.StaleTimeout {
			return FailureStale, errStale
		}
	}

	lastWrite := time.Unix(0, c.lastWrite.Load())
	if c.probeSent.Load() == 0 &&
		now.Sub(lastWrite) >= opt.HeartbeatInterval && now.Sub(lastRead) >= opt.HeartbeatInterval {
		c.probe(now)
	}
	return "", nil
}

func (c *conn) probe(now time.Time) {
	m := newInternalMessage("PING")
	m.Flags = HighPriority
	m.onFinish = func(_ *Reply, err error) {
		sent := c.probeSent.Swap(0)
		if err == nil && sent != 0 && c.cfg.onLatency != nil {
			c.cfg.onLatency(time.Since(time.Unix(0, sent)))
		}
	}
	c.probeSent.Store(now.UnixNano())
	if err := c.enqueue(m); err != nil {
		c.probeSent.Store(0)
	}
}
