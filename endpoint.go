package redismux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redismux/redismux/internal"
)

var errNotConnected = errors.New("redismux: endpoint is not connected")

// ConnectionEvent describes a connection leaving or re-entering the
// connected state.
type ConnectionEvent struct {
	Addr string
	// Kind is "interactive" or "subscription".
	Kind string
	Err  error
	Time time.Time
}

// serverEndpoint is the long-lived, per-address state: its connections and
// health. It outlives topology refreshes.
type serverEndpoint struct {
	mux  *Multiplexer
	addr string

	interactive  *link
	subscription *link

	role     atomic.Int32
	failures atomic.Uint64
	restores atomic.Uint64
	latency  atomic.Int64
	lastErr  atomic.Pointer[string]
}

func newServerEndpoint(mux *Multiplexer, addr string) *serverEndpoint {
	e := &serverEndpoint{mux: mux, addr: addr}
	e.interactive = newLink(e, interactiveConn)
	e.subscription = newLink(e, subscriptionConn)
	return e
}

func (e *serverEndpoint) Role() Role { return Role(e.role.Load()) }

func (e *serverEndpoint) setRole(r Role) { e.role.Store(int32(r)) }

func (e *serverEndpoint) connected() bool {
	return e.interactive.state.Load() == StateConnected
}

func (e *serverEndpoint) recordLatency(d time.Duration) {
	e.latency.Store(int64(d))
}

func (e *serverEndpoint) close() {
	e.interactive.close()
	e.subscription.close()
}

func (e *serverEndpoint) dial(ctx context.Context, kind connKind) (*conn, error) {
	opt := e.mux.opt

	ctx, cancel := context.WithTimeout(ctx, opt.DialTimeout)
	defer cancel()

	netConn, err := opt.Dialer(ctx, "tcp", e.addr)
	if err != nil {
		return nil, &ConnectionError{Addr: e.addr, Kind: FailureSocket, Err: err}
	}

	l := e.interactive
	if kind == subscriptionConn {
		l = e.subscription
	}
	c := newConn(netConn, connConfig{
		addr:      e.addr,
		kind:      kind,
		opt:       opt,
		onFailure: l.onFailure,
		onRedirect: func(msg *Message, err error) {
			go e.mux.redirect(msg, e.addr, err)
		},
		onPublish: e.mux.subscriber.deliver,
		onLatency: e.recordLatency,
	})
	c.start()

	if err := e.handshake(ctx, c, kind); err != nil {
		c.fail(FailureHandshake, err)
		return nil, &ConnectionError{Addr: e.addr, Kind: FailureHandshake, Err: err}
	}
	return c, nil
}

// handshake authenticates, names the connection and, for interactive
// connections, learns the server's role.
func (e *serverEndpoint) handshake(ctx context.Context, c *conn, kind connKind) error {
	opt := e.mux.opt

	if opt.Protocol == 3 {
		args := [][]byte{[]byte("3")}
		if opt.Password != "" {
			user := opt.Username
			if user == "" {
				user = "default"
			}
			args = append(args, []byte("AUTH"), []byte(user), []byte(opt.Password))
		}
		args = append(args, []byte("SETNAME"), []byte(opt.ClientName))
		if _, err := c.call(ctx, "HELLO", args...); err != nil {
			return err
		}
	} else {
		if opt.Password != "" {
			var err error
			if opt.Username != "" {
				_, err = c.call(ctx, "AUTH", []byte(opt.Username), []byte(opt.Password))
			} else {
				_, err = c.call(ctx, "AUTH", []byte(opt.Password))
			}
			if err != nil {
				return err
			}
		}
		if _, err := c.call(ctx, "CLIENT", []byte("SETNAME"), []byte(opt.ClientName)); err != nil {
			if isFatalHandshakeError(err) {
				return err
			}
			internal.Debugf(ctx, "%s: CLIENT SETNAME failed: %s", c, err)
		}
	}

	if kind != interactiveConn {
		return nil
	}

	reply, err := c.call(ctx, "ROLE")
	switch {
	case isFatalHandshakeError(err):
		return err
	case err == nil:
		if role, ok := parseRole(reply); ok {
			e.setRole(role)
		}
	}

	if e.mux.cluster.Load() {
		if _, err := c.call(ctx, "READONLY"); isFatalHandshakeError(err) {
			return err
		}
	}
	return nil
}

// isFatalHandshakeError separates transport and authentication failures
// from other error replies, which optional handshake steps tolerate.
func isFatalHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	var redisErr Error
	if !errors.As(err, &redisErr) {
		return true
	}
	return HasErrorPrefix(err, "NOAUTH") || HasErrorPrefix(err, "WRONGPASS") ||
		HasErrorPrefix(err, "NOPERM")
}

func parseRole(reply *Reply) (Role, bool) {
	items, err := reply.Slice()
	if err != nil || len(items) == 0 {
		return RolePrimary, false
	}
	name, err := items[0].Text()
	if err != nil {
		return RolePrimary, false
	}
	switch strings.ToLower(name) {
	case "master":
		return RolePrimary, true
	case "slave", "replica":
		return RoleReplica, true
	}
	return RolePrimary, false
}

// restored runs after a connection came back.
func (e *serverEndpoint) restored(kind connKind) {
	switch kind {
	case subscriptionConn:
		e.mux.subscriber.replay(e)
	case interactiveConn:
		e.mux.requestRefresh()
	}
}

//------------------------------------------------------------------------------

// link is one connection slot of an endpoint, interactive or subscription,
// and drives its reconnection state machine.
type link struct {
	ep    *serverEndpoint
	kind  connKind
	state stateMachine
	conn  atomic.Pointer[conn]

	startOnce sync.Once
	startErr  error
}

func newLink(ep *serverEndpoint, kind connKind) *link {
	l := &link{ep: ep, kind: kind}
	l.state.name = kind.String() + " " + ep.addr
	return l
}

func (l *link) current() *conn {
	if l.state.Load() != StateConnected {
		return nil
	}
	return l.conn.Load()
}

func (l *link) enqueue(msgs ...*Message) error {
	c := l.current()
	if c == nil {
		return &ConnectionError{Addr: l.ep.addr, Kind: FailureSocket, Err: errNotConnected}
	}
	return c.enqueue(msgs...)
}

func (l *link) call(ctx context.Context, cmd string, args ...[]byte) (*Reply, error) {
	c := l.current()
	if c == nil {
		return nil, &ConnectionError{Addr: l.ep.addr, Kind: FailureSocket, Err: errNotConnected}
	}
	return c.call(ctx, cmd, args...)
}

// start connects the link the first time it is needed. A failed first
// attempt hands over to the reconnect loop.
func (l *link) start(ctx context.Context) error {
	l.startOnce.Do(func() {
		l.startErr = l.connect(ctx)
	})
	if l.startErr != nil && l.state.Load() == StateConnected {
		return nil
	}
	return l.startErr
}

func (l *link) connect(ctx context.Context) error {
	c, err := l.ep.dial(ctx, l.kind)
	if err != nil {
		l.ep.lastErr.Store(ptr(err.Error()))
		if l.state.transition(StateFailed) {
			internal.Warnf(ctx, "%s: connect failed: %s", l.state.name, err)
			go l.reconnectLoop()
		}
		return err
	}
	l.conn.Store(c)
	if !l.state.transition(StateConnected) {
		c.close()
		return ErrClosed
	}
	return nil
}

func (l *link) onFailure(c *conn, err *ConnectionError) {
	if l.conn.Load() != c {
		return
	}
	if !l.state.transition(StateFailed) {
		return
	}
	l.ep.failures.Add(1)
	l.ep.lastErr.Store(ptr(err.Error()))
	internal.Warnf(context.Background(), "%s: connection failed: %s", l.state.name, err)
	l.ep.mux.emitFailed(ConnectionEvent{Addr: l.ep.addr, Kind: l.kind.String(), Err: err, Time: time.Now()})
	go l.reconnectLoop()
}

func (l *link) reconnectLoop() {
	ctx := l.ep.mux.ctx
	opt := l.ep.mux.opt
	b := internal.NewBackoff(opt.ReconnectMinBackoff, opt.ReconnectMaxBackoff)

	for {
		if err := internal.Sleep(ctx, b.NextBackOff()); err != nil {
			return
		}
		if !l.state.transition(StateReconnecting) {
			return
		}

		c, err := l.ep.dial(ctx, l.kind)
		if err != nil {
			l.ep.lastErr.Store(ptr(err.Error()))
			internal.Debugf(ctx, "%s: reconnect failed: %s", l.state.name, err)
			if !l.state.transition(StateFailed) {
				return
			}
			continue
		}

		l.conn.Store(c)
		if !l.state.transition(StateConnected) {
			c.close()
			return
		}
		l.ep.restores.Add(1)
		internal.Infof(ctx, "%s: connection restored", l.state.name)
		l.ep.mux.emitRestored(ConnectionEvent{Addr: l.ep.addr, Kind: l.kind.String(), Time: time.Now()})
		l.ep.restored(l.kind)
		return
	}
}

func (l *link) close() {
	for {
		from := l.state.Load()
		if from == StateClosed {
			return
		}
		if l.state.transition(StateClosed) {
			break
		}
	}
	if c := l.conn.Load(); c != nil {
		c.close()
	}
}

func ptr(s string) *string { return &s }
