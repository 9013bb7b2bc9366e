package redismux

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/command"
	"github.com/redismux/redismux/internal/proto"
)

const (
	readBufferSize  = 32 * 1024
	writeBufferSize = 32 * 1024
	maxIdleReadBuf  = 1024 * 1024
)

var (
	errUnexpectedReply = errors.New("redismux: reply without a pending command")
	errTruncatedFrame  = errors.New("redismux: frame ended early")
)

type connKind uint8

const (
	interactiveConn connKind = iota
	subscriptionConn
)

func (k connKind) String() string {
	if k == subscriptionConn {
		return "subscription"
	}
	return "interactive"
}

type connConfig struct {
	addr      string
	kind      connKind
	opt       *Options
	onFailure func(c *conn, err *ConnectionError)
	// onRedirect takes ownership of a Message answered with MOVED or ASK.
	onRedirect func(msg *Message, err error)
	// onPublish receives published messages on subscription connections.
	onPublish func(f *Reply)
	onLatency func(d time.Duration)
}

// conn is one physical connection. A writer goroutine drains the outbound
// queue into the socket and a reader goroutine matches replies against the
// FIFO of written Messages. mu guards the hand-off between the two.
type conn struct {
	cfg     connConfig
	netConn net.Conn
	bw      *bufio.Writer

	mu       sync.Mutex
	queue    []*Message
	inflight []*Message
	failed   bool
	failErr  *ConnectionError

	wake chan struct{}
	done chan struct{}

	// writer goroutine only
	buf  []byte
	db   int
	subs map[string]map[string]struct{}

	// reader goroutine only
	selectErr error

	dbLost    atomic.Bool
	lastRead  atomic.Int64
	lastWrite atomic.Int64
	probeSent atomic.Int64

	callbacks *callbackQueue
}

func newConn(netConn net.Conn, cfg connConfig) *conn {
	now := time.Now().UnixNano()
	c := &conn{
		cfg:     cfg,
		netConn: netConn,
		bw:      bufio.NewWriterSize(netConn, writeBufferSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		subs:    make(map[string]map[string]struct{}),
	}
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	if cfg.opt.PreserveOrder {
		c.callbacks = newCallbackQueue()
	}
	return c
}

func (c *conn) start() {
	go c.writeLoop()
	go c.readLoop()
	if c.callbacks != nil {
		go c.callbacks.run()
	}
	if c.cfg.opt.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
}

func (c *conn) String() string {
	return c.cfg.kind.String() + " " + c.cfg.addr
}

// enqueue appends msgs to the outbound queue as one contiguous run. A
// single HighPriority Message jumps the queue instead.
func (c *conn) enqueue(msgs ...*Message) error {
	now := time.Now()

	c.mu.Lock()
	if c.failed {
		err := c.failErr
		c.mu.Unlock()
		return err
	}
	for _, m := range msgs {
		m.enqueuedAt = now
		m.endpoint = c.cfg.addr
		if m.callbacks == nil {
			m.callbacks = c.callbacks
		}
	}
	if len(msgs) == 1 && msgs[0].Flags&HighPriority != 0 {
		c.queue = append(c.queue, nil)
		copy(c.queue[1:], c.queue)
		c.queue[0] = msgs[0]
	} else {
		c.queue = append(c.queue, msgs...)
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// call sends an internal command and waits for its reply.
func (c *conn) call(ctx context.Context, cmd string, args ...[]byte) (*Reply, error) {
	type result struct {
		reply *Reply
		err   error
	}
	ch := make(chan result, 1)

	m := newInternalMessage(cmd, args...)
	m.onFinish = func(reply *Reply, err error) {
		ch <- result{reply, err}
	}
	if err := c.enqueue(m); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) pending() int {
	c.mu.Lock()
	n := len(c.inflight) + len(c.queue)
	c.mu.Unlock()
	return n
}

//------------------------------------------------------------------------------

func (c *conn) writeLoop() {
	var batch []*Message
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			batch, c.queue = c.queue, batch[:0]
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.opt.WriteTimeout))
			for i, m := range batch {
				batch[i] = nil
				if err := c.write(m); err != nil {
					c.fail(FailureSocket, err)
					for _, rest := range batch[i+1:] {
						rest.finish(nil, c.failErr)
					}
					return
				}
			}
		}

		if c.bw.Buffered() > 0 {
			_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.opt.WriteTimeout))
			if err := c.bw.Flush(); err != nil {
				c.fail(FailureSocket, err)
				return
			}
		}
	}
}

func (c *conn) write(m *Message) error {
	if c.dbLost.Swap(false) {
		c.db = -1
	}
	if m.DB != c.db && !m.internal {
		sel := newInternalMessage("SELECT", strconv.AppendInt(nil, int64(m.DB), 10))
		sel.selectDB = true
		if err := c.send(sel); err != nil {
			return err
		}
		c.db = m.DB
	}
	return c.send(m)
}

// send moves m into the FIFO and then writes it. A Message must be in the
// FIFO before its bytes can reach the server.
func (c *conn) send(m *Message) error {
	kind, _, isSub := command.SubscriptionKind(m.Command)
	active := 0
	if isSub {
		active = len(c.subs[kind])
	}
	m.remaining = m.info.ReplyCount(m.Args, active)
	if isSub {
		c.trackSubscriptions(m)
	}
	m.sentAt = time.Now()

	c.mu.Lock()
	if c.failed {
		err := c.failErr
		c.mu.Unlock()
		m.finish(nil, err)
		return nil
	}
	c.inflight = append(c.inflight, m)
	c.mu.Unlock()

	c.buf = proto.AppendCommand(c.buf[:0], m.wireName(), m.Args)
	_, err := c.bw.Write(c.buf)
	c.lastWrite.Store(time.Now().UnixNano())
	return err
}

// trackSubscriptions mirrors the server's subscription sets in the order
// commands are written, which is the order the server applies them.
func (c *conn) trackSubscriptions(m *Message) {
	kind, subscribe, _ := command.SubscriptionKind(m.Command)
	set := c.subs[kind]
	if set == nil {
		set = make(map[string]struct{})
		c.subs[kind] = set
	}
	switch {
	case subscribe:
		for _, arg := range m.Args {
			set[string(arg)] = struct{}{}
		}
	case len(m.Args) == 0:
		delete(c.subs, kind)
	default:
		for _, arg := range m.Args {
			delete(set, string(arg))
		}
	}
}

//------------------------------------------------------------------------------

func (c *conn) readLoop() {
	var sc proto.Scanner
	buf := make([]byte, 0, readBufferSize)
	for {
		if len(buf) == cap(buf) {
			grown := make([]byte, len(buf), 2*cap(buf))
			copy(grown, buf)
			buf = grown
		}

		n, err := c.netConn.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())
			buf = buf[:len(buf)+n]

			off := 0
			for off < len(buf) {
				size, ok, perr := sc.Next(buf[off:])
				if perr != nil {
					c.fail(FailureProtocol, perr)
					return
				}
				if !ok {
					break
				}
				_, f, perr := proto.TryParse(buf[off : off+size])
				if perr == nil && f == nil {
					perr = errTruncatedFrame
				}
				if perr != nil {
					c.fail(FailureProtocol, perr)
					return
				}
				off += size
				if derr := c.dispatch(f); derr != nil {
					c.fail(FailureProtocol, derr)
					return
				}
			}
			buf = buf[:copy(buf, buf[off:])]
			if cap(buf) > maxIdleReadBuf && len(buf) < readBufferSize {
				buf = append(make([]byte, 0, readBufferSize), buf...)
			}
		}
		if err != nil {
			c.fail(FailureSocket, err)
			return
		}
	}
}

// dispatch routes one frame: published messages go to the subscriber,
// everything else answers the head of the FIFO.
func (c *conn) dispatch(f *Reply) error {
	if c.isPublication(f) {
		if c.cfg.onPublish != nil {
			c.cfg.onPublish(f)
		}
		return nil
	}

	c.mu.Lock()
	if len(c.inflight) == 0 || (f.IsPush() && !c.answersHead(f)) {
		c.mu.Unlock()
		if f.IsPush() {
			internal.Debugf(context.Background(), "%s: ignoring push %s", c, f)
			return nil
		}
		return errUnexpectedReply
	}
	// A Message still in the FIFO can be failed by another goroutine, so
	// its reply state only changes under mu.
	m := c.inflight[0]
	if m.respondedAt.IsZero() {
		m.respondedAt = time.Now()
	}
	m.remaining--
	done := m.remaining <= 0
	if done {
		c.inflight[0] = nil
		c.inflight = c.inflight[1:]
	} else {
		m.replies = append(m.replies, f)
	}
	c.mu.Unlock()

	if done {
		c.complete(m, f)
	}
	return nil
}

func (c *conn) isPublication(f *Reply) bool {
	if !f.IsPush() && (c.cfg.kind != subscriptionConn || f.Kind != proto.KindArray) {
		return false
	}
	if len(f.Array) < 3 {
		return false
	}
	switch string(f.Array[0].Str) {
	case "message", "pmessage", "smessage":
		return true
	}
	return false
}

// answersHead reports whether a RESP3 push frame is the reply to the head
// of the FIFO: subscription confirmations arrive as pushes.
// Called with mu held.
func (c *conn) answersHead(f *Reply) bool {
	if len(f.Array) == 0 {
		return false
	}
	if _, _, ok := command.SubscriptionKind(string(f.Array[0].Str)); !ok {
		return false
	}
	return c.inflight[0].info.Has(command.PubSub)
}

func (c *conn) complete(m *Message, last *Reply) {
	reply := last
	if len(m.replies) > 0 {
		reply = proto.NewArray(append(m.replies, last)...)
		m.replies = nil
	}

	var err error
	if reply.IsError() {
		err = reply.Err()
	} else if reply.Kind == proto.KindArray && m.info.Has(command.PubSub) {
		for _, r := range reply.Array {
			if r.IsError() {
				err = r.Err()
				break
			}
		}
	}

	if m.selectDB {
		if err != nil {
			internal.Warnf(context.Background(), "%s: SELECT failed: %s", c, err)
			c.selectErr = err
			c.dbLost.Store(true)
		} else {
			c.selectErr = nil
		}
		m.finish(reply, err)
		return
	}
	if c.selectErr != nil && !m.internal {
		m.finish(nil, c.selectErr)
		return
	}

	if err != nil {
		if _, _, _, ok := proto.IsRedirect(err); ok && !m.internal && c.cfg.onRedirect != nil {
			c.cfg.onRedirect(m, err)
			return
		}
		m.finish(nil, err)
		return
	}
	m.finish(reply, nil)
}

//------------------------------------------------------------------------------

// fail gives the connection up. Every queued and unanswered Message
// completes with the same *ConnectionError, exactly once.
func (c *conn) fail(kind ConnectionFailureKind, err error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.failErr = &ConnectionError{Addr: c.cfg.addr, Kind: kind, Err: err}
	orphans := append(c.inflight, c.queue...)
	c.inflight, c.queue = nil, nil
	c.mu.Unlock()

	close(c.done)
	_ = c.netConn.Close()

	for _, m := range orphans {
		m.finish(nil, c.failErr)
	}
	if c.callbacks != nil {
		c.callbacks.close()
	}
	if c.cfg.onFailure != nil {
		c.cfg.onFailure(c, c.failErr)
	}
}

func (c *conn) close() {
	c.fail(FailureClosed, ErrClosed)
}

func (c *conn) isFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

//------------------------------------------------------------------------------

type callback struct {
	fn    func(*Reply, error)
	reply *Reply
	err   error
}

// callbackQueue runs completion callbacks serially in the order they were
// pushed. It never blocks the pushing goroutine.
type callbackQueue struct {
	mu     sync.Mutex
	items  []callback
	closed bool
	wake   chan struct{}
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{wake: make(chan struct{}, 1)}
}

func (q *callbackQueue) push(fn func(*Reply, error), reply *Reply, err error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, callback{fn: fn, reply: reply, err: err})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting callbacks; the ones already queued still run.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) run() {
	var items []callback
	for range q.wake {
		for {
			q.mu.Lock()
			items, q.items = q.items, items[:0]
			closed := q.closed
			q.mu.Unlock()

			for i := range items {
				items[i].fn(items[i].reply, items[i].err)
				items[i] = callback{}
			}
			if len(items) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
