package redismux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redismux/redismux/internal"
	"github.com/redismux/redismux/internal/hashtag"
)

// Channel names a subscription: a channel, or a pattern when Pattern is set.
type Channel struct {
	Name    string
	Pattern bool
}

func (ch Channel) String() string {
	if ch.Pattern {
		return "pattern " + ch.Name
	}
	return "channel " + ch.Name
}

func (ch Channel) subscribeCommand() string {
	if ch.Pattern {
		return "PSUBSCRIBE"
	}
	return "SUBSCRIBE"
}

func (ch Channel) unsubscribeCommand() string {
	if ch.Pattern {
		return "PUNSUBSCRIBE"
	}
	return "UNSUBSCRIBE"
}

// Publication is a message received on a subscribed channel.
type Publication struct {
	Channel string
	// Pattern is the matching pattern for pattern subscriptions.
	Pattern string
	Payload []byte
}

func (p *Publication) String() string {
	return fmt.Sprintf("Publication<%s: %s>", p.Channel, p.Payload)
}

// Handler receives publications. Handlers run on the Subscriber's single
// dispatch goroutine, in arrival order.
type Handler func(pub *Publication)

// Subscription is one handler registered on a Channel.
type Subscription struct {
	sub     *Subscriber
	channel Channel
	handler Handler
}

// Channel returns what the subscription listens to.
func (s *Subscription) Channel() Channel { return s.channel }

// Unsubscribe removes the handler. The server subscription ends when the
// last handler of the channel leaves.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.sub.remove(ctx, s.channel, s)
}

type subEntry struct {
	ep       *serverEndpoint
	handlers []*Subscription
	ready    chan struct{}
	err      error
}

type delivery struct {
	channel Channel
	pub     *Publication
}

// Subscriber is the registry of a Multiplexer's subscriptions. Entries
// survive reconnects: when a subscription connection comes back, every
// channel bound to it is subscribed again. Publications sent while the
// connection was down are lost.
type Subscriber struct {
	mux *Multiplexer

	mu      sync.Mutex
	entries map[Channel]*subEntry

	queue   chan delivery
	dropped atomic.Uint64
}

func newSubscriber(mux *Multiplexer) *Subscriber {
	s := &Subscriber{
		mux:     mux,
		entries: make(map[Channel]*subEntry),
		queue:   make(chan delivery, mux.opt.SubscriberBufferSize),
	}
	go s.dispatchLoop()
	return s
}

// Subscribe registers handler for channel.
func (s *Subscriber) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	return s.add(ctx, Channel{Name: channel}, handler)
}

// PSubscribe registers handler for every channel matching pattern.
func (s *Subscriber) PSubscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	return s.add(ctx, Channel{Name: pattern, Pattern: true}, handler)
}

// Unsubscribe removes every handler of ch.
func (s *Subscriber) Unsubscribe(ctx context.Context, ch Channel) error {
	return s.remove(ctx, ch, nil)
}

// UnsubscribeAll removes every subscription.
func (s *Subscriber) UnsubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[Channel]*subEntry)
	s.mu.Unlock()

	type group struct {
		ep  *serverEndpoint
		cmd string
	}
	groups := make(map[group][][]byte)
	for ch, e := range entries {
		g := group{ep: e.ep, cmd: ch.unsubscribeCommand()}
		groups[g] = append(groups[g], []byte(ch.Name))
	}

	var firstErr error
	for g, names := range groups {
		if _, err := g.ep.subscription.call(ctx, g.cmd, names...); err != nil && firstErr == nil {
			if _, ok := IsConnectionError(err); !ok {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Channels lists the registered channels.
func (s *Subscriber) Channels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Channel, 0, len(s.entries))
	for ch := range s.entries {
		out = append(out, ch)
	}
	return out
}

// Dropped returns how many publications were discarded because the
// dispatch buffer was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) add(ctx context.Context, ch Channel, handler Handler) (*Subscription, error) {
	if s.mux.closed.Load() {
		return nil, ErrClosed
	}
	sub := &Subscription{sub: s, channel: ch, handler: handler}

	s.mu.Lock()
	e, ok := s.entries[ch]
	if ok {
		e.handlers = append(e.handlers, sub)
		s.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return sub, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return sub, nil
	}

	ep, err := s.mux.channelEndpoint(ch)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	e = &subEntry{ep: ep, handlers: []*Subscription{sub}, ready: make(chan struct{})}
	s.entries[ch] = e
	s.mu.Unlock()

	e.err = s.subscribe(ctx, e, ch)
	if e.err != nil {
		s.mu.Lock()
		if s.entries[ch] == e {
			delete(s.entries, ch)
		}
		s.mu.Unlock()
	}
	close(e.ready)

	if e.err != nil {
		return nil, e.err
	}
	return sub, nil
}

// subscribe issues the server subscription of a new entry. A connection
// failure keeps the entry: it is subscribed when the connection returns.
func (s *Subscriber) subscribe(ctx context.Context, e *subEntry, ch Channel) error {
	if err := e.ep.subscription.start(ctx); err != nil {
		internal.Warnf(ctx, "%s will be subscribed once %s is reachable: %s", ch, e.ep.addr, err)
		return nil
	}
	_, err := e.ep.subscription.call(ctx, ch.subscribeCommand(), []byte(ch.Name))
	if _, ok := IsConnectionError(err); ok {
		internal.Warnf(ctx, "%s will be subscribed once %s is reachable: %s", ch, e.ep.addr, err)
		return nil
	}
	return err
}

func (s *Subscriber) remove(ctx context.Context, ch Channel, sub *Subscription) error {
	s.mu.Lock()
	e, ok := s.entries[ch]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if sub != nil {
		for i, h := range e.handlers {
			if h == sub {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				break
			}
		}
	} else {
		e.handlers = nil
	}
	last := len(e.handlers) == 0
	if last {
		delete(s.entries, ch)
	}
	s.mu.Unlock()

	if !last {
		return nil
	}
	_, err := e.ep.subscription.call(ctx, ch.unsubscribeCommand(), []byte(ch.Name))
	if _, ok := IsConnectionError(err); ok {
		return nil
	}
	return err
}

// replay subscribes every entry bound to ep again, one command per entry.
func (s *Subscriber) replay(ep *serverEndpoint) {
	s.mu.Lock()
	var channels []Channel
	for ch, e := range s.entries {
		if e.ep == ep {
			channels = append(channels, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch := ch
		m := newInternalMessage(ch.subscribeCommand(), []byte(ch.Name))
		m.onFinish = func(_ *Reply, err error) {
			if err != nil {
				internal.Warnf(context.Background(), "resubscribing %s on %s failed: %s", ch, ep.addr, err)
			}
		}
		if err := ep.subscription.enqueue(m); err != nil {
			internal.Warnf(context.Background(), "resubscribing %s on %s failed: %s", ch, ep.addr, err)
			return
		}
	}
	if len(channels) > 0 {
		internal.Infof(context.Background(), "resubscribed %d channels on %s", len(channels), ep.addr)
	}
}

// deliver is called by the read loop of subscription connections. It
// never blocks: when handlers fall behind, publications are dropped.
func (s *Subscriber) deliver(f *Reply) {
	items := f.Array
	var d delivery
	switch string(items[0].Str) {
	case "message", "smessage":
		d.pub = &Publication{Channel: string(items[1].Str), Payload: items[2].Str}
		d.channel = Channel{Name: d.pub.Channel}
	case "pmessage":
		if len(items) < 4 {
			return
		}
		d.pub = &Publication{
			Pattern: string(items[1].Str),
			Channel: string(items[2].Str),
			Payload: items[3].Str,
		}
		d.channel = Channel{Name: d.pub.Pattern, Pattern: true}
	default:
		return
	}

	select {
	case s.queue <- d:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscriber) dispatchLoop() {
	for {
		select {
		case <-s.mux.ctx.Done():
			return
		case d := <-s.queue:
			s.mu.Lock()
			var handlers []*Subscription
			if e, ok := s.entries[d.channel]; ok {
				handlers = append(handlers, e.handlers...)
			}
			s.mu.Unlock()

			for _, h := range handlers {
				h.handler(d.pub)
			}
		}
	}
}

//------------------------------------------------------------------------------

// channelEndpoint binds a channel to an endpoint: in a cluster the owner
// of the channel's slot, otherwise the primary.
func (m *Multiplexer) channelEndpoint(ch Channel) (*serverEndpoint, error) {
	if !m.cluster.Load() {
		if e := m.primary.Load(); e != nil {
			return e, nil
		}
		return nil, &NoRouteError{Command: ch.subscribeCommand(), Considered: m.seeds}
	}

	sm := m.slots.Load()
	if sm == nil {
		return nil, &NoRouteError{Command: ch.subscribeCommand()}
	}
	node := sm.BySlot(hashtag.Slot(ch.Name))
	if node == nil {
		return nil, &NoRouteError{Command: ch.subscribeCommand()}
	}
	return m.endpoint(node.Addr), nil
}
